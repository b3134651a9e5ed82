// Package auth carries the authenticated caller identity from the routing
// layer into service calls.
package auth

import (
	"fmt"
	"strings"

	"github.com/psicoid/billing/pkg/subscription"
)

// Caller is the authenticated identity of the user making a request.
// Services receive it as an explicit argument.
type Caller struct {
	UserID string
	Email  string
	Name   string
}

// Validate returns subscription.ErrUnauthenticated when the identity is empty.
func (c Caller) Validate() error {
	if strings.TrimSpace(c.UserID) == "" {
		return fmt.Errorf("%w: missing caller", subscription.ErrUnauthenticated)
	}
	return nil
}

// Owns reports whether the caller is the owner recorded as userID.
func (c Caller) Owns(userID string) bool {
	return c.UserID != "" && c.UserID == userID
}
