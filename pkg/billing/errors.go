package billing

import (
	"errors"
	"fmt"

	"github.com/psicoid/billing/pkg/subscription"
)

var (
	// ErrProviderNotConfigured is returned when a provider or storage is missing
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrMissingSignature is returned when a webhook arrives without a signature header
	ErrMissingSignature = fmt.Errorf("%w: missing signature header", subscription.ErrSignatureInvalid)

	// ErrPlanNotConfigured is returned when a plan has no provider price
	ErrPlanNotConfigured = fmt.Errorf("%w: plan not configured", subscription.ErrValidation)

	// ErrCheckoutIncomplete is returned when a checkout session is not complete and paid
	ErrCheckoutIncomplete = fmt.Errorf("%w: checkout session not completed", subscription.ErrValidation)

	// ErrNoCustomer is returned when the caller has no provider customer yet
	ErrNoCustomer = fmt.Errorf("%w: no billing customer for user", subscription.ErrNotFound)

	// ErrAlreadySubscribed is returned when a live subscription blocks a new checkout
	ErrAlreadySubscribed = fmt.Errorf("%w: user already has a live subscription", subscription.ErrAlreadyExists)
)

// upstream wraps a provider API failure.
func upstream(err error, what string) error {
	return fmt.Errorf("%w: %s: %v", subscription.ErrUpstreamUnavailable, what, err)
}
