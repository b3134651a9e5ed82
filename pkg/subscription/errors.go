package subscription

import "errors"

var (
	// ErrUnauthenticated is returned when no caller identity is present.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrAuthorizationDenied is returned when the caller does not own the target record.
	ErrAuthorizationDenied = errors.New("authorization denied")

	// ErrNotFound is returned when a lookup by id returns nothing.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when a unique key (user id or external
	// subscription id) is already taken.
	ErrAlreadyExists = errors.New("already exists")

	// ErrValidation is returned when a payload has the wrong shape.
	ErrValidation = errors.New("validation failed")

	// ErrSignatureInvalid is returned when a webhook fails authentication.
	ErrSignatureInvalid = errors.New("webhook signature invalid")

	// ErrInconsistent is returned when an update event references a
	// subscription that was never created locally.
	ErrInconsistent = errors.New("upstream state inconsistent")

	// ErrUpstreamUnavailable is returned when a payment provider call fails.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)
