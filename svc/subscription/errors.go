package subscription

import "errors"

var (
	// ErrSubscriptionNotFound is returned for lookups of unknown subscriptions.
	ErrSubscriptionNotFound = errors.New("subscription: not found")

	// ErrPackageNotFound is returned for lookups of unknown packages.
	ErrPackageNotFound = errors.New("subscription: package not found")

	// ErrUnknownTier is returned when a stored tier value is outside the enum.
	ErrUnknownTier = errors.New("subscription: unknown tier")

	// ErrAlreadyFinal is returned when a transition is attempted out of a
	// terminal status (EXPIRED or CANCELLED).
	ErrAlreadyFinal = errors.New("subscription: status is final")

	// ErrInvalidPeriod is returned when a package defines a non-positive
	// validity period.
	ErrInvalidPeriod = errors.New("subscription: period must be positive")

	// ErrTransientStore wraps retryable persistence failures.
	ErrTransientStore = errors.New("subscription: transient storage failure")

	// ErrStorageNil is returned by the constructor when no storage is provided.
	ErrStorageNil = errors.New("subscription: storage is required")
)
