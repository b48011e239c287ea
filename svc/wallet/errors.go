package wallet

import "errors"

var (
	// ErrInvalidAmount is returned for non-positive grant or spend amounts.
	ErrInvalidAmount = errors.New("wallet: amount must be positive")

	// ErrDuplicateReference is returned when a grant replays an existing
	// provider reference with a different amount. Same-amount replays are
	// treated as idempotent and do not error.
	ErrDuplicateReference = errors.New("wallet: provider reference already used with a different amount")

	// ErrInsufficientBalance is a normal business outcome: the eligible
	// non-expired batch remainders do not cover the requested spend.
	ErrInsufficientBalance = errors.New("wallet: insufficient balance")

	// ErrWalletNotFound is returned when the tenant has no wallet yet.
	ErrWalletNotFound = errors.New("wallet: not found")

	// ErrBatchNotFound is returned by provider reference lookups with no match.
	ErrBatchNotFound = errors.New("wallet: purchase batch not found")

	// ErrTransientStore wraps retryable persistence failures. Operations
	// failing with it leave no partial state.
	ErrTransientStore = errors.New("wallet: transient storage failure")

	// ErrStorageNil is returned by the constructor when no storage is provided.
	ErrStorageNil = errors.New("wallet: storage is required")
)
