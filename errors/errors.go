// Package errors provides error handling for relay.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - PII-safe error formatting
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Check errors
//	if errors.Is(err, errors.ErrNotFound) {
//	    // handle not found
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is            = crdb.Is
	IsAny         = crdb.IsAny
	As            = crdb.As
	Unwrap        = crdb.Unwrap
	UnwrapAll     = crdb.UnwrapAll
	GetAllHints   = crdb.GetAllHints
	GetAllDetails = crdb.GetAllDetails
)

// Common sentinel errors for use across relay.
// Use these with errors.Is() for type-safe error checking.
// Wrap these with errors.Wrap() to add context while preserving the type.
var (
	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = New("not found")

	// ErrBadRequest indicates an inbound payload was malformed or invalid
	ErrBadRequest = New("bad request")

	// ErrDuplicateItem indicates a submission matched an already-enqueued item
	ErrDuplicateItem = New("duplicate item")

	// ErrNoClaimableWork indicates no pending queue item could be claimed
	ErrNoClaimableWork = New("no claimable work")

	// ErrInsufficientBalance indicates the identity's ledger balance cannot
	// cover the estimated cost of the requested work
	ErrInsufficientBalance = New("insufficient balance")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsDuplicateItemError checks if an error is or wraps ErrDuplicateItem.
func IsDuplicateItemError(err error) bool {
	return err != nil && Is(err, ErrDuplicateItem)
}

// IsInsufficientBalanceError checks if an error is or wraps ErrInsufficientBalance.
func IsInsufficientBalanceError(err error) bool {
	return err != nil && Is(err, ErrInsufficientBalance)
}

// WrapBadRequest wraps an error as a bad-request error with context
func WrapBadRequest(err error, context string) error {
	return Wrap(Wrap(ErrBadRequest, err.Error()), context)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}
