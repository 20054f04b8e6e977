// Package errors defines the sentinel errors shared by the baton packages.
//
// Lock and ledger faults are handled where they occur; only processing
// failures and exhausted retries are meant to reach the caller's loop.
package errors

import "errors"

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")

	// ErrLockTimeout is returned when a lock could not be acquired before the
	// caller's timeout elapsed. It is transient: the caller should defer.
	ErrLockTimeout = errors.New("baton: lock acquisition timed out")
	// ErrLockOwnershipMismatch is returned when a release is attempted by a
	// caller that is not the recorded holder.
	ErrLockOwnershipMismatch = errors.New("baton: lock held by another owner")

	// ErrLedgerCorruption marks a ledger document that failed validation.
	// Writers recover by resetting the document, so it is only ever logged.
	ErrLedgerCorruption = errors.New("baton: ledger document corrupted")
	// ErrLedgerWriteFailure is returned when every write attempt failed. The
	// canonical document is left untouched.
	ErrLedgerWriteFailure = errors.New("baton: ledger write failed")
	// ErrInvalidTransition is returned for status changes out of a terminal state.
	ErrInvalidTransition = errors.New("baton: invalid status transition")

	// ErrProcessingFailure wraps an error reported by the processing callback.
	ErrProcessingFailure = errors.New("baton: processing failed")
	// ErrRetriesExhausted is returned once, when a key uses up its retry budget.
	ErrRetriesExhausted = errors.New("baton: retries exhausted")
)
