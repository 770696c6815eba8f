package domain

import "errors"

// Common domain errors
var (
	ErrNotFound     = errors.New("resource not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
)

// Transfer errors
var (
	ErrTransferNotFound          = errors.New("transfer not found")
	ErrInvalidAmount             = errors.New("amount must be greater than zero")
	ErrMissingRecipient          = errors.New("recipient is required")
	ErrInvalidRequiredCodes      = errors.New("required codes out of range")
	ErrDuplicateInFlightTransfer = errors.New("an equivalent transfer is already in flight")
	ErrInvalidTransition         = errors.New("invalid transfer status transition")
	ErrTransferSuspended         = errors.New("transfer is suspended")
	ErrTransferTerminal          = errors.New("transfer already reached a terminal state")
	ErrReferenceAllocationFailed = errors.New("could not allocate transfer reference")
)

// Validation code errors
var (
	ErrInvalidOrExpiredCode = errors.New("invalid or expired code")
	ErrCodeNotFound         = errors.New("validation code not found")
	ErrCodeExpired          = errors.New("validation code expired")
	ErrCodeAlreadyConsumed  = errors.New("validation code already consumed")
	ErrSequenceMismatch     = errors.New("validation code sequence mismatch")
	ErrCodeMismatch         = errors.New("validation code does not match")
	ErrCodeStillActive      = errors.New("current validation code has not expired yet")
	ErrNoCodePending        = errors.New("no validation code is pending for this transfer")
)

// CodeRejectedError is returned for every failed code check. It matches
// ErrInvalidOrExpiredCode and the specific reason with errors.Is.
type CodeRejectedError struct {
	Reason error
}

func (e *CodeRejectedError) Error() string {
	return ErrInvalidOrExpiredCode.Error()
}

func (e *CodeRejectedError) Unwrap() []error {
	return []error{ErrInvalidOrExpiredCode, e.Reason}
}

// RejectCode wraps a ledger failure reason
func RejectCode(reason error) error {
	return &CodeRejectedError{Reason: reason}
}
