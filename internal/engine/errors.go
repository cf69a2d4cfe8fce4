package engine

import (
	"errors"
	"fmt"
)

// TxnErrorCode categorizes transaction failures.
type TxnErrorCode string

const (
	// ErrCodeBodyFailed: the transaction body returned an error or panicked.
	// Nothing was committed.
	ErrCodeBodyFailed TxnErrorCode = "BODY_FAILED"

	// ErrCodePatchFailed: a raw patch op could not be applied.
	ErrCodePatchFailed TxnErrorCode = "PATCH_FAILED"

	// ErrCodeQueueClosed: the engine stopped before the transaction was
	// admitted.
	ErrCodeQueueClosed TxnErrorCode = "QUEUE_CLOSED"

	// ErrCodeEngineStopped: the engine stopped before the transaction ran.
	ErrCodeEngineStopped TxnErrorCode = "ENGINE_STOPPED"

	// ErrCodeInvalidWriteback: the path has no externalStore trait.
	ErrCodeInvalidWriteback TxnErrorCode = "INVALID_WRITEBACK"
)

// TxnError is returned for a transaction that did not commit.
//
// Degraded convergence is never a TxnError: it commits and is reported in
// the commit's evidence.
type TxnError struct {
	Code    TxnErrorCode
	Message string
	Label   string
	Err     error
}

// Error implements the error interface.
func (e *TxnError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Label != "" {
		msg += fmt.Sprintf(" (txn=%s)", e.Label)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *TxnError) Unwrap() error { return e.Err }

func hasCode(err error, code TxnErrorCode) bool {
	var te *TxnError
	if errors.As(err, &te) {
		return te.Code == code
	}
	return false
}

// IsBodyFailed reports whether err is a failed transaction body.
// Uses errors.As to handle wrapped errors.
func IsBodyFailed(err error) bool { return hasCode(err, ErrCodeBodyFailed) }

// IsStopped reports whether err means the engine no longer accepts or runs
// transactions.
func IsStopped(err error) bool {
	return hasCode(err, ErrCodeQueueClosed) || hasCode(err, ErrCodeEngineStopped)
}

func errQueueClosed(label string) *TxnError {
	return &TxnError{Code: ErrCodeQueueClosed, Message: "engine is not accepting transactions", Label: label}
}
