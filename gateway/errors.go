package gateway

import "errors"

// Error types for classifying Gateway errors, per the error taxonomy in
// spec.md 7.

// TransientError represents a temporary error that may succeed on retry.
type TransientError struct {
	err error
}

func (e *TransientError) Error() string { return e.err.Error() }
func (e *TransientError) Unwrap() error { return e.err }

// NewTransientError wraps an error as transient (retryable).
func NewTransientError(err error) error {
	return &TransientError{err: err}
}

// FatalError represents a permanent error that should not be retried.
type FatalError struct {
	err error
}

func (e *FatalError) Error() string { return e.err.Error() }
func (e *FatalError) Unwrap() error { return e.err }

// NewFatalError wraps an error as fatal (non-retryable).
func NewFatalError(err error) error {
	return &FatalError{err: err}
}

// IsTransient returns true if the error is transient and should be retried.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// IsFatal returns true if the error is fatal and should not be retried.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

// CostCeilingError indicates the Gateway refused a call because its
// estimated cost would take the Ledger past its ceiling (spec.md 4.2). It
// is not retried. The Intent Compiler returns it unwrapped so callers can
// tell it apart with IsCostCeiling; the Orchestrator does not
// special-case it.
type CostCeilingError struct {
	Limit float64
	Spent float64
}

func (e *CostCeilingError) Error() string {
	return "cost ceiling reached"
}

// IsCostCeiling returns true if err is a CostCeilingError.
func IsCostCeiling(err error) bool {
	var ce *CostCeilingError
	return errors.As(err, &ce)
}
