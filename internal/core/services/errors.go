package services

import (
	"errors"
	"fmt"
)

// Submission errors. No task record exists when any of these is returned.
var (
	ErrInvalidParams      = errors.New("submit: invalid params")
	ErrResourceBusy       = errors.New("submit: resource busy")
	ErrVersionConflict    = errors.New("submit: resource version conflict")
	ErrResourceNotFound   = errors.New("submit: resource not found")
	ErrExecutorSaturated  = errors.New("submit: executor saturated")
	ErrSubmissionInternal = errors.New("submit: internal error")
)

// Task errors
var (
	ErrTaskNotFound      = errors.New("task: not found")
	ErrInvalidTransition = errors.New("task: invalid state transition")
)

// Registry errors
var (
	ErrHandlerExists  = errors.New("registry: handler already registered")
	ErrHandlerMissing = errors.New("registry: no handler for kind")
)

// Executor errors
var (
	ErrExecutorStopped = errors.New("executor: stopped")
)

// Encryption errors
var (
	ErrEncryptionFailed = errors.New("encryption: failed to encrypt data")
	ErrDecryptionFailed = errors.New("encryption: failed to decrypt data")
)

// SubmissionError carries the reason a submission was refused. Reason is the
// stable label used in API responses and metrics.
type SubmissionError struct {
	Reason string
	Err    error
}

func (e *SubmissionError) Error() string {
	return e.Err.Error()
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

func rejected(reason string, sentinel error, detail string, args ...interface{}) error {
	err := sentinel
	if detail != "" {
		err = fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(detail, args...))
	}
	return &SubmissionError{Reason: reason, Err: err}
}

// Stable rejection reasons.
const (
	ReasonInvalidParams     = "invalid_params"
	ReasonResourceBusy      = "resource_busy"
	ReasonVersionConflict   = "version_conflict"
	ReasonResourceNotFound  = "resource_not_found"
	ReasonExecutorSaturated = "executor_saturated"
	ReasonInternal          = "internal"
)
