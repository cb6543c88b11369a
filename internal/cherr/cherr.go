// Package cherr defines the error taxonomy shared across the ingestion
// pipeline. Callers classify errors with errors.As; the queue layer uses
// Retryable to decide between backoff-retry and dead-lettering.
package cherr

import (
	"errors"
	"fmt"
)

// ValidationError marks malformed caller input. Never retried; maps to
// a 4xx at the HTTP boundary.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func Validationf(format string, args ...any) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// UnauthorizedError marks a bad signature or bad credentials. Never
// retried and never mutates state; maps to 401.
type UnauthorizedError struct {
	Msg string
}

func (e *UnauthorizedError) Error() string { return e.Msg }

func Unauthorizedf(format string, args ...any) *UnauthorizedError {
	return &UnauthorizedError{Msg: fmt.Sprintf(format, args...)}
}

// AdapterError wraps a vendor-side failure. Retryable distinguishes
// transient network or rate-limit errors from permanent rejections.
type AdapterError struct {
	Platform  string
	Op        string
	Retryable bool
	Err       error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Platform, e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// QueueExhaustedError marks a job that hit its attempt cap. Terminal;
// the job is dead and surfaced for operator inspection.
type QueueExhaustedError struct {
	Queue    string
	JobID    string
	Attempts int
	Err      error
}

func (e *QueueExhaustedError) Error() string {
	return fmt.Sprintf("queue %s: job %s dead after %d attempts: %v", e.Queue, e.JobID, e.Attempts, e.Err)
}

func (e *QueueExhaustedError) Unwrap() error { return e.Err }

// GraphConflictError marks a concurrent upsert conflict on one node
// key. Resolved internally by retrying with a fresh read.
type GraphConflictError struct {
	Platform   string
	ExternalID string
}

func (e *GraphConflictError) Error() string {
	return fmt.Sprintf("graph conflict on %s/%s", e.Platform, e.ExternalID)
}

// Retryable reports whether the queue layer should retry after err.
// Validation and authorization failures are permanent; adapter errors
// carry their own flag; anything unclassified defaults to retryable.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var ve *ValidationError
	var ue *UnauthorizedError
	if errors.As(err, &ve) || errors.As(err, &ue) {
		return false
	}
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	var qe *QueueExhaustedError
	if errors.As(err, &qe) {
		return false
	}
	return true
}
