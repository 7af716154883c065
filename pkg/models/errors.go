package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrShuttingDown is returned when a cycle is requested after shutdown began
var ErrShuttingDown = errors.New("optimizer is shutting down")

// ValidationError reports bad forecast, metric or policy input.
// It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// UnknownInstanceTypeError means the rate table has no price for the type
type UnknownInstanceTypeError struct {
	InstanceType string
}

func (e *UnknownInstanceTypeError) Error() string {
	return fmt.Sprintf("unknown instance type %q: no rate configured", e.InstanceType)
}

// TransientCloudError wraps throttling, timeouts and network failures
type TransientCloudError struct {
	Op  string
	Err error
}

func (e *TransientCloudError) Error() string {
	return fmt.Sprintf("%s: transient cloud error: %v", e.Op, e.Err)
}

func (e *TransientCloudError) Unwrap() error { return e.Err }

// PermanentCloudError wraps quota, capacity-of-account and invalid request failures
type PermanentCloudError struct {
	Op  string
	Err error
}

func (e *PermanentCloudError) Error() string {
	return fmt.Sprintf("%s: permanent cloud error: %v", e.Op, e.Err)
}

func (e *PermanentCloudError) Unwrap() error { return e.Err }

// ConcurrentCycleError is returned when another cycle holds the allocation.
// Callers should retry on the next tick.
type ConcurrentCycleError struct {
	Since time.Time
}

func (e *ConcurrentCycleError) Error() string {
	if e.Since.IsZero() {
		return "another optimization cycle is in progress"
	}
	return fmt.Sprintf("another optimization cycle is in progress since %s", e.Since.Format(time.RFC3339))
}

// IsTransient reports whether err is worth retrying
func IsTransient(err error) bool {
	var t *TransientCloudError
	return errors.As(err, &t)
}

// IsPermanent reports whether err must not be retried
func IsPermanent(err error) bool {
	var p *PermanentCloudError
	return errors.As(err, &p)
}
