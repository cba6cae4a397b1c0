package pipeline

import (
	"errors"
	"fmt"
)

// Failure kinds. Every error returned by Processor.Process matches exactly one
// of them with errors.Is.
var (
	ErrValidation      = errors.New("invalid request")
	ErrStaging         = errors.New("staging failed")
	ErrBusy            = errors.New("no worker capacity")
	ErrWorkerExecution = errors.New("worker failed")
	ErrTimeout         = errors.New("worker timed out")
	ErrPublish         = errors.New("publish failed")
)

// Error is a job failure. Details carries diagnostics that are safe to show a
// client (the worker's stderr); Err carries the internal cause for logs.
type Error struct {
	Kind    error
	Op      string
	JobID   string
	Details string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func fail(kind error, op, jobID string, err error) *Error {
	return &Error{Kind: kind, Op: op, JobID: jobID, Err: err}
}
