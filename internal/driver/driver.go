// Package driver defines the abstraction for batch-system backends that
// run ensemble realizations.  Each backend (LSF, local processes, Docker)
// implements the Driver interface so the orchestration layer stays
// scheduler-agnostic.
package driver

import (
	"context"
	"errors"
	"fmt"
)

// Driver is the contract every batch-system backend must satisfy.
//
// A realization is identified by its index (iens).  The lifecycle of each
// submitted realization is:
//
//	Submit → Pending → Started → Finished | Aborted
//
// and is reported on the Events channel as exactly one StartedEvent
// followed by exactly one FinishedEvent.  A realization that never starts
// (killed while queued, rejected by the scheduler) may produce only the
// FinishedEvent, with Aborted set.
type Driver interface {
	// Submit hands the shell command for realization iens to the backend.
	// A failure is specific to this realization and is returned as a
	// *SubmitError; the driver stays usable for every other iens.
	Submit(ctx context.Context, iens int, command string, opts ...SubmitOption) error

	// Poll queries the backend until ctx is cancelled and translates
	// status changes into events.  It returns ctx.Err() on cancellation.
	Poll(ctx context.Context) error

	// Kill cancels realization iens.  The realization still produces one
	// terminal FinishedEvent, with Aborted set.
	Kill(ctx context.Context, iens int) error

	// Events is the ordered queue of lifecycle events.  It is owned by the
	// driver and never closed while the driver is in use.
	Events() <-chan Event

	// Shutdown cancels every realization that has not finished yet.  It is
	// called once during teardown.
	Shutdown(ctx context.Context) error
}

// SubmitOptions carries the optional Submit arguments.
type SubmitOptions struct {
	// RunPath is the working directory of the realization.  When set, the
	// backend writes its job metadata file there.
	RunPath string
	// Name is the job name shown by the backend.
	Name string
}

// SubmitOption configures a single Submit call.
type SubmitOption func(*SubmitOptions)

// WithRunPath sets the realization working directory.
func WithRunPath(path string) SubmitOption {
	return func(o *SubmitOptions) { o.RunPath = path }
}

// WithName sets the backend job name.
func WithName(name string) SubmitOption {
	return func(o *SubmitOptions) { o.Name = name }
}

// ApplySubmitOptions folds opts into a SubmitOptions value.  The default
// name is "realization-<iens>".
func ApplySubmitOptions(iens int, opts []SubmitOption) SubmitOptions {
	o := SubmitOptions{}
	for _, fn := range opts {
		fn(&o)
	}
	if o.Name == "" {
		o.Name = fmt.Sprintf("realization-%d", iens)
	}
	return o
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

// Event is a lifecycle change of one realization.
type Event interface {
	Realization() int
}

// StartedEvent reports that the backend started running the realization.
type StartedEvent struct {
	Iens int
}

func (e StartedEvent) Realization() int { return e.Iens }

// FinishedEvent is the terminal event of a realization.
type FinishedEvent struct {
	Iens       int
	ReturnCode int
	Aborted    bool
}

func (e FinishedEvent) Realization() int { return e.Iens }

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

var (
	// ErrUnknownRealization is returned for an iens that was never submitted.
	ErrUnknownRealization = errors.New("unknown realization")
	// ErrAlreadySubmitted is returned when an iens is submitted twice to the
	// same driver instance.
	ErrAlreadySubmitted = errors.New("realization already submitted")
)

// SubmitError is a failed submission of a single realization.
type SubmitError struct {
	Iens int
	Err  error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("submit realization %d: %v", e.Iens, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// ---------------------------------------------------------------------------
// Return codes
// ---------------------------------------------------------------------------

// MaskReturnCode truncates a raw exit status to the 8 bits a process can
// actually report.
func MaskReturnCode(raw int) int {
	return raw & 0xff
}

// BinaryOutcome maps an exit status to what a batch scheduler can report
// reliably: success (0, false) or failure (1, true).
func BinaryOutcome(raw int) (returnCode int, aborted bool) {
	if MaskReturnCode(raw) == 0 {
		return 0, false
	}
	return 1, true
}
