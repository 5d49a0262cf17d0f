// Package faults defines the error taxonomy shared by the job and run
// subsystems. Callers distinguish categories with errors.As; anything not in
// the taxonomy is treated as an internal error.
package faults

import (
	"fmt"
	"time"
)

// AuthenticationError indicates a failed capability check. Never retried.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	if e.Reason == "" {
		return "authentication failed"
	}
	return "authentication failed: " + e.Reason
}

// NotFoundError indicates a missing tool, job, run, or cluster.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// InvalidJobArgumentsError indicates a schema mismatch, malformed payload, or
// a cache-key path that does not resolve against the arguments.
type InvalidJobArgumentsError struct {
	Tool   string
	Reason string
}

func (e *InvalidJobArgumentsError) Error() string {
	return fmt.Sprintf("invalid arguments for tool %q: %s", e.Tool, e.Reason)
}

// JobPollTimeoutError indicates a synchronous result wait exceeded its
// window. The job itself is unaffected and remains in flight.
type JobPollTimeoutError struct {
	JobID string
	Wait  time.Duration
}

func (e *JobPollTimeoutError) Error() string {
	return fmt.Sprintf("job %s did not resolve within %s", e.JobID, e.Wait)
}

// RunBusyError indicates the run is being processed and cannot accept the
// request right now. Callers should retry later.
type RunBusyError struct {
	RunID string
}

func (e *RunBusyError) Error() string {
	return fmt.Sprintf("run %s is busy", e.RunID)
}
