// Package jobs implements the durable job lifecycle: creation, the long-poll
// claim protocol, result persistence, approval interrupts, and the
// self-healing sweep that recovers work from silent machines.
package jobs

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending     Status = "pending"
	StatusRunning     Status = "running"
	StatusStalled     Status = "stalled"
	StatusInterrupted Status = "interrupted"
	StatusSuccess     Status = "success"
	StatusFailure     Status = "failure"
)

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure
}

// ResultType describes how a terminal result came to be.
type ResultType string

const (
	ResultResolution ResultType = "resolution"
	ResultRejection  ResultType = "rejection"
	ResultInterrupt  ResultType = "interrupt"
)

// Job is one attempted or completed invocation of a named tool.
type Job struct {
	ID                string          `json:"id"`
	ClusterID         string          `json:"cluster_id"`
	TargetFn          string          `json:"target_fn"`
	TargetArgs        json.RawMessage `json:"target_args,omitempty"`
	Status            Status          `json:"status"`
	CacheKey          string          `json:"cache_key,omitempty"`
	RemainingAttempts int             `json:"remaining_attempts"`
	TimeoutSeconds    int             `json:"timeout_seconds,omitempty"`
	MachineID         string          `json:"machine_id,omitempty"`
	LastRetrievedAt   time.Time       `json:"last_retrieved_at,omitempty"`
	ApprovalRequested bool            `json:"approval_requested"`
	Approved          *bool           `json:"approved,omitempty"`
	Result            json.RawMessage `json:"result,omitempty"`
	ResultType        ResultType      `json:"result_type,omitempty"`
	ResultedAt        time.Time       `json:"resulted_at,omitempty"`
	RunID             string          `json:"run_id,omitempty"`
	AuthContext       json.RawMessage `json:"auth_context,omitempty"`
	RunContext        json.RawMessage `json:"run_context,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// ClaimedJob is what the dispatch protocol hands to a polling machine.
type ClaimedJob struct {
	ID          string          `json:"id"`
	TargetFn    string          `json:"target_fn"`
	TargetArgs  json.RawMessage `json:"target_args,omitempty"`
	AuthContext json.RawMessage `json:"auth_context,omitempty"`
	RunContext  json.RawMessage `json:"run_context,omitempty"`
	Approved    *bool           `json:"approved,omitempty"`
}

// JobRef identifies a job together with the fields sweeps need for
// events and run wake-ups.
type JobRef struct {
	ID       string
	TargetFn string
	RunID    string
}
