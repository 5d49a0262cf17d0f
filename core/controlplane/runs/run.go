// Package runs coordinates multi-step agent runs: a reasoner decides the
// next step, tool calls become jobs, and the run sleeps until its jobs
// settle. At most one worker processes a given run at a time.
package runs

import (
	"encoding/json"
	"time"
)

// Status is the run lifecycle state.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	// StatusPaused means the run is waiting on outstanding jobs or an
	// approval and will resume on the next wake.
	StatusPaused Status = "paused"
	StatusDone   Status = "done"
	StatusFailed Status = "failed"
)

// Terminal reports whether the run can never change again.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// Run is one agent conversation with an optional structured result.
type Run struct {
	ID            string          `json:"id"`
	ClusterID     string          `json:"cluster_id"`
	Name          string          `json:"name,omitempty"`
	Status        Status          `json:"status"`
	SystemPrompt  string          `json:"system_prompt,omitempty"`
	Interactive   bool            `json:"interactive"`
	AllowedTools  []string        `json:"allowed_tools,omitempty"`
	ResultSchema  json.RawMessage `json:"result_schema,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	OnComplete    string          `json:"on_complete,omitempty"`
	AuthContext   json.RawMessage `json:"auth_context,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// ToolAllowed reports whether the run may call the tool. An empty allow
// list permits everything.
func (r *Run) ToolAllowed(tool string) bool {
	if len(r.AllowedTools) == 0 {
		return true
	}
	for _, name := range r.AllowedTools {
		if name == tool {
			return true
		}
	}
	return false
}

// MessageType distinguishes who produced a message.
type MessageType string

const (
	MessageHuman      MessageType = "human"
	MessageAgent      MessageType = "agent"
	MessageToolResult MessageType = "tool-result"
)

// Message is one entry in a run's transcript.
type Message struct {
	ID    string          `json:"id"`
	RunID string          `json:"run_id"`
	Type  MessageType     `json:"type"`
	Data  json.RawMessage `json:"data"`
	At    time.Time       `json:"at"`
}
