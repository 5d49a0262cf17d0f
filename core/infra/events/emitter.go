package events

import (
	"sync"
	"time"

	"github.com/toolplane/toolplane/core/infra/logging"
)

// Event types emitted by the job and run subsystems.
const (
	TypeJobCreated             = "jobCreated"
	TypeJobAcknowledged        = "jobAcknowledged"
	TypeJobResulted            = "jobResulted"
	TypeJobStalled             = "jobStalled"
	TypeJobRecovered           = "jobRecovered"
	TypeJobStalledTooManyTimes = "jobStalledTooManyTimes"
	TypeApprovalRequested      = "approvalRequested"
	TypeApprovalGranted        = "approvalGranted"
	TypeApprovalDenied         = "approvalDenied"
	TypeNotificationSent       = "notificationSent"
	TypeNotificationFailed     = "notificationFailed"
)

// Event is one observability record. Everything here is best-effort: losing
// an event never affects job or run state.
type Event struct {
	Type      string         `json:"type"`
	ClusterID string         `json:"cluster_id,omitempty"`
	JobID     string         `json:"job_id,omitempty"`
	RunID     string         `json:"run_id,omitempty"`
	MachineID string         `json:"machine_id,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
	At        time.Time      `json:"at"`
}

// Publisher abstracts the sink the emitter drains into.
type Publisher interface {
	Publish(subject string, payload any) error
}

const (
	defaultBufferSize    = 1024
	defaultBatchSize     = 64
	defaultFlushInterval = time.Second
	publishAttempts      = 3
	publishBackoffBase   = 100 * time.Millisecond
)

// Emitter buffers events in process and flushes them in batches to the bus.
// Emit never blocks the caller: when the buffer is full the event is dropped
// with a warning.
type Emitter struct {
	pub       Publisher
	ch        chan Event
	flushDone chan struct{}
	closeOnce sync.Once
}

// NewEmitter starts a background drain against the given publisher.
func NewEmitter(pub Publisher) *Emitter {
	e := &Emitter{
		pub:       pub,
		ch:        make(chan Event, defaultBufferSize),
		flushDone: make(chan struct{}),
	}
	go e.drain()
	return e
}

// Emit enqueues an event for background publication.
func (e *Emitter) Emit(evt Event) {
	if e == nil {
		return
	}
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	select {
	case e.ch <- evt:
	default:
		logging.Warn("events", "buffer full, dropping event", "type", evt.Type, "job_id", evt.JobID)
	}
}

// Close drains the buffer and flushes the final batch.
func (e *Emitter) Close() {
	if e == nil {
		return
	}
	e.closeOnce.Do(func() {
		close(e.ch)
		<-e.flushDone
	})
}

func (e *Emitter) drain() {
	defer close(e.flushDone)
	ticker := time.NewTicker(defaultFlushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, defaultBatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		e.publish(batch)
		batch = batch[:0]
	}

	for {
		select {
		case evt, ok := <-e.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, evt)
			if len(batch) >= defaultBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (e *Emitter) publish(batch []Event) {
	out := make([]Event, len(batch))
	copy(out, batch)
	var err error
	for attempt := 0; attempt < publishAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(publishBackoffBase << attempt)
		}
		if err = e.pub.Publish(SubjectEvents, out); err == nil {
			return
		}
	}
	logging.Error("events", "publish batch failed", "count", len(out), "error", err)
}
