package runs

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/toolplane/toolplane/core/controlplane/faults"
	"github.com/toolplane/toolplane/core/infra/events"
	"github.com/toolplane/toolplane/core/infra/logging"
	"github.com/toolplane/toolplane/core/infra/metrics"
)

// WakeSignal is the run.wake payload.
type WakeSignal struct {
	ClusterID string `json:"cluster_id"`
	RunID     string `json:"run_id"`
}

// Waker publishes wake signals over the bus. It satisfies the job layer's
// wake hook.
type Waker struct {
	bus *events.Bus
}

// NewWaker wraps the bus for wake publication.
func NewWaker(bus *events.Bus) *Waker {
	return &Waker{bus: bus}
}

// Wake asks whichever orchestrator wins the queue group to process the run.
func (w *Waker) Wake(clusterID, runID string) {
	if w == nil || w.bus == nil || runID == "" {
		return
	}
	if err := w.bus.Publish(events.SubjectRunWake, WakeSignal{ClusterID: clusterID, RunID: runID}); err != nil {
		logging.Warn("runs", "wake publish failed", "run_id", runID, "error", err)
	}
}

const (
	wakeQueueGroup  = "run-orchestrator"
	busyAttempts    = 5
	busyBackoffBase = 500 * time.Millisecond
)

// Consumer receives wake signals and hands them to the orchestrator. Runs
// already being processed elsewhere are retried with backoff; a run that
// stays busy is dropped, since the active processor will fold the new state
// in before it releases the lock or the supervisor will wake it again.
type Consumer struct {
	orch    *Orchestrator
	metrics metrics.RunMetrics
}

// NewConsumer wires a wake consumer. m may be nil.
func NewConsumer(orch *Orchestrator, m metrics.RunMetrics) *Consumer {
	if m == nil {
		m = metrics.Noop{}
	}
	return &Consumer{orch: orch, metrics: m}
}

// Start subscribes to the wake subject in the orchestrator queue group.
func (c *Consumer) Start(ctx context.Context, bus *events.Bus) error {
	return bus.Subscribe(events.SubjectRunWake, wakeQueueGroup, func(data []byte) {
		var sig WakeSignal
		if err := json.Unmarshal(data, &sig); err != nil {
			logging.Warn("runs", "bad wake payload", "error", err)
			return
		}
		if sig.RunID == "" {
			return
		}
		go c.handle(ctx, sig)
	})
}

func (c *Consumer) handle(ctx context.Context, sig WakeSignal) {
	for attempt := 0; attempt < busyAttempts; attempt++ {
		if attempt > 0 {
			delay := busyBackoffBase << (attempt - 1)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
		err := c.orch.Process(ctx, sig.ClusterID, sig.RunID)
		if err == nil {
			return
		}
		var busy *faults.RunBusyError
		if !errors.As(err, &busy) {
			logging.Error("runs", "wake processing failed", "run_id", sig.RunID, "error", err)
			return
		}
	}
	c.metrics.IncWakeupsDropped()
	logging.Warn("runs", "wake dropped, run stayed busy", "run_id", sig.RunID)
}
