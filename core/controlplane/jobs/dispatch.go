package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/toolplane/toolplane/core/infra/events"
	"github.com/toolplane/toolplane/core/infra/logging"
	"github.com/toolplane/toolplane/core/infra/metrics"
)

// RunWaker nudges the run orchestrator when a job owned by a run settles.
// Wakes are best-effort.
type RunWaker interface {
	Wake(clusterID, runID string)
}

type noopWaker struct{}

func (noopWaker) Wake(string, string) {}

const (
	// MaxPollWait bounds how long a machine may hold a poll open.
	MaxPollWait = 20 * time.Second

	claimRecheckInterval = 500 * time.Millisecond
)

// Dispatcher hands pending jobs to polling machines and accepts their
// results. A machine long-polls with the tool names it serves; the claim
// itself is a single atomic store operation, the dispatcher only adds the
// waiting.
type Dispatcher struct {
	store   *Store
	emitter EventSink
	metrics metrics.JobMetrics
	waker   RunWaker
}

// NewDispatcher wires a dispatcher. emitter, m, and waker may be nil.
func NewDispatcher(store *Store, emitter EventSink, m metrics.JobMetrics, waker RunWaker) *Dispatcher {
	if emitter == nil {
		emitter = noopSink{}
	}
	if m == nil {
		m = metrics.Noop{}
	}
	if waker == nil {
		waker = noopWaker{}
	}
	return &Dispatcher{store: store, emitter: emitter, metrics: m, waker: waker}
}

// PollRequest is one machine's claim attempt.
type PollRequest struct {
	ClusterID string
	MachineID string
	ToolNames []string
	Limit     int
	Wait      time.Duration
}

// Poll claims up to Limit pending jobs for the machine's tools, holding the
// request open up to Wait when nothing is queued. An empty reply after Wait
// is normal, not an error.
func (d *Dispatcher) Poll(ctx context.Context, req PollRequest) ([]ClaimedJob, error) {
	wait := req.Wait
	if wait < 0 {
		wait = 0
	}
	if wait > MaxPollWait {
		wait = MaxPollWait
	}
	deadline := time.Now().Add(wait)

	for {
		claimed, err := d.store.ClaimBatch(ctx, req.ClusterID, req.ToolNames, req.Limit, req.MachineID)
		if err != nil {
			return nil, err
		}
		if len(claimed) > 0 {
			for _, job := range claimed {
				d.metrics.IncJobsClaimed(job.TargetFn)
				d.emitter.Emit(events.Event{
					Type:      events.TypeJobAcknowledged,
					ClusterID: req.ClusterID,
					JobID:     job.ID,
					MachineID: req.MachineID,
					Meta:      map[string]any{"target_fn": job.TargetFn},
				})
			}
			return claimed, nil
		}
		if !time.Now().Add(claimRecheckInterval).Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(claimRecheckInterval):
		}
	}
}

// SubmitResult persists a terminal result from the claiming machine. An
// interrupt result suspends the job instead of finishing it. The false
// return means the store rejected the write, usually because the job stalled
// and was reassigned in the meantime.
func (d *Dispatcher) SubmitResult(ctx context.Context, clusterID, jobID, machineID string, result json.RawMessage, resultType ResultType) (bool, error) {
	if resultType == ResultInterrupt {
		ref, ok, err := d.store.Interrupt(ctx, clusterID, jobID, machineID, false)
		if err != nil || !ok {
			return false, err
		}
		logging.Info("jobs", "job interrupted by machine", "job_id", jobID, "machine_id", machineID)
		d.notifySettled(clusterID, ref, machineID, resultType)
		return true, nil
	}

	ref, ok, err := d.store.PersistResult(ctx, clusterID, jobID, machineID, result, resultType)
	if err != nil {
		return false, err
	}
	if !ok {
		logging.Warn("jobs", "late result discarded", "job_id", jobID, "machine_id", machineID)
		return false, nil
	}
	d.metrics.IncJobsResulted(ref.TargetFn, string(resultType))
	d.notifySettled(clusterID, ref, machineID, resultType)
	return true, nil
}

func (d *Dispatcher) notifySettled(clusterID string, ref *JobRef, machineID string, resultType ResultType) {
	d.emitter.Emit(events.Event{
		Type:      events.TypeJobResulted,
		ClusterID: clusterID,
		JobID:     ref.ID,
		RunID:     ref.RunID,
		MachineID: machineID,
		Meta:      map[string]any{"target_fn": ref.TargetFn, "result_type": string(resultType)},
	})
	if ref.RunID != "" {
		d.waker.Wake(clusterID, ref.RunID)
	}
}
