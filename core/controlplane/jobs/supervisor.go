package jobs

import (
	"context"
	"time"

	"github.com/toolplane/toolplane/core/infra/events"
	"github.com/toolplane/toolplane/core/infra/logging"
	"github.com/toolplane/toolplane/core/infra/metrics"
)

const (
	// Interrupted jobs younger than this are left alone; the interrupting
	// side may still be working with them.
	forceRequeueMinAge = time.Hour
	// Interrupted jobs older than this are abandoned rather than requeued.
	forceRequeueMaxAge = 24 * time.Hour

	sweepBatchLimit = 500
)

// Supervisor periodically repairs jobs whose machines went away: running
// jobs whose claimant stopped reporting become stalled, stalled jobs are
// requeued or exhausted, and long-interrupted jobs are pushed back to the
// queue. Every sweep step is an atomic conditional store operation, so
// multiple supervisors can run side by side without double-processing.
type Supervisor struct {
	store     *Store
	clusterID string
	interval  time.Duration
	emitter   EventSink
	metrics   metrics.JobMetrics
	waker     RunWaker

	stop chan struct{}
	done chan struct{}
}

// NewSupervisor wires a supervisor for one cluster. emitter, m, and waker
// may be nil.
func NewSupervisor(store *Store, clusterID string, interval time.Duration, emitter EventSink, m metrics.JobMetrics, waker RunWaker) *Supervisor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if emitter == nil {
		emitter = noopSink{}
	}
	if m == nil {
		m = metrics.Noop{}
	}
	if waker == nil {
		waker = noopWaker{}
	}
	return &Supervisor{
		store:     store,
		clusterID: clusterID,
		interval:  interval,
		emitter:   emitter,
		metrics:   m,
		waker:     waker,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop is called or ctx is cancelled.
func (s *Supervisor) Start(ctx context.Context) {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		logging.Info("supervisor", "started", "cluster", s.clusterID, "interval", s.interval.String())
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for the in-flight sweep to finish.
func (s *Supervisor) Stop() {
	close(s.stop)
	<-s.done
}

// Sweep runs one full repair pass. Exported so operators can trigger it out
// of band and tests can drive it without the ticker.
func (s *Supervisor) Sweep(ctx context.Context) {
	s.sweepStalls(ctx)
	s.sweepRecoveries(ctx)
	s.sweepInterrupted(ctx)
}

func (s *Supervisor) sweepStalls(ctx context.Context) {
	ids, err := s.store.RunningJobIDs(ctx, s.clusterID, sweepBatchLimit)
	if err != nil {
		logging.Error("supervisor", "list running failed", "error", err)
		return
	}
	for _, id := range ids {
		ref, ok, err := s.store.MarkStalled(ctx, s.clusterID, id)
		if err != nil {
			logging.Error("supervisor", "stall check failed", "job_id", id, "error", err)
			continue
		}
		if !ok {
			continue
		}
		s.metrics.IncJobsStalled(ref.TargetFn)
		s.emitter.Emit(events.Event{
			Type:      events.TypeJobStalled,
			ClusterID: s.clusterID,
			JobID:     id,
			RunID:     ref.RunID,
			Meta:      map[string]any{"target_fn": ref.TargetFn},
		})
		logging.Warn("supervisor", "job stalled", "job_id", id, "target_fn", ref.TargetFn)
	}
}

func (s *Supervisor) sweepRecoveries(ctx context.Context) {
	ids, err := s.store.StalledJobIDs(ctx, s.clusterID, sweepBatchLimit)
	if err != nil {
		logging.Error("supervisor", "list stalled failed", "error", err)
		return
	}
	for _, id := range ids {
		ref, outcome, err := s.store.RecoverStalled(ctx, s.clusterID, id)
		if err != nil {
			logging.Error("supervisor", "recovery failed", "job_id", id, "error", err)
			continue
		}
		switch outcome {
		case RecoverRequeued:
			s.metrics.IncJobsRecovered(ref.TargetFn)
			s.emitter.Emit(events.Event{
				Type:      events.TypeJobRecovered,
				ClusterID: s.clusterID,
				JobID:     id,
				RunID:     ref.RunID,
				Meta:      map[string]any{"target_fn": ref.TargetFn},
			})
			logging.Info("supervisor", "job requeued", "job_id", id, "target_fn", ref.TargetFn)
		case RecoverExhausted:
			s.metrics.IncJobsExhausted(ref.TargetFn)
			s.emitter.Emit(events.Event{
				Type:      events.TypeJobStalledTooManyTimes,
				ClusterID: s.clusterID,
				JobID:     id,
				RunID:     ref.RunID,
				Meta:      map[string]any{"target_fn": ref.TargetFn},
			})
			logging.Warn("supervisor", "job exhausted its attempts", "job_id", id, "target_fn", ref.TargetFn)
			// Exhaustion is terminal, the owning run must see the failure.
			if ref.RunID != "" {
				s.waker.Wake(s.clusterID, ref.RunID)
			}
		}
	}
}

func (s *Supervisor) sweepInterrupted(ctx context.Context) {
	now := time.Now()
	ids, err := s.store.InterruptedJobIDs(ctx, s.clusterID, now.Add(-forceRequeueMaxAge), now.Add(-forceRequeueMinAge), sweepBatchLimit)
	if err != nil {
		logging.Error("supervisor", "list interrupted failed", "error", err)
		return
	}
	for _, id := range ids {
		ref, outcome, err := s.store.RequeueInterrupted(ctx, s.clusterID, id)
		if err != nil {
			logging.Error("supervisor", "force requeue failed", "job_id", id, "error", err)
			continue
		}
		switch outcome {
		case RecoverRequeued:
			s.metrics.IncJobsRecovered(ref.TargetFn)
			s.emitter.Emit(events.Event{
				Type:      events.TypeJobRecovered,
				ClusterID: s.clusterID,
				JobID:     id,
				RunID:     ref.RunID,
				Meta:      map[string]any{"target_fn": ref.TargetFn, "reason": "interrupted"},
			})
			logging.Info("supervisor", "interrupted job requeued", "job_id", id, "target_fn", ref.TargetFn)
		case RecoverExhausted:
			s.metrics.IncJobsExhausted(ref.TargetFn)
			s.emitter.Emit(events.Event{
				Type:      events.TypeJobStalledTooManyTimes,
				ClusterID: s.clusterID,
				JobID:     id,
				RunID:     ref.RunID,
				Meta:      map[string]any{"target_fn": ref.TargetFn, "reason": "interrupted"},
			})
			logging.Warn("supervisor", "interrupted job exhausted its attempts", "job_id", id, "target_fn", ref.TargetFn)
			if ref.RunID != "" {
				s.waker.Wake(s.clusterID, ref.RunID)
			}
		}
	}
}
