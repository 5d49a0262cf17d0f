package jobs

import (
	"context"

	"github.com/toolplane/toolplane/core/infra/events"
	"github.com/toolplane/toolplane/core/infra/logging"
	"github.com/toolplane/toolplane/core/infra/metrics"
)

// ApprovalRequest is handed to the notifier when a job pauses for a human.
type ApprovalRequest struct {
	ClusterID string `json:"cluster_id"`
	JobID     string `json:"job_id"`
	TargetFn  string `json:"target_fn"`
	RunID     string `json:"run_id,omitempty"`
}

// Notifier delivers approval requests to humans. Delivery is best-effort:
// a failed notification never rolls back the interruption, the job just
// waits until someone finds it.
type Notifier interface {
	Notify(ctx context.Context, req ApprovalRequest) error
}

// Gate pauses jobs for human approval and applies the decisions. The state
// transitions live in the store; the gate layers events, metrics, and
// notification delivery on top.
type Gate struct {
	store    *Store
	emitter  EventSink
	metrics  metrics.JobMetrics
	waker    RunWaker
	notifier Notifier
}

// NewGate wires an approval gate. emitter, m, waker, and notifier may be nil.
func NewGate(store *Store, emitter EventSink, m metrics.JobMetrics, waker RunWaker, notifier Notifier) *Gate {
	if emitter == nil {
		emitter = noopSink{}
	}
	if m == nil {
		m = metrics.Noop{}
	}
	if waker == nil {
		waker = noopWaker{}
	}
	return &Gate{store: store, emitter: emitter, metrics: m, waker: waker, notifier: notifier}
}

// RequestApproval suspends a running job until a human decides. Only the
// claiming machine may raise the request.
func (g *Gate) RequestApproval(ctx context.Context, clusterID, jobID, machineID string) (bool, error) {
	ref, ok, err := g.store.Interrupt(ctx, clusterID, jobID, machineID, true)
	if err != nil || !ok {
		return false, err
	}
	g.metrics.IncApprovalsRequested(ref.TargetFn)
	g.emitter.Emit(events.Event{
		Type:      events.TypeApprovalRequested,
		ClusterID: clusterID,
		JobID:     jobID,
		RunID:     ref.RunID,
		MachineID: machineID,
		Meta:      map[string]any{"target_fn": ref.TargetFn},
	})
	logging.Info("jobs", "approval requested", "job_id", jobID, "target_fn", ref.TargetFn)

	if g.notifier != nil {
		req := ApprovalRequest{ClusterID: clusterID, JobID: jobID, TargetFn: ref.TargetFn, RunID: ref.RunID}
		if err := g.notifier.Notify(ctx, req); err != nil {
			logging.Warn("jobs", "approval notification failed", "job_id", jobID, "error", err)
			g.emitter.Emit(events.Event{
				Type: events.TypeNotificationFailed, ClusterID: clusterID, JobID: jobID,
				Meta: map[string]any{"error": err.Error()},
			})
		} else {
			g.emitter.Emit(events.Event{
				Type: events.TypeNotificationSent, ClusterID: clusterID, JobID: jobID,
			})
		}
	}
	return true, nil
}

// SubmitApproval applies a human decision. Approval returns the job to the
// queue with its claim attempt restored; denial finishes it as a rejection
// the caller can distinguish from a tool failure. Repeat decisions are
// no-ops, so two reviewers clicking at once cannot double-apply.
func (g *Gate) SubmitApproval(ctx context.Context, clusterID, jobID string, approved bool) (bool, error) {
	decision, ok, err := g.store.SubmitApproval(ctx, clusterID, jobID, approved)
	if err != nil || !ok {
		return false, err
	}

	evtType := events.TypeApprovalDenied
	label := "denied"
	if decision.Approved {
		evtType = events.TypeApprovalGranted
		label = "granted"
	}
	g.metrics.IncApprovalsDecided(decision.Ref.TargetFn, label)
	g.emitter.Emit(events.Event{
		Type:      evtType,
		ClusterID: clusterID,
		JobID:     jobID,
		RunID:     decision.Ref.RunID,
		Meta:      map[string]any{"target_fn": decision.Ref.TargetFn},
	})
	logging.Info("jobs", "approval decided", "job_id", jobID, "decision", label)

	// The owning run has new input either way: a denial is terminal and a
	// grant put the job back in flight.
	if decision.Ref.RunID != "" {
		g.waker.Wake(clusterID, decision.Ref.RunID)
	}
	return true, nil
}
