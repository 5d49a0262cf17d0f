package runs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/toolplane/toolplane/core/controlplane/faults"
	"github.com/toolplane/toolplane/core/controlplane/jobs"
	"github.com/toolplane/toolplane/core/infra/logging"
	"github.com/toolplane/toolplane/core/infra/metrics"
	"github.com/toolplane/toolplane/core/infra/schema"
)

// ReasonRequest is what the reasoner sees: the run and its transcript so far.
type ReasonRequest struct {
	Run        *Run
	Transcript []Message
}

// ToolCall is one job the reasoner wants executed.
type ToolCall struct {
	ID   string          `json:"id,omitempty"`
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args,omitempty"`
}

// ReasonOutcome is the reasoner's decision for one step. Done with a Result
// finishes the run; ToolCalls pause it until the jobs settle.
type ReasonOutcome struct {
	Message   json.RawMessage `json:"message,omitempty"`
	ToolCalls []ToolCall      `json:"tool_calls,omitempty"`
	Done      bool            `json:"done"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// Reasoner plans the next step of a run. Implementations wrap a model
// endpoint; the orchestrator only cares about the outcome shape.
type Reasoner interface {
	Reason(ctx context.Context, req ReasonRequest) (*ReasonOutcome, error)
}

// JobCreator is the slice of the job layer the orchestrator creates through.
type JobCreator interface {
	Create(ctx context.Context, req jobs.CreateRequest) (*jobs.CreateResult, error)
}

// JobReader exposes a run's jobs.
type JobReader interface {
	JobsForRun(ctx context.Context, clusterID, runID string) ([]jobs.Job, error)
}

// Locker serializes run processing across workers.
type Locker interface {
	Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, resource, owner string) error
}

const (
	// maxSteps bounds reasoner iterations per processing pass so a looping
	// reasoner cannot spin a run forever.
	maxSteps = 25

	runLockTTL = 2 * time.Minute

	webhookAttempts = 3
	webhookBackoff  = time.Second
	webhookTimeout  = 10 * time.Second
)

// Orchestrator drives runs step by step. Process holds the run's exclusive
// lock for the duration of a pass; concurrent callers get RunBusyError and
// are expected to back off and retry.
type Orchestrator struct {
	store    *Store
	reasoner Reasoner
	creator  JobCreator
	reader   JobReader
	locker   Locker
	metrics  metrics.RunMetrics
	httpc    *http.Client
	workerID string
}

// NewOrchestrator wires an orchestrator. m may be nil.
func NewOrchestrator(store *Store, reasoner Reasoner, creator JobCreator, reader JobReader, locker Locker, m metrics.RunMetrics) *Orchestrator {
	if m == nil {
		m = metrics.Noop{}
	}
	return &Orchestrator{
		store:    store,
		reasoner: reasoner,
		creator:  creator,
		reader:   reader,
		locker:   locker,
		metrics:  m,
		httpc:    &http.Client{Timeout: webhookTimeout},
		workerID: uuid.NewString(),
	}
}

// Process executes one pass over the run: fold settled job results into the
// transcript, ask the reasoner for the next step, and either create jobs,
// pause, or finish. Safe to call repeatedly; terminal runs are a no-op.
func (o *Orchestrator) Process(ctx context.Context, clusterID, runID string) error {
	// Each invocation locks under its own identity. The acquire is
	// re-entrant per owner, so a shared identity would let two wakes for
	// the same run proceed side by side inside one process.
	owner := o.workerID + ":" + uuid.NewString()
	acquired, err := o.locker.Acquire(ctx, "run:"+clusterID+":"+runID, owner, runLockTTL)
	if err != nil {
		return err
	}
	if !acquired {
		return &faults.RunBusyError{RunID: runID}
	}
	defer func() {
		if err := o.locker.Release(context.WithoutCancel(ctx), "run:"+clusterID+":"+runID, owner); err != nil {
			logging.Warn("runs", "lock release failed", "run_id", runID, "error", err)
		}
	}()

	run, err := o.store.Get(ctx, clusterID, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}

	for step := 0; step < maxSteps; step++ {
		outstanding, err := o.foldJobResults(ctx, run)
		if err != nil {
			return err
		}
		if outstanding > 0 {
			return o.pause(ctx, run)
		}

		transcript, err := o.store.Messages(ctx, clusterID, runID)
		if err != nil {
			return err
		}

		run.Status = StatusRunning
		if err := o.store.Update(ctx, run); err != nil {
			return err
		}

		start := time.Now()
		outcome, err := o.reasoner.Reason(ctx, ReasonRequest{Run: run, Transcript: transcript})
		o.metrics.ObserveStepDuration(time.Since(start).Seconds())
		if err != nil {
			return o.fail(ctx, run, fmt.Errorf("reasoner: %w", err))
		}

		if len(outcome.Message) > 0 {
			msg := &Message{RunID: runID, Type: MessageAgent, Data: outcome.Message}
			if err := o.store.AppendMessage(ctx, clusterID, msg); err != nil {
				return err
			}
		}

		if outcome.Done {
			return o.finish(ctx, run, outcome.Result)
		}

		if len(outcome.ToolCalls) == 0 {
			continue
		}
		created := 0
		for _, call := range outcome.ToolCalls {
			if !run.ToolAllowed(call.Tool) {
				if err := o.appendToolRejection(ctx, run, call, fmt.Sprintf("tool %q is not in the run's allow list", call.Tool)); err != nil {
					return err
				}
				continue
			}
			_, err := o.creator.Create(ctx, jobs.CreateRequest{
				ID:          call.ID,
				ClusterID:   clusterID,
				TargetFn:    call.Tool,
				TargetArgs:  call.Args,
				AuthContext: run.AuthContext,
				RunID:       runID,
			})
			if err != nil {
				// A bad invocation fails only that tool call; the
				// reasoner sees the rejection and can try again.
				var notFound *faults.NotFoundError
				var invalid *faults.InvalidJobArgumentsError
				if errors.As(err, &notFound) || errors.As(err, &invalid) {
					if err := o.appendToolRejection(ctx, run, call, err.Error()); err != nil {
						return err
					}
					continue
				}
				return o.fail(ctx, run, fmt.Errorf("create job for %s: %w", call.Tool, err))
			}
			created++
		}
		if created == 0 {
			continue
		}
		return o.pause(ctx, run)
	}
	return o.fail(ctx, run, fmt.Errorf("run exceeded %d reasoner steps", maxSteps))
}

// foldJobResults appends terminal job outcomes to the transcript exactly
// once and reports how many jobs are still outstanding.
func (o *Orchestrator) foldJobResults(ctx context.Context, run *Run) (int, error) {
	jobsForRun, err := o.reader.JobsForRun(ctx, run.ClusterID, run.ID)
	if err != nil {
		return 0, err
	}
	outstanding := 0
	for _, job := range jobsForRun {
		if !job.Status.Terminal() {
			outstanding++
			continue
		}
		fresh, err := o.store.MarkResultConsumed(ctx, run.ClusterID, run.ID, job.ID)
		if err != nil {
			return 0, err
		}
		if !fresh {
			continue
		}
		data, err := json.Marshal(map[string]any{
			"job_id":      job.ID,
			"tool":        job.TargetFn,
			"result":      job.Result,
			"result_type": string(job.ResultType),
		})
		if err != nil {
			return 0, err
		}
		msg := &Message{RunID: run.ID, Type: MessageToolResult, Data: data}
		if err := o.store.AppendMessage(ctx, run.ClusterID, msg); err != nil {
			return 0, err
		}
	}
	return outstanding, nil
}

// appendToolRejection records a failed invocation in the transcript with the
// same shape a settled job result has, so the reasoner handles both alike.
func (o *Orchestrator) appendToolRejection(ctx context.Context, run *Run, call ToolCall, reason string) error {
	payload, err := json.Marshal(map[string]string{"message": reason})
	if err != nil {
		return err
	}
	data, err := json.Marshal(map[string]any{
		"job_id":      call.ID,
		"tool":        call.Tool,
		"result":      string(payload),
		"result_type": string(jobs.ResultRejection),
	})
	if err != nil {
		return err
	}
	logging.Warn("runs", "tool call rejected", "run_id", run.ID, "tool", call.Tool, "reason", reason)
	msg := &Message{RunID: run.ID, Type: MessageToolResult, Data: data}
	return o.store.AppendMessage(ctx, run.ClusterID, msg)
}

func (o *Orchestrator) pause(ctx context.Context, run *Run) error {
	run.Status = StatusPaused
	if err := o.store.Update(ctx, run); err != nil {
		return err
	}
	logging.Info("runs", "run paused", "run_id", run.ID)
	return nil
}

func (o *Orchestrator) finish(ctx context.Context, run *Run, result json.RawMessage) error {
	if len(run.ResultSchema) > 0 {
		if err := schema.Validate("run:"+run.ID, run.ResultSchema, result); err != nil {
			return o.fail(ctx, run, fmt.Errorf("result schema: %w", err))
		}
	}
	run.Status = StatusDone
	run.Result = result
	if err := o.store.Update(ctx, run); err != nil {
		return err
	}
	o.metrics.IncRunsProcessed(string(StatusDone))
	logging.Info("runs", "run done", "run_id", run.ID)
	o.notifyComplete(ctx, run)
	return nil
}

// fail marks the run failed and returns the cause so callers see it too.
func (o *Orchestrator) fail(ctx context.Context, run *Run, cause error) error {
	run.Status = StatusFailed
	run.FailureReason = cause.Error()
	if err := o.store.Update(ctx, run); err != nil {
		logging.Error("runs", "failed to persist run failure", "run_id", run.ID, "error", err)
	}
	o.metrics.IncRunsProcessed(string(StatusFailed))
	logging.Warn("runs", "run failed", "run_id", run.ID, "error", cause)
	o.notifyComplete(ctx, run)
	return cause
}

// notifyComplete posts the terminal run to its completion webhook. Delivery
// is best-effort with a few retries; failures are logged and dropped.
func (o *Orchestrator) notifyComplete(ctx context.Context, run *Run) {
	if run.OnComplete == "" {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"run_id":         run.ID,
		"status":         string(run.Status),
		"result":         run.Result,
		"failure_reason": run.FailureReason,
	})
	if err != nil {
		return
	}
	for attempt := 0; attempt < webhookAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(webhookBackoff * time.Duration(attempt))
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, run.OnComplete, bytes.NewReader(payload))
		if err != nil {
			logging.Warn("runs", "bad completion webhook", "run_id", run.ID, "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := o.httpc.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < 300 {
				return
			}
			err = fmt.Errorf("webhook status %d", resp.StatusCode)
		}
		logging.Warn("runs", "completion webhook failed", "run_id", run.ID, "attempt", attempt+1, "error", err)
	}
}
