package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/toolplane/toolplane/core/controlplane/faults"
	"github.com/toolplane/toolplane/core/controlplane/tools"
	"github.com/toolplane/toolplane/core/infra/events"
	"github.com/toolplane/toolplane/core/infra/logging"
	"github.com/toolplane/toolplane/core/infra/metrics"
	"github.com/toolplane/toolplane/core/infra/schema"
)

// ToolResolver is the piece of the tool registry creation depends on.
type ToolResolver interface {
	Get(ctx context.Context, clusterID, name string) (*tools.Definition, error)
}

// EventSink receives lifecycle events. Emission is fire-and-forget.
type EventSink interface {
	Emit(evt events.Event)
}

const (
	toolLookupAttempts = 3
	toolLookupDelay    = time.Second

	resultPollInterval = 500 * time.Millisecond
)

// CreationService validates and persists new jobs. Tool registration can lag
// the first call to a tool, so unknown tools are retried briefly before the
// lookup fails.
type CreationService struct {
	store   *Store
	tools   ToolResolver
	emitter EventSink
	metrics metrics.JobMetrics
}

// NewCreationService wires a creation service. emitter and m may be nil.
func NewCreationService(store *Store, resolver ToolResolver, emitter EventSink, m metrics.JobMetrics) *CreationService {
	if m == nil {
		m = metrics.Noop{}
	}
	if emitter == nil {
		emitter = noopSink{}
	}
	return &CreationService{store: store, tools: resolver, emitter: emitter, metrics: m}
}

type noopSink struct{}

func (noopSink) Emit(events.Event) {}

// CreateRequest describes a job to create. ID is optional; supplying one
// makes the call idempotent.
type CreateRequest struct {
	ID          string
	ClusterID   string
	TargetFn    string
	TargetArgs  json.RawMessage
	AuthContext json.RawMessage
	RunContext  json.RawMessage
	RunID       string
}

// CreateResult reports what Create did. Created is false when the id already
// existed or a cached resolution was reused.
type CreateResult struct {
	ID      string `json:"id"`
	Created bool   `json:"created"`
	Cached  bool   `json:"cached"`
}

// Create validates the arguments against the tool's schema, consults the
// result cache, and inserts the job.
func (s *CreationService) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	fn := strings.TrimSpace(req.TargetFn)
	if fn == "" {
		return nil, &faults.InvalidJobArgumentsError{Tool: req.TargetFn, Reason: "target fn required"}
	}

	def, err := s.resolveTool(ctx, req.ClusterID, fn)
	if err != nil {
		return nil, err
	}

	if len(def.Schema) > 0 {
		if err := schema.Validate(fn, def.Schema, req.TargetArgs); err != nil {
			return nil, &faults.InvalidJobArgumentsError{Tool: fn, Reason: err.Error()}
		}
	}

	var cacheKey string
	if def.Config.Cache != nil {
		cacheKey = gjson.GetBytes(req.TargetArgs, def.Config.Cache.KeyPath).String()
		if cacheKey == "" {
			return nil, &faults.InvalidJobArgumentsError{
				Tool:   fn,
				Reason: fmt.Sprintf("cache key path %q yields no value", def.Config.Cache.KeyPath),
			}
		}
		ttl := time.Duration(def.Config.Cache.TTLSeconds) * time.Second
		hit, found, err := s.store.CachedResolution(ctx, req.ClusterID, fn, cacheKey, ttl)
		if err != nil {
			return nil, err
		}
		if found {
			return &CreateResult{ID: hit, Created: false, Cached: true}, nil
		}
	}

	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}

	created, err := s.store.Insert(ctx, &Job{
		ID:                id,
		ClusterID:         req.ClusterID,
		TargetFn:          fn,
		TargetArgs:        req.TargetArgs,
		CacheKey:          cacheKey,
		RemainingAttempts: def.Config.MaxAttempts(),
		TimeoutSeconds:    def.Config.EffectiveTimeoutSeconds(),
		RunID:             req.RunID,
		AuthContext:       req.AuthContext,
		RunContext:        req.RunContext,
	})
	if err != nil {
		return nil, err
	}
	if created {
		s.metrics.IncJobsCreated(fn)
		s.emitter.Emit(events.Event{
			Type:      events.TypeJobCreated,
			ClusterID: req.ClusterID,
			JobID:     id,
			RunID:     req.RunID,
			Meta:      map[string]any{"target_fn": fn},
		})
		logging.Info("jobs", "job created", "job_id", id, "target_fn", fn, "run_id", req.RunID)
	}
	return &CreateResult{ID: id, Created: created}, nil
}

// resolveTool retries unknown tools a few times before giving up, since
// machines register tools asynchronously at startup.
func (s *CreationService) resolveTool(ctx context.Context, clusterID, fn string) (*tools.Definition, error) {
	var lastErr error
	for attempt := 0; attempt < toolLookupAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(toolLookupDelay):
			}
		}
		def, err := s.tools.Get(ctx, clusterID, fn)
		if err == nil {
			return def, nil
		}
		var nf *faults.NotFoundError
		if !errors.As(err, &nf) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// GetResultSync blocks until the job reaches a terminal status or wait
// elapses, whichever comes first.
func (s *CreationService) GetResultSync(ctx context.Context, clusterID, jobID string, wait time.Duration) (*Job, error) {
	deadline := time.Now().Add(wait)
	for {
		job, err := s.store.Get(ctx, clusterID, jobID)
		if err != nil {
			return nil, err
		}
		if job.Status.Terminal() {
			return job, nil
		}
		if time.Now().After(deadline) {
			return nil, &faults.JobPollTimeoutError{JobID: jobID, Wait: wait}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(resultPollInterval):
		}
	}
}
