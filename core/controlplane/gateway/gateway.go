// Package gateway is the HTTP surface of the control plane: job creation
// and polling, approvals, runs, tool registration, and the live event
// stream.
package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/toolplane/toolplane/core/controlplane/faults"
	"github.com/toolplane/toolplane/core/controlplane/guard"
	"github.com/toolplane/toolplane/core/controlplane/jobs"
	"github.com/toolplane/toolplane/core/controlplane/runs"
	"github.com/toolplane/toolplane/core/controlplane/tools"
	"github.com/toolplane/toolplane/core/infra/logging"
	"github.com/toolplane/toolplane/core/infra/metrics"
)

const maxBodyBytes = 1 << 20

// Server serves the control plane API.
type Server struct {
	guard      *guard.Guard
	creation   *jobs.CreationService
	dispatcher *jobs.Dispatcher
	gate       *jobs.Gate
	jobStore   *jobs.Store
	runStore   *runs.Store
	registry   *tools.Registry
	waker      jobs.RunWaker
	hub        *Hub
	metrics    metrics.GatewayMetrics
}

// Options carries the server's collaborators. Hub and Metrics may be nil.
type Options struct {
	Guard      *guard.Guard
	Creation   *jobs.CreationService
	Dispatcher *jobs.Dispatcher
	Gate       *jobs.Gate
	JobStore   *jobs.Store
	RunStore   *runs.Store
	Registry   *tools.Registry
	Waker      jobs.RunWaker
	Hub        *Hub
	Metrics    metrics.GatewayMetrics
}

// NewServer wires the API server.
func NewServer(opts Options) *Server {
	m := opts.Metrics
	if m == nil {
		m = noopGatewayMetrics{}
	}
	if opts.Waker == nil {
		opts.Waker = noopWaker{}
	}
	return &Server{
		guard:      opts.Guard,
		creation:   opts.Creation,
		dispatcher: opts.Dispatcher,
		gate:       opts.Gate,
		jobStore:   opts.JobStore,
		runStore:   opts.RunStore,
		registry:   opts.Registry,
		waker:      opts.Waker,
		hub:        opts.Hub,
		metrics:    m,
	}
}

type noopGatewayMetrics struct{}

func (noopGatewayMetrics) ObserveRequest(string, string, string, float64) {}

type noopWaker struct{}

func (noopWaker) Wake(string, string) {}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.Handle("POST /api/v1/clusters/{cluster}/jobs", s.instrument("create_job", s.handleCreateJob))
	mux.Handle("GET /api/v1/clusters/{cluster}/jobs/{id}", s.instrument("get_job", s.handleGetJob))
	mux.Handle("POST /api/v1/clusters/{cluster}/jobs/poll", s.instrument("poll_jobs", s.handlePoll))
	mux.Handle("POST /api/v1/clusters/{cluster}/jobs/{id}/result", s.instrument("submit_result", s.handleSubmitResult))
	mux.Handle("POST /api/v1/clusters/{cluster}/jobs/{id}/approval-request", s.instrument("request_approval", s.handleRequestApproval))
	mux.Handle("POST /api/v1/clusters/{cluster}/jobs/{id}/approval", s.instrument("submit_approval", s.handleSubmitApproval))

	mux.Handle("POST /api/v1/clusters/{cluster}/tools", s.instrument("register_tool", s.handleRegisterTool))
	mux.Handle("GET /api/v1/clusters/{cluster}/tools", s.instrument("list_tools", s.handleListTools))

	mux.Handle("POST /api/v1/clusters/{cluster}/runs", s.instrument("create_run", s.handleCreateRun))
	mux.Handle("GET /api/v1/clusters/{cluster}/runs", s.instrument("list_runs", s.handleListRuns))
	mux.Handle("GET /api/v1/clusters/{cluster}/runs/{id}", s.instrument("get_run", s.handleGetRun))
	mux.Handle("POST /api/v1/clusters/{cluster}/runs/{id}/messages", s.instrument("append_message", s.handleAppendMessage))
	mux.Handle("GET /api/v1/clusters/{cluster}/runs/{id}/messages", s.instrument("list_messages", s.handleListMessages))

	mux.Handle("GET /api/v1/events/ws", s.instrument("events_ws", s.handleEventsWS))
	return mux
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(route string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		h(rec, r)
		s.metrics.ObserveRequest(r.Method, route, strconv.Itoa(rec.status), time.Since(start).Seconds())
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.jobStore.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- jobs ---

type createJobRequest struct {
	ID         string          `json:"id,omitempty"`
	TargetFn   string          `json:"tool"`
	TargetArgs json.RawMessage `json:"args,omitempty"`
	// RunID attaches the job to an existing run so its result is folded
	// into that run's transcript when it settles.
	RunID      string          `json:"run_id,omitempty"`
	RunContext json.RawMessage `json:"run_context,omitempty"`
	// WaitSeconds > 0 blocks until the job settles or the wait elapses.
	WaitSeconds int `json:"wait_seconds,omitempty"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	cluster := r.PathValue("cluster")
	actor, err := s.authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if !actor.CanCreate(cluster) {
		writeForbidden(w)
		return
	}
	var req createJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.creation.Create(r.Context(), jobs.CreateRequest{
		ID:          req.ID,
		ClusterID:   cluster,
		TargetFn:    req.TargetFn,
		TargetArgs:  req.TargetArgs,
		AuthContext: actor.Context(),
		RunContext:  req.RunContext,
		RunID:       req.RunID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if req.WaitSeconds > 0 {
		job, err := s.creation.GetResultSync(r.Context(), cluster, res.ID, time.Duration(req.WaitSeconds)*time.Second)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	cluster := r.PathValue("cluster")
	actor, err := s.authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if !actor.CanAccess(cluster) {
		writeForbidden(w)
		return
	}
	id := r.PathValue("id")
	if wait := r.URL.Query().Get("waitSeconds"); wait != "" {
		secs, err := strconv.Atoi(wait)
		if err != nil || secs < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid waitSeconds"})
			return
		}
		job, err := s.creation.GetResultSync(r.Context(), cluster, id, time.Duration(secs)*time.Second)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
		return
	}
	job, err := s.jobStore.Get(r.Context(), cluster, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type pollRequest struct {
	MachineID   string   `json:"machine_id"`
	Tools       []string `json:"tools"`
	Limit       int      `json:"limit,omitempty"`
	WaitSeconds int      `json:"wait_seconds,omitempty"`
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	cluster := r.PathValue("cluster")
	actor, err := s.authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if !actor.CanServe(cluster) {
		writeForbidden(w)
		return
	}
	var req pollRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	claimed, err := s.dispatcher.Poll(r.Context(), jobs.PollRequest{
		ClusterID: cluster,
		MachineID: req.MachineID,
		ToolNames: req.Tools,
		Limit:     req.Limit,
		Wait:      time.Duration(req.WaitSeconds) * time.Second,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if claimed == nil {
		claimed = []jobs.ClaimedJob{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": claimed})
}

type submitResultRequest struct {
	MachineID  string          `json:"machine_id"`
	Result     json.RawMessage `json:"result,omitempty"`
	ResultType string          `json:"result_type"`
}

func (s *Server) handleSubmitResult(w http.ResponseWriter, r *http.Request) {
	cluster := r.PathValue("cluster")
	actor, err := s.authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if !actor.CanServe(cluster) {
		writeForbidden(w)
		return
	}
	var req submitResultRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	resultType := jobs.ResultType(req.ResultType)
	switch resultType {
	case jobs.ResultResolution, jobs.ResultRejection, jobs.ResultInterrupt:
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid result_type"})
		return
	}
	applied, err := s.dispatcher.SubmitResult(r.Context(), cluster, r.PathValue("id"), req.MachineID, req.Result, resultType)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"applied": applied})
}

type approvalRequestBody struct {
	MachineID string `json:"machine_id"`
}

func (s *Server) handleRequestApproval(w http.ResponseWriter, r *http.Request) {
	cluster := r.PathValue("cluster")
	actor, err := s.authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if !actor.CanServe(cluster) {
		writeForbidden(w)
		return
	}
	var req approvalRequestBody
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	applied, err := s.gate.RequestApproval(r.Context(), cluster, r.PathValue("id"), req.MachineID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"applied": applied})
}

type approvalDecisionBody struct {
	Approved *bool `json:"approved"`
}

func (s *Server) handleSubmitApproval(w http.ResponseWriter, r *http.Request) {
	cluster := r.PathValue("cluster")
	actor, err := s.authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if !actor.CanManage(cluster) {
		writeForbidden(w)
		return
	}
	var req approvalDecisionBody
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Approved == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "approved is required"})
		return
	}
	applied, err := s.gate.SubmitApproval(r.Context(), cluster, r.PathValue("id"), *req.Approved)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"applied": applied})
}

// --- tools ---

func (s *Server) handleRegisterTool(w http.ResponseWriter, r *http.Request) {
	cluster := r.PathValue("cluster")
	actor, err := s.authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}
	// Workers register the tools they serve at startup.
	if !actor.CanManage(cluster) && !actor.CanServe(cluster) {
		writeForbidden(w)
		return
	}
	var def tools.Definition
	if err := decodeJSON(r, &def); err != nil {
		writeError(w, err)
		return
	}
	if err := s.registry.Register(r.Context(), cluster, def); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"name": def.Name})
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	cluster := r.PathValue("cluster")
	actor, err := s.authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if !actor.CanAccess(cluster) {
		writeForbidden(w)
		return
	}
	names, err := s.registry.List(r.Context(), cluster, 100)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": names})
}

// --- runs ---

type createRunRequest struct {
	ID           string          `json:"id,omitempty"`
	Name         string          `json:"name,omitempty"`
	SystemPrompt string          `json:"system_prompt,omitempty"`
	Message      string          `json:"message,omitempty"`
	// Interactive defaults to true; set false for one-shot runs that must
	// not receive further messages.
	Interactive  *bool           `json:"interactive,omitempty"`
	AllowedTools []string        `json:"allowed_tools,omitempty"`
	ResultSchema json.RawMessage `json:"result_schema,omitempty"`
	OnComplete   string          `json:"on_complete,omitempty"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	cluster := r.PathValue("cluster")
	actor, err := s.authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if !actor.CanCreate(cluster) {
		writeForbidden(w)
		return
	}
	var req createRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	run := &runs.Run{
		ID:           req.ID,
		ClusterID:    cluster,
		Name:         req.Name,
		SystemPrompt: req.SystemPrompt,
		Interactive:  req.Interactive == nil || *req.Interactive,
		AllowedTools: req.AllowedTools,
		ResultSchema: req.ResultSchema,
		OnComplete:   req.OnComplete,
		AuthContext:  actor.Context(),
	}
	if err := s.runStore.Create(r.Context(), run); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Message != "" {
		msg := &runs.Message{RunID: run.ID, Type: runs.MessageHuman, Data: json.RawMessage(strconv.Quote(req.Message))}
		if err := s.runStore.AppendMessage(r.Context(), cluster, msg); err != nil {
			writeError(w, err)
			return
		}
	}
	s.waker.Wake(cluster, run.ID)
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	cluster := r.PathValue("cluster")
	actor, err := s.authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if !actor.CanAccess(cluster) {
		writeForbidden(w)
		return
	}
	ids, err := s.runStore.List(r.Context(), cluster, 100)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": ids})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	cluster := r.PathValue("cluster")
	actor, err := s.authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if !actor.CanAccess(cluster) {
		writeForbidden(w)
		return
	}
	run, err := s.runStore.Get(r.Context(), cluster, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

type appendMessageRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleAppendMessage(w http.ResponseWriter, r *http.Request) {
	cluster := r.PathValue("cluster")
	actor, err := s.authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if !actor.CanCreate(cluster) {
		writeForbidden(w)
		return
	}
	runID := r.PathValue("id")
	run, err := s.runStore.Get(r.Context(), cluster, runID)
	if err != nil {
		writeError(w, err)
		return
	}
	if run.Status.Terminal() {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "run is finished"})
		return
	}
	if !run.Interactive {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "run does not accept messages"})
		return
	}
	var req appendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "message is required"})
		return
	}
	msg := &runs.Message{RunID: runID, Type: runs.MessageHuman, Data: json.RawMessage(strconv.Quote(req.Message))}
	if err := s.runStore.AppendMessage(r.Context(), cluster, msg); err != nil {
		writeError(w, err)
		return
	}
	s.waker.Wake(cluster, runID)
	writeJSON(w, http.StatusCreated, msg)
}

// --- plumbing ---

func (s *Server) authenticate(r *http.Request) (*guard.Actor, error) {
	token := r.Header.Get("X-API-Key")
	if token == "" {
		auth := r.Header.Get("Authorization")
		token = strings.TrimPrefix(auth, "Bearer ")
		if token == auth {
			token = ""
		}
	}
	return s.guard.Authenticate(token)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return &faults.InvalidJobArgumentsError{Reason: "malformed json body: " + err.Error()}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logging.Warn("gateway", "response encode failed", "error", err)
	}
}

func writeForbidden(w http.ResponseWriter) {
	writeJSON(w, http.StatusForbidden, map[string]string{"error": "insufficient permissions"})
}

func writeError(w http.ResponseWriter, err error) {
	var (
		authErr  *faults.AuthenticationError
		notFound *faults.NotFoundError
		invalid  *faults.InvalidJobArgumentsError
		timeout  *faults.JobPollTimeoutError
		busy     *faults.RunBusyError
	)
	switch {
	case errors.As(err, &authErr):
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
	case errors.As(err, &notFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.As(err, &timeout):
		writeJSON(w, http.StatusRequestTimeout, map[string]string{"error": err.Error()})
	case errors.As(err, &busy):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		logging.Error("gateway", "request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	cluster := r.PathValue("cluster")
	actor, err := s.authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if !actor.CanAccess(cluster) {
		writeForbidden(w)
		return
	}
	msgs, err := s.runStore.Messages(r.Context(), cluster, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}
