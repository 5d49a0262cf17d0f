package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/toolplane/toolplane/core/controlplane/guard"
	"github.com/toolplane/toolplane/core/controlplane/jobs"
	"github.com/toolplane/toolplane/core/controlplane/runs"
	"github.com/toolplane/toolplane/core/controlplane/tools"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	g, err := guard.New("sk-op:ops:operator:*,sk-wk:box:worker:*,sk-ro:dash:viewer:*")
	if err != nil {
		t.Fatalf("guard: %v", err)
	}

	jobStore := jobs.NewStoreWithClient(client)
	registry := tools.NewRegistryWithClient(client)
	srv := NewServer(Options{
		Guard:      g,
		Creation:   jobs.NewCreationService(jobStore, registry, nil, nil),
		Dispatcher: jobs.NewDispatcher(jobStore, nil, nil, nil),
		Gate:       jobs.NewGate(jobStore, nil, nil, nil, nil),
		JobStore:   jobStore,
		RunStore:   runs.NewStoreWithClient(client),
		Registry:   registry,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url, key string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	var out bytes.Buffer
	if _, err := out.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, out.Bytes()
}

func registerEchoTool(t *testing.T, ts *httptest.Server) {
	t.Helper()
	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/v1/clusters/default/tools", "sk-wk", map[string]any{
		"name":   "echo",
		"schema": json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
		"config": map[string]any{"timeout_seconds": 30, "retry_count_on_stall": 1},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register tool: %d %s", resp.StatusCode, body)
	}
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/v1/clusters/default/jobs", "", map[string]any{"tool": "echo"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}

	// A viewer key cannot create jobs.
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/v1/clusters/default/jobs", "sk-ro", map[string]any{"tool": "echo"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}

	// A worker key cannot decide approvals.
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/v1/clusters/default/jobs/x/approval", "sk-wk", map[string]any{"approved": true})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestJobRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	registerEchoTool(t, ts)

	// Create.
	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/v1/clusters/default/jobs", "sk-op", map[string]any{
		"tool": "echo",
		"args": map[string]any{"text": "hello"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", resp.StatusCode, body)
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &created); err != nil || created.ID == "" {
		t.Fatalf("create body %s: %v", body, err)
	}

	// Bad arguments are rejected up front.
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/v1/clusters/default/jobs", "sk-op", map[string]any{
		"tool": "echo",
		"args": map[string]any{"text": 7},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid args: %d, want 400", resp.StatusCode)
	}

	// Worker polls and claims.
	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api/v1/clusters/default/jobs/poll", "sk-wk", map[string]any{
		"machine_id": "m1",
		"tools":      []string{"echo"},
		"limit":      5,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("poll: %d %s", resp.StatusCode, body)
	}
	var polled struct {
		Jobs []jobs.ClaimedJob `json:"jobs"`
	}
	if err := json.Unmarshal(body, &polled); err != nil {
		t.Fatalf("poll body %s: %v", body, err)
	}
	if len(polled.Jobs) != 1 || polled.Jobs[0].ID != created.ID {
		t.Fatalf("polled = %+v", polled.Jobs)
	}

	// Worker submits the result.
	resultURL := fmt.Sprintf("%s/api/v1/clusters/default/jobs/%s/result", ts.URL, created.ID)
	resp, body = doJSON(t, http.MethodPost, resultURL, "sk-wk", map[string]any{
		"machine_id":  "m1",
		"result":      map[string]any{"text": "hello"},
		"result_type": "resolution",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("result: %d %s", resp.StatusCode, body)
	}

	// The creator reads it back synchronously.
	resp, body = doJSON(t, http.MethodGet, fmt.Sprintf("%s/api/v1/clusters/default/jobs/%s?waitSeconds=1", ts.URL, created.ID), "sk-op", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: %d %s", resp.StatusCode, body)
	}
	var job jobs.Job
	if err := json.Unmarshal(body, &job); err != nil {
		t.Fatalf("job body %s: %v", body, err)
	}
	if job.Status != jobs.StatusSuccess || string(job.Result) != `{"text":"hello"}` {
		t.Fatalf("job = %s result=%s", job.Status, job.Result)
	}
}

func TestApprovalOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	registerEchoTool(t, ts)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/v1/clusters/default/jobs", "sk-op", map[string]any{
		"id":   "job-appr",
		"tool": "echo",
		"args": map[string]any{"text": "hi"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", resp.StatusCode, body)
	}
	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api/v1/clusters/default/jobs/poll", "sk-wk", map[string]any{
		"machine_id": "m1", "tools": []string{"echo"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("poll: %d %s", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api/v1/clusters/default/jobs/job-appr/approval-request", "sk-wk", map[string]any{
		"machine_id": "m1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approval request: %d %s", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api/v1/clusters/default/jobs/job-appr/approval", "sk-op", map[string]any{
		"approved": false,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approval: %d %s", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/v1/clusters/default/jobs/job-appr", "sk-op", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: %d %s", resp.StatusCode, body)
	}
	var job jobs.Job
	if err := json.Unmarshal(body, &job); err != nil {
		t.Fatalf("job body %s: %v", body, err)
	}
	if job.Status != jobs.StatusSuccess || job.ResultType != jobs.ResultRejection {
		t.Fatalf("job = %s/%s, want denied rejection", job.Status, job.ResultType)
	}
}

func TestRunEndpoints(t *testing.T) {
	ts := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/v1/clusters/default/runs", "sk-op", map[string]any{
		"name":    "research",
		"message": "find the answer",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create run: %d %s", resp.StatusCode, body)
	}
	var run runs.Run
	if err := json.Unmarshal(body, &run); err != nil || run.ID == "" {
		t.Fatalf("run body %s: %v", body, err)
	}

	resp, body = doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/v1/clusters/default/runs/%s/messages", ts.URL, run.ID), "sk-op", map[string]any{
		"message": "clarifying detail",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("append: %d %s", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodGet, fmt.Sprintf("%s/api/v1/clusters/default/runs/%s/messages", ts.URL, run.ID), "sk-ro", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("messages: %d %s", resp.StatusCode, body)
	}
	var msgs struct {
		Messages []runs.Message `json:"messages"`
	}
	if err := json.Unmarshal(body, &msgs); err != nil {
		t.Fatalf("messages body %s: %v", body, err)
	}
	if len(msgs.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs.Messages))
	}

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/v1/clusters/default/runs/missing", "sk-ro", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing run: %d, want 404", resp.StatusCode)
	}
}

func TestNonInteractiveRunRejectsMessages(t *testing.T) {
	ts := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/v1/clusters/default/runs", "sk-op", map[string]any{
		"name":        "one-shot",
		"message":     "do the thing",
		"interactive": false,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create run: %d %s", resp.StatusCode, body)
	}
	var run runs.Run
	if err := json.Unmarshal(body, &run); err != nil {
		t.Fatalf("run body %s: %v", body, err)
	}
	if run.Interactive {
		t.Fatal("run should not be interactive")
	}

	resp, body = doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/v1/clusters/default/runs/%s/messages", ts.URL, run.ID), "sk-op", map[string]any{
		"message": "follow-up",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("append to one-shot run: %d %s, want 400", resp.StatusCode, body)
	}
}

func TestCreateJobAttachedToRun(t *testing.T) {
	ts := newTestServer(t)
	registerEchoTool(t, ts)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/v1/clusters/default/runs", "sk-op", map[string]any{
		"name": "research",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create run: %d %s", resp.StatusCode, body)
	}
	var run runs.Run
	if err := json.Unmarshal(body, &run); err != nil || run.ID == "" {
		t.Fatalf("run body %s: %v", body, err)
	}

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api/v1/clusters/default/jobs", "sk-op", map[string]any{
		"tool":   "echo",
		"args":   map[string]any{"text": "hello"},
		"run_id": run.ID,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create job: %d %s", resp.StatusCode, body)
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &created); err != nil || created.ID == "" {
		t.Fatalf("job body %s: %v", body, err)
	}

	resp, body = doJSON(t, http.MethodGet, fmt.Sprintf("%s/api/v1/clusters/default/jobs/%s", ts.URL, created.ID), "sk-ro", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get job: %d %s", resp.StatusCode, body)
	}
	var job jobs.Job
	if err := json.Unmarshal(body, &job); err != nil {
		t.Fatalf("job body %s: %v", body, err)
	}
	if job.RunID != run.ID {
		t.Fatalf("job run_id = %q, want %q", job.RunID, run.ID)
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	resp, body := doJSON(t, http.MethodGet, ts.URL+"/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", resp.StatusCode, body)
	}
}
