// Package worker is the client side of the dispatch protocol: it registers
// tools, long-polls for jobs, runs the handlers, and reports results.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/toolplane/toolplane/core/controlplane/tools"
	"github.com/toolplane/toolplane/core/infra/logging"
)

// ErrApprovalRequired is returned by a handler that wants a human decision
// before doing the work. The job is suspended; when someone approves it the
// handler runs again with JobContext.Approved set.
var ErrApprovalRequired = errors.New("approval required")

// JobContext carries per-job metadata into a handler.
type JobContext struct {
	JobID       string
	Approved    *bool
	AuthContext json.RawMessage
	RunContext  json.RawMessage
}

// Handler executes one tool call.
type Handler func(ctx context.Context, args json.RawMessage, jctx JobContext) (json.RawMessage, error)

// Tool couples a definition with its handler.
type Tool struct {
	Name        string
	Description string
	Schema      json.RawMessage
	Config      tools.Config
	Handler     Handler
}

// Options configures a worker client.
type Options struct {
	BaseURL   string
	APIKey    string
	ClusterID string
	// MachineID defaults to a random id per process.
	MachineID string
	// PollWaitSeconds defaults to 15.
	PollWaitSeconds int
	// Concurrency bounds parallel handler executions, default 4.
	Concurrency int
}

// Client is a polling worker.
type Client struct {
	opts  Options
	httpc *http.Client
	tools map[string]Tool
}

// New builds a worker client.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" || opts.APIKey == "" || opts.ClusterID == "" {
		return nil, fmt.Errorf("base url, api key, and cluster required")
	}
	if opts.MachineID == "" {
		opts.MachineID = uuid.NewString()
	}
	if opts.PollWaitSeconds <= 0 {
		opts.PollWaitSeconds = 15
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	return &Client{
		opts:  opts,
		httpc: &http.Client{Timeout: time.Duration(opts.PollWaitSeconds+10) * time.Second},
		tools: make(map[string]Tool),
	}, nil
}

// RegisterTool adds a tool to serve. Must be called before Run.
func (c *Client) RegisterTool(tool Tool) error {
	if tool.Name == "" || tool.Handler == nil {
		return fmt.Errorf("tool name and handler required")
	}
	if _, dup := c.tools[tool.Name]; dup {
		return fmt.Errorf("tool %q already registered", tool.Name)
	}
	c.tools[tool.Name] = tool
	return nil
}

// Run registers the tools with the control plane and polls until ctx is
// cancelled.
func (c *Client) Run(ctx context.Context) error {
	if len(c.tools) == 0 {
		return fmt.Errorf("no tools registered")
	}
	if err := c.announceTools(ctx); err != nil {
		return err
	}

	names := make([]string, 0, len(c.tools))
	for name := range c.tools {
		names = append(names, name)
	}
	logging.Info("worker", "polling", "machine_id", c.opts.MachineID, "tools", fmt.Sprint(names))

	sem := make(chan struct{}, c.opts.Concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		claimed, err := c.poll(ctx, names)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logging.Warn("worker", "poll failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(2 * time.Second):
			}
			continue
		}
		for _, job := range claimed {
			job := job
			sem <- struct{}{}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				c.execute(ctx, job)
			}()
		}
	}
}

func (c *Client) announceTools(ctx context.Context) error {
	for _, tool := range c.tools {
		payload := tools.Definition{
			Name:        tool.Name,
			Description: tool.Description,
			Schema:      tool.Schema,
			Config:      tool.Config,
		}
		var out json.RawMessage
		status, err := c.post(ctx, "/tools", payload, &out)
		if err != nil {
			return fmt.Errorf("register tool %s: %w", tool.Name, err)
		}
		if status != http.StatusCreated {
			return fmt.Errorf("register tool %s: status %d: %s", tool.Name, status, out)
		}
	}
	return nil
}

type claimedJob struct {
	ID          string          `json:"id"`
	TargetFn    string          `json:"target_fn"`
	TargetArgs  json.RawMessage `json:"target_args,omitempty"`
	AuthContext json.RawMessage `json:"auth_context,omitempty"`
	RunContext  json.RawMessage `json:"run_context,omitempty"`
	Approved    *bool           `json:"approved,omitempty"`
}

func (c *Client) poll(ctx context.Context, names []string) ([]claimedJob, error) {
	var out struct {
		Jobs []claimedJob `json:"jobs"`
	}
	status, err := c.post(ctx, "/jobs/poll", map[string]any{
		"machine_id":   c.opts.MachineID,
		"tools":        names,
		"limit":        c.opts.Concurrency,
		"wait_seconds": c.opts.PollWaitSeconds,
	}, &out)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("poll status %d", status)
	}
	return out.Jobs, nil
}

func (c *Client) execute(ctx context.Context, job claimedJob) {
	tool, ok := c.tools[job.TargetFn]
	if !ok {
		c.submit(ctx, job.ID, "rejection", errPayload(fmt.Errorf("tool %s not served here", job.TargetFn)))
		return
	}

	result, err := func() (out json.RawMessage, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return tool.Handler(ctx, job.TargetArgs, JobContext{
			JobID:       job.ID,
			Approved:    job.Approved,
			AuthContext: job.AuthContext,
			RunContext:  job.RunContext,
		})
	}()

	switch {
	case errors.Is(err, ErrApprovalRequired):
		c.requestApproval(ctx, job.ID)
	case err != nil:
		logging.Warn("worker", "handler failed", "job_id", job.ID, "error", err)
		c.submit(ctx, job.ID, "rejection", errPayload(err))
	default:
		c.submit(ctx, job.ID, "resolution", result)
	}
}

func (c *Client) submit(ctx context.Context, jobID, resultType string, result json.RawMessage) {
	var out json.RawMessage
	status, err := c.post(ctx, "/jobs/"+jobID+"/result", map[string]any{
		"machine_id":  c.opts.MachineID,
		"result":      result,
		"result_type": resultType,
	}, &out)
	if err != nil || status != http.StatusOK {
		logging.Warn("worker", "result submission failed", "job_id", jobID, "status", status, "error", err)
	}
}

func (c *Client) requestApproval(ctx context.Context, jobID string) {
	var out json.RawMessage
	status, err := c.post(ctx, "/jobs/"+jobID+"/approval-request", map[string]any{
		"machine_id": c.opts.MachineID,
	}, &out)
	if err != nil || status != http.StatusOK {
		logging.Warn("worker", "approval request failed", "job_id", jobID, "status", status, "error", err)
		return
	}
	logging.Info("worker", "job paused for approval", "job_id", jobID)
}

func (c *Client) post(ctx context.Context, path string, payload, out any) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	url := c.opts.BaseURL + "/api/v1/clusters/" + c.opts.ClusterID + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	resp, err := c.httpc.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func errPayload(err error) json.RawMessage {
	data, marshalErr := json.Marshal(map[string]string{"message": err.Error()})
	if marshalErr != nil {
		return json.RawMessage(`{"message":"handler error"}`)
	}
	return data
}
