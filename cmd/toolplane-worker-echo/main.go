// A reference worker serving two demonstration tools: echo, and a guarded
// delete that pauses for human approval before acknowledging anything.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/toolplane/toolplane/core/controlplane/tools"
	"github.com/toolplane/toolplane/core/infra/logging"
	"github.com/toolplane/toolplane/pkg/sdk/worker"
)

func main() {
	baseURL := envOr("TOOLPLANE_URL", "http://localhost:8080")
	apiKey := os.Getenv("TOOLPLANE_API_KEY")
	cluster := envOr("CLUSTER_ID", "default")

	client, err := worker.New(worker.Options{
		BaseURL:   baseURL,
		APIKey:    apiKey,
		ClusterID: cluster,
	})
	if err != nil {
		logging.Error("main", "worker client", "error", err)
		os.Exit(1)
	}

	mustRegister(client, worker.Tool{
		Name:        "echo",
		Description: "Returns its input text.",
		Schema:      json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
		Config:      tools.Config{TimeoutSeconds: 30, RetryCountOnStall: 2},
		Handler: func(_ context.Context, args json.RawMessage, _ worker.JobContext) (json.RawMessage, error) {
			var in struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			return json.Marshal(map[string]string{"text": in.Text})
		},
	})

	mustRegister(client, worker.Tool{
		Name:        "delete-resource",
		Description: "Pretends to delete a resource, after human approval.",
		Schema:      json.RawMessage(`{"type":"object","properties":{"resource":{"type":"string"}},"required":["resource"]}`),
		Config:      tools.Config{TimeoutSeconds: 60},
		Handler: func(_ context.Context, args json.RawMessage, jctx worker.JobContext) (json.RawMessage, error) {
			if jctx.Approved == nil {
				return nil, worker.ErrApprovalRequired
			}
			if !*jctx.Approved {
				return nil, fmt.Errorf("deletion was denied")
			}
			var in struct {
				Resource string `json:"resource"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			return json.Marshal(map[string]string{"deleted": strings.TrimSpace(in.Resource)})
		},
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logging.Info("main", "echo worker starting", "url", baseURL, "cluster", cluster)
	if err := client.Run(ctx); err != nil && ctx.Err() == nil {
		logging.Error("main", "worker stopped", "error", err)
		os.Exit(1)
	}
}

func mustRegister(client *worker.Client, tool worker.Tool) {
	if err := client.RegisterTool(tool); err != nil {
		logging.Error("main", "register tool", "tool", tool.Name, "error", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
