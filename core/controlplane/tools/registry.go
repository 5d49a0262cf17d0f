// Package tools stores tool definitions: the name, argument schema, and
// execution policy a machine registers for each tool it serves. The job core
// reads definitions but never writes them.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/toolplane/toolplane/core/controlplane/faults"
	"github.com/toolplane/toolplane/core/infra/redisutil"
	"github.com/toolplane/toolplane/core/infra/schema"
)

const (
	// DefaultTimeoutSeconds applies when a tool declares no timeout.
	DefaultTimeoutSeconds = 300

	toolIndexMaxLen = 500
)

// CachePolicy dedups identical tool calls: the key is extracted from the
// arguments at KeyPath and successful results are reused within the TTL.
type CachePolicy struct {
	KeyPath    string `json:"key_path" yaml:"key_path"`
	TTLSeconds int    `json:"ttl_seconds" yaml:"ttl_seconds"`
}

// Config is the per-tool execution policy.
type Config struct {
	TimeoutSeconds    int          `json:"timeout_seconds,omitempty" yaml:"timeout_seconds"`
	RetryCountOnStall int          `json:"retry_count_on_stall,omitempty" yaml:"retry_count_on_stall"`
	Cache             *CachePolicy `json:"cache,omitempty" yaml:"cache"`
}

// EffectiveTimeoutSeconds returns the configured timeout or the default.
func (c Config) EffectiveTimeoutSeconds() int {
	if c.TimeoutSeconds > 0 {
		return c.TimeoutSeconds
	}
	return DefaultTimeoutSeconds
}

// MaxAttempts is the total number of executions a job may consume: the first
// attempt plus one retry per allowed stall.
func (c Config) MaxAttempts() int {
	if c.RetryCountOnStall < 0 {
		return 1
	}
	return c.RetryCountOnStall + 1
}

// Definition is one registered tool.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
	Config      Config          `json:"config"`
}

// Registry persists tool definitions per cluster in Redis.
type Registry struct {
	client *redis.Client
}

// NewRegistry constructs a Redis-backed tool registry from a redis:// URL.
func NewRegistry(url string) (*Registry, error) {
	client, err := redisutil.NewClient(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &Registry{client: client}, nil
}

// NewRegistryWithClient wraps an existing client, sharing its connection pool.
func NewRegistryWithClient(client *redis.Client) *Registry {
	return &Registry{client: client}
}

// Close closes the underlying Redis client.
func (r *Registry) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

// Register upserts a tool definition.
func (r *Registry) Register(ctx context.Context, clusterID string, def Definition) error {
	def.Name = strings.TrimSpace(def.Name)
	if def.Name == "" {
		return fmt.Errorf("tool name required")
	}
	if len(def.Schema) > 0 {
		if err := schema.Compile(def.Name, def.Schema); err != nil {
			return fmt.Errorf("tool %q schema: %w", def.Name, err)
		}
	}
	if def.Config.Cache != nil && strings.TrimSpace(def.Config.Cache.KeyPath) == "" {
		return fmt.Errorf("tool %q cache policy requires a key path", def.Name)
	}

	payload, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal tool: %w", err)
	}
	now := time.Now().UTC()
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, toolKey(clusterID, def.Name), payload, 0)
	pipe.ZAdd(ctx, toolIndexKey(clusterID), redis.Z{Score: float64(now.Unix()), Member: def.Name})
	pipe.ZRemRangeByRank(ctx, toolIndexKey(clusterID), 0, -toolIndexMaxLen-1)
	_, err = pipe.Exec(ctx)
	return err
}

// Get returns a tool definition by name.
func (r *Registry) Get(ctx context.Context, clusterID, name string) (*Definition, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("tool name required")
	}
	data, err := r.client.Get(ctx, toolKey(clusterID, name)).Bytes()
	if err == redis.Nil {
		return nil, &faults.NotFoundError{Kind: "tool", ID: name}
	}
	if err != nil {
		return nil, err
	}
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("unmarshal tool: %w", err)
	}
	return &def, nil
}

// List returns recently registered tool names.
func (r *Registry) List(ctx context.Context, clusterID string, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.client.ZRevRange(ctx, toolIndexKey(clusterID), 0, limit-1).Result()
}

func toolKey(clusterID, name string) string {
	return "cluster:" + clusterID + ":tool:" + name
}

func toolIndexKey(clusterID string) string {
	return "cluster:" + clusterID + ":tools"
}
