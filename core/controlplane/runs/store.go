package runs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/toolplane/toolplane/core/controlplane/faults"
	"github.com/toolplane/toolplane/core/infra/redisutil"
)

const runIndexMaxLen = 1000

// Store persists runs and their transcripts in Redis. Run rows are written
// only by the holder of the run's processing lock, so plain JSON blobs are
// safe here; the contended state lives in the job store.
type Store struct {
	client *redis.Client
}

// NewStore constructs a Redis-backed run store from a redis:// URL.
func NewStore(url string) (*Store, error) {
	client, err := redisutil.NewClient(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &Store{client: client}, nil
}

// NewStoreWithClient wraps an existing client, sharing its connection pool.
func NewStoreWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Close closes the underlying Redis client.
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Create persists a new run. A missing id is generated.
func (s *Store) Create(ctx context.Context, run *Run) error {
	if run.ClusterID == "" {
		return fmt.Errorf("run cluster required")
	}
	if strings.TrimSpace(run.ID) == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = StatusPending
	}
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now

	payload, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	created, err := s.client.SetNX(ctx, runKey(run.ClusterID, run.ID), payload, 0).Result()
	if err != nil {
		return err
	}
	if !created {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, runIndexKey(run.ClusterID), redis.Z{Score: float64(now.Unix()), Member: run.ID})
	pipe.ZRemRangeByRank(ctx, runIndexKey(run.ClusterID), 0, -runIndexMaxLen-1)
	_, err = pipe.Exec(ctx)
	return err
}

// Get returns a run by id.
func (s *Store) Get(ctx context.Context, clusterID, runID string) (*Run, error) {
	data, err := s.client.Get(ctx, runKey(clusterID, runID)).Bytes()
	if err == redis.Nil {
		return nil, &faults.NotFoundError{Kind: "run", ID: runID}
	}
	if err != nil {
		return nil, err
	}
	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("unmarshal run: %w", err)
	}
	return &run, nil
}

// Update rewrites the run row. Callers must hold the run's processing lock
// or be the gateway acting before processing starts.
func (s *Store) Update(ctx context.Context, run *Run) error {
	run.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	return s.client.Set(ctx, runKey(run.ClusterID, run.ID), payload, 0).Err()
}

// List returns the most recently created run ids.
func (s *Store) List(ctx context.Context, clusterID string, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.client.ZRevRange(ctx, runIndexKey(clusterID), 0, limit-1).Result()
}

// AppendMessage adds a message to the run's transcript.
func (s *Store) AppendMessage(ctx context.Context, clusterID string, msg *Message) error {
	if msg.RunID == "" {
		return fmt.Errorf("message run id required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.At.IsZero() {
		msg.At = time.Now().UTC()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return s.client.RPush(ctx, messagesKey(clusterID, msg.RunID), payload).Err()
}

// Messages returns the full transcript in append order.
func (s *Store) Messages(ctx context.Context, clusterID, runID string) ([]Message, error) {
	raw, err := s.client.LRange(ctx, messagesKey(clusterID, runID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(raw))
	for _, item := range raw {
		var msg Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// MarkResultConsumed records that a job's result has been folded into the
// transcript. Returns false when it already was.
func (s *Store) MarkResultConsumed(ctx context.Context, clusterID, runID, jobID string) (bool, error) {
	added, err := s.client.SAdd(ctx, consumedKey(clusterID, runID), jobID).Result()
	if err != nil {
		return false, err
	}
	return added == 1, nil
}

func runKey(clusterID, runID string) string {
	return "cluster:" + clusterID + ":run:" + runID
}

func runIndexKey(clusterID string) string {
	return "cluster:" + clusterID + ":runs"
}

func messagesKey(clusterID, runID string) string {
	return "cluster:" + clusterID + ":run:" + runID + ":messages"
}

func consumedKey(clusterID, runID string) string {
	return "cluster:" + clusterID + ":run:" + runID + ":consumed"
}
