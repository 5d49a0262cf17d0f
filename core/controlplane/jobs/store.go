package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/toolplane/toolplane/core/controlplane/faults"
	"github.com/toolplane/toolplane/core/infra/redisutil"
)

// Store is the durable record of job lifecycle state. Every mutation is a
// single Lua script so the status/claimant precondition and the update are
// atomic; Redis serializes script execution, which is what makes concurrent
// claimers unable to select the same row. A zero rows-affected reply means
// the precondition no longer held, never a lost update.
type Store struct {
	client *redis.Client
}

// NewStore constructs a Redis-backed job store from a redis:// URL.
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

// Close shuts down the Redis client.
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Ping verifies the store connection.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("job store not initialized")
	}
	return s.client.Ping(ctx).Err()
}

// Insert creates the job row unless the id already exists. The false return
// is what makes creation idempotent for caller-supplied ids.
func (s *Store) Insert(ctx context.Context, job *Job) (bool, error) {
	if job == nil || job.ID == "" || job.ClusterID == "" || job.TargetFn == "" {
		return false, fmt.Errorf("job id, cluster, and target fn required")
	}
	now := time.Now().UTC()
	hasRun := "0"
	if job.RunID != "" {
		hasRun = "1"
	}
	fields := []any{
		"status", string(StatusPending),
		"target_fn", job.TargetFn,
		"target_args", string(job.TargetArgs),
		"cache_key", job.CacheKey,
		"remaining_attempts", strconv.Itoa(job.RemainingAttempts),
		"timeout_seconds", strconv.Itoa(job.TimeoutSeconds),
		"approval_requested", "0",
		"approved", "",
		"run_id", job.RunID,
		"auth_context", string(job.AuthContext),
		"run_context", string(job.RunContext),
		"created_at", strconv.FormatInt(now.Unix(), 10),
		"updated_at", strconv.FormatInt(now.Unix(), 10),
	}
	args := append([]any{job.ID, now.Unix(), hasRun}, fields...)
	res, err := s.client.Eval(ctx, insertScript,
		[]string{
			jobKey(job.ClusterID, job.ID),
			queueKey(job.ClusterID, job.TargetFn),
			runJobsKey(job.ClusterID, job.RunID),
		},
		args...,
	).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// ClaimBatch atomically moves up to limit pending jobs for the given tools to
// running, stamping the claimant. Under N concurrent claimers racing for one
// pending job, exactly one receives it. A popped job with no attempts left is
// terminated as a failure instead of being returned, so it cannot sit pending
// outside every queue.
func (s *Store) ClaimBatch(ctx context.Context, clusterID string, toolNames []string, limit int, machineID string) ([]ClaimedJob, error) {
	if limit <= 0 {
		limit = 1
	}
	if machineID == "" {
		return nil, fmt.Errorf("machine id required")
	}
	if len(toolNames) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(toolNames)+1)
	keys = append(keys, runningKey(clusterID))
	for _, tool := range toolNames {
		keys = append(keys, queueKey(clusterID, tool))
	}
	res, err := s.client.Eval(ctx, claimScript, keys,
		limit,
		machineID,
		time.Now().Unix(),
		jobKeyPrefix(clusterID),
		exhaustedResultPayload,
	).Result()
	if err != nil {
		return nil, err
	}
	ids := toStrings(res)
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, jobKey(clusterID, id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	out := make([]ClaimedJob, 0, len(ids))
	for i, id := range ids {
		fields, err := cmds[i].Result()
		if err != nil {
			continue
		}
		job := parseJob(clusterID, id, fields)
		out = append(out, ClaimedJob{
			ID:          id,
			TargetFn:    job.TargetFn,
			TargetArgs:  job.TargetArgs,
			AuthContext: job.AuthContext,
			RunContext:  job.RunContext,
			Approved:    job.Approved,
		})
	}
	return out, nil
}

// PersistResult records a terminal result. It succeeds only while the row is
// running, claimed by machineID, and has no result yet; a false return means
// the result arrived too late and should be ignored by the caller.
func (s *Store) PersistResult(ctx context.Context, clusterID, jobID, machineID string, result json.RawMessage, resultType ResultType) (*JobRef, bool, error) {
	res, err := s.client.Eval(ctx, persistResultScript,
		[]string{jobKey(clusterID, jobID), runningKey(clusterID)},
		jobID,
		machineID,
		string(result),
		string(resultType),
		time.Now().Unix(),
		cacheKeyPrefix(clusterID),
	).Result()
	if err != nil {
		return nil, false, err
	}
	return parseRefReply(jobID, res)
}

// Interrupt suspends a running job, optionally flagging it as awaiting
// approval. Valid only from the current claimant.
func (s *Store) Interrupt(ctx context.Context, clusterID, jobID, machineID string, approvalRequested bool) (*JobRef, bool, error) {
	flag := "0"
	if approvalRequested {
		flag = "1"
	}
	res, err := s.client.Eval(ctx, interruptScript,
		[]string{jobKey(clusterID, jobID), runningKey(clusterID), interruptedKey(clusterID)},
		jobID,
		machineID,
		flag,
		time.Now().Unix(),
	).Result()
	if err != nil {
		return nil, false, err
	}
	return parseRefReply(jobID, res)
}

// RunningJobIDs lists ids currently in the running index.
func (s *Store) RunningJobIDs(ctx context.Context, clusterID string, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 500
	}
	return s.client.ZRange(ctx, runningKey(clusterID), 0, limit-1).Result()
}

// MarkStalled transitions the job to stalled when its claimant has been
// silent past the timeout. Jobs awaiting an approval decision are exempt no
// matter how long they sit.
func (s *Store) MarkStalled(ctx context.Context, clusterID, jobID string) (*JobRef, bool, error) {
	res, err := s.client.Eval(ctx, stallScript,
		[]string{jobKey(clusterID, jobID), runningKey(clusterID), stalledKey(clusterID)},
		jobID,
		time.Now().Unix(),
	).Result()
	if err != nil {
		return nil, false, err
	}
	return parseRefReply(jobID, res)
}

// StalledJobIDs lists ids currently in the stalled index.
func (s *Store) StalledJobIDs(ctx context.Context, clusterID string, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 500
	}
	return s.client.ZRange(ctx, stalledKey(clusterID), 0, limit-1).Result()
}

// RecoverOutcome says what the recovery sweep did with one stalled job.
type RecoverOutcome string

const (
	// RecoverRequeued means the job went back to pending for another attempt.
	RecoverRequeued RecoverOutcome = "recovered"
	// RecoverExhausted means the job had no attempts left and is now a
	// terminal failure, never pollable again.
	RecoverExhausted RecoverOutcome = "exhausted"
)

// RecoverStalled requeues a stalled job when attempts remain, or converts it
// to a terminal failure when they are exhausted.
func (s *Store) RecoverStalled(ctx context.Context, clusterID, jobID string) (*JobRef, RecoverOutcome, error) {
	res, err := s.client.Eval(ctx, recoverScript,
		[]string{jobKey(clusterID, jobID), stalledKey(clusterID)},
		jobID,
		time.Now().Unix(),
		queueKeyPrefix(clusterID),
		exhaustedResultPayload,
	).Result()
	if err != nil {
		return nil, "", err
	}
	vals := toStrings(res)
	if len(vals) < 3 || vals[0] == "" {
		return nil, "", nil
	}
	ref := &JobRef{ID: jobID, TargetFn: vals[1], RunID: vals[2]}
	return ref, RecoverOutcome(vals[0]), nil
}

// InterruptedJobIDs lists interrupted ids whose interruption time falls in
// [oldest, newest].
func (s *Store) InterruptedJobIDs(ctx context.Context, clusterID string, oldest, newest time.Time, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 500
	}
	return s.client.ZRangeByScore(ctx, interruptedKey(clusterID), &redis.ZRangeBy{
		Min:   strconv.FormatInt(oldest.Unix(), 10),
		Max:   strconv.FormatInt(newest.Unix(), 10),
		Count: limit,
	}).Result()
}

// RequeueInterrupted returns an interrupted job to pending, or terminates it
// when its attempts ran out so it cannot hang forever between queues. Jobs
// awaiting an approval decision are left alone and the outcome is empty.
func (s *Store) RequeueInterrupted(ctx context.Context, clusterID, jobID string) (*JobRef, RecoverOutcome, error) {
	res, err := s.client.Eval(ctx, requeueInterruptedScript,
		[]string{jobKey(clusterID, jobID), interruptedKey(clusterID)},
		jobID,
		time.Now().Unix(),
		queueKeyPrefix(clusterID),
		exhaustedResultPayload,
	).Result()
	if err != nil {
		return nil, "", err
	}
	vals := toStrings(res)
	if len(vals) < 3 || vals[0] == "" {
		return nil, "", nil
	}
	ref := &JobRef{ID: jobID, TargetFn: vals[1], RunID: vals[2]}
	return ref, RecoverOutcome(vals[0]), nil
}

// ApprovalDecision is the outcome of SubmitApproval.
type ApprovalDecision struct {
	Ref      JobRef
	Approved bool
}

// SubmitApproval records a human decision. It applies only while approved is
// still unset, so a second call after the decision is a silent no-op.
// Approve restores the attempt charged at claim time and requeues the job;
// deny terminates it as a rejection.
func (s *Store) SubmitApproval(ctx context.Context, clusterID, jobID string, approved bool) (*ApprovalDecision, bool, error) {
	flag := "0"
	if approved {
		flag = "1"
	}
	res, err := s.client.Eval(ctx, approvalScript,
		[]string{jobKey(clusterID, jobID), interruptedKey(clusterID)},
		jobID,
		flag,
		time.Now().Unix(),
		queueKeyPrefix(clusterID),
		deniedResultPayload,
	).Result()
	if err != nil {
		return nil, false, err
	}
	ref, ok, err := parseRefReply(jobID, res)
	if err != nil || !ok {
		return nil, false, err
	}
	return &ApprovalDecision{Ref: *ref, Approved: approved}, true, nil
}

// Get returns the full job row.
func (s *Store) Get(ctx context.Context, clusterID, jobID string) (*Job, error) {
	fields, err := s.client.HGetAll(ctx, jobKey(clusterID, jobID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, &faults.NotFoundError{Kind: "job", ID: jobID}
	}
	job := parseJob(clusterID, jobID, fields)
	return &job, nil
}

// JobsForRun returns all jobs owned by a run.
func (s *Store) JobsForRun(ctx context.Context, clusterID, runID string) ([]Job, error) {
	ids, err := s.client.SMembers(ctx, runJobsKey(clusterID, runID)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, jobKey(clusterID, id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	out := make([]Job, 0, len(ids))
	for i, id := range ids {
		fields, err := cmds[i].Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		out = append(out, parseJob(clusterID, id, fields))
	}
	return out, nil
}

// OutstandingForRun returns the run's jobs that are not yet terminal.
func (s *Store) OutstandingForRun(ctx context.Context, clusterID, runID string) ([]Job, error) {
	all, err := s.JobsForRun(ctx, clusterID, runID)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, job := range all {
		if !job.Status.Terminal() {
			out = append(out, job)
		}
	}
	return out, nil
}

// CachedResolution looks for the most recent successful resolution of the
// same (tool, cacheKey) whose result landed within the TTL window.
func (s *Store) CachedResolution(ctx context.Context, clusterID, targetFn, cacheKey string, ttl time.Duration) (string, bool, error) {
	if cacheKey == "" || ttl <= 0 {
		return "", false, nil
	}
	cutoff := time.Now().Add(-ttl).Unix()
	ids, err := s.client.ZRevRangeByScore(ctx, cacheIndexKey(clusterID, targetFn, cacheKey), &redis.ZRangeBy{
		Min:   strconv.FormatInt(cutoff, 10),
		Max:   "+inf",
		Count: 1,
	}).Result()
	if err != nil {
		return "", false, err
	}
	if len(ids) == 0 {
		return "", false, nil
	}
	job, err := s.Get(ctx, clusterID, ids[0])
	if err != nil {
		return "", false, nil
	}
	if job.Status != StatusSuccess || job.ResultType != ResultResolution {
		return "", false, nil
	}
	return ids[0], true, nil
}

// PendingCount returns the number of queued jobs across the given tools.
func (s *Store) PendingCount(ctx context.Context, clusterID string, toolNames []string) (int64, error) {
	pipe := s.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(toolNames))
	for i, tool := range toolNames {
		cmds[i] = pipe.ZCard(ctx, queueKey(clusterID, tool))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, cmd := range cmds {
		total += cmd.Val()
	}
	return total, nil
}

const (
	exhaustedResultPayload = `{"message":"job stalled too many times"}`
	deniedResultPayload    = `{"message":"This call was denied by the user"}`
)

func jobKey(clusterID, jobID string) string      { return jobKeyPrefix(clusterID) + jobID }
func jobKeyPrefix(clusterID string) string       { return "cluster:" + clusterID + ":job:" }
func queueKey(clusterID, tool string) string     { return queueKeyPrefix(clusterID) + tool }
func queueKeyPrefix(clusterID string) string     { return "cluster:" + clusterID + ":queue:" }
func runningKey(clusterID string) string         { return "cluster:" + clusterID + ":jobs:running" }
func stalledKey(clusterID string) string         { return "cluster:" + clusterID + ":jobs:stalled" }
func interruptedKey(clusterID string) string     { return "cluster:" + clusterID + ":jobs:interrupted" }
func cacheKeyPrefix(clusterID string) string     { return "cluster:" + clusterID + ":cache:" }
func runJobsKey(clusterID, runID string) string  { return "cluster:" + clusterID + ":run:" + runID + ":jobs" }

func cacheIndexKey(clusterID, targetFn, cacheKey string) string {
	return cacheKeyPrefix(clusterID) + targetFn + ":" + cacheKey
}

func parseJob(clusterID, jobID string, fields map[string]string) Job {
	job := Job{
		ID:        jobID,
		ClusterID: clusterID,
		TargetFn:  fields["target_fn"],
		Status:    Status(fields["status"]),
		CacheKey:  fields["cache_key"],
		MachineID: fields["machine_id"],
		RunID:     fields["run_id"],
	}
	if v := fields["target_args"]; v != "" {
		job.TargetArgs = json.RawMessage(v)
	}
	if v := fields["auth_context"]; v != "" {
		job.AuthContext = json.RawMessage(v)
	}
	if v := fields["run_context"]; v != "" {
		job.RunContext = json.RawMessage(v)
	}
	if v := fields["result"]; v != "" {
		job.Result = json.RawMessage(v)
	}
	job.ResultType = ResultType(fields["result_type"])
	job.RemainingAttempts, _ = strconv.Atoi(fields["remaining_attempts"])
	job.TimeoutSeconds, _ = strconv.Atoi(fields["timeout_seconds"])
	job.ApprovalRequested = fields["approval_requested"] == "1"
	switch fields["approved"] {
	case "1":
		v := true
		job.Approved = &v
	case "0":
		v := false
		job.Approved = &v
	}
	job.LastRetrievedAt = unixField(fields, "last_retrieved_at")
	job.ResultedAt = unixField(fields, "resulted_at")
	job.CreatedAt = unixField(fields, "created_at")
	job.UpdatedAt = unixField(fields, "updated_at")
	return job
}

func unixField(fields map[string]string, name string) time.Time {
	secs, err := strconv.ParseInt(fields[name], 10, 64)
	if err != nil || secs == 0 {
		return time.Time{}
	}
	return time.Unix(secs, 0).UTC()
}

func toStrings(res any) []string {
	vals, ok := res.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		switch t := v.(type) {
		case string:
			out = append(out, t)
		case int64:
			out = append(out, strconv.FormatInt(t, 10))
		}
	}
	return out
}

// parseRefReply decodes the {applied, target_fn, run_id} shape shared by the
// conditional mutation scripts.
func parseRefReply(jobID string, res any) (*JobRef, bool, error) {
	vals := toStrings(res)
	if len(vals) == 0 || vals[0] != "1" {
		return nil, false, nil
	}
	ref := &JobRef{ID: jobID}
	if len(vals) > 1 {
		ref.TargetFn = vals[1]
	}
	if len(vals) > 2 {
		ref.RunID = vals[2]
	}
	return ref, true, nil
}

const insertScript = `
local key = KEYS[1]
local queue = KEYS[2]
local runSet = KEYS[3]
local id = ARGV[1]
local now = tonumber(ARGV[2])
local hasRun = ARGV[3]
if redis.call("EXISTS", key) == 1 then
  return 0
end
for i = 4, #ARGV, 2 do
  redis.call("HSET", key, ARGV[i], ARGV[i+1])
end
redis.call("ZADD", queue, now, id)
if hasRun == "1" then
  redis.call("SADD", runSet, id)
end
return 1
`

const claimScript = `
local running = KEYS[1]
local limit = tonumber(ARGV[1])
local machine = ARGV[2]
local now = tonumber(ARGV[3])
local prefix = ARGV[4]
local failurePayload = ARGV[5]
local claimed = {}
for i = 2, #KEYS do
  if #claimed >= limit then
    break
  end
  local popped = redis.call("ZPOPMIN", KEYS[i], limit - #claimed)
  for j = 1, #popped, 2 do
    local id = popped[j]
    local key = prefix .. id
    if redis.call("HGET", key, "status") == "pending" then
      local attempts = tonumber(redis.call("HGET", key, "remaining_attempts") or "0")
      if attempts >= 1 then
        redis.call("HSET", key,
          "status", "running",
          "machine_id", machine,
          "last_retrieved_at", now,
          "remaining_attempts", attempts - 1,
          "updated_at", now)
        redis.call("ZADD", running, now, id)
        claimed[#claimed + 1] = id
      else
        redis.call("HSET", key,
          "status", "failure",
          "result", failurePayload,
          "result_type", "rejection",
          "resulted_at", now,
          "updated_at", now)
      end
    end
  end
end
return claimed
`

const persistResultScript = `
local key = KEYS[1]
local running = KEYS[2]
local id = ARGV[1]
local machine = ARGV[2]
local result = ARGV[3]
local resultType = ARGV[4]
local now = tonumber(ARGV[5])
local cachePrefix = ARGV[6]
if redis.call("HGET", key, "status") ~= "running" then
  return {"0"}
end
if redis.call("HGET", key, "machine_id") ~= machine then
  return {"0"}
end
local existing = redis.call("HGET", key, "result_type")
if existing and existing ~= "" then
  return {"0"}
end
local fn = redis.call("HGET", key, "target_fn")
local run = redis.call("HGET", key, "run_id") or ""
redis.call("HSET", key,
  "status", "success",
  "result", result,
  "result_type", resultType,
  "resulted_at", now,
  "machine_id", "",
  "updated_at", now)
redis.call("ZREM", running, id)
if resultType == "resolution" then
  local ck = redis.call("HGET", key, "cache_key")
  if ck and ck ~= "" then
    redis.call("ZADD", cachePrefix .. fn .. ":" .. ck, now, id)
  end
end
return {"1", fn, run}
`

const interruptScript = `
local key = KEYS[1]
local running = KEYS[2]
local interrupted = KEYS[3]
local id = ARGV[1]
local machine = ARGV[2]
local wantsApproval = ARGV[3]
local now = tonumber(ARGV[4])
if redis.call("HGET", key, "status") ~= "running" then
  return {"0"}
end
if redis.call("HGET", key, "machine_id") ~= machine then
  return {"0"}
end
local fn = redis.call("HGET", key, "target_fn")
local run = redis.call("HGET", key, "run_id") or ""
redis.call("HSET", key,
  "status", "interrupted",
  "interrupted_at", now,
  "machine_id", "",
  "updated_at", now)
if wantsApproval == "1" then
  redis.call("HSET", key, "approval_requested", "1")
end
redis.call("ZREM", running, id)
redis.call("ZADD", interrupted, now, id)
return {"1", fn, run}
`

const stallScript = `
local key = KEYS[1]
local running = KEYS[2]
local stalled = KEYS[3]
local id = ARGV[1]
local now = tonumber(ARGV[2])
if redis.call("HGET", key, "status") ~= "running" then
  return {"0"}
end
local timeout = tonumber(redis.call("HGET", key, "timeout_seconds") or "0")
if timeout <= 0 then
  return {"0"}
end
local last = tonumber(redis.call("HGET", key, "last_retrieved_at") or "0")
if now - last <= timeout then
  return {"0"}
end
local wantsApproval = redis.call("HGET", key, "approval_requested")
local approved = redis.call("HGET", key, "approved")
if wantsApproval == "1" and (not approved or approved == "") then
  return {"0"}
end
local fn = redis.call("HGET", key, "target_fn")
local run = redis.call("HGET", key, "run_id") or ""
redis.call("HSET", key,
  "status", "stalled",
  "stalled_at", now,
  "machine_id", "",
  "updated_at", now)
redis.call("ZREM", running, id)
redis.call("ZADD", stalled, now, id)
return {"1", fn, run}
`

const recoverScript = `
local key = KEYS[1]
local stalled = KEYS[2]
local id = ARGV[1]
local now = tonumber(ARGV[2])
local queuePrefix = ARGV[3]
local failurePayload = ARGV[4]
if redis.call("HGET", key, "status") ~= "stalled" then
  return {}
end
local fn = redis.call("HGET", key, "target_fn")
local run = redis.call("HGET", key, "run_id") or ""
local attempts = tonumber(redis.call("HGET", key, "remaining_attempts") or "0")
if attempts >= 1 then
  redis.call("HSET", key, "status", "pending", "updated_at", now)
  redis.call("ZREM", stalled, id)
  redis.call("ZADD", queuePrefix .. fn, now, id)
  return {"recovered", fn, run}
end
redis.call("HSET", key,
  "status", "failure",
  "result", failurePayload,
  "result_type", "rejection",
  "resulted_at", now,
  "updated_at", now)
redis.call("ZREM", stalled, id)
return {"exhausted", fn, run}
`

const requeueInterruptedScript = `
local key = KEYS[1]
local interrupted = KEYS[2]
local id = ARGV[1]
local now = tonumber(ARGV[2])
local queuePrefix = ARGV[3]
local failurePayload = ARGV[4]
if redis.call("HGET", key, "status") ~= "interrupted" then
  return {}
end
local wantsApproval = redis.call("HGET", key, "approval_requested")
local approved = redis.call("HGET", key, "approved")
if wantsApproval == "1" and (not approved or approved == "") then
  return {}
end
local fn = redis.call("HGET", key, "target_fn")
local run = redis.call("HGET", key, "run_id") or ""
local attempts = tonumber(redis.call("HGET", key, "remaining_attempts") or "0")
if attempts >= 1 then
  redis.call("HSET", key, "status", "pending", "updated_at", now)
  redis.call("ZREM", interrupted, id)
  redis.call("ZADD", queuePrefix .. fn, now, id)
  return {"recovered", fn, run}
end
redis.call("HSET", key,
  "status", "failure",
  "result", failurePayload,
  "result_type", "rejection",
  "resulted_at", now,
  "updated_at", now)
redis.call("ZREM", interrupted, id)
return {"exhausted", fn, run}
`

const approvalScript = `
local key = KEYS[1]
local interrupted = KEYS[2]
local id = ARGV[1]
local decision = ARGV[2]
local now = tonumber(ARGV[3])
local queuePrefix = ARGV[4]
local deniedPayload = ARGV[5]
if redis.call("EXISTS", key) == 0 then
  return {"0"}
end
if redis.call("HGET", key, "approval_requested") ~= "1" then
  return {"0"}
end
local approved = redis.call("HGET", key, "approved")
if approved == "1" or approved == "0" then
  return {"0"}
end
local fn = redis.call("HGET", key, "target_fn")
local run = redis.call("HGET", key, "run_id") or ""
if decision == "1" then
  local attempts = tonumber(redis.call("HGET", key, "remaining_attempts") or "0")
  redis.call("HSET", key,
    "approved", "1",
    "status", "pending",
    "remaining_attempts", attempts + 1,
    "machine_id", "",
    "updated_at", now)
  redis.call("ZREM", interrupted, id)
  redis.call("ZADD", queuePrefix .. fn, now, id)
else
  redis.call("HSET", key,
    "approved", "0",
    "status", "success",
    "result", deniedPayload,
    "result_type", "rejection",
    "resulted_at", now,
    "machine_id", "",
    "updated_at", now)
  redis.call("ZREM", interrupted, id)
end
return {"1", fn, run}
`
