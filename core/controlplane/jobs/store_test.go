package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(srv.Close)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewStoreWithClient(client), srv
}

func insertTestJob(t *testing.T, store *Store, id string, attempts, timeoutSeconds int) {
	t.Helper()
	ok, err := store.Insert(context.Background(), &Job{
		ID:                id,
		ClusterID:         "c1",
		TargetFn:          "echo",
		TargetArgs:        json.RawMessage(`{"text":"hi"}`),
		RemainingAttempts: attempts,
		TimeoutSeconds:    timeoutSeconds,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if !ok {
		t.Fatalf("insert %s: expected new row", id)
	}
}

func TestInsertIdempotent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	insertTestJob(t, store, "j1", 3, 30)

	ok, err := store.Insert(ctx, &Job{
		ID: "j1", ClusterID: "c1", TargetFn: "echo", RemainingAttempts: 3,
	})
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if ok {
		t.Fatal("second insert with same id should not create a row")
	}

	job, err := store.Get(ctx, "c1", "j1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != StatusPending {
		t.Fatalf("status = %s, want pending", job.Status)
	}
	if job.RemainingAttempts != 3 {
		t.Fatalf("remaining attempts = %d, want 3", job.RemainingAttempts)
	}
}

func TestClaimBatchMovesToRunning(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	insertTestJob(t, store, "j1", 2, 30)
	insertTestJob(t, store, "j2", 2, 30)

	claimed, err := store.ClaimBatch(ctx, "c1", []string{"echo"}, 10, "m1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("claimed %d jobs, want 2", len(claimed))
	}

	job, err := store.Get(ctx, "c1", claimed[0].ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != StatusRunning {
		t.Fatalf("status = %s, want running", job.Status)
	}
	if job.MachineID != "m1" {
		t.Fatalf("machine = %q, want m1", job.MachineID)
	}
	if job.RemainingAttempts != 1 {
		t.Fatalf("remaining attempts = %d, want 1 after claim", job.RemainingAttempts)
	}

	// Nothing left to claim.
	claimed, err = store.ClaimBatch(ctx, "c1", []string{"echo"}, 10, "m2")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("second claim got %d jobs, want 0", len(claimed))
	}
}

func TestClaimBatchHonorsLimit(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"j1", "j2", "j3"} {
		insertTestJob(t, store, id, 1, 30)
	}

	claimed, err := store.ClaimBatch(ctx, "c1", []string{"echo"}, 2, "m1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("claimed %d jobs, want 2", len(claimed))
	}
}

func TestClaimTerminatesExhaustedJob(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	insertTestJob(t, store, "j1", 0, 30)

	claimed, err := store.ClaimBatch(ctx, "c1", []string{"echo"}, 10, "m1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatal("job with zero attempts should not be claimable")
	}

	// The popped job must not linger pending outside every queue; it ends
	// as a terminal failure the caller can observe.
	job, err := store.Get(ctx, "c1", "j1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != StatusFailure {
		t.Fatalf("status = %s, want failure", job.Status)
	}
	if job.ResultType != ResultRejection {
		t.Fatalf("result type = %s, want rejection", job.ResultType)
	}
}

func TestForceRequeueExhaustsZeroAttemptJob(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	insertTestJob(t, store, "j1", 1, 30)
	if _, err := store.ClaimBatch(ctx, "c1", []string{"echo"}, 1, "m1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, ok, err := store.Interrupt(ctx, "c1", "j1", "m1", false); err != nil || !ok {
		t.Fatalf("interrupt: ok=%v err=%v", ok, err)
	}

	ref, outcome, err := store.RequeueInterrupted(ctx, "c1", "j1")
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if outcome != RecoverExhausted {
		t.Fatalf("outcome = %q, want exhausted", outcome)
	}
	if ref == nil || ref.ID != "j1" {
		t.Fatalf("ref = %+v, want j1", ref)
	}

	job, err := store.Get(ctx, "c1", "j1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != StatusFailure {
		t.Fatalf("status = %s, want failure", job.Status)
	}
	if job.ResultType != ResultRejection {
		t.Fatalf("result type = %s, want rejection", job.ResultType)
	}

	// Terminal means terminal: another sweep finds nothing to do.
	if _, outcome, err := store.RequeueInterrupted(ctx, "c1", "j1"); err != nil || outcome != "" {
		t.Fatalf("second requeue: outcome=%q err=%v", outcome, err)
	}
}

func TestConcurrentClaimersGetOneWinner(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	insertTestJob(t, store, "j1", 2, 30)

	const claimers = 8
	start := make(chan struct{})
	wins := make(chan string, claimers)
	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		machine := fmt.Sprintf("m%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			claimed, err := store.ClaimBatch(ctx, "c1", []string{"echo"}, 1, machine)
			if err != nil {
				t.Errorf("claim from %s: %v", machine, err)
				return
			}
			for range claimed {
				wins <- machine
			}
		}()
	}
	close(start)
	wg.Wait()
	close(wins)

	var winners []string
	for machine := range wins {
		winners = append(winners, machine)
	}
	if len(winners) != 1 {
		t.Fatalf("job claimed %d times by %v, want exactly once", len(winners), winners)
	}

	job, err := store.Get(ctx, "c1", "j1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != StatusRunning || job.MachineID != winners[0] {
		t.Fatalf("job = %s/%s, want running and claimed by %s", job.Status, job.MachineID, winners[0])
	}
}

func TestPersistResultGuards(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	insertTestJob(t, store, "j1", 2, 30)
	if _, err := store.ClaimBatch(ctx, "c1", []string{"echo"}, 1, "m1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Wrong claimant is rejected.
	_, ok, err := store.PersistResult(ctx, "c1", "j1", "m2", json.RawMessage(`{"x":1}`), ResultResolution)
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	if ok {
		t.Fatal("result from non-claimant should be rejected")
	}

	ref, ok, err := store.PersistResult(ctx, "c1", "j1", "m1", json.RawMessage(`{"x":1}`), ResultResolution)
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	if !ok {
		t.Fatal("result from claimant should apply")
	}
	if ref.TargetFn != "echo" {
		t.Fatalf("ref target fn = %q", ref.TargetFn)
	}

	// Second write is a no-op.
	_, ok, err = store.PersistResult(ctx, "c1", "j1", "m1", json.RawMessage(`{"x":2}`), ResultResolution)
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	if ok {
		t.Fatal("second result should be rejected")
	}

	job, err := store.Get(ctx, "c1", "j1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != StatusSuccess || job.ResultType != ResultResolution {
		t.Fatalf("job = %s/%s, want success/resolution", job.Status, job.ResultType)
	}
	if string(job.Result) != `{"x":1}` {
		t.Fatalf("result = %s, want first write to stick", job.Result)
	}
}

func TestStallAndRecover(t *testing.T) {
	store, srv := newTestStore(t)
	ctx := context.Background()

	insertTestJob(t, store, "j1", 2, 1)
	if _, err := store.ClaimBatch(ctx, "c1", []string{"echo"}, 1, "m1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Within timeout nothing stalls.
	_, ok, err := store.MarkStalled(ctx, "c1", "j1")
	if err != nil {
		t.Fatalf("stall: %v", err)
	}
	if ok {
		t.Fatal("job within timeout should not stall")
	}

	// Push the claim into the past.
	srv.HSet(jobKey("c1", "j1"), "last_retrieved_at", "100")

	ref, ok, err := store.MarkStalled(ctx, "c1", "j1")
	if err != nil {
		t.Fatalf("stall: %v", err)
	}
	if !ok {
		t.Fatal("silent job past timeout should stall")
	}
	if ref.TargetFn != "echo" {
		t.Fatalf("ref target fn = %q", ref.TargetFn)
	}

	// One attempt remains, so recovery requeues.
	_, outcome, err := store.RecoverStalled(ctx, "c1", "j1")
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if outcome != RecoverRequeued {
		t.Fatalf("outcome = %s, want recovered", outcome)
	}
	job, err := store.Get(ctx, "c1", "j1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != StatusPending {
		t.Fatalf("status = %s, want pending after recovery", job.Status)
	}

	// Claim again (last attempt), stall again, and the job exhausts.
	if _, err := store.ClaimBatch(ctx, "c1", []string{"echo"}, 1, "m1"); err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	srv.HSet(jobKey("c1", "j1"), "last_retrieved_at", "100")
	if _, ok, err = store.MarkStalled(ctx, "c1", "j1"); err != nil || !ok {
		t.Fatalf("second stall: ok=%v err=%v", ok, err)
	}
	_, outcome, err = store.RecoverStalled(ctx, "c1", "j1")
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if outcome != RecoverExhausted {
		t.Fatalf("outcome = %s, want exhausted", outcome)
	}
	job, err = store.Get(ctx, "c1", "j1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != StatusFailure || job.ResultType != ResultRejection {
		t.Fatalf("job = %s/%s, want failure/rejection", job.Status, job.ResultType)
	}

	// Terminal rows never come back.
	claimed, err := store.ClaimBatch(ctx, "c1", []string{"echo"}, 10, "m1")
	if err != nil {
		t.Fatalf("claim after exhaustion: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatal("exhausted job must not be claimable")
	}
}

func TestStallExemptsApprovalPending(t *testing.T) {
	store, srv := newTestStore(t)
	ctx := context.Background()

	insertTestJob(t, store, "j1", 2, 1)
	if _, err := store.ClaimBatch(ctx, "c1", []string{"echo"}, 1, "m1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	srv.HSet(jobKey("c1", "j1"), "approval_requested", "1")
	srv.HSet(jobKey("c1", "j1"), "last_retrieved_at", "100")

	_, ok, err := store.MarkStalled(ctx, "c1", "j1")
	if err != nil {
		t.Fatalf("stall: %v", err)
	}
	if ok {
		t.Fatal("job awaiting approval must not stall")
	}
}

func TestInterruptAndRequeue(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	insertTestJob(t, store, "j1", 2, 30)
	if _, err := store.ClaimBatch(ctx, "c1", []string{"echo"}, 1, "m1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Only the claimant may interrupt.
	_, ok, err := store.Interrupt(ctx, "c1", "j1", "m2", false)
	if err != nil {
		t.Fatalf("interrupt: %v", err)
	}
	if ok {
		t.Fatal("interrupt from non-claimant should be rejected")
	}

	_, ok, err = store.Interrupt(ctx, "c1", "j1", "m1", false)
	if err != nil {
		t.Fatalf("interrupt: %v", err)
	}
	if !ok {
		t.Fatal("interrupt from claimant should apply")
	}
	job, err := store.Get(ctx, "c1", "j1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != StatusInterrupted {
		t.Fatalf("status = %s, want interrupted", job.Status)
	}

	_, outcome, err := store.RequeueInterrupted(ctx, "c1", "j1")
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if outcome != RecoverRequeued {
		t.Fatalf("outcome = %q, want requeued", outcome)
	}
	job, err = store.Get(ctx, "c1", "j1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != StatusPending {
		t.Fatalf("status = %s, want pending", job.Status)
	}
}

func TestApprovalApprove(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	insertTestJob(t, store, "j1", 2, 30)
	if _, err := store.ClaimBatch(ctx, "c1", []string{"echo"}, 1, "m1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, ok, err := store.Interrupt(ctx, "c1", "j1", "m1", true); err != nil || !ok {
		t.Fatalf("interrupt for approval: ok=%v err=%v", ok, err)
	}

	// Approval-pending jobs are shielded from force requeue.
	_, outcome, err := store.RequeueInterrupted(ctx, "c1", "j1")
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if outcome != "" {
		t.Fatal("approval-pending job must not be force requeued")
	}

	decision, ok, err := store.SubmitApproval(ctx, "c1", "j1", true)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if !ok || !decision.Approved {
		t.Fatal("first approval should apply")
	}

	job, err := store.Get(ctx, "c1", "j1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != StatusPending {
		t.Fatalf("status = %s, want pending after approve", job.Status)
	}
	// The attempt consumed by the original claim is restored.
	if job.RemainingAttempts != 2 {
		t.Fatalf("remaining attempts = %d, want 2", job.RemainingAttempts)
	}
	if job.Approved == nil || !*job.Approved {
		t.Fatal("approved flag should be set")
	}

	// The claimant sees the grant on re-claim.
	claimed, err := store.ClaimBatch(ctx, "c1", []string{"echo"}, 1, "m2")
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].Approved == nil || !*claimed[0].Approved {
		t.Fatalf("reclaim should surface the approval, got %+v", claimed)
	}

	// A second decision is a silent no-op.
	_, ok, err = store.SubmitApproval(ctx, "c1", "j1", false)
	if err != nil {
		t.Fatalf("second decision: %v", err)
	}
	if ok {
		t.Fatal("second decision should not apply")
	}
}

func TestApprovalDeny(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	insertTestJob(t, store, "j1", 2, 30)
	if _, err := store.ClaimBatch(ctx, "c1", []string{"echo"}, 1, "m1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, ok, err := store.Interrupt(ctx, "c1", "j1", "m1", true); err != nil || !ok {
		t.Fatalf("interrupt for approval: ok=%v err=%v", ok, err)
	}

	decision, ok, err := store.SubmitApproval(ctx, "c1", "j1", false)
	if err != nil {
		t.Fatalf("deny: %v", err)
	}
	if !ok || decision.Approved {
		t.Fatal("deny should apply")
	}

	job, err := store.Get(ctx, "c1", "j1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != StatusSuccess || job.ResultType != ResultRejection {
		t.Fatalf("job = %s/%s, want success/rejection", job.Status, job.ResultType)
	}
	if string(job.Result) != deniedResultPayload {
		t.Fatalf("result = %s, want denial payload", job.Result)
	}
	if job.Approved == nil || *job.Approved {
		t.Fatal("approved flag should record the denial")
	}
}

func TestCachedResolution(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	ok, err := store.Insert(ctx, &Job{
		ID: "j1", ClusterID: "c1", TargetFn: "echo",
		CacheKey: "k1", RemainingAttempts: 1, TimeoutSeconds: 30,
	})
	if err != nil || !ok {
		t.Fatalf("insert: ok=%v err=%v", ok, err)
	}
	if _, err := store.ClaimBatch(ctx, "c1", []string{"echo"}, 1, "m1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, ok, err := store.PersistResult(ctx, "c1", "j1", "m1", json.RawMessage(`{"v":1}`), ResultResolution); err != nil || !ok {
		t.Fatalf("persist: ok=%v err=%v", ok, err)
	}

	id, hit, err := store.CachedResolution(ctx, "c1", "echo", "k1", time.Hour)
	if err != nil {
		t.Fatalf("cache lookup: %v", err)
	}
	if !hit || id != "j1" {
		t.Fatalf("cache lookup = (%q, %v), want hit on j1", id, hit)
	}

	// Different key or zero TTL misses.
	if _, hit, _ := store.CachedResolution(ctx, "c1", "echo", "k2", time.Hour); hit {
		t.Fatal("different cache key should miss")
	}
	if _, hit, _ := store.CachedResolution(ctx, "c1", "echo", "k1", 0); hit {
		t.Fatal("zero TTL should never hit")
	}
}

func TestJobsForRun(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"j1", "j2"} {
		ok, err := store.Insert(ctx, &Job{
			ID: id, ClusterID: "c1", TargetFn: "echo",
			RunID: "r1", RemainingAttempts: 1, TimeoutSeconds: 30,
		})
		if err != nil || !ok {
			t.Fatalf("insert %s: ok=%v err=%v", id, ok, err)
		}
	}

	all, err := store.JobsForRun(ctx, "c1", "r1")
	if err != nil {
		t.Fatalf("jobs for run: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d jobs, want 2", len(all))
	}

	if _, err := store.ClaimBatch(ctx, "c1", []string{"echo"}, 1, "m1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	claimed, err := store.ClaimBatch(ctx, "c1", []string{"echo"}, 1, "m1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	_ = claimed

	outstanding, err := store.OutstandingForRun(ctx, "c1", "r1")
	if err != nil {
		t.Fatalf("outstanding: %v", err)
	}
	if len(outstanding) != 2 {
		t.Fatalf("running jobs are outstanding, got %d", len(outstanding))
	}

	if _, ok, err := store.PersistResult(ctx, "c1", "j1", "m1", json.RawMessage(`{}`), ResultResolution); err != nil || !ok {
		t.Fatalf("persist j1: ok=%v err=%v", ok, err)
	}
	outstanding, err = store.OutstandingForRun(ctx, "c1", "r1")
	if err != nil {
		t.Fatalf("outstanding: %v", err)
	}
	if len(outstanding) != 1 || outstanding[0].ID != "j2" {
		t.Fatalf("outstanding = %+v, want only j2", outstanding)
	}
}
