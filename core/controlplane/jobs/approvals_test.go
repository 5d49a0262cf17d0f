package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/toolplane/toolplane/core/infra/events"
)

type recordNotifier struct {
	mu   sync.Mutex
	got  []ApprovalRequest
	fail error
}

func (n *recordNotifier) Notify(_ context.Context, req ApprovalRequest) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, req)
	return n.fail
}

func TestRequestApprovalOnlyFromClaimant(t *testing.T) {
	store, _ := newTestStore(t)
	g := NewGate(store, nil, nil, nil, nil)
	ctx := context.Background()

	insertTestJob(t, store, "j1", 2, 30)
	if _, err := store.ClaimBatch(ctx, "c1", []string{"echo"}, 1, "m1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	ok, err := g.RequestApproval(ctx, "c1", "j1", "m2")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if ok {
		t.Fatal("non-claimant must not raise approval")
	}

	ok, err = g.RequestApproval(ctx, "c1", "j1", "m1")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if !ok {
		t.Fatal("claimant request should apply")
	}
	job, err := store.Get(ctx, "c1", "j1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != StatusInterrupted || !job.ApprovalRequested {
		t.Fatalf("job = %s approval_requested=%v, want interrupted and flagged", job.Status, job.ApprovalRequested)
	}
}

func TestApprovalNotifierFailureDoesNotRollBack(t *testing.T) {
	store, _ := newTestStore(t)
	sink := &recordSink{}
	notifier := &recordNotifier{fail: errors.New("smtp down")}
	g := NewGate(store, sink, nil, nil, notifier)
	ctx := context.Background()

	insertTestJob(t, store, "j1", 2, 30)
	if _, err := store.ClaimBatch(ctx, "c1", []string{"echo"}, 1, "m1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	ok, err := g.RequestApproval(ctx, "c1", "j1", "m1")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if !ok {
		t.Fatal("request should apply despite notifier failure")
	}
	job, err := store.Get(ctx, "c1", "j1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != StatusInterrupted {
		t.Fatalf("status = %s, want interrupted", job.Status)
	}
	if !sink.has(events.TypeApprovalRequested) || !sink.has(events.TypeNotificationFailed) {
		t.Fatalf("events = %v", sink.types())
	}
}

func TestApprovalGrantRequeues(t *testing.T) {
	store, _ := newTestStore(t)
	sink := &recordSink{}
	notifier := &recordNotifier{}
	waker := &recordWaker{}
	g := NewGate(store, sink, nil, waker, notifier)
	ctx := context.Background()

	ok, err := store.Insert(ctx, &Job{
		ID: "j1", ClusterID: "c1", TargetFn: "echo",
		RunID: "r1", RemainingAttempts: 2, TimeoutSeconds: 30,
	})
	if err != nil || !ok {
		t.Fatalf("insert: ok=%v err=%v", ok, err)
	}
	if _, err := store.ClaimBatch(ctx, "c1", []string{"echo"}, 1, "m1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if ok, err := g.RequestApproval(ctx, "c1", "j1", "m1"); err != nil || !ok {
		t.Fatalf("request: ok=%v err=%v", ok, err)
	}
	if len(notifier.got) != 1 || notifier.got[0].JobID != "j1" {
		t.Fatalf("notifier saw %+v", notifier.got)
	}

	ok, err = g.SubmitApproval(ctx, "c1", "j1", true)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if !ok {
		t.Fatal("first decision should apply")
	}
	if !sink.has(events.TypeApprovalGranted) {
		t.Fatalf("events = %v, want approvalGranted", sink.types())
	}
	// The run is woken on a grant just like on a denial.
	if waker.count() != 1 || waker.wakes[0] != "r1" {
		t.Fatalf("wakes = %v, want one wake for r1", waker.wakes)
	}

	// Repeat decisions are silent no-ops.
	ok, err = g.SubmitApproval(ctx, "c1", "j1", false)
	if err != nil {
		t.Fatalf("second decision: %v", err)
	}
	if ok {
		t.Fatal("second decision must not apply")
	}
}

func TestApprovalDenyTerminatesAndWakes(t *testing.T) {
	store, _ := newTestStore(t)
	sink := &recordSink{}
	waker := &recordWaker{}
	g := NewGate(store, sink, nil, waker, nil)
	ctx := context.Background()

	ok, err := store.Insert(ctx, &Job{
		ID: "j1", ClusterID: "c1", TargetFn: "echo",
		RunID: "r1", RemainingAttempts: 2, TimeoutSeconds: 30,
	})
	if err != nil || !ok {
		t.Fatalf("insert: ok=%v err=%v", ok, err)
	}
	if _, err := store.ClaimBatch(ctx, "c1", []string{"echo"}, 1, "m1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if ok, err := g.RequestApproval(ctx, "c1", "j1", "m1"); err != nil || !ok {
		t.Fatalf("request: ok=%v err=%v", ok, err)
	}

	ok, err = g.SubmitApproval(ctx, "c1", "j1", false)
	if err != nil {
		t.Fatalf("deny: %v", err)
	}
	if !ok {
		t.Fatal("deny should apply")
	}
	if !sink.has(events.TypeApprovalDenied) {
		t.Fatalf("events = %v, want approvalDenied", sink.types())
	}
	if waker.count() != 1 {
		t.Fatalf("run woken %d times, want 1", waker.count())
	}
}
