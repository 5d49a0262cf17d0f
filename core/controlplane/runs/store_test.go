package runs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/toolplane/toolplane/core/controlplane/faults"
)

func newTestStore(t *testing.T) (*Store, *redis.Client) {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(srv.Close)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewStoreWithClient(client), client
}

func TestCreateAndGetRun(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	run := &Run{
		ClusterID:    "c1",
		Name:         "research",
		SystemPrompt: "be useful",
		AllowedTools: []string{"search"},
	}
	if err := store.Create(ctx, run); err != nil {
		t.Fatalf("create: %v", err)
	}
	if run.ID == "" {
		t.Fatal("create should assign an id")
	}

	got, err := store.Get(ctx, "c1", run.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusPending || got.Name != "research" {
		t.Fatalf("got %+v", got)
	}

	// Duplicate create is rejected.
	dup := &Run{ID: run.ID, ClusterID: "c1"}
	if err := store.Create(ctx, dup); err == nil {
		t.Fatal("duplicate create should fail")
	}

	_, err = store.Get(ctx, "c1", "missing")
	var nf *faults.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("err = %v, want NotFoundError", err)
	}
}

func TestListNewestFirst(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"r1", "r2"} {
		if err := store.Create(ctx, &Run{ID: id, ClusterID: "c1"}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	ids, err := store.List(ctx, "c1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("listed %d runs, want 2", len(ids))
	}
}

func TestTranscriptAppendOrder(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, &Run{ID: "r1", ClusterID: "c1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, text := range []string{"first", "second"} {
		msg := &Message{RunID: "r1", Type: MessageHuman, Data: json.RawMessage(`"` + text + `"`)}
		if err := store.AppendMessage(ctx, "c1", msg); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	msgs, err := store.Messages(ctx, "c1", "r1")
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if string(msgs[0].Data) != `"first"` || string(msgs[1].Data) != `"second"` {
		t.Fatalf("order wrong: %s then %s", msgs[0].Data, msgs[1].Data)
	}
	if msgs[0].ID == "" || msgs[0].At.IsZero() {
		t.Fatal("append should stamp id and time")
	}
}

func TestMarkResultConsumedOnce(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	first, err := store.MarkResultConsumed(ctx, "c1", "r1", "j1")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	second, err := store.MarkResultConsumed(ctx, "c1", "r1", "j1")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if !first || second {
		t.Fatalf("consumed = (%v, %v), want (true, false)", first, second)
	}
}
