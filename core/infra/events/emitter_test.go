package events

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type capturePublisher struct {
	mu       sync.Mutex
	failures int
	batches  [][]Event
	subjects []string
}

func (p *capturePublisher) Publish(subject string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return errors.New("sink unavailable")
	}
	batch, ok := payload.([]Event)
	if !ok {
		return errors.New("unexpected payload type")
	}
	p.batches = append(p.batches, batch)
	p.subjects = append(p.subjects, subject)
	return nil
}

func (p *capturePublisher) total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, b := range p.batches {
		n += len(b)
	}
	return n
}

func TestEmitterFlushesOnClose(t *testing.T) {
	pub := &capturePublisher{}
	em := NewEmitter(pub)

	for i := 0; i < 5; i++ {
		em.Emit(Event{Type: TypeJobCreated, JobID: "j1", ClusterID: "default"})
	}
	em.Close()

	if got := pub.total(); got != 5 {
		t.Fatalf("expected 5 events flushed, got %d", got)
	}
	pub.mu.Lock()
	defer pub.mu.Unlock()
	if pub.subjects[0] != SubjectEvents {
		t.Fatalf("expected subject %s, got %s", SubjectEvents, pub.subjects[0])
	}
	if pub.batches[0][0].At.IsZero() {
		t.Fatalf("expected emit to stamp timestamps")
	}
}

func TestEmitterRetriesPublish(t *testing.T) {
	pub := &capturePublisher{failures: 2}
	em := NewEmitter(pub)

	em.Emit(Event{Type: TypeJobResulted, JobID: "j2"})
	em.Close()

	if got := pub.total(); got != 1 {
		t.Fatalf("expected event delivered after retries, got %d", got)
	}
}

func TestEmitterPeriodicFlush(t *testing.T) {
	pub := &capturePublisher{}
	em := NewEmitter(pub)
	defer em.Close()

	em.Emit(Event{Type: TypeJobStalled, JobID: "j3"})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if pub.total() == 1 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("event was not flushed by the periodic timer")
}
