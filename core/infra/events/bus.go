// Package events carries the control plane's fire-and-forget observability
// stream and the run wake-up channel over NATS.
package events

import (
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// Subjects used by the control plane.
const (
	// SubjectEvents carries batched observability events.
	SubjectEvents = "sys.events"
	// SubjectRunWake carries run wake-up triggers consumed by the
	// orchestrator queue group.
	SubjectRunWake = "run.wake"
)

var (
	errNilBus       = errors.New("nats bus not initialized")
	errEmptySubject = errors.New("empty subject")
)

// Bus is a thin wrapper over a NATS connection that speaks JSON payloads.
type Bus struct {
	nc *nats.Conn
}

// NewBus dials NATS at the provided URL.
func NewBus(url string) (*Bus, error) {
	opts := []nats.Option{
		nats.Name("toolplane-bus"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Printf("[BUS] disconnected from NATS: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[BUS] reconnected to NATS at %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Printf("[BUS] connection closed")
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &Bus{nc: nc}, nil
}

// Close shuts down the underlying NATS connection.
func (b *Bus) Close() {
	if b != nil && b.nc != nil {
		b.nc.Close()
	}
}

// Publish sends a JSON-encoded payload on the given subject.
func (b *Bus) Publish(subject string, payload any) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if subject == "" {
		return errEmptySubject
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return b.nc.Publish(subject, data)
}

// Subscribe attaches a subscription that passes raw payload bytes to the
// handler. A non-empty queue joins a queue group so only one member of the
// group receives each message.
func (b *Bus) Subscribe(subject, queue string, handler func(data []byte)) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if subject == "" {
		return errEmptySubject
	}
	if handler == nil {
		return errors.New("nil handler")
	}
	cb := func(msg *nats.Msg) {
		handler(msg.Data)
	}
	if queue == "" {
		_, err := b.nc.Subscribe(subject, cb)
		return err
	}
	_, err := b.nc.QueueSubscribe(subject, queue, cb)
	return err
}

// IsConnected reports whether the NATS connection is up.
func (b *Bus) IsConnected() bool {
	return b != nil && b.nc != nil && b.nc.IsConnected()
}

// ConnectedURL returns the URL of the connected NATS server.
func (b *Bus) ConnectedURL() string {
	if b == nil || b.nc == nil {
		return ""
	}
	return b.nc.ConnectedUrl()
}
