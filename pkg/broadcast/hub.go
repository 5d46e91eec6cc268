// Package broadcast distributes lifecycle events to per-tenant sets of open
// output channels. Delivery is fire-and-forget: there is no replay, and a
// channel that fails a write is dropped without affecting the others.
package broadcast

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/instanced/pkg/telemetry"
)

var (
	// ErrSinkClosed is returned when writing to a closed channel.
	ErrSinkClosed = errors.New("sink closed")

	// ErrSinkFull is returned when a channel's buffer cannot take another event.
	ErrSinkFull = errors.New("sink buffer full")
)

// Sink is one open output channel.
type Sink interface {
	// Send writes the event. A non-nil error removes the sink from the hub.
	Send(event Event) error

	// Close releases the sink. It must be idempotent.
	Close()
}

// Hub is the notification hub.
type Hub interface {
	// Subscribe adds a sink to the tenant's set and returns its subscription id.
	Subscribe(tenant string, sink Sink) string

	// Unsubscribe removes a sink. It reports whether the sink was still registered.
	Unsubscribe(tenant, id string) bool

	// Broadcast writes the event to every open sink of the tenant.
	Broadcast(ctx context.Context, tenant string, event Event)

	// Subscribers returns the number of open sinks of the tenant.
	Subscribers(tenant string) int
}

type subscription struct {
	id   string
	sink Sink
}

// MemoryHub is an in-process Hub.
type MemoryHub struct {
	mu      sync.RWMutex
	tenants map[string]map[string]Sink
	logger  zerolog.Logger
	metrics *telemetry.Metrics
}

// NewMemoryHub creates an empty in-process hub.
func NewMemoryHub(logger zerolog.Logger, metrics *telemetry.Metrics) *MemoryHub {
	return &MemoryHub{
		tenants: make(map[string]map[string]Sink),
		logger:  logger.With().Str("component", "hub").Logger(),
		metrics: metrics,
	}
}

// Subscribe implements Hub.
func (h *MemoryHub) Subscribe(tenant string, sink Sink) string {
	id := uuid.New().String()

	h.mu.Lock()
	set, ok := h.tenants[tenant]
	if !ok {
		set = make(map[string]Sink)
		h.tenants[tenant] = set
	}
	set[id] = sink
	h.mu.Unlock()

	h.metrics.AddSubscribers(1)
	h.logger.Debug().Str("tenant", tenant).Str("subscription", id).Msg("channel opened")
	return id
}

// Unsubscribe implements Hub.
func (h *MemoryHub) Unsubscribe(tenant, id string) bool {
	h.mu.Lock()
	set, ok := h.tenants[tenant]
	if ok {
		_, ok = set[id]
		delete(set, id)
		if len(set) == 0 {
			delete(h.tenants, tenant)
		}
	}
	h.mu.Unlock()

	if ok {
		h.metrics.AddSubscribers(-1)
		h.logger.Debug().Str("tenant", tenant).Str("subscription", id).Msg("channel closed")
	}
	return ok
}

// Broadcast implements Hub. Sinks are written from a snapshot, outside the lock.
func (h *MemoryHub) Broadcast(_ context.Context, tenant string, event Event) {
	event = event.normalized()

	h.mu.RLock()
	set := h.tenants[tenant]
	subs := make([]subscription, 0, len(set))
	for id, sink := range set {
		subs = append(subs, subscription{id: id, sink: sink})
	}
	h.mu.RUnlock()

	delivered, failed := 0, 0
	for _, sub := range subs {
		if err := sub.sink.Send(event); err != nil {
			failed++
			if h.Unsubscribe(tenant, sub.id) {
				sub.sink.Close()
			}
			h.logger.Warn().Err(err).
				Str("tenant", tenant).
				Str("subscription", sub.id).
				Str("event_type", event.Type).
				Msg("dropping channel after failed write")
			continue
		}
		delivered++
	}
	h.metrics.RecordBroadcast(delivered, failed)
}

// Subscribers implements Hub.
func (h *MemoryHub) Subscribers(tenant string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.tenants[tenant])
}

// ChannelSink buffers events for a reader goroutine, typically a stream handler.
type ChannelSink struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// NewChannelSink creates a sink with the given buffer size.
func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelSink{ch: make(chan Event, buffer)}
}

// Send implements Sink. A full buffer counts as a write failure.
func (s *ChannelSink) Send(event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	select {
	case s.ch <- event:
		return nil
	default:
		return ErrSinkFull
	}
}

// Events returns the receive side of the sink. It is closed by Close.
func (s *ChannelSink) Events() <-chan Event {
	return s.ch
}

// Close implements Sink.
func (s *ChannelSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
