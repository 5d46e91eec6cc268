package broadcast

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// StreamHandler serves a tenant's events as newline-delimited JSON over a
// long-lived HTTP response.
type StreamHandler struct {
	hub       Hub
	buffer    int
	heartbeat time.Duration
	logger    zerolog.Logger
}

// NewStreamHandler creates a stream handler. A zero heartbeat disables heartbeats.
func NewStreamHandler(hub Hub, buffer int, heartbeat time.Duration, logger zerolog.Logger) *StreamHandler {
	return &StreamHandler{
		hub:       hub,
		buffer:    buffer,
		heartbeat: heartbeat,
		logger:    logger.With().Str("component", "stream").Logger(),
	}
}

// Serve streams events for tenant until the client disconnects or the hub drops
// the channel.
func (s *StreamHandler) Serve(w http.ResponseWriter, r *http.Request, tenant string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sink := NewChannelSink(s.buffer)
	id := s.hub.Subscribe(tenant, sink)
	defer func() {
		s.hub.Unsubscribe(tenant, id)
		sink.Close()
	}()

	var tick <-chan time.Time
	if s.heartbeat > 0 {
		ticker := time.NewTicker(s.heartbeat)
		defer ticker.Stop()
		tick = ticker.C
	}

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-sink.Events():
			if !ok {
				return
			}
			if err := enc.Encode(event); err != nil {
				s.logger.Debug().Err(err).Str("tenant", tenant).Msg("stream write failed")
				return
			}
			flusher.Flush()
		case <-tick:
			if err := enc.Encode(Event{Type: EventTypeHeartbeat, Timestamp: time.Now().UTC()}.normalized()); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
