package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// envelope is the NATS message body. The tenant travels in the payload rather
// than the subject so tenant ids never need subject escaping.
type envelope struct {
	Tenant string `json:"tenant"`
	Event  Event  `json:"event"`
}

// NATSHub fans events out across daemon processes. Every process publishes to
// one subject and delivers what it receives to its local subscribers.
type NATSHub struct {
	*MemoryHub

	nc      *nats.Conn
	sub     *nats.Subscription
	subject string
	logger  zerolog.Logger
}

// NewNATSHub connects to NATS and starts relaying subject into local.
func NewNATSHub(url, subject string, local *MemoryHub, logger zerolog.Logger) (*NATSHub, error) {
	logger = logger.With().Str("component", "nats-hub").Logger()

	opts := []nats.Option{
		nats.Name("instanced"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	h := &NATSHub{
		MemoryHub: local,
		nc:        nc,
		subject:   subject,
		logger:    logger,
	}

	sub, err := nc.Subscribe(subject, h.relay)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	h.sub = sub

	return h, nil
}

// Broadcast publishes the event for every process, including this one. When
// NATS is unavailable the event is still delivered to local subscribers.
func (h *NATSHub) Broadcast(ctx context.Context, tenant string, event Event) {
	event = event.normalized()

	data, err := json.Marshal(envelope{Tenant: tenant, Event: event})
	if err == nil {
		if h.nc == nil || h.nc.IsClosed() {
			err = nats.ErrConnectionClosed
		} else {
			err = h.nc.Publish(h.subject, data)
		}
	}
	if err != nil {
		h.logger.Warn().Err(err).Str("tenant", tenant).Msg("publish failed, delivering locally")
		h.MemoryHub.Broadcast(ctx, tenant, event)
	}
}

func (h *NATSHub) relay(msg *nats.Msg) {
	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		h.logger.Warn().Err(err).Msg("discarding malformed event")
		return
	}
	if env.Tenant == "" {
		return
	}
	h.MemoryHub.Broadcast(context.Background(), env.Tenant, env.Event)
}

// Close stops relaying and drains the connection.
func (h *NATSHub) Close() error {
	if h.sub != nil {
		_ = h.sub.Unsubscribe()
	}
	if h.nc == nil {
		return nil
	}
	return h.nc.Drain()
}
