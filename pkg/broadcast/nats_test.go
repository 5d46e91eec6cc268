package broadcast

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNATSHubRelaysByEnvelopeTenant(t *testing.T) {
	local := NewMemoryHub(zerolog.Nop(), nil)
	h := &NATSHub{MemoryHub: local, subject: "instanced.events", logger: zerolog.Nop()}

	a, b := NewChannelSink(4), NewChannelSink(4)
	local.Subscribe("tenant-a", a)
	local.Subscribe("tenant-b", b)

	data, err := json.Marshal(envelope{Tenant: "tenant-a", Event: Event{Type: EventTypeInstanceReady, InstanceID: "i1"}})
	require.NoError(t, err)
	h.relay(&nats.Msg{Subject: h.subject, Data: data})

	got := drain(t, a, 1)[0]
	assert.Equal(t, "i1", got.InstanceID)
	assert.Len(t, b.Events(), 0)
}

func TestNATSHubIgnoresMalformedMessages(t *testing.T) {
	local := NewMemoryHub(zerolog.Nop(), nil)
	h := &NATSHub{MemoryHub: local, logger: zerolog.Nop()}
	sink := NewChannelSink(4)
	local.Subscribe("tenant-a", sink)

	h.relay(&nats.Msg{Data: []byte("{not json")})
	noTenant, err := json.Marshal(envelope{Event: Event{Type: EventTypeInstanceReady}})
	require.NoError(t, err)
	h.relay(&nats.Msg{Data: noTenant})

	assert.Len(t, sink.Events(), 0)
}

func TestNATSHubFallsBackToLocalDelivery(t *testing.T) {
	local := NewMemoryHub(zerolog.Nop(), nil)
	h := &NATSHub{MemoryHub: local, logger: zerolog.Nop()}
	sink := NewChannelSink(4)
	h.Subscribe("tenant-a", sink)

	h.Broadcast(context.Background(), "tenant-a", Event{Type: EventTypeInstanceFailed, InstanceID: "i2"})

	got := drain(t, sink, 1)[0]
	assert.Equal(t, EventTypeInstanceFailed, got.Type)
	assert.NoError(t, h.Close())
}
