package broadcast

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingSink struct {
	closed atomic.Bool
}

func (f *failingSink) Send(Event) error { return errors.New("broken pipe") }
func (f *failingSink) Close()           { f.closed.Store(true) }

func drain(t *testing.T, sink *ChannelSink, n int) []Event {
	t.Helper()
	events := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		select {
		case ev := <-sink.Events():
			events = append(events, ev)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
	return events
}

func TestMemoryHubFanOutIsTenantScoped(t *testing.T) {
	hub := NewMemoryHub(zerolog.Nop(), nil)
	a1, a2, b := NewChannelSink(4), NewChannelSink(4), NewChannelSink(4)
	hub.Subscribe("tenant-a", a1)
	hub.Subscribe("tenant-a", a2)
	hub.Subscribe("tenant-b", b)

	hub.Broadcast(context.Background(), "tenant-a", Event{Type: EventTypeInstanceReady, InstanceID: "i1"})

	for _, sink := range []*ChannelSink{a1, a2} {
		got := drain(t, sink, 1)[0]
		assert.Equal(t, EventTypeInstanceReady, got.Type)
		assert.Equal(t, "i1", got.InstanceID)
		assert.NotEmpty(t, got.ID)
		assert.False(t, got.Timestamp.IsZero())
		assert.Equal(t, EventLevelInfo, got.Level)
	}
	assert.Len(t, b.Events(), 0)
}

func TestMemoryHubDropsOnlyFailingChannel(t *testing.T) {
	hub := NewMemoryHub(zerolog.Nop(), nil)
	good1, good2 := NewChannelSink(4), NewChannelSink(4)
	bad := &failingSink{}
	hub.Subscribe("t", good1)
	hub.Subscribe("t", bad)
	hub.Subscribe("t", good2)
	require.Equal(t, 3, hub.Subscribers("t"))

	hub.Broadcast(context.Background(), "t", Event{Type: EventTypeInstanceStatusChanged})

	assert.Equal(t, 2, hub.Subscribers("t"))
	assert.True(t, bad.closed.Load())
	drain(t, good1, 1)
	drain(t, good2, 1)

	hub.Broadcast(context.Background(), "t", Event{Type: EventTypeInstanceRemoved})
	assert.Equal(t, EventTypeInstanceRemoved, drain(t, good1, 1)[0].Type)
	assert.Equal(t, EventTypeInstanceRemoved, drain(t, good2, 1)[0].Type)
}

func TestMemoryHubFullBufferIsWriteFailure(t *testing.T) {
	hub := NewMemoryHub(zerolog.Nop(), nil)
	slow := NewChannelSink(1)
	hub.Subscribe("t", slow)

	hub.Broadcast(context.Background(), "t", Event{Type: "one"})
	hub.Broadcast(context.Background(), "t", Event{Type: "two"})

	assert.Equal(t, 0, hub.Subscribers("t"))
	ev, ok := <-slow.Events()
	require.True(t, ok)
	assert.Equal(t, "one", ev.Type)
	_, ok = <-slow.Events()
	assert.False(t, ok, "sink must be closed after being dropped")
}

func TestMemoryHubPreservesOrderPerChannel(t *testing.T) {
	hub := NewMemoryHub(zerolog.Nop(), nil)
	sink := NewChannelSink(16)
	hub.Subscribe("t", sink)

	for _, typ := range []string{"a", "b", "c", "d"} {
		hub.Broadcast(context.Background(), "t", Event{Type: typ})
	}

	events := drain(t, sink, 4)
	got := make([]string, 0, 4)
	for _, ev := range events {
		got = append(got, ev.Type)
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, got)
}

func TestMemoryHubUnsubscribe(t *testing.T) {
	hub := NewMemoryHub(zerolog.Nop(), nil)
	sink := NewChannelSink(4)
	id := hub.Subscribe("t", sink)

	assert.True(t, hub.Unsubscribe("t", id))
	assert.False(t, hub.Unsubscribe("t", id))
	assert.False(t, hub.Unsubscribe("other", id))

	hub.Broadcast(context.Background(), "t", Event{Type: "ignored"})
	assert.Len(t, sink.Events(), 0)
}

func TestMemoryHubConcurrentSubscribeDuringBroadcast(t *testing.T) {
	hub := NewMemoryHub(zerolog.Nop(), nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				hub.Broadcast(ctx, "t", Event{Type: "tick"})
			}
		}
	}()

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				sink := NewChannelSink(1024)
				id := hub.Subscribe("t", sink)
				hub.Unsubscribe("t", id)
				sink.Close()
			}
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(stop)
	wg.Wait()
	assert.Equal(t, 0, hub.Subscribers("t"))
}

func TestChannelSinkClosed(t *testing.T) {
	sink := NewChannelSink(0)
	sink.Close()
	sink.Close()
	assert.ErrorIs(t, sink.Send(Event{}), ErrSinkClosed)
}

func TestStreamHandlerEmitsNDJSON(t *testing.T) {
	hub := NewMemoryHub(zerolog.Nop(), nil)
	handler := NewStreamHandler(hub, 8, 0, zerolog.Nop())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.Serve(w, r, "tenant-a")
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return hub.Subscribers("tenant-a") == 1 }, time.Second, 5*time.Millisecond)

	hub.Broadcast(ctx, "tenant-a", Event{Type: EventTypeInstanceCreated, InstanceID: "i1", Status: "creating"})
	hub.Broadcast(ctx, "tenant-a", Event{Type: EventTypeInstanceReady, InstanceID: "i1", Status: "idle"})

	scanner := bufio.NewScanner(resp.Body)
	var got []Event
	for len(got) < 2 && scanner.Scan() {
		var ev Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.Equal(t, EventTypeInstanceCreated, got[0].Type)
	assert.Equal(t, "idle", got[1].Status)

	cancel()
	require.Eventually(t, func() bool { return hub.Subscribers("tenant-a") == 0 }, time.Second, 5*time.Millisecond)
}
