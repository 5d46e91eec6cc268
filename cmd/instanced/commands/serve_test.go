package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/instanced/pkg/config"
)

func TestHTTPServerShutdownEndsOpenStreams(t *testing.T) {
	streamDone := make(chan struct{})
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(streamDone)
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"type":"hello"}`)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := newHTTPServer(config.ServerConfig{Listen: ln.Addr().String()}, handler)

	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/v1/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, "hello")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, srv.Shutdown(ctx))
	assert.Less(t, time.Since(start), 2*time.Second)

	select {
	case <-streamDone:
	case <-time.After(time.Second):
		t.Fatal("stream handler still running after shutdown")
	}
	assert.True(t, errors.Is(<-served, http.ErrServerClosed))
}

func TestHTTPServerCarriesTimeouts(t *testing.T) {
	srv := newHTTPServer(config.ServerConfig{
		Listen:       ":8080",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 7 * time.Second,
	}, http.NotFoundHandler())

	assert.Equal(t, ":8080", srv.Addr)
	assert.Equal(t, 5*time.Second, srv.ReadTimeout)
	assert.Equal(t, 7*time.Second, srv.WriteTimeout)
	require.NotNil(t, srv.BaseContext)
	assert.NoError(t, srv.BaseContext(nil).Err())
}
