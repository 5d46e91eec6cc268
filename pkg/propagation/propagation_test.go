package propagation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"filippo.io/age"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/instanced/pkg/engine"
	"github.com/openfroyo/instanced/pkg/secrets"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Timeout = 2 * time.Second
	cfg.ProbeTimeout = time.Second
	client, err := NewClient(cfg, false, zerolog.Nop())
	require.NoError(t, err)
	return client
}

// fakeInstance emulates the control protocol of a running instance.
type fakeInstance struct {
	token      string
	pushStatus int
	pushBody   string
	marker     string
	healthCode int

	mu       sync.Mutex
	received []engine.ConfigPayload
}

func (f *fakeInstance) payloads() []engine.ConfigPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.ConfigPayload(nil), f.received...)
}

func (f *fakeInstance) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if f.token != "" && r.Header.Get("Authorization") != "Bearer "+f.token {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	switch r.URL.Path {
	case "/health":
		code := f.healthCode
		if code == 0 {
			code = http.StatusOK
		}
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]string{"service": f.marker, "status": "ok"})
	case "/control/config":
		var p engine.ConfigPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.received = append(f.received, p)
		f.mu.Unlock()
		status := f.pushStatus
		if status == 0 {
			status = http.StatusNoContent
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(f.pushBody))
	default:
		http.NotFound(w, r)
	}
}

func TestPushClassification(t *testing.T) {
	tests := []struct {
		name     string
		instance *fakeInstance
		token    string
		wantCode string
	}{
		{"accepted", &fakeInstance{}, "", ""},
		{"accepted with token", &fakeInstance{token: "tok"}, "tok", ""},
		{"wrong token", &fakeInstance{token: "tok"}, "other", engine.ErrCodeUnauthorized},
		{"invalid token body", &fakeInstance{pushStatus: http.StatusBadRequest, pushBody: `{"error":"invalid_token"}`}, "", engine.ErrCodeUnauthorized},
		{"server error", &fakeInstance{pushStatus: http.StatusInternalServerError, pushBody: "boom"}, "", engine.ErrCodeRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.instance)
			defer srv.Close()

			err := newTestClient(t).Push(context.Background(), srv.URL+"/", tt.token, &engine.ConfigPayload{
				ConfigurationID: "cfg-1",
				Variables:       map[string]string{"A": "1"},
			})
			if tt.wantCode == "" {
				require.NoError(t, err)
				got := tt.instance.payloads()
				require.Len(t, got, 1)
				assert.Equal(t, "cfg-1", got[0].ConfigurationID)
				assert.Equal(t, "1", got[0].Variables["A"])
				return
			}
			assert.Equal(t, tt.wantCode, engine.CodeOf(err))
		})
	}
}

func TestSummarizeKeepsRunesWhole(t *testing.T) {
	long := strings.Repeat("a", maxSummary-1) + strings.Repeat("é", 10)
	got := summarize(long)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("a", maxSummary-1)+"...", got)

	assert.Equal(t, "empty response", summarize("  \n"))
	assert.Equal(t, "short", summarize(" short "))

	srv := httptest.NewServer(&fakeInstance{pushStatus: http.StatusInternalServerError, pushBody: strings.Repeat("ü", 150)})
	defer srv.Close()
	err := newTestClient(t).Push(context.Background(), srv.URL, "", &engine.ConfigPayload{})
	require.Error(t, err)
	assert.Equal(t, engine.ErrCodeRejected, engine.CodeOf(err))
	assert.True(t, utf8.ValidString(err.Error()))
}

func TestPushUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	err := newTestClient(t).Push(context.Background(), addr, "", &engine.ConfigPayload{})
	assert.Equal(t, engine.ErrCodeUnreachable, engine.CodeOf(err))
	assert.True(t, engine.IsTransient(err))
}

func TestPushTimeoutIsUnreachable(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	cfg := DefaultConfig()
	cfg.Timeout = 50 * time.Millisecond
	client, err := NewClient(cfg, false, zerolog.Nop())
	require.NoError(t, err)

	err = client.Push(context.Background(), srv.URL, "", &engine.ConfigPayload{})
	assert.Equal(t, engine.ErrCodeUnreachable, engine.CodeOf(err))
}

func TestProbeClassification(t *testing.T) {
	marker := DefaultConfig().HealthMarker
	tests := []struct {
		name     string
		handler  http.Handler
		wantCode string
	}{
		{"healthy", &fakeInstance{marker: marker}, ""},
		{"foreign service", &fakeInstance{marker: "nginx"}, engine.ErrCodeForeignEndpoint},
		{"html page", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("<html>hello</html>"))
		}), engine.ErrCodeForeignEndpoint},
		{"not found", http.NotFoundHandler(), engine.ErrCodeForeignEndpoint},
		{"unauthorized", &fakeInstance{marker: marker, token: "secret"}, engine.ErrCodeUnauthorized},
		{"ours but unhealthy", &fakeInstance{marker: marker, healthCode: http.StatusServiceUnavailable}, engine.ErrCodeRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			err := newTestClient(t).Probe(context.Background(), srv.URL, "")
			if tt.wantCode == "" {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, tt.wantCode, engine.CodeOf(err))
		})
	}
}

func TestProbeFailureDrivesStatus(t *testing.T) {
	srv := httptest.NewServer(&fakeInstance{marker: "someone-else"})
	defer srv.Close()

	err := newTestClient(t).Probe(context.Background(), srv.URL, "")
	assert.Equal(t, engine.StatusUnlinked, engine.StatusAfterProbeFailure(err))
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.ControlPath = "control"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.HealthMarker = ""
	assert.Error(t, cfg.Validate())

	_, err := NewClient(Config{}, false, zerolog.Nop())
	assert.Error(t, err)
}

func newTestSealer(t *testing.T) *secrets.AgeSealer {
	t.Helper()
	id, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	sealer, err := secrets.NewAgeSealer(id)
	require.NoError(t, err)
	return sealer
}

func TestResolver(t *testing.T) {
	sealer := newTestSealer(t)
	resolver, err := NewResolver(DefaultConfig(), sealer, zerolog.Nop())
	require.NoError(t, err)

	sealed, err := sealer.Seal([]byte("tok"))
	require.NoError(t, err)

	target, err := resolver.Resolve(&engine.Instance{ID: "l", Kind: engine.KindLocal, Port: 8123, SealedToken: sealed})
	require.NoError(t, err)
	assert.Equal(t, engine.KindLocal, target.Kind())
	assert.Equal(t, "http://127.0.0.1:8123", target.Address())
	assert.Equal(t, "tok", target.(*LocalTarget).token)

	target, err = resolver.Resolve(&engine.Instance{ID: "r", Kind: engine.KindRemote, Address: "https://r.example.com"})
	require.NoError(t, err)
	assert.IsType(t, &RemoteTarget{}, target)

	_, err = resolver.Resolve(&engine.Instance{ID: "c", Kind: engine.KindCloud})
	assert.Equal(t, engine.ErrCodeUnreachable, engine.CodeOf(err))

	_, err = resolver.Resolve(&engine.Instance{ID: "x", Kind: engine.KindRemote, Address: "https://r.example.com", SealedToken: "garbage"})
	assert.Equal(t, engine.ErrCodeDecryptFailed, engine.CodeOf(err))
}

func TestTargetRoundTrip(t *testing.T) {
	inst := &fakeInstance{token: "tok", marker: DefaultConfig().HealthMarker}
	srv := httptest.NewServer(inst)
	defer srv.Close()

	target := NewCloudTarget(newTestClient(t), srv.URL, "tok")
	require.NoError(t, target.Probe(context.Background()))
	require.NoError(t, target.PushConfig(context.Background(), &engine.ConfigPayload{Name: "app"}))
	got := inst.payloads()
	require.Len(t, got, 1)
	assert.Equal(t, "app", got[0].Name)
}
