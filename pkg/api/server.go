// Package api serves the instanced HTTP surface.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/openfroyo/instanced/pkg/broadcast"
	"github.com/openfroyo/instanced/pkg/engine"
	"github.com/openfroyo/instanced/pkg/telemetry"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Service is the tenant-scoped orchestration surface the API exposes.
// *engine.Orchestrator implements it.
type Service interface {
	CreateCloudInstance(ctx context.Context, tenant string, req engine.CreateCloudRequest) (*engine.Instance, error)
	LinkLocalInstance(ctx context.Context, tenant string, req engine.LinkLocalRequest) (*engine.Instance, error)
	LinkRemoteInstance(ctx context.Context, tenant string, req engine.LinkRemoteRequest) (*engine.Instance, error)
	RelinkInstance(ctx context.Context, tenant, id string, req engine.RelinkRequest) (*engine.Instance, error)
	SyncInstance(ctx context.Context, tenant, id string) (*engine.Instance, error)
	LoadConfig(ctx context.Context, tenant, id, configurationID string) (*engine.Instance, error)
	DetachConfig(ctx context.Context, tenant, id string) (*engine.Instance, error)
	DeleteInstance(ctx context.Context, tenant, id string) error
	GetInstance(ctx context.Context, tenant, id string) (*engine.Instance, error)
	ListInstances(ctx context.Context, tenant string, filter engine.InstanceFilter) ([]*engine.Instance, error)
	InstanceMetrics(ctx context.Context, tenant, id string, window time.Duration) (*engine.MetricsReport, error)
	InstanceLogs(ctx context.Context, tenant, id string, limit int) (*engine.LogsReport, error)
	Reconcile(ctx context.Context, tenant string) (engine.ReconcileSummary, error)
	SaveConfiguration(ctx context.Context, tenant string, req engine.SaveConfigurationRequest) (*engine.Configuration, error)
	DeleteConfiguration(ctx context.Context, tenant, id string) error
	Hub() broadcast.Hub
}

var _ Service = (*engine.Orchestrator)(nil)

// Options configures a Server.
type Options struct {
	Auth    Authenticator
	Metrics *telemetry.Metrics
	Logger  zerolog.Logger

	// Health reports readiness for /healthz. Nil always reports healthy.
	Health func(ctx context.Context) error

	// StreamBuffer and Heartbeat configure the event stream.
	StreamBuffer int
	Heartbeat    time.Duration
}

// Server routes HTTP requests to the Service.
type Server struct {
	svc     Service
	auth    Authenticator
	stream  *broadcast.StreamHandler
	health  func(ctx context.Context) error
	metrics *telemetry.Metrics
	logger  zerolog.Logger
	handler http.Handler
}

// NewServer creates a Server.
func NewServer(svc Service, opts Options) *Server {
	if opts.StreamBuffer <= 0 {
		opts.StreamBuffer = 64
	}
	s := &Server{
		svc:     svc,
		auth:    opts.Auth,
		stream:  broadcast.NewStreamHandler(svc.Hub(), opts.StreamBuffer, opts.Heartbeat, opts.Logger),
		health:  opts.Health,
		metrics: opts.Metrics,
		logger:  opts.Logger.With().Str("component", "api").Logger(),
	}
	if s.auth == nil {
		s.auth = HeaderAuthenticator{}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET "+s.metrics.Path(), s.metrics.Handler())

	mux.HandleFunc("POST /v1/instances/cloud", s.tenant(s.handleCreateCloud))
	mux.HandleFunc("POST /v1/instances/local", s.tenant(s.handleLinkLocal))
	mux.HandleFunc("POST /v1/instances/remote", s.tenant(s.handleLinkRemote))
	mux.HandleFunc("GET /v1/instances", s.tenant(s.handleList))
	mux.HandleFunc("GET /v1/instances/{id}", s.tenant(s.handleGet))
	mux.HandleFunc("DELETE /v1/instances/{id}", s.tenant(s.handleDelete))
	mux.HandleFunc("POST /v1/instances/{id}/sync", s.tenant(s.handleSync))
	mux.HandleFunc("POST /v1/instances/{id}/relink", s.tenant(s.handleRelink))
	mux.HandleFunc("POST /v1/instances/{id}/config", s.tenant(s.handleLoadConfig))
	mux.HandleFunc("DELETE /v1/instances/{id}/config", s.tenant(s.handleDetachConfig))
	mux.HandleFunc("GET /v1/instances/{id}/metrics", s.tenant(s.handleMetrics))
	mux.HandleFunc("GET /v1/instances/{id}/logs", s.tenant(s.handleLogs))
	mux.HandleFunc("POST /v1/reconcile", s.tenant(s.handleReconcile))
	mux.HandleFunc("PUT /v1/configurations/{id}", s.tenant(s.handleSaveConfiguration))
	mux.HandleFunc("DELETE /v1/configurations/{id}", s.tenant(s.handleDeleteConfiguration))
	mux.HandleFunc("GET "+eventsPath, s.tenant(s.handleEvents))

	s.handler = otelhttp.NewHandler(s.instrument(mux), "instanced-api",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// instrument records per-route request metrics.
func (s *Server) instrument(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		mux.ServeHTTP(rec, r)

		_, route := mux.Handler(r)
		if route == "" {
			route = "unmatched"
		}
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		s.metrics.RecordAPIRequest(route, rec.status, time.Since(start))
		s.logger.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("Request served")
	})
}

// tenant authenticates the request and passes the tenant to next.
func (s *Server) tenant(next func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant, err := s.auth.Authenticate(r)
		if err != nil {
			s.logger.Debug().Err(err).Str("path", r.URL.Path).Msg("Authentication failed")
			w.Header().Set("WWW-Authenticate", `Bearer realm="instanced"`)
			writeError(w, http.StatusUnauthorized, errorDetail{Code: engine.ErrCodeUnauthorized, Message: "authentication required"})
			return
		}
		next(w, r, tenant)
	}
}

// decode reads a JSON body into v, rejecting unknown fields.
func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return engine.NewValidationError("", fmt.Sprintf("invalid JSON body: %v", err))
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateCloud(w http.ResponseWriter, r *http.Request, tenant string) {
	var req engine.CreateCloudRequest
	if err := decode(r, &req); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	inst, err := s.svc.CreateCloudInstance(r.Context(), tenant, req)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, inst)
}

func (s *Server) handleLinkLocal(w http.ResponseWriter, r *http.Request, tenant string) {
	var req engine.LinkLocalRequest
	if err := decode(r, &req); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	inst, err := s.svc.LinkLocalInstance(r.Context(), tenant, req)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

func (s *Server) handleLinkRemote(w http.ResponseWriter, r *http.Request, tenant string) {
	var req engine.LinkRemoteRequest
	if err := decode(r, &req); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	inst, err := s.svc.LinkRemoteInstance(r.Context(), tenant, req)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, tenant string) {
	q := r.URL.Query()
	filter := engine.InstanceFilter{
		Kind:   engine.Kind(q.Get("kind")),
		Status: engine.Status(q.Get("status")),
	}
	instances, err := s.svc.ListInstances(r.Context(), tenant, filter)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if instances == nil {
		instances = []*engine.Instance{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"instances": instances})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, tenant string) {
	inst, err := s.svc.GetInstance(r.Context(), tenant, r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, tenant string) {
	if err := s.svc.DeleteInstance(r.Context(), tenant, r.PathValue("id")); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request, tenant string) {
	inst, err := s.svc.SyncInstance(r.Context(), tenant, r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleRelink(w http.ResponseWriter, r *http.Request, tenant string) {
	var req engine.RelinkRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			s.writeEngineError(w, r, err)
			return
		}
	}
	inst, err := s.svc.RelinkInstance(r.Context(), tenant, r.PathValue("id"), req)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleLoadConfig(w http.ResponseWriter, r *http.Request, tenant string) {
	var req struct {
		ConfigurationID string `json:"configuration_id"`
	}
	if err := decode(r, &req); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if req.ConfigurationID == "" {
		s.writeEngineError(w, r, engine.NewValidationError("configuration_id", "is required"))
		return
	}
	inst, err := s.svc.LoadConfig(r.Context(), tenant, r.PathValue("id"), req.ConfigurationID)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleDetachConfig(w http.ResponseWriter, r *http.Request, tenant string) {
	inst, err := s.svc.DetachConfig(r.Context(), tenant, r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request, tenant string) {
	var window time.Duration
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.writeEngineError(w, r, engine.NewValidationError("window", "must be a positive duration"))
			return
		}
		window = d
	}
	report, err := s.svc.InstanceMetrics(r.Context(), tenant, r.PathValue("id"), window)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request, tenant string) {
	var limit int
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeEngineError(w, r, engine.NewValidationError("limit", "must be a positive integer"))
			return
		}
		limit = n
	}
	report, err := s.svc.InstanceLogs(r.Context(), tenant, r.PathValue("id"), limit)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request, tenant string) {
	summary, err := s.svc.Reconcile(r.Context(), tenant)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleSaveConfiguration(w http.ResponseWriter, r *http.Request, tenant string) {
	var req engine.SaveConfigurationRequest
	if err := decode(r, &req); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	req.ID = r.PathValue("id")
	cfg, err := s.svc.SaveConfiguration(r.Context(), tenant, req)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleDeleteConfiguration(w http.ResponseWriter, r *http.Request, tenant string) {
	if err := s.svc.DeleteConfiguration(r.Context(), tenant, r.PathValue("id")); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, tenant string) {
	s.stream.Serve(w, r, tenant)
}
