// Package server provides the HTTP server hosting the cache controller
// in front of the Furanomi origin.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/furanomi/furanomi-sw/expiration"
	"github.com/furanomi/furanomi-sw/platform"
	"github.com/furanomi/furanomi-sw/push"
	"github.com/furanomi/furanomi-sw/store"
	"github.com/furanomi/furanomi-sw/telemetry"
	"github.com/furanomi/furanomi-sw/worker"
)

// maxControlBody bounds request bodies on the control endpoints.
const maxControlBody = 64 << 10

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// Origin is the public origin pages are served from. Intercepted
	// requests are resolved against it before routing.
	Origin *url.URL

	// AuthToken protects the control endpoints. Empty disables auth.
	AuthToken string

	// Logger for the server
	Logger *slog.Logger
}

// Deps are the components the server exposes.
type Deps struct {
	Worker  *worker.Worker
	Storage store.Storage
	// Hub, Bridge and Reaper are optional.
	Hub    *platform.Hub
	Bridge *push.Bridge
	Reaper *expiration.Reaper
}

// Server is the HTTP server for the cache controller.
type Server struct {
	config     Config
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger

	worker  *worker.Worker
	storage store.Storage
	hub     *platform.Hub
	bridge  *push.Bridge
	reaper  *expiration.Reaper
}

// New creates a new server with the given configuration.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Worker == nil {
		return nil, errors.New("server: worker is required")
	}
	if deps.Storage == nil {
		return nil, errors.New("server: storage is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.Origin == nil {
		cfg.Origin = &url.URL{Scheme: "http", Host: "localhost"}
	}

	s := &Server{
		config:  cfg,
		logger:  cfg.Logger,
		worker:  deps.Worker,
		storage: deps.Storage,
		hub:     deps.Hub,
		bridge:  deps.Bridge,
		reaper:  deps.Reaper,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.handler = s.loggingMiddleware(s.authMiddleware(mux))

	s.httpServer = &http.Server{
		Addr:        cfg.Address,
		Handler:     s.handler,
		ReadTimeout: 30 * time.Second,
		// Event streams stay open, so there is no write timeout.
		IdleTimeout: 60 * time.Second,
	}

	return s, nil
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Worker control endpoints
	mux.HandleFunc("POST /_sw/activate", s.handleActivate)
	mux.HandleFunc("POST /_sw/push", s.handlePush)
	mux.HandleFunc("POST /_sw/notificationclick", s.handleNotificationClick)

	// Page-facing endpoints
	if s.hub != nil {
		mux.Handle("GET /_sw/clients", s.hub)
	}
	if s.bridge != nil {
		mux.HandleFunc("GET /_sw/subscription", s.handleSubscriptionStatus)
		mux.HandleFunc("POST /_sw/subscription", s.handleSubscribe)
		mux.HandleFunc("DELETE /_sw/subscription", s.handleUnsubscribe)
	}

	// Everything else is an intercepted application request.
	mux.HandleFunc("/", s.handleFetch)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.worker.Version(),
		"state":   s.worker.State().String(),
	})
}

type statsResponse struct {
	Version string       `json:"version"`
	State   string       `json:"state"`
	Clients int          `json:"clients"`
	Buckets []string     `json:"buckets"`
	Storage *store.Stats `json:"storage,omitempty"`
}

// handleStats handles cache statistics requests.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	names, err := s.storage.Keys(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	resp := statsResponse{
		Version: s.worker.Version(),
		State:   s.worker.State().String(),
		Buckets: names,
	}
	if s.hub != nil {
		resp.Clients = s.hub.Len()
	}
	if sr, ok := s.storage.(store.StatsReporter); ok {
		stats, err := sr.Stats(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		resp.Storage = &stats
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	err := s.worker.Activate(r.Context())
	resp := map[string]any{
		"version": s.worker.Version(),
		"state":   s.worker.State().String(),
	}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxControlBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.worker.DispatchPush(r.Context(), data); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type notificationClickRequest struct {
	Notification worker.Notification `json:"notification"`
	Action       string              `json:"action"`
}

func (s *Server) handleNotificationClick(w http.ResponseWriter, r *http.Request) {
	var req notificationClickRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxControlBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
		return
	}
	if err := s.worker.DispatchNotificationClick(r.Context(), req.Notification, req.Action); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type subscriptionResponse struct {
	Subscription *push.Subscription `json:"subscription"`
}

func (s *Server) handleSubscriptionStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, subscriptionResponse{Subscription: s.bridge.Status(r.Context())})
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, subscriptionResponse{Subscription: s.bridge.Subscribe(r.Context())})
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if err := s.bridge.Unsubscribe(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleFetch passes an application request through the worker and
// copies the result back to the client.
func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	req := r.Clone(r.Context())
	req.RequestURI = ""
	u := *r.URL
	u.Scheme = s.config.Origin.Scheme
	u.Host = s.config.Origin.Host
	req.URL = &u
	req.Host = s.config.Origin.Host

	resp, err := s.worker.HandleFetch(r.Context(), req)
	if err != nil {
		s.logger.Debug("fetch failed", "url", u.String(), "error", err)
		writeError(w, http.StatusBadGateway, errors.New("upstream unavailable"))
		return
	}
	defer func() { _ = resp.Body.Close() }()

	header := w.Header()
	for k, vs := range resp.Header {
		if isHopByHop(k) {
			continue
		}
		header[k] = append([]string(nil), vs...)
	}
	w.WriteHeader(resp.StatusCode)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		s.logger.Debug("copying response failed", "url", u.String(), "error", err)
	}
}

var hopByHop = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func isHopByHop(header string) bool {
	for _, h := range hopByHop {
		if strings.EqualFold(h, header) {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so the router can set category, rule and cache_result.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,

			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}

		if tags.Category != "" {
			attrs = append(attrs, "category", tags.Category)
		}
		if tags.Rule != "" {
			attrs = append(attrs, "rule", tags.Rule)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the server.
func (s *Server) Start() error {
	if s.reaper != nil {
		s.logger.Info("starting cache reaper")
		s.reaper.Start(context.Background())
	}

	s.logger.Info("starting server", "address", s.config.Address, "origin", s.config.Origin.String())
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server and waits for worker work
// still running after its response was sent.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	if s.reaper != nil {
		s.reaper.Stop()
	}

	err := s.httpServer.Shutdown(ctx)
	if derr := s.worker.Drain(ctx); derr != nil {
		err = errors.Join(err, fmt.Errorf("draining worker: %w", derr))
	}
	return err
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
