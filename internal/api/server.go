// Package api serves the agent's local status surface: liveness, the
// current session state and Prometheus metrics. It binds to loopback only.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tuneagent/internal/hazard"
	"tuneagent/internal/metrics"
	"tuneagent/internal/session"
)

type requestContextKey string

const requestIDContextKey requestContextKey = "tuneagent_request_id"

const (
	requestIDHeader    = "X-Request-Id"
	maxRequestIDLength = 128
	problemTypeBaseURI = "https://tuneagent.dev/problems/"
)

type Options struct {
	// Addr is host:port; the host must be a loopback address.
	Addr    string
	Session *session.State
	Flag    *hazard.Flag
	// RemoteState reports the last session state seen by the heartbeat.
	RemoteState       func() string
	Metrics           *metrics.Registry
	RequestsPerMinute int
	Logger            *logrus.Entry
}

type Server struct {
	session *session.State
	flag    *hazard.Flag
	remote  func() string
	metrics *metrics.Registry
	limiter *rateLimiter
	log     *logrus.Entry
	started time.Time
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logrus.WithField("component", "api")
	}
	if opts.RemoteState == nil {
		opts.RemoteState = func() string { return "" }
	}
	return &Server{
		session: opts.Session,
		flag:    opts.Flag,
		remote:  opts.RemoteState,
		metrics: opts.Metrics,
		limiter: newRateLimiter(opts.RequestsPerMinute, nil),
		log:     opts.Logger,
		started: time.Now(),
	}
}

// Handler returns the router with bare and /v1 routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoute(mux, "/healthz", s.handleHealth)
	s.registerRoute(mux, "/v1/healthz", s.handleHealth)
	s.registerRoute(mux, "/state", s.handleState)
	s.registerRoute(mux, "/v1/state", s.handleState)
	s.registerRoute(mux, "/metrics", s.handleMetrics)
	s.registerRoute(mux, "/v1/metrics", s.handleMetrics)
	return mux
}

func (s *Server) registerRoute(mux *http.ServeMux, path string, handler http.HandlerFunc) {
	mux.HandleFunc(path, s.withMiddleware(handler))
}

func (s *Server) withMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		r = withRequestID(r)
		if rid := requestIDFromRequest(r); rid != "" {
			rec.Header().Set(requestIDHeader, rid)
		}
		if !s.limiter.allow(clientIP(r.RemoteAddr)) {
			writeJSONErrorForRequest(rec, r, http.StatusTooManyRequests, "rate limit exceeded")
		} else if r.Method != http.MethodGet && r.Method != http.MethodHead {
			writeJSONErrorForRequest(rec, r, http.StatusMethodNotAllowed, "Method not allowed")
		} else {
			next(rec, r)
		}
		s.log.WithFields(logrus.Fields{
			"path":       r.URL.Path,
			"status":     rec.status,
			"request_id": requestIDFromRequest(r),
		}).Debug("status request")
	}
}

// Start binds addr and serves in the background. The returned func shuts
// the server down gracefully.
func Start(opts Options) (func(), error) {
	addr, err := resolveBindAddr(opts.Addr)
	if err != nil {
		return nil, err
	}
	srv := NewServer(opts)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("status server listen: %w", err)
	}
	server := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		srv.log.WithField("addr", ln.Addr().String()).Info("status server listening")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.log.WithError(err).Warn("status server stopped")
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			srv.log.WithError(err).Warn("status server shutdown failed")
		}
	}, nil
}

// resolveBindAddr refuses anything but a loopback host.
func resolveBindAddr(addr string) (string, error) {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "", fmt.Errorf("status addr %q: %w", addr, err)
	}
	if host == "" || host == "localhost" {
		host = "127.0.0.1"
	}
	if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
		return "", fmt.Errorf("status addr %q: refusing non-loopback host", addr)
	}
	return net.JoinHostPort(host, port), nil
}

type healthResponse struct {
	Status        string `json:"status"`
	Mode          string `json:"mode,omitempty"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok", UptimeSeconds: int64(time.Since(s.started).Seconds())}
	if s.session != nil {
		resp.Mode = s.session.Mode().String()
	}
	writeJSON(w, http.StatusOK, resp)
}

type hazardView struct {
	Fired  bool           `json:"fired"`
	Signal *hazard.Signal `json:"signal,omitempty"`
}

type stateResponse struct {
	Session     *session.Snapshot `json:"session,omitempty"`
	Hazard      hazardView        `json:"hazard"`
	RemoteState string            `json:"remote_state,omitempty"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	var resp stateResponse
	if s.session != nil {
		snap := s.session.Snapshot()
		resp.Session = &snap
	}
	if s.flag != nil {
		if sig, ok := s.flag.Signal(); ok {
			resp.Hazard = hazardView{Fired: true, Signal: &sig}
		}
	}
	resp.RemoteState = s.remote()
	if resp.Session == nil {
		writeJSONErrorForRequest(w, r, http.StatusServiceUnavailable, "no tuning session yet")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		writeJSONErrorForRequest(w, r, http.StatusNotFound, "metrics disabled")
		return
	}
	s.metrics.Handler().ServeHTTP(w, r)
}

func withRequestID(r *http.Request) *http.Request {
	if existing := requestIDFromRequest(r); existing != "" {
		return r.WithContext(context.WithValue(r.Context(), requestIDContextKey, existing))
	}
	rid := "req_" + uuid.NewString()
	return r.WithContext(context.WithValue(r.Context(), requestIDContextKey, rid))
}

func isValidRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLength {
		return false
	}
	for _, ch := range id {
		if ch < 33 || ch > 126 {
			return false
		}
	}
	return true
}

func requestIDFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if rid, ok := r.Context().Value(requestIDContextKey).(string); ok && isValidRequestID(rid) {
		return rid
	}
	rid := strings.TrimSpace(r.Header.Get(requestIDHeader))
	if isValidRequestID(rid) {
		return rid
	}
	return ""
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func problemTypeURI(statusCode int) string {
	switch statusCode {
	case http.StatusNotFound:
		return problemTypeBaseURI + "not-found"
	case http.StatusMethodNotAllowed:
		return problemTypeBaseURI + "method-not-allowed"
	case http.StatusTooManyRequests:
		return problemTypeBaseURI + "rate-limited"
	case http.StatusServiceUnavailable:
		return problemTypeBaseURI + "not-ready"
	default:
		return problemTypeBaseURI + "http-" + strconv.Itoa(statusCode)
	}
}

func writeJSONErrorForRequest(w http.ResponseWriter, r *http.Request, statusCode int, msg string) {
	payload := map[string]any{
		"type":   problemTypeURI(statusCode),
		"title":  http.StatusText(statusCode),
		"status": statusCode,
		"detail": msg,
	}
	if r != nil && r.URL != nil {
		payload["instance"] = r.URL.Path
	}
	if rid := requestIDFromRequest(r); rid != "" {
		payload["request_id"] = rid
		w.Header().Set(requestIDHeader, rid)
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}
