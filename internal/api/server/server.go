// Package server provides the REST API and stage stream for ovpn-bridge.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/net/websocket"

	"github.com/rennerdo30/ovpn-bridge/internal/bridge"
	"github.com/rennerdo30/ovpn-bridge/internal/history"
	"github.com/rennerdo30/ovpn-bridge/internal/host"
	"github.com/rennerdo30/ovpn-bridge/internal/logging"
	"github.com/rennerdo30/ovpn-bridge/internal/ratelimit"
	"github.com/rennerdo30/ovpn-bridge/internal/session"
	"github.com/rennerdo30/ovpn-bridge/internal/util"
	"github.com/rennerdo30/ovpn-bridge/internal/version"
)

// Dispatcher executes bridge calls.
type Dispatcher interface {
	Handle(ctx context.Context, call bridge.Call) bridge.Result
}

// Session is the controller surface used for streaming and status.
type Session interface {
	RegisterObserver(o session.Observer) session.Observer
	Unsubscribe(o session.Observer) bool
	HasObserver() bool
	Initialized() bool
	Traffic() session.Traffic
	AttemptID() string
}

// Host resolves the capability consent flow.
type Host interface {
	State() host.State
	Resolve(granted bool)
}

// History lists stored stage transitions.
type History interface {
	Recent(ctx context.Context, limit int) ([]history.Entry, error)
}

// Recorder receives API metrics.
type Recorder interface {
	SetObserverAttached(attached bool)
	RecordAuthAttempt(method string, success bool, reason string)
}

// API provides the REST API for ovpn-bridge.
type API struct {
	dispatcher     Dispatcher
	session        Session
	host           Host
	history        History
	recorder       Recorder
	metrics        http.Handler
	metricsPath    string
	auth           *tokenAuth
	requestTimeout time.Duration
	streamBuffer   int
	logger         *slog.Logger
	started        time.Time
}

// Config holds API configuration.
type Config struct {
	Dispatcher Dispatcher
	Session    Session
	Host       Host     // optional
	History    History  // optional
	Recorder   Recorder // optional

	// MetricsHandler is mounted at MetricsPath when set.
	MetricsHandler http.Handler
	MetricsPath    string

	// Token or TokenHash (bcrypt) enables bearer authentication.
	Token     string
	TokenHash string
	// AuthFailureLimit throttles clients that keep presenting bad tokens.
	AuthFailureLimit ratelimit.Config

	RequestTimeout time.Duration
	StreamBuffer   int
	Logger         *slog.Logger
}

// New creates a new API server.
func New(cfg Config) *API {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.WithComponent("api")
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	buffer := cfg.StreamBuffer
	if buffer <= 0 {
		buffer = 32
	}
	path := cfg.MetricsPath
	if path == "" {
		path = "/metrics"
	}
	return &API{
		dispatcher:     cfg.Dispatcher,
		session:        cfg.Session,
		host:           cfg.Host,
		history:        cfg.History,
		recorder:       cfg.Recorder,
		metrics:        cfg.MetricsHandler,
		metricsPath:    path,
		auth:           newTokenAuth(cfg.Token, cfg.TokenHash, cfg.AuthFailureLimit, cfg.Recorder),
		requestTimeout: timeout,
		streamBuffer:   buffer,
		logger:         logger,
		started:        time.Now(),
	}
}

// Close releases background resources held by the API.
func (a *API) Close() {
	a.auth.close()
}

// Router returns the HTTP router for the API.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(securityHeadersMiddleware)

	if a.metrics != nil {
		r.Handle(a.metricsPath, a.metrics)
	}

	r.Group(func(r chi.Router) {
		if a.auth != nil {
			r.Use(a.auth.middleware)
		}

		// The stream is long-lived and must not inherit the request timeout.
		r.Handle("/api/v1/stage/stream", websocket.Handler(a.serveStream))

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(a.requestTimeout))
			a.addAPIRoutes(r)
		})
	})

	return r
}

// addAPIRoutes adds all API routes to the router.
func (a *API) addAPIRoutes(r chi.Router) {
	r.Get("/api/v1/health", a.handleHealth)
	r.Get("/api/v1/version", a.handleVersion)
	r.Get("/api/v1/traffic", a.handleTraffic)
	r.Get("/api/v1/history", a.handleHistory)

	r.Post("/api/v1/call/{method}", a.handleCall)

	r.Get("/api/v1/permission", a.handleGetPermission)
	r.Post("/api/v1/permission", a.handleResolvePermission)
}

// requestLogger logs each request through the component logger and stores a
// request-scoped logger in the context.
func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := middleware.GetReqID(r.Context())

		ctx := util.WithRequestID(r.Context(), reqID)
		ctx = util.WithClientIP(ctx, r.RemoteAddr)
		ctx = util.WithStartTime(ctx, start)
		ctx = logging.WithContext(ctx, a.logger.With("request_id", reqID))

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		a.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", reqID,
			"client_ip", r.RemoteAddr,
		)
	})
}

// securityHeadersMiddleware adds common security headers to all responses.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":       "healthy",
		"time":         time.Now().Format(time.RFC3339),
		"uptime":       time.Since(a.started).Round(time.Second).String(),
		"initialized":  a.session.Initialized(),
		"has_observer": a.session.HasObserver(),
	}
	a.writeJSON(w, http.StatusOK, response)
}

func (a *API) handleVersion(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, version.GetInfo())
}

func (a *API) handleTraffic(w http.ResponseWriter, r *http.Request) {
	t := a.session.Traffic()
	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"attempt_id": a.session.AttemptID(),
		"bytes_in":   t.BytesIn,
		"bytes_out":  t.BytesOut,
		"updated_at": t.UpdatedAt,
	})
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	if a.history == nil {
		a.writeError(w, http.StatusServiceUnavailable, "history is disabled")
		return
	}

	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			a.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := a.history.Recent(r.Context(), limit)
	if err != nil {
		logging.FromContextOr(r.Context(), a.logger).Error("history query failed", "error", err)
		a.writeError(w, http.StatusInternalServerError, "history query failed")
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	a.writeJSON(w, http.StatusOK, entries)
}

func (a *API) handleCall(w http.ResponseWriter, r *http.Request) {
	method := chi.URLParam(r, "method")

	var args map[string]any
	if r.ContentLength != 0 {
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
		if err := dec.Decode(&args); err != nil && !errors.Is(err, io.EOF) {
			a.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}
	}

	ctx := logging.WithCall(r.Context(), method)
	res := a.dispatcher.Handle(ctx, bridge.Call{Method: method, Args: args})
	a.writeJSON(w, statusFor(res), res)
}

// statusFor maps a call result onto an HTTP status.
func statusFor(res bridge.Result) int {
	switch {
	case res.NotImplemented:
		return http.StatusNotImplemented
	case res.Error == nil:
		return http.StatusOK
	}
	switch session.Code(res.Error.Code) {
	case session.CodeNotInitialized, session.CodeNotAttached:
		return http.StatusConflict
	case session.CodeInvalidConfig:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) handleGetPermission(w http.ResponseWriter, r *http.Request) {
	if a.host == nil {
		a.writeError(w, http.StatusServiceUnavailable, "no host attached")
		return
	}
	a.writeJSON(w, http.StatusOK, a.host.State())
}

func (a *API) handleResolvePermission(w http.ResponseWriter, r *http.Request) {
	if a.host == nil {
		a.writeError(w, http.StatusServiceUnavailable, "no host attached")
		return
	}

	var req struct {
		Granted *bool `json:"granted"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil || req.Granted == nil {
		a.writeError(w, http.StatusBadRequest, `body must be {"granted": true|false}`)
		return
	}

	a.host.Resolve(*req.Granted)
	logging.FromContextOr(r.Context(), a.logger).Info("permission resolved", "granted", *req.Granted)
	a.writeJSON(w, http.StatusOK, a.host.State())
}

func (a *API) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Debug("failed to write response", "error", err)
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, msg string) {
	a.writeJSON(w, status, map[string]string{"error": msg})
}
