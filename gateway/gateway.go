// Package gateway is the HTTP surface of the server: the websocket
// upgrade endpoint, the ingestion API for external collaborators,
// registry stats, liveness and metrics.
package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/electricautomaticchile/Websocket-api/auth"
	"github.com/electricautomaticchile/Websocket-api/errors"
	"github.com/electricautomaticchile/Websocket-api/event"
	"github.com/electricautomaticchile/Websocket-api/handlers"
	"github.com/electricautomaticchile/Websocket-api/health"
	"github.com/electricautomaticchile/Websocket-api/metric"
	"github.com/electricautomaticchile/Websocket-api/registry"
)

// Config holds the HTTP gateway settings
type Config struct {
	Addr              string        `yaml:"addr"`
	EnableCORS        bool          `yaml:"enable_cors"`
	CORSOrigins       []string      `yaml:"cors_origins"`
	MaxRequestSize    int64         `yaml:"max_request_size"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		Addr:              ":8080",
		EnableCORS:        true,
		CORSOrigins:       []string{"*"},
		MaxRequestSize:    1 << 20,
		RequestsPerSecond: 50,
		Burst:             100,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.Addr == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Gateway", "Validate", "addr is required")
	}
	if c.MaxRequestSize <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Gateway", "Validate",
			"max_request_size must be positive")
	}
	if c.RequestsPerSecond <= 0 || c.Burst <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Gateway", "Validate",
			"rate limit parameters must be positive")
	}
	return nil
}

// Gateway serves the HTTP API and delegates to the dispatcher and registry
type Gateway struct {
	cfg        Config
	rooms      *registry.Registry
	dispatcher *handlers.Dispatcher
	gate       *auth.Gate
	ws         http.Handler
	checker    *health.Checker
	metrics    *metric.MetricsRegistry
	logger     *slog.Logger

	server  *http.Server
	running atomic.Bool

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter

	requestsTotal  atomic.Uint64
	requestsFailed atomic.Uint64
}

// Option configures a Gateway
type Option func(*Gateway)

// WithWebsocket mounts the websocket upgrade handler at /ws
func WithWebsocket(ws http.Handler) Option {
	return func(g *Gateway) { g.ws = ws }
}

// WithChecker wires the liveness checker (nil reports a bare uptime)
func WithChecker(checker *health.Checker) Option {
	return func(g *Gateway) { g.checker = checker }
}

// WithMetricsRegistry exposes /metrics and enables gateway metrics
func WithMetricsRegistry(registry *metric.MetricsRegistry) Option {
	return func(g *Gateway) { g.metrics = registry }
}

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger.With("component", "gateway")
		}
	}
}

// New creates the gateway. The dispatcher and registry are required; the
// websocket handler, checker and metrics are optional.
func New(cfg Config, rooms *registry.Registry, dispatcher *handlers.Dispatcher,
	gate *auth.Gate, opts ...Option) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	g := &Gateway{
		cfg:        cfg,
		rooms:      rooms,
		dispatcher: dispatcher,
		gate:       gate,
		logger:     slog.Default().With("component", "gateway"),
		limiters:   make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Handler assembles the route table
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	if g.ws != nil {
		mux.Handle("/ws", g.ws)
	}

	mux.HandleFunc("/api/telemetry", g.route(http.MethodPost, g.handleTelemetry))
	mux.HandleFunc("/api/command-result", g.route(http.MethodPost, g.handleCommandResult))
	mux.HandleFunc("/api/alert", g.route(http.MethodPost, g.handleAlert))
	mux.HandleFunc("/api/command", g.route(http.MethodPost, g.handleCommand))
	mux.HandleFunc("/api/stats", g.route(http.MethodGet, g.handleStats))
	mux.HandleFunc("/healthz", g.route(http.MethodGet, g.handleHealthz))

	if g.metrics != nil {
		mux.Handle("/metrics", g.metrics.Handler())
	}
	return mux
}

// Start begins serving. Non-blocking; the listener runs until Stop.
func (g *Gateway) Start(_ context.Context) error {
	if !g.running.CompareAndSwap(false, true) {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Gateway", "Start", "already running")
	}

	g.server = &http.Server{
		Addr:         g.cfg.Addr,
		Handler:      g.Handler(),
		ReadTimeout:  g.cfg.ReadTimeout,
		WriteTimeout: g.cfg.WriteTimeout,
	}

	go func() {
		g.logger.Info("http gateway listening", "addr", g.cfg.Addr)
		if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			g.logger.Error("http gateway failed", "error", err)
		}
	}()
	return nil
}

// Stop shuts the listener down, allowing in-flight requests to finish
func (g *Gateway) Stop(timeout time.Duration) error {
	if !g.running.CompareAndSwap(true, false) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return g.server.Shutdown(ctx)
}

// route wraps a handler with the shared middleware: request id, method
// filter, CORS, per-IP rate limit, body size cap
func (g *Gateway) route(method string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g.requestsTotal.Add(1)
		w.Header().Set("X-Request-ID", requestID(r))

		if g.cfg.EnableCORS {
			g.applyCORS(w, r)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}

		if r.Method != method {
			g.fail(w, http.StatusMethodNotAllowed,
				fmt.Sprintf("method %s not allowed", r.Method))
			return
		}

		if !g.allow(clientIP(r)) {
			g.fail(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, g.cfg.MaxRequestSize)
		handler(w, r)
	}
}

func (g *Gateway) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	claims, ok := g.authenticate(w, r)
	if !ok {
		return
	}
	var req event.TelemetryRequest
	if !g.decode(w, r, &req) {
		return
	}
	if err := g.dispatcher.PublishTelemetry(r.Context(), claims, req); err != nil {
		g.failErr(w, err)
		return
	}
	g.respond(w, http.StatusAccepted, map[string]any{"status": "accepted"})
}

func (g *Gateway) handleCommandResult(w http.ResponseWriter, r *http.Request) {
	if _, ok := g.authenticate(w, r); !ok {
		return
	}
	var req event.CommandResultReport
	if !g.decode(w, r, &req) {
		return
	}
	if err := g.dispatcher.PublishCommandResult(r.Context(), req); err != nil {
		g.failErr(w, err)
		return
	}
	g.respond(w, http.StatusAccepted, map[string]any{"status": "accepted"})
}

func (g *Gateway) handleAlert(w http.ResponseWriter, r *http.Request) {
	claims, ok := g.authenticate(w, r)
	if !ok {
		return
	}
	var req handlers.AlertRequest
	if !g.decode(w, r, &req) {
		return
	}
	if err := g.dispatcher.PublishAlert(r.Context(), claims, req); err != nil {
		g.failErr(w, err)
		return
	}
	g.respond(w, http.StatusAccepted, map[string]any{"status": "accepted"})
}

type commandRequest struct {
	DeviceID string `json:"deviceId"`
	Command  string `json:"command"`
}

func (g *Gateway) handleCommand(w http.ResponseWriter, r *http.Request) {
	claims, ok := g.authenticate(w, r)
	if !ok {
		return
	}
	var req commandRequest
	if !g.decode(w, r, &req) {
		return
	}
	commandID, err := g.dispatcher.SubmitCommand(r.Context(), claims, req.DeviceID, req.Command)
	if err != nil {
		g.failErr(w, err)
		return
	}
	g.respond(w, http.StatusAccepted, map[string]any{"commandId": commandID})
}

func (g *Gateway) handleStats(w http.ResponseWriter, _ *http.Request) {
	g.respond(w, http.StatusOK, g.rooms.Stats())
}

func (g *Gateway) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if g.checker == nil {
		g.respond(w, http.StatusOK, map[string]any{"status": "healthy"})
		return
	}
	report := g.checker.Run()
	status := http.StatusOK
	if report.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	g.respond(w, status, report)
}

// authenticate resolves the bearer credential into claims, writing the
// 401 itself on failure
func (g *Gateway) authenticate(w http.ResponseWriter, r *http.Request) (auth.Claims, bool) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	claims, err := g.gate.Authenticate(token)
	if err != nil {
		g.fail(w, http.StatusUnauthorized, "missing or invalid credential")
		return auth.Claims{}, false
	}
	return claims, true
}

func (g *Gateway) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		g.fail(w, http.StatusRequestEntityTooLarge, "request body too large")
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		g.fail(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}

// allow checks the per-IP token bucket, creating it on first sight
func (g *Gateway) allow(ip string) bool {
	g.limiterMu.Lock()
	limiter, ok := g.limiters[ip]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(g.cfg.RequestsPerSecond), g.cfg.Burst)
		g.limiters[ip] = limiter
	}
	g.limiterMu.Unlock()
	return limiter.Allow()
}

func (g *Gateway) applyCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	allowed := false
	for _, o := range g.cfg.CORSOrigins {
		if o == "*" || o == origin {
			allowed = true
			break
		}
	}
	if !allowed {
		return
	}
	if origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
	} else {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	}
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// failErr maps a classified error onto an HTTP status with a sanitized
// message; the full error stays in the log
func (g *Gateway) failErr(w http.ResponseWriter, err error) {
	g.logger.Warn("request rejected", "error", err)

	status := http.StatusInternalServerError
	message := "internal server error"
	switch {
	case stderrors.Is(err, errors.ErrPermissionDenied):
		status, message = http.StatusForbidden, "access denied"
	case stderrors.Is(err, errors.ErrUnauthorized):
		status, message = http.StatusUnauthorized, "missing or invalid credential"
	case stderrors.Is(err, errors.ErrRateLimited):
		status, message = http.StatusTooManyRequests, "rate limit exceeded"
	case errors.IsCircuitOpen(err):
		status, message = http.StatusServiceUnavailable, "hardware link unavailable"
	case errors.IsInvalid(err):
		status, message = http.StatusBadRequest, "invalid request"
	case errors.IsTransient(err):
		status, message = http.StatusServiceUnavailable, "service temporarily unavailable"
	}
	g.fail(w, status, message)
}

func (g *Gateway) fail(w http.ResponseWriter, status int, message string) {
	g.requestsFailed.Add(1)
	g.respond(w, status, map[string]any{"error": message, "status": status})
}

func (g *Gateway) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	data, err := json.Marshal(body)
	if err != nil {
		return
	}
	_, _ = w.Write(data)
}

// requestID propagates X-Request-ID or mints one for tracing
func requestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-ID"); id != "" {
		return id
	}
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
