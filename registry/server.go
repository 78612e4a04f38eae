package registry

import (
	"context"
	stderrors "errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/electricautomaticchile/Websocket-api/auth"
	"github.com/electricautomaticchile/Websocket-api/errors"
	"github.com/electricautomaticchile/Websocket-api/event"
	"github.com/electricautomaticchile/Websocket-api/metric"
	"github.com/electricautomaticchile/Websocket-api/pkg/ratelimit"
)

// InboundHandler dispatches one decoded client message. Implementations
// must not block the read pump; long work goes to a worker pool.
type InboundHandler interface {
	HandleInbound(ctx context.Context, conn *Connection, in event.Inbound) error
}

// Server upgrades HTTP requests to websocket subscriptions and runs the
// per-connection read loop
type Server struct {
	registry *Registry
	gate     *auth.Gate
	limiter  *ratelimit.Limiter
	handler  InboundHandler
	upgrader websocket.Upgrader
	metrics  *metric.MetricsRegistry
	logger   *slog.Logger
}

// NewServer creates the websocket endpoint handler
func NewServer(registry *Registry, gate *auth.Gate, limiter *ratelimit.Limiter,
	handler InboundHandler, metrics *metric.MetricsRegistry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		registry: registry,
		gate:     gate,
		limiter:  limiter,
		handler:  handler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(_ *http.Request) bool { return true },
		},
		metrics: metrics,
		logger:  logger.With("component", "ws-server"),
	}
}

// ServeHTTP authenticates the request, upgrades it, and hands the
// connection to the registry
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, err := s.gate.Authenticate(bearerToken(r))
	if err != nil {
		s.logger.Warn("connection rejected", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	socket, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.metrics != nil {
			s.metrics.Metrics.ErrorsTotal.WithLabelValues("ws-server", "upgrade").Inc()
		}
		return
	}

	conn := NewConnection(claims, socket)
	s.registry.Add(conn)

	go conn.writePump()
	go s.readPump(r.Context(), conn)

	s.sendConnected(conn)
}

// bearerToken extracts the credential from the Authorization header or the
// token query parameter (browser websocket clients cannot set headers)
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// sendConnected confirms the subscription with the connection identity
func (s *Server) sendConnected(conn *Connection) {
	ev := event.New(event.Connected, map[string]any{
		"connectionId": conn.ID,
		"identity":     conn.Claims.IdentityID,
		"role":         string(conn.Claims.Role),
	})
	if data, err := ev.Encode(); err == nil {
		_ = conn.Enqueue(data)
	}
}

// readPump reads client messages until the connection drops, applying the
// rate limit and dispatching each message to the inbound handler. A
// malformed or unknown message is answered with a warning, never a
// disconnect.
func (s *Server) readPump(ctx context.Context, conn *Connection) {
	defer s.registry.Remove(conn, "read_closed")

	conn.socket.SetPongHandler(func(string) error {
		_ = conn.socket.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	for {
		_ = conn.socket.SetReadDeadline(time.Now().Add(pongTimeout))
		_, data, err := conn.socket.ReadMessage()
		if err != nil {
			return
		}

		if s.limiter != nil && !s.limiter.Check(conn.ID) {
			s.logger.Warn("rate limited", "connection_id", conn.ID)
			if s.metrics != nil {
				s.metrics.Metrics.EventsDropped.WithLabelValues("rate_limited").Inc()
			}
			continue
		}

		in, err := event.ParseInbound(data)
		if err != nil {
			s.logger.Warn("inbound message rejected",
				"connection_id", conn.ID, "error", err)
			if s.metrics != nil {
				kind := "malformed"
				if stderrors.Is(err, errors.ErrUnknownEventKind) {
					kind = "unknown_kind"
				}
				s.metrics.Metrics.ErrorsTotal.WithLabelValues("ws-server", kind).Inc()
			}
			continue
		}

		if s.handler == nil {
			continue
		}
		if err := s.handler.HandleInbound(ctx, conn, in); err != nil {
			s.logger.Warn("inbound handling failed",
				"connection_id", conn.ID, "kind", in.Kind, "error", err)
		}
	}
}
