// Package dashboard is the HTTP boundary between the engine and a browser
// renderer. It serves:
//
//	GET  /ws                      live stream of meter samples, log events and status
//	GET  /api/session             current session status
//	POST /api/session/connect     start a session
//	POST /api/session/disconnect  end the session
//	GET  /api/logs                retained log events
//	GET  /healthz, /readyz        health probes
//	GET  /metrics                 Prometheus scrape endpoint
//
// The websocket also accepts {"type":"connect"} and {"type":"disconnect"}
// commands so a single connection can drive the link.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/meli/internal/events"
	"github.com/MrWong99/meli/internal/health"
	"github.com/MrWong99/meli/internal/meter"
	"github.com/MrWong99/meli/internal/observe"
	"github.com/MrWong99/meli/internal/resilience"
	"github.com/MrWong99/meli/internal/session"
)

const (
	statusInterval = 250 * time.Millisecond
	pingInterval   = 30 * time.Second
	writeTimeout   = 5 * time.Second
)

// Controller is the session surface the dashboard drives. *session.Manager
// satisfies it.
type Controller interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Status() session.Status
}

var _ Controller = (*session.Manager)(nil)

// Message is the websocket envelope. Type is one of "status", "sample",
// "log" or "error".
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type command struct {
	Type string `json:"type"`
}

// Server serves the dashboard.
type Server struct {
	ctrl    Controller
	bus     *events.Bus
	hub     *Hub
	health  *health.Handler
	metrics http.Handler
	met     *observe.Metrics
	origins []string
	log     *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithHealth mounts the /healthz and /readyz probes.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithObserveMetrics sets the instruments used by the request middleware.
// Defaults to [observe.DefaultMetrics].
func WithObserveMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.met = m }
}

// WithOriginPatterns allows cross-origin websocket clients whose host
// matches one of patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.origins = patterns }
}

// New creates a Server. bus and hub may be shared with the engine.
func New(ctrl Controller, bus *events.Bus, hub *Hub, opts ...Option) *Server {
	s := &Server{
		ctrl: ctrl,
		bus:  bus,
		hub:  hub,
		log:  slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.met == nil {
		s.met = observe.DefaultMetrics()
	}
	s.log = s.log.With("component", "dashboard")
	return s
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /api/session", s.handleStatus)
	mux.HandleFunc("POST /api/session/connect", s.handleConnect)
	mux.HandleFunc("POST /api/session/disconnect", s.handleDisconnect)
	mux.HandleFunc("GET /api/logs", s.handleLogs)
	if s.health != nil {
		s.health.Register(mux)
	}
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return observe.Middleware(s.met)(mux)
}

// ── REST ─────────────────────────────────────────────────────────────────────

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Connect(r.Context()); err != nil {
		http.Error(w, err.Error(), connectStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, _ *http.Request) {
	if err := s.ctrl.Disconnect(); err != nil {
		s.log.Warn("disconnect reported errors", "err", err)
	}
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleLogs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.bus.Recent())
}

// connectStatus maps a Connect failure onto an HTTP status code.
func connectStatus(err error) int {
	var perm *session.PermissionError
	var hs *session.HandshakeError
	switch {
	case errors.As(err, &perm):
		return http.StatusForbidden
	case errors.Is(err, resilience.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrAborted):
		return http.StatusConflict
	case errors.As(err, &hs):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ── Websocket ────────────────────────────────────────────────────────────────

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		s.log.Warn("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	log := observe.Logger(r.Context()).With("component", "dashboard", "remote", r.RemoteAddr)
	log.Debug("client connected")

	samples, unsubscribe := s.hub.subscribe()
	defer unsubscribe()

	g, ctx := errgroup.WithContext(r.Context())
	logs, backlog := s.bus.Subscribe(ctx)

	g.Go(func() error { return s.readCommands(ctx, conn) })
	g.Go(func() error { return s.stream(ctx, conn, samples, logs, backlog) })

	err = g.Wait()
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		log.Debug("client disconnected")
		return
	}
	if errors.Is(err, context.Canceled) {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	log.Warn("websocket stream ended", "err", err)
	conn.Close(websocket.StatusInternalError, "stream error")
}

// stream writes the initial status and backlog, then forwards samples, log
// events and status changes until ctx is done.
func (s *Server) stream(ctx context.Context, conn *websocket.Conn, samples <-chan meter.Sample, logs <-chan events.Log, backlog []events.Log) error {
	last := s.ctrl.Status()
	if err := send(ctx, conn, Message{Type: "status", Data: last}); err != nil {
		return err
	}
	for _, l := range backlog {
		if err := send(ctx, conn, Message{Type: "log", Data: l}); err != nil {
			return err
		}
	}

	poll := time.NewTicker(statusInterval)
	defer poll.Stop()
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		var msg Message
		select {
		case <-ctx.Done():
			return ctx.Err()
		case smp := <-samples:
			msg = Message{Type: "sample", Data: smp}
		case l, ok := <-logs:
			if !ok {
				return ctx.Err()
			}
			msg = Message{Type: "log", Data: l}
		case <-poll.C:
			st := s.ctrl.Status()
			if st.State == last.State && st.Quality == last.Quality {
				continue
			}
			last = st
			msg = Message{Type: "status", Data: st}
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return err
			}
			continue
		}
		if err := send(ctx, conn, msg); err != nil {
			return err
		}
	}
}

// readCommands handles client commands until the client closes.
func (s *Server) readCommands(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var cmd command
		if err := json.Unmarshal(data, &cmd); err != nil {
			if err := send(ctx, conn, Message{Type: "error", Data: "malformed command"}); err != nil {
				return err
			}
			continue
		}

		switch cmd.Type {
		case "connect":
			err = s.ctrl.Connect(ctx)
		case "disconnect":
			err = s.ctrl.Disconnect()
		default:
			err = errors.New("unknown command " + cmd.Type)
		}
		reply := Message{Type: "status", Data: s.ctrl.Status()}
		if err != nil {
			reply = Message{Type: "error", Data: err.Error()}
		}
		if err := send(ctx, conn, reply); err != nil {
			return err
		}
	}
}

func send(ctx context.Context, conn *websocket.Conn, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
