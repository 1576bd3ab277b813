// Package gateway is the transport layer: JSON frames over WebSocket,
// the session registry, and the bridge that turns internal bus events
// into client-visible frames. Other components address a sessionId; the
// gateway resolves it to a socket.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/swarmgate/internal/approval"
	"github.com/nextlevelbuilder/swarmgate/internal/bus"
	"github.com/nextlevelbuilder/swarmgate/internal/config"
	"github.com/nextlevelbuilder/swarmgate/internal/fault"
	"github.com/nextlevelbuilder/swarmgate/pkg/protocol"
)

// TurnStarter runs a runtime turn for an inbound chat message. The
// gateway calls it once per message frame, on its own goroutine.
type TurnStarter func(ctx context.Context, sessionID, channel, content string) error

var validChannels = map[string]bool{
	protocol.ChannelChat:      true,
	protocol.ChannelCLI:       true,
	protocol.ChannelDashboard: true,
	protocol.ChannelSubAgent:  true,
	protocol.ChannelSystem:    true,
}

// Server is the gateway server.
type Server struct {
	cfg    *config.Config
	events bus.EventPublisher
	gate   *approval.Gate
	turn   TurnStarter

	upgrader    websocket.Upgrader
	rateLimiter *RateLimiter

	mu       sync.RWMutex
	clients  map[string]*Client // by client id
	sessions map[string]*Client // by session id

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates the gateway server. The turn starter may be set
// later with SetTurnStarter (the runtime is wired after construction).
func NewServer(cfg *config.Config, events bus.EventPublisher, gate *approval.Gate) *Server {
	s := &Server{
		cfg:      cfg,
		events:   events,
		gate:     gate,
		clients:  make(map[string]*Client),
		sessions: make(map[string]*Client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.rateLimiter = NewRateLimiter(cfg.Gateway.RateLimitRPM, 5)
	return s
}

// SetTurnStarter wires the runtime entry point.
func (s *Server) SetTurnStarter(turn TurnStarter) { s.turn = turn }

// checkOrigin validates the Origin header against the configured
// allowlist. No configuration allows everything; an empty header means a
// non-browser client and is always allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Gateway.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("origin rejected", "origin", origin)
	return false
}

// BuildMux creates and caches the HTTP mux.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	s.mux = mux
	return mux
}

// Start listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: s.BuildMux()}

	slog.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && !s.rateLimiter.Allow(host) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(conn, s)
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()

	client.Run(r.Context())
}

// authorize checks the shared token when one is configured. Non-browser
// clients pass it as a bearer header, browsers as a query parameter.
func (s *Server) authorize(r *http.Request) bool {
	token := s.cfg.Gateway.Token
	if token == "" {
		return true
	}
	if auth := r.Header.Get("Authorization"); strings.TrimPrefix(auth, "Bearer ") == token {
		return true
	}
	return r.URL.Query().Get("token") == token
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

// handleConnect binds the connection to a session and echoes the
// assigned id. A client-supplied sessionId resumes that session.
func (s *Server) handleConnect(c *Client, f *protocol.Frame) error {
	if !validChannels[f.Channel] {
		return fault.New(fault.CodeProtocol, "unknown channel %q", f.Channel)
	}
	sessionID := f.SessionID
	if sessionID == "" || sessionID == protocol.BroadcastSessionID {
		sessionID = uuid.NewString()
	}
	c.bind(sessionID, f.Channel)

	s.mu.Lock()
	s.sessions[sessionID] = c
	s.mu.Unlock()

	c.Send(&protocol.Frame{Type: protocol.TypeConnect, SessionID: sessionID, Channel: f.Channel})
	s.events.Broadcast(bus.Event{Name: protocol.EventClientConnected, Payload: sessionID})
	slog.Info("session opened", "session", sessionID, "channel", f.Channel)
	return nil
}

// handleFrame dispatches one post-connect frame.
func (s *Server) handleFrame(ctx context.Context, c *Client, f *protocol.Frame) {
	switch f.Type {
	case protocol.TypeMessage:
		s.handleMessage(ctx, c, f)
	case protocol.TypeApprovalResponse:
		approved := f.Approved != nil && *f.Approved
		if !s.gate.ResolveApproval(f.ID, approved) {
			slog.Debug("stale approval response", "id", f.ID)
		}
	case protocol.TypeInputResponse:
		if !s.gate.ResolveInput(f.ID, f.Value) {
			slog.Debug("stale input response", "id", f.ID)
		}
	case protocol.TypeConnect:
		c.Send(protocol.ErrorFrame(c.SessionID(), string(fault.CodeProtocol), "already connected"))
	default:
		c.Send(protocol.ErrorFrame(c.SessionID(), string(fault.CodeProtocol),
			fmt.Sprintf("unexpected frame type %q", f.Type)))
	}
}

func (s *Server) handleMessage(ctx context.Context, c *Client, f *protocol.Frame) {
	sessionID := f.SessionID
	if sessionID == "" {
		sessionID = c.SessionID()
	}
	s.mu.RLock()
	_, known := s.sessions[sessionID]
	s.mu.RUnlock()
	if !known {
		c.Send(protocol.ErrorFrame(sessionID, string(fault.CodeNoSession), "no such session"))
		return
	}
	if f.Content == "" {
		c.Send(protocol.ErrorFrame(sessionID, string(fault.CodeInvalidFrame), "message needs content"))
		return
	}
	if s.turn == nil {
		c.Send(protocol.ErrorFrame(sessionID, string(fault.CodeFatal), "runtime not attached"))
		return
	}

	go func() {
		if err := s.turn(context.WithoutCancel(ctx), sessionID, c.Channel(), f.Content); err != nil {
			// The runtime already emitted its own error frame for turn
			// failures; BUSY is the one rejection it cannot send itself.
			if fault.CodeOf(err) == fault.CodeBusy {
				s.Send(sessionID, protocol.ErrorFrame(sessionID, string(fault.CodeBusy), err.Error()))
			}
		}
	}()
}

// Send delivers a frame to the client owning a session. The broadcast
// sentinel and unknown sessions fan out to everyone, so no frame is
// silently lost when a client reconnects mid-turn.
func (s *Server) Send(sessionID string, f *protocol.Frame) {
	if sessionID == "" || sessionID == protocol.BroadcastSessionID {
		s.Broadcast(f)
		return
	}
	s.mu.RLock()
	c, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		s.Broadcast(f)
		return
	}
	c.Send(f)
}

// Broadcast delivers a frame to every connected client.
func (s *Server) Broadcast(f *protocol.Frame) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		c.Send(f)
	}
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	slog.Info("client connected", "id", c.id)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	if sid := c.SessionID(); sid != "" && s.sessions[sid] == c {
		delete(s.sessions, sid)
	}
	s.mu.Unlock()
	s.events.Broadcast(bus.Event{Name: protocol.EventClientClosed, Payload: c.SessionID()})
	slog.Info("client disconnected", "id", c.id)
}

// StartTestServer listens on a random local port. Integration tests use
// the returned address with a ws:// scheme.
func StartTestServer(s *Server, ctx context.Context) (addr string, start func()) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("listen: " + err.Error())
	}
	s.httpServer = &http.Server{Handler: s.BuildMux()}
	addr = ln.Addr().String()

	start = func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.httpServer.Shutdown(shutdownCtx)
		}()
		s.httpServer.Serve(ln)
	}
	return addr, start
}
