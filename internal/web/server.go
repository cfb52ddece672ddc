package web

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/inercia/parley/internal/conversation"
	"github.com/inercia/parley/internal/guard"
	"github.com/inercia/parley/internal/logging"
	"github.com/inercia/parley/internal/protocol"
	"github.com/inercia/parley/internal/session"
)

// Config configures a Server.
type Config struct {
	Manager   *conversation.Manager
	Security  SecurityConfig
	RateLimit RateLimitConfig
	// CommandRate and CommandBurst limit the commands of one connection.
	// Heartbeats are exempt. Zero disables the limit.
	CommandRate  float64
	CommandBurst int
	// TrustedProxies lists proxy IPs or CIDRs whose forwarded headers are
	// trusted for the client IP.
	TrustedProxies []string
	AccessLog      AccessLogConfig
	// Guard, when set, is told about misbehaving clients, and its blocked
	// addresses are refused. The caller owns it.
	Guard *guard.Guard
	// Disabled starts the server with the conversation endpoint turned off.
	Disabled bool
	Logger   *slog.Logger
}

// Server is the HTTP front end of the conversation manager.
type Server struct {
	manager  *conversation.Manager
	security SecurityConfig
	cfg      Config
	logger   *slog.Logger
	tracker  *ConnectionTracker
	limiter  *IPRateLimiter
	proxies  *TrustedProxies
	access   *AccessLogger
	guard    *guard.Guard
	mux      *http.ServeMux

	enabled  atomic.Bool
	shutdown atomic.Bool

	mu      sync.Mutex
	conns   map[*Conn]struct{}
	httpSrv *http.Server
}

// NewServer creates a server. The caller owns the manager.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Manager == nil {
		return nil, errors.New("web server requires a conversation manager")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Web()
	}
	s := &Server{
		manager:  cfg.Manager,
		security: cfg.Security.withDefaults(),
		cfg:      cfg,
		logger:   cfg.Logger,
		limiter:  NewIPRateLimiter(cfg.RateLimit),
		proxies:  NewTrustedProxies(cfg.TrustedProxies),
		access:   NewAccessLogger(cfg.AccessLog),
		guard:    cfg.Guard,
		mux:      http.NewServeMux(),
		conns:    make(map[*Conn]struct{}),
	}
	s.tracker = NewConnectionTracker(s.security.MaxConnectionsPerIP)
	s.enabled.Store(!cfg.Disabled)

	s.mux.HandleFunc("GET /api/health", s.handleHealthCheck)
	s.mux.HandleFunc("GET /api/conversations", s.handleListConversations)
	s.mux.HandleFunc("POST /api/conversations/{id}/archive", s.handleArchive)
	s.mux.Handle("GET /api/conversations/{id}/ws",
		s.limiter.Middleware(s.proxies.ClientIP, http.HandlerFunc(s.handleConversationWS)))
	s.mux.HandleFunc("/", s.handleNotFound)
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.loggingMiddleware(s.guardMiddleware(s.mux))
}

// Listen wraps l so that blocked addresses are refused before the HTTP
// layer sees them. Behind a proxy the guard middleware does the same with
// the forwarded client IP.
func (s *Server) Listen(l net.Listener) net.Listener {
	if !s.guard.Enabled() {
		return l
	}
	gl := s.guard.Listen(l)
	gl.OnRefused = func(ip, reason string) {
		s.access.Write(AccessEvent{Event: "refused", ClientIP: ip, Reason: reason})
	}
	return gl
}

func (s *Server) guardMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.guard.Enabled() {
			if blocked, _ := s.guard.Blocked(s.proxies.ClientIP(r)); blocked {
				writeErrorJSON(w, http.StatusForbidden, "blocked", "address blocked")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// reject answers a refused handshake and counts it against the client.
func (s *Server) reject(w http.ResponseWriter, ip string, status int, code, message string) {
	s.guard.Report(ip, guard.OffenseRejected)
	writeErrorJSON(w, status, code, message)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	if guard.IsScannerPath(r.URL.Path) {
		ip := s.proxies.ClientIP(r)
		if s.guard.Report(ip, guard.OffenseScan) {
			s.access.Write(AccessEvent{Event: "blocked", ClientIP: ip, Reason: "scan " + r.URL.Path})
		}
	}
	http.NotFound(w, r)
}

// Serve serves HTTP on listener until it fails or Shutdown is called.
func (s *Server) Serve(listener net.Listener) error {
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	s.mu.Lock()
	s.httpSrv = srv
	s.mu.Unlock()
	if s.shutdown.Load() {
		return http.ErrServerClosed
	}
	return srv.Serve(listener)
}

// IsShutdown reports whether Shutdown has been called.
func (s *Server) IsShutdown() bool { return s.shutdown.Load() }

// SetEnabled turns the conversation endpoint on or off. Turning it off closes
// the open connections; their conversations keep running.
func (s *Server) SetEnabled(enabled bool) {
	if s.enabled.Swap(enabled) == enabled {
		return
	}
	s.logger.Info("conversation endpoint toggled", "enabled", enabled)
	if !enabled {
		s.closeConns()
	}
}

// Enabled reports whether the conversation endpoint accepts connections.
func (s *Server) Enabled() bool { return s.enabled.Load() }

// Shutdown closes every connection and releases the server resources.
func (s *Server) Shutdown() error {
	if s.shutdown.Swap(true) {
		return nil
	}
	s.closeConns()

	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()
	var err error
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = srv.Shutdown(ctx)
		cancel()
	}
	s.limiter.Close()
	return errors.Join(err, s.access.Close())
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	if s.shutdown.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unhealthy",
			"reason": "server_shutting_down",
		})
		return
	}
	writeJSONOK(w, map[string]any{
		"status":           "healthy",
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
		"protocol_enabled": s.enabled.Load(),
		"conversations":    s.manager.Len(),
		"connections":      s.tracker.Total(),
	})
}

type conversationSummary struct {
	ID         string                `json:"id"`
	Agent      string                `json:"agent,omitempty"`
	State      protocol.SessionState `json:"state"`
	Archived   bool                  `json:"archived,omitempty"`
	LastTurnID int64                 `json:"last_turn_id"`
	UpdatedAt  time.Time             `json:"updated_at"`
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.manager.List(r.Context())
	if err != nil {
		s.logger.Error("failed to list conversations", "error", err)
		writeErrorJSON(w, http.StatusInternalServerError, "internal", "failed to list conversations")
		return
	}
	out := make([]conversationSummary, 0, len(convs))
	for _, c := range convs {
		if live, ok := s.manager.Get(c.ID); ok {
			c.State = live.State()
		}
		out = append(out, conversationSummary{
			ID:         c.ID,
			Agent:      c.Agent,
			State:      c.State,
			Archived:   c.Archived,
			LastTurnID: c.LastTurnID,
			UpdatedAt:  c.UpdatedAt,
		})
	}
	writeJSONOK(w, out)
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !protocol.ValidID(id) {
		writeErrorJSON(w, http.StatusBadRequest, "bad_request", "invalid conversation id")
		return
	}
	err := s.manager.Archive(r.Context(), id)
	switch {
	case errors.Is(err, session.ErrConversationNotFound):
		writeErrorJSON(w, http.StatusNotFound, "not_found", "conversation not found")
	case err != nil:
		s.logger.Error("failed to archive conversation", "conversation_id", id, "error", err)
		writeErrorJSON(w, http.StatusInternalServerError, "internal", "failed to archive conversation")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleConversationWS attaches a client to a conversation. Query parameters:
// client_id (required), last_sequence (the client's checkpoint) and task_id
// (links a new conversation to a task).
func (s *Server) handleConversationWS(w http.ResponseWriter, r *http.Request) {
	if !s.enabled.Load() || s.shutdown.Load() {
		http.NotFound(w, r)
		return
	}

	id := r.PathValue("id")
	ip := s.proxies.ClientIP(r)
	if !protocol.ValidID(id) {
		s.reject(w, ip, http.StatusBadRequest, "bad_request", "invalid conversation id")
		return
	}
	q := r.URL.Query()
	clientID := q.Get("client_id")
	if clientID == "" {
		s.reject(w, ip, http.StatusBadRequest, "bad_request", "client_id is required")
		return
	}
	var lastSeq int64
	if v := q.Get("last_sequence"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			s.reject(w, ip, http.StatusBadRequest, "bad_request", "invalid last_sequence")
			return
		}
		lastSeq = n
	}

	if !s.tracker.TryAdd(ip) {
		s.access.Write(AccessEvent{Event: "rejected", ClientIP: ip, ConversationID: id, ClientID: clientID, Reason: "too many connections"})
		s.reject(w, ip, http.StatusTooManyRequests, "too_many_connections", "too many connections from this address")
		return
	}
	defer s.tracker.Remove(ip)

	conv, err := s.manager.Open(r.Context(), id, q.Get("task_id"))
	if err != nil {
		switch {
		case errors.Is(err, conversation.ErrClosed):
			writeErrorJSON(w, http.StatusServiceUnavailable, "shutting_down", "server is shutting down")
			return
		case errors.Is(err, conversation.ErrUnknownTask):
			s.reject(w, ip, http.StatusBadRequest, "unknown_task", err.Error())
			return
		}
		s.logger.Error("failed to open conversation", "conversation_id", id, "error", err)
		writeErrorJSON(w, http.StatusInternalServerError, "internal", "failed to open conversation")
		return
	}

	logger := logging.WithConversation(s.logger, id, clientID)
	upgrader := newUpgrader(s.security, func(origin, host string, allowed bool, reason string) {
		logger.Debug("origin check", "origin", origin, "host", host, "allowed", allowed, "reason", reason)
	})
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("websocket upgrade failed", "error", err)
		s.guard.Report(ip, guard.OffenseRejected)
		return
	}
	codec, _ := protocol.CodecFor(ws.Subprotocol())

	c := newConn(ws, codec, s.security, newCommandLimiter(s.cfg.CommandRate, s.cfg.CommandBurst), clientID, logger)
	c.offense = func(o guard.Offense) {
		if s.guard.Report(ip, o) {
			s.access.Write(AccessEvent{Event: "blocked", ClientIP: ip, ConversationID: id, ClientID: clientID, Reason: string(o)})
			c.Close()
		}
	}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	}()

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		c.writePump()
	}()

	started := time.Now()
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	attach := conversation.AttachOptions{
		ClientID:     clientID,
		LastSequence: lastSeq,
		Codec:        codec.Name(),
		Observer:     c,
	}
	err = conv.Attach(ctx, attach)
	if errors.Is(err, conversation.ErrClosed) {
		// unloaded while idle between Open and Attach
		if conv, err = s.manager.Open(ctx, id, q.Get("task_id")); err == nil {
			err = conv.Attach(ctx, attach)
		}
	}
	if err != nil {
		logger.Warn("attach failed", "error", err)
		c.Close()
		<-pumpDone
		return
	}
	s.access.Write(AccessEvent{Event: "connected", ClientIP: ip, ConversationID: id, ClientID: clientID, Codec: codec.Name()})

	c.readPump(ctx, conv)
	conv.Detach(clientID, c)
	c.Close()
	<-pumpDone

	s.access.Write(AccessEvent{Event: "disconnected", ClientIP: ip, ConversationID: id, ClientID: clientID, Codec: codec.Name(), Duration: time.Since(started)})
	logger.Debug("client disconnected", "duration", time.Since(started))
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"client_ip", s.proxies.ClientIP(r),
			"user_agent", r.UserAgent(),
		)
		next.ServeHTTP(w, r)
	})
}
