package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aeolun/parlor/pkg/chat"
	"github.com/aeolun/parlor/pkg/protocol"
)

// Server serves the chat over WebSocket on top of a chat.Service.
type Server struct {
	chat      *chat.Service
	sessions  *SessionManager
	config    ServerConfig
	logger    *zap.Logger
	metrics   *Metrics
	upgrader  websocket.Upgrader
	startTime time.Time

	shutdown chan struct{}
	stopOnce sync.Once
	stopMu   sync.Mutex // orders wg.Add against Stop
	stopped  bool
	wg       sync.WaitGroup // stats loop and connection handlers
}

// ServerConfig holds server configuration
type ServerConfig struct {
	HTTPAddr          string // Public address for /ws and /health
	MetricsAddr       string // Internal address for /metrics ("" = disabled)
	MaxMessageLength  int    // bytes, 0 = unlimited
	MaxUsernameLength int    // characters, 0 = unlimited
	PingInterval      time.Duration
	ReadTimeout       time.Duration // must exceed PingInterval
	StatsInterval     time.Duration // 0 disables the periodic stats log
	ShutdownTimeout   time.Duration
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:          ":8080",
		MetricsAddr:       ":9090",
		MaxMessageLength:  4096,
		MaxUsernameLength: 32,
		PingInterval:      30 * time.Second,
		ReadTimeout:       90 * time.Second,
		StatsInterval:     time.Minute,
		ShutdownTimeout:   10 * time.Second,
	}
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetrics attaches Prometheus metrics. Without it nothing is recorded.
func WithMetrics(m *Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// NewServer creates a new server instance
func NewServer(svc *chat.Service, config ServerConfig, opts ...Option) *Server {
	s := &Server{
		chat:      svc,
		config:    config,
		logger:    zap.NewNop(),
		startTime: time.Now(),
		shutdown:  make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Clients authenticate with a cookie inside each event, not with
			// browser credentials, so cross-origin pages gain nothing.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("server")

	s.sessions = NewSessionManager()
	s.sessions.SetMetrics(s.metrics)
	if s.metrics != nil {
		s.metrics.TrackStats(svc.Stats)
	}
	return s
}

// Handler returns the public mux: /ws and /health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWebSocket)
	mux.HandleFunc("/health", s.HealthHandler)
	return mux
}

// MetricsHandler returns the internal mux: /metrics and /health.
func (s *Server) MetricsHandler() http.Handler {
	mux := http.NewServeMux()
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	mux.HandleFunc("/health", s.HealthHandler)
	return mux
}

// Sessions exposes the connection registry.
func (s *Server) Sessions() *SessionManager {
	return s.sessions
}

// Run serves until ctx is cancelled or a listener fails, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	public, err := net.Listen("tcp", s.config.HTTPAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.HTTPAddr, err)
	}
	servers := []*http.Server{{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}}
	listeners := []net.Listener{public}
	s.logger.Info("public HTTP server listening", zap.String("addr", public.Addr().String()), zap.String("endpoints", "/ws, /health"))

	if s.config.MetricsAddr != "" && s.metrics != nil {
		internal, err := net.Listen("tcp", s.config.MetricsAddr)
		if err != nil {
			public.Close()
			return fmt.Errorf("failed to listen on %s: %w", s.config.MetricsAddr, err)
		}
		servers = append(servers, &http.Server{Handler: s.MetricsHandler(), ReadHeaderTimeout: 10 * time.Second})
		listeners = append(listeners, internal)
		s.logger.Info("metrics server listening (internal only)", zap.String("addr", internal.Addr().String()))
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range servers {
		srv, ln := servers[i], listeners[i]
		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve %s: %w", ln.Addr(), err)
			}
			return nil
		})
	}

	if s.config.StatsInterval > 0 && s.track() {
		go s.statsLoggingLoop()
	}

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("graceful shutdown initiated")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, err)
			}
		}
		s.Stop()
		return errors.Join(errs...)
	})

	return g.Wait()
}

// Stop closes every WebSocket session and waits for background loops and
// in-flight event handlers to return. It does not close the chat.Service's
// persister; the caller owns that.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.stopMu.Lock()
		s.stopped = true
		close(s.shutdown)
		s.stopMu.Unlock()

		n := s.sessions.Count()
		s.sessions.CloseAll()
		s.wg.Wait()
		s.logger.Info("all sessions closed", zap.Int("sessions", n))
	})
}

// track adds one goroutine to wg unless Stop has begun.
func (s *Server) track() bool {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()
	if s.stopped {
		return false
	}
	s.wg.Add(1)
	return true
}

// HealthHandler reports liveness and a few counters as JSON.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	stats := s.chat.Stats()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"connections":    s.sessions.Count(),
		"online_users":   s.sessions.CountOnlineUsers(),
		"users":          stats.Users,
		"channels":       stats.Channels,
	})
}

// HandleWebSocket upgrades the request and serves events until the client
// goes away or the server stops.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.track() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error.
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(protocol.MaxEnvelopeSize)

	sess := s.sessions.CreateSession(conn)
	logger := s.logger.With(zap.String("session", sess.ID.String()))
	logger.Debug("connection opened", zap.String("remote", sess.RemoteAddr))
	defer func() {
		s.sessions.RemoveSession(sess.ID)
		logger.Debug("connection closed", zap.String("user", sess.Username()))
	}()

	// Stop may have run CloseAll before this session was registered.
	select {
	case <-s.shutdown:
		return
	default:
	}

	if s.config.ReadTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		})
	}

	done := make(chan struct{})
	defer close(done)
	if s.config.PingInterval > 0 {
		go s.pingLoop(sess, done)
	}

	s.messageLoop(sess, logger)
}

// messageLoop handles messages for an established connection
func (s *Server) messageLoop(sess *Session, logger *zap.Logger) {
	for {
		data, err := sess.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				logger.Debug("read error", zap.Error(err))
			}
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			s.metrics.eventHandled("invalid", "error")
			s.sendError(sess, err.Error())
			continue
		}

		logger.Debug("recv", zap.String("type", env.Type), zap.Int("bytes", len(data)))
		if err := s.handleMessage(sess, env); err != nil {
			s.metrics.eventHandled(env.Type, "error")
			logger.Debug("event failed", zap.String("type", env.Type), zap.Error(err))
			s.sendError(sess, err.Error())
			continue
		}
		s.metrics.eventHandled(env.Type, "ok")
	}
}

// pingLoop keeps the connection's read deadline alive through pongs.
func (s *Server) pingLoop(sess *Session, done <-chan struct{}) {
	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := sess.Conn.Ping(); err != nil {
				return
			}
		case <-done:
			return
		case <-s.shutdown:
			return
		}
	}
}

// statsLoggingLoop periodically logs store and connection counts
func (s *Server) statsLoggingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			stats := s.chat.Stats()
			s.logger.Info("stats",
				zap.Int("connections", s.sessions.Count()),
				zap.Int("online_users", s.sessions.CountOnlineUsers()),
				zap.Int("users", stats.Users),
				zap.Int("channels", stats.Channels))
		}
	}
}

// sendError sends an error event to a session
func (s *Server) sendError(sess *Session, reason string) error {
	return sess.Conn.Send(protocol.TypeError, protocol.Failure{Reason: reason})
}
