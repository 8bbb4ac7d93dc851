package gateway

import (
	"context"
	"crypto/tls"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ActiveStack/gateway/bridge"
	"github.com/ActiveStack/gateway/client"
	"github.com/ActiveStack/gateway/errors"
	"github.com/ActiveStack/gateway/health"
	"github.com/ActiveStack/gateway/metric"
	"github.com/ActiveStack/gateway/pkg/tlsutil"
	"github.com/ActiveStack/gateway/session"
)

// HealthComponent is the health monitor entry for the listener
const HealthComponent = "websocket"

// Runtime is the part of the worker runtime the server reports to
type Runtime interface {
	SetClientQueueLength(n int)
	ResendInterval() time.Duration
	CatchAndWarn(what string, fn func() error)
}

// Closer is a named resource released on a fatal error
type Closer struct {
	Name  string
	Close func() error
}

// Deps are the collaborators of a Server
type Deps struct {
	Exchange bridge.Exchange
	Signer   *session.Signer
	Runtime  Runtime
	Metrics  *metric.Metrics
	Health   *health.Monitor
	Logger   *slog.Logger
	// Closers are released in order by HandleError
	Closers []Closer
}

type entry struct {
	conn   *conn
	client *client.Client
}

// Server accepts websocket connections and owns one client session per
// connection
type Server struct {
	cfg      Config
	deps     Deps
	logger   *slog.Logger
	upgrader websocket.Upgrader
	limiter  *rate.Limiter

	accepting atomic.Bool

	mu      sync.Mutex
	entries map[string]entry
	http    *http.Server
	addr    net.Addr
}

// NewServer creates a server. cfg is validated and defaulted.
func NewServer(cfg Config, deps Deps) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Exchange == nil || deps.Runtime == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Server", "NewServer",
			"exchange and runtime are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  logger.With("component", "gateway"),
		limiter: rate.NewLimiter(rate.Limit(cfg.AcceptRate), cfg.AcceptBurst),
		entries: make(map[string]entry),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.accepting.Store(true)
	return s, nil
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Handler returns the HTTP handler serving upgrades on the configured path
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleUpgrade)
	return mux
}

// ListenAndServe listens on the configured address until ctx ends. Open
// connections are closed when it returns.
func (s *Server) ListenAndServe(ctx context.Context) error {
	tlsConfig, err := tlsutil.LoadServerTLSConfig(s.cfg.TLS)
	if err != nil {
		return errors.WrapFatal(err, "Server", "ListenAndServe", "load TLS config")
	}

	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return errors.WrapFatal(err, "Server", "ListenAndServe", "listen on "+s.cfg.Addr())
	}
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.http = srv
	s.addr = ln.Addr()
	s.mu.Unlock()

	s.logger.Info("Websocket server listening", "addr", ln.Addr().String(), "path", s.cfg.Path, "tls", tlsConfig != nil)
	if s.deps.Health != nil {
		s.deps.Health.UpdateHealthy(HealthComponent, "listening")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return errors.WrapFatal(err, "Server", "ListenAndServe", "serve")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.OnShutdown()
		s.closeAll()
		return nil
	})
	return g.Wait()
}

// Addr returns the bound address once ListenAndServe is listening
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// ClientCount returns the number of open connections
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Accepting reports whether new connections are taken
func (s *Server) Accepting() bool {
	return s.accepting.Load()
}

// admit decides whether a new connection may be upgraded
func (s *Server) admit() error {
	if !s.accepting.Load() {
		return errors.ErrShuttingDown
	}
	if !s.limiter.Allow() {
		return errors.ErrRateLimited
	}
	return nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if err := s.admit(); err != nil {
		switch {
		case stderrors.Is(err, errors.ErrShuttingDown):
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		default:
			s.logger.Warn("Rejecting connection, accept rate exceeded", "remote", r.RemoteAddr)
			http.Error(w, "too many connections", http.StatusTooManyRequests)
		}
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("Websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	id := uuid.NewString()
	logger := s.logger.With("conn", id)
	c := newConn(id, ws, s.cfg, logger)
	cl := client.New(client.Config{
		ID:             id,
		Transport:      c,
		Exchange:       s.deps.Exchange,
		Signer:         s.deps.Signer,
		Logger:         s.logger,
		Metrics:        s.deps.Metrics,
		ResendInterval: s.deps.Runtime.ResendInterval,
		RequestTimeout: s.cfg.RequestTimeout,
	})
	cl.AddDisposeListener(client.DisposeFunc(func(_ *client.Client, serverTerminated bool) {
		logger.Debug("Client disposed itself, closing connection", "server_terminated", serverTerminated)
		_ = c.Close()
	}))

	s.mu.Lock()
	s.entries[id] = entry{conn: c, client: cl}
	n := len(s.entries)
	s.mu.Unlock()
	s.deps.Metrics.ClientConnected(1)
	s.deps.Runtime.SetClientQueueLength(n)
	logger.Debug("Client connected", "remote", r.RemoteAddr, "clients", n)

	go c.writePump()
	c.readPump(func(env envelope) { s.route(c, cl, env) })
	s.end(c, cl)
}

// route hands one client frame to its session
func (s *Server) route(c *conn, cl *client.Client, env envelope) {
	switch env.Event {
	case "message":
		var special map[string]json.RawMessage
		if err := json.Unmarshal(env.Data, &special); err != nil {
			c.logger.Warn("Ignoring malformed message event", "error", err)
			return
		}
		cl.HandleSpecial(special)
	case "logout":
		// The connection stays open so the cleared token reaches the client
		s.forward(c, cl, env)
		cl.Logout()
	default:
		s.forward(c, cl, env)
	}
}

func (s *Server) forward(c *conn, cl *client.Client, env envelope) {
	if err := cl.HandleEvent(env.Event, env.Data); err != nil {
		c.logger.Debug("Request not forwarded", "event", env.Event, "error", err)
	}
}

// end disposes the session of a finished connection and reports the new
// client count
func (s *Server) end(c *conn, cl *client.Client) {
	cl.Dispose()
	_ = c.Close()

	s.mu.Lock()
	delete(s.entries, c.id)
	n := len(s.entries)
	s.mu.Unlock()

	s.deps.Metrics.ClientConnected(-1)
	s.deps.Runtime.SetClientQueueLength(n)
	c.logger.Debug("Client connection ended", "clients", n)
}

// OnShutdown stops accepting new connections. Open connections stay up
// until their clients leave or the worker exits.
func (s *Server) OnShutdown() {
	if !s.accepting.Swap(false) {
		return
	}
	s.logger.Info("No longer accepting websocket connections")

	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return
	}
	s.deps.Runtime.CatchAndWarn("http server", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	})
}

// HandleError releases every resource after a fatal error in source
func (s *Server) HandleError(err error, source string) {
	s.accepting.Store(false)
	if s.deps.Health != nil {
		s.deps.Health.UpdateUnhealthy(source, err.Error())
		s.deps.Health.UpdateUnhealthy(HealthComponent, "closed after fatal "+source+" error")
	}

	for _, closer := range s.deps.Closers {
		s.deps.Runtime.CatchAndWarn(closer.Name, closer.Close)
	}
	s.closeAll()

	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv != nil {
		s.deps.Runtime.CatchAndWarn("http server", srv.Close)
	}
}

// closeAll closes every open connection
func (s *Server) closeAll() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.entries))
	for _, e := range s.entries {
		conns = append(conns, e.conn)
	}
	s.mu.Unlock()

	for _, c := range conns {
		s.deps.Runtime.CatchAndWarn("client "+c.id, c.Close)
	}
}
