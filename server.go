package wspipe

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coregate/wspipe/internal/wsmetrics"
)

// maxHandshakeHeaderBytes caps the size of an inbound Upgrade request's
// header block; anything larger is rejected during the handshake.
const maxHandshakeHeaderBytes = 64 << 10

// ServerOption configures a [Server].
type ServerOption func(*serverConfig)

type serverConfig struct {
	connConfig
	tlsConfig *tls.Config
}

// WithServerHandshakeTimeout bounds how long the server waits, after a
// TCP accept, for a complete HTTP/1.1 Upgrade request. A raw TCP client
// that never sends bytes is disconnected once this elapses. Default 5s.
func WithServerHandshakeTimeout(d time.Duration) ServerOption {
	return func(c *serverConfig) { c.closeTimeout = d }
}

// WithServerDisconnectOnException controls whether a panicking [Listener]
// callback forces the connection closed (default true).
func WithServerDisconnectOnException(b bool) ServerOption {
	return func(c *serverConfig) { c.disconnectOnException = b }
}

// WithServerWatermarks sets the default write-buffer high/low watermarks,
// in bytes, applied to every accepted connection.
func WithServerWatermarks(high, low int64) ServerOption {
	return func(c *serverConfig) { c.highWatermark, c.lowWatermark = high, low }
}

// WithServerMaxPayload bounds the size of a single inbound frame's
// payload on every accepted connection. Default [DefaultMaxPayload].
func WithServerMaxPayload(n uint64) ServerOption {
	return func(c *serverConfig) { c.maxPayload = n }
}

// WithServerTLSConfig makes the [Server] terminate TLS before the
// WebSocket handshake runs, turning "ws://" clients into "wss://" ones.
func WithServerTLSConfig(tc *tls.Config) ServerOption {
	return func(c *serverConfig) { c.tlsConfig = tc }
}

// WithServerMetrics attaches a connection-lifecycle/backpressure recorder
// shared by every connection this server accepts.
func WithServerMetrics(m *wsmetrics.Recorder) ServerOption {
	return func(c *serverConfig) { c.metrics = m }
}

// WithServerLogger overrides the [slog.Logger] used for connections
// accepted by this server. Default is [slog.Default].
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(c *serverConfig) { c.logger = l }
}

// Server listens for and accepts incoming WebSocket connections.
// Each accepted connection is handed to factory, which decides whether
// to accept it and, if so, which [Listener] should receive its events.
type Server struct {
	addr    string
	factory ListenerFactory
	cfg     connConfig
	tlsCfg  *tls.Config

	mu       sync.Mutex
	http     *http.Server
	listener net.Listener
}

// NewServer constructs a [Server] that will listen on addr (host:port)
// once [Server.ListenAndServe] is called.
func NewServer(addr string, factory ListenerFactory, opts ...ServerOption) *Server {
	cfg := serverConfig{
		connConfig: connConfig{
			disconnectOnException: true,
			closeTimeout:          5 * time.Second,
			maxPayload:            DefaultMaxPayload,
			logger:                slog.Default(),
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Server{addr: addr, factory: factory, cfg: cfg.connConfig, tlsCfg: cfg.tlsConfig}
}

// ListenAndServe binds the listening socket and serves upgrade requests
// until [Server.Close] is called or an unrecoverable accept error
// occurs. It blocks; run it from its own goroutine.
func (s *Server) ListenAndServe() error {
	var l net.Listener
	var err error
	if s.tlsCfg != nil {
		l, err = tls.Listen("tcp", s.addr, s.tlsCfg)
	} else {
		l, err = net.Listen("tcp", s.addr)
	}
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)

	hs := &http.Server{
		Addr:           s.addr,
		Handler:        mux,
		ReadTimeout:    s.cfg.closeTimeout,
		MaxHeaderBytes: maxHandshakeHeaderBytes,
	}

	s.mu.Lock()
	s.listener = l
	s.http = hs
	s.mu.Unlock()

	s.cfg.logger.Info("WebSocket server listening", slog.String("addr", l.Addr().String()))
	err = hs.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Close stops accepting new connections and shuts down the underlying
// [http.Server]. It does not forcibly disconnect already-open
// connections; callers that need that should track [Transport]s
// themselves via factory and call [Transport.Disconnect] on each.
func (s *Server) Close() error {
	s.mu.Lock()
	hs := s.http
	s.mu.Unlock()
	if hs == nil {
		return nil
	}
	return hs.Shutdown(context.Background())
}

// Addr returns the server's bound address, or nil if
// [Server.ListenAndServe] hasn't bound the socket yet.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	c, err := wsUpgrade(w, r, s.factory, s.cfg)
	if err != nil {
		s.cfg.logger.Warn("WebSocket handshake rejected", slog.Any("error", err))
		return
	}
	c.run()
}
