// Package host serves plugins over WebSocket JSON-RPC, WebSocket text and
// one-shot HTTP JSON-RPC. Every connection gets its own channel; completed
// messages are dispatched on a worker pool so the socket pumps never run
// plugin code.
package host

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/codefionn/pluginhost/internal/channel"
	"github.com/codefionn/pluginhost/internal/config"
	"github.com/codefionn/pluginhost/internal/core"
	"github.com/codefionn/pluginhost/internal/jsonrpc"
	"github.com/codefionn/pluginhost/internal/logger"
	"github.com/codefionn/pluginhost/internal/securemem"
	"github.com/codefionn/pluginhost/internal/securesocket"
	"github.com/codefionn/pluginhost/internal/worker"
)

// DefaultCallsign receives designators that name no plugin.
const DefaultCallsign = "Controller"

// maxRequestBody bounds one-shot HTTP JSON-RPC requests.
const maxRequestBody = 1 << 20

// Option configures a Server.
type Option func(*Server)

// WithTLSContext serves TLS with ctx instead of the files named in the
// configuration. The server takes its own reference.
func WithTLSContext(ctx *securesocket.Context) Option {
	return func(s *Server) {
		if s.tlsCtx != nil {
			s.tlsCtx.Release()
		}
		s.tlsCtx = ctx.Clone()
	}
}

// WithValidator replaces the client certificate policy derived from the
// configuration.
func WithValidator(v securesocket.Validator) Option {
	return func(s *Server) {
		s.validator = v
	}
}

// Server is the plugin host.
type Server struct {
	id      string
	started time.Time

	router   *httprouter.Router
	upgrader websocket.Upgrader
	registry *PluginRegistry
	channels *channelRegistry
	pool     *worker.Pool

	listen         string
	maxConnections int
	readBuffer     int
	writeBuffer    int
	pingInterval   atomic.Int64

	tokenMu sync.RWMutex
	token   *securemem.String

	tlsCtx    *securesocket.Context
	validator securesocket.Validator

	nextID    atomic.Uint32
	listening atomic.Bool
	poolUp    atomic.Bool

	handshakeFailures atomic.Uint64

	startOnce    sync.Once
	shutdownOnce sync.Once
	httpMu       sync.Mutex
	httpServer   *http.Server
}

// New builds a server from cfg. TLS material named in cfg is loaded here.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	token, err := cfg.ResolveToken()
	if err != nil {
		return nil, err
	}

	s := &Server{
		id:             uuid.NewString(),
		started:        time.Now(),
		router:         httprouter.New(),
		channels:       newChannelRegistry(),
		pool:           worker.New("jsonrpc", cfg.Workers.Count, cfg.Workers.Mailbox),
		listen:         cfg.ListenAddress(),
		maxConnections: cfg.Server.MaxConnections,
		readBuffer:     cfg.Server.ReadBuffer,
		writeBuffer:    cfg.Server.WriteBuffer,
		token:          securemem.NewString(token),
	}
	s.pingInterval.Store(int64(cfg.PingInterval()))
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.Server.ReadBuffer,
		WriteBufferSize: cfg.Server.WriteBuffer,
		CheckOrigin: func(r *http.Request) bool {
			return true // access is gated by the token
		},
	}
	s.registry = NewPluginRegistry(s.channels, s.channels.submitPayload, s.validateToken)

	for _, opt := range opts {
		opt(s)
	}

	if s.tlsCtx == nil && cfg.TLS.Enabled {
		ctx, err := securesocket.LoadContext(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.CAFile, cfg.TLS.RequireClientCert)
		if err != nil {
			s.token.Destroy()
			return nil, fmt.Errorf("load tls material: %w", err)
		}
		s.tlsCtx = ctx
	}
	if s.tlsCtx != nil && s.validator == nil {
		s.validator = clientValidator(s.tlsCtx, cfg.TLS.RequireClientCert, cfg.TLS.PinnedFingerprints)
	}

	s.setupRoutes()
	return s, nil
}

// clientValidator is the default policy for client certificates: pinned
// fingerprints win, then the CA store, and a missing certificate is fine
// unless one is required.
func clientValidator(ctx *securesocket.Context, required bool, pinned []string) securesocket.Validator {
	var pins *securesocket.PinnedValidator
	if len(pinned) > 0 {
		pins = securesocket.NewPinnedValidator(pinned...)
	}
	return securesocket.ValidatorFunc(func(cert *securesocket.Certificate) bool {
		if cert == nil {
			return !required
		}
		if pins != nil && pins.Validate(cert) {
			return true
		}
		if store := ctx.Store(); store != nil {
			return cert.Verify(store, x509.ExtKeyUsageClientAuth) == nil
		}
		return pins == nil
	})
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/jsonrpc", s.handleJSONRPCSocket)
	s.router.GET("/jsonrpc/:callsign", s.handleJSONRPCSocket)
	s.router.POST("/jsonrpc/:callsign", s.handleJSONRPCRequest)
	s.router.GET("/text/:callsign", s.handleTextSocket)
}

// Handler returns the HTTP handler, for embedding or httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ID returns the instance id reported by /health.
func (s *Server) ID() string {
	return s.id
}

// Register adds a plugin; see PluginRegistry.Register.
func (s *Server) Register(desc Descriptor) error {
	return s.registry.Register(desc)
}

// Plugins lists the registered plugins.
func (s *Server) Plugins() []PluginInfo {
	return s.registry.List()
}

// Activate starts a plugin.
func (s *Server) Activate(callsign string) core.ErrorCode {
	return s.registry.Activate(callsign)
}

// Deactivate stops a plugin.
func (s *Server) Deactivate(callsign string) core.ErrorCode {
	return s.registry.Deactivate(callsign)
}

// Observe registers fn for plugin state changes.
func (s *Server) Observe(fn StateObserver) {
	s.registry.Observe(fn)
}

// PingInterval returns the keep-alive period for new connections.
func (s *Server) PingInterval() time.Duration {
	return time.Duration(s.pingInterval.Load())
}

// Channels returns the number of open WebSocket connections.
func (s *Server) Channels() int {
	return s.channels.len()
}

// Authorized reports whether channelID is open and its token is still valid.
func (s *Server) Authorized(channelID uint32) bool {
	c := s.channels.get(channelID)
	return c != nil && s.tokenValid(c.token)
}

// Subsystems reports which parts of the host are up.
func (s *Server) Subsystems() map[string]bool {
	s.tokenMu.RLock()
	security := !s.token.IsEmpty()
	s.tokenMu.RUnlock()

	return map[string]bool{
		"network":  s.listening.Load(),
		"security": security,
		"tls":      s.tlsCtx != nil,
		"workers":  s.poolUp.Load(),
	}
}

// SetToken replaces the security token. Open connections are re-checked on
// their next call.
func (s *Server) SetToken(token string) {
	s.tokenMu.Lock()
	old := s.token
	s.token = securemem.NewString(token)
	s.tokenMu.Unlock()
	old.Destroy()
}

// ApplyConfig takes over the parts of cfg that can change at runtime.
func (s *Server) ApplyConfig(cfg *config.Config) error {
	token, err := cfg.ResolveToken()
	if err != nil {
		return err
	}
	s.SetToken(token)
	s.pingInterval.Store(int64(cfg.PingInterval()))
	return nil
}

func (s *Server) tokenValid(token string) bool {
	s.tokenMu.RLock()
	defer s.tokenMu.RUnlock()
	return s.token.IsEmpty() || s.token.Equal(token)
}

func (s *Server) validateToken(token, _, _ string) bool {
	return s.tokenValid(token)
}

// Start launches the worker pool and the auto-start plugins.
func (s *Server) Start(ctx context.Context) error {
	var err error
	s.startOnce.Do(func() {
		if err = s.pool.Start(ctx); err != nil {
			return
		}
		s.poolUp.Store(true)
		s.registry.ActivateAll()
	})
	return err
}

// Listen opens the configured listening socket with the connection limit
// and, when configured, the TLS layer applied.
func (s *Server) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", s.listen, err)
	}
	return s.wrapListener(ln), nil
}

func (s *Server) wrapListener(ln net.Listener) net.Listener {
	if s.maxConnections > 0 {
		ln = netutil.LimitListener(ln, s.maxConnections)
	}
	if s.tlsCtx != nil {
		opts := []securesocket.Option{securesocket.WithStateChange(s.handshakeDone)}
		if s.validator != nil {
			opts = append(opts, securesocket.WithValidator(s.validator))
		}
		ln = securesocket.NewListener(ln, s.tlsCtx, opts...)
	}
	return ln
}

// handshakeDone runs when an accepted TLS socket leaves Exchange. A failed
// handshake never reaches the router, so it is only visible here.
func (s *Server) handshakeDone(state securesocket.State) {
	if state != securesocket.Error {
		return
	}
	n := s.handshakeFailures.Add(1)
	logger.Trace(logger.CategoryHandshake, func() string {
		return fmt.Sprintf("rejected tls client (%d so far)", n)
	})
}

// HandshakeFailures returns the number of TLS clients rejected so far.
func (s *Server) HandshakeFailures() uint64 {
	return s.handshakeFailures.Load()
}

// Run listens on the configured address and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down. ln is used
// as given; Listen applies the configured wrappers.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if err := s.Start(ctx); err != nil {
		_ = ln.Close()
		return err
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.NewSlogHandler(logger.Global().WithPrefix("http")), slog.LevelWarn),
	}
	s.httpMu.Lock()
	s.httpServer = srv
	s.httpMu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.listening.Store(true)
		defer s.listening.Store(false)
		logger.Info("plugin host %s listening on %s", s.id, ln.Addr())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Shutdown stops accepting, closes every connection, deactivates all
// plugins and stops the worker pool.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.httpMu.Lock()
		srv := s.httpServer
		s.httpMu.Unlock()
		if srv != nil {
			if shutdownErr := srv.Shutdown(ctx); shutdownErr != nil {
				err = shutdownErr
			}
		}

		// Hijacked WebSocket connections are not tracked by http.Server.
		for _, c := range s.channels.snapshot() {
			c.close()
		}

		s.registry.DeactivateAll()
		if stopErr := s.pool.Stop(ctx); stopErr != nil && err == nil {
			err = stopErr
		}
		s.poolUp.Store(false)

		s.tokenMu.Lock()
		s.token.Destroy()
		s.tokenMu.Unlock()
		if s.tlsCtx != nil {
			s.tlsCtx.Release()
		}
		logger.Info("plugin host %s stopped", s.id)
	})
	return err
}

// requestToken extracts the token from the Authorization header or the
// token query parameter.
func requestToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

func (s *Server) handleJSONRPCSocket(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	callsign := ps.ByName("callsign")
	if callsign != "" {
		if _, ok := s.registry.State(callsign); !ok {
			http.Error(w, "unknown callsign", http.StatusNotFound)
			return
		}
	}
	s.upgrade(w, r, callsign, channel.JSONRPC)
}

func (s *Server) handleTextSocket(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	callsign := ps.ByName("callsign")
	if _, ok := s.registry.State(callsign); !ok {
		http.Error(w, "unknown callsign", http.StatusNotFound)
		return
	}
	s.upgrade(w, r, callsign, channel.Text)
}

func (s *Server) upgrade(w http.ResponseWriter, r *http.Request, callsign string, state channel.State) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed: %v", err)
		return
	}

	id := s.nextID.Add(1)
	c := newConnection(s, ws, id, r.URL.Path, callsign, requestToken(r))
	s.channels.add(c)
	c.ch.SetState(state, true)

	logger.Debug("channel %d opened on %s from %s", id, r.URL.Path, r.RemoteAddr)
	go c.run()
}

// handleJSONRPCRequest serves one JSON-RPC call over plain HTTP.
func (s *Server) handleJSONRPCRequest(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	callsign := ps.ByName("callsign")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
		return
	}

	var msg jsonrpc.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		writeJSON(w, http.StatusOK, jsonrpc.ParseErrorResponse())
		return
	}

	// Nothing would ever pick the job up before Start or after Shutdown.
	if !s.poolUp.Load() {
		s.writeUnavailable(w, &msg)
		return
	}

	id := s.nextID.Add(1)
	ctx := jsonrpc.Context{ChannelID: id, Token: requestToken(r)}
	result := make(chan *jsonrpc.Message, 1)
	err = s.pool.Submit(func(context.Context) {
		result <- s.invoke(ctx, callsign, &msg)
	})
	if err != nil {
		s.writeUnavailable(w, &msg)
		return
	}

	var resp *jsonrpc.Message
	select {
	case resp = <-result:
	case <-r.Context().Done():
		return
	}
	// Subscriptions made over a one-shot request cannot be served.
	s.registry.ChannelClosed(id)

	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeUnavailable(w http.ResponseWriter, msg *jsonrpc.Message) {
	if resp := errorResponse(msg, core.ErrorUnavailable); resp != nil {
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]any{
		"instance":               s.id,
		"uptime_seconds":         int64(time.Since(s.started).Seconds()),
		"channels":               s.channels.len(),
		"plugins":                s.registry.List(),
		"subsystems":             s.Subsystems(),
		"tls_handshake_failures": s.handshakeFailures.Load(),
		"workers": map[string]any{
			"size":      s.pool.Size(),
			"running":   s.pool.Running(),
			"pending":   s.pool.Pending(),
			"completed": s.pool.Completed(),
		},
	})
}

// invoke routes msg to its plugin. scope is the callsign of the route the
// message arrived on, empty for the unscoped endpoint.
func (s *Server) invoke(ctx jsonrpc.Context, scope string, msg *jsonrpc.Message) *jsonrpc.Message {
	if msg.Designator == "" {
		return errorResponse(msg, core.ErrorParse)
	}

	callsign := scope
	if callsign == "" {
		callsign = msg.Callsign()
		if callsign == "" {
			callsign = DefaultCallsign
		}
	}

	d := s.registry.Dispatcher(callsign)
	if d == nil {
		return errorResponse(msg, core.ErrorUnavailable)
	}
	return d.Invoke(ctx, msg)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("write response: %v", err)
	}
}
