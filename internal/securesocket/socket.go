// Package securesocket layers a TLS session over a connection as an explicit
// handshake state machine. The handshake is advanced one step per readiness
// event (Update) or opportunistically from Read, the peer certificate is
// checked against a pluggable Validator, and application data only flows
// once the socket is Open.
package securesocket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/codefionn/pluginhost/internal/logger"
)

// Errors returned while application data cannot flow.
var (
	ErrHandshakePending = errors.New("securesocket: handshake not complete")
	ErrHandshakeFailed  = errors.New("securesocket: handshake failed")
)

// State is the handshake progress of a Socket.
type State int32

const (
	Idle State = iota
	Exchange
	Open
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Exchange:
		return "EXCHANGE"
	case Open:
		return "OPEN"
	case Error:
		return "ERROR"
	default:
		return fmt.Sprintf("STATE(%d)", int32(s))
	}
}

// Option configures a Socket.
type Option func(*Socket)

// WithValidator installs the peer certificate validator.
func WithValidator(v Validator) Option {
	return func(s *Socket) { s.validator = v }
}

// WithStateChange registers the callback for transitions to Open or Error.
func WithStateChange(fn func(State)) Option {
	return func(s *Socket) { s.onStateChange = fn }
}

// WithTrigger registers the callback that re-arms write readiness.
func WithTrigger(fn func()) Option {
	return func(s *Socket) { s.onTrigger = fn }
}

// WithSessionFactory replaces the crypto/tls session.
func WithSessionFactory(f SessionFactory) Option {
	return func(s *Socket) { s.newSession = f }
}

// Socket is the TLS state machine for one connection.
type Socket struct {
	conn          net.Conn
	tlsContext    *Context
	local         bool
	validator     Validator
	onStateChange func(State)
	onTrigger     func()
	newSession    SessionFactory

	mu      sync.Mutex
	state   State
	session Session
	host    string
	closed  bool
}

// New wraps conn. local marks a locally initiated connection, which runs the
// client side of the handshake. The socket keeps its own reference to ctx.
func New(conn net.Conn, ctx *Context, local bool, opts ...Option) *Socket {
	s := &Socket{
		conn:       conn,
		tlsContext: ctx.Clone(),
		local:      local,
		newSession: newTLSSession,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize creates the session and enters Exchange. host is used for SNI
// and peer name verification; when empty the remote address's host is used.
func (s *Socket) Initialize(host string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return net.ErrClosed
	}
	if s.state != Idle {
		return fmt.Errorf("securesocket: initialize in state %s", s.state)
	}
	if host == "" {
		host = remoteHost(s.conn)
	}
	s.host = host
	s.session = s.newSession(s.conn, s.tlsContext.config(s.local, host), s.local)
	s.state = Exchange

	logger.Trace(logger.CategoryHandshake, func() string {
		direction := "server"
		if s.local {
			direction = "client"
		}
		return fmt.Sprintf("tls %s handshake with %s (%s)", direction, s.conn.RemoteAddr(), host)
	})
	return nil
}

func remoteHost(conn net.Conn) string {
	addr := conn.RemoteAddr()
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// State returns the handshake state.
func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Host returns the name used for SNI.
func (s *Socket) Host() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.host
}

// Update performs one handshake step. It does nothing unless the socket is
// in Exchange; Open and Error are final.
func (s *Socket) Update() {
	s.mu.Lock()
	if s.state != Exchange {
		s.mu.Unlock()
		return
	}

	trigger := false
	next := s.state
	switch err := s.session.Step(); {
	case err == nil:
		if s.validateLocked() {
			next = Open
		} else {
			next = Error
		}
	case errors.Is(err, ErrWantWrite):
		trigger = true
	case errors.Is(err, ErrWantRead):
	default:
		logger.Trace(logger.CategoryHandshake, func() string {
			return fmt.Sprintf("tls handshake with %s failed: %v", s.conn.RemoteAddr(), err)
		})
		next = Error
	}
	changed := next != s.state
	s.state = next
	s.mu.Unlock()

	if trigger && s.onTrigger != nil {
		s.onTrigger()
	}
	if changed {
		logger.Trace(logger.CategoryHandshake, func() string {
			return fmt.Sprintf("tls handshake with %s: %s", s.conn.RemoteAddr(), next)
		})
		if s.onStateChange != nil {
			s.onStateChange(next)
		}
	}
}

// ValidateHandShake checks the peer of a completed handshake. Without a peer
// certificate only a Validator that accepts nil can open the socket. With a
// Validator installed its verdict is final; otherwise the library
// verification decides.
func (s *Socket) ValidateHandShake() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return false
	}
	return s.validateLocked()
}

func (s *Socket) validateLocked() bool {
	cert := s.session.PeerCertificate()
	if cert == nil {
		return s.validator != nil && s.validator.Validate(nil)
	}
	defer cert.Release()

	if s.validator != nil {
		return s.validator.Validate(cert)
	}
	if err := s.session.VerifyResult(); err != nil {
		logger.Warn("securesocket: peer %s rejected: %v", s.conn.RemoteAddr(), err)
		return false
	}
	return true
}

// Read advances a pending handshake and then reads decrypted data. Until
// the socket is Open it returns ErrHandshakePending, or ErrHandshakeFailed
// once the handshake has failed.
func (s *Socket) Read(p []byte) (int, error) {
	if s.State() == Exchange {
		s.Update()
	}
	session, err := s.openSession()
	if err != nil {
		return 0, err
	}
	return session.Read(p)
}

// Write encrypts p. It fails unless the socket is Open.
func (s *Socket) Write(p []byte) (int, error) {
	session, err := s.openSession()
	if err != nil {
		return 0, err
	}
	return session.Write(p)
}

func (s *Socket) openSession() (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return nil, net.ErrClosed
	case s.state == Open:
		return s.session, nil
	case s.state == Error:
		return nil, ErrHandshakeFailed
	default:
		return nil, ErrHandshakePending
	}
}

// Handshake blocks until the handshake is Open or has failed, or ctx ends.
func (s *Socket) Handshake(ctx context.Context) error {
	for {
		s.Update()

		s.mu.Lock()
		state, session, closed := s.state, s.session, s.closed
		s.mu.Unlock()

		switch {
		case closed:
			return net.ErrClosed
		case state == Open:
			return nil
		case state == Error:
			return ErrHandshakeFailed
		case state == Idle:
			return ErrHandshakePending
		}

		ready, ok := session.(readySession)
		if !ok {
			return ErrHandshakePending
		}
		select {
		case <-ready.Ready():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close sends a best-effort close notification, closes the connection and
// then frees the session. Closing twice is a programming error.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		panic("securesocket: socket closed twice")
	}
	s.closed = true
	session := s.session
	s.mu.Unlock()

	if session != nil {
		if err := session.Shutdown(); err != nil {
			logger.Trace(logger.CategorySocket, func() string {
				return fmt.Sprintf("tls shutdown with %s: %v", s.conn.RemoteAddr(), err)
			})
		}
	}
	err := s.conn.Close()
	if session != nil {
		session.Free()
	}
	s.tlsContext.Release()
	return err
}
