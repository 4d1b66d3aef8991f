package securesocket

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Handshake step outcomes that are not failures.
var (
	ErrWantRead  = errors.New("securesocket: handshake wants to read")
	ErrWantWrite = errors.New("securesocket: handshake wants to write")
)

// Session is one TLS session bound to a connection.
type Session interface {
	// Step advances the handshake without blocking. It returns nil once the
	// handshake has completed, ErrWantRead or ErrWantWrite while it is
	// waiting for the peer, and any other error when it failed.
	Step() error
	// PeerCertificate returns a new handle to the peer's leaf certificate,
	// or nil when none was presented. The caller releases it.
	PeerCertificate() *Certificate
	// VerifyResult is the library's own verdict on the peer chain.
	VerifyResult() error
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	// Shutdown sends a close notification to the peer.
	Shutdown() error
	// Free releases the session. It is called exactly once, after the
	// underlying connection has been closed.
	Free()
}

// SessionFactory creates the session for a connection.
type SessionFactory func(conn net.Conn, cfg *tls.Config, client bool) Session

// readySession is implemented by sessions that can signal handshake
// progress so blocking callers need not poll.
type readySession interface {
	Ready() <-chan struct{}
}

// tlsSession runs the crypto/tls handshake on its own goroutine; Step only
// inspects whether it has finished.
type tlsSession struct {
	conn   *tls.Conn
	client bool
	host   string
	roots  *x509.CertPool

	start sync.Once
	done  chan struct{}
	err   error
	freed atomic.Bool
}

func newTLSSession(conn net.Conn, cfg *tls.Config, client bool) Session {
	s := &tlsSession{
		client: client,
		host:   cfg.ServerName,
		done:   make(chan struct{}),
	}
	if client {
		s.roots = cfg.RootCAs
		s.conn = tls.Client(conn, cfg)
	} else {
		s.roots = cfg.ClientCAs
		s.conn = tls.Server(conn, cfg)
	}
	return s
}

func (s *tlsSession) Step() error {
	s.start.Do(func() {
		go func() {
			s.err = s.conn.Handshake()
			close(s.done)
		}()
	})
	select {
	case <-s.done:
		return s.err
	default:
		return ErrWantRead
	}
}

func (s *tlsSession) Ready() <-chan struct{} {
	return s.done
}

func (s *tlsSession) PeerCertificate() *Certificate {
	state := s.conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil
	}
	return NewCertificate(state.PeerCertificates[0])
}

func (s *tlsSession) VerifyResult() error {
	state := s.conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return errors.New("no peer certificate")
	}

	intermediates := x509.NewCertPool()
	for _, c := range state.PeerCertificates[1:] {
		intermediates.AddCert(c)
	}
	opts := x509.VerifyOptions{
		Roots:         s.roots,
		Intermediates: intermediates,
		CurrentTime:   time.Now(),
	}
	if s.client {
		opts.DNSName = s.host
	} else {
		opts.KeyUsages = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	}
	if _, err := state.PeerCertificates[0].Verify(opts); err != nil {
		return fmt.Errorf("verify peer: %w", err)
	}
	return nil
}

func (s *tlsSession) Read(p []byte) (int, error) {
	return s.conn.Read(p)
}

func (s *tlsSession) Write(p []byte) (int, error) {
	return s.conn.Write(p)
}

func (s *tlsSession) Shutdown() error {
	select {
	case <-s.done:
	default:
		return errors.New("handshake not finished")
	}
	if s.err != nil {
		return s.err
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(time.Second))
	return s.conn.CloseWrite()
}

func (s *tlsSession) Free() {
	if !s.freed.CompareAndSwap(false, true) {
		panic("securesocket: session freed twice")
	}
}
