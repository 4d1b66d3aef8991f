package securesocket

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// Conn adapts a Socket to net.Conn for the blocking Go net stack. Read and
// Write wait for the handshake to finish.
type Conn struct {
	socket    *Socket
	raw       net.Conn
	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps a socket that has been initialized.
func NewConn(socket *Socket) *Conn {
	return &Conn{socket: socket, raw: socket.conn}
}

// Socket returns the underlying state machine.
func (c *Conn) Socket() *Socket {
	return c.socket
}

// Handshake blocks until the handshake has completed.
func (c *Conn) Handshake(ctx context.Context) error {
	return c.socket.Handshake(ctx)
}

func (c *Conn) Read(p []byte) (int, error) {
	if err := c.socket.Handshake(context.Background()); err != nil {
		return 0, err
	}
	return c.socket.Read(p)
}

func (c *Conn) Write(p []byte) (int, error) {
	if err := c.socket.Handshake(context.Background()); err != nil {
		return 0, err
	}
	return c.socket.Write(p)
}

// Close may be called more than once; only the first call reaches the
// socket.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.socket.Close()
	})
	return c.closeErr
}

func (c *Conn) LocalAddr() net.Addr                { return c.raw.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr               { return c.raw.RemoteAddr() }
func (c *Conn) SetDeadline(t time.Time) error      { return c.raw.SetDeadline(t) }
func (c *Conn) SetReadDeadline(t time.Time) error  { return c.raw.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.raw.SetWriteDeadline(t) }

// Listener accepts connections and runs the server side of the handshake on
// each of them. The handshake itself happens on first use of the Conn, so
// Accept never blocks on a slow peer.
type Listener struct {
	net.Listener
	tlsContext *Context
	opts       []Option
}

// NewListener wraps inner. The listener keeps its own reference to ctx.
func NewListener(inner net.Listener, ctx *Context, opts ...Option) *Listener {
	return &Listener{Listener: inner, tlsContext: ctx.Clone(), opts: opts}
}

// Accept returns the next connection as a *Conn.
func (l *Listener) Accept() (net.Conn, error) {
	raw, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	socket := New(raw, l.tlsContext, false, l.opts...)
	if err := socket.Initialize(""); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("initialize tls: %w", err)
	}
	return NewConn(socket), nil
}

// Close stops accepting and releases the context.
func (l *Listener) Close() error {
	err := l.Listener.Close()
	l.tlsContext.Release()
	return err
}

// Dial connects to addr and completes the client side of the handshake.
// host overrides the SNI name; when empty the host part of addr is used.
func Dial(ctx context.Context, network, addr, host string, tlsCtx *Context, opts ...Option) (*Conn, error) {
	var dialer net.Dialer
	raw, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}

	if host == "" {
		if h, _, splitErr := net.SplitHostPort(addr); splitErr == nil {
			host = h
		} else {
			host = addr
		}
	}

	socket := New(raw, tlsCtx, true, opts...)
	conn := NewConn(socket)
	if err := socket.Initialize(host); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := conn.Handshake(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("tls handshake with %s: %w", addr, err)
	}
	return conn, nil
}
