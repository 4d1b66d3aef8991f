// Package client talks JSON-RPC to a remote plugin host over WebSocket. A
// Client multiplexes concurrent calls on one connection and routes event
// notifications to the callbacks registered with Subscribe.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/codefionn/pluginhost/internal/core"
	"github.com/codefionn/pluginhost/internal/jsonrpc"
	"github.com/codefionn/pluginhost/internal/logger"
	"github.com/codefionn/pluginhost/internal/securesocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	defaultRetry = 10 * time.Second
)

// ErrClosed is returned by calls on a closed client.
var ErrClosed = errors.New("client: connection closed")

// RPCError is an error response from the remote host. It unwraps to the
// core.ErrorCode so callers can use errors.Is.
type RPCError struct {
	Code    core.ErrorCode
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%s: %s", core.ErrorToString(e.Code), e.Message)
}

func (e *RPCError) Unwrap() error {
	return e.Code
}

// EventHandler receives the parameters of a notification. It runs on the
// read goroutine and must not block.
type EventHandler func(params json.RawMessage)

// Option configures Dial.
type Option func(*options)

type options struct {
	token      string
	tlsContext *securesocket.Context
	tlsOpts    []securesocket.Option
	retry      time.Duration
}

// WithToken sends token as a bearer token.
func WithToken(token string) Option {
	return func(o *options) {
		o.token = token
	}
}

// WithTLS uses ctx for wss:// URLs. The handshake runs through securesocket,
// so opts may install a certificate validator.
func WithTLS(ctx *securesocket.Context, opts ...securesocket.Option) Option {
	return func(o *options) {
		o.tlsContext = ctx
		o.tlsOpts = opts
	}
}

// WithRetry bounds how long Dial keeps retrying; zero disables retries.
func WithRetry(maxElapsed time.Duration) Option {
	return func(o *options) {
		o.retry = maxElapsed
	}
}

// Client is one connection to a plugin host.
type Client struct {
	url    string
	ws     *websocket.Conn
	prefix string
	log    *logger.Logger

	writeMu sync.Mutex
	nextID  atomic.Uint32

	mu       sync.Mutex
	pending  map[uint32]chan *jsonrpc.Message
	handlers map[string]EventHandler
	err      error

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to rawURL (ws:// or wss://), retrying with exponential
// backoff while the host is unreachable.
func Dial(ctx context.Context, rawURL string, opts ...Option) (*Client, error) {
	o := options{retry: defaultRetry}
	for _, opt := range opts {
		opt(&o)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", rawURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}
	if u.Scheme == "wss" {
		if o.tlsContext == nil {
			return nil, errors.New("wss:// needs a TLS context")
		}
		host := u.Hostname()
		dialer.NetDialTLSContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return securesocket.Dial(ctx, network, addr, host, o.tlsContext, o.tlsOpts...)
		}
	}

	header := http.Header{}
	if o.token != "" {
		header.Set("Authorization", "Bearer "+o.token)
	}

	var ws *websocket.Conn
	operation := func() error {
		conn, resp, err := dialer.DialContext(ctx, rawURL, header)
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return backoff.Permanent(fmt.Errorf("dial %s: %s", rawURL, resp.Status))
			}
			if errors.Is(err, securesocket.ErrHandshakeFailed) {
				return backoff.Permanent(err)
			}
			return err
		}
		ws = conn
		return nil
	}

	var policy backoff.BackOff = &backoff.StopBackOff{}
	if o.retry > 0 {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = 100 * time.Millisecond
		exp.MaxElapsedTime = o.retry
		policy = exp
	}
	notify := func(err error, wait time.Duration) {
		logger.Debug("client: dial %s failed, retrying in %s: %v", rawURL, wait, err)
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), notify); err != nil {
		return nil, err
	}

	c := &Client{
		url:      rawURL,
		ws:       ws,
		prefix:   "client-" + uuid.NewString()[:8],
		log:      logger.Global().WithPrefix("client"),
		pending:  make(map[uint32]chan *jsonrpc.Message),
		handlers: make(map[string]EventHandler),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	var err error
	defer func() { c.shutdown(err) }()

	for {
		var msg jsonrpc.Message
		if err = c.ws.ReadJSON(&msg); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				c.log.Warn("dropping malformed message: %v", err)
				continue
			}
			return
		}

		if msg.Designator == "" {
			if msg.ID == nil {
				continue
			}
			c.mu.Lock()
			ch, ok := c.pending[*msg.ID]
			delete(c.pending, *msg.ID)
			c.mu.Unlock()
			if ok {
				ch <- &msg
			}
			continue
		}

		c.mu.Lock()
		fn := c.handlers[msg.Designator]
		c.mu.Unlock()
		if fn != nil {
			fn(msg.Parameters)
		} else {
			c.log.Debug("no handler for %s", msg.Designator)
		}
	}
}

func (c *Client) shutdown(cause error) {
	c.closeOnce.Do(func() {
		if cause == nil {
			cause = ErrClosed
		}
		c.mu.Lock()
		c.err = cause
		pending := c.pending
		c.pending = make(map[uint32]chan *jsonrpc.Message)
		c.mu.Unlock()

		close(c.done)
		_ = c.ws.Close()
		for _, ch := range pending {
			close(ch)
		}
	})
}

// Close ends the connection. Calls in flight fail with ErrClosed.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.shutdown(ErrClosed)
	return nil
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, nil while it is open.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) send(msg *jsonrpc.Message) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(msg)
}

func encodeParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		return json.Marshal(p)
	}
}

// Invoke calls designator and waits for the result. An error response is
// returned as *RPCError.
func (c *Client) Invoke(ctx context.Context, designator string, params any) (json.RawMessage, error) {
	raw, err := encodeParams(params)
	if err != nil {
		return nil, fmt.Errorf("encode params for %s: %w", designator, err)
	}

	id := c.nextID.Add(1)
	reply := make(chan *jsonrpc.Message, 1)
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[id] = reply
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	msg := &jsonrpc.Message{JSONRPC: jsonrpc.Version, ID: &id, Designator: designator, Parameters: raw}
	if err := c.send(msg); err != nil {
		forget()
		return nil, fmt.Errorf("send %s: %w", designator, err)
	}

	select {
	case resp, ok := <-reply:
		if !ok {
			return nil, ErrClosed
		}
		if resp.Error != nil {
			return nil, &RPCError{Code: resp.Error.Code, Message: resp.Error.Message}
		}
		if resp.Result == "" {
			return nil, nil
		}
		return json.RawMessage(resp.Result), nil
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}

// Notify sends designator without waiting for, or getting, a response.
func (c *Client) Notify(designator string, params any) error {
	raw, err := encodeParams(params)
	if err != nil {
		return fmt.Errorf("encode params for %s: %w", designator, err)
	}
	return c.send(&jsonrpc.Message{JSONRPC: jsonrpc.Version, Designator: designator, Parameters: raw})
}

func (c *Client) subscriptionID(callsign string) string {
	return c.prefix + "." + callsign
}

// Subscribe registers for event of callsign; fn receives each notification.
func (c *Client) Subscribe(ctx context.Context, callsign, event string, fn EventHandler) error {
	id := c.subscriptionID(callsign)
	key := id + "." + event

	c.mu.Lock()
	c.handlers[key] = fn
	c.mu.Unlock()

	_, err := c.Invoke(ctx, callsign+"."+jsonrpc.MethodRegister, jsonrpc.Subscription{Event: event, ID: id})
	if err != nil {
		c.mu.Lock()
		delete(c.handlers, key)
		c.mu.Unlock()
		return err
	}
	return nil
}

// Unsubscribe undoes Subscribe.
func (c *Client) Unsubscribe(ctx context.Context, callsign, event string) error {
	id := c.subscriptionID(callsign)

	c.mu.Lock()
	delete(c.handlers, id+"."+event)
	c.mu.Unlock()

	_, err := c.Invoke(ctx, callsign+"."+jsonrpc.MethodUnregister, jsonrpc.Subscription{Event: event, ID: id})
	return err
}

// Callsign returns the URL the client is connected to.
func (c *Client) Callsign() string {
	return c.url
}

// State reports whether the connection is still open.
func (c *Client) State() core.ShellState {
	select {
	case <-c.done:
		return core.ShellUnavailable
	default:
		return core.ShellActivated
	}
}

// Submit sends payload to the remote host as is. A client has exactly one
// channel, so channelID is ignored.
func (c *Client) Submit(_ uint32, payload json.Marshaler) error {
	data, err := payload.MarshalJSON()
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Shared returns the client for rawURL held by the Connector in ctx,
// dialing it on first use. release must be called once the caller is done;
// the connection closes when the last user and the Connector let go.
func Shared(ctx context.Context, rawURL string, opts ...Option) (*Client, func(), error) {
	connector := core.ConnectorFrom(ctx)
	factory := func() (core.Shell, func(core.Shell), error) {
		c, err := Dial(ctx, rawURL, opts...)
		if err != nil {
			return nil, nil, err
		}
		return c, func(s core.Shell) { _ = s.(*Client).Close() }, nil
	}

	ref, err := connector.Acquire(rawURL, factory)
	if err != nil {
		return nil, nil, err
	}
	if ref.Get().State() != core.ShellActivated {
		// The shared connection died; replace it.
		ref.Release()
		connector.Drop(rawURL)
		if ref, err = connector.Acquire(rawURL, factory); err != nil {
			return nil, nil, err
		}
	}

	var once sync.Once
	release := func() { once.Do(func() { ref.Release() }) }
	return ref.Get().(*Client), release, nil
}
