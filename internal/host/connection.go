package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codefionn/pluginhost/internal/channel"
	"github.com/codefionn/pluginhost/internal/core"
	"github.com/codefionn/pluginhost/internal/jsonrpc"
	"github.com/codefionn/pluginhost/internal/logger"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 1 << 20
)

// connection is one upgraded WebSocket. It is the channel's Transport and
// Protocol: the read pump feeds Deserialize, the write pump drains Serialize
// whenever Trigger wakes it.
type connection struct {
	server   *Server
	ws       *websocket.Conn
	ch       *channel.Channel
	callsign string // path scope, empty for /jsonrpc
	token    string
	log      *logger.Logger

	readBuffer   int
	writeBuffer  int
	pingInterval time.Duration

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	binary    atomic.Bool
	completed atomic.Bool
	activity  atomic.Bool
}

func newConnection(s *Server, ws *websocket.Conn, id uint32, name, callsign, token string) *connection {
	c := &connection{
		server:       s,
		ws:           ws,
		callsign:     callsign,
		token:        token,
		log:          logger.Global().WithPrefix(fmt.Sprintf("conn#%d", id)),
		readBuffer:   s.readBuffer,
		writeBuffer:  s.writeBuffer,
		pingInterval: s.PingInterval(),
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	c.completed.Store(true)
	c.ch = channel.New(id, name, c, c)
	return c
}

// run starts both pumps and returns once the connection is gone.
func (c *connection) run() {
	go c.writePump()
	c.readPump()
}

// close tears the socket down once; the channel then reports CLOSED.
func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = c.ws.Close()
		c.ch.Closed()
	})
}

func (c *connection) readPump() {
	defer c.close()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetPongHandler(func(string) error {
		c.activity.Store(true)
		return nil
	})

	buf := make([]byte, c.readBuffer)
	for {
		_, r, err := c.ws.NextReader()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("read error: %v", err)
			}
			return
		}
		c.activity.Store(true)

		for {
			n, err := r.Read(buf)
			if n > 0 {
				c.completed.Store(false)
				c.feed(buf[:n])
			}
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				c.log.Warn("read error: %v", err)
				return
			}
		}

		// Frame boundary: lets the channel flush scalars and finish text.
		c.completed.Store(true)
		c.feed(nil)
	}
}

func (c *connection) feed(b []byte) {
	if len(b) == 0 {
		c.ch.Deserialize(b)
		return
	}
	for len(b) > 0 {
		n := c.ch.Deserialize(b)
		if n <= 0 {
			return
		}
		b = b[n:]
	}
}

func (c *connection) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	buf := make([]byte, c.writeBuffer)
	for {
		select {
		case <-c.done:
			return

		case <-c.wake:
			if err := c.flush(buf); err != nil {
				c.log.Warn("write error: %v", err)
				return
			}

		case <-ticker.C:
			if !c.ch.HasActivity() {
				c.log.Info("no activity within %s, closing", c.pingInterval)
				return
			}
		}
	}
}

// flush drains the channel until Serialize has nothing left, writing one
// WebSocket message per completed element.
func (c *connection) flush(buf []byte) error {
	var w io.WriteCloser
	for {
		n := c.ch.Serialize(buf)
		if n == 0 {
			if w != nil {
				return w.Close()
			}
			return nil
		}

		if w == nil {
			messageType := websocket.TextMessage
			if c.binary.Load() {
				messageType = websocket.BinaryMessage
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			var err error
			if w, err = c.ws.NextWriter(messageType); err != nil {
				return err
			}
		}
		if _, err := w.Write(buf[:n]); err != nil {
			return err
		}
		if c.ch.MessageDone() {
			if err := w.Close(); err != nil {
				return err
			}
			w = nil
		}
	}
}

// Transport

func (c *connection) Trigger() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *connection) Ping() {
	if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
		c.log.Debug("ping failed: %v", err)
	}
}

func (c *connection) IsWebSocket() bool {
	return true
}

func (c *connection) IsCompleted() bool {
	return c.completed.Load()
}

func (c *connection) SetBinary(binary bool) {
	c.binary.Store(binary)
}

func (c *connection) HasActivity() bool {
	return c.activity.Swap(false)
}

// Protocol

func (c *connection) Element(*channel.Channel, string) channel.Element {
	return &jsonrpc.Message{}
}

func (c *connection) Received(ch *channel.Channel, element channel.Element) {
	msg, ok := element.(*jsonrpc.Message)
	if !ok || msg == nil {
		return
	}
	if msg.Malformed() {
		if err := ch.Submit(channel.ElementPackage(jsonrpc.ParseErrorResponse())); err != nil {
			c.log.Debug("parse error dropped: %v", err)
		}
		return
	}
	if msg.IsResponse() && (msg.Error != nil || msg.Result != "") {
		c.log.Debug("ignoring response %d from peer", *msg.ID)
		return
	}

	ctx := jsonrpc.Context{ChannelID: ch.ID(), Token: c.token}
	err := c.server.pool.Submit(func(context.Context) {
		if resp := c.server.invoke(ctx, c.callsign, msg); resp != nil {
			if err := ch.Submit(channel.ElementPackage(resp)); err != nil {
				c.log.Debug("response dropped: %v", err)
			}
		}
	})
	if err != nil {
		c.log.Warn("rejecting %s: %v", msg.Designator, err)
		if resp := errorResponse(msg, core.ErrorUnavailable); resp != nil {
			_ = ch.Submit(channel.ElementPackage(resp))
		}
	}
}

func (c *connection) ReceivedText(ch *channel.Channel, text string) {
	if !c.server.tokenValid(c.token) {
		c.log.Warn("dropping text message: unauthorized")
		return
	}
	tp := c.server.registry.TextPlugin(c.callsign)
	if tp == nil {
		c.log.Warn("dropping text message: %s has no text handler", c.callsign)
		return
	}

	ctx := jsonrpc.Context{ChannelID: ch.ID(), Token: c.token}
	err := c.server.pool.Submit(func(context.Context) {
		if reply := tp.ReceivedText(ctx, text); reply != "" {
			_ = ch.Submit(channel.TextPackage(reply))
		}
	})
	if err != nil {
		c.log.Warn("dropping text message: %v", err)
	}
}

func (c *connection) StateChange(ch *channel.Channel) {
	state := ch.State()
	logger.Trace(logger.CategoryHost, func() string {
		return fmt.Sprintf("channel %d (%s) is now %s", ch.ID(), ch.Name(), state)
	})
	if state.Mode() == channel.Closed {
		c.server.channels.remove(ch.ID())
		c.server.registry.ChannelClosed(ch.ID())
	}
}

// errorResponse builds the error reply for msg, nil for notifications.
func errorResponse(msg *jsonrpc.Message, code core.ErrorCode) *jsonrpc.Message {
	if msg.ID == nil {
		return nil
	}
	id := *msg.ID
	return &jsonrpc.Message{
		JSONRPC: jsonrpc.Version,
		ID:      &id,
		Error:   &jsonrpc.ErrorInfo{Code: code, Message: core.ErrorToMessage(code)},
	}
}
