// Package channel implements the per-connection protocol multiplexer. A
// Channel decides what the bytes of one connection mean: raw HTTP (WEB),
// JSON or JSON-RPC frames, plain text, or opaque binary (RAW). It serializes
// queued outbound payloads into transport buffers and deserializes inbound
// bytes into elements handed to the protocol layer.
//
// Serialize is only ever called by the channel's writer and Deserialize only
// by its reader; neither is called concurrently with itself. Submit, SetState,
// Closed and the idle/activity checks may be called from any goroutine.
package channel

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/codefionn/pluginhost/internal/logger"
)

// ErrChannelClosed is returned when submitting to a closed channel.
var ErrChannelClosed = errors.New("channel closed")

// Transport is what the socket layer provides to a Channel.
type Transport interface {
	// Trigger requests a writable callback; the owner then drains the
	// channel through Serialize until it returns 0.
	Trigger()
	// Ping sends a protocol level keep-alive ping.
	Ping()
	// IsWebSocket reports whether the connection has been upgraded.
	IsWebSocket() bool
	// IsCompleted reports whether the last inbound bytes ended a message.
	IsCompleted() bool
	// SetBinary switches the framing between binary and text.
	SetBinary(binary bool)
	// HasActivity reports, and resets, whether traffic was seen since the
	// previous call.
	HasActivity() bool
}

// Protocol is what the protocol layer (plugin host) provides to a Channel.
type Protocol interface {
	// Element supplies a fresh receive target for a new inbound JSON frame.
	Element(ch *Channel, identifier string) Element
	// Received is called once per complete inbound element.
	Received(ch *Channel, element Element)
	// ReceivedText is called once per complete inbound text message.
	ReceivedText(ch *Channel, text string)
	// StateChange is called after a notified transition and on close.
	StateChange(ch *Channel)
}

// Channel owns one connection's protocol state.
type Channel struct {
	id        uint32
	name      string
	transport Transport
	protocol  Protocol
	log       *logger.Logger

	mu         sync.Mutex
	state      State
	queue      []Package
	textOffset int
	textCache  []byte

	// Owned by the writer.
	serializer Serializer
	// Owned by the reader.
	deserializer Deserializer
	textBuffer   strings.Builder

	outBusy atomic.Bool
	inBusy  atomic.Bool
}

// New creates a channel in the WEB state.
func New(id uint32, name string, transport Transport, protocol Protocol) *Channel {
	return &Channel{
		id:        id,
		name:      name,
		transport: transport,
		protocol:  protocol,
		state:     Web,
		log:       logger.Global().WithPrefix(fmt.Sprintf("channel#%d", id)),
	}
}

// ID returns the connection identifier.
func (c *Channel) ID() uint32 {
	return c.id
}

// Name returns the path-derived channel name.
func (c *Channel) Name() string {
	return c.name
}

// State returns the current state including flags.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetState switches the protocol mode. Entering or leaving RAW flips the
// transport framing. With notify set the protocol layer is told about the
// transition after the lock has been released.
func (c *Channel) SetState(newState State, notify bool) {
	newMode := newState.Mode()

	c.mu.Lock()
	old := c.state
	next := newMode | (old & Pinged)
	if notify {
		next |= Notified
	} else {
		next |= old & Notified
	}
	c.state = next
	if newMode != old.Mode() {
		c.textOffset = 0
		c.textCache = nil
	}
	c.mu.Unlock()

	logger.Trace(logger.CategoryChannel, func() string {
		return fmt.Sprintf("channel %d: %s -> %s", c.id, old, next)
	})

	if (old.Mode() == RAW) != (newMode == RAW) {
		c.transport.SetBinary(newMode == RAW)
	}
	if notify {
		c.protocol.StateChange(c)
	}
}

// Submit appends pkg to the outbound queue. The transport is triggered only
// when the queue goes from empty to non-empty; the I/O owner keeps draining
// until Serialize returns 0.
func (c *Channel) Submit(pkg Package) error {
	c.mu.Lock()
	if c.state.Mode() == Closed {
		c.mu.Unlock()
		pkg.release()
		return ErrChannelClosed
	}
	c.queue = append(c.queue, pkg)
	trigger := len(c.queue) == 1
	c.mu.Unlock()

	if trigger {
		c.transport.Trigger()
	}
	return nil
}

// QueueLength returns the number of pending outbound payloads.
func (c *Channel) QueueLength() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Serialize writes pending outbound data into buf and returns the number of
// bytes written, 0 when nothing is pending. At most one payload contributes
// to a single call; MessageDone reports whether that payload is finished.
func (c *Channel) Serialize(buf []byte) int {
	state := c.State()
	var n int
	switch {
	case state.isJSON():
		n = c.serializeJSON(buf)
	case state.Mode() == Text:
		n = c.serializeText(buf)
	case state.Mode() == Closed:
		c.serializer.Clear()
	default:
		panic(fmt.Sprintf("channel %d: Serialize in state %s", c.id, state))
	}
	c.outBusy.Store(!c.MessageDone())
	return n
}

// MessageDone reports whether the last Serialize call completed its payload,
// i.e. no payload is partially written. Only the writer may call it.
func (c *Channel) MessageDone() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serializer.IsIdle() && c.textOffset == 0
}

func (c *Channel) serializeJSON(buf []byte) int {
	for {
		if c.serializer.IsIdle() {
			c.mu.Lock()
			if len(c.queue) == 0 {
				c.mu.Unlock()
				return 0
			}
			front := c.queue[0]
			c.mu.Unlock()
			c.serializer.Submit(&front)
		}

		n := c.serializer.Serialize(buf)

		if c.serializer.IsIdle() {
			c.pop()
			if n == 0 {
				// Unrenderable payload was dropped; move on.
				continue
			}
		}
		return n
	}
}

func (c *Channel) serializeText(buf []byte) int {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.mu.Unlock()
			return 0
		}
		front := c.queue[0]
		data := c.textCache
		offset := c.textOffset
		c.mu.Unlock()

		if data == nil {
			rendered, err := front.bytes()
			if err != nil {
				c.log.Error("dropping outbound text payload: %v", err)
				c.pop()
				continue
			}
			data = rendered
		}

		n := copy(buf, data[offset:])

		c.mu.Lock()
		if offset+n == len(data) {
			c.textOffset = 0
			c.textCache = nil
			c.mu.Unlock()
			c.pop()
			if n == 0 {
				continue
			}
			return n
		}
		c.textOffset = offset + n
		c.textCache = data
		c.mu.Unlock()
		return n
	}
}

func (c *Channel) pop() {
	c.mu.Lock()
	if len(c.queue) == 0 {
		c.mu.Unlock()
		return
	}
	front := c.queue[0]
	c.queue[0] = Package{}
	c.queue = c.queue[1:]
	c.mu.Unlock()

	front.release()
}

// Deserialize consumes inbound bytes and returns how many were handled.
func (c *Channel) Deserialize(buf []byte) int {
	state := c.State()
	switch {
	case state.isJSON():
		n := c.deserializeJSON(buf)
		c.inBusy.Store(!c.deserializer.IsIdle())
		return n
	case state.Mode() == Text:
		c.textBuffer.Write(buf)
		if c.transport.IsCompleted() {
			text := c.textBuffer.String()
			c.textBuffer.Reset()
			c.protocol.ReceivedText(c, text)
		}
		c.inBusy.Store(c.textBuffer.Len() > 0)
		return len(buf)
	case state.Mode() == Closed:
		c.deserializer.Clear()
		c.textBuffer.Reset()
		c.inBusy.Store(false)
		return len(buf)
	default:
		panic(fmt.Sprintf("channel %d: Deserialize in state %s", c.id, state))
	}
}

func (c *Channel) deserializeJSON(buf []byte) int {
	consumed := 0
	for consumed < len(buf) {
		if c.deserializer.IsIdle() {
			if onlySpace(buf[consumed:]) {
				return len(buf)
			}
			element := c.protocol.Element(c, c.name)
			if element == nil {
				c.log.Warn("no receive target for inbound frame, discarding %d bytes", len(buf)-consumed)
				return len(buf)
			}
			c.deserializer.Begin(element)
		}

		consumed += c.deserializer.Deserialize(buf[consumed:])
		if !c.deserializer.Completed() {
			break
		}
		c.dispatch()
	}

	if !c.deserializer.IsIdle() && c.transport.IsCompleted() {
		c.deserializer.Flush()
		if c.deserializer.Completed() {
			c.dispatch()
		}
	}
	return consumed
}

func (c *Channel) dispatch() {
	element, err := c.deserializer.Take()
	if err != nil {
		c.log.Warn("malformed inbound frame: %v", err)
	}
	logger.Trace(logger.CategoryChannel, func() string {
		return fmt.Sprintf("channel %d: received element (parse error: %v)", c.id, err)
	})
	c.protocol.Received(c, element)
}

// IsIdle reports whether no frame is in flight in either direction.
func (c *Channel) IsIdle() bool {
	if !c.transport.IsWebSocket() {
		return true
	}
	return !c.outBusy.Load() && !c.inBusy.Load()
}

// HasActivity is the keep-alive check. After a forced ping the next call
// consumes the Pinged flag and reports whether the peer answered; without a
// pending ping, an idle WebSocket gets pinged and is optimistically reported
// active so failure is detected on the following check.
func (c *Channel) HasActivity() bool {
	c.mu.Lock()
	pinged := c.state.Has(Pinged)
	c.state &^= Pinged
	c.mu.Unlock()

	active := c.transport.HasActivity()
	if pinged || active || !c.transport.IsWebSocket() {
		return active
	}

	c.mu.Lock()
	c.state |= Pinged
	c.mu.Unlock()
	c.transport.Ping()
	return true
}

// Closed moves the channel to CLOSED after the socket went away, drops all
// pending payloads and tells the protocol layer. Frames in flight are
// abandoned by the reader and writer on their next call.
func (c *Channel) Closed() {
	c.mu.Lock()
	if c.state.Mode() == Closed {
		c.mu.Unlock()
		return
	}
	c.state = Closed | (c.state & Notified)
	queue := c.queue
	c.queue = nil
	c.textOffset = 0
	c.textCache = nil
	c.mu.Unlock()

	for _, pkg := range queue {
		pkg.release()
	}
	c.protocol.StateChange(c)
}

func onlySpace(b []byte) bool {
	for _, c := range b {
		if !isSpace(c) {
			return false
		}
	}
	return true
}
