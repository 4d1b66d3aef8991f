package host

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/codefionn/pluginhost/internal/channel"
	"github.com/codefionn/pluginhost/internal/jsonrpc"
)

// ErrUnknownChannel is returned when submitting to a connection that is gone.
var ErrUnknownChannel = errors.New("host: unknown channel")

// channelRegistry tracks the live connections by channel id. It is the
// notifier every dispatcher submits events through.
type channelRegistry struct {
	mu    sync.RWMutex
	conns map[uint32]*connection
}

func newChannelRegistry() *channelRegistry {
	return &channelRegistry{conns: make(map[uint32]*connection)}
}

func (r *channelRegistry) add(c *connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ch.ID()] = c
}

func (r *channelRegistry) remove(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
}

func (r *channelRegistry) get(id uint32) *connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[id]
}

func (r *channelRegistry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *channelRegistry) snapshot() []*connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}

// Submit queues msg on the connection's channel.
func (r *channelRegistry) Submit(channelID uint32, msg *jsonrpc.Message) error {
	return r.submit(channelID, msg)
}

// submitPayload queues an arbitrary JSON payload; used by plugin shells.
func (r *channelRegistry) submitPayload(channelID uint32, payload json.Marshaler) error {
	if element, ok := payload.(channel.Element); ok {
		return r.submit(channelID, element)
	}
	return r.submit(channelID, outboundElement{payload})
}

func (r *channelRegistry) submit(channelID uint32, element channel.Element) error {
	c := r.get(channelID)
	if c == nil {
		return fmt.Errorf("%w: %d", ErrUnknownChannel, channelID)
	}
	return c.ch.Submit(channel.ElementPackage(element))
}

// outboundElement adapts a plain json.Marshaler to a queue element.
type outboundElement struct {
	json.Marshaler
}

func (outboundElement) UnmarshalJSON([]byte) error {
	return errors.New("host: outbound payload cannot be populated")
}
