package jsonrpc

import (
	"fmt"
	"slices"
	"sync"

	"github.com/codefionn/pluginhost/internal/core"
	"github.com/codefionn/pluginhost/internal/logger"
)

// Context describes the connection a call arrived on.
type Context struct {
	ChannelID uint32
	Token     string
}

// InvokeFunc implements one method. params is the raw JSON parameter text
// and result receives JSON text. Returning core.ErrorNoResponse suppresses
// the response; the method then answers later through an event.
type InvokeFunc func(ctx Context, method, params string, result *string) core.ErrorCode

// Filter selects which subscribers receive an event.
type Filter func(channelID uint32, designator string) bool

// Observer is one event subscription: the connection and the designator the
// client wants notifications addressed to.
type Observer struct {
	ChannelID  uint32
	Designator string
}

// Handler serves one set of interface versions of a plugin.
type Handler struct {
	versions []uint8
	sink     func(channelID uint32, msg *Message) error

	mu      sync.RWMutex
	methods map[string]InvokeFunc

	observerMu sync.Mutex
	observers  map[string][]Observer
}

func newHandler(versions []uint8, sink func(uint32, *Message) error) *Handler {
	return &Handler{
		versions:  slices.Clone(versions),
		sink:      sink,
		methods:   make(map[string]InvokeFunc),
		observers: make(map[string][]Observer),
	}
}

// Versions returns the supported interface versions.
func (h *Handler) Versions() []uint8 {
	return slices.Clone(h.versions)
}

// HasVersionSupport reports whether the handler serves version.
func (h *Handler) HasVersionSupport(version uint8) bool {
	return slices.Contains(h.versions, version)
}

// Register binds method to fn, replacing any previous binding.
func (h *Handler) Register(method string, fn InvokeFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.methods[method] = fn
}

// Unregister removes method.
func (h *Handler) Unregister(method string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.methods, method)
}

// Exists returns core.ErrorNone when method is registered and
// core.ErrorUnknownKey otherwise.
func (h *Handler) Exists(method string) core.ErrorCode {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.methods[method]; ok {
		return core.ErrorNone
	}
	return core.ErrorUnknownKey
}

// Invoke calls the implementation of method.
func (h *Handler) Invoke(ctx Context, method, params string, result *string) core.ErrorCode {
	h.mu.RLock()
	fn, ok := h.methods[method]
	h.mu.RUnlock()
	if !ok {
		return core.ErrorUnknownKey
	}
	return fn(ctx, method, params, result)
}

// Subscribe adds an observer for event. Subscribing the same channel and
// designator twice is rejected and leaves the set unchanged.
func (h *Handler) Subscribe(channelID uint32, event, designator string) core.ErrorCode {
	h.observerMu.Lock()
	defer h.observerMu.Unlock()

	observer := Observer{ChannelID: channelID, Designator: designator}
	if slices.Contains(h.observers[event], observer) {
		return core.ErrorDuplicateKey
	}
	h.observers[event] = append(h.observers[event], observer)
	return core.ErrorNone
}

// Unsubscribe removes an observer for event.
func (h *Handler) Unsubscribe(channelID uint32, event, designator string) core.ErrorCode {
	h.observerMu.Lock()
	defer h.observerMu.Unlock()

	list := h.observers[event]
	index := slices.Index(list, Observer{ChannelID: channelID, Designator: designator})
	if index < 0 {
		return core.ErrorUnknownKey
	}
	list = slices.Delete(list, index, index+1)
	if len(list) == 0 {
		delete(h.observers, event)
	} else {
		h.observers[event] = list
	}
	return core.ErrorNone
}

// Subscribers returns a snapshot of the observers of event.
func (h *Handler) Subscribers(event string) []Observer {
	h.observerMu.Lock()
	defer h.observerMu.Unlock()
	return slices.Clone(h.observers[event])
}

// Notify sends event to every observer accepted by sendIf (all of them when
// sendIf is nil) and returns the number of notifications handed out. The
// notification designator is the observer's designator followed by event,
// or just event for observers that registered without a designator.
func (h *Handler) Notify(event, params string, sendIf Filter) int {
	observers := h.Subscribers(event)

	sent := 0
	for _, observer := range observers {
		if sendIf != nil && !sendIf(observer.ChannelID, observer.Designator) {
			continue
		}
		msg := &Message{
			JSONRPC:    Version,
			Designator: notificationDesignator(observer.Designator, event),
		}
		if params != "" {
			msg.Parameters = []byte(params)
		}

		logger.Trace(logger.CategoryNotification, func() string {
			return fmt.Sprintf("notify channel %d: %s", observer.ChannelID, msg.Designator)
		})

		if h.sink == nil {
			continue
		}
		if err := h.sink(observer.ChannelID, msg); err != nil {
			logger.Warn("jsonrpc: dropping %s for channel %d: %v", event, observer.ChannelID, err)
			continue
		}
		sent++
	}
	return sent
}

func notificationDesignator(prefix, event string) string {
	if prefix == "" {
		return event
	}
	return prefix + "." + event
}

// Drop removes every subscription held by channelID.
func (h *Handler) Drop(channelID uint32) {
	h.observerMu.Lock()
	defer h.observerMu.Unlock()

	for event, list := range h.observers {
		list = slices.DeleteFunc(list, func(o Observer) bool { return o.ChannelID == channelID })
		if len(list) == 0 {
			delete(h.observers, event)
		} else {
			h.observers[event] = list
		}
	}
}

// Close drops all subscribers.
func (h *Handler) Close() {
	h.observerMu.Lock()
	defer h.observerMu.Unlock()
	clear(h.observers)
}

func (h *Handler) copyMethods(from *Handler) {
	from.mu.RLock()
	defer from.mu.RUnlock()
	h.mu.Lock()
	defer h.mu.Unlock()
	for name, fn := range from.methods {
		h.methods[name] = fn
	}
}
