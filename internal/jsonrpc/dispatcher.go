package jsonrpc

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/codefionn/pluginhost/internal/core"
	"github.com/codefionn/pluginhost/internal/logger"
)

// Reserved method names handled by the dispatcher itself.
const (
	MethodRegister   = "register"
	MethodUnregister = "unregister"
	MethodExists     = "exists"
)

// Notifier delivers notifications to connections.
type Notifier interface {
	Submit(channelID uint32, msg *Message) error
}

// TokenValidator decides whether token may call method with params.
type TokenValidator func(token, method, params string) bool

// Subscription is the parameter object of register and unregister. ID is
// the designator prefix the client wants its notifications addressed to.
type Subscription struct {
	Event string `json:"event"`
	ID    string `json:"id"`
}

// ParseSubscription decodes a register/unregister parameter object.
func ParseSubscription(params string) (Subscription, error) {
	var sub Subscription
	if err := json.Unmarshal([]byte(params), &sub); err != nil {
		return Subscription{}, fmt.Errorf("parse subscription: %w", err)
	}
	if sub.Event == "" {
		return Subscription{}, fmt.Errorf("parse subscription: missing event")
	}
	return sub, nil
}

// Dispatcher routes messages for exactly one plugin. Handlers are consulted
// in creation order.
type Dispatcher struct {
	notifier Notifier

	mu        sync.RWMutex
	shell     core.Shell
	callsign  string
	handlers  []*Handler
	validator TokenValidator
}

// NewDispatcher creates a dispatcher whose default handler serves versions
// (version 1 when none are given).
func NewDispatcher(notifier Notifier, versions ...uint8) *Dispatcher {
	if len(versions) == 0 {
		versions = []uint8{1}
	}
	d := &Dispatcher{notifier: notifier}
	d.handlers = []*Handler{newHandler(versions, d.submit)}
	return d
}

// CreateHandler adds a handler for versions. With from set, its methods are
// copied so a new interface version can extend an older one.
func (d *Dispatcher) CreateHandler(versions []uint8, from *Handler) *Handler {
	h := newHandler(versions, d.submit)
	if from != nil {
		h.copyMethods(from)
	}
	d.mu.Lock()
	d.handlers = append(d.handlers, h)
	d.mu.Unlock()
	return h
}

// GetHandler returns the first handler serving version, or nil.
func (d *Dispatcher) GetHandler(version uint8) *Handler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, h := range d.handlers {
		if h.HasVersionSupport(version) {
			return h
		}
	}
	return nil
}

// Handlers returns the handlers in resolution order.
func (d *Dispatcher) Handlers() []*Handler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]*Handler(nil), d.handlers...)
}

// Register binds method on the default handler.
func (d *Dispatcher) Register(method string, fn InvokeFunc) {
	d.defaultHandler().Register(method, fn)
}

// Unregister removes method from the default handler.
func (d *Dispatcher) Unregister(method string) {
	d.defaultHandler().Unregister(method)
}

// SetTokenValidator installs v; nil disables token checks.
func (d *Dispatcher) SetTokenValidator(v TokenValidator) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.validator = v
}

// Activate binds the dispatcher to its plugin. Activating twice without a
// Deactivate in between is a programming error.
func (d *Dispatcher) Activate(shell core.Shell) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shell != nil {
		panic(fmt.Sprintf("jsonrpc: dispatcher for %q activated twice", d.callsign))
	}
	d.shell = shell
	d.callsign = shell.Callsign()
}

// Deactivate drops all subscribers and unbinds the plugin.
func (d *Dispatcher) Deactivate() {
	d.mu.Lock()
	handlers := d.handlers
	d.shell = nil
	d.callsign = ""
	d.mu.Unlock()

	for _, h := range handlers {
		h.Close()
	}
}

// Callsign returns the callsign captured on activation.
func (d *Dispatcher) Callsign() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.callsign
}

// Shell returns the bound plugin, nil while inactive.
func (d *Dispatcher) Shell() core.Shell {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.shell
}

func (d *Dispatcher) defaultHandler() *Handler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.handlers[0]
}

// Destination resolves designator to the handler that serves it. Without a
// version, reserved methods go to the first handler and other methods to the
// first handler that knows them.
func (d *Dispatcher) Destination(designator string) (core.ErrorCode, *Handler) {
	d.mu.RLock()
	callsign := d.callsign
	active := d.shell != nil
	handlers := d.handlers
	d.mu.RUnlock()

	if !active {
		return core.ErrorUnavailable, nil
	}
	if c := Callsign(designator); c != "" && c != callsign {
		return core.ErrorIncorrectHandler, nil
	}

	method := Method(designator)
	version := DesignatorVersion(designator)
	if version != InvalidVersion {
		for _, h := range handlers {
			if h.HasVersionSupport(version) {
				if isReserved(method) || h.Exists(method) == core.ErrorNone {
					return core.ErrorNone, h
				}
				return core.ErrorUnknownKey, nil
			}
		}
		return core.ErrorIncorrectVersion, nil
	}

	if isReserved(method) {
		return core.ErrorNone, handlers[0]
	}
	for _, h := range handlers {
		if h.Exists(method) == core.ErrorNone {
			return core.ErrorNone, h
		}
	}
	return core.ErrorUnknownKey, nil
}

func isReserved(method string) bool {
	return method == MethodRegister || method == MethodUnregister || method == MethodExists
}

// Invoke handles one inbound message and returns the response to send, or
// nil when nothing must be sent: for notifications and for methods that
// answer asynchronously.
func (d *Dispatcher) Invoke(ctx Context, inbound *Message) *Message {
	response := &Message{JSONRPC: Version}
	if inbound.ID != nil {
		id := *inbound.ID
		response.ID = &id
		if inbound.JSONRPC != "" {
			response.JSONRPC = inbound.JSONRPC
		}
	}

	code, result := d.invoke(ctx, inbound)

	logger.Trace(logger.CategoryJSONRPC, func() string {
		return fmt.Sprintf("channel %d: %s -> %s", ctx.ChannelID, inbound.Designator, core.ErrorToString(code))
	})

	if code == core.ErrorNoResponse || inbound.ID == nil {
		return nil
	}
	if code == core.ErrorNone {
		response.Result = result
	} else {
		response.Error = &ErrorInfo{Code: code, Message: core.ErrorToMessage(code)}
	}
	return response
}

func (d *Dispatcher) invoke(ctx Context, inbound *Message) (core.ErrorCode, string) {
	params := string(inbound.Parameters)

	d.mu.RLock()
	validator := d.validator
	d.mu.RUnlock()
	if validator != nil && !validator(ctx.Token, inbound.Designator, params) {
		return core.ErrorPrivilegedRequest, ""
	}

	code, handler := d.Destination(inbound.Designator)
	if code != core.ErrorNone {
		return code, ""
	}

	method := inbound.Method()
	switch method {
	case MethodRegister, MethodUnregister:
		sub, err := ParseSubscription(params)
		if err != nil {
			return core.ErrorBadRequest, ""
		}
		if method == MethodRegister {
			return handler.Subscribe(ctx.ChannelID, sub.Event, sub.ID), ""
		}
		return handler.Unsubscribe(ctx.ChannelID, sub.Event, sub.ID), ""

	case MethodExists:
		var name string
		if err := json.Unmarshal([]byte(params), &name); err != nil {
			return core.ErrorBadRequest, ""
		}
		exists := isReserved(name) || handler.Exists(name) == core.ErrorNone
		return core.ErrorNone, strconv.FormatBool(exists)

	default:
		var result string
		code := handler.Invoke(ctx, method, params, &result)
		return code, result
	}
}

// Notify sends event to all subscribers of every handler.
func (d *Dispatcher) Notify(event, params string) int {
	return d.NotifyFiltered(event, params, nil)
}

// NotifyFiltered sends event to the subscribers accepted by sendIf.
func (d *Dispatcher) NotifyFiltered(event, params string, sendIf Filter) int {
	sent := 0
	for _, h := range d.Handlers() {
		sent += h.Notify(event, params, sendIf)
	}
	return sent
}

// Closed forgets every subscription of a connection that went away.
func (d *Dispatcher) Closed(channelID uint32) {
	for _, h := range d.Handlers() {
		h.Drop(channelID)
	}
}

func (d *Dispatcher) submit(channelID uint32, msg *Message) error {
	if d.notifier == nil {
		return fmt.Errorf("no notifier for channel %d", channelID)
	}
	return d.notifier.Submit(channelID, msg)
}
