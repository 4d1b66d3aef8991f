package host

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/codefionn/pluginhost/internal/core"
	"github.com/codefionn/pluginhost/internal/jsonrpc"
	"github.com/codefionn/pluginhost/internal/logger"
)

// Plugin is a service hosted in-process. Initialize registers the plugin's
// methods on d; it may block and is never called from an I/O goroutine.
type Plugin interface {
	Initialize(shell core.Shell, d *jsonrpc.Dispatcher) error
	Deinitialize(shell core.Shell)
}

// TextPlugin is a Plugin that also accepts plain text messages. The reply,
// when non-empty, is sent back on the same connection.
type TextPlugin interface {
	Plugin
	ReceivedText(ctx jsonrpc.Context, text string) string
}

// Descriptor registers a plugin with the host.
type Descriptor struct {
	Callsign  string
	Versions  []uint8
	Plugin    Plugin
	AutoStart bool
}

// PluginInfo is the public view of a registered plugin.
type PluginInfo struct {
	Callsign string `json:"callsign"`
	State    string `json:"state"`
	Versions []int  `json:"versions"`
}

// StateObserver is told about every plugin state change.
type StateObserver func(callsign string, state core.ShellState)

// pluginShell is the core.Shell a plugin and its dispatcher see.
type pluginShell struct {
	desc       Descriptor
	dispatcher *jsonrpc.Dispatcher
	submit     func(channelID uint32, payload json.Marshaler) error

	mu    sync.Mutex
	state core.ShellState
}

func (p *pluginShell) Callsign() string {
	return p.desc.Callsign
}

func (p *pluginShell) State() core.ShellState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *pluginShell) Submit(channelID uint32, payload json.Marshaler) error {
	return p.submit(channelID, payload)
}

// PluginRegistry owns the hosted plugins and their lifecycle.
type PluginRegistry struct {
	notifier  jsonrpc.Notifier
	submit    func(channelID uint32, payload json.Marshaler) error
	validator jsonrpc.TokenValidator

	mu        sync.RWMutex
	plugins   map[string]*pluginShell
	order     []string
	observers []StateObserver
}

// NewPluginRegistry creates an empty registry. notifier delivers JSON-RPC
// events; submit delivers arbitrary payloads for Shell.Submit.
func NewPluginRegistry(notifier jsonrpc.Notifier, submit func(uint32, json.Marshaler) error, validator jsonrpc.TokenValidator) *PluginRegistry {
	return &PluginRegistry{
		notifier:  notifier,
		submit:    submit,
		validator: validator,
		plugins:   make(map[string]*pluginShell),
	}
}

// Register adds a plugin in the deactivated state.
func (r *PluginRegistry) Register(desc Descriptor) error {
	if desc.Callsign == "" || desc.Plugin == nil {
		return fmt.Errorf("plugin descriptor needs a callsign and an implementation")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[desc.Callsign]; exists {
		return fmt.Errorf("plugin %s already registered", desc.Callsign)
	}

	d := jsonrpc.NewDispatcher(r.notifier, desc.Versions...)
	d.SetTokenValidator(r.validator)
	r.plugins[desc.Callsign] = &pluginShell{
		desc:       desc,
		dispatcher: d,
		submit:     r.submit,
		state:      core.ShellDeactivated,
	}
	r.order = append(r.order, desc.Callsign)
	return nil
}

// Observe registers fn for state changes.
func (r *PluginRegistry) Observe(fn StateObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, fn)
}

func (r *PluginRegistry) get(callsign string) *pluginShell {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.plugins[callsign]
}

// Dispatcher returns the dispatcher of an activated plugin, or nil.
func (r *PluginRegistry) Dispatcher(callsign string) *jsonrpc.Dispatcher {
	p := r.get(callsign)
	if p == nil || p.State() != core.ShellActivated {
		return nil
	}
	return p.dispatcher
}

// TextPlugin returns the text handler of an activated plugin, or nil.
func (r *PluginRegistry) TextPlugin(callsign string) TextPlugin {
	p := r.get(callsign)
	if p == nil || p.State() != core.ShellActivated {
		return nil
	}
	tp, _ := p.desc.Plugin.(TextPlugin)
	return tp
}

// State returns the lifecycle state of callsign.
func (r *PluginRegistry) State(callsign string) (core.ShellState, bool) {
	p := r.get(callsign)
	if p == nil {
		return core.ShellUnavailable, false
	}
	return p.State(), true
}

// List returns all plugins in registration order.
func (r *PluginRegistry) List() []PluginInfo {
	r.mu.RLock()
	shells := make([]*pluginShell, 0, len(r.order))
	for _, callsign := range r.order {
		shells = append(shells, r.plugins[callsign])
	}
	r.mu.RUnlock()

	infos := make([]PluginInfo, 0, len(shells))
	for _, p := range shells {
		info := PluginInfo{Callsign: p.desc.Callsign, State: p.State().String()}
		for _, h := range p.dispatcher.Handlers() {
			for _, v := range h.Versions() {
				info.Versions = append(info.Versions, int(v))
			}
		}
		infos = append(infos, info)
	}
	return infos
}

// Activate brings a plugin up. Activating an active plugin succeeds without
// side effects.
func (r *PluginRegistry) Activate(callsign string) core.ErrorCode {
	p := r.get(callsign)
	if p == nil {
		return core.ErrorUnavailable
	}

	p.mu.Lock()
	switch p.state {
	case core.ShellActivated:
		p.mu.Unlock()
		return core.ErrorNone
	case core.ShellActivating, core.ShellDeactivating:
		p.mu.Unlock()
		return core.ErrorInProgress
	}
	p.state = core.ShellActivating
	p.mu.Unlock()
	r.notify(callsign, core.ShellActivating)

	p.dispatcher.Activate(p)
	if err := p.desc.Plugin.Initialize(p, p.dispatcher); err != nil {
		logger.Error("plugin %s failed to initialize: %v", callsign, err)
		p.dispatcher.Deactivate()
		r.setState(p, core.ShellDeactivated)
		return core.ErrorGeneral
	}

	r.setState(p, core.ShellActivated)
	logger.Info("plugin %s activated", callsign)
	return core.ErrorNone
}

// Deactivate shuts a plugin down and drops its subscribers.
func (r *PluginRegistry) Deactivate(callsign string) core.ErrorCode {
	p := r.get(callsign)
	if p == nil {
		return core.ErrorUnavailable
	}

	p.mu.Lock()
	switch p.state {
	case core.ShellDeactivated:
		p.mu.Unlock()
		return core.ErrorNone
	case core.ShellActivating, core.ShellDeactivating:
		p.mu.Unlock()
		return core.ErrorInProgress
	}
	p.state = core.ShellDeactivating
	p.mu.Unlock()
	r.notify(callsign, core.ShellDeactivating)

	p.desc.Plugin.Deinitialize(p)
	p.dispatcher.Deactivate()

	r.setState(p, core.ShellDeactivated)
	logger.Info("plugin %s deactivated", callsign)
	return core.ErrorNone
}

// ActivateAll starts every plugin registered with AutoStart.
func (r *PluginRegistry) ActivateAll() {
	r.mu.RLock()
	var autostart []string
	for _, callsign := range r.order {
		if r.plugins[callsign].desc.AutoStart {
			autostart = append(autostart, callsign)
		}
	}
	r.mu.RUnlock()

	for _, callsign := range autostart {
		r.Activate(callsign)
	}
}

// DeactivateAll stops every plugin in reverse registration order.
func (r *PluginRegistry) DeactivateAll() {
	r.mu.RLock()
	order := append([]string(nil), r.order...)
	r.mu.RUnlock()

	for i := len(order) - 1; i >= 0; i-- {
		r.Deactivate(order[i])
	}
}

// ChannelClosed drops the subscriptions of a connection from every plugin.
func (r *PluginRegistry) ChannelClosed(channelID uint32) {
	r.mu.RLock()
	shells := make([]*pluginShell, 0, len(r.plugins))
	for _, p := range r.plugins {
		shells = append(shells, p)
	}
	r.mu.RUnlock()

	for _, p := range shells {
		p.dispatcher.Closed(channelID)
	}
}

func (r *PluginRegistry) setState(p *pluginShell, state core.ShellState) {
	p.mu.Lock()
	p.state = state
	p.mu.Unlock()
	r.notify(p.desc.Callsign, state)
}

func (r *PluginRegistry) notify(callsign string, state core.ShellState) {
	r.mu.RLock()
	observers := append([]StateObserver(nil), r.observers...)
	r.mu.RUnlock()

	for _, fn := range observers {
		fn(callsign, state)
	}
}
