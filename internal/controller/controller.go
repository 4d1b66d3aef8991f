// Package controller is the built-in plugin that manages the other plugins
// over JSON-RPC. Version 1 lists, activates and deactivates plugins; version
// 2 adds the subsystem report. Every plugin state change is published as the
// "statechange" event.
package controller

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/codefionn/pluginhost/internal/core"
	"github.com/codefionn/pluginhost/internal/host"
	"github.com/codefionn/pluginhost/internal/jsonrpc"
	"github.com/codefionn/pluginhost/internal/logger"
)

// Callsign is the name the controller is registered under.
const Callsign = host.DefaultCallsign

// EventStateChange is published on every plugin state transition.
const EventStateChange = "statechange"

// Host is what the controller needs from the plugin host.
type Host interface {
	Plugins() []host.PluginInfo
	Activate(callsign string) core.ErrorCode
	Deactivate(callsign string) core.ErrorCode
	Observe(fn host.StateObserver)
	Authorized(channelID uint32) bool
	Subsystems() map[string]bool
}

type callsignParams struct {
	Callsign string `json:"callsign"`
}

// StateChange is the payload of the statechange event.
type StateChange struct {
	Callsign string `json:"callsign"`
	State    string `json:"state"`
}

// Controller implements host.Plugin.
type Controller struct {
	host Host

	mu         sync.Mutex
	dispatcher *jsonrpc.Dispatcher
}

// New creates the controller and subscribes it to h's state changes.
func New(h Host) *Controller {
	c := &Controller{host: h}
	h.Observe(c.stateChanged)
	return c
}

// Descriptor registers the controller with the host, started automatically.
func (c *Controller) Descriptor() host.Descriptor {
	return host.Descriptor{
		Callsign:  Callsign,
		Versions:  []uint8{1},
		Plugin:    c,
		AutoStart: true,
	}
}

// Initialize registers the methods of both interface versions.
func (c *Controller) Initialize(_ core.Shell, d *jsonrpc.Dispatcher) error {
	v1 := d.GetHandler(1)
	if v1 == nil {
		return fmt.Errorf("controller: dispatcher does not serve version 1")
	}
	v1.Register("status", c.status)
	v1.Register("activate", c.activate)
	v1.Register("deactivate", c.deactivate)

	if d.GetHandler(2) == nil {
		v2 := d.CreateHandler([]uint8{2}, v1)
		v2.Register("subsystems", c.subsystems)
	}

	c.mu.Lock()
	c.dispatcher = d
	c.mu.Unlock()
	return nil
}

// Deinitialize stops publishing events.
func (c *Controller) Deinitialize(core.Shell) {
	c.mu.Lock()
	c.dispatcher = nil
	c.mu.Unlock()
}

func (c *Controller) status(_ jsonrpc.Context, _, params string, result *string) core.ErrorCode {
	plugins := c.host.Plugins()
	if params != "" && params != "null" {
		var p callsignParams
		if err := json.Unmarshal([]byte(params), &p); err != nil {
			return core.ErrorBadRequest
		}
		if p.Callsign != "" {
			filtered := plugins[:0]
			for _, info := range plugins {
				if info.Callsign == p.Callsign {
					filtered = append(filtered, info)
				}
			}
			if len(filtered) == 0 {
				return core.ErrorUnavailable
			}
			plugins = filtered
		}
	}
	return marshalResult(plugins, result)
}

func (c *Controller) activate(_ jsonrpc.Context, _, params string, _ *string) core.ErrorCode {
	p, code := parseCallsign(params)
	if code != core.ErrorNone {
		return code
	}
	return c.host.Activate(p.Callsign)
}

func (c *Controller) deactivate(_ jsonrpc.Context, _, params string, _ *string) core.ErrorCode {
	p, code := parseCallsign(params)
	if code != core.ErrorNone {
		return code
	}
	if p.Callsign == Callsign {
		return core.ErrorPrivilegedRequest
	}
	return c.host.Deactivate(p.Callsign)
}

func (c *Controller) subsystems(_ jsonrpc.Context, _, _ string, result *string) core.ErrorCode {
	return marshalResult(c.host.Subsystems(), result)
}

// stateChanged publishes a transition to every subscriber whose connection
// is still authorized.
func (c *Controller) stateChanged(callsign string, state core.ShellState) {
	c.mu.Lock()
	d := c.dispatcher
	c.mu.Unlock()
	if d == nil {
		return
	}

	data, err := json.Marshal(StateChange{Callsign: callsign, State: state.String()})
	if err != nil {
		logger.Error("controller: encode state change: %v", err)
		return
	}
	d.NotifyFiltered(EventStateChange, string(data), func(channelID uint32, _ string) bool {
		return c.host.Authorized(channelID)
	})
}

func parseCallsign(params string) (callsignParams, core.ErrorCode) {
	var p callsignParams
	if err := json.Unmarshal([]byte(params), &p); err != nil {
		return p, core.ErrorBadRequest
	}
	if p.Callsign == "" {
		return p, core.ErrorInvalidParameter
	}
	return p, core.ErrorNone
}

func marshalResult(v any, result *string) core.ErrorCode {
	data, err := json.Marshal(v)
	if err != nil {
		return core.ErrorGeneral
	}
	*result = string(data)
	return core.ErrorNone
}
