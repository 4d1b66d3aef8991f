package core

import (
	"context"
	"fmt"
	"sync"
)

// ShellFactory creates the Shell for a key on first use. The returned
// closer runs when the last reference to the Shell is released.
type ShellFactory func() (Shell, func(Shell), error)

// Connector keeps at most one live Shell per key, so several users of the
// same out-of-process target share a single connection.
type Connector struct {
	mu      sync.Mutex
	entries map[string]*Ref[Shell]
}

// NewConnector returns an empty Connector.
func NewConnector() *Connector {
	return &Connector{entries: make(map[string]*Ref[Shell])}
}

var (
	defaultMu        sync.Mutex
	defaultConnector *Connector
)

// DefaultConnector returns the process-wide Connector, creating it on first use.
func DefaultConnector() *Connector {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultConnector == nil {
		defaultConnector = NewConnector()
	}
	return defaultConnector
}

// TeardownDefault drops the process-wide Connector. Shells still referenced
// elsewhere stay alive until their holders release them.
func TeardownDefault() {
	defaultMu.Lock()
	c := defaultConnector
	defaultConnector = nil
	defaultMu.Unlock()

	if c != nil {
		c.Teardown()
	}
}

type connectorKey struct{}

// WithConnector returns a context carrying c, overriding the process-wide one.
func WithConnector(ctx context.Context, c *Connector) context.Context {
	return context.WithValue(ctx, connectorKey{}, c)
}

// ConnectorFrom returns the Connector carried by ctx, or the process-wide one.
func ConnectorFrom(ctx context.Context) *Connector {
	if c, ok := ctx.Value(connectorKey{}).(*Connector); ok && c != nil {
		return c
	}
	return DefaultConnector()
}

// Acquire returns a reference to the Shell registered under key, creating it
// with factory when there is none. The caller owns the returned reference.
func (c *Connector) Acquire(key string, factory ShellFactory) (*Ref[Shell], error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ref, ok := c.entries[key]; ok && ref.TryAddRef() {
		return ref, nil
	}

	shell, closer, err := factory()
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", key, err)
	}

	var ref *Ref[Shell]
	ref = NewRef(shell, func(s Shell) {
		c.forget(key, ref)
		if closer != nil {
			closer(s)
		}
	})
	// One reference for the caller, one held by the table.
	ref.AddRef()
	c.entries[key] = ref
	return ref, nil
}

// Len returns the number of live entries.
func (c *Connector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Teardown releases the table's reference to every Shell.
func (c *Connector) Teardown() {
	c.mu.Lock()
	refs := make([]*Ref[Shell], 0, len(c.entries))
	for key, ref := range c.entries {
		refs = append(refs, ref)
		delete(c.entries, key)
	}
	c.mu.Unlock()

	for _, ref := range refs {
		ref.Release()
	}
}

// Drop removes key from the table and releases the table's reference.
func (c *Connector) Drop(key string) {
	c.mu.Lock()
	ref, ok := c.entries[key]
	if ok {
		delete(c.entries, key)
	}
	c.mu.Unlock()

	if ok {
		ref.Release()
	}
}

func (c *Connector) forget(key string, ref *Ref[Shell]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries[key] == ref {
		delete(c.entries, key)
	}
}
