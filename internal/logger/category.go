package logger

import (
	"strings"
	"sync/atomic"
)

// Category selects a family of trace messages. Trace output is independent of
// the level: an enabled category is written regardless of the logger level,
// unless the logger is disabled altogether.
type Category uint32

const (
	CategoryChannel Category = 1 << iota
	CategoryJSONRPC
	CategorySocket
	CategoryHandshake
	CategoryNotification
	CategoryHost

	categoryAll = CategoryChannel | CategoryJSONRPC | CategorySocket |
		CategoryHandshake | CategoryNotification | CategoryHost
)

var categoryNames = map[Category]string{
	CategoryChannel:      "channel",
	CategoryJSONRPC:      "jsonrpc",
	CategorySocket:       "socket",
	CategoryHandshake:    "handshake",
	CategoryNotification: "notification",
	CategoryHost:         "host",
}

// String returns the lower-case category name
func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return "unknown"
}

// ParseCategories converts names such as "channel,jsonrpc" or "all" into a
// category mask. Unknown names are ignored.
func ParseCategories(names []string) Category {
	var mask Category
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "all" {
			return categoryAll
		}
		for c, n := range categoryNames {
			if n == name {
				mask |= c
			}
		}
	}
	return mask
}

type categorySet struct {
	mask atomic.Uint32
}

func newCategorySet() *categorySet {
	return &categorySet{}
}

// EnableCategory turns on trace output for the given categories
func (l *Logger) EnableCategory(c Category) {
	for {
		old := l.categories.mask.Load()
		if l.categories.mask.CompareAndSwap(old, old|uint32(c)) {
			return
		}
	}
}

// DisableCategory turns off trace output for the given categories
func (l *Logger) DisableCategory(c Category) {
	for {
		old := l.categories.mask.Load()
		if l.categories.mask.CompareAndSwap(old, old&^uint32(c)) {
			return
		}
	}
}

// SetCategories replaces the enabled category mask
func (l *Logger) SetCategories(c Category) {
	l.categories.mask.Store(uint32(c))
}

// CategoryEnabled reports whether trace output for c would be written
func (l *Logger) CategoryEnabled(c Category) bool {
	if l.categories.mask.Load()&uint32(c) == 0 {
		return false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return !l.disabled
}

// Trace writes the message produced by msg when c is enabled. The closure is
// not evaluated otherwise, so callers can format expensive payloads inside it.
func (l *Logger) Trace(c Category, msg func() string) {
	if !l.CategoryEnabled(c) {
		return
	}
	l.emit("TRACE:"+c.String(), msg())
}

// Trace writes a category trace message using the global logger
func Trace(c Category, msg func() string) {
	Global().Trace(c, msg)
}
