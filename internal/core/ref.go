package core

import (
	"fmt"
	"sync/atomic"
)

// Ref is a shared-ownership handle with explicit acquire/release. The value
// is handed to the release hook exactly once, when the last reference goes.
type Ref[T any] struct {
	refs    atomic.Int32
	value   T
	release func(T)
}

// NewRef returns a handle holding one reference to value.
func NewRef[T any](value T, release func(T)) *Ref[T] {
	r := &Ref[T]{value: value, release: release}
	r.refs.Store(1)
	return r
}

// AddRef acquires another reference and returns r for chaining.
func (r *Ref[T]) AddRef() *Ref[T] {
	if r.refs.Add(1) <= 1 {
		panic("core: AddRef on released handle")
	}
	return r
}

// TryAddRef acquires a reference unless the handle is already on its way
// out. Lookup tables use it to avoid resurrecting a dying value.
func (r *Ref[T]) TryAddRef() bool {
	for {
		n := r.refs.Load()
		if n <= 0 {
			return false
		}
		if r.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release drops one reference. It returns true when this was the last one,
// in which case the release hook has run.
func (r *Ref[T]) Release() bool {
	n := r.refs.Add(-1)
	switch {
	case n > 0:
		return false
	case n == 0:
		if r.release != nil {
			r.release(r.value)
		}
		return true
	default:
		panic(fmt.Sprintf("core: Release on handle with %d references", n+1))
	}
}

// Get returns the held value. The caller must own a reference.
func (r *Ref[T]) Get() T {
	return r.value
}

// Count returns the current reference count.
func (r *Ref[T]) Count() int32 {
	return r.refs.Load()
}
