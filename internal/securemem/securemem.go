// Package securemem keeps security tokens and private key material in
// memguard-protected buffers so they are not swapped or left in core dumps.
package securemem

import (
	"crypto/subtle"

	"github.com/awnumar/memguard"
)

// String is a secret held in an encrypted, locked buffer.
type String struct {
	buf     *memguard.LockedBuffer
	invalid bool
}

// NewString stores plaintext in locked memory.
func NewString(plaintext string) *String {
	return NewStringFromBytes([]byte(plaintext))
}

// NewStringFromBytes stores data in locked memory.
// NOTE: memguard wipes the input slice.
func NewStringFromBytes(data []byte) *String {
	if len(data) == 0 {
		return &String{}
	}
	return &String{
		buf: memguard.NewBufferFromBytes(data),
	}
}

func (s *String) live() bool {
	return s != nil && !s.invalid && s.buf != nil
}

// IsEmpty returns true if the secret is empty or destroyed.
func (s *String) IsEmpty() bool {
	return !s.live() || s.buf.Size() == 0
}

// Equal compares the secret with other in constant time.
func (s *String) Equal(other string) bool {
	if !s.live() {
		return other == ""
	}
	return subtle.ConstantTimeCompare(s.buf.Bytes(), []byte(other)) == 1
}

// WithBytes runs fn with a temporary copy of the secret; the copy is wiped
// when fn returns, so fn must not retain it.
func (s *String) WithBytes(fn func([]byte)) {
	if !s.live() {
		fn(nil)
		return
	}
	b := s.buf.Bytes()
	tmp := make([]byte, len(b))
	copy(tmp, b)
	defer memguard.WipeBytes(tmp)
	fn(tmp)
}

// Destroy wipes the secret. The String must not be used afterwards.
func (s *String) Destroy() {
	if s == nil || s.invalid {
		return
	}
	if s.buf != nil {
		s.buf.Destroy()
		s.buf = nil
	}
	s.invalid = true
}

// Init arms memguard's interrupt handler so locked buffers are purged on
// SIGINT. Daemons call it once at startup.
func Init() {
	memguard.CatchInterrupt()
}

// Purge destroys every locked buffer of the process.
func Purge() {
	memguard.Purge()
}
