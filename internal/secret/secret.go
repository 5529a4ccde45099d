// Package secret keeps the shared device password in locked, guarded memory
// and compares candidates against it in constant time.
package secret

import (
	"crypto/subtle"

	"github.com/awnumar/memguard"
)

// String is a password held in a memguard buffer.
type String struct {
	buf *memguard.LockedBuffer
}

// New moves plaintext into protected memory. The caller's copy is not
// wiped; prefer NewFromBytes when the source can be destroyed.
func New(plaintext string) *String {
	return NewFromBytes([]byte(plaintext))
}

// NewFromBytes takes ownership of b; memguard wipes it.
func NewFromBytes(b []byte) *String {
	return &String{buf: memguard.NewBufferFromBytes(b)}
}

// Equal reports whether candidate matches, in constant time.
func (s *String) Equal(candidate string) bool {
	if s == nil || s.buf == nil || !s.buf.IsAlive() {
		return false
	}
	return subtle.ConstantTimeCompare(s.buf.Bytes(), []byte(candidate)) == 1
}

func (s *String) IsEmpty() bool {
	return s == nil || s.buf == nil || !s.buf.IsAlive() || s.buf.Size() == 0
}

// Destroy wipes the buffer. Equal reports false afterwards.
func (s *String) Destroy() {
	if s == nil || s.buf == nil {
		return
	}
	s.buf.Destroy()
}

// Purge wipes every memguard buffer in the process. Call once at exit.
func Purge() {
	memguard.Purge()
}
