// Package buffer implements the growable request buffer that assembles one
// request from any number of partial writes.
package buffer

import (
	"firestige.xyz/dropsock/internal/core"
)

// Quantum is the default growth step. Capacity is always a multiple of it.
const Quantum = 4096

// MaxAlloc is the largest single allocation DefaultAllocator will attempt.
const MaxAlloc = 64 << 20

// Allocator returns a zeroed slice of exactly n bytes or an error.
type Allocator func(n int) ([]byte, error)

// DefaultAllocator allocates with make and refuses anything above MaxAlloc.
func DefaultAllocator(n int) ([]byte, error) {
	if n < 0 || n > MaxAlloc {
		return nil, core.ErrOutOfMemory
	}
	return make([]byte, n), nil
}

// Buffer is an append-only byte accumulator. content[length] is kept zero
// after every successful Append so text scanners can stop on it.
//
// A Buffer is owned by exactly one request and is not safe for concurrent use.
type Buffer struct {
	data    []byte
	length  int
	quantum int
	alloc   Allocator
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithQuantum overrides the growth step.
func WithQuantum(q int) Option {
	return func(b *Buffer) {
		if q > 0 {
			b.quantum = q
		}
	}
}

// WithAllocator overrides the allocator used on growth.
func WithAllocator(a Allocator) Option {
	return func(b *Buffer) {
		if a != nil {
			b.alloc = a
		}
	}
}

// New creates an empty buffer. No storage is allocated until the first Append.
func New(opts ...Option) *Buffer {
	b := &Buffer{
		quantum: Quantum,
		alloc:   DefaultAllocator,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Append copies p to the end of the buffer. On failure the buffer is left
// exactly as it was.
func (b *Buffer) Append(p []byte) error {
	need := b.length + len(p)
	// one extra byte for the terminator
	if need+1 > len(b.data) {
		if err := b.Reserve(need + 1); err != nil {
			return err
		}
	}
	copy(b.data[b.length:], p)
	b.length = need
	b.data[b.length] = 0
	return nil
}

// Reserve makes sure at least n bytes of storage exist, rounding up to the
// growth quantum. Existing content is preserved.
func (b *Buffer) Reserve(n int) error {
	if n <= len(b.data) {
		return nil
	}
	size := roundUp(n, b.quantum)
	if size < n {
		return core.ErrOutOfMemory
	}
	data, err := b.alloc(size)
	if err != nil || len(data) < size {
		return core.ErrOutOfMemory
	}
	copy(data, b.data[:b.length])
	b.data = data
	return nil
}

// Len returns the number of content bytes, excluding the terminator.
func (b *Buffer) Len() int { return b.length }

// Cap returns the allocated storage size.
func (b *Buffer) Cap() int { return len(b.data) }

// Bytes returns the content without the terminator. The slice aliases the
// buffer and is only valid until the next Append or Release.
func (b *Buffer) Bytes() []byte {
	if b.data == nil {
		return nil
	}
	return b.data[:b.length]
}

// Terminated returns the content including the trailing zero byte.
func (b *Buffer) Terminated() []byte {
	if b.data == nil {
		return []byte{0}
	}
	return b.data[:b.length+1]
}

// Release drops the storage. The buffer may be reused afterwards.
func (b *Buffer) Release() {
	b.data = nil
	b.length = 0
}

func roundUp(n, q int) int {
	return ((n + q - 1) / q) * q
}
