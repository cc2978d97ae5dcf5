// Package gpubuf implements a pooled GPU buffer allocator (spec.md §4.2).
//
// Grounded on the teacher's ml.BackendMemory/ml.Context allocation model
// (ml/backend.go, ml/context.go): a backend hands out labeled buffers and
// reports its memory usage, but never aliases a live buffer. The pool here
// plays the allocator role a cgo GGML backend would otherwise hide, sized
// in buckets the way an arena allocator would, so the critical inference
// path never stalls on a host allocation once warmed up.
package gpubuf

import (
	"errors"
	"fmt"
	"sync"
)

// ErrOutOfMemory is returned when a fresh allocation fails and no pooled
// buffer of sufficient capacity is available.
var ErrOutOfMemory = errors.New("gpubuf: out of memory")

// Buffer is a handle to a region of device memory. Contents are undefined
// after Acquire unless the caller explicitly zeroed it.
type Buffer struct {
	label    string
	capacity int64
	size     int64
	data     []byte
	pool     *Pool
	released bool
}

// Label returns the tag the buffer was acquired under.
func (b *Buffer) Label() string { return b.label }

// Size returns the requested byte count rounded up to the 4-byte
// alignment (<= capacity).
func (b *Buffer) Size() int64 { return b.size }

// Bytes exposes the buffer's backing storage, sized to Size (the aligned
// requested length, not the pooled capacity).
func (b *Buffer) Bytes() []byte { return b.data[:b.size] }

// WrapBytes views already-owned host bytes as an unpooled Buffer — for
// derived data (e.g. a fused-QKV concatenation) that was never itself the
// product of an Acquire and so has nothing to release back to a pool.
func WrapBytes(label string, data []byte) *Buffer {
	n := int64(len(data))
	return &Buffer{label: label, capacity: n, size: n, data: data}
}

const align = 4

func alignUp(n int64) int64 {
	if rem := n % align; rem != 0 {
		return n + (align - rem)
	}
	return n
}

// Allocator is the allocation backend a Pool draws fresh memory from. The
// reference CPU kernel backend (package kernel) satisfies this with a plain
// host allocation; a real GPU backend would implement it over device
// memory instead.
type Allocator interface {
	AllocateRaw(size int64) ([]byte, error)
}

type hostAllocator struct{}

func (hostAllocator) AllocateRaw(size int64) ([]byte, error) {
	return make([]byte, size), nil
}

// Pool is a labeled GPU buffer allocator: released buffers go on a
// per-label free list that Acquire scans for the best fit.
//
// It is safe for concurrent use: acquire/release both take the pool mutex,
// matching the single-writer discipline the generator's session relies on
// (spec.md §5, "buffer pool is the only allocator").
type Pool struct {
	mu        sync.Mutex
	allocator Allocator
	free      map[string][]*Buffer // keyed by label, in release order (unsorted)
	debugTags map[string]bool
}

// New creates a buffer pool over the given allocator. A nil allocator uses
// a plain host ([]byte) allocator, suitable for the CPU reference backend
// and for tests.
func New(allocator Allocator) *Pool {
	if allocator == nil {
		allocator = hostAllocator{}
	}
	return &Pool{
		allocator: allocator,
		free:      make(map[string][]*Buffer),
		debugTags: make(map[string]bool),
	}
}

// Acquire returns a buffer of at least byteSize bytes tagged with label,
// reusing a pooled buffer of sufficient capacity if one is free, else
// allocating fresh. byteSize is rounded up to the alignment boundary.
func (p *Pool) Acquire(byteSize int64, label string) (*Buffer, error) {
	if byteSize < 0 {
		return nil, fmt.Errorf("gpubuf: negative size %d", byteSize)
	}
	size := alignUp(byteSize)

	p.mu.Lock()
	defer p.mu.Unlock()

	bucket := p.free[label]
	bestIdx := -1
	for i, b := range bucket {
		if b.capacity >= size && (bestIdx == -1 || b.capacity < bucket[bestIdx].capacity) {
			bestIdx = i
		}
	}
	if bestIdx >= 0 {
		b := bucket[bestIdx]
		p.free[label] = append(bucket[:bestIdx], bucket[bestIdx+1:]...)
		b.size = size
		b.released = false
		return b, nil
	}

	data, err := p.allocator.AllocateRaw(size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOutOfMemory, err)
	}
	return &Buffer{label: label, capacity: size, size: size, data: data, pool: p}, nil
}

// AcquireZeroed behaves like Acquire but guarantees zero-initialized
// contents, per spec.md §4.2 ("zero-initialized only when the caller
// requests it").
func (p *Pool) AcquireZeroed(byteSize int64, label string) (*Buffer, error) {
	b, err := p.Acquire(byteSize, label)
	if err != nil {
		return nil, err
	}
	for i := range b.data[:b.size] {
		b.data[i] = 0
	}
	return b, nil
}

// Release returns a buffer to its label's free list for reuse. Releasing
// an already-released buffer is a no-op.
func (p *Pool) Release(b *Buffer) {
	if b == nil || b.pool != p {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if b.released {
		return
	}
	b.released = true
	p.free[b.label] = append(p.free[b.label], b)
}

// ReadBuffer performs a host-visible readback of the first byteLen bytes of
// b. Callers must gate this behind AllowReadback so that generation does
// not stall on the critical path unless debugging is enabled.
func (p *Pool) ReadBuffer(b *Buffer, byteLen int64) []byte {
	if byteLen > b.size {
		byteLen = b.size
	}
	out := make([]byte, byteLen)
	copy(out, b.data[:byteLen])
	return out
}

// AllowReadback reports whether a debug readback tagged tag is permitted.
// Tags are enabled explicitly via EnableDebugTag; by default every tag is
// disallowed so generation never stalls on the critical path.
func (p *Pool) AllowReadback(tag string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.debugTags[tag]
}

// EnableDebugTag allows AllowReadback(tag) to return true for tag.
func (p *Pool) EnableDebugTag(tag string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.debugTags[tag] = true
}

// FreeBytes returns the total capacity currently sitting on free lists,
// available for reuse by a subsequent Acquire.
func (p *Pool) FreeBytes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var freeBytes int64
	for _, bucket := range p.free {
		for _, b := range bucket {
			freeBytes += b.capacity
		}
	}
	return freeBytes
}
