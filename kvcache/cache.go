// Package kvcache implements the per-layer key/value cache described in
// spec.md §4.4.
//
// Adapted from the teacher's kvcache package (kvcache/constructors.go,
// kvcache/forward.go, kvcache/sequence_ops.go, kvcache/tensor_ops.go),
// which manages a multi-sequence, sliding-window-aware cache shared by a
// batched HTTP server. spec.md's cache has exactly one owner per
// generation session and no cross-sequence bookkeeping, so the teacher's
// cellRanges/curSequences machinery is dropped; what's kept is the
// layer-indexed K/V store shape, the "seqLen advances only at layer 0"
// discipline (StartForward in the teacher advances cache metadata once per
// batch, not once per layer), and the clone-by-value snapshot idiom
// (spec.md §9).
package kvcache

import (
	"errors"
	"fmt"

	"github.com/ignite-run/ignite/dtype"
	"github.com/ignite-run/ignite/kernel"
)

// ErrSequenceOverflow is returned by Append when seqLen+T would exceed the
// cache's configured capacity (spec.md §4.4, §8 "triggers exactly when
// seqLen+T > Smax, never one token earlier").
var ErrSequenceOverflow = errors.New("kvcache: sequence overflow")

type layerStore struct {
	k *kernel.Tensor // [Smax, Nkv, D]
	v *kernel.Tensor
}

// Cache holds the K/V store for every layer of one generation session. It
// is exclusively owned by that session; Clone produces an independent
// Snapshot that may be replayed into a fresh Cache without aliasing the
// original (spec.md §3, §9).
type Cache struct {
	layers []layerStore
	nkv    int
	d      int
	smax   int
	dtype  dtype.DType
	seqLen int
}

// New allocates a cache for L layers, each storing Smax rows of Nkv heads
// of D-dimensional keys/values in the given dtype (spec.md §4.4 Init).
func New(layers, nkv, d, smax int, dt dtype.DType) *Cache {
	c := &Cache{
		layers: make([]layerStore, layers),
		nkv:    nkv,
		d:      d,
		smax:   smax,
		dtype:  dt,
	}
	for i := range c.layers {
		c.layers[i] = layerStore{
			k: kernel.Zeros(smax, nkv, d),
			v: kernel.Zeros(smax, nkv, d),
		}
	}
	return c
}

// SeqLen returns the current filled prefix length, shared across all
// layers.
func (c *Cache) SeqLen() int { return c.seqLen }

// NumLayers returns the number of layers this cache was initialized with.
func (c *Cache) NumLayers() int { return len(c.layers) }

// Append writes rows [start, start+T) of k/v (shaped [T,Nkv,D]) into layer
// layerIndex's store, where start is the cache's current seqLen. seqLen is
// only advanced when layerIndex==0, so that every layer's Append within a
// single forward step observes the same starting position (spec.md §4.4:
// "append increments the shared seqLen only at layer 0"). Equivalent to
// AppendRecorded(nil, ...) — eager, for callers outside a batched pipeline.
func (c *Cache) Append(layerIndex int, k, v *kernel.Tensor) error {
	return c.AppendRecorded(nil, layerIndex, k, v)
}

// AppendRecorded is Append, but forwards rec to the underlying kernel op
// instead of always running eagerly. k and v are typically themselves the
// not-yet-filled output of a recorded op (e.g. RoPE) under a batched
// Recorder; forwarding the same rec here keeps the copy in its correct
// place in program order instead of reading k/v's data before it exists.
func (c *Cache) AppendRecorded(rec *kernel.Recorder, layerIndex int, k, v *kernel.Tensor) error {
	if layerIndex < 0 || layerIndex >= len(c.layers) {
		return fmt.Errorf("kvcache: layer index %d out of range [0,%d)", layerIndex, len(c.layers))
	}
	T := k.Dim(0)
	start := c.seqLen
	if start+T > c.smax {
		return ErrSequenceOverflow
	}

	ls := c.layers[layerIndex]
	if err := kernel.AppendKV(rec, ls.k, ls.v, k, v, start); err != nil {
		return fmt.Errorf("kvcache: %w", err)
	}

	if layerIndex == 0 {
		c.seqLen = start + T
	}
	return nil
}

// GetKey returns the full key store for a layer; only rows [0, SeqLen())
// are valid.
func (c *Cache) GetKey(layerIndex int) *kernel.Tensor { return c.layers[layerIndex].k }

// GetValue returns the full value store for a layer; only rows
// [0, SeqLen()) are valid.
func (c *Cache) GetValue(layerIndex int) *kernel.Tensor { return c.layers[layerIndex].v }

// Clear resets the cache to an empty prefix, zeroing no storage (rows
// beyond the new seqLen are simply no longer considered valid).
func (c *Cache) Clear() {
	c.seqLen = 0
}

// Snapshot is an independently-owned deep copy of a Cache's per-layer
// storage and seqLen, produced by Clone and replayed via Restore. Spec.md
// §4.10: "prefix may be reused across many calls because it is cloned,
// not consumed."
type Snapshot struct {
	layers []layerStore
	seqLen int
	nkv    int
	d      int
	smax   int
	dtype  dtype.DType
}

// Clone captures the cache's storage and seqLen by value. Mutating the
// original cache afterward never affects the snapshot, and vice versa.
func (c *Cache) Clone() *Snapshot {
	s := &Snapshot{
		layers: make([]layerStore, len(c.layers)),
		seqLen: c.seqLen,
		nkv:    c.nkv,
		d:      c.d,
		smax:   c.smax,
		dtype:  c.dtype,
	}
	for i, l := range c.layers {
		s.layers[i] = layerStore{k: l.k.Clone(), v: l.v.Clone()}
	}
	return s
}

// NumLayers returns the number of layers captured in the snapshot.
func (s *Snapshot) NumLayers() int { return len(s.layers) }

// SeqLen returns the filled-prefix length captured in the snapshot.
func (s *Snapshot) SeqLen() int { return s.seqLen }

// Restore replaces c's storage and seqLen with an independent copy of the
// snapshot's, so further mutation of c never affects s (and a second
// Restore of the same snapshot starts fresh again).
func (c *Cache) Restore(s *Snapshot) {
	c.layers = make([]layerStore, len(s.layers))
	for i, l := range s.layers {
		c.layers[i] = layerStore{k: l.k.Clone(), v: l.v.Clone()}
	}
	c.seqLen = s.seqLen
	c.nkv = s.nkv
	c.d = s.d
	c.smax = s.smax
	c.dtype = s.dtype
}
