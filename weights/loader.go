// loader.go - manifest-driven tensor materialization (spec.md §4.5).
package weights

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ignite-run/ignite/dtype"
	"github.com/ignite-run/ignite/gpubuf"
	"github.com/ignite-run/ignite/kernel"
)

// Weights is the populated tensor map a loaded model exposes to the layer
// executor and logits head, keyed by canonical name (spec.md §3: `embed`,
// `final_norm`, `lm_head`, `layer.{i}.{slot}`).
type Weights struct {
	handles map[string]kernel.Weight
}

// NewWeights wraps an already-populated name->handle map directly,
// bypassing Load. Used by tests and by any caller assembling a Weights
// value from a source other than a manifest (e.g. synthetic fixtures).
func NewWeights(handles map[string]kernel.Weight) *Weights {
	return &Weights{handles: handles}
}

// Get returns the handle registered under name, if any.
func (w *Weights) Get(name string) (kernel.Weight, bool) {
	h, ok := w.handles[name]
	return h, ok
}

// MustGet returns the handle registered under name, or a MissingWeight
// error per spec.md §4.7's failure mode.
func (w *Weights) MustGet(name string) (kernel.Weight, error) {
	h, ok := w.handles[name]
	if !ok {
		return nil, &MissingWeight{Name: name}
	}
	return h, nil
}

// MissingWeight is the layer executor's abort condition when a required
// tensor name is absent (spec.md §4.7).
type MissingWeight struct{ Name string }

func (e *MissingWeight) Error() string { return fmt.Sprintf("weights: missing weight %q", e.Name) }

// LoadOptions configures the loading procedure.
type LoadOptions struct {
	// GPUResident selects whether resolved tensors are wrapped as
	// GpuDense (acquired from Pool) or CpuDense. Fused QKV packing only
	// applies to the GPU-resident path per spec.md §4.5. Pool must be
	// non-nil when GPUResident is true.
	GPUResident bool
	Pool        *gpubuf.Pool
	// InferAttention gates the advisory head-dim heuristic (spec.md §9
	// "--infer-attention opt-in flag").
	InferAttention bool
	Progress       ProgressFunc
}

var headDimCandidates = []int{256, 128, 160, 64, 96, 80}

// InferHeadDim implements spec.md §4.5's heuristic: given q_proj's output
// dimension qOut and k_proj's output dimension kOut (both resolved at
// layer 0), pick the largest candidate head dim that evenly divides both,
// with the resulting Nq >= Nkv > 0. Advisory only — callers must gate it
// behind an opt-in flag (spec.md §9).
func InferHeadDim(qOut, kOut int) (headDim, nq, nkv int, err error) {
	for _, d := range headDimCandidates {
		if d <= 0 || qOut%d != 0 || kOut%d != 0 {
			continue
		}
		candNq, candNkv := qOut/d, kOut/d
		if candNkv > 0 && candNq >= candNkv {
			return d, candNq, candNkv, nil
		}
	}
	return 0, 0, 0, &ErrAmbiguousAttentionParams{QOut: qOut, H: kOut}
}

// Load resolves every tensor entry in m against loader, applies the fused
// QKV packing and (optionally) the head-dim inference heuristic, and
// returns the populated Weights map.
func Load(m *Manifest, loader ShardLoader, opts LoadOptions) (*Weights, error) {
	emit(opts.Progress, Progress{Stage: "manifest", Progress: 0, Message: "validating manifest"})

	shardBytes := make(map[int][]byte, len(m.Shards))
	loadShard := func(idx int) ([]byte, error) {
		if b, ok := shardBytes[idx]; ok {
			return b, nil
		}
		b, err := loader.LoadShard(idx)
		if err != nil {
			return nil, fmt.Errorf("weights: load shard %d: %w", idx, err)
		}
		shardBytes[idx] = b
		return b, nil
	}

	emit(opts.Progress, Progress{Stage: "shards", Progress: 0.1, Message: fmt.Sprintf("loading %d shards", len(m.Shards))})

	w := &Weights{handles: make(map[string]kernel.Weight, len(m.Tensors))}

	names := make([]string, 0, len(m.Tensors))
	for name := range m.Tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	total := len(names)
	for i, name := range names {
		entry := m.Tensors[name]
		raw, err := loadShard(entry.Shard)
		if err != nil {
			return nil, err
		}
		if entry.Offset+entry.Length > uint64(len(raw)) {
			return nil, fmt.Errorf("weights: tensor %q range [%d,%d) exceeds shard %d size %d", name, entry.Offset, entry.Offset+entry.Length, entry.Shard, len(raw))
		}
		slice := raw[entry.Offset : entry.Offset+entry.Length]

		if opts.GPUResident {
			if opts.Pool == nil {
				return nil, fmt.Errorf("weights: GPUResident requires a non-nil Pool")
			}
			buf, err := opts.Pool.AcquireZeroed(int64(len(slice)), name)
			if err != nil {
				return nil, fmt.Errorf("weights: acquire buffer for %q: %w", name, err)
			}
			copy(buf.Bytes(), slice)
			w.handles[name] = NewGpuDense(buf, entry.DType, entry.Shape)
		} else {
			vals, err := dtype.Decode(entry.DType, slice)
			if err != nil {
				return nil, fmt.Errorf("weights: decode %q: %w", name, err)
			}
			w.handles[name] = NewCpuDense(vals, entry.DType, dtype.RowMajor, entry.Shape)
		}

		if layer, ok := layerIndexOf(name); ok {
			l := layer
			tot := total
			emit(opts.Progress, Progress{Stage: "layers", Progress: 0.1 + 0.7*float64(i+1)/float64(total), Message: name, Layer: &l, Total: &tot})
		}
	}

	emit(opts.Progress, Progress{Stage: "layers", Progress: 0.8, Message: "packing fused qkv"})
	if opts.GPUResident {
		packFusedQKV(w, m.Architecture.NumLayers)
	}

	if opts.InferAttention && (m.Architecture.NumAttentionHeads == 0 || m.Architecture.HeadDim == 0) {
		if q, ok := w.Get("layer.0.q_proj"); ok {
			if k, ok := w.Get("layer.0.k_proj"); ok {
				qShape, kShape := q.Shape(), k.Shape()
				if len(qShape) == 2 && len(kShape) == 2 {
					if d, nq, nkv, err := InferHeadDim(qShape[0], kShape[0]); err == nil {
						if m.Architecture.HeadDim == 0 {
							m.Architecture.HeadDim = d
						}
						if m.Architecture.NumAttentionHeads == 0 {
							m.Architecture.NumAttentionHeads = nq
							m.Architecture.NumKeyValueHeads = nkv
						}
					}
				}
			}
		}
	}

	emit(opts.Progress, Progress{Stage: "tokenizer", Progress: 0.9, Message: "tokenizer handled by caller"})
	emit(opts.Progress, Progress{Stage: "finalize", Progress: 1.0, Message: "done"})
	return w, nil
}

// layerIndexOf extracts i from a canonical name "layer.{i}.{slot}"; ok is
// false for non-layer tensors (embed, final_norm, lm_head).
func layerIndexOf(name string) (int, bool) {
	if !strings.HasPrefix(name, "layer.") {
		return 0, false
	}
	rest := strings.TrimPrefix(name, "layer.")
	dot := strings.IndexByte(rest, '.')
	if dot < 0 {
		return 0, false
	}
	var i int
	if _, err := fmt.Sscanf(rest[:dot], "%d", &i); err != nil {
		return 0, false
	}
	return i, true
}

// packFusedQKV builds layer.{i}.qkv_proj by concatenating q_proj/k_proj/
// v_proj along the output dimension when all three exist, share dtype and
// inner dim, and are GPU-resident (spec.md §4.5). Originals are retained
// as aliases; this is advisory and never required by a caller (fused
// absence just means three separate matmuls).
func packFusedQKV(w *Weights, numLayers int) {
	for i := 0; i < numLayers; i++ {
		qName := fmt.Sprintf("layer.%d.q_proj", i)
		kName := fmt.Sprintf("layer.%d.k_proj", i)
		vName := fmt.Sprintf("layer.%d.v_proj", i)
		q, okQ := w.Get(qName)
		k, okK := w.Get(kName)
		v, okV := w.Get(vName)
		if !okQ || !okK || !okV {
			continue
		}
		qg, okQ := q.(GpuDense)
		kg, okK := k.(GpuDense)
		vg, okV := v.(GpuDense)
		if !okQ || !okK || !okV {
			continue
		}
		if qg.DType != kg.DType || kg.DType != vg.DType {
			continue
		}
		qs, ks, vs := qg.Shape(), kg.Shape(), vg.Shape()
		if len(qs) != 2 || len(ks) != 2 || len(vs) != 2 {
			continue
		}
		if qs[1] != ks[1] || ks[1] != vs[1] {
			continue
		}

		fusedOut := qs[0] + ks[0] + vs[0]
		fused := make([]byte, len(qg.Buf.Bytes())+len(kg.Buf.Bytes())+len(vg.Buf.Bytes()))
		n := copy(fused, qg.Buf.Bytes())
		n += copy(fused[n:], kg.Buf.Bytes())
		copy(fused[n:], vg.Buf.Bytes())

		buf := gpubuf.WrapBytes(fmt.Sprintf("layer.%d.qkv_proj", i), fused)
		w.handles[fmt.Sprintf("layer.%d.qkv_proj", i)] = NewGpuDense(buf, qg.DType, []int{fusedOut, qs[1]})
	}
}
