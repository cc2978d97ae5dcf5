package layer

import (
	"github.com/ignite-run/ignite/kernel"
	"github.com/ignite-run/ignite/kvcache"
	"github.com/ignite-run/ignite/lora"
	"github.com/ignite-run/ignite/weights"
)

// runAttention computes q,k,v projections (fused `qkv_proj` when present,
// else three separate matmuls), RoPE, KV-cache append, grouped-query
// attention, and the output projection, per spec.md §4.7. x is the
// attn_norm-normalized hidden state, shaped [T,H]; positionBase is the
// cache's seqLen before this step's append.
func runAttention(rec *kernel.Recorder, x *kernel.Tensor, w *weights.Weights, prefix string, opts Options,
	cos, sin *kernel.Tensor, cache *kvcache.Cache, layerIndex int, positionBase int, lookup CompositeLookup) (*kernel.Tensor, error) {

	T, H := x.Dim(0), x.Dim(1)
	qOut, kvOut := opts.qOut(), opts.kvOut()

	var q, k, v *kernel.Tensor

	if fused, ok := w.Get(prefix + ".qkv_proj"); ok {
		qkv, err := kernel.Matmul(rec, x, fused, T, opts.fused(), H, kernel.TransposeAuto, "qkv_proj")
		if err != nil {
			return nil, err
		}
		q, k, v = splitQKV(rec, qkv, T, qOut, kvOut)
	} else {
		qW, err := w.MustGet(prefix + ".q_proj")
		if err != nil {
			return nil, err
		}
		kW, err := w.MustGet(prefix + ".k_proj")
		if err != nil {
			return nil, err
		}
		vW, err := w.MustGet(prefix + ".v_proj")
		if err != nil {
			return nil, err
		}
		q, err = kernel.Matmul(rec, x, qW, T, qOut, H, kernel.TransposeAuto, "q_proj")
		if err != nil {
			return nil, err
		}
		k, err = kernel.Matmul(rec, x, kW, T, kvOut, H, kernel.TransposeAuto, "k_proj")
		if err != nil {
			return nil, err
		}
		v, err = kernel.Matmul(rec, x, vW, T, kvOut, H, kernel.TransposeAuto, "v_proj")
		if err != nil {
			return nil, err
		}
	}

	q = maybeApplyLoRA(rec, q, x, T, H, qOut, layerIndex, lora.TargetQProj, lookup)
	k = maybeApplyLoRA(rec, k, x, T, H, kvOut, layerIndex, lora.TargetKProj, lookup)
	v = maybeApplyLoRA(rec, v, x, T, H, kvOut, layerIndex, lora.TargetVProj, lookup)

	qHeads := kernel.NewTensor([]int{T, opts.NumHeads, opts.HeadDim}, q.Data())
	kHeads := kernel.NewTensor([]int{T, opts.NumKVHeads, opts.HeadDim}, k.Data())
	vHeads := kernel.NewTensor([]int{T, opts.NumKVHeads, opts.HeadDim}, v.Data())

	qHeads, kHeads = kernel.RoPE(rec, qHeads, kHeads, cos, sin, positionBase)

	if err := cache.AppendRecorded(rec, layerIndex, kHeads, vHeads); err != nil {
		return nil, err
	}

	seqLen := cache.SeqLen()
	attnOut := kernel.Attention(rec, qHeads, cache.GetKey(layerIndex), cache.GetValue(layerIndex), seqLen, T > 1)

	flat := kernel.NewTensor([]int{T, qOut}, attnOut.Data())

	oW, err := w.MustGet(prefix + ".o_proj")
	if err != nil {
		return nil, err
	}
	out, err := kernel.Matmul(rec, flat, oW, T, H, qOut, kernel.TransposeAuto, "o_proj")
	if err != nil {
		return nil, err
	}
	out = maybeApplyLoRA(rec, out, flat, T, qOut, H, layerIndex, lora.TargetOProj, lookup)
	return out, nil
}

// splitQKV slices a fused [T, qOut+2*kvOut] projection into separate
// q/k/v tensors (spec.md §4.5 fused QKV packing). The slice runs as a
// deferred step so it observes qkv's matmul result in program order even
// under a batched Recorder, rather than the pre-Submit zero buffer.
func splitQKV(rec *kernel.Recorder, qkv *kernel.Tensor, T, qOut, kvOut int) (q, k, v *kernel.Tensor) {
	total := qOut + 2*kvOut
	q = kernel.Zeros(T, qOut)
	k = kernel.Zeros(T, kvOut)
	v = kernel.Zeros(T, kvOut)
	kernel.Defer(rec, func() {
		for t := 0; t < T; t++ {
			row := qkv.Data()[t*total : (t+1)*total]
			copy(q.Data()[t*qOut:(t+1)*qOut], row[:qOut])
			copy(k.Data()[t*kvOut:(t+1)*kvOut], row[qOut:qOut+kvOut])
			copy(v.Data()[t*kvOut:(t+1)*kvOut], row[qOut+kvOut:])
		}
	})
	return q, k, v
}
