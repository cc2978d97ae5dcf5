package layer

import (
	"fmt"

	"github.com/ignite-run/ignite/kernel"
	"github.com/ignite-run/ignite/kvcache"
	"github.com/ignite-run/ignite/weights"
)

// Layer executes one transformer block for layer index Index against
// weights named under prefix "layer.{Index}" (spec.md §3, §4.7).
type Layer struct {
	Index   int
	Options Options
	Loader  ExpertLoader // nil unless Options.MoEEnabled and experts are lazy-loaded
}

// Forward runs attn_norm -> attention -> residual -> ffn_norm -> MLP_or_MoE
// -> residual for this layer's slice of hidden states x ([T,H]), returning
// the block's output hidden states.
//
// cos/sin are the RoPE tables this layer should use: the caller picks the
// local or global table per spec.md §4.7 ("optional ropeLocalCos/Sin
// overrides per-layer when the model declares a sliding-window scheme").
func (l Layer) Forward(rec *kernel.Recorder, x *kernel.Tensor, w *weights.Weights, cos, sin *kernel.Tensor, cache *kvcache.Cache, lookup CompositeLookup) (*kernel.Tensor, error) {
	prefix := fmt.Sprintf("layer.%d", l.Index)
	positionBase := cache.SeqLen()

	attnNormW, err := w.MustGet(prefix + ".attn_norm")
	if err != nil {
		return nil, err
	}
	attnNormTensor, err := attnNormW.Resolve()
	if err != nil {
		return nil, err
	}
	normed := kernel.RMSNorm(rec, x, attnNormTensor, l.Options.Eps, l.Options.NormWeightOffset)

	attnOut, err := runAttention(rec, normed, w, prefix, l.Options, cos, sin, cache, l.Index, positionBase, lookup)
	if err != nil {
		return nil, err
	}
	attnResidual := addTensors(rec, x, attnOut)

	ffnNormW, err := w.MustGet(prefix + ".ffn_norm")
	if err != nil {
		return nil, err
	}
	ffnNormTensor, err := ffnNormW.Resolve()
	if err != nil {
		return nil, err
	}
	ffnNormed := kernel.RMSNorm(rec, attnResidual, ffnNormTensor, l.Options.Eps, l.Options.NormWeightOffset)

	var mlpOut *kernel.Tensor
	if l.Options.MoEEnabled {
		mlpOut, err = runMoE(rec, ffnNormed, w, prefix, l.Options, l.Index, l.Loader, lookup)
	} else {
		mlpOut, err = runMLP(rec, ffnNormed, w, prefix, l.Options, l.Index, lookup)
	}
	if err != nil {
		return nil, err
	}

	return addTensors(rec, attnResidual, mlpOut), nil
}

// addTensors computes a+b element-wise, deferred so it observes both
// operands' real values under a batched Recorder.
func addTensors(rec *kernel.Recorder, a, b *kernel.Tensor) *kernel.Tensor {
	out := kernel.Zeros(a.Shape()...)
	kernel.Defer(rec, func() {
		ad, bd, od := a.Data(), b.Data(), out.Data()
		for i := range od {
			od[i] = ad[i] + bd[i]
		}
	})
	return out
}
