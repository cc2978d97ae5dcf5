package layer

import (
	"github.com/ignite-run/ignite/kernel"
	"github.com/ignite-run/ignite/lora"
)

// CompositeLookup resolves the active composite adapter's per-(layer,
// module) weights, if any (spec.md §4.7: "LoRA is applied by adding
// scale*(x*A^T)*B^T when the active composite contains the module").
type CompositeLookup func(layerIndex int, module lora.TargetModule) (lora.ModuleWeights, bool)

// applyLoRADelta adds the low-rank correction scale*(x*A^T)*B^T onto base
// (shaped [T,out]) in place of a full-rank matmul, computing the cheap
// T x r and r x out matmuls per spec.md §4.7's efficiency note.
func applyLoRADelta(rec *kernel.Recorder, base *kernel.Tensor, x *kernel.Tensor, T, in, out int, mw lora.ModuleWeights) *kernel.Tensor {
	aTensor := kernel.NewTensor([]int{mw.Rank, in}, mw.A)
	mid := kernel.MatmulDense(rec, x, aTensor, T, mw.Rank, in, kernel.TransposeYes)

	bTensor := kernel.NewTensor([]int{out, mw.Rank}, mw.B)
	delta := kernel.MatmulDense(rec, mid, bTensor, T, out, mw.Rank, kernel.TransposeYes)

	result := kernel.Zeros(T, out)
	scale := float32(mw.Scale)
	kernel.Defer(rec, func() {
		bd, dd, rd := base.Data(), delta.Data(), result.Data()
		for i := range rd {
			rd[i] = bd[i] + scale*dd[i]
		}
	})
	return result
}

// maybeApplyLoRA adds module's LoRA delta onto base when lookup has an
// entry for (layerIndex, module); otherwise returns base unchanged.
func maybeApplyLoRA(rec *kernel.Recorder, base, x *kernel.Tensor, T, in, out, layerIndex int, module lora.TargetModule, lookup CompositeLookup) *kernel.Tensor {
	if lookup == nil {
		return base
	}
	mw, ok := lookup(layerIndex, module)
	if !ok {
		return base
	}
	return applyLoRADelta(rec, base, x, T, in, out, mw)
}
