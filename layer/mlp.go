package layer

import (
	"math"

	"github.com/ignite-run/ignite/kernel"
	"github.com/ignite-run/ignite/lora"
	"github.com/ignite-run/ignite/weights"
)

// runMLP computes down_proj(silu(gate_proj(x)) * up_proj(x)) per spec.md
// §4.7, using a single fused `gate_up_proj` matmul when present. A LoRA
// composite targeting gate_up_proj directly (rather than gate_proj/
// up_proj separately) is not applied here: the fused path only has a
// combined weight to delta against, and spec.md doesn't define how a
// gate_up_proj-targeted adapter should split across the two halves.
func runMLP(rec *kernel.Recorder, x *kernel.Tensor, w *weights.Weights, prefix string, opts Options, layerIndex int, lookup CompositeLookup) (*kernel.Tensor, error) {
	T, H := x.Dim(0), x.Dim(1)
	inter := interSize(w, prefix)

	var gate, up *kernel.Tensor
	var err error

	if fused, ok := w.Get(prefix + ".gate_up_proj"); ok {
		gateUp, ferr := kernel.Matmul(rec, x, fused, T, 2*inter, H, kernel.TransposeAuto, "gate_up_proj")
		if ferr != nil {
			return nil, ferr
		}
		gate, up = splitGateUp(rec, gateUp, T, inter)
	} else {
		gateW, gerr := w.MustGet(prefix + ".gate_proj")
		if gerr != nil {
			return nil, gerr
		}
		upW, uerr := w.MustGet(prefix + ".up_proj")
		if uerr != nil {
			return nil, uerr
		}
		gate, err = kernel.Matmul(rec, x, gateW, T, inter, H, kernel.TransposeAuto, "gate_proj")
		if err != nil {
			return nil, err
		}
		up, err = kernel.Matmul(rec, x, upW, T, inter, H, kernel.TransposeAuto, "up_proj")
		if err != nil {
			return nil, err
		}
	}

	gate = maybeApplyLoRA(rec, gate, x, T, H, inter, layerIndex, lora.TargetGateProj, lookup)
	up = maybeApplyLoRA(rec, up, x, T, H, inter, layerIndex, lora.TargetUpProj, lookup)

	hidden := siluMul(rec, gate, up)

	downW, err := w.MustGet(prefix + ".down_proj")
	if err != nil {
		return nil, err
	}
	out, err := kernel.Matmul(rec, hidden, downW, T, H, inter, kernel.TransposeAuto, "down_proj")
	if err != nil {
		return nil, err
	}
	out = maybeApplyLoRA(rec, out, hidden, T, inter, H, layerIndex, lora.TargetDownProj, lookup)
	return out, nil
}

// interSize infers the MLP's intermediate width from whichever gate/up
// projection weight is registered for prefix.
func interSize(w *weights.Weights, prefix string) int {
	if fused, ok := w.Get(prefix + ".gate_up_proj"); ok {
		return fused.Shape()[0] / 2
	}
	if gate, ok := w.Get(prefix + ".gate_proj"); ok {
		return gate.Shape()[0]
	}
	return 0
}

// splitGateUp slices a fused [T, 2*inter] gate_up_proj result into gate
// and up halves, deferred so it observes the matmul's real output under a
// batched Recorder.
func splitGateUp(rec *kernel.Recorder, gateUp *kernel.Tensor, T, inter int) (gate, up *kernel.Tensor) {
	gate = kernel.Zeros(T, inter)
	up = kernel.Zeros(T, inter)
	kernel.Defer(rec, func() {
		for t := 0; t < T; t++ {
			row := gateUp.Data()[t*2*inter : (t+1)*2*inter]
			copy(gate.Data()[t*inter:(t+1)*inter], row[:inter])
			copy(up.Data()[t*inter:(t+1)*inter], row[inter:])
		}
	})
	return gate, up
}

// siluMul computes silu(gate)*up = (gate/(1+e^-gate))*up element-wise,
// deferred to observe gate/up's real matmul outputs under a batched
// Recorder.
func siluMul(rec *kernel.Recorder, gate, up *kernel.Tensor) *kernel.Tensor {
	out := kernel.Zeros(gate.Shape()...)
	kernel.Defer(rec, func() {
		gd, ud, od := gate.Data(), up.Data(), out.Data()
		for i := range od {
			g := float64(gd[i])
			silu := g / (1 + math.Exp(-g))
			od[i] = float32(silu) * ud[i]
		}
	})
	return out
}
