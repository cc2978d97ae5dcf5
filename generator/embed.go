package generator

import (
	"github.com/ignite-run/ignite/kernel"
	"github.com/ignite-run/ignite/weights"
)

// embedTokens gathers rows [H] for each id in ids from the embed weight,
// producing a [T,H] tensor, optionally scaled (spec.md §3 "optional
// embedding scale"). This is plain host-side gather, not a recorded
// kernel op: the embedding table is resolved once up front and indexed
// directly, matching how the teacher's input layer reads a token
// embedding table without going through the compute graph.
func embedTokens(w *weights.Weights, ids []uint32, scale float64) (*kernel.Tensor, error) {
	embedW, err := w.MustGet("embed")
	if err != nil {
		return nil, err
	}
	table, err := embedW.Resolve()
	if err != nil {
		return nil, err
	}
	h := table.Dim(1)
	out := kernel.Zeros(len(ids), h)
	for t, id := range ids {
		row := table.Row(int(id))
		dst := out.Row(t)
		copy(dst, row)
		if scale != 0 && scale != 1 {
			for i := range dst {
				dst[i] *= float32(scale)
			}
		}
	}
	return out, nil
}
