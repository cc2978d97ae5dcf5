package layer

import (
	"fmt"
	"math"
	"sort"

	"github.com/ignite-run/ignite/kernel"
	"github.com/ignite-run/ignite/weights"
)

// ExpertLoader lazy-materializes an expert's weights on first use (spec.md
// §4.7: "expert weights may be lazy-loaded on first use via an external
// expert-loader interface"). A nil loader means every expert is assumed
// already resolvable through w.Get.
type ExpertLoader interface {
	EnsureExpert(layerIndex, expertIndex int) error
}

// runMoE computes the router matmul, top-K expert selection, optional
// renormalization, and the weighted sum of the selected experts' dense
// MLP blocks (spec.md §4.7). Unlike deepseek2's sparse.Forward, there is
// no always-on shared-expert branch: the output is exactly the weighted
// sum of the routed experts.
func runMoE(rec *kernel.Recorder, x *kernel.Tensor, w *weights.Weights, prefix string, opts Options, layerIndex int, loader ExpertLoader, lookup CompositeLookup) (*kernel.Tensor, error) {
	T, H := x.Dim(0), x.Dim(1)

	routerW, err := w.MustGet(prefix + ".router")
	if err != nil {
		return nil, err
	}
	logits, err := kernel.Matmul(rec, x, routerW, T, opts.NumExperts, H, kernel.TransposeAuto, "router")
	if err != nil {
		return nil, err
	}

	out := kernel.Zeros(T, H)
	var stepErr error

	kernel.Defer(rec, func() {
		if stepErr != nil {
			return
		}
		for t := 0; t < T; t++ {
			row := logits.Row(t)
			idx, weight := topKSoftmax(row, opts.NumExpertsUsed, opts.RoutingNormalize)

			for i, e := range idx {
				if loader != nil {
					if err := loader.EnsureExpert(layerIndex, e); err != nil {
						stepErr = fmt.Errorf("layer: lazy-load expert %d: %w", e, err)
						return
					}
				}
				exprPrefix := fmt.Sprintf("%s.experts.%d", prefix, e)
				tokenX := kernel.NewTensor([]int{1, H}, x.Row(t))
				mlpOut, err := runMLP(nil, tokenX, w, exprPrefix, opts, layerIndex, lookup)
				if err != nil {
					stepErr = fmt.Errorf("layer: expert %d: %w", e, err)
					return
				}
				dst := out.Row(t)
				src := mlpOut.Row(0)
				wgt := float32(weight[i])
				for j := range dst {
					dst[j] += wgt * src[j]
				}
			}
		}
	})

	if stepErr != nil {
		return nil, stepErr
	}
	return out, nil
}

// topKSoftmax softmaxes scores over the full expert distribution, then
// selects the k highest-scoring experts from that distribution (spec.md
// §4.7), matching deepseek2/mlp.go's router convention rather than
// Mixtral's select-then-softmax: since the softmax runs over every expert,
// the k selected weights generally sum to less than 1, so normalize meaningfully
// rescales them to sum to 1 rather than being a no-op.
func topKSoftmax(scores []float32, k int, normalize bool) ([]int, []float64) {
	mx := math.Inf(-1)
	for _, v := range scores {
		if float64(v) > mx {
			mx = float64(v)
		}
	}
	probs := make([]float64, len(scores))
	var total float64
	for i, v := range scores {
		e := math.Exp(float64(v) - mx)
		probs[i] = e
		total += e
	}
	for i := range probs {
		probs[i] /= total
	}

	type scored struct {
		idx int
		val float64
	}
	all := make([]scored, len(probs))
	for i, p := range probs {
		all[i] = scored{i, p}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].val != all[j].val {
			return all[i].val > all[j].val
		}
		return all[i].idx < all[j].idx
	})
	if k > len(all) {
		k = len(all)
	}
	top := all[:k]

	idx := make([]int, k)
	weights := make([]float64, k)
	var sum float64
	for i, s := range top {
		idx[i] = s.idx
		weights[i] = s.val
		sum += s.val
	}
	if normalize && sum > 0 {
		for i := range weights {
			weights[i] /= sum
		}
	}
	return idx, weights
}
