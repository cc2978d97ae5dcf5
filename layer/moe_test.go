package layer

import (
	"math"
	"testing"

	"github.com/ignite-run/ignite/dtype"
	"github.com/ignite-run/ignite/kernel"
	"github.com/ignite-run/ignite/weights"
)

func TestTopKSoftmaxSelectsHighestScores(t *testing.T) {
	scores := []float32{1, 5, 2, 4, 0}
	idx, w := topKSoftmax(scores, 2, false)
	if len(idx) != 2 || idx[0] != 1 || idx[1] != 3 {
		t.Fatalf("got idx=%v, want [1,3] (scores 5 and 4 are highest)", idx)
	}
	var sum float64
	for _, v := range w {
		sum += v
	}
	// softmax runs over all 5 scores, not just the selected 2, so the two
	// selected weights carry less than the full probability mass.
	if sum >= 1 {
		t.Fatalf("unnormalized top-k weights should sum to less than 1 (mass left on unselected experts), got %v (sum=%v)", w, sum)
	}
}

// TestTopKSoftmaxNormalizeRescalesToOne exercises RoutingNormalize=true
// against a case where it actually changes the result: the unselected
// experts hold real probability mass, so normalize must rescale the
// selected weights up to sum to 1 rather than being a no-op.
func TestTopKSoftmaxNormalizeRescalesToOne(t *testing.T) {
	scores := []float32{1, 5, 2, 4, 0}
	idxUnnorm, wUnnorm := topKSoftmax(scores, 2, false)
	idxNorm, wNorm := topKSoftmax(scores, 2, true)

	if idxUnnorm[0] != idxNorm[0] || idxUnnorm[1] != idxNorm[1] {
		t.Fatalf("normalize must not change which experts are selected: got %v vs %v", idxUnnorm, idxNorm)
	}

	var sumNorm float64
	for _, v := range wNorm {
		sumNorm += v
	}
	if math.Abs(sumNorm-1) > 1e-9 {
		t.Fatalf("normalized weights should sum to 1, got %v (sum=%v)", wNorm, sumNorm)
	}

	ratio := wUnnorm[0] / wUnnorm[1]
	normRatio := wNorm[0] / wNorm[1]
	if math.Abs(ratio-normRatio) > 1e-9 {
		t.Fatalf("normalize must preserve relative weighting: unnorm ratio %v, norm ratio %v", ratio, normRatio)
	}
	if wNorm[0] == wUnnorm[0] {
		t.Fatalf("normalize=true must actually rescale weights when unselected experts hold mass")
	}
}

func TestTopKSoftmaxDeterministicTieBreak(t *testing.T) {
	scores := []float32{3, 3, 3}
	idx, _ := topKSoftmax(scores, 2, false)
	if idx[0] != 0 || idx[1] != 1 {
		t.Fatalf("expected lowest-index-first tie break, got %v", idx)
	}
}

func TestRunMoEWeightedSumOfExperts(t *testing.T) {
	const h, inter, experts, topK = 2, 2, 2, 1

	routerData := []float32{100, 0, 0, 0} // strongly favors expert 0
	handles := map[string]kernel.Weight{
		"layer.0.router":              weights.NewCpuDense(routerData, dtype.F32, dtype.RowMajor, []int{experts, h}),
		"layer.0.experts.0.gate_proj": weights.NewCpuDense([]float32{1, 0, 0, 1}, dtype.F32, dtype.RowMajor, []int{inter, h}),
		"layer.0.experts.0.up_proj":   weights.NewCpuDense([]float32{1, 0, 0, 1}, dtype.F32, dtype.RowMajor, []int{inter, h}),
		"layer.0.experts.0.down_proj": weights.NewCpuDense([]float32{1, 0, 0, 1}, dtype.F32, dtype.RowMajor, []int{h, inter}),
		"layer.0.experts.1.gate_proj": weights.NewCpuDense([]float32{0, 0, 0, 0}, dtype.F32, dtype.RowMajor, []int{inter, h}),
		"layer.0.experts.1.up_proj":   weights.NewCpuDense([]float32{0, 0, 0, 0}, dtype.F32, dtype.RowMajor, []int{inter, h}),
		"layer.0.experts.1.down_proj": weights.NewCpuDense([]float32{0, 0, 0, 0}, dtype.F32, dtype.RowMajor, []int{h, inter}),
	}
	w := weights.NewWeights(handles)

	x := kernel.NewTensor([]int{1, h}, []float32{1, 2})
	opts := Options{HiddenSize: h, MoEEnabled: true, NumExperts: experts, NumExpertsUsed: topK}

	out, err := runMoE(nil, x, w, "layer.0", opts, 0, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Dim(0) != 1 || out.Dim(1) != h {
		t.Fatalf("got shape [%d,%d], want [1,%d]", out.Dim(0), out.Dim(1), h)
	}

	// Router scores are [100, 0], so top-1 picks expert 0 with weight 1.
	expert0, err := runMLP(nil, x, w, "layer.0.experts.0", opts, 0, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for j, want := range expert0.Data() {
		if math.Abs(float64(out.Data()[j]-want)) > 1e-4 {
			t.Fatalf("out[%d] = %v, want %v (expert 0 output)", j, out.Data()[j], want)
		}
	}
}
