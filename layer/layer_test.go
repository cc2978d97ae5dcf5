package layer

import (
	"math"
	"testing"

	"github.com/ignite-run/ignite/dtype"
	"github.com/ignite-run/ignite/kernel"
	"github.com/ignite-run/ignite/kvcache"
	"github.com/ignite-run/ignite/lora"
	"github.com/ignite-run/ignite/weights"
)

const (
	testH       = 4
	testNumHead = 2
	testHeadDim = 2
	testKV      = 2
	testInter   = 6
)

func identityWeight(shape []int, diag float32) kernel.Weight {
	n := shape[0] * shape[1]
	data := make([]float32, n)
	for i := 0; i < shape[0] && i < shape[1]; i++ {
		data[i*shape[1]+i] = diag
	}
	return weights.NewCpuDense(data, dtype.F32, dtype.RowMajor, shape)
}

func normWeight(h int) kernel.Weight {
	data := make([]float32, h)
	for i := range data {
		data[i] = 1
	}
	return weights.NewCpuDense(data, dtype.F32, dtype.RowMajor, []int{h})
}

func ropeTables(smax, headDim int) (cos, sin *kernel.Tensor) {
	half := headDim / 2
	cosData := make([]float32, smax*half)
	sinData := make([]float32, smax*half)
	for p := 0; p < smax; p++ {
		for i := 0; i < half; i++ {
			theta := float64(p) / math.Pow(10000, float64(2*i)/float64(headDim))
			cosData[p*half+i] = float32(math.Cos(theta))
			sinData[p*half+i] = float32(math.Sin(theta))
		}
	}
	return kernel.NewTensor([]int{smax, half}, cosData), kernel.NewTensor([]int{smax, half}, sinData)
}

func buildDenseLayerWeights() *weights.Weights {
	qOut := testNumHead * testHeadDim
	kvOut := testKV * testHeadDim
	h := map[string]kernel.Weight{
		"layer.0.attn_norm": normWeight(testH),
		"layer.0.q_proj":    identityWeight([]int{qOut, testH}, 1),
		"layer.0.k_proj":    identityWeight([]int{kvOut, testH}, 1),
		"layer.0.v_proj":    identityWeight([]int{kvOut, testH}, 1),
		"layer.0.o_proj":    identityWeight([]int{testH, qOut}, 1),
		"layer.0.ffn_norm":  normWeight(testH),
		"layer.0.gate_proj": identityWeight([]int{testInter, testH}, 1),
		"layer.0.up_proj":   identityWeight([]int{testInter, testH}, 1),
		"layer.0.down_proj": identityWeight([]int{testH, testInter}, 1),
	}
	return weights.NewWeights(h)
}

func TestLayerForwardProducesCorrectShape(t *testing.T) {
	w := buildDenseLayerWeights()
	cos, sin := ropeTables(16, testHeadDim)
	cache := kvcache.New(1, testKV, testHeadDim, 16, dtype.F32)

	x := kernel.NewTensor([]int{1, testH}, []float32{0.1, 0.2, 0.3, 0.4})

	l := Layer{Index: 0, Options: Options{
		HiddenSize: testH, NumHeads: testNumHead, NumKVHeads: testKV, HeadDim: testHeadDim, Eps: 1e-5,
	}}

	out, err := l.Forward(nil, x, w, cos, sin, cache, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Dim(0) != 1 || out.Dim(1) != testH {
		t.Fatalf("got shape [%d,%d], want [1,%d]", out.Dim(0), out.Dim(1), testH)
	}
	if cache.SeqLen() != 1 {
		t.Fatalf("cache seqLen = %d, want 1", cache.SeqLen())
	}
}

func TestLayerForwardMissingWeightFails(t *testing.T) {
	w := weights.NewWeights(map[string]kernel.Weight{})
	cos, sin := ropeTables(16, testHeadDim)
	cache := kvcache.New(1, testKV, testHeadDim, 16, dtype.F32)
	x := kernel.NewTensor([]int{1, testH}, []float32{0.1, 0.2, 0.3, 0.4})

	l := Layer{Index: 0, Options: Options{HiddenSize: testH, NumHeads: testNumHead, NumKVHeads: testKV, HeadDim: testHeadDim, Eps: 1e-5}}
	_, err := l.Forward(nil, x, w, cos, sin, cache, nil)
	var missing *weights.MissingWeight
	if err == nil {
		t.Fatal("expected MissingWeight error")
	}
	if !errorsAsMissing(err, &missing) {
		t.Fatalf("expected *weights.MissingWeight, got %v (%T)", err, err)
	}
}

func errorsAsMissing(err error, target **weights.MissingWeight) bool {
	if m, ok := err.(*weights.MissingWeight); ok {
		*target = m
		return true
	}
	return false
}

func TestLayerForwardWithBatchedRecorderMatchesEager(t *testing.T) {
	w := buildDenseLayerWeights()
	cos, sin := ropeTables(16, testHeadDim)
	x := kernel.NewTensor([]int{1, testH}, []float32{0.1, 0.2, 0.3, 0.4})
	l := Layer{Index: 0, Options: Options{HiddenSize: testH, NumHeads: testNumHead, NumKVHeads: testKV, HeadDim: testHeadDim, Eps: 1e-5}}

	eagerCache := kvcache.New(1, testKV, testHeadDim, 16, dtype.F32)
	eagerOut, err := l.Forward(nil, x, w, cos, sin, eagerCache, nil)
	if err != nil {
		t.Fatalf("eager: %v", err)
	}

	rec := kernel.NewRecorder()
	batchedCache := kvcache.New(1, testKV, testHeadDim, 16, dtype.F32)
	batchedOut, err := l.Forward(rec, x, w, cos, sin, batchedCache, nil)
	if err != nil {
		t.Fatalf("batched: %v", err)
	}
	rec.Submit()

	for i, v := range eagerOut.Data() {
		if math.Abs(float64(v-batchedOut.Data()[i])) > 1e-6 {
			t.Fatalf("batched output diverges from eager at %d: eager=%v batched=%v", i, v, batchedOut.Data()[i])
		}
	}
}

func TestLayerForwardAppliesLoRADelta(t *testing.T) {
	w := buildDenseLayerWeights()
	cos, sin := ropeTables(16, testHeadDim)
	cache := kvcache.New(1, testKV, testHeadDim, 16, dtype.F32)
	x := kernel.NewTensor([]int{1, testH}, []float32{0.1, 0.2, 0.3, 0.4})
	l := Layer{Index: 0, Options: Options{HiddenSize: testH, NumHeads: testNumHead, NumKVHeads: testKV, HeadDim: testHeadDim, Eps: 1e-5}}

	baseline, err := l.Forward(nil, x, w, cos, sin, cache, nil)
	if err != nil {
		t.Fatalf("baseline: %v", err)
	}

	qOut := testNumHead * testHeadDim
	lookup := func(layerIndex int, module lora.TargetModule) (lora.ModuleWeights, bool) {
		if layerIndex == 0 && module == lora.TargetQProj {
			return lora.ModuleWeights{
				A:     make([]float32, 1*testH),
				B:     make([]float32, qOut*1),
				In:    testH,
				Out:   qOut,
				Rank:  1,
				Alpha: 1,
				Scale: 1,
			}, true
		}
		return lora.ModuleWeights{}, false
	}

	cache2 := kvcache.New(1, testKV, testHeadDim, 16, dtype.F32)
	withZeroLoRA, err := l.Forward(nil, x, w, cos, sin, cache2, lookup)
	if err != nil {
		t.Fatalf("with lora: %v", err)
	}
	for i, v := range baseline.Data() {
		if math.Abs(float64(v-withZeroLoRA.Data()[i])) > 1e-6 {
			t.Fatalf("a zero-valued LoRA delta should not change output: baseline=%v got=%v", baseline.Data(), withZeroLoRA.Data())
		}
	}
}
