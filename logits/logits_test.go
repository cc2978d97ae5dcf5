package logits

import (
	"math"
	"testing"

	"github.com/ignite-run/ignite/dtype"
	"github.com/ignite-run/ignite/kernel"
	"github.com/ignite-run/ignite/weights"
)

// normWeight returns a final_norm weight of all zeros: RMSNorm is called
// with weightOffset=true (1+w), so zero gives an effective per-element
// weight of 1, keeping these tests' expected values simple.
func normWeight(h int) kernel.Weight {
	data := make([]float32, h)
	return weights.NewCpuDense(data, dtype.F32, dtype.RowMajor, []int{h})
}

func TestResolveChunkRowsRespectsHalfBudget(t *testing.T) {
	// 4 bytes/elem (f32), T=2 tokens -> 8 bytes/row. Budget=64/2=32 -> 4 rows.
	r := ResolveChunkRows(64, 2, dtype.F32)
	if r != 4 {
		t.Fatalf("got %d, want 4", r)
	}
}

func TestResolveChunkRowsNeverZero(t *testing.T) {
	r := ResolveChunkRows(1, 1000, dtype.F32)
	if r != 1 {
		t.Fatalf("got %d, want 1 (minimum of 1 row even over budget)", r)
	}
}

func TestComputeProducesCorrectShapeNoChunking(t *testing.T) {
	const h, v, T = 4, 3, 2
	x := kernel.NewTensor([]int{T, h}, []float32{1, 0, 0, 0, 0, 1, 0, 0})
	headData := make([]float32, v*h)
	for i := 0; i < v && i < h; i++ {
		headData[i*h+i] = 1
	}
	head := weights.NewCpuDense(headData, dtype.F32, dtype.RowMajor, []int{v, h})

	out, err := Compute(nil, x, normWeight(h), head, 1<<30, Options{VocabSize: v, Eps: 1e-5})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Dim(0) != T || out.Dim(1) != v {
		t.Fatalf("got shape [%d,%d], want [%d,%d]", out.Dim(0), out.Dim(1), T, v)
	}
}

func TestComputePadsWithNegInfWhenHeadSmallerThanVocab(t *testing.T) {
	const h, nOut, v, T = 2, 1, 3, 1
	x := kernel.NewTensor([]int{T, h}, []float32{1, 1})
	head := weights.NewCpuDense([]float32{1, 1}, dtype.F32, dtype.RowMajor, []int{nOut, h})

	out, err := Compute(nil, x, normWeight(h), head, 1<<30, Options{VocabSize: v, Eps: 1e-5})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for col := nOut; col < v; col++ {
		got := out.Data()[col]
		if !math.IsInf(float64(got), -1) {
			t.Fatalf("column %d = %v, want -Inf", col, got)
		}
	}
}

func TestComputeAppliesSoftcapping(t *testing.T) {
	const h, v, T = 2, 1, 1
	x := kernel.NewTensor([]int{T, h}, []float32{3, 0})
	head := weights.NewCpuDense([]float32{1, 0}, dtype.F32, dtype.RowMajor, []int{v, h})

	out, err := Compute(nil, x, normWeight(h), head, 1<<30, Options{VocabSize: v, Eps: 1e-5, FinalLogitSoftcapping: 2.0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// normed x: RMSNorm([3,0], eps=1e-5, weightOffset=true) with weight=[1,1]
	// rms = sqrt((9+0)/2 + 1e-5) ~ sqrt(4.500005); normed[0] = 3/rms.
	// raw logit = normed[0]*1 + normed[1]*0 = normed[0].
	rms := math.Sqrt(4.5 + 1e-5)
	normed0 := 3 / rms
	want := math.Tanh(normed0/2.0) * 2.0
	got := float64(out.Data()[0])
	if math.Abs(got-want) > 1e-4 {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestComputeChunksLargeRowMajorHead(t *testing.T) {
	const h, v, T = 2, 6, 1
	x := kernel.NewTensor([]int{T, h}, []float32{1, 0})
	headData := make([]float32, v*h)
	for i := 0; i < v; i++ {
		headData[i*h] = float32(i + 1)
	}
	head := weights.NewCpuDense(headData, dtype.F32, dtype.RowMajor, []int{v, h})

	// Force a tight per-chunk budget: 4 bytes/elem, T=1 -> 4 bytes/row;
	// maxBufferBinding=16 -> budget=8 -> 2 rows/chunk, forcing 3 chunks.
	out, err := Compute(nil, x, normWeight(h), head, 16, Options{VocabSize: v, Eps: 1e-5})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < v; i++ {
		// Final norm of [1,0]: 1/sqrt(mean(x²)+eps) = 1/sqrt(0.5+1e-5).
		want := float32(float64(i+1) / math.Sqrt(0.5+1e-5))
		if math.Abs(float64(out.Data()[i]-want)) > 1e-3 {
			t.Fatalf("row %d: got %v, want %v (chunk offset bug?)", i, out.Data()[i], want)
		}
	}
}

func TestComputeMissingFinalNormFails(t *testing.T) {
	const h, v, T = 2, 1, 1
	x := kernel.NewTensor([]int{T, h}, []float32{1, 1})
	head := weights.NewCpuDense([]float32{1, 1}, dtype.F32, dtype.RowMajor, []int{v, h})

	_, err := Compute(nil, x, missingNormWeight{}, head, 1<<30, Options{VocabSize: v, Eps: 1e-5})
	if err == nil {
		t.Fatal("expected error from a final_norm weight that fails to resolve")
	}
}

type missingNormWeight struct{}

func (missingNormWeight) Shape() []int                     { return nil }
func (missingNormWeight) Resolve() (*kernel.Tensor, error) { return nil, errResolve }

var errResolve = &resolveErr{}

type resolveErr struct{}

func (*resolveErr) Error() string { return "final_norm: resolve failed" }
