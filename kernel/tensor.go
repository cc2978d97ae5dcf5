// Package kernel is the typed entry-point facade for the kernel
// operations the pipeline invokes: matmul, RMSNorm, RoPE, attention,
// softmax-backed sampling, and KV-cache append (spec.md §4.3).
//
// It mirrors the shape of the teacher's ml.Context/ml.Tensor interface
// (ml/context.go) but is trimmed to exactly the operations spec.md names,
// and treats every weight operand as an opaque Weight that knows how to
// resolve itself to a dense float32 Tensor (the tagged-variant dispatch
// spec.md §9 calls for: GpuDense/CpuDense/Quantized all satisfy Weight).
//
// Operations are pure: none mutate their Tensor inputs, except AppendKV,
// which writes the new rows into the kStore/vStore tensors it is given.
package kernel

import "fmt"

// Tensor is a dense, row-major, host-visible float32 array with a shape.
// Real GPU-resident storage is hidden behind Device/Buffer; Tensor is the
// value the facade's pure functions compute over (the reference backend
// keeps Tensor data in host memory, a real backend would stage it there on
// readback only for debugging, per the AllowReadback gate in §4.2).
type Tensor struct {
	shape []int
	data  []float32
}

// NewTensor wraps data as a tensor of the given shape. len(data) must equal
// the product of shape.
func NewTensor(shape []int, data []float32) *Tensor {
	n := numel(shape)
	if len(data) != n {
		panic(fmt.Sprintf("kernel: data length %d does not match shape %v (%d elements)", len(data), shape, n))
	}
	return &Tensor{shape: append([]int{}, shape...), data: data}
}

// Zeros returns a new zero-filled tensor of the given shape.
func Zeros(shape ...int) *Tensor {
	return &Tensor{shape: append([]int{}, shape...), data: make([]float32, numel(shape))}
}

func numel(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}

// Shape returns the tensor's dimensions.
func (t *Tensor) Shape() []int { return t.shape }

// Dim returns the size of dimension n.
func (t *Tensor) Dim(n int) int { return t.shape[n] }

// Data exposes the tensor's backing storage. Callers must not mutate it;
// facade operations always allocate a fresh output tensor.
func (t *Tensor) Data() []float32 { return t.data }

// Row returns the slice of t's data for logical row i, assuming t is 2-D
// [rows, cols].
func (t *Tensor) Row(i int) []float32 {
	cols := t.shape[1]
	return t.data[i*cols : (i+1)*cols]
}

// Clone returns a deep copy of t.
func (t *Tensor) Clone() *Tensor {
	d := make([]float32, len(t.data))
	copy(d, t.data)
	return &Tensor{shape: append([]int{}, t.shape...), data: d}
}

// Weight is the tagged-variant contract a matmul operand satisfies:
// GpuDense, CpuDense, and Quantized weight handles (spec.md §3) all resolve
// to a dense Tensor, dequantizing or gathering chunks as needed. The
// facade never inspects the concrete type; dispatch is via this interface
// rather than a runtime type switch.
type Weight interface {
	// Shape returns the weight's logical shape, e.g. [out, in] for an
	// HF-style linear projection.
	Shape() []int
	// Resolve materializes the weight as a dense float32 tensor. A
	// CpuDense handle returns the whole tensor without chunking; callers
	// that need to stay under a maximum buffer binding size use
	// CpuDense.ResolveChunk instead (see logits package).
	Resolve() (*Tensor, error)
}
