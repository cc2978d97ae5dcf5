// handles.go - the tagged-variant weight handles spec.md §3 and §9
// describe: GpuDense, CpuDense, Quantized. All three satisfy
// kernel.Weight so the façade never needs a runtime type switch
// (spec.md §9 "model as a tagged variant ... with exhaustive matching").
package weights

import (
	"fmt"

	"github.com/ignite-run/ignite/dtype"
	"github.com/ignite-run/ignite/gpubuf"
	"github.com/ignite-run/ignite/kernel"
)

// GpuDense is a weight resident in a pooled GPU buffer (package gpubuf),
// decoded to float32 on Resolve.
type GpuDense struct {
	Buf   *gpubuf.Buffer
	DType dtype.DType
	shape []int
}

// NewGpuDense wraps a GPU-resident buffer as a weight handle.
func NewGpuDense(buf *gpubuf.Buffer, dt dtype.DType, shape []int) GpuDense {
	return GpuDense{Buf: buf, DType: dt, shape: shape}
}

func (g GpuDense) Shape() []int { return g.shape }

func (g GpuDense) Resolve() (*kernel.Tensor, error) {
	vals, err := dtype.Decode(g.DType, g.Buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("weights: resolve gpu-dense: %w", err)
	}
	return kernel.NewTensor(g.shape, vals), nil
}

// CpuDense is a weight resident in host memory, used when a tensor
// exceeds the GPU buffer-binding limit and must be chunked at use-time
// (spec.md §3).
type CpuDense struct {
	Data   []float32
	DType  dtype.DType
	Layout dtype.Layout
	shape  []int
}

// NewCpuDense wraps host-resident tensor data as a weight handle.
func NewCpuDense(data []float32, dt dtype.DType, layout dtype.Layout, shape []int) CpuDense {
	return CpuDense{Data: data, DType: dt, Layout: layout, shape: shape}
}

func (c CpuDense) Shape() []int { return c.shape }

func (c CpuDense) Resolve() (*kernel.Tensor, error) {
	return kernel.NewTensor(c.shape, c.Data), nil
}

// ResolveChunk returns rows [startRow, startRow+numRows) of a 2-D CpuDense
// weight as a dense tensor, for callers that chunk a large weight
// themselves (package logits; spec.md §4.8 resolveChunkRows).
func (c CpuDense) ResolveChunk(startRow, numRows int) (*kernel.Tensor, error) {
	if len(c.shape) != 2 {
		return nil, fmt.Errorf("weights: ResolveChunk requires a 2-D tensor, got shape %v", c.shape)
	}
	cols := c.shape[1]
	lo, hi := startRow*cols, (startRow+numRows)*cols
	if lo < 0 || hi > len(c.Data) {
		return nil, fmt.Errorf("weights: chunk rows [%d,%d) out of range for %d total rows", startRow, startRow+numRows, c.shape[0])
	}
	return kernel.NewTensor([]int{numRows, cols}, c.Data[lo:hi]), nil
}

// Quantized wraps a block-quantized tensor (e.g. GGML Q4_0/Q8_0-style
// tiles): raw bytes, the per-tile shape, and a table of per-tile scale
// factors. The core treats it opaquely; the façade dequantizes on demand
// via Resolve (spec.md §3 "treated opaquely by the core; the kernel
// façade dequantizes on demand").
//
// The reference backend implements a single uniform tiling scheme
// (row-major tiles of TileShape elements, one f32 scale per tile) rather
// than GGML's full per-format block layouts (Q4_0/Q5_K/...) — real
// dequantization kernels are explicitly out of scope (spec.md §1), so
// this gives the façade *a* working numeric path rather than the
// bit-exact GGML one.
type Quantized struct {
	Bytes     []byte
	TileShape []int
	Scale     []float32
	DTypeTag  string
	shape     []int
}

// NewQuantized wraps opaque quantized bytes as a weight handle.
func NewQuantized(bytes []byte, tileShape []int, scale []float32, dtypeTag string, shape []int) Quantized {
	return Quantized{Bytes: bytes, TileShape: tileShape, Scale: scale, DTypeTag: dtypeTag, shape: shape}
}

func (q Quantized) Shape() []int { return q.shape }

func (q Quantized) Resolve() (*kernel.Tensor, error) {
	n := numel(q.shape)
	tileSize := numel(q.TileShape)
	if tileSize == 0 {
		return nil, fmt.Errorf("weights: quantized tensor has zero-size tile shape")
	}
	numTiles := (n + tileSize - 1) / tileSize
	if len(q.Scale) < numTiles {
		return nil, fmt.Errorf("weights: quantized tensor has %d scales, need %d for %d elements", len(q.Scale), numTiles, n)
	}
	if len(q.Bytes) < n {
		return nil, fmt.Errorf("weights: quantized tensor byte payload too short: have %d, need %d", len(q.Bytes), n)
	}

	out := make([]float32, n)
	for i := 0; i < n; i++ {
		tile := i / tileSize
		// signed-byte dequantization: centered int8 * per-tile scale.
		out[i] = (float32(int8(q.Bytes[i])) / 127.0) * q.Scale[tile]
	}
	return kernel.NewTensor(q.shape, out), nil
}

func numel(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}
