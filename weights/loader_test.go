package weights

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/ignite-run/ignite/dtype"
	"github.com/ignite-run/ignite/gpubuf"
)

func f32Bytes(vals ...float32) []byte {
	buf := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

type fakeLoader struct{ shards map[int][]byte }

func (f fakeLoader) LoadShard(i int) ([]byte, error) { return f.shards[i], nil }

func TestLoadCpuDense(t *testing.T) {
	shard0 := f32Bytes(1, 2, 3, 4)
	m := &Manifest{
		Architecture: Architecture{NumLayers: 1},
		Shards:       []ShardEntry{{Index: 0, Filename: "a.bin"}},
		Tensors: map[string]TensorEntry{
			"embed": {Shard: 0, Offset: 0, Length: 16, DType: dtype.F32, Shape: []int{2, 2}},
		},
	}
	w, err := Load(m, fakeLoader{shards: map[int][]byte{0: shard0}}, LoadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	h, ok := w.Get("embed")
	if !ok {
		t.Fatal("expected embed tensor")
	}
	tensor, err := h.Resolve()
	if err != nil {
		t.Fatal(err)
	}
	want := []float32{1, 2, 3, 4}
	for i, v := range tensor.Data() {
		if v != want[i] {
			t.Errorf("embed[%d] = %v, want %v", i, v, want[i])
		}
	}
}

func TestLoadMissingWeightError(t *testing.T) {
	m := &Manifest{Tensors: map[string]TensorEntry{}}
	w, err := Load(m, fakeLoader{shards: map[int][]byte{}}, LoadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.MustGet("lm_head"); err == nil {
		t.Fatal("expected MissingWeight error")
	}
}

func TestFusedQKVPacking(t *testing.T) {
	// Build tensors with matching inner dim (in=2) explicitly.
	q := f32Bytes(1, 0, 0, 1)    // [2,2]
	k := f32Bytes(2, 0)          // [1,2]
	v := f32Bytes(0, 3)          // [1,2]
	shard := append(append(append([]byte{}, q...), k...), v...)

	m := &Manifest{
		Architecture: Architecture{NumLayers: 1},
		Shards:       []ShardEntry{{Index: 0}},
		Tensors: map[string]TensorEntry{
			"layer.0.q_proj": {Shard: 0, Offset: 0, Length: uint64(len(q)), DType: dtype.F32, Shape: []int{2, 2}},
			"layer.0.k_proj": {Shard: 0, Offset: uint64(len(q)), Length: uint64(len(k)), DType: dtype.F32, Shape: []int{1, 2}},
			"layer.0.v_proj": {Shard: 0, Offset: uint64(len(q) + len(k)), Length: uint64(len(v)), DType: dtype.F32, Shape: []int{1, 2}},
		},
	}

	pool := gpubuf.New(nil)
	w, err := Load(m, fakeLoader{shards: map[int][]byte{0: shard}}, LoadOptions{GPUResident: true, Pool: pool})
	if err != nil {
		t.Fatal(err)
	}

	fused, ok := w.Get("layer.0.qkv_proj")
	if !ok {
		t.Fatal("expected fused qkv_proj handle")
	}
	if got := fused.Shape(); got[0] != 4 || got[1] != 2 {
		t.Fatalf("fused shape = %v, want [4,2]", got)
	}
	tensor, err := fused.Resolve()
	if err != nil {
		t.Fatal(err)
	}
	want := []float32{1, 0, 0, 1, 2, 0, 0, 3}
	for i, v := range tensor.Data() {
		if v != want[i] {
			t.Errorf("fused[%d] = %v, want %v", i, v, want[i])
		}
	}
}

func TestInferHeadDim(t *testing.T) {
	d, nq, nkv, err := InferHeadDim(4096, 1024)
	if err != nil {
		t.Fatal(err)
	}
	if d != 256 || nq != 16 || nkv != 4 {
		t.Errorf("got (%d,%d,%d), want (256,16,4)", d, nq, nkv)
	}
}

func TestInferHeadDimAmbiguous(t *testing.T) {
	_, _, _, err := InferHeadDim(7, 3)
	if err == nil {
		t.Fatal("expected ErrAmbiguousAttentionParams")
	}
}

func TestCpuDenseResolveChunk(t *testing.T) {
	c := NewCpuDense([]float32{1, 2, 3, 4, 5, 6}, dtype.F32, dtype.RowMajor, []int{3, 2})
	chunk, err := c.ResolveChunk(1, 2)
	if err != nil {
		t.Fatal(err)
	}
	want := []float32{3, 4, 5, 6}
	for i, v := range chunk.Data() {
		if v != want[i] {
			t.Errorf("chunk[%d] = %v, want %v", i, v, want[i])
		}
	}
}
