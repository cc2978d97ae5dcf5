// Package weights materializes a model's tensor map from a manifest and a
// shard loader (spec.md §4.5).
//
// Grounded on fs/ggml/ggml_tensor.go's Tensors/Layer model (name ->
// {offset, shape, kind}, grouped by layer) for the tensor map shape, and
// llm/server_load.go's staged LoadOperation enum for the progress-stage
// discipline, trimmed from GPU-memory-layout planning down to the single
// procedure spec.md describes: resolve each entry's shard slice and wrap
// it in a weight handle.
package weights

import (
	"fmt"

	"github.com/ignite-run/ignite/dtype"
)

// Architecture carries the model configuration fields spec.md §3 and
// SPEC_FULL.md §3 describe (the GGUF KV-equivalent surface), so the
// head-dim inference heuristic and the layer executor have a concrete
// struct to read from instead of an untyped map.
type Architecture struct {
	NumLayers            int
	HiddenSize           int
	IntermediateSize     int
	NumAttentionHeads    int
	NumKeyValueHeads     int
	HeadDim              int // 0 means absent; inferred per §4.5 when InferAttention is set
	VocabSize            int
	MaxSeqLen            int
	RopeTheta            float64
	RopeLocalTheta       float64
	RopeScaling          float64
	SlidingWindowPattern []bool // true at layer i means layer i uses local/sliding-window RoPE

	UseTiedEmbeddings     bool
	FinalLogitSoftcapping float64 // 0 disables softcapping
	RMSNormEps            float32
	EmbeddingScale        float64
	RMSNormWeightOffset   bool // true: norm*(1+weight) (gemma-family); false: norm*weight (llama-family)

	MoEEnabled           bool
	MoENumExperts        int
	MoETopK              int
	MoERoutingNormalize  bool
}

// ShardEntry describes one weights shard file in the manifest.
type ShardEntry struct {
	Index    int
	Filename string
	Size     uint64
	Hash     string
}

// TensorEntry locates one tensor's bytes within a shard (spec.md §3
// "shards: [{..., tensor_map:{name->{offset,length,dtype,shape}}}]").
type TensorEntry struct {
	Shard  int
	Offset uint64
	Length uint64
	DType  dtype.DType
	Shape  []int
}

// Manifest is the parsed top-level model manifest (spec.md §6 "Model
// manifest (top-level)").
type Manifest struct {
	ModelID      string
	ModelType    string
	Architecture Architecture
	Quantization string
	Shards       []ShardEntry
	Tensors      map[string]TensorEntry
}

// ShardLoader is the storage collaborator this package consumes: the core
// only needs loadShard(index) -> bytes (spec.md §1, §4.5).
type ShardLoader interface {
	LoadShard(index int) ([]byte, error)
}

// ErrAmbiguousAttentionParams is returned by the head-dim inference
// heuristic when no candidate head dimension evenly divides both the Q
// and K output dimensions with Nq >= Nkv > 0 (spec.md §4.5).
type ErrAmbiguousAttentionParams struct {
	QOut, H int
}

func (e *ErrAmbiguousAttentionParams) Error() string {
	return fmt.Sprintf("weights: ambiguous attention params for q_proj shape [%d,%d]: no head dim candidate fits", e.QOut, e.H)
}

// Progress reports load staging (spec.md §4.5: "manifest, shards, layers,
// tokenizer, finalize"). Never allocated on the hot path inside a tight
// loop — callers emit one Progress per coarse step.
type Progress struct {
	Stage    string
	Progress float64
	Message  string
	Layer    *int
	Total    *int
}

// ProgressFunc receives load progress; a nil func is a valid no-op
// observer (spec.md §9 "model as an optional observer").
type ProgressFunc func(Progress)

func emit(fn ProgressFunc, p Progress) {
	if fn != nil {
		fn(p)
	}
}
