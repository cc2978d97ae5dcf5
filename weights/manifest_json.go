// manifest_json.go - JSON wire format for the top-level model manifest
// (spec.md §6 "Model manifest (top-level)"), trimmed-down sibling of
// manifest/manifest.go's adapter-manifest wire layer.
package weights

import (
	"encoding/json"
	"fmt"

	"github.com/ignite-run/ignite/dtype"
)

type wireArchitecture struct {
	NumLayers            int     `json:"numLayers"`
	HiddenSize           int     `json:"hiddenSize"`
	IntermediateSize     int     `json:"intermediateSize"`
	NumAttentionHeads    int     `json:"numAttentionHeads"`
	NumKeyValueHeads     int     `json:"numKeyValueHeads"`
	HeadDim              int     `json:"headDim,omitempty"`
	VocabSize            int     `json:"vocabSize"`
	MaxSeqLen            int     `json:"maxSeqLen"`
	RopeTheta            float64 `json:"ropeTheta,omitempty"`
	RopeLocalTheta       float64 `json:"ropeLocalTheta,omitempty"`
	RopeScaling          float64 `json:"ropeScaling,omitempty"`
	SlidingWindowPattern []bool  `json:"slidingWindowPattern,omitempty"`

	UseTiedEmbeddings     bool    `json:"useTiedEmbeddings,omitempty"`
	FinalLogitSoftcapping float64 `json:"finalLogitSoftcapping,omitempty"`
	RMSNormEps            float64 `json:"rmsNormEps,omitempty"`
	EmbeddingScale        float64 `json:"embeddingScale,omitempty"`
	// RMSNormWeightOffset defaults to true (gemma-family norm*(1+weight))
	// when the manifest omits it, matching every architecture this runtime
	// has been grounded against so far; set false for llama-family norm*weight.
	RMSNormWeightOffset *bool `json:"rmsNormWeightOffset,omitempty"`

	MoEConfig *wireMoEConfig `json:"moeConfig,omitempty"`
}

type wireMoEConfig struct {
	NumExperts       int  `json:"numExperts"`
	TopK             int  `json:"topK"`
	RoutingNormalize bool `json:"routingNormalize,omitempty"`
}

type wireShard struct {
	Filename string `json:"filename"`
	Size     uint64 `json:"size"`
	Hash     string `json:"hash,omitempty"`
}

type wireTensor struct {
	Shape  []int  `json:"shape"`
	DType  string `json:"dtype"`
	Shard  int    `json:"shard"`
	Offset uint64 `json:"offset"`
	Length uint64 `json:"length"`
}

type wireModelManifest struct {
	ModelID      string                `json:"modelId"`
	ModelType    string                `json:"modelType"`
	Architecture wireArchitecture      `json:"architecture"`
	Quantization string                `json:"quantization,omitempty"`
	Shards       []wireShard           `json:"shards"`
	Tensors      map[string]wireTensor `json:"tensors"`
}

// ParseManifest decodes a model manifest's JSON wire form (spec.md §6)
// into a Manifest. It does no validation beyond what json.Unmarshal itself
// enforces — callers are expected to attempt Load and surface its errors
// (MissingWeight, ErrAmbiguousAttentionParams) rather than duplicate
// field-presence checks here.
func ParseManifest(data []byte) (*Manifest, error) {
	var w wireModelManifest
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("weights: parse manifest: %w", err)
	}

	shards := make([]ShardEntry, len(w.Shards))
	for i, s := range w.Shards {
		shards[i] = ShardEntry{Index: i, Filename: s.Filename, Size: s.Size, Hash: s.Hash}
	}

	tensors := make(map[string]TensorEntry, len(w.Tensors))
	for name, t := range w.Tensors {
		dt, err := dtype.Parse(t.DType)
		if err != nil {
			return nil, fmt.Errorf("weights: parse manifest: tensor %q: %w", name, err)
		}
		tensors[name] = TensorEntry{Shard: t.Shard, Offset: t.Offset, Length: t.Length, DType: dt, Shape: t.Shape}
	}

	arch := Architecture{
		NumLayers:             w.Architecture.NumLayers,
		HiddenSize:            w.Architecture.HiddenSize,
		IntermediateSize:      w.Architecture.IntermediateSize,
		NumAttentionHeads:     w.Architecture.NumAttentionHeads,
		NumKeyValueHeads:      w.Architecture.NumKeyValueHeads,
		HeadDim:               w.Architecture.HeadDim,
		VocabSize:             w.Architecture.VocabSize,
		MaxSeqLen:             w.Architecture.MaxSeqLen,
		RopeTheta:             w.Architecture.RopeTheta,
		RopeLocalTheta:        w.Architecture.RopeLocalTheta,
		RopeScaling:           w.Architecture.RopeScaling,
		SlidingWindowPattern:  w.Architecture.SlidingWindowPattern,
		UseTiedEmbeddings:     w.Architecture.UseTiedEmbeddings,
		FinalLogitSoftcapping: w.Architecture.FinalLogitSoftcapping,
		RMSNormEps:            float32(w.Architecture.RMSNormEps),
		EmbeddingScale:        w.Architecture.EmbeddingScale,
		RMSNormWeightOffset:   w.Architecture.RMSNormWeightOffset == nil || *w.Architecture.RMSNormWeightOffset,
	}
	if w.Architecture.MoEConfig != nil {
		arch.MoEEnabled = true
		arch.MoENumExperts = w.Architecture.MoEConfig.NumExperts
		arch.MoETopK = w.Architecture.MoEConfig.TopK
		arch.MoERoutingNormalize = w.Architecture.MoEConfig.RoutingNormalize
	}

	return &Manifest{
		ModelID:      w.ModelID,
		ModelType:    w.ModelType,
		Architecture: arch,
		Quantization: w.Quantization,
		Shards:       shards,
		Tensors:      tensors,
	}, nil
}
