// Package generator implements the prefill/decode pipeline described in
// spec.md §4.10: chat-template hook point -> encode -> prefill -> stream
// first token -> decode loop (one token per step; there is no batched
// multi-token decode path), stop-condition handling, snapshot-based prefix reuse, and the
// intent-bundle drift guard.
//
// Grounded on runner/ollamarunner/runner_compute.go (the prefill/decode
// split and stop-sequence scanning), runner_sequence.go (the
// re-entrancy guard and per-session ownership of its KV cache), and
// runner_load.go (building the per-layer RoPE tables and embedding scale
// once at construction rather than per call).
package generator

import (
	"fmt"

	"golang.org/x/sync/semaphore"

	"github.com/ignite-run/ignite/dtype"
	"github.com/ignite-run/ignite/kernel"
	"github.com/ignite-run/ignite/kvcache"
	"github.com/ignite-run/ignite/layer"
	"github.com/ignite-run/ignite/lora"
	"github.com/ignite-run/ignite/weights"
)

// Config is the explicit application-boundary context a Session is built
// from (spec.md §9 design note: "a Context struct carries device, buffer
// pool, storage, tokenizer, and manager, constructed once at the
// application boundary" — named Config here since it is consumed once by
// NewSession rather than held open as a live handle).
type Config struct {
	Device kernel.Device

	Manifest *weights.Manifest
	Weights  *weights.Weights

	Tokenizer Tokenizer

	// LoRAManager is optional: a nil manager means no adapter is ever
	// active, and every layer runs with lookup==nil.
	LoRAManager *lora.Manager

	// ExpertLoader is optional, forwarded to every MoE layer (spec.md
	// §4.7 "expert weights may be lazy-loaded on first use").
	ExpertLoader layer.ExpertLoader
}

// Session owns one generation pipeline's KV cache and re-entrancy guard.
// Not safe for concurrent use: spec.md §5 describes cooperative
// single-threaded host scheduling per session, with GPU submission
// awaited at barrier points.
type Session struct {
	cfg    Config
	layers []layer.Layer
	rope   ropeTables
	cache  *kvcache.Cache

	// sem guards re-entrancy: capacity 1, acquired for the duration of a
	// Generate/PrefillKVOnly/GenerateWithPrefixKV call (spec.md §4.10,
	// modeled on runner_model.go's s.seqsSem capacity semaphore).
	sem *semaphore.Weighted

	finalNorm kernel.Weight
	lmHead    kernel.Weight
	actDType  dtype.DType
}

func (s *Session) activationDType() dtype.DType { return s.actDType }

// NewSession builds the per-layer executors and RoPE tables once from
// cfg.Manifest.Architecture and allocates a fresh KV cache sized to
// Architecture.MaxSeqLen (spec.md §4.4 Init, §4.10).
func NewSession(cfg Config) (*Session, error) {
	if cfg.Manifest == nil {
		return nil, fmt.Errorf("generator: nil manifest")
	}
	if cfg.Weights == nil {
		return nil, fmt.Errorf("generator: nil weights")
	}
	if cfg.Tokenizer == nil {
		return nil, fmt.Errorf("generator: nil tokenizer")
	}
	if cfg.Device == nil {
		return nil, fmt.Errorf("generator: nil device")
	}

	arch := cfg.Manifest.Architecture
	opts := layer.Options{
		HiddenSize:       arch.HiddenSize,
		NumHeads:         arch.NumAttentionHeads,
		NumKVHeads:       arch.NumKeyValueHeads,
		HeadDim:          arch.HeadDim,
		Eps:              arch.RMSNormEps,
		MoEEnabled:       arch.MoEEnabled,
		NumExperts:       arch.MoENumExperts,
		NumExpertsUsed:   arch.MoETopK,
		RoutingNormalize: arch.MoERoutingNormalize,
		ActivationDType:  dtype.F32,
		NormWeightOffset: arch.RMSNormWeightOffset,
	}

	layers := make([]layer.Layer, arch.NumLayers)
	for i := 0; i < arch.NumLayers; i++ {
		layerOpts := opts
		layerOpts.UseLocalRope = i < len(arch.SlidingWindowPattern) && arch.SlidingWindowPattern[i]
		layers[i] = layer.Layer{Index: i, Options: layerOpts, Loader: cfg.ExpertLoader}
	}

	rope := buildRopeTables(arch.MaxSeqLen, arch.HeadDim, arch.RopeTheta, arch.RopeLocalTheta)
	cache := kvcache.New(arch.NumLayers, arch.NumKeyValueHeads, arch.HeadDim, arch.MaxSeqLen, opts.ActivationDType)

	s := &Session{
		cfg:      cfg,
		layers:   layers,
		rope:     rope,
		cache:    cache,
		sem:      semaphore.NewWeighted(1),
		actDType: dtype.F32,
	}

	finalNorm, lmHead, err := resolveFinalNormAndHead(s)
	if err != nil {
		return nil, err
	}
	s.finalNorm, s.lmHead = finalNorm, lmHead

	return s, nil
}
