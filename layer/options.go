// Package layer implements the per-layer transformer executor (spec.md
// §4.7): attn_norm -> q,k,v projections (+LoRA) -> rope -> append_kv ->
// attention -> o_proj + residual -> ffn_norm -> MLP-or-MoE -> residual.
//
// Grounded on model/models/gemma3n's TextAttention/TextMLP/TextLayer
// (the attention/MLP wiring, with the AltUp and Laurel residual paths
// dropped — spec.md's layer state machine names a single norm/attention/
// residual/norm/mlp/residual sequence, not Gemma3n's multi-prediction
// AltUp stream) and model/models/deepseek2's sparse MLP (the MoE routing
// shape, with the always-on SharedExpert branch dropped — spec.md's MoE
// path is router -> top-K -> weighted sum of experts only).
package layer

import "github.com/ignite-run/ignite/dtype"

// Options is a layer's slice of the model architecture it needs (spec.md
// §3 Architecture, trimmed to per-layer concerns).
type Options struct {
	HiddenSize   int
	NumHeads     int
	NumKVHeads   int
	HeadDim      int
	Eps          float32
	UseLocalRope bool // this layer uses the local/sliding-window RoPE table

	// NormWeightOffset selects RMSNorm's weight convention (spec.md §4.3):
	// true computes norm*(1+weight) (gemma-family), false computes
	// norm*weight (llama-family). Applies to both attn_norm and ffn_norm.
	NormWeightOffset bool

	MoEEnabled       bool
	NumExperts       int
	NumExpertsUsed   int
	RoutingNormalize bool

	ActivationDType dtype.DType
}

func (o Options) qOut() int   { return o.NumHeads * o.HeadDim }
func (o Options) kvOut() int  { return o.NumKVHeads * o.HeadDim }
func (o Options) fused() int  { return o.qOut() + 2*o.kvOut() }
