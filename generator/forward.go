package generator

import (
	"github.com/ignite-run/ignite/kernel"
	"github.com/ignite-run/ignite/layer"
)

// embedAndForward looks up ids in the embedding table and runs every
// transformer layer over the result in order, appending to the
// session's KV cache as it goes (spec.md §4.10 steps 2-3, §4.7 per-layer
// state machine). Each layer picks its own local or global RoPE table
// per its Options.UseLocalRope.
func (s *Session) embedAndForward(rec *kernel.Recorder, ids []uint32, lookup layer.CompositeLookup) (*kernel.Tensor, error) {
	x, err := embedTokens(s.cfg.Weights, ids, s.cfg.Manifest.Architecture.EmbeddingScale)
	if err != nil {
		return nil, err
	}
	for _, l := range s.layers {
		cos, sin := s.rope.forLayer(l.Options.UseLocalRope)
		x, err = l.Forward(rec, x, s.cfg.Weights, cos, sin, s.cache, lookup)
		if err != nil {
			return nil, err
		}
	}
	return x, nil
}
