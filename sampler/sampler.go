// Package sampler implements the repetition-penalty/top-k/top-p/min-p/
// temperature/argmax pipeline (spec.md §4.9). The `NewSampler(temp, topK,
// topP, minP, seed, grammar)` / `Sampler.Sample(logits)` contract matches
// the one `runner/ollamarunner/runner_handlers.go` and
// `llama/llama_sampling.go`'s SamplingParams{TopK,TopP,MinP,Temp,...}
// reference, but that package body is a cgo wrapper around llama.cpp's
// sampling chain and isn't in the retrieval pack — the pipeline below is
// a fresh pure-Go implementation against that same signature.
package sampler

import (
	"log/slog"
	"math"
	"math/rand"
	"sort"
)

// TokenFilter vets a candidate token id, returning false to exclude it
// from sampling (e.g. grammar-constrained decoding). Grammar-constrained
// decoding itself has no defined grammar DSL to implement against, so
// Grammar is a pass-through hook a caller may set; nil means no filter.
type TokenFilter func(tokenID int32) bool

// Sampler holds one generation's sampling configuration and RNG state.
// It is not safe for concurrent use by multiple goroutines.
type Sampler struct {
	Temperature float64
	TopK        int
	TopP        float64
	MinP        float64
	Grammar     TokenFilter

	rng *rand.Rand
}

// NewSampler constructs a Sampler seeded deterministically from seed (so
// a fixed seed reproduces a fixed token stream at temperature>0).
func NewSampler(temp float64, topK int, topP float64, minP float64, seed int64, grammar TokenFilter) *Sampler {
	return &Sampler{
		Temperature: temp,
		TopK:        topK,
		TopP:        topP,
		MinP:        minP,
		Grammar:     grammar,
		rng:         rand.New(rand.NewSource(seed)),
	}
}

// ApplyRepetitionPenalty mutates logits in place per spec.md §4.9: for
// each previously generated token id, divide its logit by penalty if
// positive, else multiply by penalty. penalty <= 1 is a no-op (spec.md
// names rho >= 1). Each distinct id is penalized once regardless of how
// many times it recurs in generatedTokens.
func ApplyRepetitionPenalty(logits []float32, generatedTokens []int32, penalty float64) {
	if penalty <= 1 {
		return
	}
	seen := make(map[int32]bool, len(generatedTokens))
	for _, id := range generatedTokens {
		if id < 0 || int(id) >= len(logits) || seen[id] {
			continue
		}
		seen[id] = true
		v := float64(logits[id])
		if v > 0 {
			logits[id] = float32(v / penalty)
		} else {
			logits[id] = float32(v * penalty)
		}
	}
}

// Sample draws one token id from logits per the pipeline in spec.md
// §4.9: grammar filter; then argmax when temperature is 0, otherwise
// temperature scaling, min-p, top-k, top-p and a seeded draw from the
// softmax; with a NaN/all-(-Inf) sanity fallback. Repetition penalty is the caller's responsibility
// (ApplyRepetitionPenalty, applied to logits before this call) since the
// NewSampler/Sample contract carries no per-call penalty argument.
func (s *Sampler) Sample(logits []float32) (int32, error) {
	work := append([]float32(nil), logits...)

	if s.Grammar != nil {
		for i := range work {
			if !s.Grammar(int32(i)) {
				work[i] = float32(math.Inf(-1))
			}
		}
	}

	if s.Temperature == 0 {
		return s.sanityArgmax(work, logits)
	}

	for i, v := range work {
		work[i] = v / float32(s.Temperature)
	}

	if s.MinP > 0 {
		applyMinP(work, s.MinP)
	}
	if s.TopK > 0 && s.TopK < len(work) {
		applyTopK(work, s.TopK)
	}
	if s.TopP > 0 && s.TopP < 1 {
		applyTopP(work, s.TopP)
	}

	if !hasFiniteValue(work) {
		return s.sanityArgmax(logits, logits)
	}

	probs := softmaxRow(work)
	u := s.rng.Float64()
	var cum float64
	for i, p := range probs {
		cum += float64(p)
		if u < cum {
			return int32(i), nil
		}
	}
	return int32(argmax(probs)), nil
}

// sanityArgmax is the degenerate-logits fallback: argmax of filtered if it
// holds a finite value, else argmax of rawLogits if that does, else a
// uniform sample from [0,V) with a logged warning. The Sampler has no pad
// token id, so a pad-token argmax is returned as is.
func (s *Sampler) sanityArgmax(filtered, rawLogits []float32) (int32, error) {
	if hasFiniteValue(filtered) {
		return int32(argmax(filtered)), nil
	}
	if hasFiniteValue(rawLogits) {
		return int32(argmax(rawLogits)), nil
	}
	slog.Warn("sampler: all logits non-finite, falling back to uniform sample", "vocab_size", len(rawLogits))
	return int32(s.rng.Intn(len(rawLogits))), nil
}

func hasFiniteValue(s []float32) bool {
	for _, v := range s {
		if !math.IsInf(float64(v), -1) && !math.IsNaN(float64(v)) {
			return true
		}
	}
	return false
}

func argmax(s []float32) int {
	best, bestV := 0, s[0]
	for i := 1; i < len(s); i++ {
		if s[i] > bestV {
			bestV, best = s[i], i
		}
	}
	return best
}

func softmaxRow(s []float32) []float32 {
	mx := s[0]
	for _, v := range s {
		if v > mx {
			mx = v
		}
	}
	out := make([]float32, len(s))
	var sum float64
	for i, v := range s {
		e := math.Exp(float64(v - mx))
		out[i] = float32(e)
		sum += e
	}
	if sum == 0 {
		return out
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / sum)
	}
	return out
}

func descByValueIdx(s []float32) []int {
	idx := make([]int, len(s))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		if s[idx[a]] != s[idx[b]] {
			return s[idx[a]] > s[idx[b]]
		}
		return idx[a] < idx[b]
	})
	return idx
}

// applyTopK keeps the K largest logits by value (ties broken by smaller
// index), setting the rest to -Inf, in place.
func applyTopK(logits []float32, k int) {
	idx := descByValueIdx(logits)
	keep := make(map[int]bool, k)
	for _, i := range idx[:k] {
		keep[i] = true
	}
	for i := range logits {
		if !keep[i] {
			logits[i] = float32(math.Inf(-1))
		}
	}
}

// applyTopP (nucleus sampling): sorts descending, accumulates softmax
// probabilities, keeps the shortest prefix whose cumulative mass >= p.
func applyTopP(logits []float32, p float64) {
	idx := descByValueIdx(logits)
	probs := softmaxRow(logits)

	var cum float64
	cutoff := len(idx)
	for i, j := range idx {
		cum += float64(probs[j])
		if cum >= p {
			cutoff = i + 1
			break
		}
	}

	keep := make(map[int]bool, cutoff)
	for _, i := range idx[:cutoff] {
		keep[i] = true
	}
	for i := range logits {
		if !keep[i] {
			logits[i] = float32(math.Inf(-1))
		}
	}
}

// applyMinP drops any logit whose softmax probability is below minP
// times the maximum probability, in place.
func applyMinP(logits []float32, minP float64) {
	probs := softmaxRow(logits)
	var maxP float32
	for _, p := range probs {
		if p > maxP {
			maxP = p
		}
	}
	threshold := float64(maxP) * minP
	for i, p := range probs {
		if float64(p) < threshold {
			logits[i] = float32(math.Inf(-1))
		}
	}
}
