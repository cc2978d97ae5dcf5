// sample.go - the GPU-side sampler entry point (spec.md §4.3). The
// full repetition-penalty/top-k/top-p pipeline lives in package sampler
// (C9); this is the low-level "sample(logits, temperature, topK, topP,
// repeatMask) -> tokenIds" primitive the facade exposes so a recorder can
// batch N decode steps' worth of sampling into one submission
// (spec.md §4.10 "batched decode").
package kernel

import (
	"math"
	"sort"
)

// Sample draws one token id per row of logits [T,V]. temperature==0 is
// argmax, deterministic with smaller-index tie-breaking. repeatMask, if
// non-nil, is added to logits before temperature/top-k/top-p, so a
// repetition penalty reaches this function as an additive mask. Package
// sampler does not call Sample; it runs its own pipeline.
//
// For temperature>0 each row returns the argmax of the temperature-scaled,
// top-k/top-p-filtered distribution; no random draw is made (see
// SampleWithSource for a draw from a caller-supplied uniform variate).
func Sample(rec *Recorder, logits *Tensor, temperature float64, topK int, topP float64, repeatMask *Tensor) []int32 {
	T, V := logits.Dim(0), logits.Dim(1)
	ids := make([]int32, T)
	record(rec, func() {
		for t := 0; t < T; t++ {
			row := append([]float32(nil), logits.Row(t)...)
			if repeatMask != nil {
				mrow := repeatMask.Row(t)
				for i := range row {
					row[i] += mrow[i]
				}
			}
			ids[t] = sampleRow(row, temperature, topK, topP)
		}
	})
	return ids
}

func sampleRow(logits []float32, temperature float64, topK int, topP float64) int32 {
	if temperature == 0 {
		return int32(argmax(logits))
	}

	work := append([]float32(nil), logits...)
	for i, v := range work {
		work[i] = v / float32(temperature)
	}

	if topK > 0 && topK < len(work) {
		applyTopK(work, topK)
	}
	if topP > 0 && topP < 1 {
		applyTopP(work, topP)
	}

	probs := softmaxRow(work)
	// Deterministic pick: the most probable token of the filtered
	// distribution. No random draw is made here, so the facade stays pure;
	// SampleWithSource draws from the same distribution with a
	// caller-supplied uniform variate.
	return int32(argmax(probs))
}

// SampleWithSource is like sampleRow but draws from the distribution using
// u, a uniform variate in [0,1) supplied by the caller's RNG, instead of
// collapsing to argmax. Package sampler does not call it; its own
// pipeline makes the seeded draw.
func SampleWithSource(logits []float32, temperature float64, topK int, topP float64, u float64) int32 {
	if temperature == 0 {
		return int32(argmax(logits))
	}
	work := append([]float32(nil), logits...)
	for i, v := range work {
		work[i] = v / float32(temperature)
	}
	if topK > 0 && topK < len(work) {
		applyTopK(work, topK)
	}
	if topP > 0 && topP < 1 {
		applyTopP(work, topP)
	}
	probs := softmaxRow(work)

	var cum float64
	for i, p := range probs {
		cum += float64(p)
		if u < cum {
			return int32(i)
		}
	}
	return int32(argmax(probs))
}

func argmax(s []float32) int {
	best := 0
	bestV := s[0]
	for i := 1; i < len(s); i++ {
		if s[i] > bestV {
			bestV = s[i]
			best = i
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

// applyTopK keeps the K largest logits by value (stable on ties by
// smaller index), setting the rest to -Inf, in place.
func applyTopK(logits []float32, k int) {
	idx := make([]int, len(logits))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		if logits[idx[a]] != logits[idx[b]] {
			return logits[idx[a]] > logits[idx[b]]
		}
		return idx[a] < idx[b]
	})
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

// applyTopP (nucleus sampling): keeps the shortest prefix of
// descending-sorted probabilities whose cumulative mass >= p, in place
// over logits.
func applyTopP(logits []float32, p float64) {
	idx := make([]int, len(logits))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		if logits[idx[a]] != logits[idx[b]] {
			return logits[idx[a]] > logits[idx[b]]
		}
		return idx[a] < idx[b]
	})

	probs := softmaxRow(logits)
	sortedProbs := make([]float32, len(idx))
	for i, j := range idx {
		sortedProbs[i] = probs[j]
	}

	var cum float64
	cutoff := len(idx)
	for i, pr := range sortedProbs {
		cum += float64(pr)
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
