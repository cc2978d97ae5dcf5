// merge.go - active-composite derivation (spec.md §4.6 getActiveAdapter,
// applyWeight). Properties preserved: associativity of weighted_sum under
// normalized weights, single-active bitwise equality with applyWeight,
// and merging zero adapters yields none (spec.md §4.6 closing paragraph,
// §8 universal invariants).
package lora

import "fmt"

// ApplyWeight returns a copy of adapter scaled by w: alpha' = alpha*w and,
// per module, alpha'=alpha*w, scale'=scale*w; A, B, and rank are
// unchanged. Identity when w==1 (spec.md §4.6, §8).
func ApplyWeight(adapter Adapter, w float64) Adapter {
	out := Adapter{
		Manifest: adapter.Manifest,
		Layers:   make(map[int]map[TargetModule]ModuleWeights, len(adapter.Layers)),
	}
	out.Manifest.Alpha = adapter.Manifest.Alpha * w

	for layer, modules := range adapter.Layers {
		outModules := make(map[TargetModule]ModuleWeights, len(modules))
		for mod, mw := range modules {
			outModules[mod] = ModuleWeights{
				A:     mw.A,
				B:     mw.B,
				In:    mw.In,
				Out:   mw.Out,
				Rank:  mw.Rank,
				Alpha: mw.Alpha * w,
				Scale: mw.Scale * w,
			}
		}
		out.Layers[layer] = outModules
	}
	return out
}

// GetActiveAdapter derives the composite adapter currently in effect:
// none (nil, no error) if no adapter is active; the single active adapter
// scaled by its weight if exactly one; otherwise a merge per m.stack
// (spec.md §4.6).
func (m *Manager) GetActiveAdapter() (*Adapter, error) {
	m.mu.Lock()
	ids := append([]string(nil), m.activeIDs...)
	states := make([]AdapterState, 0, len(ids))
	for _, id := range ids {
		states = append(states, *m.adapters[id])
	}
	m.mu.Unlock()

	if len(states) == 0 {
		return nil, nil
	}
	if len(states) == 1 {
		composite := ApplyWeight(states[0].Adapter, states[0].Weight)
		return &composite, nil
	}

	switch m.stack.Strategy {
	case MergeSequential:
		last := states[len(states)-1]
		composite := ApplyWeight(last.Adapter, last.Weight)
		return &composite, nil
	case MergeSum, MergeWeightedSum, "":
		return mergeWeightedSum(states, m.stack.NormalizeWeights)
	default:
		return nil, fmt.Errorf("lora: unknown merge strategy %q", m.stack.Strategy)
	}
}

// mergeWeightedSum implements spec.md §4.6's sum/weighted_sum strategy.
// Rather than averaging each source's A/B factors before multiplying —
// which would expand scale*(ΣwᵢAᵢ)-times-(ΣwᵢBᵢ) into spurious cross
// terms between unrelated sources' low-rank subspaces — every source's
// own delta wᵢ*scaleᵢ*Bᵢ*Aᵢ is kept intact and the sources are stacked
// along the rank axis: mergedA vstacks each source's (wᵢ*scaleᵢ)-scaled
// A, mergedB hstacks each source's B, mergedRank = ΣrankΙ, scale = 1.
// Because the stacked matmul only ever contracts a source's A-block
// against its own B-block, the realized delta mergedB*mergedA equals
// exactly Σwᵢ*scaleᵢ*(Bᵢ*Aᵢ) (spec.md §8 scenario 3) with no cross
// terms between sources.
//
// Every ModuleWeights in this package is host-resident f32 (there is no
// GPU-resident LoRA tensor representation here), so the "GPU-resident
// tensors are skipped with a warning" case from spec.md never applies —
// this implementation always merges every module of every active source.
func mergeWeightedSum(states []AdapterState, normalize bool) (*Adapter, error) {
	weights := make([]float64, len(states))
	var sum float64
	for i, st := range states {
		weights[i] = st.Weight
		sum += st.Weight
	}
	if normalize && sum != 0 {
		for i := range weights {
			weights[i] /= sum
		}
	}

	type block struct {
		a, b []float32
		rank int
	}
	type acc struct {
		blocks  []block
		in, out int
		alpha   float64
	}
	merged := make(map[int]map[TargetModule]*acc)

	for i, st := range states {
		w := weights[i]
		for layer, modules := range st.Adapter.Layers {
			if merged[layer] == nil {
				merged[layer] = make(map[TargetModule]*acc)
			}
			for mod, mw := range modules {
				entry, ok := merged[layer][mod]
				if !ok {
					entry = &acc{in: mw.In, out: mw.Out}
					merged[layer][mod] = entry
				}
				scaledA := make([]float32, len(mw.A))
				factor := float32(w * mw.Scale)
				for j, v := range mw.A {
					scaledA[j] = factor * v
				}
				entry.blocks = append(entry.blocks, block{a: scaledA, b: mw.B, rank: mw.Rank})
				entry.alpha += w * mw.Alpha
			}
		}
	}

	out := &Adapter{Layers: make(map[int]map[TargetModule]ModuleWeights, len(merged))}
	for layer, modules := range merged {
		outModules := make(map[TargetModule]ModuleWeights, len(modules))
		for mod, entry := range modules {
			totalRank := 0
			for _, b := range entry.blocks {
				totalRank += b.rank
			}

			mergedA := make([]float32, 0, totalRank*entry.in)
			mergedB := make([]float32, entry.out*totalRank)
			offset := 0
			for _, b := range entry.blocks {
				mergedA = append(mergedA, b.a...)
				for r := 0; r < b.rank; r++ {
					for o := 0; o < entry.out; o++ {
						mergedB[o*totalRank+offset+r] = b.b[o*b.rank+r]
					}
				}
				offset += b.rank
			}

			outModules[mod] = ModuleWeights{
				A:     mergedA,
				B:     mergedB,
				In:    entry.in,
				Out:   entry.out,
				Rank:  totalRank,
				Alpha: entry.alpha,
				Scale: 1.0,
			}
		}
		out.Layers[layer] = outModules
	}
	return out, nil
}

// ComputeLoRAScale implements spec.md §4.11: scale = alpha/rank, or 1 when
// rank is 0.
func ComputeLoRAScale(rank int, alpha float64) float64 {
	if rank == 0 {
		return 1
	}
	return alpha / float64(rank)
}
