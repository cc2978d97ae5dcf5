package generator

import (
	"math"

	"github.com/ignite-run/ignite/kernel"
)

// buildRopeTable precomputes cos/sin tables [Smax, D/2] for a given base
// theta and head dimension D (spec.md §4.3 rope contract: tables are
// [Smax, D/2], applied by complex-pair rotation).
func buildRopeTable(smax, headDim int, theta float64) (cos, sin *kernel.Tensor) {
	half := headDim / 2
	cosData := make([]float32, smax*half)
	sinData := make([]float32, smax*half)
	for p := 0; p < smax; p++ {
		for i := 0; i < half; i++ {
			freq := 1.0 / math.Pow(theta, float64(2*i)/float64(headDim))
			angle := float64(p) * freq
			cosData[p*half+i] = float32(math.Cos(angle))
			sinData[p*half+i] = float32(math.Sin(angle))
		}
	}
	return kernel.NewTensor([]int{smax, half}, cosData), kernel.NewTensor([]int{smax, half}, sinData)
}

// ropeTables holds the precomputed global and (optional) local RoPE
// tables for a model's full sequence capacity, built once at pipeline
// construction (spec.md §4.7 "optional ropeLocalCos/Sin overrides
// per-layer when the model declares a sliding-window scheme").
type ropeTables struct {
	globalCos, globalSin *kernel.Tensor
	localCos, localSin   *kernel.Tensor
}

func buildRopeTables(smax, headDim int, theta, localTheta float64) ropeTables {
	rt := ropeTables{}
	rt.globalCos, rt.globalSin = buildRopeTable(smax, headDim, theta)
	if localTheta > 0 {
		rt.localCos, rt.localSin = buildRopeTable(smax, headDim, localTheta)
	}
	return rt
}

// forLayer picks the local table when the layer uses sliding-window RoPE
// and one was built, else the global table.
func (rt ropeTables) forLayer(useLocal bool) (cos, sin *kernel.Tensor) {
	if useLocal && rt.localCos != nil {
		return rt.localCos, rt.localSin
	}
	return rt.globalCos, rt.globalSin
}
