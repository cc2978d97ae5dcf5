package generator

import (
	"github.com/ignite-run/ignite/layer"
	"github.com/ignite-run/ignite/lora"
)

// compositeLookup adapts a resolved *lora.Adapter (or nil, meaning no
// adapter is active) into the layer.CompositeLookup closure the layer
// executor calls per projection (spec.md §4.6 getActiveAdapter feeding
// §4.7's "if the active composite contains the module").
func compositeLookup(a *lora.Adapter) layer.CompositeLookup {
	if a == nil {
		return nil
	}
	return func(layerIndex int, module lora.TargetModule) (lora.ModuleWeights, bool) {
		mods, ok := a.Layers[layerIndex]
		if !ok {
			return lora.ModuleWeights{}, false
		}
		mw, ok := mods[module]
		return mw, ok
	}
}
