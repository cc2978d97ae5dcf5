package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ignite-run/ignite/lora"
	"github.com/ignite-run/ignite/manifest"
)

// DiskAdapterLoader implements lora.AdapterLoader by reading a
// manifest.json and a safetensors weights file from a directory per
// adapter. path, as passed to LoadAdapter, is that directory.
type DiskAdapterLoader struct{}

// LoadAdapter reads path/manifest.json and the safetensors file it names
// (manifest.WeightsPath, defaulting to "adapter.safetensors"), validates
// the manifest, and assembles a fully materialized Adapter by grouping
// each `layer.{i}.{module}.lora_{a,b}` tensor per spec.md §4.6's name
// pattern (lora.ParseTensorName).
func (DiskAdapterLoader) LoadAdapter(id, path string) (lora.Adapter, lora.Manifest, error) {
	manifestBytes, err := os.ReadFile(filepath.Join(path, "manifest.json"))
	if err != nil {
		return lora.Adapter{}, lora.Manifest{}, fmt.Errorf("store: load adapter %s: read manifest: %w", id, err)
	}
	m, err := manifest.ParseManifest(manifestBytes)
	if err != nil {
		return lora.Adapter{}, lora.Manifest{}, fmt.Errorf("store: load adapter %s: %w", id, err)
	}
	if res := manifest.ValidateManifest(*m); !res.Valid {
		return lora.Adapter{}, lora.Manifest{}, fmt.Errorf("store: load adapter %s: invalid manifest: %v", id, res.Errors)
	}

	weightsFile := m.WeightsPath
	if weightsFile == "" {
		weightsFile = "adapter.safetensors"
	}
	weightsBytes, err := os.ReadFile(filepath.Join(path, weightsFile))
	if err != nil {
		return lora.Adapter{}, lora.Manifest{}, fmt.Errorf("store: load adapter %s: read weights: %w", id, err)
	}
	st, err := lora.ParseSafetensors(weightsBytes)
	if err != nil {
		return lora.Adapter{}, lora.Manifest{}, fmt.Errorf("store: load adapter %s: %w", id, err)
	}

	scale := lora.ComputeLoRAScale(m.Rank, m.Alpha)
	layers := make(map[int]map[lora.TargetModule]lora.ModuleWeights)

	for name := range st.Entries {
		parsed, ok := lora.ParseTensorName(name)
		if !ok {
			continue
		}
		vals, shape, err := st.Tensor(name)
		if err != nil {
			return lora.Adapter{}, lora.Manifest{}, fmt.Errorf("store: load adapter %s: %w", id, err)
		}
		if len(shape) != 2 {
			return lora.Adapter{}, lora.Manifest{}, fmt.Errorf("store: load adapter %s: tensor %q has rank %d, want 2", id, name, len(shape))
		}

		byModule, ok := layers[parsed.Layer]
		if !ok {
			byModule = make(map[lora.TargetModule]lora.ModuleWeights)
			layers[parsed.Layer] = byModule
		}
		mw := byModule[parsed.Module]
		mw.Rank, mw.Alpha, mw.Scale = m.Rank, m.Alpha, scale
		if parsed.IsA {
			mw.A, mw.In = vals, shape[1]
		} else {
			mw.B, mw.Out = vals, shape[0]
		}
		byModule[parsed.Module] = mw
	}

	return lora.Adapter{Manifest: *m, Layers: layers}, *m, nil
}
