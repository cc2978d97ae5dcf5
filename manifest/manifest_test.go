package manifest

import (
	"testing"

	"github.com/ignite-run/ignite/lora"
)

func validManifest() lora.Manifest {
	return lora.Manifest{
		ID:            "adapter-1",
		Name:          "Adapter One",
		Version:       "1.0.0",
		BaseModel:     "gemma-3n",
		Rank:          8,
		Alpha:         16,
		TargetModules: []lora.TargetModule{lora.TargetQProj, lora.TargetVProj},
	}
}

// spec.md §8: validateManifest(parseManifest(serializeManifest(m))) is
// valid for any valid m.
func TestRoundTripPreservesValidity(t *testing.T) {
	m := validManifest()
	data, err := SerializeManifest(m)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	parsed, err := ParseManifest(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	res := ValidateManifest(*parsed)
	if !res.Valid {
		t.Fatalf("expected valid manifest after round trip, got errors: %v", res.Errors)
	}
	if parsed.ID != m.ID || parsed.Rank != m.Rank || len(parsed.TargetModules) != len(m.TargetModules) {
		t.Fatalf("round trip lost data: got %+v, want %+v", parsed, m)
	}
}

func TestValidateManifestRequiresBaseModel(t *testing.T) {
	m := validManifest()
	m.BaseModel = ""
	res := ValidateManifest(m)
	if res.Valid {
		t.Fatal("expected invalid manifest with empty baseModel")
	}
	found := false
	for _, e := range res.Errors {
		if e.Field == "baseModel" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a baseModel error, got %v", res.Errors)
	}
}

func TestCreateManifestAppliesDefaults(t *testing.T) {
	minimal := lora.Manifest{
		ID:            "adapter-2",
		Name:          "Adapter Two",
		BaseModel:     "gemma-3n",
		Rank:          8,
		Alpha:         16,
		TargetModules: []lora.TargetModule{lora.TargetQProj},
	}
	out := CreateManifest(minimal)
	if out.Version != "1.0.0" {
		t.Errorf("version = %q, want 1.0.0", out.Version)
	}
	if out.ChecksumAlgorithm != lora.ChecksumSHA256 {
		t.Errorf("checksumAlgorithm = %q, want sha256", out.ChecksumAlgorithm)
	}
	if out.WeightsFormat != "safetensors" {
		t.Errorf("weightsFormat = %q, want safetensors", out.WeightsFormat)
	}
}

func TestCreateManifestDoesNotOverrideExplicitValues(t *testing.T) {
	minimal := validManifest()
	minimal.Version = "2.3.1"
	minimal.ChecksumAlgorithm = lora.ChecksumBlake3
	out := CreateManifest(minimal)
	if out.Version != "2.3.1" || out.ChecksumAlgorithm != lora.ChecksumBlake3 {
		t.Fatalf("defaults overrode explicit values: %+v", out)
	}
}

func TestComputeLoRAScale(t *testing.T) {
	if got := lora.ComputeLoRAScale(0, 16); got != 1 {
		t.Errorf("rank=0: got %v, want 1", got)
	}
	if got := lora.ComputeLoRAScale(8, 16); got != 2 {
		t.Errorf("rank=8 alpha=16: got %v, want 2", got)
	}
}
