// Package manifest implements LoRA adapter manifest parsing, defaulting,
// and serialization (spec.md §4.11 "Model Registry & Manifest Parser").
// It is a thin JSON layer over lora.Manifest: every validation rule lives
// in lora.Validate (spec.md §4.6), which already rejects a missing or zero
// rank/alpha and an empty targetModules list; this package adds one rule
// for a manifest read from disk — it must identify the base model
// architecture it targets, with no silent fallback to "unknown" in v1 —
// plus default application and round-trip JSON (de)serialization.
package manifest

import (
	"encoding/json"
	"fmt"

	"github.com/ignite-run/ignite/lora"
)

// wireManifest mirrors lora.Manifest's JSON wire shape (spec.md §6).
type wireManifest struct {
	ID                string             `json:"id"`
	Name              string             `json:"name"`
	Version           string             `json:"version"`
	BaseModel         string             `json:"baseModel"`
	Description       string             `json:"description,omitempty"`
	Rank              int                `json:"rank"`
	Alpha             float64            `json:"alpha"`
	TargetModules     []string           `json:"targetModules"`
	Checksum          string             `json:"checksum,omitempty"`
	ChecksumAlgorithm string             `json:"checksumAlgorithm,omitempty"`
	WeightsFormat     string             `json:"weightsFormat,omitempty"`
	WeightsPath       string             `json:"weightsPath,omitempty"`
	WeightsSize       int64              `json:"weightsSize,omitempty"`
	Metadata          map[string]any     `json:"metadata,omitempty"`
}

func toWire(m lora.Manifest) wireManifest {
	mods := make([]string, len(m.TargetModules))
	for i, tm := range m.TargetModules {
		mods[i] = string(tm)
	}
	return wireManifest{
		ID:                m.ID,
		Name:              m.Name,
		Version:           m.Version,
		BaseModel:         m.BaseModel,
		Description:       m.Description,
		Rank:              m.Rank,
		Alpha:             m.Alpha,
		TargetModules:     mods,
		Checksum:          m.Checksum,
		ChecksumAlgorithm: string(m.ChecksumAlgorithm),
		WeightsFormat:     m.WeightsFormat,
		WeightsPath:       m.WeightsPath,
		WeightsSize:       m.WeightsSize,
		Metadata:          m.Metadata,
	}
}

func fromWire(w wireManifest) lora.Manifest {
	mods := make([]lora.TargetModule, len(w.TargetModules))
	for i, s := range w.TargetModules {
		mods[i] = lora.TargetModule(s)
	}
	return lora.Manifest{
		ID:                w.ID,
		Name:              w.Name,
		Version:           w.Version,
		BaseModel:         w.BaseModel,
		Description:       w.Description,
		Rank:              w.Rank,
		Alpha:             w.Alpha,
		TargetModules:     mods,
		Checksum:          w.Checksum,
		ChecksumAlgorithm: lora.ChecksumAlgorithm(w.ChecksumAlgorithm),
		WeightsFormat:     w.WeightsFormat,
		WeightsPath:       w.WeightsPath,
		WeightsSize:       w.WeightsSize,
		Metadata:          w.Metadata,
	}
}

// ParseManifest decodes raw JSON into a lora.Manifest. It does not
// validate — call ValidateManifest on the result.
func ParseManifest(data []byte) (*lora.Manifest, error) {
	var w wireManifest
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("manifest: parse: %w", err)
	}
	m := fromWire(w)
	return &m, nil
}

// SerializeManifest encodes m back to its JSON wire form.
func SerializeManifest(m lora.Manifest) ([]byte, error) {
	return json.Marshal(toWire(m))
}

// ValidateManifest applies lora.Validate's full rule set (whose rank,
// alpha and targetModules range checks also reject an absent, zero-valued
// field) plus one on-disk requirement: baseModel must be non-empty — v1
// has no silent "unknown architecture" fallback.
func ValidateManifest(m lora.Manifest) lora.ValidationResult {
	res := lora.Validate(m)

	if m.BaseModel == "" {
		res.Errors = append(res.Errors, lora.FieldError{
			Field:   "baseModel",
			Message: "must identify the adapter's target base model architecture",
		})
	}
	res.Valid = len(res.Errors) == 0
	return res
}

// CreateManifest applies spec.md §4.11's defaults to a minimally
// populated manifest: version=1.0.0, checksumAlgorithm=sha256,
// weightsFormat=safetensors.
func CreateManifest(minimal lora.Manifest) lora.Manifest {
	out := minimal
	if out.Version == "" {
		out.Version = "1.0.0"
	}
	if out.ChecksumAlgorithm == "" {
		out.ChecksumAlgorithm = lora.ChecksumSHA256
	}
	if out.WeightsFormat == "" {
		out.WeightsFormat = "safetensors"
	}
	return out
}
