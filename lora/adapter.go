// Package lora implements the LoRA adapter subsystem (spec.md §4.6): the
// adapter data model, manifest validation, tensor parsing/materialization,
// checksum verification, the adapter manager lifecycle, and active-
// composite (merge) derivation.
//
// Grounded on convert/convert_adapter.go and convert/convert_types.go for
// the shape of adapter metadata and the dtype-conversion-at-materialization
// idiom (the teacher converts HF adapters to GGUF at *build* time; this
// package performs the analogous dtype conversion at *load* time instead,
// per spec.md §4.6's "convert F16 and BF16 to f32 using §4.1 rules").
package lora

import (
	"fmt"
	"regexp"

	"github.com/Masterminds/semver/v3"
)

// TargetModule enumerates the projection slots a LoRA adapter may target
// (spec.md §3).
type TargetModule string

const (
	TargetQProj    TargetModule = "q_proj"
	TargetKProj    TargetModule = "k_proj"
	TargetVProj    TargetModule = "v_proj"
	TargetOProj    TargetModule = "o_proj"
	TargetGateProj TargetModule = "gate_proj"
	TargetUpProj   TargetModule = "up_proj"
	TargetDownProj TargetModule = "down_proj"
	TargetGateUp   TargetModule = "gate_up_proj"
)

var validTargetModules = map[TargetModule]bool{
	TargetQProj: true, TargetKProj: true, TargetVProj: true, TargetOProj: true,
	TargetGateProj: true, TargetUpProj: true, TargetDownProj: true, TargetGateUp: true,
}

// moduleAlias normalizes the short aliases spec.md §4.6's tensor-name
// parser recognizes (q/k/v/o/gate/up/down/gate_up) to their canonical
// TargetModule form.
var moduleAlias = map[string]TargetModule{
	"q": TargetQProj, "q_proj": TargetQProj,
	"k": TargetKProj, "k_proj": TargetKProj,
	"v": TargetVProj, "v_proj": TargetVProj,
	"o": TargetOProj, "o_proj": TargetOProj,
	"gate": TargetGateProj, "gate_proj": TargetGateProj,
	"up": TargetUpProj, "up_proj": TargetUpProj,
	"down": TargetDownProj, "down_proj": TargetDownProj,
	"gate_up": TargetGateUp, "gate_up_proj": TargetGateUp,
}

// ChecksumAlgorithm identifies the hash used to verify adapter integrity.
type ChecksumAlgorithm string

const (
	ChecksumSHA256 ChecksumAlgorithm = "sha256"
	ChecksumBlake3 ChecksumAlgorithm = "blake3"
)

// ModuleWeights holds one layer/module's A and B low-rank factors plus the
// derived scale (spec.md §3: `scale = alpha/rank`).
type ModuleWeights struct {
	A     []float32 // [rank, in]
	B     []float32 // [out, rank]
	In    int
	Out   int
	Rank  int
	Alpha float64
	Scale float64
}

// Manifest is the LoRA adapter manifest data model (spec.md §3, §6).
type Manifest struct {
	ID                string
	Name              string
	Version           string
	BaseModel         string
	Description       string
	Rank              int
	Alpha             float64
	TargetModules     []TargetModule
	Checksum          string
	ChecksumAlgorithm ChecksumAlgorithm
	WeightsFormat     string
	WeightsPath       string
	WeightsSize       int64
	Metadata          map[string]any
}

// Adapter is a fully materialized LoRA adapter: the manifest plus, per
// layer index, the per-module low-rank factors (spec.md §3
// "layers: i -> (module -> {A,B,rank,alpha,scale})").
type Adapter struct {
	Manifest Manifest
	Layers   map[int]map[TargetModule]ModuleWeights
}

var (
	idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// ValidationResult is validate(m)'s return shape (spec.md §4.6): valid
// flag plus a list of field-scoped error messages.
type ValidationResult struct {
	Valid  bool
	Errors []FieldError
}

// FieldError names the offending field and a human-readable message, so
// callers can surface precise field paths (spec.md §7 "user-input errors
// ... surface synchronously with precise field paths").
type FieldError struct {
	Field   string
	Message string
}

func (e FieldError) Error() string { return fmt.Sprintf("%s: %s", e.Field, e.Message) }

// Validate checks m against spec.md §4.6's manifest validation rules.
func Validate(m Manifest) ValidationResult {
	var errs []FieldError

	if !idPattern.MatchString(m.ID) {
		errs = append(errs, FieldError{"id", "must match ^[A-Za-z0-9_-]+$"})
	}
	if len(m.Name) == 0 || len(m.Name) > 256 {
		errs = append(errs, FieldError{"name", "must be 1..256 characters"})
	}
	if m.Version != "" {
		if _, err := semver.StrictNewVersion(m.Version); err != nil {
			errs = append(errs, FieldError{"version", "must be valid semver"})
		}
	}
	if m.Rank < 1 || m.Rank > 1024 {
		errs = append(errs, FieldError{"rank", "must be an integer in [1,1024]"})
	}
	if m.Alpha < 0.1 {
		errs = append(errs, FieldError{"alpha", "must be >= 0.1"})
	}

	if len(m.TargetModules) == 0 {
		errs = append(errs, FieldError{"targetModules", "must be non-empty"})
	} else {
		seen := make(map[TargetModule]bool, len(m.TargetModules))
		for _, tm := range m.TargetModules {
			if !validTargetModules[tm] {
				errs = append(errs, FieldError{"targetModules", fmt.Sprintf("%q is not a valid target module", tm)})
				continue
			}
			if seen[tm] {
				errs = append(errs, FieldError{"targetModules", fmt.Sprintf("%q is duplicated", tm)})
				continue
			}
			seen[tm] = true
		}
	}

	if m.Checksum != "" {
		if len(m.Checksum) != 64 || !isHex(m.Checksum) {
			errs = append(errs, FieldError{"checksum", "must be 64 hex characters"})
		}
	}
	if m.ChecksumAlgorithm != "" && m.ChecksumAlgorithm != ChecksumSHA256 && m.ChecksumAlgorithm != ChecksumBlake3 {
		errs = append(errs, FieldError{"checksumAlgorithm", "must be sha256 or blake3"})
	}

	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

func isHex(s string) bool {
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}
