// tensor.go - LoRA tensor name parsing and materialization (spec.md §4.6).
package lora

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/ignite-run/ignite/dtype"
)

var tensorNamePattern = regexp.MustCompile(`(?i)^layers?\.?(\d+)\.([^.]+)\.lora_([ab])$`)

// ParsedTensorName is the result of matching a tensor name against
// spec.md §4.6's pattern `layers?\.?(\d+)\.([^.]+)\.lora_([ab])`.
type ParsedTensorName struct {
	Layer  int
	Module TargetModule
	IsA    bool // true for lora_a, false for lora_b
}

// ParseTensorName matches name against the LoRA tensor-name pattern and
// normalizes its module alias to a canonical TargetModule. ok is false
// when the name doesn't match, or matches but names an unrecognized
// module alias — both are "skipped with a warning" cases per spec.md.
func ParseTensorName(name string) (ParsedTensorName, bool) {
	m := tensorNamePattern.FindStringSubmatch(name)
	if m == nil {
		return ParsedTensorName{}, false
	}
	layer, err := strconv.Atoi(m[1])
	if err != nil {
		return ParsedTensorName{}, false
	}
	mod, ok := moduleAlias[strings.ToLower(m[2])]
	if !ok {
		return ParsedTensorName{}, false
	}
	return ParsedTensorName{Layer: layer, Module: mod, IsA: strings.EqualFold(m[3], "a")}, true
}

// TensorSource is the union of places a LoRA tensor's bytes may come from
// (spec.md §4.6 "Tensor materialization"). Exactly one field is set.
type TensorSource struct {
	InlineF32   []float32
	InlineBase64 string
	OPFSPath    string
	URL         string
	DType       dtype.DType // dtype of OPFSPath/URL bytes (f32, f16 or bf16); InlineBase64 is always decoded as f32
}

// StorageContract supplies the out-of-package I/O collaborators spec.md
// §6 names: readOPFS/fetchUrl. Both are optional; a nil func means that
// source kind isn't available to the caller.
type StorageContract struct {
	ReadOPFS func(path string) ([]byte, error)
	FetchURL func(url string) ([]byte, error)
}

// MaterializeTensor resolves src to a flat f32 slice of the given shape.
// Inline data (InlineF32, InlineBase64) is always f32; bytes read through
// ReadOPFS or FetchURL are decoded per src.DType as f32, f16 or bf16.
func MaterializeTensor(name string, src TensorSource, shape []int, rank int, isA bool, store StorageContract) ([]float32, error) {
	var raw []byte
	var d dtype.DType

	switch {
	case src.InlineF32 != nil:
		if err := dtype.ValidateLoRAShape(name, isA, shape, rank); err != nil {
			return nil, err
		}
		return src.InlineF32, nil

	case src.InlineBase64 != "":
		decoded, err := decodeBase64Either(src.InlineBase64)
		if err != nil {
			return nil, fmt.Errorf("lora: decode base64 tensor %q: %w", name, err)
		}
		raw, d = decoded, dtype.F32

	case src.OPFSPath != "":
		if store.ReadOPFS == nil {
			return nil, fmt.Errorf("lora: tensor %q requires readOPFS but none was supplied", name)
		}
		b, err := store.ReadOPFS(src.OPFSPath)
		if err != nil {
			return nil, fmt.Errorf("lora: readOPFS %q: %w", src.OPFSPath, err)
		}
		raw, d = b, src.DType

	case src.URL != "":
		if store.FetchURL == nil {
			return nil, fmt.Errorf("lora: tensor %q requires fetchUrl but none was supplied", name)
		}
		b, err := store.FetchURL(src.URL)
		if err != nil {
			return nil, fmt.Errorf("lora: fetchUrl %q: %w", src.URL, err)
		}
		raw, d = b, src.DType

	default:
		return nil, fmt.Errorf("lora: tensor %q has no materialization source", name)
	}

	if d != dtype.F32 && d != dtype.F16 && d != dtype.BF16 {
		return nil, fmt.Errorf("lora: tensor %q has unsupported non-inline dtype %s", name, d)
	}
	vals, err := dtype.Decode(d, raw)
	if err != nil {
		return nil, fmt.Errorf("lora: decode tensor %q: %w", name, err)
	}
	if err := dtype.ValidateLoRAShape(name, isA, shape, rank); err != nil {
		return nil, err
	}
	return vals, nil
}

// decodeBase64Either decodes s with either the standard or URL-safe
// base64 alphabet (spec.md §4.6: "decoded with either platform decoder").
func decodeBase64Either(s string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.URLEncoding.DecodeString(s)
}

// f32ToLEBytes encodes a float32 slice as little-endian bytes, used by
// checksum hashing over array-sourced tensors (spec.md §4.6: "array-sourced
// as f32 little-endian").
func f32ToLEBytes(vals []float32) []byte {
	out := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}
