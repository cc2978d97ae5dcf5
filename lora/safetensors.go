// safetensors.go - safetensors container parsing (spec.md §4.6, §6).
//
// Format: little-endian u64 header length, then that many bytes of UTF-8
// JSON `{name: {dtype, shape[], data_offsets:[begin,end]}, __metadata__?}`,
// then the payload. Grounded on fs/ggml's header-then-payload container
// pattern (fs/ggml/gguf.go's decodeTensors) generalized to safetensors'
// simpler single-JSON-header layout.
package lora

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/ignite-run/ignite/dtype"
)

// SafetensorsEntry is one tensor's header record.
type SafetensorsEntry struct {
	DType       string `json:"dtype"`
	Shape       []int  `json:"shape"`
	DataOffsets [2]int `json:"data_offsets"`
}

// SafetensorsFile is a parsed container: header entries plus the raw
// payload bytes (offsets in each entry are relative to the payload).
type SafetensorsFile struct {
	Entries map[string]SafetensorsEntry
	Payload []byte
}

// ParseSafetensors parses a safetensors byte buffer, validating that every
// entry's offsets are in range and non-overlapping (spec.md §6: "validates
// begin <= end <= payloadLen and rejects overlapping ranges").
func ParseSafetensors(data []byte) (*SafetensorsFile, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("lora: safetensors buffer too short for header length")
	}
	headerLen := binary.LittleEndian.Uint64(data[:8])
	if 8+headerLen > uint64(len(data)) {
		return nil, fmt.Errorf("lora: safetensors header length %d exceeds buffer", headerLen)
	}
	headerBytes := data[8 : 8+headerLen]
	payload := data[8+headerLen:]

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, fmt.Errorf("lora: parse safetensors header: %w", err)
	}

	entries := make(map[string]SafetensorsEntry, len(raw))
	type interval struct{ lo, hi int }
	var seen []interval

	for name, msg := range raw {
		if name == "__metadata__" {
			continue
		}
		var e SafetensorsEntry
		if err := json.Unmarshal(msg, &e); err != nil {
			return nil, fmt.Errorf("lora: parse safetensors entry %q: %w", name, err)
		}
		begin, end := e.DataOffsets[0], e.DataOffsets[1]
		if begin < 0 || end < begin || end > len(payload) {
			return nil, fmt.Errorf("lora: safetensors entry %q has invalid offsets [%d,%d)", name, begin, end)
		}
		for _, iv := range seen {
			if begin < iv.hi && iv.lo < end {
				return nil, fmt.Errorf("lora: safetensors entry %q overlaps another tensor's range", name)
			}
		}
		seen = append(seen, interval{begin, end})
		entries[name] = e
	}

	return &SafetensorsFile{Entries: entries, Payload: payload}, nil
}

// Tensor returns name's data decoded to float32 (F16/BF16 converted per
// spec.md §4.1, F32 reinterpreted directly).
func (f *SafetensorsFile) Tensor(name string) ([]float32, []int, error) {
	e, ok := f.Entries[name]
	if !ok {
		return nil, nil, fmt.Errorf("lora: safetensors file has no tensor %q", name)
	}
	raw := f.Payload[e.DataOffsets[0]:e.DataOffsets[1]]

	var d dtype.DType
	switch e.DType {
	case "F32":
		d = dtype.F32
	case "F16":
		d = dtype.F16
	case "BF16":
		d = dtype.BF16
	default:
		return nil, nil, fmt.Errorf("lora: safetensors tensor %q has unsupported dtype %q", name, e.DType)
	}

	vals, err := dtype.Decode(d, raw)
	if err != nil {
		return nil, nil, fmt.Errorf("lora: decode safetensors tensor %q: %w", name, err)
	}
	return vals, e.Shape, nil
}
