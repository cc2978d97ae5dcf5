package lora

import (
	"encoding/binary"
	"encoding/json"
	"testing"
)

func buildSafetensors(t *testing.T, entries map[string]SafetensorsEntry, payload []byte) []byte {
	t.Helper()
	header, err := json.Marshal(entries)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	buf := make([]byte, 8+len(header)+len(payload))
	binary.LittleEndian.PutUint64(buf[:8], uint64(len(header)))
	copy(buf[8:], header)
	copy(buf[8+len(header):], payload)
	return buf
}

func TestParseSafetensorsRoundTrip(t *testing.T) {
	payload := f32ToLEBytes([]float32{1, 2, 3, 4})
	entries := map[string]SafetensorsEntry{
		"layer.0.q_proj.lora_a": {DType: "F32", Shape: []int{2, 2}, DataOffsets: [2]int{0, len(payload)}},
	}
	data := buildSafetensors(t, entries, payload)

	f, err := ParseSafetensors(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	vals, shape, err := f.Tensor("layer.0.q_proj.lora_a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vals) != 4 || shape[0] != 2 || shape[1] != 2 {
		t.Fatalf("got vals=%v shape=%v", vals, shape)
	}
}

func TestParseSafetensorsRejectsOverlap(t *testing.T) {
	payload := make([]byte, 32)
	entries := map[string]SafetensorsEntry{
		"a": {DType: "F32", Shape: []int{4}, DataOffsets: [2]int{0, 16}},
		"b": {DType: "F32", Shape: []int{4}, DataOffsets: [2]int{8, 24}},
	}
	data := buildSafetensors(t, entries, payload)
	if _, err := ParseSafetensors(data); err == nil {
		t.Fatal("expected overlap error")
	}
}

func TestParseSafetensorsRejectsOutOfRange(t *testing.T) {
	payload := make([]byte, 16)
	entries := map[string]SafetensorsEntry{
		"a": {DType: "F32", Shape: []int{8}, DataOffsets: [2]int{0, 32}},
	}
	data := buildSafetensors(t, entries, payload)
	if _, err := ParseSafetensors(data); err == nil {
		t.Fatal("expected out-of-range error")
	}
}

func TestParseSafetensorsSkipsMetadata(t *testing.T) {
	payload := f32ToLEBytes([]float32{1, 2})
	raw := map[string]json.RawMessage{
		"__metadata__": json.RawMessage(`{"format":"pt"}`),
	}
	entryJSON, _ := json.Marshal(SafetensorsEntry{DType: "F32", Shape: []int{2}, DataOffsets: [2]int{0, len(payload)}})
	raw["t"] = entryJSON
	header, _ := json.Marshal(raw)
	buf := make([]byte, 8+len(header)+len(payload))
	binary.LittleEndian.PutUint64(buf[:8], uint64(len(header)))
	copy(buf[8:], header)
	copy(buf[8+len(header):], payload)

	f, err := ParseSafetensors(buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := f.Entries["__metadata__"]; ok {
		t.Fatal("expected __metadata__ to be skipped")
	}
	if _, ok := f.Entries["t"]; !ok {
		t.Fatal("expected tensor t to be present")
	}
}
