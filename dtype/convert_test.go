package dtype

import (
	"math"
	"testing"
)

func TestF16RoundTrip(t *testing.T) {
	cases := []float32{0, 1, -1, 0.5, 65504, -65504, 1e-5}
	for _, c := range cases {
		got := F16ToF32(F32ToF16(c))
		if math.Abs(float64(got-c)) > math.Abs(float64(c))*1e-3+1e-6 {
			t.Errorf("F16 round trip of %v: got %v", c, got)
		}
	}
}

func TestF16SpecialValues(t *testing.T) {
	if !math.IsInf(float64(F16ToF32(F32ToF16(float32(math.Inf(1))))), 1) {
		t.Error("+Inf not preserved")
	}
	if !math.IsInf(float64(F16ToF32(F32ToF16(float32(math.Inf(-1))))), -1) {
		t.Error("-Inf not preserved")
	}
	if got := F16ToF32(F32ToF16(float32(math.NaN()))); !math.IsNaN(float64(got)) {
		t.Error("NaN not preserved")
	}
}

func TestBF16UpperBitsCopy(t *testing.T) {
	f := float32(3.14159)
	bits := math.Float32bits(f)
	bf16 := uint16(bits >> 16)
	got := BF16ToF32(bf16)
	want := math.Float32frombits(uint32(bf16) << 16)
	if got != want {
		t.Errorf("BF16ToF32 = %v, want %v", got, want)
	}
}

func TestByteSizeAlignment(t *testing.T) {
	// 3 f16 elements = 6 bytes, padded to 8.
	if got := ByteSize(F16, []int{3}); got != 8 {
		t.Errorf("ByteSize(F16, [3]) = %d, want 8", got)
	}
	// 4 f32 elements = 16 bytes, already aligned.
	if got := ByteSize(F32, []int{2, 2}); got != 16 {
		t.Errorf("ByteSize(F32, [2,2]) = %d, want 16", got)
	}
}

func TestValidateLoRAShape(t *testing.T) {
	if err := ValidateLoRAShape("layer.0.q_proj.lora_a", true, []int{8, 128}, 8); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateLoRAShape("layer.0.q_proj.lora_b", false, []int{256, 8}, 8); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateLoRAShape("layer.0.q_proj.lora_a", true, []int{4, 128}, 8); err == nil {
		t.Error("expected rank mismatch error")
	}
	if err := ValidateLoRAShape("layer.0.q_proj.lora_a", true, []int{8, 128, 1}, 8); err == nil {
		t.Error("expected non-2D shape error")
	}
}
