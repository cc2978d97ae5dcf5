// convert.go - f16/bf16 <-> f32 conversion.
//
// f16 conversion is delegated to github.com/x448/float16, the same package
// the teacher imports for its MLX tensor bridge (x/ml/backend/mlx/array.go:
// float16.Fromfloat32/Frombits). bf16 conversion uses
// github.com/d4l3k/go-bfloat16 for bulk byte-slice decoding (the teacher's
// go.mod dependency for the same concern) plus a direct bit-shift helper
// for the single-value contract spec.md §4.1 describes, since bf16->f32 is
// just an upper-16-bit widen and needs no allocation on the hot path.
package dtype

import (
	"encoding/binary"
	"math"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// F16ToF32 converts a single IEEE-754 half-precision value to float32,
// bit-exact including subnormals, NaN payloads, and infinities.
func F16ToF32(bits uint16) float32 {
	return float16.Frombits(bits).Float32()
}

// F32ToF16 converts a float32 to its nearest IEEE-754 half-precision
// representation.
func F32ToF16(f float32) uint16 {
	return uint16(float16.Fromfloat32(f))
}

// BF16ToF32 converts a single bfloat16 value (upper 16 bits of an IEEE-754
// single) to float32 by zero-extending the lower mantissa bits.
func BF16ToF32(bits uint16) float32 {
	return math.Float32frombits(uint32(bits) << 16)
}

// F32ToBF16 truncates a float32 to bfloat16 by dropping the lower mantissa
// bits (round-toward-zero; sufficient for weight materialization, which
// never round-trips a value produced by this runtime).
func F32ToBF16(f float32) uint16 {
	return uint16(math.Float32bits(f) >> 16)
}

// DecodeF16 converts a little-endian byte buffer of packed f16 values to
// float32.
func DecodeF16(data []byte) []float32 {
	out := make([]float32, len(data)/2)
	for i := range out {
		bits := binary.LittleEndian.Uint16(data[i*2 : i*2+2])
		out[i] = F16ToF32(bits)
	}
	return out
}

// DecodeBF16 converts a little-endian byte buffer of packed bf16 values to
// float32 using the teacher's bulk decoder.
func DecodeBF16(data []byte) []float32 {
	return bfloat16.Decode(binary.LittleEndian, data)
}

// DecodeF32 reinterprets a little-endian byte buffer as packed float32
// values.
func DecodeF32(data []byte) []float32 {
	out := make([]float32, len(data)/4)
	for i := range out {
		bits := binary.LittleEndian.Uint32(data[i*4 : i*4+4])
		out[i] = math.Float32frombits(bits)
	}
	return out
}

// Decode converts a raw little-endian byte buffer of the given dtype to
// float32, the common representation the kernel facade and LoRA merge
// operate on.
func Decode(d DType, data []byte) ([]float32, error) {
	switch d {
	case F32:
		return DecodeF32(data), nil
	case F16:
		return DecodeF16(data), nil
	case BF16:
		return DecodeBF16(data), nil
	default:
		return nil, &ErrShapeMismatch{Name: "decode", Got: nil, Expected: nil}
	}
}
