package tensor

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"
)

// RoundTo rounds every value in data to the precision of dtype in place.
func RoundTo(data []float32, dtype DataType) {
	switch dtype {
	case Float16:
		for i, v := range data {
			data[i] = float16.Fromfloat32(v).Float32()
		}
	case BFloat16:
		for i, v := range data {
			data[i] = bfloat16ToFloat32(float32ToBFloat16(v))
		}
	}
}

// Bytes encodes the tensor values little-endian in the tensor's own dtype.
func (t *Tensor) Bytes() []byte {
	return EncodeBytes(t.buf.data, t.dtype)
}

// EncodeBytes encodes values little-endian in the given dtype.
func EncodeBytes(values []float32, dtype DataType) []byte {
	out := make([]byte, len(values)*dtype.Size())
	switch dtype {
	case Float16:
		for i, v := range values {
			binary.LittleEndian.PutUint16(out[i*2:], float16.Fromfloat32(v).Bits())
		}
	case BFloat16:
		for i, v := range values {
			binary.LittleEndian.PutUint16(out[i*2:], float32ToBFloat16(v))
		}
	default:
		for i, v := range values {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
		}
	}
	return out
}

// FromBytes decodes little-endian data of the given dtype into a CPU tensor
// tagged with that dtype.
func FromBytes(data []byte, dtype DataType, shape Shape) (*Tensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shape: %w", err)
	}
	n := shape.NumElements()
	if len(data) != n*dtype.Size() {
		return nil, fmt.Errorf("shape %v of %s requires %d bytes, got %d", shape, dtype, n*dtype.Size(), len(data))
	}
	t := newTensor(shape, dtype, CPU)
	switch dtype {
	case Float16:
		for i := range n {
			t.buf.data[i] = float16.Frombits(binary.LittleEndian.Uint16(data[i*2:])).Float32()
		}
	case BFloat16:
		for i := range n {
			t.buf.data[i] = bfloat16ToFloat32(binary.LittleEndian.Uint16(data[i*2:]))
		}
	default:
		for i := range n {
			t.buf.data[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		}
	}
	return t, nil
}

// float32ToBFloat16 truncates to the upper 16 bits with round-to-nearest-even.
func float32ToBFloat16(f float32) uint16 {
	bits := math.Float32bits(f)
	if f != f { // NaN
		return 0x7FC0
	}
	rounding := ((bits >> 16) & 1) + 0x7FFF
	return uint16((bits + rounding) >> 16)
}

func bfloat16ToFloat32(b uint16) float32 {
	return math.Float32frombits(uint32(b) << 16)
}
