// Package tensor provides the float32 tensor substrate used by the LoRA
// surgery engine.
//
// Values are always held as float32 in memory. The DataType of a tensor is a
// precision tag: converting a tensor to Float16 or BFloat16 rounds every
// value to that precision, and serialization encodes the data in the tagged
// format. Reshape and Flatten return views sharing one allocation.
package tensor

import "fmt"

// DataType represents the storage precision of a tensor.
type DataType int

// Supported data types.
const (
	Float32 DataType = iota
	Float16
	BFloat16
)

// Size returns the byte size of one element when encoded.
func (dt DataType) Size() int {
	switch dt {
	case Float32:
		return 4
	case Float16, BFloat16:
		return 2
	default:
		panic("unknown data type")
	}
}

// String returns a human-readable name for the data type.
func (dt DataType) String() string {
	switch dt {
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	case BFloat16:
		return "bfloat16"
	default:
		return "unknown"
	}
}

// SafeTensorsName returns the dtype string used in SafeTensors headers.
func (dt DataType) SafeTensorsName() string {
	switch dt {
	case Float16:
		return "F16"
	case BFloat16:
		return "BF16"
	default:
		return "F32"
	}
}

// ParseDataType converts a SafeTensors dtype string or a human-readable name
// into a DataType.
func ParseDataType(s string) (DataType, error) {
	switch s {
	case "F32", "float32", "fp32":
		return Float32, nil
	case "F16", "float16", "fp16", "half":
		return Float16, nil
	case "BF16", "bfloat16", "bf16":
		return BFloat16, nil
	default:
		return 0, fmt.Errorf("unsupported dtype: %s", s)
	}
}
