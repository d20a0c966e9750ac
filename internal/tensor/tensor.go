package tensor

import (
	"fmt"
	"math"
)

// Tensor is a dense row-major float32 tensor.
//
// Several tensors may reference the same buffer (see Reshape). Writes
// through Data are visible through every tensor sharing the buffer.
type Tensor struct {
	buf    *buffer
	shape  Shape
	dtype  DataType
	device Device
}

// Shape returns the tensor's shape.
func (t *Tensor) Shape() Shape {
	return t.shape
}

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int {
	return len(t.shape)
}

// DType returns the tensor's precision tag.
func (t *Tensor) DType() DataType {
	return t.dtype
}

// Device returns the tensor's compute device.
func (t *Tensor) Device() Device {
	return t.device
}

// NumElements returns the total number of elements.
func (t *Tensor) NumElements() int {
	return t.shape.NumElements()
}

// Data returns the underlying values (zero-copy).
//
// WARNING: Modifications to the returned slice modify every tensor sharing
// the buffer.
func (t *Tensor) Data() []float32 {
	return t.buf.data
}

// SameStorage reports whether both tensors reference the same buffer.
func (t *Tensor) SameStorage(other *Tensor) bool {
	return other != nil && t.buf == other.buf
}

// Clone creates a deep copy with its own buffer.
func (t *Tensor) Clone() *Tensor {
	out := newTensor(t.shape, t.dtype, t.device)
	copy(out.buf.data, t.buf.data)
	return out
}

// Reshape returns a view with a new shape sharing the same buffer.
// One dimension may be -1 and is inferred.
func (t *Tensor) Reshape(dims ...int) (*Tensor, error) {
	shape := Shape(dims).Clone()
	infer := -1
	known := 1
	for i, d := range shape {
		switch {
		case d == -1 && infer == -1:
			infer = i
		case d <= 0:
			return nil, fmt.Errorf("reshape: invalid dimension %d at index %d", d, i)
		default:
			known *= d
		}
	}
	if infer >= 0 {
		if known == 0 || t.NumElements()%known != 0 {
			return nil, fmt.Errorf("reshape: cannot infer dimension for %v from %v", dims, t.shape)
		}
		shape[infer] = t.NumElements() / known
	}
	if shape.NumElements() != t.NumElements() {
		return nil, fmt.Errorf("reshape: shape %v requires %d elements, tensor has %d",
			shape, shape.NumElements(), t.NumElements())
	}
	return &Tensor{buf: t.buf, shape: shape, dtype: t.dtype, device: t.device}, nil
}

// Flatten returns a view collapsing every dimension from startDim onwards.
func (t *Tensor) Flatten(startDim int) *Tensor {
	v, err := t.Reshape(t.shape.Flatten(startDim)...)
	if err != nil {
		panic(err) // element count is preserved by construction
	}
	return v
}

// To returns the tensor placed on device with the given precision.
//
// When both already match, t itself is returned (no copy). Otherwise a new
// buffer is allocated and every value is rounded to the target precision.
func (t *Tensor) To(device Device, dtype DataType) *Tensor {
	if t.device == device && t.dtype == dtype {
		return t
	}
	out := newTensor(t.shape, dtype, device)
	copy(out.buf.data, t.buf.data)
	if dtype != Float32 {
		RoundTo(out.buf.data, dtype)
	}
	return out
}

// At returns the element at the given indices.
// Panics if indices are out of bounds.
func (t *Tensor) At(indices ...int) float32 {
	return t.buf.data[t.offset(indices)]
}

// Set sets the element at the given indices.
// Panics if indices are out of bounds.
func (t *Tensor) Set(value float32, indices ...int) {
	t.buf.data[t.offset(indices)] = value
}

func (t *Tensor) offset(indices []int) int {
	if len(indices) != len(t.shape) {
		panic(fmt.Sprintf("expected %d indices, got %d", len(t.shape), len(indices)))
	}
	off := 0
	stride := 1
	for i := len(indices) - 1; i >= 0; i-- {
		idx := indices[i]
		if idx < 0 || idx >= t.shape[i] {
			panic(fmt.Sprintf("index %d out of bounds for dimension %d (size %d)", idx, i, t.shape[i]))
		}
		off += idx * stride
		stride *= t.shape[i]
	}
	return off
}

// AbsMean returns the mean of the absolute values.
func (t *Tensor) AbsMean() float64 {
	if t.NumElements() == 0 {
		return 0
	}
	var sum float64
	for _, v := range t.buf.data {
		sum += math.Abs(float64(v))
	}
	return sum / float64(len(t.buf.data))
}

// IsZero reports whether every element is exactly zero.
func (t *Tensor) IsZero() bool {
	for _, v := range t.buf.data {
		if v != 0 {
			return false
		}
	}
	return true
}

// String returns a human-readable representation of the tensor.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor[%s]%v on %s", t.dtype, []int(t.shape), t.device)
}

func newTensor(shape Shape, dtype DataType, device Device) *Tensor {
	return &Tensor{
		buf:    newBuffer(shape.NumElements()),
		shape:  shape.Clone(),
		dtype:  dtype,
		device: device,
	}
}
