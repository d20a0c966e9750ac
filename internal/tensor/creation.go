package tensor

import (
	"fmt"
	"math/rand"
)

// Zeros creates a float32 CPU tensor filled with zeros.
//
// Panics on an invalid shape.
//
// Example:
//
//	t := tensor.Zeros(tensor.Shape{3, 4})
func Zeros(shape Shape) *Tensor {
	if err := shape.Validate(); err != nil {
		panic(err)
	}
	return newTensor(shape, Float32, CPU)
}

// Ones creates a float32 CPU tensor filled with ones.
func Ones(shape Shape) *Tensor {
	return Full(shape, 1)
}

// Full creates a float32 CPU tensor filled with value.
func Full(shape Shape, value float32) *Tensor {
	t := Zeros(shape)
	for i := range t.buf.data {
		t.buf.data[i] = value
	}
	return t
}

// FromSlice creates a float32 CPU tensor from a Go slice.
// The slice is copied into the tensor's memory.
func FromSlice(data []float32, shape Shape) (*Tensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shape: %w", err)
	}
	if shape.NumElements() != len(data) {
		return nil, fmt.Errorf("shape %v requires %d elements, but got %d", shape, shape.NumElements(), len(data))
	}
	t := newTensor(shape, Float32, CPU)
	copy(t.buf.data, data)
	return t, nil
}

// MustFromSlice is like FromSlice but panics on error.
func MustFromSlice(data []float32, shape Shape) *Tensor {
	t, err := FromSlice(data, shape)
	if err != nil {
		panic(err)
	}
	return t
}

// Normal creates a tensor with values drawn from N(0, std²).
//
// rng must not be nil; pass a seeded source for reproducible weights.
func Normal(shape Shape, std float64, rng *rand.Rand) *Tensor {
	t := Zeros(shape)
	for i := range t.buf.data {
		t.buf.data[i] = float32(rng.NormFloat64() * std)
	}
	return t
}

// Uniform creates a tensor with values drawn from U(-bound, bound).
func Uniform(shape Shape, bound float64, rng *rand.Rand) *Tensor {
	t := Zeros(shape)
	for i := range t.buf.data {
		t.buf.data[i] = float32((rng.Float64()*2.0 - 1.0) * bound)
	}
	return t
}
