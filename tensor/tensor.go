// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package tensor

import (
	"math/rand"

	"github.com/born-ml/lora/internal/tensor"
)

// Tensor is a float32 tensor with precision and device tags.
type Tensor = tensor.Tensor

// Shape represents tensor dimensions.
type Shape = tensor.Shape

// DataType is the precision tag of a tensor.
type DataType = tensor.DataType

// Data type constants.
const (
	Float32  DataType = tensor.Float32
	Float16  DataType = tensor.Float16
	BFloat16 DataType = tensor.BFloat16
)

// Device represents where tensor data resides.
type Device = tensor.Device

// Device constants.
const (
	CPU    Device = tensor.CPU
	CUDA   Device = tensor.CUDA
	Vulkan Device = tensor.Vulkan
	Metal  Device = tensor.Metal
	WebGPU Device = tensor.WebGPU
)

// ConvParams configures a 2D convolution.
type ConvParams = tensor.ConvParams

// Zeros creates a float32 tensor filled with zeros.
func Zeros(shape Shape) *Tensor { return tensor.Zeros(shape) }

// Ones creates a float32 tensor filled with ones.
func Ones(shape Shape) *Tensor { return tensor.Ones(shape) }

// Full creates a float32 tensor filled with value.
func Full(shape Shape, value float32) *Tensor { return tensor.Full(shape, value) }

// FromSlice creates a tensor from data, which is copied.
func FromSlice(data []float32, shape Shape) (*Tensor, error) {
	return tensor.FromSlice(data, shape)
}

// Normal creates a tensor with values drawn from N(0, std²).
func Normal(shape Shape, std float64, rng *rand.Rand) *Tensor {
	return tensor.Normal(shape, std, rng)
}

// ParseDataType maps a name such as "float16" or "bf16" to a DataType.
func ParseDataType(s string) (DataType, error) { return tensor.ParseDataType(s) }

// MatMul computes a @ b for 2D tensors.
func MatMul(a, b *Tensor) (*Tensor, error) { return tensor.MatMul(a, b) }

// AllClose reports whether |a-b| <= atol + rtol*|b| elementwise.
func AllClose(a, b *Tensor, rtol, atol float64) bool { return tensor.AllClose(a, b, rtol, atol) }

// MaxAbsDiff returns the largest elementwise difference between a and b.
func MaxAbsDiff(a, b *Tensor) float64 { return tensor.MaxAbsDiff(a, b) }
