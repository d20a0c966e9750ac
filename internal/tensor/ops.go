package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// MatMul computes a @ b for 2-D tensors: [m, k] @ [k, n] = [m, n].
func MatMul(a, b *Tensor) (*Tensor, error) {
	if a.Rank() != 2 || b.Rank() != 2 {
		return nil, fmt.Errorf("matmul: expected 2D tensors, got %v and %v", a.shape, b.shape)
	}
	if a.shape[1] != b.shape[0] {
		return nil, fmt.Errorf("matmul: inner dimensions differ: %v @ %v", a.shape, b.shape)
	}
	m, n := a.shape[0], b.shape[1]
	out := newTensor(Shape{m, n}, Float32, a.device)
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, general(a), general(b), 0, general(out))
	return out, nil
}

// MatMulTransB computes a @ bᵀ for 2-D tensors: [m, k] @ [n, k]ᵀ = [m, n].
//
// This is the dense layer product x @ Wᵀ with W stored as [out, in].
func MatMulTransB(a, b *Tensor) (*Tensor, error) {
	if a.Rank() != 2 || b.Rank() != 2 {
		return nil, fmt.Errorf("matmul: expected 2D tensors, got %v and %v", a.shape, b.shape)
	}
	if a.shape[1] != b.shape[1] {
		return nil, fmt.Errorf("matmul: inner dimensions differ: %v @ %vᵀ", a.shape, b.shape)
	}
	m, n := a.shape[0], b.shape[0]
	out := newTensor(Shape{m, n}, Float32, a.device)
	blas32.Gemm(blas.NoTrans, blas.Trans, 1, general(a), general(b), 0, general(out))
	return out, nil
}

func general(t *Tensor) blas32.General {
	return blas32.General{
		Rows:   t.shape[0],
		Cols:   t.shape[1],
		Stride: t.shape[1],
		Data:   t.buf.data,
	}
}

// Add returns a + b for tensors of identical shape.
func Add(a, b *Tensor) (*Tensor, error) {
	if !a.shape.Equal(b.shape) {
		return nil, fmt.Errorf("add: shape mismatch %v vs %v", a.shape, b.shape)
	}
	out := newTensor(a.shape, Float32, a.device)
	for i, v := range a.buf.data {
		out.buf.data[i] = v + b.buf.data[i]
	}
	return out, nil
}

// AddScaled performs dst += alpha * src in place.
func AddScaled(dst, src *Tensor, alpha float32) error {
	if !dst.shape.Equal(src.shape) {
		return fmt.Errorf("add scaled: shape mismatch %v vs %v", dst.shape, src.shape)
	}
	for i, v := range src.buf.data {
		dst.buf.data[i] += alpha * v
	}
	if dst.dtype != Float32 {
		RoundTo(dst.buf.data, dst.dtype)
	}
	return nil
}

// Scale returns t * s as a new tensor.
func Scale(t *Tensor, s float32) *Tensor {
	out := newTensor(t.shape, t.dtype, t.device)
	for i, v := range t.buf.data {
		out.buf.data[i] = v * s
	}
	return out
}

// Blend returns x*alpha + y*beta for tensors of identical shape.
// The result takes y's precision and device.
func Blend(x *Tensor, alpha float32, y *Tensor, beta float32) (*Tensor, error) {
	if !x.shape.Equal(y.shape) {
		return nil, fmt.Errorf("blend: shape mismatch %v vs %v", x.shape, y.shape)
	}
	out := newTensor(y.shape, y.dtype, y.device)
	for i := range out.buf.data {
		out.buf.data[i] = x.buf.data[i]*alpha + y.buf.data[i]*beta
	}
	if out.dtype != Float32 {
		RoundTo(out.buf.data, out.dtype)
	}
	return out, nil
}

// AddBias adds a per-feature bias to x.
//
// For 2-D x [batch, features] bias has shape [features]; for 4-D x
// [batch, channels, h, w] bias has shape [channels].
func AddBias(x, bias *Tensor) error {
	switch x.Rank() {
	case 2:
		if bias.NumElements() != x.shape[1] {
			return fmt.Errorf("bias: expected %d features, got %v", x.shape[1], bias.shape)
		}
		n := x.shape[1]
		for i := range x.buf.data {
			x.buf.data[i] += bias.buf.data[i%n]
		}
	case 4:
		c := x.shape[1]
		if bias.NumElements() != c {
			return fmt.Errorf("bias: expected %d channels, got %v", c, bias.shape)
		}
		plane := x.shape[2] * x.shape[3]
		for i := range x.buf.data {
			x.buf.data[i] += bias.buf.data[(i/plane)%c]
		}
	default:
		return fmt.Errorf("bias: unsupported input rank %d", x.Rank())
	}
	return nil
}

// ReLU returns max(x, 0) element-wise.
func ReLU(x *Tensor) *Tensor {
	out := newTensor(x.shape, x.dtype, x.device)
	for i, v := range x.buf.data {
		if v > 0 {
			out.buf.data[i] = v
		}
	}
	return out
}

// AllClose reports whether a and b have the same shape and every pair of
// elements differs by at most atol + rtol*|b|.
func AllClose(a, b *Tensor, rtol, atol float64) bool {
	if !a.shape.Equal(b.shape) {
		return false
	}
	for i, v := range a.buf.data {
		w := float64(b.buf.data[i])
		if math.Abs(float64(v)-w) > atol+rtol*math.Abs(w) {
			return false
		}
	}
	return true
}

// MaxAbsDiff returns max |a - b| over all elements.
// Returns +Inf when shapes differ.
func MaxAbsDiff(a, b *Tensor) float64 {
	if !a.shape.Equal(b.shape) {
		return math.Inf(1)
	}
	var m float64
	for i, v := range a.buf.data {
		if d := math.Abs(float64(v - b.buf.data[i])); d > m {
			m = d
		}
	}
	return m
}
