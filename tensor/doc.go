// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor provides the float32 tensors that LoRA corrections and
// layer weights are stored in.
//
// # Overview
//
// Values are always held as float32. A tensor also carries:
//   - a precision tag (Float32, Float16, BFloat16); converting to a half
//     precision rounds the values and fixes the on-disk encoding
//   - a device tag (CPU, CUDA, ...) used for placement bookkeeping
//   - a refcounted buffer that may be shared between tensors
//
// # Basic Usage
//
//	x := tensor.Normal(tensor.Shape{4, 8}, 1.0, rng)
//	w := tensor.Zeros(tensor.Shape{8, 8})
//	y, err := tensor.MatMul(x, w)
//
//	half := y.To(tensor.CPU, tensor.Float16)
//
// # Comparing results
//
// AllClose and MaxAbsDiff compare two tensors of equal shape:
//
//	if !tensor.AllClose(a, b, 1e-4, 1e-5) {
//	    fmt.Println("max diff", tensor.MaxAbsDiff(a, b))
//	}
package tensor
