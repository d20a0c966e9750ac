package tensor

import (
	"math"
	"slices"
	"testing"
)

func assertData(t *testing.T, expected []float32, x *Tensor, msg string) {
	t.Helper()
	if !slices.Equal(expected, x.Data()) {
		t.Errorf("%s: expected %v, got %v", msg, expected, x.Data())
	}
}

func TestMatMul(t *testing.T) {
	a := MustFromSlice([]float32{1, 2, 3, 4, 5, 6}, Shape{2, 3})
	b := MustFromSlice([]float32{7, 8, 9, 10, 11, 12}, Shape{3, 2})

	c, err := MatMul(a, b)
	if err != nil {
		t.Fatalf("MatMul failed: %v", err)
	}
	assertEqualShape(t, Shape{2, 2}, c.Shape(), "MatMul shape")
	assertData(t, []float32{58, 64, 139, 154}, c, "MatMul")

	if _, err := MatMul(a, a); err == nil {
		t.Error("Expected error for inner dimension mismatch")
	}
	if _, err := MatMul(Zeros(Shape{2}), b); err == nil {
		t.Error("Expected error for 1-D operand")
	}
}

func TestMatMulTransB(t *testing.T) {
	x := MustFromSlice([]float32{1, 2, 3}, Shape{1, 3})
	w := MustFromSlice([]float32{1, 0, 0, 0, 1, 1}, Shape{2, 3}) // [out=2, in=3]

	y, err := MatMulTransB(x, w)
	if err != nil {
		t.Fatalf("MatMulTransB failed: %v", err)
	}
	assertEqualShape(t, Shape{1, 2}, y.Shape(), "MatMulTransB shape")
	assertData(t, []float32{1, 5}, y, "MatMulTransB")

	if _, err := MatMulTransB(x, Zeros(Shape{2, 4})); err == nil {
		t.Error("Expected error for width mismatch")
	}
}

func TestAddAndScale(t *testing.T) {
	a := MustFromSlice([]float32{1, 2}, Shape{2})
	b := MustFromSlice([]float32{10, 20}, Shape{2})

	c, err := Add(a, b)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	assertData(t, []float32{11, 22}, c, "Add")

	if err := AddScaled(a, b, 0.5); err != nil {
		t.Fatalf("AddScaled failed: %v", err)
	}
	assertData(t, []float32{6, 12}, a, "AddScaled")
	assertData(t, []float32{20, 40}, Scale(b, 2), "Scale")

	if _, err := Add(a, Zeros(Shape{3})); err == nil {
		t.Error("Add: expected shape error")
	}
	if err := AddScaled(a, Zeros(Shape{3}), 1); err == nil {
		t.Error("AddScaled: expected shape error")
	}
}

func TestBlend(t *testing.T) {
	x := MustFromSlice([]float32{1, 2}, Shape{2})
	y := MustFromSlice([]float32{4, 8}, Shape{2})

	z, err := Blend(x, 2, y, 0.5)
	if err != nil {
		t.Fatalf("Blend failed: %v", err)
	}
	assertData(t, []float32{4, 8}, z, "Blend")

	if _, err := Blend(x, 1, Zeros(Shape{1, 2}), 1); err == nil {
		t.Error("Expected shape error")
	}
}

func TestAddBias(t *testing.T) {
	x := Zeros(Shape{2, 3})
	if err := AddBias(x, MustFromSlice([]float32{1, 2, 3}, Shape{3})); err != nil {
		t.Fatalf("AddBias failed: %v", err)
	}
	assertData(t, []float32{1, 2, 3, 1, 2, 3}, x, "dense bias")

	img := Zeros(Shape{1, 2, 2, 2})
	if err := AddBias(img, MustFromSlice([]float32{1, -1}, Shape{2})); err != nil {
		t.Fatalf("AddBias failed: %v", err)
	}
	assertData(t, []float32{1, 1, 1, 1, -1, -1, -1, -1}, img, "channel bias")

	if err := AddBias(x, Zeros(Shape{2})); err == nil {
		t.Error("Expected error for bias width mismatch")
	}
	if err := AddBias(Zeros(Shape{2}), Zeros(Shape{2})); err == nil {
		t.Error("Expected error for 1-D input")
	}
}

func TestReLU(t *testing.T) {
	x := MustFromSlice([]float32{-1, 0, 2}, Shape{3})
	assertData(t, []float32{0, 0, 2}, ReLU(x), "ReLU")
}

func TestAllClose(t *testing.T) {
	a := MustFromSlice([]float32{1, 2}, Shape{2})
	b := MustFromSlice([]float32{1, 2.0000001}, Shape{2})
	far := MustFromSlice([]float32{1, 2.1}, Shape{2})

	if !AllClose(a, b, 0, 1e-6) {
		t.Error("AllClose within tolerance should hold")
	}
	if AllClose(a, far, 0, 1e-6) {
		t.Error("AllClose beyond tolerance should fail")
	}
	if AllClose(a, Zeros(Shape{1, 2}), 0, 1) {
		t.Error("AllClose with different shapes should fail")
	}
	if d := MaxAbsDiff(a, far); math.Abs(d-0.1) > 1e-6 {
		t.Errorf("MaxAbsDiff = %v, want 0.1", d)
	}
}

func TestConv2D(t *testing.T) {
	input := MustFromSlice([]float32{1, 2, 3, 4, 5, 6, 7, 8, 9}, Shape{1, 1, 3, 3})

	tests := []struct {
		name   string
		x      *Tensor
		kernel *Tensor
		params ConvParams
		shape  Shape
		want   []float32
	}{
		{"valid", input, Ones(Shape{1, 1, 2, 2}), ConvParams{}, Shape{1, 1, 2, 2}, []float32{12, 16, 24, 28}},
		{"padding", input, Ones(Shape{1, 1, 3, 3}), ConvParams{Padding: [2]int{1, 1}}, Shape{1, 1, 3, 3},
			[]float32{12, 21, 16, 27, 45, 33, 24, 39, 28}},
		{"stride", input, Ones(Shape{1, 1, 1, 1}), ConvParams{Stride: [2]int{2, 2}}, Shape{1, 1, 2, 2}, []float32{1, 3, 7, 9}},
		{"groups", MustFromSlice([]float32{3, 5}, Shape{1, 2, 1, 1}), MustFromSlice([]float32{2, 10}, Shape{2, 1, 1, 1}),
			ConvParams{Groups: 2}, Shape{1, 2, 1, 1}, []float32{6, 50}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Conv2D(tt.x, tt.kernel, tt.params)
			if err != nil {
				t.Fatalf("Conv2D failed: %v", err)
			}
			assertEqualShape(t, tt.shape, out.Shape(), "Conv2D shape")
			assertData(t, tt.want, out, "Conv2D")
		})
	}

	t.Run("errors", func(t *testing.T) {
		cases := []struct {
			x, kernel *Tensor
		}{
			{Zeros(Shape{3, 3}), Ones(Shape{1, 1, 1, 1})},
			{input, Ones(Shape{1, 2, 1, 1})},
			{input, Ones(Shape{1, 1, 5, 5})},
		}
		for _, c := range cases {
			if _, err := Conv2D(c.x, c.kernel, ConvParams{}); err == nil {
				t.Errorf("Conv2D(%v, %v) should fail", c.x.Shape(), c.kernel.Shape())
			}
		}
	})
}

func TestEncodingRoundTrip(t *testing.T) {
	x := MustFromSlice([]float32{0, 1, -2.5, 65504, 0.1}, Shape{5})

	for _, dt := range []DataType{Float32, Float16, BFloat16} {
		t.Run(dt.String(), func(t *testing.T) {
			conv := x.To(CPU, dt)
			raw := conv.Bytes()
			if len(raw) != 5*dt.Size() {
				t.Fatalf("len(Bytes()) = %d, want %d", len(raw), 5*dt.Size())
			}

			back, err := FromBytes(raw, dt, Shape{5})
			if err != nil {
				t.Fatalf("FromBytes failed: %v", err)
			}
			if back.DType() != dt {
				t.Errorf("DType() = %s, want %s", back.DType(), dt)
			}
			assertData(t, conv.Data(), back, "rounded values survive encoding exactly")
		})
	}

	if _, err := FromBytes([]byte{1, 2, 3}, Float32, Shape{1}); err == nil {
		t.Error("Expected error for truncated data")
	}
}
