package tensor

import (
	"math"
	"math/rand"
	"slices"
	"testing"
)

// Test helpers

func assertEqualShape(t *testing.T, expected, actual Shape, msg string) {
	t.Helper()
	if !expected.Equal(actual) {
		t.Errorf("%s: expected shape %v, got %v", msg, expected, actual)
	}
}

func assertEqualFloat32(t *testing.T, expected, actual float32, msg string) {
	t.Helper()
	if math.Abs(float64(expected-actual)) > 1e-6 {
		t.Errorf("%s: expected %v, got %v", msg, expected, actual)
	}
}

// DType Tests

func TestDataTypeSize(t *testing.T) {
	tests := []struct {
		dtype DataType
		size  int
		name  string
		st    string
	}{
		{Float32, 4, "float32", "F32"},
		{Float16, 2, "float16", "F16"},
		{BFloat16, 2, "bfloat16", "BF16"},
	}

	for _, tt := range tests {
		if got := tt.dtype.Size(); got != tt.size {
			t.Errorf("%s.Size() = %d, want %d", tt.dtype, got, tt.size)
		}
		if got := tt.dtype.String(); got != tt.name {
			t.Errorf("String() = %q, want %q", got, tt.name)
		}
		if got := tt.dtype.SafeTensorsName(); got != tt.st {
			t.Errorf("%s.SafeTensorsName() = %q, want %q", tt.dtype, got, tt.st)
		}

		parsed, err := ParseDataType(tt.st)
		if err != nil {
			t.Fatalf("ParseDataType(%q) failed: %v", tt.st, err)
		}
		if parsed != tt.dtype {
			t.Errorf("ParseDataType(%q) = %s, want %s", tt.st, parsed, tt.dtype)
		}
	}

	if _, err := ParseDataType("Q4_0"); err == nil {
		t.Error("Expected error for unsupported dtype")
	}
}

// Shape Tests

func TestShape(t *testing.T) {
	s := Shape{8, 4, 3, 3}
	if got := s.NumElements(); got != 288 {
		t.Errorf("NumElements() = %d, want 288", got)
	}
	if got := s.Rank(); got != 4 {
		t.Errorf("Rank() = %d, want 4", got)
	}
	assertEqualShape(t, Shape{8, 36}, s.Flatten(1), "Flatten(1)")
	assertEqualShape(t, Shape{288}, s.Flatten(0), "Flatten(0)")
	if got := s.Int64s(); !slices.Equal(got, []int64{8, 4, 3, 3}) {
		t.Errorf("Int64s() = %v", got)
	}
	if got := (Shape{}).NumElements(); got != 1 {
		t.Errorf("scalar NumElements() = %d, want 1", got)
	}
	if err := (Shape{2, 0}).Validate(); err == nil {
		t.Error("Expected error for zero dimension")
	}

	c := s.Clone()
	c[0] = 1
	if s[0] != 8 {
		t.Error("Clone must not alias")
	}
}

// Tensor Tests

func TestFromSlice(t *testing.T) {
	x, err := FromSlice([]float32{1, 2, 3, 4, 5, 6}, Shape{2, 3})
	if err != nil {
		t.Fatalf("FromSlice failed: %v", err)
	}
	assertEqualFloat32(t, 6, x.At(1, 2), "At(1, 2)")
	if x.DType() != Float32 || x.Device() != CPU {
		t.Errorf("Expected float32 on CPU, got %s on %s", x.DType(), x.Device())
	}

	if _, err := FromSlice([]float32{1, 2}, Shape{2, 3}); err == nil {
		t.Error("Expected error for length mismatch")
	}

	x.Set(10, 0, 1)
	assertEqualFloat32(t, 10, x.Data()[1], "Set(10, 0, 1)")

	defer func() {
		if recover() == nil {
			t.Error("Expected panic for out-of-range index")
		}
	}()
	x.At(2, 0)
}

func TestCloneOwnsStorage(t *testing.T) {
	a := Ones(Shape{2, 2})
	v := a.Flatten(0)
	if !a.SameStorage(v) {
		t.Fatal("Flatten must return a view")
	}
	v.Data()[0] = 5
	assertEqualFloat32(t, 5, a.At(0, 0), "views observe the same values")

	c := a.Clone()
	if a.SameStorage(c) || a.SameStorage(nil) {
		t.Error("Clone must own its buffer")
	}
	c.Data()[1] = 7
	assertEqualFloat32(t, 1, a.At(0, 1), "Clone must not alias")
}

func TestReshape(t *testing.T) {
	x := MustFromSlice([]float32{1, 2, 3, 4, 5, 6}, Shape{2, 3})

	v, err := x.Reshape(3, -1)
	if err != nil {
		t.Fatalf("Reshape failed: %v", err)
	}
	assertEqualShape(t, Shape{3, 2}, v.Shape(), "Reshape(3, -1)")
	if !v.SameStorage(x) {
		t.Error("Reshape must return a view")
	}

	for _, dims := range [][]int{{4, -1}, {7}} {
		if _, err := x.Reshape(dims...); err == nil {
			t.Errorf("Reshape(%v) should fail", dims)
		}
	}

	f := Zeros(Shape{4, 2, 3, 3}).Flatten(1)
	assertEqualShape(t, Shape{4, 18}, f.Shape(), "Flatten(1)")
}

func TestTo(t *testing.T) {
	x := MustFromSlice([]float32{1.0001, 2, 3, 4}, Shape{4})

	if same := x.To(CPU, Float32); same != x {
		t.Error("no-op conversion must return the receiver")
	}

	h := x.To(CPU, Float16)
	if h.DType() != Float16 {
		t.Errorf("DType() = %s, want float16", h.DType())
	}
	if h.SameStorage(x) {
		t.Error("precision change must copy")
	}
	if h.Data()[0] != 1.0 {
		t.Errorf("1.0001 should round to 1.0 in float16, got %v", h.Data()[0])
	}

	g := x.To(WebGPU, Float32)
	if g.Device() != WebGPU {
		t.Errorf("Device() = %s, want WebGPU", g.Device())
	}
	if !slices.Equal(x.Data(), g.Data()) {
		t.Error("device change must keep values")
	}
}

func TestParseDevice(t *testing.T) {
	d, ok := ParseDevice("cuda")
	if !ok || d != CUDA || d.String() != "CUDA" {
		t.Errorf("ParseDevice(cuda) = %s, %v", d, ok)
	}
	if _, ok := ParseDevice("tpu"); ok {
		t.Error("ParseDevice(tpu) should fail")
	}
}

// Creation Tests

func TestNormal(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	x := Normal(Shape{64, 64}, 0.25, rng)

	var sum, sq float64
	for _, v := range x.Data() {
		sum += float64(v)
		sq += float64(v) * float64(v)
	}
	n := float64(x.NumElements())
	mean := sum / n
	std := math.Sqrt(sq/n - mean*mean)

	if math.Abs(mean) > 0.02 {
		t.Errorf("mean = %v, want ~0", mean)
	}
	if math.Abs(std-0.25) > 0.02 {
		t.Errorf("std = %v, want ~0.25", std)
	}

	again := Normal(Shape{64, 64}, 0.25, rand.New(rand.NewSource(1)))
	if !slices.Equal(x.Data(), again.Data()) {
		t.Error("same seed must yield same values")
	}
}

func TestAbsMeanAndIsZero(t *testing.T) {
	x := MustFromSlice([]float32{-1, 1, -2, 2}, Shape{2, 2})
	if got := x.AbsMean(); math.Abs(got-1.5) > 1e-9 {
		t.Errorf("AbsMean() = %v, want 1.5", got)
	}
	if x.IsZero() {
		t.Error("non-zero tensor reported zero")
	}
	if !Zeros(Shape{3}).IsZero() {
		t.Error("Zeros reported non-zero")
	}
}
