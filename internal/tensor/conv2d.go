package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/born-ml/lora/internal/parallel"
)

// ConvParams holds the geometry of a 2D convolution.
// Zero values for Stride and Dilation mean 1; zero Groups means 1.
type ConvParams struct {
	Stride   [2]int
	Padding  [2]int
	Dilation [2]int
	Groups   int
}

// Normalize returns p with zero-valued fields replaced by their defaults.
func (p ConvParams) Normalize() ConvParams {
	for i := range 2 {
		if p.Stride[i] == 0 {
			p.Stride[i] = 1
		}
		if p.Dilation[i] == 0 {
			p.Dilation[i] = 1
		}
	}
	if p.Groups == 0 {
		p.Groups = 1
	}
	return p
}

// Conv2D performs a grouped 2D convolution using im2col and GEMM.
//
// Input shape:  [N, C_in, H, W]
// Kernel shape: [C_out, C_in/groups, K_h, K_w]
// Output shape: [N, C_out, H_out, W_out]
//
// where H_out = (H + 2*pad_h - dil_h*(K_h-1) - 1)/stride_h + 1 (same for W).
func Conv2D(input, kernel *Tensor, params ConvParams) (*Tensor, error) {
	p := params.Normalize()
	if input.Rank() != 4 {
		return nil, fmt.Errorf("conv2d: input must be 4D [N,C,H,W], got %v", input.shape)
	}
	if kernel.Rank() != 4 {
		return nil, fmt.Errorf("conv2d: kernel must be 4D [C_out,C_in,K_h,K_w], got %v", kernel.shape)
	}

	n, cIn, h, w := input.shape[0], input.shape[1], input.shape[2], input.shape[3]
	cOut, cInG, kh, kw := kernel.shape[0], kernel.shape[1], kernel.shape[2], kernel.shape[3]
	if cIn%p.Groups != 0 || cOut%p.Groups != 0 {
		return nil, fmt.Errorf("conv2d: channels in=%d out=%d not divisible by groups=%d", cIn, cOut, p.Groups)
	}
	if cIn/p.Groups != cInG {
		return nil, fmt.Errorf("conv2d: input channels %d/%d != kernel channels %d", cIn, p.Groups, cInG)
	}

	hOut := (h+2*p.Padding[0]-p.Dilation[0]*(kh-1)-1)/p.Stride[0] + 1
	wOut := (w+2*p.Padding[1]-p.Dilation[1]*(kw-1)-1)/p.Stride[1] + 1
	if hOut <= 0 || wOut <= 0 {
		return nil, fmt.Errorf("conv2d: invalid output dimensions: out_h=%d, out_w=%d (check stride/padding)", hOut, wOut)
	}

	out := newTensor(Shape{n, cOut, hOut, wOut}, Float32, input.device)
	cOutG := cOut / p.Groups
	colRows := cInG * kh * kw
	colCols := hOut * wOut

	// Each (batch, group) pair owns a disjoint slice of out.
	parallel.ForBatch(n, p.Groups, func(b, g int) {
		col := make([]float32, colRows*colCols)
		im2col(col, input.buf.data, b, g*cInG, cIn, cInG, h, w, kh, kw, hOut, wOut, p)

		kOff := g * cOutG * colRows
		oOff := (b*cOut + g*cOutG) * colCols
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
			blas32.General{Rows: cOutG, Cols: colRows, Stride: colRows, Data: kernel.buf.data[kOff : kOff+cOutG*colRows]},
			blas32.General{Rows: colRows, Cols: colCols, Stride: colCols, Data: col},
			0,
			blas32.General{Rows: cOutG, Cols: colCols, Stride: colCols, Data: out.buf.data[oOff : oOff+cOutG*colCols]},
		)
	}, parallel.Coarse())
	return out, nil
}

// im2col lays out the receptive fields of one batch item and channel group
// as a [C_in/groups * K_h * K_w, H_out * W_out] matrix.
func im2col(col, src []float32, b, c0, cIn, cInG, h, w, kh, kw, hOut, wOut int, p ConvParams) {
	plane := h * w
	row := 0
	for c := range cInG {
		base := (b*cIn + c0 + c) * plane
		for ki := range kh {
			for kj := range kw {
				dst := col[row*hOut*wOut : (row+1)*hOut*wOut]
				for oy := range hOut {
					iy := oy*p.Stride[0] - p.Padding[0] + ki*p.Dilation[0]
					for ox := range wOut {
						ix := ox*p.Stride[1] - p.Padding[1] + kj*p.Dilation[1]
						if iy < 0 || iy >= h || ix < 0 || ix >= w {
							dst[oy*wOut+ox] = 0
							continue
						}
						dst[oy*wOut+ox] = src[base+iy*w+ix]
					}
				}
				row++
			}
		}
	}
}
