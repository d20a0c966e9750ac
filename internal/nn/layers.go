package nn

import (
	"fmt"
	"math/rand"

	"github.com/born-ml/lora/internal/tensor"
)

// Layer is the payload carried by a graph node.
//
// Every variant reports its Kind and exposes its weight and bias handles
// (nil when the variant has none). Children are owned by the graph, not by
// the layer.
type Layer interface {
	Kind() Kind
	Weight() *Parameter
	Bias() *Parameter
	Parameters() []*Parameter
}

// Linear implements a fully connected (dense) layer.
//
// Performs the transformation: y = x @ W.T + b
// where:
//   - x is the input tensor with shape [batch_size, in_features]
//   - W is the weight matrix with shape [out_features, in_features]
//   - b is the bias vector with shape [out_features]
type Linear struct {
	inFeatures  int
	outFeatures int
	weight      *Parameter
	bias        *Parameter
}

// NewLinear creates a new Linear layer.
//
// Weights are initialized using Xavier/Glorot uniform distribution.
// Biases are initialized to zeros.
func NewLinear(inFeatures, outFeatures int, useBias bool, rng *rand.Rand) *Linear {
	if inFeatures <= 0 || outFeatures <= 0 {
		panic(fmt.Sprintf("linear: invalid features in=%d, out=%d", inFeatures, outFeatures))
	}
	w := Xavier(inFeatures, outFeatures, tensor.Shape{outFeatures, inFeatures}, rng)
	var bias *Parameter
	if useBias {
		bias = NewParameter("bias", tensor.Zeros(tensor.Shape{outFeatures}))
	}
	return &Linear{
		inFeatures:  inFeatures,
		outFeatures: outFeatures,
		weight:      NewParameter("weight", w),
		bias:        bias,
	}
}

// NewLinearFrom creates a Linear layer around existing parameter handles.
// The handles are shared, not copied. bias may be nil.
func NewLinearFrom(weight, bias *Parameter) (*Linear, error) {
	shape := weight.Tensor().Shape()
	if len(shape) != 2 {
		return nil, fmt.Errorf("linear: weight must be 2D [out, in], got %v", shape)
	}
	if bias != nil && !bias.Tensor().Shape().Equal(tensor.Shape{shape[0]}) {
		return nil, fmt.Errorf("linear: bias shape %v does not match %d outputs", bias.Tensor().Shape(), shape[0])
	}
	return &Linear{inFeatures: shape[1], outFeatures: shape[0], weight: weight, bias: bias}, nil
}

// Kind implements Layer.
func (l *Linear) Kind() Kind { return KindLinear }

// Weight returns the weight parameter [out_features, in_features].
func (l *Linear) Weight() *Parameter { return l.weight }

// Bias returns the bias parameter, or nil.
func (l *Linear) Bias() *Parameter { return l.bias }

// Parameters returns [weight, bias] if bias is present, otherwise [weight].
func (l *Linear) Parameters() []*Parameter {
	if l.bias != nil {
		return []*Parameter{l.weight, l.bias}
	}
	return []*Parameter{l.weight}
}

// InFeatures returns the number of input features.
func (l *Linear) InFeatures() int { return l.inFeatures }

// OutFeatures returns the number of output features.
func (l *Linear) OutFeatures() int { return l.outFeatures }

// Conv2D is a 2D convolutional layer.
//
// Input shape:  [batch, in_channels, height, width]
// Weight shape: [out_channels, in_channels/groups, kernel_h, kernel_w]
// Output shape: [batch, out_channels, out_h, out_w]
type Conv2D struct {
	inChannels  int
	outChannels int
	kernelSize  [2]int
	params      tensor.ConvParams
	weight      *Parameter
	bias        *Parameter
}

// NewConv2D creates a new 2D convolutional layer with Xavier initialization.
func NewConv2D(inChannels, outChannels int, kernelSize [2]int, params tensor.ConvParams, useBias bool, rng *rand.Rand) *Conv2D {
	p := params.Normalize()
	if inChannels <= 0 || outChannels <= 0 {
		panic(fmt.Sprintf("conv2d: invalid channels in=%d, out=%d", inChannels, outChannels))
	}
	if kernelSize[0] <= 0 || kernelSize[1] <= 0 {
		panic(fmt.Sprintf("conv2d: invalid kernel size h=%d, w=%d", kernelSize[0], kernelSize[1]))
	}
	if inChannels%p.Groups != 0 || outChannels%p.Groups != 0 {
		panic(fmt.Sprintf("conv2d: channels in=%d out=%d not divisible by groups=%d", inChannels, outChannels, p.Groups))
	}

	// fan_in = in_channels * kernel_h * kernel_w
	fanIn := inChannels / p.Groups * kernelSize[0] * kernelSize[1]
	fanOut := outChannels / p.Groups * kernelSize[0] * kernelSize[1]
	shape := tensor.Shape{outChannels, inChannels / p.Groups, kernelSize[0], kernelSize[1]}

	var bias *Parameter
	if useBias {
		bias = NewParameter("bias", tensor.Zeros(tensor.Shape{outChannels}))
	}
	return &Conv2D{
		inChannels:  inChannels,
		outChannels: outChannels,
		kernelSize:  kernelSize,
		params:      p,
		weight:      NewParameter("weight", Xavier(fanIn, fanOut, shape, rng)),
		bias:        bias,
	}
}

// NewConv2DFrom creates a Conv2D layer around existing parameter handles.
// The handles are shared, not copied. bias may be nil.
func NewConv2DFrom(weight, bias *Parameter, params tensor.ConvParams) (*Conv2D, error) {
	p := params.Normalize()
	shape := weight.Tensor().Shape()
	if len(shape) != 4 {
		return nil, fmt.Errorf("conv2d: weight must be 4D [out, in/groups, kh, kw], got %v", shape)
	}
	if shape[0]%p.Groups != 0 {
		return nil, fmt.Errorf("conv2d: %d output channels not divisible by groups=%d", shape[0], p.Groups)
	}
	if bias != nil && !bias.Tensor().Shape().Equal(tensor.Shape{shape[0]}) {
		return nil, fmt.Errorf("conv2d: bias shape %v does not match %d channels", bias.Tensor().Shape(), shape[0])
	}
	return &Conv2D{
		inChannels:  shape[1] * p.Groups,
		outChannels: shape[0],
		kernelSize:  [2]int{shape[2], shape[3]},
		params:      p,
		weight:      weight,
		bias:        bias,
	}, nil
}

// Kind implements Layer.
func (c *Conv2D) Kind() Kind { return KindConv2D }

// Weight returns the kernel parameter.
func (c *Conv2D) Weight() *Parameter { return c.weight }

// Bias returns the bias parameter, or nil.
func (c *Conv2D) Bias() *Parameter { return c.bias }

// Parameters returns all parameters.
func (c *Conv2D) Parameters() []*Parameter {
	if c.bias != nil {
		return []*Parameter{c.weight, c.bias}
	}
	return []*Parameter{c.weight}
}

// InChannels returns the number of input channels.
func (c *Conv2D) InChannels() int { return c.inChannels }

// OutChannels returns the number of output channels.
func (c *Conv2D) OutChannels() int { return c.outChannels }

// KernelSize returns the kernel size [height, width].
func (c *Conv2D) KernelSize() [2]int { return c.kernelSize }

// Params returns stride, padding, dilation and groups.
func (c *Conv2D) Params() tensor.ConvParams { return c.params }

// String returns a string representation of the layer.
func (c *Conv2D) String() string {
	return fmt.Sprintf("Conv2D(in_channels=%d, out_channels=%d, kernel_size=(%d, %d), stride=%v, padding=%v, groups=%d, bias=%v)",
		c.inChannels, c.outChannels, c.kernelSize[0], c.kernelSize[1],
		c.params.Stride, c.params.Padding, c.params.Groups, c.bias != nil)
}

// Dropout zeroes elements with probability P in training mode and is the
// identity in evaluation mode.
type Dropout struct {
	P float64
}

// NewDropout creates a dropout stage.
func NewDropout(p float64) *Dropout {
	if p < 0 || p >= 1 {
		panic(fmt.Sprintf("dropout: probability %v must be in [0, 1)", p))
	}
	return &Dropout{P: p}
}

// Kind implements Layer.
func (d *Dropout) Kind() Kind { return KindDropout }

// Weight implements Layer.
func (d *Dropout) Weight() *Parameter { return nil }

// Bias implements Layer.
func (d *Dropout) Bias() *Parameter { return nil }

// Parameters implements Layer.
func (d *Dropout) Parameters() []*Parameter { return nil }

// ReLU is the rectified linear activation.
type ReLU struct{}

// Kind implements Layer.
func (ReLU) Kind() Kind { return KindReLU }

// Weight implements Layer.
func (ReLU) Weight() *Parameter { return nil }

// Bias implements Layer.
func (ReLU) Bias() *Parameter { return nil }

// Parameters implements Layer.
func (ReLU) Parameters() []*Parameter { return nil }

// Container groups child nodes. Its forward pass applies the children in
// declaration order. The architecture class (e.g. "CrossAttention") lives on
// the node, not here.
type Container struct{}

// Kind implements Layer.
func (Container) Kind() Kind { return KindContainer }

// Weight implements Layer.
func (Container) Weight() *Parameter { return nil }

// Bias implements Layer.
func (Container) Bias() *Parameter { return nil }

// Parameters implements Layer.
func (Container) Parameters() []*Parameter { return nil }

// Augmented is the payload of a LoRA node (KindLoraLinear or KindLoraConv2D).
//
// The node owns four children in order: the base transform ("linear" or
// "conv"), "lora_down", "dropout" and "lora_up". Forward computes
// base(x) + Scale * up(dropout(down(x))).
type Augmented struct {
	variant Kind
	Rank    int
	Scale   float32
}

// NewAugmented creates the payload for an augmented node of the given variant.
func NewAugmented(variant Kind, rank int) *Augmented {
	if !variant.IsLora() {
		panic(fmt.Sprintf("augmented: %s is not an augmented variant", variant))
	}
	return &Augmented{variant: variant, Rank: rank, Scale: 1.0}
}

// Kind implements Layer.
func (a *Augmented) Kind() Kind { return a.variant }

// Weight implements Layer. The base weight lives on the base child.
func (a *Augmented) Weight() *Parameter { return nil }

// Bias implements Layer.
func (a *Augmented) Bias() *Parameter { return nil }

// Parameters implements Layer.
func (a *Augmented) Parameters() []*Parameter { return nil }

// Child names of an augmented node.
const (
	BaseLinearName = "linear"
	BaseConvName   = "conv"
	LoraDownName   = "lora_down"
	DropoutName    = "dropout"
	LoraUpName     = "lora_up"
)

// BaseName returns the child name of the base transform for an augmented
// variant.
func BaseName(variant Kind) string {
	if variant == KindLoraConv2D {
		return BaseConvName
	}
	return BaseLinearName
}
