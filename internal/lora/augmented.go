package lora

import (
	"fmt"
	"math/rand"

	"github.com/born-ml/lora/internal/nn"
	"github.com/born-ml/lora/internal/tensor"
)

// LayerOptions configures a single augmented layer.
type LayerOptions struct {
	Rank     int
	DropoutP float64
	Scale    float32    // 0 means 1.0
	Rand     *rand.Rand // Source for down-projection init; nil uses seed 0
}

// NewLoraLinear builds a detached KindLoraLinear node around the dense node
// base. The new node's base child shares base's weight and bias handles.
//
// The down projection is drawn from N(0, (1/r)^2) and the up projection is
// zero, so the node initially computes exactly what base computes.
func NewLoraLinear(g *nn.Graph, base nn.NodeID, opts LayerOptions) (nn.NodeID, error) {
	lin, ok := g.Layer(base).(*nn.Linear)
	if !ok {
		return nn.Detached, fmt.Errorf("%w: node %d is %s, not Linear", ErrConfiguration, base, g.Kind(base))
	}
	in, out := lin.InFeatures(), lin.OutFeatures()
	if err := checkOptions(g, base, opts, in, out, 1); err != nil {
		return nn.Detached, err
	}

	baseCopy, err := nn.NewLinearFrom(lin.Weight(), lin.Bias())
	if err != nil {
		return nn.Detached, err
	}
	down, err := nn.NewLinearFrom(nn.NewParameter("weight", initDown(tensor.Shape{opts.Rank, in}, opts)), nil)
	if err != nil {
		return nn.Detached, err
	}
	up, err := nn.NewLinearFrom(nn.NewParameter("weight", tensor.Zeros(tensor.Shape{out, opts.Rank})), nil)
	if err != nil {
		return nn.Detached, err
	}
	return assemble(g, nn.KindLoraLinear, opts, baseCopy, down, up), nil
}

// NewLoraConv2D builds a detached KindLoraConv2D node around the
// convolutional node base. The down projection copies base's kernel size,
// stride, padding, dilation and groups; the up projection is a 1x1
// convolution from rank to base's output channels.
func NewLoraConv2D(g *nn.Graph, base nn.NodeID, opts LayerOptions) (nn.NodeID, error) {
	conv, ok := g.Layer(base).(*nn.Conv2D)
	if !ok {
		return nn.Detached, fmt.Errorf("%w: node %d is %s, not Conv2D", ErrConfiguration, base, g.Kind(base))
	}
	in, out := conv.InChannels(), conv.OutChannels()
	params := conv.Params()
	if err := checkOptions(g, base, opts, in, out, params.Groups); err != nil {
		return nn.Detached, err
	}

	baseCopy, err := nn.NewConv2DFrom(conv.Weight(), conv.Bias(), params)
	if err != nil {
		return nn.Detached, err
	}
	k := conv.KernelSize()
	downShape := tensor.Shape{opts.Rank, in / params.Groups, k[0], k[1]}
	down, err := nn.NewConv2DFrom(nn.NewParameter("weight", initDown(downShape, opts)), nil, params)
	if err != nil {
		return nn.Detached, err
	}
	up, err := nn.NewConv2DFrom(nn.NewParameter("weight", tensor.Zeros(tensor.Shape{out, opts.Rank, 1, 1})), nil, tensor.ConvParams{})
	if err != nil {
		return nn.Detached, err
	}
	return assemble(g, nn.KindLoraConv2D, opts, baseCopy, down, up), nil
}

// newAugmented dispatches on the base node's kind.
func newAugmented(g *nn.Graph, base nn.NodeID, opts LayerOptions) (nn.NodeID, error) {
	switch g.Kind(base) {
	case nn.KindLinear:
		return NewLoraLinear(g, base, opts)
	case nn.KindConv2D:
		return NewLoraConv2D(g, base, opts)
	default:
		return nn.Detached, fmt.Errorf("%w: cannot augment %s", ErrConfiguration, g.Kind(base))
	}
}

func checkOptions(g *nn.Graph, base nn.NodeID, opts LayerOptions, in, out, groups int) error {
	layer := g.Path(base)
	if layer == "" {
		layer = g.Kind(base).String()
	}
	rank := opts.Rank
	limit := min(in, out)
	switch {
	case opts.DropoutP < 0 || opts.DropoutP >= 1:
		return &ConfigurationError{Layer: layer, Rank: rank, Reason: fmt.Sprintf("dropout probability %v must be in [0, 1)", opts.DropoutP)}
	case rank <= 0:
		return &ConfigurationError{Layer: layer, Rank: rank, Reason: fmt.Sprintf("rank %d must be positive", rank)}
	case rank > limit:
		return &ConfigurationError{Layer: layer, Rank: rank, Limit: limit}
	case rank%groups != 0:
		return &ConfigurationError{Layer: layer, Rank: rank, Reason: fmt.Sprintf("rank %d not divisible by groups=%d", rank, groups)}
	}
	return nil
}

func initDown(shape tensor.Shape, opts LayerOptions) *tensor.Tensor {
	rng := opts.Rand
	if rng == nil {
		//nolint:gosec // weight initialization is not security-critical
		rng = rand.New(rand.NewSource(0))
	}
	return tensor.Normal(shape, 1/float64(opts.Rank), rng)
}

// assemble adds the augmented node and its four children, placing the new
// projections on the base weight's device and precision.
func assemble(g *nn.Graph, variant nn.Kind, opts LayerOptions, base, down, up nn.Layer) nn.NodeID {
	ref := base.Weight().Tensor()
	for _, p := range []*nn.Parameter{down.Weight(), up.Weight()} {
		p.SetTensor(p.Tensor().To(ref.Device(), ref.DType()))
	}

	payload := nn.NewAugmented(variant, opts.Rank)
	if opts.Scale != 0 {
		payload.Scale = opts.Scale
	}
	id := g.Add(payload, "")
	g.Attach(id, nn.BaseName(variant), base, "")
	g.Attach(id, nn.LoraDownName, down, "")
	g.Attach(id, nn.DropoutName, nn.NewDropout(opts.DropoutP), "")
	g.Attach(id, nn.LoraUpName, up, "")
	return id
}

// projections returns the down and up weight handles of an augmented node.
func projections(g *nn.Graph, id nn.NodeID) (down, up *nn.Parameter, err error) {
	d, ok := g.Child(id, nn.LoraDownName)
	if !ok {
		return nil, nil, fmt.Errorf("augmented node %s has no %s", g.Path(id), nn.LoraDownName)
	}
	u, ok := g.Child(id, nn.LoraUpName)
	if !ok {
		return nil, nil, fmt.Errorf("augmented node %s has no %s", g.Path(id), nn.LoraUpName)
	}
	return g.Layer(d).Weight(), g.Layer(u).Weight(), nil
}
