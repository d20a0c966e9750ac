package nn

import (
	"fmt"

	"github.com/born-ml/lora/internal/tensor"
)

// Forward evaluates the subgraph rooted at id on input x.
//
// Containers apply their children in declaration order. Augmented nodes
// compute base(x) + scale * up(dropout(down(x))).
func (g *Graph) Forward(id NodeID, x *tensor.Tensor) (*tensor.Tensor, error) {
	n := g.get(id)
	switch layer := n.layer.(type) {
	case Container:
		out := x
		for _, c := range n.children {
			next, err := g.Forward(c.ID, out)
			if err != nil {
				return nil, err
			}
			out = next
		}
		return out, nil
	case *Linear:
		return linearForward(layer, x)
	case *Conv2D:
		out, err := tensor.Conv2D(x, layer.weight.Tensor(), layer.params)
		if err != nil {
			return nil, fmt.Errorf("conv2d %s: %w", g.Path(id), err)
		}
		if layer.bias != nil {
			if err := tensor.AddBias(out, layer.bias.Tensor()); err != nil {
				return nil, err
			}
		}
		return out, nil
	case *Dropout:
		return g.dropout(layer.P, x), nil
	case *Embedding:
		return embeddingForward(layer, x)
	case ReLU:
		return tensor.ReLU(x), nil
	case *Augmented:
		return g.augmentedForward(id, layer, x)
	default:
		return nil, fmt.Errorf("forward: unsupported layer kind %s", n.layer.Kind())
	}
}

func linearForward(l *Linear, x *tensor.Tensor) (*tensor.Tensor, error) {
	shape := x.Shape()
	if len(shape) == 0 || shape[len(shape)-1] != l.inFeatures {
		return nil, fmt.Errorf("linear: expected last dimension %d, got input %v", l.inFeatures, shape)
	}
	flat, err := x.Reshape(-1, l.inFeatures)
	if err != nil {
		return nil, err
	}
	out, err := tensor.MatMulTransB(flat, l.weight.Tensor())
	if err != nil {
		return nil, err
	}
	if l.bias != nil {
		if err := tensor.AddBias(out, l.bias.Tensor()); err != nil {
			return nil, err
		}
	}
	if len(shape) == 2 {
		return out, nil
	}
	outShape := append(shape[:len(shape)-1].Clone(), l.outFeatures)
	return out.Reshape(outShape...)
}

func embeddingForward(e *Embedding, x *tensor.Tensor) (*tensor.Tensor, error) {
	ids := make([]int, x.NumElements())
	for i, v := range x.Data() {
		ids[i] = int(v)
	}
	out, err := e.Lookup(ids)
	if err != nil {
		return nil, err
	}
	return out.Reshape(append(x.Shape().Clone(), e.EmbeddingDim())...)
}

// dropout applies inverted dropout in training mode and is the identity in
// evaluation mode.
func (g *Graph) dropout(p float64, x *tensor.Tensor) *tensor.Tensor {
	if !g.training || p == 0 {
		return x
	}
	keep := float32(1 / (1 - p))
	out := x.Clone()
	data := out.Data()
	for i := range data {
		if g.rng.Float64() < p {
			data[i] = 0
		} else {
			data[i] *= keep
		}
	}
	return out
}

func (g *Graph) augmentedForward(id NodeID, a *Augmented, x *tensor.Tensor) (*tensor.Tensor, error) {
	base, ok := g.Child(id, BaseName(a.variant))
	if !ok {
		return nil, fmt.Errorf("forward: augmented node %s has no base transform", g.Path(id))
	}
	out, err := g.Forward(base, x)
	if err != nil {
		return nil, err
	}
	h := x
	for _, name := range []string{LoraDownName, DropoutName, LoraUpName} {
		child, ok := g.Child(id, name)
		if !ok {
			return nil, fmt.Errorf("forward: augmented node %s has no %s", g.Path(id), name)
		}
		if h, err = g.Forward(child, h); err != nil {
			return nil, err
		}
	}
	if out == x {
		out = out.Clone()
	}
	if err := tensor.AddScaled(out, h, a.Scale); err != nil {
		return nil, fmt.Errorf("forward: augmented node %s: %w", g.Path(id), err)
	}
	return out, nil
}
