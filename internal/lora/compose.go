package lora

import (
	"fmt"
	"time"

	"github.com/born-ml/lora/internal/logger"
	"github.com/born-ml/lora/internal/metrics"
	"github.com/born-ml/lora/internal/nn"
	"github.com/born-ml/lora/internal/tensor"
)

// augmentedNodes lists every attached augmented node below root in traversal
// order.
func augmentedNodes(g *nn.Graph, root nn.NodeID) []nn.NodeID {
	var ids []nn.NodeID
	for _, id := range g.Walk(root) {
		if g.Kind(id).IsLora() {
			ids = append(ids, id)
		}
	}
	return ids
}

// SetScale sets the output scale of every augmented node below root and
// returns how many nodes were updated.
func SetScale(g *nn.Graph, root nn.NodeID, scale float32) int {
	ids := augmentedNodes(g, root)
	for _, id := range ids {
		g.Layer(id).(*nn.Augmented).Scale = scale
	}
	logger.Debug("set lora scale", "layers", len(ids), "scale", scale)
	return len(ids)
}

// Delta returns the dense correction up·down of an augmented node, shaped
// like its base weight. A grouped convolution has no such correction: its
// down projection mixes channels only within a group.
func Delta(g *nn.Graph, id nn.NodeID) (*tensor.Tensor, error) {
	down, up, err := projections(g, id)
	if err != nil {
		return nil, err
	}
	if d, ok := g.Child(id, nn.LoraDownName); ok {
		if conv, ok := g.Layer(d).(*nn.Conv2D); ok && conv.Params().Groups > 1 {
			return nil, &ConfigurationError{
				Layer:  g.Path(id),
				Reason: fmt.Sprintf("cannot collapse a grouped convolution (groups=%d)", conv.Params().Groups),
			}
		}
	}
	weight := g.Weight(id)
	if weight == nil {
		return nil, fmt.Errorf("augmented node %s has no base weight", g.Path(id))
	}

	u, d := up.Tensor(), down.Tensor()
	if u.Rank() == 4 {
		u, d = u.Flatten(1), d.Flatten(1)
	}
	delta, err := tensor.MatMul(u, d)
	if err != nil {
		return nil, fmt.Errorf("delta %s: %w", g.Path(id), err)
	}
	return delta.Reshape(weight.Tensor().Shape()...)
}

// Collapse folds ratio·up·down of every augmented node below root into its
// base weight. The nodes stay in place; their corrections still contribute
// to the output until Remove runs.
func Collapse(g *nn.Graph, root nn.NodeID, ratio float32) error {
	start := time.Now()
	defer metrics.RecordSurgery("collapse", start)

	ids := augmentedNodes(g, root)
	deltas := make([]*tensor.Tensor, len(ids))
	for i, id := range ids {
		delta, err := Delta(g, id)
		if err != nil {
			metrics.RecordError("collapse", errorType(err))
			return err
		}
		deltas[i] = delta
	}
	for i, id := range ids {
		if err := tensor.AddScaled(g.Weight(id).Tensor(), deltas[i], ratio); err != nil {
			return fmt.Errorf("collapse %s: %w", g.Path(id), err)
		}
		metrics.RecordCollapsed(g.Kind(id).String())
	}
	logger.Debug("collapsed lora layers", "count", len(ids), "ratio", ratio)
	return nil
}

// AccumulateOptions configures Accumulate.
type AccumulateOptions struct {
	Targets []string
	Alpha   float32 // weight of the incoming tensors
	Beta    float32 // weight of the existing tensors
}

// Accumulate blends incoming (up, down) pairs into the existing augmented
// nodes below opts.Targets: w = alpha·incoming + beta·existing. Each result
// takes the precision and device of the base weight. Every pair must match
// its layer's shapes exactly, so a rank change fails the whole call. Alpha
// and Beta are used as given; zero is not replaced by a default.
func Accumulate(g *nn.Graph, root nn.NodeID, incoming []*tensor.Tensor, opts AccumulateOptions) error {
	start := time.Now()
	defer metrics.RecordSurgery("accumulate", start)

	type blend struct {
		up, down       *nn.Parameter
		newUp, newDown *tensor.Tensor
	}
	matches := CollectMatches(g, root, LocateOptions{
		Ancestors: opts.Targets,
		Targets:   []nn.Kind{nn.KindLoraLinear, nn.KindLoraConv2D},
	})
	if len(incoming) != 2*len(matches) {
		err := &BundleMismatchError{Expected: 2 * len(matches), Got: len(incoming), Reason: "incoming tensor count"}
		metrics.RecordError("accumulate", errorType(err))
		return err
	}

	blends := make([]blend, len(matches))
	for i, m := range matches {
		down, up, err := projections(g, m.Child)
		if err != nil {
			return err
		}
		ref := g.Weight(m.Child).Tensor()
		b := blend{up: up, down: down}
		pairs := []struct {
			dst *nn.Parameter
			src *tensor.Tensor
			out **tensor.Tensor
		}{
			{up, incoming[2*i], &b.newUp},
			{down, incoming[2*i+1], &b.newDown},
		}
		for _, p := range pairs {
			if !p.src.Shape().Equal(p.dst.Tensor().Shape()) {
				err := &BundleMismatchError{
					Layer:  g.Path(m.Child),
					Reason: fmt.Sprintf("incoming %v does not match existing %v", p.src.Shape(), p.dst.Tensor().Shape()),
				}
				metrics.RecordError("accumulate", errorType(err))
				return err
			}
			existing := p.dst.Tensor().To(ref.Device(), ref.DType())
			out, err := tensor.Blend(p.src, opts.Alpha, existing, opts.Beta)
			if err != nil {
				return err
			}
			*p.out = out
		}
		blends[i] = b
	}

	for _, b := range blends {
		b.up.SetTensor(b.newUp)
		b.down.SetTensor(b.newDown)
	}
	logger.Debug("accumulated lora layers", "count", len(blends), "alpha", opts.Alpha, "beta", opts.Beta)
	return nil
}

// Remove replaces every augmented node below root with a plain layer that
// reuses the augmented node's base weight and bias handles. It returns the
// number of nodes removed.
func Remove(g *nn.Graph, root nn.NodeID) (int, error) {
	start := time.Now()
	defer metrics.RecordSurgery("remove", start)

	type swap struct {
		parent nn.NodeID
		name   string
		plain  nn.Layer
		kind   nn.Kind
	}
	var swaps []swap
	for _, id := range augmentedNodes(g, root) {
		parent := g.Parent(id)
		if parent == nn.Detached {
			continue
		}
		base, ok := g.Base(id)
		if !ok {
			return 0, fmt.Errorf("augmented node %s has no base", g.Path(id))
		}
		var plain nn.Layer
		var err error
		switch l := g.Layer(base).(type) {
		case *nn.Linear:
			plain, err = nn.NewLinearFrom(l.Weight(), l.Bias())
		case *nn.Conv2D:
			plain, err = nn.NewConv2DFrom(l.Weight(), l.Bias(), l.Params())
		default:
			err = fmt.Errorf("augmented node %s has %s base", g.Path(id), g.Kind(base))
		}
		if err != nil {
			return 0, err
		}
		swaps = append(swaps, swap{parent: parent, name: childName(g, parent, id), plain: plain, kind: g.Kind(id)})
	}

	for _, s := range swaps {
		id := g.Add(s.plain, "")
		if err := g.ReplaceChild(s.parent, s.name, id); err != nil {
			return 0, err
		}
		metrics.RecordRemoved(s.kind.String())
	}
	logger.Debug("removed lora layers", "count", len(swaps))
	return len(swaps), nil
}

func childName(g *nn.Graph, parent, id nn.NodeID) string {
	for _, c := range g.Children(parent) {
		if c.ID == id {
			return c.Name
		}
	}
	return ""
}
