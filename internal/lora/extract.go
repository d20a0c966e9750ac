package lora

import (
	"github.com/born-ml/lora/internal/nn"
	"github.com/born-ml/lora/internal/parallel"
	"github.com/born-ml/lora/internal/tensor"
)

// Pair is the correction of one augmented layer.
type Pair struct {
	Up   *tensor.Tensor
	Down *tensor.Tensor
}

// Rank returns the pair's inner dimension.
func (p Pair) Rank() int {
	if p.Down == nil || p.Down.Rank() == 0 {
		return 0
	}
	return p.Down.Shape()[0]
}

// Tensors flattens pairs to the (up, down, up, down, ...) order used by
// ReplaceExisting and Accumulate.
func Tensors(pairs []Pair) []*tensor.Tensor {
	out := make([]*tensor.Tensor, 0, 2*len(pairs))
	for _, p := range pairs {
		out = append(out, p.Up, p.Down)
	}
	return out
}

func extractable() []nn.Kind {
	return []nn.Kind{nn.KindLoraLinear, nn.KindLoraConv2D}
}

// Extract returns the live (up, down) tensors of every augmented layer below
// targets, in traversal order. It fails with NoMatchError when there are
// none.
func Extract(g *nn.Graph, root nn.NodeID, targets []string) ([]Pair, error) {
	var pairs []Pair
	for m := range Locate(g, root, LocateOptions{Ancestors: targets, Targets: extractable()}) {
		down, up, err := projections(g, m.Child)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, Pair{Up: up.Tensor(), Down: down.Tensor()})
	}
	if len(pairs) == 0 {
		return nil, &NoMatchError{Operation: "extract", Targets: targets}
	}
	return pairs, nil
}

// LayerStat summarizes one augmented layer.
type LayerStat struct {
	Path  string
	Kind  nn.Kind
	Rank  int
	Scale float32
	// MeanAbsDelta is mean(|up·down|), the average magnitude of the
	// correction added to the base weight.
	MeanAbsDelta float64
}

// Inspect reports every augmented layer below targets in traversal order.
// The corrections are multiplied out concurrently; the graph is only read.
func Inspect(g *nn.Graph, root nn.NodeID, targets []string) ([]LayerStat, error) {
	matches := CollectMatches(g, root, LocateOptions{Ancestors: targets, Targets: extractable()})
	stats := make([]LayerStat, len(matches))
	err := parallel.ForErr(len(matches), func(i int) error {
		id := matches[i].Child
		delta, err := Delta(g, id)
		if err != nil {
			return err
		}
		a := g.Layer(id).(*nn.Augmented)
		stats[i] = LayerStat{
			Path:         g.Path(id),
			Kind:         g.Kind(id),
			Rank:         a.Rank,
			Scale:        a.Scale,
			MeanAbsDelta: delta.AbsMean(),
		}
		return nil
	}, parallel.Coarse())
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// SetRequiresGrad marks the up and down weights of every augmented layer
// below root as trainable or frozen. It returns the number of layers
// touched.
func SetRequiresGrad(g *nn.Graph, root nn.NodeID, trainable bool) int {
	ids := augmentedNodes(g, root)
	for _, id := range ids {
		down, up, err := projections(g, id)
		if err != nil {
			continue
		}
		down.SetRequiresGrad(trainable)
		up.SetRequiresGrad(trainable)
	}
	return len(ids)
}

// Trainable returns the up and down weights of every augmented layer below
// root, grouped per layer.
func Trainable(g *nn.Graph, root nn.NodeID) [][]*nn.Parameter {
	var groups [][]*nn.Parameter
	for _, id := range augmentedNodes(g, root) {
		down, up, err := projections(g, id)
		if err != nil {
			continue
		}
		groups = append(groups, []*nn.Parameter{up, down})
	}
	return groups
}
