package lora

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/born-ml/lora/internal/logger"
	"github.com/born-ml/lora/internal/metrics"
	"github.com/born-ml/lora/internal/nn"
	"github.com/born-ml/lora/internal/tensor"
)

// InjectOptions configures InjectNew.
type InjectOptions struct {
	// Targets are the ancestor class tags to search below. Nil searches the
	// whole graph.
	Targets  []string
	Rank     int
	DropoutP float64
	Scale    float32 // 0 means 1.0
	Seed     int64   // Seed for down-projection init
	// Preset optionally supplies trained weights as (up, down) pairs in
	// traversal order. When set, each layer's rank is taken from its pair.
	Preset []*tensor.Tensor
}

// InjectResult describes the layers created by an injection.
type InjectResult struct {
	// Groups holds the trainable parameters of each new layer: {up, down}.
	Groups [][]*nn.Parameter
	// Names holds the child name each new layer was installed under.
	Names []string
	// Layers holds the new augmented node IDs.
	Layers []nn.NodeID
}

// Parameters flattens Groups.
func (r *InjectResult) Parameters() []*nn.Parameter {
	var out []*nn.Parameter
	for _, group := range r.Groups {
		out = append(out, group...)
	}
	return out
}

// ReplaceOptions configures ReplaceExisting.
type ReplaceOptions struct {
	Targets []string
	// Rank every layer must have. 0 takes each rank from its tensors.
	Rank int
	// Ranks lists one rank per replaced layer in traversal order. It
	// overrides Rank when set.
	Ranks    []int
	DropoutP float64
	Scale    float32
}

// step is one validated replacement.
type step struct {
	match    Match
	base     nn.NodeID // node whose layer supplies weight and bias
	rank     int
	up, down *tensor.Tensor
}

// InjectNew replaces every Linear below opts.Targets with a LoraLinear.
// The graph is only modified when every located layer validates.
func InjectNew(g *nn.Graph, root nn.NodeID, opts InjectOptions) (*InjectResult, error) {
	return inject(g, root, opts, []nn.Kind{nn.KindLinear}, "inject")
}

// InjectNewExtended is InjectNew that also augments Conv2D layers. The
// variant is chosen by each matched layer's kind.
func InjectNewExtended(g *nn.Graph, root nn.NodeID, opts InjectOptions) (*InjectResult, error) {
	return inject(g, root, opts, []nn.Kind{nn.KindLinear, nn.KindConv2D}, "inject_extended")
}

func inject(g *nn.Graph, root nn.NodeID, opts InjectOptions, kinds []nn.Kind, op string) (*InjectResult, error) {
	start := time.Now()
	defer metrics.RecordSurgery(op, start)

	steps, err := planInject(g, root, opts, kinds)
	if err != nil {
		metrics.RecordError(op, errorType(err))
		return nil, err
	}

	//nolint:gosec // weight initialization is not security-critical
	rng := rand.New(rand.NewSource(opts.Seed))
	result := &InjectResult{}
	for _, s := range steps {
		id, err := install(g, s, LayerOptions{Rank: s.rank, DropoutP: opts.DropoutP, Scale: opts.Scale, Rand: rng})
		if err != nil {
			return nil, err
		}
		down, up, err := projections(g, id)
		if err != nil {
			return nil, err
		}
		up.SetRequiresGrad(true)
		down.SetRequiresGrad(true)
		result.Groups = append(result.Groups, []*nn.Parameter{up, down})
		result.Names = append(result.Names, s.match.Name)
		result.Layers = append(result.Layers, id)
	}
	logger.Debug("injected lora layers", "count", len(steps), "targets", opts.Targets, "rank", opts.Rank)
	return result, nil
}

func planInject(g *nn.Graph, root nn.NodeID, opts InjectOptions, kinds []nn.Kind) ([]step, error) {
	matches := CollectMatches(g, root, LocateOptions{Ancestors: opts.Targets, Targets: kinds})
	if opts.Preset != nil && len(opts.Preset) != 2*len(matches) {
		return nil, &BundleMismatchError{
			Expected: 2 * len(matches),
			Got:      len(opts.Preset),
			Reason:   "preset tensor count does not match located layers",
		}
	}

	steps := make([]step, len(matches))
	for i, m := range matches {
		s := step{match: m, base: m.Child, rank: opts.Rank}
		if opts.Preset != nil {
			s.up, s.down = opts.Preset[2*i], opts.Preset[2*i+1]
			rank, err := checkPair(g, m.Child, s.up, s.down)
			if err != nil {
				return nil, err
			}
			s.rank = rank
		}
		if err := validateStep(g, s, opts.DropoutP); err != nil {
			return nil, err
		}
		steps[i] = s
	}
	return steps, nil
}

// ReplaceExisting installs trained corrections on every Linear or
// LoraLinear below opts.Targets. corrections holds (up, down) pairs in
// traversal order. An existing augmented node is rebuilt around its base
// transform.
func ReplaceExisting(g *nn.Graph, root nn.NodeID, corrections []*tensor.Tensor, opts ReplaceOptions) error {
	return replace(g, root, corrections, opts, false)
}

// ReplaceExistingExtended is ReplaceExisting that also matches Conv2D and
// LoraConv2D. A layer whose kind disagrees with the rank of the next
// correction tensor (2-D dense, 4-D convolutional) is skipped without
// consuming tensors.
func ReplaceExistingExtended(g *nn.Graph, root nn.NodeID, corrections []*tensor.Tensor, opts ReplaceOptions) error {
	return replace(g, root, corrections, opts, true)
}

func replace(g *nn.Graph, root nn.NodeID, corrections []*tensor.Tensor, opts ReplaceOptions, extended bool) error {
	op := "replace"
	if extended {
		op = "replace_extended"
	}
	kinds := replaceKinds(extended)
	start := time.Now()
	defer metrics.RecordSurgery(op, start)

	steps, err := planReplace(g, root, corrections, opts, kinds, extended)
	if err != nil {
		metrics.RecordError(op, errorType(err))
		return err
	}
	return installAll(g, steps, opts)
}

// replaceKinds returns the layer kinds ReplaceExisting (or its extended
// variant) matches.
func replaceKinds(extended bool) []nn.Kind {
	kinds := []nn.Kind{nn.KindLinear, nn.KindLoraLinear}
	if extended {
		kinds = append(kinds, nn.KindConv2D, nn.KindLoraConv2D)
	}
	return kinds
}

func installAll(g *nn.Graph, steps []step, opts ReplaceOptions) error {
	for _, s := range steps {
		if _, err := install(g, s, LayerOptions{Rank: s.rank, DropoutP: opts.DropoutP, Scale: opts.Scale}); err != nil {
			return err
		}
	}
	logger.Debug("replaced lora layers", "count", len(steps), "targets", opts.Targets)
	return nil
}

//nolint:gocognit // plan validation walks matches and tensors in lockstep
func planReplace(g *nn.Graph, root nn.NodeID, corrections []*tensor.Tensor, opts ReplaceOptions, kinds []nn.Kind, extended bool) ([]step, error) {
	if len(corrections)%2 != 0 {
		return nil, &BundleMismatchError{Got: len(corrections), Reason: "correction tensors must come in (up, down) pairs"}
	}
	for i, t := range corrections {
		if t.Rank() != 2 && t.Rank() != 4 {
			return nil, &BundleMismatchError{Reason: fmt.Sprintf("correction tensor %d has rank %d, want 2 or 4", i, t.Rank())}
		}
	}

	var steps []step
	next := 0
	for m := range Locate(g, root, LocateOptions{Ancestors: opts.Targets, Targets: kinds}) {
		base := m.Child
		if b, ok := g.Base(m.Child); ok {
			base = b
		}
		if next >= len(corrections) {
			return nil, &BundleMismatchError{
				Layer:  g.Path(m.Child),
				Reason: "more layers located than corrections supplied",
				Got:    len(corrections),
			}
		}
		conv := g.Kind(base) == nn.KindConv2D
		if conv != (corrections[next].Rank() == 4) {
			if extended {
				continue
			}
			return nil, &BundleMismatchError{
				Layer:  g.Path(m.Child),
				Reason: fmt.Sprintf("%d-D correction offered for a dense layer", corrections[next].Rank()),
			}
		}

		s := step{match: m, base: base, up: corrections[next], down: corrections[next+1]}
		rank, err := checkPair(g, base, s.up, s.down)
		if err != nil {
			return nil, err
		}
		s.rank = rank
		if want := expectedRank(opts, len(steps)); want != 0 && want != rank {
			return nil, &BundleMismatchError{
				Layer:    g.Path(m.Child),
				Reason:   "rank does not match correction tensors",
				Expected: want,
				Got:      rank,
			}
		}
		if err := validateStep(g, s, opts.DropoutP); err != nil {
			return nil, err
		}
		steps = append(steps, s)
		next += 2
	}

	if next != len(corrections) {
		return nil, &BundleMismatchError{
			Expected: next,
			Got:      len(corrections),
			Reason:   "correction tensors left over after all located layers",
		}
	}
	if opts.Ranks != nil && len(opts.Ranks) != len(steps) {
		return nil, &BundleMismatchError{Expected: len(steps), Got: len(opts.Ranks), Reason: "rank list length"}
	}
	return steps, nil
}

func expectedRank(opts ReplaceOptions, i int) int {
	if opts.Ranks != nil {
		if i < len(opts.Ranks) {
			return opts.Ranks[i]
		}
		return 0
	}
	return opts.Rank
}

// checkPair verifies that (up, down) fit the layer at base and returns
// their rank.
func checkPair(g *nn.Graph, base nn.NodeID, up, down *tensor.Tensor) (int, error) {
	layer := g.Path(base)
	mismatch := func(reason string) error {
		return &BundleMismatchError{Layer: layer, Reason: reason}
	}
	if up == nil || down == nil {
		return 0, mismatch("missing correction tensor")
	}

	us, ds := up.Shape(), down.Shape()
	switch l := g.Layer(base).(type) {
	case *nn.Linear:
		if len(us) != 2 || len(ds) != 2 {
			return 0, mismatch(fmt.Sprintf("dense layer needs 2-D corrections, got up %v down %v", us, ds))
		}
		if us[0] != l.OutFeatures() || ds[1] != l.InFeatures() || us[1] != ds[0] {
			return 0, mismatch(fmt.Sprintf("up %v down %v do not fit [%d, %d] weight", us, ds, l.OutFeatures(), l.InFeatures()))
		}
	case *nn.Conv2D:
		if len(us) != 4 || len(ds) != 4 {
			return 0, mismatch(fmt.Sprintf("convolutional layer needs 4-D corrections, got up %v down %v", us, ds))
		}
		k := l.KernelSize()
		want := tensor.Shape{ds[0], l.InChannels() / l.Params().Groups, k[0], k[1]}
		if us[0] != l.OutChannels() || us[1] != ds[0] || us[2] != 1 || us[3] != 1 || !ds.Equal(want) {
			return 0, mismatch(fmt.Sprintf("up %v down %v do not fit kernel %v", us, ds, l.Weight().Tensor().Shape()))
		}
	default:
		return 0, mismatch(fmt.Sprintf("cannot correct %s", g.Kind(base)))
	}
	return ds[0], nil
}

func validateStep(g *nn.Graph, s step, dropoutP float64) error {
	opts := LayerOptions{Rank: s.rank, DropoutP: dropoutP}
	switch l := g.Layer(s.base).(type) {
	case *nn.Linear:
		return checkOptions(g, s.base, opts, l.InFeatures(), l.OutFeatures(), 1)
	case *nn.Conv2D:
		return checkOptions(g, s.base, opts, l.InChannels(), l.OutChannels(), l.Params().Groups)
	default:
		return fmt.Errorf("%w: cannot augment %s", ErrConfiguration, g.Kind(s.base))
	}
}

// install builds the augmented node for s, copies any supplied weights into
// it and swaps it in under the match's parent.
func install(g *nn.Graph, s step, opts LayerOptions) (nn.NodeID, error) {
	id, err := newAugmented(g, s.base, opts)
	if err != nil {
		return nn.Detached, err
	}
	if s.up != nil {
		down, up, err := projections(g, id)
		if err != nil {
			return nn.Detached, err
		}
		ref := g.Weight(id).Tensor()
		up.SetTensor(s.up.Clone().To(ref.Device(), ref.DType()))
		down.SetTensor(s.down.Clone().To(ref.Device(), ref.DType()))
	}
	if err := g.ReplaceChild(s.match.Parent, s.match.Name, id); err != nil {
		return nn.Detached, err
	}
	metrics.RecordInjected(g.Kind(id).String())
	return id, nil
}
