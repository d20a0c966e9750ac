package lora

import (
	"iter"
	"slices"

	"github.com/born-ml/lora/internal/nn"
)

// Match is a located target: the child named Name under Parent.
type Match struct {
	Parent nn.NodeID
	Name   string
	Child  nn.NodeID
}

// LocateOptions selects targets for Locate.
type LocateOptions struct {
	// Ancestors are class tags marking eligible subtrees. Nil means every
	// node is an eligible ancestor.
	Ancestors []string
	// Targets are the layer kinds to yield.
	Targets []nn.Kind
	// Exclude skips matches whose direct parent has one of these kinds.
	// Nil means the augmented kinds, unless NoExclude is set.
	Exclude   []nn.Kind
	NoExclude bool
}

// DefaultExclude returns the kinds whose children are never re-augmented.
func DefaultExclude() []nn.Kind {
	return []nn.Kind{nn.KindLoraLinear, nn.KindLoraConv2D}
}

func (o LocateOptions) exclude() []nn.Kind {
	switch {
	case o.NoExclude:
		return nil
	case o.Exclude == nil:
		return DefaultExclude()
	default:
		return o.Exclude
	}
}

// Locate yields every target below an eligible ancestor of root.
//
// Traversal is depth-first pre-order with children in declaration order, so
// two calls on an unmodified graph yield the same sequence. Each (parent,
// name) edge is yielded at most once even when eligible ancestors nest. The
// sequence captures each child before yielding it, so the caller may replace
// the yielded child during iteration; the traversal then continues below the
// original child.
func Locate(g *nn.Graph, root nn.NodeID, opts LocateOptions) iter.Seq[Match] {
	exclude := opts.exclude()
	return func(yield func(Match) bool) {
		locate(g, root, false, opts, exclude, yield)
	}
}

// locate visits the children of id. inside reports whether id lies strictly
// below an eligible ancestor.
func locate(g *nn.Graph, id nn.NodeID, inside bool, opts LocateOptions, exclude []nn.Kind, yield func(Match) bool) bool {
	eligible := inside || opts.Ancestors == nil || slices.Contains(opts.Ancestors, g.ClassName(id))
	parentKind := g.Kind(id)
	for _, c := range g.Children(id) {
		if eligible && g.Kind(c.ID).In(opts.Targets) && !parentKind.In(exclude) {
			if !yield(Match{Parent: id, Name: c.Name, Child: c.ID}) {
				return false
			}
		}
		if !locate(g, c.ID, eligible, opts, exclude, yield) {
			return false
		}
	}
	return true
}

// CollectMatches materializes a Locate sequence.
func CollectMatches(g *nn.Graph, root nn.NodeID, opts LocateOptions) []Match {
	return slices.Collect(Locate(g, root, opts))
}
