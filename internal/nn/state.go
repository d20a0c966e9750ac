package nn

import (
	"fmt"
	"iter"
	"sort"

	"github.com/born-ml/lora/internal/tensor"
)

// NamedParameters yields every parameter under root with its dotted name
// (node path, then parameter name), in traversal order.
func (g *Graph) NamedParameters(root NodeID) iter.Seq2[string, *Parameter] {
	return func(yield func(string, *Parameter) bool) {
		for path, id := range g.Walk(root) {
			for _, p := range g.Layer(id).Parameters() {
				name := p.Name()
				if path != "" {
					name = path + "." + name
				}
				if !yield(name, p) {
					return
				}
			}
		}
	}
}

// Parameters returns every parameter under root in traversal order.
func (g *Graph) Parameters(root NodeID) []*Parameter {
	var out []*Parameter
	for _, p := range g.NamedParameters(root) {
		out = append(out, p)
	}
	return out
}

// StateDict returns the tensors of every parameter under root keyed by
// dotted name. The tensors are the live parameter tensors, not copies.
func (g *Graph) StateDict(root NodeID) map[string]*tensor.Tensor {
	out := make(map[string]*tensor.Tensor)
	for name, p := range g.NamedParameters(root) {
		out[name] = p.Tensor()
	}
	return out
}

// LoadStateDict copies values from state into the parameters under root.
//
// Shapes must match exactly. Values are rounded to each parameter's
// precision. With strict set, missing and unexpected keys are errors.
// Nothing is written unless every key validates.
func (g *Graph) LoadStateDict(root NodeID, state map[string]*tensor.Tensor, strict bool) error {
	params := make(map[string]*Parameter)
	for name, p := range g.NamedParameters(root) {
		params[name] = p
	}

	var missing, unexpected []string
	for name, p := range params {
		src, ok := state[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		if !src.Shape().Equal(p.Tensor().Shape()) {
			return fmt.Errorf("state dict: %s has shape %v, parameter has %v", name, src.Shape(), p.Tensor().Shape())
		}
	}
	for name := range state {
		if _, ok := params[name]; !ok {
			unexpected = append(unexpected, name)
		}
	}
	if strict && (len(missing) > 0 || len(unexpected) > 0) {
		sort.Strings(missing)
		sort.Strings(unexpected)
		return fmt.Errorf("state dict: missing keys %v, unexpected keys %v", missing, unexpected)
	}

	for name, p := range params {
		src, ok := state[name]
		if !ok {
			continue
		}
		dst := p.Tensor()
		copy(dst.Data(), src.Data())
		if dst.DType() != tensor.Float32 {
			tensor.RoundTo(dst.Data(), dst.DType())
		}
	}
	return nil
}

// To moves every parameter under id to device with the given precision.
// Parameter handles keep their identity; only the tensors behind them change.
func (g *Graph) To(id NodeID, device tensor.Device, dtype tensor.DataType) {
	seen := make(map[*Parameter]bool)
	for _, p := range g.NamedParameters(id) {
		if seen[p] {
			continue
		}
		seen[p] = true
		old := p.Tensor()
		moved := old.To(device, dtype)
		if moved != old {
			p.SetTensor(moved)
		}
	}
}
