package nn

import (
	"github.com/born-ml/lora/internal/tensor"
)

// Parameter represents a named tensor owned by a layer.
//
// A Parameter is a handle: layers that share a *Parameter share the weight,
// and moving it to another device or precision swaps the tensor behind the
// handle without changing the handle's identity. Code that keys state by
// parameter identity (an optimizer, for example) stays valid across graph
// surgery.
//
// Example:
//
//	weight := nn.NewParameter("weight", w)
//	weight.SetRequiresGrad(false) // freeze
type Parameter struct {
	name         string
	tensor       *tensor.Tensor
	requiresGrad bool
}

// NewParameter creates a new trainable parameter.
func NewParameter(name string, t *tensor.Tensor) *Parameter {
	return &Parameter{
		name:         name,
		tensor:       t,
		requiresGrad: true,
	}
}

// Name returns the parameter name.
func (p *Parameter) Name() string {
	return p.name
}

// Tensor returns the parameter tensor.
func (p *Parameter) Tensor() *tensor.Tensor {
	return p.tensor
}

// SetTensor replaces the tensor behind this handle.
func (p *Parameter) SetTensor(t *tensor.Tensor) {
	p.tensor = t
}

// RequiresGrad reports whether the parameter is trainable.
func (p *Parameter) RequiresGrad() bool {
	return p.requiresGrad
}

// SetRequiresGrad marks the parameter as trainable or frozen.
func (p *Parameter) SetRequiresGrad(v bool) {
	p.requiresGrad = v
}
