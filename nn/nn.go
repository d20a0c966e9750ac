// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package nn

import (
	"math/rand"

	"github.com/born-ml/lora/internal/nn"
	"github.com/born-ml/lora/internal/tensor"
)

// Graph is an arena of layer nodes addressed by NodeID.
type Graph = nn.Graph

// NodeID addresses a node in a Graph.
type NodeID = nn.NodeID

// Detached is the parent of unattached nodes.
const Detached = nn.Detached

// Child is a named edge from a node to one of its children.
type Child = nn.Child

// Layer is the payload of a graph node.
type Layer = nn.Layer

// Kind identifies the layer type of a node.
type Kind = nn.Kind

// Layer kinds.
const (
	KindContainer  = nn.KindContainer
	KindLinear     = nn.KindLinear
	KindConv2D     = nn.KindConv2D
	KindDropout    = nn.KindDropout
	KindEmbedding  = nn.KindEmbedding
	KindReLU       = nn.KindReLU
	KindLoraLinear = nn.KindLoraLinear
	KindLoraConv2D = nn.KindLoraConv2D
)

// Parameter is a shared handle to a weight tensor.
type Parameter = nn.Parameter

// NewParameter creates a new parameter with the given name and tensor.
func NewParameter(name string, t *tensor.Tensor) *Parameter {
	return nn.NewParameter(name, t)
}

// NewGraph creates an empty graph.
func NewGraph() *Graph { return nn.NewGraph() }

// Layers

// Linear represents a fully connected (dense) layer.
type Linear = nn.Linear

// NewLinear creates a new linear layer with Xavier initialization.
//
// Example:
//
//	g := nn.NewGraph()
//	root := g.Add(nn.Container{}, "Model")
//	g.Attach(root, "fc", nn.NewLinear(784, 128, true, rng), "")
func NewLinear(inFeatures, outFeatures int, useBias bool, rng *rand.Rand) *Linear {
	return nn.NewLinear(inFeatures, outFeatures, useBias, rng)
}

// Conv2D represents a 2D convolutional layer.
type Conv2D = nn.Conv2D

// NewConv2D creates a new 2D convolutional layer with Xavier initialization.
func NewConv2D(inChannels, outChannels int, kernelSize [2]int, params tensor.ConvParams, useBias bool, rng *rand.Rand) *Conv2D {
	return nn.NewConv2D(inChannels, outChannels, kernelSize, params, useBias, rng)
}

// Embedding is a token embedding table.
type Embedding = nn.Embedding

// NewEmbedding creates an embedding table of numEmbeddings rows.
func NewEmbedding(numEmbeddings, embeddingDim int, rng *rand.Rand) *Embedding {
	return nn.NewEmbedding(numEmbeddings, embeddingDim, rng)
}

// Dropout zeroes inputs with probability P in training mode.
type Dropout = nn.Dropout

// NewDropout creates a dropout stage.
func NewDropout(p float64) *Dropout { return nn.NewDropout(p) }

// ReLU applies max(0, x).
type ReLU = nn.ReLU

// Container groups children and runs them in order.
type Container = nn.Container

// Augmented is the payload of a LoRA-augmented node.
type Augmented = nn.Augmented
