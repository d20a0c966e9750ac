// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package nn provides the layer graph that LoRA surgery operates on.
//
// # Overview
//
// A Graph is an arena of nodes. Each node holds a layer payload, an
// optional architecture class tag such as "CrossAttention" and an ordered
// list of named children. Nodes are addressed by stable NodeIDs, so a
// subtree can be swapped with ReplaceChild without invalidating handles
// held elsewhere.
//
// This package contains:
//   - Layers: Linear, Conv2D, Embedding, Dropout, ReLU, Container
//   - Augmented: the LoRA variants of Linear and Conv2D
//   - Parameter: shared weight handles
//   - State dicts: NamedParameters, StateDict, LoadStateDict
//
// # Basic Usage
//
//	g := nn.NewGraph()
//	root := g.Add(nn.Container{}, "Model")
//	attn := g.Attach(root, "attn", nn.Container{}, "CrossAttention")
//	g.Attach(attn, "to_q", nn.NewLinear(64, 64, false, rng), "")
//
//	y, err := g.Forward(root, x)
//
// # Traversal
//
// Walk yields nodes depth-first in pre-order with their dotted paths:
//
//	for path, id := range g.Walk(root) {
//	    fmt.Println(path, g.ClassName(id))
//	}
package nn
