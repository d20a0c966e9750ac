// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package lora adds low-rank adaptation to Born layer graphs.
//
// # Overview
//
// Every targeted Linear or Conv2D is swapped in place for an augmented
// layer computing
//
//	base(x) + scale * up(dropout(down(x)))
//
// The up projection starts at zero, so injection never changes a model's
// output. Only the small up and down projections are trained.
//
// # Lifecycle
//
//	res, err := lora.InjectNew(g, root, lora.InjectOptions{Targets: targets, Rank: 4})
//	// ... train res.Parameters() ...
//
//	b := lora.NewBundle()
//	pairs, err := lora.Extract(g, root, targets)
//	b.Components[lora.ComponentUNet] = &lora.Component{Pairs: pairs, Ranks: ranks, Targets: targets}
//	err = lora.WriteBundle("corrections.safetensors", b)
//
//	// Later, on a fresh copy of the model:
//	err = lora.ReplaceExisting(g2, root2, comp.Tensors(), lora.ReplaceOptions{Targets: comp.Targets})
//	err = lora.Collapse(g2, root2, 1.0)
//	_, err = lora.Remove(g2, root2)
//
// # Bundles
//
// A bundle is a SafeTensors file keyed "<component>:<index>:up|down". Its
// metadata stores each component's target classes as JSON and the rank of
// every layer, so a reader can rebuild the layers without guessing. Token
// embeddings are stored under their token with the metadata value "<embed>".
package lora
