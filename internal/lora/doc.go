// Package lora performs low-rank adaptation surgery on nn graphs.
//
// A dense or convolutional layer is augmented by wrapping it in a node that
// computes base(x) + scale·up(dropout(down(x))). The wrapper shares the base
// layer's weight and bias handles, so the base stays frozen and reachable
// while only the small up and down projections train.
//
// The package provides:
//
//   - Locate, a deterministic search for target layers below ancestor
//     blocks tagged with a class name
//   - InjectNew and ReplaceExisting, which install fresh or trained
//     corrections in place
//   - SetScale, Collapse, Accumulate and Remove, which tune, fold,
//     blend and strip corrections
//   - Bundle, a self-describing SafeTensors file holding corrections for
//     several named components plus learned token embeddings
//   - the legacy tensor-list format and its conversion to bundles
//   - pipeline helpers that patch, merge and save multi-component models
//
// Every operation validates before it mutates: a call that returns an error
// leaves the graph as it found it.
package lora
