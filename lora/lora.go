// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package lora

import (
	"github.com/born-ml/lora/internal/lora"
	"github.com/born-ml/lora/internal/nn"
	"github.com/born-ml/lora/internal/tensor"
)

// Errors

// Sentinel errors; every typed error unwraps to one of these.
var (
	ErrConfiguration  = lora.ErrConfiguration
	ErrBundleMismatch = lora.ErrBundleMismatch
	ErrCorruptBundle  = lora.ErrCorruptBundle
	ErrNoMatch        = lora.ErrNoMatch
)

// ConfigurationError reports an infeasible layer configuration.
type ConfigurationError = lora.ConfigurationError

// BundleMismatchError reports corrections that do not fit the located layers.
type BundleMismatchError = lora.BundleMismatchError

// CorruptBundleError reports malformed bundle metadata or keys.
type CorruptBundleError = lora.CorruptBundleError

// NoMatchError reports a traversal that found nothing to operate on.
type NoMatchError = lora.NoMatchError

// Targets

// Component names used by pipelines and bundles.
const (
	ComponentUNet        = lora.ComponentUNet
	ComponentTextEncoder = lora.ComponentTextEncoder
)

// TargetSet names the ancestor classes whose subtrees are augmented.
type TargetSet = lora.TargetSet

// UNetDefaultTargets returns the attention and gate blocks of a backbone.
func UNetDefaultTargets() TargetSet { return lora.UNetDefaultTargets() }

// UNetExtendedTargets adds residual blocks to UNetDefaultTargets.
func UNetExtendedTargets() TargetSet { return lora.UNetExtendedTargets() }

// TextEncoderDefaultTargets returns the attention blocks of a text encoder.
func TextEncoderDefaultTargets() TargetSet { return lora.TextEncoderDefaultTargets() }

// Surgery

// InjectOptions configures InjectNew.
type InjectOptions = lora.InjectOptions

// InjectResult lists the trainable parameters created by an injection.
type InjectResult = lora.InjectResult

// ReplaceOptions configures ReplaceExisting.
type ReplaceOptions = lora.ReplaceOptions

// AccumulateOptions configures Accumulate.
type AccumulateOptions = lora.AccumulateOptions

// InjectNew replaces every Linear below the target classes with a fresh
// augmented layer whose output equals the original's.
//
// Example:
//
//	res, err := lora.InjectNew(g, root, lora.InjectOptions{
//	    Targets: lora.UNetDefaultTargets().Classes,
//	    Rank:    4,
//	})
//	params := res.Parameters() // hand these to the optimizer
func InjectNew(g *nn.Graph, root nn.NodeID, opts InjectOptions) (*InjectResult, error) {
	return lora.InjectNew(g, root, opts)
}

// InjectNewExtended is InjectNew that also augments Conv2D layers.
func InjectNewExtended(g *nn.Graph, root nn.NodeID, opts InjectOptions) (*InjectResult, error) {
	return lora.InjectNewExtended(g, root, opts)
}

// ReplaceExisting installs saved corrections, ordered up, down per layer.
func ReplaceExisting(g *nn.Graph, root nn.NodeID, corrections []*tensor.Tensor, opts ReplaceOptions) error {
	return lora.ReplaceExisting(g, root, corrections, opts)
}

// ReplaceExistingExtended is ReplaceExisting including Conv2D layers.
func ReplaceExistingExtended(g *nn.Graph, root nn.NodeID, corrections []*tensor.Tensor, opts ReplaceOptions) error {
	return lora.ReplaceExistingExtended(g, root, corrections, opts)
}

// SetScale sets the scale of every augmented layer under root.
func SetScale(g *nn.Graph, root nn.NodeID, scale float32) int { return lora.SetScale(g, root, scale) }

// Collapse folds ratio times each correction into its base weight.
func Collapse(g *nn.Graph, root nn.NodeID, ratio float32) error { return lora.Collapse(g, root, ratio) }

// Accumulate blends incoming corrections into the installed ones.
func Accumulate(g *nn.Graph, root nn.NodeID, incoming []*tensor.Tensor, opts AccumulateOptions) error {
	return lora.Accumulate(g, root, incoming, opts)
}

// Remove reverts every augmented layer under root to its base transform.
func Remove(g *nn.Graph, root nn.NodeID) (int, error) { return lora.Remove(g, root) }

// Extraction

// Pair is the up and down projection of one augmented layer.
type Pair = lora.Pair

// LayerStat summarises one augmented layer.
type LayerStat = lora.LayerStat

// Extract returns the correction pairs below targets in traversal order.
func Extract(g *nn.Graph, root nn.NodeID, targets []string) ([]Pair, error) {
	return lora.Extract(g, root, targets)
}

// Inspect reports rank, scale and correction magnitude per augmented layer.
func Inspect(g *nn.Graph, root nn.NodeID, targets []string) ([]LayerStat, error) {
	return lora.Inspect(g, root, targets)
}

// Bundles

// Bundle is the in-memory form of a multi-component correction file.
type Bundle = lora.Bundle

// Component holds the corrections of one model.
type Component = lora.Component

// NewBundle returns an empty bundle.
func NewBundle() *Bundle { return lora.NewBundle() }

// WriteBundle writes b as SafeTensors with structural metadata.
func WriteBundle(path string, b *Bundle) error { return lora.WriteBundle(path, b) }

// ReadBundle reads and validates a bundle file.
func ReadBundle(path string) (*Bundle, error) { return lora.ReadBundle(path) }

// ReadLegacy reads a legacy ordered tensor list.
func ReadLegacy(path string) ([]*tensor.Tensor, error) { return lora.ReadLegacy(path) }

// Pipelines

// TokenAdder is the vocabulary surface ApplyEmbeds needs.
type TokenAdder = lora.TokenAdder

// Model is one component of a pipeline.
type Model = lora.Model

// Pipeline groups component models with the text vocabulary.
type Pipeline = lora.Pipeline

// PatchOptions configures PatchPipeline.
type PatchOptions = lora.PatchOptions

// PatchResult reports what PatchPipeline applied.
type PatchResult = lora.PatchResult

// MergeOptions configures MergeIntoModel.
type MergeOptions = lora.MergeOptions

// MergePipelineOptions configures MergePipeline.
type MergePipelineOptions = lora.MergePipelineOptions

// SaveAllOptions configures SaveAll.
type SaveAllOptions = lora.SaveAllOptions

// DefaultPatchOptions patches both models and leaves the vocabulary alone.
func DefaultPatchOptions() PatchOptions { return lora.DefaultPatchOptions() }

// DefaultSaveAllOptions saves corrections and embeddings as one bundle.
func DefaultSaveAllOptions() SaveAllOptions { return lora.DefaultSaveAllOptions() }

// ApplyEmbeds adds learned token embeddings to a vocabulary and table.
func ApplyEmbeds(embeds map[string]*tensor.Tensor, table *nn.Embedding, vocab TokenAdder, tokens []string, idempotent bool) (string, error) {
	return lora.ApplyEmbeds(embeds, table, vocab, tokens, idempotent)
}

// PatchPipeline installs the corrections stored at path.
func PatchPipeline(p *Pipeline, path string, opts PatchOptions) (*PatchResult, error) {
	return lora.PatchPipeline(p, path, opts)
}

// MergeIntoModel bakes corrections permanently into m's base weights.
func MergeIntoModel(m *Model, corrections []*tensor.Tensor, opts MergeOptions) error {
	return lora.MergeIntoModel(m, corrections, opts)
}

// MergePipeline patches p from path and bakes every correction in.
func MergePipeline(p *Pipeline, path string, opts MergePipelineOptions) error {
	return lora.MergePipeline(p, path, opts)
}

// SaveAll writes the pipeline's corrections and learned embeddings.
func SaveAll(p *Pipeline, path string, opts SaveAllOptions) error {
	return lora.SaveAll(p, path, opts)
}
