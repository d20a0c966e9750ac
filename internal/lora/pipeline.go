package lora

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/born-ml/lora/internal/logger"
	"github.com/born-ml/lora/internal/metrics"
	"github.com/born-ml/lora/internal/nn"
	"github.com/born-ml/lora/internal/tensor"
)

// File suffixes understood by PatchPipeline and SaveAll.
const (
	BundleExt      = ".safetensors"
	LegacyExt      = ".lora"
	legacyTextExt  = ".text_encoder" + LegacyExt
	legacyTextUI   = "_txt" + LegacyExt
	legacyEmbedExt = ".ti" + LegacyExt
)

// Model is one component of a pipeline.
type Model struct {
	Graph *nn.Graph
	Root  nn.NodeID
}

// Pipeline groups the models of a multi-component system with the
// vocabulary and embedding table of its text encoder.
type Pipeline struct {
	Models    map[string]*Model // keyed by component name
	Vocab     TokenAdder
	Embedding *nn.Embedding
}

func (p *Pipeline) model(name string) (*Model, error) {
	m, ok := p.Models[name]
	if !ok || m == nil {
		return nil, fmt.Errorf("%w: pipeline has no %s model", ErrConfiguration, name)
	}
	return m, nil
}

// TextLoraPath returns the text-encoder sibling of a legacy file.
func TextLoraPath(path string) string {
	return strings.TrimSuffix(path, LegacyExt) + legacyTextExt
}

// EmbedLoraPath returns the embedding sibling of a legacy file.
func EmbedLoraPath(path string) string {
	return strings.TrimSuffix(path, LegacyExt) + legacyEmbedExt
}

// legacyBase maps any member of a legacy file set to its backbone file.
func legacyBase(path string) string {
	for _, ext := range []string{legacyEmbedExt, legacyTextExt, legacyTextUI} {
		if strings.HasSuffix(path, ext) {
			return strings.TrimSuffix(path, ext) + LegacyExt
		}
	}
	return path
}

// PatchOptions configures PatchPipeline.
type PatchOptions struct {
	// Tokens selects which embeddings to apply; nil applies all.
	Tokens     []string
	PatchUNet  bool
	PatchText  bool
	PatchTI    bool
	Idempotent bool
	// Extended patches convolutional layers of the backbone too. It only
	// applies to legacy files; bundles always patch extended.
	Extended bool
	// Ranks expected in legacy files. 0 takes them from the tensors.
	UNetRank int
	TextRank int
}

// DefaultPatchOptions patches both models and leaves the vocabulary alone.
func DefaultPatchOptions() PatchOptions {
	return PatchOptions{PatchUNet: true, PatchText: true, Idempotent: true}
}

// PatchResult reports what PatchPipeline applied.
type PatchResult struct {
	Token  string                    // last token written, if any
	Embeds map[string]*tensor.Tensor // embeddings found in the file
}

// PatchPipeline installs the corrections stored at path.
//
// A bundle (".safetensors") patches every component it names that the
// pipeline has; components without a model are logged and skipped. A legacy
// file set (".lora") patches the backbone from the file itself, the text
// encoder from its ".text_encoder.lora" sibling and the vocabulary from its
// ".ti.lora" sibling. Any member of a legacy set may be passed.
//
// A bundle is applied all or nothing: when any component fails to match its
// model, no model is changed. The files of a legacy set are applied one at a
// time, so a failure in the text encoder leaves the backbone patched.
func PatchPipeline(p *Pipeline, path string, opts PatchOptions) (*PatchResult, error) {
	switch {
	case strings.HasSuffix(path, BundleExt):
		return patchBundle(p, path, opts)
	case strings.HasSuffix(path, LegacyExt):
		return patchLegacy(p, legacyBase(path), opts)
	default:
		return nil, fmt.Errorf("%w: unsupported correction file %q", ErrConfiguration, path)
	}
}

func patchBundle(p *Pipeline, path string, opts PatchOptions) (*PatchResult, error) {
	b, err := ReadBundle(path)
	if err != nil {
		return nil, err
	}
	embed := opts.PatchTI && len(b.Embeds) > 0
	if embed && (p.Vocab == nil || p.Embedding == nil) {
		return nil, fmt.Errorf("%w: pipeline has no vocabulary or embedding table", ErrConfiguration)
	}

	// Every component is validated before any model changes.
	type plan struct {
		model *Model
		steps []step
		opts  ReplaceOptions
	}
	var plans []plan
	for _, name := range slices.Sorted(maps.Keys(b.Components)) {
		m, ok := p.Models[name]
		if !ok || m == nil {
			logger.Warn("No model provided for component, contained in Lora", "component", name)
			continue
		}
		c := b.Components[name]
		ro := ReplaceOptions{Targets: c.Targets, Ranks: c.Ranks}
		steps, err := planReplace(m.Graph, m.Root, c.Tensors(), ro, replaceKinds(true), true)
		if err != nil {
			metrics.RecordError("replace_extended", errorType(err))
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		plans = append(plans, plan{model: m, steps: steps, opts: ro})
	}
	for _, pl := range plans {
		if err := installAll(pl.model.Graph, pl.steps, pl.opts); err != nil {
			return nil, err
		}
	}

	res := &PatchResult{Embeds: b.Embeds}
	if embed {
		if res.Token, err = applyPipelineEmbeds(p, b.Embeds, opts); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func patchLegacy(p *Pipeline, path string, opts PatchOptions) (*PatchResult, error) {
	if opts.PatchUNet {
		logger.Info("Patching backbone", "path", path)
		if err := patchLegacyModel(p, ComponentUNet, path, opts.Extended, opts.UNetRank); err != nil {
			return nil, err
		}
	}
	if opts.PatchText {
		textPath := TextLoraPath(path)
		if _, err := os.Stat(textPath); err != nil {
			textPath = strings.TrimSuffix(path, LegacyExt) + legacyTextUI
		}
		logger.Info("Patching text encoder", "path", textPath)
		if err := patchLegacyModel(p, ComponentTextEncoder, textPath, false, opts.TextRank); err != nil {
			return nil, err
		}
	}

	res := &PatchResult{}
	if opts.PatchTI {
		embedPath := EmbedLoraPath(path)
		logger.Info("Patching token input", "path", embedPath)
		b, err := ReadBundle(embedPath)
		if err != nil {
			return nil, err
		}
		res.Embeds = b.Embeds
		if res.Token, err = applyPipelineEmbeds(p, b.Embeds, opts); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func patchLegacyModel(p *Pipeline, component, path string, extended bool, rank int) error {
	m, err := p.model(component)
	if err != nil {
		return err
	}
	targets, err := TargetsFor(component, extended)
	if err != nil {
		return err
	}
	tensors, err := ReadLegacy(path)
	if err != nil {
		return err
	}
	opts := ReplaceOptions{Targets: targets.Classes, Rank: rank}
	if extended {
		return ReplaceExistingExtended(m.Graph, m.Root, tensors, opts)
	}
	return ReplaceExisting(m.Graph, m.Root, tensors, opts)
}

func applyPipelineEmbeds(p *Pipeline, embeds map[string]*tensor.Tensor, opts PatchOptions) (string, error) {
	if p.Vocab == nil || p.Embedding == nil {
		return "", fmt.Errorf("%w: pipeline has no vocabulary or embedding table", ErrConfiguration)
	}
	return ApplyEmbeds(embeds, p.Embedding, p.Vocab, opts.Tokens, opts.Idempotent)
}

// MergeOptions configures MergeIntoModel.
type MergeOptions struct {
	Extended    bool
	TextEncoder bool  // use the text encoder target set
	Rank        int   // expected rank; 0 takes it from the tensors
	Ranks       []int // per-layer ranks, overriding Rank
	Weight      float32
}

// MergeIntoModel bakes corrections permanently into m's base weights:
// replace, collapse with opts.Weight, then remove.
func MergeIntoModel(m *Model, corrections []*tensor.Tensor, opts MergeOptions) error {
	component := ComponentUNet
	if opts.TextEncoder {
		component = ComponentTextEncoder
	}
	targets, err := TargetsFor(component, opts.Extended)
	if err != nil {
		return err
	}
	replaceOpts := ReplaceOptions{Targets: targets.Classes, Rank: opts.Rank, Ranks: opts.Ranks}
	if opts.Extended {
		err = ReplaceExistingExtended(m.Graph, m.Root, corrections, replaceOpts)
	} else {
		err = ReplaceExisting(m.Graph, m.Root, corrections, replaceOpts)
	}
	if err != nil {
		return err
	}
	if err := Collapse(m.Graph, m.Root, opts.Weight); err != nil {
		return err
	}
	_, err = Remove(m.Graph, m.Root)
	return err
}

// MergePipelineOptions configures MergePipeline.
type MergePipelineOptions struct {
	Patch     PatchOptions
	UNetAlpha float32
	TextAlpha float32
}

// MergePipeline patches p from path, then collapses and removes every
// correction: the backbone with UNetAlpha and the text encoder with
// TextAlpha.
func MergePipeline(p *Pipeline, path string, opts MergePipelineOptions) error {
	logger.Info("Merging corrections", "path", path, "unet_alpha", opts.UNetAlpha, "text_alpha", opts.TextAlpha)
	if _, err := PatchPipeline(p, path, opts.Patch); err != nil {
		return err
	}
	for _, c := range []struct {
		name  string
		alpha float32
	}{{ComponentUNet, opts.UNetAlpha}, {ComponentTextEncoder, opts.TextAlpha}} {
		m, ok := p.Models[c.name]
		if !ok || m == nil {
			continue
		}
		if err := Collapse(m.Graph, m.Root, c.alpha); err != nil {
			return err
		}
		if _, err := Remove(m.Graph, m.Root); err != nil {
			return err
		}
	}
	return nil
}

// SaveAllOptions configures SaveAll.
type SaveAllOptions struct {
	// Tokens whose embedding rows are saved.
	Tokens      []string
	SaveLora    bool
	SaveTI      bool
	UNetTargets TargetSet
	TextTargets TargetSet
	// Legacy writes the ".lora" file set instead of a single bundle.
	Legacy bool
}

// DefaultSaveAllOptions saves corrections and embeddings of both models with
// the default target sets as one bundle.
func DefaultSaveAllOptions() SaveAllOptions {
	return SaveAllOptions{
		SaveLora:    true,
		SaveTI:      true,
		UNetTargets: UNetDefaultTargets(),
		TextTargets: TextEncoderDefaultTargets(),
	}
}

// SaveAll writes the pipeline's corrections and learned embeddings.
func SaveAll(p *Pipeline, path string, opts SaveAllOptions) error {
	var embeds map[string]*tensor.Tensor
	if opts.SaveTI {
		var err error
		if embeds, err = tokenEmbeds(p, opts.Tokens); err != nil {
			return err
		}
	}

	if opts.Legacy {
		if !strings.HasSuffix(path, LegacyExt) {
			return fmt.Errorf("%w: legacy save path %q must end with %s", ErrConfiguration, path, LegacyExt)
		}
		if opts.SaveTI {
			b := NewBundle()
			b.Embeds = embeds
			if err := WriteBundle(EmbedLoraPath(path), b); err != nil {
				return err
			}
		}
		if !opts.SaveLora {
			return nil
		}
		for _, f := range []struct {
			component, path string
			targets         TargetSet
		}{
			{ComponentUNet, path, opts.UNetTargets},
			{ComponentTextEncoder, TextLoraPath(path), opts.TextTargets},
		} {
			m, err := p.model(f.component)
			if err != nil {
				return err
			}
			if err := SaveLegacy(m.Graph, m.Root, f.targets.Classes, f.path, tensor.Float16); err != nil {
				return fmt.Errorf("%s: %w", f.component, err)
			}
		}
		return nil
	}

	if !strings.HasSuffix(path, BundleExt) {
		return fmt.Errorf("%w: save path %q must end with %s", ErrConfiguration, path, BundleExt)
	}
	models := make(map[string]ModelTarget)
	if opts.SaveLora {
		for name, targets := range map[string]TargetSet{ComponentUNet: opts.UNetTargets, ComponentTextEncoder: opts.TextTargets} {
			m, err := p.model(name)
			if err != nil {
				return err
			}
			models[name] = ModelTarget{Graph: m.Graph, Root: m.Root, Targets: targets.Classes}
		}
	}
	return SaveComponents(path, models, embeds)
}

// tokenEmbeds copies the embedding rows of tokens to the CPU.
func tokenEmbeds(p *Pipeline, tokens []string) (map[string]*tensor.Tensor, error) {
	if p.Vocab == nil || p.Embedding == nil {
		return nil, fmt.Errorf("%w: pipeline has no vocabulary or embedding table", ErrConfiguration)
	}
	dtype := p.Embedding.Weight().Tensor().DType()
	embeds := make(map[string]*tensor.Tensor, len(tokens))
	for _, tok := range tokens {
		id, ok := p.Vocab.TokenID(tok)
		if !ok {
			return nil, fmt.Errorf("%w: unknown token %q", ErrConfiguration, tok)
		}
		row, err := p.Embedding.Row(id)
		if err != nil {
			return nil, err
		}
		logger.Debug("Current learned embedding", "token", tok, "id", id, "head", row[:min(4, len(row))])
		t, err := tensor.FromSlice(row, tensor.Shape{len(row)})
		if err != nil {
			return nil, err
		}
		embeds[tok] = t.To(tensor.CPU, dtype)
	}
	return embeds, nil
}
