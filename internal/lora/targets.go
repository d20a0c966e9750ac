package lora

import (
	"fmt"
	"slices"
)

// Component names used by pipelines and bundles.
const (
	ComponentUNet        = "unet"
	ComponentTextEncoder = "text_encoder"
)

// EmbedFlag is the metadata value marking a bundle tensor as a token
// embedding rather than a correction.
const EmbedFlag = "<embed>"

// TargetSet names the ancestor class tags whose subtrees are eligible for
// augmentation.
type TargetSet struct {
	Name    string
	Classes []string
}

// Contains reports whether class is one of the set's tags.
func (s TargetSet) Contains(class string) bool {
	return slices.Contains(s.Classes, class)
}

// UNetDefaultTargets returns the attention and feed-forward gate blocks of a
// diffusion backbone.
func UNetDefaultTargets() TargetSet {
	return TargetSet{Name: ComponentUNet, Classes: []string{"CrossAttention", "Attention", "GEGLU"}}
}

// UNetExtendedTargets adds residual blocks to UNetDefaultTargets.
func UNetExtendedTargets() TargetSet {
	return TargetSet{Name: ComponentUNet, Classes: []string{"ResnetBlock2D", "CrossAttention", "Attention", "GEGLU"}}
}

// TextEncoderDefaultTargets returns the attention blocks of a text encoder.
func TextEncoderDefaultTargets() TargetSet {
	return TargetSet{Name: ComponentTextEncoder, Classes: []string{"CLIPAttention"}}
}

// TextEncoderExtendedTargets is identical to TextEncoderDefaultTargets; the
// text tower has no convolutional blocks to add.
func TextEncoderExtendedTargets() TargetSet {
	return TextEncoderDefaultTargets()
}

// TargetsFor returns the target set for a named component.
func TargetsFor(component string, extended bool) (TargetSet, error) {
	switch component {
	case ComponentUNet:
		if extended {
			return UNetExtendedTargets(), nil
		}
		return UNetDefaultTargets(), nil
	case ComponentTextEncoder:
		if extended {
			return TextEncoderExtendedTargets(), nil
		}
		return TextEncoderDefaultTargets(), nil
	default:
		return TargetSet{}, fmt.Errorf("%w: unknown component %q", ErrConfiguration, component)
	}
}
