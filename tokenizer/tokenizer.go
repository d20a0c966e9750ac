// Package tokenizer provides the vocabularies that learned token embeddings
// are added to.
//
// This package wraps the internal tokenizer implementations and provides
// a clean public API for them.
//
// Supported tokenizers:
//   - TikToken: OpenAI BPE tokenizers (GPT-3, GPT-4)
//   - BPE: Byte-Pair Encoding from HuggingFace tokenizer.json (CLIP)
//   - AddedVocab: added tokens layered on either of the above
//
// Example usage:
//
//	import "github.com/born-ml/lora/tokenizer"
//
//	base, err := tokenizer.LoadBPE("tokenizer.json")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	vocab := tokenizer.NewAddedVocab(base)
//	vocab.AddTokens("<sks>")
//
//	tokens, err := vocab.Encode("a photo of <sks>")
//	if err != nil {
//	    log.Fatal(err)
//	}
package tokenizer

import (
	"github.com/born-ml/lora/internal/tokenizer"
)

// Tokenizer is the core interface for text tokenization.
//
// All tokenizer implementations must implement this interface.
type Tokenizer = tokenizer.Tokenizer

// AddedVocab layers added tokens on a base tokenizer.
type AddedVocab = tokenizer.AddedVocab

// NewTikToken creates a new TikToken tokenizer with the specified encoding.
//
// Supported encodings: "cl100k_base" (GPT-4), "p50k_base" (GPT-3).
func NewTikToken(encodingName string) (Tokenizer, error) {
	tok, err := tokenizer.NewTikToken(encodingName)
	if err != nil {
		return nil, err
	}
	return tok, nil
}

// LoadBPE loads a BPE tokenizer from a HuggingFace tokenizer.json.
func LoadBPE(path string) (Tokenizer, error) {
	tok, err := tokenizer.LoadBPEFromHuggingFace(path)
	if err != nil {
		return nil, err
	}
	return tok, nil
}

// NewAddedVocab returns an empty added-token table over base.
func NewAddedVocab(base Tokenizer) *AddedVocab {
	return tokenizer.NewAddedVocab(base)
}
