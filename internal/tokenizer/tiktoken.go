package tokenizer

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// Encoding names with a known special-token layout.
const (
	encodingCL100kBase = "cl100k_base"
	encodingP50kBase   = "p50k_base"
	encodingR50kBase   = "r50k_base"
)

// layout is the fixed ID layout of an encoding, which tiktoken-go does not
// expose. Special IDs run from firstSpecial to lastSpecial inclusive.
type layout struct {
	vocab        int
	eos          int32
	firstSpecial int32
	lastSpecial  int32
}

var layouts = map[string]layout{
	encodingCL100kBase: {vocab: 100256, eos: 100257, firstSpecial: 100256, lastSpecial: 100276},
	encodingP50kBase:   {vocab: 50257, eos: 50256, firstSpecial: 50256, lastSpecial: 50256},
	encodingR50kBase:   {vocab: 50257, eos: 50256, firstSpecial: 50256, lastSpecial: 50256},
}

// unknownLayout is assumed for encodings missing from layouts.
var unknownLayout = layout{vocab: 100000, eos: -1, firstSpecial: -1, lastSpecial: -1}

func layoutOf(name string) layout {
	if l, ok := layouts[name]; ok {
		return l
	}
	return unknownLayout
}

// allSpecial lets Encode and Lookup resolve special tokens such as
// <|endoftext|> instead of splitting them.
var allSpecial = []string{"all"}

// TikToken is a base vocabulary backed by an OpenAI BPE encoding
// (cl100k_base, p50k_base, r50k_base).
type TikToken struct {
	encoding *tiktoken.Tiktoken
	name     string
}

// NewTikToken loads the named encoding.
func NewTikToken(encodingName string) (*TikToken, error) {
	encoding, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, fmt.Errorf("failed to load tiktoken encoding %q: %w", encodingName, err)
	}
	return &TikToken{encoding: encoding, name: encodingName}, nil
}

// Encode converts text to token IDs. Special tokens are recognised.
func (t *TikToken) Encode(text string) ([]int32, error) {
	return toInt32(t.encoding.Encode(text, allSpecial, nil)), nil
}

// Decode converts token IDs back to text.
func (t *TikToken) Decode(tokens []int32) (string, error) {
	ids := make([]int, len(tokens))
	for i, tok := range tokens {
		ids[i] = int(tok)
	}
	return t.encoding.Decode(ids), nil
}

// Lookup returns the ID of token when the encoding maps it to exactly one
// token.
func (t *TikToken) Lookup(token string) (int32, bool) {
	if token == "" {
		return 0, false
	}
	ids := toInt32(t.encoding.Encode(token, allSpecial, nil))
	if len(ids) != 1 {
		return 0, false
	}
	return ids[0], true
}

// VocabSize returns the number of ordinary tokens. Added tokens start here.
func (t *TikToken) VocabSize() int { return layoutOf(t.name).vocab }

// EosToken returns the ID of <|endoftext|>, or -1 for an unknown encoding.
func (t *TikToken) EosToken() int32 { return layoutOf(t.name).eos }

// PadToken returns -1; tiktoken defines no padding token.
func (t *TikToken) PadToken() int32 { return -1 }

// IsSpecialToken reports whether token is in the encoding's special range.
func (t *TikToken) IsSpecialToken(token int32) bool {
	l := layoutOf(t.name)
	return l.firstSpecial >= 0 && token >= l.firstSpecial && token <= l.lastSpecial
}

// Name returns the encoding name.
func (t *TikToken) Name() string { return t.name }

func toInt32(tokens []int) []int32 {
	out := make([]int32, len(tokens))
	for i, tok := range tokens {
		out[i] = int32(tok) //nolint:gosec // G115: vocabularies stay below 2^31
	}
	return out
}
