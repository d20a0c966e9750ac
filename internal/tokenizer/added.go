package tokenizer

import (
	"slices"
	"strings"
)

// AddedVocab layers an added-token table on a base tokenizer. Added tokens
// take IDs base.VocabSize(), base.VocabSize()+1, ... in insertion order and
// are matched verbatim in Encode before the base tokenizer sees the
// remaining text.
type AddedVocab struct {
	base  Tokenizer
	ids   map[string]int32
	added []string
}

// NewAddedVocab returns an empty added-token table over base.
func NewAddedVocab(base Tokenizer) *AddedVocab {
	return &AddedVocab{base: base, ids: make(map[string]int32)}
}

// Base returns the underlying tokenizer.
func (v *AddedVocab) Base() Tokenizer { return v.base }

// Added returns the added tokens in ID order.
func (v *AddedVocab) Added() []string { return slices.Clone(v.added) }

// AddTokens appends the tokens that are not yet known, either to the base
// vocabulary or as added tokens, and returns how many were added.
func (v *AddedVocab) AddTokens(tokens ...string) int {
	n := 0
	for _, tok := range tokens {
		if tok == "" {
			continue
		}
		if _, ok := v.Lookup(tok); ok {
			continue
		}
		v.ids[tok] = int32(v.VocabSize()) //nolint:gosec // G115: vocab size < 2^31.
		v.added = append(v.added, tok)
		n++
	}
	return n
}

// TokenID returns the ID of token as an int.
func (v *AddedVocab) TokenID(token string) (int, bool) {
	id, ok := v.Lookup(token)
	return int(id), ok
}

// Lookup checks the added tokens first, then the base vocabulary.
func (v *AddedVocab) Lookup(token string) (int32, bool) {
	if id, ok := v.ids[token]; ok {
		return id, true
	}
	return v.base.Lookup(token)
}

// VocabSize returns the base size plus the added tokens.
func (v *AddedVocab) VocabSize() int {
	return v.base.VocabSize() + len(v.added)
}

// Encode splits text on added tokens, longest first, and encodes the
// remaining segments with the base tokenizer.
func (v *AddedVocab) Encode(text string) ([]int32, error) {
	if len(v.added) == 0 {
		return v.base.Encode(text)
	}
	byLength := slices.Clone(v.added)
	slices.SortStableFunc(byLength, func(a, b string) int { return len(b) - len(a) })

	out := []int32{}
	for text != "" {
		pos, tok := -1, ""
		for _, cand := range byLength {
			if i := strings.Index(text, cand); i >= 0 && (pos < 0 || i < pos) {
				pos, tok = i, cand
			}
		}
		if pos < 0 {
			ids, err := v.base.Encode(text)
			if err != nil {
				return nil, err
			}
			return append(out, ids...), nil
		}
		if pos > 0 {
			ids, err := v.base.Encode(text[:pos])
			if err != nil {
				return nil, err
			}
			out = append(out, ids...)
		}
		out = append(out, v.ids[tok])
		text = text[pos+len(tok):]
	}
	return out, nil
}

// Decode decodes runs of base IDs with the base tokenizer and writes added
// tokens verbatim, separated by spaces.
func (v *AddedVocab) Decode(tokens []int32) (string, error) {
	baseSize := int32(v.base.VocabSize()) //nolint:gosec // G115: vocab size < 2^31.
	var parts []string
	start := 0
	flush := func(end int) error {
		if end <= start {
			return nil
		}
		text, err := v.base.Decode(tokens[start:end])
		if err != nil {
			return err
		}
		if text = strings.TrimSpace(text); text != "" {
			parts = append(parts, text)
		}
		return nil
	}
	for i, id := range tokens {
		if id < baseSize || int(id-baseSize) >= len(v.added) {
			continue
		}
		if err := flush(i); err != nil {
			return "", err
		}
		parts = append(parts, v.added[id-baseSize])
		start = i + 1
	}
	if err := flush(len(tokens)); err != nil {
		return "", err
	}
	return strings.Join(parts, " "), nil
}

// EosToken delegates to the base tokenizer.
func (v *AddedVocab) EosToken() int32 { return v.base.EosToken() }

// PadToken delegates to the base tokenizer.
func (v *AddedVocab) PadToken() int32 { return v.base.PadToken() }

// IsSpecialToken delegates to the base tokenizer; added tokens are ordinary.
func (v *AddedVocab) IsSpecialToken(token int32) bool { return v.base.IsSpecialToken(token) }
