package tokenizer

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// replacementChar is emitted by Decode for IDs outside the vocabulary.
const replacementChar = "�"

// BPETokenizer implements Byte-Pair Encoding tokenization.
//
// This is a pure Go implementation that can load HuggingFace tokenizer.json
// files, including CLIP's lowercase vocabulary with a "</w>" end-of-word
// suffix.
type BPETokenizer struct {
	vocab         map[string]int32 // token -> ID
	ranks         map[pair]int     // merge rule -> priority
	reverseVocab  map[int32]string // ID -> token
	suffix        string           // appended to the last symbol of each word
	lowercase     bool
	eosToken      int32
	padToken      int32
	unkToken      int32
	specialTokens map[int32]bool
}

type pair struct {
	first  string
	second string
}

// NewBPETokenizer creates a new BPE tokenizer from vocab and merges.
// Earlier merges take priority.
func NewBPETokenizer(vocab map[string]int32, merges []pair) *BPETokenizer {
	reverseVocab := make(map[int32]string, len(vocab))
	for token, id := range vocab {
		reverseVocab[id] = token
	}
	ranks := make(map[pair]int, len(merges))
	for i, m := range merges {
		if _, ok := ranks[m]; !ok {
			ranks[m] = i
		}
	}

	return &BPETokenizer{
		vocab:         vocab,
		ranks:         ranks,
		reverseVocab:  reverseVocab,
		eosToken:      -1,
		padToken:      -1,
		unkToken:      -1,
		specialTokens: make(map[int32]bool),
	}
}

// SetSpecialTokens configures special token IDs. Pass -1 to leave one unset.
func (b *BPETokenizer) SetSpecialTokens(eos, pad, unk int32) {
	b.eosToken = eos
	b.padToken = pad
	b.unkToken = unk

	for _, id := range []int32{eos, pad, unk} {
		if id >= 0 {
			b.specialTokens[id] = true
		}
	}
}

// SetEndOfWordSuffix sets the marker appended to the final symbol of every
// word, "</w>" for CLIP.
func (b *BPETokenizer) SetEndOfWordSuffix(suffix string) {
	b.suffix = suffix
}

// SetLowercase makes Encode fold text to lower case first.
func (b *BPETokenizer) SetLowercase(v bool) {
	b.lowercase = v
}

// Encode converts text to token IDs using BPE.
func (b *BPETokenizer) Encode(text string) ([]int32, error) {
	if b.lowercase {
		text = strings.ToLower(text)
	}
	var tokens []int32
	for _, word := range strings.Fields(text) {
		for _, sym := range b.merge(word) {
			if id, ok := b.vocab[sym]; ok {
				tokens = append(tokens, id)
			} else if b.unkToken >= 0 {
				tokens = append(tokens, b.unkToken)
			}
		}
	}
	if tokens == nil {
		tokens = []int32{}
	}
	return tokens, nil
}

// merge splits word into symbols and applies merge rules by priority.
func (b *BPETokenizer) merge(word string) []string {
	syms := make([]string, 0, len(word))
	for _, r := range word {
		syms = append(syms, string(r))
	}
	if len(syms) == 0 {
		return nil
	}
	syms[len(syms)-1] += b.suffix

	for len(syms) > 1 {
		bestIdx := -1
		bestRank := len(b.ranks) + 1
		for i := range len(syms) - 1 {
			if rank := b.getMergeRank(pair{syms[i], syms[i+1]}); rank < bestRank {
				bestIdx, bestRank = i, rank
			}
		}
		if bestIdx == -1 {
			break
		}
		merged := syms[bestIdx] + syms[bestIdx+1]
		syms = append(syms[:bestIdx+1], syms[bestIdx+2:]...)
		syms[bestIdx] = merged
	}
	return syms
}

// getMergeRank returns the rank of a merge pair (lower is higher priority).
func (b *BPETokenizer) getMergeRank(p pair) int {
	if rank, ok := b.ranks[p]; ok {
		return rank
	}
	return len(b.ranks) + 1
}

// Decode converts token IDs back to text. End-of-word suffixes become
// spaces.
func (b *BPETokenizer) Decode(tokens []int32) (string, error) {
	var sb strings.Builder
	for _, token := range tokens {
		text, ok := b.reverseVocab[token]
		if !ok {
			text = replacementChar
		}
		sb.WriteString(text)
	}
	out := sb.String()
	if b.suffix != "" {
		out = strings.TrimRight(strings.ReplaceAll(out, b.suffix, " "), " ")
	}
	return out, nil
}

// VocabSize returns the total vocabulary size.
func (b *BPETokenizer) VocabSize() int {
	return len(b.vocab)
}

// Lookup returns the ID of a vocabulary entry.
func (b *BPETokenizer) Lookup(token string) (int32, bool) {
	id, ok := b.vocab[token]
	return id, ok
}

// EosToken returns the end-of-sequence token ID.
func (b *BPETokenizer) EosToken() int32 {
	return b.eosToken
}

// PadToken returns the padding token ID.
func (b *BPETokenizer) PadToken() int32 {
	return b.padToken
}

// UnkToken returns the unknown token ID.
func (b *BPETokenizer) UnkToken() int32 {
	return b.unkToken
}

// IsSpecialToken checks if a token ID is a special token.
func (b *BPETokenizer) IsSpecialToken(token int32) bool {
	return b.specialTokens[token]
}

// HuggingFaceTokenizerConfig represents a subset of tokenizer.json structure.
type HuggingFaceTokenizerConfig struct {
	Model struct {
		Type            string         `json:"type"`
		Vocab           map[string]int `json:"vocab"`
		Merges          []string       `json:"merges"`
		EndOfWordSuffix string         `json:"end_of_word_suffix"`
	} `json:"model"`
	Normalizer *struct {
		Type        string `json:"type"`
		Lowercase   bool   `json:"lowercase"`
		Normalizers []struct {
			Type string `json:"type"`
		} `json:"normalizers"`
	} `json:"normalizer"`
	AddedTokens []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
}

func (c *HuggingFaceTokenizerConfig) lowercase() bool {
	n := c.Normalizer
	if n == nil {
		return false
	}
	if n.Type == "Lowercase" || n.Lowercase {
		return true
	}
	for _, inner := range n.Normalizers {
		if inner.Type == "Lowercase" {
			return true
		}
	}
	return false
}

// LoadBPEFromHuggingFace loads a BPE tokenizer from tokenizer.json.
//
// This is a simplified loader that handles the most common HuggingFace format.
func LoadBPEFromHuggingFace(path string) (*BPETokenizer, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: Path comes from trusted caller
	if err != nil {
		return nil, fmt.Errorf("failed to read tokenizer.json: %w", err)
	}
	return ParseBPE(data)
}

// ParseBPE builds a BPE tokenizer from tokenizer.json contents.
func ParseBPE(data []byte) (*BPETokenizer, error) {
	var config HuggingFaceTokenizerConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse tokenizer.json: %w", err)
	}
	if t := config.Model.Type; t != "" && t != "BPE" {
		return nil, fmt.Errorf("unsupported tokenizer model %q", t)
	}

	vocab := make(map[string]int32, len(config.Model.Vocab)+len(config.AddedTokens))
	for token, id := range config.Model.Vocab {
		vocab[token] = int32(id) //nolint:gosec // G115: integer overflow conversion int -> int32
	}

	var merges []pair
	for _, mergeStr := range config.Model.Merges {
		parts := strings.Fields(mergeStr)
		if len(parts) == 2 {
			merges = append(merges, pair{parts[0], parts[1]})
		}
	}

	for _, added := range config.AddedTokens {
		vocab[added.Content] = int32(added.ID) //nolint:gosec // G115: integer overflow conversion int -> int32
	}

	tokenizer := NewBPETokenizer(vocab, merges)
	tokenizer.suffix = config.Model.EndOfWordSuffix
	tokenizer.lowercase = config.lowercase()

	for _, added := range config.AddedTokens {
		if !added.Special {
			continue
		}
		id := int32(added.ID) //nolint:gosec // G115: integer overflow conversion int -> int32
		tokenizer.specialTokens[id] = true

		content := strings.ToLower(added.Content)
		switch {
		case strings.Contains(content, "endoftext") || strings.Contains(content, "eos") || content == "</s>":
			tokenizer.eosToken = id
		case strings.Contains(content, "pad"):
			tokenizer.padToken = id
		case strings.Contains(content, "unk"):
			tokenizer.unkToken = id
		}
	}

	// CLIP pads with its end-of-text token.
	if tokenizer.padToken < 0 {
		tokenizer.padToken = tokenizer.eosToken
	}

	return tokenizer, nil
}
