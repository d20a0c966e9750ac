package lora

import (
	"fmt"
	"maps"
	"slices"

	"github.com/born-ml/lora/internal/logger"
	"github.com/born-ml/lora/internal/nn"
	"github.com/born-ml/lora/internal/tensor"
)

// TokenAdder is a vocabulary that accepts new tokens.
type TokenAdder interface {
	// AddTokens adds tokens not yet known and returns how many were added.
	AddTokens(tokens ...string) int
	// TokenID returns the ID of a known token.
	TokenID(token string) (int, bool)
	// VocabSize returns the number of token IDs in use.
	VocabSize() int
}

// ApplyEmbeds installs learned embeddings into table.
//
// tokens selects which entries of embeds to apply; nil applies all of them
// in name order. Each token is added to vocab. When it is already known and
// idempotent is false a fresh token is minted by replacing its last
// character with "-i>" for i = 1, 2, ... until one is new; with idempotent
// set the existing row is overwritten. The table is then resized to the
// vocabulary size and the vector, rounded to the table's precision, is
// written into the token's row. ApplyEmbeds returns the last token written.
func ApplyEmbeds(embeds map[string]*tensor.Tensor, table *nn.Embedding, vocab TokenAdder, tokens []string, idempotent bool) (string, error) {
	if tokens == nil {
		tokens = slices.Sorted(maps.Keys(embeds))
	}
	// Validate everything before the vocabulary is touched.
	for _, token := range tokens {
		vec, ok := embeds[token]
		if !ok {
			return "", fmt.Errorf("%w: no embedding for token %q", ErrBundleMismatch, token)
		}
		if token == "" {
			return "", fmt.Errorf("%w: empty token", ErrConfiguration)
		}
		if vec.NumElements() != table.EmbeddingDim() {
			return "", &BundleMismatchError{
				Layer:    token,
				Reason:   "embedding width",
				Expected: table.EmbeddingDim(),
				Got:      vec.NumElements(),
			}
		}
	}

	var last string
	for _, name := range tokens {
		token := name
		added := vocab.AddTokens(token)
		switch {
		case added == 0 && !idempotent:
			for i := 1; added == 0; i++ {
				logger.Info("The tokenizer already contains the token", "token", token)
				token = fmt.Sprintf("%s-%d>", token[:len(token)-1], i)
				logger.Info("Attempting to add the token", "token", token)
				added = vocab.AddTokens(token)
			}
		case added == 0:
			logger.Info("Replacing existing token", "token", token)
		}

		if vocab.VocabSize() != table.NumEmbeddings() {
			if err := table.Resize(vocab.VocabSize()); err != nil {
				return "", err
			}
		}
		id, ok := vocab.TokenID(token)
		if !ok {
			return "", fmt.Errorf("vocabulary has no id for %q after adding it", token)
		}
		if err := table.SetRow(id, embeds[name].Data()); err != nil {
			return "", err
		}
		last = token
	}
	return last, nil
}
