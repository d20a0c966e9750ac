package config

import (
	"fmt"
	"maps"
	"slices"

	"github.com/born-ml/lora/internal/logger"
	"github.com/born-ml/lora/internal/lora"
	"github.com/born-ml/lora/internal/nn"
	"github.com/born-ml/lora/internal/tokenizer"
)

// Pipeline loads every configured model and, when a tokenizer is
// configured, the vocabulary and the text encoder's embedding table.
func (c *Config) Pipeline() (*lora.Pipeline, error) {
	p := &lora.Pipeline{Models: make(map[string]*lora.Model, len(c.Models))}
	for _, name := range slices.Sorted(maps.Keys(c.Models)) {
		g, root, err := c.Models[name].Load()
		if err != nil {
			return nil, fmt.Errorf("model %s: %w", name, err)
		}
		logger.Debug("Loaded model", "component", name, "nodes", g.Len(), "parameters", len(g.Parameters(root)))
		p.Models[name] = &lora.Model{Graph: g, Root: root}
	}

	if c.Tokenizer.Kind == "" {
		return p, nil
	}
	base, err := c.Tokenizer.Load()
	if err != nil {
		return nil, err
	}
	p.Vocab = tokenizer.NewAddedVocab(base)

	text, ok := p.Models[lora.ComponentTextEncoder]
	if !ok {
		return nil, fmt.Errorf("tokenizer needs a %s model", lora.ComponentTextEncoder)
	}
	id, ok := text.Graph.Find(text.Root, c.Tokenizer.Embedding)
	if !ok {
		return nil, fmt.Errorf("embedding %q not found in %s", c.Tokenizer.Embedding, lora.ComponentTextEncoder)
	}
	emb, ok := text.Graph.Layer(id).(*nn.Embedding)
	if !ok {
		return nil, fmt.Errorf("%s is a %s, not an embedding", c.Tokenizer.Embedding, text.Graph.Kind(id))
	}
	p.Embedding = emb
	return p, nil
}

// Load returns the configured base tokenizer.
func (t TokenizerConfig) Load() (tokenizer.Tokenizer, error) {
	switch t.Kind {
	case "bpe":
		return tokenizer.LoadBPEFromHuggingFace(t.Path)
	case "tiktoken":
		return tokenizer.NewTikToken(t.Encoding)
	default:
		return nil, fmt.Errorf("invalid tokenizer kind: %q", t.Kind)
	}
}
