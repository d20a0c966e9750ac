// Package config loads the YAML description of a pipeline: the layer tree of
// each model, where its base weights live, the tokenizer and the LoRA,
// logging and metrics settings used by the command line tool.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/born-ml/lora/internal/lora"
)

// Config is the root of a pipeline description.
type Config struct {
	Models    map[string]ModelConfig `yaml:"models"`
	Tokenizer TokenizerConfig        `yaml:"tokenizer"`
	Lora      LoraConfig             `yaml:"lora"`
	Logging   LoggingConfig          `yaml:"logging"`
	Metrics   MetricsConfig          `yaml:"metrics"`
}

// ModelConfig describes one component model.
type ModelConfig struct {
	// Checkpoint is a .born or .safetensors state dict loaded after the
	// graph is built. Empty keeps the random initialisation.
	Checkpoint string   `yaml:"checkpoint"`
	Seed       int64    `yaml:"seed"`
	Root       NodeSpec `yaml:"root"`
}

// TokenizerConfig selects the base vocabulary that learned embeddings are
// added to.
type TokenizerConfig struct {
	Kind     string `yaml:"kind"`     // "", "bpe" or "tiktoken"
	Path     string `yaml:"path"`     // tokenizer.json for bpe
	Encoding string `yaml:"encoding"` // encoding name for tiktoken
	// Embedding is the dotted path of the token embedding table inside the
	// text encoder.
	Embedding string `yaml:"embedding"`
}

// LoraConfig holds the defaults for injection and merging.
type LoraConfig struct {
	Rank      int      `yaml:"rank"`
	Dropout   float64  `yaml:"dropout"`
	Scale     float32  `yaml:"scale"`
	Seed      int64    `yaml:"seed"`
	Extended  bool     `yaml:"extended"`
	UNetAlpha float32  `yaml:"unet_alpha"`
	TextAlpha float32  `yaml:"text_alpha"`
	Tokens    []string `yaml:"tokens"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Default returns a config with no models and the stock LoRA settings.
func Default() Config {
	return Config{
		Lora: LoraConfig{
			Rank:      4,
			Scale:     1,
			UNetAlpha: 1,
			TextAlpha: 1,
		},
		Logging: LoggingConfig{Level: "info", Format: "console"},
		Metrics: MetricsConfig{Addr: ":9090"},
	}
}

// Load reads and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from the command line
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over Default and validates the result. Unknown keys
// are errors.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	for name, m := range c.Models {
		if name == "" || strings.Contains(name, ":") {
			return fmt.Errorf("invalid model name %q (must be non-empty without ':')", name)
		}
		if err := m.Root.validate(name); err != nil {
			return err
		}
	}
	if err := c.Tokenizer.validate(c.Models); err != nil {
		return err
	}
	if err := c.Lora.validate(); err != nil {
		return err
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "console", "json":
	default:
		return fmt.Errorf("invalid logging format: %q (must be console or json)", c.Logging.Format)
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics enabled without addr")
	}
	return nil
}

func (t TokenizerConfig) validate(models map[string]ModelConfig) error {
	switch t.Kind {
	case "":
		return nil
	case "bpe":
		if t.Path == "" {
			return fmt.Errorf("tokenizer kind bpe needs path")
		}
	case "tiktoken":
		if t.Encoding == "" {
			return fmt.Errorf("tokenizer kind tiktoken needs encoding")
		}
	default:
		return fmt.Errorf("invalid tokenizer kind: %q (must be bpe or tiktoken)", t.Kind)
	}
	if t.Embedding == "" {
		return fmt.Errorf("tokenizer needs the embedding path in the text encoder")
	}
	if _, ok := models[lora.ComponentTextEncoder]; !ok {
		return fmt.Errorf("tokenizer needs a %s model", lora.ComponentTextEncoder)
	}
	return nil
}

func (l LoraConfig) validate() error {
	if l.Rank <= 0 {
		return fmt.Errorf("invalid lora rank: %d (must be positive)", l.Rank)
	}
	if l.Dropout < 0 || l.Dropout >= 1 {
		return fmt.Errorf("invalid lora dropout: %v (must be in [0, 1))", l.Dropout)
	}
	for _, tok := range l.Tokens {
		if tok == "" || strings.Contains(tok, ":") {
			return fmt.Errorf("invalid token %q (must be non-empty without ':')", tok)
		}
	}
	return nil
}
