package lora

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/born-ml/lora/internal/logger"
	"github.com/born-ml/lora/internal/metrics"
	"github.com/born-ml/lora/internal/nn"
	"github.com/born-ml/lora/internal/serialization"
	"github.com/born-ml/lora/internal/tensor"
)

// Component is the stored correction of one model component.
type Component struct {
	Pairs   []Pair
	Ranks   []int    // One rank per pair
	Targets []string // Ancestor tags the pairs were extracted under
}

// Tensors returns the component's tensors in (up, down) order.
func (c *Component) Tensors() []*tensor.Tensor { return Tensors(c.Pairs) }

// Bundle is a self-describing set of corrections for one or more named
// components, plus optional learned token embeddings.
//
// On disk a bundle is a SafeTensors file. Tensor keys are
// "{component}:{i}:up" and "{component}:{i}:down"; metadata maps
// "{component}" to a JSON list of target tags and "{component}:{i}:rank" to
// the decimal rank. Embeddings are stored under their token with metadata
// value EmbedFlag.
type Bundle struct {
	Components map[string]*Component
	Embeds     map[string]*tensor.Tensor
}

// NewBundle returns an empty bundle.
func NewBundle() *Bundle {
	return &Bundle{Components: make(map[string]*Component), Embeds: make(map[string]*tensor.Tensor)}
}

// TensorSource is a tensor container with string metadata.
type TensorSource interface {
	Names() []string
	Tensor(name string) *tensor.Tensor
	Meta(key string) (string, bool)
}

type safeSource struct{ st *serialization.SafeTensors }

func (s safeSource) Names() []string { return s.st.Names() }
func (s safeSource) Tensor(name string) *tensor.Tensor { return s.st.Tensors[name] }

func (s safeSource) Meta(key string) (string, bool) {
	v, ok := s.st.Metadata[key]
	return v, ok
}

// SourceOf adapts a decoded SafeTensors file to TensorSource.
func SourceOf(st *serialization.SafeTensors) TensorSource { return safeSource{st: st} }

// Encode flattens the bundle to SafeTensors tensors and metadata.
func (b *Bundle) Encode() (map[string]*tensor.Tensor, map[string]string, error) {
	tensors := make(map[string]*tensor.Tensor)
	meta := make(map[string]string)

	for _, name := range slices.Sorted(maps.Keys(b.Components)) {
		c := b.Components[name]
		if name == "" || strings.Contains(name, ":") {
			return nil, nil, fmt.Errorf("%w: invalid component name %q", ErrConfiguration, name)
		}
		if c.Ranks != nil && len(c.Ranks) != len(c.Pairs) {
			return nil, nil, &BundleMismatchError{
				Layer:    name,
				Reason:   "rank list length",
				Expected: len(c.Pairs),
				Got:      len(c.Ranks),
			}
		}
		// Nil targets (the whole graph) encode as null and decode back to nil.
		encoded, err := json.Marshal(c.Targets)
		if err != nil {
			return nil, nil, fmt.Errorf("encode targets of %s: %w", name, err)
		}
		meta[name] = string(encoded)

		for i, p := range c.Pairs {
			if p.Up == nil || p.Down == nil || p.Down.Rank() == 0 {
				return nil, nil, &BundleMismatchError{Layer: fmt.Sprintf("%s:%d", name, i), Reason: "incomplete pair"}
			}
			rank := p.Rank()
			if c.Ranks != nil && c.Ranks[i] != rank {
				return nil, nil, &BundleMismatchError{
					Layer:    fmt.Sprintf("%s:%d", name, i),
					Reason:   "recorded rank differs from tensors",
					Expected: c.Ranks[i],
					Got:      rank,
				}
			}
			tensors[fmt.Sprintf("%s:%d:up", name, i)] = p.Up
			tensors[fmt.Sprintf("%s:%d:down", name, i)] = p.Down
			meta[fmt.Sprintf("%s:%d:rank", name, i)] = strconv.Itoa(rank)
		}
	}

	for token, t := range b.Embeds {
		if token == "" || strings.Contains(token, ":") {
			return nil, nil, fmt.Errorf("%w: invalid embedding token %q", ErrConfiguration, token)
		}
		if _, clash := b.Components[token]; clash {
			return nil, nil, fmt.Errorf("%w: token %q collides with a component name", ErrConfiguration, token)
		}
		tensors[token] = t
		meta[token] = EmbedFlag
	}
	return tensors, meta, nil
}

// WriteBundle writes b to a SafeTensors file.
func WriteBundle(path string, b *Bundle) error {
	tensors, meta, err := b.Encode()
	if err != nil {
		return err
	}
	logger.Info("Saving weights", "path", path, "components", len(b.Components), "embeds", len(b.Embeds))
	if err := serialization.WriteSafeTensors(path, tensors, meta); err != nil {
		return err
	}
	metrics.RecordBundleIO(metrics.DirectionWrite, len(tensors), byteSize(tensors))
	return nil
}

// ReadBundle reads and parses a bundle file.
func ReadBundle(path string) (*Bundle, error) {
	st, err := serialization.ReadSafeTensors(path)
	if err != nil {
		return nil, err
	}
	src := SourceOf(st)
	b, err := ParseBundle(src)
	if err != nil {
		metrics.RecordError("read_bundle", errorType(err))
		return nil, err
	}
	metrics.RecordBundleIO(metrics.DirectionRead, len(st.Tensors), byteSize(st.Tensors))
	return b, nil
}

func byteSize(tensors map[string]*tensor.Tensor) int64 {
	var n int64
	for _, t := range tensors {
		n += int64(t.NumElements() * t.DType().Size())
	}
	return n
}

// prefix returns the part of key before its first colon.
func prefix(key string) string {
	name, _, _ := strings.Cut(key, ":")
	return name
}

// ParseBundle decodes every component and embedding in src.
//
// Keys are grouped by the prefix before their first colon. A group without
// metadata, unparseable target metadata, a missing rank record, a bad index
// or direction, or a missing up or down half yields CorruptBundleError, and
// no partial bundle is returned.
func ParseBundle(src TensorSource) (*Bundle, error) {
	keys := src.Names()
	slices.SortStableFunc(keys, func(a, b string) int { return strings.Compare(prefix(a), prefix(b)) })

	b := NewBundle()
	for start := 0; start < len(keys); {
		name := prefix(keys[start])
		end := start
		for end < len(keys) && prefix(keys[end]) == name {
			end++
		}
		group := keys[start:end]
		start = end

		info, ok := src.Meta(name)
		if !ok || info == "" {
			return nil, &CorruptBundleError{Key: name, Reason: "tensor group has no metadata"}
		}
		if info == EmbedFlag {
			if len(group) != 1 || group[0] != name {
				return nil, &CorruptBundleError{Key: name, Reason: "embedding key must not carry an index"}
			}
			b.Embeds[name] = src.Tensor(name)
			continue
		}

		c, err := parseComponent(src, name, info, group)
		if err != nil {
			return nil, err
		}
		b.Components[name] = c
	}
	return b, nil
}

func parseComponent(src TensorSource, name, info string, keys []string) (*Component, error) {
	c := &Component{}
	if err := json.Unmarshal([]byte(info), &c.Targets); err != nil {
		return nil, &CorruptBundleError{Key: name, Reason: "target metadata is not a JSON string list", Err: err}
	}
	if len(keys)%2 != 0 {
		return nil, &CorruptBundleError{Key: name, Reason: fmt.Sprintf("odd tensor count %d", len(keys))}
	}

	n := len(keys) / 2
	c.Pairs = make([]Pair, n)
	c.Ranks = make([]int, n)
	for _, key := range keys {
		parts := strings.Split(key, ":")
		if len(parts) != 3 {
			return nil, &CorruptBundleError{Key: key, Reason: "want {component}:{index}:{up|down}"}
		}
		idx, err := strconv.Atoi(parts[1])
		if err != nil || idx < 0 || idx >= n {
			return nil, &CorruptBundleError{Key: key, Reason: fmt.Sprintf("index out of range [0, %d)", n), Err: err}
		}

		t := src.Tensor(key)
		switch parts[2] {
		case "up":
			if c.Pairs[idx].Up != nil {
				return nil, &CorruptBundleError{Key: key, Reason: "duplicate up tensor"}
			}
			c.Pairs[idx].Up = t
		case "down":
			if c.Pairs[idx].Down != nil {
				return nil, &CorruptBundleError{Key: key, Reason: "duplicate down tensor"}
			}
			c.Pairs[idx].Down = t
		default:
			return nil, &CorruptBundleError{Key: key, Reason: fmt.Sprintf("unknown direction %q", parts[2])}
		}
	}

	for i, p := range c.Pairs {
		if p.Up == nil || p.Down == nil {
			return nil, &CorruptBundleError{Key: fmt.Sprintf("%s:%d", name, i), Reason: "missing up or down half"}
		}
		rankKey := fmt.Sprintf("%s:%d:rank", name, i)
		raw, ok := src.Meta(rankKey)
		if !ok {
			return nil, &CorruptBundleError{Key: rankKey, Reason: "missing rank record"}
		}
		rank, err := strconv.Atoi(raw)
		if err != nil {
			return nil, &CorruptBundleError{Key: rankKey, Reason: "rank is not an integer", Err: err}
		}
		if rank != p.Rank() {
			return nil, &CorruptBundleError{Key: rankKey, Reason: fmt.Sprintf("rank %d does not match down tensor %v", rank, p.Down.Shape())}
		}
		c.Ranks[i] = rank
	}
	return c, nil
}

// ParseEmbeds returns only the embeddings of src.
func ParseEmbeds(src TensorSource) map[string]*tensor.Tensor {
	embeds := make(map[string]*tensor.Tensor)
	for _, name := range src.Names() {
		if v, ok := src.Meta(name); ok && v == EmbedFlag {
			embeds[name] = src.Tensor(name)
		}
	}
	return embeds
}

// ModelTarget pairs a model with the target set its corrections are
// extracted under.
type ModelTarget struct {
	Graph   *nn.Graph
	Root    nn.NodeID
	Targets []string
}

// BundleFromModels extracts the corrections of every model into a bundle.
// Each component's tensors are moved to the CPU; their precision is kept.
func BundleFromModels(models map[string]ModelTarget, embeds map[string]*tensor.Tensor) (*Bundle, error) {
	b := NewBundle()
	for _, name := range slices.Sorted(maps.Keys(models)) {
		m := models[name]
		pairs, err := Extract(m.Graph, m.Root, m.Targets)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		c := &Component{Targets: slices.Clone(m.Targets)}
		for _, p := range pairs {
			up := p.Up.To(tensor.CPU, p.Up.DType())
			down := p.Down.To(tensor.CPU, p.Down.DType())
			c.Pairs = append(c.Pairs, Pair{Up: up, Down: down})
			c.Ranks = append(c.Ranks, p.Rank())
		}
		b.Components[name] = c
	}
	maps.Copy(b.Embeds, embeds)
	return b, nil
}

// SaveComponents extracts the corrections of every model and writes them,
// with embeds, as a single bundle.
func SaveComponents(path string, models map[string]ModelTarget, embeds map[string]*tensor.Tensor) error {
	b, err := BundleFromModels(models, embeds)
	if err != nil {
		return err
	}
	return WriteBundle(path, b)
}
