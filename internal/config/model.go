package config

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/born-ml/lora/internal/nn"
	"github.com/born-ml/lora/internal/serialization"
	"github.com/born-ml/lora/internal/tensor"
)

// Node types accepted in NodeSpec.Type.
const (
	TypeContainer = "container"
	TypeLinear    = "linear"
	TypeConv2D    = "conv2d"
	TypeDropout   = "dropout"
	TypeReLU      = "relu"
	TypeEmbedding = "embedding"
)

// NodeSpec describes one node of a layer tree. Type defaults to container.
type NodeSpec struct {
	Name  string `yaml:"name"`
	Class string `yaml:"class"`
	Type  string `yaml:"type"`

	// linear: In -> Out features; conv2d: In -> Out channels
	In      int   `yaml:"in"`
	Out     int   `yaml:"out"`
	Bias    *bool `yaml:"bias"` // default true
	Kernel  []int `yaml:"kernel"`
	Stride  []int `yaml:"stride"`
	Padding []int `yaml:"padding"`
	Groups  int   `yaml:"groups"`

	P float64 `yaml:"p"` // dropout

	Num int `yaml:"num"` // embedding rows
	Dim int `yaml:"dim"` // embedding width

	Children []NodeSpec `yaml:"children"`
}

func (n NodeSpec) kind() string {
	if n.Type == "" {
		return TypeContainer
	}
	return strings.ToLower(n.Type)
}

func (n NodeSpec) bias() bool {
	return n.Bias == nil || *n.Bias
}

func (n NodeSpec) validate(path string) error {
	switch n.kind() {
	case TypeContainer, TypeReLU:
	case TypeLinear:
		if n.In <= 0 || n.Out <= 0 {
			return fmt.Errorf("%s: invalid linear in=%d out=%d (must be positive)", path, n.In, n.Out)
		}
	case TypeConv2D:
		if n.In <= 0 || n.Out <= 0 {
			return fmt.Errorf("%s: invalid conv2d in=%d out=%d (must be positive)", path, n.In, n.Out)
		}
		if len(n.Kernel) != 2 || n.Kernel[0] <= 0 || n.Kernel[1] <= 0 {
			return fmt.Errorf("%s: invalid conv2d kernel %v (must be two positive sizes)", path, n.Kernel)
		}
		for _, pair := range [][]int{n.Stride, n.Padding} {
			if len(pair) != 0 && len(pair) != 2 {
				return fmt.Errorf("%s: conv2d stride and padding take two values", path)
			}
		}
		if g := max(n.Groups, 1); n.In%g != 0 || n.Out%g != 0 {
			return fmt.Errorf("%s: conv2d channels in=%d out=%d not divisible by groups=%d", path, n.In, n.Out, g)
		}
	case TypeDropout:
		if n.P < 0 || n.P >= 1 {
			return fmt.Errorf("%s: invalid dropout p=%v (must be in [0, 1))", path, n.P)
		}
	case TypeEmbedding:
		if n.Num <= 0 || n.Dim <= 0 {
			return fmt.Errorf("%s: invalid embedding num=%d dim=%d (must be positive)", path, n.Num, n.Dim)
		}
	default:
		return fmt.Errorf("%s: unknown node type %q", path, n.Type)
	}
	if n.kind() != TypeContainer && len(n.Children) > 0 {
		return fmt.Errorf("%s: only containers have children", path)
	}

	seen := make(map[string]bool, len(n.Children))
	for _, c := range n.Children {
		if c.Name == "" || strings.Contains(c.Name, ".") {
			return fmt.Errorf("%s: invalid child name %q", path, c.Name)
		}
		if seen[c.Name] {
			return fmt.Errorf("%s: duplicate child %q", path, c.Name)
		}
		seen[c.Name] = true
		if err := c.validate(path + "." + c.Name); err != nil {
			return err
		}
	}
	return nil
}

func pairOf(v []int) [2]int {
	if len(v) != 2 {
		return [2]int{}
	}
	return [2]int{v[0], v[1]}
}

func (n NodeSpec) layer(rng *rand.Rand) nn.Layer {
	switch n.kind() {
	case TypeLinear:
		return nn.NewLinear(n.In, n.Out, n.bias(), rng)
	case TypeConv2D:
		params := tensor.ConvParams{Stride: pairOf(n.Stride), Padding: pairOf(n.Padding), Groups: n.Groups}
		return nn.NewConv2D(n.In, n.Out, pairOf(n.Kernel), params, n.bias(), rng)
	case TypeDropout:
		return nn.NewDropout(n.P)
	case TypeReLU:
		return nn.ReLU{}
	case TypeEmbedding:
		return nn.NewEmbedding(n.Num, n.Dim, rng)
	default:
		return nn.Container{}
	}
}

func (n NodeSpec) attach(g *nn.Graph, parent nn.NodeID, rng *rand.Rand) {
	id := g.Attach(parent, n.Name, n.layer(rng), n.Class)
	for _, c := range n.Children {
		c.attach(g, id, rng)
	}
}

// Build constructs the layer graph of m with weights drawn from m.Seed.
func (m ModelConfig) Build() (*nn.Graph, nn.NodeID, error) {
	if err := m.Root.validate("root"); err != nil {
		return nil, nn.Detached, err
	}
	//nolint:gosec // weight initialisation is not security-critical
	rng := rand.New(rand.NewSource(m.Seed))
	g := nn.NewGraph()
	root := g.Add(m.Root.layer(rng), m.Root.Class)
	for _, c := range m.Root.Children {
		c.attach(g, root, rng)
	}
	return g, root, nil
}

// Load builds the graph and, when a checkpoint is configured, loads its
// state dict strictly.
func (m ModelConfig) Load() (*nn.Graph, nn.NodeID, error) {
	g, root, err := m.Build()
	if err != nil {
		return nil, nn.Detached, err
	}
	if m.Checkpoint == "" {
		return g, root, nil
	}
	state, err := ReadState(m.Checkpoint)
	if err != nil {
		return nil, nn.Detached, err
	}
	if err := g.LoadStateDict(root, state, true); err != nil {
		return nil, nn.Detached, fmt.Errorf("%s: %w", m.Checkpoint, err)
	}
	return g, root, nil
}

// ReadState reads a state dict from a .born or .safetensors file.
func ReadState(path string) (map[string]*tensor.Tensor, error) {
	switch {
	case strings.HasSuffix(path, ".born"):
		ckpt, err := serialization.LoadBorn(path, serialization.ReaderOptions{})
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return ckpt.Tensors, nil
	case strings.HasSuffix(path, ".safetensors"):
		st, err := serialization.ReadSafeTensors(path)
		if err != nil {
			return nil, err
		}
		return st.Tensors, nil
	default:
		return nil, fmt.Errorf("unsupported checkpoint %q (want .born or .safetensors)", path)
	}
}

// WriteState writes a state dict as .born or .safetensors, chosen by
// extension.
func WriteState(path string, state map[string]*tensor.Tensor, modelType string) error {
	switch {
	case strings.HasSuffix(path, ".born"):
		return serialization.SaveBorn(path, state, modelType, nil)
	case strings.HasSuffix(path, ".safetensors"):
		return serialization.WriteSafeTensors(path, state, nil)
	default:
		return fmt.Errorf("unsupported checkpoint %q (want .born or .safetensors)", path)
	}
}
