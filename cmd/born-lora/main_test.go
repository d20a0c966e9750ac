package main

import (
	"bytes"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/lora/internal/config"
	"github.com/born-ml/lora/internal/lora"
	"github.com/born-ml/lora/internal/tensor"
)

const unetYAML = `
models:
  unet:
    seed: 3
    root:
      class: UNet2DConditionModel
      children:
        - name: attn
          class: CrossAttention
          children:
            - {name: to_q, type: linear, in: 8, out: 8, bias: false}
            - {name: to_out, type: linear, in: 8, out: 8}
lora:
  rank: 2
logging:
  level: disabled
`

func TestVersion(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run([]string{"version"}, &out))
	assert.Equal(t, "born-lora "+version+"\n", out.String())
}

func TestUsage(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run(nil, &out))
	assert.Contains(t, out.String(), "Commands:")
}

func TestUnknownCommand(t *testing.T) {
	err := run([]string{"train"}, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command")
}

func TestMissingFlags(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"convert without out", []string{"convert"}, "-out is required"},
		{"convert without inputs", []string{"convert", "-out", "x.safetensors"}, "nothing to convert"},
		{"merge without lora", []string{"merge", "-config", "c.yaml"}, "-lora and -out are required"},
		{"merge bad format", []string{"merge", "-lora", "a", "-out", "b", "-format", "gguf"}, "invalid format"},
		{"extract without out", []string{"extract", "-lora", "a.safetensors"}, "-lora and -out are required"},
		{"inspect without config", []string{"inspect"}, "-config is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := run(tt.args, &bytes.Buffer{})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestConvertAndInspectBundle(t *testing.T) {
	dir := t.TempDir()
	rng := rand.New(rand.NewSource(1))
	legacy := filepath.Join(dir, "style.lora")
	require.NoError(t, lora.WriteLegacy(legacy, []*tensor.Tensor{
		tensor.Normal(tensor.Shape{8, 2}, 0.1, rng),
		tensor.Normal(tensor.Shape{2, 8}, 0.1, rng),
	}))

	out := filepath.Join(dir, "style.safetensors")
	var stdout bytes.Buffer
	require.NoError(t, run([]string{"convert", "-out", out, "-unet", legacy, "-rank", "2"}, &stdout))
	assert.Contains(t, stdout.String(), "1 components")

	b, err := lora.ReadBundle(out)
	require.NoError(t, err)
	require.Contains(t, b.Components, lora.ComponentUNet)
	assert.Equal(t, []int{2}, b.Components[lora.ComponentUNet].Ranks)

	stdout.Reset()
	require.NoError(t, run([]string{"inspect", "-bundle", out}, &stdout))
	assert.Contains(t, stdout.String(), "unet")
	assert.Contains(t, stdout.String(), "CrossAttention,Attention,GEGLU")
}

var errClosed = errors.New("closed")

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errClosed }

func TestInspectBundleWriteError(t *testing.T) {
	dir := t.TempDir()
	legacy := filepath.Join(dir, "style.lora")
	rng := rand.New(rand.NewSource(1))
	require.NoError(t, lora.WriteLegacy(legacy, []*tensor.Tensor{
		tensor.Normal(tensor.Shape{8, 2}, 0.1, rng),
		tensor.Normal(tensor.Shape{2, 8}, 0.1, rng),
	}))
	out := filepath.Join(dir, "style.safetensors")
	require.NoError(t, run([]string{"convert", "-out", out, "-unet", legacy}, &bytes.Buffer{}))

	err := run([]string{"inspect", "-bundle", out}, failingWriter{})
	assert.ErrorIs(t, err, errClosed)
}

func TestConvertRankMismatch(t *testing.T) {
	dir := t.TempDir()
	rng := rand.New(rand.NewSource(1))
	legacy := filepath.Join(dir, "style.lora")
	require.NoError(t, lora.WriteLegacy(legacy, []*tensor.Tensor{
		tensor.Normal(tensor.Shape{8, 2}, 0.1, rng),
		tensor.Normal(tensor.Shape{2, 8}, 0.1, rng),
	}))

	err := run([]string{"convert", "-out", filepath.Join(dir, "x.safetensors"), "-unet", legacy, "-rank", "4"}, &bytes.Buffer{})
	assert.ErrorIs(t, err, lora.ErrBundleMismatch)
}

// trainedBundle writes a config and a bundle of nonzero corrections for it,
// and returns the forward output of the patched model on x.
func trainedBundle(t *testing.T, dir string, x *tensor.Tensor) (cfgPath, bundlePath string, want *tensor.Tensor) {
	t.Helper()
	cfgPath = filepath.Join(dir, "pipeline.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(unetYAML), 0o600))
	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	p, err := cfg.Pipeline()
	require.NoError(t, err)

	m := p.Models[lora.ComponentUNet]
	targets := lora.UNetDefaultTargets().Classes
	res, err := lora.InjectNew(m.Graph, m.Root, lora.InjectOptions{Targets: targets, Rank: 2, Seed: 4})
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(5))
	for _, group := range res.Groups {
		for _, param := range group {
			param.SetTensor(tensor.Normal(param.Tensor().Shape(), 0.2, rng))
		}
	}

	bundlePath = filepath.Join(dir, "style.safetensors")
	require.NoError(t, lora.SaveComponents(bundlePath, map[string]lora.ModelTarget{
		lora.ComponentUNet: {Graph: m.Graph, Root: m.Root, Targets: targets},
	}, nil))

	want, err = m.Graph.Forward(m.Root, x)
	require.NoError(t, err)
	return cfgPath, bundlePath, want
}

func TestMerge(t *testing.T) {
	dir := t.TempDir()
	x := tensor.Normal(tensor.Shape{3, 8}, 1, rand.New(rand.NewSource(6)))
	cfgPath, bundlePath, want := trainedBundle(t, dir, x)

	outDir := filepath.Join(dir, "merged")
	var stdout bytes.Buffer
	require.NoError(t, run([]string{
		"merge", "-config", cfgPath, "-lora", bundlePath, "-out", outDir, "-format", "safetensors",
	}, &stdout))
	checkpoint := filepath.Join(outDir, "unet.safetensors")
	assert.Contains(t, stdout.String(), checkpoint)

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	mc := cfg.Models[lora.ComponentUNet]
	mc.Checkpoint = checkpoint
	g, root, err := mc.Load()
	require.NoError(t, err)
	got, err := g.Forward(root, x)
	require.NoError(t, err)
	assert.True(t, tensor.AllClose(want, got, 1e-4, 1e-5))

	stats, err := lora.Inspect(g, root, nil)
	require.NoError(t, err)
	assert.Empty(t, stats, "merged checkpoint has plain layers")
}

func TestInspectPatched(t *testing.T) {
	dir := t.TempDir()
	x := tensor.Normal(tensor.Shape{1, 8}, 1, rand.New(rand.NewSource(6)))
	cfgPath, bundlePath, _ := trainedBundle(t, dir, x)

	var stdout bytes.Buffer
	require.NoError(t, run([]string{"inspect", "-config", cfgPath, "-lora", bundlePath}, &stdout))
	assert.Contains(t, stdout.String(), "attn.to_q")
	assert.Contains(t, stdout.String(), "attn.to_out")
}

func TestExtractJSON(t *testing.T) {
	dir := t.TempDir()
	x := tensor.Normal(tensor.Shape{1, 8}, 1, rand.New(rand.NewSource(6)))
	cfgPath, bundlePath, _ := trainedBundle(t, dir, x)

	out := filepath.Join(dir, "style.json")
	require.NoError(t, run([]string{"extract", "-config", cfgPath, "-lora", bundlePath, "-out", out}, &bytes.Buffer{}))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"ups"`)
	assert.Contains(t, string(data), `"downs"`)
}
