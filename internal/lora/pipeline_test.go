package lora

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/lora/internal/nn"
	"github.com/born-ml/lora/internal/tensor"
)

func textModel(t *testing.T) (*nn.Graph, nn.NodeID) {
	t.Helper()
	g := nn.NewGraph()
	root := g.Add(nn.Container{}, "CLIPTextModel")
	attn := g.Attach(root, "attn", nn.Container{}, "CLIPAttention")
	g.Attach(attn, "q", nn.NewLinear(4, 4, true, newRand(21)), "")
	g.Attach(attn, "out", nn.NewLinear(4, 4, true, newRand(22)), "")
	return g, root
}

func newPipeline(t *testing.T) *Pipeline {
	t.Helper()
	unet, unetRoot := seqModel(t)
	text, textRoot := textModel(t)
	return &Pipeline{
		Models: map[string]*Model{
			ComponentUNet:        {Graph: unet, Root: unetRoot},
			ComponentTextEncoder: {Graph: text, Root: textRoot},
		},
		Vocab:     newFakeVocab(10),
		Embedding: nn.NewEmbedding(10, 4, newRand(23)),
	}
}

// trainedPipeline injects and trains both models and learns "<sks>".
func trainedPipeline(t *testing.T) *Pipeline {
	t.Helper()
	p := newPipeline(t)
	for name, targets := range map[string]TargetSet{
		ComponentUNet:        UNetDefaultTargets(),
		ComponentTextEncoder: TextEncoderDefaultTargets(),
	} {
		m := p.Models[name]
		_, err := InjectNew(m.Graph, m.Root, InjectOptions{Targets: targets.Classes, Rank: 2, Seed: 1})
		require.NoError(t, err)
		train(t, m.Graph, m.Root, 2)
	}
	_, err := ApplyEmbeds(map[string]*tensor.Tensor{"<sks>": vec(1, 2, 3, 4)}, p.Embedding, p.Vocab, nil, false)
	require.NoError(t, err)
	return p
}

func outputs(t *testing.T, p *Pipeline) map[string]*tensor.Tensor {
	t.Helper()
	inputs := map[string]*tensor.Tensor{
		ComponentUNet:        tensor.Normal(tensor.Shape{2, 8}, 1, newRand(31)),
		ComponentTextEncoder: tensor.Normal(tensor.Shape{2, 4}, 1, newRand(32)),
	}
	out := make(map[string]*tensor.Tensor)
	for name, x := range inputs {
		m := p.Models[name]
		y, err := m.Graph.Forward(m.Root, x)
		require.NoError(t, err)
		out[name] = y
	}
	return out
}

func assertSameOutputs(t *testing.T, want, got map[string]*tensor.Tensor, atol float64) {
	t.Helper()
	for name, w := range want {
		assert.True(t, tensor.AllClose(w, got[name], atol, atol), "%s: max diff %g", name, tensor.MaxAbsDiff(w, got[name]))
	}
}

func TestSaveAllAndPatchBundle(t *testing.T) {
	trained := trainedPipeline(t)
	path := filepath.Join(t.TempDir(), "all.safetensors")
	opts := DefaultSaveAllOptions()
	opts.Tokens = []string{"<sks>"}
	require.NoError(t, SaveAll(trained, path, opts))

	fresh := newPipeline(t)
	patch := DefaultPatchOptions()
	patch.PatchTI = true
	res, err := PatchPipeline(fresh, path, patch)
	require.NoError(t, err)
	assert.Equal(t, "<sks>", res.Token)
	assert.Contains(t, res.Embeds, "<sks>")

	assertSameOutputs(t, outputs(t, trained), outputs(t, fresh), 0)
	id, ok := fresh.Vocab.TokenID("<sks>")
	require.True(t, ok)
	row, err := fresh.Embedding.Row(id)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4}, row)
}

func TestPatchBundleSkipsUnknownComponent(t *testing.T) {
	b := NewBundle()
	b.Components["vae"] = component(t, 1, 4, 2, []string{"Attention"}, 1)
	b.Components[ComponentTextEncoder] = component(t, 2, 4, 2, TextEncoderDefaultTargets().Classes, 2)
	path := filepath.Join(t.TempDir(), "partial.safetensors")
	require.NoError(t, WriteBundle(path, b))

	p := newPipeline(t)
	_, err := PatchPipeline(p, path, DefaultPatchOptions())
	require.NoError(t, err)
	text := p.Models[ComponentTextEncoder]
	assert.Equal(t, nn.KindLoraLinear, text.Graph.Kind(mustChild(t, text.Graph, text.Root, "attn", "q")))
}

func TestPatchBundleAllOrNothing(t *testing.T) {
	tests := []struct {
		name   string
		bundle func(*testing.T) *Bundle
		patch  func(*Pipeline, *PatchOptions)
		want   error
	}{
		{"second component mismatches", func(t *testing.T) *Bundle {
			b := NewBundle()
			b.Components[ComponentTextEncoder] = component(t, 2, 4, 2, TextEncoderDefaultTargets().Classes, 2)
			b.Components[ComponentUNet] = component(t, 1, 8, 2, UNetDefaultTargets().Classes, 3)
			return b
		}, nil, ErrBundleMismatch},
		{"no embedding table", func(t *testing.T) *Bundle {
			b := NewBundle()
			b.Components[ComponentTextEncoder] = component(t, 2, 4, 2, TextEncoderDefaultTargets().Classes, 2)
			b.Embeds["<sks>"] = vec(1, 2, 3, 4)
			return b
		}, func(p *Pipeline, opts *PatchOptions) {
			p.Embedding = nil
			opts.PatchTI = true
		}, ErrConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.safetensors")
			require.NoError(t, WriteBundle(path, tt.bundle(t)))

			p := newPipeline(t)
			opts := DefaultPatchOptions()
			if tt.patch != nil {
				tt.patch(p, &opts)
			}
			_, err := PatchPipeline(p, path, opts)
			assert.ErrorIs(t, err, tt.want)

			for name, m := range p.Models {
				assert.Empty(t, augmentedNodes(m.Graph, m.Root), "%s left unpatched", name)
			}
		})
	}
}

func TestLegacyPipelineRoundTrip(t *testing.T) {
	trained := trainedPipeline(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "x.lora")
	opts := DefaultSaveAllOptions()
	opts.Tokens = []string{"<sks>"}
	opts.Legacy = true
	require.NoError(t, SaveAll(trained, path, opts))
	assert.FileExists(t, filepath.Join(dir, "x.text_encoder.lora"))
	assert.FileExists(t, filepath.Join(dir, "x.ti.lora"))

	fresh := newPipeline(t)
	patch := DefaultPatchOptions()
	patch.PatchTI = true
	res, err := PatchPipeline(fresh, filepath.Join(dir, "x.ti.lora"), patch)
	require.NoError(t, err)
	assert.Equal(t, "<sks>", res.Token)

	// Legacy files hold half precision.
	assertSameOutputs(t, outputs(t, trained), outputs(t, fresh), 1e-2)
}

func TestLegacyPaths(t *testing.T) {
	assert.Equal(t, "a/x.text_encoder.lora", TextLoraPath("a/x.lora"))
	assert.Equal(t, "a/x.ti.lora", EmbedLoraPath("a/x.lora"))
	for _, member := range []string{"x.lora", "x.ti.lora", "x.text_encoder.lora", "x_txt.lora"} {
		assert.Equal(t, "x.lora", legacyBase(member), member)
	}
}

func TestPatchPipelineRejectsUnknownFormat(t *testing.T) {
	_, err := PatchPipeline(newPipeline(t), "weights.bin", DefaultPatchOptions())
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestMergeIntoModel(t *testing.T) {
	trained := trainedPipeline(t)
	unet := trained.Models[ComponentUNet]
	pairs, err := Extract(unet.Graph, unet.Root, UNetDefaultTargets().Classes)
	require.NoError(t, err)

	fresh := newPipeline(t)
	m := fresh.Models[ComponentUNet]
	require.NoError(t, MergeIntoModel(m, Tensors(pairs), MergeOptions{Weight: 1}))
	for _, id := range m.Graph.Walk(m.Root) {
		assert.False(t, m.Graph.Kind(id).IsLora())
	}

	x := tensor.Normal(tensor.Shape{2, 8}, 1, newRand(40))
	want, err := unet.Graph.Forward(unet.Root, x)
	require.NoError(t, err)
	got, err := m.Graph.Forward(m.Root, x)
	require.NoError(t, err)
	assert.True(t, tensor.AllClose(want, got, 1e-4, 1e-5))
}

func TestMergePipeline(t *testing.T) {
	trained := trainedPipeline(t)
	path := filepath.Join(t.TempDir(), "all.safetensors")
	require.NoError(t, SaveAll(trained, path, DefaultSaveAllOptions()))

	fresh := newPipeline(t)
	require.NoError(t, MergePipeline(fresh, path, MergePipelineOptions{Patch: DefaultPatchOptions(), UNetAlpha: 1, TextAlpha: 1}))
	for _, m := range fresh.Models {
		for _, id := range m.Graph.Walk(m.Root) {
			assert.False(t, m.Graph.Kind(id).IsLora())
		}
	}
	assertSameOutputs(t, outputs(t, trained), outputs(t, fresh), 1e-4)
}

func TestSaveAllValidatesPath(t *testing.T) {
	p := trainedPipeline(t)
	dir := t.TempDir()
	assert.ErrorIs(t, SaveAll(p, filepath.Join(dir, "x.lora"), DefaultSaveAllOptions()), ErrConfiguration)

	opts := DefaultSaveAllOptions()
	opts.Legacy = true
	assert.ErrorIs(t, SaveAll(p, filepath.Join(dir, "x.safetensors"), opts), ErrConfiguration)

	opts = DefaultSaveAllOptions()
	opts.Tokens = []string{"<unknown>"}
	assert.ErrorIs(t, SaveAll(p, filepath.Join(dir, "x.safetensors"), opts), ErrConfiguration)
}
