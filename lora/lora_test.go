// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package lora_test

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/lora/lora"
	"github.com/born-ml/lora/nn"
	"github.com/born-ml/lora/tensor"
	"github.com/born-ml/lora/tokenizer"
)

func buildModel() (*nn.Graph, nn.NodeID) {
	rng := rand.New(rand.NewSource(7))
	g := nn.NewGraph()
	root := g.Add(nn.Container{}, "UNet")
	attn := g.Attach(root, "attn", nn.Container{}, "CrossAttention")
	g.Attach(attn, "to_q", nn.NewLinear(16, 16, false, rng), "")
	g.Attach(attn, "to_out", nn.NewLinear(16, 16, true, rng), "")
	return g, root
}

// TestLifecycle injects, trains, saves, reloads and merges corrections
// through the public API only.
func TestLifecycle(t *testing.T) {
	targets := lora.UNetDefaultTargets().Classes
	g, root := buildModel()
	res, err := lora.InjectNew(g, root, lora.InjectOptions{Targets: targets, Rank: 4, Seed: 1})
	require.NoError(t, err)
	require.Len(t, res.Parameters(), 4)

	rng := rand.New(rand.NewSource(2))
	for _, group := range res.Groups {
		group[0].SetTensor(tensor.Normal(group[0].Tensor().Shape(), 0.1, rng))
	}

	pairs, err := lora.Extract(g, root, targets)
	require.NoError(t, err)
	b := lora.NewBundle()
	b.Components[lora.ComponentUNet] = &lora.Component{Pairs: pairs, Ranks: []int{4, 4}, Targets: targets}
	path := filepath.Join(t.TempDir(), "corrections.safetensors")
	require.NoError(t, lora.WriteBundle(path, b))

	loaded, err := lora.ReadBundle(path)
	require.NoError(t, err)
	comp := loaded.Components[lora.ComponentUNet]

	fresh, freshRoot := buildModel()
	require.NoError(t, lora.ReplaceExisting(fresh, freshRoot, comp.Tensors(), lora.ReplaceOptions{Targets: comp.Targets}))

	x := tensor.Normal(tensor.Shape{3, 16}, 1, rng)
	want, err := g.Forward(root, x)
	require.NoError(t, err)
	got, err := fresh.Forward(freshRoot, x)
	require.NoError(t, err)
	assert.Equal(t, want.Data(), got.Data())

	require.NoError(t, lora.Collapse(fresh, freshRoot, 1))
	n, err := lora.Remove(fresh, freshRoot)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	merged, err := fresh.Forward(freshRoot, x)
	require.NoError(t, err)
	assert.True(t, tensor.AllClose(want, merged, 1e-4, 1e-5))

	_, err = lora.Extract(fresh, freshRoot, targets)
	assert.ErrorIs(t, err, lora.ErrNoMatch)
}

func TestRankTooLarge(t *testing.T) {
	g, root := buildModel()
	_, err := lora.InjectNew(g, root, lora.InjectOptions{Rank: 32})
	var cfgErr *lora.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.ErrorIs(t, err, lora.ErrConfiguration)
}

// TestAddedVocabPatch applies a learned embedding through a tokenizer's
// added-token table.
func TestAddedVocabPatch(t *testing.T) {
	tokPath := filepath.Join(t.TempDir(), "tokenizer.json")
	require.NoError(t, os.WriteFile(tokPath, []byte(`{
  "model": {"type": "BPE", "vocab": {"a": 0, "b": 1, "c": 2}, "merges": []}
}`), 0o600))
	base, err := tokenizer.LoadBPE(tokPath)
	require.NoError(t, err)
	vocab := tokenizer.NewAddedVocab(base)
	table := nn.NewEmbedding(3, 2, rand.New(rand.NewSource(1)))

	embed, err := tensor.FromSlice([]float32{0.5, -0.5}, tensor.Shape{2})
	require.NoError(t, err)
	tok, err := lora.ApplyEmbeds(map[string]*tensor.Tensor{"<sks>": embed}, table, vocab, nil, false)
	require.NoError(t, err)
	assert.Equal(t, "<sks>", tok)
	assert.Equal(t, 4, table.NumEmbeddings())

	ids, err := vocab.Encode("a <sks>")
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 3}, ids)
	row, err := table.Row(3)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, -0.5}, row)
}
