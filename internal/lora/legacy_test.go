package lora

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/lora/internal/tensor"
)

func TestLegacyRoundTrip(t *testing.T) {
	up, down := densePair(8, 8, 2, 0.5)
	path := filepath.Join(t.TempDir(), "x.lora")
	require.NoError(t, WriteLegacy(path, []*tensor.Tensor{up, down}))

	got, err := ReadLegacy(path)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, up.Shape(), got[0].Shape())
	assert.Equal(t, down.Data(), got[1].Data())
}

func TestLegacyErrors(t *testing.T) {
	dir := t.TempDir()
	up, _ := densePair(8, 8, 2, 0.5)
	assert.ErrorIs(t, WriteLegacy(filepath.Join(dir, "odd.lora"), []*tensor.Tensor{up}), ErrBundleMismatch)

	garbage := filepath.Join(dir, "garbage.lora")
	require.NoError(t, os.WriteFile(garbage, []byte{0xc1, 0x00}, 0o600))
	_, err := ReadLegacy(garbage)
	assert.ErrorIs(t, err, ErrCorruptBundle)
}

func TestSaveLegacyUsesHalfPrecision(t *testing.T) {
	g, root := seqModel(t)
	_, err := InjectNew(g, root, InjectOptions{Targets: attention(), Rank: 2})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "x.lora")
	require.NoError(t, SaveLegacy(g, root, attention(), path, tensor.Float16))
	got, err := ReadLegacy(path)
	require.NoError(t, err)
	require.Len(t, got, 4)
	for _, tt := range got {
		assert.Equal(t, tensor.Float16, tt.DType())
	}
}

func TestConvertLegacy(t *testing.T) {
	dir := t.TempDir()
	up, down := densePair(8, 8, 2, 0.5)
	src := filepath.Join(dir, "x.lora")
	require.NoError(t, WriteLegacy(src, []*tensor.Tensor{up, down, up, down}))

	out := filepath.Join(dir, "x.safetensors")
	sources := map[string]LegacySource{ComponentUNet: {Path: src, Targets: attention(), Rank: 2}}
	embeds := map[string]*tensor.Tensor{"<sks>": vec(1, 2)}
	require.NoError(t, ConvertLegacy(out, sources, embeds))

	b, err := ReadBundle(out)
	require.NoError(t, err)
	c := b.Components[ComponentUNet]
	require.NotNil(t, c)
	assert.Equal(t, []int{2, 2}, c.Ranks)
	assert.Equal(t, attention(), c.Targets)
	assert.Contains(t, b.Embeds, "<sks>")

	sources[ComponentUNet] = LegacySource{Path: src, Targets: attention(), Rank: 3}
	assert.ErrorIs(t, ConvertLegacy(filepath.Join(dir, "bad.safetensors"), sources, nil), ErrBundleMismatch)
}

func TestLegacyToComponentChecksPairs(t *testing.T) {
	up, _ := densePair(8, 8, 2, 0.5)
	_, wideDown := densePair(8, 8, 3, 0.5)
	_, err := LegacyToComponent([]*tensor.Tensor{up, wideDown}, nil, 0)
	assert.ErrorIs(t, err, ErrBundleMismatch)
}

func TestExportJSON(t *testing.T) {
	g, root := mixedModel(t)
	_, err := InjectNewExtended(g, root, InjectOptions{Rank: 2})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "lora.json")
	require.NoError(t, ExportJSON(g, root, nil, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var out struct {
		Ups   []json.RawMessage `json:"ups"`
		Downs []json.RawMessage `json:"downs"`
	}
	require.NoError(t, json.Unmarshal(data, &out))
	require.Len(t, out.Ups, 2)
	require.Len(t, out.Downs, 2)

	var convDown [][][][]float32
	require.NoError(t, json.Unmarshal(out.Downs[0], &convDown))
	assert.Len(t, convDown, 2)
	assert.Len(t, convDown[0], 2)
	assert.Len(t, convDown[0][0], 3)

	var denseUp [][]float32
	require.NoError(t, json.Unmarshal(out.Ups[1], &denseUp))
	assert.Len(t, denseUp, 4)
	assert.Equal(t, []float32{0, 0}, denseUp[0])
}
