package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddedVocab_AddTokens(t *testing.T) {
	v := NewAddedVocab(testBPE(t))

	assert.Equal(t, 2, v.AddTokens("<sks>", "<cat-toy>", "<sks>", ""))
	assert.Equal(t, 0, v.AddTokens("photo</w>"), "base entries are not re-added")
	assert.Equal(t, 16, v.VocabSize())
	assert.Equal(t, []string{"<sks>", "<cat-toy>"}, v.Added())

	id, ok := v.TokenID("<cat-toy>")
	require.True(t, ok)
	assert.Equal(t, 15, id)
	id, ok = v.TokenID("photo</w>")
	require.True(t, ok)
	assert.Equal(t, 9, id)
	_, ok = v.TokenID("<dog>")
	assert.False(t, ok)
}

func TestAddedVocab_Encode(t *testing.T) {
	v := NewAddedVocab(testBPE(t))
	v.AddTokens("<sks>", "<sks>-long")

	tests := []struct {
		name string
		text string
		want []int32
	}{
		{"no added tokens", "a photo", []int32{0, 9}},
		{"trailing token", "a photo of <sks>", []int32{0, 9, 10, 14}},
		{"longest match", "<sks>-long photo", []int32{15, 9}},
		{"adjacent", "<sks><sks>", []int32{14, 14}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.Encode(tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAddedVocab_Decode(t *testing.T) {
	v := NewAddedVocab(testBPE(t))
	v.AddTokens("<sks>")

	text, err := v.Decode([]int32{0, 9, 10, 14})
	require.NoError(t, err)
	assert.Equal(t, "a photo of <sks>", text)

	text, err = v.Decode([]int32{14, 9})
	require.NoError(t, err)
	assert.Equal(t, "<sks> photo", text)
}

func TestAddedVocab_Delegates(t *testing.T) {
	base := testBPE(t)
	v := NewAddedVocab(base)
	v.AddTokens("<sks>")

	assert.Same(t, base, v.Base())
	assert.Equal(t, base.EosToken(), v.EosToken())
	assert.Equal(t, base.PadToken(), v.PadToken())
	assert.True(t, v.IsSpecialToken(13))
	assert.False(t, v.IsSpecialToken(14))

	var _ Tokenizer = v
}
