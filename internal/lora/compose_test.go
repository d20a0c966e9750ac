package lora

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/lora/internal/nn"
	"github.com/born-ml/lora/internal/tensor"
)

// train gives every up projection below root non-zero weights.
func train(t *testing.T, g *nn.Graph, root nn.NodeID, seed int64) {
	t.Helper()
	r := newRand(seed)
	for _, group := range Trainable(g, root) {
		up := group[0]
		trained := tensor.Normal(up.Tensor().Shape(), 0.1, r)
		up.SetTensor(trained.To(up.Tensor().Device(), up.Tensor().DType()))
	}
}

func TestCollapseRemoveEquivalence(t *testing.T) {
	tests := []struct {
		name   string
		build  func(*testing.T) (*nn.Graph, nn.NodeID)
		inject func(*nn.Graph, nn.NodeID, InjectOptions) (*InjectResult, error)
		x      *tensor.Tensor
		want   int
	}{
		{"dense", seqModel, InjectNew, tensor.Normal(tensor.Shape{3, 8}, 1, newRand(11)), 2},
		{"conv", func(t *testing.T) (*nn.Graph, nn.NodeID) {
			g, root := mixedModel(t)
			return g, mustChild(t, g, root, "res")
		}, InjectNewExtended, tensor.Normal(tensor.Shape{1, 2, 6, 6}, 1, newRand(12)), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, root := tt.build(t)
			_, err := tt.inject(g, root, InjectOptions{Rank: 2, Seed: 4})
			require.NoError(t, err)
			train(t, g, root, 5)
			assert.Equal(t, tt.want, SetScale(g, root, 1))

			augmented, err := g.Forward(root, tt.x)
			require.NoError(t, err)

			require.NoError(t, Collapse(g, root, 1))
			n, err := Remove(g, root)
			require.NoError(t, err)
			assert.Equal(t, tt.want, n)
			for _, id := range g.Walk(root) {
				assert.False(t, g.Kind(id).IsLora())
			}

			merged, err := g.Forward(root, tt.x)
			require.NoError(t, err)
			assert.True(t, tensor.AllClose(augmented, merged, 1e-4, 1e-5),
				"max diff %g", tensor.MaxAbsDiff(augmented, merged))
		})
	}
}

func TestRemoveKeepsBaseHandles(t *testing.T) {
	g, root := seqModel(t)
	fc2 := mustChild(t, g, root, "block", "fc2")
	weight, bias := g.Weight(fc2), g.Bias(fc2)

	_, err := InjectNew(g, root, InjectOptions{Rank: 2})
	require.NoError(t, err)
	_, err = Remove(g, root)
	require.NoError(t, err)

	fc2 = mustChild(t, g, root, "block", "fc2")
	assert.Equal(t, nn.KindLinear, g.Kind(fc2))
	assert.Same(t, weight, g.Weight(fc2))
	assert.Same(t, bias, g.Bias(fc2))
}

func TestSetScaleZeroRestoresBase(t *testing.T) {
	g, root := seqModel(t)
	x := tensor.Normal(tensor.Shape{2, 8}, 1, newRand(6))
	base, err := g.Forward(root, x)
	require.NoError(t, err)

	_, err = InjectNew(g, root, InjectOptions{Rank: 4})
	require.NoError(t, err)
	train(t, g, root, 7)

	trained, err := g.Forward(root, x)
	require.NoError(t, err)
	assert.False(t, tensor.AllClose(base, trained, 0, 1e-6))

	assert.Equal(t, 2, SetScale(g, root, 0))
	out, err := g.Forward(root, x)
	require.NoError(t, err)
	assert.Equal(t, base.Data(), out.Data())
}

func TestCollapseRatio(t *testing.T) {
	g := nn.NewGraph()
	root := g.Add(nn.Container{}, "CrossAttention")
	lin := g.Attach(root, "q", nn.NewLinear(2, 2, false, newRand(1)), "")
	g.Weight(lin).SetTensor(tensor.Zeros(tensor.Shape{2, 2}))

	_, err := InjectNew(g, root, InjectOptions{Rank: 1, Preset: []*tensor.Tensor{
		tensor.MustFromSlice([]float32{1, 2}, tensor.Shape{2, 1}),
		tensor.MustFromSlice([]float32{3, 4}, tensor.Shape{1, 2}),
	}})
	require.NoError(t, err)
	require.NoError(t, Collapse(g, root, 0.5))

	q := mustChild(t, g, root, "q")
	assert.Equal(t, []float32{1.5, 2, 3, 4}, g.Weight(q).Tensor().Data())
}

func TestAccumulate(t *testing.T) {
	g, root := seqModel(t)
	res, err := InjectNew(g, root, InjectOptions{Targets: attention(), Rank: 2, Preset: []*tensor.Tensor{
		tensor.Full(tensor.Shape{8, 2}, 1), tensor.Full(tensor.Shape{2, 8}, 1),
		tensor.Full(tensor.Shape{8, 2}, 2), tensor.Full(tensor.Shape{2, 8}, 2),
	}})
	require.NoError(t, err)
	upHandle := res.Groups[0][0]

	incoming := []*tensor.Tensor{
		tensor.Full(tensor.Shape{8, 2}, 4), tensor.Full(tensor.Shape{2, 8}, 4),
		tensor.Full(tensor.Shape{8, 2}, 4), tensor.Full(tensor.Shape{2, 8}, 4),
	}
	require.NoError(t, Accumulate(g, root, incoming, AccumulateOptions{Targets: attention(), Alpha: 0.5, Beta: 2}))

	assert.Same(t, upHandle, res.Groups[0][0], "parameter handles survive")
	assert.Equal(t, float32(4), res.Groups[0][0].Tensor().At(0, 0)) // 0.5*4 + 2*1
	assert.Equal(t, float32(6), res.Groups[1][1].Tensor().At(1, 7)) // 0.5*4 + 2*2
}

func TestAccumulateRejectsMismatch(t *testing.T) {
	up, down := densePair(8, 8, 2, 1)
	wideUp, wideDown := densePair(8, 8, 3, 1)

	tests := []struct {
		name     string
		incoming []*tensor.Tensor
	}{
		{"count", []*tensor.Tensor{up, down}},
		{"rank", []*tensor.Tensor{up, down, wideUp, wideDown}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, root := seqModel(t)
			res, err := InjectNew(g, root, InjectOptions{Targets: attention(), Rank: 2})
			require.NoError(t, err)
			before := res.Groups[0][1].Tensor()

			err = Accumulate(g, root, tt.incoming, AccumulateOptions{Targets: attention(), Alpha: 1, Beta: 1})
			assert.ErrorIs(t, err, ErrBundleMismatch)
			assert.Same(t, before, res.Groups[0][1].Tensor(), "nothing written on failure")
		})
	}
}

func TestCollapseRejectsGroupedConv(t *testing.T) {
	g := nn.NewGraph()
	root := g.Add(nn.Container{}, "Model")
	res := g.Attach(root, "res", nn.Container{}, "ResnetBlock2D")
	g.Attach(res, "conv", nn.NewConv2D(4, 4, [2]int{1, 1}, tensor.ConvParams{Groups: 2}, false, newRand(1)), "")
	_, err := InjectNewExtended(g, root, InjectOptions{Targets: []string{"ResnetBlock2D"}, Rank: 2})
	require.NoError(t, err)
	train(t, g, root, 2)

	conv := mustChild(t, g, res, "conv")
	before := g.Weight(conv).Tensor().Clone()

	_, err = Delta(g, conv)
	assert.ErrorIs(t, err, ErrConfiguration)
	err = Collapse(g, root, 1)
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.Equal(t, before.Data(), g.Weight(conv).Tensor().Data(), "base weight untouched")
}

func TestExtractAndInspect(t *testing.T) {
	g, root := seqModel(t)
	_, err := Extract(g, root, attention())
	var noMatch *NoMatchError
	require.ErrorAs(t, err, &noMatch)
	assert.ErrorIs(t, err, ErrNoMatch)

	res, err := InjectNew(g, root, InjectOptions{Targets: attention(), Rank: 2})
	require.NoError(t, err)
	pairs, err := Extract(g, root, attention())
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	assert.Same(t, res.Groups[0][0].Tensor(), pairs[0].Up)
	assert.Same(t, res.Groups[0][1].Tensor(), pairs[0].Down)
	assert.Equal(t, 2, pairs[1].Rank())

	stats, err := Inspect(g, root, nil)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, "block.fc1", stats[0].Path)
	assert.Equal(t, nn.KindLoraLinear, stats[0].Kind)
	assert.Equal(t, 2, stats[0].Rank)
	assert.Zero(t, stats[0].MeanAbsDelta)

	train(t, g, root, 8)
	stats, err = Inspect(g, root, nil)
	require.NoError(t, err)
	assert.Positive(t, stats[1].MeanAbsDelta)
}

func TestSetRequiresGrad(t *testing.T) {
	g, root := seqModel(t)
	_, err := InjectNew(g, root, InjectOptions{Rank: 2})
	require.NoError(t, err)

	assert.Equal(t, 2, SetRequiresGrad(g, root, false))
	for _, group := range Trainable(g, root) {
		for _, p := range group {
			assert.False(t, p.RequiresGrad())
		}
	}
	SetRequiresGrad(g, root, true)
	assert.True(t, Trainable(g, root)[1][0].RequiresGrad())
}
