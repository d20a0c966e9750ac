package nn

import (
	"fmt"
	"math/rand"

	"github.com/born-ml/lora/internal/tensor"
)

// Embedding is a lookup table mapping token ids to dense vectors.
//
// Weight shape: [num_embeddings, embedding_dim]
//
// Example:
//
//	embed := nn.NewEmbedding(49408, 768, rng)
//	row, err := embed.Row(42)
type Embedding struct {
	weight *Parameter
}

// NewEmbedding creates an embedding table initialized from N(0, 1).
func NewEmbedding(numEmbeddings, embeddingDim int, rng *rand.Rand) *Embedding {
	if numEmbeddings <= 0 || embeddingDim <= 0 {
		panic(fmt.Sprintf("embedding: invalid size num=%d, dim=%d", numEmbeddings, embeddingDim))
	}
	w := tensor.Normal(tensor.Shape{numEmbeddings, embeddingDim}, 1.0, rngOrDefault(rng))
	return &Embedding{weight: NewParameter("weight", w)}
}

// NewEmbeddingFrom creates an embedding around an existing weight handle.
func NewEmbeddingFrom(weight *Parameter) (*Embedding, error) {
	if weight.Tensor().Rank() != 2 {
		return nil, fmt.Errorf("embedding: weight must be 2D [num, dim], got %v", weight.Tensor().Shape())
	}
	return &Embedding{weight: weight}, nil
}

// Kind implements Layer.
func (e *Embedding) Kind() Kind { return KindEmbedding }

// Weight returns the embedding table.
func (e *Embedding) Weight() *Parameter { return e.weight }

// Bias implements Layer.
func (e *Embedding) Bias() *Parameter { return nil }

// Parameters implements Layer.
func (e *Embedding) Parameters() []*Parameter { return []*Parameter{e.weight} }

// NumEmbeddings returns the number of rows.
func (e *Embedding) NumEmbeddings() int { return e.weight.Tensor().Shape()[0] }

// EmbeddingDim returns the vector width.
func (e *Embedding) EmbeddingDim() int { return e.weight.Tensor().Shape()[1] }

// Row returns a copy of the vector for id.
func (e *Embedding) Row(id int) ([]float32, error) {
	if id < 0 || id >= e.NumEmbeddings() {
		return nil, fmt.Errorf("embedding: id %d out of range [0, %d)", id, e.NumEmbeddings())
	}
	dim := e.EmbeddingDim()
	out := make([]float32, dim)
	copy(out, e.weight.Tensor().Data()[id*dim:(id+1)*dim])
	return out, nil
}

// SetRow overwrites the vector for id.
func (e *Embedding) SetRow(id int, values []float32) error {
	if id < 0 || id >= e.NumEmbeddings() {
		return fmt.Errorf("embedding: id %d out of range [0, %d)", id, e.NumEmbeddings())
	}
	dim := e.EmbeddingDim()
	if len(values) != dim {
		return fmt.Errorf("embedding: vector has %d values, table dim is %d", len(values), dim)
	}
	w := e.weight.Tensor()
	copy(w.Data()[id*dim:(id+1)*dim], values)
	if w.DType() != tensor.Float32 {
		tensor.RoundTo(w.Data()[id*dim:(id+1)*dim], w.DType())
	}
	return nil
}

// Resize grows or shrinks the table to n rows. Existing rows are kept, new
// rows are zero. The weight handle keeps its identity.
func (e *Embedding) Resize(n int) error {
	if n <= 0 {
		return fmt.Errorf("embedding: invalid row count %d", n)
	}
	old := e.weight.Tensor()
	if n == e.NumEmbeddings() {
		return nil
	}
	dim := e.EmbeddingDim()
	next := tensor.Zeros(tensor.Shape{n, dim}).To(old.Device(), old.DType())
	copy(next.Data(), old.Data()[:min(n, e.NumEmbeddings())*dim])
	e.weight.SetTensor(next)
	return nil
}

// Lookup gathers rows for the given ids into a [len(ids), dim] tensor.
func (e *Embedding) Lookup(ids []int) (*tensor.Tensor, error) {
	dim := e.EmbeddingDim()
	out := make([]float32, 0, len(ids)*dim)
	for _, id := range ids {
		row, err := e.Row(id)
		if err != nil {
			return nil, err
		}
		out = append(out, row...)
	}
	return tensor.FromSlice(out, tensor.Shape{len(ids), dim})
}
