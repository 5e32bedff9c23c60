package nn

import (
	"fmt"
	"math/rand"

	"github.com/born-ml/tensorparallel/internal/tensor"
)

// AttrVocabOffset is the Embedding attribute holding the first vocabulary id
// owned by this table. It is zero for an unsharded table.
const AttrVocabOffset = "vocab_offset"

// Embedding is a lookup table that maps discrete indices to dense vectors.
//
// Indices travel as float32 tensors holding integral values, so ids flow
// through the same channels and collectives as activations.
//
// Architecture:
//   - Weight: [NumEmbed, EmbedDim] learnable parameter
//   - Forward: indices [batch, seq] -> embeddings [batch, seq, EmbedDim]
//   - Backward: gradients scatter-add to weight rows
//
// A table may hold a contiguous window of the vocabulary starting at
// vocab_offset. Ids outside the window produce zero vectors, so summing the
// outputs of all windows reproduces the full lookup.
//
// Example:
//
//	// Vocabulary of 10000 words, embedding dimension 256
//	embed := nn.NewEmbedding(10000, 256, rng)
//
//	ids, _ := tensor.FromSlice([]float32{1, 2, 3, 4, 5, 10}, tensor.Shape{2, 3})
//	embeddings := embed.Forward(ids) // [2, 3, 256]
type Embedding struct {
	weight      *Parameter // [NumEmbed, EmbedDim]
	numEmbed    int
	embedDim    int
	vocabOffset int
	windowed    bool // set once vocab_offset is assigned

	ids []int // last forward ids, already shifted and masked (-1 = masked)
}

// NewEmbedding creates a new Embedding layer.
//
// The embedding weights are initialized from a standard normal distribution N(0, 1).
func NewEmbedding(numEmbeddings, embeddingDim int, rng *rand.Rand) *Embedding {
	return NewEmbeddingWithWeight(tensor.Randn(tensor.Shape{numEmbeddings, embeddingDim}, rng))
}

// NewEmbeddingWithWeight creates an Embedding layer with pre-initialized weights.
func NewEmbeddingWithWeight(weight *tensor.Tensor) *Embedding {
	shape := weight.Shape()
	if len(shape) != 2 {
		panic(fmt.Sprintf("embedding weight must be 2D, got shape %v", shape))
	}
	return &Embedding{
		weight:   NewParameter("weight", weight),
		numEmbed: shape[0],
		embedDim: shape[1],
	}
}

// Kind implements Module.
func (e *Embedding) Kind() Kind { return KindEmbedding }

// Forward performs embedding lookup.
//
// Panics if an id is not integral or lies outside [0, NumEmbed). A windowed
// table (vocab_offset set) yields zero rows for in-range ids it does not hold.
func (e *Embedding) Forward(indices *tensor.Tensor) *tensor.Tensor {
	w := e.weight.mustTensor("Embedding.Forward")
	rows, dim := w.Shape()[0], w.Shape()[1]

	src := indices.Data()
	ids := make([]int, len(src))
	out := tensor.Zeros(append(indices.Shape().Clone(), dim))
	dst := out.Data()
	table := w.Data()
	for i, v := range src {
		id := int(v)
		if float32(id) != v {
			panic(fmt.Sprintf("Embedding.Forward: index %v at position %d is not an integer", v, i))
		}
		if id < 0 || id >= e.numEmbed {
			panic(fmt.Sprintf("Embedding.Forward: index %d out of range [0, %d)", id, e.numEmbed))
		}
		local := id - e.vocabOffset
		if local < 0 || local >= rows {
			if !e.windowed {
				panic(fmt.Sprintf("Embedding.Forward: index %d out of range [0, %d)", id, rows))
			}
			// Another shard owns this row.
			ids[i] = -1
			continue
		}
		ids[i] = local
		copy(dst[i*dim:(i+1)*dim], table[local*dim:(local+1)*dim])
	}
	e.ids = ids
	return out
}

// Backward scatter-adds the output gradient into the weight rows that were
// looked up. Ids are not differentiable, so it returns nil.
func (e *Embedding) Backward(gradOutput *tensor.Tensor) *tensor.Tensor {
	if e.ids == nil {
		panic("Embedding.Backward: called before Forward")
	}
	w := e.weight.mustTensor("Embedding.Backward")
	dim := w.Shape()[1]
	grad := tensor.Zeros(w.Shape())
	gd := grad.Data()
	g := gradOutput.Data()
	for i, id := range e.ids {
		if id < 0 {
			continue
		}
		row := gd[id*dim : (id+1)*dim]
		for j := range row {
			row[j] += g[i*dim+j]
		}
	}
	e.weight.AccumulateGrad(grad)
	return nil
}

// Parameters returns the list of trainable parameters.
func (e *Embedding) Parameters() []*Parameter {
	return []*Parameter{e.weight}
}

// CloneStructure implements Module.
func (e *Embedding) CloneStructure() Module {
	return &Embedding{
		weight:      e.weight.placeholder(),
		numEmbed:    e.numEmbed,
		embedDim:    e.embedDim,
		vocabOffset: e.vocabOffset,
		windowed:    e.windowed,
	}
}

// Attr implements Attributed.
func (e *Embedding) Attr(name string) (int, bool) {
	if name == AttrVocabOffset {
		return e.vocabOffset, true
	}
	return 0, false
}

// SetAttr implements Attributed.
func (e *Embedding) SetAttr(name string, value int) bool {
	if name == AttrVocabOffset {
		e.vocabOffset = value
		e.windowed = true
		return true
	}
	return false
}

// Weight returns the embedding table parameter.
func (e *Embedding) Weight() *Parameter { return e.weight }

// NumEmbed returns the vocabulary size of the unsharded table.
func (e *Embedding) NumEmbed() int { return e.numEmbed }

// EmbedDim returns the embedding dimension of the unsharded table.
func (e *Embedding) EmbedDim() int { return e.embedDim }
