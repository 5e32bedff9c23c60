package nn

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/born-ml/tensorparallel/internal/tensor"
)

// KVCache stores per-layer key/value state for autoregressive generation.
//
// Each layer's state is laid out [batch, ..., seq, ...] with the batch on
// axis 0; SeqAxis selects the axis new positions are appended on.
//
// Example:
//
//	cache := nn.NewKVCache(2, 512, 2) // 2 layers, maxSeq=512, seq on axis 2
//	cache.Update(0, key, value)       // key/value: [batch, heads, 1, head_dim]
//	keys, values := cache.Get(0)
type KVCache struct {
	layers  []kvEntry
	maxLen  int
	seqAxis int
}

type kvEntry struct {
	key, value *tensor.Tensor
}

// NewKVCache creates a new, empty cache for numLayers layers.
func NewKVCache(numLayers, maxSeqLen, seqAxis int) *KVCache {
	return &KVCache{
		layers:  make([]kvEntry, numLayers),
		maxLen:  maxSeqLen,
		seqAxis: seqAxis,
	}
}

// Update appends key and value to the state of layer. value may be nil for a
// keys-only layer.
//
// Panics if the cache would exceed maxLen, or if value is nil for a layer
// that holds values (or the other way around).
func (c *KVCache) Update(layer int, key, value *tensor.Tensor) {
	e := &c.layers[layer]
	if e.key != nil && (e.value == nil) != (value == nil) {
		panic(fmt.Sprintf("KVCache: layer %d mixes keys-only and key/value updates", layer))
	}
	if e.key == nil {
		if key.Shape()[c.seqAxis] > c.maxLen {
			panic(fmt.Sprintf("KVCache: cache overflow (new=%d > max=%d)", key.Shape()[c.seqAxis], c.maxLen))
		}
		e.key, e.value = key, value
		return
	}
	if e.key.Shape()[c.seqAxis]+key.Shape()[c.seqAxis] > c.maxLen {
		panic(fmt.Sprintf("KVCache: cache overflow (length=%d + new=%d > max=%d)",
			e.key.Shape()[c.seqAxis], key.Shape()[c.seqAxis], c.maxLen))
	}
	e.key = tensor.Cat([]*tensor.Tensor{e.key, key}, c.seqAxis)
	if value != nil {
		e.value = tensor.Cat([]*tensor.Tensor{e.value, value}, c.seqAxis)
	}
}

// Get returns the cached keys and values of layer. values is nil for a
// keys-only layer.
//
// If the layer is empty, panics.
func (c *KVCache) Get(layer int) (keys, values *tensor.Tensor) {
	e := c.layers[layer]
	if e.key == nil {
		panic(fmt.Sprintf("KVCache: layer %d is empty", layer))
	}
	return e.key, e.value
}

// Reorder selects batch rows by beamIdx in every layer, so that row i of the
// new state is row beamIdx[i] of the old one. Used when beam search keeps a
// different set of hypotheses after a step. On error the cache is unchanged.
func (c *KVCache) Reorder(beamIdx []int) error {
	next := make([]kvEntry, len(c.layers))
	for l, e := range c.layers {
		if e.key == nil {
			continue
		}
		var err error
		if next[l].key, err = selectRows(e.key, beamIdx); err != nil {
			return errors.Wrapf(err, "layer %d keys", l)
		}
		if e.value == nil {
			continue
		}
		if next[l].value, err = selectRows(e.value, beamIdx); err != nil {
			return errors.Wrapf(err, "layer %d values", l)
		}
	}
	c.layers = next
	return nil
}

func selectRows(t *tensor.Tensor, idx []int) (*tensor.Tensor, error) {
	if len(idx) == 0 {
		return nil, errors.New("empty beam index")
	}
	rows := make([]*tensor.Tensor, len(idx))
	for i, r := range idx {
		if r < 0 || r >= t.Shape()[0] {
			return nil, errors.Errorf("beam index %d out of range [0, %d)", r, t.Shape()[0])
		}
		rows[i] = tensor.Narrow(t, 0, r, 1)
	}
	return tensor.Cat(rows, 0), nil
}

// Clone returns a copy that shares no state with c.
func (c *KVCache) Clone() *KVCache {
	out := NewKVCache(len(c.layers), c.maxLen, c.seqAxis)
	for i, e := range c.layers {
		if e.key == nil {
			continue
		}
		out.layers[i].key = e.key.Clone()
		if e.value != nil {
			out.layers[i].value = e.value.Clone()
		}
	}
	return out
}

// Reset clears the cache for new generation.
func (c *KVCache) Reset() {
	for i := range c.layers {
		c.layers[i] = kvEntry{}
	}
}

// Len returns the current sequence length of layer 0.
func (c *KVCache) Len() int {
	if len(c.layers) == 0 || c.layers[0].key == nil {
		return 0
	}
	return c.layers[0].key.Shape()[c.seqAxis]
}

// NumLayers returns the number of layers the cache tracks.
func (c *KVCache) NumLayers() int {
	return len(c.layers)
}
