// Package llamaswiftkv implements a llama-style decoder where only the
// first portion of the layer stack computes its own keys and values.
// The remaining layers share a single normalized hidden state, produced
// after the last standard layer, as the input to their key and value
// projections. Each of these layers still carries distinct projection
// weights and computes its own queries, but the cache is populated for
// all of them in one pass before any of them attends.
package llamaswiftkv

import (
	"fmt"

	"github.com/quic-hemagnih/efficient-transformers/fs"
	"github.com/quic-hemagnih/efficient-transformers/kvcache"
	"github.com/quic-hemagnih/efficient-transformers/ml"
	"github.com/quic-hemagnih/efficient-transformers/ml/nn"
	"github.com/quic-hemagnih/efficient-transformers/model"
	"github.com/quic-hemagnih/efficient-transformers/model/input"
)

type Options struct {
	hiddenSize, numHeads, numKVHeads int
	headDim, ropeDim                 int
	eps, ropeBase, ropeScale         float32

	// numKVLayers is the count of leading layers that project their own
	// keys and values. Layers at or beyond this index read projections
	// of the shared hidden state instead.
	numKVLayers int
}

func (o *Options) applyRotaryEmbedding(ctx ml.Context, t, positions ml.Tensor) ml.Tensor {
	return nn.RoPE(ctx, t, positions, o.ropeDim, o.ropeBase, o.ropeScale)
}

// Layer is either a standard decoder layer or a shared-KV one. Both
// run attention then MLP; they differ in where keys and values come
// from.
type Layer interface {
	Forward(ctx ml.Context, hiddenStates, positions, outputs ml.Tensor, cache kvcache.Cache, opts *Options) ml.Tensor
}

type Model struct {
	model.Base

	TokenEmbedding *nn.Embedding `gguf:"token_embd"`
	Layers         []Layer       `gguf:"blk"`

	// SwiftKVNorm produces the shared hidden state. Its parameters are
	// learned separately from OutputNorm.
	SwiftKVNorm *nn.RMSNorm `gguf:"swiftkv_norm"`

	OutputNorm *nn.RMSNorm `gguf:"output_norm"`
	Output     *nn.Linear  `gguf:"output,alt:token_embd"`

	*Options
}

func New(c fs.Config) (model.Model, error) {
	numHeads := int(c.Uint("attention.head_count"))
	numKVHeads := int(c.Uint("attention.head_count_kv"))
	if numHeads < 1 || numKVHeads < 1 || numHeads%numKVHeads != 0 {
		return nil, fmt.Errorf("attention head count (%v) must be a positive multiple of key/value head count (%v)", numHeads, numKVHeads)
	}

	numLayers := int(c.Uint("block_count"))
	numKVLayers := int(c.Uint("swiftkv.key_value_block_count", uint32(numLayers)))
	if numKVLayers < 0 || numKVLayers > numLayers {
		return nil, fmt.Errorf("key/value block count (%v) must be between 0 and block count (%v)", numKVLayers, numLayers)
	}

	layers := make([]Layer, numLayers)
	for i := range layers {
		if i < numKVLayers {
			layers[i] = &StandardLayer{}
		} else {
			layers[i] = &SwiftKVLayer{}
		}
	}

	headDim := int(c.Uint("attention.key_length", c.Uint("embedding_length")/uint32(numHeads)))

	m := Model{
		Layers: layers,
		Options: &Options{
			hiddenSize:  int(c.Uint("embedding_length")),
			numHeads:    numHeads,
			numKVHeads:  numKVHeads,
			headDim:     headDim,
			ropeDim:     int(c.Uint("rope.dimension_count", uint32(headDim))),
			eps:         c.Float("attention.layer_norm_rms_epsilon"),
			ropeBase:    c.Float("rope.freq_base"),
			ropeScale:   c.Float("rope.freq_scale", 1),
			numKVLayers: numKVLayers,
		},
	}

	m.Cache = kvcache.NewCausalCache(m.Shift)

	return &m, nil
}

func (m *Model) Shift(ctx ml.Context, layer int, key, shift ml.Tensor) (ml.Tensor, error) {
	return m.applyRotaryEmbedding(ctx, key, shift), nil
}

func (m *Model) Forward(ctx ml.Context, batch input.Batch) (ml.Tensor, error) {
	positions := ctx.Input().FromInts(batch.Positions, len(batch.Positions))

	outputIndices := model.OutputIndices(batch)
	outputs := ctx.Input().FromInts(outputIndices, len(outputIndices))

	hiddenStates := m.TokenEmbedding.Forward(ctx, batch.Inputs)

	lastLayerOutputs := func(i int) ml.Tensor {
		if i == len(m.Layers)-1 {
			return outputs
		}
		return nil
	}

	for i := 0; i < m.numKVLayers; i++ {
		m.Cache.SetLayer(i)
		hiddenStates = m.Layers[i].Forward(ctx, hiddenStates, positions, lastLayerOutputs(i), m.Cache, m.Options)
	}

	if m.numKVLayers < len(m.Layers) {
		sharedStates := m.SwiftKVNorm.Forward(ctx, hiddenStates, m.eps)

		// Populate the cache for every remaining layer before any of
		// them attends. The writes are independent of each other; the
		// reads below depend on all of them.
		for i := m.numKVLayers; i < len(m.Layers); i++ {
			m.Cache.SetLayer(i)
			m.Layers[i].(*SwiftKVLayer).SelfAttention.projectKV(ctx, sharedStates, positions, m.Cache, m.Options)
		}

		for i := m.numKVLayers; i < len(m.Layers); i++ {
			m.Cache.SetLayer(i)
			hiddenStates = m.Layers[i].Forward(ctx, hiddenStates, positions, lastLayerOutputs(i), m.Cache, m.Options)
		}
	}

	hiddenStates = m.OutputNorm.Forward(ctx, hiddenStates, m.eps)
	return m.Output.Forward(ctx, hiddenStates), nil
}

func init() {
	model.Register("llamaswiftkv", New)
}
