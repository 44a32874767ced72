package llama

import (
	"fmt"
	"math"

	"github.com/quic-hemagnih/efficient-transformers/fs"
	"github.com/quic-hemagnih/efficient-transformers/kvcache"
	"github.com/quic-hemagnih/efficient-transformers/ml"
	"github.com/quic-hemagnih/efficient-transformers/ml/nn"
	"github.com/quic-hemagnih/efficient-transformers/ml/nn/rope"
	"github.com/quic-hemagnih/efficient-transformers/model"
	"github.com/quic-hemagnih/efficient-transformers/model/input"
)

type Options struct {
	RopeFactors ml.Tensor `gguf:"rope_freqs.weight"`

	hiddenSize, numHeads, numKVHeads int
	headDim, ropeDim                 int
	eps, ropeBase, ropeScale         float32
}

func (o *Options) applyRotaryEmbedding(ctx ml.Context, t, positions ml.Tensor) ml.Tensor {
	return nn.RoPE(ctx, t, positions, o.ropeDim, o.ropeBase, o.ropeScale, rope.WithFactors(o.RopeFactors))
}

type Model struct {
	model.Base

	TokenEmbedding *nn.Embedding `gguf:"token_embd"`
	Layers         []Layer       `gguf:"blk"`
	OutputNorm     *nn.RMSNorm   `gguf:"output_norm"`
	Output         *nn.Linear    `gguf:"output,alt:token_embd"`

	*Options
}

func New(c fs.Config) (model.Model, error) {
	numHeads := int(c.Uint("attention.head_count"))
	numKVHeads := int(c.Uint("attention.head_count_kv"))
	if numHeads < 1 || numKVHeads < 1 || numHeads%numKVHeads != 0 {
		return nil, fmt.Errorf("attention head count (%v) must be a positive multiple of key/value head count (%v)", numHeads, numKVHeads)
	}

	headDim := int(c.Uint("attention.key_length", c.Uint("embedding_length")/uint32(numHeads)))

	m := Model{
		Layers: make([]Layer, c.Uint("block_count")),
		Options: &Options{
			hiddenSize: int(c.Uint("embedding_length")),
			numHeads:   numHeads,
			numKVHeads: numKVHeads,
			headDim:    headDim,
			ropeDim:    int(c.Uint("rope.dimension_count", uint32(headDim))),
			eps:        c.Float("attention.layer_norm_rms_epsilon"),
			ropeBase:   c.Float("rope.freq_base"),
			ropeScale:  c.Float("rope.freq_scale", 1),
		},
	}

	m.Cache = kvcache.NewCausalCache(m.Shift)

	return &m, nil
}

func (m *Model) Shift(ctx ml.Context, layer int, key, shift ml.Tensor) (ml.Tensor, error) {
	return m.applyRotaryEmbedding(ctx, key, shift), nil
}

type SelfAttention struct {
	Query  *nn.Linear `gguf:"attn_q"`
	Key    *nn.Linear `gguf:"attn_k"`
	Value  *nn.Linear `gguf:"attn_v"`
	Output *nn.Linear `gguf:"attn_output"`
}

func (sa *SelfAttention) Forward(ctx ml.Context, hiddenStates, positions ml.Tensor, cache kvcache.Cache, opts *Options) ml.Tensor {
	seqLength := hiddenStates.Dim(1)

	query := sa.Query.Forward(ctx, hiddenStates)
	query = query.Reshape(ctx, opts.headDim, opts.numHeads, seqLength)
	query = opts.applyRotaryEmbedding(ctx, query, positions)

	key := sa.Key.Forward(ctx, hiddenStates)
	key = key.Reshape(ctx, opts.headDim, opts.numKVHeads, seqLength)
	key = opts.applyRotaryEmbedding(ctx, key, positions)

	value := sa.Value.Forward(ctx, hiddenStates)
	value = value.Reshape(ctx, opts.headDim, opts.numKVHeads, seqLength)

	attention := nn.Attention(ctx, query, key, value, 1/math.Sqrt(float64(opts.headDim)), cache)
	attention = attention.Reshape(ctx, attention.Dim(0)*attention.Dim(1), seqLength)

	return sa.Output.Forward(ctx, attention)
}

type MLP struct {
	Up   *nn.Linear `gguf:"ffn_up"`
	Down *nn.Linear `gguf:"ffn_down"`
	Gate *nn.Linear `gguf:"ffn_gate"`
}

func (mlp *MLP) Forward(ctx ml.Context, hiddenStates ml.Tensor, opts *Options) ml.Tensor {
	hiddenStates = mlp.Gate.Forward(ctx, hiddenStates).SILU(ctx).Mul(ctx, mlp.Up.Forward(ctx, hiddenStates))
	return mlp.Down.Forward(ctx, hiddenStates)
}

type Layer struct {
	AttentionNorm *nn.RMSNorm `gguf:"attn_norm"`
	SelfAttention *SelfAttention
	MLPNorm       *nn.RMSNorm `gguf:"ffn_norm"`
	MLP           *MLP
}

func (l *Layer) Forward(ctx ml.Context, hiddenStates, positions, outputs ml.Tensor, cache kvcache.Cache, opts *Options) ml.Tensor {
	residual := hiddenStates

	hiddenStates = l.AttentionNorm.Forward(ctx, hiddenStates, opts.eps)
	hiddenStates = l.SelfAttention.Forward(ctx, hiddenStates, positions, cache, opts)

	// In the last layer only the rows feeding logits are kept
	if outputs != nil {
		hiddenStates = hiddenStates.Rows(ctx, outputs)
		residual = residual.Rows(ctx, outputs)
	}

	hiddenStates = hiddenStates.Add(ctx, residual)
	residual = hiddenStates

	hiddenStates = l.MLPNorm.Forward(ctx, hiddenStates, opts.eps)
	hiddenStates = l.MLP.Forward(ctx, hiddenStates, opts)
	return hiddenStates.Add(ctx, residual)
}

func (m *Model) Forward(ctx ml.Context, batch input.Batch) (ml.Tensor, error) {
	positions := ctx.Input().FromInts(batch.Positions, len(batch.Positions))

	outputIndices := model.OutputIndices(batch)
	outputs := ctx.Input().FromInts(outputIndices, len(outputIndices))

	hiddenStates := m.TokenEmbedding.Forward(ctx, batch.Inputs)

	for i, layer := range m.Layers {
		m.Cache.SetLayer(i)

		var lastLayerOutputs ml.Tensor
		if i == len(m.Layers)-1 {
			lastLayerOutputs = outputs
		}

		hiddenStates = layer.Forward(ctx, hiddenStates, positions, lastLayerOutputs, m.Cache, m.Options)
	}

	hiddenStates = m.OutputNorm.Forward(ctx, hiddenStates, m.eps)
	return m.Output.Forward(ctx, hiddenStates), nil
}

func init() {
	model.Register("llama", New)
}
