package llamaswiftkv

import (
	"math"

	"github.com/quic-hemagnih/efficient-transformers/kvcache"
	"github.com/quic-hemagnih/efficient-transformers/ml"
	"github.com/quic-hemagnih/efficient-transformers/ml/nn"
)

// SelfAttention is the standard attention path used by the leading
// layers: queries, keys and values all project from the layer's own
// hidden state.
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

// SwiftKVAttention computes queries from the layer's own hidden state
// but never projects keys or values itself. Those are written to the
// cache ahead of time by projectKV and only read here.
type SwiftKVAttention struct {
	Query  *nn.Linear `gguf:"attn_q_swiftkv"`
	Key    *nn.Linear `gguf:"attn_k_swiftkv"`
	Value  *nn.Linear `gguf:"attn_v_swiftkv"`
	Output *nn.Linear `gguf:"attn_output"`
}

// projectKV derives this layer's keys and values from the shared
// normalized hidden state and appends them to the cache at the active
// layer. Keys are rotated at write time, so Forward rotates only the
// query.
func (sa *SwiftKVAttention) projectKV(ctx ml.Context, sharedStates, positions ml.Tensor, cache kvcache.Cache, opts *Options) {
	seqLength := sharedStates.Dim(1)

	key := sa.Key.Forward(ctx, sharedStates)
	key = key.Reshape(ctx, opts.headDim, opts.numKVHeads, seqLength)
	key = opts.applyRotaryEmbedding(ctx, key, positions)

	value := sa.Value.Forward(ctx, sharedStates)
	value = value.Reshape(ctx, opts.headDim, opts.numKVHeads, seqLength)

	cache.Put(ctx, key, value)
}

func (sa *SwiftKVAttention) Forward(ctx ml.Context, hiddenStates, positions ml.Tensor, cache kvcache.Cache, opts *Options) ml.Tensor {
	seqLength := hiddenStates.Dim(1)

	query := sa.Query.Forward(ctx, hiddenStates)
	query = query.Reshape(ctx, opts.headDim, opts.numHeads, seqLength)
	query = opts.applyRotaryEmbedding(ctx, query, positions)

	attention := nn.Attention(ctx, query, nil, nil, 1/math.Sqrt(float64(opts.headDim)), cache)
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

type StandardLayer struct {
	AttentionNorm *nn.RMSNorm `gguf:"attn_norm"`
	SelfAttention *SelfAttention
	MLPNorm       *nn.RMSNorm `gguf:"ffn_norm"`
	MLP           *MLP
}

func (l *StandardLayer) Forward(ctx ml.Context, hiddenStates, positions, outputs ml.Tensor, cache kvcache.Cache, opts *Options) ml.Tensor {
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

type SwiftKVLayer struct {
	AttentionNorm *nn.RMSNorm `gguf:"attn_norm"`
	SelfAttention *SwiftKVAttention
	MLPNorm       *nn.RMSNorm `gguf:"ffn_norm"`
	MLP           *MLP
}

func (l *SwiftKVLayer) Forward(ctx ml.Context, hiddenStates, positions, outputs ml.Tensor, cache kvcache.Cache, opts *Options) ml.Tensor {
	residual := hiddenStates

	hiddenStates = l.AttentionNorm.Forward(ctx, hiddenStates, opts.eps)
	hiddenStates = l.SelfAttention.Forward(ctx, hiddenStates, positions, cache, opts)

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
