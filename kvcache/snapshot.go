package kvcache

import (
	"errors"
	"fmt"
	"slices"

	"github.com/quic-hemagnih/efficient-transformers/ml"
)

// StateLayer holds one layer's cached keys and values in the layout
// head dim, kv heads, tokens.
type StateLayer struct {
	Key   ml.Tensor
	Value ml.Tensor
}

// State is a portable snapshot of cache contents, with one entry in
// Positions and Sequences per stored token. It is the interchange
// format for callers that manage per-layer K/V history themselves.
type State struct {
	Positions []int32
	Sequences [][]int
	Layers    map[int]StateLayer
}

// Snapshot extracts the occupied portion of the cache into a State.
// The cache itself is not modified.
func (c *Causal) Snapshot(ctx ml.Context) (*State, error) {
	if c.config != nil && c.config.PermutedV {
		return nil, fmt.Errorf("%w: snapshot with permuted values", ErrNotSupported)
	}

	s := &State{Layers: make(map[int]StateLayer)}

	var idxs []int32
	for i := range c.cells {
		if len(c.cells[i].sequences) > 0 {
			idxs = append(idxs, int32(i))
			s.Positions = append(s.Positions, c.cells[i].pos)
			s.Sequences = append(s.Sequences, slices.Clone(c.cells[i].sequences))
		}
	}

	if len(idxs) == 0 {
		return s, nil
	}

	rows := ctx.Input().FromInts(idxs, len(idxs))

	for layer, key := range c.keys {
		value := c.values[layer]
		kHeadDim, numKVHeads := key.Dim(0), key.Dim(1)
		vHeadDim := value.Dim(0)

		k := key.Reshape(ctx, kHeadDim*numKVHeads, len(c.cells)).
			Rows(ctx, rows).
			Reshape(ctx, kHeadDim, numKVHeads, len(idxs))
		v := value.Reshape(ctx, vHeadDim*numKVHeads, len(c.cells)).
			Rows(ctx, rows).
			Reshape(ctx, vHeadDim, numKVHeads, len(idxs))

		ctx.Forward(k, v)
		s.Layers[layer] = StateLayer{Key: k, Value: v}
	}

	ctx.Compute()

	return s, nil
}

// Restore replaces the cache contents with a previously captured State.
// Tokens are packed into the lowest cache locations and all existing
// contents are discarded.
func (c *Causal) Restore(ctx ml.Context, s *State) error {
	if len(s.Positions) != len(s.Sequences) {
		return errors.New("positions and sequences must have the same length")
	}

	if len(s.Positions) > len(c.cells) {
		return fmt.Errorf("%w (cache: %v state: %v)", ErrKvCacheFull, len(c.cells), len(s.Positions))
	}

	for i := range c.cells {
		c.cells[i] = cacheCell{}
	}
	c.cellRanges = make(map[int]cellRange)

	for i, pos := range s.Positions {
		c.cells[i] = cacheCell{pos: pos, sequences: slices.Clone(s.Sequences[i])}

		for _, seq := range s.Sequences[i] {
			seqRange, ok := c.cellRanges[seq]
			if !ok {
				seqRange = newRange()
			}

			seqRange.min = min(seqRange.min, i)
			seqRange.max = max(seqRange.max, i)
			c.cellRanges[seq] = seqRange
		}
	}

	if len(s.Positions) == 0 {
		return nil
	}

	idxs := make([]int32, len(s.Positions))
	for i := range idxs {
		idxs[i] = int32(i)
	}
	rows := ctx.Input().FromInts(idxs, len(idxs))

	for layer, state := range s.Layers {
		kHeadDim, numKVHeads := state.Key.Dim(0), state.Key.Dim(1)
		vHeadDim := state.Value.Dim(0)

		if state.Key.Dim(2) != len(s.Positions) || state.Value.Dim(2) != len(s.Positions) {
			return fmt.Errorf("layer %v holds %v tokens, state has %v", layer, state.Key.Dim(2), len(s.Positions))
		}

		if _, ok := c.ctxs[layer]; !ok {
			c.ctxs[layer] = c.backend.NewContextSize(2).Layer(layer)
		}

		if _, ok := c.keys[layer]; !ok {
			c.keys[layer] = c.ctxs[layer].Zeros(c.DType, kHeadDim, numKVHeads, len(c.cells))
		}

		if _, ok := c.values[layer]; !ok {
			c.values[layer] = c.ctxs[layer].Zeros(c.DType, vHeadDim, numKVHeads, len(c.cells))
		}

		key := state.Key.Reshape(ctx, kHeadDim*numKVHeads, len(s.Positions))
		keyCache := c.keys[layer].Reshape(ctx, kHeadDim*numKVHeads, len(c.cells))
		ctx.Forward(keyCache.SetRows(ctx, key, rows))

		value := state.Value.Reshape(ctx, vHeadDim*numKVHeads, len(s.Positions))
		valueCache := c.values[layer].Reshape(ctx, vHeadDim*numKVHeads, len(c.cells))
		ctx.Forward(valueCache.SetRows(ctx, value, rows))
	}

	ctx.Compute()

	return nil
}
