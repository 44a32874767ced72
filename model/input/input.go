package input

import "github.com/quic-hemagnih/efficient-transformers/ml"

// Batch contains the inputs for a model forward pass. Tokens from
// different sequences may be interleaved in a single flat batch; the
// sequence and position of each token are carried alongside it.
type Batch struct {
	// Inputs is the input tokens, including placeholders for multimodal inputs.
	Inputs ml.Tensor

	// Positions is the position for each Input, relative to its sequence. Equal
	// in length to Inputs.
	Positions []int32

	// Sequences is the sequence for each Input. Equal in length to Inputs.
	Sequences []int

	// Outputs are the set of indexes into Inputs for which output data should
	// be returned. If empty, the model selects one output per sequence, at
	// that sequence's highest position in the batch.
	Outputs []int32
}
