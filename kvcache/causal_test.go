package kvcache

import (
	"errors"
	"math"
	"slices"
	"testing"

	"github.com/quic-hemagnih/efficient-transformers/fs"
	"github.com/quic-hemagnih/efficient-transformers/ml"
	"github.com/quic-hemagnih/efficient-transformers/ml/backend/cpu"
	"github.com/quic-hemagnih/efficient-transformers/model/input"
)

type testCase struct {
	name          string
	in            []float32
	inShape       []int
	seqs          []int
	pos           []int32
	expected      []float32
	expectedShape []int
	expectedMask  []float32
}

func TestStore(t *testing.T) {
	backend := cpu.New(fs.KV{})
	cache := NewCausalCache(nil)
	defer cache.Close()

	cache.Init(backend, ml.DTypeF16, 1, 16, 16)

	x := float32(math.Inf(-1))

	tests := []testCase{
		{
			name:          "FirstBatch",
			in:            []float32{111, 211, 121, 221, 131, 231, 112, 212, 122, 222, 132, 232, 113, 213, 123, 223, 133, 233, 114, 214, 124, 224, 134, 234},
			inShape:       []int{2, 3, 4},
			seqs:          []int{0, 0, 0, 0},
			pos:           []int32{0, 1, 2, 3},
			expected:      []float32{111, 211, 121, 221, 131, 231, 112, 212, 122, 222, 132, 232, 113, 213, 123, 223, 133, 233, 114, 214, 124, 224, 134, 234},
			expectedShape: []int{2, 3, 4},
			expectedMask: []float32{
				0, x, x, x,
				0, 0, x, x,
				0, 0, 0, x,
				0, 0, 0, 0,
			},
		},
		{
			name:          "SecondBatch",
			in:            []float32{115, 215, 125, 225, 135, 235},
			inShape:       []int{2, 3, 1},
			seqs:          []int{0},
			pos:           []int32{4},
			expected:      []float32{111, 211, 121, 221, 131, 231, 112, 212, 122, 222, 132, 232, 113, 213, 123, 223, 133, 233, 114, 214, 124, 224, 134, 234, 115, 215, 125, 225, 135, 235},
			expectedShape: []int{2, 3, 5},
			expectedMask:  []float32{0, 0, 0, 0, 0},
		},
	}

	testCache(t, backend, cache, tests)
}

// A prefill over n tokens must produce a strictly upper triangular
// mask; a following single-token decode step has no future positions
// and must mask nothing.
func TestMaskPrefillThenDecode(t *testing.T) {
	backend := cpu.New(fs.KV{})
	cache := NewCausalCache(nil)
	defer cache.Close()

	cache.Init(backend, ml.DTypeF16, 1, 16, 16)

	x := float32(math.Inf(-1))

	tests := []testCase{
		{
			name:          "Prefill",
			in:            []float32{1, 2, 3, 4, 5},
			inShape:       []int{1, 1, 5},
			seqs:          []int{0, 0, 0, 0, 0},
			pos:           []int32{0, 1, 2, 3, 4},
			expected:      []float32{1, 2, 3, 4, 5},
			expectedShape: []int{1, 1, 5},
			expectedMask: []float32{
				0, x, x, x, x,
				0, 0, x, x, x,
				0, 0, 0, x, x,
				0, 0, 0, 0, x,
				0, 0, 0, 0, 0,
			},
		},
		{
			name:          "DecodeStep",
			in:            []float32{6},
			inShape:       []int{1, 1, 1},
			seqs:          []int{0},
			pos:           []int32{5},
			expected:      []float32{1, 2, 3, 4, 5, 6},
			expectedShape: []int{1, 1, 6},
			expectedMask:  []float32{0, 0, 0, 0, 0, 0},
		},
	}

	testCache(t, backend, cache, tests)
}

func TestSequences(t *testing.T) {
	backend := cpu.New(fs.KV{})
	cache := NewCausalCache(nil)
	defer cache.Close()

	cache.Init(backend, ml.DTypeF16, 1, 16, 16)

	x := float32(math.Inf(-1))

	tests := []testCase{
		{
			name:          "FirstBatch",
			in:            []float32{1, 2, 3, 4},
			inShape:       []int{1, 1, 4},
			seqs:          []int{0, 0, 1, 1},
			pos:           []int32{0, 1, 0, 1},
			expected:      []float32{1, 2, 3, 4},
			expectedShape: []int{1, 1, 4},
			expectedMask: []float32{
				0, x, x, x,
				0, 0, x, x,
				x, x, 0, x,
				x, x, 0, 0,
			},
		},
		{
			name:          "SecondBatch",
			in:            []float32{5, 6},
			inShape:       []int{1, 1, 2},
			seqs:          []int{0, 1},
			pos:           []int32{2, 2},
			expected:      []float32{1, 2, 3, 4, 5, 6},
			expectedShape: []int{1, 1, 6},
			expectedMask: []float32{
				0, 0, x, x, 0, x,
				x, x, 0, 0, x, 0,
			},
		},
	}

	testCache(t, backend, cache, tests)
}

func TestNextPosition(t *testing.T) {
	backend := cpu.New(fs.KV{})
	cache := NewCausalCache(nil)
	defer cache.Close()

	cache.Init(backend, ml.DTypeF16, 1, 16, 16)

	if have := cache.NextPosition(0); have != 0 {
		t.Errorf("empty cache: have %v, want 0", have)
	}

	context := backend.NewContext()
	defer context.Close()

	err := cache.StartForward(context, input.Batch{
		Positions: []int32{0, 1, 2, 0},
		Sequences: []int{0, 0, 0, 1},
	}, false)
	if err != nil {
		t.Fatalf("StartForward failed: %v", err)
	}

	if have := cache.NextPosition(0); have != 3 {
		t.Errorf("have %v, want 3", have)
	}

	if have := cache.NextPosition(1); have != 1 {
		t.Errorf("have %v, want 1", have)
	}

	if have := cache.NextPosition(2); have != 0 {
		t.Errorf("unknown sequence: have %v, want 0", have)
	}
}

func TestRemove(t *testing.T) {
	backend := cpu.New(fs.KV{})
	cache := NewCausalCache(func(ctx ml.Context, layer int, key, shift ml.Tensor) (ml.Tensor, error) {
		return key.Add(ctx, shift.Reshape(ctx, 1, 1, shift.Dim(0))), nil
	})
	defer cache.Close()

	cache.Init(backend, ml.DTypeF16, 1, 16, 16)

	x := float32(math.Inf(-1))

	tests := []testCase{
		{
			name:          "FirstBatch",
			in:            []float32{1, 2, 3, 4},
			inShape:       []int{1, 1, 4},
			seqs:          []int{0, 0, 1, 1},
			pos:           []int32{0, 1, 0, 1},
			expected:      []float32{1, 2, 3, 4},
			expectedShape: []int{1, 1, 4},
			expectedMask: []float32{
				0, x, x, x,
				0, 0, x, x,
				x, x, 0, x,
				x, x, 0, 0,
			},
		},
	}

	testCache(t, backend, cache, tests)

	if err := cache.Remove(0, 1, math.MaxInt32); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	// the slot freed above is reused first
	tests = []testCase{
		{
			name:          "RemoveEnd",
			in:            []float32{5, 6},
			inShape:       []int{1, 1, 2},
			seqs:          []int{0, 1},
			pos:           []int32{1, 2},
			expected:      []float32{1, 5, 3, 4, 6},
			expectedShape: []int{1, 1, 5},
			expectedMask: []float32{
				0, 0, x, x, x,
				x, x, 0, 0, 0,
			},
		},
	}

	testCache(t, backend, cache, tests)

	if err := cache.Remove(0, 0, 1); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	// removing the first token shifts the survivor's position (and its
	// cached key, via the shift function) down by one
	tests = []testCase{
		{
			name:          "RemoveMiddle",
			in:            []float32{7, 8},
			inShape:       []int{1, 1, 2},
			seqs:          []int{0, 0},
			pos:           []int32{1, 2},
			expected:      []float32{7, 4, 3, 4, 6, 8},
			expectedShape: []int{1, 1, 6},
			expectedMask: []float32{
				0, 0, x, x, x, x,
				0, 0, x, x, x, 0,
			},
		},
	}

	testCache(t, backend, cache, tests)
}

func TestCopy(t *testing.T) {
	backend := cpu.New(fs.KV{})
	cache := NewCausalCache(func(ctx ml.Context, layer int, key, shift ml.Tensor) (ml.Tensor, error) { return key, nil })
	defer cache.Close()

	cache.Init(backend, ml.DTypeF16, 1, 16, 16)

	x := float32(math.Inf(-1))

	tests := []testCase{
		{
			name:          "FirstBatch",
			in:            []float32{1, 2, 3, 4},
			inShape:       []int{1, 1, 4},
			seqs:          []int{0, 0, 0, 0},
			pos:           []int32{0, 1, 2, 3},
			expected:      []float32{1, 2, 3, 4},
			expectedShape: []int{1, 1, 4},
			expectedMask: []float32{
				0, x, x, x,
				0, 0, x, x,
				0, 0, 0, x,
				0, 0, 0, 0,
			},
		},
	}

	testCache(t, backend, cache, tests)

	cache.CopyPrefix(0, 1, 2)

	tests = []testCase{
		{
			name:          "Copy",
			in:            []float32{5, 6},
			inShape:       []int{1, 1, 2},
			seqs:          []int{1, 1},
			pos:           []int32{3, 4},
			expected:      []float32{1, 2, 3, 4, 5, 6},
			expectedShape: []int{1, 1, 6},
			expectedMask: []float32{
				0, 0, x, x, 0, x,
				0, 0, x, x, 0, 0,
			},
		},
	}

	testCache(t, backend, cache, tests)
}

func testCache(t *testing.T, backend ml.Backend, cache Cache, tests []testCase) {
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			context := backend.NewContext()
			defer context.Close()

			err := cache.StartForward(context, input.Batch{Positions: test.pos, Sequences: test.seqs}, false)
			if err != nil {
				t.Fatalf("StartForward failed: %v", err)
			}

			cache.SetLayer(0)
			tensor := context.FromFloats(test.in, test.inShape...)
			cache.Put(context, tensor, tensor)

			out, _, mask := cache.Get(context)

			context.Forward(out, mask).Compute(out, mask)

			if !slices.Equal(out.Floats(), test.expected) {
				t.Errorf("TestCache: have %v; want %v", out.Floats(), test.expected)
			}

			if !slices.Equal(out.Shape(), test.expectedShape) {
				t.Errorf("TestCache: has shape %v; want %v", out.Shape(), test.expectedShape)
			}

			if !slices.Equal(mask.Floats(), test.expectedMask) {
				t.Errorf("TestCache: have mask: have %v want %v", mask.Floats(), test.expectedMask)
			}
		})
	}
}

func TestSetMask(t *testing.T) {
	backend := cpu.New(fs.KV{})
	cache := NewCausalCache(nil)
	defer cache.Close()

	cache.Init(backend, ml.DTypeF16, 1, 16, 16)

	context := backend.NewContext()
	defer context.Close()

	err := cache.StartForward(context, input.Batch{
		Positions: []int32{0, 1},
		Sequences: []int{0, 0},
	}, false)
	if err != nil {
		t.Fatalf("StartForward failed: %v", err)
	}

	x := float32(math.Inf(-1))

	if err := cache.SetMask(context.FromFloats([]float32{0, 1, 0, 0}, 2, 2)); !errors.Is(err, ErrInvalidMask) {
		t.Errorf("positive mask entry: have %v, want ErrInvalidMask", err)
	}

	if err := cache.SetMask(context.FromFloats([]float32{0, 0, 0}, 3, 1)); err == nil {
		t.Errorf("mismatched mask shape: have nil, want error")
	}

	want := []float32{0, x, 0, 0}
	if err := cache.SetMask(context.FromFloats(want, 2, 2)); err != nil {
		t.Fatalf("SetMask failed: %v", err)
	}

	cache.SetLayer(0)
	tensor := context.FromFloats([]float32{1, 2}, 1, 1, 2)
	cache.Put(context, tensor, tensor)

	_, _, mask := cache.Get(context)
	if !slices.Equal(mask.Floats(), want) {
		t.Errorf("have mask %v, want %v", mask.Floats(), want)
	}
}

func TestSnapshotRestore(t *testing.T) {
	backend := cpu.New(fs.KV{})
	cache := NewCausalCache(nil)
	defer cache.Close()

	cache.Init(backend, ml.DTypeF16, 1, 16, 16)

	context := backend.NewContext()
	defer context.Close()

	err := cache.StartForward(context, input.Batch{
		Positions: []int32{0, 1, 2},
		Sequences: []int{0, 0, 0},
	}, false)
	if err != nil {
		t.Fatalf("StartForward failed: %v", err)
	}

	cache.SetLayer(0)
	keys := context.FromFloats([]float32{1, 2, 3}, 1, 1, 3)
	values := context.FromFloats([]float32{4, 5, 6}, 1, 1, 3)
	cache.Put(context, keys, values)

	state, err := cache.Snapshot(context)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	if !slices.Equal(state.Positions, []int32{0, 1, 2}) {
		t.Errorf("have positions %v, want [0 1 2]", state.Positions)
	}

	if !slices.Equal(state.Layers[0].Key.Floats(), []float32{1, 2, 3}) {
		t.Errorf("have keys %v, want [1 2 3]", state.Layers[0].Key.Floats())
	}

	restored := NewCausalCache(nil)
	defer restored.Close()

	restored.Init(backend, ml.DTypeF16, 1, 16, 16)

	if err := restored.Restore(context, state); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	// the restored cache must continue the sequence seamlessly
	err = restored.StartForward(context, input.Batch{
		Positions: []int32{3},
		Sequences: []int{0},
	}, false)
	if err != nil {
		t.Fatalf("StartForward failed: %v", err)
	}

	restored.SetLayer(0)
	restored.Put(context, context.FromFloats([]float32{7}, 1, 1, 1), context.FromFloats([]float32{8}, 1, 1, 1))

	key, value, mask := restored.Get(context)

	if !slices.Equal(key.Floats(), []float32{1, 2, 3, 7}) {
		t.Errorf("have keys %v, want [1 2 3 7]", key.Floats())
	}

	if !slices.Equal(value.Floats(), []float32{4, 5, 6, 8}) {
		t.Errorf("have values %v, want [4 5 6 8]", value.Floats())
	}

	if !slices.Equal(mask.Floats(), []float32{0, 0, 0, 0}) {
		t.Errorf("have mask %v, want all zero", mask.Floats())
	}
}
