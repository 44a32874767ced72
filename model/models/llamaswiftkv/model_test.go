package llamaswiftkv

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/quic-hemagnih/efficient-transformers/fs"
	"github.com/quic-hemagnih/efficient-transformers/kvcache"
	"github.com/quic-hemagnih/efficient-transformers/ml"
	"github.com/quic-hemagnih/efficient-transformers/ml/backend/cpu"
	"github.com/quic-hemagnih/efficient-transformers/model"
	"github.com/quic-hemagnih/efficient-transformers/model/input"
	_ "github.com/quic-hemagnih/efficient-transformers/model/models/llama"
)

const (
	testHidden    = 4
	testHeads     = 2
	testKVHeads   = 1
	testHeadDim   = 2
	testFF        = 8
	testVocab     = 5
	testNumLayers = 2
)

// fill produces deterministic weights keyed by tensor name, so two
// backends built from the same names carry identical parameters.
func fill(name string, n int) []float32 {
	h := fnv.New64a()
	h.Write([]byte(name))
	r := rand.New(rand.NewSource(int64(h.Sum64())))

	s := make([]float32, n)
	for i := range s {
		s[i] = (r.Float32()*2 - 1) * 0.5
	}

	return s
}

func testShapes() map[string][]int {
	shapes := map[string][]int{
		"token_embd.weight":   {testHidden, testVocab},
		"swiftkv_norm.weight": {testHidden},
		"output_norm.weight":  {testHidden},
		"output.weight":       {testHidden, testVocab},
	}

	for i := range testNumLayers {
		p := fmt.Sprintf("blk.%d.", i)
		shapes[p+"attn_norm.weight"] = []int{testHidden}
		shapes[p+"attn_q.weight"] = []int{testHidden, testHeadDim * testHeads}
		shapes[p+"attn_k.weight"] = []int{testHidden, testHeadDim * testKVHeads}
		shapes[p+"attn_v.weight"] = []int{testHidden, testHeadDim * testKVHeads}
		shapes[p+"attn_q_swiftkv.weight"] = []int{testHidden, testHeadDim * testHeads}
		shapes[p+"attn_k_swiftkv.weight"] = []int{testHidden, testHeadDim * testKVHeads}
		shapes[p+"attn_v_swiftkv.weight"] = []int{testHidden, testHeadDim * testKVHeads}
		shapes[p+"attn_output.weight"] = []int{testHeadDim * testHeads, testHidden}
		shapes[p+"ffn_norm.weight"] = []int{testHidden}
		shapes[p+"ffn_up.weight"] = []int{testHidden, testFF}
		shapes[p+"ffn_gate.weight"] = []int{testHidden, testFF}
		shapes[p+"ffn_down.weight"] = []int{testFF, testHidden}
	}

	return shapes
}

// newTestModel builds a model over a cpu backend with deterministic
// weights. Tensors named in overrides take alternate values.
func newTestModel(t *testing.T, arch string, numKVLayers int, overrides ...string) (model.Model, *cpu.Backend) {
	t.Helper()

	config := fs.KV{
		"general.architecture":                     arch,
		arch + ".block_count":                      uint32(testNumLayers),
		arch + ".embedding_length":                 uint32(testHidden),
		arch + ".attention.head_count":             uint32(testHeads),
		arch + ".attention.head_count_kv":          uint32(testKVHeads),
		arch + ".attention.layer_norm_rms_epsilon": float32(1e-5),
		arch + ".rope.freq_base":                   float32(10000),
		arch + ".rope.freq_scale":                  float32(1),
		arch + ".swiftkv.key_value_block_count":    uint32(numKVLayers),
	}

	backend := cpu.New(config)
	ctx := backend.NewContext()
	defer ctx.Close()

	for name, shape := range testShapes() {
		seed := name
		if slices.Contains(overrides, name) {
			seed = name + "#alt"
		}

		n := 1
		for _, dim := range shape {
			n *= dim
		}

		backend.Set(name, ctx.FromFloats(fill(seed, n), shape...))
	}

	m, err := model.New(backend)
	if err != nil {
		t.Fatalf("failed to build model: %v", err)
	}

	m.Config().Cache.Init(backend, ml.DTypeF32, 4, 32, 32)

	return m, backend
}

func forward(t *testing.T, m model.Model, b *cpu.Backend, inputs, positions []int32, seqs []int, outputs []int32) ml.Tensor {
	t.Helper()

	ctx := b.NewContext()
	defer ctx.Close()

	logits, err := model.Forward(ctx, m, inputs, input.Batch{
		Positions: positions,
		Sequences: seqs,
		Outputs:   outputs,
	})
	if err != nil {
		t.Fatalf("forward pass failed: %v", err)
	}

	return logits
}

// With every layer projecting its own keys and values, the model must
// match a conventional llama stack with the same weights.
func TestDegenerateMatchesStandardStack(t *testing.T) {
	swiftkv, sb := newTestModel(t, "llamaswiftkv", testNumLayers)
	llama, lb := newTestModel(t, "llama", testNumLayers)

	inputs := []int32{0, 1, 2, 3}
	positions := []int32{0, 1, 2, 3}
	seqs := []int{0, 0, 0, 0}

	have := forward(t, swiftkv, sb, inputs, positions, seqs, nil)
	want := forward(t, llama, lb, inputs, positions, seqs, nil)

	if diff := cmp.Diff(want.Floats(), have.Floats(), cmpopts.EquateApprox(0, 1e-5)); diff != "" {
		t.Logf("have logits:\n%s", ml.Dump(have))
		t.Logf("want logits:\n%s", ml.Dump(want))
		t.Errorf("logits mismatch (-want +have):\n%s", diff)
	}
}

// Keys and values of the shared-KV layers derive only from the shared
// hidden state and each layer's own K/V weights. Perturbing a suffix
// layer's query and MLP weights must leave every cached suffix K/V
// bit-identical, even though the logits change.
func TestSuffixKVDependsOnlyOnSharedState(t *testing.T) {
	base, bb := newTestModel(t, "llamaswiftkv", 1)
	perturbed, pb := newTestModel(t, "llamaswiftkv", 1,
		"blk.1.attn_q_swiftkv.weight", "blk.1.ffn_up.weight")

	inputs := []int32{0, 1, 2}
	positions := []int32{0, 1, 2}
	seqs := []int{0, 0, 0}

	baseLogits := forward(t, base, bb, inputs, positions, seqs, nil).Floats()
	perturbedLogits := forward(t, perturbed, pb, inputs, positions, seqs, nil).Floats()

	if cmp.Equal(baseLogits, perturbedLogits) {
		t.Error("perturbed weights should change logits")
	}

	ctx := bb.NewContext()
	defer ctx.Close()

	baseState, err := base.Config().Cache.(*kvcache.Causal).Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}

	perturbedState, err := perturbed.Config().Cache.(*kvcache.Causal).Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}

	for layer := 1; layer < testNumLayers; layer++ {
		if !slices.Equal(baseState.Layers[layer].Key.Floats(), perturbedState.Layers[layer].Key.Floats()) {
			t.Errorf("layer %v keys differ", layer)
		}

		if !slices.Equal(baseState.Layers[layer].Value.Floats(), perturbedState.Layers[layer].Value.Floats()) {
			t.Errorf("layer %v values differ", layer)
		}
	}
}

// Two models with identical weights and inputs produce identical
// logits.
func TestIdempotence(t *testing.T) {
	first, fb := newTestModel(t, "llamaswiftkv", 1)
	second, sb := newTestModel(t, "llamaswiftkv", 1)

	inputs := []int32{2, 0, 1}
	positions := []int32{0, 1, 2}
	seqs := []int{0, 0, 0}

	have := forward(t, first, fb, inputs, positions, seqs, nil).Floats()
	want := forward(t, second, sb, inputs, positions, seqs, nil).Floats()

	if !slices.Equal(have, want) {
		t.Errorf("have %v, want %v", have, want)
	}
}

// Prefilling n tokens then decoding one more must give the same
// next-token logits as a single pass over all n+1 tokens.
func TestIncrementalDecodeEquivalence(t *testing.T) {
	incremental, ib := newTestModel(t, "llamaswiftkv", 1)
	oneshot, ob := newTestModel(t, "llamaswiftkv", 1)

	forward(t, incremental, ib, []int32{0, 1, 2}, []int32{0, 1, 2}, []int{0, 0, 0}, nil)
	have := forward(t, incremental, ib, []int32{3}, []int32{3}, []int{0}, nil).Floats()

	want := forward(t, oneshot, ob, []int32{0, 1, 2, 3}, []int32{0, 1, 2, 3}, []int{0, 0, 0, 0}, nil).Floats()

	if diff := cmp.Diff(want, have, cmpopts.EquateApprox(0, 1e-4)); diff != "" {
		t.Errorf("logits mismatch (-want +have):\n%s", diff)
	}
}

// Without explicit output indices the model emits one row of logits
// per sequence, taken at that sequence's highest position.
func TestHeadSelection(t *testing.T) {
	m, b := newTestModel(t, "llamaswiftkv", 1)

	inputs := []int32{0, 1, 2, 3, 4}
	positions := []int32{0, 1, 2, 0, 1}
	seqs := []int{0, 0, 0, 1, 1}

	have := forward(t, m, b, inputs, positions, seqs, nil).Floats()
	if len(have) != 2*testVocab {
		t.Fatalf("have %v logit rows, want 2", len(have)/testVocab)
	}

	explicit, eb := newTestModel(t, "llamaswiftkv", 1)
	want := forward(t, explicit, eb, inputs, positions, seqs, []int32{2, 4}).Floats()

	if !slices.Equal(have, want) {
		t.Errorf("have %v, want %v", have, want)
	}
}

// A batch without positions continues each sequence at the next
// position recorded by the cache, matching an explicitly positioned
// run both at prefill and at the following decode step.
func TestDefaultPositions(t *testing.T) {
	implicit, ib := newTestModel(t, "llamaswiftkv", 1)
	explicit, eb := newTestModel(t, "llamaswiftkv", 1)

	inputs := []int32{0, 1, 2}
	seqs := []int{0, 0, 0}

	have := forward(t, implicit, ib, inputs, nil, seqs, nil).Floats()
	want := forward(t, explicit, eb, inputs, []int32{0, 1, 2}, seqs, nil).Floats()

	if !slices.Equal(have, want) {
		t.Errorf("prefill: have %v, want %v", have, want)
	}

	have = forward(t, implicit, ib, []int32{3}, nil, []int{0}, nil).Floats()
	want = forward(t, explicit, eb, []int32{3}, []int32{3}, []int{0}, nil).Floats()

	if !slices.Equal(have, want) {
		t.Errorf("decode: have %v, want %v", have, want)
	}
}

func TestConfigValidation(t *testing.T) {
	cases := []struct {
		name   string
		config fs.KV
	}{
		{
			name: "IndivisibleHeads",
			config: fs.KV{
				"general.architecture":                       "llamaswiftkv",
				"llamaswiftkv.block_count":                   uint32(2),
				"llamaswiftkv.embedding_length":              uint32(6),
				"llamaswiftkv.attention.head_count":          uint32(3),
				"llamaswiftkv.attention.head_count_kv":       uint32(2),
				"llamaswiftkv.rope.freq_base":                float32(10000),
				"llamaswiftkv.swiftkv.key_value_block_count": uint32(1),
			},
		},
		{
			name: "ZeroHeads",
			config: fs.KV{
				"general.architecture":                       "llamaswiftkv",
				"llamaswiftkv.block_count":                   uint32(2),
				"llamaswiftkv.embedding_length":              uint32(4),
				"llamaswiftkv.attention.head_count":          uint32(0),
				"llamaswiftkv.attention.head_count_kv":       uint32(1),
				"llamaswiftkv.rope.freq_base":                float32(10000),
				"llamaswiftkv.swiftkv.key_value_block_count": uint32(1),
			},
		},
		{
			name: "TooManyKVLayers",
			config: fs.KV{
				"general.architecture":                       "llamaswiftkv",
				"llamaswiftkv.block_count":                   uint32(2),
				"llamaswiftkv.embedding_length":              uint32(4),
				"llamaswiftkv.attention.head_count":          uint32(2),
				"llamaswiftkv.attention.head_count_kv":       uint32(1),
				"llamaswiftkv.rope.freq_base":                float32(10000),
				"llamaswiftkv.swiftkv.key_value_block_count": uint32(3),
			},
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.config); err == nil {
				t.Error("have nil, want error")
			}
		})
	}
}
