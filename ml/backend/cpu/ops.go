package cpu

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/quic-hemagnih/efficient-transformers/ml"
	"github.com/quic-hemagnih/efficient-transformers/ml/nn/rope"
)

func (t *Tensor) binary(ctx ml.Context, t2 ml.Tensor, op func(a, b float32) float32) ml.Tensor {
	b := t2.(*Tensor)
	for i := range maxDims {
		if t.shape[i]%b.shape[i] != 0 {
			panic(fmt.Errorf("cannot broadcast %v onto %v", b.Shape(), t.Shape()))
		}
	}

	out := ctx.(*Context).newTensor(t.dtype, t.Shape())
	for i3 := range t.shape[3] {
		for i2 := range t.shape[2] {
			for i1 := range t.shape[1] {
				for i0 := range t.shape[0] {
					av := t.at(t.offsetOf(i0, i1, i2, i3))
					bv := b.at(b.offsetOf(i0%b.shape[0], i1%b.shape[1], i2%b.shape[2], i3%b.shape[3]))
					out.setAt(out.offsetOf(i0, i1, i2, i3), op(av, bv))
				}
			}
		}
	}

	return out
}

func (t *Tensor) Add(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binary(ctx, t2, func(a, b float32) float32 { return a + b })
}

func (t *Tensor) Mul(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binary(ctx, t2, func(a, b float32) float32 { return a * b })
}

// mulmat computes out[m, n, i2, i3] = sum_k t[k, m, ...] * t2[k, n, i2, i3].
// Dimensions 2 and 3 of t broadcast into t2 by contiguous grouping, which
// is what maps grouped query heads onto their shared key/value head.
func (t *Tensor) mulmat(ctx ml.Context, t2 ml.Tensor, fullPrec bool) ml.Tensor {
	b := t2.(*Tensor)
	if t.shape[0] != b.shape[0] {
		panic(fmt.Errorf("inner dimensions do not match: %v x %v", t.Shape(), b.Shape()))
	}

	if b.shape[2]%t.shape[2] != 0 || b.shape[3]%t.shape[3] != 0 {
		panic(fmt.Errorf("cannot broadcast %v onto %v", t.Shape(), b.Shape()))
	}

	r2 := b.shape[2] / t.shape[2]
	r3 := b.shape[3] / t.shape[3]

	out := ctx.(*Context).newTensor(ml.DTypeF32, []int{t.shape[1], b.shape[1], b.shape[2], b.shape[3]})
	out.dims = max(t.dims, b.dims, 2)
	for i3 := range b.shape[3] {
		for i2 := range b.shape[2] {
			a2, a3 := i2/r2, i3/r3
			for n := range b.shape[1] {
				for m := range t.shape[1] {
					var v float32
					if fullPrec {
						var sum float64
						for k := range t.shape[0] {
							sum += float64(t.at(t.offsetOf(k, m, a2, a3))) * float64(b.at(b.offsetOf(k, n, i2, i3)))
						}
						v = float32(sum)
					} else {
						var sum float32
						for k := range t.shape[0] {
							sum += t.at(t.offsetOf(k, m, a2, a3)) * b.at(b.offsetOf(k, n, i2, i3))
						}
						v = sum
					}

					out.setAt(out.offsetOf(m, n, i2, i3), v)
				}
			}
		}
	}

	return out
}

func (t *Tensor) Mulmat(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.mulmat(ctx, t2, false)
}

func (t *Tensor) MulmatFullPrec(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.mulmat(ctx, t2, true)
}

// Softmax normalizes along dimension 0, accumulating in float64. A row
// that is entirely -Inf, such as a fully masked attention row, yields
// all zeros rather than NaN.
func (t *Tensor) Softmax(ctx ml.Context) ml.Tensor {
	out := ctx.(*Context).newTensor(ml.DTypeF32, t.Shape())
	row := make([]float64, t.shape[0])

	for i3 := range t.shape[3] {
		for i2 := range t.shape[2] {
			for i1 := range t.shape[1] {
				for i0 := range t.shape[0] {
					row[i0] = float64(t.at(t.offsetOf(i0, i1, i2, i3)))
				}

				if !math.IsInf(floats.Max(row), -1) {
					m := floats.Max(row)
					for i0 := range row {
						row[i0] = math.Exp(row[i0] - m)
					}
					floats.Scale(1/floats.Sum(row), row)
				} else {
					for i0 := range row {
						row[i0] = 0
					}
				}

				for i0 := range t.shape[0] {
					out.setAt(out.offsetOf(i0, i1, i2, i3), float32(row[i0]))
				}
			}
		}
	}

	return out
}

func (t *Tensor) LayerNorm(ctx ml.Context, weight, bias ml.Tensor, eps float32) ml.Tensor {
	out := ctx.(*Context).newTensor(ml.DTypeF32, t.Shape())
	row := make([]float64, t.shape[0])

	for i3 := range t.shape[3] {
		for i2 := range t.shape[2] {
			for i1 := range t.shape[1] {
				for i0 := range t.shape[0] {
					row[i0] = float64(t.at(t.offsetOf(i0, i1, i2, i3)))
				}

				mean := floats.Sum(row) / float64(len(row))
				var variance float64
				for _, v := range row {
					variance += (v - mean) * (v - mean)
				}
				variance /= float64(len(row))

				inv := 1 / math.Sqrt(variance+float64(eps))
				for i0 := range t.shape[0] {
					v := float32((row[i0] - mean) * inv)
					if weight != nil {
						v *= weight.(*Tensor).at(i0 * weight.Stride(0))
					}
					if bias != nil {
						v += bias.(*Tensor).at(i0 * bias.Stride(0))
					}

					out.setAt(out.offsetOf(i0, i1, i2, i3), v)
				}
			}
		}
	}

	return out
}

func (t *Tensor) RMSNorm(ctx ml.Context, weight ml.Tensor, eps float32) ml.Tensor {
	out := ctx.(*Context).newTensor(ml.DTypeF32, t.Shape())
	row := make([]float64, t.shape[0])

	for i3 := range t.shape[3] {
		for i2 := range t.shape[2] {
			for i1 := range t.shape[1] {
				for i0 := range t.shape[0] {
					row[i0] = float64(t.at(t.offsetOf(i0, i1, i2, i3)))
				}

				inv := 1 / math.Sqrt(floats.Dot(row, row)/float64(len(row))+float64(eps))
				for i0 := range t.shape[0] {
					v := float32(row[i0] * inv)
					if weight != nil {
						v *= weight.(*Tensor).at(i0 * weight.Stride(0))
					}

					out.setAt(out.offsetOf(i0, i1, i2, i3), v)
				}
			}
		}
	}

	return out
}

func (t *Tensor) Scale(ctx ml.Context, s float64) ml.Tensor {
	out := ctx.(*Context).newTensor(ml.DTypeF32, t.Shape())
	for i3 := range t.shape[3] {
		for i2 := range t.shape[2] {
			for i1 := range t.shape[1] {
				for i0 := range t.shape[0] {
					out.setAt(out.offsetOf(i0, i1, i2, i3), float32(float64(t.at(t.offsetOf(i0, i1, i2, i3)))*s))
				}
			}
		}
	}

	return out
}

func (t *Tensor) SILU(ctx ml.Context) ml.Tensor {
	out := ctx.(*Context).newTensor(ml.DTypeF32, t.Shape())
	for i3 := range t.shape[3] {
		for i2 := range t.shape[2] {
			for i1 := range t.shape[1] {
				for i0 := range t.shape[0] {
					v := float64(t.at(t.offsetOf(i0, i1, i2, i3)))
					out.setAt(out.offsetOf(i0, i1, i2, i3), float32(v/(1+math.Exp(-v))))
				}
			}
		}
	}

	return out
}

// Rows gathers columns of t along dimension 1: out[:, i, c] = t[:, idx[i], c].
func (t *Tensor) Rows(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	idx := t2.(*Tensor)
	if idx.dtype != ml.DTypeI32 {
		panic(fmt.Errorf("row indices must be int32, got dtype %v", idx.dtype))
	}

	n := idx.elems()
	out := ctx.(*Context).newTensor(ml.DTypeF32, []int{t.shape[0], n, t.shape[2], t.shape[3]})
	out.dims = t.dims
	for i3 := range t.shape[3] {
		for i2 := range t.shape[2] {
			for i := range n {
				r := int(idx.intAt(i * 4))
				if r < 0 || r >= t.shape[1] {
					panic(fmt.Errorf("row index %v out of range [0, %v)", r, t.shape[1]))
				}

				for i0 := range t.shape[0] {
					out.setAt(out.offsetOf(i0, i, i2, i3), t.at(t.offsetOf(i0, r, i2, i3)))
				}
			}
		}
	}

	return out
}

// SetRows scatters columns of src into t along dimension 1, in place:
// t[:, idx[i], c] = src[:, i, c]. Values are quantized to t's dtype.
func (t *Tensor) SetRows(ctx ml.Context, src ml.Tensor, idxs ml.Tensor) ml.Tensor {
	s := src.(*Tensor)
	idx := idxs.(*Tensor)
	if idx.dtype != ml.DTypeI32 {
		panic(fmt.Errorf("row indices must be int32, got dtype %v", idx.dtype))
	}

	if s.shape[0] != t.shape[0] || s.shape[1] != idx.elems() {
		panic(fmt.Errorf("cannot scatter %v into %v with %v indices", s.Shape(), t.Shape(), idx.elems()))
	}

	for i3 := range s.shape[3] {
		for i2 := range s.shape[2] {
			for i := range s.shape[1] {
				r := int(idx.intAt(i * 4))
				if r < 0 || r >= t.shape[1] {
					panic(fmt.Errorf("row index %v out of range [0, %v)", r, t.shape[1]))
				}

				for i0 := range s.shape[0] {
					t.setAt(t.offsetOf(i0, r, i2, i3), s.at(s.offsetOf(i0, i, i2, i3)))
				}
			}
		}
	}

	return t
}

// RoPE rotates the first dim elements of each head vector by a
// position-dependent angle. The default type rotates interleaved pairs
// (2i, 2i+1); NeoX pairs element i with element i+dim/2.
func (t *Tensor) RoPE(ctx ml.Context, positions ml.Tensor, dim int, base, scale float32, options ...func(*rope.Options)) ml.Tensor {
	opts := &rope.Options{}
	for _, option := range options {
		option(opts)
	}

	pos := positions.(*Tensor)
	if pos.dtype != ml.DTypeI32 {
		panic(fmt.Errorf("positions must be int32, got dtype %v", pos.dtype))
	}

	if pos.elems() != t.shape[2] {
		panic(fmt.Errorf("have %v positions for %v tokens", pos.elems(), t.shape[2]))
	}

	if dim%2 != 0 || dim > t.shape[0] {
		panic(fmt.Errorf("invalid rotary dimension %v for head size %v", dim, t.shape[0]))
	}

	var factors *Tensor
	if opts.Factors != nil {
		factors = opts.Factors.(*Tensor)
	}

	out := ctx.(*Context).newTensor(ml.DTypeF32, t.Shape())
	for i3 := range t.shape[3] {
		for i2 := range t.shape[2] {
			p := float64(pos.intAt(i2 * 4))
			for i1 := range t.shape[1] {
				for i := range dim / 2 {
					theta := p * float64(scale) * math.Pow(float64(base), -2*float64(i)/float64(dim))
					if factors != nil {
						theta /= float64(factors.at(i * 4))
					}

					sin, cos := math.Sincos(theta)

					a, b := 2*i, 2*i+1
					if opts.Type == 2 {
						a, b = i, i+dim/2
					}

					x0 := float64(t.at(t.offsetOf(a, i1, i2, i3)))
					x1 := float64(t.at(t.offsetOf(b, i1, i2, i3)))

					out.setAt(out.offsetOf(a, i1, i2, i3), float32(x0*cos-x1*sin))
					out.setAt(out.offsetOf(b, i1, i2, i3), float32(x0*sin+x1*cos))
				}

				for i0 := dim; i0 < t.shape[0]; i0++ {
					out.setAt(out.offsetOf(i0, i1, i2, i3), t.at(t.offsetOf(i0, i1, i2, i3)))
				}
			}
		}
	}

	return out
}
