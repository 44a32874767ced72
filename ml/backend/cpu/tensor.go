package cpu

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"

	"github.com/quic-hemagnih/efficient-transformers/ml"
)

const maxDims = 4

// Tensor is a strided view over a flat little-endian byte buffer.
// Dimension 0 is innermost and strides are in bytes, so views and
// permutations share storage with their parent.
type Tensor struct {
	dtype  ml.DType
	dims   int
	shape  [maxDims]int
	stride [maxDims]int
	data   []byte
}

var _ ml.Tensor = (*Tensor)(nil)

func elemSize(dtype ml.DType) int {
	switch dtype {
	case ml.DTypeF32, ml.DTypeI32:
		return 4
	case ml.DTypeF16:
		return 2
	default:
		panic(fmt.Errorf("unsupported dtype: %v", dtype))
	}
}

func (t *Tensor) Dim(n int) int {
	return t.shape[n]
}

func (t *Tensor) Stride(n int) int {
	return t.stride[n]
}

func (t *Tensor) Shape() []int {
	return t.shape[:t.dims]
}

func (t *Tensor) DType() ml.DType {
	return t.dtype
}

func (t *Tensor) elems() int {
	n := 1
	for _, dim := range t.shape {
		n *= dim
	}

	return n
}

func (t *Tensor) contiguous() bool {
	stride := elemSize(t.dtype)
	for i := range maxDims {
		if t.stride[i] != stride {
			return false
		}

		stride *= t.shape[i]
	}

	return true
}

func (t *Tensor) offsetOf(i0, i1, i2, i3 int) int {
	return i0*t.stride[0] + i1*t.stride[1] + i2*t.stride[2] + i3*t.stride[3]
}

// at reads the element at byte offset off as a float32.
func (t *Tensor) at(off int) float32 {
	switch t.dtype {
	case ml.DTypeF32:
		return math.Float32frombits(binary.LittleEndian.Uint32(t.data[off:]))
	case ml.DTypeF16:
		return float16.Frombits(binary.LittleEndian.Uint16(t.data[off:])).Float32()
	case ml.DTypeI32:
		return float32(int32(binary.LittleEndian.Uint32(t.data[off:])))
	default:
		panic(fmt.Errorf("unsupported dtype: %v", t.dtype))
	}
}

// setAt stores v at byte offset off, quantizing to the tensor's dtype.
func (t *Tensor) setAt(off int, v float32) {
	switch t.dtype {
	case ml.DTypeF32:
		binary.LittleEndian.PutUint32(t.data[off:], math.Float32bits(v))
	case ml.DTypeF16:
		binary.LittleEndian.PutUint16(t.data[off:], float16.Fromfloat32(v).Bits())
	case ml.DTypeI32:
		binary.LittleEndian.PutUint32(t.data[off:], uint32(int32(v)))
	default:
		panic(fmt.Errorf("unsupported dtype: %v", t.dtype))
	}
}

func (t *Tensor) intAt(off int) int32 {
	if t.dtype != ml.DTypeI32 {
		panic(fmt.Errorf("integer access on dtype %v", t.dtype))
	}

	return int32(binary.LittleEndian.Uint32(t.data[off:]))
}

func (t *Tensor) setIntAt(off int, v int32) {
	if t.dtype != ml.DTypeI32 {
		panic(fmt.Errorf("integer access on dtype %v", t.dtype))
	}

	binary.LittleEndian.PutUint32(t.data[off:], uint32(v))
}

func (t *Tensor) Bytes() []byte {
	if !t.contiguous() {
		panic("Bytes on non-contiguous tensor")
	}

	return t.data[:t.elems()*elemSize(t.dtype)]
}

func (t *Tensor) Floats() []float32 {
	s := make([]float32, 0, t.elems())
	for i3 := range t.shape[3] {
		for i2 := range t.shape[2] {
			for i1 := range t.shape[1] {
				for i0 := range t.shape[0] {
					s = append(s, t.at(t.offsetOf(i0, i1, i2, i3)))
				}
			}
		}
	}

	return s
}

func (t *Tensor) Cast(ctx ml.Context, dtype ml.DType) ml.Tensor {
	out := ctx.(*Context).newTensor(dtype, t.Shape())
	es := elemSize(dtype)

	var i int
	for i3 := range t.shape[3] {
		for i2 := range t.shape[2] {
			for i1 := range t.shape[1] {
				for i0 := range t.shape[0] {
					out.setAt(i*es, t.at(t.offsetOf(i0, i1, i2, i3)))
					i++
				}
			}
		}
	}

	return out
}

func (t *Tensor) Contiguous(ctx ml.Context) ml.Tensor {
	return t.Cast(ctx, t.dtype)
}

func (t *Tensor) Reshape(ctx ml.Context, shape ...int) ml.Tensor {
	if !t.contiguous() {
		panic("reshape of non-contiguous tensor")
	}

	elems := 1
	infer := -1
	for i, dim := range shape {
		if dim == -1 {
			if infer >= 0 {
				panic(fmt.Errorf("invalid shape: %v", shape))
			}

			infer = i
			continue
		}

		elems *= dim
	}

	if infer >= 0 {
		shape[infer] = t.elems() / elems
		elems *= shape[infer]
	}

	if elems != t.elems() {
		panic(fmt.Errorf("cannot reshape %v to %v", t.Shape(), shape))
	}

	nt := &Tensor{dtype: t.dtype, dims: max(len(shape), 1), data: t.data}
	for i := range maxDims {
		nt.shape[i] = 1
	}
	copy(nt.shape[:], shape)

	nt.stride[0] = elemSize(t.dtype)
	for i := 1; i < maxDims; i++ {
		nt.stride[i] = nt.stride[i-1] * nt.shape[i-1]
	}

	return nt
}

// View returns a strided window into t starting at a byte offset. The
// shape arguments alternate dimension and byte stride: d0[, s1, d1[,
// s2, d2]]. Omitted strides default to contiguous.
func (t *Tensor) View(ctx ml.Context, offset int, shape ...int) ml.Tensor {
	nt := &Tensor{dtype: t.dtype, data: t.data[offset:]}
	for i := range maxDims {
		nt.shape[i] = 1
	}

	switch len(shape) {
	case 1:
		nt.dims = 1
		nt.shape[0] = shape[0]
		nt.stride[0] = elemSize(t.dtype)
		nt.stride[1] = nt.stride[0] * nt.shape[0]
	case 3:
		nt.dims = 2
		nt.shape[0], nt.shape[1] = shape[0], shape[2]
		nt.stride[0] = elemSize(t.dtype)
		nt.stride[1] = shape[1]
	case 5:
		nt.dims = 3
		nt.shape[0], nt.shape[1], nt.shape[2] = shape[0], shape[2], shape[4]
		nt.stride[0] = elemSize(t.dtype)
		nt.stride[1] = shape[1]
		nt.stride[2] = shape[3]
	default:
		panic(fmt.Errorf("unsupported number of view arguments: %v", len(shape)))
	}

	for i := nt.dims; i < maxDims; i++ {
		nt.stride[i] = nt.stride[i-1] * nt.shape[i-1]
	}

	return nt
}

// Permute reorders dimensions such that axis shape[i] of the result is
// axis i of the input. Storage is shared, so the result is usually
// non-contiguous.
func (t *Tensor) Permute(ctx ml.Context, shape ...int) ml.Tensor {
	if len(shape) != maxDims {
		panic(fmt.Errorf("unsupported number of permute arguments: %v", len(shape)))
	}

	nt := &Tensor{dtype: t.dtype, dims: 1, data: t.data}
	for i, axis := range shape {
		nt.shape[axis] = t.shape[i]
		nt.stride[axis] = t.stride[i]
	}

	for i := maxDims - 1; i >= 0; i-- {
		if nt.shape[i] != 1 {
			nt.dims = i + 1
			break
		}
	}

	return nt
}

// Copy writes the values of t into t2, converting dtypes as needed.
func (t *Tensor) Copy(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	dst := t2.(*Tensor)
	if t.elems() != dst.elems() {
		panic(fmt.Errorf("cannot copy %v into %v", t.Shape(), dst.Shape()))
	}

	var i int
	flat := make([]float32, 0, t.elems())
	for i3 := range t.shape[3] {
		for i2 := range t.shape[2] {
			for i1 := range t.shape[1] {
				for i0 := range t.shape[0] {
					flat = append(flat, t.at(t.offsetOf(i0, i1, i2, i3)))
				}
			}
		}
	}

	for i3 := range dst.shape[3] {
		for i2 := range dst.shape[2] {
			for i1 := range dst.shape[1] {
				for i0 := range dst.shape[0] {
					dst.setAt(dst.offsetOf(i0, i1, i2, i3), flat[i])
					i++
				}
			}
		}
	}

	return t2
}
