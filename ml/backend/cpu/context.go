package cpu

import (
	"fmt"

	"github.com/quic-hemagnih/efficient-transformers/ml"
)

type Context struct {
	b *Backend
}

var _ ml.Context = (*Context)(nil)

func (c *Context) newTensor(dtype ml.DType, shape []int) *Tensor {
	if len(shape) > maxDims {
		panic(fmt.Errorf("unsupported number of dimensions: %v", len(shape)))
	}

	for _, dim := range shape {
		if dim < 1 {
			panic(fmt.Errorf("invalid shape: %v", shape))
		}
	}

	t := &Tensor{dtype: dtype, dims: max(len(shape), 1)}
	for i := range maxDims {
		t.shape[i] = 1
	}
	copy(t.shape[:], shape)

	t.stride[0] = elemSize(dtype)
	for i := 1; i < maxDims; i++ {
		t.stride[i] = t.stride[i-1] * t.shape[i-1]
	}

	t.data = make([]byte, t.shape[maxDims-1]*t.stride[maxDims-1])
	return t
}

func (c *Context) Empty(dtype ml.DType, shape ...int) ml.Tensor {
	return c.newTensor(dtype, shape)
}

func (c *Context) Zeros(dtype ml.DType, shape ...int) ml.Tensor {
	return c.newTensor(dtype, shape)
}

func (c *Context) FromFloats(s []float32, shape ...int) ml.Tensor {
	t := c.newTensor(ml.DTypeF32, shape)
	if len(s) != t.elems() {
		panic(fmt.Errorf("length of data (%v) does not match shape %v", len(s), shape))
	}

	for i, v := range s {
		t.setAt(i*4, v)
	}

	return t
}

func (c *Context) FromInts(s []int32, shape ...int) ml.Tensor {
	t := c.newTensor(ml.DTypeI32, shape)
	if len(s) != t.elems() {
		panic(fmt.Errorf("length of data (%v) does not match shape %v", len(s), shape))
	}

	for i, v := range s {
		t.setIntAt(i*4, v)
	}

	return t
}

// Forward is a no-op since all operations evaluate eagerly.
func (c *Context) Forward(tensors ...ml.Tensor) ml.Context {
	return c
}

// Compute is a no-op since all operations evaluate eagerly.
func (c *Context) Compute(tensors ...ml.Tensor) {}

func (c *Context) Close() {}

func (c *Context) Input() ml.Context {
	return c
}

func (c *Context) Layer(int) ml.Context {
	return c
}
