// Package cpu provides a pure Go tensor backend. Operations evaluate
// eagerly, so Forward and Compute are no-ops. It is the reference
// backend for model execution and tests.
package cpu

import (
	"sync"

	"github.com/quic-hemagnih/efficient-transformers/fs"
	"github.com/quic-hemagnih/efficient-transformers/ml"
)

type Backend struct {
	config fs.Config

	mu      sync.RWMutex
	tensors map[string]ml.Tensor
}

var _ ml.Backend = (*Backend)(nil)

func New(config fs.Config) *Backend {
	return &Backend{
		config:  config,
		tensors: make(map[string]ml.Tensor),
	}
}

func (b *Backend) Config() fs.Config {
	return b.config
}

func (b *Backend) Get(name string) ml.Tensor {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if t, ok := b.tensors[name]; ok {
		return t
	}

	return nil
}

// Set registers a named tensor, typically a model weight.
func (b *Backend) Set(name string, t ml.Tensor) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tensors[name] = t
}

func (b *Backend) NewContext() ml.Context {
	return &Context{b: b}
}

func (b *Backend) NewContextSize(size int) ml.Context {
	return &Context{b: b}
}

func (b *Backend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tensors = nil
}
