package session

import (
	"fmt"

	"github.com/born-ml/graphstage/internal/graph"
	"github.com/born-ml/graphstage/internal/tensor"
)

// ComputeFunc executes the graph once for the current row and returns every
// active output by name.
type ComputeFunc func() (map[string]*tensor.Tensor, error)

// OutputCache holds the outputs of the last execution and the row position
// they belong to. Output getters of one cursor share a cache so that a row is
// executed once however many of its outputs are read, in whatever order.
//
// An OutputCache is not safe for concurrent use; each cursor owns one.
type OutputCache struct {
	position int64
	outputs  map[string]*tensor.Tensor
}

// NewOutputCache returns an empty cache.
func NewOutputCache() *OutputCache {
	return &OutputCache{position: -1, outputs: make(map[string]*tensor.Tensor)}
}

// Position returns the row position of the cached outputs, -1 if none.
func (c *OutputCache) Position() int64 { return c.position }

// Get returns output name for the row at position. On a miss compute runs
// once and all of its outputs are cached for position.
func (c *OutputCache) Get(position int64, name string, compute ComputeFunc) (*tensor.Tensor, error) {
	if position == c.position {
		if t, ok := c.outputs[name]; ok {
			return t, nil
		}
	}

	outputs, err := compute()
	if err != nil {
		return nil, err
	}
	if position != c.position {
		clear(c.outputs)
		c.position = position
	}
	for k, v := range outputs {
		c.outputs[k] = v
	}

	t, ok := c.outputs[name]
	if !ok {
		return nil, &graph.NodeError{Node: name, Err: fmt.Errorf("%w: output was not computed", graph.ErrExecution)}
	}
	return t, nil
}

// Reset drops the cached outputs.
func (c *OutputCache) Reset() {
	clear(c.outputs)
	c.position = -1
}
