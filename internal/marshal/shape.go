// Package marshal moves row values into graph tensors: it reconciles column
// shapes with node shapes and builds single-example and batch tensors.
package marshal

import (
	"fmt"
	"math"

	"github.com/born-ml/graphstage/internal/data"
	"github.com/born-ml/graphstage/internal/graph"
	"github.com/born-ml/graphstage/internal/tensor"
)

// ResolveShape returns the fully specified shape used for every tensor built
// from a column bound to a node.
//
// An empty node shape adopts the column's dimensions. Otherwise every unknown
// node dimension takes the same size d, where d^unknowns * known equals the
// column's value count. When addBatch is set a leading dimension of 1 is added.
func ResolveShape(col data.ColumnType, node tensor.Shape, addBatch bool) (tensor.Shape, error) {
	if !col.IsVector() {
		return nil, graph.ErrNotVector
	}
	if !col.IsKnownSize() {
		return nil, graph.ErrVariableLength
	}

	var shape tensor.Shape
	if len(node) == 0 {
		shape = col.Dims.Clone()
	} else {
		var err error
		shape, err = fill(node, col.Size())
		if err != nil {
			return nil, err
		}
	}
	if addBatch {
		shape = shape.WithBatch(1)
	}
	return shape, nil
}

// fill substitutes the unknown dimensions of node so that the shape holds count values.
func fill(node tensor.Shape, count int64) (tensor.Shape, error) {
	known := int64(1)
	unknown := 0
	for _, d := range node {
		if d > 0 {
			known *= d
		} else {
			unknown++
		}
	}
	if count%known != 0 {
		return nil, fmt.Errorf("%w: node has shape %v, but input data is of length %d", graph.ErrShapeMismatch, node, count)
	}

	d := int64(0)
	if unknown == 0 {
		if count != known {
			return nil, fmt.Errorf("%w: node has shape %v, but input data is of length %d", graph.ErrShapeMismatch, node, count)
		}
	} else {
		var ok bool
		d, ok = intRoot(count/known, unknown)
		if !ok {
			return nil, fmt.Errorf("%w: node has shape %v, but input data is of length %d", graph.ErrShapeMismatch, node, count)
		}
	}

	shape := node.Clone()
	for i := range shape {
		if shape[i] <= 0 {
			shape[i] = d
		}
	}
	return shape, nil
}

// intRoot returns d with d^k == n when such an integer exists.
func intRoot(n int64, k int) (int64, bool) {
	if k == 1 {
		return n, true
	}
	d := int64(math.Round(math.Pow(float64(n), 1/float64(k))))
	for _, c := range []int64{d - 1, d, d + 1} {
		if c > 0 && pow(c, k) == n {
			return c, true
		}
	}
	return 0, false
}

func pow(b int64, k int) int64 {
	p := int64(1)
	for range k {
		p *= b
	}
	return p
}

// TrainingShape returns the batch shape used to buffer a training column.
//
// A vector column bound to a node without a shape is given the shape
// [-1, dims...]. A leading unknown dimension becomes batchSize; remaining
// unknown dimensions are solved against the column's per-row value count.
func TrainingShape(col data.ColumnType, node tensor.Shape, batchSize int) (tensor.Shape, error) {
	shape := node.Clone()
	if len(shape) == 0 {
		if col.IsVector() {
			shape = col.Dims.WithBatch(tensor.Unknown)
		} else {
			shape = tensor.Shape{tensor.Unknown}
		}
	}
	if shape[0] <= 0 {
		shape[0] = int64(batchSize)
	}
	if shape.IsFullySpecified() {
		return shape, nil
	}

	if !col.IsKnownSize() {
		return nil, graph.ErrVariableLength
	}
	rest, err := fill(shape[1:], col.Size())
	if err != nil {
		return nil, err
	}
	return append(tensor.Shape{shape[0]}, rest...), nil
}
