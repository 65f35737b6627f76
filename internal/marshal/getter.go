package marshal

import (
	"fmt"

	"github.com/born-ml/graphstage/internal/data"
	"github.com/born-ml/graphstage/internal/graph"
	"github.com/born-ml/graphstage/internal/tensor"
)

// Getter reads one column of the current cursor row into tensors.
type Getter interface {
	// GetTensor returns the current row's value shaped for the graph.
	GetTensor() (*tensor.Tensor, error)
	// BufferTrainingData appends the current row's value to the batch buffer.
	BufferTrainingData() error
	// GetBufferedBatchTensor materializes the buffered rows. A customBatchSize
	// of -1 uses the full batch shape; otherwise the leading dimension is
	// customBatchSize. The write position is reset either way.
	GetBufferedBatchTensor(customBatchSize int) (*tensor.Tensor, error)
}

// NewGetter returns the getter for column col of cur. shape is the fully
// specified shape of a single tensor: per example for scoring, per batch for
// training.
//
// Key columns are converted from 1-based categories to 0-based int64 class
// indices.
func NewGetter(cur data.Cursor, col int, ct data.ColumnType, shape tensor.Shape) (Getter, error) {
	if !shape.IsFullySpecified() {
		return nil, fmt.Errorf("%w: shape %v is not fully specified", graph.ErrShapeMismatch, shape)
	}
	dt := ct.Elem
	if ct.IsKey() {
		dt = tensor.Int64
	}
	n := int(shape.NumElements())
	buf, err := tensor.NewBuffer(dt, n)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", graph.ErrUnsupportedType, err)
	}
	base := getter{cur: cur, col: col, key: ct.IsKey(), shape: shape.Clone(), buf: buf}
	if ct.IsVector() {
		return &vectorGetter{getter: base}, nil
	}
	return &scalarGetter{getter: base}, nil
}

type getter struct {
	cur   data.Cursor
	col   int
	key   bool
	shape tensor.Shape
	buf   *tensor.Buffer
}

// read returns the current value with key remapping applied.
func (g *getter) read() (*tensor.Tensor, error) {
	v, err := g.cur.Value(g.col)
	if err != nil {
		return nil, err
	}
	if !g.key {
		return v, nil
	}
	return remapKeys(v)
}

func (g *getter) batchShape(customBatchSize int) tensor.Shape {
	if customBatchSize == -1 {
		return g.shape
	}
	shape := g.shape.Clone()
	if len(shape) == 0 {
		return tensor.Shape{int64(customBatchSize)}
	}
	shape[0] = int64(customBatchSize)
	return shape
}

func (g *getter) BufferTrainingData() error {
	v, err := g.read()
	if err != nil {
		return err
	}
	return g.buf.Append(v)
}

// scalarGetter serves scalar columns.
type scalarGetter struct {
	getter
}

func (g *scalarGetter) GetTensor() (*tensor.Tensor, error) {
	v, err := g.read()
	if err != nil {
		return nil, err
	}
	return v.Reshape(g.shape)
}

func (g *scalarGetter) GetBufferedBatchTensor(customBatchSize int) (*tensor.Tensor, error) {
	defer g.buf.Reset(false)
	return g.buf.Materialize(g.batchShape(customBatchSize))
}

// vectorGetter serves vector columns.
type vectorGetter struct {
	getter
}

func (g *vectorGetter) GetTensor() (*tensor.Tensor, error) {
	v, err := g.read()
	if err != nil {
		return nil, err
	}
	if int64(v.Len()) != g.shape.NumElements() {
		return nil, fmt.Errorf("%w: row has %d values, tensor shape %v needs %d",
			graph.ErrShapeMismatch, v.Len(), g.shape, g.shape.NumElements())
	}
	return v.Reshape(g.shape)
}

func (g *vectorGetter) BufferTrainingData() error {
	v, err := g.read()
	if err != nil {
		return err
	}
	if len(g.shape) > 0 && g.shape[0] > 0 {
		if per := g.shape.NumElements() / g.shape[0]; int64(v.Len()) != per {
			return fmt.Errorf("%w: row has %d values, batch shape %v needs %d per row",
				graph.ErrShapeMismatch, v.Len(), g.shape, per)
		}
	}
	return g.buf.Append(v)
}

func (g *vectorGetter) GetBufferedBatchTensor(customBatchSize int) (*tensor.Tensor, error) {
	defer g.buf.Reset(true)
	return g.buf.Materialize(g.batchShape(customBatchSize))
}

// remapKeys converts 1-based key values to 0-based int64 indices.
func remapKeys(v *tensor.Tensor) (*tensor.Tensor, error) {
	wide, err := v.Cast(tensor.Int64)
	if err != nil {
		return nil, err
	}
	vals, err := tensor.Values[int64](wide)
	if err != nil {
		return nil, err
	}
	out := make([]int64, len(vals))
	for i, k := range vals {
		out[i] = k - 1
	}
	return tensor.New(v.Shape(), out)
}
