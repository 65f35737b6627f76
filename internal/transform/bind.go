package transform

import (
	"fmt"

	"github.com/born-ml/graphstage/internal/data"
	"github.com/born-ml/graphstage/internal/graph"
	"github.com/born-ml/graphstage/internal/marshal"
	"github.com/born-ml/graphstage/internal/tensor"
)

// InputBinding feeds a data column to a graph input.
type InputBinding struct {
	Column string
	Index  int
	Type   data.ColumnType
	Node   graph.Node
	// Shape is the fully specified shape of the tensor fed per row.
	Shape tensor.Shape
}

// OutputBinding exposes a graph node as an output column.
type OutputBinding struct {
	Node graph.Node
	Type data.ColumnType
}

// Binding maps the columns of one input schema to graph nodes. It is built
// once and validated completely before any row is read; it is never
// modified afterwards.
type Binding struct {
	inputs  []InputBinding
	outputs []OutputBinding
	schema  data.Schema
}

// Inputs returns a copy of the input bindings.
func (b *Binding) Inputs() []InputBinding { return append([]InputBinding(nil), b.inputs...) }

// Outputs returns a copy of the output bindings.
func (b *Binding) Outputs() []OutputBinding { return append([]OutputBinding(nil), b.outputs...) }

// Schema returns the source columns followed by the output columns.
func (b *Binding) Schema() data.Schema { return append(data.Schema(nil), b.schema...) }

// bindOutputs resolves the output nodes and derives their column types.
func bindOutputs(rt graph.Runtime, names []string) ([]OutputBinding, error) {
	nodes, err := graph.Introspect(rt, names, true)
	if err != nil {
		return nil, err
	}
	out := make([]OutputBinding, len(nodes))
	for i, n := range nodes {
		out[i] = OutputBinding{Node: n, Type: graph.ColumnType(n)}
	}
	return out, nil
}

// bind checks every input column of schema against its node and resolves
// the per-row tensor shapes.
func bind(rt graph.Runtime, schema data.Schema, nodes, sources []string, outputs []OutputBinding, addBatch bool) (*Binding, error) {
	resolved, err := graph.Introspect(rt, nodes, false)
	if err != nil {
		return nil, err
	}
	inputs := make([]InputBinding, len(nodes))
	for i, node := range resolved {
		in, err := bindInput(schema, sources[i], node, addBatch)
		if err != nil {
			return nil, err
		}
		inputs[i] = in
	}

	out := append(data.Schema(nil), schema...)
	for _, o := range outputs {
		out = append(out, data.Column{Name: o.Node.Name, Type: o.Type})
	}
	return &Binding{inputs: inputs, outputs: outputs, schema: out}, nil
}

func bindInput(schema data.Schema, column string, node graph.Node, addBatch bool) (InputBinding, error) {
	idx, ok := schema.Index(column)
	if !ok {
		return InputBinding{}, &graph.ColumnError{Column: column, Err: graph.ErrColumnNotFound}
	}
	ct := schema[idx].Type
	if ct.IsVector() && !ct.IsKnownSize() {
		return InputBinding{}, &graph.ColumnError{Column: column, Err: graph.ErrVariableLength}
	}
	if !ct.IsVector() {
		return InputBinding{}, &graph.ColumnError{Column: column, Err: graph.ErrNotVector}
	}

	want := ct.Elem
	if ct.IsKey() {
		want = tensor.Int64
	}
	if want != node.DType {
		return InputBinding{}, &graph.ColumnError{
			Column: column,
			Err:    fmt.Errorf("%w: type %v of input column does not match node %q of type %v", graph.ErrTypeMismatch, want, node.Name, node.DType),
		}
	}

	shape, err := marshal.ResolveShape(ct, node.Shape, addBatch)
	if err != nil {
		return InputBinding{}, &graph.ColumnError{Column: column, Err: err}
	}
	return InputBinding{Column: column, Index: idx, Type: ct, Node: node, Shape: shape}, nil
}

// toColumn shapes an output tensor as a value of ct, dropping the batch
// dimension of a single example.
func toColumn(ct data.ColumnType, t *tensor.Tensor) (*tensor.Tensor, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: no value fetched", graph.ErrExecution)
	}
	if t.DType() != ct.Elem {
		var err error
		if t, err = t.Cast(ct.Elem); err != nil {
			return nil, fmt.Errorf("%w: %w", graph.ErrTypeMismatch, err)
		}
	}

	shape := t.Shape()
	if !ct.IsVector() {
		if t.Len() != 1 {
			return nil, fmt.Errorf("%w: %v tensor for a scalar column", graph.ErrShapeMismatch, shape)
		}
		return t.Reshape(tensor.Shape{})
	}
	switch {
	case len(shape) == len(ct.Dims)+1 && shape[0] == 1:
		return t.Reshape(shape[1:])
	case len(shape) == len(ct.Dims):
		return t, nil
	case ct.IsKnownSize():
		return t.Reshape(ct.Dims)
	case len(ct.Dims) == 1:
		return t.Reshape(tensor.Shape{int64(t.Len())})
	}
	return nil, fmt.Errorf("%w: %v tensor for column type %v", graph.ErrShapeMismatch, shape, ct)
}
