package transform

import (
	"context"
	"errors"
	"fmt"

	"github.com/born-ml/graphstage/internal/data"
	"github.com/born-ml/graphstage/internal/graph"
	"github.com/born-ml/graphstage/internal/marshal"
	"github.com/born-ml/graphstage/internal/session"
	"github.com/born-ml/graphstage/internal/tensor"
)

// View is a source view extended with the graph's output columns.
//
// Output values are computed lazily: the graph runs at most once per row,
// on the first read of an output column, and fetches only the outputs the
// cursor was opened for.
type View struct {
	ctx     context.Context
	t       *Transform
	src     data.View
	binding *Binding
}

var _ data.View = (*View)(nil)

// Schema implements data.View.
func (v *View) Schema() data.Schema { return v.binding.Schema() }

// Binding returns the column bindings of the view.
func (v *View) Binding() *Binding { return v.binding }

// Cursor implements data.View with every output column active.
func (v *View) Cursor() (data.Cursor, error) {
	active := make([]string, len(v.binding.outputs))
	for i, o := range v.binding.outputs {
		active[i] = o.Node.Name
	}
	return v.CursorFor(active...)
}

// CursorFor returns a cursor on which only the named output columns can be
// read. Source columns are always readable.
func (v *View) CursorFor(outputs ...string) (data.Cursor, error) {
	nsrc := len(v.binding.schema) - len(v.binding.outputs)
	active := make([]bool, len(v.binding.outputs))
	var fetches []string
	for _, name := range outputs {
		found := false
		for i, o := range v.binding.outputs {
			if o.Node.Name == name {
				if !active[i] {
					active[i] = true
					fetches = append(fetches, name)
				}
				found = true
				break
			}
		}
		if !found {
			return nil, &graph.ColumnError{Column: name, Err: graph.ErrColumnNotFound}
		}
	}

	src, err := v.src.Cursor()
	if err != nil {
		return nil, graph.Classify(graph.ErrIO, err)
	}
	c := &rowCursor{
		view:    v,
		src:     src,
		nsrc:    nsrc,
		active:  active,
		fetches: fetches,
		cache:   session.NewOutputCache(),
	}
	if len(fetches) > 0 {
		c.getters = make([]marshal.Getter, len(v.binding.inputs))
		for i, in := range v.binding.inputs {
			if c.getters[i], err = marshal.NewGetter(src, in.Index, in.Type, in.Shape); err != nil {
				return nil, errors.Join(&graph.ColumnError{Column: in.Column, Err: err}, src.Close())
			}
		}
	}
	return c, nil
}

// rowCursor reads source columns through and computes output columns from
// the graph. It is not safe for concurrent use.
type rowCursor struct {
	view    *View
	src     data.Cursor
	nsrc    int
	active  []bool
	fetches []string
	getters []marshal.Getter
	cache   *session.OutputCache
}

func (c *rowCursor) Next() bool      { return c.src.Next() }
func (c *rowCursor) Position() int64 { return c.src.Position() }
func (c *rowCursor) Err() error      { return c.src.Err() }
func (c *rowCursor) Close() error    { return c.src.Close() }

func (c *rowCursor) Value(col int) (*tensor.Tensor, error) {
	if col < c.nsrc {
		return c.src.Value(col)
	}
	i := col - c.nsrc
	if i >= len(c.active) {
		return nil, fmt.Errorf("column index %d out of range", col)
	}
	out := c.view.binding.outputs[i]
	if !c.active[i] {
		return nil, &graph.ColumnError{Column: out.Node.Name, Err: fmt.Errorf("%w: output column is not active", graph.ErrConfig)}
	}
	t, err := c.cache.Get(c.Position(), out.Node.Name, c.compute)
	if err != nil {
		return nil, err
	}
	v, err := toColumn(out.Type, t)
	if err != nil {
		return nil, &graph.ColumnError{Column: out.Node.Name, Err: err}
	}
	return v, nil
}

// compute runs the graph once for the current row, fetching every active output.
func (c *rowCursor) compute() (map[string]*tensor.Tensor, error) {
	inputs := c.view.binding.inputs
	feeds := make([]graph.Feed, len(inputs))
	for i, g := range c.getters {
		t, err := g.GetTensor()
		if err != nil {
			return nil, &graph.ColumnError{Column: inputs[i].Column, Err: err}
		}
		feeds[i] = graph.Feed{Name: inputs[i].Node.Name, Value: t}
	}
	out, err := c.view.t.sess.Run(c.view.ctx, feeds, c.fetches, nil)
	if err != nil {
		return nil, err
	}
	if len(out) != len(c.fetches) {
		return nil, fmt.Errorf("%w: %d tensors for %d fetches", graph.ErrExecution, len(out), len(c.fetches))
	}
	outputs := make(map[string]*tensor.Tensor, len(out))
	for i, name := range c.fetches {
		outputs[name] = out[i]
	}
	return outputs, nil
}
