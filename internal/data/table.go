package data

import (
	"errors"
	"fmt"

	"github.com/born-ml/graphstage/internal/tensor"
)

// ErrColumnType is returned when a value does not match its column type.
var ErrColumnType = errors.New("value does not match column type")

// Table is an in-memory View.
type Table struct {
	schema Schema
	rows   [][]*tensor.Tensor
}

// NewTable returns an empty table with the given schema.
func NewTable(schema Schema) *Table {
	return &Table{schema: schema}
}

// Schema returns the table's columns.
func (t *Table) Schema() Schema { return t.schema }

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.rows) }

// AppendRow adds a row with one value per column.
func (t *Table) AppendRow(values ...*tensor.Tensor) error {
	if len(values) != len(t.schema) {
		return fmt.Errorf("row has %d values, schema has %d columns", len(values), len(t.schema))
	}
	for i, v := range values {
		if err := CheckValue(t.schema[i].Type, v); err != nil {
			return fmt.Errorf("column %q: %w", t.schema[i].Name, err)
		}
	}
	row := make([]*tensor.Tensor, len(values))
	copy(row, values)
	t.rows = append(t.rows, row)
	return nil
}

// Value returns the value at row, col.
func (t *Table) Value(row, col int) *tensor.Tensor {
	return t.rows[row][col]
}

// Column returns every value of the named column in row order.
func (t *Table) Column(name string) ([]*tensor.Tensor, error) {
	col, ok := t.schema.Index(name)
	if !ok {
		return nil, fmt.Errorf("column %q not found", name)
	}
	out := make([]*tensor.Tensor, len(t.rows))
	for i, row := range t.rows {
		out[i] = row[col]
	}
	return out, nil
}

// Cursor returns a cursor over the table's rows.
func (t *Table) Cursor() (Cursor, error) {
	return &tableCursor{table: t, pos: -1}, nil
}

// CheckValue verifies that v has the element type and shape of ct.
func CheckValue(ct ColumnType, v *tensor.Tensor) error {
	if v == nil {
		return fmt.Errorf("%w: missing value", ErrColumnType)
	}
	if v.DType() != ct.Elem {
		return fmt.Errorf("%w: got %v, want %v", ErrColumnType, v.DType(), ct.Elem)
	}
	shape := v.Shape()
	if !ct.Vector {
		if len(shape) != 0 {
			return fmt.Errorf("%w: got shape %v for a scalar", ErrColumnType, shape)
		}
		return nil
	}
	if len(shape) != len(ct.Dims) {
		return fmt.Errorf("%w: got shape %v, want %v", ErrColumnType, shape, ct.Dims)
	}
	for i, d := range ct.Dims {
		if d > 0 && shape[i] != d {
			return fmt.Errorf("%w: got shape %v, want %v", ErrColumnType, shape, ct.Dims)
		}
	}
	return nil
}

type tableCursor struct {
	table *Table
	pos   int64
}

func (c *tableCursor) Next() bool {
	if c.pos+1 >= int64(len(c.table.rows)) {
		c.pos = int64(len(c.table.rows))
		return false
	}
	c.pos++
	return true
}

func (c *tableCursor) Position() int64 { return c.pos }

func (c *tableCursor) Value(col int) (*tensor.Tensor, error) {
	if c.pos < 0 || c.pos >= int64(len(c.table.rows)) {
		return nil, fmt.Errorf("cursor is not positioned on a row")
	}
	if col < 0 || col >= len(c.table.schema) {
		return nil, fmt.Errorf("column index %d out of range", col)
	}
	return c.table.rows[c.pos][col], nil
}

func (c *tableCursor) Err() error { return nil }

func (c *tableCursor) Close() error { return nil }
