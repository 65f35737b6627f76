// Package data defines the tabular rows the graph stage consumes and produces:
// column types, schemas, row cursors and an in-memory table.
package data

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/born-ml/graphstage/internal/tensor"
)

// ColumnType describes the values a column holds for one row.
//
// A scalar column holds a single value. A vector column holds
// Dims.NumElements() values; a zero dimension marks a variable-length vector.
// Key columns hold 1-based categorical indices in [1, KeyCount], 0 is missing.
type ColumnType struct {
	Elem     tensor.DType
	Dims     tensor.Shape
	Vector   bool
	KeyCount uint64
}

// Scalar returns a scalar column type.
func Scalar(dt tensor.DType) ColumnType {
	return ColumnType{Elem: dt}
}

// Vector returns a vector column type with the given dimensions.
func Vector(dt tensor.DType, dims ...int64) ColumnType {
	return ColumnType{Elem: dt, Dims: tensor.Shape(dims).Clone(), Vector: true}
}

// Key returns a scalar key column type with count categories, stored as uint32.
func Key(count uint64) ColumnType {
	return ColumnType{Elem: tensor.Uint32, KeyCount: count}
}

// IsVector reports whether the column holds a vector per row.
func (ct ColumnType) IsVector() bool { return ct.Vector }

// IsKey reports whether the column holds categorical indices.
func (ct ColumnType) IsKey() bool { return ct.KeyCount > 0 }

// IsKnownSize reports whether every vector dimension is fixed.
func (ct ColumnType) IsKnownSize() bool {
	for _, d := range ct.Dims {
		if d <= 0 {
			return false
		}
	}
	return true
}

// Size returns the number of values per row, or 0 for variable-length vectors.
func (ct ColumnType) Size() int64 {
	if !ct.Vector {
		return 1
	}
	if !ct.IsKnownSize() {
		return 0
	}
	return ct.Dims.NumElements()
}

// Shape returns the per-row tensor shape: empty for scalars, Dims for vectors.
func (ct ColumnType) Shape() tensor.Shape {
	if !ct.Vector {
		return tensor.Shape{}
	}
	return ct.Dims.Clone()
}

// Equal reports whether two column types are identical.
func (ct ColumnType) Equal(other ColumnType) bool {
	return ct.Elem == other.Elem && ct.Vector == other.Vector &&
		ct.KeyCount == other.KeyCount && ct.Dims.Equal(other.Dims)
}

// String renders the type as "float32", "vector<float32,3x4>" or "key<10>".
func (ct ColumnType) String() string {
	switch {
	case ct.IsKey():
		return fmt.Sprintf("key<%d>", ct.KeyCount)
	case ct.Vector:
		return fmt.Sprintf("vector<%v,%s>", ct.Elem, formatDims(ct.Dims))
	default:
		return ct.Elem.String()
	}
}

func formatDims(dims tensor.Shape) string {
	parts := make([]string, len(dims))
	for i, d := range dims {
		parts[i] = strconv.FormatInt(d, 10)
	}
	return strings.Join(parts, "x")
}

// Column is a named, typed column.
type Column struct {
	Name string
	Type ColumnType
}

// Schema is an ordered list of columns.
type Schema []Column

// Index returns the position of the named column.
func (s Schema) Index(name string) (int, bool) {
	for i, c := range s {
		if c.Name == name {
			return i, true
		}
	}
	return -1, false
}

// Names returns the column names in order.
func (s Schema) Names() []string {
	names := make([]string, len(s))
	for i, c := range s {
		names[i] = c.Name
	}
	return names
}

// ParseSchema parses a comma separated list of "name:type[:dims]" entries.
//
// type is any element type name or "key"; for key columns the third part is
// the category count. dims is an "x" separated list such as "3x224x224",
// with 0 marking a variable-length dimension.
func ParseSchema(spec string) (Schema, error) {
	var schema Schema
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) < 2 || len(parts) > 3 || parts[0] == "" {
			return nil, fmt.Errorf("invalid column spec %q: want name:type[:dims]", entry)
		}
		name := parts[0]
		if _, dup := schema.Index(name); dup {
			return nil, fmt.Errorf("duplicate column %q", name)
		}

		if strings.EqualFold(parts[1], "key") {
			if len(parts) != 3 {
				return nil, fmt.Errorf("key column %q needs a category count", name)
			}
			count, err := strconv.ParseUint(parts[2], 10, 64)
			if err != nil || count == 0 {
				return nil, fmt.Errorf("invalid key count %q for column %q", parts[2], name)
			}
			schema = append(schema, Column{Name: name, Type: Key(count)})
			continue
		}

		dt, err := tensor.ParseDType(parts[1])
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", name, err)
		}
		if len(parts) == 2 {
			schema = append(schema, Column{Name: name, Type: Scalar(dt)})
			continue
		}
		var dims []int64
		for _, d := range strings.Split(parts[2], "x") {
			n, err := strconv.ParseInt(d, 10, 64)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("invalid dimension %q for column %q", d, name)
			}
			dims = append(dims, n)
		}
		schema = append(schema, Column{Name: name, Type: Vector(dt, dims...)})
	}
	if len(schema) == 0 {
		return nil, fmt.Errorf("empty schema")
	}
	return schema, nil
}
