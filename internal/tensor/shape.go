package tensor

import (
	"strconv"
	"strings"
)

// Unknown marks a dimension whose size is not known until run time.
const Unknown int64 = -1

// Shape represents the dimensions of a tensor.
// A dimension equal to Unknown is not yet specified.
type Shape []int64

// NumElements returns the total number of elements described by the shape.
// A scalar shape has one element. Shapes with unknown dimensions return -1.
func (s Shape) NumElements() int64 {
	n := int64(1)
	for _, dim := range s {
		if dim < 0 {
			return -1
		}
		n *= dim
	}
	return n
}

// IsFullySpecified reports whether every dimension is known.
func (s Shape) IsFullySpecified() bool {
	for _, dim := range s {
		if dim < 0 {
			return false
		}
	}
	return true
}

// Equal checks if two shapes are equal.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy of the shape.
func (s Shape) Clone() Shape {
	if s == nil {
		return nil
	}
	clone := make(Shape, len(s))
	copy(clone, s)
	return clone
}

// Ints converts the shape to the []int form born uses.
func (s Shape) Ints() []int {
	out := make([]int, len(s))
	for i, dim := range s {
		out[i] = int(dim)
	}
	return out
}

// ShapeOf converts a born-style []int shape.
func ShapeOf(dims []int) Shape {
	out := make(Shape, len(dims))
	for i, dim := range dims {
		out[i] = int64(dim)
	}
	return out
}

// WithBatch returns a copy of the shape with a leading dimension of size n.
func (s Shape) WithBatch(n int64) Shape {
	out := make(Shape, 0, len(s)+1)
	out = append(out, n)
	return append(out, s...)
}

// String renders the shape as "[2,?,3]".
func (s Shape) String() string {
	var b strings.Builder
	b.WriteByte('[')
	for i, dim := range s {
		if i > 0 {
			b.WriteByte(',')
		}
		if dim < 0 {
			b.WriteByte('?')
			continue
		}
		b.WriteString(strconv.FormatInt(dim, 10))
	}
	b.WriteByte(']')
	return b.String()
}
