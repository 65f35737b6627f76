package tensor

import "fmt"

// Buffer accumulates the values of many examples of one element type
// and materializes them into a batch tensor.
//
// A Buffer is not safe for concurrent use.
type Buffer struct {
	dtype    DType
	capacity int
	data     storage
	pos      int
}

// NewBuffer returns a buffer pre-sized for capacity elements.
// The buffer grows past capacity when needed.
func NewBuffer(dt DType, capacity int) (*Buffer, error) {
	data, err := newStorage(dt, 0)
	if err != nil {
		return nil, err
	}
	b := &Buffer{dtype: dt, capacity: capacity, data: data}
	b.alloc()
	return b, nil
}

func (b *Buffer) alloc() {
	full, _ := newStorage(b.dtype, b.capacity)
	b.data = full.Slice(0, 0)
}

// DType returns the element type of the buffer.
func (b *Buffer) DType() DType { return b.dtype }

// Len returns the number of elements written since the last reset.
func (b *Buffer) Len() int { return b.pos }

// Append copies the elements of t at the current write position.
func (b *Buffer) Append(t *Tensor) error {
	if t.dtype != b.dtype {
		return fmt.Errorf("%w: buffer holds %v, got %v", ErrTypeMismatch, b.dtype, t.dtype)
	}
	b.data = b.data.CopyAt(b.pos, t.data)
	b.pos += t.Len()
	return nil
}

// Materialize copies the first shape.NumElements() buffered elements into
// a new tensor of the given shape.
func (b *Buffer) Materialize(shape Shape) (*Tensor, error) {
	if !shape.IsFullySpecified() {
		return nil, fmt.Errorf("%w: shape %v has unknown dimensions", ErrShape, shape)
	}
	n := int(shape.NumElements())
	if n > b.pos {
		return nil, fmt.Errorf("%w: shape %v requires %d elements, buffer holds %d", ErrShape, shape, n, b.pos)
	}
	return &Tensor{dtype: b.dtype, shape: shape.Clone(), data: b.data.Slice(0, n).Clone()}, nil
}

// Reset rewinds the write position to zero. When realloc is set the
// backing storage is replaced with a fresh allocation of the nominal capacity.
func (b *Buffer) Reset(realloc bool) {
	b.pos = 0
	if realloc {
		b.alloc()
		return
	}
	b.data = b.data.Slice(0, 0)
}
