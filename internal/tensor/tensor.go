package tensor

import (
	"bytes"
	"fmt"
	"strconv"
)

// Tensor is a dense, row-major tensor of one element type.
//
// The element storage is a tagged union over the closed set of DTypes:
// a typed Go slice for numeric and boolean types and a slice of byte
// strings for String. Tensors are treated as immutable once built.
type Tensor struct {
	dtype DType
	shape Shape
	data  storage
}

// storage is implemented by vec[T] for every supported element type.
type storage interface {
	Len() int
	At(i int) any
	Slice(i, j int) storage
	Clone() storage
	// CopyAt copies src into the receiver starting at pos, growing it if needed.
	CopyAt(pos int, src storage) storage
}

type vec[T any] []T

func (v vec[T]) Len() int { return len(v) }

func (v vec[T]) At(i int) any { return v[i] }

func (v vec[T]) Slice(i, j int) storage { return v[i:j] }

func (v vec[T]) Clone() storage {
	out := make(vec[T], len(v))
	copy(out, v)
	return out
}

func (v vec[T]) CopyAt(pos int, src storage) storage {
	s := src.(vec[T])
	need := pos + len(s)
	if need > cap(v) {
		grown := make(vec[T], need, max(need, 2*cap(v)))
		copy(grown, v[:pos])
		v = grown
	} else if need > len(v) {
		v = v[:need]
	}
	copy(v[pos:], s)
	return v
}

// newStorage allocates n zero elements of dt.
func newStorage(dt DType, n int) (storage, error) {
	switch dt {
	case Float32:
		return make(vec[float32], n), nil
	case Float64:
		return make(vec[float64], n), nil
	case Int8:
		return make(vec[int8], n), nil
	case Int16:
		return make(vec[int16], n), nil
	case Int32:
		return make(vec[int32], n), nil
	case Int64:
		return make(vec[int64], n), nil
	case Uint8:
		return make(vec[uint8], n), nil
	case Uint16:
		return make(vec[uint16], n), nil
	case Uint32:
		return make(vec[uint32], n), nil
	case Uint64:
		return make(vec[uint64], n), nil
	case Bool:
		return make(vec[bool], n), nil
	case String:
		return make(vec[[]byte], n), nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedType, dt)
	}
}

func checkShape(shape Shape, n int) error {
	if !shape.IsFullySpecified() {
		return fmt.Errorf("%w: shape %v has unknown dimensions", ErrShape, shape)
	}
	if shape.NumElements() != int64(n) {
		return fmt.Errorf("%w: shape %v requires %d elements, got %d", ErrShape, shape, shape.NumElements(), n)
	}
	return nil
}

// New creates a tensor from a Go slice. The slice is copied.
func New[T Element](shape Shape, values []T) (*Tensor, error) {
	if err := checkShape(shape, len(values)); err != nil {
		return nil, err
	}
	data := make(vec[T], len(values))
	copy(data, values)
	return &Tensor{dtype: dtypeOf[T](), shape: shape.Clone(), data: data}, nil
}

// NewStrings creates a String tensor, one UTF-8 byte string per element.
func NewStrings(shape Shape, values [][]byte) (*Tensor, error) {
	if err := checkShape(shape, len(values)); err != nil {
		return nil, err
	}
	data := make(vec[[]byte], len(values))
	copy(data, values)
	return &Tensor{dtype: String, shape: shape.Clone(), data: data}, nil
}

// Scalar creates a rank-0 tensor holding v.
func Scalar[T Element](v T) *Tensor {
	return &Tensor{dtype: dtypeOf[T](), shape: Shape{}, data: vec[T]{v}}
}

// ScalarString creates a rank-0 String tensor.
func ScalarString(s string) *Tensor {
	return &Tensor{dtype: String, shape: Shape{}, data: vec[[]byte]{[]byte(s)}}
}

// Zeros creates a zero-filled tensor.
func Zeros(dt DType, shape Shape) (*Tensor, error) {
	if !shape.IsFullySpecified() {
		return nil, fmt.Errorf("%w: shape %v has unknown dimensions", ErrShape, shape)
	}
	data, err := newStorage(dt, int(shape.NumElements()))
	if err != nil {
		return nil, err
	}
	return &Tensor{dtype: dt, shape: shape.Clone(), data: data}, nil
}

// DType returns the element type.
func (t *Tensor) DType() DType { return t.dtype }

// Shape returns a copy of the tensor's shape.
func (t *Tensor) Shape() Shape { return t.shape.Clone() }

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int { return len(t.shape) }

// Len returns the number of elements.
func (t *Tensor) Len() int { return t.data.Len() }

// Values returns the tensor's elements as []T without copying.
// It fails if T does not match the tensor's element type.
func Values[T Element](t *Tensor) ([]T, error) {
	v, ok := t.data.(vec[T])
	if !ok {
		return nil, fmt.Errorf("%w: tensor holds %v, not %v", ErrTypeMismatch, t.dtype, dtypeOf[T]())
	}
	return v, nil
}

// Strings returns the elements of a String tensor without copying.
func (t *Tensor) Strings() ([][]byte, error) {
	v, ok := t.data.(vec[[]byte])
	if !ok {
		return nil, fmt.Errorf("%w: tensor holds %v, not string", ErrTypeMismatch, t.dtype)
	}
	return v, nil
}

// Reshape returns a tensor sharing t's data with a new shape.
func (t *Tensor) Reshape(shape Shape) (*Tensor, error) {
	if err := checkShape(shape, t.Len()); err != nil {
		return nil, err
	}
	return &Tensor{dtype: t.dtype, shape: shape.Clone(), data: t.data}, nil
}

// Slice returns the examples [i, j) along the leading dimension.
func (t *Tensor) Slice(i, j int) (*Tensor, error) {
	if len(t.shape) == 0 {
		return nil, fmt.Errorf("%w: cannot slice a scalar", ErrShape)
	}
	if i < 0 || j < i || int64(j) > t.shape[0] {
		return nil, fmt.Errorf("%w: slice [%d:%d] out of range for %v", ErrShape, i, j, t.shape)
	}
	stride := 1
	for _, d := range t.shape[1:] {
		stride *= int(d)
	}
	shape := t.shape.Clone()
	shape[0] = int64(j - i)
	return &Tensor{dtype: t.dtype, shape: shape, data: t.data.Slice(i*stride, j*stride)}, nil
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	data := t.data.Clone()
	if s, ok := data.(vec[[]byte]); ok {
		for i := range s {
			s[i] = bytes.Clone(s[i])
		}
	}
	return &Tensor{dtype: t.dtype, shape: t.shape.Clone(), data: data}
}

// Float64s returns the numeric elements widened to float64.
// Booleans map to 0 and 1.
func (t *Tensor) Float64s() ([]float64, error) {
	switch v := t.data.(type) {
	case vec[float32]:
		return widen(v), nil
	case vec[float64]:
		return widen(v), nil
	case vec[int8]:
		return widen(v), nil
	case vec[int16]:
		return widen(v), nil
	case vec[int32]:
		return widen(v), nil
	case vec[int64]:
		return widen(v), nil
	case vec[uint8]:
		return widen(v), nil
	case vec[uint16]:
		return widen(v), nil
	case vec[uint32]:
		return widen(v), nil
	case vec[uint64]:
		return widen(v), nil
	case vec[bool]:
		out := make([]float64, len(v))
		for i, b := range v {
			if b {
				out[i] = 1
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %v is not numeric", ErrTypeMismatch, t.dtype)
	}
}

type number interface {
	float32 | float64 | int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64
}

func widen[T number](v []T) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

// Format renders element i as text.
func (t *Tensor) Format(i int) string {
	switch v := t.data.At(i).(type) {
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}

// Equal reports whether two tensors have the same type, shape and elements.
func (t *Tensor) Equal(other *Tensor) bool {
	if t == nil || other == nil {
		return t == other
	}
	if t.dtype != other.dtype || !t.shape.Equal(other.shape) || t.Len() != other.Len() {
		return false
	}
	switch v := t.data.(type) {
	case vec[[]byte]:
		o := other.data.(vec[[]byte])
		for i := range v {
			if !bytes.Equal(v[i], o[i]) {
				return false
			}
		}
		return true
	case vec[float32]:
		return equalVec(v, other.data.(vec[float32]))
	case vec[float64]:
		return equalVec(v, other.data.(vec[float64]))
	case vec[int8]:
		return equalVec(v, other.data.(vec[int8]))
	case vec[int16]:
		return equalVec(v, other.data.(vec[int16]))
	case vec[int32]:
		return equalVec(v, other.data.(vec[int32]))
	case vec[int64]:
		return equalVec(v, other.data.(vec[int64]))
	case vec[uint8]:
		return equalVec(v, other.data.(vec[uint8]))
	case vec[uint16]:
		return equalVec(v, other.data.(vec[uint16]))
	case vec[uint32]:
		return equalVec(v, other.data.(vec[uint32]))
	case vec[uint64]:
		return equalVec(v, other.data.(vec[uint64]))
	case vec[bool]:
		return equalVec(v, other.data.(vec[bool]))
	default:
		return false
	}
}

func equalVec[T comparable](a, b vec[T]) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// String returns a short description such as "float32[2,3]".
func (t *Tensor) String() string {
	return t.dtype.String() + t.shape.String()
}
