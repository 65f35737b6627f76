package onnxpb

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"

	"github.com/born-ml/graphstage/internal/tensor"
)

// TensorFromProto decodes an initializer or constant. float16 data is
// widened to float32.
func TensorFromProto(tp *TensorProto) (*tensor.Tensor, error) {
	dt, ok := tensor.FromONNX(tp.DataType)
	if !ok {
		return nil, fmt.Errorf("%w: %d in tensor %q", ErrUnsupported, tp.DataType, tp.Name)
	}
	shape := tensor.Shape(tp.Dims).Clone()
	if shape == nil {
		shape = tensor.Shape{}
	}
	n := int(shape.NumElements())

	if dt == tensor.String {
		return tensor.NewStrings(shape, tp.StringData)
	}
	if tp.DataType == TypeFloat16 {
		return tensor.New(shape, halfToFloat(tp, n))
	}
	if tp.RawData != nil {
		return fromRaw(dt, shape, tp.RawData)
	}

	switch dt {
	case tensor.Float32:
		return tensor.New(shape, tp.FloatData)
	case tensor.Float64:
		return tensor.New(shape, tp.DoubleData)
	case tensor.Int64:
		return tensor.New(shape, tp.Int64Data)
	case tensor.Int32:
		return tensor.New(shape, tp.Int32Data)
	case tensor.Int8:
		return tensor.New(shape, narrow[int8](tp.Int32Data))
	case tensor.Int16:
		return tensor.New(shape, narrow[int16](tp.Int32Data))
	case tensor.Uint8:
		return tensor.New(shape, narrow[uint8](tp.Int32Data))
	case tensor.Uint16:
		return tensor.New(shape, narrow[uint16](tp.Int32Data))
	case tensor.Uint32:
		vals := make([]uint32, len(tp.Uint64Data))
		for i, v := range tp.Uint64Data {
			vals[i] = uint32(v) //nolint:gosec // G115: uint64_data holds uint32 values
		}
		return tensor.New(shape, vals)
	case tensor.Uint64:
		return tensor.New(shape, tp.Uint64Data)
	case tensor.Bool:
		vals := make([]bool, len(tp.Int32Data))
		for i, v := range tp.Int32Data {
			vals[i] = v != 0
		}
		return tensor.New(shape, vals)
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, dt)
	}
}

func narrow[T int8 | int16 | uint8 | uint16](src []int32) []T {
	out := make([]T, len(src))
	for i, v := range src {
		out[i] = T(v)
	}
	return out
}

func halfToFloat(tp *TensorProto, n int) []float32 {
	out := make([]float32, 0, n)
	if tp.RawData != nil {
		for i := 0; i+2 <= len(tp.RawData); i += 2 {
			out = append(out, float16.Frombits(binary.LittleEndian.Uint16(tp.RawData[i:])).Float32())
		}
		return out
	}
	for _, bits := range tp.Int32Data {
		out = append(out, float16.Frombits(uint16(bits)).Float32()) //nolint:gosec // G115: float16 bits are stored in int32_data
	}
	return out
}

func fromRaw(dt tensor.DType, shape tensor.Shape, raw []byte) (*tensor.Tensor, error) {
	size := dt.Size()
	if int64(len(raw)) != shape.NumElements()*int64(size) {
		return nil, fmt.Errorf("%w: raw data has %d bytes, shape %v of %v needs %d",
			ErrMalformed, len(raw), shape, dt, shape.NumElements()*int64(size))
	}
	le := binary.LittleEndian
	switch dt {
	case tensor.Float32:
		return decodeRaw(shape, raw, 4, func(b []byte) float32 { return math.Float32frombits(le.Uint32(b)) })
	case tensor.Float64:
		return decodeRaw(shape, raw, 8, func(b []byte) float64 { return math.Float64frombits(le.Uint64(b)) })
	case tensor.Int8:
		return decodeRaw(shape, raw, 1, func(b []byte) int8 { return int8(b[0]) })
	case tensor.Int16:
		return decodeRaw(shape, raw, 2, func(b []byte) int16 { return int16(le.Uint16(b)) })
	case tensor.Int32:
		return decodeRaw(shape, raw, 4, func(b []byte) int32 { return int32(le.Uint32(b)) })
	case tensor.Int64:
		return decodeRaw(shape, raw, 8, func(b []byte) int64 { return int64(le.Uint64(b)) })
	case tensor.Uint8:
		return decodeRaw(shape, raw, 1, func(b []byte) uint8 { return b[0] })
	case tensor.Uint16:
		return decodeRaw(shape, raw, 2, le.Uint16)
	case tensor.Uint32:
		return decodeRaw(shape, raw, 4, le.Uint32)
	case tensor.Uint64:
		return decodeRaw(shape, raw, 8, le.Uint64)
	case tensor.Bool:
		return decodeRaw(shape, raw, 1, func(b []byte) bool { return b[0] != 0 })
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, dt)
	}
}

func decodeRaw[T tensor.Element](shape tensor.Shape, raw []byte, size int, read func([]byte) T) (*tensor.Tensor, error) {
	vals := make([]T, len(raw)/size)
	for i := range vals {
		vals[i] = read(raw[i*size:])
	}
	return tensor.New(shape, vals)
}

// ProtoFromTensor encodes t as a named TensorProto. Numeric data is stored
// as little-endian raw_data.
func ProtoFromTensor(name string, t *tensor.Tensor) (*TensorProto, error) {
	tp := &TensorProto{Name: name, DataType: t.DType().ONNX(), Dims: []int64(t.Shape())}
	if t.DType() == tensor.String {
		strs, err := t.Strings()
		if err != nil {
			return nil, err
		}
		tp.StringData = strs
		return tp, nil
	}

	size := t.DType().Size()
	raw := make([]byte, t.Len()*size)
	le := binary.LittleEndian
	var err error
	switch t.DType() {
	case tensor.Float32:
		err = encodeRaw(t, raw, 4, func(b []byte, v float32) { le.PutUint32(b, math.Float32bits(v)) })
	case tensor.Float64:
		err = encodeRaw(t, raw, 8, func(b []byte, v float64) { le.PutUint64(b, math.Float64bits(v)) })
	case tensor.Int8:
		err = encodeRaw(t, raw, 1, func(b []byte, v int8) { b[0] = byte(v) })
	case tensor.Int16:
		err = encodeRaw(t, raw, 2, func(b []byte, v int16) { le.PutUint16(b, uint16(v)) })
	case tensor.Int32:
		err = encodeRaw(t, raw, 4, func(b []byte, v int32) { le.PutUint32(b, uint32(v)) })
	case tensor.Int64:
		err = encodeRaw(t, raw, 8, func(b []byte, v int64) { le.PutUint64(b, uint64(v)) })
	case tensor.Uint8:
		err = encodeRaw(t, raw, 1, func(b []byte, v uint8) { b[0] = v })
	case tensor.Uint16:
		err = encodeRaw(t, raw, 2, le.PutUint16)
	case tensor.Uint32:
		err = encodeRaw(t, raw, 4, le.PutUint32)
	case tensor.Uint64:
		err = encodeRaw(t, raw, 8, le.PutUint64)
	case tensor.Bool:
		err = encodeRaw(t, raw, 1, func(b []byte, v bool) {
			if v {
				b[0] = 1
			}
		})
	default:
		err = fmt.Errorf("%w: %v", ErrUnsupported, t.DType())
	}
	if err != nil {
		return nil, err
	}
	tp.RawData = raw
	return tp, nil
}

func encodeRaw[T tensor.Element](t *tensor.Tensor, raw []byte, size int, put func([]byte, T)) error {
	vals, err := tensor.Values[T](t)
	if err != nil {
		return err
	}
	for i, v := range vals {
		put(raw[i*size:], v)
	}
	return nil
}

// ShapeOf converts value info dimensions to a tensor shape. Symbolic and
// missing dimensions are tensor.Unknown; an unknown rank yields nil.
func ShapeOf(vi *ValueInfo) tensor.Shape {
	if !vi.HasShape {
		return nil
	}
	shape := make(tensor.Shape, len(vi.Dims))
	for i, d := range vi.Dims {
		if d.Param != "" || d.Value <= 0 {
			shape[i] = tensor.Unknown
			continue
		}
		shape[i] = d.Value
	}
	return shape
}

// NewValueInfo describes a tensor of the given element type and shape.
// A nil shape leaves the rank unknown.
func NewValueInfo(name string, dt tensor.DType, shape tensor.Shape) *ValueInfo {
	vi := &ValueInfo{Name: name, ElemType: dt.ONNX(), HasShape: shape != nil}
	for _, d := range shape {
		if d < 0 {
			vi.Dims = append(vi.Dims, Dim{Param: "?"})
			continue
		}
		vi.Dims = append(vi.Dims, Dim{Value: d})
	}
	return vi
}
