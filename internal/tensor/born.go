package tensor

import (
	"fmt"

	btensor "github.com/born-ml/born/tensor"
)

// ToRaw copies t into a born RawTensor on the CPU.
// Only element types born executes natively can be converted.
func (t *Tensor) ToRaw() (*btensor.RawTensor, error) {
	bdt, ok := t.dtype.Born()
	if !ok {
		return nil, fmt.Errorf("%w: %v cannot be executed by the runtime", ErrUnsupportedType, t.dtype)
	}
	raw, err := btensor.NewRaw(btensor.Shape(t.shape.Ints()), bdt, btensor.CPU)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate tensor: %w", err)
	}
	switch v := t.data.(type) {
	case vec[float32]:
		copy(raw.AsFloat32(), v)
	case vec[float64]:
		copy(raw.AsFloat64(), v)
	case vec[int32]:
		copy(raw.AsInt32(), v)
	case vec[int64]:
		copy(raw.AsInt64(), v)
	case vec[uint8]:
		copy(raw.AsUint8(), v)
	case vec[bool]:
		copy(raw.AsBool(), v)
	}
	return raw, nil
}

// FromRaw copies a born RawTensor into a Tensor.
func FromRaw(raw *btensor.RawTensor) (*Tensor, error) {
	dt := FromBornDType(raw.DType())
	shape := ShapeOf(raw.Shape())
	var data storage
	switch dt {
	case Float32:
		data = vec[float32](raw.AsFloat32()).Clone()
	case Float64:
		data = vec[float64](raw.AsFloat64()).Clone()
	case Int32:
		data = vec[int32](raw.AsInt32()).Clone()
	case Int64:
		data = vec[int64](raw.AsInt64()).Clone()
	case Uint8:
		data = vec[uint8](raw.AsUint8()).Clone()
	case Bool:
		data = vec[bool](raw.AsBool()).Clone()
	default:
		return nil, fmt.Errorf("%w: runtime type %v", ErrUnsupportedType, raw.DType())
	}
	return &Tensor{dtype: dt, shape: shape, data: data}, nil
}

// Cast converts a numeric tensor to dt.
// Integer to integer conversions follow Go conversion rules.
func (t *Tensor) Cast(dt DType) (*Tensor, error) {
	if dt == t.dtype {
		return t, nil
	}
	if t.dtype == String || dt == String {
		return nil, fmt.Errorf("%w: cannot cast %v to %v", ErrTypeMismatch, t.dtype, dt)
	}
	out, err := Zeros(dt, t.shape)
	if err != nil {
		return nil, err
	}
	for i := 0; i < t.Len(); i++ {
		setFrom(out.data, i, t.data.At(i))
	}
	return out, nil
}

func setFrom(dst storage, i int, src any) {
	switch d := dst.(type) {
	case vec[float32]:
		d[i] = convert[float32](src)
	case vec[float64]:
		d[i] = convert[float64](src)
	case vec[int8]:
		d[i] = convert[int8](src)
	case vec[int16]:
		d[i] = convert[int16](src)
	case vec[int32]:
		d[i] = convert[int32](src)
	case vec[int64]:
		d[i] = convert[int64](src)
	case vec[uint8]:
		d[i] = convert[uint8](src)
	case vec[uint16]:
		d[i] = convert[uint16](src)
	case vec[uint32]:
		d[i] = convert[uint32](src)
	case vec[uint64]:
		d[i] = convert[uint64](src)
	case vec[bool]:
		d[i] = convert[float64](src) != 0
	}
}

func convert[T number](src any) T {
	switch v := src.(type) {
	case float32:
		return T(v)
	case float64:
		return T(v)
	case int8:
		return T(v)
	case int16:
		return T(v)
	case int32:
		return T(v)
	case int64:
		return T(v)
	case uint8:
		return T(v)
	case uint16:
		return T(v)
	case uint32:
		return T(v)
	case uint64:
		return T(v)
	case bool:
		if v {
			return 1
		}
	}
	return 0
}
