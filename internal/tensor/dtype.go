// Package tensor provides the typed tensors exchanged between data columns and the graph runtime.
package tensor

import (
	"fmt"
	"strings"

	btensor "github.com/born-ml/born/tensor"
)

// Element is a constraint for the Go types a Tensor can hold.
type Element interface {
	float32 | float64 | int8 | int16 | int32 | int64 |
		uint8 | uint16 | uint32 | uint64 | bool
}

// DType identifies the element type of a tensor or column.
type DType int

// Supported element types. Invalid is the zero value.
const (
	Invalid DType = iota
	Float32
	Float64
	Int8
	Int16
	Int32
	Int64
	Uint8
	Uint16
	Uint32
	Uint64
	Bool
	String
)

// ONNX TensorProto.DataType values.
const (
	onnxFloat   int32 = 1
	onnxUint8   int32 = 2
	onnxInt8    int32 = 3
	onnxUint16  int32 = 4
	onnxInt16   int32 = 5
	onnxInt32   int32 = 6
	onnxInt64   int32 = 7
	onnxString  int32 = 8
	onnxBool    int32 = 9
	onnxFloat16 int32 = 10
	onnxDouble  int32 = 11
	onnxUint32  int32 = 12
	onnxUint64  int32 = 13
)

// Size returns the byte size of one element, or 0 for String.
func (dt DType) Size() int {
	switch dt {
	case Float64, Int64, Uint64:
		return 8
	case Float32, Int32, Uint32:
		return 4
	case Int16, Uint16:
		return 2
	case Int8, Uint8, Bool:
		return 1
	default:
		return 0
	}
}

// String returns a human-readable name for the element type.
func (dt DType) String() string {
	switch dt {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Int8:
		return "int8"
	case Int16:
		return "int16"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case Uint8:
		return "uint8"
	case Uint16:
		return "uint16"
	case Uint32:
		return "uint32"
	case Uint64:
		return "uint64"
	case Bool:
		return "bool"
	case String:
		return "string"
	default:
		return "invalid"
	}
}

// IsValid reports whether dt is one of the supported element types.
func (dt DType) IsValid() bool {
	return dt > Invalid && dt <= String
}

// ParseDType parses the name produced by DType.String.
func ParseDType(s string) (DType, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	switch name {
	case "float", "single":
		return Float32, nil
	case "double":
		return Float64, nil
	case "text":
		return String, nil
	}
	for dt := Float32; dt <= String; dt++ {
		if dt.String() == name {
			return dt, nil
		}
	}
	return Invalid, fmt.Errorf("unknown element type %q", s)
}

// FromONNX maps an ONNX element type to a DType.
//
// float16 maps to Float32: half-precision data is widened on decode.
func FromONNX(elem int32) (DType, bool) {
	switch elem {
	case onnxFloat, onnxFloat16:
		return Float32, true
	case onnxDouble:
		return Float64, true
	case onnxInt8:
		return Int8, true
	case onnxInt16:
		return Int16, true
	case onnxInt32:
		return Int32, true
	case onnxInt64:
		return Int64, true
	case onnxUint8:
		return Uint8, true
	case onnxUint16:
		return Uint16, true
	case onnxUint32:
		return Uint32, true
	case onnxUint64:
		return Uint64, true
	case onnxBool:
		return Bool, true
	case onnxString:
		return String, true
	default:
		return Invalid, false
	}
}

// ONNX returns the ONNX element type for dt.
func (dt DType) ONNX() int32 {
	switch dt {
	case Float32:
		return onnxFloat
	case Float64:
		return onnxDouble
	case Int8:
		return onnxInt8
	case Int16:
		return onnxInt16
	case Int32:
		return onnxInt32
	case Int64:
		return onnxInt64
	case Uint8:
		return onnxUint8
	case Uint16:
		return onnxUint16
	case Uint32:
		return onnxUint32
	case Uint64:
		return onnxUint64
	case Bool:
		return onnxBool
	case String:
		return onnxString
	default:
		return 0
	}
}

// Born returns the born data type for dt.
// Only the element types born executes natively map.
func (dt DType) Born() (btensor.DataType, bool) {
	switch dt {
	case Float32:
		return btensor.Float32, true
	case Float64:
		return btensor.Float64, true
	case Int32:
		return btensor.Int32, true
	case Int64:
		return btensor.Int64, true
	case Uint8:
		return btensor.Uint8, true
	case Bool:
		return btensor.Bool, true
	default:
		return 0, false
	}
}

// FromBornDType maps a born data type back to a DType.
func FromBornDType(dt btensor.DataType) DType {
	switch dt {
	case btensor.Float32:
		return Float32
	case btensor.Float64:
		return Float64
	case btensor.Int32:
		return Int32
	case btensor.Int64:
		return Int64
	case btensor.Uint8:
		return Uint8
	case btensor.Bool:
		return Bool
	default:
		return Invalid
	}
}

// dtypeOf infers the DType of a generic element type.
func dtypeOf[T Element]() DType {
	var zero T
	switch any(zero).(type) {
	case float32:
		return Float32
	case float64:
		return Float64
	case int8:
		return Int8
	case int16:
		return Int16
	case int32:
		return Int32
	case int64:
		return Int64
	case uint8:
		return Uint8
	case uint16:
		return Uint16
	case uint32:
		return Uint32
	case uint64:
		return Uint64
	case bool:
		return Bool
	default:
		return Invalid
	}
}
