package onnxpb

import (
	"fmt"
	"math"
	"os"

	"google.golang.org/protobuf/encoding/protowire"
)

// ReadFile decodes an ONNX model file.
//
//nolint:gosec // G304: model paths are supplied by the caller
func ReadFile(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model: %w", err)
	}
	return Decode(data)
}

// Decode decodes a serialized ModelProto.
func Decode(data []byte) (*Model, error) {
	m := &Model{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := varint(typ, b)
			m.IRVersion = int64(v)
			return n, err
		case 2:
			return str(typ, b, &m.ProducerName)
		case 3:
			return str(typ, b, &m.ProducerVersion)
		case 4:
			return str(typ, b, &m.Domain)
		case 5:
			v, n, err := varint(typ, b)
			m.ModelVersion = int64(v)
			return n, err
		case 6:
			return str(typ, b, &m.DocString)
		case 7:
			return message(typ, b, func(sub []byte) error {
				g, err := decodeGraph(sub)
				m.Graph = g
				return err
			})
		case 8:
			return message(typ, b, func(sub []byte) error {
				var o Opset
				err := walk(sub, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
					switch num {
					case 1:
						return str(typ, b, &o.Domain)
					case 2:
						v, n, err := varint(typ, b)
						o.Version = int64(v)
						return n, err
					}
					return 0, nil
				})
				m.Opsets = append(m.Opsets, o)
				return err
			})
		case 14:
			return message(typ, b, func(sub []byte) error {
				var e MetaEntry
				err := walk(sub, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
					switch num {
					case 1:
						return str(typ, b, &e.Key)
					case 2:
						return str(typ, b, &e.Value)
					}
					return 0, nil
				})
				m.Metadata = append(m.Metadata, e)
				return err
			})
		}
		return 0, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse model: %w", err)
	}
	if m.Graph == nil {
		return nil, fmt.Errorf("%w: model has no graph", ErrMalformed)
	}
	return m, nil
}

func decodeGraph(data []byte) (*Graph, error) {
	g := &Graph{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return message(typ, b, func(sub []byte) error {
				n, err := decodeNode(sub)
				g.Nodes = append(g.Nodes, n)
				return err
			})
		case 2:
			return str(typ, b, &g.Name)
		case 5:
			return message(typ, b, func(sub []byte) error {
				t, err := decodeTensor(sub)
				g.Initializers = append(g.Initializers, t)
				return err
			})
		case 10:
			return str(typ, b, &g.DocString)
		case 11, 12, 13:
			return message(typ, b, func(sub []byte) error {
				vi, err := decodeValueInfo(sub)
				switch num {
				case 11:
					g.Inputs = append(g.Inputs, vi)
				case 12:
					g.Outputs = append(g.Outputs, vi)
				default:
					g.ValueInfo = append(g.ValueInfo, vi)
				}
				return err
			})
		}
		return 0, nil
	})
	return g, err
}

func decodeNode(data []byte) (*Node, error) {
	nd := &Node{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			var s string
			n, err := str(typ, b, &s)
			nd.Inputs = append(nd.Inputs, s)
			return n, err
		case 2:
			var s string
			n, err := str(typ, b, &s)
			nd.Outputs = append(nd.Outputs, s)
			return n, err
		case 3:
			return str(typ, b, &nd.Name)
		case 4:
			return str(typ, b, &nd.OpType)
		case 5:
			return message(typ, b, func(sub []byte) error {
				a, err := decodeAttribute(sub)
				nd.Attrs = append(nd.Attrs, a)
				return err
			})
		case 7:
			return str(typ, b, &nd.Domain)
		}
		return 0, nil
	})
	return nd, err
}

func decodeTensor(data []byte) (*TensorProto, error) {
	t := &TensorProto{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return int64s(typ, b, &t.Dims)
		case 2:
			v, n, err := varint(typ, b)
			t.DataType = int32(v) //nolint:gosec // G115: enum values fit in int32
			return n, err
		case 4:
			return float32s(typ, b, &t.FloatData)
		case 5:
			var vals []int64
			n, err := int64s(typ, b, &vals)
			for _, v := range vals {
				t.Int32Data = append(t.Int32Data, int32(v)) //nolint:gosec // G115: int32_data holds values that fit
			}
			return n, err
		case 6:
			v, n, err := bytesVal(typ, b)
			t.StringData = append(t.StringData, v)
			return n, err
		case 7:
			return int64s(typ, b, &t.Int64Data)
		case 8:
			return str(typ, b, &t.Name)
		case 9:
			v, n, err := bytesVal(typ, b)
			t.RawData = v
			return n, err
		case 10:
			return float64s(typ, b, &t.DoubleData)
		case 11:
			var vals []int64
			n, err := int64s(typ, b, &vals)
			for _, v := range vals {
				t.Uint64Data = append(t.Uint64Data, uint64(v))
			}
			return n, err
		}
		return 0, nil
	})
	return t, err
}

func decodeValueInfo(data []byte) (*ValueInfo, error) {
	vi := &ValueInfo{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return str(typ, b, &vi.Name)
		case 2: // TypeProto
			return message(typ, b, func(sub []byte) error {
				return walk(sub, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
					if num != 1 { // tensor_type
						return 0, nil
					}
					return message(typ, b, func(sub []byte) error {
						return decodeTensorType(sub, vi)
					})
				})
			})
		}
		return 0, nil
	})
	return vi, err
}

func decodeTensorType(data []byte, vi *ValueInfo) error {
	return walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := varint(typ, b)
			vi.ElemType = int32(v) //nolint:gosec // G115: enum values fit in int32
			return n, err
		case 2: // TensorShapeProto
			vi.HasShape = true
			return message(typ, b, func(sub []byte) error {
				return walk(sub, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
					if num != 1 {
						return 0, nil
					}
					return message(typ, b, func(sub []byte) error {
						var d Dim
						err := walk(sub, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
							switch num {
							case 1:
								v, n, err := varint(typ, b)
								d.Value = int64(v)
								return n, err
							case 2:
								return str(typ, b, &d.Param)
							}
							return 0, nil
						})
						vi.Dims = append(vi.Dims, d)
						return err
					})
				})
			})
		}
		return 0, nil
	})
}

func decodeAttribute(data []byte) (*Attribute, error) {
	a := &Attribute{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return str(typ, b, &a.Name)
		case 2:
			if typ != protowire.Fixed32Type {
				return 0, fmt.Errorf("%w: attribute f has wire type %d", ErrMalformed, typ)
			}
			v, n := protowire.ConsumeFixed32(b)
			a.F = math.Float32frombits(v)
			return n, wireErr(n)
		case 3:
			v, n, err := varint(typ, b)
			a.I = int64(v)
			return n, err
		case 4:
			v, n, err := bytesVal(typ, b)
			a.S = v
			return n, err
		case 5:
			return message(typ, b, func(sub []byte) error {
				t, err := decodeTensor(sub)
				a.T = t
				return err
			})
		case 7:
			return float32s(typ, b, &a.Floats)
		case 8:
			return int64s(typ, b, &a.Ints)
		case 9:
			v, n, err := bytesVal(typ, b)
			a.Strings = append(a.Strings, v)
			return n, err
		case 20:
			v, n, err := varint(typ, b)
			a.Type = int32(v) //nolint:gosec // G115: enum values fit in int32
			return n, err
		}
		return 0, nil
	})
	return a, err
}
