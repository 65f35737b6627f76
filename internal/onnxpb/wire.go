package onnxpb

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// fieldFunc decodes one field whose tag has been consumed. It returns the
// number of bytes consumed from b, or 0 to skip the field.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

func walk(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return wireErr(n)
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return wireErr(m)
		}
		b = b[m:]
	}
	return nil
}

func wireErr(n int) error {
	if n >= 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTruncated, protowire.ParseError(n))
}

func bytesVal(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("%w: expected length-delimited field, got wire type %d", ErrMalformed, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, wireErr(n)
	}
	return v, n, nil
}

func str(typ protowire.Type, b []byte, dst *string) (int, error) {
	v, n, err := bytesVal(typ, b)
	*dst = string(v)
	return n, err
}

func message(typ protowire.Type, b []byte, fn func([]byte) error) (int, error) {
	v, n, err := bytesVal(typ, b)
	if err != nil {
		return 0, err
	}
	return n, fn(v)
}

func varint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("%w: expected varint field, got wire type %d", ErrMalformed, typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, wireErr(n)
	}
	return v, n, nil
}

// int64s decodes a packed or unpacked repeated varint field.
func int64s(typ protowire.Type, b []byte, dst *[]int64) (int, error) {
	if typ == protowire.VarintType {
		v, n, err := varint(typ, b)
		*dst = append(*dst, int64(v))
		return n, err
	}
	packed, n, err := bytesVal(typ, b)
	if err != nil {
		return 0, err
	}
	for len(packed) > 0 {
		v, m := protowire.ConsumeVarint(packed)
		if m < 0 {
			return 0, wireErr(m)
		}
		*dst = append(*dst, int64(v))
		packed = packed[m:]
	}
	return n, nil
}

// float32s decodes a packed or unpacked repeated float field.
func float32s(typ protowire.Type, b []byte, dst *[]float32) (int, error) {
	if typ == protowire.Fixed32Type {
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return 0, wireErr(n)
		}
		*dst = append(*dst, math.Float32frombits(v))
		return n, nil
	}
	packed, n, err := bytesVal(typ, b)
	if err != nil {
		return 0, err
	}
	for len(packed) > 0 {
		v, m := protowire.ConsumeFixed32(packed)
		if m < 0 {
			return 0, wireErr(m)
		}
		*dst = append(*dst, math.Float32frombits(v))
		packed = packed[m:]
	}
	return n, nil
}

// float64s decodes a packed or unpacked repeated double field.
func float64s(typ protowire.Type, b []byte, dst *[]float64) (int, error) {
	if typ == protowire.Fixed64Type {
		v, n := protowire.ConsumeFixed64(b)
		if n < 0 {
			return 0, wireErr(n)
		}
		*dst = append(*dst, math.Float64frombits(v))
		return n, nil
	}
	packed, n, err := bytesVal(typ, b)
	if err != nil {
		return 0, err
	}
	for len(packed) > 0 {
		v, m := protowire.ConsumeFixed64(packed)
		if m < 0 {
			return 0, wireErr(m)
		}
		*dst = append(*dst, math.Float64frombits(v))
		packed = packed[m:]
	}
	return n, nil
}
