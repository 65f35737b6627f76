package data

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/born-ml/graphstage/internal/tensor"
)

// ReadCSV loads a table from comma separated values.
//
// Each column consumes Type.Size() consecutive fields, so vector columns
// must have a fixed size. When header is set the first record is skipped.
func ReadCSV(r io.Reader, schema Schema, header bool) (*Table, error) {
	width := 0
	for _, c := range schema {
		size := c.Type.Size()
		if size == 0 {
			return nil, fmt.Errorf("column %q: variable-length vectors cannot be read from CSV", c.Name)
		}
		width += int(size)
	}

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = width
	reader.ReuseRecord = true

	table := NewTable(schema)
	for line := 1; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read CSV: %w", err)
		}
		if header && line == 1 {
			continue
		}

		row := make([]*tensor.Tensor, len(schema))
		off := 0
		for i, c := range schema {
			n := int(c.Type.Size())
			v, err := ParseValue(c.Type, record[off:off+n])
			if err != nil {
				return nil, fmt.Errorf("line %d, column %q: %w", line, c.Name, err)
			}
			row[i] = v
			off += n
		}
		if err := table.AppendRow(row...); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
	}
	return table, nil
}

// ParseValue parses the text fields of one row of a column.
func ParseValue(ct ColumnType, fields []string) (*tensor.Tensor, error) {
	shape := ct.Shape()
	if ct.IsKey() {
		return parseAs(shape, fields, func(s string) (uint32, error) {
			v, err := strconv.ParseUint(s, 10, 32)
			if err == nil && v > ct.KeyCount {
				return 0, fmt.Errorf("key %d exceeds category count %d", v, ct.KeyCount)
			}
			return uint32(v), err
		})
	}
	switch ct.Elem {
	case tensor.Float32:
		return parseAs(shape, fields, func(s string) (float32, error) {
			v, err := strconv.ParseFloat(s, 32)
			return float32(v), err
		})
	case tensor.Float64:
		return parseAs(shape, fields, func(s string) (float64, error) {
			return strconv.ParseFloat(s, 64)
		})
	case tensor.Int8:
		return parseAs(shape, fields, parseInt[int8](8))
	case tensor.Int16:
		return parseAs(shape, fields, parseInt[int16](16))
	case tensor.Int32:
		return parseAs(shape, fields, parseInt[int32](32))
	case tensor.Int64:
		return parseAs(shape, fields, parseInt[int64](64))
	case tensor.Uint8:
		return parseAs(shape, fields, parseUint[uint8](8))
	case tensor.Uint16:
		return parseAs(shape, fields, parseUint[uint16](16))
	case tensor.Uint32:
		return parseAs(shape, fields, parseUint[uint32](32))
	case tensor.Uint64:
		return parseAs(shape, fields, parseUint[uint64](64))
	case tensor.Bool:
		return parseAs(shape, fields, strconv.ParseBool)
	case tensor.String:
		values := make([][]byte, len(fields))
		for i, f := range fields {
			values[i] = []byte(f)
		}
		return tensor.NewStrings(shape, values)
	default:
		return nil, fmt.Errorf("%w: %v", tensor.ErrUnsupportedType, ct.Elem)
	}
}

func parseAs[T tensor.Element](shape tensor.Shape, fields []string, parse func(string) (T, error)) (*tensor.Tensor, error) {
	values := make([]T, len(fields))
	for i, f := range fields {
		v, err := parse(f)
		if err != nil {
			return nil, fmt.Errorf("invalid value %q: %w", f, err)
		}
		values[i] = v
	}
	return tensor.New(shape, values)
}

func parseInt[T int8 | int16 | int32 | int64](bits int) func(string) (T, error) {
	return func(s string) (T, error) {
		v, err := strconv.ParseInt(s, 10, bits)
		return T(v), err
	}
}

func parseUint[T uint8 | uint16 | uint32 | uint64](bits int) func(string) (T, error) {
	return func(s string) (T, error) {
		v, err := strconv.ParseUint(s, 10, bits)
		return T(v), err
	}
}
