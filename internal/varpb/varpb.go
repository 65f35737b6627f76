// Package varpb encodes the variable metadata records stored in a saved
// model's variables index: one VariableDef per trainable variable.
package varpb

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Errors returned while decoding.
var (
	ErrTruncated = errors.New("varpb: truncated message")
	ErrMalformed = errors.New("varpb: malformed message")
)

// VariableSynchronization says when a distributed variable is aggregated.
type VariableSynchronization int32

// Synchronization modes.
const (
	SyncAuto VariableSynchronization = iota
	SyncNone
	SyncOnWrite
	SyncOnRead
)

// VariableAggregation says how updates to a distributed variable combine.
type VariableAggregation int32

// Aggregation modes.
const (
	AggNone VariableAggregation = iota
	AggSum
	AggMean
	AggOnlyFirstReplica
)

// SaveSliceInfoDef describes the slice of a partitioned variable held by one
// VariableDef.
type SaveSliceInfoDef struct {
	FullName  string
	FullShape []int64
	VarOffset []int64
	VarShape  []int64
}

// VariableDef is the metadata of one variable.
type VariableDef struct {
	VariableName     string
	InitialValueName string
	InitializerName  string
	SnapshotName     string
	SaveSliceInfo    *SaveSliceInfoDef
	IsResource       bool
	Trainable        bool
	Synchronization  VariableSynchronization
	Aggregation      VariableAggregation
}

// Shape returns the full shape recorded for the variable, or nil.
func (v *VariableDef) Shape() []int64 {
	if v.SaveSliceInfo == nil {
		return nil
	}
	return v.SaveSliceInfo.FullShape
}

// NumElements returns the element count of the variable's full shape.
func (v *VariableDef) NumElements() int64 {
	n := int64(1)
	for _, d := range v.Shape() {
		n *= d
	}
	return n
}

// Marshal encodes v in protobuf wire format.
func (v *VariableDef) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, v.VariableName)
	b = appendString(b, 2, v.InitializerName)
	b = appendString(b, 3, v.SnapshotName)
	if v.SaveSliceInfo != nil {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, v.SaveSliceInfo.Marshal())
	}
	b = appendBool(b, 5, v.IsResource)
	b = appendString(b, 6, v.InitialValueName)
	b = appendBool(b, 7, v.Trainable)
	if v.Synchronization != SyncAuto {
		b = protowire.AppendTag(b, 8, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(v.Synchronization))
	}
	if v.Aggregation != AggNone {
		b = protowire.AppendTag(b, 9, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(v.Aggregation))
	}
	return b
}

// Unmarshal decodes a VariableDef.
func (v *VariableDef) Unmarshal(b []byte) error {
	*v = VariableDef{}
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return str(typ, b, &v.VariableName)
		case 2:
			return str(typ, b, &v.InitializerName)
		case 3:
			return str(typ, b, &v.SnapshotName)
		case 4:
			sub, n, err := bytesVal(typ, b)
			if err != nil {
				return 0, err
			}
			v.SaveSliceInfo = &SaveSliceInfoDef{}
			return n, v.SaveSliceInfo.Unmarshal(sub)
		case 5:
			x, n, err := varint(typ, b)
			v.IsResource = x != 0
			return n, err
		case 6:
			return str(typ, b, &v.InitialValueName)
		case 7:
			x, n, err := varint(typ, b)
			v.Trainable = x != 0
			return n, err
		case 8:
			x, n, err := varint(typ, b)
			v.Synchronization = VariableSynchronization(x) //nolint:gosec // G115: enum values fit in int32
			return n, err
		case 9:
			x, n, err := varint(typ, b)
			v.Aggregation = VariableAggregation(x) //nolint:gosec // G115: enum values fit in int32
			return n, err
		}
		return 0, nil
	})
}

// Marshal encodes s in protobuf wire format.
func (s *SaveSliceInfoDef) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, s.FullName)
	b = appendPacked(b, 2, s.FullShape)
	b = appendPacked(b, 3, s.VarOffset)
	b = appendPacked(b, 4, s.VarShape)
	return b
}

// Unmarshal decodes a SaveSliceInfoDef.
func (s *SaveSliceInfoDef) Unmarshal(b []byte) error {
	*s = SaveSliceInfoDef{}
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return str(typ, b, &s.FullName)
		case 2:
			return int64s(typ, b, &s.FullShape)
		case 3:
			return int64s(typ, b, &s.VarOffset)
		case 4:
			return int64s(typ, b, &s.VarShape)
		}
		return 0, nil
	})
}

// Index is the content of a variables index file: the variables in the
// order their values appear in the data file.
type Index struct {
	Variables []*VariableDef
}

// Marshal encodes the index as a message with repeated field 1.
func (x *Index) Marshal() []byte {
	var b []byte
	for _, v := range x.Variables {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, v.Marshal())
	}
	return b
}

// UnmarshalIndex decodes an index file.
func UnmarshalIndex(b []byte) (*Index, error) {
	x := &Index{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return 0, nil
		}
		sub, n, err := bytesVal(typ, b)
		if err != nil {
			return 0, err
		}
		v := &VariableDef{}
		if err := v.Unmarshal(sub); err != nil {
			return 0, err
		}
		x.Variables = append(x.Variables, v)
		return n, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode variables index: %w", err)
	}
	return x, nil
}

// Lookup returns the variable with the given name, or nil.
func (x *Index) Lookup(name string) *VariableDef {
	for _, v := range x.Variables {
		if v.VariableName == name {
			return v
		}
	}
	return nil
}
