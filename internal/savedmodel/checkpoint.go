// Package savedmodel reads and writes the saved-model directory layout: a
// graph file plus a variables checkpoint made of an index file and a data
// file.
package savedmodel

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/born-ml/graphstage/internal/varpb"
)

// File names inside a saved-model directory.
const (
	GraphFile    = "saved_model.pb"
	VariablesDir = "variables"
	IndexSuffix  = ".index"
	DataSuffix   = ".data-00000-of-00001"
)

// Variable is one checkpointed variable: its metadata and float32 values.
type Variable struct {
	Def    *varpb.VariableDef
	Values []float32
}

// Name returns the variable name.
func (v Variable) Name() string { return v.Def.VariableName }

// IndexPath returns the index file written for a checkpoint prefix.
func IndexPath(prefix string) string { return prefix + IndexSuffix }

// DataPath returns the data file written for a checkpoint prefix.
func DataPath(prefix string) string { return prefix + DataSuffix }

// CheckpointExists reports whether both checkpoint files exist for prefix.
func CheckpointExists(prefix string) bool {
	for _, p := range []string{IndexPath(prefix), DataPath(prefix)} {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

// WriteCheckpoint writes vars to prefix.index and prefix.data-00000-of-00001.
// Values are stored as little-endian float32 in index order.
func WriteCheckpoint(prefix string, vars []Variable) error {
	if dir := filepath.Dir(prefix); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create checkpoint directory: %w", err)
		}
	}

	idx := &varpb.Index{Variables: make([]*varpb.VariableDef, len(vars))}
	var size int
	for i, v := range vars {
		if int64(len(v.Values)) != v.Def.NumElements() {
			return fmt.Errorf("%w: %q has %d values, shape %v", ErrSizeMismatch, v.Name(), len(v.Values), v.Def.Shape())
		}
		idx.Variables[i] = v.Def
		size += 4 * len(v.Values)
	}

	data := make([]byte, 0, size)
	for _, v := range vars {
		for _, f := range v.Values {
			data = binary.LittleEndian.AppendUint32(data, math.Float32bits(f))
		}
	}

	if err := os.WriteFile(DataPath(prefix), data, 0o600); err != nil {
		return fmt.Errorf("failed to write checkpoint data: %w", err)
	}
	if err := os.WriteFile(IndexPath(prefix), idx.Marshal(), 0o600); err != nil {
		return fmt.Errorf("failed to write checkpoint index: %w", err)
	}
	return nil
}

// ReadCheckpoint reads the variables stored under prefix.
//
//nolint:gosec // G304: checkpoint paths are supplied by the caller
func ReadCheckpoint(prefix string) ([]Variable, error) {
	rawIdx, err := os.ReadFile(IndexPath(prefix))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMissingFile, err)
	}
	data, err := os.ReadFile(DataPath(prefix))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMissingFile, err)
	}
	idx, err := varpb.UnmarshalIndex(rawIdx)
	if err != nil {
		return nil, err
	}

	vars := make([]Variable, len(idx.Variables))
	off := 0
	for i, def := range idx.Variables {
		n := int(def.NumElements())
		if off+4*n > len(data) {
			return nil, fmt.Errorf("%w: %q needs %d bytes at offset %d, data has %d",
				ErrSizeMismatch, def.VariableName, 4*n, off, len(data))
		}
		vals := make([]float32, n)
		for j := range vals {
			vals[j] = math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
			off += 4
		}
		vars[i] = Variable{Def: def, Values: vals}
	}
	if off != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrSizeMismatch, len(data)-off)
	}
	return vars, nil
}

// NewVariable builds a trainable variable record for a tensor of the given shape.
func NewVariable(name string, shape []int64, values []float32) Variable {
	return Variable{
		Def: &varpb.VariableDef{
			VariableName:  name,
			SnapshotName:  name + "/read",
			SaveSliceInfo: &varpb.SaveSliceInfoDef{FullName: name, FullShape: shape},
			Trainable:     true,
		},
		Values: values,
	}
}
