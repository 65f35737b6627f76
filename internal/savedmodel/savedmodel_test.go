package savedmodel

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/graphstage/internal/onnxpb"
	"github.com/born-ml/graphstage/internal/tensor"
)

func testVars() []Variable {
	return []Variable{
		NewVariable("w", []int64{2, 3}, []float32{1, 2, 3, 4, 5, 6}),
		NewVariable("b", []int64{1, 3}, []float32{-1, 0, 1}),
	}
}

func testModel(t *testing.T) *onnxpb.Model {
	t.Helper()
	m, err := onnxpb.NewBuilder("g").
		Input("x", tensor.Float32, tensor.Shape{tensor.Unknown, 2}).
		Input("w", tensor.Float32, tensor.Shape{2, 3}).
		Node("MatMul", []string{"x", "w"}, []string{"y"}).
		Output("y", tensor.Float32, tensor.Shape{tensor.Unknown, 3}).
		Model()
	require.NoError(t, err)
	return m
}

// TestCheckpointRoundTrip verifies values come back in index order.
func TestCheckpointRoundTrip(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "ckpt", "_retrain_checkpoint")
	require.NoError(t, WriteCheckpoint(prefix, testVars()))
	assert.True(t, CheckpointExists(prefix))

	got, err := ReadCheckpoint(prefix)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "w", got[0].Name())
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, got[0].Values)
	assert.Equal(t, []int64{1, 3}, got[1].Def.Shape())
	assert.Equal(t, []float32{-1, 0, 1}, got[1].Values)
}

// TestCheckpointErrors tests size validation and missing files.
func TestCheckpointErrors(t *testing.T) {
	dir := t.TempDir()
	bad := []Variable{NewVariable("w", []int64{2, 2}, []float32{1})}
	assert.ErrorIs(t, WriteCheckpoint(filepath.Join(dir, "bad"), bad), ErrSizeMismatch)

	_, err := ReadCheckpoint(filepath.Join(dir, "missing"))
	assert.ErrorIs(t, err, ErrMissingFile)
	assert.False(t, CheckpointExists(filepath.Join(dir, "missing")))

	prefix := filepath.Join(dir, "short")
	require.NoError(t, WriteCheckpoint(prefix, testVars()))
	require.NoError(t, os.WriteFile(DataPath(prefix), []byte{0, 0, 0, 0}, 0o600))
	_, err = ReadCheckpoint(prefix)
	assert.ErrorIs(t, err, ErrSizeMismatch)
}

// TestSaveLoad verifies the directory layout.
func TestSaveLoad(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Save(dir, testModel(t), testVars()))
	assert.True(t, IsSavedModel(dir))
	for _, f := range Files() {
		assert.FileExists(t, filepath.Join(dir, f))
	}

	b, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, b.Dir)
	assert.Len(t, b.Variables, 2)
	assert.NotNil(t, b.Model.Graph.Node("y"))

	require.NoError(t, os.Remove(filepath.Join(dir, "variables", "variables.index")))
	_, err = Load(dir)
	assert.ErrorIs(t, err, ErrMissingFile)
	assert.False(t, IsSavedModel(t.TempDir()))

	_, err = Load(filepath.Join(dir, "saved_model.pb"))
	assert.ErrorIs(t, err, ErrNotSavedModel)
}

// TestUpdateVariables verifies staged checkpoints replace the variables and the old ones are archived.
func TestUpdateVariables(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Save(dir, testModel(t), testVars()))

	staged := filepath.Join(dir, "staged_model")
	updated := []Variable{
		NewVariable("w", []int64{2, 3}, []float32{6, 5, 4, 3, 2, 1}),
		NewVariable("b", []int64{1, 3}, []float32{0, 0, 0}),
	}
	require.NoError(t, WriteCheckpoint(staged, updated))

	archive, err := UpdateVariables(dir, staged)
	require.NoError(t, err)
	assert.DirExists(t, archive)
	assert.FileExists(t, filepath.Join(archive, "variables.index"))
	assert.NoFileExists(t, DataPath(staged))

	got, err := ReadCheckpoint(VariablesPrefix(dir))
	require.NoError(t, err)
	assert.Equal(t, []float32{6, 5, 4, 3, 2, 1}, got[0].Values)

	old, err := ReadCheckpoint(filepath.Join(archive, "variables"))
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, old[0].Values)

	_, err = UpdateVariables(dir, filepath.Join(dir, "nothing"))
	assert.ErrorIs(t, err, ErrMissingFile)
}
