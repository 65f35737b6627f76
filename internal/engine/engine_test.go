package engine

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/graphstage/internal/graph"
	"github.com/born-ml/graphstage/internal/onnxpb"
	"github.com/born-ml/graphstage/internal/savedmodel"
	"github.com/born-ml/graphstage/internal/tensor"
)

func mustTensor[T tensor.Element](t *testing.T, shape tensor.Shape, vals []T) *tensor.Tensor {
	t.Helper()
	x, err := tensor.New(shape, vals)
	require.NoError(t, err)
	return x
}

// denseModel computes logits = in·w + b and label = argmax(logits).
func denseModel(t *testing.T) *onnxpb.Model {
	t.Helper()
	m, err := onnxpb.NewBuilder("dense").
		Input("in", tensor.Float32, tensor.Shape{tensor.Unknown, 3}).
		Initializer("w", mustTensor(t, tensor.Shape{3, 2}, []float32{1, 0, 0, 1, 1, 1})).
		Initializer("b", mustTensor(t, tensor.Shape{1, 2}, []float32{0.5, -0.5})).
		Node("MatMul", []string{"in", "w"}, []string{"xw"}).
		Node("Add", []string{"xw", "b"}, []string{"logits"}).
		Node("ArgMax", []string{"logits"}, []string{"label"}, onnxpb.IntAttr("axis", 1), onnxpb.IntAttr("keepdims", 0)).
		Output("logits", tensor.Float32, tensor.Shape{tensor.Unknown, 2}).
		Output("label", tensor.Int64, tensor.Shape{tensor.Unknown}).
		Model()
	require.NoError(t, err)
	return m
}

// trainModel is a two class softmax regression with a training step.
func trainModel(t *testing.T) (*onnxpb.Model, []savedmodel.Variable) {
	t.Helper()
	m, err := onnxpb.NewBuilder("softmax").
		Input("in", tensor.Float32, tensor.Shape{tensor.Unknown, 2}).
		Input("labels", tensor.Int64, tensor.Shape{tensor.Unknown}).
		Input("w", tensor.Float32, tensor.Shape{2, 2}).
		Input("b", tensor.Float32, tensor.Shape{1, 2}).
		Input("ckpt", tensor.String, tensor.Shape{}).
		Node("MatMul", []string{"in", "w"}, []string{"xw"}).
		Node("Add", []string{"xw", "b"}, []string{"logits"}).
		Node(opSoftmaxCrossEntropy, []string{"logits", "labels"}, []string{"loss"}).
		DomainNode(onnxpb.TrainingDomain, opGradientDescent, []string{"loss"}, []string{"train_step"}, onnxpb.FloatAttr("learning_rate", 0.5)).
		DomainNode(onnxpb.TrainingDomain, opAccuracy, []string{"logits", "labels"}, []string{"accuracy"}).
		DomainNode(onnxpb.TrainingDomain, opSave, []string{"ckpt"}, []string{"save"}).
		DomainNode(onnxpb.TrainingDomain, opRestore, []string{"ckpt"}, []string{"restore"}).
		Output("logits", tensor.Float32, tensor.Shape{tensor.Unknown, 2}).
		Model()
	require.NoError(t, err)
	vars := []savedmodel.Variable{
		savedmodel.NewVariable("w", []int64{2, 2}, make([]float32, 4)),
		savedmodel.NewVariable("b", []int64{1, 2}, make([]float32, 2)),
	}
	return m, vars
}

func newEngine(t *testing.T, m *onnxpb.Model, vars []savedmodel.Variable) *Engine {
	t.Helper()
	e, err := New(m, vars, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func scalarValue(t *testing.T, x *tensor.Tensor) float32 {
	t.Helper()
	vals, err := tensor.Values[float32](x)
	require.NoError(t, err)
	require.Len(t, vals, 1)
	return vals[0]
}

// TestRunScoring verifies both outputs are computed in one execution.
func TestRunScoring(t *testing.T) {
	e := newEngine(t, denseModel(t), nil)
	in := mustTensor(t, tensor.Shape{2, 3}, []float32{1, 0, 0, 0, 2, 0})

	out, err := e.Run([]graph.Feed{{Name: "in", Value: in}}, []string{"logits", "label"}, nil)
	require.NoError(t, err)
	require.Len(t, out, 2)

	logits, err := tensor.Values[float32](out[0])
	require.NoError(t, err)
	assert.Equal(t, []float32{1.5, -0.5, 0.5, 1.5}, logits)
	assert.Equal(t, tensor.Shape{2, 2}, out[0].Shape())

	labels, err := tensor.Values[int64](out[1])
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 1}, labels)

	// The cached plan gives the same answer.
	again, err := e.Run([]graph.Feed{{Name: "in", Value: in}}, []string{"label"}, nil)
	require.NoError(t, err)
	assert.True(t, again[0].Equal(out[1]))
}

// TestResolve tests name resolution and type inference.
func TestResolve(t *testing.T) {
	e := newEngine(t, denseModel(t), nil)

	n, err := e.Resolve("in")
	require.NoError(t, err)
	assert.Equal(t, "Placeholder", n.OpType)
	assert.Equal(t, tensor.Shape{tensor.Unknown, 3}, n.Shape)

	n, err = e.Resolve("xw")
	require.NoError(t, err)
	assert.Equal(t, "MatMul", n.OpType)
	assert.Equal(t, tensor.Float32, n.DType)
	assert.Equal(t, tensor.Shape{tensor.Unknown, 2}, n.Shape)

	n, err = e.Resolve("w")
	require.NoError(t, err)
	assert.Equal(t, "Const", n.OpType)

	n, err = e.Resolve("logits:0")
	require.NoError(t, err)
	assert.Equal(t, "logits:0", n.Name)
	assert.Equal(t, "Add", n.OpType)

	n, err = e.Resolve("label")
	require.NoError(t, err)
	assert.Equal(t, tensor.Int64, n.DType)
	assert.Equal(t, tensor.Shape{tensor.Unknown}, n.Shape)

	_, err = e.Resolve("missing")
	assert.ErrorIs(t, err, graph.ErrNodeNotFound)

	assert.Len(t, e.Inputs(), 1)
	assert.Len(t, e.Outputs(), 2)
	assert.Empty(t, e.Variables())
}

// TestRunErrors tests feed validation and closed engines.
func TestRunErrors(t *testing.T) {
	e := newEngine(t, denseModel(t), nil)

	_, err := e.Run(nil, []string{"logits"}, nil)
	assert.ErrorIs(t, err, ErrMissingFeed)
	assert.ErrorIs(t, err, graph.ErrConfig)

	bad := mustTensor(t, tensor.Shape{1, 3}, []int32{1, 2, 3})
	_, err = e.Run([]graph.Feed{{Name: "in", Value: bad}}, []string{"logits"}, nil)
	assert.ErrorIs(t, err, ErrBadFeed)

	wide := mustTensor(t, tensor.Shape{1, 4}, []float32{1, 2, 3, 4})
	_, err = e.Run([]graph.Feed{{Name: "in", Value: wide}}, []string{"logits"}, nil)
	assert.ErrorIs(t, err, graph.ErrSchemaMismatch)

	_, err = e.Run(nil, []string{"nope"}, nil)
	assert.ErrorIs(t, err, graph.ErrNodeNotFound)

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	_, err = e.Run(nil, []string{"logits"}, nil)
	assert.ErrorIs(t, err, ErrClosed)
}

// TestUnsupportedOp verifies unknown operators are rejected at load time.
func TestUnsupportedOp(t *testing.T) {
	m, err := onnxpb.NewBuilder("bad").
		Input("x", tensor.Float32, tensor.Shape{1}).
		Node("NonMaxSuppression", []string{"x"}, []string{"y"}).
		Output("y", tensor.Float32, nil).
		Model()
	require.NoError(t, err)

	_, err = New(m, nil, Options{})
	assert.ErrorIs(t, err, ErrUnsupportedOp)

	_, err = New(denseModel(t), nil, Options{Device: "tpu"})
	assert.ErrorIs(t, err, ErrDevice)
}

// TestTraining verifies gradient steps reduce the loss and update variables.
func TestTraining(t *testing.T) {
	m, vars := trainModel(t)
	e := newEngine(t, m, vars)
	feeds := []graph.Feed{
		{Name: "in", Value: mustTensor(t, tensor.Shape{2, 2}, []float32{1, 0, 0, 1})},
		{Name: "labels", Value: mustTensor(t, tensor.Shape{2}, []int64{0, 1})},
	}

	assert.Len(t, e.Variables(), 2)
	assert.Equal(t, "Variable", e.Variables()[0].OpType)
	assert.Len(t, e.Inputs(), 3)

	out, err := e.Run(feeds, []string{"loss"}, nil)
	require.NoError(t, err)
	initial := scalarValue(t, out[0])
	assert.InDelta(t, 0.6931, initial, 1e-3)
	assert.Equal(t, tensor.Shape{}, out[0].Shape())

	for range 20 {
		_, err := e.Run(feeds, []string{"accuracy"}, []string{"train_step"})
		require.NoError(t, err)
	}

	out, err = e.Run(feeds, []string{"loss", "accuracy"}, nil)
	require.NoError(t, err)
	assert.Less(t, scalarValue(t, out[0]), initial)
	assert.Equal(t, float32(1), scalarValue(t, out[1]))

	w := e.SavedVariables()[0]
	assert.Equal(t, "w", w.Name())
	assert.Greater(t, w.Values[0], w.Values[1])
}

// TestCheckpoint verifies checkpoints through the runtime API and the graph operations.
func TestCheckpoint(t *testing.T) {
	m, vars := trainModel(t)
	e := newEngine(t, m, vars)
	feeds := []graph.Feed{
		{Name: "in", Value: mustTensor(t, tensor.Shape{2, 2}, []float32{1, 0, 0, 1})},
		{Name: "labels", Value: mustTensor(t, tensor.Shape{2}, []int64{0, 1})},
	}
	step := func() {
		_, err := e.Run(feeds, nil, []string{"train_step"})
		require.NoError(t, err)
	}

	step()
	prefix := filepath.Join(t.TempDir(), "ckpt", "model")
	require.NoError(t, e.SaveCheckpoint(prefix))
	assert.True(t, savedmodel.CheckpointExists(prefix))
	saved := e.SavedVariables()

	step()
	assert.NotEqual(t, saved[0].Values, e.SavedVariables()[0].Values)
	require.NoError(t, e.RestoreCheckpoint(prefix))
	assert.Equal(t, saved[0].Values, e.SavedVariables()[0].Values)

	// The same through the Save and Restore operations.
	opPrefix := filepath.Join(t.TempDir(), "op")
	path := []graph.Feed{{Name: "ckpt", Value: tensor.ScalarString(opPrefix)}}
	out, err := e.Run(path, []string{"save"}, nil)
	require.NoError(t, err)
	got, err := out[0].Strings()
	require.NoError(t, err)
	assert.Equal(t, opPrefix, string(got[0]))

	step()
	_, err = e.Run(path, nil, []string{"restore"})
	require.NoError(t, err)
	assert.Equal(t, saved[0].Values, e.SavedVariables()[0].Values)

	err = e.RestoreCheckpoint(filepath.Join(t.TempDir(), "none"))
	assert.ErrorIs(t, err, graph.ErrIO)
}

// TestFreeze verifies a frozen graph computes the same outputs without variables.
func TestFreeze(t *testing.T) {
	m, vars := trainModel(t)
	e := newEngine(t, m, vars)
	feeds := []graph.Feed{
		{Name: "in", Value: mustTensor(t, tensor.Shape{2, 2}, []float32{1, 0, 0, 1})},
		{Name: "labels", Value: mustTensor(t, tensor.Shape{2}, []int64{0, 1})},
	}
	for range 3 {
		_, err := e.Run(feeds, nil, []string{"train_step"})
		require.NoError(t, err)
	}
	want, err := e.Run(feeds[:1], []string{"logits"}, nil)
	require.NoError(t, err)

	blob, err := e.Freeze([]string{"logits"})
	require.NoError(t, err)

	rt, err := Loader{}.LoadFrozen(blob)
	require.NoError(t, err)
	defer rt.Close()

	assert.Empty(t, rt.Variables())
	inputs := rt.Inputs()
	require.Len(t, inputs, 1)
	assert.Equal(t, "in", inputs[0].Name)

	got, err := rt.Run(feeds[:1], []string{"logits"}, nil)
	require.NoError(t, err)
	assert.True(t, want[0].Equal(got[0]))

	_, err = e.Freeze([]string{"accuracy"})
	assert.ErrorIs(t, err, graph.ErrConfig)
}

// TestLoadSavedModel verifies the saved-model loader binds variables.
func TestLoadSavedModel(t *testing.T) {
	m, vars := trainModel(t)
	dir := t.TempDir()
	require.NoError(t, savedmodel.Save(dir, m, vars))

	rt, err := Loader{}.LoadSavedModel(dir)
	require.NoError(t, err)
	defer rt.Close()
	assert.Len(t, rt.Variables(), 2)

	_, err = Loader{}.LoadSavedModel(filepath.Join(dir, "missing"))
	assert.ErrorIs(t, err, graph.ErrIO)

	_, err = Loader{}.LoadFrozen([]byte{0xff, 0xff})
	assert.ErrorIs(t, err, graph.ErrConfig)
}
