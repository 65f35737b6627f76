package train

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/graphstage/internal/data"
	"github.com/born-ml/graphstage/internal/engine"
	"github.com/born-ml/graphstage/internal/graph"
	"github.com/born-ml/graphstage/internal/graph/graphtest"
	"github.com/born-ml/graphstage/internal/logutil"
	"github.com/born-ml/graphstage/internal/onnxpb"
	"github.com/born-ml/graphstage/internal/savedmodel"
	"github.com/born-ml/graphstage/internal/session"
	"github.com/born-ml/graphstage/internal/tensor"
)

func mustTensor[T tensor.Element](t *testing.T, shape tensor.Shape, vals []T) *tensor.Tensor {
	t.Helper()
	x, err := tensor.New(shape, vals)
	require.NoError(t, err)
	return x
}

// pointTable holds rows alternating between [1,0] with key 1 and [0,1] with key 2.
func pointTable(t *testing.T, rows int) *data.Table {
	t.Helper()
	table := data.NewTable(data.Schema{
		{Name: "x", Type: data.Vector(tensor.Float32, 2)},
		{Name: "y", Type: data.Key(2)},
	})
	for i := range rows {
		x := []float32{1, 0}
		if i%2 == 1 {
			x = []float32{0, 1}
		}
		require.NoError(t, table.AppendRow(mustTensor(t, tensor.Shape{2}, x), tensor.Scalar(uint32(i%2+1))))
	}
	return table
}

// constant answers every fetch with 0.5.
func constant(_ map[string]*tensor.Tensor, fetches, _ []string) ([]*tensor.Tensor, error) {
	out := make([]*tensor.Tensor, len(fetches))
	for i := range fetches {
		out[i] = tensor.Scalar(float32(0.5))
	}
	return out, nil
}

func scriptedSession(t *testing.T) (*session.Manager, *graphtest.Runtime) {
	t.Helper()
	rt := graphtest.New(constant,
		graphtest.Placeholder("in", tensor.Float32, -1, 2),
		graphtest.Placeholder("labels", tensor.Int64, -1),
		graphtest.Placeholder("lr", tensor.Float32),
		graphtest.Placeholder(DefaultSaveLocationOperation, tensor.String),
		graphtest.Op("opt", "GradientDescent", tensor.Float32),
		graphtest.Op("loss", "SoftmaxCrossEntropyLoss", tensor.Float32),
		graphtest.Op("acc", "Accuracy", tensor.Float32),
		graphtest.Op(DefaultSaveOperation, "Save", tensor.String),
	)
	sess := session.New(session.Options{Runners: 1})
	require.NoError(t, sess.Open(rt, "", false))
	t.Cleanup(func() { _ = sess.Close() })
	return sess, rt
}

func scriptedConfig(batch int) Config {
	cfg := DefaultConfig()
	cfg.Inputs = []Input{{Column: "x", Node: "in"}}
	cfg.LabelColumn, cfg.LabelNode = "y", "labels"
	cfg.OptimizationOperation = "opt"
	cfg.LossOperation = "loss"
	cfg.MetricOperation = "acc"
	cfg.BatchSize = batch
	cfg.Epochs = 1
	return cfg
}

// TestTrailingBatchSkipped verifies five rows in batches of two train twice
// and warn about the fifth row.
func TestTrailingBatchSkipped(t *testing.T) {
	sess, rt := scriptedSession(t)
	var buf bytes.Buffer
	cfg := scriptedConfig(2)
	cfg.Logger = logutil.New(slog.NewTextHandler(&buf, nil))

	r, err := NewRetrainer(sess, cfg)
	require.NoError(t, err)
	stats, err := r.Train(context.Background(), pointTable(t, 5))
	require.NoError(t, err)

	assert.Equal(t, 2, rt.TargetRuns("opt"))
	require.Len(t, stats, 1)
	assert.Equal(t, 2, stats[0].Batches)
	assert.Equal(t, 4, stats[0].Rows)
	assert.Equal(t, 1, stats[0].Skipped)
	assert.InDelta(t, 0.5, stats[0].Loss, 1e-9)
	assert.InDelta(t, 0.5, stats[0].Metric, 1e-9)
	assert.Contains(t, buf.String(), "not training on the last batch")

	for _, c := range rt.Calls() {
		assert.Equal(t, tensor.Shape{2, 2}, c.Feeds["in"].Shape())
		assert.Equal(t, []string{"loss", "acc"}, c.Fetches)
	}
	labels, err := tensor.Values[int64](rt.Calls()[1].Feeds["labels"])
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 1}, labels)
}

// TestKeepPartialBatch verifies the trailing rows train as a smaller batch.
func TestKeepPartialBatch(t *testing.T) {
	sess, rt := scriptedSession(t)
	cfg := scriptedConfig(2)
	cfg.KeepPartialBatch = true
	cfg.Epochs = 2
	cfg.LearningRateOperation = "lr"
	cfg.LearningRate = 0.25

	r, err := NewRetrainer(sess, cfg)
	require.NoError(t, err)
	stats, err := r.Train(context.Background(), pointTable(t, 5))
	require.NoError(t, err)

	assert.Equal(t, 6, rt.TargetRuns("opt"))
	require.Len(t, stats, 2)
	assert.Equal(t, 5, stats[1].Rows)
	assert.Equal(t, 0, stats[1].Skipped)

	calls := rt.Calls()
	last := calls[2]
	assert.Equal(t, tensor.Shape{1, 2}, last.Feeds["in"].Shape())
	assert.Equal(t, tensor.Shape{1}, last.Feeds["labels"].Shape())
	lr, err := tensor.Values[float32](last.Feeds["lr"])
	require.NoError(t, err)
	assert.Equal(t, []float32{0.25}, lr)
}

// TestRetrainConfigErrors tests that missing names fail before any training.
func TestRetrainConfigErrors(t *testing.T) {
	sess, rt := scriptedSession(t)

	cfg := scriptedConfig(2)
	cfg.LossOperation = "missing"
	_, err := NewRetrainer(sess, cfg)
	assert.ErrorIs(t, err, graph.ErrNodeNotFound)
	assert.ErrorIs(t, err, graph.ErrConfig)

	cfg = scriptedConfig(2)
	cfg.SaveOperation = "save/nothing"
	_, err = NewRetrainer(sess, cfg)
	assert.ErrorIs(t, err, graph.ErrNodeNotFound)

	cfg = scriptedConfig(2)
	cfg.OptimizationOperation = ""
	_, err = NewRetrainer(sess, cfg)
	assert.ErrorIs(t, err, graph.ErrConfig)

	cfg = scriptedConfig(2)
	r, err := NewRetrainer(sess, cfg)
	require.NoError(t, err)
	table := data.NewTable(data.Schema{{Name: "x", Type: data.Vector(tensor.Int32, 2)}, {Name: "y", Type: data.Key(2)}})
	_, err = r.Train(context.Background(), table)
	assert.ErrorIs(t, err, graph.ErrTypeMismatch)

	cfg.Inputs = []Input{{Column: "z", Node: "in"}}
	r, err = NewRetrainer(sess, cfg)
	require.NoError(t, err)
	_, err = r.Train(context.Background(), pointTable(t, 2))
	assert.ErrorIs(t, err, graph.ErrColumnNotFound)

	assert.Zero(t, rt.RunCount())

	_, err = NewRetrainer(session.New(session.Options{}), scriptedConfig(2))
	assert.ErrorIs(t, err, session.ErrNotOpen)
}

// TestUpdateModelOnDiskFailure verifies a failed update is an I/O error.
func TestUpdateModelOnDiskFailure(t *testing.T) {
	sess, rt := scriptedSession(t)
	cfg := scriptedConfig(2)
	cfg.ModelDir = t.TempDir()

	r, err := NewRetrainer(sess, cfg)
	require.NoError(t, err)
	_, err = r.UpdateModelOnDisk(context.Background())
	assert.ErrorIs(t, err, graph.ErrIO)
	assert.Contains(t, err.Error(), "failed to serialize retrained model to disk")

	calls := rt.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{DefaultSaveOperation}, calls[0].Targets)
	prefix, err := calls[0].Feeds[DefaultSaveLocationOperation].Strings()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cfg.ModelDir, TmpModelName), string(prefix[0]))
}

// softmaxModel is a two class softmax regression with a save operation.
func softmaxModel(t *testing.T) (*onnxpb.Model, []savedmodel.Variable) {
	t.Helper()
	m, err := onnxpb.NewBuilder("softmax").
		Input("in", tensor.Float32, tensor.Shape{tensor.Unknown, 2}).
		Input("labels", tensor.Int64, tensor.Shape{tensor.Unknown}).
		Input("lr", tensor.Float32, tensor.Shape{}).
		Input("w", tensor.Float32, tensor.Shape{2, 2}).
		Input("b", tensor.Float32, tensor.Shape{1, 2}).
		Input(DefaultSaveLocationOperation, tensor.String, tensor.Shape{}).
		Node("MatMul", []string{"in", "w"}, []string{"xw"}).
		Node("Add", []string{"xw", "b"}, []string{"logits"}).
		Node("SoftmaxCrossEntropyLoss", []string{"logits", "labels"}, []string{"loss"}).
		DomainNode(onnxpb.TrainingDomain, onnxpb.OpGradientDescent, []string{"loss", "lr"}, []string{"train_step"}).
		DomainNode(onnxpb.TrainingDomain, onnxpb.OpAccuracy, []string{"logits", "labels"}, []string{"accuracy"}).
		DomainNode(onnxpb.TrainingDomain, onnxpb.OpSave, []string{DefaultSaveLocationOperation}, []string{DefaultSaveOperation}).
		Output("logits", tensor.Float32, tensor.Shape{tensor.Unknown, 2}).
		Model()
	require.NoError(t, err)
	return m, []savedmodel.Variable{
		savedmodel.NewVariable("w", []int64{2, 2}, make([]float32, 4)),
		savedmodel.NewVariable("b", []int64{1, 2}, make([]float32, 2)),
	}
}

// TestRetrainSavedModel trains a saved model on the engine and verifies the
// new variables replace the old ones on disk.
func TestRetrainSavedModel(t *testing.T) {
	dir := t.TempDir()
	m, vars := softmaxModel(t)
	require.NoError(t, savedmodel.Save(dir, m, vars))

	sess := session.New(session.Options{})
	require.NoError(t, sess.OpenSavedModel(engine.Loader{}, dir, false))
	defer sess.Close()

	cfg := DefaultConfig()
	cfg.Inputs = []Input{{Column: "x", Node: "in"}}
	cfg.LabelColumn, cfg.LabelNode = "y", "labels"
	cfg.OptimizationOperation = "train_step"
	cfg.LossOperation = "loss"
	cfg.MetricOperation = "accuracy"
	cfg.LearningRateOperation = "lr"
	cfg.LearningRate = 0.5
	cfg.BatchSize = 2
	cfg.Epochs = 20

	r, err := NewRetrainer(sess, cfg)
	require.NoError(t, err)
	stats, err := r.Run(context.Background(), pointTable(t, 4))
	require.NoError(t, err)
	require.Len(t, stats, 20)
	assert.Less(t, stats[0].Loss, 0.6932)
	assert.Less(t, stats[19].Loss, stats[0].Loss)
	assert.Equal(t, float64(1), stats[19].Metric)

	b, err := savedmodel.Load(dir)
	require.NoError(t, err)
	w := b.Variables[0]
	assert.Equal(t, "w", w.Name())
	assert.Greater(t, w.Values[0], w.Values[1])

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	archived := 0
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), savedmodel.VariablesDir+"-") {
			archived++
			old, err := savedmodel.ReadCheckpoint(filepath.Join(dir, e.Name(), savedmodel.VariablesDir))
			require.NoError(t, err)
			assert.Equal(t, make([]float32, 4), old[0].Values)
		}
	}
	assert.Equal(t, 1, archived)
}
