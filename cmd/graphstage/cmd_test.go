package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/graphstage/internal/modelfile"
	"github.com/born-ml/graphstage/internal/onnxpb"
	"github.com/born-ml/graphstage/internal/store"
	"github.com/born-ml/graphstage/internal/tensor"
	"github.com/born-ml/graphstage/internal/transform"
)

func cleanEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"GRAPHSTAGE_STORE", "GRAPHSTAGE_DEVICE", "GRAPHSTAGE_TMPDIR", "GRAPHSTAGE_RUNNERS"} {
		t.Setenv(k, "")
	}
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewCLI()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// sumModel writes a frozen graph summing the three elements of "in".
func sumModel(t *testing.T, dir string) string {
	t.Helper()
	w, err := tensor.New(tensor.Shape{3, 1}, []float32{1, 1, 1})
	require.NoError(t, err)
	m, err := onnxpb.NewBuilder("sum").
		Input("in", tensor.Float32, tensor.Shape{tensor.Unknown, 3}).
		Initializer("w", w).
		Node("MatMul", []string{"in", "w"}, []string{"out"}).
		Output("out", tensor.Float32, tensor.Shape{tensor.Unknown, 1}).
		Model()
	require.NoError(t, err)
	path := filepath.Join(dir, "sum.onnx")
	require.NoError(t, os.WriteFile(path, onnxpb.Encode(m), 0o600))
	return path
}

func writeCSV(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "rows.csv")
	require.NoError(t, os.WriteFile(path, []byte("x1,x2,x3\n1,2,3\n4,5,6\n"), 0o600))
	return path
}

// TestScore scores CSV rows with a frozen graph and with the saved stage.
func TestScore(t *testing.T) {
	cleanEnv(t)
	dir := t.TempDir()
	model := sumModel(t, dir)
	rows := writeCSV(t, dir)

	out, err := run(t, "score", "--model", model, "--data", rows, "--header",
		"--schema", "x:float32:3", "--input", "in", "--source", "x", "--output", "out")
	require.NoError(t, err)
	assert.Contains(t, out, "out")
	assert.Contains(t, out, "15")

	opts := transform.DefaultOptions()
	opts.ModelLocation = model
	opts.InputColumns = []string{"in"}
	opts.OutputColumns = []string{"out"}
	tr, err := transform.New(opts)
	require.NoError(t, err)
	saved := filepath.Join(dir, "sum.gstg")
	require.NoError(t, tr.SaveFile(saved))
	require.NoError(t, tr.Close())
	assert.True(t, isContainer(saved))
	assert.False(t, isContainer(model))

	out, err = run(t, "score", "--model", saved, "--data", rows, "--header",
		"--schema", "x:float32:3", "--source", "x")
	require.NoError(t, err)
	assert.Contains(t, out, "15")

	_, err = run(t, "score", "--model", saved, "--data", rows, "--header",
		"--schema", "x:float32:3", "--source", "x", "--output", "missing")
	assert.Error(t, err)
}

// TestInspect lists the nodes of a frozen graph.
func TestInspect(t *testing.T) {
	cleanEnv(t)
	model := sumModel(t, t.TempDir())

	out, err := run(t, "inspect", model)
	require.NoError(t, err)
	assert.Contains(t, out, "input")
	assert.Contains(t, out, "output")
	assert.Contains(t, out, "[?,3]")

	_, err = run(t, "inspect", filepath.Join(t.TempDir(), "missing.onnx"))
	assert.Error(t, err)
}

// TestPushPull moves a file through a local store by path and by name.
func TestPushPull(t *testing.T) {
	cleanEnv(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "stage.gstg")
	require.NoError(t, os.WriteFile(src, []byte("container bytes"), 0o600))
	root := filepath.Join(dir, "store")

	_, err := run(t, "push", src, filepath.Join(root, "stage.gstg"))
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(root, "stage.gstg"+store.CompressedSuffix))

	out, err := run(t, "list", root)
	require.NoError(t, err)
	assert.Contains(t, out, "stage.gstg")

	dst := filepath.Join(dir, "pulled.gstg")
	_, err = run(t, "pull", filepath.Join(root, "stage.gstg"), dst)
	require.NoError(t, err)
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "container bytes", string(got))

	t.Setenv("GRAPHSTAGE_STORE", root)
	dst = filepath.Join(dir, "by-name.gstg")
	_, err = run(t, "pull", "stage.gstg", dst)
	require.NoError(t, err)
	assert.FileExists(t, dst)

	_, err = run(t, "pull", "missing.gstg", dst)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// TestOpenObject tests object location errors.
func TestOpenObject(t *testing.T) {
	cleanEnv(t)
	for _, uri := range []string{"s3://bucket", "gs://bucket/x", "minio://host"} {
		_, _, err := openObject(context.Background(), uri)
		assert.Error(t, err, uri)
	}
}

// TestParseArchitecture tests architecture names.
func TestParseArchitecture(t *testing.T) {
	for in, want := range map[string]modelfile.Architecture{
		"resnet":        modelfile.ResnetV2101,
		"resnet_v2_101": modelfile.ResnetV2101,
		"Inception":     modelfile.InceptionV3,
		"inception_v3":  modelfile.InceptionV3,
	} {
		got, err := parseArchitecture(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
	_, err := parseArchitecture("vgg")
	assert.Error(t, err)
}

// TestEnvAndVersion tests the informational commands.
func TestEnvAndVersion(t *testing.T) {
	cleanEnv(t)
	t.Setenv("GRAPHSTAGE_RUNNERS", "7")
	t.Setenv("GRAPHSTAGE_STORE_SECRET_KEY", "hunter2")

	out, err := run(t, "env")
	require.NoError(t, err)
	assert.Contains(t, out, "GRAPHSTAGE_RUNNERS")
	assert.Contains(t, out, "7")
	assert.NotContains(t, out, "hunter2")

	out, err = run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, version)
}

// TestFormatValue tests cell rendering.
func TestFormatValue(t *testing.T) {
	v, err := tensor.New(tensor.Shape{3}, []float32{1, 0.5, 2})
	require.NoError(t, err)
	assert.Equal(t, "[1 0.5 2]", formatValue(v))
	assert.Equal(t, "3", formatValue(tensor.Scalar(int64(3))))
	assert.Equal(t, "", formatValue(nil))
}
