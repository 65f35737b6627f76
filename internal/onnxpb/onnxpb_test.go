package onnxpb

import (
	"encoding/binary"
	"math"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/born-ml/graphstage/internal/tensor"
)

func sampleModel(t *testing.T) *Model {
	t.Helper()
	w, err := tensor.New(tensor.Shape{3, 2}, []float32{1, 2, 3, 4, 5, 6})
	require.NoError(t, err)
	b, err := tensor.New(tensor.Shape{1, 2}, []float32{0.5, -0.5})
	require.NoError(t, err)

	m, err := NewBuilder("dense").
		Input("in", tensor.Float32, tensor.Shape{tensor.Unknown, 3}).
		Initializer("w", w).
		Initializer("b", b).
		Node("MatMul", []string{"in", "w"}, []string{"xw"}).
		Node("Add", []string{"xw", "b"}, []string{"logits"}).
		Node("ArgMax", []string{"logits"}, []string{"label"}, IntAttr("axis", 1), IntAttr("keepdims", 0)).
		DomainNode(TrainingDomain, "GradientDescent", []string{"logits"}, []string{"step"}, FloatAttr("learning_rate", 0.1)).
		ValueInfo("xw", tensor.Float32, tensor.Shape{tensor.Unknown, 2}).
		Output("logits", tensor.Float32, tensor.Shape{tensor.Unknown, 2}).
		Output("label", tensor.Int64, tensor.Shape{tensor.Unknown}).
		Model()
	require.NoError(t, err)
	m.SetMeta("arch", "resnet")
	return m
}

// TestEncodeDecodeRoundTrip verifies that a model survives serialization.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := sampleModel(t)

	got, err := Decode(Encode(m))
	require.NoError(t, err)

	if diff := cmp.Diff(m, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}

	v, ok := got.Meta("arch")
	assert.True(t, ok)
	assert.Equal(t, "resnet", v)
	assert.Equal(t, "step", got.Graph.Node("step").Name)
	assert.Equal(t, float32(0.1), got.Graph.Node("step").AttrFloat("learning_rate", 0))
	assert.Equal(t, int64(1), got.Graph.Node("label").AttrInt("axis", 0))
	assert.Equal(t, int64(-1), got.Graph.Node("label").AttrInt("missing", -1))
}

// TestWriteReadFile verifies file based persistence.
func TestWriteReadFile(t *testing.T) {
	m := sampleModel(t)
	path := filepath.Join(t.TempDir(), "model.onnx")
	require.NoError(t, WriteFile(path, m))

	got, err := ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, got.Graph.Nodes, 4)
	assert.Len(t, got.Graph.Initializers, 2)

	_, err = ReadFile(filepath.Join(t.TempDir(), "missing.onnx"))
	assert.Error(t, err)
}

// TestDecodeErrors tests malformed input handling.
func TestDecodeErrors(t *testing.T) {
	_, err := Decode(nil)
	assert.ErrorIs(t, err, ErrMalformed)

	data := Encode(sampleModel(t))
	_, err = Decode(data[:len(data)-3])
	assert.Error(t, err)

	// A graph field declared longer than the remaining input.
	var b []byte
	b = protowire.AppendTag(b, 7, protowire.BytesType)
	b = protowire.AppendVarint(b, 100)
	_, err = Decode(b)
	assert.ErrorIs(t, err, ErrTruncated)
}

// TestDecodeUnpackedFields verifies that unpacked repeated fields decode like packed ones.
func TestDecodeUnpackedFields(t *testing.T) {
	var tp []byte
	for _, d := range []int64{2, 1} {
		tp = protowire.AppendTag(tp, 1, protowire.VarintType)
		tp = protowire.AppendVarint(tp, uint64(d))
	}
	tp = protowire.AppendTag(tp, 2, protowire.VarintType)
	tp = protowire.AppendVarint(tp, uint64(TypeFloat))
	for _, f := range []float32{1.5, 2.5} {
		tp = protowire.AppendTag(tp, 4, protowire.Fixed32Type)
		tp = protowire.AppendFixed32(tp, math.Float32bits(f))
	}

	decoded, err := decodeTensor(tp)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 1}, decoded.Dims)
	assert.Equal(t, []float32{1.5, 2.5}, decoded.FloatData)

	x, err := TensorFromProto(decoded)
	require.NoError(t, err)
	vals, err := tensor.Values[float32](x)
	require.NoError(t, err)
	assert.Equal(t, []float32{1.5, 2.5}, vals)
}

// TestTensorProtoConversion tests the raw and typed tensor encodings.
func TestTensorProtoConversion(t *testing.T) {
	inputs := []*tensor.Tensor{
		mustTensor(t, tensor.Shape{2}, []float64{1.25, -3}),
		mustTensor(t, tensor.Shape{3}, []int64{-1, 0, 1 << 50}),
		mustTensor(t, tensor.Shape{2, 2}, []int8{-128, 127, 0, 1}),
		mustTensor(t, tensor.Shape{2}, []uint32{0, 1 << 31}),
		mustTensor(t, tensor.Shape{2}, []bool{true, false}),
	}
	s, err := tensor.NewStrings(tensor.Shape{2}, [][]byte{[]byte("a"), []byte("bc")})
	require.NoError(t, err)
	inputs = append(inputs, s)

	for _, x := range inputs {
		t.Run(x.String(), func(t *testing.T) {
			tp, err := ProtoFromTensor("x", x)
			require.NoError(t, err)
			assert.Equal(t, "x", tp.Name)

			back, err := TensorFromProto(tp)
			require.NoError(t, err)
			assert.True(t, back.Equal(x), "got %v", back)
		})
	}
}

// TestTensorFromTypedFields verifies decoding of initializers without raw_data.
func TestTensorFromTypedFields(t *testing.T) {
	x, err := TensorFromProto(&TensorProto{DataType: TypeInt32, Dims: []int64{3}, Int32Data: []int32{7, 8, 9}})
	require.NoError(t, err)
	vals, err := tensor.Values[int32](x)
	require.NoError(t, err)
	assert.Equal(t, []int32{7, 8, 9}, vals)

	scalar, err := TensorFromProto(&TensorProto{DataType: TypeInt64, Int64Data: []int64{42}})
	require.NoError(t, err)
	assert.Equal(t, 0, scalar.Rank())

	_, err = TensorFromProto(&TensorProto{DataType: TypeFloat, Dims: []int64{2}, RawData: []byte{0, 0}})
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = TensorFromProto(&TensorProto{DataType: 99})
	assert.ErrorIs(t, err, ErrUnsupported)
}

// TestFloat16Widening verifies half-precision initializers decode as float32.
func TestFloat16Widening(t *testing.T) {
	raw := make([]byte, 4)
	binary.LittleEndian.PutUint16(raw, float16.Fromfloat32(1.5).Bits())
	binary.LittleEndian.PutUint16(raw[2:], float16.Fromfloat32(-2).Bits())

	x, err := TensorFromProto(&TensorProto{DataType: TypeFloat16, Dims: []int64{2}, RawData: raw})
	require.NoError(t, err)
	assert.Equal(t, tensor.Float32, x.DType())
	vals, err := tensor.Values[float32](x)
	require.NoError(t, err)
	assert.Equal(t, []float32{1.5, -2}, vals)

	y, err := TensorFromProto(&TensorProto{
		DataType:  TypeFloat16,
		Dims:      []int64{1},
		Int32Data: []int32{int32(float16.Fromfloat32(0.25).Bits())},
	})
	require.NoError(t, err)
	vals, err = tensor.Values[float32](y)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.25}, vals)
}

// TestValueInfoShape tests symbolic and fixed dimensions.
func TestValueInfoShape(t *testing.T) {
	vi := NewValueInfo("x", tensor.Float32, tensor.Shape{tensor.Unknown, 3})
	assert.Equal(t, tensor.Shape{tensor.Unknown, 3}, ShapeOf(vi))
	assert.Nil(t, ShapeOf(NewValueInfo("y", tensor.Float32, nil)))
	assert.Equal(t, tensor.Shape{}, ShapeOf(NewValueInfo("z", tensor.Int64, tensor.Shape{})))

	m := NewModel(&Graph{Inputs: []*ValueInfo{vi}})
	got, err := Decode(Encode(m))
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{tensor.Unknown, 3}, ShapeOf(got.Graph.Inputs[0]))
}

// TestNeededAndPrune tests dependency walking.
func TestNeededAndPrune(t *testing.T) {
	m := sampleModel(t)
	g := m.Graph

	nodes := g.Needed([]string{"logits"}, func(string) bool { return false })
	assert.Equal(t, []string{"xw", "logits"}, nodeNames(nodes))

	// Feeding xw cuts off the MatMul.
	nodes = g.Needed([]string{"logits"}, func(name string) bool { return name == "xw" })
	assert.Equal(t, []string{"logits"}, nodeNames(nodes))

	g.Outputs = g.Outputs[:1]
	g.Prune()
	assert.Equal(t, []string{"xw", "logits"}, nodeNames(g.Nodes))
	assert.Len(t, g.Initializers, 2)
	assert.Len(t, g.Inputs, 1)
	assert.Len(t, g.ValueInfo, 1)

	assert.Len(t, g.Placeholders(), 1)
	assert.NotNil(t, g.Info("xw"))
	assert.Nil(t, g.Info("label"))
}

// TestTopoSort tests ordering and cycle detection.
func TestTopoSort(t *testing.T) {
	a := &Node{Name: "a", Inputs: []string{"x"}, Outputs: []string{"a"}}
	b := &Node{Name: "b", Inputs: []string{"a"}, Outputs: []string{"b"}}
	c := &Node{Name: "c", Inputs: []string{"a", "b"}, Outputs: []string{"c"}}
	ready := func(name string) bool { return name == "x" }

	sorted, err := TopoSort([]*Node{c, b, a}, ready)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, nodeNames(sorted))

	loop := &Node{Name: "loop", Inputs: []string{"loop"}, Outputs: []string{"loop"}}
	_, err = TopoSort([]*Node{loop}, ready)
	assert.ErrorIs(t, err, ErrMalformed)
}

// TestMerge tests joining a head graph onto a feature extractor.
func TestMerge(t *testing.T) {
	base := &Graph{
		Inputs:  []*ValueInfo{NewValueInfo("in", tensor.Float32, tensor.Shape{tensor.Unknown, 4})},
		Nodes:   []*Node{{Name: "feat", OpType: "Relu", Inputs: []string{"in"}, Outputs: []string{"feat"}}},
		Outputs: []*ValueInfo{NewValueInfo("feat", tensor.Float32, tensor.Shape{tensor.Unknown, 4})},
	}
	head := &Graph{
		Inputs:  []*ValueInfo{NewValueInfo("feat", tensor.Float32, tensor.Shape{tensor.Unknown, 4})},
		Nodes:   []*Node{{Name: "prob", OpType: "Softmax", Inputs: []string{"feat"}, Outputs: []string{"prob"}}},
		Outputs: []*ValueInfo{NewValueInfo("prob", tensor.Float32, tensor.Shape{tensor.Unknown, 4})},
	}

	require.NoError(t, base.Merge(head))
	assert.Len(t, base.Inputs, 1)
	assert.Equal(t, []string{"feat", "prob"}, nodeNames(base.Nodes))
	assert.Len(t, base.Outputs, 2)

	err := base.Merge(head)
	assert.ErrorIs(t, err, ErrMalformed)
}

// TestClone verifies deep copies do not share nodes.
func TestClone(t *testing.T) {
	m := sampleModel(t)
	c := m.Clone()
	c.Graph.Nodes[0].Name = "changed"
	assert.Equal(t, "xw", m.Graph.Nodes[0].Name)
}

func nodeNames(nodes []*Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Name
	}
	return out
}

func mustTensor[T tensor.Element](t *testing.T, shape tensor.Shape, vals []T) *tensor.Tensor {
	t.Helper()
	x, err := tensor.New(shape, vals)
	require.NoError(t, err)
	return x
}
