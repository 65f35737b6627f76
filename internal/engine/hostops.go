package engine

import (
	"fmt"

	"github.com/born-ml/born/nn"
	btensor "github.com/born-ml/born/tensor"

	"github.com/born-ml/graphstage/internal/graph"
	"github.com/born-ml/graphstage/internal/onnxpb"
	"github.com/born-ml/graphstage/internal/tensor"
)

// Host operation types.
const (
	opArgMax              = "ArgMax"
	opSoftmaxCrossEntropy = "SoftmaxCrossEntropyLoss"
	opAccuracy            = onnxpb.OpAccuracy
	opGradientDescent     = onnxpb.OpGradientDescent
	opSave                = onnxpb.OpSave
	opRestore             = onnxpb.OpRestore
)

var hostOps = map[string]bool{
	opArgMax:              true,
	opSoftmaxCrossEntropy: true,
	opAccuracy:            true,
	opGradientDescent:     true,
	opSave:                true,
	opRestore:             true,
}

func isHost(n *onnxpb.Node) bool {
	return n.Domain == onnxpb.TrainingDomain ||
		n.OpType == opArgMax ||
		n.OpType == opSoftmaxCrossEntropy ||
		isStringConstant(n)
}

func isStringConstant(n *onnxpb.Node) bool {
	if n.OpType != "Constant" {
		return false
	}
	a := n.Attr("value")
	return a != nil && a.T != nil && a.T.DataType == onnxpb.TypeString
}

// env holds the tensors of one execution. Tensors produced by born stay in
// raws so that the gradient tape can follow them; host results live in vals.
type env struct {
	raws map[string]*btensor.RawTensor
	vals map[string]*tensor.Tensor
}

func newEnv() *env {
	return &env{raws: make(map[string]*btensor.RawTensor), vals: make(map[string]*tensor.Tensor)}
}

func (v *env) has(name string) bool {
	if _, ok := v.raws[name]; ok {
		return true
	}
	_, ok := v.vals[name]
	return ok
}

func (v *env) raw(name string) (*btensor.RawTensor, error) {
	if r, ok := v.raws[name]; ok {
		return r, nil
	}
	t, ok := v.vals[name]
	if !ok {
		return nil, fmt.Errorf("%w: tensor %q was not computed", graph.ErrExecution, name)
	}
	r, err := t.ToRaw()
	if err != nil {
		return nil, err
	}
	v.raws[name] = r
	return r, nil
}

func (v *env) value(name string) (*tensor.Tensor, error) {
	if t, ok := v.vals[name]; ok {
		return t, nil
	}
	r, ok := v.raws[name]
	if !ok {
		return nil, fmt.Errorf("%w: tensor %q was not computed", graph.ErrExecution, name)
	}
	t, err := tensor.FromRaw(r)
	if err != nil {
		return nil, err
	}
	v.vals[name] = t
	return t, nil
}

func (v *env) labels(name string) (*btensor.RawTensor, error) {
	t, err := v.value(name)
	if err != nil {
		return nil, err
	}
	t32, err := t.Cast(tensor.Int32)
	if err != nil {
		return nil, err
	}
	if t32.Rank() != 1 {
		if t32, err = t32.Reshape(tensor.Shape{int64(t32.Len())}); err != nil {
			return nil, err
		}
	}
	return t32.ToRaw()
}

func (e *Engine) runHost(n *onnxpb.Node, v *env) error {
	if isStringConstant(n) {
		t, err := onnxpb.TensorFromProto(n.Attr("value").T)
		if err != nil {
			return err
		}
		v.vals[n.Outputs[0]] = t
		return nil
	}
	switch n.OpType {
	case opArgMax:
		return e.argMax(n, v)
	case opSoftmaxCrossEntropy:
		return e.crossEntropy(n, v)
	case opAccuracy:
		return e.accuracy(n, v)
	case opGradientDescent:
		return e.gradientDescent(n, v)
	case opSave:
		return e.saveOp(n, v)
	case opRestore:
		return e.restoreOp(n, v)
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedOp, n.OpType)
}

func (e *Engine) argMax(n *onnxpb.Node, v *env) error {
	x, err := v.raw(n.Inputs[0])
	if err != nil {
		return err
	}
	shape := tensor.ShapeOf(x.Shape())
	axis := n.AttrInt("axis", 0)
	if axis < 0 {
		axis += int64(len(shape))
	}
	if axis < 0 || axis >= int64(len(shape)) {
		return fmt.Errorf("%w: ArgMax axis %d out of range for %v", graph.ErrExecution, n.AttrInt("axis", 0), shape)
	}
	idx, err := tensor.FromRaw(e.cpu.Argmax(x, int(axis)))
	if err != nil {
		return err
	}
	wide, err := idx.Cast(tensor.Int64)
	if err != nil {
		return err
	}
	out, err := wide.Reshape(reduceShape(shape, axis, n.AttrInt("keepdims", 1) != 0))
	if err != nil {
		return err
	}
	v.vals[n.Outputs[0]] = out
	return nil
}

func (e *Engine) crossEntropy(n *onnxpb.Node, v *env) error {
	if r := n.AttrString("reduction", "mean"); r != "mean" {
		return fmt.Errorf("%w: SoftmaxCrossEntropyLoss reduction %q", ErrUnsupportedOp, r)
	}
	logits, err := v.raw(n.Inputs[0])
	if err != nil {
		return err
	}
	labels, err := v.labels(n.Inputs[1])
	if err != nil {
		return err
	}
	v.raws[n.Outputs[0]] = e.ad.CrossEntropy(logits, labels)
	return nil
}

// accuracy accepts either class scores of shape [batch, classes] or
// predicted class indices of shape [batch].
func (e *Engine) accuracy(n *onnxpb.Node, v *env) error {
	pred, err := v.value(n.Inputs[0])
	if err != nil {
		return err
	}
	labels, err := v.labels(n.Inputs[1])
	if err != nil {
		return err
	}
	if pred.Rank() == 2 && pred.DType() == tensor.Float32 {
		logits, err := pred.ToRaw()
		if err != nil {
			return err
		}
		acc := nn.Accuracy(btensor.New[float32](logits, e.cpu), btensor.New[int32](labels, e.cpu))
		v.vals[n.Outputs[0]] = tensor.Scalar(acc)
		return nil
	}

	p, err := pred.Float64s()
	if err != nil {
		return err
	}
	want := labels.AsInt32()
	if len(p) != len(want) || len(p) == 0 {
		return fmt.Errorf("%w: %d predictions for %d labels", graph.ErrExecution, len(p), len(want))
	}
	correct := 0
	for i := range p {
		if int32(p[i]) == want[i] {
			correct++
		}
	}
	v.vals[n.Outputs[0]] = tensor.Scalar(float32(correct) / float32(len(p)))
	return nil
}

// gradientDescent backpropagates the recorded loss and applies one SGD step.
// Its output is the loss value.
func (e *Engine) gradientDescent(n *onnxpb.Node, v *env) error {
	if e.sgd == nil {
		return fmt.Errorf("%w: graph has no trainable variables", graph.ErrExecution)
	}
	loss, err := v.raw(n.Inputs[0])
	if err != nil {
		return err
	}
	if loss.DType() != btensor.Float32 || loss.NumElements() != 1 {
		return fmt.Errorf("%w: loss must be a float32 scalar", graph.ErrExecution)
	}
	lr := n.AttrFloat("learning_rate", DefaultLearningRate)
	if len(n.Inputs) > 1 && n.Inputs[1] != "" {
		t, err := v.value(n.Inputs[1])
		if err != nil {
			return err
		}
		f, err := t.Float64s()
		if err != nil || len(f) != 1 {
			return fmt.Errorf("%w: learning rate must be a numeric scalar", graph.ErrExecution)
		}
		lr = float32(f[0])
	}
	value := loss.AsFloat32()[0]

	tape := e.ad.Tape()
	tape.StopRecording()
	grad, err := btensor.NewRaw(loss.Shape(), btensor.Float32, btensor.CPU)
	if err != nil {
		return err
	}
	for i := range grad.AsFloat32() {
		grad.AsFloat32()[i] = 1
	}
	grads := tape.Backward(grad, e.cpu)
	e.sgd.SetLR(lr)
	e.sgd.Step(grads)
	tape.Clear()

	v.vals[n.Outputs[0]] = tensor.Scalar(value)
	return nil
}

func pathArg(v *env, name string) (string, error) {
	t, err := v.value(name)
	if err != nil {
		return "", err
	}
	s, err := t.Strings()
	if err != nil || len(s) != 1 {
		return "", fmt.Errorf("%w: expected a single path string", graph.ErrExecution)
	}
	return string(s[0]), nil
}

func (e *Engine) saveOp(n *onnxpb.Node, v *env) error {
	prefix, err := pathArg(v, n.Inputs[0])
	if err != nil {
		return err
	}
	if err := e.writeCheckpoint(prefix); err != nil {
		return err
	}
	v.vals[n.Outputs[0]] = tensor.ScalarString(prefix)
	return nil
}

func (e *Engine) restoreOp(n *onnxpb.Node, v *env) error {
	prefix, err := pathArg(v, n.Inputs[0])
	if err != nil {
		return err
	}
	if err := e.readCheckpoint(prefix); err != nil {
		return err
	}
	v.vals[n.Outputs[0]] = tensor.ScalarString(prefix)
	return nil
}
