package train

import (
	"math/rand/v2"

	"github.com/born-ml/graphstage/internal/onnxpb"
	"github.com/born-ml/graphstage/internal/savedmodel"
	"github.com/born-ml/graphstage/internal/tensor"
)

// Tensor names of the classification head.
const (
	LabelInput   = "label"
	Weights      = "final_retrain_ops/weights/final_weights"
	Biases       = "final_retrain_ops/biases/final_biases"
	WxPlusB      = "final_retrain_ops/Wx_plus_b/add"
	CrossEntropy = "cross_entropy"
	TrainStep    = "train_step"
	Accuracy     = "accuracy"
	SaveLocation = DefaultSaveLocationOperation
	SaveOp       = DefaultSaveOperation

	matMul     = "final_retrain_ops/Wx_plus_b/MatMul"
	initStdDev = 0.001
)

// headSpec describes the classification head appended to an extractor.
type headSpec struct {
	bottleneck   string
	size         int
	classes      int
	score        string
	predicted    string
	learningRate float32
}

// build returns the head graph and its freshly initialized variables: weights
// drawn from a normal distribution truncated at two standard deviations and
// zero biases.
func (h headSpec) build(rng *rand.Rand) (*onnxpb.Graph, []savedmodel.Variable, error) {
	size, classes := int64(h.size), int64(h.classes)
	g, err := onnxpb.NewBuilder("final_retrain_ops").
		Input(h.bottleneck, tensor.Float32, tensor.Shape{tensor.Unknown, size}).
		Input(LabelInput, tensor.Int64, tensor.Shape{tensor.Unknown}).
		Input(Weights, tensor.Float32, tensor.Shape{size, classes}).
		Input(Biases, tensor.Float32, tensor.Shape{1, classes}).
		Input(SaveLocation, tensor.String, tensor.Shape{}).
		Node("MatMul", []string{h.bottleneck, Weights}, []string{matMul}).
		Node("Add", []string{matMul, Biases}, []string{WxPlusB}).
		Node("Softmax", []string{WxPlusB}, []string{h.score}, onnxpb.IntAttr("axis", 1)).
		Node("ArgMax", []string{h.score}, []string{h.predicted}, onnxpb.IntAttr("axis", 1), onnxpb.IntAttr("keepdims", 0)).
		Node("SoftmaxCrossEntropyLoss", []string{WxPlusB, LabelInput}, []string{CrossEntropy}).
		DomainNode(onnxpb.TrainingDomain, onnxpb.OpGradientDescent, []string{CrossEntropy}, []string{TrainStep},
			onnxpb.FloatAttr("learning_rate", h.learningRate)).
		DomainNode(onnxpb.TrainingDomain, onnxpb.OpAccuracy, []string{h.predicted, LabelInput}, []string{Accuracy}).
		DomainNode(onnxpb.TrainingDomain, onnxpb.OpSave, []string{SaveLocation}, []string{SaveOp}).
		ValueInfo(WxPlusB, tensor.Float32, tensor.Shape{tensor.Unknown, classes}).
		Output(h.score, tensor.Float32, tensor.Shape{tensor.Unknown, classes}).
		Output(h.predicted, tensor.Int64, tensor.Shape{tensor.Unknown}).
		Graph()
	if err != nil {
		return nil, nil, err
	}

	w := make([]float32, size*classes)
	for i := range w {
		w[i] = float32(truncatedNormal(rng) * initStdDev)
	}
	vars := []savedmodel.Variable{
		savedmodel.NewVariable(Weights, []int64{size, classes}, w),
		savedmodel.NewVariable(Biases, []int64{1, classes}, make([]float32, classes)),
	}
	return g, vars, nil
}

// truncatedNormal draws from the standard normal distribution, redrawing
// values more than two standard deviations from the mean.
func truncatedNormal(rng *rand.Rand) float64 {
	for {
		if v := rng.NormFloat64(); v >= -2 && v <= 2 {
			return v
		}
	}
}
