package onnxpb

import (
	"github.com/born-ml/graphstage/internal/tensor"
)

// Opset versions written by Builder.
const (
	DefaultOpset = 13
	// TrainingDomain holds the host-executed training operators.
	TrainingDomain = "ai.graphstage.training"
)

// Operators of TrainingDomain.
const (
	OpAccuracy        = "Accuracy"
	OpGradientDescent = "GradientDescent"
	OpSave            = "Save"
	OpRestore         = "Restore"
)

// Builder assembles a graph node by node.
type Builder struct {
	g   *Graph
	err error
}

// NewBuilder starts an empty graph.
func NewBuilder(name string) *Builder {
	return &Builder{g: &Graph{Name: name}}
}

// Input declares a placeholder.
func (b *Builder) Input(name string, dt tensor.DType, shape tensor.Shape) *Builder {
	b.g.Inputs = append(b.g.Inputs, NewValueInfo(name, dt, shape))
	return b
}

// Output declares a graph output.
func (b *Builder) Output(name string, dt tensor.DType, shape tensor.Shape) *Builder {
	b.g.Outputs = append(b.g.Outputs, NewValueInfo(name, dt, shape))
	return b
}

// ValueInfo records the type of an intermediate tensor.
func (b *Builder) ValueInfo(name string, dt tensor.DType, shape tensor.Shape) *Builder {
	b.g.ValueInfo = append(b.g.ValueInfo, NewValueInfo(name, dt, shape))
	return b
}

// Initializer adds a constant weight.
func (b *Builder) Initializer(name string, t *tensor.Tensor) *Builder {
	tp, err := ProtoFromTensor(name, t)
	if err != nil {
		if b.err == nil {
			b.err = err
		}
		return b
	}
	b.g.Initializers = append(b.g.Initializers, tp)
	return b
}

// Node appends an operator of the default domain. The node is named after
// its first output.
func (b *Builder) Node(opType string, inputs, outputs []string, attrs ...*Attribute) *Builder {
	return b.DomainNode("", opType, inputs, outputs, attrs...)
}

// DomainNode appends an operator of the given domain.
func (b *Builder) DomainNode(domain, opType string, inputs, outputs []string, attrs ...*Attribute) *Builder {
	name := opType
	if len(outputs) > 0 {
		name = outputs[0]
	}
	b.g.Nodes = append(b.g.Nodes, &Node{
		Name:    name,
		OpType:  opType,
		Domain:  domain,
		Inputs:  inputs,
		Outputs: outputs,
		Attrs:   attrs,
	})
	return b
}

// Graph returns the assembled graph.
func (b *Builder) Graph() (*Graph, error) {
	return b.g, b.err
}

// Model wraps the graph in a model importing the default and training opsets.
func (b *Builder) Model() (*Model, error) {
	if b.err != nil {
		return nil, b.err
	}
	return NewModel(b.g), nil
}

// NewModel wraps g in a model with the opsets the runtime understands.
func NewModel(g *Graph) *Model {
	return &Model{
		IRVersion:    8,
		ProducerName: "graphstage",
		Graph:        g,
		Opsets: []Opset{
			{Version: DefaultOpset},
			{Domain: TrainingDomain, Version: 1},
		},
	}
}

// IntAttr returns an INT attribute.
func IntAttr(name string, v int64) *Attribute {
	return &Attribute{Name: name, Type: AttrInt, I: v}
}

// FloatAttr returns a FLOAT attribute.
func FloatAttr(name string, v float32) *Attribute {
	return &Attribute{Name: name, Type: AttrFloat, F: v}
}

// StringAttr returns a STRING attribute.
func StringAttr(name, v string) *Attribute {
	return &Attribute{Name: name, Type: AttrString, S: []byte(v)}
}

// TensorAttr returns a TENSOR attribute.
func TensorAttr(name string, t *TensorProto) *Attribute {
	return &Attribute{Name: name, Type: AttrTensor, T: t}
}
