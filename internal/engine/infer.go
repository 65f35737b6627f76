package engine

import (
	"github.com/born-ml/graphstage/internal/onnxpb"
	"github.com/born-ml/graphstage/internal/tensor"
)

var (
	unaryOps = map[string]bool{
		"Relu": true, "LeakyRelu": true, "PRelu": true, "Sigmoid": true, "Tanh": true,
		"Softmax": true, "LogSoftmax": true, "Gelu": true, "Silu": true, "Clip": true,
		"Sqrt": true, "Exp": true, "Log": true, "Identity": true, "Dropout": true,
		"Neg": true, "Abs": true,
	}
	binaryOps = map[string]bool{
		"Add": true, "Sub": true, "Mul": true, "Div": true, "Pow": true, "Sum": true,
	}
)

// inferTypes assigns an element type and shape to every tensor of g.
// Declared value info wins over inferred types.
func inferTypes(g *onnxpb.Graph) map[string]typeInfo {
	types := make(map[string]typeInfo)
	for _, t := range g.Initializers {
		dt, _ := tensor.FromONNX(t.DataType)
		types[t.Name] = typeInfo{dtype: dt, shape: tensor.Shape(t.Dims).Clone()}
	}
	for _, list := range [][]*onnxpb.ValueInfo{g.Inputs, g.ValueInfo, g.Outputs} {
		for _, vi := range list {
			dt, _ := tensor.FromONNX(vi.ElemType)
			types[vi.Name] = typeInfo{dtype: dt, shape: onnxpb.ShapeOf(vi)}
		}
	}

	nodes, err := onnxpb.TopoSort(g.Nodes, func(name string) bool {
		_, ok := types[name]
		return ok
	})
	if err != nil {
		nodes = g.Nodes
	}
	for _, n := range nodes {
		inferred := inferNode(n, types)
		for i, out := range n.Outputs {
			if out == "" {
				continue
			}
			if _, declared := types[out]; declared {
				continue
			}
			if i < len(inferred) {
				types[out] = inferred[i]
			} else {
				types[out] = typeInfo{}
			}
		}
	}
	return types
}

func scalar(dt tensor.DType) []typeInfo {
	return []typeInfo{{dtype: dt, shape: tensor.Shape{}}}
}

func inferNode(n *onnxpb.Node, types map[string]typeInfo) []typeInfo {
	in := func(i int) typeInfo {
		if i < len(n.Inputs) {
			return types[n.Inputs[i]]
		}
		return typeInfo{}
	}

	if n.Domain == onnxpb.TrainingDomain {
		switch n.OpType {
		case opAccuracy, opGradientDescent:
			return scalar(tensor.Float32)
		case opSave, opRestore:
			return scalar(tensor.String)
		}
		return nil
	}

	switch {
	case unaryOps[n.OpType]:
		return []typeInfo{in(0)}
	case binaryOps[n.OpType]:
		return []typeInfo{{dtype: in(0).dtype, shape: broadcast(in(0).shape, in(1).shape)}}
	}

	switch n.OpType {
	case "MatMul":
		a, b := in(0).shape, in(1).shape
		var shape tensor.Shape
		if len(a) >= 2 && len(b) >= 2 {
			shape = append(a[:len(a)-1].Clone(), b[len(b)-1])
		}
		return []typeInfo{{dtype: in(0).dtype, shape: shape}}
	case "Gemm":
		a, b := in(0).shape, in(1).shape
		var shape tensor.Shape
		if len(a) == 2 && len(b) == 2 {
			m, k := a[0], b[1]
			if n.AttrInt("transA", 0) != 0 {
				m = a[1]
			}
			if n.AttrInt("transB", 0) != 0 {
				k = b[0]
			}
			shape = tensor.Shape{m, k}
		}
		return []typeInfo{{dtype: in(0).dtype, shape: shape}}
	case opArgMax:
		return []typeInfo{{dtype: tensor.Int64, shape: reduceShape(in(0).shape, n.AttrInt("axis", 0), n.AttrInt("keepdims", 1) != 0)}}
	case opSoftmaxCrossEntropy:
		if n.AttrString("reduction", "mean") == "none" {
			return []typeInfo{{dtype: tensor.Float32, shape: leading(in(0).shape)}}
		}
		return scalar(tensor.Float32)
	case "Flatten":
		return []typeInfo{{dtype: in(0).dtype, shape: flatten(in(0).shape, n.AttrInt("axis", 1))}}
	case "Cast":
		dt, _ := tensor.FromONNX(int32(n.AttrInt("to", 0)))
		return []typeInfo{{dtype: dt, shape: in(0).shape.Clone()}}
	case "Constant":
		if a := n.Attr("value"); a != nil && a.T != nil {
			dt, _ := tensor.FromONNX(a.T.DataType)
			return []typeInfo{{dtype: dt, shape: tensor.Shape(a.T.Dims).Clone()}}
		}
		return nil
	case "Shape":
		var shape tensor.Shape
		if s := in(0).shape; s != nil {
			shape = tensor.Shape{int64(len(s))}
		}
		return []typeInfo{{dtype: tensor.Int64, shape: shape}}
	case "Size":
		return scalar(tensor.Int64)
	}
	return []typeInfo{{dtype: in(0).dtype}}
}

// broadcast combines two shapes under numpy broadcasting rules.
func broadcast(a, b tensor.Shape) tensor.Shape {
	if a == nil || b == nil {
		return nil
	}
	if len(a) < len(b) {
		a, b = b, a
	}
	out := a.Clone()
	off := len(a) - len(b)
	for i, y := range b {
		x := a[off+i]
		switch {
		case x == 1:
			out[off+i] = y
		case y == 1:
			out[off+i] = x
		case x < 0:
			out[off+i] = y
		default:
			out[off+i] = x
		}
	}
	return out
}

func reduceShape(s tensor.Shape, axis int64, keep bool) tensor.Shape {
	if s == nil {
		return nil
	}
	if axis < 0 {
		axis += int64(len(s))
	}
	if axis < 0 || axis >= int64(len(s)) {
		return nil
	}
	out := s.Clone()
	if keep {
		out[axis] = 1
		return out
	}
	return append(out[:axis], out[axis+1:]...)
}

func leading(s tensor.Shape) tensor.Shape {
	if len(s) == 0 {
		return nil
	}
	return tensor.Shape{s[0]}
}

func flatten(s tensor.Shape, axis int64) tensor.Shape {
	if s == nil {
		return nil
	}
	if axis < 0 {
		axis += int64(len(s))
	}
	if axis < 0 || axis > int64(len(s)) {
		return nil
	}
	return tensor.Shape{product(s[:axis]), product(s[axis:])}
}

func product(dims tensor.Shape) int64 {
	p := int64(1)
	for _, d := range dims {
		if d < 0 {
			return tensor.Unknown
		}
		p *= d
	}
	return p
}
