// Package engine executes ONNX graphs on the born runtime.
//
// Each distinct combination of feeds, fetches and targets is compiled once
// into a plan. Operators born provides run inside a born model; ArgMax, the
// training domain and string constants run on the host after it.
package engine

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/onnx"
	"github.com/born-ml/born/optim"
	btensor "github.com/born-ml/born/tensor"

	"github.com/born-ml/graphstage/internal/graph"
	"github.com/born-ml/graphstage/internal/logutil"
	"github.com/born-ml/graphstage/internal/onnxpb"
	"github.com/born-ml/graphstage/internal/savedmodel"
	"github.com/born-ml/graphstage/internal/tensor"
	"github.com/born-ml/graphstage/internal/varpb"
)

type typeInfo struct {
	dtype tensor.DType
	// shape is nil when the rank is unknown.
	shape tensor.Shape
}

type variable struct {
	name  string
	def   *varpb.VariableDef
	raw   *btensor.RawTensor
	param *nn.Parameter[*cpu.Backend]
}

// Engine is a graph.Runtime backed by born.
type Engine struct {
	model     *onnxpb.Model
	graph     *onnxpb.Graph
	types     map[string]typeInfo
	producers map[string]*onnxpb.Node
	nodes     map[string]*onnxpb.Node

	vars     []*variable
	varIndex map[string]*variable

	cpu     *cpu.Backend
	ad      *autodiff.Backend[*cpu.Backend]
	scoring btensor.Backend
	sgd     *optim.SGD[*cpu.Backend]
	log     *logutil.Logger

	planMu sync.Mutex
	plans  map[string]*plan

	// varMu serializes training steps and restores against other executions.
	varMu  sync.RWMutex
	closed atomic.Bool
}

var _ graph.Runtime = (*Engine)(nil)

// New creates an engine for model. Each variable must name a graph input or
// an initializer; initializers named by a variable become trainable inputs.
// The model is cloned and not retained.
func New(model *onnxpb.Model, vars []savedmodel.Variable, opts Options) (*Engine, error) {
	if model == nil || model.Graph == nil {
		return nil, fmt.Errorf("%w: model has no graph", graph.ErrConfig)
	}
	m := model.Clone()
	e := &Engine{
		model:    m,
		graph:    m.Graph,
		cpu:      cpu.New(),
		varIndex: make(map[string]*variable),
		plans:    make(map[string]*plan),
		log:      logutil.OrNoop(opts.Logger).WithComponent("engine"),
	}
	e.ad = autodiff.New(e.cpu)

	switch opts.Device {
	case "", DeviceCPU:
		e.scoring = e.cpu
	case DeviceWebGPU:
		b, err := gpuBackend()
		if err != nil {
			return nil, err
		}
		e.scoring = b
	default:
		return nil, fmt.Errorf("%w: unknown device %q", ErrDevice, opts.Device)
	}

	if err := e.checkOps(); err != nil {
		return nil, err
	}
	if err := e.bindVariables(vars); err != nil {
		return nil, err
	}

	e.producers = e.graph.Producers()
	e.nodes = make(map[string]*onnxpb.Node, len(e.graph.Nodes))
	for _, n := range e.graph.Nodes {
		if n.Name != "" {
			e.nodes[n.Name] = n
		}
	}
	e.types = inferTypes(e.graph)
	return e, nil
}

func (e *Engine) checkOps() error {
	supported := make(map[string]bool)
	for _, op := range onnx.ListSupportedOps() {
		supported[op] = true
	}
	var missing []string
	for _, n := range e.graph.Nodes {
		if isHost(n) {
			if _, ok := hostOps[n.OpType]; !ok && !isStringConstant(n) {
				missing = append(missing, n.Domain+"."+n.OpType)
			}
			continue
		}
		if !supported[n.OpType] {
			missing = append(missing, n.OpType)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return fmt.Errorf("%w: %s", ErrUnsupportedOp, strings.Join(slices.Compact(missing), ", "))
	}
	return nil
}

func (e *Engine) bindVariables(vars []savedmodel.Variable) error {
	g := e.graph
	for _, v := range vars {
		name, _ := graph.SplitName(v.Name())
		if _, dup := e.varIndex[name]; dup {
			return fmt.Errorf("%w: variable %q is defined twice", graph.ErrConfig, name)
		}
		shape := tensor.Shape(v.Def.Shape())
		if init := g.Initializer(name); init != nil {
			if shape == nil {
				shape = tensor.Shape(init.Dims)
			}
			g.Initializers = slices.DeleteFunc(g.Initializers, func(t *onnxpb.TensorProto) bool { return t.Name == name })
			if g.Input(name) == nil {
				g.Inputs = append(g.Inputs, onnxpb.NewValueInfo(name, tensor.Float32, shape))
			}
		}
		vi := g.Input(name)
		if vi == nil {
			return fmt.Errorf("%w: variable %q is not a graph input", graph.ErrConfig, name)
		}
		if shape == nil {
			shape = onnxpb.ShapeOf(vi)
		}
		if !shape.IsFullySpecified() || shape.NumElements() != int64(len(v.Values)) {
			return fmt.Errorf("%w: variable %q has %d values for shape %v", graph.ErrConfig, name, len(v.Values), shape)
		}

		raw, err := btensor.NewRaw(btensor.Shape(shape.Ints()), btensor.Float32, btensor.CPU)
		if err != nil {
			return fmt.Errorf("%w: variable %q: %w", graph.ErrConfig, name, err)
		}
		copy(raw.AsFloat32(), v.Values)
		bv := &variable{
			name:  name,
			def:   v.Def,
			raw:   raw,
			param: nn.NewParameter(name, btensor.New[float32](raw, e.cpu)),
		}
		e.vars = append(e.vars, bv)
		e.varIndex[name] = bv
	}
	if len(e.vars) > 0 {
		params := make([]*nn.Parameter[*cpu.Backend], len(e.vars))
		for i, v := range e.vars {
			params[i] = v.param
		}
		e.sgd = optim.NewSGD(params, optim.SGDConfig{LR: DefaultLearningRate}, e.cpu)
	}
	return nil
}

// Resolve implements graph.Runtime. Tensor names take precedence over
// "op:idx" references.
func (e *Engine) Resolve(name string) (graph.Node, error) {
	if ti, ok := e.types[name]; ok {
		n := graph.Node{Name: name, Op: name, DType: ti.dtype, Shape: ti.shape.Clone()}
		switch p := e.producers[name]; {
		case p != nil:
			n.Op, n.Output, n.OpType = opName(p), slices.Index(p.Outputs, name), p.OpType
		case e.varIndex[name] != nil:
			n.OpType = "Variable"
		case e.graph.Initializer(name) != nil:
			n.OpType = "Const"
		default:
			n.OpType = "Placeholder"
		}
		return n, nil
	}
	op, idx := graph.SplitName(name)
	if p, ok := e.nodes[op]; ok && idx < len(p.Outputs) {
		n, err := e.Resolve(p.Outputs[idx])
		if err != nil {
			return graph.Node{}, err
		}
		n.Name = name
		return n, nil
	}
	if p, ok := e.producers[name]; ok {
		return graph.Node{Name: name, Op: opName(p), OpType: p.OpType, DType: tensor.Invalid}, nil
	}
	return graph.Node{}, fmt.Errorf("%w: %q", graph.ErrNodeNotFound, name)
}

func opName(n *onnxpb.Node) string {
	if n.Name != "" {
		return n.Name
	}
	return n.Outputs[0]
}

// tensorName maps a resolvable name to the tensor it denotes.
func (e *Engine) tensorName(name string) (string, error) {
	if _, ok := e.types[name]; ok {
		return name, nil
	}
	if _, ok := e.producers[name]; ok {
		return name, nil
	}
	op, idx := graph.SplitName(name)
	if p, ok := e.nodes[op]; ok && idx < len(p.Outputs) {
		return p.Outputs[idx], nil
	}
	return "", fmt.Errorf("%w: %q", graph.ErrNodeNotFound, name)
}

// targetNode maps a target to the operation it runs.
func (e *Engine) targetNode(name string) (*onnxpb.Node, error) {
	if n, ok := e.nodes[name]; ok {
		return n, nil
	}
	t, err := e.tensorName(name)
	if err != nil {
		return nil, err
	}
	if p, ok := e.producers[t]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w: %q is not an operation", graph.ErrNodeNotFound, name)
}

func (e *Engine) describe(list []*onnxpb.ValueInfo) []graph.Node {
	out := make([]graph.Node, 0, len(list))
	for _, vi := range list {
		if n, err := e.Resolve(vi.Name); err == nil {
			out = append(out, n)
		}
	}
	return out
}

// Inputs implements graph.Runtime.
func (e *Engine) Inputs() []graph.Node {
	var ph []*onnxpb.ValueInfo
	for _, vi := range e.graph.Placeholders() {
		if e.varIndex[vi.Name] == nil {
			ph = append(ph, vi)
		}
	}
	return e.describe(ph)
}

// Outputs implements graph.Runtime.
func (e *Engine) Outputs() []graph.Node {
	return e.describe(e.graph.Outputs)
}

// Variables implements graph.Runtime.
func (e *Engine) Variables() []graph.Node {
	out := make([]graph.Node, 0, len(e.vars))
	for _, v := range e.vars {
		n, _ := e.Resolve(v.name)
		out = append(out, n)
	}
	return out
}

// Model returns a copy of the executed graph.
func (e *Engine) Model() *onnxpb.Model {
	return e.model.Clone()
}

// Close implements graph.Runtime. Close is idempotent.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	e.planMu.Lock()
	clear(e.plans)
	e.planMu.Unlock()
	e.log.DebugContext(context.Background(), "engine closed")
	return nil
}
