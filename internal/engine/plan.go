package engine

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/born-ml/born/onnx"

	"github.com/born-ml/graphstage/internal/graph"
	"github.com/born-ml/graphstage/internal/onnxpb"
	"github.com/born-ml/graphstage/internal/tensor"
)

// plan is a compiled execution for one combination of feeds, fetches and targets.
type plan struct {
	// core runs the born part of the plan; nil when every needed node runs on the host.
	core       onnx.Model
	coreInputs []string
	coreNodes  int
	host       []*onnxpb.Node
	vars       []*variable
	consts     map[string]*tensor.Tensor
	fetches    []string
	// training plans record a gradient tape.
	training bool
	// exclusive plans write variables.
	exclusive bool
}

func planKey(fed map[string]*tensor.Tensor, fetches []string, targets []*onnxpb.Node) string {
	feeds := make([]string, 0, len(fed))
	for name := range fed {
		feeds = append(feeds, name)
	}
	slices.Sort(feeds)
	tnames := make([]string, len(targets))
	for i, t := range targets {
		tnames[i] = opName(t)
	}
	return strings.Join(feeds, ",") + "|" + strings.Join(fetches, ",") + "|" + strings.Join(tnames, ",")
}

func (e *Engine) planFor(fed map[string]*tensor.Tensor, fetches []string, targets []*onnxpb.Node) (*plan, error) {
	key := planKey(fed, fetches, targets)
	e.planMu.Lock()
	defer e.planMu.Unlock()
	if p, ok := e.plans[key]; ok {
		return p, nil
	}
	p, err := e.compile(fed, fetches, targets)
	if err != nil {
		return nil, err
	}
	e.plans[key] = p
	e.log.LogPlanCompiled(context.Background(), key, p.coreNodes, len(p.host))
	return p, nil
}

func (e *Engine) compile(fed map[string]*tensor.Tensor, fetches []string, targets []*onnxpb.Node) (*plan, error) {
	g := e.graph
	wanted := slices.Clone(fetches)
	for _, t := range targets {
		for _, o := range t.Outputs {
			if o != "" {
				wanted = append(wanted, o)
			}
		}
	}
	isFed := func(name string) bool {
		_, ok := fed[name]
		return ok
	}
	needed := g.Needed(wanted, func(name string) bool {
		return isFed(name) || e.varIndex[name] != nil || g.Initializer(name) != nil
	})

	p := &plan{fetches: fetches, consts: make(map[string]*tensor.Tensor)}
	var core []*onnxpb.Node
	hostOut := make(map[string]bool)
	produced := make(map[string]bool)
	for _, n := range needed {
		for _, o := range n.Outputs {
			produced[o] = true
		}
		if !isHost(n) {
			core = append(core, n)
			continue
		}
		p.host = append(p.host, n)
		for _, o := range n.Outputs {
			hostOut[o] = true
		}
		switch n.OpType {
		case opGradientDescent:
			p.training, p.exclusive = true, true
		case opRestore:
			p.exclusive = true
		}
	}

	hostIn := make(map[string]bool)
	for _, n := range p.host {
		for _, in := range n.Inputs {
			hostIn[in] = true
		}
	}
	for _, n := range core {
		for _, in := range n.Inputs {
			if hostOut[in] {
				return nil, fmt.Errorf("%w: %q is computed on the host but read by %s", ErrUnsupportedOp, in, n.OpType)
			}
		}
	}

	// Every tensor read by the plan must be produced, fed, a variable or a constant.
	sources := slices.Clone(wanted)
	for _, n := range needed {
		sources = append(sources, n.Inputs...)
	}
	seen := make(map[string]bool)
	for _, name := range sources {
		if name == "" || seen[name] || produced[name] || isFed(name) {
			continue
		}
		seen[name] = true
		if v := e.varIndex[name]; v != nil {
			p.vars = append(p.vars, v)
			continue
		}
		if init := g.Initializer(name); init != nil {
			if hostIn[name] || slices.Contains(wanted, name) {
				t, err := onnxpb.TensorFromProto(init)
				if err != nil {
					return nil, graph.Classify(graph.ErrConfig, err)
				}
				p.consts[name] = t
			}
			continue
		}
		if g.Input(name) != nil {
			return nil, &graph.NodeError{Node: name, Err: ErrMissingFeed}
		}
		return nil, fmt.Errorf("%w: %q", graph.ErrNodeNotFound, name)
	}

	if len(core) > 0 {
		if err := e.compileCore(p, core, wanted, hostIn, isFed); err != nil {
			return nil, err
		}
	}
	sorted, err := onnxpb.TopoSort(p.host, func(name string) bool { return !hostOut[name] })
	if err != nil {
		return nil, graph.Classify(graph.ErrConfig, err)
	}
	p.host = sorted
	return p, nil
}

func (e *Engine) compileCore(p *plan, core []*onnxpb.Node, wanted []string, hostIn map[string]bool, isFed func(string) bool) error {
	g := e.graph
	cg := &onnxpb.Graph{Name: g.Name, Nodes: core}
	produced := make(map[string]bool)
	for _, n := range core {
		for _, o := range n.Outputs {
			produced[o] = true
		}
	}
	seen := make(map[string]bool)
	for _, n := range core {
		for _, in := range n.Inputs {
			if in == "" || produced[in] || seen[in] {
				continue
			}
			seen[in] = true
			if isFed(in) || e.varIndex[in] != nil {
				cg.Inputs = append(cg.Inputs, e.valueInfo(in))
				p.coreInputs = append(p.coreInputs, in)
				continue
			}
			if init := g.Initializer(in); init != nil {
				cg.Initializers = append(cg.Initializers, init)
			}
		}
	}
	out := make(map[string]bool)
	for _, name := range wanted {
		if produced[name] && !out[name] {
			out[name] = true
			cg.Outputs = append(cg.Outputs, e.valueInfo(name))
		}
	}
	for name := range hostIn {
		if produced[name] && !out[name] {
			out[name] = true
			cg.Outputs = append(cg.Outputs, e.valueInfo(name))
		}
	}

	m := onnxpb.NewModel(cg)
	if len(e.model.Opsets) > 0 {
		m.Opsets = e.model.Opsets
	}
	if e.model.IRVersion > 0 {
		m.IRVersion = e.model.IRVersion
	}
	backend := e.scoring
	if p.training {
		backend = e.ad
	}
	model, err := onnx.LoadFromBytes(onnxpb.Encode(m), backend, onnx.LoadOptions{StrictMode: true})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnsupportedOp, err)
	}
	p.core = model
	p.coreNodes = len(core)
	return nil
}

func (e *Engine) valueInfo(name string) *onnxpb.ValueInfo {
	ti := e.types[name]
	dt := ti.dtype
	if !dt.IsValid() {
		dt = tensor.Float32
	}
	return onnxpb.NewValueInfo(name, dt, ti.shape)
}
