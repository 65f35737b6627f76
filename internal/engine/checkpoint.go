package engine

import (
	"context"
	"fmt"
	"slices"

	"github.com/born-ml/graphstage/internal/graph"
	"github.com/born-ml/graphstage/internal/onnxpb"
	"github.com/born-ml/graphstage/internal/savedmodel"
	"github.com/born-ml/graphstage/internal/tensor"
	"github.com/born-ml/graphstage/internal/varpb"
)

// SaveCheckpoint implements graph.Runtime.
func (e *Engine) SaveCheckpoint(prefix string) error {
	if e.closed.Load() {
		return ErrClosed
	}
	e.varMu.RLock()
	defer e.varMu.RUnlock()
	return e.writeCheckpoint(prefix)
}

// RestoreCheckpoint implements graph.Runtime.
func (e *Engine) RestoreCheckpoint(prefix string) error {
	if e.closed.Load() {
		return ErrClosed
	}
	e.varMu.Lock()
	defer e.varMu.Unlock()
	return e.readCheckpoint(prefix)
}

// snapshot copies the current variable values. Callers hold varMu.
func (e *Engine) snapshot() []savedmodel.Variable {
	out := make([]savedmodel.Variable, len(e.vars))
	for i, v := range e.vars {
		def := v.def
		if def == nil {
			def = &varpb.VariableDef{VariableName: v.name, Trainable: true}
		}
		out[i] = savedmodel.Variable{Def: def, Values: slices.Clone(v.raw.AsFloat32())}
	}
	return out
}

// Variables values are read under varMu by the caller.
func (e *Engine) writeCheckpoint(prefix string) error {
	err := savedmodel.WriteCheckpoint(prefix, e.snapshot())
	e.log.LogCheckpoint(context.Background(), "save", prefix, err)
	if err != nil {
		return graph.Classify(graph.ErrIO, err)
	}
	return nil
}

func (e *Engine) readCheckpoint(prefix string) (err error) {
	defer func() { e.log.LogCheckpoint(context.Background(), "restore", prefix, err) }()
	vars, err := savedmodel.ReadCheckpoint(prefix)
	if err != nil {
		return graph.Classify(graph.ErrIO, err)
	}
	byName := make(map[string][]float32, len(vars))
	for _, v := range vars {
		name, _ := graph.SplitName(v.Name())
		byName[name] = v.Values
	}
	for _, v := range e.vars {
		vals, ok := byName[v.name]
		if !ok {
			return fmt.Errorf("%w: checkpoint %s has no variable %q", graph.ErrIO, prefix, v.name)
		}
		if len(vals) != v.raw.NumElements() {
			return fmt.Errorf("%w: variable %q has %d values in checkpoint, want %d", graph.ErrIO, v.name, len(vals), v.raw.NumElements())
		}
	}
	for _, v := range e.vars {
		copy(v.raw.AsFloat32(), byName[v.name])
	}
	return nil
}

// SavedVariables returns the current variable values for persisting with
// savedmodel.Save.
func (e *Engine) SavedVariables() []savedmodel.Variable {
	e.varMu.RLock()
	defer e.varMu.RUnlock()
	return e.snapshot()
}

// Freeze implements graph.Runtime. Training-domain operations are dropped and
// every variable becomes an initializer holding its current value.
func (e *Engine) Freeze(outputs []string) ([]byte, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("%w: no outputs to freeze", graph.ErrConfig)
	}
	e.varMu.RLock()
	defer e.varMu.RUnlock()

	m := e.model.Clone()
	g := m.Graph
	for _, v := range e.vars {
		t, err := tensor.New(tensor.ShapeOf(v.raw.Shape()), v.raw.AsFloat32())
		if err != nil {
			return nil, err
		}
		tp, err := onnxpb.ProtoFromTensor(v.name, t)
		if err != nil {
			return nil, err
		}
		g.Initializers = append(g.Initializers, tp)
		g.Inputs = slices.DeleteFunc(g.Inputs, func(vi *onnxpb.ValueInfo) bool { return vi.Name == v.name })
	}
	g.Nodes = slices.DeleteFunc(g.Nodes, func(n *onnxpb.Node) bool { return n.Domain == onnxpb.TrainingDomain })

	g.Outputs = nil
	for _, name := range outputs {
		tname, err := e.tensorName(name)
		if err != nil {
			return nil, err
		}
		if g.Output(tname) != nil {
			continue
		}
		g.Outputs = append(g.Outputs, e.valueInfo(tname))
	}
	g.Prune()

	produced := g.Producers()
	for _, o := range g.Outputs {
		if produced[o.Name] == nil && g.Input(o.Name) == nil && g.Initializer(o.Name) == nil {
			return nil, fmt.Errorf("%w: output %q depends on training operations", graph.ErrConfig, o.Name)
		}
	}
	m.Opsets = slices.DeleteFunc(m.Opsets, func(o onnxpb.Opset) bool { return o.Domain == onnxpb.TrainingDomain })
	return onnxpb.Encode(m), nil
}
