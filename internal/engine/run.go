package engine

import (
	"context"
	"fmt"
	"time"

	btensor "github.com/born-ml/born/tensor"

	"github.com/born-ml/graphstage/internal/graph"
	"github.com/born-ml/graphstage/internal/onnxpb"
	"github.com/born-ml/graphstage/internal/tensor"
)

// Run implements graph.Runtime.
//
// Executions that only read variables run concurrently. Training steps and
// restores hold the variables exclusively.
func (e *Engine) Run(feeds []graph.Feed, fetches, targets []string) (out []*tensor.Tensor, err error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("%w: %v", graph.ErrExecution, r)
		}
		e.log.LogExecution(context.Background(), fetches, targets, time.Since(start), err)
	}()

	fed := make(map[string]*tensor.Tensor, len(feeds))
	for _, f := range feeds {
		name, err := e.tensorName(f.Name)
		if err != nil {
			return nil, err
		}
		if _, dup := fed[name]; dup {
			return nil, &graph.NodeError{Node: f.Name, Err: fmt.Errorf("%w: fed twice", graph.ErrConfig)}
		}
		if err := e.checkFeed(name, f.Value); err != nil {
			return nil, &graph.NodeError{Node: f.Name, Err: err}
		}
		fed[name] = f.Value
	}
	fetchNames := make([]string, len(fetches))
	for i, name := range fetches {
		if fetchNames[i], err = e.tensorName(name); err != nil {
			return nil, err
		}
	}
	targetNodes := make([]*onnxpb.Node, len(targets))
	for i, name := range targets {
		if targetNodes[i], err = e.targetNode(name); err != nil {
			return nil, err
		}
	}

	p, err := e.planFor(fed, fetchNames, targetNodes)
	if err != nil {
		return nil, err
	}
	if p.exclusive {
		e.varMu.Lock()
		defer e.varMu.Unlock()
	} else {
		e.varMu.RLock()
		defer e.varMu.RUnlock()
	}
	return e.execute(p, fed)
}

func (e *Engine) checkFeed(name string, t *tensor.Tensor) error {
	if t == nil {
		return fmt.Errorf("%w: nil tensor", ErrBadFeed)
	}
	ti, ok := e.types[name]
	if !ok {
		return nil
	}
	if ti.dtype.IsValid() && t.DType() != ti.dtype {
		return fmt.Errorf("%w: got %v, want %v", ErrBadFeed, t.DType(), ti.dtype)
	}
	if ti.shape == nil {
		return nil
	}
	got := t.Shape()
	if len(got) != len(ti.shape) {
		return fmt.Errorf("%w: got shape %v, want %v", ErrBadFeed, got, ti.shape)
	}
	for i, d := range ti.shape {
		if d >= 0 && got[i] != d {
			return fmt.Errorf("%w: got shape %v, want %v", ErrBadFeed, got, ti.shape)
		}
	}
	return nil
}

func (e *Engine) execute(p *plan, fed map[string]*tensor.Tensor) ([]*tensor.Tensor, error) {
	v := newEnv()
	var release []func()
	defer func() {
		for _, r := range release {
			r()
		}
	}()
	// Pinned tensors are never overwritten by in-place kernels.
	pin := func(name string, raw *btensor.RawTensor) {
		release = append(release, raw.ForceNonUnique())
		v.raws[name] = raw
	}

	for name, t := range fed {
		v.vals[name] = t
	}
	for _, name := range p.coreInputs {
		t, ok := fed[name]
		if !ok {
			pin(name, e.varIndex[name].raw)
			continue
		}
		raw, err := t.ToRaw()
		if err != nil {
			return nil, &graph.NodeError{Node: name, Err: graph.Classify(graph.ErrSchemaMismatch, err)}
		}
		pin(name, raw)
	}
	for _, vr := range p.vars {
		if _, ok := v.raws[vr.name]; !ok {
			pin(vr.name, vr.raw)
		}
	}
	for name, t := range p.consts {
		v.vals[name] = t
	}

	if p.training {
		tape := e.ad.Tape()
		tape.Clear()
		tape.StartRecording()
		defer func() {
			tape.StopRecording()
			tape.Clear()
		}()
	}

	if p.core != nil {
		inputs := make(map[string]*btensor.RawTensor, len(p.coreInputs))
		for _, name := range p.coreInputs {
			inputs[name] = v.raws[name]
		}
		outs, err := p.core.ForwardNamed(inputs)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", graph.ErrExecution, err)
		}
		for name, raw := range outs {
			v.raws[name] = raw
		}
	}

	for _, n := range p.host {
		if err := e.runHost(n, v); err != nil {
			return nil, &graph.NodeError{Node: opName(n), Err: graph.Classify(graph.ErrExecution, err)}
		}
	}

	out := make([]*tensor.Tensor, len(p.fetches))
	for i, name := range p.fetches {
		t, err := v.value(name)
		if err != nil {
			return nil, err
		}
		out[i] = e.conform(name, t)
	}
	return out, nil
}

// conform reshapes t to the declared shape of name when the element counts
// agree, e.g. a [1] loss declared as a scalar.
func (e *Engine) conform(name string, t *tensor.Tensor) *tensor.Tensor {
	ti, ok := e.types[name]
	if !ok || ti.shape == nil || !ti.shape.IsFullySpecified() || ti.shape.Equal(t.Shape()) {
		return t
	}
	if r, err := t.Reshape(ti.shape); err == nil {
		return r
	}
	return t
}
