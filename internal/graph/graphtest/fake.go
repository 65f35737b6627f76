// Package graphtest provides an in-memory graph.Runtime for tests.
package graphtest

import (
	"fmt"
	"sort"
	"sync"

	"github.com/born-ml/graphstage/internal/graph"
	"github.com/born-ml/graphstage/internal/tensor"
)

// RunFunc computes the fetches of one execution.
type RunFunc func(feeds map[string]*tensor.Tensor, fetches, targets []string) ([]*tensor.Tensor, error)

// Call records the arguments of one Run.
type Call struct {
	Feeds   map[string]*tensor.Tensor
	Fetches []string
	Targets []string
}

// Runtime is a scripted graph.Runtime that records every call.
type Runtime struct {
	mu       sync.Mutex
	nodes    map[string]graph.Node
	fn       RunFunc
	calls    []Call
	saved    []string
	restored []string
	closed   int
	frozen   []byte
}

// New returns a runtime exposing nodes and computing results with fn.
func New(fn RunFunc, nodes ...graph.Node) *Runtime {
	r := &Runtime{nodes: make(map[string]graph.Node), fn: fn, frozen: []byte("frozen")}
	for _, n := range nodes {
		if n.Op == "" {
			n.Op, n.Output = graph.SplitName(n.Name)
		}
		r.nodes[n.Name] = n
	}
	return r
}

// Placeholder is shorthand for an input node.
func Placeholder(name string, dt tensor.DType, shape ...int64) graph.Node {
	return graph.Node{Name: name, OpType: "Placeholder", DType: dt, Shape: shape}
}

// Op is shorthand for an operation node.
func Op(name, opType string, dt tensor.DType, shape ...int64) graph.Node {
	return graph.Node{Name: name, OpType: opType, DType: dt, Shape: shape}
}

// Resolve implements graph.Runtime.
func (r *Runtime) Resolve(name string) (graph.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[name]
	if !ok {
		return graph.Node{}, fmt.Errorf("%w: %q", graph.ErrNodeNotFound, name)
	}
	return n, nil
}

func (r *Runtime) filter(keep func(graph.Node) bool) []graph.Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []graph.Node
	for _, n := range r.nodes {
		if keep(n) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Inputs implements graph.Runtime.
func (r *Runtime) Inputs() []graph.Node {
	return r.filter(func(n graph.Node) bool { return n.OpType == "Placeholder" })
}

// Outputs implements graph.Runtime.
func (r *Runtime) Outputs() []graph.Node {
	return r.filter(func(n graph.Node) bool { return n.OpType != "Placeholder" && n.OpType != "Variable" })
}

// Variables implements graph.Runtime.
func (r *Runtime) Variables() []graph.Node {
	return r.filter(func(n graph.Node) bool { return n.OpType == "Variable" })
}

// Run implements graph.Runtime.
func (r *Runtime) Run(feeds []graph.Feed, fetches, targets []string) ([]*tensor.Tensor, error) {
	r.mu.Lock()
	if r.closed > 0 {
		r.mu.Unlock()
		return nil, fmt.Errorf("runtime is closed")
	}
	bound := make(map[string]*tensor.Tensor, len(feeds))
	for _, f := range feeds {
		bound[f.Name] = f.Value
	}
	r.calls = append(r.calls, Call{
		Feeds:   bound,
		Fetches: append([]string(nil), fetches...),
		Targets: append([]string(nil), targets...),
	})
	fn := r.fn
	r.mu.Unlock()

	if fn == nil {
		return make([]*tensor.Tensor, len(fetches)), nil
	}
	return fn(bound, fetches, targets)
}

// SaveCheckpoint implements graph.Runtime.
func (r *Runtime) SaveCheckpoint(prefix string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = append(r.saved, prefix)
	return nil
}

// RestoreCheckpoint implements graph.Runtime.
func (r *Runtime) RestoreCheckpoint(prefix string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.restored = append(r.restored, prefix)
	return nil
}

// Freeze implements graph.Runtime.
func (r *Runtime) Freeze(_ []string) ([]byte, error) {
	return r.frozen, nil
}

// Close implements graph.Runtime.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed++
	return nil
}

// Calls returns the recorded executions.
func (r *Runtime) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// RunCount returns the number of executions.
func (r *Runtime) RunCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// TargetRuns counts executions that included target.
func (r *Runtime) TargetRuns(target string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		for _, t := range c.Targets {
			if t == target {
				n++
			}
		}
	}
	return n
}

// Saved returns the checkpoint prefixes written.
func (r *Runtime) Saved() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.saved...)
}

// Restored returns the checkpoint prefixes read.
func (r *Runtime) Restored() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.restored...)
}

// CloseCount returns how many times Close was called.
func (r *Runtime) CloseCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
