package graph

import (
	"github.com/born-ml/graphstage/internal/tensor"
)

// Runner collects the inputs, fetches and targets of one execution.
//
// A Runner is reset after every Run and can be reused. It is not safe
// for concurrent use; pools hand out one Runner per caller.
type Runner struct {
	rt      Runtime
	feeds   []Feed
	fetches []string
	targets []string
}

// NewRunner returns a Runner executing against rt.
func NewRunner(rt Runtime) *Runner {
	return &Runner{rt: rt}
}

// AddInput binds t to the named graph input.
func (r *Runner) AddInput(name string, t *tensor.Tensor) *Runner {
	r.feeds = append(r.feeds, Feed{Name: name, Value: t})
	return r
}

// AddOutputs appends fetches.
func (r *Runner) AddOutputs(names ...string) *Runner {
	r.fetches = append(r.fetches, names...)
	return r
}

// AddTarget appends operations run only for their side effects.
func (r *Runner) AddTarget(names ...string) *Runner {
	r.targets = append(r.targets, names...)
	return r
}

// Run executes the graph and returns one tensor per fetch in the order
// the fetches were added.
func (r *Runner) Run() ([]*tensor.Tensor, error) {
	defer r.Reset()
	out, err := r.rt.Run(r.feeds, r.fetches, r.targets)
	if err != nil {
		return nil, Classify(ErrExecution, err)
	}
	return out, nil
}

// Reset clears the bindings.
func (r *Runner) Reset() {
	r.feeds = r.feeds[:0]
	r.fetches = r.fetches[:0]
	r.targets = r.targets[:0]
}
