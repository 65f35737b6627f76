package engine

import (
	"context"

	"github.com/born-ml/graphstage/internal/graph"
	"github.com/born-ml/graphstage/internal/onnxpb"
	"github.com/born-ml/graphstage/internal/savedmodel"
)

// Loader creates engines from frozen graphs and saved-model directories.
type Loader struct {
	Options Options
}

var _ graph.Loader = Loader{}

// LoadFrozen implements graph.Loader.
func (l Loader) LoadFrozen(data []byte) (graph.Runtime, error) {
	m, err := onnxpb.Decode(data)
	if err != nil {
		err = graph.Classify(graph.ErrConfig, err)
		l.logLoad("frozen", nil, err)
		return nil, err
	}
	e, err := New(m, nil, l.Options)
	l.logLoad("frozen", e, err)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// LoadSavedModel implements graph.Loader.
func (l Loader) LoadSavedModel(dir string) (graph.Runtime, error) {
	b, err := savedmodel.Load(dir)
	if err != nil {
		err = graph.Classify(graph.ErrIO, err)
		l.logLoad("saved_model", nil, err)
		return nil, err
	}
	e, err := New(b.Model, b.Variables, l.Options)
	l.logLoad("saved_model", e, err)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (l Loader) logLoad(kind string, e *Engine, err error) {
	nodes, vars := 0, 0
	if e != nil {
		nodes, vars = len(e.graph.Nodes), len(e.vars)
	}
	log := l.Options.Logger
	if log == nil {
		return
	}
	log.LogLoad(context.Background(), kind, nodes, vars, err)
}
