package transform

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/born-ml/graphstage/internal/data"
	"github.com/born-ml/graphstage/internal/graph"
	"github.com/born-ml/graphstage/internal/logutil"
	"github.com/born-ml/graphstage/internal/modelfile"
	"github.com/born-ml/graphstage/internal/savedmodel"
	"github.com/born-ml/graphstage/internal/session"
	"github.com/born-ml/graphstage/internal/train"
)

// Transform is a graph bound to named input and output columns.
//
// A Transform exclusively owns its session. Close releases the session and
// then any staging directory it created.
type Transform struct {
	sess   *session.Manager
	loader graph.Loader
	// frozen is the graph blob of a frozen model, nil for a saved model.
	frozen []byte

	inputs   []string
	sources  []string
	outputs  []OutputBinding
	addBatch bool
	transfer modelfile.TransferInfo
	stats    []train.EpochStats

	log *logutil.Logger
}

// New opens the model at opts.ModelLocation and resolves its output columns.
func New(opts Options) (*Transform, error) {
	if opts.ReTrain || opts.TransferLearning {
		return nil, fmt.Errorf("%w: training requires Fit", graph.ErrConfig)
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	t, err := open(&opts)
	if err != nil {
		return nil, err
	}
	if err := t.bindOutputs(opts.InputColumns, opts.sources(), opts.OutputColumns); err != nil {
		return nil, errors.Join(err, t.Close())
	}
	return t, nil
}

// Fit opens the model, trains it on view as opts asks and returns the
// Transform scoring with the trained graph. Without a training mode Fit is
// New.
func Fit(ctx context.Context, opts Options, view data.View) (*Transform, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	t, err := open(&opts)
	if err != nil {
		return nil, err
	}
	if err := t.fit(ctx, &opts, view); err != nil {
		return nil, errors.Join(err, t.Close())
	}
	return t, nil
}

func (t *Transform) fit(ctx context.Context, opts *Options, view data.View) error {
	switch {
	case opts.TransferLearning:
		return t.fitTransfer(ctx, opts, view)
	case opts.ReTrain:
		if t.frozen != nil {
			return fmt.Errorf("%w: retraining requires a saved model", graph.ErrConfig)
		}
		r, err := train.NewRetrainer(t.sess, opts.retrainConfig())
		if err != nil {
			return err
		}
		if t.stats, err = r.Run(ctx, view); err != nil {
			return err
		}
	}
	return t.bindOutputs(opts.InputColumns, opts.sources(), opts.OutputColumns)
}

func (t *Transform) fitTransfer(ctx context.Context, opts *Options, view data.View) error {
	if t.frozen == nil {
		return fmt.Errorf("%w: transfer learning requires a frozen extractor", graph.ErrConfig)
	}
	cfg := opts.transferConfig()
	if cfg.ModelLocation == "" {
		cfg.ModelLocation = filepath.Dir(opts.ModelLocation)
	}
	l, err := train.NewTransferLearner(t.sess, t.loader, t.frozen, cfg)
	if err != nil {
		return err
	}
	res, err := l.Fit(ctx, view)
	if err != nil {
		return err
	}
	t.frozen = res.Frozen
	t.stats = res.Epochs
	t.transfer = modelfile.TransferInfo{
		Enabled:                  true,
		LabelColumn:              cfg.LabelColumn,
		CheckpointName:           cfg.CheckpointName,
		Arch:                     cfg.Arch,
		ScoreColumnName:          cfg.ScoreColumnName,
		PredictedLabelColumnName: cfg.PredictedLabelColumnName,
		LearningRate:             cfg.LearningRate,
		ClassCount:               int32(res.ClassCount),
		PredictionTensorName:     cfg.PredictedLabelColumnName,
		SoftmaxTensorName:        cfg.ScoreColumnName,
	}
	return t.bindOutputs([]string{res.Input}, []string{cfg.InputColumn}, res.Outputs)
}

// open loads the model at opts.ModelLocation into a new session.
func open(opts *Options) (*Transform, error) {
	t := &Transform{
		sess:     session.New(session.Options{Runners: opts.Runners, Logger: opts.Logger}),
		loader:   opts.loader(),
		addBatch: opts.AddBatchDimensionInputs,
		log:      logutil.OrNoop(opts.Logger).WithComponent("transform").WithModel(opts.ModelLocation),
	}
	if savedmodel.IsSavedModel(opts.ModelLocation) {
		if err := t.sess.OpenSavedModel(t.loader, opts.ModelLocation, false); err != nil {
			return nil, err
		}
		return t, nil
	}
	blob, err := os.ReadFile(opts.ModelLocation)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", graph.ErrIO, err)
	}
	if err := t.sess.OpenFrozen(t.loader, blob); err != nil {
		return nil, err
	}
	t.frozen = blob
	return t, nil
}

func (t *Transform) bindOutputs(inputs, sources, outputs []string) error {
	rt := t.sess.Runtime()
	if rt == nil {
		return session.ErrNotOpen
	}
	if _, err := graph.Introspect(rt, inputs, false); err != nil {
		return err
	}
	bound, err := bindOutputs(rt, outputs)
	if err != nil {
		return err
	}
	t.inputs = append([]string(nil), inputs...)
	t.sources = append([]string(nil), sources...)
	t.outputs = bound
	return nil
}

// Transform binds the input columns of view and returns view extended with
// the output columns. Every column is checked before the first row is read.
//
// ctx bounds waiting for a runner in the view's cursors.
func (t *Transform) Transform(ctx context.Context, view data.View) (*View, error) {
	rt := t.sess.Runtime()
	if rt == nil {
		return nil, session.ErrNotOpen
	}
	b, err := bind(rt, view.Schema(), t.inputs, t.sources, t.outputs, t.addBatch)
	if err != nil {
		return nil, err
	}
	t.log.DebugContext(ctx, "bound columns", "inputs", len(b.inputs), "outputs", len(b.outputs))
	return &View{ctx: ctx, t: t, src: view, binding: b}, nil
}

// OutputSchema returns the output columns a transformed view appends.
func (t *Transform) OutputSchema() data.Schema {
	out := make(data.Schema, len(t.outputs))
	for i, o := range t.outputs {
		out[i] = data.Column{Name: o.Node.Name, Type: o.Type}
	}
	return out
}

// Inputs returns the graph input nodes.
func (t *Transform) Inputs() []string { return append([]string(nil), t.inputs...) }

// Outputs returns the graph output nodes.
func (t *Transform) Outputs() []string {
	names := make([]string, len(t.outputs))
	for i, o := range t.outputs {
		names[i] = o.Node.Name
	}
	return names
}

// TransferInfo describes the head trained by transfer learning, if any.
func (t *Transform) TransferInfo() modelfile.TransferInfo { return t.transfer }

// TrainingStats returns the per-epoch statistics of the training run Fit performed.
func (t *Transform) TrainingStats() []train.EpochStats { return t.stats }

// Runtime returns the open graph runtime, nil after Close.
func (t *Transform) Runtime() graph.Runtime { return t.sess.Runtime() }

// Close closes the session and removes a staged model directory. Close is
// idempotent.
func (t *Transform) Close() error {
	return t.sess.Close()
}
