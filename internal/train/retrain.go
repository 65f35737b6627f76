package train

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/born-ml/graphstage/internal/data"
	"github.com/born-ml/graphstage/internal/graph"
	"github.com/born-ml/graphstage/internal/logutil"
	"github.com/born-ml/graphstage/internal/marshal"
	"github.com/born-ml/graphstage/internal/savedmodel"
	"github.com/born-ml/graphstage/internal/session"
	"github.com/born-ml/graphstage/internal/tensor"
)

// Retrainer runs a saved model's own optimizer over a data view and writes
// the updated variables back into the saved-model directory.
type Retrainer struct {
	sess  *session.Manager
	cfg   Config
	nodes []graph.Node // one per cfg.inputs()
	log   *logutil.Logger
}

// NewRetrainer checks that every node and operation named by cfg exists in
// the open session's graph. A missing name is a configuration error and no
// training takes place.
func NewRetrainer(sess *session.Manager, cfg Config) (*Retrainer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	rt := sess.Runtime()
	if rt == nil {
		return nil, session.ErrNotOpen
	}
	for _, op := range cfg.operations() {
		if _, err := rt.Resolve(op); err != nil {
			return nil, &graph.NodeError{Node: op, Err: err}
		}
	}

	inputs := cfg.inputs()
	nodes := make([]graph.Node, len(inputs))
	for i, in := range inputs {
		n, err := rt.Resolve(in.Node)
		if err != nil {
			return nil, &graph.NodeError{Node: in.Node, Err: err}
		}
		nodes[i] = n
	}
	return &Retrainer{
		sess:  sess,
		cfg:   cfg,
		nodes: nodes,
		log:   logutil.OrNoop(cfg.Logger).WithComponent("retrain"),
	}, nil
}

// binding is a training input resolved against a view's schema.
type binding struct {
	col   int
	ct    data.ColumnType
	node  graph.Node
	shape tensor.Shape
}

func (r *Retrainer) bind(schema data.Schema) ([]binding, error) {
	inputs := r.cfg.inputs()
	out := make([]binding, len(inputs))
	for i, in := range inputs {
		col, ok := schema.Index(in.Column)
		if !ok {
			return nil, &graph.ColumnError{Column: in.Column, Err: graph.ErrColumnNotFound}
		}
		ct := schema[col].Type
		want := ct.Elem
		if ct.IsKey() {
			want = tensor.Int64
		}
		node := r.nodes[i]
		if node.DType.IsValid() && node.DType != want {
			return nil, &graph.ColumnError{
				Column: in.Column,
				Err:    fmt.Errorf("%w: column holds %v, node %q expects %v", graph.ErrTypeMismatch, want, in.Node, node.DType),
			}
		}
		shape, err := marshal.TrainingShape(ct, node.Shape, r.cfg.BatchSize)
		if err != nil {
			return nil, &graph.ColumnError{Column: in.Column, Err: err}
		}
		out[i] = binding{col: col, ct: ct, node: node, shape: shape}
	}
	return out, nil
}

// Train runs cfg.Epochs passes over view. A batch is trained each time
// BatchSize rows have been buffered; the rows left over at the end of an
// epoch are skipped with a warning unless KeepPartialBatch is set.
func (r *Retrainer) Train(ctx context.Context, view data.View) ([]EpochStats, error) {
	bindings, err := r.bind(view.Schema())
	if err != nil {
		return nil, err
	}
	stats := make([]EpochStats, 0, r.cfg.Epochs)
	for epoch := range r.cfg.Epochs {
		s, err := r.epoch(ctx, view, bindings, epoch)
		if err != nil {
			return stats, fmt.Errorf("epoch %d: %w", epoch, err)
		}
		r.log.WithEpoch(epoch).LogEpoch(ctx, epoch, s.Loss, s.Metric, s.Batches)
		stats = append(stats, s)
	}
	return stats, nil
}

func (r *Retrainer) epoch(ctx context.Context, view data.View, bindings []binding, epoch int) (s EpochStats, err error) {
	cur, err := view.Cursor()
	if err != nil {
		return s, graph.Classify(graph.ErrIO, err)
	}
	defer func() { err = errors.Join(err, cur.Close()) }()

	getters := make([]marshal.Getter, len(bindings))
	for i, b := range bindings {
		if getters[i], err = marshal.NewGetter(cur, b.col, b.ct, b.shape); err != nil {
			return s, err
		}
	}

	var acc epochAccumulator
	batches, pending := 0, 0
	for cur.Next() {
		for _, g := range getters {
			if err := g.BufferTrainingData(); err != nil {
				return s, err
			}
		}
		pending++
		if (cur.Position()+1)%int64(r.cfg.BatchSize) != 0 {
			continue
		}
		if err := r.step(ctx, getters, -1, pending, &acc); err != nil {
			return s, err
		}
		batches++
		pending = 0
	}
	if err := cur.Err(); err != nil {
		return s, graph.Classify(graph.ErrIO, err)
	}

	skipped := 0
	if pending > 0 {
		if r.cfg.KeepPartialBatch {
			if err := r.step(ctx, getters, pending, pending, &acc); err != nil {
				return s, err
			}
			batches++
		} else {
			r.log.LogBatchSkipped(ctx, r.cfg.BatchSize, pending)
			skipped = pending
		}
	}
	return acc.stats(epoch, batches, skipped), nil
}

// step trains one batch. size is passed to GetBufferedBatchTensor.
func (r *Retrainer) step(ctx context.Context, getters []marshal.Getter, size, rows int, acc *epochAccumulator) error {
	inputs := r.cfg.inputs()
	feeds := make([]graph.Feed, 0, len(inputs)+1)
	for i, g := range getters {
		t, err := g.GetBufferedBatchTensor(size)
		if err != nil {
			return &graph.ColumnError{Column: inputs[i].Column, Err: err}
		}
		feeds = append(feeds, graph.Feed{Name: inputs[i].Node, Value: t})
	}
	if r.cfg.LearningRateOperation != "" {
		feeds = append(feeds, graph.Feed{Name: r.cfg.LearningRateOperation, Value: tensor.Scalar(r.cfg.LearningRate)})
	}

	var fetches []string
	if r.cfg.LossOperation != "" {
		fetches = append(fetches, r.cfg.LossOperation)
	}
	if r.cfg.MetricOperation != "" {
		fetches = append(fetches, r.cfg.MetricOperation)
	}
	out, err := r.sess.Run(ctx, feeds, fetches, []string{r.cfg.OptimizationOperation})
	if err != nil {
		return graph.Classify(graph.ErrExecution, err)
	}

	var loss, metric *float64
	for i, name := range fetches {
		v, err := scalar(name, out[i])
		if err != nil {
			return err
		}
		if name == r.cfg.LossOperation && loss == nil {
			loss = &v
		} else {
			metric = &v
		}
	}
	acc.add(rows, loss, metric)
	return nil
}

// UpdateModelOnDisk saves the trained variables and replaces the variables
// of the saved model with them. The previous variables are kept in a
// variables-<uuid> directory whose path is returned.
//
// Failures are I/O errors. A failure part way leaves the saved model in an
// indeterminate state; nothing is rolled back.
func (r *Retrainer) UpdateModelOnDisk(ctx context.Context) (string, error) {
	dir := r.cfg.ModelDir
	if dir == "" {
		dir = r.sess.Dir()
	}
	if dir == "" {
		return "", fmt.Errorf("%w: no saved-model directory to update", graph.ErrConfig)
	}

	prefix := filepath.Join(dir, TmpModelName)
	feeds := []graph.Feed{{Name: r.cfg.SaveLocationOperation, Value: tensor.ScalarString(prefix)}}
	archive := ""
	_, err := r.sess.Run(ctx, feeds, nil, []string{r.cfg.SaveOperation})
	if err == nil {
		archive, err = savedmodel.UpdateVariables(dir, prefix)
	}
	r.log.LogModelUpdate(ctx, dir, archive, err)
	if err != nil {
		return archive, fmt.Errorf("%w: failed to serialize retrained model to disk: %w", graph.ErrIO, err)
	}
	return archive, nil
}

// Run trains on view and then updates the model on disk.
func (r *Retrainer) Run(ctx context.Context, view data.View) ([]EpochStats, error) {
	stats, err := r.Train(ctx, view)
	if err != nil {
		return stats, err
	}
	if _, err := r.UpdateModelOnDisk(ctx); err != nil {
		return stats, err
	}
	return stats, nil
}
