package train

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/born-ml/graphstage/internal/bottleneck"
	"github.com/born-ml/graphstage/internal/data"
	"github.com/born-ml/graphstage/internal/graph"
	"github.com/born-ml/graphstage/internal/logutil"
	"github.com/born-ml/graphstage/internal/marshal"
	"github.com/born-ml/graphstage/internal/modelfile"
	"github.com/born-ml/graphstage/internal/onnxpb"
	"github.com/born-ml/graphstage/internal/savedmodel"
	"github.com/born-ml/graphstage/internal/session"
	"github.com/born-ml/graphstage/internal/tensor"
)

// Transfer learning defaults.
const (
	DefaultScoreColumnName          = "Scores"
	DefaultPredictedLabelColumnName = "PredictedLabel"
	DefaultCheckpointName           = "_retrain_checkpoint"
	DefaultCallbackFrequency        = 1
)

// Extractor describes where a pretrained architecture takes its input and
// exposes its bottleneck.
type Extractor struct {
	Input      string
	Bottleneck string
}

// Extractors lists the supported architectures.
var Extractors = map[modelfile.Architecture]Extractor{
	modelfile.ResnetV2101: {Input: "input", Bottleneck: "resnet_v2_101/SpatialSqueeze"},
	modelfile.InceptionV3: {Input: "Placeholder", Bottleneck: "module_apply_default/hub_output/feature_vector/SpatialSqueeze"},
}

// TransferConfig configures transfer learning.
type TransferConfig struct {
	Arch modelfile.Architecture
	// InputColumn feeds the extractor input; LabelColumn must be a key column.
	InputColumn string
	LabelColumn string

	ScoreColumnName          string
	PredictedLabelColumnName string

	// ModelLocation receives the bottleneck caches, the checkpoint and the
	// frozen graph.
	ModelLocation  string
	CheckpointName string

	Epochs       int
	BatchSize    int
	LearningRate float32

	// ValidationSet provides the validation rows. When nil, a
	// ValidationFraction of the training rows is held out instead.
	ValidationSet      data.View
	ValidationFraction float64
	Seed               uint64

	// StatisticsCallback receives train and validation metrics every
	// CallbackFrequency epochs and after the last epoch.
	StatisticsCallback func(Metrics)
	CallbackFrequency  int
	// MeasureTrainAccuracy logs the metrics even without a callback.
	MeasureTrainAccuracy bool

	AddBatchDimension bool
	// Workers bounds parallel bottleneck extraction. Zero means runtime.NumCPU().
	Workers int
	// TempDir is the root of the staged training graph. Empty means os.TempDir().
	TempDir string

	Logger *logutil.Logger
}

// DefaultTransferConfig returns a TransferConfig with the default settings.
func DefaultTransferConfig() TransferConfig {
	return TransferConfig{
		Arch:                     modelfile.ResnetV2101,
		ScoreColumnName:          DefaultScoreColumnName,
		PredictedLabelColumnName: DefaultPredictedLabelColumnName,
		CheckpointName:           DefaultCheckpointName,
		Epochs:                   DefaultEpochs,
		BatchSize:                DefaultBatchSize,
		LearningRate:             DefaultLearningRate,
		CallbackFrequency:        DefaultCallbackFrequency,
	}
}

func (c *TransferConfig) validate() error {
	switch {
	case c.InputColumn == "" || c.LabelColumn == "":
		return fmt.Errorf("%w: input and label columns are required", graph.ErrConfig)
	case c.ModelLocation == "":
		return fmt.Errorf("%w: no model location", graph.ErrConfig)
	case c.ScoreColumnName == "" || c.PredictedLabelColumnName == "" || c.CheckpointName == "":
		return fmt.Errorf("%w: output and checkpoint names are required", graph.ErrConfig)
	case c.ScoreColumnName == c.PredictedLabelColumnName:
		return fmt.Errorf("%w: %q", graph.ErrDuplicateOutput, c.ScoreColumnName)
	case c.BatchSize <= 0 || c.Epochs <= 0:
		return fmt.Errorf("%w: batch size %d, %d epochs", graph.ErrConfig, c.BatchSize, c.Epochs)
	case c.ValidationFraction < 0 || c.ValidationFraction >= 1:
		return fmt.Errorf("%w: validation fraction %v", graph.ErrConfig, c.ValidationFraction)
	}
	if _, ok := Extractors[c.Arch]; !ok {
		return fmt.Errorf("%w: unknown architecture %v", graph.ErrConfig, c.Arch)
	}
	return nil
}

// TransferResult describes the trained model.
type TransferResult struct {
	// Frozen is the extractor and trained head as one frozen graph.
	Frozen     []byte
	Checkpoint string
	ClassCount int
	Input      string
	Outputs    []string
	// Validation holds the positions of training rows held out for validation.
	Validation *roaring.Bitmap
	Epochs     []EpochStats
}

// TransferLearner trains a classification head on the bottleneck features of
// a frozen extractor.
type TransferLearner struct {
	sess      *session.Manager
	loader    graph.Loader
	extractor []byte
	cfg       TransferConfig
	ext       Extractor
	log       *logutil.Logger
}

// NewTransferLearner checks that the session's graph has the extractor input
// and bottleneck of cfg.Arch. extractor is the frozen graph the session was
// opened from.
func NewTransferLearner(sess *session.Manager, loader graph.Loader, extractor []byte, cfg TransferConfig) (*TransferLearner, error) {
	if cfg.CallbackFrequency <= 0 {
		cfg.CallbackFrequency = DefaultCallbackFrequency
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	rt := sess.Runtime()
	if rt == nil {
		return nil, session.ErrNotOpen
	}
	ext := Extractors[cfg.Arch]
	for _, name := range []string{ext.Input, ext.Bottleneck} {
		if _, err := rt.Resolve(name); err != nil {
			return nil, &graph.NodeError{Node: name, Err: err}
		}
	}
	return &TransferLearner{
		sess:      sess,
		loader:    loader,
		extractor: extractor,
		cfg:       cfg,
		ext:       ext,
		log:       logutil.OrNoop(cfg.Logger).WithComponent("transfer").WithModel(cfg.ModelLocation),
	}, nil
}

// Fit caches the bottlenecks of view, trains the head, checkpoints it, writes
// the frozen graph next to the checkpoint and reloads the session from it.
func (l *TransferLearner) Fit(ctx context.Context, view data.View) (*TransferResult, error) {
	labelType, err := l.labelType(view.Schema())
	if err != nil {
		return nil, err
	}
	classes := int(labelType.KeyCount)
	if classes == 1 {
		classes = 2
	}
	if err := os.MkdirAll(l.cfg.ModelLocation, 0o750); err != nil {
		return nil, fmt.Errorf("%w: %w", graph.ErrIO, err)
	}

	rng := rand.New(rand.NewPCG(l.cfg.Seed, l.cfg.Seed^0x9e3779b97f4a7c15))
	holdout, err := l.cache(ctx, view, rng)
	if err != nil {
		return nil, err
	}
	trainSet, err := bottleneck.Load(filepath.Join(l.cfg.ModelLocation, bottleneck.TrainFile))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", graph.ErrIO, err)
	}
	validSet, err := bottleneck.Load(filepath.Join(l.cfg.ModelLocation, bottleneck.ValidationFile))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", graph.ErrIO, err)
	}
	if trainSet.Len() == 0 {
		return nil, fmt.Errorf("%w: no training examples", graph.ErrConfig)
	}

	head := headSpec{
		bottleneck:   l.ext.Bottleneck,
		size:         trainSet.Size,
		classes:      classes,
		score:        l.cfg.ScoreColumnName,
		predicted:    l.cfg.PredictedLabelColumnName,
		learningRate: l.cfg.LearningRate,
	}
	rt, staged, err := l.stage(head, rng)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rt.Close()
		_ = os.RemoveAll(staged)
	}()

	epochs, err := l.train(ctx, rt, trainSet, validSet, rng)
	if err != nil {
		return nil, err
	}
	frozen, ckpt, err := l.finish(ctx, rt)
	if err != nil {
		return nil, err
	}
	return &TransferResult{
		Frozen:     frozen,
		Checkpoint: ckpt,
		ClassCount: classes,
		Input:      l.ext.Input,
		Outputs:    []string{l.cfg.ScoreColumnName, l.cfg.PredictedLabelColumnName},
		Validation: holdout,
		Epochs:     epochs,
	}, nil
}

func (l *TransferLearner) labelType(schema data.Schema) (data.ColumnType, error) {
	if _, ok := schema.Index(l.cfg.InputColumn); !ok {
		return data.ColumnType{}, &graph.ColumnError{Column: l.cfg.InputColumn, Err: graph.ErrColumnNotFound}
	}
	col, ok := schema.Index(l.cfg.LabelColumn)
	if !ok {
		return data.ColumnType{}, &graph.ColumnError{Column: l.cfg.LabelColumn, Err: graph.ErrColumnNotFound}
	}
	ct := schema[col].Type
	if !ct.IsKey() || ct.IsVector() {
		return data.ColumnType{}, &graph.ColumnError{
			Column: l.cfg.LabelColumn,
			Err:    fmt.Errorf("%w: label must be a key column, got %v", graph.ErrTypeMismatch, ct),
		}
	}
	return ct, nil
}

// cache runs the extractor over view and the validation set and writes the
// bottleneck caches. It returns the training rows held out for validation.
func (l *TransferLearner) cache(ctx context.Context, view data.View, rng *rand.Rand) (*roaring.Bitmap, error) {
	rt := l.sess.Runtime()
	if rt == nil {
		return nil, session.ErrNotOpen
	}
	node, err := rt.Resolve(l.ext.Input)
	if err != nil {
		return nil, &graph.NodeError{Node: l.ext.Input, Err: err}
	}

	p, err := bottleneck.NewPipeline(l.cfg.ModelLocation, l.cfg.Workers, l.extract)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", graph.ErrIO, err)
	}
	holdout := roaring.New()
	progress := l.log.NewProgress("caching bottlenecks", 10*time.Second)

	feed := func(v data.View, validation func(pos int64) (bool, error)) error {
		return l.scan(ctx, v, node, func(pos int64, in *tensor.Tensor, label int64) error {
			valid, err := validation(pos)
			if err != nil {
				return err
			}
			ex := bottleneck.Example{Input: in, Label: label, Validation: valid}
			if err := p.Add(ctx, ex); err != nil {
				return err
			}
			nTrain, nValid := p.Counts()
			progress.Log(ctx, nTrain+nValid, -1)
			return nil
		})
	}

	if l.cfg.ValidationSet == nil {
		err = feed(view, func(pos int64) (bool, error) {
			if l.cfg.ValidationFraction == 0 || rng.Float64() >= l.cfg.ValidationFraction {
				return false, nil
			}
			return true, holdRow(holdout, pos)
		})
	} else {
		err = feed(view, func(int64) (bool, error) { return false, nil })
		if err == nil {
			err = feed(l.cfg.ValidationSet, func(int64) (bool, error) { return true, nil })
		}
	}
	if cerr := p.Close(ctx); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, graph.Classify(graph.ErrExecution, err)
	}
	train, valid := p.Counts()
	l.log.InfoContext(ctx, "bottlenecks cached", "train", train, "validation", valid, "holdout", holdout.GetCardinality())
	return holdout, nil
}

// holdRow marks the row at pos as held out for validation.
func holdRow(holdout *roaring.Bitmap, pos int64) error {
	if pos < 0 || pos > math.MaxUint32 {
		return fmt.Errorf("%w: row %d is out of the holdout range", graph.ErrConfig, pos)
	}
	holdout.Add(uint32(pos))
	return nil
}

// scan reads the input and label of every row of v. Rows with a missing
// label are rejected.
func (l *TransferLearner) scan(ctx context.Context, v data.View, node graph.Node, fn func(pos int64, in *tensor.Tensor, label int64) error) (err error) {
	schema := v.Schema()
	inCol, ok := schema.Index(l.cfg.InputColumn)
	if !ok {
		return &graph.ColumnError{Column: l.cfg.InputColumn, Err: graph.ErrColumnNotFound}
	}
	labelCol, ok := schema.Index(l.cfg.LabelColumn)
	if !ok {
		return &graph.ColumnError{Column: l.cfg.LabelColumn, Err: graph.ErrColumnNotFound}
	}
	inType, labelType := schema[inCol].Type, schema[labelCol].Type
	shape, err := marshal.ResolveShape(inType, node.Shape, l.cfg.AddBatchDimension)
	if err != nil {
		return &graph.ColumnError{Column: l.cfg.InputColumn, Err: err}
	}

	cur, err := v.Cursor()
	if err != nil {
		return graph.Classify(graph.ErrIO, err)
	}
	defer func() { err = errors.Join(err, cur.Close()) }()
	in, err := marshal.NewGetter(cur, inCol, inType, shape)
	if err != nil {
		return &graph.ColumnError{Column: l.cfg.InputColumn, Err: err}
	}
	label, err := marshal.NewGetter(cur, labelCol, labelType, tensor.Shape{})
	if err != nil {
		return &graph.ColumnError{Column: l.cfg.LabelColumn, Err: err}
	}

	for cur.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		x, err := in.GetTensor()
		if err != nil {
			return &graph.ColumnError{Column: l.cfg.InputColumn, Err: err}
		}
		y, err := label.GetTensor()
		if err != nil {
			return &graph.ColumnError{Column: l.cfg.LabelColumn, Err: err}
		}
		ys, err := tensor.Values[int64](y)
		if err != nil {
			return err
		}
		if ys[0] < 0 {
			return &graph.ColumnError{
				Column: l.cfg.LabelColumn,
				Err:    fmt.Errorf("%w: missing label at row %d", graph.ErrSchemaMismatch, cur.Position()),
			}
		}
		if err := fn(cur.Position(), x, ys[0]); err != nil {
			return err
		}
	}
	return cur.Err()
}

// extract computes the bottleneck of one example through the session.
func (l *TransferLearner) extract(ctx context.Context, in *tensor.Tensor) ([]float32, error) {
	out, err := l.sess.Run(ctx, []graph.Feed{{Name: l.ext.Input, Value: in}}, []string{l.ext.Bottleneck}, nil)
	if err != nil {
		return nil, err
	}
	f, err := out[0].Cast(tensor.Float32)
	if err != nil {
		return nil, &graph.NodeError{Node: l.ext.Bottleneck, Err: err}
	}
	return tensor.Values[float32](f)
}

// stage merges the head into the extractor graph, writes the result as a
// saved model under a fresh staging directory and loads it.
func (l *TransferLearner) stage(h headSpec, rng *rand.Rand) (graph.Runtime, string, error) {
	model, err := onnxpb.Decode(l.extractor)
	if err != nil {
		return nil, "", graph.Classify(graph.ErrConfig, err)
	}
	head, vars, err := h.build(rng)
	if err != nil {
		return nil, "", graph.Classify(graph.ErrConfig, err)
	}
	if err := model.Graph.Merge(head); err != nil {
		return nil, "", graph.Classify(graph.ErrConfig, err)
	}
	if !slices.ContainsFunc(model.Opsets, func(o onnxpb.Opset) bool { return o.Domain == onnxpb.TrainingDomain }) {
		model.Opsets = append(model.Opsets, onnxpb.Opset{Domain: onnxpb.TrainingDomain, Version: 1})
	}

	dir, err := session.StageDir(l.cfg.TempDir)
	if err != nil {
		return nil, "", err
	}
	if err := savedmodel.Save(dir, model, vars); err != nil {
		_ = os.RemoveAll(dir)
		return nil, "", fmt.Errorf("%w: %w", graph.ErrIO, err)
	}
	rt, err := l.loader.LoadSavedModel(dir)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, "", err
	}
	return rt, dir, nil
}

// train runs cfg.Epochs passes over shuffled batches of the training cache.
func (l *TransferLearner) train(ctx context.Context, rt graph.Runtime, trainSet, validSet *bottleneck.Set, rng *rand.Rand) ([]EpochStats, error) {
	report := l.cfg.StatisticsCallback != nil || l.cfg.MeasureTrainAccuracy
	stats := make([]EpochStats, 0, l.cfg.Epochs)
	for epoch := range l.cfg.Epochs {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		var acc epochAccumulator
		batches := trainSet.Batches(rng, l.cfg.BatchSize)
		for _, idx := range batches {
			feeds, err := l.batchFeeds(trainSet, idx)
			if err != nil {
				return stats, err
			}
			out, err := rt.Run(feeds, []string{CrossEntropy}, []string{TrainStep})
			if err != nil {
				return stats, graph.Classify(graph.ErrExecution, err)
			}
			loss, err := scalar(CrossEntropy, out[0])
			if err != nil {
				return stats, err
			}
			acc.add(len(idx), &loss, nil)
		}
		s := acc.stats(epoch, len(batches), 0)
		stats = append(stats, s)
		l.log.WithEpoch(epoch).LogEpoch(ctx, epoch, s.Loss, s.Metric, s.Batches)

		if !report || (epoch%l.cfg.CallbackFrequency != 0 && epoch != l.cfg.Epochs-1) {
			continue
		}
		sets := []struct {
			name string
			set  *bottleneck.Set
		}{{DatasetTrain, trainSet}, {DatasetValidation, validSet}}
		for _, ds := range sets {
			if ds.set.Len() == 0 {
				continue
			}
			m, err := l.evaluate(rt, ds.set, ds.set.Sample(rng, l.cfg.BatchSize))
			if err != nil {
				return stats, err
			}
			m.Epoch, m.Dataset = epoch, ds.name
			l.log.InfoContext(ctx, "evaluation",
				"epoch", epoch,
				"dataset", ds.name,
				"accuracy", m.Accuracy,
				"cross_entropy", m.CrossEntropy,
			)
			if l.cfg.StatisticsCallback != nil {
				l.cfg.StatisticsCallback(m)
			}
		}
	}
	return stats, nil
}

func (l *TransferLearner) batchFeeds(set *bottleneck.Set, idx []int) ([]graph.Feed, error) {
	features, labels, err := set.Batch(idx)
	if err != nil {
		return nil, err
	}
	return []graph.Feed{
		{Name: l.ext.Bottleneck, Value: features},
		{Name: LabelInput, Value: labels},
	}, nil
}

func (l *TransferLearner) evaluate(rt graph.Runtime, set *bottleneck.Set, idx []int) (Metrics, error) {
	feeds, err := l.batchFeeds(set, idx)
	if err != nil {
		return Metrics{}, err
	}
	out, err := rt.Run(feeds, []string{Accuracy, CrossEntropy}, nil)
	if err != nil {
		return Metrics{}, graph.Classify(graph.ErrExecution, err)
	}
	acc, err := scalar(Accuracy, out[0])
	if err != nil {
		return Metrics{}, err
	}
	ce, err := scalar(CrossEntropy, out[1])
	if err != nil {
		return Metrics{}, err
	}
	return Metrics{Accuracy: float32(acc), CrossEntropy: float32(ce)}, nil
}

// finish checkpoints the head, freezes extractor and head into one graph,
// writes it to <checkpoint>.pb and reloads the session from it.
func (l *TransferLearner) finish(ctx context.Context, rt graph.Runtime) ([]byte, string, error) {
	ckpt := filepath.Join(l.cfg.ModelLocation, l.cfg.CheckpointName)
	feeds := []graph.Feed{{Name: SaveLocation, Value: tensor.ScalarString(ckpt)}}
	if _, err := rt.Run(feeds, nil, []string{SaveOp}); err != nil {
		return nil, "", graph.Classify(graph.ErrIO, err)
	}
	l.log.LogCheckpoint(ctx, "save", ckpt, nil)

	frozen, err := rt.Freeze([]string{l.cfg.ScoreColumnName, l.cfg.PredictedLabelColumnName})
	if err != nil {
		return nil, "", err
	}
	//nolint:gosec // G306: the frozen graph is not secret.
	if err := os.WriteFile(ckpt+".pb", frozen, 0o644); err != nil {
		l.log.LogModelUpdate(ctx, ckpt+".pb", "", err)
		return nil, "", fmt.Errorf("%w: failed to serialize retrained model to disk: %w", graph.ErrIO, err)
	}
	if err := l.sess.Reload(l.loader, frozen); err != nil {
		return nil, "", err
	}
	l.log.LogModelUpdate(ctx, ckpt+".pb", "", nil)
	return frozen, ckpt, nil
}
