// Package train runs the two training modes of a graph stage: direct
// retraining of a saved model's own optimizer, and transfer learning of a new
// classification head on top of a frozen feature extractor.
package train

import (
	"fmt"

	"github.com/born-ml/graphstage/internal/graph"
	"github.com/born-ml/graphstage/internal/logutil"
)

// Defaults.
const (
	DefaultBatchSize             = 64
	DefaultEpochs                = 5
	DefaultLearningRate          = 0.01
	DefaultSaveLocationOperation = "save/Const"
	DefaultSaveOperation         = "save/control_dependency"
)

// TmpModelName is the checkpoint prefix, relative to the model directory,
// that retrained variables are saved under before replacing the originals.
const TmpModelName = "mlnet_model"

// Input binds a data column to a graph input node.
type Input struct {
	Column string
	Node   string
}

// Config configures direct retraining.
type Config struct {
	// Inputs are the training inputs other than the label.
	Inputs []Input
	// LabelColumn is fed to LabelNode. Both are optional.
	LabelColumn string
	LabelNode   string

	BatchSize    int
	Epochs       int
	LearningRate float32

	// OptimizationOperation is run as a target for every batch.
	OptimizationOperation string
	// LossOperation and MetricOperation are fetched for every batch when set.
	LossOperation   string
	MetricOperation string
	// LearningRateOperation receives LearningRate as a float32 scalar when set.
	LearningRateOperation string
	// SaveLocationOperation receives the checkpoint prefix and SaveOperation
	// writes it.
	SaveLocationOperation string
	SaveOperation         string

	// ModelDir is the saved-model directory updated after training. Empty
	// means the directory the session was opened from.
	ModelDir string
	// KeepPartialBatch trains on the rows left over at the end of an epoch
	// instead of skipping them.
	KeepPartialBatch bool

	Logger *logutil.Logger
}

// DefaultConfig returns a Config with the default hyperparameters and save
// operations.
func DefaultConfig() Config {
	return Config{
		BatchSize:             DefaultBatchSize,
		Epochs:                DefaultEpochs,
		LearningRate:          DefaultLearningRate,
		SaveLocationOperation: DefaultSaveLocationOperation,
		SaveOperation:         DefaultSaveOperation,
	}
}

func (c *Config) inputs() []Input {
	in := append([]Input(nil), c.Inputs...)
	if c.LabelColumn != "" {
		in = append(in, Input{Column: c.LabelColumn, Node: c.LabelNode})
	}
	return in
}

func (c *Config) validate() error {
	switch {
	case len(c.Inputs) == 0:
		return fmt.Errorf("%w: no training inputs", graph.ErrConfig)
	case c.BatchSize <= 0:
		return fmt.Errorf("%w: batch size %d", graph.ErrConfig, c.BatchSize)
	case c.Epochs < 0:
		return fmt.Errorf("%w: %d epochs", graph.ErrConfig, c.Epochs)
	case c.OptimizationOperation == "":
		return fmt.Errorf("%w: no optimization operation", graph.ErrConfig)
	case (c.LabelColumn == "") != (c.LabelNode == ""):
		return fmt.Errorf("%w: label column and label node must be set together", graph.ErrConfig)
	case c.SaveLocationOperation == "" || c.SaveOperation == "":
		return fmt.Errorf("%w: save operations are required", graph.ErrConfig)
	}
	for _, in := range c.Inputs {
		if in.Column == "" || in.Node == "" {
			return fmt.Errorf("%w: input %+v needs a column and a node", graph.ErrConfig, in)
		}
	}
	return nil
}

// operations lists the named operations that must exist before training starts.
func (c *Config) operations() []string {
	ops := []string{c.OptimizationOperation, c.SaveLocationOperation, c.SaveOperation}
	for _, op := range []string{c.LossOperation, c.MetricOperation, c.LearningRateOperation} {
		if op != "" {
			ops = append(ops, op)
		}
	}
	return ops
}
