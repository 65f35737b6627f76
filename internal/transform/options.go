// Package transform runs a graph as a pipeline stage: it binds data columns
// to graph inputs, executes the graph once per row and exposes the fetched
// tensors as output columns.
package transform

import (
	"fmt"

	"github.com/born-ml/graphstage/internal/engine"
	"github.com/born-ml/graphstage/internal/graph"
	"github.com/born-ml/graphstage/internal/logutil"
	"github.com/born-ml/graphstage/internal/train"
)

// Options configures a Transform.
type Options struct {
	// ModelLocation is a frozen graph file or a saved-model directory.
	ModelLocation string

	// InputColumns are the graph input nodes. SourceColumns names the data
	// column feeding each of them; when empty every input is fed from the
	// column of the same name.
	InputColumns  []string
	SourceColumns []string
	// OutputColumns are the graph nodes fetched for every row. Each becomes
	// an output column of the same name.
	OutputColumns []string

	// AddBatchDimensionInputs prepends a batch dimension of 1 to every input.
	AddBatchDimensionInputs bool

	// ReTrain runs the saved model's optimizer over the training view before
	// scoring. Retrain.Inputs defaults to the input column bindings.
	ReTrain bool
	Retrain train.Config

	// TransferLearning trains a classification head on the frozen extractor
	// at ModelLocation. InputColumns and OutputColumns are replaced by the
	// extractor input and the head's score and predicted label.
	TransferLearning bool
	Transfer         train.TransferConfig

	// Runners bounds concurrent executions. Zero means runtime.NumCPU().
	Runners int
	// TempDir is the root of staged saved models. Empty means os.TempDir().
	TempDir string
	// Device selects the engine device when Loader is nil.
	Device string
	// Loader opens the graph. Nil means the born engine.
	Loader graph.Loader

	Logger *logutil.Logger
}

// DefaultOptions returns Options with the default training settings.
func DefaultOptions() Options {
	return Options{
		Retrain:  train.DefaultConfig(),
		Transfer: train.DefaultTransferConfig(),
	}
}

func (o *Options) loader() graph.Loader {
	if o.Loader != nil {
		return o.Loader
	}
	return engine.Loader{Options: engine.Options{Device: o.Device, Logger: o.Logger}}
}

// sources returns the data column feeding each input node.
func (o *Options) sources() []string {
	if len(o.SourceColumns) == 0 {
		return o.InputColumns
	}
	return o.SourceColumns
}

func (o *Options) validate() error {
	if o.ModelLocation == "" {
		return fmt.Errorf("%w: no model location", graph.ErrConfig)
	}
	if o.ReTrain && o.TransferLearning {
		return fmt.Errorf("%w: retraining and transfer learning are exclusive", graph.ErrConfig)
	}
	if o.TransferLearning {
		return nil
	}
	if len(o.InputColumns) == 0 {
		return fmt.Errorf("%w: at least one input column is required", graph.ErrConfig)
	}
	if len(o.OutputColumns) == 0 {
		return fmt.Errorf("%w: at least one output column is required", graph.ErrConfig)
	}
	if len(o.SourceColumns) > 0 && len(o.SourceColumns) != len(o.InputColumns) {
		return fmt.Errorf("%w: %d source columns for %d inputs", graph.ErrConfig, len(o.SourceColumns), len(o.InputColumns))
	}
	return nil
}

// retrainConfig threads the column bindings into the retraining settings.
func (o *Options) retrainConfig() train.Config {
	cfg := o.Retrain
	if len(cfg.Inputs) == 0 {
		sources := o.sources()
		cfg.Inputs = make([]train.Input, len(o.InputColumns))
		for i, node := range o.InputColumns {
			cfg.Inputs[i] = train.Input{Column: sources[i], Node: node}
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = o.Logger
	}
	return cfg
}

// transferConfig fills the settings the Options carry for every mode.
func (o *Options) transferConfig() train.TransferConfig {
	cfg := o.Transfer
	cfg.AddBatchDimension = o.AddBatchDimensionInputs
	if cfg.TempDir == "" {
		cfg.TempDir = o.TempDir
	}
	if cfg.Logger == nil {
		cfg.Logger = o.Logger
	}
	return cfg
}
