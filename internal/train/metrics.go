package train

import (
	"fmt"

	"gonum.org/v1/gonum/stat"

	"github.com/born-ml/graphstage/internal/graph"
	"github.com/born-ml/graphstage/internal/tensor"
)

// Dataset names reported in Metrics.
const (
	DatasetTrain      = "train"
	DatasetValidation = "validation"
)

// Metrics are the evaluation results passed to a statistics callback.
type Metrics struct {
	Epoch        int
	Dataset      string
	Accuracy     float32
	CrossEntropy float32
}

// EpochStats summarizes the batches of one epoch.
type EpochStats struct {
	Epoch   int
	Batches int
	// Rows counts the rows trained on.
	Rows int
	// Skipped counts the trailing rows not trained on.
	Skipped int
	// Loss and Metric are the batch means; LossStdDev is the spread of the
	// batch losses. All three are zero when the graph fetches no loss or metric.
	Loss       float64
	LossStdDev float64
	Metric     float64
}

// epochAccumulator collects per-batch values of an epoch.
type epochAccumulator struct {
	losses  []float64
	metrics []float64
	rows    int
}

func (a *epochAccumulator) add(rows int, loss, metric *float64) {
	a.rows += rows
	if loss != nil {
		a.losses = append(a.losses, *loss)
	}
	if metric != nil {
		a.metrics = append(a.metrics, *metric)
	}
}

func (a *epochAccumulator) stats(epoch, batches, skipped int) EpochStats {
	s := EpochStats{Epoch: epoch, Batches: batches, Rows: a.rows, Skipped: skipped}
	if len(a.losses) > 0 {
		s.Loss, s.LossStdDev = stat.MeanStdDev(a.losses, nil)
		if len(a.losses) == 1 {
			s.LossStdDev = 0
		}
	}
	if len(a.metrics) > 0 {
		s.Metric = stat.Mean(a.metrics, nil)
	}
	return s
}

// scalar reads a single numeric value fetched from the graph.
func scalar(name string, t *tensor.Tensor) (float64, error) {
	if t == nil {
		return 0, &graph.NodeError{Node: name, Err: fmt.Errorf("%w: no value fetched", graph.ErrExecution)}
	}
	vals, err := t.Float64s()
	if err != nil || len(vals) == 0 {
		return 0, &graph.NodeError{Node: name, Err: fmt.Errorf("%w: expected a numeric scalar", graph.ErrExecution)}
	}
	return vals[0], nil
}
