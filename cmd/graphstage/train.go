package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/born-ml/graphstage/internal/modelfile"
	"github.com/born-ml/graphstage/internal/train"
	"github.com/born-ml/graphstage/internal/transform"
)

// RetrainHandler runs a saved model's own optimizer over CSV rows, updates
// the model directory and optionally saves the retrained stage.
func RetrainHandler(cmd *cobra.Command, args []string) error {
	opts, err := stageOptions(cmd)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	opts.ModelLocation, _ = flags.GetString("model")
	opts.InputColumns, _ = flags.GetStringSlice("input")
	opts.SourceColumns, _ = flags.GetStringSlice("source")
	opts.OutputColumns, _ = flags.GetStringSlice("output")
	opts.AddBatchDimensionInputs, _ = flags.GetBool("batch-dim")

	opts.ReTrain = true
	cfg := &opts.Retrain
	cfg.LabelColumn, _ = flags.GetString("label")
	cfg.LabelNode, _ = flags.GetString("graph-label")
	cfg.OptimizationOperation, _ = flags.GetString("optimizer")
	cfg.LossOperation, _ = flags.GetString("loss")
	cfg.MetricOperation, _ = flags.GetString("metric")
	cfg.LearningRateOperation, _ = flags.GetString("lr-op")
	cfg.Epochs, _ = flags.GetInt("epochs")
	cfg.BatchSize, _ = flags.GetInt("batch")
	cfg.LearningRate, _ = flags.GetFloat32("lr")
	cfg.KeepPartialBatch, _ = flags.GetBool("keep-partial")

	table, err := dataFromFlags(cmd)
	if err != nil {
		return err
	}
	tr, err := transform.Fit(cmd.Context(), opts, table)
	if err != nil {
		return err
	}
	defer tr.Close()

	writeEpochStats(cmd.OutOrStdout(), tr.TrainingStats())
	return saveStage(cmd, tr)
}

func writeEpochStats(w io.Writer, stats []train.EpochStats) {
	var rows [][]string
	for _, s := range stats {
		rows = append(rows, []string{
			strconv.Itoa(s.Epoch),
			strconv.Itoa(s.Batches),
			strconv.Itoa(s.Rows),
			strconv.Itoa(s.Skipped),
			strconv.FormatFloat(s.Loss, 'f', 6, 64),
			strconv.FormatFloat(s.LossStdDev, 'f', 6, 64),
			strconv.FormatFloat(s.Metric, 'f', 6, 64),
		})
	}
	table := newTable(w, []string{"EPOCH", "BATCHES", "ROWS", "SKIPPED", "LOSS", "LOSS STDDEV", "METRIC"})
	table.AppendBulk(rows)
	table.Render()
}

func saveStage(cmd *cobra.Command, tr *transform.Transform) error {
	out, _ := cmd.Flags().GetString("out")
	if out == "" {
		return nil
	}
	if err := tr.SaveFile(out); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "saved %s\n", out)
	return nil
}

func parseArchitecture(s string) (modelfile.Architecture, error) {
	switch strings.ToLower(s) {
	case "resnet", modelfile.ResnetV2101.String():
		return modelfile.ResnetV2101, nil
	case "inception", modelfile.InceptionV3.String():
		return modelfile.InceptionV3, nil
	default:
		return 0, fmt.Errorf("unknown architecture %q: want resnet or inception", s)
	}
}

// TransferHandler trains a classification head on a frozen feature
// extractor and prints the per-epoch metrics.
func TransferHandler(cmd *cobra.Command, args []string) error {
	opts, err := stageOptions(cmd)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	opts.ModelLocation, _ = flags.GetString("model")
	opts.TransferLearning = true

	cfg := &opts.Transfer
	arch, _ := flags.GetString("arch")
	if cfg.Arch, err = parseArchitecture(arch); err != nil {
		return err
	}
	cfg.InputColumn, _ = flags.GetString("input")
	cfg.LabelColumn, _ = flags.GetString("label")
	cfg.ModelLocation, _ = flags.GetString("workdir")
	cfg.Epochs, _ = flags.GetInt("epochs")
	cfg.BatchSize, _ = flags.GetInt("batch")
	cfg.LearningRate, _ = flags.GetFloat32("lr")
	cfg.ValidationFraction, _ = flags.GetFloat64("validation")
	cfg.Seed, _ = flags.GetUint64("seed")
	cfg.AddBatchDimension, _ = flags.GetBool("batch-dim")
	cfg.Workers = opts.Runners

	var metrics []train.Metrics
	cfg.StatisticsCallback = func(m train.Metrics) {
		metrics = append(metrics, m)
	}

	table, err := dataFromFlags(cmd)
	if err != nil {
		return err
	}
	tr, err := transform.Fit(cmd.Context(), opts, table)
	if err != nil {
		return err
	}
	defer tr.Close()

	var rows [][]string
	for _, m := range metrics {
		rows = append(rows, []string{
			strconv.Itoa(m.Epoch),
			m.Dataset,
			strconv.FormatFloat(float64(m.Accuracy), 'f', 4, 32),
			strconv.FormatFloat(float64(m.CrossEntropy), 'f', 6, 32),
		})
	}
	w := newTable(cmd.OutOrStdout(), []string{"EPOCH", "DATASET", "ACCURACY", "CROSS ENTROPY"})
	w.AppendBulk(rows)
	w.Render()

	info := tr.TransferInfo()
	fmt.Fprintf(cmd.ErrOrStderr(), "trained %s head with %d classes\n", info.Arch, info.ClassCount)
	return saveStage(cmd, tr)
}

func newRetrainCmd() *cobra.Command {
	defaults := train.DefaultConfig()
	cmd := &cobra.Command{
		Use:   "retrain",
		Short: "Retrain a saved model with its own optimizer",
		Long:  "Retrain updates the variables of the saved-model directory in place.",
		Args:  cobra.NoArgs,
		RunE:  RetrainHandler,
	}
	flags := cmd.Flags()
	flags.String("model", "", "Saved-model directory")
	flags.StringSlice("input", nil, "Graph input nodes")
	flags.StringSlice("source", nil, "Data columns feeding the inputs (default: the input names)")
	flags.StringSlice("output", nil, "Graph nodes scored by the retrained stage")
	flags.Bool("batch-dim", false, "Prepend a batch dimension of 1 to every input")
	flags.String("label", "", "Label column")
	flags.String("graph-label", "", "Graph node fed with the label")
	flags.String("optimizer", "", "Optimization operation run for every batch")
	flags.String("loss", "", "Loss operation")
	flags.String("metric", "", "Metric operation")
	flags.String("lr-op", "", "Operation fed with the learning rate")
	flags.Int("epochs", defaults.Epochs, "Number of epochs")
	flags.Int("batch", defaults.BatchSize, "Batch size")
	flags.Float32("lr", defaults.LearningRate, "Learning rate")
	flags.Bool("keep-partial", false, "Train on the trailing partial batch")
	flags.String("out", "", "Write the retrained stage to this file")
	for _, name := range []string{"model", "input", "output", "optimizer"} {
		_ = cmd.MarkFlagRequired(name)
	}
	addDataFlags(cmd)
	return cmd
}

func newTransferCmd() *cobra.Command {
	defaults := train.DefaultTransferConfig()
	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "Train an image classification head on a frozen feature extractor",
		Args:  cobra.NoArgs,
		RunE:  TransferHandler,
	}
	flags := cmd.Flags()
	flags.String("model", "", "Frozen feature extractor")
	flags.String("input", "", "Image column")
	flags.String("label", "", "Key-typed label column")
	flags.String("arch", defaults.Arch.String(), "Extractor architecture (resnet, inception)")
	flags.String("workdir", "", "Directory for bottleneck caches and checkpoints (default: the model directory)")
	flags.Int("epochs", defaults.Epochs, "Number of epochs")
	flags.Int("batch", defaults.BatchSize, "Batch size")
	flags.Float32("lr", defaults.LearningRate, "Learning rate")
	flags.Float64("validation", 0, "Fraction of rows held out for validation")
	flags.Uint64("seed", 0, "Seed for shuffling and the validation split")
	flags.Bool("batch-dim", false, "Prepend a batch dimension of 1 to the image")
	flags.String("out", "", "Write the trained stage to this file")
	for _, name := range []string{"model", "input", "label"} {
		_ = cmd.MarkFlagRequired(name)
	}
	addDataFlags(cmd)
	return cmd
}
