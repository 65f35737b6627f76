package main

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/spf13/cobra"
)

// ScoreHandler runs every row of a CSV file through a model and prints the
// requested outputs.
func ScoreHandler(cmd *cobra.Command, args []string) error {
	opts, err := stageOptions(cmd)
	if err != nil {
		return err
	}
	opts.ModelLocation, _ = cmd.Flags().GetString("model")
	opts.InputColumns, _ = cmd.Flags().GetStringSlice("input")
	opts.SourceColumns, _ = cmd.Flags().GetStringSlice("source")
	opts.OutputColumns, _ = cmd.Flags().GetStringSlice("output")
	opts.AddBatchDimensionInputs, _ = cmd.Flags().GetBool("batch-dim")

	table, err := dataFromFlags(cmd)
	if err != nil {
		return err
	}

	tr, err := openStage(opts)
	if err != nil {
		return err
	}
	defer tr.Close()

	outputs := tr.Outputs()
	show := opts.OutputColumns
	if len(show) == 0 {
		show = outputs
	}
	base := len(table.Schema())
	cols := make([]int, len(show))
	for i, name := range show {
		j := slices.Index(outputs, name)
		if j < 0 {
			return fmt.Errorf("model has no output %q", name)
		}
		cols[i] = base + j
	}

	view, err := tr.Transform(cmd.Context(), table)
	if err != nil {
		return err
	}
	cur, err := view.CursorFor(show...)
	if err != nil {
		return err
	}
	defer cur.Close()

	var rows [][]string
	for cur.Next() {
		row := []string{strconv.FormatInt(cur.Position(), 10)}
		for _, c := range cols {
			v, err := cur.Value(c)
			if err != nil {
				return fmt.Errorf("row %d: %w", cur.Position(), err)
			}
			row = append(row, formatValue(v))
		}
		rows = append(rows, row)
	}
	if err := cur.Err(); err != nil {
		return err
	}

	w := newTable(cmd.OutOrStdout(), append([]string{"ROW"}, show...))
	w.SetAutoFormatHeaders(false)
	w.AppendBulk(rows)
	w.Render()
	return nil
}

func newScoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Score CSV rows with a model",
		Args:  cobra.NoArgs,
		RunE:  ScoreHandler,
	}
	cmd.Flags().String("model", "", "Saved graph stage, frozen graph file or saved-model directory")
	cmd.Flags().StringSlice("input", nil, "Graph input nodes")
	cmd.Flags().StringSlice("source", nil, "Data columns feeding the inputs (default: the input names)")
	cmd.Flags().StringSlice("output", nil, "Graph nodes to fetch (default: the saved outputs)")
	cmd.Flags().Bool("batch-dim", false, "Prepend a batch dimension of 1 to every input")
	_ = cmd.MarkFlagRequired("model")
	addDataFlags(cmd)
	return cmd
}
