package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/born-ml/graphstage/internal/engine"
	"github.com/born-ml/graphstage/internal/graph"
	"github.com/born-ml/graphstage/internal/savedmodel"
	"github.com/born-ml/graphstage/internal/transform"
)

// InspectHandler lists the inputs, outputs and variables of a model.
func InspectHandler(cmd *cobra.Command, args []string) error {
	opts, err := stageOptions(cmd)
	if err != nil {
		return err
	}
	path := args[0]

	var rt graph.Runtime
	switch {
	case isContainer(path):
		tr, err := transform.LoadFile(path, loadOptions(opts, nil))
		if err != nil {
			return err
		}
		defer tr.Close()
		rt = tr.Runtime()
	default:
		loader := engine.Loader{Options: engine.Options{Device: opts.Device, Logger: opts.Logger}}
		if savedmodel.IsSavedModel(path) {
			rt, err = loader.LoadSavedModel(path)
		} else {
			var blob []byte
			//nolint:gosec // G304: the model path is a command argument.
			blob, err = os.ReadFile(path)
			if err == nil {
				rt, err = loader.LoadFrozen(blob)
			}
		}
		if err != nil {
			return err
		}
		defer rt.Close()
	}

	var rows [][]string
	for _, group := range []struct {
		kind  string
		nodes []graph.Node
	}{
		{"input", rt.Inputs()},
		{"output", rt.Outputs()},
		{"variable", rt.Variables()},
	} {
		for _, n := range group.nodes {
			rows = append(rows, []string{group.kind, n.Name, n.DType.String(), formatShape(n.Shape), n.OpType})
		}
	}

	table := newTable(cmd.OutOrStdout(), []string{"KIND", "NAME", "TYPE", "SHAPE", "OP"})
	table.AppendBulk(rows)
	table.Render()
	return nil
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect MODEL",
		Short: "Show the inputs, outputs and variables of a model",
		Long:  "MODEL is a saved graph stage, a frozen graph file or a saved-model directory.",
		Args:  cobra.ExactArgs(1),
		RunE:  InspectHandler,
	}
}
