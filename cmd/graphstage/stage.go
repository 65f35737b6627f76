package main

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/born-ml/graphstage/internal/data"
	"github.com/born-ml/graphstage/internal/envconfig"
	"github.com/born-ml/graphstage/internal/modelfile"
	"github.com/born-ml/graphstage/internal/tensor"
	"github.com/born-ml/graphstage/internal/transform"
)

const (
	flagRunners = "runners"
	flagDevice  = "device"
	flagTempDir = "tmpdir"
)

// stageOptions returns transform options carrying the process settings.
// Flags override the environment.
func stageOptions(cmd *cobra.Command) (transform.Options, error) {
	opts := transform.DefaultOptions()
	runners, err := cmd.Flags().GetInt(flagRunners)
	if err != nil {
		return opts, err
	}
	device, err := cmd.Flags().GetString(flagDevice)
	if err != nil {
		return opts, err
	}
	tmp, err := cmd.Flags().GetString(flagTempDir)
	if err != nil {
		return opts, err
	}
	opts.Runners = runners
	opts.Device = device
	opts.TempDir = tmp
	opts.Logger = envconfig.Logger()
	return opts, nil
}

func loadOptions(opts transform.Options, sources []string) transform.LoadOptions {
	return transform.LoadOptions{
		SourceColumns: sources,
		Runners:       opts.Runners,
		TempDir:       opts.TempDir,
		Device:        opts.Device,
		Logger:        opts.Logger,
	}
}

// isContainer reports whether path is a file starting with the container magic.
func isContainer(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	magic := make([]byte, len(modelfile.MagicBytes))
	if _, err := io.ReadFull(f, magic); err != nil {
		return false
	}
	return string(magic) == modelfile.MagicBytes
}

// openStage loads a saved container, or opens a graph file or saved-model
// directory with the input and output columns in opts.
func openStage(opts transform.Options) (*transform.Transform, error) {
	if isContainer(opts.ModelLocation) {
		return transform.LoadFile(opts.ModelLocation, loadOptions(opts, opts.SourceColumns))
	}
	return transform.New(opts)
}

// loadTable reads a CSV file with the schema given as "name:type[:dims],...".
func loadTable(path, spec string, header bool) (*data.Table, error) {
	schema, err := data.ParseSchema(spec)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return data.ReadCSV(bufio.NewReader(f), schema, header)
}

func addDataFlags(cmd *cobra.Command) {
	cmd.Flags().String("data", "", "CSV file with the input rows")
	cmd.Flags().String("schema", "", "Column schema, e.g. \"img:float32:3x224x224,label:key:10\"")
	cmd.Flags().Bool("header", false, "Skip the first CSV record")
	_ = cmd.MarkFlagRequired("data")
	_ = cmd.MarkFlagRequired("schema")
}

func dataFromFlags(cmd *cobra.Command) (*data.Table, error) {
	path, _ := cmd.Flags().GetString("data")
	spec, _ := cmd.Flags().GetString("schema")
	header, _ := cmd.Flags().GetBool("header")
	return loadTable(path, spec, header)
}

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	return table
}

// formatValue renders a cell. Single elements print bare, longer tensors as
// a bracketed list.
func formatValue(t *tensor.Tensor) string {
	if t == nil {
		return ""
	}
	var elems []string
	if t.DType() == tensor.String {
		s, err := t.Strings()
		if err != nil {
			return err.Error()
		}
		for _, b := range s {
			elems = append(elems, string(b))
		}
	} else {
		f, err := t.Float64s()
		if err != nil {
			return err.Error()
		}
		for _, x := range f {
			elems = append(elems, strconv.FormatFloat(x, 'g', 6, 64))
		}
	}
	if len(elems) == 1 {
		return elems[0]
	}
	return "[" + strings.Join(elems, " ") + "]"
}

func formatShape(s tensor.Shape) string {
	if s == nil {
		return "?"
	}
	return s.String()
}
