package transform

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/born-ml/graphstage/internal/graph"
	"github.com/born-ml/graphstage/internal/logutil"
	"github.com/born-ml/graphstage/internal/modelfile"
	"github.com/born-ml/graphstage/internal/savedmodel"
	"github.com/born-ml/graphstage/internal/session"
	"github.com/born-ml/graphstage/internal/train"
)

// LoadOptions configures a Transform read back from a container.
type LoadOptions struct {
	// SourceColumns names the data column feeding each input. Empty means
	// the column named like the input node.
	SourceColumns []string

	Runners int
	TempDir string
	Device  string
	Loader  graph.Loader
	Logger  *logutil.Logger
}

// Container returns the persisted form of t. A saved model is read back from
// its directory, so a retrained model is saved with its updated variables.
// A transfer-learned model records its source column instead of the
// extractor input node, which load derives from the architecture.
func (t *Transform) Container() (*modelfile.Container, error) {
	c := &modelfile.Container{
		Frozen:            t.frozen != nil,
		AddBatchDimension: t.addBatch,
		Inputs:            t.Inputs(),
		Outputs:           t.Outputs(),
		Transfer:          t.transfer,
	}
	if t.transfer.Enabled {
		c.Inputs = append([]string(nil), t.sources...)
	}
	if c.Frozen {
		c.Graph = t.frozen
		return c, nil
	}

	dir := t.sess.Dir()
	if dir == "" {
		return nil, fmt.Errorf("%w: session has no model directory", graph.ErrIO)
	}
	names := savedmodel.Files()
	for i, name := range names {
		names[i] = filepath.ToSlash(name)
	}
	files, err := modelfile.ReadDir(dir, names)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", graph.ErrIO, err)
	}
	c.Files = files
	return c, nil
}

// Save writes t as a model container.
func (t *Transform) Save(w io.Writer) error {
	c, err := t.Container()
	if err != nil {
		return err
	}
	if err := modelfile.Write(w, c); err != nil {
		return graph.Classify(graph.ErrIO, err)
	}
	return nil
}

// SaveFile writes t as a model container at path.
func (t *Transform) SaveFile(path string) error {
	c, err := t.Container()
	if err != nil {
		return err
	}
	if err := modelfile.WriteFile(path, c); err != nil {
		return graph.Classify(graph.ErrIO, err)
	}
	return nil
}

// Load reads a model container and opens a Transform on it. A saved-model
// payload is extracted to a staging directory the Transform owns and
// removes on Close.
func Load(r io.Reader, opts LoadOptions) (*Transform, error) {
	c, err := modelfile.Read(r)
	if err != nil {
		return nil, graph.Classify(graph.ErrIO, err)
	}
	return FromContainer(c, opts)
}

// LoadFile reads the model container at path.
func LoadFile(path string, opts LoadOptions) (*Transform, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", graph.ErrIO, err)
	}
	defer f.Close()
	return Load(f, opts)
}

// FromContainer opens a Transform on a decoded container.
func FromContainer(c *modelfile.Container, opts LoadOptions) (*Transform, error) {
	o := Options{Runners: opts.Runners, TempDir: opts.TempDir, Device: opts.Device, Loader: opts.Loader, Logger: opts.Logger}
	t := &Transform{
		sess:     session.New(session.Options{Runners: opts.Runners, Logger: opts.Logger}),
		loader:   o.loader(),
		addBatch: c.AddBatchDimension,
		transfer: c.Transfer,
		log:      logutil.OrNoop(opts.Logger).WithComponent("transform"),
	}

	if c.Frozen {
		if err := t.sess.OpenFrozen(t.loader, c.Graph); err != nil {
			return nil, err
		}
		t.frozen = c.Graph
	} else {
		dir, err := session.StageDir(opts.TempDir)
		if err != nil {
			return nil, err
		}
		if err := modelfile.Extract(dir, c.Files); err != nil {
			return nil, errors.Join(fmt.Errorf("%w: %w", graph.ErrIO, err), os.RemoveAll(dir))
		}
		if err := t.sess.OpenSavedModel(t.loader, dir, true); err != nil {
			return nil, err
		}
	}

	nodes, err := inputNodes(c)
	if err != nil {
		return nil, errors.Join(err, t.Close())
	}
	sources := opts.SourceColumns
	if len(sources) == 0 {
		sources = c.Inputs
	}
	if len(sources) != len(nodes) {
		err := fmt.Errorf("%w: %d source columns for %d inputs", graph.ErrConfig, len(sources), len(nodes))
		return nil, errors.Join(err, t.Close())
	}
	if err := t.bindOutputs(nodes, sources, c.Outputs); err != nil {
		return nil, errors.Join(err, t.Close())
	}
	return t, nil
}

// inputNodes returns the graph input nodes of c. The inputs of a
// transfer-learned container are column names feeding the extractor input.
func inputNodes(c *modelfile.Container) ([]string, error) {
	if !c.Transfer.Enabled {
		return c.Inputs, nil
	}
	ext, ok := train.Extractors[c.Transfer.Arch]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported architecture %s", graph.ErrConfig, c.Transfer.Arch)
	}
	if len(c.Inputs) != 1 {
		return nil, fmt.Errorf("%w: transfer model with %d inputs", graph.ErrConfig, len(c.Inputs))
	}
	return []string{ext.Input}, nil
}
