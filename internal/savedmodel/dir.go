package savedmodel

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/born-ml/graphstage/internal/onnxpb"
)

// Bundle is a loaded saved model.
type Bundle struct {
	Dir       string
	Model     *onnxpb.Model
	Variables []Variable
}

// VariablesPrefix returns the checkpoint prefix of dir's variables.
func VariablesPrefix(dir string) string {
	return filepath.Join(dir, VariablesDir, VariablesDir)
}

// Files lists the files of a saved model relative to its directory.
func Files() []string {
	prefix := filepath.Join(VariablesDir, VariablesDir)
	return []string{GraphFile, IndexPath(prefix), DataPath(prefix)}
}

// IsSavedModel reports whether dir looks like a saved-model directory.
func IsSavedModel(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, GraphFile))
	return err == nil && !info.IsDir()
}

// Load reads the graph and variables of the saved model in dir.
func Load(dir string) (*Bundle, error) {
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotSavedModel, dir)
	}
	for _, f := range Files() {
		if _, err := os.Stat(filepath.Join(dir, f)); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrMissingFile, f)
		}
	}
	model, err := onnxpb.ReadFile(filepath.Join(dir, GraphFile))
	if err != nil {
		return nil, err
	}
	vars, err := ReadCheckpoint(VariablesPrefix(dir))
	if err != nil {
		return nil, err
	}
	return &Bundle{Dir: dir, Model: model, Variables: vars}, nil
}

// Save writes model and vars as a saved model in dir.
func Save(dir string, model *onnxpb.Model, vars []Variable) error {
	if err := os.MkdirAll(filepath.Join(dir, VariablesDir), 0o750); err != nil {
		return fmt.Errorf("failed to create saved model directory: %w", err)
	}
	if err := onnxpb.WriteFile(filepath.Join(dir, GraphFile), model); err != nil {
		return err
	}
	return WriteCheckpoint(VariablesPrefix(dir), vars)
}

// UpdateVariables replaces the variables of the saved model in dir with the
// checkpoint written under staged. The previous variables directory is
// copied to variables-<uuid> first; the archive path is returned.
//
// A failure part way leaves dir in an indeterminate state; nothing is rolled back.
func UpdateVariables(dir, staged string) (string, error) {
	varsDir := filepath.Join(dir, VariablesDir)
	archive := varsDir + "-" + uuid.NewString()
	if err := copyDir(varsDir, archive); err != nil {
		return "", fmt.Errorf("failed to archive variables: %w", err)
	}

	prefix := VariablesPrefix(dir)
	moves := [][2]string{
		{DataPath(staged), DataPath(prefix)},
		{IndexPath(staged), IndexPath(prefix)},
	}
	for _, mv := range moves {
		if _, err := os.Stat(mv[0]); err != nil {
			return archive, fmt.Errorf("%w: %s", ErrMissingFile, filepath.Base(mv[0]))
		}
		if err := os.Remove(mv[1]); err != nil && !os.IsNotExist(err) {
			return archive, fmt.Errorf("failed to remove %s: %w", mv[1], err)
		}
		if err := os.Rename(mv[0], mv[1]); err != nil {
			return archive, fmt.Errorf("failed to move %s: %w", mv[0], err)
		}
	}
	return archive, nil
}

//nolint:gosec // G304: paths are inside the saved model directory
func copyDir(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dst, 0o750); err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		in, err := os.Open(filepath.Join(src, e.Name()))
		if err != nil {
			return err
		}
		out, err := os.Create(filepath.Join(dst, e.Name()))
		if err != nil {
			_ = in.Close()
			return err
		}
		_, err = io.Copy(out, in)
		_ = in.Close()
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
	}
	return nil
}
