package modelfile

import (
	"fmt"
	"os"
	"path/filepath"
)

// ReadDir reads the named files of a model directory. names are slash
// separated and relative to dir.
func ReadDir(dir string, names []string) ([]File, error) {
	files := make([]File, 0, len(names))
	for _, name := range names {
		if err := ValidatePath(name); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(name)))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		files = append(files, File{Path: name, Data: data})
	}
	return files, nil
}

// Extract writes files below dir, creating parent directories as needed.
func Extract(dir string, files []File) error {
	for _, f := range files {
		if err := ValidatePath(f.Path); err != nil {
			return err
		}
		dst := filepath.Join(dir, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", f.Path, err)
		}
		if err := os.WriteFile(dst, f.Data, 0o600); err != nil {
			return fmt.Errorf("failed to write %s: %w", f.Path, err)
		}
		info, err := os.Stat(dst)
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", f.Path, err)
		}
		if info.Size() != int64(len(f.Data)) {
			return fmt.Errorf("%s: wrote %d bytes, expected %d", f.Path, info.Size(), len(f.Data))
		}
	}
	return nil
}
