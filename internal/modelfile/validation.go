package modelfile

import (
	"fmt"
	"path"
	"strings"
)

// Validation limits for resource protection.
const (
	MaxStringLen   = 64 * 1024 // node and column names, file paths
	MaxEntries     = 100_000   // inputs, outputs or files
	MaxPayloadSize = 8 << 30   // one graph or file
	maxPrealloc    = 64 * 1024 * 1024
)

// ValidatePath checks a saved-model file path for traversal and absolute forms.
func ValidatePath(p string) error {
	switch {
	case p == "":
		return &ValidationError{Field: "path", Err: ErrInvalidPath, Details: "empty"}
	case strings.ContainsRune(p, 0):
		return &ValidationError{Field: "path", Err: ErrInvalidPath, Details: "contains null byte"}
	case strings.Contains(p, "\\"):
		return &ValidationError{Field: "path", Err: ErrInvalidPath, Details: fmt.Sprintf("%q uses a backslash", p)}
	case path.IsAbs(p):
		return &ValidationError{Field: "path", Err: ErrInvalidPath, Details: fmt.Sprintf("%q is absolute", p)}
	}
	for _, part := range strings.Split(p, "/") {
		if part == ".." {
			return &ValidationError{Field: "path", Err: ErrInvalidPath, Details: fmt.Sprintf("%q leaves the model directory", p)}
		}
	}
	return nil
}

// Validate checks a container before it is written.
func (c *Container) Validate() error {
	if len(c.Inputs) > MaxEntries || len(c.Outputs) > MaxEntries || len(c.Files) > MaxEntries {
		return ErrTooManyEntries
	}
	if c.Frozen && len(c.Files) > 0 {
		return fmt.Errorf("frozen container carries %d saved-model files", len(c.Files))
	}
	if !c.Frozen && len(c.Graph) > 0 {
		return fmt.Errorf("saved-model container carries a frozen graph")
	}
	seen := make(map[string]struct{}, len(c.Files))
	for i, f := range c.Files {
		if err := ValidatePath(f.Path); err != nil {
			return fmt.Errorf("files[%d]: %w", i, err)
		}
		if _, dup := seen[f.Path]; dup {
			return &ValidationError{Field: fmt.Sprintf("files[%d].path", i), Err: ErrInvalidPath, Details: fmt.Sprintf("duplicate %q", f.Path)}
		}
		seen[f.Path] = struct{}{}
	}
	return nil
}
