package modelfile

import (
	"errors"
	"fmt"
)

// Common errors.
var (
	ErrInvalidMagic       = errors.New("invalid magic bytes")
	ErrUnsupportedVersion = errors.New("unsupported format version")
	ErrChecksumMismatch   = errors.New("checksum mismatch: file may be corrupted")
	ErrTooManyEntries     = errors.New("too many entries in container")
	ErrStringTooLong      = errors.New("string exceeds maximum length")
	ErrPayloadTooLarge    = errors.New("payload exceeds maximum size")
	ErrInvalidPath        = errors.New("invalid file path")
	ErrInvalidUTF8        = errors.New("string is not valid UTF-8")
)

// ValidationError provides detailed information about validation failures.
type ValidationError struct {
	Field   string // Field being decoded, e.g. "inputs", "files[2].path".
	Err     error
	Details string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Details == "" {
		return fmt.Sprintf("%s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", e.Field, e.Err, e.Details)
}

// Unwrap returns the underlying sentinel.
func (e *ValidationError) Unwrap() error { return e.Err }
