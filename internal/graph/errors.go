package graph

import (
	"errors"
	"fmt"
)

// Error classes. Every error returned by the graph stage wraps one of them.
var (
	ErrConfig         = errors.New("configuration error")
	ErrSchemaMismatch = errors.New("schema mismatch")
	ErrIO             = errors.New("i/o error")
	ErrExecution      = errors.New("graph execution failed")
)

// Configuration errors.
var (
	ErrNodeNotFound    = fmt.Errorf("%w: node not found", ErrConfig)
	ErrDuplicateOutput = fmt.Errorf("%w: duplicate output", ErrConfig)
	ErrUnsupportedType = fmt.Errorf("%w: unsupported element type", ErrConfig)
	ErrNotVector       = fmt.Errorf("%w: non-vector columns are not supported", ErrConfig)
	ErrVariableLength  = fmt.Errorf("%w: variable length columns are not supported", ErrConfig)
	ErrColumnNotFound  = fmt.Errorf("%w: column not found", ErrConfig)
)

// Schema mismatch errors.
var (
	ErrTypeMismatch  = fmt.Errorf("%w: element type mismatch", ErrSchemaMismatch)
	ErrShapeMismatch = fmt.Errorf("%w: input shape mismatch", ErrSchemaMismatch)
)

// NodeError reports a failure related to a named graph node.
type NodeError struct {
	Node string
	Err  error
}

// Error implements the error interface.
func (e *NodeError) Error() string {
	return fmt.Sprintf("node %q: %v", e.Node, e.Err)
}

// Unwrap returns the underlying error.
func (e *NodeError) Unwrap() error { return e.Err }

// ColumnError reports a failure related to a named data column.
type ColumnError struct {
	Column string
	Err    error
}

// Error implements the error interface.
func (e *ColumnError) Error() string {
	return fmt.Sprintf("column %q: %v", e.Column, e.Err)
}

// Unwrap returns the underlying error.
func (e *ColumnError) Unwrap() error { return e.Err }

// Classify wraps err with class unless it already carries one of the error classes.
func Classify(class, err error) error {
	if err == nil {
		return nil
	}
	for _, c := range []error{ErrConfig, ErrSchemaMismatch, ErrIO, ErrExecution} {
		if errors.Is(err, c) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", class, err)
}
