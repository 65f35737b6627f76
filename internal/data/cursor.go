package data

import "github.com/born-ml/graphstage/internal/tensor"

// Cursor iterates the rows of a View.
//
// Value may be called any number of times for the current row; cursors
// never read ahead of or behind the current position.
type Cursor interface {
	// Next advances to the next row and reports whether one exists.
	Next() bool
	// Position returns the 0-based index of the current row, -1 before the first Next.
	Position() int64
	// Value returns the current row's value of column col.
	Value(col int) (*tensor.Tensor, error)
	// Err returns the error that stopped iteration, if any.
	Err() error
	Close() error
}

// View is a source of typed rows.
type View interface {
	Schema() Schema
	Cursor() (Cursor, error)
}
