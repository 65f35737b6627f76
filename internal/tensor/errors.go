package tensor

import "errors"

// Common errors.
var (
	ErrUnsupportedType = errors.New("unsupported element type")
	ErrTypeMismatch    = errors.New("element type mismatch")
	ErrShape           = errors.New("invalid shape")
)
