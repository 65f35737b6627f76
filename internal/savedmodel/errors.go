package savedmodel

import "errors"

// Common errors.
var (
	ErrMissingFile   = errors.New("saved model file missing")
	ErrSizeMismatch  = errors.New("variable data size does not match index")
	ErrNotSavedModel = errors.New("not a saved model directory")
)
