package engine

import (
	"fmt"

	"github.com/born-ml/graphstage/internal/graph"
)

// Engine errors.
var (
	ErrClosed        = fmt.Errorf("%w: engine is closed", graph.ErrExecution)
	ErrUnsupportedOp = fmt.Errorf("%w: unsupported operation", graph.ErrConfig)
	ErrMissingFeed   = fmt.Errorf("%w: placeholder has no feed", graph.ErrConfig)
	ErrDevice        = fmt.Errorf("%w: device unavailable", graph.ErrConfig)
	ErrBadFeed       = fmt.Errorf("%w: feed does not match its placeholder", graph.ErrSchemaMismatch)
)
