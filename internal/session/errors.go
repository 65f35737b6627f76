package session

import (
	"fmt"

	"github.com/born-ml/graphstage/internal/graph"
)

// Session errors.
var (
	ErrNotOpen     = fmt.Errorf("%w: session is not open", graph.ErrConfig)
	ErrAlreadyOpen = fmt.Errorf("%w: session is already open", graph.ErrConfig)
)

// closedFault is the panic value of a run attempted after Close.
const closedFault = "session: run after close"
