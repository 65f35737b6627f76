package graph

import (
	"fmt"

	"github.com/born-ml/graphstage/internal/data"
)

// Introspect resolves names and validates their element types.
// When unique is set, a name listed twice is a configuration error.
func Introspect(rt Runtime, names []string, unique bool) ([]Node, error) {
	seen := make(map[string]struct{}, len(names))
	nodes := make([]Node, len(names))
	for i, name := range names {
		if unique {
			if _, dup := seen[name]; dup {
				return nil, &NodeError{Node: name, Err: ErrDuplicateOutput}
			}
			seen[name] = struct{}{}
		}
		n, err := rt.Resolve(name)
		if err != nil {
			return nil, &NodeError{Node: name, Err: Classify(ErrConfig, err)}
		}
		if !n.DType.IsValid() {
			return nil, &NodeError{Node: name, Err: fmt.Errorf("%w: %v", ErrUnsupportedType, n.DType)}
		}
		nodes[i] = n
	}
	return nodes, nil
}

// ColumnType derives the column type a node's values are written to.
//
// A leading unknown dimension is the batch dimension and is dropped. Other
// unknown dimensions become 0, a variable-length vector. Nodes without
// remaining dimensions produce scalar columns.
func ColumnType(n Node) data.ColumnType {
	dims := n.Shape
	if len(dims) > 0 && dims[0] < 0 {
		dims = dims[1:]
	}
	if len(dims) == 0 {
		return data.Scalar(n.DType)
	}
	out := make([]int64, len(dims))
	for i, d := range dims {
		if d < 0 {
			d = 0
		}
		out[i] = d
	}
	return data.Vector(n.DType, out...)
}

// String returns "name: dtype[dims]".
func (n Node) String() string {
	if n.Shape == nil {
		return fmt.Sprintf("%s: %v[?]", n.Name, n.DType)
	}
	return fmt.Sprintf("%s: %v%v", n.Name, n.DType, n.Shape)
}
