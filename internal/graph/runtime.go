// Package graph defines the contract between the graph stage and the native
// tensor runtime: node introspection, execution and variable persistence.
package graph

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/born-ml/graphstage/internal/tensor"
)

// Node describes one output of a graph operation.
type Node struct {
	// Name is the name the node was resolved by, e.g. "scores" or "split:1".
	Name string
	// Op is the producing operation.
	Op string
	// Output is the output index of Op.
	Output int
	// OpType is the operation type, e.g. "Placeholder", "MatMul".
	OpType string
	DType  tensor.DType
	// Shape is nil when the rank is unknown. Unknown dimensions are tensor.Unknown.
	Shape tensor.Shape
}

// Feed binds a tensor to a named graph input.
type Feed struct {
	Name  string
	Value *tensor.Tensor
}

// Runtime is a loaded graph with an execution context.
//
// Implementations must allow concurrent Run calls.
type Runtime interface {
	// Resolve looks up a node by name. "op:idx" selects output idx of op.
	Resolve(name string) (Node, error)
	// Inputs returns the graph's placeholders.
	Inputs() []Node
	// Outputs returns the graph's declared outputs.
	Outputs() []Node
	// Variables returns the trainable variables.
	Variables() []Node
	// Run binds feeds, executes targets for their side effects and returns
	// one tensor per fetch, in fetch order.
	Run(feeds []Feed, fetches, targets []string) ([]*tensor.Tensor, error)
	// SaveCheckpoint writes the variable values under prefix.
	SaveCheckpoint(prefix string) error
	// RestoreCheckpoint loads variable values written by SaveCheckpoint.
	RestoreCheckpoint(prefix string) error
	// Freeze returns a self-contained graph computing outputs with every
	// variable replaced by its current value.
	Freeze(outputs []string) ([]byte, error)
	Close() error
}

// Loader creates runtimes from the two persisted model representations.
type Loader interface {
	// LoadFrozen loads a frozen graph blob.
	LoadFrozen(data []byte) (Runtime, error)
	// LoadSavedModel loads a saved-model directory.
	LoadSavedModel(dir string) (Runtime, error)
}

// SplitName splits "op:idx" into its operation name and output index.
// Names without a numeric suffix select output 0.
func SplitName(name string) (string, int) {
	i := strings.LastIndexByte(name, ':')
	if i < 0 {
		return name, 0
	}
	idx, err := strconv.Atoi(name[i+1:])
	if err != nil || idx < 0 {
		return name, 0
	}
	return name[:i], idx
}

// JoinName is the inverse of SplitName.
func JoinName(op string, output int) string {
	if output == 0 {
		return op
	}
	return fmt.Sprintf("%s:%d", op, output)
}
