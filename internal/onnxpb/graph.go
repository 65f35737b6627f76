package onnxpb

import (
	"fmt"
	"slices"
)

// Clone returns a deep copy of m.
func (m *Model) Clone() *Model {
	c, err := Decode(Encode(m))
	if err != nil {
		// Encode always produces a decodable model.
		panic(fmt.Sprintf("onnxpb: clone failed: %v", err))
	}
	return c
}

// Producers maps every tensor name produced by a node to that node.
func (g *Graph) Producers() map[string]*Node {
	out := make(map[string]*Node, len(g.Nodes))
	for _, n := range g.Nodes {
		for _, o := range n.Outputs {
			if o != "" {
				out[o] = n
			}
		}
	}
	return out
}

// Initializer returns the named initializer, or nil.
func (g *Graph) Initializer(name string) *TensorProto {
	for _, t := range g.Initializers {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// Input returns the named graph input, or nil.
func (g *Graph) Input(name string) *ValueInfo {
	return find(g.Inputs, name)
}

// Output returns the named graph output, or nil.
func (g *Graph) Output(name string) *ValueInfo {
	return find(g.Outputs, name)
}

// Info returns the type information recorded for a tensor name in the
// inputs, outputs or value_info lists, or nil.
func (g *Graph) Info(name string) *ValueInfo {
	if vi := find(g.Inputs, name); vi != nil {
		return vi
	}
	if vi := find(g.Outputs, name); vi != nil {
		return vi
	}
	return find(g.ValueInfo, name)
}

func find(list []*ValueInfo, name string) *ValueInfo {
	for _, vi := range list {
		if vi.Name == name {
			return vi
		}
	}
	return nil
}

// Node returns the node with the given name, or nil.
func (g *Graph) Node(name string) *Node {
	for _, n := range g.Nodes {
		if n.Name == name {
			return n
		}
	}
	return nil
}

// Placeholders returns the graph inputs that are not backed by an initializer.
func (g *Graph) Placeholders() []*ValueInfo {
	var out []*ValueInfo
	for _, vi := range g.Inputs {
		if g.Initializer(vi.Name) == nil {
			out = append(out, vi)
		}
	}
	return out
}

// Needed returns the nodes required to compute wanted, stopping at the
// tensors for which stop reports true. Nodes are returned in graph order.
func (g *Graph) Needed(wanted []string, stop func(string) bool) []*Node {
	producers := g.Producers()
	keep := make(map[*Node]bool)
	stack := slices.Clone(wanted)
	seen := make(map[string]bool)
	for len(stack) > 0 {
		name := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[name] || stop(name) {
			continue
		}
		seen[name] = true
		n, ok := producers[name]
		if !ok || keep[n] {
			continue
		}
		keep[n] = true
		for _, in := range n.Inputs {
			if in != "" {
				stack = append(stack, in)
			}
		}
	}
	var out []*Node
	for _, n := range g.Nodes {
		if keep[n] {
			out = append(out, n)
		}
	}
	return out
}

// TopoSort orders nodes so that every node follows the producers of its
// inputs. Tensors for which ready reports true are available up front.
func TopoSort(nodes []*Node, ready func(string) bool) ([]*Node, error) {
	avail := make(map[string]bool)
	pending := slices.Clone(nodes)
	sorted := make([]*Node, 0, len(nodes))
	for len(pending) > 0 {
		progress := false
		rest := pending[:0]
		for _, n := range pending {
			ok := true
			for _, in := range n.Inputs {
				if in != "" && !avail[in] && !ready(in) {
					ok = false
					break
				}
			}
			if !ok {
				rest = append(rest, n)
				continue
			}
			sorted = append(sorted, n)
			for _, o := range n.Outputs {
				avail[o] = true
			}
			progress = true
		}
		pending = rest
		if !progress {
			return nil, fmt.Errorf("%w: graph has a cycle or a missing input at node %q", ErrMalformed, pending[0].Name)
		}
	}
	return sorted, nil
}

// Prune removes nodes, initializers and value info not needed to compute the
// graph outputs, and inputs nothing reads.
func (g *Graph) Prune() {
	wanted := make([]string, len(g.Outputs))
	for i, o := range g.Outputs {
		wanted[i] = o.Name
	}
	g.Nodes = g.Needed(wanted, func(string) bool { return false })

	used := make(map[string]bool)
	for _, n := range g.Nodes {
		for _, in := range n.Inputs {
			used[in] = true
		}
	}
	for _, name := range wanted {
		used[name] = true
	}
	g.Initializers = slices.DeleteFunc(g.Initializers, func(t *TensorProto) bool { return !used[t.Name] })
	g.Inputs = slices.DeleteFunc(g.Inputs, func(vi *ValueInfo) bool { return !used[vi.Name] })

	produced := g.Producers()
	g.ValueInfo = slices.DeleteFunc(g.ValueInfo, func(vi *ValueInfo) bool { return produced[vi.Name] == nil })
}

// Merge appends the nodes, initializers, inputs, outputs and value info of
// other to g. Inputs of other that g already produces are dropped, which
// connects the two graphs.
func (g *Graph) Merge(other *Graph) error {
	produced := g.Producers()
	for _, n := range other.Nodes {
		for _, o := range n.Outputs {
			if produced[o] != nil {
				return fmt.Errorf("%w: tensor %q is produced by both graphs", ErrMalformed, o)
			}
		}
	}
	g.Nodes = append(g.Nodes, other.Nodes...)
	g.Initializers = append(g.Initializers, other.Initializers...)
	for _, vi := range other.Inputs {
		if produced[vi.Name] != nil || g.Input(vi.Name) != nil {
			continue
		}
		g.Inputs = append(g.Inputs, vi)
	}
	g.Outputs = append(g.Outputs, other.Outputs...)
	g.ValueInfo = append(g.ValueInfo, other.ValueInfo...)
	return nil
}
