// Package onnxpb reads, writes and rewrites ONNX models, the graph format the
// runtime executes. Only the messages and fields the graph stage uses are
// modelled; unknown fields are skipped on decode.
package onnxpb

// Model is an ONNX ModelProto.
type Model struct {
	IRVersion       int64
	ProducerName    string
	ProducerVersion string
	Domain          string
	ModelVersion    int64
	DocString       string
	Graph           *Graph
	Opsets          []Opset
	Metadata        []MetaEntry
}

// Graph is an ONNX GraphProto.
type Graph struct {
	Name         string
	Nodes        []*Node
	Initializers []*TensorProto
	DocString    string
	Inputs       []*ValueInfo
	Outputs      []*ValueInfo
	ValueInfo    []*ValueInfo
}

// Node is an ONNX NodeProto.
type Node struct {
	Inputs  []string
	Outputs []string
	Name    string
	OpType  string
	Attrs   []*Attribute
	Domain  string
}

// ValueInfo is an ONNX ValueInfoProto restricted to tensor types.
type ValueInfo struct {
	Name     string
	ElemType int32
	// HasShape is false when the rank is unknown.
	HasShape bool
	Dims     []Dim
}

// Dim is a tensor dimension: a fixed value or a symbolic parameter.
type Dim struct {
	Value int64
	Param string
}

// TensorProto is an ONNX TensorProto.
type TensorProto struct {
	Dims       []int64
	DataType   int32
	FloatData  []float32
	Int32Data  []int32
	StringData [][]byte
	Int64Data  []int64
	Name       string
	RawData    []byte
	DoubleData []float64
	Uint64Data []uint64
}

// Attribute is an ONNX AttributeProto. Graph-valued attributes are not kept.
type Attribute struct {
	Name    string
	F       float32
	I       int64
	S       []byte
	T       *TensorProto
	Floats  []float32
	Ints    []int64
	Strings [][]byte
	Type    int32
}

// Opset is an ONNX OperatorSetIdProto.
type Opset struct {
	Domain  string
	Version int64
}

// MetaEntry is an ONNX StringStringEntryProto.
type MetaEntry struct {
	Key   string
	Value string
}

// Attribute types.
const (
	AttrFloat   int32 = 1
	AttrInt     int32 = 2
	AttrString  int32 = 3
	AttrTensor  int32 = 4
	AttrFloats  int32 = 6
	AttrInts    int32 = 7
	AttrStrings int32 = 8
)

// Element types used when building graphs.
const (
	TypeFloat   int32 = 1
	TypeInt32   int32 = 6
	TypeInt64   int32 = 7
	TypeString  int32 = 8
	TypeFloat16 int32 = 10
)

// Attr returns the named attribute of n, or nil.
func (n *Node) Attr(name string) *Attribute {
	for _, a := range n.Attrs {
		if a.Name == name {
			return a
		}
	}
	return nil
}

// AttrInt returns an integer attribute or def.
func (n *Node) AttrInt(name string, def int64) int64 {
	if a := n.Attr(name); a != nil {
		return a.I
	}
	return def
}

// AttrFloat returns a float attribute or def.
func (n *Node) AttrFloat(name string, def float32) float32 {
	if a := n.Attr(name); a != nil {
		return a.F
	}
	return def
}

// AttrString returns a string attribute or def.
func (n *Node) AttrString(name, def string) string {
	if a := n.Attr(name); a != nil {
		return string(a.S)
	}
	return def
}

// Meta returns the value of a metadata key.
func (m *Model) Meta(key string) (string, bool) {
	for _, e := range m.Metadata {
		if e.Key == key {
			return e.Value, true
		}
	}
	return "", false
}

// SetMeta sets or replaces a metadata entry.
func (m *Model) SetMeta(key, value string) {
	for i := range m.Metadata {
		if m.Metadata[i].Key == key {
			m.Metadata[i].Value = value
			return
		}
	}
	m.Metadata = append(m.Metadata, MetaEntry{Key: key, Value: value})
}
