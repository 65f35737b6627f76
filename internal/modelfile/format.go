package modelfile

// Format constants.
const (
	MagicBytes      = "GSTG"
	FormatVersion   = 1  // v1: bindings and payload
	FormatVersionV2 = 2  // v2: adds the transfer learning block
	ChecksumSize    = 32 // SHA-256 trailer
)

// Architecture identifies the feature extractor a transfer-learned head sits on.
type Architecture int32

// Supported architectures.
const (
	ResnetV2101 Architecture = iota
	InceptionV3
)

func (a Architecture) String() string {
	switch a {
	case ResnetV2101:
		return "resnet_v2_101"
	case InceptionV3:
		return "inception_v3"
	default:
		return "unknown"
	}
}

// Container is the persisted form of a graph stage.
type Container struct {
	// Frozen selects the payload: Graph when set, Files otherwise.
	Frozen            bool
	AddBatchDimension bool
	Inputs            []string
	Outputs           []string
	Transfer          TransferInfo
	// Graph is the serialized frozen graph.
	Graph []byte
	// Files are the saved-model files, paths relative to the model directory.
	Files []File
}

// TransferInfo describes a head trained by transfer learning.
type TransferInfo struct {
	Enabled                  bool
	LabelColumn              string
	CheckpointName           string
	Arch                     Architecture
	ScoreColumnName          string
	PredictedLabelColumnName string
	LearningRate             float32
	ClassCount               int32
	PredictionTensorName     string
	SoftmaxTensorName        string
}

// File is one file of a saved-model directory.
type File struct {
	// Path is slash separated and relative to the model directory.
	Path string
	Data []byte
}
