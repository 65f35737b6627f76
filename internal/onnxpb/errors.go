package onnxpb

import "errors"

// Common errors.
var (
	ErrTruncated   = errors.New("truncated or corrupt protobuf data")
	ErrMalformed   = errors.New("malformed onnx model")
	ErrUnsupported = errors.New("unsupported tensor data type")
)
