package engine

import (
	"github.com/born-ml/graphstage/internal/logutil"
)

// Devices.
const (
	DeviceCPU    = "cpu"
	DeviceWebGPU = "webgpu"
)

// DefaultLearningRate is used by the optimizer until a training step sets its own.
const DefaultLearningRate = 0.01

// Options configures an Engine.
type Options struct {
	// Device executes inference. Training always runs on the CPU. Empty means DeviceCPU.
	Device string
	// Logger receives load and execution events. Nil disables logging.
	Logger *logutil.Logger
}
