//go:build !windows

package engine

import (
	"fmt"
	"runtime"

	btensor "github.com/born-ml/born/tensor"
)

func gpuBackend() (btensor.Backend, error) {
	return nil, fmt.Errorf("%w: WebGPU is not supported on %s", ErrDevice, runtime.GOOS)
}
