//go:build windows

package engine

import (
	"fmt"

	"github.com/born-ml/born/backend/webgpu"
	btensor "github.com/born-ml/born/tensor"
)

func gpuBackend() (btensor.Backend, error) {
	if !webgpu.IsAvailable() {
		return nil, fmt.Errorf("%w: no WebGPU adapter", ErrDevice)
	}
	b, err := webgpu.New()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDevice, err)
	}
	return b, nil
}
