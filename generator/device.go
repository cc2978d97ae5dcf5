package generator

import (
	"github.com/ignite-run/ignite/gpubuf"
	"github.com/ignite-run/ignite/kernel"
)

// Device implements kernel.Device (spec.md §6 "GPU contract": device
// handle, createCommandRecorder, allowReadback, maxBufferBindingSize)
// over the reference buffer pool. The reference backend never actually
// needs a GPU-specific recorder object beyond kernel.Recorder's own
// thunk-batching, so CreateCommandRecorder's label is accepted for
// interface parity with a real backend but otherwise unused.
type Device struct {
	Pool                 *gpubuf.Pool
	MaxBufferBindingSize_ int64 // 0 falls back to defaultMaxBufferBinding
}

const defaultMaxBufferBinding = 1 << 28 // 256MiB, a conservative stand-in for a real device's binding limit

func (d *Device) CreateCommandRecorder(label string) *kernel.Recorder {
	return kernel.NewRecorder()
}

func (d *Device) AllowReadback(tag string) bool {
	if d.Pool == nil {
		return false
	}
	return d.Pool.AllowReadback(tag)
}

func (d *Device) MaxBufferBindingSize() int64 {
	if d.MaxBufferBindingSize_ > 0 {
		return d.MaxBufferBindingSize_
	}
	return defaultMaxBufferBinding
}
