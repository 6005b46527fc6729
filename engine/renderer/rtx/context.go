// Package rtx compiles a ray-traced scene into GPU objects and drives its
// frames: acceleration structures, the ray-tracing pipeline state, the shader
// table and the frame ring.
package rtx

import (
	"github.com/spaghettifunk/anima-rtx/engine/core"
	"github.com/spaghettifunk/anima-rtx/engine/renderer/gpu"
)

// Context carries the device capabilities every component needs. It is passed
// explicitly to each constructor; nothing in this package keeps process-wide
// device state.
type Context struct {
	Device    gpu.Device
	Queue     gpu.CommandQueue
	Allocator *ResourceAllocator
	Limits    gpu.Limits
}

func NewContext(device gpu.Device, queue gpu.CommandQueue, config AllocatorConfig) (*Context, error) {
	if device == nil || queue == nil {
		err := core.ConfigurationError("a device and a command queue are required")
		core.LogError(err.Error())
		return nil, err
	}
	return &Context{
		Device:    device,
		Queue:     queue,
		Allocator: NewResourceAllocator(device, config),
		Limits:    device.Limits(),
	}, nil
}
