package platform

import (
	"time"

	"github.com/spaghettifunk/anima-rtx/engine/core"
	"github.com/spaghettifunk/anima-rtx/engine/renderer/gpu"
	"github.com/spaghettifunk/anima-rtx/engine/renderer/gpu/headless"
)

var startTime = time.Now()

// Host brings up the window, device, queue and swap chain the renderer draws
// with. The renderer never creates any of them itself.
type Host interface {
	Startup(applicationName string, width, height uint32, backBuffers int) error
	Device() gpu.Device
	Queue() gpu.CommandQueue
	SwapChain() gpu.SwapChain
	// Resize replaces the swap chain. Nothing may still reference the old one.
	Resize(width, height uint32) error
	// PumpMessages returns false once the host wants to quit.
	PumpMessages() bool
	Shutdown() error
}

// Platform is the headless host: an in-memory device and a swap chain of
// plain textures, used by the command line and the tests.
type Platform struct {
	device    *headless.Device
	queue     *headless.Queue
	swapChain *headless.SwapChain
	options   []headless.Option
}

func New(options ...headless.Option) *Platform {
	return &Platform{options: options}
}

func (p *Platform) Startup(applicationName string, width uint32, height uint32, backBuffers int) error {
	p.device = headless.NewDevice(p.options...)
	p.queue = p.device.NewQueue()
	swapChain, err := headless.NewSwapChain(p.device, backBuffers, width, height, gpu.FormatR8G8B8A8Unorm)
	if err != nil {
		core.LogError("failed to create swap chain: %s", err)
		return err
	}
	p.swapChain = swapChain
	core.LogInfo("%s: headless device, %d back buffers of %dx%d", applicationName, backBuffers, width, height)
	return nil
}

func (p *Platform) Shutdown() error {
	if p.swapChain != nil {
		p.swapChain.Release()
		p.swapChain = nil
	}
	if p.device != nil && p.device.LiveObjects() != 0 {
		core.LogWarn("device shut down with %d live objects", p.device.LiveObjects())
	}
	return nil
}

func (p *Platform) Resize(width uint32, height uint32) error {
	if p.swapChain == nil {
		err := core.ConfigurationError("resize before startup")
		core.LogError(err.Error())
		return err
	}
	count := p.swapChain.BufferCount()
	format := p.swapChain.Buffer(0).Desc().Format
	p.swapChain.Release()
	p.swapChain = nil

	swapChain, err := headless.NewSwapChain(p.device, count, width, height, format)
	if err != nil {
		core.LogError("failed to recreate swap chain: %s", err)
		return err
	}
	p.swapChain = swapChain
	core.LogDebug("swap chain resized to %dx%d", width, height)
	return nil
}

func (p *Platform) Device() gpu.Device {
	return p.device
}

func (p *Platform) Queue() gpu.CommandQueue {
	return p.queue
}

func (p *Platform) SwapChain() gpu.SwapChain {
	return p.swapChain
}

// Headless exposes the concrete device for inspection.
func (p *Platform) Headless() *headless.Device {
	return p.device
}

func (p *Platform) Presents() int {
	if p.swapChain == nil {
		return 0
	}
	return p.swapChain.Presents()
}

// PumpMessages has no window to drain.
func (p *Platform) PumpMessages() bool {
	return true
}

// GetAbsoluteTime returns seconds since the process started.
func GetAbsoluteTime() float64 {
	return time.Since(startTime).Seconds()
}

func Sleep(ms float64) {
	time.Sleep(time.Duration(ms * float64(time.Millisecond)))
}
