package headless

import (
	"fmt"
	"sync"

	"github.com/spaghettifunk/anima-rtx/engine/renderer/gpu"
)

type SwapChain struct {
	device   *Device
	mu       sync.Mutex
	buffers  []*Resource
	current  int
	presents int
}

// NewSwapChain creates bufferCount presentable textures of the given size.
func NewSwapChain(d *Device, bufferCount int, width, height uint32, format gpu.Format) (*SwapChain, error) {
	if bufferCount < 1 {
		return nil, fmt.Errorf("headless: swap chain needs at least one buffer")
	}
	sc := &SwapChain{device: d}
	for i := 0; i < bufferCount; i++ {
		res, err := d.CreateCommittedResource(gpu.HeapTypeDefault, gpu.Texture2DDesc(width, height, format, gpu.ResourceFlagNone), gpu.ResourceStatePresent)
		if err != nil {
			sc.Release()
			return nil, err
		}
		sc.buffers = append(sc.buffers, res.(*Resource))
	}
	return sc, nil
}

func (sc *SwapChain) BufferCount() int {
	return len(sc.buffers)
}

func (sc *SwapChain) Buffer(index int) gpu.Resource {
	return sc.buffers[index]
}

func (sc *SwapChain) CurrentBackBufferIndex() int {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.current
}

func (sc *SwapChain) Present() error {
	if err := sc.device.call("Present"); err != nil {
		return err
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.current = (sc.current + 1) % len(sc.buffers)
	sc.presents++
	return nil
}

func (sc *SwapChain) Presents() int {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.presents
}

func (sc *SwapChain) Release() {
	for _, b := range sc.buffers {
		b.Release()
	}
	sc.buffers = nil
}
