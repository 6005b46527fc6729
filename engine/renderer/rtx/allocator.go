package rtx

import (
	"fmt"
	"sync"

	"github.com/spaghettifunk/anima-rtx/engine/core"
	"github.com/spaghettifunk/anima-rtx/engine/renderer/gpu"
)

type AllocatorConfig struct {
	// BudgetBytes caps the bytes of live allocations. Zero means no cap.
	BudgetBytes uint64
}

type AllocatorStats struct {
	LiveAllocations int
	LiveBytes       uint64
	PeakBytes       uint64
	// LiveHeaps counts descriptor heaps. They are outside the byte budget.
	LiveHeaps int
}

// ResourceAllocator creates the GPU buffers, textures and descriptor heaps of
// a compiled scene and keeps track of what is still alive.
type ResourceAllocator struct {
	device gpu.Device
	config AllocatorConfig

	mu    sync.Mutex
	live  []*allocation
	heaps []*DescriptorHeap
	stats AllocatorStats
}

func NewResourceAllocator(device gpu.Device, config AllocatorConfig) *ResourceAllocator {
	return &ResourceAllocator{
		device: device,
		config: config,
	}
}

type allocation struct {
	name      string
	resource  gpu.Resource
	size      uint64
	heap      gpu.HeapType
	allocator *ResourceAllocator
	released  bool
}

func (a *allocation) Name() string {
	return a.name
}

func (a *allocation) Resource() gpu.Resource {
	return a.resource
}

func (a *allocation) Size() uint64 {
	return a.size
}

func (a *allocation) Heap() gpu.HeapType {
	return a.heap
}

func (a *allocation) GPUVirtualAddress() gpu.GPUVirtualAddress {
	return a.resource.GPUVirtualAddress()
}

func (a *allocation) Released() bool {
	a.allocator.mu.Lock()
	defer a.allocator.mu.Unlock()
	return a.released
}

// Release frees the allocation. Releasing twice is a no-op.
func (a *allocation) Release() {
	if a.allocator.forget(a) {
		a.resource.Release()
	}
}

// Buffer is a linear GPU allocation.
type Buffer struct {
	*allocation
}

// Texture is a 2D GPU allocation.
type Texture struct {
	*allocation
	Width  uint32
	Height uint32
	Format gpu.Format
}

func (ra *ResourceAllocator) reserve(name string, size uint64) error {
	if size == 0 {
		err := core.ConfigurationError("allocation %q has zero size", name)
		core.LogError(err.Error())
		return err
	}
	ra.mu.Lock()
	defer ra.mu.Unlock()
	if ra.config.BudgetBytes > 0 && ra.stats.LiveBytes+size > ra.config.BudgetBytes {
		err := core.ResourceExhaustionError("allocation %q of %d bytes exceeds the budget (%d of %d bytes in use)",
			name, size, ra.stats.LiveBytes, ra.config.BudgetBytes)
		core.LogError(err.Error())
		return err
	}
	ra.stats.LiveBytes += size
	if ra.stats.LiveBytes > ra.stats.PeakBytes {
		ra.stats.PeakBytes = ra.stats.LiveBytes
	}
	ra.stats.LiveAllocations++
	return nil
}

func (ra *ResourceAllocator) unreserve(size uint64) {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	ra.stats.LiveBytes -= size
	ra.stats.LiveAllocations--
}

func (ra *ResourceAllocator) track(a *allocation) {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	ra.live = append(ra.live, a)
}

func (ra *ResourceAllocator) forget(a *allocation) bool {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	if a.released {
		return false
	}
	a.released = true
	ra.stats.LiveBytes -= a.size
	ra.stats.LiveAllocations--
	for i, l := range ra.live {
		if l == a {
			ra.live = append(ra.live[:i], ra.live[i+1:]...)
			break
		}
	}
	return true
}

func (ra *ResourceAllocator) create(name string, heap gpu.HeapType, desc gpu.ResourceDesc, state gpu.ResourceState) (*allocation, error) {
	size := desc.SizeInBytes()
	if err := ra.reserve(name, size); err != nil {
		return nil, err
	}
	res, err := ra.device.CreateCommittedResource(heap, desc, state)
	if err != nil {
		ra.unreserve(size)
		err = fmt.Errorf("%w: allocating %q (%d bytes, %s heap): %w", core.ErrResourceExhaustion, name, size, heap, err)
		core.LogError(err.Error())
		return nil, err
	}
	a := &allocation{
		name:      name,
		resource:  res,
		size:      size,
		heap:      heap,
		allocator: ra,
	}
	ra.track(a)
	core.LogDebug("allocated %q: %d bytes on the %s heap at 0x%x", name, size, heap, uint64(res.GPUVirtualAddress()))
	return a, nil
}

func (ra *ResourceAllocator) CreateBuffer(name string, size uint64, heap gpu.HeapType, flags gpu.ResourceFlags, state gpu.ResourceState) (*Buffer, error) {
	a, err := ra.create(name, heap, gpu.BufferDesc(size, flags), state)
	if err != nil {
		return nil, err
	}
	return &Buffer{allocation: a}, nil
}

// CreateUploadBuffer allocates an upload-heap buffer holding a copy of data.
func (ra *ResourceAllocator) CreateUploadBuffer(name string, data []byte) (*Buffer, error) {
	b, err := ra.CreateBuffer(name, uint64(len(data)), gpu.HeapTypeUpload, gpu.ResourceFlagNone, gpu.ResourceStateGenericRead)
	if err != nil {
		return nil, err
	}
	if err := b.Write(0, data); err != nil {
		b.Release()
		return nil, err
	}
	return b, nil
}

func (ra *ResourceAllocator) CreateTexture2D(name string, width, height uint32, format gpu.Format, flags gpu.ResourceFlags, state gpu.ResourceState) (*Texture, error) {
	if width == 0 || height == 0 || format.BytesPerElement() == 0 {
		err := core.ConfigurationError("texture %q has an invalid shape %dx%d (format %d)", name, width, height, format)
		core.LogError(err.Error())
		return nil, err
	}
	a, err := ra.create(name, gpu.HeapTypeDefault, gpu.Texture2DDesc(width, height, format, flags), state)
	if err != nil {
		return nil, err
	}
	return &Texture{allocation: a, Width: width, Height: height, Format: format}, nil
}

func (ra *ResourceAllocator) Stats() AllocatorStats {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	return ra.stats
}

func (ra *ResourceAllocator) trackHeap(h *DescriptorHeap) {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	ra.heaps = append(ra.heaps, h)
	ra.stats.LiveHeaps++
}

func (ra *ResourceAllocator) forgetHeap(h *DescriptorHeap) {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	for i, l := range ra.heaps {
		if l == h {
			ra.heaps = append(ra.heaps[:i], ra.heaps[i+1:]...)
			ra.stats.LiveHeaps--
			return
		}
	}
}

// ReleaseAll releases every live descriptor heap and then every live
// allocation, newest first.
func (ra *ResourceAllocator) ReleaseAll() {
	ra.mu.Lock()
	heaps := append([]*DescriptorHeap(nil), ra.heaps...)
	live := append([]*allocation(nil), ra.live...)
	ra.mu.Unlock()
	for i := len(heaps) - 1; i >= 0; i-- {
		heaps[i].Release()
	}
	for i := len(live) - 1; i >= 0; i-- {
		live[i].Release()
	}
}

// Map gives fn the CPU view of an upload buffer. The buffer is unmapped on
// every way out of fn, including a panic.
func (b *Buffer) Map(fn func(mem []byte) error) (err error) {
	if b.Released() {
		return core.ConfigurationError("buffer %q used after release", b.name)
	}
	mem, err := b.resource.Map()
	if err != nil {
		return fmt.Errorf("mapping %q: %w", b.name, err)
	}
	defer b.resource.Unmap()
	return fn(mem)
}

// Write copies data into the buffer at offset.
func (b *Buffer) Write(offset uint64, data []byte) error {
	end := offset + uint64(len(data))
	if end > b.size || end < offset {
		err := core.ConfigurationError("write of %d bytes at %d overflows %q (%d bytes)", len(data), offset, b.name, b.size)
		core.LogError(err.Error())
		return err
	}
	return b.Map(func(mem []byte) error {
		copy(mem[offset:end], data)
		return nil
	})
}
