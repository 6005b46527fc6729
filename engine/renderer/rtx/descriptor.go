package rtx

import (
	"fmt"
	"sync"

	"github.com/spaghettifunk/anima-rtx/engine/core"
	"github.com/spaghettifunk/anima-rtx/engine/renderer/gpu"
)

// DescriptorSlot is one allocated entry of a DescriptorHeap.
type DescriptorSlot struct {
	Index uint32
	CPU   gpu.CPUDescriptorHandle
	GPU   gpu.GPUDescriptorHandle
}

// DescriptorHeap hands out slots of a device heap linearly. Slots are written
// once during scene compilation and are read-only afterwards.
type DescriptorHeap struct {
	name      string
	heap      gpu.DescriptorHeap
	increment uint32
	mu        sync.Mutex
	next      uint32
	released  bool
	allocator *ResourceAllocator
}

func (ra *ResourceAllocator) CreateDescriptorHeap(name string, heapType gpu.DescriptorHeapType, capacity uint32, shaderVisible bool) (*DescriptorHeap, error) {
	if capacity == 0 {
		err := core.ConfigurationError("descriptor heap %q needs at least one slot", name)
		core.LogError(err.Error())
		return nil, err
	}
	heap, err := ra.device.CreateDescriptorHeap(heapType, capacity, shaderVisible)
	if err != nil {
		err = fmt.Errorf("%w: creating descriptor heap %q (%d slots): %w", core.ErrResourceExhaustion, name, capacity, err)
		core.LogError(err.Error())
		return nil, err
	}
	h := &DescriptorHeap{
		name:      name,
		heap:      heap,
		increment: ra.device.DescriptorHandleIncrementSize(heapType),
		allocator: ra,
	}
	ra.trackHeap(h)
	return h, nil
}

// Allocate returns the next free slot.
func (h *DescriptorHeap) Allocate() (DescriptorSlot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.next >= h.heap.NumDescriptors() {
		err := core.ResourceExhaustionError("descriptor heap %q is full (%d slots)", h.name, h.heap.NumDescriptors())
		core.LogError(err.Error())
		return DescriptorSlot{}, err
	}
	slot := h.slotLocked(h.next)
	h.next++
	return slot, nil
}

// Slot returns the handles of an already allocated slot.
func (h *DescriptorHeap) Slot(index uint32) (DescriptorSlot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if index >= h.next {
		return DescriptorSlot{}, core.ConfigurationError("descriptor heap %q has no slot %d", h.name, index)
	}
	return h.slotLocked(index), nil
}

func (h *DescriptorHeap) slotLocked(index uint32) DescriptorSlot {
	offset := uint64(index) * uint64(h.increment)
	slot := DescriptorSlot{
		Index: index,
		CPU:   h.heap.CPUDescriptorHandleForHeapStart() + gpu.CPUDescriptorHandle(offset),
	}
	if start := h.heap.GPUDescriptorHandleForHeapStart(); start != 0 {
		slot.GPU = start + gpu.GPUDescriptorHandle(offset)
	}
	return slot
}

func (h *DescriptorHeap) Heap() gpu.DescriptorHeap {
	return h.heap
}

// GPUStart is the descriptor-table base pointer written into the ray
// generation record.
func (h *DescriptorHeap) GPUStart() gpu.GPUDescriptorHandle {
	return h.heap.GPUDescriptorHandleForHeapStart()
}

func (h *DescriptorHeap) Allocated() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.next
}

func (h *DescriptorHeap) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return
	}
	h.released = true
	h.allocator.forgetHeap(h)
	h.heap.Release()
}
