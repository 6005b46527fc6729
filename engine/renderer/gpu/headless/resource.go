package headless

import (
	"sync"

	"github.com/spaghettifunk/anima-rtx/engine/renderer/gpu"
)

type Resource struct {
	device       *Device
	mu           sync.Mutex
	desc         gpu.ResourceDesc
	heap         gpu.HeapType
	address      gpu.GPUVirtualAddress
	initialState gpu.ResourceState
	mem          []byte
	mapCount     int
	released     bool
}

func (r *Resource) Desc() gpu.ResourceDesc {
	return r.desc
}

func (r *Resource) GPUVirtualAddress() gpu.GPUVirtualAddress {
	return r.address
}

func (r *Resource) Heap() gpu.HeapType {
	return r.heap
}

func (r *Resource) InitialState() gpu.ResourceState {
	return r.initialState
}

func (r *Resource) Map() ([]byte, error) {
	if err := r.device.call("Map"); err != nil {
		return nil, err
	}
	if r.heap != gpu.HeapTypeUpload {
		return nil, gpu.ErrNotMappable
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mapCount++
	return r.mem, nil
}

func (r *Resource) Unmap() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mapCount > 0 {
		r.mapCount--
	}
}

// Mapped reports whether a Map is still outstanding.
func (r *Resource) Mapped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mapCount > 0
}

// Contents returns a copy of the CPU-visible memory of an upload resource.
func (r *Resource) Contents() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.mem...)
}

func (r *Resource) Released() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.released
}

func (r *Resource) Release() {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return
	}
	r.released = true
	r.mu.Unlock()
	r.device.drop()
}

type DescriptorHeap struct {
	device        *Device
	heapType      gpu.DescriptorHeapType
	count         uint32
	shaderVisible bool
	cpuStart      gpu.CPUDescriptorHandle
	gpuStart      gpu.GPUDescriptorHandle
	released      bool
}

func (h *DescriptorHeap) Type() gpu.DescriptorHeapType {
	return h.heapType
}

func (h *DescriptorHeap) NumDescriptors() uint32 {
	return h.count
}

func (h *DescriptorHeap) CPUDescriptorHandleForHeapStart() gpu.CPUDescriptorHandle {
	return h.cpuStart
}

func (h *DescriptorHeap) GPUDescriptorHandleForHeapStart() gpu.GPUDescriptorHandle {
	return h.gpuStart
}

func (h *DescriptorHeap) Released() bool {
	return h.released
}

func (h *DescriptorHeap) Release() {
	if h.released {
		return
	}
	h.released = true
	h.device.drop()
}

type RootSignature struct {
	device   *Device
	desc     gpu.RootSignatureDesc
	released bool
}

func (rs *RootSignature) Desc() gpu.RootSignatureDesc {
	return rs.desc
}

func (rs *RootSignature) Release() {
	if rs.released {
		return
	}
	rs.released = true
	rs.device.drop()
}
