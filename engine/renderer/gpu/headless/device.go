// Package headless is an in-memory implementation of the gpu boundary. It
// records everything the core asks for, hands out deterministic addresses and
// identifiers, lets a caller hold back fence completion and can be told to fail
// any device call. It backs the headless render command and the tests.
package headless

import (
	"fmt"
	"sync"

	"github.com/spaghettifunk/anima-rtx/engine/math"
	"github.com/spaghettifunk/anima-rtx/engine/renderer/gpu"
)

const (
	// Placement alignment for committed resources.
	resourcePlacementAlignment uint64 = 64 * 1024
	firstResourceAddress       uint64 = 0x0000_0001_0000_0000
	firstCPUDescriptor         uint64 = 0x0000_1000
	firstGPUDescriptor         uint64 = 0x0080_0000_0000_0000
	descriptorIncrement        uint32 = 32
)

var DefaultLimits = gpu.Limits{
	MaxTraceRecursionDepth:  31,
	MaxPayloadSizeInBytes:   4096,
	MaxAttributeSizeInBytes: 32,
	MaxInstanceCount:        1 << 24,
}

type ViewKind uint8

const (
	ViewUnorderedAccess ViewKind = iota
	ViewAccelerationStructure
)

// View is a descriptor written into a heap slot.
type View struct {
	Kind     ViewKind
	Resource gpu.Resource
	Location gpu.GPUVirtualAddress
}

type Device struct {
	mu             sync.Mutex
	limits         gpu.Limits
	nextAddress    uint64
	nextCPUHandle  uint64
	nextGPUHandle  uint64
	calls          map[string]int
	totalCalls     int
	failures       map[string]error
	live           int
	views          map[gpu.CPUDescriptorHandle]View
	stateObjectSeq int
}

type Option func(*Device)

func WithLimits(limits gpu.Limits) Option {
	return func(d *Device) {
		d.limits = limits
	}
}

func NewDevice(opts ...Option) *Device {
	d := &Device{
		limits:        DefaultLimits,
		nextAddress:   firstResourceAddress,
		nextCPUHandle: firstCPUDescriptor,
		nextGPUHandle: firstGPUDescriptor,
		calls:         make(map[string]int),
		failures:      make(map[string]error),
		views:         make(map[gpu.CPUDescriptorHandle]View),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// FailNext makes the next call of op (a method name such as
// "CreateStateObject" or "ExecuteCommandLists") return err.
func (d *Device) FailNext(op string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[op] = err
}

// Calls returns how many device, queue, fence and swap chain calls were made.
func (d *Device) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totalCalls
}

func (d *Device) CallCount(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[op]
}

// LiveObjects returns the number of created and not yet released objects.
func (d *Device) LiveObjects() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.live
}

// View returns the descriptor written at handle.
func (d *Device) View(handle gpu.CPUDescriptorHandle) (View, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.views[handle]
	return v, ok
}

func (d *Device) call(op string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls[op]++
	d.totalCalls++
	if err, ok := d.failures[op]; ok {
		delete(d.failures, op)
		return err
	}
	return nil
}

func (d *Device) retain() {
	d.mu.Lock()
	d.live++
	d.mu.Unlock()
}

func (d *Device) drop() {
	d.mu.Lock()
	d.live--
	d.mu.Unlock()
}

func (d *Device) Limits() gpu.Limits {
	return d.limits
}

func (d *Device) CreateCommittedResource(heap gpu.HeapType, desc gpu.ResourceDesc, initialState gpu.ResourceState) (gpu.Resource, error) {
	if err := d.call("CreateCommittedResource"); err != nil {
		return nil, err
	}
	size := desc.SizeInBytes()
	if size == 0 {
		return nil, fmt.Errorf("headless: resource of zero size")
	}
	if heap == gpu.HeapTypeUpload && desc.Dimension != gpu.ResourceDimensionBuffer {
		return nil, fmt.Errorf("headless: textures cannot live on the upload heap")
	}

	d.mu.Lock()
	address := d.nextAddress
	d.nextAddress += math.AlignUp(size, resourcePlacementAlignment)
	d.mu.Unlock()

	r := &Resource{
		device:       d,
		desc:         desc,
		heap:         heap,
		address:      gpu.GPUVirtualAddress(address),
		initialState: initialState,
	}
	if heap == gpu.HeapTypeUpload {
		r.mem = make([]byte, size)
	}
	d.retain()
	return r, nil
}

func (d *Device) CreateDescriptorHeap(heapType gpu.DescriptorHeapType, numDescriptors uint32, shaderVisible bool) (gpu.DescriptorHeap, error) {
	if err := d.call("CreateDescriptorHeap"); err != nil {
		return nil, err
	}
	if numDescriptors == 0 {
		return nil, fmt.Errorf("headless: descriptor heap without descriptors")
	}

	d.mu.Lock()
	h := &DescriptorHeap{
		device:        d,
		heapType:      heapType,
		count:         numDescriptors,
		shaderVisible: shaderVisible,
		cpuStart:      gpu.CPUDescriptorHandle(d.nextCPUHandle),
	}
	d.nextCPUHandle += uint64(numDescriptors) * uint64(descriptorIncrement)
	if shaderVisible {
		h.gpuStart = gpu.GPUDescriptorHandle(d.nextGPUHandle)
		d.nextGPUHandle += uint64(numDescriptors) * uint64(descriptorIncrement)
	}
	d.mu.Unlock()

	d.retain()
	return h, nil
}

func (d *Device) DescriptorHandleIncrementSize(heapType gpu.DescriptorHeapType) uint32 {
	return descriptorIncrement
}

func (d *Device) CreateUnorderedAccessView(resource gpu.Resource, dest gpu.CPUDescriptorHandle) {
	_ = d.call("CreateUnorderedAccessView")
	d.mu.Lock()
	defer d.mu.Unlock()
	d.views[dest] = View{Kind: ViewUnorderedAccess, Resource: resource}
}

func (d *Device) CreateAccelerationStructureView(location gpu.GPUVirtualAddress, dest gpu.CPUDescriptorHandle) {
	_ = d.call("CreateAccelerationStructureView")
	d.mu.Lock()
	defer d.mu.Unlock()
	d.views[dest] = View{Kind: ViewAccelerationStructure, Location: location}
}

// AccelerationStructurePrebuildInfo reports a size that grows with the number of
// primitives or instances, so tests can reason about budgets.
func (d *Device) AccelerationStructurePrebuildInfo(inputs *gpu.BuildInputs) gpu.PrebuildInfo {
	_ = d.call("AccelerationStructurePrebuildInfo")

	var elements uint64
	switch inputs.Type {
	case gpu.AccelerationStructureTypeBottomLevel:
		for _, g := range inputs.Geometries {
			elements += uint64(g.VertexCount / 3)
		}
	case gpu.AccelerationStructureTypeTopLevel:
		elements = uint64(inputs.InstanceCount)
	}
	align := gpu.AccelerationStructureAlignment
	return gpu.PrebuildInfo{
		ResultDataMaxSizeInBytes:     math.AlignUp(256+64*elements, align),
		ScratchDataSizeInBytes:       math.AlignUp(128+32*elements, align),
		UpdateScratchDataSizeInBytes: math.AlignUp(128+32*elements, align),
	}
}

func (d *Device) CreateRootSignature(desc *gpu.RootSignatureDesc) (gpu.RootSignature, error) {
	if err := d.call("CreateRootSignature"); err != nil {
		return nil, err
	}
	rs := &RootSignature{device: d, desc: *desc}
	rs.desc.Parameters = append([]gpu.RootParameter(nil), desc.Parameters...)
	d.retain()
	return rs, nil
}

func (d *Device) CreateStateObject(desc *gpu.StateObjectDesc) (gpu.StateObject, error) {
	if err := d.call("CreateStateObject"); err != nil {
		return nil, err
	}
	so, err := newStateObject(d, desc)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.stateObjectSeq++
	d.mu.Unlock()
	d.retain()
	return so, nil
}

func (d *Device) CreateCommandAllocator() (gpu.CommandAllocator, error) {
	if err := d.call("CreateCommandAllocator"); err != nil {
		return nil, err
	}
	d.retain()
	return &CommandAllocator{device: d}, nil
}

// CreateCommandList returns a list that is open for recording, like a freshly
// created direct command list.
func (d *Device) CreateCommandList(allocator gpu.CommandAllocator) (gpu.CommandList, error) {
	if err := d.call("CreateCommandList"); err != nil {
		return nil, err
	}
	a, ok := allocator.(*CommandAllocator)
	if !ok {
		return nil, fmt.Errorf("headless: foreign command allocator %T", allocator)
	}
	d.retain()
	return &CommandList{device: d, allocator: a}, nil
}

func (d *Device) CreateFence(initialValue uint64) (gpu.Fence, error) {
	if err := d.call("CreateFence"); err != nil {
		return nil, err
	}
	d.retain()
	return newFence(d, initialValue), nil
}

// NewQueue returns the direct queue of the device.
func (d *Device) NewQueue() *Queue {
	return &Queue{device: d}
}
