// Package gpu is the boundary between the ray-tracing core and the device it
// runs on. The core receives a Device, a CommandQueue and a SwapChain from its
// host and never creates them itself.
package gpu

import (
	"errors"
	"time"
)

var (
	// ErrWaitTimeout is returned by Fence.Wait when the value was not reached in time.
	ErrWaitTimeout = errors.New("fence wait timed out")
	// ErrNotMappable is returned when mapping a resource outside the upload heap.
	ErrNotMappable = errors.New("resource is not CPU mappable")
)

type Resource interface {
	Desc() ResourceDesc
	GPUVirtualAddress() GPUVirtualAddress
	// Map exposes the CPU view of an upload-heap resource until Unmap.
	Map() ([]byte, error)
	Unmap()
	Release()
}

type DescriptorHeap interface {
	Type() DescriptorHeapType
	NumDescriptors() uint32
	CPUDescriptorHandleForHeapStart() CPUDescriptorHandle
	GPUDescriptorHandleForHeapStart() GPUDescriptorHandle
	Release()
}

type RootSignature interface {
	Desc() RootSignatureDesc
	Release()
}

type StateObject interface {
	// ShaderIdentifier returns the ShaderIdentifierSize bytes that name export
	// inside a shader record.
	ShaderIdentifier(export string) ([]byte, bool)
	Release()
}

type CommandAllocator interface {
	Reset() error
	Release()
}

// CommandList records GPU work. Recording calls never fail; problems surface
// from Close and from the queue.
type CommandList interface {
	Reset(allocator CommandAllocator) error
	Close() error

	SetDescriptorHeaps(heaps ...DescriptorHeap)
	ResourceBarrier(resource Resource, before, after ResourceState)
	UAVBarrier(resource Resource)
	BuildRaytracingAccelerationStructure(desc *BuildDesc)
	SetComputeRootSignature(rootSignature RootSignature)
	SetPipelineState1(stateObject StateObject)
	DispatchRays(desc *DispatchRaysDesc)
	CopyResource(dst, src Resource)

	Release()
}

// Fence is a monotonically increasing counter shared by the queue and the CPU.
type Fence interface {
	CompletedValue() uint64
	// Wait blocks until CompletedValue() >= value or the timeout expires.
	// A negative timeout waits forever.
	Wait(value uint64, timeout time.Duration) error
	Release()
}

type CommandQueue interface {
	ExecuteCommandLists(lists ...CommandList) error
	// Signal asks the queue to set fence to value once all prior work completed.
	Signal(fence Fence, value uint64) error
}

type SwapChain interface {
	BufferCount() int
	Buffer(index int) Resource
	CurrentBackBufferIndex() int
	Present() error
}

type Device interface {
	Limits() Limits

	CreateCommittedResource(heap HeapType, desc ResourceDesc, initialState ResourceState) (Resource, error)
	CreateDescriptorHeap(heapType DescriptorHeapType, numDescriptors uint32, shaderVisible bool) (DescriptorHeap, error)
	DescriptorHandleIncrementSize(heapType DescriptorHeapType) uint32
	CreateUnorderedAccessView(resource Resource, dest CPUDescriptorHandle)
	// CreateAccelerationStructureView writes an SRV that has no resource and is
	// addressed by the structure's GPU virtual address.
	CreateAccelerationStructureView(location GPUVirtualAddress, dest CPUDescriptorHandle)

	AccelerationStructurePrebuildInfo(inputs *BuildInputs) PrebuildInfo

	CreateRootSignature(desc *RootSignatureDesc) (RootSignature, error)
	CreateStateObject(desc *StateObjectDesc) (StateObject, error)

	CreateCommandAllocator() (CommandAllocator, error)
	CreateCommandList(allocator CommandAllocator) (CommandList, error)
	CreateFence(initialValue uint64) (Fence, error)
}
