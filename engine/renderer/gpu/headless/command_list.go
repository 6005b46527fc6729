package headless

import (
	"errors"
	"fmt"
	"sync"

	"github.com/spaghettifunk/anima-rtx/engine/renderer/gpu"
)

var (
	ErrAllocatorInUse    = errors.New("headless: command allocator reset while its work is in flight")
	ErrListNotClosed     = errors.New("headless: command list is still recording")
	ErrListAlreadyClosed = errors.New("headless: command list is already closed")
)

type CommandType uint8

const (
	CommandSetDescriptorHeaps CommandType = iota
	CommandResourceBarrier
	CommandUAVBarrier
	CommandBuildAccelerationStructure
	CommandSetComputeRootSignature
	CommandSetPipelineState
	CommandDispatchRays
	CommandCopyResource
)

func (t CommandType) String() string {
	switch t {
	case CommandSetDescriptorHeaps:
		return "SetDescriptorHeaps"
	case CommandResourceBarrier:
		return "ResourceBarrier"
	case CommandUAVBarrier:
		return "UAVBarrier"
	case CommandBuildAccelerationStructure:
		return "BuildRaytracingAccelerationStructure"
	case CommandSetComputeRootSignature:
		return "SetComputeRootSignature"
	case CommandSetPipelineState:
		return "SetPipelineState1"
	case CommandDispatchRays:
		return "DispatchRays"
	case CommandCopyResource:
		return "CopyResource"
	}
	return fmt.Sprintf("CommandType(%d)", uint8(t))
}

// Command is one recorded call. Only the fields that belong to Type are set.
type Command struct {
	Type          CommandType
	Heaps         []gpu.DescriptorHeap
	Resource      gpu.Resource
	Before        gpu.ResourceState
	After         gpu.ResourceState
	Build         *gpu.BuildDesc
	RootSignature gpu.RootSignature
	StateObject   gpu.StateObject
	Dispatch      *gpu.DispatchRaysDesc
	Dst           gpu.Resource
	Src           gpu.Resource
}

type CommandAllocator struct {
	device *Device
	mu     sync.Mutex
	// The fence and value that retire the last submitted work of this allocator.
	retireFence *Fence
	retireValue uint64
	unsignaled  bool
	resets      int
	released    bool
}

// Reset fails when work recorded from this allocator may still be executing,
// which is exactly what the frame ring must prevent.
func (a *CommandAllocator) Reset() error {
	if err := a.device.call("ResetCommandAllocator"); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.unsignaled {
		return ErrAllocatorInUse
	}
	if a.retireFence != nil && a.retireFence.CompletedValue() < a.retireValue {
		return ErrAllocatorInUse
	}
	a.resets++
	return nil
}

func (a *CommandAllocator) Resets() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.resets
}

func (a *CommandAllocator) submitted() {
	a.mu.Lock()
	a.unsignaled = true
	a.mu.Unlock()
}

func (a *CommandAllocator) retireOn(f *Fence, value uint64) {
	a.mu.Lock()
	a.unsignaled = false
	a.retireFence = f
	a.retireValue = value
	a.mu.Unlock()
}

func (a *CommandAllocator) Release() {
	if a.released {
		return
	}
	a.released = true
	a.device.drop()
}

type CommandList struct {
	device    *Device
	allocator *CommandAllocator
	commands  []Command
	closed    bool
	released  bool
}

func (l *CommandList) Reset(allocator gpu.CommandAllocator) error {
	if err := l.device.call("ResetCommandList"); err != nil {
		return err
	}
	if !l.closed {
		return ErrListNotClosed
	}
	a, ok := allocator.(*CommandAllocator)
	if !ok {
		return fmt.Errorf("headless: foreign command allocator %T", allocator)
	}
	l.allocator = a
	l.commands = nil
	l.closed = false
	return nil
}

func (l *CommandList) Close() error {
	if err := l.device.call("CloseCommandList"); err != nil {
		return err
	}
	if l.closed {
		return ErrListAlreadyClosed
	}
	l.closed = true
	return nil
}

func (l *CommandList) Closed() bool {
	return l.closed
}

// Commands returns what has been recorded since the last Reset.
func (l *CommandList) Commands() []Command {
	return append([]Command(nil), l.commands...)
}

func (l *CommandList) record(c Command) {
	// Recording into a closed list is dropped, the way a driver drops calls on
	// a list in the wrong state.
	if l.closed {
		return
	}
	l.commands = append(l.commands, c)
}

func (l *CommandList) SetDescriptorHeaps(heaps ...gpu.DescriptorHeap) {
	l.record(Command{Type: CommandSetDescriptorHeaps, Heaps: append([]gpu.DescriptorHeap(nil), heaps...)})
}

func (l *CommandList) ResourceBarrier(resource gpu.Resource, before, after gpu.ResourceState) {
	l.record(Command{Type: CommandResourceBarrier, Resource: resource, Before: before, After: after})
}

func (l *CommandList) UAVBarrier(resource gpu.Resource) {
	l.record(Command{Type: CommandUAVBarrier, Resource: resource})
}

func (l *CommandList) BuildRaytracingAccelerationStructure(desc *gpu.BuildDesc) {
	d := *desc
	d.Inputs.Geometries = append([]gpu.TrianglesGeometryDesc(nil), desc.Inputs.Geometries...)
	l.record(Command{Type: CommandBuildAccelerationStructure, Build: &d})
}

func (l *CommandList) SetComputeRootSignature(rootSignature gpu.RootSignature) {
	l.record(Command{Type: CommandSetComputeRootSignature, RootSignature: rootSignature})
}

func (l *CommandList) SetPipelineState1(stateObject gpu.StateObject) {
	l.record(Command{Type: CommandSetPipelineState, StateObject: stateObject})
}

func (l *CommandList) DispatchRays(desc *gpu.DispatchRaysDesc) {
	d := *desc
	l.record(Command{Type: CommandDispatchRays, Dispatch: &d})
}

func (l *CommandList) CopyResource(dst, src gpu.Resource) {
	l.record(Command{Type: CommandCopyResource, Dst: dst, Src: src})
}

func (l *CommandList) Release() {
	if l.released {
		return
	}
	l.released = true
	l.device.drop()
}
