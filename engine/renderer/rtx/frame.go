package rtx

import (
	"time"

	"github.com/spaghettifunk/anima-rtx/engine/containers"
	"github.com/spaghettifunk/anima-rtx/engine/core"
	"github.com/spaghettifunk/anima-rtx/engine/renderer/gpu"
)

const DefaultRingSize = 2

type FrameState uint8

const (
	FrameIdle FrameState = iota
	FrameRecording
	FrameSubmitted
)

func (s FrameState) String() string {
	switch s {
	case FrameIdle:
		return "idle"
	case FrameRecording:
		return "recording"
	case FrameSubmitted:
		return "submitted"
	}
	return "unknown"
}

// FrameContext is one slot of the frame ring.
type FrameContext struct {
	Index      int
	BackBuffer int
	// FenceValue is the value that retires the last submission of this slot.
	FenceValue uint64
	State      FrameState
	allocator  gpu.CommandAllocator
}

// FrameResources is what every frame draws with. All of it is read-only while
// frames are in flight.
type FrameResources struct {
	Pipeline *PipelineState
	Table    *ShaderTable
	TLAS     *TopLevelStructure
	Heap     *DescriptorHeap
	// Output is the ray-traced image, kept in the copy-source state between frames.
	Output *Texture
}

type FrameExecutorConfig struct {
	// RingSize bounds how many frames the CPU may run ahead of the GPU.
	RingSize int
	// FenceTimeout bounds every fence wait. Zero waits forever.
	FenceTimeout time.Duration
}

// FrameExecutor records, submits and presents frames over a ring of frame
// contexts and one monotonic fence. Its methods must be called from a single
// goroutine. After any device, queue or fence failure the executor is lost and
// every call returns the same error.
type FrameExecutor struct {
	ctx       *Context
	swapChain gpu.SwapChain
	config    FrameExecutorConfig

	frames []*FrameContext
	list   gpu.CommandList
	fence  gpu.Fence
	// Last value the queue was asked to signal.
	fenceValue uint64
	inFlight   *containers.RingQueue[uint64]

	frameNumber uint64
	current     *FrameContext
	resources   *FrameResources
	lost        error
	released    bool
}

func NewFrameExecutor(ctx *Context, swapChain gpu.SwapChain, config FrameExecutorConfig) (*FrameExecutor, error) {
	if swapChain == nil || swapChain.BufferCount() == 0 {
		err := core.ConfigurationError("frame executor needs a swap chain with at least one buffer")
		core.LogError(err.Error())
		return nil, err
	}
	if config.RingSize <= 0 {
		config.RingSize = DefaultRingSize
	}
	if config.FenceTimeout <= 0 {
		config.FenceTimeout = gpu.WaitInfinite
	}

	fe := &FrameExecutor{
		ctx:       ctx,
		swapChain: swapChain,
		config:    config,
		inFlight:  containers.NewRingQueue[uint64](config.RingSize),
	}
	for i := 0; i < config.RingSize; i++ {
		allocator, err := ctx.Device.CreateCommandAllocator()
		if err != nil {
			fe.releaseObjects()
			return nil, fe.fail(err, "creating the command allocator of frame %d", i)
		}
		fe.frames = append(fe.frames, &FrameContext{Index: i, allocator: allocator})
	}

	list, err := ctx.Device.CreateCommandList(fe.frames[0].allocator)
	if err != nil {
		fe.releaseObjects()
		return nil, fe.fail(err, "creating the command list")
	}
	fe.list = list
	// Lists are created open; every use starts from a Reset.
	if err := list.Close(); err != nil {
		fe.releaseObjects()
		return nil, fe.fail(err, "closing the new command list")
	}

	fence, err := ctx.Device.CreateFence(0)
	if err != nil {
		fe.releaseObjects()
		return nil, fe.fail(err, "creating the frame fence")
	}
	fe.fence = fence

	core.LogInfo("frame executor ready: %d frames in flight, %d swap chain buffers", config.RingSize, swapChain.BufferCount())
	return fe, nil
}

// fail latches the executor as lost.
func (fe *FrameExecutor) fail(cause error, format string, args ...interface{}) error {
	if fe.lost != nil {
		return fe.lost
	}
	fe.lost = core.DeviceLostError(cause, format, args...)
	core.LogError(fe.lost.Error())
	return fe.lost
}

// Lost returns the error that lost the executor, or nil.
func (fe *FrameExecutor) Lost() error {
	return fe.lost
}

func (fe *FrameExecutor) usable() error {
	if fe.lost != nil {
		return fe.lost
	}
	if fe.released {
		return core.ConfigurationError("frame executor used after release")
	}
	return nil
}

// Bind sets the resources every following frame draws with.
func (fe *FrameExecutor) Bind(resources FrameResources) error {
	if err := fe.usable(); err != nil {
		return err
	}
	switch {
	case resources.Pipeline == nil:
		return fe.misconfigured("no pipeline state")
	case resources.Table == nil:
		return fe.misconfigured("no shader table")
	case resources.TLAS == nil || !resources.TLAS.Valid():
		return fe.misconfigured("the top-level structure is not built")
	case resources.Heap == nil:
		return fe.misconfigured("no descriptor heap")
	case resources.Output == nil:
		return fe.misconfigured("no output texture")
	}
	if fe.current != nil {
		return fe.misconfigured("resources cannot change while frame %d is recording", fe.frameNumber)
	}
	fe.resources = &resources
	return nil
}

func (fe *FrameExecutor) misconfigured(format string, args ...interface{}) error {
	err := core.ConfigurationError("frame executor: "+format, args...)
	core.LogError(err.Error())
	return err
}

func (fe *FrameExecutor) wait(value uint64) error {
	if fe.fence.CompletedValue() >= value {
		return nil
	}
	if err := fe.fence.Wait(value, fe.config.FenceTimeout); err != nil {
		return fe.fail(err, "waiting for fence value %d", value)
	}
	return nil
}

// retire drops the in-flight submissions the GPU already finished.
func (fe *FrameExecutor) retire() {
	completed := fe.fence.CompletedValue()
	for !fe.inFlight.IsEmpty() {
		oldest, _ := fe.inFlight.Peek()
		if oldest > completed {
			break
		}
		_, _ = fe.inFlight.Dequeue()
	}
	for _, f := range fe.frames {
		if f.State == FrameSubmitted && f.FenceValue <= completed {
			f.State = FrameIdle
		}
	}
}

// acquire returns the next ring slot with its allocator and the command list
// reset. It blocks while RingSize submissions are outstanding.
func (fe *FrameExecutor) acquire() (*FrameContext, error) {
	fe.retire()
	if fe.inFlight.IsFull() {
		oldest, _ := fe.inFlight.Peek()
		core.LogDebug("frame %d waits for fence value %d", fe.frameNumber, oldest)
		if err := fe.wait(oldest); err != nil {
			return nil, err
		}
		fe.retire()
	}

	slot := fe.frames[fe.frameNumber%uint64(len(fe.frames))]
	if err := fe.wait(slot.FenceValue); err != nil {
		return nil, err
	}
	if err := slot.allocator.Reset(); err != nil {
		return nil, fe.fail(err, "resetting the command allocator of frame slot %d", slot.Index)
	}
	if err := fe.list.Reset(slot.allocator); err != nil {
		return nil, fe.fail(err, "resetting the command list for frame slot %d", slot.Index)
	}
	slot.State = FrameRecording
	return slot, nil
}

// submit closes and executes the command list and signals the next fence
// value. The fence value only moves when both succeed.
func (fe *FrameExecutor) submit(slot *FrameContext) (uint64, error) {
	if err := fe.list.Close(); err != nil {
		return 0, fe.fail(err, "closing the command list of frame slot %d", slot.Index)
	}
	if err := fe.ctx.Queue.ExecuteCommandLists(fe.list); err != nil {
		return 0, fe.fail(err, "executing the command list of frame slot %d", slot.Index)
	}
	next := fe.fenceValue + 1
	if err := fe.ctx.Queue.Signal(fe.fence, next); err != nil {
		return 0, fe.fail(err, "signaling fence value %d", next)
	}
	fe.fenceValue = next
	slot.FenceValue = next
	slot.State = FrameSubmitted
	return next, nil
}

// BeginFrame picks the next ring slot, waiting for its previous submission,
// and starts recording against the current back buffer.
func (fe *FrameExecutor) BeginFrame() error {
	if err := fe.usable(); err != nil {
		return err
	}
	if fe.current != nil {
		return fe.misconfigured("frame %d is already recording", fe.frameNumber)
	}
	if fe.resources == nil {
		return fe.misconfigured("no resources bound")
	}

	slot, err := fe.acquire()
	if err != nil {
		return err
	}
	slot.BackBuffer = fe.swapChain.CurrentBackBufferIndex()
	fe.list.SetDescriptorHeaps(fe.resources.Heap.Heap())
	fe.current = slot
	return nil
}

// Draw records the ray dispatch into the output image and its copy into the
// back buffer.
func (fe *FrameExecutor) Draw() error {
	if err := fe.usable(); err != nil {
		return err
	}
	if fe.current == nil {
		return fe.misconfigured("Draw outside of a frame")
	}

	r := fe.resources
	output := r.Output.Resource()
	backBuffer := fe.swapChain.Buffer(fe.current.BackBuffer)
	dispatch := r.Table.DispatchDesc(r.Output.Width, r.Output.Height)

	fe.list.SetComputeRootSignature(r.Pipeline.GlobalRootSignature())
	fe.list.SetPipelineState1(r.Pipeline.StateObject())
	fe.list.ResourceBarrier(output, gpu.ResourceStateCopySource, gpu.ResourceStateUnorderedAccess)
	fe.list.DispatchRays(&dispatch)
	fe.list.ResourceBarrier(output, gpu.ResourceStateUnorderedAccess, gpu.ResourceStateCopySource)
	fe.list.ResourceBarrier(backBuffer, gpu.ResourceStatePresent, gpu.ResourceStateCopyDest)
	fe.list.CopyResource(backBuffer, output)
	return nil
}

// EndFrame makes the back buffer presentable, submits the frame and presents.
func (fe *FrameExecutor) EndFrame() error {
	if err := fe.usable(); err != nil {
		return err
	}
	slot := fe.current
	if slot == nil {
		return fe.misconfigured("EndFrame outside of a frame")
	}
	fe.current = nil

	backBuffer := fe.swapChain.Buffer(slot.BackBuffer)
	fe.list.ResourceBarrier(backBuffer, gpu.ResourceStateCopyDest, gpu.ResourceStatePresent)

	value, err := fe.submit(slot)
	if err != nil {
		return err
	}
	if err := fe.inFlight.Enqueue(value); err != nil {
		return fe.fail(err, "tracking fence value %d", value)
	}
	if err := fe.swapChain.Present(); err != nil {
		return fe.fail(err, "presenting frame %d", fe.frameNumber)
	}
	fe.frameNumber++
	return nil
}

// RenderFrame records, submits and presents one frame.
func (fe *FrameExecutor) RenderFrame() error {
	if err := fe.BeginFrame(); err != nil {
		return err
	}
	if err := fe.Draw(); err != nil {
		return err
	}
	return fe.EndFrame()
}

// ExecuteAndWait runs record on a fresh command list, submits it and blocks
// until the GPU finished it. It returns the fence value of the submission.
// Structure builds go through here before the first frame.
func (fe *FrameExecutor) ExecuteAndWait(record func(cmd gpu.CommandList) error) (uint64, error) {
	if err := fe.usable(); err != nil {
		return 0, err
	}
	if fe.current != nil {
		return 0, fe.misconfigured("ExecuteAndWait while frame %d is recording", fe.frameNumber)
	}

	slot, err := fe.acquire()
	if err != nil {
		return 0, err
	}
	if err := record(fe.list); err != nil {
		slot.State = FrameIdle
		if cerr := fe.list.Close(); cerr != nil {
			return 0, fe.fail(cerr, "closing an abandoned command list")
		}
		return 0, err
	}

	value, err := fe.submit(slot)
	if err != nil {
		return 0, err
	}
	if err := fe.wait(value); err != nil {
		return 0, err
	}
	slot.State = FrameIdle
	return value, nil
}

// WaitIdle blocks until the GPU finished everything submitted so far.
func (fe *FrameExecutor) WaitIdle() error {
	if fe.lost != nil {
		return fe.lost
	}
	if fe.fence == nil {
		return nil
	}
	if err := fe.wait(fe.fenceValue); err != nil {
		return err
	}
	fe.retire()
	return nil
}

func (fe *FrameExecutor) Fence() gpu.Fence {
	return fe.fence
}

// LastSubmittedValue is the fence value of the latest submission.
func (fe *FrameExecutor) LastSubmittedValue() uint64 {
	return fe.fenceValue
}

func (fe *FrameExecutor) FrameNumber() uint64 {
	return fe.frameNumber
}

func (fe *FrameExecutor) RingSize() int {
	return len(fe.frames)
}

// InFlight returns the number of submitted frames the GPU may still be running.
func (fe *FrameExecutor) InFlight() int {
	return fe.inFlight.Len()
}

// Frames returns a snapshot of the ring.
func (fe *FrameExecutor) Frames() []FrameContext {
	out := make([]FrameContext, len(fe.frames))
	for i, f := range fe.frames {
		out[i] = *f
	}
	return out
}

// Release drains the queue and releases the ring. Bound resources are not
// owned by the executor. A lost executor releases without draining.
func (fe *FrameExecutor) Release() error {
	if fe.released {
		return nil
	}
	err := fe.WaitIdle()
	fe.released = true
	fe.releaseObjects()
	return err
}

func (fe *FrameExecutor) releaseObjects() {
	if fe.list != nil {
		fe.list.Release()
		fe.list = nil
	}
	for _, f := range fe.frames {
		f.allocator.Release()
	}
	fe.frames = nil
	if fe.fence != nil {
		fe.fence.Release()
		fe.fence = nil
	}
}
