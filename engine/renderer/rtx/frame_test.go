package rtx_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/anima-rtx/engine/core"
	"github.com/spaghettifunk/anima-rtx/engine/renderer/gpu"
	"github.com/spaghettifunk/anima-rtx/engine/renderer/gpu/headless"
	"github.com/spaghettifunk/anima-rtx/engine/renderer/rtx"
)

func TestFenceAdvancesByOnePerSubmission(t *testing.T) {
	h := newHarness(t, 3)
	s := sceneB(t, h)
	require.NoError(t, h.exec.Bind(s.resources()))

	for i := 0; i < 10; i++ {
		require.NoError(t, h.exec.RenderFrame())
	}
	require.NoError(t, h.exec.WaitIdle())

	signals := h.fence().Signals()
	// One structure build plus ten frames.
	require.Len(t, signals, 11)
	for i, v := range signals {
		assert.Equal(t, uint64(i+1), v)
	}
	assert.Equal(t, uint64(11), h.exec.LastSubmittedValue())
	assert.Equal(t, uint64(10), h.exec.FrameNumber())
	assert.Equal(t, 10, h.swapChain.Presents())
	assert.Zero(t, h.exec.InFlight())
}

func TestRingBlocksUntilOldestFrameCompletes(t *testing.T) {
	const ring = 2
	h := newHarness(t, ring)
	s := sceneA(t, h)
	require.NoError(t, h.exec.Bind(s.resources()))
	fence := h.fence()
	fence.Hold()

	for i := 0; i < ring; i++ {
		require.NoError(t, h.exec.RenderFrame())
	}
	assert.Equal(t, ring, fence.Pending())
	assert.Equal(t, ring, h.exec.InFlight())

	done := make(chan error, 1)
	go func() {
		done <- h.exec.BeginFrame()
	}()

	select {
	case err := <-done:
		t.Fatalf("frame %d began recording while %d frames were in flight (err=%v)", ring, ring, err)
	case <-time.After(50 * time.Millisecond):
	}

	// Completing the first frame frees its slot.
	require.True(t, fence.CompleteNext())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("frame did not begin after the fence advanced")
	}
	assert.GreaterOrEqual(t, fence.CompletedValue(), uint64(2))

	require.NoError(t, h.exec.Draw())
	require.NoError(t, h.exec.EndFrame())

	fence.Resume()
	require.NoError(t, h.exec.WaitIdle())
	for _, f := range h.exec.Frames() {
		assert.Equal(t, rtx.FrameIdle, f.State)
	}
}

func TestRingSlotsRotate(t *testing.T) {
	h := newHarness(t, 3)
	s := sceneA(t, h)
	require.NoError(t, h.exec.Bind(s.resources()))

	for i := 0; i < 6; i++ {
		require.NoError(t, h.exec.RenderFrame())
	}
	frames := h.exec.Frames()
	require.Len(t, frames, 3)
	// The build ran on slot 0 as value 1; frames 0..5 are values 2..7.
	assert.Equal(t, uint64(5), frames[0].FenceValue)
	assert.Equal(t, uint64(6), frames[1].FenceValue)
	assert.Equal(t, uint64(7), frames[2].FenceValue)
}

func TestFrameRecordsDispatchAndCopy(t *testing.T) {
	h := newHarness(t, 2)
	s := sceneA(t, h)
	require.NoError(t, h.exec.Bind(s.resources()))
	require.NoError(t, h.exec.RenderFrame())

	subs := h.queue.Submissions()
	require.Len(t, subs, 2)
	cmds := subs[1].Commands

	var types []headless.CommandType
	for _, c := range cmds {
		types = append(types, c.Type)
	}
	assert.Equal(t, []headless.CommandType{
		headless.CommandSetDescriptorHeaps,
		headless.CommandSetComputeRootSignature,
		headless.CommandSetPipelineState,
		headless.CommandResourceBarrier,
		headless.CommandDispatchRays,
		headless.CommandResourceBarrier,
		headless.CommandResourceBarrier,
		headless.CommandCopyResource,
		headless.CommandResourceBarrier,
	}, types)

	output := s.output.Resource()
	back := h.swapChain.Buffer(0)
	assert.Equal(t, output, cmds[3].Resource)
	assert.Equal(t, gpu.ResourceStateCopySource, cmds[3].Before)
	assert.Equal(t, gpu.ResourceStateUnorderedAccess, cmds[3].After)
	assert.Equal(t, gpu.ResourceStateCopySource, cmds[5].After)
	assert.Equal(t, back, cmds[6].Resource)
	assert.Equal(t, gpu.ResourceStateCopyDest, cmds[6].After)
	assert.Equal(t, back, cmds[7].Dst)
	assert.Equal(t, output, cmds[7].Src)
	assert.Equal(t, gpu.ResourceStatePresent, cmds[8].After)

	dispatch := cmds[4].Dispatch
	assert.Equal(t, s.table.DispatchDesc(outputWidth, outputHeight), *dispatch)
	assert.Equal(t, s.table.Address()+128, dispatch.HitGroup.StartAddress)
	assert.Equal(t, uint32(outputWidth), dispatch.Width)

	// The second frame targets the next back buffer.
	require.NoError(t, h.exec.RenderFrame())
	subs = h.queue.Submissions()
	assert.Equal(t, h.swapChain.Buffer(1), subs[2].Commands[6].Resource)
}

func TestExecuteCommandListsFailureLatchesDeviceLost(t *testing.T) {
	h := newHarness(t, 2)
	s := sceneA(t, h)
	require.NoError(t, h.exec.Bind(s.resources()))
	require.NoError(t, h.exec.RenderFrame())

	h.device.FailNext("ExecuteCommandLists", errors.New("TDR"))
	err := h.exec.RenderFrame()
	require.Error(t, err)
	assert.True(t, core.IsDeviceLost(err))
	// The failed submission did not advance the fence.
	assert.Equal(t, uint64(2), h.exec.LastSubmittedValue())

	assert.Equal(t, err, h.exec.RenderFrame())
	assert.Equal(t, err, h.exec.BeginFrame())
	_, execErr := h.exec.ExecuteAndWait(func(gpu.CommandList) error { return nil })
	assert.Equal(t, err, execErr)
	assert.Equal(t, err, h.exec.Lost())
	assert.Equal(t, err, h.exec.Release())
}

func TestDeviceLostOnEveryFailurePoint(t *testing.T) {
	for _, op := range []string{"Signal", "Present", "ResetCommandAllocator", "ResetCommandList", "CloseCommandList", "FenceWait"} {
		t.Run(op, func(t *testing.T) {
			h := newHarness(t, 1)
			s := sceneA(t, h)
			require.NoError(t, h.exec.Bind(s.resources()))
			if op == "FenceWait" {
				// Only a wait that actually blocks reaches the fence.
				h.fence().Hold()
				require.NoError(t, h.exec.RenderFrame())
			}
			h.device.FailNext(op, errors.New("injected"))

			err := h.exec.RenderFrame()
			require.Error(t, err)
			assert.True(t, core.IsDeviceLost(err), "%v", err)
			assert.Equal(t, err, h.exec.Lost())
		})
	}
}

func TestFenceWaitTimeoutIsDeviceLost(t *testing.T) {
	device := headless.NewDevice()
	ctx, err := rtx.NewContext(device, device.NewQueue(), rtx.AllocatorConfig{})
	require.NoError(t, err)
	swapChain, err := headless.NewSwapChain(device, 2, 8, 8, gpu.FormatR8G8B8A8Unorm)
	require.NoError(t, err)
	exec, err := rtx.NewFrameExecutor(ctx, swapChain, rtx.FrameExecutorConfig{RingSize: 1, FenceTimeout: 10 * time.Millisecond})
	require.NoError(t, err)

	exec.Fence().(*headless.Fence).Hold()
	_, err = exec.ExecuteAndWait(func(gpu.CommandList) error { return nil })
	require.Error(t, err)
	assert.True(t, core.IsDeviceLost(err))
	assert.ErrorIs(t, err, gpu.ErrWaitTimeout)
}

func TestFrameCallOrder(t *testing.T) {
	h := newHarness(t, 2)
	assert.True(t, core.IsConfigurationError(h.exec.BeginFrame()), "no resources bound")

	s := sceneA(t, h)
	assert.True(t, core.IsConfigurationError(h.exec.Bind(rtx.FrameResources{})))
	require.NoError(t, h.exec.Bind(s.resources()))

	assert.True(t, core.IsConfigurationError(h.exec.Draw()))
	assert.True(t, core.IsConfigurationError(h.exec.EndFrame()))

	require.NoError(t, h.exec.BeginFrame())
	assert.True(t, core.IsConfigurationError(h.exec.BeginFrame()))
	assert.True(t, core.IsConfigurationError(h.exec.Bind(s.resources())))
	_, err := h.exec.ExecuteAndWait(func(gpu.CommandList) error { return nil })
	assert.True(t, core.IsConfigurationError(err))
	require.NoError(t, h.exec.Draw())
	require.NoError(t, h.exec.EndFrame())
	assert.Nil(t, h.exec.Lost())
}

func TestExecuteAndWaitRecordError(t *testing.T) {
	h := newHarness(t, 2)
	boom := core.ConfigurationError("bad scene")
	_, err := h.exec.ExecuteAndWait(func(gpu.CommandList) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, h.exec.Lost())
	assert.Zero(t, h.exec.LastSubmittedValue())

	// The list is usable again.
	value, err := h.exec.ExecuteAndWait(func(gpu.CommandList) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, uint64(1), value)
}

func TestReleaseDrainsBeforeReleasing(t *testing.T) {
	h := newHarness(t, 2)
	s := sceneA(t, h)
	require.NoError(t, h.exec.Bind(s.resources()))
	fence := h.fence()
	fence.Hold()
	require.NoError(t, h.exec.RenderFrame())

	released := make(chan error, 1)
	go func() {
		released <- h.exec.Release()
	}()
	select {
	case <-released:
		t.Fatal("released while a frame was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	fence.Resume()
	select {
	case err := <-released:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("release did not finish after the fence advanced")
	}
	assert.NoError(t, h.exec.Release())
	assert.True(t, core.IsConfigurationError(h.exec.RenderFrame()))
}
