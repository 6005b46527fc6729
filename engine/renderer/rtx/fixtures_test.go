package rtx_test

import (
	"encoding/binary"
	gomath "math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/anima-rtx/engine/math"
	"github.com/spaghettifunk/anima-rtx/engine/renderer/gpu"
	"github.com/spaghettifunk/anima-rtx/engine/renderer/gpu/headless"
	"github.com/spaghettifunk/anima-rtx/engine/renderer/rtx"
)

const (
	rayGenShader     = "MyRaygenShader"
	missShader       = "MyMissShader"
	closestHitShader = "MyClosestHitShader"
	hitGroupName     = "MyHitGroup"
	outputWidth      = 64
	outputHeight     = 48
)

var triangleVertices = []math.Vec3{
	math.NewVec3(0, 1, 0),
	math.NewVec3(0.866, -0.5, 0),
	math.NewVec3(-0.866, -0.5, 0),
}

var planeVertices = []math.Vec3{
	math.NewVec3(-1.5, -0.8, 0.01),
	math.NewVec3(-1.5, -0.8, -1.5),
	math.NewVec3(1.5, -0.8, 0.01),
	math.NewVec3(1.5, -0.8, 0.01),
	math.NewVec3(-1.5, -0.8, -1.5),
	math.NewVec3(1.5, -0.8, -1.5),
}

type harness struct {
	device    *headless.Device
	queue     *headless.Queue
	swapChain *headless.SwapChain
	ctx       *rtx.Context
	exec      *rtx.FrameExecutor
	builder   *rtx.AccelerationStructureBuilder
}

func newHarness(t *testing.T, ringSize int) *harness {
	t.Helper()
	device := headless.NewDevice()
	queue := device.NewQueue()
	ctx, err := rtx.NewContext(device, queue, rtx.AllocatorConfig{})
	require.NoError(t, err)
	swapChain, err := headless.NewSwapChain(device, 2, outputWidth, outputHeight, gpu.FormatR8G8B8A8Unorm)
	require.NoError(t, err)
	exec, err := rtx.NewFrameExecutor(ctx, swapChain, rtx.FrameExecutorConfig{RingSize: ringSize})
	require.NoError(t, err)
	return &harness{
		device:    device,
		queue:     queue,
		swapChain: swapChain,
		ctx:       ctx,
		exec:      exec,
		builder:   rtx.NewAccelerationStructureBuilder(ctx, rtx.BuildBudget{}),
	}
}

func (h *harness) fence() *headless.Fence {
	return h.exec.Fence().(*headless.Fence)
}

// build records fn, submits it, waits and confirms the structure builds.
func (h *harness) build(t *testing.T, fn func(cmd gpu.CommandList) error) {
	t.Helper()
	value, err := h.exec.ExecuteAndWait(fn)
	require.NoError(t, err)
	require.NoError(t, h.builder.Finish(h.exec.Fence(), value))
}

// scene holds everything a test scene compiles to.
type scene struct {
	geometries []*rtx.GeometryBuffer
	blas       []*rtx.BottomLevelStructure
	instances  []rtx.Instance
	tlas       *rtx.TopLevelStructure
	heap       *rtx.DescriptorHeap
	output     *rtx.Texture
	pipeline   *rtx.PipelineState
	constants  []*rtx.Buffer
	desc       rtx.ShaderTableDesc
	table      *rtx.ShaderTable
}

func (s *scene) resources() rtx.FrameResources {
	return rtx.FrameResources{
		Pipeline: s.pipeline,
		Table:    s.table,
		TLAS:     s.tlas,
		Heap:     s.heap,
		Output:   s.output,
	}
}

func (h *harness) geometry(t *testing.T, name string, vertices []math.Vec3) *rtx.GeometryBuffer {
	t.Helper()
	g, err := rtx.NewGeometryBuffer(h.ctx.Allocator, name, vertices)
	require.NoError(t, err)
	return g
}

func (h *harness) views(t *testing.T, s *scene) {
	t.Helper()
	var err error
	s.output, err = h.ctx.Allocator.CreateTexture2D("output", outputWidth, outputHeight, gpu.FormatR8G8B8A8Unorm,
		gpu.ResourceFlagAllowUnorderedAccess, gpu.ResourceStateCopySource)
	require.NoError(t, err)
	s.heap, err = h.ctx.Allocator.CreateDescriptorHeap("scene", gpu.DescriptorHeapTypeCBVSRVUAV, 2, true)
	require.NoError(t, err)

	uav, err := s.heap.Allocate()
	require.NoError(t, err)
	h.device.CreateUnorderedAccessView(s.output.Resource(), uav.CPU)
	srv, err := s.heap.Allocate()
	require.NoError(t, err)
	h.device.CreateAccelerationStructureView(s.tlas.Address(), srv.CPU)
}

// newPipeline builds the usual three-export pipeline. With hitCBV the hit group
// reads a root constant buffer from its record.
func newPipeline(hitCBV bool) *rtx.PipelineBuilder {
	b := rtx.NewPipelineBuilder()
	b.AddLibrary([]byte("DXBC-raytracing"), rayGenShader, missShader, closestHitShader)
	b.AddHitGroup(rtx.HitGroup{Name: hitGroupName, ClosestHit: closestHitShader})
	b.DeclareRole(rtx.RoleRayGeneration, rayGenShader)
	b.DeclareRole(rtx.RoleMiss, missShader)

	rayGenSig := b.AddLocalRootSignature("raygen", rtx.DescriptorTableParameter(
		gpu.DescriptorRange{Type: gpu.DescriptorRangeUAV, NumDescriptors: 1},
		gpu.DescriptorRange{Type: gpu.DescriptorRangeSRV, NumDescriptors: 1, OffsetInDescriptorsFromTableStart: 1},
	))
	b.Associate(rayGenSig, rayGenShader)
	if hitCBV {
		hitSig := b.AddLocalRootSignature("hit", rtx.RootCBVParameter(0, 0))
		b.Associate(hitSig, hitGroupName)
	}
	// Unassociated, so it is the default of every other export.
	b.AddLocalRootSignature("empty")

	config := b.AddShaderConfig(rtx.ShaderConfig{MaxPayloadSizeInBytes: 16, MaxAttributeSizeInBytes: 8})
	b.Associate(config, rayGenShader, missShader, hitGroupName)
	b.SetPipelineConfig(rtx.PipelineConfig{MaxTraceRecursionDepth: 1})
	return b
}

// sceneA is a single triangle: one BLAS, one instance.
func sceneA(t *testing.T, h *harness) *scene {
	t.Helper()
	s := &scene{}
	s.geometries = []*rtx.GeometryBuffer{h.geometry(t, "triangle", triangleVertices)}
	h.build(t, func(cmd gpu.CommandList) error {
		blas, err := h.builder.BuildBLAS(cmd, "triangle", s.geometries[0])
		if err != nil {
			return err
		}
		s.blas = append(s.blas, blas)
		s.instances = []rtx.Instance{{BLAS: blas, Transform: math.NewAffine3x4Identity(), Mask: rtx.DefaultInstanceMask}}
		s.tlas, err = h.builder.BuildTLAS(cmd, "scene", s.instances)
		return err
	})
	h.views(t, s)

	var err error
	s.pipeline, err = newPipeline(false).Compile(h.ctx)
	require.NoError(t, err)

	s.desc = rtx.ShaderTableDesc{
		RayGen:    rtx.ShaderRecord{Export: rayGenShader, Arguments: []rtx.LocalArgument{rtx.DescriptorTableArgument{Base: s.heap.GPUStart()}}},
		Miss:      []rtx.ShaderRecord{{Export: missShader}},
		HitGroups: []rtx.ShaderRecord{{Export: hitGroupName}},
	}
	s.table, err = rtx.NewShaderTableBuilder(h.ctx).Build("shader-table", s.pipeline, s.tlas, s.desc)
	require.NoError(t, err)
	return s
}

func float4Rows(rows ...math.Vec4) []byte {
	data := make([]byte, 0, 16*len(rows))
	for _, r := range rows {
		for _, v := range []float32{r.X, r.Y, r.Z, r.W} {
			data = binary.LittleEndian.AppendUint32(data, gomath.Float32bits(v))
		}
	}
	return data
}

// sceneB is a triangle and a plane: three instances over two BLAS, each hit
// record carrying the address of its own constant buffer.
func sceneB(t *testing.T, h *harness) *scene {
	t.Helper()
	s := &scene{}
	s.geometries = []*rtx.GeometryBuffer{
		h.geometry(t, "triangle", triangleVertices),
		h.geometry(t, "plane", planeVertices),
	}
	h.build(t, func(cmd gpu.CommandList) error {
		triangle, err := h.builder.BuildBLAS(cmd, "triangle", s.geometries[0])
		if err != nil {
			return err
		}
		plane, err := h.builder.BuildBLAS(cmd, "plane", s.geometries[1])
		if err != nil {
			return err
		}
		s.blas = []*rtx.BottomLevelStructure{triangle, plane}
		s.instances = []rtx.Instance{
			{BLAS: triangle, Transform: math.NewAffine3x4Identity(), Mask: rtx.DefaultInstanceMask},
			{BLAS: triangle, Transform: math.NewMat4Translation(math.NewVec3(-0.6, 0, 0)).Affine(), Mask: rtx.DefaultInstanceMask},
			{BLAS: plane, Transform: math.NewAffine3x4Identity(), Mask: rtx.DefaultInstanceMask},
		}
		s.tlas, err = h.builder.BuildTLAS(cmd, "scene", s.instances)
		return err
	})
	h.views(t, s)

	var err error
	s.pipeline, err = newPipeline(true).Compile(h.ctx)
	require.NoError(t, err)

	s.desc = rtx.ShaderTableDesc{
		RayGen: rtx.ShaderRecord{Export: rayGenShader, Arguments: []rtx.LocalArgument{rtx.DescriptorTableArgument{Base: s.heap.GPUStart()}}},
		Miss:   []rtx.ShaderRecord{{Export: missShader}},
	}
	for i := range s.instances {
		cb, err := h.ctx.Allocator.CreateUploadBuffer("constants", float4Rows(
			math.NewVec4(float32(i), 0, 0, 1),
			math.NewVec4(0, float32(i), 0, 1),
			math.NewVec4(0, 0, float32(i), 1),
		))
		require.NoError(t, err)
		s.constants = append(s.constants, cb)
		s.desc.HitGroups = append(s.desc.HitGroups, rtx.ShaderRecord{
			Export:    hitGroupName,
			Arguments: []rtx.LocalArgument{rtx.RootDescriptorArgument{Address: cb.GPUVirtualAddress()}},
		})
	}
	s.table, err = rtx.NewShaderTableBuilder(h.ctx).Build("shader-table", s.pipeline, s.tlas, s.desc)
	require.NoError(t, err)
	return s
}
