package rtx

import (
	"encoding/binary"
	gomath "math"
	"sync"

	"github.com/spaghettifunk/anima-rtx/engine/core"
	"github.com/spaghettifunk/anima-rtx/engine/math"
	"github.com/spaghettifunk/anima-rtx/engine/renderer/gpu"
)

const vertexPositionStride uint64 = 12

// GeometryBuffer is an immutable list of triangle vertex positions. The scene
// compiler owns it; bottom-level structures only reference it.
type GeometryBuffer struct {
	name         string
	buffer       *Buffer
	VertexStride uint64
	VertexCount  uint32
	Format       gpu.Format
}

// NewGeometryBuffer uploads vertices as float3 positions, three per triangle.
func NewGeometryBuffer(alloc *ResourceAllocator, name string, vertices []math.Vec3) (*GeometryBuffer, error) {
	if len(vertices) == 0 || len(vertices)%3 != 0 {
		err := core.ConfigurationError("geometry %q has %d vertices, expected a non-empty multiple of 3", name, len(vertices))
		core.LogError(err.Error())
		return nil, err
	}

	data := make([]byte, uint64(len(vertices))*vertexPositionStride)
	for i, v := range vertices {
		off := uint64(i) * vertexPositionStride
		binary.LittleEndian.PutUint32(data[off:], gomath.Float32bits(v.X))
		binary.LittleEndian.PutUint32(data[off+4:], gomath.Float32bits(v.Y))
		binary.LittleEndian.PutUint32(data[off+8:], gomath.Float32bits(v.Z))
	}

	buffer, err := alloc.CreateUploadBuffer(name, data)
	if err != nil {
		return nil, err
	}
	return &GeometryBuffer{
		name:         name,
		buffer:       buffer,
		VertexStride: vertexPositionStride,
		VertexCount:  uint32(len(vertices)),
		Format:       gpu.FormatR32G32B32Float,
	}, nil
}

func (g *GeometryBuffer) Name() string {
	return g.name
}

func (g *GeometryBuffer) Address() gpu.GPUVirtualAddress {
	return g.buffer.GPUVirtualAddress()
}

func (g *GeometryBuffer) Release() {
	g.buffer.Release()
}

// BuildBudget bounds the device estimate of a single build. Zero fields are
// unbounded.
type BuildBudget struct {
	MaxResultBytes  uint64
	MaxScratchBytes uint64
}

type accelerationStructure struct {
	name     string
	prebuild gpu.PrebuildInfo
	result   *Buffer
	// Released once the build is confirmed complete.
	scratch   *Buffer
	instances *Buffer
	valid     bool
	released  bool
}

// Address is the GPU virtual address that identifies the structure.
func (as *accelerationStructure) Address() gpu.GPUVirtualAddress {
	return as.result.GPUVirtualAddress()
}

func (as *accelerationStructure) Name() string {
	return as.name
}

func (as *accelerationStructure) PrebuildInfo() gpu.PrebuildInfo {
	return as.prebuild
}

func (as *accelerationStructure) Resource() gpu.Resource {
	return as.result.Resource()
}

// Valid reports whether the build was confirmed complete and the structure
// was not released since.
func (as *accelerationStructure) Valid() bool {
	return as.valid && !as.released
}

func (as *accelerationStructure) releaseTransient() {
	if as.scratch != nil {
		as.scratch.Release()
		as.scratch = nil
	}
	if as.instances != nil {
		as.instances.Release()
		as.instances = nil
	}
}

// Release frees the structure. A rebuild never reuses a released structure.
func (as *accelerationStructure) Release() {
	if as.released {
		return
	}
	as.released = true
	as.releaseTransient()
	as.result.Release()
}

type BottomLevelStructure struct {
	accelerationStructure
	geometries []*GeometryBuffer
}

func (b *BottomLevelStructure) Geometries() []*GeometryBuffer {
	return b.geometries
}

type TopLevelStructure struct {
	accelerationStructure
	instances []Instance
}

func (t *TopLevelStructure) InstanceCount() int {
	return len(t.instances)
}

// Instances returns the instances in build order, which is hit-group order.
func (t *TopLevelStructure) Instances() []Instance {
	return append([]Instance(nil), t.instances...)
}

// AccelerationStructureBuilder records structure builds into a caller-owned
// command list. It never waits: the caller submits, waits on its fence and
// then calls Finish.
type AccelerationStructureBuilder struct {
	ctx     *Context
	budget  BuildBudget
	mu      sync.Mutex
	pending []*accelerationStructure
}

func NewAccelerationStructureBuilder(ctx *Context, budget BuildBudget) *AccelerationStructureBuilder {
	return &AccelerationStructureBuilder{
		ctx:    ctx,
		budget: budget,
	}
}

func (b *AccelerationStructureBuilder) BuildBLAS(cmd gpu.CommandList, name string, geometries ...*GeometryBuffer) (*BottomLevelStructure, error) {
	if len(geometries) == 0 {
		err := core.ConfigurationError("bottom-level structure %q has no geometry", name)
		core.LogError(err.Error())
		return nil, err
	}

	inputs := gpu.BuildInputs{
		Type:       gpu.AccelerationStructureTypeBottomLevel,
		Flags:      gpu.BuildFlagPreferFastTrace,
		Geometries: make([]gpu.TrianglesGeometryDesc, 0, len(geometries)),
	}
	for i, g := range geometries {
		if g == nil {
			err := core.ConfigurationError("bottom-level structure %q: geometry %d is nil", name, i)
			core.LogError(err.Error())
			return nil, err
		}
		inputs.Geometries = append(inputs.Geometries, gpu.TrianglesGeometryDesc{
			VertexBuffer: g.Address(),
			VertexStride: g.VertexStride,
			VertexCount:  g.VertexCount,
			VertexFormat: g.Format,
			Flags:        gpu.GeometryFlagOpaque,
		})
	}

	as, err := b.build(cmd, name, inputs, nil)
	if err != nil {
		return nil, err
	}
	blas := &BottomLevelStructure{
		accelerationStructure: *as,
		geometries:            append([]*GeometryBuffer(nil), geometries...),
	}
	b.track(&blas.accelerationStructure)
	core.LogDebug("recorded bottom-level build %q: %d geometries, %d result bytes", name, len(geometries), as.prebuild.ResultDataMaxSizeInBytes)
	return blas, nil
}

// BuildTLAS records the build of a top-level structure over instances. The
// position of each instance becomes its instance id and hit-group index.
// Referenced bottom-level structures must be valid or pending in this builder.
func (b *AccelerationStructureBuilder) BuildTLAS(cmd gpu.CommandList, name string, instances []Instance) (*TopLevelStructure, error) {
	if len(instances) == 0 {
		err := core.ConfigurationError("top-level structure %q has no instances", name)
		core.LogError(err.Error())
		return nil, err
	}
	if max := b.ctx.Limits.MaxInstanceCount; max > 0 && uint64(len(instances)) > uint64(max) {
		err := core.ConfigurationError("top-level structure %q has %d instances, the device allows %d", name, len(instances), max)
		core.LogError(err.Error())
		return nil, err
	}
	for i, inst := range instances {
		if inst.BLAS == nil {
			continue
		}
		if inst.BLAS.released || !(inst.BLAS.valid || b.isPending(&inst.BLAS.accelerationStructure)) {
			err := core.ConfigurationError("top-level structure %q: instance %d references %q which is not built", name, i, inst.BLAS.name)
			core.LogError(err.Error())
			return nil, err
		}
	}

	data, err := EncodeInstances(instances)
	if err != nil {
		return nil, err
	}
	upload, err := b.ctx.Allocator.CreateUploadBuffer(name+"/instances", data)
	if err != nil {
		return nil, err
	}

	inputs := gpu.BuildInputs{
		Type:          gpu.AccelerationStructureTypeTopLevel,
		Flags:         gpu.BuildFlagPreferFastTrace,
		InstanceCount: uint32(len(instances)),
		InstanceDescs: upload.GPUVirtualAddress(),
	}
	as, err := b.build(cmd, name, inputs, upload)
	if err != nil {
		upload.Release()
		return nil, err
	}
	tlas := &TopLevelStructure{
		accelerationStructure: *as,
		instances:             append([]Instance(nil), instances...),
	}
	b.track(&tlas.accelerationStructure)
	core.LogDebug("recorded top-level build %q: %d instances, %d result bytes", name, len(instances), as.prebuild.ResultDataMaxSizeInBytes)
	return tlas, nil
}

func (b *AccelerationStructureBuilder) build(cmd gpu.CommandList, name string, inputs gpu.BuildInputs, instances *Buffer) (*accelerationStructure, error) {
	prebuild := b.ctx.Device.AccelerationStructurePrebuildInfo(&inputs)
	if prebuild.ResultDataMaxSizeInBytes == 0 {
		err := core.ConfigurationError("structure %q: the device reports an empty build", name)
		core.LogError(err.Error())
		return nil, err
	}
	if max := b.budget.MaxResultBytes; max > 0 && prebuild.ResultDataMaxSizeInBytes > max {
		err := core.ResourceExhaustionError("structure %q needs %d result bytes, the budget is %d", name, prebuild.ResultDataMaxSizeInBytes, max)
		core.LogError(err.Error())
		return nil, err
	}
	if max := b.budget.MaxScratchBytes; max > 0 && prebuild.ScratchDataSizeInBytes > max {
		err := core.ResourceExhaustionError("structure %q needs %d scratch bytes, the budget is %d", name, prebuild.ScratchDataSizeInBytes, max)
		core.LogError(err.Error())
		return nil, err
	}

	align := gpu.AccelerationStructureAlignment
	scratch, err := b.ctx.Allocator.CreateBuffer(name+"/scratch", math.AlignUp(prebuild.ScratchDataSizeInBytes, align),
		gpu.HeapTypeDefault, gpu.ResourceFlagAllowUnorderedAccess, gpu.ResourceStateUnorderedAccess)
	if err != nil {
		return nil, err
	}
	result, err := b.ctx.Allocator.CreateBuffer(name+"/result", math.AlignUp(prebuild.ResultDataMaxSizeInBytes, align),
		gpu.HeapTypeDefault, gpu.ResourceFlagAllowUnorderedAccess, gpu.ResourceStateRaytracingAccelerationStructure)
	if err != nil {
		scratch.Release()
		return nil, err
	}

	cmd.BuildRaytracingAccelerationStructure(&gpu.BuildDesc{
		Inputs:  inputs,
		Dest:    result.GPUVirtualAddress(),
		Scratch: scratch.GPUVirtualAddress(),
	})
	// Later builds in the same list may read this result.
	cmd.UAVBarrier(result.Resource())

	return &accelerationStructure{
		name:      name,
		prebuild:  prebuild,
		result:    result,
		scratch:   scratch,
		instances: instances,
	}, nil
}

func (b *AccelerationStructureBuilder) track(as *accelerationStructure) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, as)
}

func (b *AccelerationStructureBuilder) isPending(as *accelerationStructure) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range b.pending {
		if p == as {
			return true
		}
	}
	return false
}

// Pending returns the number of recorded builds not yet confirmed.
func (b *AccelerationStructureBuilder) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Finish confirms that the submission carrying the recorded builds reached
// value on fence. The pending structures become valid and their scratch and
// instance uploads are released.
func (b *AccelerationStructureBuilder) Finish(fence gpu.Fence, value uint64) error {
	if completed := fence.CompletedValue(); completed < value {
		err := core.ConfigurationError("structure builds finished at fence value %d, but the fence is at %d", value, completed)
		core.LogError(err.Error())
		return err
	}

	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()

	for _, as := range pending {
		if as.released {
			continue
		}
		as.valid = true
		as.releaseTransient()
	}
	core.LogDebug("%d acceleration structures ready at fence value %d", len(pending), value)
	return nil
}

// Abandon drops the pending builds after a failed submission and releases
// everything they allocated.
func (b *AccelerationStructureBuilder) Abandon() {
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()

	for _, as := range pending {
		as.Release()
	}
	if len(pending) > 0 {
		core.LogWarn("abandoned %d pending acceleration structure builds", len(pending))
	}
}
