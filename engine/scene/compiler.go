package scene

import (
	"encoding/binary"
	"fmt"
	gomath "math"

	"github.com/spaghettifunk/anima-rtx/engine/core"
	"github.com/spaghettifunk/anima-rtx/engine/math"
	"github.com/spaghettifunk/anima-rtx/engine/renderer/gpu"
	"github.com/spaghettifunk/anima-rtx/engine/renderer/rtx"
)

// The scene heap holds the output UAV in slot 0 and the TLAS view in slot 1.
const tlasViewSlot = 1

// Target is the image the scene is rendered into before it is copied to the
// back buffer, so it matches the swap chain.
type Target struct {
	Width  uint32
	Height uint32
	Format gpu.Format
}

// Compiled is a scene ready to be bound to the frame executor.
type Compiled struct {
	Name string

	ctx     *rtx.Context
	exec    *rtx.FrameExecutor
	builder *rtx.AccelerationStructureBuilder
	desc    *Description

	geometries []*rtx.GeometryBuffer
	blas       map[string]*rtx.BottomLevelStructure
	instances  []rtx.Instance
	tlas       *rtx.TopLevelStructure
	output     *rtx.Texture
	heap       *rtx.DescriptorHeap
	constants  map[string]*rtx.Buffer
	pipeline   *rtx.PipelineState
	table      *rtx.ShaderTable

	released bool
}

// BuildPipeline turns the pipeline sections of a description into a builder.
func BuildPipeline(desc *Description) (*rtx.PipelineBuilder, error) {
	b := rtx.NewPipelineBuilder()
	b.AddLibrary(desc.Bytecode, desc.Library.Exports...)
	b.DeclareRole(rtx.RoleRayGeneration, desc.RayGen.Export)
	for _, m := range desc.Miss {
		b.DeclareRole(rtx.RoleMiss, m.Export)
	}
	for _, g := range desc.HitGroups {
		b.AddHitGroup(rtx.HitGroup{
			Name:         g.Name,
			ClosestHit:   g.ClosestHit,
			AnyHit:       g.AnyHit,
			Intersection: g.Intersection,
		})
	}
	for _, rs := range desc.RootSignatures {
		params, err := lowerParameters(rs.Parameters)
		if err != nil {
			return nil, fmt.Errorf("root signature %q: %w", rs.Name, err)
		}
		handle := b.AddLocalRootSignature(rs.Name, params...)
		if len(rs.Exports) > 0 {
			b.Associate(handle, rs.Exports...)
		}
	}
	if len(desc.Pipeline.Global) > 0 {
		params, err := lowerParameters(desc.Pipeline.Global)
		if err != nil {
			return nil, fmt.Errorf("global root signature: %w", err)
		}
		b.SetGlobalRootSignature(params...)
	}
	config := b.AddShaderConfig(rtx.ShaderConfig{
		MaxPayloadSizeInBytes:   desc.ShaderConfig.MaxPayloadSize,
		MaxAttributeSizeInBytes: desc.ShaderConfig.MaxAttributeSize,
	})
	if len(desc.ShaderConfig.Exports) > 0 {
		b.Associate(config, desc.ShaderConfig.Exports...)
	}
	depth := desc.Pipeline.MaxRecursionDepth
	if depth == 0 {
		depth = 1
	}
	b.SetPipelineConfig(rtx.PipelineConfig{MaxTraceRecursionDepth: depth})
	return b, nil
}

// Compile runs the one-time compilation phase of a scene: geometry upload,
// structure builds on the executor's queue, the output image and its views,
// the pipeline and the shader table. A failure releases whatever was created.
func Compile(ctx *rtx.Context, exec *rtx.FrameExecutor, desc *Description, target Target) (*Compiled, error) {
	if target.Width == 0 || target.Height == 0 {
		return nil, core.ConfigurationError("scene %q: empty render target %dx%d", desc.Name, target.Width, target.Height)
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	pb, err := BuildPipeline(desc)
	if err != nil {
		err = fmt.Errorf("scene %q: %w", desc.Name, err)
		core.LogError(err.Error())
		return nil, err
	}
	// Everything that can be checked without the device is checked first.
	if err := pb.Validate(ctx.Limits); err != nil {
		return nil, err
	}

	c := &Compiled{
		Name:      desc.Name,
		ctx:       ctx,
		exec:      exec,
		builder:   rtx.NewAccelerationStructureBuilder(ctx, rtx.BuildBudget{}),
		desc:      desc,
		blas:      make(map[string]*rtx.BottomLevelStructure),
		constants: make(map[string]*rtx.Buffer),
	}
	if err := c.compile(pb, target); err != nil {
		c.Release()
		return nil, err
	}
	core.LogInfo("compiled scene %q: %d instances, shader table %s", c.Name, len(c.instances), c.table.Layout())
	return c, nil
}

func (c *Compiled) compile(pb *rtx.PipelineBuilder, target Target) error {
	desc := c.desc
	geometries := make(map[string]*rtx.GeometryBuffer, len(desc.Geometries))
	for _, g := range desc.Geometries {
		vertices, err := g.vertices()
		if err != nil {
			return err
		}
		buf, err := rtx.NewGeometryBuffer(c.ctx.Allocator, desc.Name+"/"+g.Name, vertices)
		if err != nil {
			return err
		}
		c.geometries = append(c.geometries, buf)
		geometries[g.Name] = buf
	}

	value, err := c.exec.ExecuteAndWait(func(cmd gpu.CommandList) error {
		for _, b := range desc.BLAS {
			var inputs []*rtx.GeometryBuffer
			for _, name := range b.Geometries {
				inputs = append(inputs, geometries[name])
			}
			blas, err := c.builder.BuildBLAS(cmd, desc.Name+"/"+b.Name, inputs...)
			if err != nil {
				return err
			}
			c.blas[b.Name] = blas
		}
		for _, inst := range desc.Instances {
			c.instances = append(c.instances, rtx.Instance{
				BLAS:      c.blas[inst.BLAS],
				Transform: inst.Transform(),
				Mask:      inst.mask(),
				Hidden:    inst.Mask != nil && *inst.Mask == 0,
				Flags:     inst.flags(),
			})
		}
		tlas, err := c.builder.BuildTLAS(cmd, desc.Name+"/tlas", c.instances)
		if err != nil {
			return err
		}
		c.tlas = tlas
		return nil
	})
	if err != nil {
		c.builder.Abandon()
		return err
	}
	if err := c.builder.Finish(c.exec.Fence(), value); err != nil {
		return err
	}

	c.output, err = c.ctx.Allocator.CreateTexture2D(desc.Name+"/output", target.Width, target.Height, target.Format,
		gpu.ResourceFlagAllowUnorderedAccess, gpu.ResourceStateCopySource)
	if err != nil {
		return err
	}
	c.heap, err = c.ctx.Allocator.CreateDescriptorHeap(desc.Name+"/heap", gpu.DescriptorHeapTypeCBVSRVUAV, 2, true)
	if err != nil {
		return err
	}
	uav, err := c.heap.Allocate()
	if err != nil {
		return err
	}
	c.ctx.Device.CreateUnorderedAccessView(c.output.Resource(), uav.CPU)
	srv, err := c.heap.Allocate()
	if err != nil {
		return err
	}
	c.ctx.Device.CreateAccelerationStructureView(c.tlas.Address(), srv.CPU)

	for _, cb := range desc.ConstantBuffers {
		buf, err := c.ctx.Allocator.CreateUploadBuffer(desc.Name+"/"+cb.Name, float4Rows(cb.Rows))
		if err != nil {
			return err
		}
		c.constants[cb.Name] = buf
	}

	if c.pipeline, err = pb.Compile(c.ctx); err != nil {
		return err
	}
	c.table, err = c.buildTable(c.tlas)
	return err
}

func (c *Compiled) buildTable(tlas *rtx.TopLevelStructure) (*rtx.ShaderTable, error) {
	src := &argumentSource{
		heap:      c.heap.GPUStart(),
		tlas:      tlas.Address(),
		constants: c.constants,
	}
	var tableDesc rtx.ShaderTableDesc
	var err error
	if tableDesc.RayGen, err = src.record(c.desc.RayGen.Export, c.desc.RayGen.Arguments); err != nil {
		return nil, err
	}
	for _, m := range c.desc.Miss {
		rec, err := src.record(m.Export, m.Arguments)
		if err != nil {
			return nil, err
		}
		tableDesc.Miss = append(tableDesc.Miss, rec)
	}
	for _, inst := range c.desc.Instances {
		rec, err := src.record(inst.HitGroup, inst.Arguments)
		if err != nil {
			return nil, err
		}
		tableDesc.HitGroups = append(tableDesc.HitGroups, rec)
	}
	return rtx.NewShaderTableBuilder(c.ctx).Build(c.Name+"/shader-table", c.pipeline, tlas, tableDesc)
}

func float4Rows(rows [][4]float32) []byte {
	data := make([]byte, 0, 16*len(rows))
	for _, r := range rows {
		for _, v := range r {
			data = binary.LittleEndian.AppendUint32(data, gomath.Float32bits(v))
		}
	}
	return data
}

// Resources is what the frame executor binds to render the scene.
func (c *Compiled) Resources() rtx.FrameResources {
	return rtx.FrameResources{
		Pipeline: c.pipeline,
		Table:    c.table,
		TLAS:     c.tlas,
		Heap:     c.heap,
		Output:   c.output,
	}
}

func (c *Compiled) Table() *rtx.ShaderTable {
	return c.table
}

func (c *Compiled) Pipeline() *rtx.PipelineState {
	return c.pipeline
}

func (c *Compiled) TLAS() *rtx.TopLevelStructure {
	return c.tlas
}

func (c *Compiled) Heap() *rtx.DescriptorHeap {
	return c.heap
}

func (c *Compiled) Output() *rtx.Texture {
	return c.output
}

func (c *Compiled) Instances() []rtx.Instance {
	return append([]rtx.Instance(nil), c.instances...)
}

// RebuildTLAS moves the instances and replaces the top-level structure, its
// heap view and the shader table together. Instances keep their order, so the
// hit records keep their meaning. The caller binds Resources again.
func (c *Compiled) RebuildTLAS(transforms []math.Affine3x4) error {
	if c.released {
		return core.ConfigurationError("scene %q: rebuild after release", c.Name)
	}
	if len(transforms) != len(c.instances) {
		return core.ConfigurationError("scene %q: %d transforms given for %d instances", c.Name, len(transforms), len(c.instances))
	}
	// The old structure may still be read by frames in flight.
	if err := c.exec.WaitIdle(); err != nil {
		return err
	}

	instances := c.Instances()
	for i := range instances {
		instances[i].Transform = transforms[i]
	}
	var tlas *rtx.TopLevelStructure
	value, err := c.exec.ExecuteAndWait(func(cmd gpu.CommandList) error {
		var err error
		tlas, err = c.builder.BuildTLAS(cmd, c.Name+"/tlas", instances)
		return err
	})
	if err != nil {
		c.builder.Abandon()
		return err
	}
	if err := c.builder.Finish(c.exec.Fence(), value); err != nil {
		return err
	}
	table, err := c.buildTable(tlas)
	if err != nil {
		tlas.Release()
		return err
	}

	slot, err := c.heap.Slot(tlasViewSlot)
	if err != nil {
		table.Release()
		tlas.Release()
		return err
	}
	c.ctx.Device.CreateAccelerationStructureView(tlas.Address(), slot.CPU)

	c.table.Release()
	c.tlas.Release()
	c.table = table
	c.tlas = tlas
	c.instances = instances
	core.LogDebug("scene %q: top-level structure rebuilt at %#x", c.Name, uint64(tlas.Address()))
	return nil
}

// Release frees everything the scene owns. Frames that may still read it must
// have completed; Release waits for the executor to go idle when it can.
func (c *Compiled) Release() {
	if c.released {
		return
	}
	c.released = true
	if c.exec.Lost() == nil {
		if err := c.exec.WaitIdle(); err != nil {
			core.LogWarn("scene %q: releasing without a drained queue: %s", c.Name, err)
		}
	}

	if c.table != nil {
		c.table.Release()
	}
	if c.pipeline != nil {
		c.pipeline.Release()
	}
	for _, cb := range c.constants {
		cb.Release()
	}
	if c.heap != nil {
		c.heap.Release()
	}
	if c.output != nil {
		c.output.Release()
	}
	if c.tlas != nil {
		c.tlas.Release()
	}
	for _, b := range c.blas {
		b.Release()
	}
	for _, g := range c.geometries {
		g.Release()
	}
}
