package rtx

import (
	"fmt"

	"github.com/spaghettifunk/anima-rtx/engine/core"
	"github.com/spaghettifunk/anima-rtx/engine/math"
	"github.com/spaghettifunk/anima-rtx/engine/renderer/gpu"
)

// LocalArgument is one value of a shader record, matched against the root
// parameter at the same position in the export's local root signature.
type LocalArgument interface {
	write(w recordWriter, offset uint64, param gpu.RootParameter) error
}

// DescriptorTableArgument points a descriptor table parameter at a heap.
type DescriptorTableArgument struct {
	Base gpu.GPUDescriptorHandle
}

func (a DescriptorTableArgument) write(w recordWriter, offset uint64, param gpu.RootParameter) error {
	if param.Type != gpu.RootParameterDescriptorTable {
		return core.ConfigurationError("record %q: descriptor table given for a %s parameter", w.name, param.Type)
	}
	return w.PutUint64(offset, uint64(a.Base))
}

// RootDescriptorArgument binds a root CBV, SRV or UAV by GPU virtual address.
type RootDescriptorArgument struct {
	Address gpu.GPUVirtualAddress
}

func (a RootDescriptorArgument) write(w recordWriter, offset uint64, param gpu.RootParameter) error {
	switch param.Type {
	case gpu.RootParameterCBV, gpu.RootParameterSRV, gpu.RootParameterUAV:
	default:
		return core.ConfigurationError("record %q: root descriptor given for a %s parameter", w.name, param.Type)
	}
	return w.PutUint64(offset, uint64(a.Address))
}

type RootConstantsArgument struct {
	Values []uint32
}

func (a RootConstantsArgument) write(w recordWriter, offset uint64, param gpu.RootParameter) error {
	if param.Type != gpu.RootParameterConstants {
		return core.ConfigurationError("record %q: root constants given for a %s parameter", w.name, param.Type)
	}
	if uint32(len(a.Values)) != param.Num32BitValues {
		return core.ConfigurationError("record %q: %d root constants given, %d declared", w.name, len(a.Values), param.Num32BitValues)
	}
	for i, v := range a.Values {
		if err := w.PutUint32(offset+uint64(i)*4, v); err != nil {
			return err
		}
	}
	return nil
}

// ShaderRecord names the export a record invokes and its local arguments.
type ShaderRecord struct {
	Export    string
	Arguments []LocalArgument
}

// ShaderTableDesc lists the records of a table. HitGroups has one record per
// top-level instance, in instance order.
type ShaderTableDesc struct {
	RayGen    ShaderRecord
	Miss      []ShaderRecord
	HitGroups []ShaderRecord
}

// TableLayout gives the byte ranges of a table relative to its start.
type TableLayout struct {
	Stride       uint64
	RayGenOffset uint64
	RayGenSize   uint64
	MissOffset   uint64
	MissSize     uint64
	HitOffset    uint64
	HitSize      uint64
}

func (l TableLayout) Size() uint64 {
	return l.HitOffset + l.HitSize
}

func (l TableLayout) RecordCount() uint64 {
	return l.Size() / l.Stride
}

func (l TableLayout) String() string {
	return fmt.Sprintf("stride %d: raygen [%d,%d) miss [%d,%d) hit [%d,%d)", l.Stride,
		l.RayGenOffset, l.RayGenOffset+l.RayGenSize,
		l.MissOffset, l.MissOffset+l.MissSize,
		l.HitOffset, l.HitOffset+l.HitSize)
}

// RecordStride is align_up(identifier + maxLocalArguments, 32).
func RecordStride(maxLocalArguments uint32) uint64 {
	return math.AlignUp(uint64(gpu.ShaderIdentifierSize)+uint64(maxLocalArguments), uint64(gpu.ShaderRecordAlignment))
}

// ComputeTableLayout lays out one ray generation record, missCount miss records
// and hitCount hit-group records contiguously with a single stride.
func ComputeTableLayout(maxLocalArguments uint32, missCount, hitCount int) TableLayout {
	stride := RecordStride(maxLocalArguments)
	return TableLayout{
		Stride:       stride,
		RayGenOffset: 0,
		RayGenSize:   stride,
		MissOffset:   stride,
		MissSize:     uint64(missCount) * stride,
		HitOffset:    (1 + uint64(missCount)) * stride,
		HitSize:      uint64(hitCount) * stride,
	}
}

type ShaderTableBuilder struct {
	ctx *Context
}

func NewShaderTableBuilder(ctx *Context) *ShaderTableBuilder {
	return &ShaderTableBuilder{ctx: ctx}
}

// Encode lays out and writes the table image on the CPU. The image is
// zero-filled, so the same inputs always give the same bytes.
func (b *ShaderTableBuilder) Encode(pipeline *PipelineState, tlas *TopLevelStructure, desc ShaderTableDesc) (TableLayout, []byte, error) {
	if tlas == nil || !tlas.Valid() {
		err := core.ConfigurationError("shader table needs a built top-level structure")
		core.LogError(err.Error())
		return TableLayout{}, nil, err
	}
	if len(desc.Miss) == 0 {
		err := core.ConfigurationError("shader table needs at least one miss record")
		core.LogError(err.Error())
		return TableLayout{}, nil, err
	}
	if len(desc.HitGroups) != tlas.InstanceCount() {
		err := core.ConfigurationError("shader table has %d hit-group records for %d instances", len(desc.HitGroups), tlas.InstanceCount())
		core.LogError(err.Error())
		return TableLayout{}, nil, err
	}

	layout := ComputeTableLayout(pipeline.MaxLocalArgumentSize(), len(desc.Miss), len(desc.HitGroups))
	image := make([]byte, layout.Size())

	records := make([]ShaderRecord, 0, layout.RecordCount())
	roles := make([]ExportRole, 0, layout.RecordCount())
	records = append(records, desc.RayGen)
	roles = append(roles, RoleRayGeneration)
	for _, rec := range desc.Miss {
		records = append(records, rec)
		roles = append(roles, RoleMiss)
	}
	for _, rec := range desc.HitGroups {
		records = append(records, rec)
		roles = append(roles, RoleHitGroup)
	}
	for i, rec := range records {
		if err := checkRole(pipeline, rec, roles[i]); err != nil {
			core.LogError(err.Error())
			return TableLayout{}, nil, err
		}
		if err := writeRecord(pipeline, newRecordWriter(image, uint64(i), layout.Stride, rec.Export), rec); err != nil {
			core.LogError(err.Error())
			return TableLayout{}, nil, err
		}
	}
	return layout, image, nil
}

// checkRole rejects a record whose export belongs to another table range.
func checkRole(pipeline *PipelineState, rec ShaderRecord, want ExportRole) error {
	role, ok := pipeline.Role(rec.Export)
	if !ok {
		return core.ConfigurationError("pipeline has no export %q", rec.Export)
	}
	if !role.Fits(want) {
		return core.ConfigurationError("record %q: a %s cannot fill a %s record", rec.Export, role, want)
	}
	return nil
}

func writeRecord(pipeline *PipelineState, w recordWriter, rec ShaderRecord) error {
	id, err := pipeline.ShaderIdentifier(rec.Export)
	if err != nil {
		return err
	}
	if err := w.PutBytes(0, id); err != nil {
		return err
	}

	layout, ok := pipeline.ArgumentLayout(rec.Export)
	if !ok {
		return core.ConfigurationError("record %q: no argument layout", rec.Export)
	}
	if len(rec.Arguments) != len(layout.Parameters) {
		return core.ConfigurationError("record %q: %d local arguments given, the local root signature declares %d",
			rec.Export, len(rec.Arguments), len(layout.Parameters))
	}
	for i, arg := range rec.Arguments {
		if arg == nil {
			return core.ConfigurationError("record %q: local argument %d is missing", rec.Export, i)
		}
		offset := uint64(gpu.ShaderIdentifierSize) + uint64(layout.Offsets[i])
		if err := arg.write(w, offset, layout.Parameters[i]); err != nil {
			return err
		}
	}
	return nil
}

// Build encodes the table and uploads it.
func (b *ShaderTableBuilder) Build(name string, pipeline *PipelineState, tlas *TopLevelStructure, desc ShaderTableDesc) (*ShaderTable, error) {
	layout, image, err := b.Encode(pipeline, tlas, desc)
	if err != nil {
		return nil, err
	}
	buffer, err := b.ctx.Allocator.CreateUploadBuffer(name, image)
	if err != nil {
		return nil, err
	}
	if !math.IsAligned(uint64(buffer.GPUVirtualAddress()), gpu.ShaderTableAlignment) {
		buffer.Release()
		err := core.ResourceExhaustionError("shader table %q placed at an address not aligned to %d", name, gpu.ShaderTableAlignment)
		core.LogError(err.Error())
		return nil, err
	}
	core.LogDebug("built shader table %q: %s", name, layout)
	return &ShaderTable{
		name:   name,
		buffer: buffer,
		image:  image,
		layout: layout,
	}, nil
}

// ShaderTable is the uploaded table plus the CPU image it was written from.
type ShaderTable struct {
	name   string
	buffer *Buffer
	image  []byte
	layout TableLayout
}

func (t *ShaderTable) Name() string {
	return t.name
}

func (t *ShaderTable) Layout() TableLayout {
	return t.layout
}

func (t *ShaderTable) Stride() uint64 {
	return t.layout.Stride
}

func (t *ShaderTable) RecordCount() int {
	return int(t.layout.RecordCount())
}

// Bytes returns a copy of the table image.
func (t *ShaderTable) Bytes() []byte {
	return append([]byte(nil), t.image...)
}

// Buffer is the upload buffer the dispatch reads the table from.
func (t *ShaderTable) Buffer() *Buffer {
	return t.buffer
}

func (t *ShaderTable) Address() gpu.GPUVirtualAddress {
	return t.buffer.GPUVirtualAddress()
}

func (t *ShaderTable) RayGenRange() gpu.AddressRange {
	return gpu.AddressRange{
		StartAddress: t.Address() + gpu.GPUVirtualAddress(t.layout.RayGenOffset),
		SizeInBytes:  t.layout.RayGenSize,
	}
}

func (t *ShaderTable) MissRange() gpu.AddressRangeAndStride {
	return gpu.AddressRangeAndStride{
		StartAddress:  t.Address() + gpu.GPUVirtualAddress(t.layout.MissOffset),
		SizeInBytes:   t.layout.MissSize,
		StrideInBytes: t.layout.Stride,
	}
}

func (t *ShaderTable) HitGroupRange() gpu.AddressRangeAndStride {
	return gpu.AddressRangeAndStride{
		StartAddress:  t.Address() + gpu.GPUVirtualAddress(t.layout.HitOffset),
		SizeInBytes:   t.layout.HitSize,
		StrideInBytes: t.layout.Stride,
	}
}

// DispatchDesc describes a width x height dispatch over the table.
func (t *ShaderTable) DispatchDesc(width, height uint32) gpu.DispatchRaysDesc {
	return gpu.DispatchRaysDesc{
		RayGeneration: t.RayGenRange(),
		Miss:          t.MissRange(),
		HitGroup:      t.HitGroupRange(),
		Width:         width,
		Height:        height,
		Depth:         1,
	}
}

func (t *ShaderTable) Release() {
	t.buffer.Release()
}
