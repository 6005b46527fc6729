package gpu

import "time"

// GPUVirtualAddress is an address in the device's virtual address space.
type GPUVirtualAddress uint64

// CPUDescriptorHandle and GPUDescriptorHandle address a descriptor heap slot
// from the CPU (for writing views) and from shaders (for binding tables).
type CPUDescriptorHandle uint64
type GPUDescriptorHandle uint64

const (
	// ShaderIdentifierSize is the size of an opaque shader identifier.
	ShaderIdentifierSize uint32 = 32
	// ShaderRecordAlignment is the alignment of every record in a shader table.
	ShaderRecordAlignment uint32 = 32
	// ShaderTableAlignment is the required start alignment of a shader table range.
	ShaderTableAlignment uint64 = 64
	// AccelerationStructureAlignment is the required alignment of result and scratch buffers.
	AccelerationStructureAlignment uint64 = 256
	// InstanceDescSize is the size of one encoded top-level instance.
	InstanceDescSize uint64 = 64
	// WaitInfinite makes a fence wait never time out.
	WaitInfinite time.Duration = -1
)

type HeapType uint8

const (
	HeapTypeDefault HeapType = iota
	HeapTypeUpload
)

func (h HeapType) String() string {
	switch h {
	case HeapTypeDefault:
		return "default"
	case HeapTypeUpload:
		return "upload"
	}
	return "unknown"
}

type ResourceFlags uint32

const (
	ResourceFlagNone                 ResourceFlags = 0
	ResourceFlagAllowUnorderedAccess ResourceFlags = 1 << 0
)

type ResourceState uint32

const (
	ResourceStateCommon ResourceState = iota
	ResourceStateGenericRead
	ResourceStateUnorderedAccess
	ResourceStateCopySource
	ResourceStateCopyDest
	ResourceStatePresent
	ResourceStateRaytracingAccelerationStructure
)

func (s ResourceState) String() string {
	switch s {
	case ResourceStateCommon:
		return "common"
	case ResourceStateGenericRead:
		return "generic-read"
	case ResourceStateUnorderedAccess:
		return "unordered-access"
	case ResourceStateCopySource:
		return "copy-source"
	case ResourceStateCopyDest:
		return "copy-dest"
	case ResourceStatePresent:
		return "present"
	case ResourceStateRaytracingAccelerationStructure:
		return "raytracing-acceleration-structure"
	}
	return "unknown"
}

type Format uint32

const (
	FormatUnknown Format = iota
	FormatR8G8B8A8Unorm
	FormatR8G8B8A8UnormSRGB
	FormatR32G32B32Float
)

// BytesPerElement returns the element size of the format, zero when unknown.
func (f Format) BytesPerElement() uint32 {
	switch f {
	case FormatR8G8B8A8Unorm, FormatR8G8B8A8UnormSRGB:
		return 4
	case FormatR32G32B32Float:
		return 12
	}
	return 0
}

type ResourceDimension uint8

const (
	ResourceDimensionBuffer ResourceDimension = iota
	ResourceDimensionTexture2D
)

type ResourceDesc struct {
	Dimension ResourceDimension
	// Width is the byte size for buffers and the pixel width for textures.
	Width  uint64
	Height uint32
	Format Format
	Flags  ResourceFlags
}

// BufferDesc describes a plain byte buffer.
func BufferDesc(size uint64, flags ResourceFlags) ResourceDesc {
	return ResourceDesc{Dimension: ResourceDimensionBuffer, Width: size, Height: 1, Flags: flags}
}

// Texture2DDesc describes a single-mip 2D texture.
func Texture2DDesc(width, height uint32, format Format, flags ResourceFlags) ResourceDesc {
	return ResourceDesc{
		Dimension: ResourceDimensionTexture2D,
		Width:     uint64(width),
		Height:    height,
		Format:    format,
		Flags:     flags,
	}
}

// SizeInBytes is the allocation size the resource needs.
func (d ResourceDesc) SizeInBytes() uint64 {
	if d.Dimension == ResourceDimensionBuffer {
		return d.Width
	}
	return d.Width * uint64(d.Height) * uint64(d.Format.BytesPerElement())
}

type DescriptorHeapType uint8

const (
	DescriptorHeapTypeCBVSRVUAV DescriptorHeapType = iota
	DescriptorHeapTypeRTV
)

// Limits are the device-reported ray-tracing limits. They are authoritative.
type Limits struct {
	MaxTraceRecursionDepth  uint32
	MaxPayloadSizeInBytes   uint32
	MaxAttributeSizeInBytes uint32
	MaxInstanceCount        uint32
}

// -----------------------------------------------------------------------------
// Acceleration structures
// -----------------------------------------------------------------------------

type AccelerationStructureType uint8

const (
	AccelerationStructureTypeBottomLevel AccelerationStructureType = iota
	AccelerationStructureTypeTopLevel
)

type BuildFlags uint32

const (
	BuildFlagNone            BuildFlags = 0
	BuildFlagPreferFastTrace BuildFlags = 1 << 0
)

type GeometryFlags uint32

const (
	GeometryFlagNone   GeometryFlags = 0
	GeometryFlagOpaque GeometryFlags = 1 << 0
)

// TrianglesGeometryDesc describes non-indexed triangles in a vertex buffer.
type TrianglesGeometryDesc struct {
	VertexBuffer GPUVirtualAddress
	VertexStride uint64
	VertexCount  uint32
	VertexFormat Format
	Flags        GeometryFlags
}

type BuildInputs struct {
	Type  AccelerationStructureType
	Flags BuildFlags
	// Geometries is used by bottom-level builds.
	Geometries []TrianglesGeometryDesc
	// InstanceCount and InstanceDescs are used by top-level builds.
	InstanceCount uint32
	InstanceDescs GPUVirtualAddress
}

type PrebuildInfo struct {
	ResultDataMaxSizeInBytes     uint64
	ScratchDataSizeInBytes       uint64
	UpdateScratchDataSizeInBytes uint64
}

type BuildDesc struct {
	Inputs  BuildInputs
	Dest    GPUVirtualAddress
	Scratch GPUVirtualAddress
}

// -----------------------------------------------------------------------------
// Dispatch
// -----------------------------------------------------------------------------

type AddressRange struct {
	StartAddress GPUVirtualAddress
	SizeInBytes  uint64
}

type AddressRangeAndStride struct {
	StartAddress  GPUVirtualAddress
	SizeInBytes   uint64
	StrideInBytes uint64
}

type DispatchRaysDesc struct {
	RayGeneration AddressRange
	Miss          AddressRangeAndStride
	HitGroup      AddressRangeAndStride
	Callable      AddressRangeAndStride
	Width         uint32
	Height        uint32
	Depth         uint32
}

// -----------------------------------------------------------------------------
// Root signatures
// -----------------------------------------------------------------------------

type RootParameterType uint8

const (
	RootParameterDescriptorTable RootParameterType = iota
	RootParameterConstants
	RootParameterCBV
	RootParameterSRV
	RootParameterUAV
)

func (t RootParameterType) String() string {
	switch t {
	case RootParameterDescriptorTable:
		return "descriptor-table"
	case RootParameterConstants:
		return "constants"
	case RootParameterCBV:
		return "cbv"
	case RootParameterSRV:
		return "srv"
	case RootParameterUAV:
		return "uav"
	}
	return "unknown"
}

type DescriptorRangeType uint8

const (
	DescriptorRangeSRV DescriptorRangeType = iota
	DescriptorRangeUAV
	DescriptorRangeCBV
)

type DescriptorRange struct {
	Type                              DescriptorRangeType
	NumDescriptors                    uint32
	BaseShaderRegister                uint32
	RegisterSpace                     uint32
	OffsetInDescriptorsFromTableStart uint32
}

type RootParameter struct {
	Type RootParameterType
	// Ranges is used by descriptor tables.
	Ranges []DescriptorRange
	// ShaderRegister and RegisterSpace are used by root descriptors and constants.
	ShaderRegister uint32
	RegisterSpace  uint32
	// Num32BitValues is used by root constants.
	Num32BitValues uint32
}

type RootSignatureFlags uint32

const (
	RootSignatureFlagNone  RootSignatureFlags = 0
	RootSignatureFlagLocal RootSignatureFlags = 1 << 0
)

type RootSignatureDesc struct {
	Flags      RootSignatureFlags
	Parameters []RootParameter
}

// -----------------------------------------------------------------------------
// State objects
// -----------------------------------------------------------------------------

type SubobjectType uint8

const (
	SubobjectTypeDXILLibrary SubobjectType = iota
	SubobjectTypeHitGroup
	SubobjectTypeLocalRootSignature
	SubobjectTypeGlobalRootSignature
	SubobjectTypeSubobjectToExportsAssociation
	SubobjectTypeShaderConfig
	SubobjectTypePipelineConfig
)

type DXILLibraryDesc struct {
	Bytecode []byte
	Exports  []string
}

type HitGroupType uint8

const (
	HitGroupTypeTriangles HitGroupType = iota
	HitGroupTypeProceduralPrimitive
)

type HitGroupDesc struct {
	HitGroupExport           string
	Type                     HitGroupType
	AnyHitShaderImport       string
	ClosestHitShaderImport   string
	IntersectionShaderImport string
}

// SubobjectToExportsAssociationDesc is the device-level association. At this
// boundary the associated subobject is addressed by its position in
// StateObjectDesc.Subobjects, as the driver ABI requires.
type SubobjectToExportsAssociationDesc struct {
	SubobjectIndex int
	Exports        []string
}

type ShaderConfigDesc struct {
	MaxPayloadSizeInBytes   uint32
	MaxAttributeSizeInBytes uint32
}

type PipelineConfigDesc struct {
	MaxTraceRecursionDepth uint32
}

type Subobject struct {
	Type           SubobjectType
	Library        *DXILLibraryDesc
	HitGroup       *HitGroupDesc
	RootSignature  RootSignature
	Association    *SubobjectToExportsAssociationDesc
	ShaderConfig   *ShaderConfigDesc
	PipelineConfig *PipelineConfigDesc
}

type StateObjectDesc struct {
	Subobjects []Subobject
}
