package rtx_test

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/anima-rtx/engine/core"
	"github.com/spaghettifunk/anima-rtx/engine/math"
	"github.com/spaghettifunk/anima-rtx/engine/renderer/gpu"
	"github.com/spaghettifunk/anima-rtx/engine/renderer/rtx"
)

func TestRecordStride(t *testing.T) {
	assert.Equal(t, uint64(64), rtx.RecordStride(8))
	assert.Equal(t, uint64(32), rtx.RecordStride(0))
	assert.Equal(t, uint64(64), rtx.RecordStride(32))
	assert.Equal(t, uint64(96), rtx.RecordStride(40))
	for local := uint32(0); local < 256; local++ {
		stride := rtx.RecordStride(local)
		assert.Zero(t, stride%32)
		assert.GreaterOrEqual(t, stride, uint64(32+local))
		assert.Less(t, stride, uint64(32+local+32))
	}
}

func TestSingleTriangleTable(t *testing.T) {
	h := newHarness(t, 2)
	s := sceneA(t, h)

	layout := s.table.Layout()
	assert.Equal(t, uint64(64), layout.Stride)
	assert.Equal(t, 3, s.table.RecordCount())
	assert.Len(t, s.table.Bytes(), 192)
	assert.Equal(t, uint64(0), layout.RayGenOffset)
	assert.Equal(t, uint64(64), layout.RayGenOffset+layout.RayGenSize)
	assert.Equal(t, uint64(64), layout.MissOffset)
	assert.Equal(t, uint64(128), layout.MissOffset+layout.MissSize)
	assert.Equal(t, uint64(128), layout.HitOffset)
	assert.Equal(t, uint64(192), layout.HitOffset+layout.HitSize)

	dispatch := s.table.DispatchDesc(outputWidth, outputHeight)
	base := s.table.Address()
	assert.Equal(t, base, dispatch.RayGeneration.StartAddress)
	assert.Equal(t, uint64(64), dispatch.RayGeneration.SizeInBytes)
	assert.Equal(t, base+64, dispatch.Miss.StartAddress)
	assert.Equal(t, uint64(64), dispatch.Miss.StrideInBytes)
	assert.Equal(t, base+128, dispatch.HitGroup.StartAddress)
	assert.Equal(t, uint64(64), dispatch.HitGroup.SizeInBytes)
	assert.Equal(t, uint32(1), dispatch.Depth)
}

func TestSingleTriangleRecordContents(t *testing.T) {
	h := newHarness(t, 2)
	s := sceneA(t, h)
	image := s.table.Bytes()

	for i, export := range []string{rayGenShader, missShader, hitGroupName} {
		id, err := s.pipeline.ShaderIdentifier(export)
		require.NoError(t, err)
		assert.Equal(t, id, image[i*64:i*64+32], "identifier of %s", export)
	}
	assert.Equal(t, uint64(s.heap.GPUStart()), binary.LittleEndian.Uint64(image[32:40]))
	assert.Equal(t, make([]byte, 24), image[40:64], "ray generation padding")
	assert.Equal(t, make([]byte, 32), image[96:128], "miss padding")
	assert.Equal(t, make([]byte, 32), image[160:192], "hit padding")

	// The uploaded buffer holds the same bytes.
	var uploaded []byte
	require.NoError(t, s.table.Buffer().Map(func(mem []byte) error {
		uploaded = append([]byte(nil), mem...)
		return nil
	}))
	assert.Equal(t, image, uploaded)
}

func TestTriangleAndPlaneTable(t *testing.T) {
	h := newHarness(t, 2)
	s := sceneB(t, h)

	layout := s.table.Layout()
	assert.Equal(t, 5, s.table.RecordCount())
	assert.Len(t, s.table.Bytes(), 320)
	assert.Equal(t, uint64(128), layout.HitOffset)
	assert.Equal(t, uint64(320), layout.HitOffset+layout.HitSize)
	assert.Equal(t, uint64(64), s.table.HitGroupRange().StrideInBytes)
	assert.Equal(t, uint64(3), layout.HitSize/layout.Stride)

	image := s.table.Bytes()
	for i, cb := range s.constants {
		record := image[128+i*64 : 128+(i+1)*64]
		assert.Equal(t, uint64(cb.GPUVirtualAddress()), binary.LittleEndian.Uint64(record[32:40]), "instance %d", i)
		assert.Equal(t, make([]byte, 24), record[40:])
	}
}

func TestRecordCountFollowsInstances(t *testing.T) {
	for n := 1; n <= 6; n++ {
		t.Run(fmt.Sprintf("%d instances", n), func(t *testing.T) {
			h := newHarness(t, 2)
			g := h.geometry(t, "triangle", triangleVertices)
			var tlas *rtx.TopLevelStructure
			h.build(t, func(cmd gpu.CommandList) error {
				blas, err := h.builder.BuildBLAS(cmd, "triangle", g)
				if err != nil {
					return err
				}
				instances := make([]rtx.Instance, n)
				for i := range instances {
					instances[i] = rtx.Instance{BLAS: blas, Transform: math.NewMat4Translation(math.NewVec3(float32(i), 0, 0)).Affine(), Mask: 0xFF}
				}
				tlas, err = h.builder.BuildTLAS(cmd, "scene", instances)
				return err
			})
			pipeline, err := newPipeline(false).Compile(h.ctx)
			require.NoError(t, err)

			desc := rtx.ShaderTableDesc{
				RayGen: rtx.ShaderRecord{Export: rayGenShader, Arguments: []rtx.LocalArgument{rtx.DescriptorTableArgument{Base: 0x10}}},
				Miss:   []rtx.ShaderRecord{{Export: missShader}, {Export: missShader}},
			}
			for i := 0; i < n; i++ {
				desc.HitGroups = append(desc.HitGroups, rtx.ShaderRecord{Export: hitGroupName})
			}
			table, err := rtx.NewShaderTableBuilder(h.ctx).Build("table", pipeline, tlas, desc)
			require.NoError(t, err)
			assert.Equal(t, 1+2+n, table.RecordCount())
			assert.Equal(t, uint64(1+2+n)*table.Stride(), uint64(len(table.Bytes())))
		})
	}
}

func TestHitRecordCountMismatch(t *testing.T) {
	h := newHarness(t, 2)
	s := sceneB(t, h)

	desc := s.desc
	desc.HitGroups = desc.HitGroups[:2]
	_, err := rtx.NewShaderTableBuilder(h.ctx).Build("short", s.pipeline, s.tlas, desc)
	require.Error(t, err)
	assert.True(t, core.IsConfigurationError(err))
}

func TestRecordArgumentChecks(t *testing.T) {
	h := newHarness(t, 2)
	s := sceneB(t, h)
	tables := rtx.NewShaderTableBuilder(h.ctx)

	cases := map[string]func(d *rtx.ShaderTableDesc){
		"missing argument": func(d *rtx.ShaderTableDesc) {
			d.RayGen.Arguments = nil
		},
		"wrong kind": func(d *rtx.ShaderTableDesc) {
			d.HitGroups[0].Arguments = []rtx.LocalArgument{rtx.DescriptorTableArgument{Base: 1}}
		},
		"unknown export": func(d *rtx.ShaderTableDesc) {
			d.Miss[0].Export = "NoSuchMiss"
		},
		"no miss": func(d *rtx.ShaderTableDesc) {
			d.Miss = nil
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			desc := rtx.ShaderTableDesc{
				RayGen:    s.desc.RayGen,
				Miss:      append([]rtx.ShaderRecord(nil), s.desc.Miss...),
				HitGroups: append([]rtx.ShaderRecord(nil), s.desc.HitGroups...),
			}
			mutate(&desc)
			_, _, err := tables.Encode(s.pipeline, s.tlas, desc)
			require.Error(t, err)
			assert.True(t, core.IsConfigurationError(err))
		})
	}
}

func TestRecordMustMatchItsRange(t *testing.T) {
	h := newHarness(t, 2)
	s := sceneA(t, h)
	tables := rtx.NewShaderTableBuilder(h.ctx)

	cases := map[string]func(d *rtx.ShaderTableDesc){
		"hit record names a closest-hit import": func(d *rtx.ShaderTableDesc) {
			d.HitGroups[0] = rtx.ShaderRecord{Export: closestHitShader}
		},
		"hit record names a miss shader": func(d *rtx.ShaderTableDesc) {
			d.HitGroups[0] = rtx.ShaderRecord{Export: missShader}
		},
		"ray generation record names a hit group": func(d *rtx.ShaderTableDesc) {
			d.RayGen = rtx.ShaderRecord{Export: hitGroupName}
		},
		"ray generation record names a miss shader": func(d *rtx.ShaderTableDesc) {
			d.RayGen = rtx.ShaderRecord{Export: missShader}
		},
		"miss record names the ray generation shader": func(d *rtx.ShaderTableDesc) {
			d.Miss[0] = s.desc.RayGen
		},
		"miss record names a hit group": func(d *rtx.ShaderTableDesc) {
			d.Miss[0] = rtx.ShaderRecord{Export: hitGroupName}
		},
		"miss record names a closest-hit import": func(d *rtx.ShaderTableDesc) {
			d.Miss[0] = rtx.ShaderRecord{Export: closestHitShader}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			desc := rtx.ShaderTableDesc{
				RayGen:    s.desc.RayGen,
				Miss:      append([]rtx.ShaderRecord(nil), s.desc.Miss...),
				HitGroups: append([]rtx.ShaderRecord(nil), s.desc.HitGroups...),
			}
			mutate(&desc)
			_, _, err := tables.Encode(s.pipeline, s.tlas, desc)
			require.Error(t, err)
			assert.True(t, core.IsConfigurationError(err))
		})
	}

	role, ok := s.pipeline.Role(closestHitShader)
	require.True(t, ok)
	assert.Equal(t, rtx.RoleHitImport, role)
	_, err := s.pipeline.ShaderIdentifier(closestHitShader)
	assert.True(t, core.IsConfigurationError(err), "an imported shader has no identifier")
}

func TestUndeclaredEntryPointsFillEitherRange(t *testing.T) {
	h := newHarness(t, 2)
	s := sceneA(t, h)

	b := rtx.NewPipelineBuilder()
	b.AddLibrary([]byte("lib"), rayGenShader, missShader, closestHitShader)
	b.AddHitGroup(rtx.HitGroup{Name: hitGroupName, ClosestHit: closestHitShader})
	b.AddShaderConfig(rtx.ShaderConfig{MaxPayloadSizeInBytes: 16, MaxAttributeSizeInBytes: 8})
	b.SetPipelineConfig(rtx.PipelineConfig{MaxTraceRecursionDepth: 1})
	pipeline, err := b.Compile(h.ctx)
	require.NoError(t, err)
	defer pipeline.Release()

	role, ok := pipeline.Role(missShader)
	require.True(t, ok)
	assert.Equal(t, rtx.RoleEntry, role)

	_, _, err = rtx.NewShaderTableBuilder(h.ctx).Encode(pipeline, s.tlas, rtx.ShaderTableDesc{
		RayGen:    rtx.ShaderRecord{Export: missShader},
		Miss:      []rtx.ShaderRecord{{Export: rayGenShader}},
		HitGroups: []rtx.ShaderRecord{{Export: hitGroupName}},
	})
	assert.NoError(t, err)
}

func TestRootConstantsArgument(t *testing.T) {
	h := newHarness(t, 2)
	s := sceneA(t, h)

	b := rtx.NewPipelineBuilder()
	b.AddLibrary([]byte("lib"), rayGenShader, missShader, closestHitShader)
	b.AddHitGroup(rtx.HitGroup{Name: hitGroupName, ClosestHit: closestHitShader})
	b.Associate(b.AddLocalRootSignature("hit", rtx.RootConstantsParameter(0, 0, 3)), hitGroupName)
	b.AddLocalRootSignature("empty")
	b.AddShaderConfig(rtx.ShaderConfig{MaxPayloadSizeInBytes: 16, MaxAttributeSizeInBytes: 8})
	b.SetPipelineConfig(rtx.PipelineConfig{MaxTraceRecursionDepth: 1})
	pipeline, err := b.Compile(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(12), pipeline.MaxLocalArgumentSize())

	layout, image, err := rtx.NewShaderTableBuilder(h.ctx).Encode(pipeline, s.tlas, rtx.ShaderTableDesc{
		RayGen:    rtx.ShaderRecord{Export: rayGenShader},
		Miss:      []rtx.ShaderRecord{{Export: missShader}},
		HitGroups: []rtx.ShaderRecord{{Export: hitGroupName, Arguments: []rtx.LocalArgument{rtx.RootConstantsArgument{Values: []uint32{7, 8, 9}}}}},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(64), layout.Stride)
	hit := image[layout.HitOffset:]
	assert.Equal(t, uint32(7), binary.LittleEndian.Uint32(hit[32:]))
	assert.Equal(t, uint32(8), binary.LittleEndian.Uint32(hit[36:]))
	assert.Equal(t, uint32(9), binary.LittleEndian.Uint32(hit[40:]))
}

func TestTableRequiresBuiltTLAS(t *testing.T) {
	h := newHarness(t, 2)
	s := sceneA(t, h)
	s.tlas.Release()

	_, err := rtx.NewShaderTableBuilder(h.ctx).Build("stale", s.pipeline, s.tlas, s.desc)
	require.Error(t, err)
	assert.True(t, core.IsConfigurationError(err))
}

func TestRebuildFromSameInstancesIsByteIdentical(t *testing.T) {
	h := newHarness(t, 2)
	s := sceneB(t, h)
	original := s.table.Bytes()

	var rebuilt *rtx.TopLevelStructure
	h.build(t, func(cmd gpu.CommandList) error {
		var err error
		rebuilt, err = h.builder.BuildTLAS(cmd, "scene", s.tlas.Instances())
		return err
	})
	s.tlas.Release()
	assert.NotEqual(t, s.tlas.Address(), rebuilt.Address())

	table, err := rtx.NewShaderTableBuilder(h.ctx).Build("shader-table", s.pipeline, rebuilt, s.desc)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(original, table.Bytes()))
}
