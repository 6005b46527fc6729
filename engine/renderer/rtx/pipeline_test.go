package rtx_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/anima-rtx/engine/core"
	"github.com/spaghettifunk/anima-rtx/engine/renderer/gpu"
	"github.com/spaghettifunk/anima-rtx/engine/renderer/gpu/headless"
	"github.com/spaghettifunk/anima-rtx/engine/renderer/rtx"
)

func newContext(t *testing.T, opts ...headless.Option) (*headless.Device, *rtx.Context) {
	t.Helper()
	device := headless.NewDevice(opts...)
	ctx, err := rtx.NewContext(device, device.NewQueue(), rtx.AllocatorConfig{})
	require.NoError(t, err)
	return device, ctx
}

func TestMalformedAssociationMakesNoDeviceCall(t *testing.T) {
	device, ctx := newContext(t)

	b := newPipeline(false)
	sig := b.AddLocalRootSignature("typo", rtx.RootCBVParameter(1, 0))
	b.Associate(sig, "MyHitGroupp")

	ps, err := b.Compile(ctx)
	require.Error(t, err)
	assert.Nil(t, ps)
	assert.True(t, core.IsConfigurationError(err))
	assert.Contains(t, err.Error(), "MyHitGroupp")
	assert.Zero(t, device.Calls())
}

func TestPipelineValidation(t *testing.T) {
	cases := map[string]func(b *rtx.PipelineBuilder){
		"payload above limit": func(b *rtx.PipelineBuilder) {
			b.AddShaderConfig(rtx.ShaderConfig{MaxPayloadSizeInBytes: headless.DefaultLimits.MaxPayloadSizeInBytes + 4})
		},
		"attributes above limit": func(b *rtx.PipelineBuilder) {
			b.AddShaderConfig(rtx.ShaderConfig{MaxAttributeSizeInBytes: 64})
		},
		"recursion above limit": func(b *rtx.PipelineBuilder) {
			b.SetPipelineConfig(rtx.PipelineConfig{MaxTraceRecursionDepth: 32})
		},
		"hit group imports unknown shader": func(b *rtx.PipelineBuilder) {
			b.AddHitGroup(rtx.HitGroup{Name: "Shadow", AnyHit: "MyAnyHitShader"})
		},
		"duplicate export": func(b *rtx.PipelineBuilder) {
			b.AddLibrary([]byte("other"), missShader)
		},
		"association to a hit group": func(b *rtx.PipelineBuilder) {
			group := b.AddHitGroup(rtx.HitGroup{Name: "Second", ClosestHit: closestHitShader})
			b.Associate(group, rayGenShader)
		},
		"handle of another builder": func(b *rtx.PipelineBuilder) {
			foreign := rtx.NewPipelineBuilder().AddLocalRootSignature("foreign")
			b.Associate(foreign, rayGenShader)
		},
		"export bound to two root signatures": func(b *rtx.PipelineBuilder) {
			b.Associate(b.AddLocalRootSignature("again", rtx.RootSRVParameter(0, 0)), rayGenShader)
		},
		"ambiguous default": func(b *rtx.PipelineBuilder) {
			b.AddLocalRootSignature("second-empty")
		},
		"second pipeline config": func(b *rtx.PipelineBuilder) {
			b.SetPipelineConfig(rtx.PipelineConfig{MaxTraceRecursionDepth: 1})
		},
		"second global root signature": func(b *rtx.PipelineBuilder) {
			b.SetGlobalRootSignature()
			b.SetGlobalRootSignature()
		},
		"empty association": func(b *rtx.PipelineBuilder) {
			b.Associate(b.AddLocalRootSignature("lonely"))
		},
		"shader configs disagree": func(b *rtx.PipelineBuilder) {
			b.AddShaderConfig(rtx.ShaderConfig{MaxPayloadSizeInBytes: 16, MaxAttributeSizeInBytes: 4})
		},
		"role of a hit-group import": func(b *rtx.PipelineBuilder) {
			b.DeclareRole(rtx.RoleMiss, closestHitShader)
		},
		"two roles for one export": func(b *rtx.PipelineBuilder) {
			b.DeclareRole(rtx.RoleMiss, rayGenShader)
		},
		"role of an unknown export": func(b *rtx.PipelineBuilder) {
			b.DeclareRole(rtx.RoleRayGeneration, "NoSuchShader")
		},
		"hit-group role declared": func(b *rtx.PipelineBuilder) {
			b.DeclareRole(rtx.RoleHitGroup, hitGroupName)
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			device, ctx := newContext(t)
			b := newPipeline(false)
			mutate(b)

			require.True(t, core.IsConfigurationError(b.Validate(ctx.Limits)))
			_, err := b.Compile(ctx)
			require.Error(t, err)
			assert.True(t, core.IsConfigurationError(err))
			assert.Zero(t, device.Calls())
		})
	}
}

func TestPipelineNeedsEverySubobject(t *testing.T) {
	limits := headless.DefaultLimits

	b := rtx.NewPipelineBuilder()
	assert.ErrorContains(t, b.Validate(limits), "no shader library")

	b.AddLibrary([]byte("lib"), rayGenShader, missShader)
	assert.ErrorContains(t, b.Validate(limits), "no shader config")

	b.AddShaderConfig(rtx.ShaderConfig{MaxPayloadSizeInBytes: 16, MaxAttributeSizeInBytes: 8})
	assert.ErrorContains(t, b.Validate(limits), "no pipeline config")

	b.SetPipelineConfig(rtx.PipelineConfig{MaxTraceRecursionDepth: 1})
	assert.NoError(t, b.Validate(limits))
}

func TestMatchingShaderConfigsAreAccepted(t *testing.T) {
	b := rtx.NewPipelineBuilder()
	b.AddLibrary([]byte("lib"), rayGenShader, missShader)
	b.Associate(b.AddShaderConfig(rtx.ShaderConfig{MaxPayloadSizeInBytes: 16, MaxAttributeSizeInBytes: 8}), rayGenShader)
	b.Associate(b.AddShaderConfig(rtx.ShaderConfig{MaxPayloadSizeInBytes: 16, MaxAttributeSizeInBytes: 8}), missShader)
	b.SetPipelineConfig(rtx.PipelineConfig{MaxTraceRecursionDepth: 1})
	assert.NoError(t, b.Validate(headless.DefaultLimits))

	b.AddShaderConfig(rtx.ShaderConfig{MaxPayloadSizeInBytes: 32, MaxAttributeSizeInBytes: 8})
	err := b.Validate(headless.DefaultLimits)
	require.Error(t, err)
	assert.ErrorContains(t, err, "shader configs disagree")
}

func TestLimitsComeFromTheDevice(t *testing.T) {
	limits := headless.DefaultLimits
	limits.MaxTraceRecursionDepth = 1
	_, ctx := newContext(t, headless.WithLimits(limits))

	b := newPipeline(false)
	require.NoError(t, b.Validate(ctx.Limits))

	deep := rtx.NewPipelineBuilder()
	deep.AddLibrary([]byte("lib"), rayGenShader, missShader)
	deep.AddShaderConfig(rtx.ShaderConfig{MaxPayloadSizeInBytes: 16})
	deep.SetPipelineConfig(rtx.PipelineConfig{MaxTraceRecursionDepth: 2})
	assert.True(t, core.IsConfigurationError(deep.Validate(ctx.Limits)))
}

func TestHandlesSurviveLaterSubobjects(t *testing.T) {
	_, ctx := newContext(t)

	b := rtx.NewPipelineBuilder()
	sig := b.AddLocalRootSignature("raygen", rtx.DescriptorTableParameter(gpu.DescriptorRange{Type: gpu.DescriptorRangeUAV, NumDescriptors: 1}))
	// Plenty of nodes after the root signature; the association still reaches it.
	for i := 0; i < 64; i++ {
		b.AddShaderConfig(rtx.ShaderConfig{MaxPayloadSizeInBytes: 16, MaxAttributeSizeInBytes: 8})
	}
	b.AddLibrary([]byte("lib"), rayGenShader, missShader)
	b.Associate(sig, rayGenShader)
	cfg := b.AddShaderConfig(rtx.ShaderConfig{MaxPayloadSizeInBytes: 16, MaxAttributeSizeInBytes: 8})
	b.Associate(cfg, rayGenShader, missShader)
	b.SetPipelineConfig(rtx.PipelineConfig{MaxTraceRecursionDepth: 1})

	// 65 unassociated shader configs make the default ambiguous.
	require.Error(t, b.Validate(ctx.Limits))

	b = rtx.NewPipelineBuilder()
	sig = b.AddLocalRootSignature("raygen", rtx.DescriptorTableParameter(gpu.DescriptorRange{Type: gpu.DescriptorRangeUAV, NumDescriptors: 1}))
	for i := 0; i < 64; i++ {
		b.AddLibrary([]byte("lib"), "Unused"+string(rune('A'+i%26))+string(rune('a'+i/26)))
	}
	b.AddLibrary([]byte("lib"), rayGenShader, missShader)
	b.Associate(sig, rayGenShader)
	b.AddShaderConfig(rtx.ShaderConfig{MaxPayloadSizeInBytes: 16, MaxAttributeSizeInBytes: 8})
	b.SetPipelineConfig(rtx.PipelineConfig{MaxTraceRecursionDepth: 1})

	ps, err := b.Compile(ctx)
	require.NoError(t, err)
	so := ps.StateObject().(*headless.StateObject)

	desc := so.Desc()
	var found bool
	for _, sub := range desc.Subobjects {
		if sub.Type != gpu.SubobjectTypeSubobjectToExportsAssociation {
			continue
		}
		target := desc.Subobjects[sub.Association.SubobjectIndex]
		if target.Type == gpu.SubobjectTypeLocalRootSignature && target.RootSignature.Desc().Parameters[0].Type == gpu.RootParameterDescriptorTable {
			assert.Equal(t, []string{rayGenShader}, sub.Association.Exports)
			found = true
		}
	}
	assert.True(t, found, "association to the ray generation root signature")
	assert.Equal(t, uint32(8), ps.LocalArgumentSize(rayGenShader))
	assert.Equal(t, uint32(0), ps.LocalArgumentSize(missShader))
}

func TestCompileLowersDefaultsAndGlobalSignature(t *testing.T) {
	device, ctx := newContext(t)

	ps, err := newPipeline(true).Compile(ctx)
	require.NoError(t, err)
	defer ps.Release()

	assert.Equal(t, 1, device.CallCount("CreateStateObject"))
	// global + raygen + hit + empty
	assert.Equal(t, 4, device.CallCount("CreateRootSignature"))
	assert.Empty(t, ps.GlobalRootSignature().Desc().Parameters)
	assert.Equal(t, uint32(8), ps.MaxLocalArgumentSize())

	desc := ps.StateObject().(*headless.StateObject).Desc()
	var globals int
	associated := map[string]bool{}
	for i, sub := range desc.Subobjects {
		switch sub.Type {
		case gpu.SubobjectTypeGlobalRootSignature:
			globals++
		case gpu.SubobjectTypeSubobjectToExportsAssociation:
			assert.Less(t, sub.Association.SubobjectIndex, i)
			if desc.Subobjects[sub.Association.SubobjectIndex].Type == gpu.SubobjectTypeLocalRootSignature {
				for _, e := range sub.Association.Exports {
					assert.False(t, associated[e], "%s associated twice", e)
					associated[e] = true
				}
			}
		}
	}
	assert.Equal(t, 1, globals)
	for _, e := range []string{rayGenShader, missShader, hitGroupName, closestHitShader} {
		assert.True(t, associated[e], "%s has a local root signature", e)
	}

	for _, e := range []string{rayGenShader, missShader, hitGroupName} {
		id, err := ps.ShaderIdentifier(e)
		require.NoError(t, err)
		assert.Len(t, id, int(gpu.ShaderIdentifierSize))
	}
	_, err = ps.ShaderIdentifier("Nope")
	assert.True(t, core.IsConfigurationError(err))
}

func TestStateObjectFailureIsDeviceLost(t *testing.T) {
	device, ctx := newContext(t)
	device.FailNext("CreateStateObject", errors.New("driver hung"))

	_, err := newPipeline(true).Compile(ctx)
	require.Error(t, err)
	assert.True(t, core.IsDeviceLost(err))
	assert.Contains(t, err.Error(), "driver hung")
	// Root signatures created before the failure are released again.
	assert.Zero(t, device.LiveObjects())
}

func TestPipelineRelease(t *testing.T) {
	device, ctx := newContext(t)
	ps, err := newPipeline(false).Compile(ctx)
	require.NoError(t, err)
	require.NotZero(t, device.LiveObjects())

	ps.Release()
	ps.Release()
	assert.Zero(t, device.LiveObjects())
	_, err = ps.ShaderIdentifier(rayGenShader)
	assert.Error(t, err)
}

func TestArgumentLayout(t *testing.T) {
	layout, err := rtx.LayoutArguments([]gpu.RootParameter{
		rtx.RootConstantsParameter(0, 0, 1),
		rtx.RootCBVParameter(1, 0),
		rtx.RootConstantsParameter(2, 0, 3),
		rtx.DescriptorTableParameter(gpu.DescriptorRange{Type: gpu.DescriptorRangeSRV, NumDescriptors: 1}),
	})
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 8, 16, 32}, layout.Offsets)
	assert.Equal(t, uint32(40), layout.Size)

	_, err = rtx.LayoutArguments([]gpu.RootParameter{{Type: gpu.RootParameterDescriptorTable}})
	assert.True(t, core.IsConfigurationError(err))
}

func TestHitGroupInheritsFromItsImports(t *testing.T) {
	_, ctx := newContext(t)

	b := rtx.NewPipelineBuilder()
	b.AddLibrary([]byte("lib"), rayGenShader, missShader, closestHitShader)
	b.AddHitGroup(rtx.HitGroup{Name: hitGroupName, ClosestHit: closestHitShader})
	b.Associate(b.AddLocalRootSignature("hit", rtx.RootCBVParameter(0, 0)), closestHitShader)
	b.AddLocalRootSignature("empty")
	config := b.AddShaderConfig(rtx.ShaderConfig{MaxPayloadSizeInBytes: 12, MaxAttributeSizeInBytes: 8})
	b.Associate(config, rayGenShader, missShader, closestHitShader)
	b.SetPipelineConfig(rtx.PipelineConfig{MaxTraceRecursionDepth: 1})

	ps, err := b.Compile(ctx)
	require.NoError(t, err)
	defer ps.Release()
	assert.Equal(t, uint32(8), ps.LocalArgumentSize(hitGroupName))
	assert.Equal(t, uint32(0), ps.LocalArgumentSize(rayGenShader))

	conflicting := rtx.NewPipelineBuilder()
	conflicting.AddLibrary([]byte("lib"), rayGenShader, missShader, closestHitShader, "MyAnyHitShader")
	conflicting.AddHitGroup(rtx.HitGroup{Name: hitGroupName, ClosestHit: closestHitShader, AnyHit: "MyAnyHitShader"})
	conflicting.Associate(conflicting.AddLocalRootSignature("a", rtx.RootCBVParameter(0, 0)), closestHitShader)
	conflicting.Associate(conflicting.AddLocalRootSignature("b", rtx.RootSRVParameter(0, 0)), "MyAnyHitShader")
	conflicting.AddShaderConfig(rtx.ShaderConfig{MaxPayloadSizeInBytes: 12, MaxAttributeSizeInBytes: 8})
	conflicting.SetPipelineConfig(rtx.PipelineConfig{MaxTraceRecursionDepth: 1})
	err = conflicting.Validate(ctx.Limits)
	require.Error(t, err)
	assert.Contains(t, err.Error(), hitGroupName)
}
