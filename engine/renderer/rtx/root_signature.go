package rtx

import (
	"github.com/spaghettifunk/anima-rtx/engine/core"
	"github.com/spaghettifunk/anima-rtx/engine/math"
	"github.com/spaghettifunk/anima-rtx/engine/renderer/gpu"
)

const (
	rootDescriptorArgumentSize uint32 = 8
	rootConstantArgumentSize   uint32 = 4
)

/** @brief A root parameter with one descriptor table made of the given ranges. */
func DescriptorTableParameter(ranges ...gpu.DescriptorRange) gpu.RootParameter {
	return gpu.RootParameter{
		Type:   gpu.RootParameterDescriptorTable,
		Ranges: append([]gpu.DescriptorRange(nil), ranges...),
	}
}

/** @brief A root constant buffer view bound by GPU virtual address. */
func RootCBVParameter(shaderRegister, registerSpace uint32) gpu.RootParameter {
	return gpu.RootParameter{Type: gpu.RootParameterCBV, ShaderRegister: shaderRegister, RegisterSpace: registerSpace}
}

/** @brief A root shader resource view bound by GPU virtual address. */
func RootSRVParameter(shaderRegister, registerSpace uint32) gpu.RootParameter {
	return gpu.RootParameter{Type: gpu.RootParameterSRV, ShaderRegister: shaderRegister, RegisterSpace: registerSpace}
}

/** @brief A root unordered access view bound by GPU virtual address. */
func RootUAVParameter(shaderRegister, registerSpace uint32) gpu.RootParameter {
	return gpu.RootParameter{Type: gpu.RootParameterUAV, ShaderRegister: shaderRegister, RegisterSpace: registerSpace}
}

/** @brief num32BitValues inline 32-bit root constants. */
func RootConstantsParameter(shaderRegister, registerSpace, num32BitValues uint32) gpu.RootParameter {
	return gpu.RootParameter{
		Type:           gpu.RootParameterConstants,
		ShaderRegister: shaderRegister,
		RegisterSpace:  registerSpace,
		Num32BitValues: num32BitValues,
	}
}

// ArgumentLayout is where each root parameter of a local root signature lives
// inside a shader record, relative to the end of the shader identifier.
type ArgumentLayout struct {
	Parameters []gpu.RootParameter
	Offsets    []uint32
	Size       uint32
}

// LayoutArguments places parameters in declaration order. Descriptor tables and
// root descriptors take 8 bytes at an 8-byte boundary; root constants take 4
// bytes per value at a 4-byte boundary.
func LayoutArguments(parameters []gpu.RootParameter) (ArgumentLayout, error) {
	layout := ArgumentLayout{
		Parameters: append([]gpu.RootParameter(nil), parameters...),
		Offsets:    make([]uint32, len(parameters)),
	}
	var offset uint32
	for i, p := range parameters {
		switch p.Type {
		case gpu.RootParameterDescriptorTable:
			if len(p.Ranges) == 0 {
				return ArgumentLayout{}, core.ConfigurationError("root parameter %d is a descriptor table without ranges", i)
			}
			offset = math.AlignUp(offset, rootDescriptorArgumentSize)
			layout.Offsets[i] = offset
			offset += rootDescriptorArgumentSize
		case gpu.RootParameterCBV, gpu.RootParameterSRV, gpu.RootParameterUAV:
			offset = math.AlignUp(offset, rootDescriptorArgumentSize)
			layout.Offsets[i] = offset
			offset += rootDescriptorArgumentSize
		case gpu.RootParameterConstants:
			if p.Num32BitValues == 0 {
				return ArgumentLayout{}, core.ConfigurationError("root parameter %d declares zero constants", i)
			}
			offset = math.AlignUp(offset, rootConstantArgumentSize)
			layout.Offsets[i] = offset
			offset += rootConstantArgumentSize * p.Num32BitValues
		default:
			return ArgumentLayout{}, core.ConfigurationError("root parameter %d has unknown type %d", i, p.Type)
		}
	}
	layout.Size = offset
	return layout, nil
}

func createRootSignature(device gpu.Device, name string, desc gpu.RootSignatureDesc) (gpu.RootSignature, error) {
	rs, err := device.CreateRootSignature(&desc)
	if err != nil {
		err = core.DeviceLostError(err, "creating root signature %q", name)
		core.LogError(err.Error())
		return nil, err
	}
	return rs, nil
}
