package scene

import (
	gomath "math"
	"strconv"
	"strings"

	"github.com/spaghettifunk/anima-rtx/engine/core"
	"github.com/spaghettifunk/anima-rtx/engine/renderer/gpu"
	"github.com/spaghettifunk/anima-rtx/engine/renderer/rtx"
)

var rangeTypes = map[string]gpu.DescriptorRangeType{
	"srv": gpu.DescriptorRangeSRV,
	"uav": gpu.DescriptorRangeUAV,
	"cbv": gpu.DescriptorRangeCBV,
}

func (p RootParameter) lower() (gpu.RootParameter, error) {
	switch p.Kind {
	case "descriptor_table":
		ranges := make([]gpu.DescriptorRange, 0, len(p.Ranges))
		for _, r := range p.Ranges {
			t, ok := rangeTypes[r.Type]
			if !ok {
				return gpu.RootParameter{}, core.ConfigurationError("unknown descriptor range type %q", r.Type)
			}
			count := r.Count
			if count == 0 {
				count = 1
			}
			ranges = append(ranges, gpu.DescriptorRange{
				Type:                              t,
				NumDescriptors:                    count,
				BaseShaderRegister:                r.Register,
				RegisterSpace:                     r.Space,
				OffsetInDescriptorsFromTableStart: r.Offset,
			})
		}
		return rtx.DescriptorTableParameter(ranges...), nil
	case "cbv":
		return rtx.RootCBVParameter(p.Register, p.Space), nil
	case "srv":
		return rtx.RootSRVParameter(p.Register, p.Space), nil
	case "uav":
		return rtx.RootUAVParameter(p.Register, p.Space), nil
	case "constants":
		return rtx.RootConstantsParameter(p.Register, p.Space, p.Count), nil
	}
	return gpu.RootParameter{}, core.ConfigurationError("unknown root parameter kind %q", p.Kind)
}

func lowerParameters(params []RootParameter) ([]gpu.RootParameter, error) {
	out := make([]gpu.RootParameter, 0, len(params))
	for _, p := range params {
		lowered, err := p.lower()
		if err != nil {
			return nil, err
		}
		out = append(out, lowered)
	}
	return out, nil
}

// argumentSource resolves the names an argument string may refer to.
type argumentSource struct {
	heap      gpu.GPUDescriptorHandle
	tlas      gpu.GPUVirtualAddress
	constants map[string]*rtx.Buffer
}

// resolve turns one argument string into a local argument:
//
//	heap              descriptor table at the start of the scene heap
//	cbv:<buffer>      root descriptor with the address of a constant buffer
//	srv:tlas          root descriptor with the address of the top-level structure
//	constants:1,2.5   root constants, integers or float32 values
func (s *argumentSource) resolve(arg string) (rtx.LocalArgument, error) {
	kind, value, _ := strings.Cut(arg, ":")
	switch kind {
	case "heap":
		return rtx.DescriptorTableArgument{Base: s.heap}, nil
	case "cbv", "srv", "uav":
		if value == "tlas" {
			return rtx.RootDescriptorArgument{Address: s.tlas}, nil
		}
		cb, ok := s.constants[value]
		if !ok {
			return nil, core.ConfigurationError("argument %q: unknown constant buffer %q", arg, value)
		}
		return rtx.RootDescriptorArgument{Address: cb.GPUVirtualAddress()}, nil
	case "constants":
		var values []uint32
		for _, field := range strings.Split(value, ",") {
			field = strings.TrimSpace(field)
			if u, err := strconv.ParseUint(field, 10, 32); err == nil {
				values = append(values, uint32(u))
				continue
			}
			f, err := strconv.ParseFloat(field, 32)
			if err != nil {
				return nil, core.ConfigurationError("argument %q: %q is not a number", arg, field)
			}
			values = append(values, gomath.Float32bits(float32(f)))
		}
		return rtx.RootConstantsArgument{Values: values}, nil
	}
	return nil, core.ConfigurationError("unknown argument %q", arg)
}

func (s *argumentSource) record(export string, args []string) (rtx.ShaderRecord, error) {
	rec := rtx.ShaderRecord{Export: export}
	for _, a := range args {
		arg, err := s.resolve(a)
		if err != nil {
			return rtx.ShaderRecord{}, err
		}
		rec.Arguments = append(rec.Arguments, arg)
	}
	return rec, nil
}
