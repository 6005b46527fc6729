package headless

import (
	"crypto/sha256"
	"fmt"

	"github.com/spaghettifunk/anima-rtx/engine/renderer/gpu"
)

type StateObject struct {
	device      *Device
	desc        gpu.StateObjectDesc
	identifiers map[string][]byte
	released    bool
}

// newStateObject applies the checks a driver performs on a ray-tracing state
// object: associations point backwards at root signatures or shader configs,
// and every imported or associated name is exported.
func newStateObject(d *Device, desc *gpu.StateObjectDesc) (*StateObject, error) {
	exports := make(map[string]struct{})
	for _, so := range desc.Subobjects {
		switch so.Type {
		case gpu.SubobjectTypeDXILLibrary:
			for _, e := range so.Library.Exports {
				exports[e] = struct{}{}
			}
		case gpu.SubobjectTypeHitGroup:
			exports[so.HitGroup.HitGroupExport] = struct{}{}
		}
	}

	imported := make(map[string]struct{})
	for i, so := range desc.Subobjects {
		switch so.Type {
		case gpu.SubobjectTypeHitGroup:
			for _, imp := range []string{so.HitGroup.ClosestHitShaderImport, so.HitGroup.AnyHitShaderImport, so.HitGroup.IntersectionShaderImport} {
				if imp == "" {
					continue
				}
				if _, ok := exports[imp]; !ok {
					return nil, fmt.Errorf("headless: hit group %q imports unknown export %q", so.HitGroup.HitGroupExport, imp)
				}
				imported[imp] = struct{}{}
			}
		case gpu.SubobjectTypeSubobjectToExportsAssociation:
			idx := so.Association.SubobjectIndex
			if idx < 0 || idx >= i {
				return nil, fmt.Errorf("headless: association %d references subobject %d", i, idx)
			}
			switch desc.Subobjects[idx].Type {
			case gpu.SubobjectTypeLocalRootSignature, gpu.SubobjectTypeShaderConfig:
			default:
				return nil, fmt.Errorf("headless: association %d targets a non-associable subobject", i)
			}
			for _, e := range so.Association.Exports {
				if _, ok := exports[e]; !ok {
					return nil, fmt.Errorf("headless: association %d names unknown export %q", i, e)
				}
			}
		}
	}

	so := &StateObject{
		device:      d,
		desc:        gpu.StateObjectDesc{Subobjects: append([]gpu.Subobject(nil), desc.Subobjects...)},
		identifiers: make(map[string][]byte, len(exports)),
	}
	// Shaders imported by a hit group are only reachable through it.
	for e := range exports {
		if _, ok := imported[e]; ok {
			continue
		}
		so.identifiers[e] = shaderIdentifier(e)
	}
	return so, nil
}

// shaderIdentifier derives a stable identifier from the export name so that
// rebuilding the same pipeline reproduces the same shader table bytes.
func shaderIdentifier(export string) []byte {
	sum := sha256.Sum256([]byte("anima-rtx/shader-identifier/" + export))
	return sum[:gpu.ShaderIdentifierSize]
}

func (so *StateObject) ShaderIdentifier(export string) ([]byte, bool) {
	id, ok := so.identifiers[export]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), id...), true
}

// Desc returns the description the state object was created from.
func (so *StateObject) Desc() gpu.StateObjectDesc {
	return so.desc
}

func (so *StateObject) Release() {
	if so.released {
		return
	}
	so.released = true
	so.device.drop()
}
