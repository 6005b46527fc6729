package scene

import (
	"github.com/spaghettifunk/anima-rtx/engine/core"
	"github.com/spaghettifunk/anima-rtx/engine/math"
	"github.com/spaghettifunk/anima-rtx/engine/renderer/rtx"
)

var shapes = map[string][]math.Vec3{
	"triangle": {
		math.NewVec3(0, 1, 0),
		math.NewVec3(0.866, -0.5, 0),
		math.NewVec3(-0.866, -0.5, 0),
	},
	// Large ground plane under the triangle, two triangles.
	"plane": {
		math.NewVec3(-100, -1, -2),
		math.NewVec3(100, -1, 100),
		math.NewVec3(-100, -1, 100),
		math.NewVec3(-100, -1, -2),
		math.NewVec3(100, -1, -2),
		math.NewVec3(100, -1, 100),
	},
}

// Shape returns a copy of the vertices of a built-in shape.
func Shape(name string) ([]math.Vec3, bool) {
	vertices, ok := shapes[name]
	if !ok {
		return nil, false
	}
	return append([]math.Vec3(nil), vertices...), true
}

func (g Geometry) vertices() ([]math.Vec3, error) {
	if g.Shape != "" {
		vertices, ok := Shape(g.Shape)
		if !ok {
			return nil, core.ConfigurationError("geometry %q: unknown shape %q", g.Name, g.Shape)
		}
		return vertices, nil
	}
	vertices := make([]math.Vec3, len(g.Vertices))
	for i, v := range g.Vertices {
		vertices[i] = math.NewVec3(v[0], v[1], v[2])
	}
	return vertices, nil
}

var instanceFlags = map[string]rtx.InstanceFlags{
	"triangle_cull_disable":   rtx.InstanceFlagTriangleCullDisable,
	"front_counter_clockwise": rtx.InstanceFlagFrontCounterClockwise,
	"force_opaque":            rtx.InstanceFlagForceOpaque,
	"force_non_opaque":        rtx.InstanceFlagForceNonOpaque,
}

// Transform composes scale, rotation and translation.
func (i Instance) Transform() math.Affine3x4 {
	scale := math.NewVec3One()
	if i.Scale != nil {
		scale = math.NewVec3(i.Scale[0], i.Scale[1], i.Scale[2])
	}
	rotation := math.NewVec3(
		math.DegToRad(i.Rotation[0]),
		math.DegToRad(i.Rotation[1]),
		math.DegToRad(i.Rotation[2]),
	)
	translation := math.NewVec3(i.Translation[0], i.Translation[1], i.Translation[2])
	return math.NewMat4TRS(translation, rotation, scale).Affine()
}

func (i Instance) mask() uint8 {
	if i.Mask == nil {
		return rtx.DefaultInstanceMask
	}
	return *i.Mask
}

func (i Instance) flags() rtx.InstanceFlags {
	var flags rtx.InstanceFlags
	for _, f := range i.Flags {
		flags |= instanceFlags[f]
	}
	return flags
}
