// Package scene turns a TOML scene description into the compiled form the
// frame executor renders: geometry buffers, acceleration structures, a
// ray-tracing pipeline and its shader table.
package scene

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/spaghettifunk/anima-rtx/engine/core"
)

type Library struct {
	// Path of the compiled DXIL library, relative to the scene file.
	Path    string   `toml:"path"`
	Exports []string `toml:"exports"`
}

type HitGroup struct {
	Name         string `toml:"name"`
	ClosestHit   string `toml:"closest_hit"`
	AnyHit       string `toml:"any_hit"`
	Intersection string `toml:"intersection"`
}

type DescriptorRange struct {
	Type     string `toml:"type"`
	Count    uint32 `toml:"count"`
	Register uint32 `toml:"register"`
	Space    uint32 `toml:"space"`
	Offset   uint32 `toml:"offset"`
}

type RootParameter struct {
	// Kind is one of descriptor_table, cbv, srv, uav or constants.
	Kind     string            `toml:"kind"`
	Register uint32            `toml:"register"`
	Space    uint32            `toml:"space"`
	Count    uint32            `toml:"count"`
	Ranges   []DescriptorRange `toml:"ranges"`
}

// RootSignature is a local root signature. Without exports it is the default
// of every export that has no other.
type RootSignature struct {
	Name       string          `toml:"name"`
	Exports    []string        `toml:"exports"`
	Parameters []RootParameter `toml:"parameters"`
}

type ShaderConfig struct {
	MaxPayloadSize   uint32   `toml:"max_payload_size"`
	MaxAttributeSize uint32   `toml:"max_attribute_size"`
	Exports          []string `toml:"exports"`
}

type Pipeline struct {
	MaxRecursionDepth uint32          `toml:"max_recursion_depth"`
	Global            []RootParameter `toml:"global_parameters"`
}

// Geometry is either a built-in shape or an explicit triangle list.
type Geometry struct {
	Name     string       `toml:"name"`
	Shape    string       `toml:"shape"`
	Vertices [][3]float32 `toml:"vertices"`
}

type BLAS struct {
	Name       string   `toml:"name"`
	Geometries []string `toml:"geometries"`
}

// ConstantBuffer is uploaded once as consecutive float4 rows.
type ConstantBuffer struct {
	Name string       `toml:"name"`
	Rows [][4]float32 `toml:"rows"`
}

type Instance struct {
	BLAS        string     `toml:"blas"`
	Translation [3]float32 `toml:"translation"`
	// Rotation holds Euler angles in degrees.
	Rotation  [3]float32  `toml:"rotation"`
	Scale     *[3]float32 `toml:"scale"`
	Mask      *uint8      `toml:"mask"`
	Flags     []string    `toml:"flags"`
	HitGroup  string      `toml:"hit_group"`
	Arguments []string    `toml:"arguments"`
}

// Record is a ray-generation or miss record.
type Record struct {
	Export    string   `toml:"export"`
	Arguments []string `toml:"arguments"`
}

type Description struct {
	Name            string           `toml:"name"`
	Library         Library          `toml:"library"`
	HitGroups       []HitGroup       `toml:"hit_groups"`
	RootSignatures  []RootSignature  `toml:"root_signatures"`
	ShaderConfig    ShaderConfig     `toml:"shader_config"`
	Pipeline        Pipeline         `toml:"pipeline"`
	Geometries      []Geometry       `toml:"geometries"`
	BLAS            []BLAS           `toml:"blas"`
	ConstantBuffers []ConstantBuffer `toml:"constant_buffers"`
	Instances       []Instance       `toml:"instances"`
	RayGen          Record           `toml:"raygen"`
	Miss            []Record         `toml:"miss"`

	// Source is the file the description was read from, if any.
	Source string `toml:"-"`
	// Bytecode is the content of Library.Path.
	Bytecode []byte `toml:"-"`
}

// Load reads a scene file and the shader library it names.
func Load(path string) (*Description, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	desc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	desc.Source = path
	if desc.Name == "" {
		desc.Name = filepath.Base(path[:len(path)-len(filepath.Ext(path))])
	}
	if desc.Library.Path != "" {
		libPath := desc.Library.Path
		if !filepath.IsAbs(libPath) {
			libPath = filepath.Join(filepath.Dir(path), libPath)
		}
		if desc.Bytecode, err = os.ReadFile(libPath); err != nil {
			err = core.ConfigurationError("scene %q: reading shader library: %s", desc.Name, err)
			core.LogError(err.Error())
			return nil, err
		}
	}
	core.LogDebug("loaded scene %q from %s", desc.Name, path)
	return desc, nil
}

// Parse decodes a scene description. Unknown keys are rejected.
func Parse(data []byte) (*Description, error) {
	desc := &Description{}
	dec := toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields()
	if err := dec.Decode(desc); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return nil, core.ConfigurationError("unknown keys in scene description:\n%s", strict.String())
		}
		var decodeErr *toml.DecodeError
		if errors.As(err, &decodeErr) {
			row, col := decodeErr.Position()
			return nil, core.ConfigurationError("scene description %d:%d: %s", row, col, decodeErr.Error())
		}
		return nil, core.ConfigurationError("scene description: %s", err)
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	return desc, nil
}

// Validate checks the references between sections. Pipeline-level checks are
// left to the pipeline builder.
func (d *Description) Validate() error {
	fail := func(format string, args ...interface{}) error {
		err := core.ConfigurationError("scene %q: "+format, append([]interface{}{d.Name}, args...)...)
		core.LogError(err.Error())
		return err
	}

	if len(d.Library.Exports) == 0 {
		return fail("the shader library exports nothing")
	}
	if d.RayGen.Export == "" {
		return fail("no ray generation export")
	}
	if len(d.Miss) == 0 {
		return fail("at least one miss record is required")
	}
	if len(d.Instances) == 0 {
		return fail("the scene has no instances")
	}

	geometries := make(map[string]bool, len(d.Geometries))
	for _, g := range d.Geometries {
		if g.Name == "" {
			return fail("geometry without a name")
		}
		if geometries[g.Name] {
			return fail("geometry %q declared twice", g.Name)
		}
		if g.Shape != "" && len(g.Vertices) > 0 {
			return fail("geometry %q has both a shape and vertices", g.Name)
		}
		if g.Shape == "" && len(g.Vertices) == 0 {
			return fail("geometry %q has neither a shape nor vertices", g.Name)
		}
		geometries[g.Name] = true
	}

	blas := make(map[string]bool, len(d.BLAS))
	for _, b := range d.BLAS {
		if blas[b.Name] {
			return fail("bottom-level structure %q declared twice", b.Name)
		}
		if len(b.Geometries) == 0 {
			return fail("bottom-level structure %q has no geometry", b.Name)
		}
		for _, g := range b.Geometries {
			if !geometries[g] {
				return fail("bottom-level structure %q references unknown geometry %q", b.Name, g)
			}
		}
		blas[b.Name] = true
	}

	buffers := make(map[string]bool, len(d.ConstantBuffers))
	for _, cb := range d.ConstantBuffers {
		if buffers[cb.Name] {
			return fail("constant buffer %q declared twice", cb.Name)
		}
		if len(cb.Rows) == 0 {
			return fail("constant buffer %q is empty", cb.Name)
		}
		buffers[cb.Name] = true
	}

	for i, inst := range d.Instances {
		if !blas[inst.BLAS] {
			return fail("instance %d references unknown bottom-level structure %q", i, inst.BLAS)
		}
		if inst.HitGroup == "" {
			return fail("instance %d names no hit group", i)
		}
		for _, f := range inst.Flags {
			if _, ok := instanceFlags[f]; !ok {
				return fail("instance %d has unknown flag %q", i, f)
			}
		}
	}
	return nil
}
