package rtx

import (
	"fmt"

	"golang.org/x/exp/slices"

	"github.com/spaghettifunk/anima-rtx/engine/core"
	"github.com/spaghettifunk/anima-rtx/engine/renderer/gpu"
)

// SubobjectHandle identifies a node of a PipelineBuilder. It stays valid however
// many nodes are added after it.
type SubobjectHandle struct {
	builder core.Identifier
	id      core.Identifier
}

func (h SubobjectHandle) IsZero() bool {
	return h.id == core.NilIdentifier
}

func (h SubobjectHandle) String() string {
	return h.id.String()
}

type subobjectKind uint8

const (
	subobjectLibrary subobjectKind = iota
	subobjectHitGroup
	subobjectLocalRootSignature
	subobjectGlobalRootSignature
	subobjectShaderConfig
	subobjectPipelineConfig
	subobjectAssociation
)

func (k subobjectKind) String() string {
	switch k {
	case subobjectLibrary:
		return "library"
	case subobjectHitGroup:
		return "hit group"
	case subobjectLocalRootSignature:
		return "local root signature"
	case subobjectGlobalRootSignature:
		return "global root signature"
	case subobjectShaderConfig:
		return "shader config"
	case subobjectPipelineConfig:
		return "pipeline config"
	case subobjectAssociation:
		return "association"
	}
	return "unknown"
}

type HitGroup struct {
	Name         string
	ClosestHit   string
	AnyHit       string
	Intersection string
}

func (g HitGroup) imports() []string {
	var names []string
	for _, name := range []string{g.ClosestHit, g.AnyHit, g.Intersection} {
		if name != "" {
			names = append(names, name)
		}
	}
	return names
}

// ExportRole says which range of a shader table an export may occupy.
type ExportRole uint8

const (
	// RoleEntry is a library entry point without a declared role. It fits the
	// ray generation and the miss range.
	RoleEntry ExportRole = iota
	RoleRayGeneration
	RoleMiss
	RoleHitGroup
	// RoleHitImport is a library export imported by a hit group. It has no
	// shader identifier of its own.
	RoleHitImport
)

func (r ExportRole) String() string {
	switch r {
	case RoleEntry:
		return "entry point"
	case RoleRayGeneration:
		return "ray generation shader"
	case RoleMiss:
		return "miss shader"
	case RoleHitGroup:
		return "hit group"
	case RoleHitImport:
		return "hit-group import"
	}
	return "unknown"
}

// Fits reports whether an export of role r may be written into a table range
// that expects want.
func (r ExportRole) Fits(want ExportRole) bool {
	if r == want {
		return true
	}
	return r == RoleEntry && (want == RoleRayGeneration || want == RoleMiss)
}

type ShaderConfig struct {
	MaxPayloadSizeInBytes   uint32
	MaxAttributeSizeInBytes uint32
}

type PipelineConfig struct {
	MaxTraceRecursionDepth uint32
}

type subobject struct {
	handle SubobjectHandle
	kind   subobjectKind
	// Optional label used in logs and root signature names.
	name string

	bytecode       []byte
	exports        []string
	hitGroup       HitGroup
	parameters     []gpu.RootParameter
	shaderConfig   ShaderConfig
	pipelineConfig PipelineConfig
	target         SubobjectHandle
}

// PipelineBuilder collects the sub-objects of a ray-tracing pipeline. Every
// Add call returns a handle; associations refer to their target by handle and
// are only turned into positions when the pipeline is compiled.
type PipelineBuilder struct {
	id       core.Identifier
	nodes    []*subobject
	byID     map[core.Identifier]*subobject
	declared []declaredRole
}

type declaredRole struct {
	role   ExportRole
	export string
}

func NewPipelineBuilder() *PipelineBuilder {
	return &PipelineBuilder{
		id:   core.IdentifierAquireNewID(),
		byID: make(map[core.Identifier]*subobject),
	}
}

// DeclareRole pins library exports to the ray generation or the miss range of
// a shader table. Undeclared entry points fit either.
func (b *PipelineBuilder) DeclareRole(role ExportRole, exports ...string) {
	for _, e := range exports {
		b.declared = append(b.declared, declaredRole{role: role, export: e})
	}
}

func (b *PipelineBuilder) add(node *subobject) SubobjectHandle {
	node.handle = SubobjectHandle{builder: b.id, id: core.IdentifierAquireNewID()}
	b.nodes = append(b.nodes, node)
	b.byID[node.handle.id] = node
	return node.handle
}

// AddLibrary adds compiled shader bytecode and the names it exports.
func (b *PipelineBuilder) AddLibrary(bytecode []byte, exports ...string) SubobjectHandle {
	return b.add(&subobject{
		kind:     subobjectLibrary,
		bytecode: append([]byte(nil), bytecode...),
		exports:  append([]string(nil), exports...),
	})
}

func (b *PipelineBuilder) AddHitGroup(group HitGroup) SubobjectHandle {
	return b.add(&subobject{kind: subobjectHitGroup, name: group.Name, hitGroup: group})
}

func (b *PipelineBuilder) AddLocalRootSignature(name string, parameters ...gpu.RootParameter) SubobjectHandle {
	return b.add(&subobject{
		kind:       subobjectLocalRootSignature,
		name:       name,
		parameters: append([]gpu.RootParameter(nil), parameters...),
	})
}

// SetGlobalRootSignature declares the root signature bound at dispatch time.
// Without one, an empty global root signature is created.
func (b *PipelineBuilder) SetGlobalRootSignature(parameters ...gpu.RootParameter) SubobjectHandle {
	return b.add(&subobject{
		kind:       subobjectGlobalRootSignature,
		name:       "global",
		parameters: append([]gpu.RootParameter(nil), parameters...),
	})
}

func (b *PipelineBuilder) AddShaderConfig(config ShaderConfig) SubobjectHandle {
	return b.add(&subobject{kind: subobjectShaderConfig, shaderConfig: config})
}

func (b *PipelineBuilder) SetPipelineConfig(config PipelineConfig) SubobjectHandle {
	return b.add(&subobject{kind: subobjectPipelineConfig, pipelineConfig: config})
}

// Associate binds a local root signature or a shader config to exports.
func (b *PipelineBuilder) Associate(target SubobjectHandle, exports ...string) SubobjectHandle {
	return b.add(&subobject{
		kind:    subobjectAssociation,
		target:  target,
		exports: append([]string(nil), exports...),
	})
}

// pipelinePlan is the validated, resolved form of a builder.
type pipelinePlan struct {
	// Every name a shader record can be built from, sorted.
	exports []string
	// Library exports imported by a hit group are not entry points of their own.
	entryPoints   []string
	roles         map[string]ExportRole
	localRoot     map[string]*subobject
	shaderConfig  map[string]*subobject
	layouts       map[string]ArgumentLayout
	global        *subobject
	pipeline      *subobject
	defaultRoot   *subobject
	defaultConfig *subobject
}

func (b *PipelineBuilder) fail(format string, args ...interface{}) error {
	err := core.ConfigurationError("pipeline: "+format, args...)
	core.LogError(err.Error())
	return err
}

// Validate checks the sub-object graph against limits without calling the
// device.
func (b *PipelineBuilder) Validate(limits gpu.Limits) error {
	_, err := b.plan(limits)
	return err
}

func (b *PipelineBuilder) plan(limits gpu.Limits) (*pipelinePlan, error) {
	p := &pipelinePlan{
		localRoot:    make(map[string]*subobject),
		shaderConfig: make(map[string]*subobject),
		layouts:      make(map[string]ArgumentLayout),
		roles:        make(map[string]ExportRole),
	}

	libraryExports := make(map[string]bool)
	exports := make(map[string]bool)
	var libraries, configs int
	var firstConfig *subobject
	for _, n := range b.nodes {
		switch n.kind {
		case subobjectLibrary:
			libraries++
			if len(n.exports) == 0 {
				return nil, b.fail("library %s exports nothing", n.handle)
			}
			for _, e := range n.exports {
				if e == "" {
					return nil, b.fail("library %s has an empty export name", n.handle)
				}
				if exports[e] {
					return nil, b.fail("export %q is declared twice", e)
				}
				exports[e] = true
				libraryExports[e] = true
			}
		case subobjectHitGroup:
			if n.hitGroup.Name == "" {
				return nil, b.fail("hit group %s has no name", n.handle)
			}
			if exports[n.hitGroup.Name] {
				return nil, b.fail("export %q is declared twice", n.hitGroup.Name)
			}
			exports[n.hitGroup.Name] = true
		case subobjectShaderConfig:
			configs++
			c := n.shaderConfig
			if c.MaxPayloadSizeInBytes > limits.MaxPayloadSizeInBytes {
				return nil, b.fail("payload of %d bytes exceeds the device limit of %d", c.MaxPayloadSizeInBytes, limits.MaxPayloadSizeInBytes)
			}
			if c.MaxAttributeSizeInBytes > limits.MaxAttributeSizeInBytes {
				return nil, b.fail("attributes of %d bytes exceed the device limit of %d", c.MaxAttributeSizeInBytes, limits.MaxAttributeSizeInBytes)
			}
			// Payload and attribute sizes are pipeline-wide on the device.
			if firstConfig == nil {
				firstConfig = n
			} else if c != firstConfig.shaderConfig {
				return nil, b.fail("shader configs disagree: payload %d and attributes %d against payload %d and attributes %d",
					c.MaxPayloadSizeInBytes, c.MaxAttributeSizeInBytes,
					firstConfig.shaderConfig.MaxPayloadSizeInBytes, firstConfig.shaderConfig.MaxAttributeSizeInBytes)
			}
		case subobjectPipelineConfig:
			if p.pipeline != nil {
				return nil, b.fail("more than one pipeline config")
			}
			p.pipeline = n
			depth := n.pipelineConfig.MaxTraceRecursionDepth
			if depth == 0 {
				return nil, b.fail("recursion depth must be at least 1")
			}
			if depth > limits.MaxTraceRecursionDepth {
				return nil, b.fail("recursion depth %d exceeds the device limit of %d", depth, limits.MaxTraceRecursionDepth)
			}
		case subobjectGlobalRootSignature:
			if p.global != nil {
				return nil, b.fail("more than one global root signature")
			}
			p.global = n
		}
	}
	if libraries == 0 {
		return nil, b.fail("no shader library")
	}
	if configs == 0 {
		return nil, b.fail("no shader config")
	}
	if p.pipeline == nil {
		return nil, b.fail("no pipeline config")
	}

	imported := make(map[string]bool)
	for _, n := range b.nodes {
		if n.kind != subobjectHitGroup {
			continue
		}
		g := n.hitGroup
		if len(g.imports()) == 0 {
			return nil, b.fail("hit group %q imports no shader", g.Name)
		}
		for _, imp := range g.imports() {
			if !libraryExports[imp] {
				return nil, b.fail("hit group %q imports unknown export %q", g.Name, imp)
			}
			imported[imp] = true
		}
	}

	for e := range libraryExports {
		p.roles[e] = RoleEntry
		if imported[e] {
			p.roles[e] = RoleHitImport
		}
	}
	for _, n := range b.nodes {
		if n.kind == subobjectHitGroup {
			p.roles[n.hitGroup.Name] = RoleHitGroup
		}
	}
	pinned := make(map[string]ExportRole, len(b.declared))
	for _, d := range b.declared {
		if d.role != RoleRayGeneration && d.role != RoleMiss {
			return nil, b.fail("export %q cannot be declared a %s", d.export, d.role)
		}
		if !libraryExports[d.export] {
			return nil, b.fail("export %q is declared a %s but no library exports it", d.export, d.role)
		}
		if imported[d.export] {
			return nil, b.fail("export %q is declared a %s but a hit group imports it", d.export, d.role)
		}
		if prev, ok := pinned[d.export]; ok && prev != d.role {
			return nil, b.fail("export %q is declared both a %s and a %s", d.export, prev, d.role)
		}
		pinned[d.export] = d.role
		p.roles[d.export] = d.role
	}

	associated := make(map[core.Identifier]bool)
	for _, n := range b.nodes {
		if n.kind != subobjectAssociation {
			continue
		}
		if n.target.builder != b.id {
			return nil, b.fail("association %s targets a handle of another builder", n.handle)
		}
		target, ok := b.byID[n.target.id]
		if !ok {
			return nil, b.fail("association %s targets an unknown handle", n.handle)
		}
		if len(n.exports) == 0 {
			return nil, b.fail("association %s names no export", n.handle)
		}

		var bound map[string]*subobject
		switch target.kind {
		case subobjectLocalRootSignature:
			bound = p.localRoot
		case subobjectShaderConfig:
			bound = p.shaderConfig
		default:
			return nil, b.fail("association %s targets a %s, which cannot be associated", n.handle, target.kind)
		}
		for _, e := range n.exports {
			if !exports[e] {
				return nil, b.fail("association %s names unknown export %q", n.handle, e)
			}
			if prev, ok := bound[e]; ok && prev != target {
				return nil, b.fail("export %q is bound to two %ss", e, target.kind)
			}
			bound[e] = target
		}
		associated[target.handle.id] = true
	}

	// A node that is never associated applies to every export without an
	// explicit binding of its kind.
	for _, n := range b.nodes {
		if associated[n.handle.id] {
			continue
		}
		switch n.kind {
		case subobjectLocalRootSignature:
			if p.defaultRoot != nil {
				return nil, b.fail("two unassociated local root signatures, the default is ambiguous")
			}
			p.defaultRoot = n
		case subobjectShaderConfig:
			if p.defaultConfig != nil {
				return nil, b.fail("two unassociated shader configs, the default is ambiguous")
			}
			p.defaultConfig = n
		}
	}

	for e := range exports {
		p.exports = append(p.exports, e)
		if !imported[e] {
			p.entryPoints = append(p.entryPoints, e)
		}
	}
	slices.Sort(p.exports)
	slices.Sort(p.entryPoints)

	// A hit group without a binding of its own takes the one of its imports.
	for _, n := range b.nodes {
		if n.kind != subobjectHitGroup {
			continue
		}
		for _, bound := range []map[string]*subobject{p.localRoot, p.shaderConfig} {
			if _, ok := bound[n.hitGroup.Name]; ok {
				continue
			}
			var inherited *subobject
			for _, imp := range n.hitGroup.imports() {
				target, ok := bound[imp]
				if !ok {
					continue
				}
				if inherited != nil && inherited != target {
					return nil, b.fail("hit group %q imports shaders bound to different %ss", n.hitGroup.Name, target.kind)
				}
				inherited = target
			}
			if inherited != nil {
				bound[n.hitGroup.Name] = inherited
			}
		}
	}

	for _, e := range p.exports {
		if _, ok := p.localRoot[e]; !ok && p.defaultRoot != nil {
			p.localRoot[e] = p.defaultRoot
		}
		if _, ok := p.shaderConfig[e]; !ok && p.defaultConfig != nil {
			p.shaderConfig[e] = p.defaultConfig
		}
	}
	for _, e := range p.entryPoints {
		if _, ok := p.shaderConfig[e]; !ok {
			return nil, b.fail("export %q has no shader config", e)
		}
	}

	for _, e := range p.exports {
		var layout ArgumentLayout
		if rs, ok := p.localRoot[e]; ok {
			l, err := LayoutArguments(rs.parameters)
			if err != nil {
				err = fmt.Errorf("pipeline: local root signature of %q: %w", e, err)
				core.LogError(err.Error())
				return nil, err
			}
			layout = l
		}
		p.layouts[e] = layout
	}
	return p, nil
}

// Compile validates the graph, creates its root signatures and the state
// object. Nothing reaches the device when validation fails.
func (b *PipelineBuilder) Compile(ctx *Context) (*PipelineState, error) {
	plan, err := b.plan(ctx.Limits)
	if err != nil {
		return nil, err
	}

	ps := &PipelineState{
		exports:      plan.exports,
		layouts:      plan.layouts,
		roles:        plan.roles,
		localRootSig: make(map[core.Identifier]gpu.RootSignature),
	}

	globalDesc := gpu.RootSignatureDesc{Flags: gpu.RootSignatureFlagNone}
	if plan.global != nil {
		globalDesc.Parameters = plan.global.parameters
	}
	if ps.global, err = createRootSignature(ctx.Device, "global", globalDesc); err != nil {
		return nil, err
	}
	for _, n := range b.nodes {
		if n.kind != subobjectLocalRootSignature {
			continue
		}
		rs, err := createRootSignature(ctx.Device, n.name, gpu.RootSignatureDesc{
			Flags:      gpu.RootSignatureFlagLocal,
			Parameters: n.parameters,
		})
		if err != nil {
			ps.Release()
			return nil, err
		}
		ps.localRootSig[n.handle.id] = rs
	}

	desc := b.lower(plan, ps)
	so, err := ctx.Device.CreateStateObject(&desc)
	if err != nil {
		ps.Release()
		err = core.DeviceLostError(err, "creating the ray-tracing state object")
		core.LogError(err.Error())
		return nil, err
	}
	ps.stateObject = so

	ps.maxLocal = 0
	for _, l := range plan.layouts {
		if l.Size > ps.maxLocal {
			ps.maxLocal = l.Size
		}
	}
	core.LogInfo("compiled ray-tracing pipeline: %d subobjects, %d exports, max local arguments %d bytes",
		len(desc.Subobjects), len(plan.exports), ps.maxLocal)
	return ps, nil
}

// lower turns handles into positions. An association always follows its
// target because a handle only exists once its node was added.
func (b *PipelineBuilder) lower(plan *pipelinePlan, ps *PipelineState) gpu.StateObjectDesc {
	var desc gpu.StateObjectDesc
	position := make(map[core.Identifier]int, len(b.nodes))
	emit := func(id core.Identifier, so gpu.Subobject) {
		if id != core.NilIdentifier {
			position[id] = len(desc.Subobjects)
		}
		desc.Subobjects = append(desc.Subobjects, so)
	}

	for _, n := range b.nodes {
		switch n.kind {
		case subobjectLibrary:
			emit(n.handle.id, gpu.Subobject{
				Type:    gpu.SubobjectTypeDXILLibrary,
				Library: &gpu.DXILLibraryDesc{Bytecode: n.bytecode, Exports: n.exports},
			})
		case subobjectHitGroup:
			groupType := gpu.HitGroupTypeTriangles
			if n.hitGroup.Intersection != "" {
				groupType = gpu.HitGroupTypeProceduralPrimitive
			}
			emit(n.handle.id, gpu.Subobject{
				Type: gpu.SubobjectTypeHitGroup,
				HitGroup: &gpu.HitGroupDesc{
					HitGroupExport:           n.hitGroup.Name,
					Type:                     groupType,
					ClosestHitShaderImport:   n.hitGroup.ClosestHit,
					AnyHitShaderImport:       n.hitGroup.AnyHit,
					IntersectionShaderImport: n.hitGroup.Intersection,
				},
			})
		case subobjectLocalRootSignature:
			emit(n.handle.id, gpu.Subobject{
				Type:          gpu.SubobjectTypeLocalRootSignature,
				RootSignature: ps.localRootSig[n.handle.id],
			})
		case subobjectShaderConfig:
			c := n.shaderConfig
			emit(n.handle.id, gpu.Subobject{
				Type:         gpu.SubobjectTypeShaderConfig,
				ShaderConfig: &gpu.ShaderConfigDesc{MaxPayloadSizeInBytes: c.MaxPayloadSizeInBytes, MaxAttributeSizeInBytes: c.MaxAttributeSizeInBytes},
			})
		case subobjectPipelineConfig:
			emit(n.handle.id, gpu.Subobject{
				Type:           gpu.SubobjectTypePipelineConfig,
				PipelineConfig: &gpu.PipelineConfigDesc{MaxTraceRecursionDepth: n.pipelineConfig.MaxTraceRecursionDepth},
			})
		case subobjectAssociation:
			emit(n.handle.id, gpu.Subobject{
				Type: gpu.SubobjectTypeSubobjectToExportsAssociation,
				Association: &gpu.SubobjectToExportsAssociationDesc{
					SubobjectIndex: position[n.target.id],
					Exports:        n.exports,
				},
			})
		}
	}

	emit(core.NilIdentifier, gpu.Subobject{
		Type:          gpu.SubobjectTypeGlobalRootSignature,
		RootSignature: ps.global,
	})

	// Defaults are spelled out so the state object never depends on implicit
	// association rules.
	for _, def := range []*subobject{plan.defaultRoot, plan.defaultConfig} {
		if def == nil {
			continue
		}
		bound := plan.localRoot
		if def.kind == subobjectShaderConfig {
			bound = plan.shaderConfig
		}
		var exports []string
		for _, e := range plan.exports {
			if bound[e] == def {
				exports = append(exports, e)
			}
		}
		if len(exports) == 0 {
			continue
		}
		emit(core.NilIdentifier, gpu.Subobject{
			Type: gpu.SubobjectTypeSubobjectToExportsAssociation,
			Association: &gpu.SubobjectToExportsAssociationDesc{
				SubobjectIndex: position[def.handle.id],
				Exports:        exports,
			},
		})
	}
	return desc
}

// PipelineState is a compiled ray-tracing pipeline. It is immutable.
type PipelineState struct {
	stateObject  gpu.StateObject
	global       gpu.RootSignature
	localRootSig map[core.Identifier]gpu.RootSignature
	exports      []string
	layouts      map[string]ArgumentLayout
	roles        map[string]ExportRole
	maxLocal     uint32
	released     bool
}

// ShaderIdentifier returns the 32-byte identifier of a ray generation, miss or
// hit group export.
func (ps *PipelineState) ShaderIdentifier(export string) ([]byte, error) {
	if ps.released {
		return nil, core.ConfigurationError("pipeline state used after release")
	}
	id, ok := ps.stateObject.ShaderIdentifier(export)
	if !ok {
		err := core.ConfigurationError("pipeline has no export %q", export)
		core.LogError(err.Error())
		return nil, err
	}
	if uint32(len(id)) != gpu.ShaderIdentifierSize {
		err := core.DeviceLostError(nil, "shader identifier of %q has %d bytes", export, len(id))
		core.LogError(err.Error())
		return nil, err
	}
	return id, nil
}

// ArgumentLayout returns the local arguments expected by export.
func (ps *PipelineState) ArgumentLayout(export string) (ArgumentLayout, bool) {
	l, ok := ps.layouts[export]
	return l, ok
}

// Role returns the table range export may be written into.
func (ps *PipelineState) Role(export string) (ExportRole, bool) {
	r, ok := ps.roles[export]
	return r, ok
}

func (ps *PipelineState) LocalArgumentSize(export string) uint32 {
	return ps.layouts[export].Size
}

// MaxLocalArgumentSize is the largest local argument block over all exports.
func (ps *PipelineState) MaxLocalArgumentSize() uint32 {
	return ps.maxLocal
}

func (ps *PipelineState) Exports() []string {
	return append([]string(nil), ps.exports...)
}

func (ps *PipelineState) GlobalRootSignature() gpu.RootSignature {
	return ps.global
}

func (ps *PipelineState) StateObject() gpu.StateObject {
	return ps.stateObject
}

func (ps *PipelineState) Release() {
	if ps.released {
		return
	}
	ps.released = true
	if ps.stateObject != nil {
		ps.stateObject.Release()
	}
	for _, rs := range ps.localRootSig {
		rs.Release()
	}
	if ps.global != nil {
		ps.global.Release()
	}
}
