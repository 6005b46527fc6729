package loaders

type ResourceType int

const (
	ResourceTypeNone ResourceType = iota
	ResourceTypeScene
	ResourceTypeShaderLibrary
)

func (t ResourceType) String() string {
	switch t {
	case ResourceTypeScene:
		return "scene"
	case ResourceTypeShaderLibrary:
		return "shader library"
	}
	return "none"
}

type Resource struct {
	Name     string
	FullPath string
	Type     ResourceType
	DataSize uint64
	Data     interface{}
}
