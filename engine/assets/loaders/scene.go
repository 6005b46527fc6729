package loaders

import (
	"github.com/spaghettifunk/anima-rtx/engine/scene"
)

// SceneLoader reads a scene description together with its shader library.
type SceneLoader struct{}

func (sl *SceneLoader) Load(path string) (*Resource, error) {
	desc, err := scene.Load(path)
	if err != nil {
		return nil, err
	}
	return &Resource{
		Name:     desc.Name,
		FullPath: path,
		Type:     ResourceTypeScene,
		DataSize: uint64(len(desc.Bytecode)),
		Data:     desc,
	}, nil
}

func (sl *SceneLoader) Unload(res *Resource) error {
	res.Data = nil
	return nil
}
