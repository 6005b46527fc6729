//go:build mage

package main

import (
	"fmt"

	"github.com/magefile/mage/mg"
)

type Run mg.Namespace

// Renders the testbed scene with the testbed engine config.
func (Run) Render() error {
	mg.Deps(Build.Shaders)
	fmt.Println("Run engine...")
	if _, err := executeCmd("go", withArgs("run", ".", "render", "--config", "testbed/engine.toml"), withStream()); err != nil {
		return err
	}
	return nil
}

// Compiles every testbed scene and prints the shader table layouts.
func (Run) Compile() error {
	mg.Deps(Build.Shaders)
	if _, err := executeCmd("go", withArgs("run", ".", "compile", "testbed/scenes/triangle.toml", "testbed/scenes/second_geometry.toml"), withStream()); err != nil {
		return err
	}
	return nil
}
