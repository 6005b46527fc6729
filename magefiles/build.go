//go:build mage

package main

import (
	"github.com/magefile/mage/mg"
)

type Build mg.Namespace

const (
	shaderSource  = "testbed/shaders/raytracing.hlsl"
	shaderLibrary = "testbed/shaders/raytracing.dxil"
)

// Compiles the ray-tracing shader library with dxc.
func (Build) Shaders() error {
	return buildShaders()
}

// Builds the anima-rtx binary.
func (Build) Binary() error {
	if _, err := executeCmd("go", withArgs("build", "-o", "bin/anima-rtx", "."), withStream()); err != nil {
		return err
	}
	return nil
}

func buildShaders() error {
	if _, err := executeCmd("dxc", withArgs("-T", "lib_6_3", "-Fo", shaderLibrary, shaderSource), withStream()); err != nil {
		return err
	}
	return nil
}
