//go:build mage

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/magefile/mage/mg"
)

type Build mg.Namespace

var shaderPasses = []string{
	"shadow",
	"world",
	"bloom_threshold",
	"bloom_downsample",
	"bloom_upsample",
	"tonemap",
}

// Compiles every pass's GLSL sources to SPIR-V under assets/shaders/bin.
func (Build) Shaders() error {
	srcDir := filepath.Join("assets", "shaders", "src")
	binDir := filepath.Join("assets", "shaders", "bin")
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		return err
	}
	for _, pass := range shaderPasses {
		for _, stage := range []string{"vert", "frag"} {
			src := filepath.Join(srcDir, fmt.Sprintf("%s.%s", pass, stage))
			out := filepath.Join(binDir, fmt.Sprintf("%s.%s.spv", pass, stage))
			if _, err := executeCmd("glslc", withArgs(src, "-o", out), withStream()); err != nil {
				return err
			}
		}
	}
	return nil
}

// Builds the engine binary.
func (Build) Engine() error {
	mg.Deps(Build.Shaders)
	if _, err := executeCmd("go", withArgs("build", "-o", "helios", "."), withStream()); err != nil {
		return err
	}
	return nil
}
