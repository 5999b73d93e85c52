package shaders

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spaghettifunk/helios/engine/core"
)

type Stage uint8

const (
	StageVertex Stage = iota
	StageFragment
	StageCompute
)

// BindingLayout declares where a pass expects its resources. The engine
// consumes these as-is; no reflection on the SPIR-V is performed.
type BindingLayout struct {
	// PushConstantSize in bytes, zero when the stage takes none.
	PushConstantSize uint32
	// DescriptorSets lists the set indices the module binds, in order.
	DescriptorSets []uint32
	// UsesBindlessTable marks modules indexing the global texture table.
	UsesBindlessTable bool
}

// Module is a precompiled SPIR-V shader plus its declared layout. Source
// compilation happens outside the engine (see the mage shader targets).
type Module struct {
	Name   string
	Stage  Stage
	Path   string
	Code   []byte
	Layout BindingLayout
}

// Load reads a precompiled .spv binary from disk.
func Load(name, path string, stage Stage, layout BindingLayout) (*Module, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("shaders: failed to read module '%s' from '%s': %w", name, path, err)
	}
	if len(code)%4 != 0 {
		return nil, fmt.Errorf("shaders: module '%s' is not a valid SPIR-V binary (size %d): %w",
			name, len(code), core.ErrConfiguration)
	}
	return &Module{
		Name:   name,
		Stage:  stage,
		Path:   filepath.Clean(path),
		Code:   code,
		Layout: layout,
	}, nil
}

// Reload re-reads the module's binary in place. Callers must route the new
// code through pipeline recreation before the next frame uses it.
func (m *Module) Reload() error {
	code, err := os.ReadFile(m.Path)
	if err != nil {
		return fmt.Errorf("shaders: failed to reload module '%s': %w", m.Name, err)
	}
	m.Code = code
	return nil
}
