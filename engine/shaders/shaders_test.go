package shaders

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/helios/engine/core"
)

func writeModuleFile(t *testing.T, dir, name string, code []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, code, 0o644))
	return path
}

func TestLoadReadsModule(t *testing.T) {
	code := []byte{0x03, 0x02, 0x23, 0x07, 0x00, 0x00, 0x01, 0x00}
	path := writeModuleFile(t, t.TempDir(), "world.vert.spv", code)

	m, err := Load("world", path, StageVertex, BindingLayout{
		PushConstantSize:  128,
		DescriptorSets:    []uint32{0},
		UsesBindlessTable: true,
	})
	require.NoError(t, err)

	assert.Equal(t, "world", m.Name)
	assert.Equal(t, StageVertex, m.Stage)
	assert.Equal(t, code, m.Code)
	assert.True(t, m.Layout.UsesBindlessTable)
}

func TestLoadRejectsTruncatedBinary(t *testing.T) {
	path := writeModuleFile(t, t.TempDir(), "broken.frag.spv", []byte{0x03, 0x02, 0x23})

	_, err := Load("broken", path, StageFragment, BindingLayout{})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrConfiguration)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("absent", filepath.Join(t.TempDir(), "absent.spv"), StageVertex, BindingLayout{})
	assert.Error(t, err)
}

func TestReloadPicksUpNewCode(t *testing.T) {
	dir := t.TempDir()
	path := writeModuleFile(t, dir, "tonemap.frag.spv", []byte{1, 0, 0, 0})

	m, err := Load("tonemap", path, StageFragment, BindingLayout{})
	require.NoError(t, err)

	next := []byte{2, 0, 0, 0, 3, 0, 0, 0}
	require.NoError(t, os.WriteFile(path, next, 0o644))
	require.NoError(t, m.Reload())
	assert.Equal(t, next, m.Code)
}

func TestWatcherFlagsChangedModules(t *testing.T) {
	dir := t.TempDir()
	path := writeModuleFile(t, dir, "bloom.frag.spv", []byte{1, 0, 0, 0})

	m, err := Load("bloom", path, StageFragment, BindingLayout{})
	require.NoError(t, err)

	w, err := NewWatcher()
	require.NoError(t, err)
	defer w.Shutdown()

	require.NoError(t, w.Watch(m))
	require.NoError(t, os.WriteFile(path, []byte{2, 0, 0, 0}, 0o644))

	deadline := time.After(3 * time.Second)
	for {
		if changed := w.TakeChanged(); len(changed) > 0 {
			assert.Same(t, m, changed[0])
			return
		}
		select {
		case <-deadline:
			t.Fatal("watcher never flagged the changed module")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestTakeChangedClearsFlags(t *testing.T) {
	w := &Watcher{
		modules: map[string]*Module{"x": {Name: "x"}},
		changed: map[string]bool{"x": true},
	}
	first := w.TakeChanged()
	require.Len(t, first, 1)
	assert.Nil(t, w.TakeChanged())
}
