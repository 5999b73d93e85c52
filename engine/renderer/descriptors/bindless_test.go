package descriptors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/helios/engine/core"
	"github.com/spaghettifunk/helios/engine/renderer/gpu"
)

func newTestManager(t *testing.T, capacity uint32) (*Manager, *gpu.NullDevice) {
	t.Helper()
	dev := gpu.NewNullDevice(capacity)
	m, err := NewManager(dev.ResourceTable(), 3)
	require.NoError(t, err)
	return m, dev
}

func testTexture(t *testing.T, dev *gpu.NullDevice, name string) gpu.Texture {
	t.Helper()
	tex, err := dev.CreateTexture(gpu.TextureDesc{
		Name:   name,
		Format: gpu.FormatR8G8B8A8Unorm,
		Extent: gpu.Extent{Width: 4, Height: 4},
		Usage:  gpu.TextureUsageSampled,
	})
	require.NoError(t, err)
	return tex
}

func TestAllocateAssignsSequentialSlots(t *testing.T) {
	m, dev := newTestManager(t, 8)

	for i := uint32(0); i < 3; i++ {
		idx, err := m.AllocateSlot(testTexture(t, dev, "tex"))
		require.NoError(t, err)
		assert.Equal(t, i, idx)
	}
	assert.Equal(t, 3, m.LiveCount())
}

func TestFreedSlotIsRecycled(t *testing.T) {
	m, dev := newTestManager(t, 8)

	a, err := m.AllocateSlot(testTexture(t, dev, "a"))
	require.NoError(t, err)
	b, err := m.AllocateSlot(testTexture(t, dev, "b"))
	require.NoError(t, err)

	require.NoError(t, m.FreeSlot(a))
	c, err := m.AllocateSlot(testTexture(t, dev, "c"))
	require.NoError(t, err)
	assert.Equal(t, a, c, "freed index should be recycled")

	// b kept its index throughout
	_, err = m.Texture(b)
	assert.NoError(t, err)
}

func TestAllocateExhaustion(t *testing.T) {
	m, dev := newTestManager(t, 2)

	_, err := m.AllocateSlot(testTexture(t, dev, "a"))
	require.NoError(t, err)
	_, err = m.AllocateSlot(testTexture(t, dev, "b"))
	require.NoError(t, err)

	_, err = m.AllocateSlot(testTexture(t, dev, "c"))
	assert.ErrorIs(t, err, core.ErrResourceExhausted)
}

func TestUpdateRefusedWhileSlotInFlight(t *testing.T) {
	m, dev := newTestManager(t, 8)

	idx, err := m.AllocateSlot(testTexture(t, dev, "old"))
	require.NoError(t, err)

	m.MarkRecorded(idx, 10)

	// frames 10..12 may still be in flight (3 frames in flight)
	err = m.Update(idx, testTexture(t, dev, "new"), 11)
	assert.ErrorIs(t, err, core.ErrResourceExhausted)
	err = m.Update(idx, testTexture(t, dev, "new"), 12)
	assert.ErrorIs(t, err, core.ErrResourceExhausted)

	// frame 10's fence has long signalled by frame 13
	err = m.Update(idx, testTexture(t, dev, "new"), 13)
	assert.NoError(t, err)
}

func TestUpdateAllowedWhenNeverRecorded(t *testing.T) {
	m, dev := newTestManager(t, 8)

	idx, err := m.AllocateSlot(testTexture(t, dev, "old"))
	require.NoError(t, err)

	assert.NoError(t, m.Update(idx, testTexture(t, dev, "new"), 0))
}

func TestHotSwapLeavesOldSlotLive(t *testing.T) {
	m, dev := newTestManager(t, 8)

	old, err := m.AllocateSlot(testTexture(t, dev, "v1"))
	require.NoError(t, err)
	m.MarkRecorded(old, 5)

	replacement := testTexture(t, dev, "v2")
	fresh, err := m.HotSwap(old, replacement)
	require.NoError(t, err)
	assert.NotEqual(t, old, fresh)

	// frames in flight still resolve the old binding
	_, err = m.Texture(old)
	assert.NoError(t, err)
	got, err := m.Texture(fresh)
	require.NoError(t, err)
	assert.Equal(t, replacement, got)
}

func TestFreeSlotInvalidIndex(t *testing.T) {
	m, _ := newTestManager(t, 4)

	assert.ErrorIs(t, m.FreeSlot(99), core.ErrInvalidHandle)
	assert.ErrorIs(t, m.FreeSlot(0), core.ErrInvalidHandle)
}
