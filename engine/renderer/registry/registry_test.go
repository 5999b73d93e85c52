package registry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/helios/engine/core"
	"github.com/spaghettifunk/helios/engine/renderer/gpu"
)

func newTestTexture(t *testing.T, dev *gpu.NullDevice, name string) gpu.Texture {
	t.Helper()
	tex, err := dev.CreateTexture(gpu.TextureDesc{
		Name:   name,
		Format: gpu.FormatR16G16B16A16Float,
		Extent: gpu.Extent{Width: 64, Height: 64},
		Usage:  gpu.TextureUsageSampled,
	})
	require.NoError(t, err)
	return tex
}

func TestRegisterAndGet(t *testing.T) {
	dev := gpu.NewNullDevice(16)
	r := New(8)

	h, err := r.Register("albedo", newTestTexture(t, dev, "albedo"))
	require.NoError(t, err)
	assert.NotEqual(t, HandleInvalid, h)

	res, err := r.Get(h)
	require.NoError(t, err)
	assert.Equal(t, gpu.ResourceKindTexture, res.Kind())

	tex, err := r.Texture(h)
	require.NoError(t, err)
	assert.Equal(t, gpu.FormatR16G16B16A16Float, tex.Format())
}

func TestHandlesAreNeverReused(t *testing.T) {
	dev := gpu.NewNullDevice(16)
	r := New(8)

	h1, err := r.Register("a", newTestTexture(t, dev, "a"))
	require.NoError(t, err)
	require.NoError(t, r.Release(h1, 0))

	_, err = r.Reclaim(func(uint64) bool { return true })
	require.NoError(t, err)

	h2, err := r.Register("b", newTestTexture(t, dev, "b"))
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)

	_, err = r.Get(h1)
	assert.ErrorIs(t, err, core.ErrInvalidHandle)
}

func TestReleasedHandleFailsResolution(t *testing.T) {
	dev := gpu.NewNullDevice(16)
	r := New(8)

	h, err := r.Register("shadow", newTestTexture(t, dev, "shadow"))
	require.NoError(t, err)
	require.NoError(t, r.Release(h, 3))

	_, err = r.Get(h)
	assert.ErrorIs(t, err, core.ErrInvalidHandle)

	err = r.Release(h, 3)
	assert.ErrorIs(t, err, core.ErrInvalidHandle)
}

func TestReclaimWaitsForTaggedFrame(t *testing.T) {
	dev := gpu.NewNullDevice(16)
	r := New(8)

	h, err := r.Register("hdr", newTestTexture(t, dev, "hdr"))
	require.NoError(t, err)
	require.NoError(t, r.Release(h, 5))
	assert.Equal(t, 1, r.PendingCount())

	// frame 5 not complete yet: nothing may be destroyed
	freed, err := r.Reclaim(func(frame uint64) bool { return false })
	require.NoError(t, err)
	assert.Zero(t, freed)
	assert.Equal(t, -1, dev.Log.IndexOf("texture[hdr].destroy"))

	freed, err = r.Reclaim(func(frame uint64) bool { return frame <= 5 })
	require.NoError(t, err)
	assert.Equal(t, 1, freed)
	assert.Zero(t, r.PendingCount())
	assert.NotEqual(t, -1, dev.Log.IndexOf("texture[hdr].destroy"))
}

func TestReclaimStopsAtFirstInFlightEntry(t *testing.T) {
	dev := gpu.NewNullDevice(16)
	r := New(8)

	h1, _ := r.Register("old", newTestTexture(t, dev, "old"))
	h2, _ := r.Register("new", newTestTexture(t, dev, "new"))
	require.NoError(t, r.Release(h1, 1))
	require.NoError(t, r.Release(h2, 4))

	freed, err := r.Reclaim(func(frame uint64) bool { return frame <= 1 })
	require.NoError(t, err)
	assert.Equal(t, 1, freed)
	assert.Equal(t, 1, r.PendingCount())
	assert.Equal(t, -1, dev.Log.IndexOf("texture[new].destroy"))
}

func TestRetirementQueueOverflow(t *testing.T) {
	dev := gpu.NewNullDevice(16)
	r := New(2)

	var handles []Handle
	for _, name := range []string{"a", "b", "c"} {
		h, err := r.Register(name, newTestTexture(t, dev, name))
		require.NoError(t, err)
		handles = append(handles, h)
	}

	require.NoError(t, r.Release(handles[0], 0))
	require.NoError(t, r.Release(handles[1], 0))
	err := r.Release(handles[2], 0)
	assert.ErrorIs(t, err, core.ErrResourceExhausted)

	// the overflowing handle stays live and usable
	_, err = r.Get(handles[2])
	assert.NoError(t, err)
}

func TestErrorsCarryResourceIdentity(t *testing.T) {
	dev := gpu.NewNullDevice(16)
	r := New(1)

	buf, err := dev.CreateBuffer(gpu.BufferDesc{Name: "staging", Size: 256})
	require.NoError(t, err)
	h, err := r.Register("staging", buf)
	require.NoError(t, err)

	// resolving the wrong kind names the resource, not just the handle
	_, err = r.Texture(h)
	require.ErrorIs(t, err, core.ErrInvalidHandle)
	assert.Contains(t, err.Error(), `"staging"`)
	assert.Contains(t, err.Error(), "uid ")

	h2, err := r.Register("spill", newTestTexture(t, dev, "spill"))
	require.NoError(t, err)
	require.NoError(t, r.Release(h, 0))
	err = r.Release(h2, 0)
	require.ErrorIs(t, err, core.ErrResourceExhausted)
	assert.Contains(t, err.Error(), `"spill"`)
	assert.Contains(t, err.Error(), "uid ")
}

func TestRegisterNilResource(t *testing.T) {
	r := New(8)
	_, err := r.Register("nothing", nil)
	assert.True(t, errors.Is(err, core.ErrInvalidHandle))
}

func TestShutdownDestroysEverything(t *testing.T) {
	dev := gpu.NewNullDevice(16)
	r := New(8)

	_, err := r.Register("kept", newTestTexture(t, dev, "kept"))
	require.NoError(t, err)
	h, err := r.Register("retired", newTestTexture(t, dev, "retired"))
	require.NoError(t, err)
	require.NoError(t, r.Release(h, 0))

	require.NoError(t, r.Shutdown())
	assert.Zero(t, r.LiveCount())
	assert.Zero(t, r.PendingCount())
	assert.NotEqual(t, -1, dev.Log.IndexOf("texture[kept].destroy"))
	assert.NotEqual(t, -1, dev.Log.IndexOf("texture[retired].destroy"))
}
