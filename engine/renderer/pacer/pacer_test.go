package pacer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/helios/engine/core"
	"github.com/spaghettifunk/helios/engine/renderer/gpu"
	"github.com/spaghettifunk/helios/engine/renderer/registry"
)

func signalSlot(t *testing.T, p *Pacer, index uint32) {
	t.Helper()
	mf, ok := p.slots[index].CompletionFence.(*gpu.ManualFence)
	require.True(t, ok)
	mf.Signal()
}

func TestBeginFrameBlocksAfterNFramesInFlight(t *testing.T) {
	dev := gpu.NewNullDevice(16, gpu.WithManualFences())
	p, err := New(dev, Options{FramesInFlight: 2, FenceTimeout: 50 * time.Millisecond, Throttle: true})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		slot, err := p.BeginFrame()
		require.NoError(t, err)
		require.NoError(t, slot.CommandBuffer.Begin())
		require.NoError(t, slot.CommandBuffer.End())
		require.NoError(t, p.SubmitFrame(slot))
	}

	// both slots in flight: frame 2 must wait for frame 0
	_, err = p.BeginFrame()
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrDeviceLost)

	signalSlot(t, p, 0)
	slot, err := p.BeginFrame()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), slot.FrameNumber)
	assert.Equal(t, uint32(0), slot.Index)
}

func TestFenceTimeoutIsDeviceLost(t *testing.T) {
	dev := gpu.NewNullDevice(16, gpu.WithManualFences())
	p, err := New(dev, Options{FramesInFlight: 1, FenceTimeout: 20 * time.Millisecond, Throttle: true})
	require.NoError(t, err)

	slot, err := p.BeginFrame()
	require.NoError(t, err)
	require.NoError(t, slot.CommandBuffer.Begin())
	require.NoError(t, slot.CommandBuffer.End())
	require.NoError(t, p.SubmitFrame(slot))

	start := time.Now()
	_, err = p.BeginFrame()
	assert.ErrorIs(t, err, core.ErrDeviceLost)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestDroppedFrameLeavesSlotReusable(t *testing.T) {
	dev := gpu.NewNullDevice(16, gpu.WithManualFences())
	p, err := New(dev, Options{FramesInFlight: 2, FenceTimeout: 50 * time.Millisecond, Throttle: true})
	require.NoError(t, err)

	slot, err := p.BeginFrame()
	require.NoError(t, err)
	p.DropFrame(slot)

	// nothing was submitted anywhere, so the dropped frame counts as
	// complete
	assert.True(t, p.FrameComplete(0))

	slot, err = p.BeginFrame()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), slot.FrameNumber)

	// the dropped slot's fence is still signalled; reusing it two
	// frames later must not block
	require.NoError(t, slot.CommandBuffer.Begin())
	require.NoError(t, slot.CommandBuffer.End())
	require.NoError(t, p.SubmitFrame(slot))
	slot, err = p.BeginFrame()
	require.NoError(t, err)
	assert.Equal(t, uint32(0), slot.Index)
}

func TestDroppedFrameWaitsForEarlierFrames(t *testing.T) {
	dev := gpu.NewNullDevice(16, gpu.WithManualFences())
	p, err := New(dev, Options{FramesInFlight: 3, FenceTimeout: 50 * time.Millisecond, Throttle: true})
	require.NoError(t, err)

	reg := registry.New(8)
	tex, err := dev.CreateTexture(gpu.TextureDesc{
		Name:   "shared",
		Format: gpu.FormatR8G8B8A8Unorm,
		Extent: gpu.Extent{Width: 8, Height: 8},
	})
	require.NoError(t, err)
	h, err := reg.Register("shared", tex)
	require.NoError(t, err)

	// frame 0 reaches the GPU and stays in flight
	slot, err := p.BeginFrame()
	require.NoError(t, err)
	require.NoError(t, slot.CommandBuffer.Begin())
	require.NoError(t, slot.CommandBuffer.End())
	require.NoError(t, p.SubmitFrame(slot))

	// frame 1 releases the texture, then fails before submission
	slot, err = p.BeginFrame()
	require.NoError(t, err)
	require.NoError(t, reg.Release(h, slot.FrameNumber))
	p.DropFrame(slot)

	_, err = p.BeginFrame()
	require.NoError(t, err)

	// frame 0 may still be sampling the texture: the dropped tag must
	// not unlock it
	assert.False(t, p.FrameComplete(1))
	freed, err := reg.Reclaim(p.FrameComplete)
	require.NoError(t, err)
	assert.Zero(t, freed)
	assert.Equal(t, -1, dev.Log.IndexOf("texture[shared].destroy"))

	signalSlot(t, p, 0)
	assert.True(t, p.FrameComplete(1))
	freed, err = reg.Reclaim(p.FrameComplete)
	require.NoError(t, err)
	assert.Equal(t, 1, freed)
	assert.NotEqual(t, -1, dev.Log.IndexOf("texture[shared].destroy"))
}

func TestFrameCompleteTracksFences(t *testing.T) {
	dev := gpu.NewNullDevice(16, gpu.WithManualFences())
	p, err := New(dev, Options{FramesInFlight: 2, FenceTimeout: 50 * time.Millisecond, Throttle: true})
	require.NoError(t, err)

	slot, err := p.BeginFrame()
	require.NoError(t, err)
	require.NoError(t, slot.CommandBuffer.Begin())
	require.NoError(t, slot.CommandBuffer.End())
	require.NoError(t, p.SubmitFrame(slot))

	assert.False(t, p.FrameComplete(0))
	signalSlot(t, p, 0)
	assert.True(t, p.FrameComplete(0))
}

func TestRetirementWaitsForFrameFence(t *testing.T) {
	dev := gpu.NewNullDevice(16, gpu.WithManualFences())
	p, err := New(dev, Options{FramesInFlight: 2, FenceTimeout: 50 * time.Millisecond, Throttle: true})
	require.NoError(t, err)

	reg := registry.New(8)
	tex, err := dev.CreateTexture(gpu.TextureDesc{
		Name:   "doomed",
		Format: gpu.FormatR8G8B8A8Unorm,
		Extent: gpu.Extent{Width: 8, Height: 8},
	})
	require.NoError(t, err)
	h, err := reg.Register("doomed", tex)
	require.NoError(t, err)

	slot, err := p.BeginFrame()
	require.NoError(t, err)
	require.NoError(t, reg.Release(h, slot.FrameNumber))
	require.NoError(t, slot.CommandBuffer.Begin())
	require.NoError(t, slot.CommandBuffer.End())
	require.NoError(t, p.SubmitFrame(slot))

	// frame 0 is still on the GPU: the texture must survive
	freed, err := reg.Reclaim(p.FrameComplete)
	require.NoError(t, err)
	assert.Zero(t, freed)
	assert.Equal(t, -1, dev.Log.IndexOf("texture[doomed].destroy"))

	signalSlot(t, p, 0)
	freed, err = reg.Reclaim(p.FrameComplete)
	require.NoError(t, err)
	assert.Equal(t, 1, freed)
	assert.NotEqual(t, -1, dev.Log.IndexOf("texture[doomed].destroy"))
}

func TestResizeDrainsBeforeRecreation(t *testing.T) {
	dev := gpu.NewNullDevice(16,
		gpu.WithPresentation(gpu.Extent{Width: 640, Height: 480}, 3))
	p, err := New(dev, Options{FramesInFlight: 3, FenceTimeout: 100 * time.Millisecond})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		slot, err := p.BeginFrame()
		require.NoError(t, err)
		require.NoError(t, slot.CommandBuffer.Begin())
		require.NoError(t, slot.CommandBuffer.End())
		require.NoError(t, p.SubmitFrame(slot))
		require.NoError(t, p.Present(slot))
	}

	p.Resize(gpu.Extent{Width: 320, Height: 240})
	_, err = p.BeginFrame()
	require.NoError(t, err)

	entries := dev.Log.Entries()
	recreateAt := dev.Log.IndexOf("swapchain.recreate 320x240")
	require.NotEqual(t, -1, recreateAt)

	// the drain waits on every slot's fence before the swapchain is
	// touched
	waits := map[string]int{}
	for i, e := range entries[:recreateAt] {
		waits[e] = i
	}
	for _, name := range []string{"fence[0].wait", "fence[1].wait", "fence[2].wait"} {
		_, ok := waits[name]
		assert.True(t, ok, "missing %s before recreation", name)
	}
}

func TestHeadlessResizeDrainsInFlightFrames(t *testing.T) {
	dev := gpu.NewNullDevice(16)
	p, err := New(dev, Options{FramesInFlight: 3, FenceTimeout: 100 * time.Millisecond})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		slot, err := p.BeginFrame()
		require.NoError(t, err)
		require.NoError(t, slot.CommandBuffer.Begin())
		require.NoError(t, slot.CommandBuffer.End())
		require.NoError(t, p.SubmitFrame(slot))
	}

	// no swapchain to recreate, but the resize must still wait out
	// every in-flight frame before render targets get rebuilt
	p.Resize(gpu.Extent{Width: 320, Height: 240})
	_, err = p.BeginFrame()
	require.NoError(t, err)

	for _, name := range []string{"fence[0].wait", "fence[1].wait", "fence[2].wait"} {
		assert.NotEqual(t, -1, dev.Log.IndexOf(name), "missing %s", name)
	}
}

func TestZeroExtentResizeIsIgnored(t *testing.T) {
	dev := gpu.NewNullDevice(16,
		gpu.WithPresentation(gpu.Extent{Width: 640, Height: 480}, 3))
	p, err := New(dev, Options{FramesInFlight: 2, FenceTimeout: 100 * time.Millisecond})
	require.NoError(t, err)

	p.Resize(gpu.Extent{Width: 0, Height: 0})
	_, err = p.BeginFrame()
	require.NoError(t, err)
	assert.Zero(t, dev.Swapchain().(*gpu.NullSwapchain).Recreations)
}

func TestAcquireOutOfDateRecreatesOnce(t *testing.T) {
	dev := gpu.NewNullDevice(16,
		gpu.WithPresentation(gpu.Extent{Width: 640, Height: 480}, 3))
	sc := dev.Swapchain().(*gpu.NullSwapchain)
	p, err := New(dev, Options{FramesInFlight: 2, FenceTimeout: 100 * time.Millisecond})
	require.NoError(t, err)

	sc.FailAcquires = 1
	_, err = p.BeginFrame()
	require.NoError(t, err)
	assert.Equal(t, 1, sc.Recreations)
}

func TestAcquireOutOfDateTwiceIsFatal(t *testing.T) {
	dev := gpu.NewNullDevice(16,
		gpu.WithPresentation(gpu.Extent{Width: 640, Height: 480}, 3))
	sc := dev.Swapchain().(*gpu.NullSwapchain)
	p, err := New(dev, Options{FramesInFlight: 2, FenceTimeout: 100 * time.Millisecond})
	require.NoError(t, err)

	sc.FailAcquires = 2
	_, err = p.BeginFrame()
	assert.ErrorIs(t, err, core.ErrDeviceLost)
}

func TestPresentOutOfDateRetriesOnce(t *testing.T) {
	dev := gpu.NewNullDevice(16,
		gpu.WithPresentation(gpu.Extent{Width: 640, Height: 480}, 3))
	sc := dev.Swapchain().(*gpu.NullSwapchain)
	p, err := New(dev, Options{FramesInFlight: 2, FenceTimeout: 100 * time.Millisecond})
	require.NoError(t, err)

	slot, err := p.BeginFrame()
	require.NoError(t, err)
	require.NoError(t, slot.CommandBuffer.Begin())
	require.NoError(t, slot.CommandBuffer.End())
	require.NoError(t, p.SubmitFrame(slot))

	sc.FailPresents = 1
	require.NoError(t, p.Present(slot))
	assert.Equal(t, 1, sc.Recreations)

	slot, err = p.BeginFrame()
	require.NoError(t, err)
	require.NoError(t, slot.CommandBuffer.Begin())
	require.NoError(t, slot.CommandBuffer.End())
	require.NoError(t, p.SubmitFrame(slot))

	sc.FailPresents = 2
	err = p.Present(slot)
	assert.ErrorIs(t, err, core.ErrDeviceLost)
}

func TestHeadlessWithoutThrottleNeverWaits(t *testing.T) {
	dev := gpu.NewNullDevice(16, gpu.WithManualFences())
	p, err := New(dev, Options{FramesInFlight: 2, FenceTimeout: 10 * time.Millisecond})
	require.NoError(t, err)

	// fences never signal, but unthrottled headless frames keep going
	for i := 0; i < 5; i++ {
		slot, err := p.BeginFrame()
		require.NoError(t, err)
		require.NoError(t, slot.CommandBuffer.Begin())
		require.NoError(t, slot.CommandBuffer.End())
		require.NoError(t, p.SubmitFrame(slot))
	}
	assert.Equal(t, uint64(5), p.FrameNumber())
}
