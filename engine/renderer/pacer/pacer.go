package pacer

import (
	"fmt"
	"time"

	"github.com/spaghettifunk/helios/engine/core"
	"github.com/spaghettifunk/helios/engine/renderer/gpu"
)

// FrameSlot carries the per-slot synchronization objects. With N frames
// in flight there are exactly N slots, reused round-robin
type FrameSlot struct {
	Index            uint32
	FrameNumber      uint64
	ImageIndex       uint32
	CompletionFence  gpu.Fence
	AcquireSemaphore gpu.Semaphore
	RenderSemaphore  gpu.Semaphore
	CommandBuffer    gpu.CommandBuffer
}

// Pacer keeps at most N frames in flight. BeginFrame blocks on the
// fence of the slot it is about to reuse, so frame k+N can never start
// before frame k has fully completed on the GPU.
//
// Fence waits are bounded: a wait that exceeds the configured timeout
// is treated as a lost device, never an indefinite hang
type Pacer struct {
	device    gpu.Device
	queue     gpu.Queue
	swapchain gpu.Swapchain

	slots          []*FrameSlot
	frameNumber    uint64
	lastSubmitted  []uint64
	everSubmitted  []bool
	fenceTimeout   time.Duration
	throttle       bool
	pendingExtent  *gpu.Extent
	acquireTimeout time.Duration
}

// Options configures a Pacer beyond its device
type Options struct {
	FramesInFlight uint32
	FenceTimeout   time.Duration
	// Throttle keeps fence pacing active even without a swapchain.
	// Headless runs usually disable it to let frames complete as fast
	// as the device can retire them
	Throttle bool
}

func New(device gpu.Device, opts Options) (*Pacer, error) {
	if opts.FramesInFlight == 0 {
		return nil, fmt.Errorf("frames in flight must be positive: %w", core.ErrConfiguration)
	}
	if opts.FenceTimeout <= 0 {
		return nil, fmt.Errorf("fence timeout must be positive: %w", core.ErrConfiguration)
	}

	p := &Pacer{
		device:         device,
		queue:          device.GraphicsQueue(),
		swapchain:      device.Swapchain(),
		slots:          make([]*FrameSlot, opts.FramesInFlight),
		lastSubmitted:  make([]uint64, opts.FramesInFlight),
		everSubmitted:  make([]bool, opts.FramesInFlight),
		fenceTimeout:   opts.FenceTimeout,
		throttle:       opts.Throttle || device.Swapchain() != nil,
		acquireTimeout: opts.FenceTimeout,
	}

	for i := range p.slots {
		fence, err := device.CreateFence(true)
		if err != nil {
			return nil, fmt.Errorf("creating completion fence %d: %w", i, err)
		}
		acquire, err := device.CreateSemaphore()
		if err != nil {
			return nil, fmt.Errorf("creating acquire semaphore %d: %w", i, err)
		}
		render, err := device.CreateSemaphore()
		if err != nil {
			return nil, fmt.Errorf("creating render semaphore %d: %w", i, err)
		}
		cmd, err := device.CreateCommandBuffer(true)
		if err != nil {
			return nil, fmt.Errorf("creating command buffer %d: %w", i, err)
		}
		p.slots[i] = &FrameSlot{
			Index:            uint32(i),
			CompletionFence:  fence,
			AcquireSemaphore: acquire,
			RenderSemaphore:  render,
			CommandBuffer:    cmd,
		}
	}
	return p, nil
}

// FramesInFlight returns the slot count N
func (p *Pacer) FramesInFlight() uint32 { return uint32(len(p.slots)) }

// FrameNumber returns the number the next BeginFrame will hand out
func (p *Pacer) FrameNumber() uint64 { return p.frameNumber }

// Resize records a new surface extent. The swapchain is recreated at
// the next BeginFrame, after draining every in-flight frame
func (p *Pacer) Resize(extent gpu.Extent) {
	if extent.IsZero() {
		// minimized; keep presenting against the old extent until a
		// real size arrives
		return
	}
	p.pendingExtent = &extent
	core.LogDebug("pacer: resize pending %dx%d", extent.Width, extent.Height)
}

// BeginFrame claims the next slot, blocking until that slot's previous
// frame has retired, and acquires a swapchain image when presenting.
// An out-of-date acquire recreates the swapchain and retries once
func (p *Pacer) BeginFrame() (*FrameSlot, error) {
	if p.pendingExtent != nil {
		extent := *p.pendingExtent
		p.pendingExtent = nil
		if err := p.recreateSwapchain(extent); err != nil {
			return nil, err
		}
	}

	slot := p.slots[p.frameNumber%uint64(len(p.slots))]

	if p.throttle {
		if err := p.waitFence(slot.CompletionFence); err != nil {
			return nil, fmt.Errorf("waiting for frame %d on slot %d: %w",
				p.lastSubmitted[slot.Index], slot.Index, err)
		}
	}

	if err := slot.CommandBuffer.Reset(); err != nil {
		return nil, err
	}

	if p.swapchain != nil {
		if err := p.acquireImage(slot); err != nil {
			return nil, err
		}
	}

	slot.FrameNumber = p.frameNumber
	return slot, nil
}

func (p *Pacer) acquireImage(slot *FrameSlot) error {
	for attempt := 0; ; attempt++ {
		idx, outOfDate, err := p.swapchain.AcquireNextImage(p.acquireTimeout, slot.AcquireSemaphore)
		if err != nil {
			return fmt.Errorf("acquiring swapchain image: %w", err)
		}
		if !outOfDate {
			slot.ImageIndex = idx
			return nil
		}
		if attempt > 0 {
			return fmt.Errorf("swapchain out of date after recreation: %w", core.ErrDeviceLost)
		}
		core.LogInfo("pacer: swapchain out of date on acquire, recreating")
		if err := p.recreateSwapchain(p.swapchain.Extent()); err != nil {
			return err
		}
	}
}

// SubmitFrame hands the slot's command buffer to the graphics queue.
// The completion fence is reset only here, so a frame dropped before
// submission leaves the fence signalled and the slot immediately
// reusable
func (p *Pacer) SubmitFrame(slot *FrameSlot) error {
	if err := slot.CompletionFence.Reset(); err != nil {
		return err
	}
	var wait, signal gpu.Semaphore
	if p.swapchain != nil {
		wait = slot.AcquireSemaphore
		signal = slot.RenderSemaphore
	}
	if err := p.queue.Submit(slot.CommandBuffer, wait, signal, slot.CompletionFence); err != nil {
		return fmt.Errorf("submitting frame %d: %w", slot.FrameNumber, err)
	}
	p.lastSubmitted[slot.Index] = slot.FrameNumber
	p.everSubmitted[slot.Index] = true
	p.frameNumber++
	return nil
}

// DropFrame abandons the slot without submitting. The frame number
// still advances so downstream retirement tags stay monotonic
func (p *Pacer) DropFrame(slot *FrameSlot) {
	p.frameNumber++
}

// Present queues the slot's image for display. An out-of-date present
// drains all slots, recreates the swapchain and retries once; a second
// failure is fatal
func (p *Pacer) Present(slot *FrameSlot) error {
	if p.swapchain == nil {
		return nil
	}
	outOfDate, err := p.swapchain.Present(slot.ImageIndex, slot.RenderSemaphore)
	if err != nil {
		return fmt.Errorf("presenting frame %d: %w", slot.FrameNumber, err)
	}
	if !outOfDate {
		return nil
	}

	core.LogInfo("pacer: swapchain out of date on present, recreating")
	if err := p.recreateSwapchain(p.swapchain.Extent()); err != nil {
		return err
	}
	outOfDate, err = p.swapchain.Present(slot.ImageIndex, slot.RenderSemaphore)
	if err != nil {
		return fmt.Errorf("presenting frame %d after recreation: %w", slot.FrameNumber, err)
	}
	if outOfDate {
		return fmt.Errorf("present still out of date after recreation: %w", core.ErrDeviceLost)
	}
	core.EventFire(core.EventContext{Type: core.EVENT_CODE_SWAPCHAIN_RECREATED})
	return nil
}

// FrameComplete reports whether resources tagged with the given frame
// are safe to free. A slot that has been reused by a later frame
// proves the earlier one retired, because BeginFrame waited on its
// fence first
func (p *Pacer) FrameComplete(frame uint64) bool {
	slotIndex := frame % uint64(len(p.slots))
	if p.everSubmitted[slotIndex] {
		last := p.lastSubmitted[slotIndex]
		if last > frame {
			return true
		}
		if last == frame {
			return p.slots[slotIndex].CompletionFence.Signaled()
		}
	}
	// frame was dropped before submission (or its slot never carried
	// work). It holds no GPU work of its own, but frames submitted
	// before it may still sample resources released under its tag, so
	// every submitted frame up to it must have retired first
	for i, slot := range p.slots {
		if !p.everSubmitted[i] || p.lastSubmitted[i] > frame {
			continue
		}
		if !slot.CompletionFence.Signaled() {
			return false
		}
	}
	return true
}

// Drain blocks until every in-flight frame has retired
func (p *Pacer) Drain() error {
	for _, slot := range p.slots {
		if err := p.waitFence(slot.CompletionFence); err != nil {
			return fmt.Errorf("draining slot %d: %w", slot.Index, err)
		}
	}
	return nil
}

func (p *Pacer) recreateSwapchain(extent gpu.Extent) error {
	// drain even without a swapchain: the caller rebuilds render
	// targets after a resize, and in-flight frames may still be
	// sampling the old ones
	if err := p.Drain(); err != nil {
		return err
	}
	if p.swapchain == nil {
		return nil
	}
	if err := p.swapchain.Recreate(extent); err != nil {
		return fmt.Errorf("recreating swapchain: %w", err)
	}
	core.LogInfo("pacer: swapchain recreated at %dx%d", extent.Width, extent.Height)
	return nil
}

func (p *Pacer) waitFence(fence gpu.Fence) error {
	if err := fence.Wait(p.fenceTimeout); err != nil {
		if err == gpu.ErrTimeout {
			return fmt.Errorf("fence wait exceeded %s: %w", p.fenceTimeout, core.ErrDeviceLost)
		}
		return err
	}
	return nil
}

// Shutdown drains the device and destroys the slot sync objects
func (p *Pacer) Shutdown() error {
	if err := p.Drain(); err != nil {
		core.LogWarn("pacer: drain during shutdown failed: %s", err)
	}
	if err := p.device.WaitIdle(); err != nil {
		return err
	}
	for _, slot := range p.slots {
		slot.CompletionFence.Destroy()
		slot.AcquireSemaphore.Destroy()
		slot.RenderSemaphore.Destroy()
	}
	return nil
}
