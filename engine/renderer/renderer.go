package renderer

import (
	"fmt"

	"github.com/spaghettifunk/helios/engine/config"
	"github.com/spaghettifunk/helios/engine/core"
	"github.com/spaghettifunk/helios/engine/jobs"
	"github.com/spaghettifunk/helios/engine/renderer/descriptors"
	"github.com/spaghettifunk/helios/engine/renderer/features"
	"github.com/spaghettifunk/helios/engine/renderer/gpu"
	"github.com/spaghettifunk/helios/engine/renderer/pacer"
	"github.com/spaghettifunk/helios/engine/renderer/postprocess"
	"github.com/spaghettifunk/helios/engine/renderer/registry"
)

// retirementQueueCapacity bounds how many releases can pile up while
// their tagging frames are still in flight
const retirementQueueCapacity = 4096

// System wires the frame engine together: the pacer that bounds
// frames in flight, the registry that defers destruction, the
// bindless table and the feature pipeline. One System drives one
// device; all methods run on the render thread
type System struct {
	cfg      *config.Config
	device   gpu.Device
	registry *registry.Registry
	bindless *descriptors.Manager
	pacer    *pacer.Pacer
	pipeline *features.Pipeline
	pool     *jobs.Pool

	extent        gpu.Extent
	resizePending bool
}

// New builds the system around device. Features must be added with
// AddFeature before Initialize
func New(cfg *config.Config, device gpu.Device) (*System, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p, err := pacer.New(device, pacer.Options{
		FramesInFlight: cfg.FramesInFlight,
		FenceTimeout:   cfg.FenceTimeout,
		Throttle:       cfg.HeadlessThrottle,
	})
	if err != nil {
		return nil, err
	}

	bindless, err := descriptors.NewManager(device.ResourceTable(), cfg.FramesInFlight)
	if err != nil {
		return nil, err
	}

	s := &System{
		cfg:      cfg,
		device:   device,
		registry: registry.New(retirementQueueCapacity),
		bindless: bindless,
		pacer:    p,
		pipeline: features.NewPipeline(),
		extent:   gpu.Extent{Width: cfg.Width, Height: cfg.Height},
	}
	if sc := device.Swapchain(); sc != nil {
		s.extent = sc.Extent()
	}

	if cfg.ParallelRecording {
		workers := cfg.RecordWorkers
		if workers <= 0 {
			workers = 4
		}
		pool, err := jobs.NewPool(workers, workers*4)
		if err != nil {
			return nil, err
		}
		s.pool = pool
		s.pipeline.EnableParallelRecording(device, pool)
	}
	return s, nil
}

// AddFeature registers a render feature. Must precede Initialize
func (s *System) AddFeature(f features.RenderFeature) error {
	return s.pipeline.AddFeature(f)
}

// AddDefaultFeatures registers the stock shadow, world and post
// process passes
func (s *System) AddDefaultFeatures() error {
	for _, f := range []features.RenderFeature{
		features.NewShadowFeature(),
		features.NewWorldFeature(),
		postprocess.NewFeature(),
	} {
		if err := s.AddFeature(f); err != nil {
			return err
		}
	}
	return nil
}

// Initialize resolves the feature graph and creates render targets
func (s *System) Initialize() error {
	return s.pipeline.Initialize(s.setupContext())
}

func (s *System) setupContext() *features.SetupContext {
	return &features.SetupContext{
		Device:      s.device,
		Registry:    s.registry,
		Bindless:    s.bindless,
		Attachments: s.pipeline,
		Extent:      s.extent,
		Config:      s.cfg,
		FrameNumber: s.pacer.FrameNumber(),
	}
}

// Registry exposes resource registration to asset loaders
func (s *System) Registry() *registry.Registry { return s.registry }

// Bindless exposes the descriptor table manager to asset loaders
func (s *System) Bindless() *descriptors.Manager { return s.bindless }

// Resize records a new surface extent; the swapchain and the
// extent-tracking render targets rebuild at the next DrawFrame
func (s *System) Resize(width, height uint32) {
	if width == 0 || height == 0 {
		// minimized; nothing to rebuild until a real size arrives
		return
	}
	s.extent = gpu.Extent{Width: width, Height: height}
	s.pacer.Resize(s.extent)
	s.resizePending = true
}

// DrawFrame runs one frame: claim a slot, reclaim retired resources,
// prepare and record every feature, submit and present.
//
// A feature recording failure drops the frame and returns the error;
// the caller may keep rendering. Fatal errors (device loss, fence
// timeout) require a full teardown
func (s *System) DrawFrame(deltaTime float64, drawList []features.DrawCommand) error {
	slot, err := s.pacer.BeginFrame()
	if err != nil {
		return err
	}

	// the pacer drained all in-flight frames while applying the new
	// extent, so rebuilding render targets here is safe
	if s.resizePending {
		s.resizePending = false
		if err := s.pipeline.Resize(s.setupContext()); err != nil {
			return err
		}
	}

	if _, err := s.registry.Reclaim(s.pacer.FrameComplete); err != nil {
		core.LogWarn("renderer: reclaim failed: %s", err)
	}

	ctx := &features.FrameContext{
		Slot:        slot,
		FrameNumber: slot.FrameNumber,
		Extent:      s.extent,
		DeltaTime:   deltaTime,
		Registry:    s.registry,
		Bindless:    s.bindless,
		DrawList:    drawList,
		PostProcess: s.cfg.PostProcess,
	}

	if err := s.pipeline.PrepareFrame(ctx); err != nil {
		s.dropFrame(slot, err)
		return err
	}

	cmd := slot.CommandBuffer
	if err := cmd.Begin(); err != nil {
		s.dropFrame(slot, err)
		return err
	}
	if err := s.pipeline.Record(ctx, cmd); err != nil {
		s.dropFrame(slot, err)
		return err
	}
	if err := cmd.End(); err != nil {
		s.dropFrame(slot, err)
		return err
	}

	if err := s.pacer.SubmitFrame(slot); err != nil {
		return err
	}
	return s.pacer.Present(slot)
}

// dropFrame abandons the slot without submitting. Nothing reached the
// queue, so the previous frame on this slot stays visible
func (s *System) dropFrame(slot *pacer.FrameSlot, cause error) {
	s.pacer.DropFrame(slot)
	core.MetricsFrameDropped()
	core.EventFire(core.EventContext{Type: core.EVENT_CODE_FRAME_DROPPED, Data: cause})
	core.LogWarn("renderer: frame %d dropped: %s", slot.FrameNumber, cause)
}

// FrameNumber returns the next frame's number
func (s *System) FrameNumber() uint64 { return s.pacer.FrameNumber() }

// Shutdown drains the device, then tears everything down in reverse
// build order. Resources retire through their fences before anything
// is destroyed
func (s *System) Shutdown() error {
	if err := s.pacer.Drain(); err != nil {
		core.LogError("renderer: drain on shutdown: %s", err)
	}
	if err := s.pipeline.Destroy(); err != nil {
		return fmt.Errorf("destroying pipeline: %w", err)
	}
	if err := s.registry.Shutdown(); err != nil {
		return fmt.Errorf("shutting down registry: %w", err)
	}
	if err := s.pacer.Shutdown(); err != nil {
		return fmt.Errorf("shutting down pacer: %w", err)
	}
	if s.pool != nil {
		if err := s.pool.Shutdown(); err != nil {
			return err
		}
	}
	return s.device.Destroy()
}
