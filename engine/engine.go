package engine

import (
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/spaghettifunk/helios/engine/config"
	"github.com/spaghettifunk/helios/engine/core"
	"github.com/spaghettifunk/helios/engine/platform"
	"github.com/spaghettifunk/helios/engine/renderer"
	"github.com/spaghettifunk/helios/engine/renderer/features"
	"github.com/spaghettifunk/helios/engine/renderer/gpu"
	"github.com/spaghettifunk/helios/engine/renderer/vulkan"
	"github.com/spaghettifunk/helios/engine/shaders"
)

// poll cadence while the window is minimized
const suspendedPollInterval = 50 * time.Millisecond

type Stage uint8

const (
	// Engine is in an uninitialized state
	EngineStageUninitialized Stage = iota
	// Engine completed initialization and is ready to run
	EngineStageInitialized
	// Engine is currently running
	EngineStageRunning
	// Engine is in the process of shutting down
	EngineStageShuttingDown
)

// Engine owns the window, the device backend and the frame system, and
// drives the main loop. Headless configurations skip the window and run
// against the null device.
type Engine struct {
	currentStage Stage
	cfg          *config.Config
	platform     *platform.Platform
	backend      *vulkan.Backend
	system       *renderer.System
	watcher      *shaders.Watcher
	clock        *core.Clock

	running     atomic.Bool
	isSuspended atomic.Bool

	pendingResize atomic.Uint64

	drawList []features.DrawCommand
}

func New(cfg *config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	core.SetLogLevel(cfg.LogLevel)

	if !core.EventSystemInitialize() {
		return nil, fmt.Errorf("failed to initialize the event system")
	}
	if err := core.MetricsInitialize(); err != nil {
		return nil, err
	}

	e := &Engine{
		currentStage: EngineStageUninitialized,
		cfg:          cfg,
		clock:        core.NewClock(),
	}
	e.running.Store(true)
	return e, nil
}

func (e *Engine) Initialize() error {
	var device gpu.Device

	if e.cfg.Headless {
		core.LogInfo("Running headless on the null device.")
		opts := []gpu.NullDeviceOption{}
		device = gpu.NewNullDevice(e.cfg.BindlessCapacity, opts...)
	} else {
		p, err := platform.New()
		if err != nil {
			return err
		}
		e.platform = p
		if err := p.Startup(e.cfg.AppName, e.cfg.Width, e.cfg.Height); err != nil {
			return err
		}

		width, height := p.FramebufferExtent()
		backend, err := vulkan.NewBackend(p, vulkan.BackendOptions{
			AppName:          e.cfg.AppName,
			Extent:           gpu.Extent{Width: width, Height: height},
			TableCapacity:    e.cfg.BindlessCapacity,
			EnableValidation: e.cfg.LogLevel == core.DebugLevel,
		})
		if err != nil {
			return err
		}
		e.backend = backend
		device = backend
	}

	system, err := renderer.New(e.cfg, device)
	if err != nil {
		return err
	}
	e.system = system

	if err := system.AddDefaultFeatures(); err != nil {
		return err
	}
	if e.backend != nil {
		if err := e.createPipelines(); err != nil {
			return err
		}
	}
	if err := system.Initialize(); err != nil {
		return err
	}

	if e.cfg.WatchShaders {
		watcher, err := shaders.NewWatcher()
		if err != nil {
			return err
		}
		e.watcher = watcher
	}

	core.EventRegister(core.EVENT_CODE_APPLICATION_QUIT, e.onQuit)
	core.EventRegister(core.EVENT_CODE_RESIZED, e.onResized)
	go core.ProcessEvents()

	e.currentStage = EngineStageInitialized
	return nil
}

// SubmitDrawList replaces the draw commands rendered each frame.
// Called from the same goroutine as Run.
func (e *Engine) SubmitDrawList(drawList []features.DrawCommand) {
	e.drawList = drawList
}

// System exposes the frame system for asset loading and resource
// registration.
func (e *Engine) System() *renderer.System { return e.system }

func (e *Engine) Run() error {
	e.currentStage = EngineStageRunning
	e.clock.Start()
	e.clock.Update()
	lastTime := e.clock.Elapsed()

	for e.running.Load() {
		if e.platform != nil {
			e.platform.PumpMessages()
			if e.platform.ShouldClose() {
				break
			}
		}

		e.clock.Update()
		now := e.clock.Elapsed()
		delta := now - lastTime
		lastTime = now

		e.applyPendingResize()
		e.pollShaderChanges()

		if e.isSuspended.Load() {
			// keep pumping messages so the resume event arrives, but
			// don't burn a core while minimized
			time.Sleep(suspendedPollInterval)
			continue
		}

		if err := e.system.DrawFrame(delta, e.drawList); err != nil {
			if core.IsFatal(err) {
				core.LogError("fatal frame error: %s", err.Error())
				return err
			}
			// dropped frame; previous image stays on screen
			continue
		}
		core.MetricsUpdate(delta)
	}
	return nil
}

func (e *Engine) Shutdown() error {
	if e.currentStage == EngineStageShuttingDown {
		return nil
	}
	e.currentStage = EngineStageShuttingDown
	e.running.Store(false)

	if e.watcher != nil {
		if err := e.watcher.Shutdown(); err != nil {
			core.LogWarn("shader watcher shutdown: %s", err.Error())
		}
	}
	if err := e.system.Shutdown(); err != nil {
		return err
	}
	if err := core.EventSystemShutdown(); err != nil {
		return err
	}
	if e.platform != nil {
		return e.platform.Shutdown()
	}
	return nil
}

func (e *Engine) onQuit(context core.EventContext) {
	core.LogInfo("EVENT_CODE_APPLICATION_QUIT received, shutting down.")
	e.running.Store(false)
}

func (e *Engine) onResized(context core.EventContext) {
	ev, ok := context.Data.(core.SystemEvent)
	if !ok {
		return
	}
	if ev.WindowWidth == 0 || ev.WindowHeight == 0 {
		core.LogInfo("Window minimized, suspending rendering.")
		e.isSuspended.Store(true)
		return
	}
	e.isSuspended.Store(false)
	e.pendingResize.Store(uint64(ev.WindowWidth)<<32 | uint64(ev.WindowHeight))
}

// applyPendingResize forwards the latest resize to the frame system on
// the render goroutine. Intermediate sizes are coalesced away.
func (e *Engine) applyPendingResize() {
	packed := e.pendingResize.Swap(0)
	if packed == 0 {
		return
	}
	width := uint32(packed >> 32)
	height := uint32(packed)
	if e.backend != nil {
		e.backend.FramebufferResized(gpu.Extent{Width: width, Height: height})
	}
	e.system.Resize(width, height)
}

func (e *Engine) pollShaderChanges() {
	if e.watcher == nil {
		return
	}
	for _, module := range e.watcher.TakeChanged() {
		if err := module.Reload(); err != nil {
			core.LogError("%s", err.Error())
		}
	}
}

// pushConstantBudget is the 128-byte size the Vulkan spec guarantees.
// Every pipeline declares the full range; shaders read what they need.
const pushConstantBudget = 128

// meshVertexStride is position, normal and uv interleaved as float32.
const meshVertexStride = 32

func (e *Engine) createPipelines() error {
	dir := filepath.Join("assets", "shaders", "bin")
	load := func(name string, stage shaders.Stage) (*shaders.Module, error) {
		ext := ".vert.spv"
		if stage == shaders.StageFragment {
			ext = ".frag.spv"
		}
		module, err := shaders.Load(name, filepath.Join(dir, name+ext), stage, shaders.BindingLayout{
			PushConstantSize:  pushConstantBudget,
			DescriptorSets:    []uint32{0},
			UsesBindlessTable: true,
		})
		if err != nil {
			return nil, err
		}
		if e.watcher != nil {
			if err := e.watcher.Watch(module); err != nil {
				core.LogWarn("%s", err.Error())
			}
		}
		return module, nil
	}

	type pipelineDef struct {
		name string
		spec vulkan.PipelineSpec
	}
	defs := []pipelineDef{
		{
			name: "shadow",
			spec: vulkan.PipelineSpec{
				DepthFormat:  gpu.FormatD32Float,
				VertexStride: meshVertexStride,
				DepthTest:    true,
				DepthWrite:   true,
			},
		},
		{
			name: "world",
			spec: vulkan.PipelineSpec{
				ColorFormats:  []gpu.Format{gpu.FormatR16G16B16A16Float},
				DepthFormat:   gpu.FormatD32Float,
				VertexStride:  meshVertexStride,
				DepthTest:     true,
				DepthWrite:    true,
				CullBackFaces: true,
			},
		},
		{
			name: "bloom_threshold",
			spec: vulkan.PipelineSpec{
				ColorFormats: []gpu.Format{gpu.FormatR16G16B16A16Float},
			},
		},
		{
			name: "bloom_downsample",
			spec: vulkan.PipelineSpec{
				ColorFormats: []gpu.Format{gpu.FormatR16G16B16A16Float},
			},
		},
		{
			name: "bloom_upsample",
			spec: vulkan.PipelineSpec{
				ColorFormats: []gpu.Format{gpu.FormatR16G16B16A16Float},
				Additive:     true,
			},
		},
		{
			name: "tonemap",
			spec: vulkan.PipelineSpec{
				ColorFormats: []gpu.Format{gpu.FormatB8G8R8A8Unorm},
			},
		},
	}

	for _, def := range defs {
		vert, err := load(def.name, shaders.StageVertex)
		if err != nil {
			return err
		}
		frag, err := load(def.name, shaders.StageFragment)
		if err != nil {
			return err
		}
		def.spec.Vertex = vert
		def.spec.Fragment = frag
		def.spec.PushConstantSize = pushConstantBudget
		if err := e.backend.CreatePipeline(def.name, def.spec); err != nil {
			return err
		}
	}
	return nil
}
