package vulkan

import (
	"fmt"
	"runtime"
	"unsafe"

	"github.com/go-gl/glfw/v3.3/glfw"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/helios/engine/core"
	"github.com/spaghettifunk/helios/engine/platform"
	"github.com/spaghettifunk/helios/engine/renderer/gpu"
	"github.com/spaghettifunk/helios/engine/shaders"
)

// Backend implements gpu.Device on top of Vulkan. It owns the instance,
// logical device, swapchain, bindless descriptor table and the caches
// everything else hangs off.
type Backend struct {
	platform *platform.Platform
	context  *VulkanContext
	debug    bool

	swapchain *VulkanSwapchain
	passCache *RenderPassCache
	pipelines *PipelineLibrary
	bindless  *BindlessTable
	queue     *VulkanQueue
}

type BackendOptions struct {
	AppName          string
	Extent           gpu.Extent
	TableCapacity    uint32
	EnableValidation bool
}

func NewBackend(p *platform.Platform, opts BackendOptions) (*Backend, error) {
	backend := &Backend{
		platform: p,
		debug:    opts.EnableValidation,
		context: &VulkanContext{
			FramebufferWidth:  opts.Extent.Width,
			FramebufferHeight: opts.Extent.Height,
		},
	}

	procAddr := glfw.GetVulkanGetInstanceProcAddress()
	if procAddr == nil {
		return nil, fmt.Errorf("vulkan loader unavailable: %w", core.ErrDeviceLost)
	}
	vk.SetGetInstanceProcAddr(procAddr)
	if err := vk.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize vulkan: %w", err)
	}

	if err := backend.createInstance(opts.AppName); err != nil {
		return nil, err
	}

	core.LogDebug("Creating Vulkan surface...")
	surface, err := p.Window.CreateWindowSurface(backend.context.Instance, nil)
	if err != nil {
		return nil, fmt.Errorf("vulkan surface creation failed: %w", err)
	}
	backend.context.Surface = vk.SurfaceFromPointer(surface)
	core.LogDebug("Vulkan surface created.")

	backend.context.Device = &VulkanDevice{}
	if err := DeviceCreate(backend.context); err != nil {
		return nil, err
	}
	if !DeviceDetectDepthFormat(backend.context.Device) {
		return nil, fmt.Errorf("no supported depth format found: %w", core.ErrDeviceLost)
	}

	backend.swapchain, err = SwapchainCreate(backend.context, opts.Extent.Width, opts.Extent.Height)
	if err != nil {
		return nil, err
	}

	backend.bindless, err = NewBindlessTable(backend.context, opts.TableCapacity)
	if err != nil {
		return nil, err
	}

	backend.passCache = NewRenderPassCache(backend.context)
	backend.pipelines = NewPipelineLibrary(backend.context, backend.bindless.Layout)
	backend.queue = &VulkanQueue{context: backend.context, handle: backend.context.Device.GraphicsQueue}

	return backend, nil
}

func (b *Backend) createInstance(appName string) error {
	appInfo := &vk.ApplicationInfo{
		SType:              vk.StructureTypeApplicationInfo,
		ApiVersion:         uint32(vk.MakeVersion(1, 2, 0)),
		ApplicationVersion: uint32(vk.MakeVersion(1, 0, 0)),
		PApplicationName:   VulkanSafeString(appName),
		PEngineName:        VulkanSafeString("Helios Engine"),
	}

	createInfo := vk.InstanceCreateInfo{
		SType:            vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: appInfo,
	}

	requiredExtensions := []string{"VK_KHR_surface"}
	requiredExtensions = append(requiredExtensions, b.platform.GetRequiredExtensionNames()...)
	if runtime.GOOS == "darwin" {
		requiredExtensions = append(requiredExtensions,
			"VK_KHR_portability_enumeration",
			"VK_KHR_get_physical_device_properties2",
		)
		createInfo.Flags |= 1
	}
	if b.debug {
		requiredExtensions = append(requiredExtensions, vk.ExtDebugReportExtensionName)
	}
	createInfo.EnabledExtensionCount = uint32(len(requiredExtensions))
	createInfo.PpEnabledExtensionNames = VulkanSafeStrings(requiredExtensions)

	var validationLayers []string
	if b.debug {
		core.LogInfo("Validation layers enabled. Enumerating...")
		if b.validationLayerAvailable("VK_LAYER_KHRONOS_validation") {
			validationLayers = append(validationLayers, "VK_LAYER_KHRONOS_validation")
		} else {
			core.LogWarn("VK_LAYER_KHRONOS_validation not available, continuing without it.")
		}
	}
	createInfo.EnabledLayerCount = uint32(len(validationLayers))
	createInfo.PpEnabledLayerNames = VulkanSafeStrings(validationLayers)

	if res := vk.CreateInstance(&createInfo, b.context.Allocator, &b.context.Instance); res != vk.Success {
		err := fmt.Errorf("failed to create vulkan instance: %s", VulkanResultString(res))
		core.LogError(err.Error())
		return err
	}
	if err := vk.InitInstance(b.context.Instance); err != nil {
		core.LogError(err.Error())
		return err
	}
	core.LogInfo("Vulkan instance created.")

	if b.debug && len(validationLayers) > 0 {
		debugCreateInfo := vk.DebugReportCallbackCreateInfo{
			SType:       vk.StructureTypeDebugReportCallbackCreateInfo,
			Flags:       vk.DebugReportFlags(vk.DebugReportErrorBit | vk.DebugReportWarningBit),
			PfnCallback: dbgCallbackFunc,
		}
		var dbg vk.DebugReportCallback
		if res := vk.CreateDebugReportCallback(b.context.Instance, &debugCreateInfo, nil, &dbg); res != vk.Success {
			core.LogWarn("vk.CreateDebugReportCallback failed with %s", VulkanResultString(res))
		} else {
			b.context.debugMessenger = dbg
			core.LogDebug("Vulkan debugger created.")
		}
	}
	return nil
}

func (b *Backend) validationLayerAvailable(name string) bool {
	var availableLayerCount uint32
	if res := vk.EnumerateInstanceLayerProperties(&availableLayerCount, nil); res != vk.Success {
		return false
	}
	availableLayers := make([]vk.LayerProperties, availableLayerCount)
	if res := vk.EnumerateInstanceLayerProperties(&availableLayerCount, availableLayers); res != vk.Success {
		return false
	}
	for i := range availableLayers {
		availableLayers[i].Deref()
		if vk.ToString(availableLayers[i].LayerName[:]) == name {
			return true
		}
	}
	return false
}

// PipelineSpec ties a named pipeline to its shader modules and target
// formats. Passes are looked up by format so pipelines can be created
// before any attachment image exists.
type PipelineSpec struct {
	Vertex        *shaders.Module
	Fragment      *shaders.Module
	ColorFormats  []gpu.Format
	DepthFormat   gpu.Format
	VertexStride  uint32
	DepthTest     bool
	DepthWrite    bool
	CullBackFaces bool
	// Additive accumulates output over the existing attachment
	// contents instead of clearing them at pass begin
	Additive         bool
	PushConstantSize uint32
}

// CreatePipeline builds the named graphics pipeline against a render
// pass compatible with the given formats.
func (b *Backend) CreatePipeline(name string, spec PipelineSpec) error {
	pass, err := b.passCache.PassForFormats(spec.ColorFormats, spec.DepthFormat, spec.Additive)
	if err != nil {
		return err
	}
	if spec.Additive {
		b.passCache.MarkPreserve(name)
	}
	var attributes []vk.VertexInputAttributeDescription
	if spec.VertexStride > 0 {
		attributes = standardVertexAttributes()
	}
	_, err = b.pipelines.Create(name, &PipelineConfig{
		RenderPass:           pass,
		Vertex:               spec.Vertex,
		Fragment:             spec.Fragment,
		VertexStride:         spec.VertexStride,
		Attributes:           attributes,
		ColorAttachmentCount: len(spec.ColorFormats),
		DepthTest:            spec.DepthTest,
		DepthWrite:           spec.DepthWrite,
		CullBackFaces:        spec.CullBackFaces,
		AdditiveBlend:        spec.Additive,
		PushConstantSize:     spec.PushConstantSize,
	})
	return err
}

// standardVertexAttributes matches the interleaved position, normal,
// uv mesh vertex the world and shadow passes consume.
func standardVertexAttributes() []vk.VertexInputAttributeDescription {
	return []vk.VertexInputAttributeDescription{
		{Location: 0, Binding: 0, Format: vk.FormatR32g32b32Sfloat, Offset: 0},
		{Location: 1, Binding: 0, Format: vk.FormatR32g32b32Sfloat, Offset: 12},
		{Location: 2, Binding: 0, Format: vk.FormatR32g32Sfloat, Offset: 24},
	}
}

func (b *Backend) CreateTexture(desc gpu.TextureDesc) (gpu.Texture, error) {
	return ImageCreate(b.context, desc)
}

func (b *Backend) CreateBuffer(desc gpu.BufferDesc) (gpu.Buffer, error) {
	return BufferCreate(b.context, desc)
}

func (b *Backend) CreateFence(signaled bool) (gpu.Fence, error) {
	return NewFence(b.context, signaled)
}

func (b *Backend) CreateSemaphore() (gpu.Semaphore, error) {
	return NewSemaphore(b.context)
}

func (b *Backend) CreateCommandBuffer(primary bool) (gpu.CommandBuffer, error) {
	return NewCommandBuffer(b.context, b.passCache, b.pipelines, b.bindless, primary)
}

func (b *Backend) GraphicsQueue() gpu.Queue {
	return b.queue
}

func (b *Backend) Swapchain() gpu.Swapchain {
	return b.swapchain
}

func (b *Backend) ResourceTable() gpu.ResourceTable {
	return b.bindless
}

func (b *Backend) WaitIdle() error {
	if res := vk.DeviceWaitIdle(b.context.Device.LogicalDevice); res != vk.Success {
		return fmt.Errorf("vkDeviceWaitIdle failed with %s", VulkanResultString(res))
	}
	return nil
}

func (b *Backend) Destroy() error {
	vk.DeviceWaitIdle(b.context.Device.LogicalDevice)

	b.pipelines.Destroy()
	b.passCache.Destroy()
	b.bindless.Destroy()
	b.swapchain.Destroy()
	DeviceDestroy(b.context)

	if b.context.debugMessenger != vk.NullDebugReportCallback {
		vk.DestroyDebugReportCallback(b.context.Instance, b.context.debugMessenger, b.context.Allocator)
		b.context.debugMessenger = vk.NullDebugReportCallback
	}
	vk.DestroySurface(b.context.Instance, b.context.Surface, b.context.Allocator)
	vk.DestroyInstance(b.context.Instance, b.context.Allocator)
	b.context.Instance = nil
	core.LogInfo("Vulkan backend destroyed.")
	return nil
}

// FramebufferResized updates the cached surface size and invalidates
// framebuffers that reference the old swapchain views.
func (b *Backend) FramebufferResized(extent gpu.Extent) {
	b.context.FramebufferWidth = extent.Width
	b.context.FramebufferHeight = extent.Height
	b.passCache.InvalidateFramebuffers()
}

type VulkanQueue struct {
	context *VulkanContext
	handle  vk.Queue
}

func (q *VulkanQueue) Submit(cmd gpu.CommandBuffer, wait, signal gpu.Semaphore, fence gpu.Fence) error {
	vcb, ok := cmd.(*VulkanCommandBuffer)
	if !ok {
		return fmt.Errorf("submitted buffer is not a vulkan command buffer: %w", core.ErrInvalidHandle)
	}

	submitInfo := vk.SubmitInfo{
		SType:              vk.StructureTypeSubmitInfo,
		CommandBufferCount: 1,
		PCommandBuffers:    []vk.CommandBuffer{vcb.Handle},
	}
	if wait != nil {
		submitInfo.WaitSemaphoreCount = 1
		submitInfo.PWaitSemaphores = []vk.Semaphore{wait.(*VulkanSemaphore).Handle}
		submitInfo.PWaitDstStageMask = []vk.PipelineStageFlags{
			vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit),
		}
	}
	if signal != nil {
		submitInfo.SignalSemaphoreCount = 1
		submitInfo.PSignalSemaphores = []vk.Semaphore{signal.(*VulkanSemaphore).Handle}
	}

	fenceHandle := vk.NullFence
	if fence != nil {
		fenceHandle = fence.(*VulkanFence).Handle
	}

	result := vk.QueueSubmit(q.handle, 1, []vk.SubmitInfo{submitInfo}, fenceHandle)
	switch result {
	case vk.Success:
		return nil
	case vk.ErrorDeviceLost:
		return fmt.Errorf("queue submission: %w", core.ErrDeviceLost)
	default:
		return fmt.Errorf("vkQueueSubmit failed with %s", VulkanResultString(result))
	}
}

func (q *VulkanQueue) WaitIdle() error {
	if res := vk.QueueWaitIdle(q.handle); res != vk.Success {
		return fmt.Errorf("vkQueueWaitIdle failed with %s", VulkanResultString(res))
	}
	return nil
}

func dbgCallbackFunc(flags vk.DebugReportFlags, objectType vk.DebugReportObjectType, object uint64, location uint64, messageCode int32, pLayerPrefix string, pMessage string, pUserData unsafe.Pointer) vk.Bool32 {
	switch {
	case flags&vk.DebugReportFlags(vk.DebugReportErrorBit) != 0:
		core.LogError("ERROR: [%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	case flags&vk.DebugReportFlags(vk.DebugReportWarningBit) != 0:
		core.LogWarn("WARNING: [%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	case flags&vk.DebugReportFlags(vk.DebugReportPerformanceWarningBit) != 0:
		core.LogWarn("PERFORMANCE WARNING: [%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	default:
		core.LogInfo("INFORMATION: [%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	}
	return vk.Bool32(vk.False)
}
