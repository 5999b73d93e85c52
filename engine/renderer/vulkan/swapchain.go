package vulkan

import (
	"fmt"
	"math"
	"time"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/helios/engine/core"
	"github.com/spaghettifunk/helios/engine/renderer/gpu"
)

type VulkanSwapchain struct {
	Handle         vk.Swapchain
	ImageFormatKHR vk.SurfaceFormat
	Images         []vk.Image
	Views          []vk.ImageView

	context *VulkanContext
	extent  gpu.Extent
}

func SwapchainCreate(context *VulkanContext, width, height uint32) (*VulkanSwapchain, error) {
	swapchain := &VulkanSwapchain{context: context}
	if err := swapchain.create(width, height); err != nil {
		return nil, err
	}
	return swapchain, nil
}

// AcquireNextImage reports outOfDate instead of recreating inline so the
// frame pacer stays in charge of when recreation happens.
func (vs *VulkanSwapchain) AcquireNextImage(timeout time.Duration, signal gpu.Semaphore) (uint32, bool, error) {
	var signalHandle vk.Semaphore
	if signal != nil {
		signalHandle = signal.(*VulkanSemaphore).Handle
	}

	var imageIndex uint32
	result := vk.AcquireNextImage(vs.context.Device.LogicalDevice, vs.Handle, uint64(timeout.Nanoseconds()), signalHandle, vk.NullFence, &imageIndex)
	switch result {
	case vk.Success, vk.Suboptimal:
		return imageIndex, false, nil
	case vk.ErrorOutOfDate:
		return 0, true, nil
	case vk.Timeout, vk.NotReady:
		return 0, false, gpu.ErrTimeout
	case vk.ErrorDeviceLost:
		return 0, false, fmt.Errorf("acquiring swapchain image: %w", core.ErrDeviceLost)
	default:
		return 0, false, fmt.Errorf("failed to acquire swapchain image: %s", VulkanResultString(result))
	}
}

func (vs *VulkanSwapchain) Present(imageIndex uint32, wait gpu.Semaphore) (bool, error) {
	var waitSemaphores []vk.Semaphore
	if wait != nil {
		waitSemaphores = []vk.Semaphore{wait.(*VulkanSemaphore).Handle}
	}

	presentInfo := vk.PresentInfo{
		SType:              vk.StructureTypePresentInfo,
		WaitSemaphoreCount: uint32(len(waitSemaphores)),
		PWaitSemaphores:    waitSemaphores,
		SwapchainCount:     1,
		PSwapchains:        []vk.Swapchain{vs.Handle},
		PImageIndices:      []uint32{imageIndex},
	}

	result := vk.QueuePresent(vs.context.Device.PresentQueue, &presentInfo)
	switch result {
	case vk.Success:
		return false, nil
	case vk.ErrorOutOfDate, vk.Suboptimal:
		return true, nil
	case vk.ErrorDeviceLost:
		return false, fmt.Errorf("presenting swapchain image: %w", core.ErrDeviceLost)
	default:
		return false, fmt.Errorf("failed to present swapchain image: %s", VulkanResultString(result))
	}
}

func (vs *VulkanSwapchain) Recreate(extent gpu.Extent) error {
	vk.DeviceWaitIdle(vs.context.Device.LogicalDevice)
	vs.destroy()
	if err := DeviceQuerySwapchainSupport(vs.context.Device.PhysicalDevice, vs.context.Surface, &vs.context.Device.SwapchainSupport); err != nil {
		return err
	}
	return vs.create(extent.Width, extent.Height)
}

func (vs *VulkanSwapchain) Extent() gpu.Extent {
	return vs.extent
}

func (vs *VulkanSwapchain) ImageCount() uint32 {
	return uint32(len(vs.Images))
}

func (vs *VulkanSwapchain) ImageFormat() gpu.Format {
	switch vs.ImageFormatKHR.Format {
	case vk.FormatR8g8b8a8Unorm:
		return gpu.FormatR8G8B8A8Unorm
	default:
		return gpu.FormatB8G8R8A8Unorm
	}
}

func (vs *VulkanSwapchain) Destroy() {
	vk.DeviceWaitIdle(vs.context.Device.LogicalDevice)
	vs.destroy()
}

func (vs *VulkanSwapchain) create(width, height uint32) error {
	context := vs.context

	swapchainExtent := vk.Extent2D{Width: width, Height: height}

	// Prefer BGRA8 sRGB-nonlinear, fall back to whatever the surface offers.
	found := false
	for i := 0; i < int(context.Device.SwapchainSupport.FormatCount); i++ {
		format := context.Device.SwapchainSupport.Formats[i]
		format.Deref()
		if format.Format == vk.FormatB8g8r8a8Unorm &&
			format.ColorSpace == vk.ColorSpaceSrgbNonlinear {
			vs.ImageFormatKHR = format
			found = true
			break
		}
	}
	if !found {
		vs.ImageFormatKHR = context.Device.SwapchainSupport.Formats[0]
		vs.ImageFormatKHR.Deref()
	}

	presentMode := vk.PresentModeFifo
	for i := 0; i < int(context.Device.SwapchainSupport.PresentModeCount); i++ {
		if context.Device.SwapchainSupport.PresentModes[i] == vk.PresentModeMailbox {
			presentMode = vk.PresentModeMailbox
			break
		}
	}

	capabilities := context.Device.SwapchainSupport.Capabilities
	if capabilities.CurrentExtent.Width != math.MaxUint32 {
		swapchainExtent = capabilities.CurrentExtent
	}
	swapchainExtent.Width = clamp(swapchainExtent.Width, capabilities.MinImageExtent.Width, capabilities.MaxImageExtent.Width)
	swapchainExtent.Height = clamp(swapchainExtent.Height, capabilities.MinImageExtent.Height, capabilities.MaxImageExtent.Height)

	imageCount := capabilities.MinImageCount + 1
	if capabilities.MaxImageCount > 0 && imageCount > capabilities.MaxImageCount {
		imageCount = capabilities.MaxImageCount
	}

	swapchainCreateInfo := vk.SwapchainCreateInfo{
		SType:            vk.StructureTypeSwapchainCreateInfo,
		Surface:          context.Surface,
		MinImageCount:    imageCount,
		ImageFormat:      vs.ImageFormatKHR.Format,
		ImageColorSpace:  vs.ImageFormatKHR.ColorSpace,
		ImageExtent:      swapchainExtent,
		ImageArrayLayers: 1,
		ImageUsage:       vk.ImageUsageFlags(vk.ImageUsageColorAttachmentBit) | vk.ImageUsageFlags(vk.ImageUsageTransferDstBit),
		PreTransform:     capabilities.CurrentTransform,
		CompositeAlpha:   vk.CompositeAlphaOpaqueBit,
		PresentMode:      presentMode,
		Clipped:          vk.True,
	}

	if context.Device.GraphicsQueueIndex != context.Device.PresentQueueIndex {
		swapchainCreateInfo.ImageSharingMode = vk.SharingModeConcurrent
		swapchainCreateInfo.QueueFamilyIndexCount = 2
		swapchainCreateInfo.PQueueFamilyIndices = []uint32{
			uint32(context.Device.GraphicsQueueIndex),
			uint32(context.Device.PresentQueueIndex),
		}
	} else {
		swapchainCreateInfo.ImageSharingMode = vk.SharingModeExclusive
	}

	var swapchainHandle vk.Swapchain
	if res := vk.CreateSwapchain(context.Device.LogicalDevice, &swapchainCreateInfo, context.Allocator, &swapchainHandle); res != vk.Success {
		err := fmt.Errorf("failed to create swapchain: %s", VulkanResultString(res))
		core.LogError(err.Error())
		return err
	}
	vs.Handle = swapchainHandle
	vs.extent = gpu.Extent{Width: swapchainExtent.Width, Height: swapchainExtent.Height}

	var swapchainImageCount uint32
	if res := vk.GetSwapchainImages(context.Device.LogicalDevice, vs.Handle, &swapchainImageCount, nil); res != vk.Success {
		return fmt.Errorf("failed to get swapchain images: %s", VulkanResultString(res))
	}
	vs.Images = make([]vk.Image, swapchainImageCount)
	if res := vk.GetSwapchainImages(context.Device.LogicalDevice, vs.Handle, &swapchainImageCount, vs.Images); res != vk.Success {
		return fmt.Errorf("failed to get swapchain images: %s", VulkanResultString(res))
	}

	vs.Views = make([]vk.ImageView, swapchainImageCount)
	for i := range vs.Images {
		viewInfo := vk.ImageViewCreateInfo{
			SType:    vk.StructureTypeImageViewCreateInfo,
			Image:    vs.Images[i],
			ViewType: vk.ImageViewType2d,
			Format:   vs.ImageFormatKHR.Format,
			SubresourceRange: vk.ImageSubresourceRange{
				AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
				LevelCount: 1,
				LayerCount: 1,
			},
		}
		if res := vk.CreateImageView(context.Device.LogicalDevice, &viewInfo, context.Allocator, &vs.Views[i]); res != vk.Success {
			return fmt.Errorf("failed to create swapchain image view: %s", VulkanResultString(res))
		}
	}

	core.LogInfo("Swapchain created successfully (%dx%d, %d images).", vs.extent.Width, vs.extent.Height, swapchainImageCount)
	return nil
}

func (vs *VulkanSwapchain) destroy() {
	// Only destroy the views, not the images, since those are owned by the
	// swapchain and are thus destroyed when it is.
	for i := range vs.Views {
		vk.DestroyImageView(vs.context.Device.LogicalDevice, vs.Views[i], vs.context.Allocator)
	}
	vs.Views = nil
	vs.Images = nil
	if vs.Handle != nil {
		vk.DestroySwapchain(vs.context.Device.LogicalDevice, vs.Handle, vs.context.Allocator)
		vs.Handle = nil
	}
}

func clamp(v, lo, hi uint32) uint32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
