package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/helios/engine/core"
	"github.com/spaghettifunk/helios/engine/renderer/gpu"
)

type VulkanImage struct {
	Handle vk.Image
	Memory vk.DeviceMemory
	View   vk.ImageView

	context *VulkanContext
	desc    gpu.TextureDesc
}

func ImageCreate(context *VulkanContext, desc gpu.TextureDesc) (*VulkanImage, error) {
	format := vulkanFormat(desc.Format)
	if format == vk.FormatUndefined {
		return nil, fmt.Errorf("texture %q has unsupported format: %w", desc.Name, core.ErrConfiguration)
	}
	mipLevels := desc.MipLevels
	if mipLevels == 0 {
		mipLevels = 1
	}

	usage := vk.ImageUsageFlags(0)
	if desc.Usage&gpu.TextureUsageSampled != 0 {
		usage |= vk.ImageUsageFlags(vk.ImageUsageSampledBit)
	}
	if desc.Usage&gpu.TextureUsageColorAttachment != 0 {
		usage |= vk.ImageUsageFlags(vk.ImageUsageColorAttachmentBit)
	}
	if desc.Usage&gpu.TextureUsageDepthAttachment != 0 {
		usage |= vk.ImageUsageFlags(vk.ImageUsageDepthStencilAttachmentBit)
	}
	if desc.Usage&gpu.TextureUsageStorage != 0 {
		usage |= vk.ImageUsageFlags(vk.ImageUsageStorageBit)
	}
	if desc.Usage&gpu.TextureUsageTransferSrc != 0 {
		usage |= vk.ImageUsageFlags(vk.ImageUsageTransferSrcBit)
	}
	if desc.Usage&gpu.TextureUsageTransferDst != 0 {
		usage |= vk.ImageUsageFlags(vk.ImageUsageTransferDstBit)
	}

	imageCreateInfo := vk.ImageCreateInfo{
		SType:     vk.StructureTypeImageCreateInfo,
		ImageType: vk.ImageType2d,
		Extent: vk.Extent3D{
			Width:  desc.Extent.Width,
			Height: desc.Extent.Height,
			Depth:  1,
		},
		MipLevels:     mipLevels,
		ArrayLayers:   1,
		Format:        format,
		Tiling:        vk.ImageTilingOptimal,
		InitialLayout: vk.ImageLayoutUndefined,
		Usage:         usage,
		Samples:       vk.SampleCount1Bit,
		SharingMode:   vk.SharingModeExclusive,
	}

	image := &VulkanImage{context: context, desc: desc}
	var pImage vk.Image
	if res := vk.CreateImage(context.Device.LogicalDevice, &imageCreateInfo, context.Allocator, &pImage); res != vk.Success {
		err := fmt.Errorf("failed to create image %q: %s", desc.Name, VulkanResultString(res))
		core.LogError(err.Error())
		return nil, err
	}
	image.Handle = pImage

	var memoryRequirements vk.MemoryRequirements
	vk.GetImageMemoryRequirements(context.Device.LogicalDevice, image.Handle, &memoryRequirements)
	memoryRequirements.Deref()

	memoryType := context.FindMemoryIndex(memoryRequirements.MemoryTypeBits, uint32(vk.MemoryPropertyDeviceLocalBit))
	if memoryType == -1 {
		return nil, fmt.Errorf("image %q: required memory type not found: %w", desc.Name, core.ErrResourceExhausted)
	}

	allocateInfo := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  memoryRequirements.Size,
		MemoryTypeIndex: uint32(memoryType),
	}
	var pMemory vk.DeviceMemory
	if res := vk.AllocateMemory(context.Device.LogicalDevice, &allocateInfo, context.Allocator, &pMemory); res != vk.Success {
		err := fmt.Errorf("failed to allocate memory for image %q: %w", desc.Name, core.ErrResourceExhausted)
		core.LogError(err.Error())
		return nil, err
	}
	image.Memory = pMemory

	if res := vk.BindImageMemory(context.Device.LogicalDevice, image.Handle, image.Memory, 0); res != vk.Success {
		return nil, fmt.Errorf("failed to bind memory for image %q: %s", desc.Name, VulkanResultString(res))
	}

	aspect := vk.ImageAspectFlags(vk.ImageAspectColorBit)
	if desc.Format.IsDepth() {
		aspect = vk.ImageAspectFlags(vk.ImageAspectDepthBit)
	}
	viewInfo := vk.ImageViewCreateInfo{
		SType:    vk.StructureTypeImageViewCreateInfo,
		Image:    image.Handle,
		ViewType: vk.ImageViewType2d,
		Format:   format,
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask:     aspect,
			BaseMipLevel:   0,
			LevelCount:     mipLevels,
			BaseArrayLayer: 0,
			LayerCount:     1,
		},
	}
	var pView vk.ImageView
	if res := vk.CreateImageView(context.Device.LogicalDevice, &viewInfo, context.Allocator, &pView); res != vk.Success {
		err := fmt.Errorf("failed to create image view for %q: %s", desc.Name, VulkanResultString(res))
		core.LogError(err.Error())
		return nil, err
	}
	image.View = pView

	return image, nil
}

func (vi *VulkanImage) Kind() gpu.ResourceKind { return gpu.ResourceKindTexture }
func (vi *VulkanImage) Format() gpu.Format { return vi.desc.Format }
func (vi *VulkanImage) Extent() gpu.Extent { return vi.desc.Extent }
func (vi *VulkanImage) MipLevels() uint32 { return vi.desc.MipLevels }

func (vi *VulkanImage) Destroy() error {
	device := vi.context.Device.LogicalDevice
	if vi.View != nil {
		vk.DestroyImageView(device, vi.View, vi.context.Allocator)
		vi.View = nil
	}
	if vi.Memory != nil {
		vk.FreeMemory(device, vi.Memory, vi.context.Allocator)
		vi.Memory = nil
	}
	if vi.Handle != nil {
		vk.DestroyImage(device, vi.Handle, vi.context.Allocator)
		vi.Handle = nil
	}
	return nil
}

type VulkanBuffer struct {
	Handle vk.Buffer
	Memory vk.DeviceMemory

	context *VulkanContext
	desc    gpu.BufferDesc
}

func BufferCreate(context *VulkanContext, desc gpu.BufferDesc) (*VulkanBuffer, error) {
	usage := vk.BufferUsageFlags(vk.BufferUsageTransferDstBit)
	if desc.Usage&gpu.BufferUsageVertex != 0 {
		usage |= vk.BufferUsageFlags(vk.BufferUsageVertexBufferBit)
	}
	if desc.Usage&gpu.BufferUsageIndex != 0 {
		usage |= vk.BufferUsageFlags(vk.BufferUsageIndexBufferBit)
	}
	if desc.Usage&gpu.BufferUsageUniform != 0 {
		usage |= vk.BufferUsageFlags(vk.BufferUsageUniformBufferBit)
	}
	if desc.Usage&gpu.BufferUsageStorage != 0 {
		usage |= vk.BufferUsageFlags(vk.BufferUsageStorageBufferBit)
	}

	bufferCreateInfo := vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        vk.DeviceSize(desc.Size),
		Usage:       usage,
		SharingMode: vk.SharingModeExclusive,
	}

	buffer := &VulkanBuffer{context: context, desc: desc}
	var pBuffer vk.Buffer
	if res := vk.CreateBuffer(context.Device.LogicalDevice, &bufferCreateInfo, context.Allocator, &pBuffer); res != vk.Success {
		err := fmt.Errorf("failed to create buffer %q: %s", desc.Name, VulkanResultString(res))
		core.LogError(err.Error())
		return nil, err
	}
	buffer.Handle = pBuffer

	var memoryRequirements vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(context.Device.LogicalDevice, buffer.Handle, &memoryRequirements)
	memoryRequirements.Deref()

	memoryType := context.FindMemoryIndex(memoryRequirements.MemoryTypeBits, uint32(vk.MemoryPropertyDeviceLocalBit))
	if memoryType == -1 {
		return nil, fmt.Errorf("buffer %q: required memory type not found: %w", desc.Name, core.ErrResourceExhausted)
	}

	allocateInfo := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  memoryRequirements.Size,
		MemoryTypeIndex: uint32(memoryType),
	}
	var pMemory vk.DeviceMemory
	if res := vk.AllocateMemory(context.Device.LogicalDevice, &allocateInfo, context.Allocator, &pMemory); res != vk.Success {
		err := fmt.Errorf("failed to allocate memory for buffer %q: %w", desc.Name, core.ErrResourceExhausted)
		core.LogError(err.Error())
		return nil, err
	}
	buffer.Memory = pMemory

	if res := vk.BindBufferMemory(context.Device.LogicalDevice, buffer.Handle, buffer.Memory, 0); res != vk.Success {
		return nil, fmt.Errorf("failed to bind memory for buffer %q: %s", desc.Name, VulkanResultString(res))
	}
	return buffer, nil
}

func (vb *VulkanBuffer) Kind() gpu.ResourceKind { return gpu.ResourceKindBuffer }
func (vb *VulkanBuffer) Size() uint64 { return vb.desc.Size }

func (vb *VulkanBuffer) Destroy() error {
	device := vb.context.Device.LogicalDevice
	if vb.Memory != nil {
		vk.FreeMemory(device, vb.Memory, vb.context.Allocator)
		vb.Memory = nil
	}
	if vb.Handle != nil {
		vk.DestroyBuffer(device, vb.Handle, vb.context.Allocator)
		vb.Handle = nil
	}
	return nil
}
