package vulkan

import (
	"fmt"
	"unsafe"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/helios/engine/core"
	"github.com/spaghettifunk/helios/engine/renderer/gpu"
)

// VulkanCommandBuffer records through the gpu.CommandBuffer contract:
// individual ops never fail, the first recording error is remembered
// and surfaces from End.
type VulkanCommandBuffer struct {
	Handle vk.CommandBuffer

	context   *VulkanContext
	passCache *RenderPassCache
	pipelines *PipelineLibrary
	bindless  *BindlessTable
	primary   bool

	boundPipeline *VulkanPipeline
	inRenderPass  bool
	firstErr      error
}

func NewCommandBuffer(context *VulkanContext, passCache *RenderPassCache, pipelines *PipelineLibrary, bindless *BindlessTable, primary bool) (*VulkanCommandBuffer, error) {
	level := vk.CommandBufferLevelPrimary
	if !primary {
		level = vk.CommandBufferLevelSecondary
	}
	allocateInfo := vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        context.Device.GraphicsCommandPool,
		Level:              level,
		CommandBufferCount: 1,
	}

	handles := make([]vk.CommandBuffer, 1)
	if res := vk.AllocateCommandBuffers(context.Device.LogicalDevice, &allocateInfo, handles); res != vk.Success {
		err := fmt.Errorf("failed to allocate command buffer: %s", VulkanResultString(res))
		core.LogError(err.Error())
		return nil, err
	}
	return &VulkanCommandBuffer{
		Handle:    handles[0],
		context:   context,
		passCache: passCache,
		pipelines: pipelines,
		bindless:  bindless,
		primary:   primary,
	}, nil
}

func (cb *VulkanCommandBuffer) Reset() error {
	cb.boundPipeline = nil
	cb.inRenderPass = false
	cb.firstErr = nil
	if res := vk.ResetCommandBuffer(cb.Handle, 0); res != vk.Success {
		return fmt.Errorf("failed to reset command buffer: %s", VulkanResultString(res))
	}
	return nil
}

func (cb *VulkanCommandBuffer) Begin() error {
	beginInfo := vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
		Flags: vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit),
	}
	if !cb.primary {
		// Secondary buffers carry whole render passes and are spliced
		// outside any pass instance, so plain inheritance suffices.
		beginInfo.PInheritanceInfo = []vk.CommandBufferInheritanceInfo{{
			SType: vk.StructureTypeCommandBufferInheritanceInfo,
		}}
	}
	if res := vk.BeginCommandBuffer(cb.Handle, &beginInfo); res != vk.Success {
		return fmt.Errorf("failed to begin command buffer: %s", VulkanResultString(res))
	}
	return nil
}

func (cb *VulkanCommandBuffer) End() error {
	if res := vk.EndCommandBuffer(cb.Handle); res != vk.Success {
		return fmt.Errorf("failed to end command buffer: %s", VulkanResultString(res))
	}
	return cb.firstErr
}

func (cb *VulkanCommandBuffer) TransitionImage(tex gpu.Texture, oldLayout, newLayout gpu.ImageLayout) {
	image, ok := tex.(*VulkanImage)
	if !ok {
		cb.deferErr(fmt.Errorf("transition requires a vulkan image: %w", core.ErrInvalidHandle))
		return
	}

	srcStage, srcAccess := layoutStageAccess(oldLayout)
	dstStage, dstAccess := layoutStageAccess(newLayout)

	aspect := vk.ImageAspectFlags(vk.ImageAspectColorBit)
	if image.Format().IsDepth() {
		aspect = vk.ImageAspectFlags(vk.ImageAspectDepthBit)
	}
	mipLevels := image.MipLevels()
	if mipLevels == 0 {
		mipLevels = 1
	}

	barrier := vk.ImageMemoryBarrier{
		SType:               vk.StructureTypeImageMemoryBarrier,
		OldLayout:           vulkanImageLayout(oldLayout),
		NewLayout:           vulkanImageLayout(newLayout),
		SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
		DstQueueFamilyIndex: vk.QueueFamilyIgnored,
		Image:               image.Handle,
		SrcAccessMask:       srcAccess,
		DstAccessMask:       dstAccess,
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask: aspect,
			LevelCount: mipLevels,
			LayerCount: 1,
		},
	}

	vk.CmdPipelineBarrier(cb.Handle, srcStage, dstStage, 0, 0, nil, 0, nil, 1, []vk.ImageMemoryBarrier{barrier})
}

func (cb *VulkanCommandBuffer) BeginRenderPass(name string, colors []gpu.Texture, depth gpu.Texture) {
	colorImages := make([]*VulkanImage, 0, len(colors))
	for _, color := range colors {
		image, ok := color.(*VulkanImage)
		if !ok {
			cb.deferErr(fmt.Errorf("pass %q: color target is not a vulkan image: %w", name, core.ErrInvalidHandle))
			return
		}
		colorImages = append(colorImages, image)
	}
	var depthImage *VulkanImage
	if depth != nil {
		image, ok := depth.(*VulkanImage)
		if !ok {
			cb.deferErr(fmt.Errorf("pass %q: depth target is not a vulkan image: %w", name, core.ErrInvalidHandle))
			return
		}
		depthImage = image
	}

	pass, err := cb.passCache.PassFor(name, colorImages, depthImage)
	if err != nil {
		cb.deferErr(err)
		return
	}

	extent := gpu.Extent{Width: cb.context.FramebufferWidth, Height: cb.context.FramebufferHeight}
	if len(colorImages) > 0 {
		extent = colorImages[0].Extent()
	} else if depthImage != nil {
		extent = depthImage.Extent()
	}

	framebuffer, err := cb.passCache.FramebufferFor(pass, colorImages, depthImage, extent)
	if err != nil {
		cb.deferErr(err)
		return
	}

	clearValues := make([]vk.ClearValue, 0, len(colorImages)+1)
	for range colorImages {
		var clear vk.ClearValue
		clear.SetColor([]float32{0, 0, 0, 1})
		clearValues = append(clearValues, clear)
	}
	if depthImage != nil {
		var clear vk.ClearValue
		clear.SetDepthStencil(1.0, 0)
		clearValues = append(clearValues, clear)
	}

	beginInfo := vk.RenderPassBeginInfo{
		SType:       vk.StructureTypeRenderPassBeginInfo,
		RenderPass:  pass,
		Framebuffer: framebuffer.Handle,
		RenderArea: vk.Rect2D{
			Extent: vk.Extent2D{Width: extent.Width, Height: extent.Height},
		},
		ClearValueCount: uint32(len(clearValues)),
		PClearValues:    clearValues,
	}
	vk.CmdBeginRenderPass(cb.Handle, &beginInfo, vk.SubpassContentsInline)
	cb.inRenderPass = true

	viewport := vk.Viewport{
		Width:    float32(extent.Width),
		Height:   float32(extent.Height),
		MaxDepth: 1.0,
	}
	vk.CmdSetViewport(cb.Handle, 0, 1, []vk.Viewport{viewport})
	scissor := vk.Rect2D{Extent: vk.Extent2D{Width: extent.Width, Height: extent.Height}}
	vk.CmdSetScissor(cb.Handle, 0, 1, []vk.Rect2D{scissor})
}

func (cb *VulkanCommandBuffer) EndRenderPass() {
	if !cb.inRenderPass {
		cb.deferErr(fmt.Errorf("end render pass outside a pass: %w", core.ErrConfiguration))
		return
	}
	vk.CmdEndRenderPass(cb.Handle)
	cb.inRenderPass = false
}

func (cb *VulkanCommandBuffer) BindPipeline(name string) {
	pipeline, ok := cb.pipelines.Get(name)
	if !ok {
		cb.deferErr(fmt.Errorf("pipeline %q not found: %w", name, core.ErrConfiguration))
		return
	}
	vk.CmdBindPipeline(cb.Handle, vk.PipelineBindPointGraphics, pipeline.Handle)
	cb.boundPipeline = pipeline
}

func (cb *VulkanCommandBuffer) BindResourceTable() {
	if cb.boundPipeline == nil {
		cb.deferErr(fmt.Errorf("resource table bound before any pipeline: %w", core.ErrConfiguration))
		return
	}
	vk.CmdBindDescriptorSets(cb.Handle, vk.PipelineBindPointGraphics, cb.boundPipeline.PipelineLayout, 0, 1, []vk.DescriptorSet{cb.bindless.Set}, 0, nil)
}

func (cb *VulkanCommandBuffer) BindVertexBuffer(buf gpu.Buffer) {
	buffer, ok := buf.(*VulkanBuffer)
	if !ok {
		cb.deferErr(fmt.Errorf("vertex buffer is not a vulkan buffer: %w", core.ErrInvalidHandle))
		return
	}
	vk.CmdBindVertexBuffers(cb.Handle, 0, 1, []vk.Buffer{buffer.Handle}, []vk.DeviceSize{0})
}

func (cb *VulkanCommandBuffer) BindIndexBuffer(buf gpu.Buffer) {
	buffer, ok := buf.(*VulkanBuffer)
	if !ok {
		cb.deferErr(fmt.Errorf("index buffer is not a vulkan buffer: %w", core.ErrInvalidHandle))
		return
	}
	vk.CmdBindIndexBuffer(cb.Handle, buffer.Handle, 0, vk.IndexTypeUint32)
}

func (cb *VulkanCommandBuffer) PushConstants(data []byte) {
	if cb.boundPipeline == nil {
		cb.deferErr(fmt.Errorf("push constants recorded before any pipeline: %w", core.ErrConfiguration))
		return
	}
	if len(data) == 0 {
		return
	}
	stages := vk.ShaderStageFlags(vk.ShaderStageVertexBit) | vk.ShaderStageFlags(vk.ShaderStageFragmentBit)
	vk.CmdPushConstants(cb.Handle, cb.boundPipeline.PipelineLayout, stages, 0, uint32(len(data)), unsafe.Pointer(&data[0]))
}

func (cb *VulkanCommandBuffer) Draw(vertexCount, instanceCount uint32) {
	vk.CmdDraw(cb.Handle, vertexCount, instanceCount, 0, 0)
}

func (cb *VulkanCommandBuffer) DrawIndexed(indexCount, instanceCount uint32) {
	vk.CmdDrawIndexed(cb.Handle, indexCount, instanceCount, 0, 0, 0)
}

func (cb *VulkanCommandBuffer) ExecuteCommands(secondary []gpu.CommandBuffer) {
	if !cb.primary {
		cb.deferErr(fmt.Errorf("secondary buffers can only be spliced into a primary: %w", core.ErrConfiguration))
		return
	}
	handles := make([]vk.CommandBuffer, 0, len(secondary))
	for _, buffer := range secondary {
		vcb, ok := buffer.(*VulkanCommandBuffer)
		if !ok {
			cb.deferErr(fmt.Errorf("spliced buffer is not a vulkan command buffer: %w", core.ErrInvalidHandle))
			return
		}
		handles = append(handles, vcb.Handle)
	}
	if len(handles) == 0 {
		return
	}
	vk.CmdExecuteCommands(cb.Handle, uint32(len(handles)), handles)
}

func (cb *VulkanCommandBuffer) Destroy() {
	if cb.Handle != nil {
		vk.FreeCommandBuffers(cb.context.Device.LogicalDevice, cb.context.Device.GraphicsCommandPool, 1, []vk.CommandBuffer{cb.Handle})
		cb.Handle = nil
	}
}

func (cb *VulkanCommandBuffer) deferErr(err error) {
	if cb.firstErr == nil {
		cb.firstErr = err
	}
	core.LogError("command recording: %s", err.Error())
}
