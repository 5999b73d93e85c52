package vulkan

import (
	"fmt"
	"strings"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/helios/engine/core"
	"github.com/spaghettifunk/helios/engine/renderer/gpu"
)

// RenderPassCache lazily creates render passes keyed by attachment
// formats and framebuffers keyed by the bound image views. Layout
// transitions happen through explicit barriers outside the passes, so
// every pass begins and ends in attachment-optimal layouts.
type RenderPassCache struct {
	context      *VulkanContext
	passes       map[string]vk.RenderPass
	framebuffers map[string]*VulkanFramebuffer
	// pass names whose color contents load instead of clearing, for
	// pipelines that accumulate into their target
	preserve map[string]bool
}

type VulkanFramebuffer struct {
	Handle vk.Framebuffer
	Width  uint32
	Height uint32
}

func NewRenderPassCache(context *VulkanContext) *RenderPassCache {
	return &RenderPassCache{
		context:      context,
		passes:       make(map[string]vk.RenderPass),
		framebuffers: make(map[string]*VulkanFramebuffer),
		preserve:     make(map[string]bool),
	}
}

// MarkPreserve flags a pass name as accumulating: its color attachment
// loads the previous contents instead of clearing.
func (rc *RenderPassCache) MarkPreserve(name string) {
	rc.preserve[name] = true
}

func (rc *RenderPassCache) PassFor(name string, colors []*VulkanImage, depth *VulkanImage) (vk.RenderPass, error) {
	colorFormats := make([]gpu.Format, len(colors))
	for i, color := range colors {
		colorFormats[i] = color.Format()
	}
	depthFormat := gpu.FormatUndefined
	if depth != nil {
		depthFormat = depth.Format()
	}
	return rc.PassForFormats(colorFormats, depthFormat, rc.preserve[name])
}

// PassForFormats creates or reuses a render pass compatible with any
// framebuffer whose attachments carry the given formats. Pipelines can
// therefore be built before the attachment images exist.
func (rc *RenderPassCache) PassForFormats(colors []gpu.Format, depth gpu.Format, preserveColor bool) (vk.RenderPass, error) {
	key := passKey(colors, depth, preserveColor)
	if pass, ok := rc.passes[key]; ok {
		return pass, nil
	}

	var attachmentDescriptions []vk.AttachmentDescription
	var colorReferences []vk.AttachmentReference

	colorLoadOp := vk.AttachmentLoadOpClear
	if preserveColor {
		colorLoadOp = vk.AttachmentLoadOpLoad
	}
	for _, color := range colors {
		attachmentDescriptions = append(attachmentDescriptions, vk.AttachmentDescription{
			Format:         vulkanFormat(color),
			Samples:        vk.SampleCount1Bit,
			LoadOp:         colorLoadOp,
			StoreOp:        vk.AttachmentStoreOpStore,
			StencilLoadOp:  vk.AttachmentLoadOpDontCare,
			StencilStoreOp: vk.AttachmentStoreOpDontCare,
			InitialLayout:  vk.ImageLayoutColorAttachmentOptimal,
			FinalLayout:    vk.ImageLayoutColorAttachmentOptimal,
		})
		colorReferences = append(colorReferences, vk.AttachmentReference{
			Attachment: uint32(len(attachmentDescriptions) - 1),
			Layout:     vk.ImageLayoutColorAttachmentOptimal,
		})
	}

	subpass := vk.SubpassDescription{
		PipelineBindPoint:    vk.PipelineBindPointGraphics,
		ColorAttachmentCount: uint32(len(colorReferences)),
		PColorAttachments:    colorReferences,
	}

	if depth != gpu.FormatUndefined {
		attachmentDescriptions = append(attachmentDescriptions, vk.AttachmentDescription{
			Format:         vulkanFormat(depth),
			Samples:        vk.SampleCount1Bit,
			LoadOp:         vk.AttachmentLoadOpClear,
			StoreOp:        vk.AttachmentStoreOpStore,
			StencilLoadOp:  vk.AttachmentLoadOpDontCare,
			StencilStoreOp: vk.AttachmentStoreOpDontCare,
			InitialLayout:  vk.ImageLayoutDepthStencilAttachmentOptimal,
			FinalLayout:    vk.ImageLayoutDepthStencilAttachmentOptimal,
		})
		depthReference := vk.AttachmentReference{
			Attachment: uint32(len(attachmentDescriptions) - 1),
			Layout:     vk.ImageLayoutDepthStencilAttachmentOptimal,
		}
		subpass.PDepthStencilAttachment = &depthReference
	}

	dependency := vk.SubpassDependency{
		SrcSubpass:    vk.SubpassExternal,
		DstSubpass:    0,
		SrcStageMask:  vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit),
		SrcAccessMask: 0,
		DstStageMask:  vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit),
		DstAccessMask: vk.AccessFlags(vk.AccessColorAttachmentReadBit) | vk.AccessFlags(vk.AccessColorAttachmentWriteBit),
	}

	renderpassCreateInfo := vk.RenderPassCreateInfo{
		SType:           vk.StructureTypeRenderPassCreateInfo,
		AttachmentCount: uint32(len(attachmentDescriptions)),
		PAttachments:    attachmentDescriptions,
		SubpassCount:    1,
		PSubpasses:      []vk.SubpassDescription{subpass},
		DependencyCount: 1,
		PDependencies:   []vk.SubpassDependency{dependency},
	}

	var pRenderPass vk.RenderPass
	if res := vk.CreateRenderPass(rc.context.Device.LogicalDevice, &renderpassCreateInfo, rc.context.Allocator, &pRenderPass); res != vk.Success {
		err := fmt.Errorf("failed to create render pass: %s", VulkanResultString(res))
		core.LogError(err.Error())
		return nil, err
	}
	rc.passes[key] = pRenderPass
	return pRenderPass, nil
}

func (rc *RenderPassCache) FramebufferFor(pass vk.RenderPass, colors []*VulkanImage, depth *VulkanImage, extent gpu.Extent) (*VulkanFramebuffer, error) {
	key := framebufferKey(colors, depth)
	if fb, ok := rc.framebuffers[key]; ok {
		return fb, nil
	}

	var attachments []vk.ImageView
	for _, color := range colors {
		attachments = append(attachments, color.View)
	}
	if depth != nil {
		attachments = append(attachments, depth.View)
	}

	framebufferCreateInfo := vk.FramebufferCreateInfo{
		SType:           vk.StructureTypeFramebufferCreateInfo,
		RenderPass:      pass,
		AttachmentCount: uint32(len(attachments)),
		PAttachments:    attachments,
		Width:           extent.Width,
		Height:          extent.Height,
		Layers:          1,
	}

	var pFramebuffer vk.Framebuffer
	if res := vk.CreateFramebuffer(rc.context.Device.LogicalDevice, &framebufferCreateInfo, rc.context.Allocator, &pFramebuffer); res != vk.Success {
		err := fmt.Errorf("failed to create framebuffer: %s", VulkanResultString(res))
		core.LogError(err.Error())
		return nil, err
	}

	fb := &VulkanFramebuffer{Handle: pFramebuffer, Width: extent.Width, Height: extent.Height}
	rc.framebuffers[key] = fb
	return fb, nil
}

// InvalidateFramebuffers drops cached framebuffers, typically after a
// resize destroyed the image views they reference. Render passes only
// depend on formats and survive.
func (rc *RenderPassCache) InvalidateFramebuffers() {
	for _, fb := range rc.framebuffers {
		vk.DestroyFramebuffer(rc.context.Device.LogicalDevice, fb.Handle, rc.context.Allocator)
	}
	rc.framebuffers = make(map[string]*VulkanFramebuffer)
}

func (rc *RenderPassCache) Destroy() {
	rc.InvalidateFramebuffers()
	for _, pass := range rc.passes {
		vk.DestroyRenderPass(rc.context.Device.LogicalDevice, pass, rc.context.Allocator)
	}
	rc.passes = make(map[string]vk.RenderPass)
}

func passKey(colors []gpu.Format, depth gpu.Format, preserveColor bool) string {
	var sb strings.Builder
	if preserveColor {
		sb.WriteString("keep|")
	}
	for _, color := range colors {
		sb.WriteString(color.String())
		sb.WriteByte('|')
	}
	if depth != gpu.FormatUndefined {
		sb.WriteString(depth.String())
	}
	return sb.String()
}

func framebufferKey(colors []*VulkanImage, depth *VulkanImage) string {
	var sb strings.Builder
	for _, color := range colors {
		fmt.Fprintf(&sb, "%p|", color.View)
	}
	if depth != nil {
		fmt.Fprintf(&sb, "%p", depth.View)
	}
	return sb.String()
}
