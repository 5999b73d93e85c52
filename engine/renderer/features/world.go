package features

import (
	"fmt"

	"github.com/spaghettifunk/helios/engine/renderer/descriptors"
	"github.com/spaghettifunk/helios/engine/renderer/gpu"
	"github.com/spaghettifunk/helios/engine/renderer/registry"
)

const (
	FeatureNameWorld = "world"

	AttachmentHDRColor   = "hdr_color"
	AttachmentWorldDepth = "world_depth"
)

// WorldFeature is the main geometry pass. It shades every draw command
// into an HDR color target, sampling the shadow map and resolving
// material textures through the bindless table
type WorldFeature struct {
	registry *registry.Registry
	color    *Attachment
	depth    *Attachment
}

func NewWorldFeature() *WorldFeature {
	return &WorldFeature{}
}

func (w *WorldFeature) Name() string { return FeatureNameWorld }
func (w *WorldFeature) Dependencies() []string { return []string{FeatureNameShadow} }

func (w *WorldFeature) Reads() []AttachmentAccess {
	return []AttachmentAccess{
		{Name: AttachmentShadowDepth, Layout: gpu.LayoutShaderReadOnly},
	}
}

func (w *WorldFeature) Writes() []AttachmentAccess {
	return []AttachmentAccess{
		{Name: AttachmentHDRColor, Layout: gpu.LayoutColorAttachment},
		{Name: AttachmentWorldDepth, Layout: gpu.LayoutDepthAttachment},
	}
}

func (w *WorldFeature) Attachments() []*Attachment {
	return []*Attachment{w.color, w.depth}
}

func (w *WorldFeature) Initialize(ctx *SetupContext) error {
	w.registry = ctx.Registry
	return w.createTargets(ctx)
}

func (w *WorldFeature) createTargets(ctx *SetupContext) error {
	color, err := ctx.Device.CreateTexture(gpu.TextureDesc{
		Name:      AttachmentHDRColor,
		Format:    gpu.FormatR16G16B16A16Float,
		Extent:    ctx.Extent,
		Usage:     gpu.TextureUsageColorAttachment | gpu.TextureUsageSampled,
		MipLevels: 1,
	})
	if err != nil {
		return err
	}
	colorHandle, err := ctx.Registry.Register(AttachmentHDRColor, color)
	if err != nil {
		return err
	}
	depth, err := ctx.Device.CreateTexture(gpu.TextureDesc{
		Name:      AttachmentWorldDepth,
		Format:    gpu.FormatD32Float,
		Extent:    ctx.Extent,
		Usage:     gpu.TextureUsageDepthAttachment,
		MipLevels: 1,
	})
	if err != nil {
		return err
	}
	depthHandle, err := ctx.Registry.Register(AttachmentWorldDepth, depth)
	if err != nil {
		return err
	}
	w.color = &Attachment{Name: AttachmentHDRColor, Handle: colorHandle, Texture: color}
	w.depth = &Attachment{Name: AttachmentWorldDepth, Handle: depthHandle, Texture: depth}
	return nil
}

// Resize retires the old targets and allocates new ones at the
// current surface extent. The old textures go through the registry's
// retirement queue like any other release
func (w *WorldFeature) Resize(ctx *SetupContext) error {
	if err := ctx.Registry.Release(w.color.Handle, ctx.FrameNumber); err != nil {
		return err
	}
	if err := ctx.Registry.Release(w.depth.Handle, ctx.FrameNumber); err != nil {
		return err
	}
	return w.createTargets(ctx)
}

// PrepareFrame stamps every bindless slot the frame will sample, so
// in-place descriptor updates are refused while this frame is in
// flight. Marking happens here rather than in Record because Record
// may run on a pool worker
func (w *WorldFeature) PrepareFrame(ctx *FrameContext) error {
	for _, d := range ctx.DrawList {
		for _, slot := range materialSlots(d.Material) {
			if slot != descriptors.SlotInvalid {
				ctx.Bindless.MarkRecorded(slot, ctx.FrameNumber)
			}
		}
	}
	return nil
}

func (w *WorldFeature) Record(ctx *FrameContext, cmd gpu.CommandBuffer) error {
	cmd.BeginRenderPass("world", []gpu.Texture{w.color.Texture}, w.depth.Texture)
	cmd.BindPipeline("world")
	cmd.BindResourceTable()
	for _, d := range ctx.DrawList {
		vb, err := ctx.Registry.Buffer(d.VertexBuffer)
		if err != nil {
			return fmt.Errorf("draw vertex buffer: %w", err)
		}
		ib, err := ctx.Registry.Buffer(d.IndexBuffer)
		if err != nil {
			return fmt.Errorf("draw index buffer: %w", err)
		}
		cmd.BindVertexBuffer(vb)
		cmd.BindIndexBuffer(ib)
		cmd.PushConstants(packDrawConstants(d))
		cmd.DrawIndexed(d.IndexCount, 1)
	}
	cmd.EndRenderPass()
	return nil
}

func (w *WorldFeature) Destroy() error {
	return nil
}

func materialSlots(m MaterialParams) [5]uint32 {
	return [5]uint32{m.AlbedoSlot, m.NormalSlot, m.MetallicSlot, m.RoughnessSlot, m.EmissiveSlot}
}

// packDrawConstants lays out the per-draw push block: transform,
// material factors, then the five bindless indices as raw uint32s
func packDrawConstants(d DrawCommand) []byte {
	vals := make([]float32, 0, 16+8)
	vals = append(vals, d.Transform[:]...)
	vals = append(vals, d.Material.BaseColor[:]...)
	vals = append(vals, d.Material.Metallic, d.Material.Roughness, d.Material.Emissive)
	out := packFloats(vals)
	for _, slot := range materialSlots(d.Material) {
		out = append(out, byte(slot), byte(slot>>8), byte(slot>>16), byte(slot>>24))
	}
	return out
}
