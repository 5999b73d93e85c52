package postprocess

import (
	"fmt"

	"github.com/spaghettifunk/helios/engine/math"
	"github.com/spaghettifunk/helios/engine/renderer/descriptors"
	"github.com/spaghettifunk/helios/engine/renderer/features"
	"github.com/spaghettifunk/helios/engine/renderer/gpu"
)

const (
	FeatureNamePostProcess = "post_process"

	AttachmentLDRColor = "ldr_color"

	// depth of the bloom mip chain, clamped to what the surface
	// extent can halve down to
	maxBloomMips = 5
)

// Feature is the post process pass group: bright pass threshold, the
// bloom downsample/upsample chain, and the final tonemap into the LDR
// target the backend presents
type Feature struct {
	bindless *descriptors.Manager
	ldr      *features.Attachment
	mips     []*features.Attachment

	// bindless indices the chain samples through, pushed to the
	// shaders each pass
	hdrSlot  uint32
	mipSlots []uint32
}

func NewFeature() *Feature {
	return &Feature{hdrSlot: descriptors.SlotInvalid}
}

func (f *Feature) Name() string { return FeatureNamePostProcess }
func (f *Feature) Dependencies() []string { return []string{features.FeatureNameWorld} }

func (f *Feature) Reads() []features.AttachmentAccess {
	return []features.AttachmentAccess{
		{Name: features.AttachmentHDRColor, Layout: gpu.LayoutShaderReadOnly},
	}
}

func (f *Feature) Writes() []features.AttachmentAccess {
	return []features.AttachmentAccess{
		{Name: AttachmentLDRColor, Layout: gpu.LayoutColorAttachment},
	}
}

func (f *Feature) Attachments() []*features.Attachment {
	return []*features.Attachment{f.ldr}
}

func (f *Feature) Initialize(ctx *features.SetupContext) error {
	f.bindless = ctx.Bindless
	return f.createTargets(ctx)
}

func mipCount(extent gpu.Extent) int {
	levels := 0
	w, h := extent.Width, extent.Height
	for levels < maxBloomMips && w >= 2 && h >= 2 {
		w /= 2
		h /= 2
		levels++
	}
	return levels
}

func (f *Feature) createTargets(ctx *features.SetupContext) error {
	ldr, err := ctx.Device.CreateTexture(gpu.TextureDesc{
		Name:      AttachmentLDRColor,
		Format:    gpu.FormatB8G8R8A8Unorm,
		Extent:    ctx.Extent,
		Usage:     gpu.TextureUsageColorAttachment | gpu.TextureUsageTransferSrc,
		MipLevels: 1,
	})
	if err != nil {
		return err
	}
	ldrHandle, err := ctx.Registry.Register(AttachmentLDRColor, ldr)
	if err != nil {
		return err
	}
	f.ldr = &features.Attachment{Name: AttachmentLDRColor, Handle: ldrHandle, Texture: ldr}

	levels := mipCount(ctx.Extent)
	if levels == 0 {
		return fmt.Errorf("surface %dx%d too small for bloom", ctx.Extent.Width, ctx.Extent.Height)
	}
	f.mips = make([]*features.Attachment, levels)
	w, h := ctx.Extent.Width, ctx.Extent.Height
	for i := 0; i < levels; i++ {
		w = math.Max(w/2, 1)
		h = math.Max(h/2, 1)
		name := fmt.Sprintf("bloom_mip_%d", i)
		tex, err := ctx.Device.CreateTexture(gpu.TextureDesc{
			Name:      name,
			Format:    gpu.FormatR16G16B16A16Float,
			Extent:    gpu.Extent{Width: w, Height: h},
			Usage:     gpu.TextureUsageColorAttachment | gpu.TextureUsageSampled,
			MipLevels: 1,
		})
		if err != nil {
			return err
		}
		h2, err := ctx.Registry.Register(name, tex)
		if err != nil {
			return err
		}
		f.mips[i] = &features.Attachment{Name: name, Handle: h2, Texture: tex}
	}

	// the chain samples the lit scene and its own mips through the
	// bindless table
	hdr, err := ctx.Attachments.Attachment(features.AttachmentHDRColor)
	if err != nil {
		return err
	}
	f.hdrSlot, err = ctx.Bindless.AllocateSlot(hdr.Texture)
	if err != nil {
		return err
	}
	f.mipSlots = make([]uint32, levels)
	for i, m := range f.mips {
		f.mipSlots[i], err = ctx.Bindless.AllocateSlot(m.Texture)
		if err != nil {
			return err
		}
	}
	return nil
}

func (f *Feature) freeSlots() {
	if f.bindless == nil {
		return
	}
	if f.hdrSlot != descriptors.SlotInvalid {
		_ = f.bindless.FreeSlot(f.hdrSlot)
		f.hdrSlot = descriptors.SlotInvalid
	}
	for _, s := range f.mipSlots {
		_ = f.bindless.FreeSlot(s)
	}
	f.mipSlots = nil
}

// Resize retires every target through the registry and rebuilds the
// chain for the new extent
func (f *Feature) Resize(ctx *features.SetupContext) error {
	if err := ctx.Registry.Release(f.ldr.Handle, ctx.FrameNumber); err != nil {
		return err
	}
	for _, m := range f.mips {
		if err := ctx.Registry.Release(m.Handle, ctx.FrameNumber); err != nil {
			return err
		}
	}
	f.freeSlots()
	return f.createTargets(ctx)
}

// PrepareFrame stamps the chain's bindless slots so the manager knows
// they are referenced until this frame's fence signals
func (f *Feature) PrepareFrame(ctx *features.FrameContext) error {
	ctx.Bindless.MarkRecorded(f.hdrSlot, ctx.FrameNumber)
	for _, s := range f.mipSlots {
		ctx.Bindless.MarkRecorded(s, ctx.FrameNumber)
	}
	return nil
}

// Record lays down the whole chain. Every pass is a fullscreen
// triangle; transitions between chain stages are recorded inline
// since the mips are internal to this feature
func (f *Feature) Record(ctx *features.FrameContext, cmd gpu.CommandBuffer) error {
	p := Params{
		Exposure:       ctx.PostProcess.Exposure,
		Gamma:          ctx.PostProcess.Gamma,
		BloomIntensity: ctx.PostProcess.BloomIntensity,
		Threshold:      ctx.PostProcess.Threshold,
		Knee:           ctx.PostProcess.Knee,
	}.Clamped()

	// bright pass into the top mip
	f.mips[0].TransitionTo(cmd, gpu.LayoutColorAttachment)
	cmd.BeginRenderPass("bloom_threshold", []gpu.Texture{f.mips[0].Texture}, nil)
	cmd.BindPipeline("bloom_threshold")
	cmd.PushConstants(packPush([]uint32{f.hdrSlot}, p.Threshold, p.Knee))
	cmd.Draw(3, 1)
	cmd.EndRenderPass()

	// walk down the chain
	for i := 1; i < len(f.mips); i++ {
		f.mips[i-1].TransitionTo(cmd, gpu.LayoutShaderReadOnly)
		f.mips[i].TransitionTo(cmd, gpu.LayoutColorAttachment)
		cmd.BeginRenderPass("bloom_downsample", []gpu.Texture{f.mips[i].Texture}, nil)
		cmd.BindPipeline("bloom_downsample")
		cmd.PushConstants(packPush([]uint32{f.mipSlots[i-1]}))
		cmd.Draw(3, 1)
		cmd.EndRenderPass()
	}

	// and back up, accumulating
	for i := len(f.mips) - 1; i > 0; i-- {
		f.mips[i].TransitionTo(cmd, gpu.LayoutShaderReadOnly)
		f.mips[i-1].TransitionTo(cmd, gpu.LayoutColorAttachment)
		cmd.BeginRenderPass("bloom_upsample", []gpu.Texture{f.mips[i-1].Texture}, nil)
		cmd.BindPipeline("bloom_upsample")
		cmd.PushConstants(packPush([]uint32{f.mipSlots[i]}))
		cmd.Draw(3, 1)
		cmd.EndRenderPass()
	}

	// composite and tonemap into the presentable target
	f.mips[0].TransitionTo(cmd, gpu.LayoutShaderReadOnly)
	cmd.BeginRenderPass("tonemap", []gpu.Texture{f.ldr.Texture}, nil)
	cmd.BindPipeline("tonemap")
	cmd.PushConstants(packPush([]uint32{f.hdrSlot, f.mipSlots[0]}, p.Exposure, p.Gamma, p.BloomIntensity))
	cmd.Draw(3, 1)
	cmd.EndRenderPass()
	return nil
}

func (f *Feature) Destroy() error {
	f.freeSlots()
	return nil
}

// packPush lays out the pass push block: bindless indices first, then
// the float parameters, all 4-byte aligned little endian
func packPush(slots []uint32, values ...float32) []byte {
	out := make([]byte, 0, (len(slots)+len(values))*4)
	appendWord := func(bits uint32) {
		out = append(out, byte(bits), byte(bits>>8), byte(bits>>16), byte(bits>>24))
	}
	for _, s := range slots {
		appendWord(s)
	}
	for _, v := range values {
		appendWord(math.Float32bits(v))
	}
	return out
}
