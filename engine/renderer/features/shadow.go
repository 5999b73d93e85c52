package features

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/spaghettifunk/helios/engine/renderer/gpu"
	"github.com/spaghettifunk/helios/engine/renderer/registry"
)

const (
	FeatureNameShadow = "shadow"

	AttachmentShadowDepth = "shadow_depth"

	defaultShadowMapSize = 2048
)

// ShadowFeature renders shadow casters into a depth-only map the world
// pass samples. The map has a fixed size and does not track the
// surface extent
type ShadowFeature struct {
	registry *registry.Registry
	depth    *Attachment
	// light view-projection, pushed with every caster's transform
	LightMatrix [16]float32

	casters []DrawCommand
}

func NewShadowFeature() *ShadowFeature {
	s := &ShadowFeature{}
	// identity until a light is configured
	s.LightMatrix[0], s.LightMatrix[5], s.LightMatrix[10], s.LightMatrix[15] = 1, 1, 1, 1
	return s
}

func (s *ShadowFeature) Name() string { return FeatureNameShadow }
func (s *ShadowFeature) Dependencies() []string { return nil }
func (s *ShadowFeature) Reads() []AttachmentAccess { return nil }

func (s *ShadowFeature) Writes() []AttachmentAccess {
	return []AttachmentAccess{
		{Name: AttachmentShadowDepth, Layout: gpu.LayoutDepthAttachment},
	}
}

func (s *ShadowFeature) Attachments() []*Attachment {
	return []*Attachment{s.depth}
}

func (s *ShadowFeature) Initialize(ctx *SetupContext) error {
	s.registry = ctx.Registry
	tex, err := ctx.Device.CreateTexture(gpu.TextureDesc{
		Name:      AttachmentShadowDepth,
		Format:    gpu.FormatD32Float,
		Extent:    gpu.Extent{Width: defaultShadowMapSize, Height: defaultShadowMapSize},
		Usage:     gpu.TextureUsageDepthAttachment | gpu.TextureUsageSampled,
		MipLevels: 1,
	})
	if err != nil {
		return err
	}
	h, err := ctx.Registry.Register(AttachmentShadowDepth, tex)
	if err != nil {
		return err
	}
	s.depth = &Attachment{
		Name:          AttachmentShadowDepth,
		Handle:        h,
		Texture:       tex,
		CurrentLayout: gpu.LayoutUndefined,
	}
	return nil
}

// PrepareFrame culls the draw list down to shadow casters
func (s *ShadowFeature) PrepareFrame(ctx *FrameContext) error {
	s.casters = s.casters[:0]
	for _, d := range ctx.DrawList {
		if d.CastsShadow {
			s.casters = append(s.casters, d)
		}
	}
	return nil
}

func (s *ShadowFeature) Record(ctx *FrameContext, cmd gpu.CommandBuffer) error {
	cmd.BeginRenderPass("shadow", nil, s.depth.Texture)
	cmd.BindPipeline("shadow")
	for _, d := range s.casters {
		vb, err := ctx.Registry.Buffer(d.VertexBuffer)
		if err != nil {
			return fmt.Errorf("shadow caster vertex buffer: %w", err)
		}
		ib, err := ctx.Registry.Buffer(d.IndexBuffer)
		if err != nil {
			return fmt.Errorf("shadow caster index buffer: %w", err)
		}
		cmd.BindVertexBuffer(vb)
		cmd.BindIndexBuffer(ib)
		cmd.PushConstants(packFloats(append(s.LightMatrix[:], d.Transform[:]...)))
		cmd.DrawIndexed(d.IndexCount, 1)
	}
	cmd.EndRenderPass()
	return nil
}

func (s *ShadowFeature) Destroy() error {
	// the registry owns the depth map; teardown reclaims it
	return nil
}

// packFloats serializes values for a push constant block, little
// endian as the shaders expect
func packFloats(values []float32) []byte {
	out := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}
