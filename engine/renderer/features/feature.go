package features

import (
	"github.com/spaghettifunk/helios/engine/config"
	"github.com/spaghettifunk/helios/engine/renderer/descriptors"
	"github.com/spaghettifunk/helios/engine/renderer/gpu"
	"github.com/spaghettifunk/helios/engine/renderer/pacer"
	"github.com/spaghettifunk/helios/engine/renderer/registry"
)

// State tracks a feature through its lifecycle. Calling an operation
// out of order is a programming error the pipeline reports loudly
type State uint8

const (
	STATE_UNINITIALIZED State = iota
	STATE_INITIALIZED
	STATE_PREPARED
	STATE_RECORDED
)

func (s State) String() string {
	switch s {
	case STATE_INITIALIZED:
		return "initialized"
	case STATE_PREPARED:
		return "prepared"
	case STATE_RECORDED:
		return "recorded"
	default:
		return "uninitialized"
	}
}

// SetupContext is handed to features at pipeline initialization and
// again on resize, with the frame number of the moment it applies
type SetupContext struct {
	Device      gpu.Device
	Registry    *registry.Registry
	Bindless    *descriptors.Manager
	Attachments AttachmentSource
	Extent      gpu.Extent
	Config      *config.Config
	FrameNumber uint64
}

// AttachmentSource resolves render targets owned by other features.
// Features initialize in dependency order, so a producer's attachments
// are resolvable by the time its consumers initialize
type AttachmentSource interface {
	Attachment(name string) (*Attachment, error)
}

// AttachmentProvider is implemented by features that own render
// targets other features consume. The pipeline registers them for
// layout tracking after Initialize and again after Resize
type AttachmentProvider interface {
	Attachments() []*Attachment
}

// FrameContext carries everything a feature needs for one frame. It is
// threaded explicitly through prepare and record; features hold no
// frame state of their own between frames
type FrameContext struct {
	Slot        *pacer.FrameSlot
	FrameNumber uint64
	Extent      gpu.Extent
	DeltaTime   float64
	Registry    *registry.Registry
	Bindless    *descriptors.Manager
	DrawList    []DrawCommand
	PostProcess config.PostProcess
}

// AttachmentAccess declares how a feature touches a named attachment
// and which layout it needs it in
type AttachmentAccess struct {
	Name   string
	Layout gpu.ImageLayout
}

// RenderFeature is one pass (or pass group) in the frame. Features
// declare dependencies by name; the pipeline orders them and inserts
// the layout transitions between producers and consumers
type RenderFeature interface {
	Name() string
	// Dependencies names features that must record before this one
	Dependencies() []string
	// Reads and Writes declare attachment access for barrier insertion
	Reads() []AttachmentAccess
	Writes() []AttachmentAccess

	Initialize(ctx *SetupContext) error
	PrepareFrame(ctx *FrameContext) error
	Record(ctx *FrameContext, cmd gpu.CommandBuffer) error
	Destroy() error
}

// Resizer is implemented by features whose render targets track the
// surface extent
type Resizer interface {
	Resize(ctx *SetupContext) error
}

// Attachment is a render target whose layout the pipeline tracks
// across the frame. CurrentLayout always reflects the last transition
// recorded, so redundant barriers are skipped
type Attachment struct {
	Name          string
	Handle        registry.Handle
	Texture       gpu.Texture
	CurrentLayout gpu.ImageLayout
}

// TransitionTo records a layout barrier if the attachment is not
// already in the wanted layout
func (a *Attachment) TransitionTo(cmd gpu.CommandBuffer, layout gpu.ImageLayout) {
	if a.CurrentLayout == layout {
		return
	}
	cmd.TransitionImage(a.Texture, a.CurrentLayout, layout)
	a.CurrentLayout = layout
}

// MaterialParams is the per-draw material block. Texture channels are
// bindless table indices; descriptors.SlotInvalid marks an unused
// channel
type MaterialParams struct {
	BaseColor [4]float32
	Metallic  float32
	Roughness float32
	Emissive  float32

	AlbedoSlot    uint32
	NormalSlot    uint32
	MetallicSlot  uint32
	RoughnessSlot uint32
	EmissiveSlot  uint32
}

// DrawCommand is one mesh draw the world pass records. Vertex and
// index data arrive as opaque registry handles; the frame engine never
// inspects their contents
type DrawCommand struct {
	VertexBuffer registry.Handle
	IndexBuffer  registry.Handle
	IndexCount   uint32
	Transform    [16]float32
	Material     MaterialParams
	CastsShadow  bool
}
