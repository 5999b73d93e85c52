package gpu

// Extent describes the pixel dimensions of an image or surface
type Extent struct {
	Width  uint32
	Height uint32
}

func (e Extent) IsZero() bool {
	return e.Width == 0 || e.Height == 0
}

// Format is the subset of pixel formats the renderer actually allocates
type Format uint8

const (
	FormatUndefined Format = iota
	FormatB8G8R8A8Unorm
	FormatR8G8B8A8Unorm
	FormatR16G16B16A16Float
	FormatR11G11B10Float
	FormatD32Float
)

func (f Format) String() string {
	switch f {
	case FormatB8G8R8A8Unorm:
		return "B8G8R8A8_UNORM"
	case FormatR8G8B8A8Unorm:
		return "R8G8B8A8_UNORM"
	case FormatR16G16B16A16Float:
		return "R16G16B16A16_SFLOAT"
	case FormatR11G11B10Float:
		return "R11G11B10_UFLOAT"
	case FormatD32Float:
		return "D32_SFLOAT"
	default:
		return "UNDEFINED"
	}
}

// IsDepth reports whether the format is a depth format
func (f Format) IsDepth() bool {
	return f == FormatD32Float
}

// ImageLayout mirrors the layouts the frame graph transitions between
type ImageLayout uint8

const (
	LayoutUndefined ImageLayout = iota
	LayoutGeneral
	LayoutColorAttachment
	LayoutDepthAttachment
	LayoutShaderReadOnly
	LayoutTransferSrc
	LayoutTransferDst
	LayoutPresentSrc
)

func (l ImageLayout) String() string {
	switch l {
	case LayoutGeneral:
		return "GENERAL"
	case LayoutColorAttachment:
		return "COLOR_ATTACHMENT"
	case LayoutDepthAttachment:
		return "DEPTH_ATTACHMENT"
	case LayoutShaderReadOnly:
		return "SHADER_READ_ONLY"
	case LayoutTransferSrc:
		return "TRANSFER_SRC"
	case LayoutTransferDst:
		return "TRANSFER_DST"
	case LayoutPresentSrc:
		return "PRESENT_SRC"
	default:
		return "UNDEFINED"
	}
}

// TextureUsage is a bitmask of the ways a texture may be bound
type TextureUsage uint8

const (
	TextureUsageSampled TextureUsage = 1 << iota
	TextureUsageColorAttachment
	TextureUsageDepthAttachment
	TextureUsageStorage
	TextureUsageTransferSrc
	TextureUsageTransferDst
)

// TextureDesc describes a texture allocation request
type TextureDesc struct {
	Name      string
	Format    Format
	Extent    Extent
	Usage     TextureUsage
	MipLevels uint32
}

// BufferUsage is a bitmask of the ways a buffer may be bound
type BufferUsage uint8

const (
	BufferUsageVertex BufferUsage = 1 << iota
	BufferUsageIndex
	BufferUsageUniform
	BufferUsageStorage
)

// BufferDesc describes a buffer allocation request
type BufferDesc struct {
	Name  string
	Size  uint64
	Usage BufferUsage
}

// ResourceKind discriminates registry entries without type switching
type ResourceKind uint8

const (
	ResourceKindTexture ResourceKind = iota
	ResourceKindBuffer
)

func (k ResourceKind) String() string {
	switch k {
	case ResourceKindTexture:
		return "texture"
	case ResourceKindBuffer:
		return "buffer"
	}
	return "unknown"
}
