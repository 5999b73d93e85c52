package vulkan

import (
	"encoding/binary"
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/helios/engine/core"
	"github.com/spaghettifunk/helios/engine/shaders"
)

type VulkanPipeline struct {
	Handle         vk.Pipeline
	PipelineLayout vk.PipelineLayout
}

// PipelineConfig carries the per-pass state that differs between the
// shadow, world and post-process pipelines.
type PipelineConfig struct {
	RenderPass           vk.RenderPass
	Vertex               *shaders.Module
	Fragment             *shaders.Module
	VertexStride         uint32
	Attributes           []vk.VertexInputAttributeDescription
	ColorAttachmentCount int
	DepthTest            bool
	DepthWrite           bool
	CullBackFaces        bool
	// AdditiveBlend sums fragment output into the existing attachment
	// contents, for passes that accumulate over what is already there
	AdditiveBlend    bool
	PushConstantSize uint32
}

// PipelineLibrary owns every graphics pipeline the render features bind
// by name. The bindless set layout is shared across all of them.
type PipelineLibrary struct {
	context   *VulkanContext
	setLayout vk.DescriptorSetLayout
	pipelines map[string]*VulkanPipeline
}

func NewPipelineLibrary(context *VulkanContext, setLayout vk.DescriptorSetLayout) *PipelineLibrary {
	return &PipelineLibrary{
		context:   context,
		setLayout: setLayout,
		pipelines: make(map[string]*VulkanPipeline),
	}
}

func (pl *PipelineLibrary) Get(name string) (*VulkanPipeline, bool) {
	pipeline, ok := pl.pipelines[name]
	return pipeline, ok
}

func (pl *PipelineLibrary) Create(name string, config *PipelineConfig) (*VulkanPipeline, error) {
	if _, exists := pl.pipelines[name]; exists {
		return nil, fmt.Errorf("pipeline %q already exists: %w", name, core.ErrConfiguration)
	}

	vertModule, err := pl.createShaderModule(config.Vertex)
	if err != nil {
		return nil, err
	}
	defer vk.DestroyShaderModule(pl.context.Device.LogicalDevice, vertModule, pl.context.Allocator)

	fragModule, err := pl.createShaderModule(config.Fragment)
	if err != nil {
		return nil, err
	}
	defer vk.DestroyShaderModule(pl.context.Device.LogicalDevice, fragModule, pl.context.Allocator)

	stages := []vk.PipelineShaderStageCreateInfo{
		{
			SType:  vk.StructureTypePipelineShaderStageCreateInfo,
			Stage:  vk.ShaderStageVertexBit,
			Module: vertModule,
			PName:  VulkanSafeString("main"),
		},
		{
			SType:  vk.StructureTypePipelineShaderStageCreateInfo,
			Stage:  vk.ShaderStageFragmentBit,
			Module: fragModule,
			PName:  VulkanSafeString("main"),
		},
	}

	viewportState := vk.PipelineViewportStateCreateInfo{
		SType:         vk.StructureTypePipelineViewportStateCreateInfo,
		ViewportCount: 1,
		PViewports:    []vk.Viewport{{Width: float32(pl.context.FramebufferWidth), Height: float32(pl.context.FramebufferHeight), MaxDepth: 1.0}},
		ScissorCount:  1,
		PScissors:     []vk.Rect2D{{Extent: vk.Extent2D{Width: pl.context.FramebufferWidth, Height: pl.context.FramebufferHeight}}},
	}

	rasterizerCreateInfo := vk.PipelineRasterizationStateCreateInfo{
		SType:       vk.StructureTypePipelineRasterizationStateCreateInfo,
		PolygonMode: vk.PolygonModeFill,
		LineWidth:   1.0,
		FrontFace:   vk.FrontFaceCounterClockwise,
		CullMode:    vk.CullModeFlags(vk.CullModeNone),
	}
	if config.CullBackFaces {
		rasterizerCreateInfo.CullMode = vk.CullModeFlags(vk.CullModeBackBit)
	}

	multisamplingCreateInfo := vk.PipelineMultisampleStateCreateInfo{
		SType:                vk.StructureTypePipelineMultisampleStateCreateInfo,
		RasterizationSamples: vk.SampleCount1Bit,
		MinSampleShading:     1.0,
	}

	depthStencil := vk.PipelineDepthStencilStateCreateInfo{
		SType: vk.StructureTypePipelineDepthStencilStateCreateInfo,
	}
	if config.DepthTest {
		depthStencil.DepthTestEnable = vk.True
		depthStencil.DepthCompareOp = vk.CompareOpLess
	}
	if config.DepthWrite {
		depthStencil.DepthWriteEnable = vk.True
	}

	colorBlendAttachments := make([]vk.PipelineColorBlendAttachmentState, config.ColorAttachmentCount)
	for i := range colorBlendAttachments {
		colorBlendAttachments[i] = vk.PipelineColorBlendAttachmentState{
			ColorWriteMask: vk.ColorComponentFlags(vk.ColorComponentRBit) | vk.ColorComponentFlags(vk.ColorComponentGBit) |
				vk.ColorComponentFlags(vk.ColorComponentBBit) | vk.ColorComponentFlags(vk.ColorComponentABit),
		}
		if config.AdditiveBlend {
			colorBlendAttachments[i].BlendEnable = vk.True
			colorBlendAttachments[i].SrcColorBlendFactor = vk.BlendFactorOne
			colorBlendAttachments[i].DstColorBlendFactor = vk.BlendFactorOne
			colorBlendAttachments[i].ColorBlendOp = vk.BlendOpAdd
			colorBlendAttachments[i].SrcAlphaBlendFactor = vk.BlendFactorOne
			colorBlendAttachments[i].DstAlphaBlendFactor = vk.BlendFactorZero
			colorBlendAttachments[i].AlphaBlendOp = vk.BlendOpAdd
		}
	}
	colorBlendStateCreateInfo := vk.PipelineColorBlendStateCreateInfo{
		SType:           vk.StructureTypePipelineColorBlendStateCreateInfo,
		LogicOp:         vk.LogicOpCopy,
		AttachmentCount: uint32(len(colorBlendAttachments)),
		PAttachments:    colorBlendAttachments,
	}

	dynamicStates := []vk.DynamicState{
		vk.DynamicStateViewport,
		vk.DynamicStateScissor,
	}
	dynamicStateCreateInfo := vk.PipelineDynamicStateCreateInfo{
		SType:             vk.StructureTypePipelineDynamicStateCreateInfo,
		DynamicStateCount: uint32(len(dynamicStates)),
		PDynamicStates:    dynamicStates,
	}

	vertexInputInfo := vk.PipelineVertexInputStateCreateInfo{
		SType: vk.StructureTypePipelineVertexInputStateCreateInfo,
	}
	if config.VertexStride > 0 {
		vertexInputInfo.VertexBindingDescriptionCount = 1
		vertexInputInfo.PVertexBindingDescriptions = []vk.VertexInputBindingDescription{{
			Binding:   0,
			Stride:    config.VertexStride,
			InputRate: vk.VertexInputRateVertex,
		}}
		vertexInputInfo.VertexAttributeDescriptionCount = uint32(len(config.Attributes))
		vertexInputInfo.PVertexAttributeDescriptions = config.Attributes
	}

	inputAssembly := vk.PipelineInputAssemblyStateCreateInfo{
		SType:    vk.StructureTypePipelineInputAssemblyStateCreateInfo,
		Topology: vk.PrimitiveTopologyTriangleList,
	}

	pipelineLayoutCreateInfo := vk.PipelineLayoutCreateInfo{
		SType:          vk.StructureTypePipelineLayoutCreateInfo,
		SetLayoutCount: 1,
		PSetLayouts:    []vk.DescriptorSetLayout{pl.setLayout},
	}
	if config.PushConstantSize > 0 {
		pipelineLayoutCreateInfo.PushConstantRangeCount = 1
		pipelineLayoutCreateInfo.PPushConstantRanges = []vk.PushConstantRange{{
			StageFlags: vk.ShaderStageFlags(vk.ShaderStageVertexBit) | vk.ShaderStageFlags(vk.ShaderStageFragmentBit),
			Offset:     0,
			Size:       config.PushConstantSize,
		}}
	}

	outPipeline := &VulkanPipeline{}
	var pPipelineLayout vk.PipelineLayout
	if res := vk.CreatePipelineLayout(pl.context.Device.LogicalDevice, &pipelineLayoutCreateInfo, pl.context.Allocator, &pPipelineLayout); res != vk.Success {
		return nil, fmt.Errorf("vkCreatePipelineLayout failed for %q with %s", name, VulkanResultString(res))
	}
	outPipeline.PipelineLayout = pPipelineLayout

	pipelineCreateInfo := vk.GraphicsPipelineCreateInfo{
		SType:               vk.StructureTypeGraphicsPipelineCreateInfo,
		StageCount:          uint32(len(stages)),
		PStages:             stages,
		PVertexInputState:   &vertexInputInfo,
		PInputAssemblyState: &inputAssembly,
		PViewportState:      &viewportState,
		PRasterizationState: &rasterizerCreateInfo,
		PMultisampleState:   &multisamplingCreateInfo,
		PDepthStencilState:  &depthStencil,
		PColorBlendState:    &colorBlendStateCreateInfo,
		PDynamicState:       &dynamicStateCreateInfo,
		Layout:              outPipeline.PipelineLayout,
		RenderPass:          config.RenderPass,
		Subpass:             0,
		BasePipelineHandle:  vk.NullPipeline,
		BasePipelineIndex:   -1,
	}

	pPipelines := make([]vk.Pipeline, 1)
	if res := vk.CreateGraphicsPipelines(
		pl.context.Device.LogicalDevice,
		vk.NullPipelineCache,
		1,
		[]vk.GraphicsPipelineCreateInfo{pipelineCreateInfo},
		pl.context.Allocator,
		pPipelines); res != vk.Success {
		vk.DestroyPipelineLayout(pl.context.Device.LogicalDevice, outPipeline.PipelineLayout, pl.context.Allocator)
		return nil, fmt.Errorf("vkCreateGraphicsPipelines failed for %q with %s", name, VulkanResultString(res))
	}
	outPipeline.Handle = pPipelines[0]

	pl.pipelines[name] = outPipeline
	core.LogDebug("Graphics pipeline '%s' created.", name)
	return outPipeline, nil
}

func (pl *PipelineLibrary) Destroy() {
	for name, pipeline := range pl.pipelines {
		if pipeline.Handle != nil {
			vk.DestroyPipeline(pl.context.Device.LogicalDevice, pipeline.Handle, pl.context.Allocator)
			pipeline.Handle = nil
		}
		if pipeline.PipelineLayout != nil {
			vk.DestroyPipelineLayout(pl.context.Device.LogicalDevice, pipeline.PipelineLayout, pl.context.Allocator)
			pipeline.PipelineLayout = nil
		}
		delete(pl.pipelines, name)
	}
}

func (pl *PipelineLibrary) createShaderModule(module *shaders.Module) (vk.ShaderModule, error) {
	if module == nil {
		return nil, fmt.Errorf("shader module is nil: %w", core.ErrConfiguration)
	}
	createInfo := vk.ShaderModuleCreateInfo{
		SType:    vk.StructureTypeShaderModuleCreateInfo,
		CodeSize: uint(len(module.Code)),
		PCode:    sliceUint32(module.Code),
	}
	var shaderModule vk.ShaderModule
	if res := vk.CreateShaderModule(pl.context.Device.LogicalDevice, &createInfo, pl.context.Allocator, &shaderModule); res != vk.Success {
		return nil, fmt.Errorf("failed to create shader module %q: %s", module.Name, VulkanResultString(res))
	}
	return shaderModule, nil
}

func sliceUint32(data []byte) []uint32 {
	words := make([]uint32, len(data)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(data[i*4:])
	}
	return words
}
