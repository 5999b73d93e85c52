package vulkan

import (
	"fmt"
	"unsafe"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/helios/engine/core"
	"github.com/spaghettifunk/helios/engine/renderer/gpu"
)

// BindlessTable is the device side of the global texture table: one
// descriptor set holding a fixed-capacity array of combined image
// samplers, allocated once and rewritten slot by slot. Update-after-bind
// lets slots change while the set stays bound in recorded frames.
type BindlessTable struct {
	Layout vk.DescriptorSetLayout
	Pool   vk.DescriptorPool
	Set    vk.DescriptorSet

	context  *VulkanContext
	capacity uint32
	sampler  vk.Sampler
}

func NewBindlessTable(context *VulkanContext, capacity uint32) (*BindlessTable, error) {
	table := &BindlessTable{context: context, capacity: capacity}

	samplerCreateInfo := vk.SamplerCreateInfo{
		SType:            vk.StructureTypeSamplerCreateInfo,
		MagFilter:        vk.FilterLinear,
		MinFilter:        vk.FilterLinear,
		MipmapMode:       vk.SamplerMipmapModeLinear,
		AddressModeU:     vk.SamplerAddressModeRepeat,
		AddressModeV:     vk.SamplerAddressModeRepeat,
		AddressModeW:     vk.SamplerAddressModeRepeat,
		AnisotropyEnable: vk.True,
		MaxAnisotropy:    16.0,
		MaxLod:           vk.LodClampNone,
	}
	var pSampler vk.Sampler
	if res := vk.CreateSampler(context.Device.LogicalDevice, &samplerCreateInfo, context.Allocator, &pSampler); res != vk.Success {
		return nil, fmt.Errorf("failed to create default sampler: %s", VulkanResultString(res))
	}
	table.sampler = pSampler

	bindingFlags := []vk.DescriptorBindingFlags{
		vk.DescriptorBindingFlags(vk.DescriptorBindingUpdateAfterBindBit) |
			vk.DescriptorBindingFlags(vk.DescriptorBindingUpdateUnusedWhilePendingBit) |
			vk.DescriptorBindingFlags(vk.DescriptorBindingPartiallyBoundBit) |
			vk.DescriptorBindingFlags(vk.DescriptorBindingVariableDescriptorCountBit),
	}
	bindingFlagsCreateInfo := vk.DescriptorSetLayoutBindingFlagsCreateInfo{
		SType:         vk.StructureTypeDescriptorSetLayoutBindingFlagsCreateInfo,
		BindingCount:  1,
		PBindingFlags: bindingFlags,
	}

	layoutCreateInfo := vk.DescriptorSetLayoutCreateInfo{
		SType:        vk.StructureTypeDescriptorSetLayoutCreateInfo,
		Flags:        vk.DescriptorSetLayoutCreateFlags(vk.DescriptorSetLayoutCreateUpdateAfterBindPoolBit),
		BindingCount: 1,
		PBindings: []vk.DescriptorSetLayoutBinding{{
			Binding:         0,
			DescriptorType:  vk.DescriptorTypeCombinedImageSampler,
			DescriptorCount: capacity,
			StageFlags:      vk.ShaderStageFlags(vk.ShaderStageVertexBit) | vk.ShaderStageFlags(vk.ShaderStageFragmentBit),
		}},
		PNext: unsafe.Pointer(&bindingFlagsCreateInfo),
	}
	var pLayout vk.DescriptorSetLayout
	if res := vk.CreateDescriptorSetLayout(context.Device.LogicalDevice, &layoutCreateInfo, context.Allocator, &pLayout); res != vk.Success {
		return nil, fmt.Errorf("failed to create bindless set layout: %s", VulkanResultString(res))
	}
	table.Layout = pLayout

	poolCreateInfo := vk.DescriptorPoolCreateInfo{
		SType:         vk.StructureTypeDescriptorPoolCreateInfo,
		Flags:         vk.DescriptorPoolCreateFlags(vk.DescriptorPoolCreateUpdateAfterBindBit),
		MaxSets:       1,
		PoolSizeCount: 1,
		PPoolSizes: []vk.DescriptorPoolSize{{
			Type:            vk.DescriptorTypeCombinedImageSampler,
			DescriptorCount: capacity,
		}},
	}
	var pPool vk.DescriptorPool
	if res := vk.CreateDescriptorPool(context.Device.LogicalDevice, &poolCreateInfo, context.Allocator, &pPool); res != vk.Success {
		return nil, fmt.Errorf("failed to create bindless descriptor pool: %s", VulkanResultString(res))
	}
	table.Pool = pPool

	variableCountAllocateInfo := vk.DescriptorSetVariableDescriptorCountAllocateInfo{
		SType:              vk.StructureTypeDescriptorSetVariableDescriptorCountAllocateInfo,
		DescriptorSetCount: 1,
		PDescriptorCounts:  []uint32{capacity},
	}
	allocateInfo := vk.DescriptorSetAllocateInfo{
		SType:              vk.StructureTypeDescriptorSetAllocateInfo,
		DescriptorPool:     table.Pool,
		DescriptorSetCount: 1,
		PSetLayouts:        []vk.DescriptorSetLayout{table.Layout},
		PNext:              unsafe.Pointer(&variableCountAllocateInfo),
	}
	var pSet vk.DescriptorSet
	if res := vk.AllocateDescriptorSets(context.Device.LogicalDevice, &allocateInfo, &pSet); res != vk.Success {
		return nil, fmt.Errorf("failed to allocate bindless descriptor set: %s", VulkanResultString(res))
	}
	table.Set = pSet

	core.LogInfo("Bindless texture table created with %d slots.", capacity)
	return table, nil
}

func (bt *BindlessTable) Capacity() uint32 {
	return bt.capacity
}

func (bt *BindlessTable) Write(index uint32, tex gpu.Texture) error {
	if index >= bt.capacity {
		return fmt.Errorf("bindless slot %d out of range (capacity %d): %w", index, bt.capacity, core.ErrInvalidHandle)
	}
	image, ok := tex.(*VulkanImage)
	if !ok {
		return fmt.Errorf("bindless table requires a vulkan image: %w", core.ErrInvalidHandle)
	}

	writeDescriptorSet := vk.WriteDescriptorSet{
		SType:           vk.StructureTypeWriteDescriptorSet,
		DstSet:          bt.Set,
		DstBinding:      0,
		DstArrayElement: index,
		DescriptorCount: 1,
		DescriptorType:  vk.DescriptorTypeCombinedImageSampler,
		PImageInfo: []vk.DescriptorImageInfo{{
			Sampler:     bt.sampler,
			ImageView:   image.View,
			ImageLayout: vk.ImageLayoutShaderReadOnlyOptimal,
		}},
	}
	vk.UpdateDescriptorSets(bt.context.Device.LogicalDevice, 1, []vk.WriteDescriptorSet{writeDescriptorSet}, 0, nil)
	return nil
}

func (bt *BindlessTable) Destroy() {
	device := bt.context.Device.LogicalDevice
	if bt.Pool != nil {
		vk.DestroyDescriptorPool(device, bt.Pool, bt.context.Allocator)
		bt.Pool = nil
		bt.Set = nil
	}
	if bt.Layout != nil {
		vk.DestroyDescriptorSetLayout(device, bt.Layout, bt.context.Allocator)
		bt.Layout = nil
	}
	if bt.sampler != nil {
		vk.DestroySampler(device, bt.sampler, bt.context.Allocator)
		bt.sampler = nil
	}
}
