package gpu

import (
	"errors"
	"time"
)

// ErrTimeout is returned by Fence.Wait when the deadline expires before the
// fence signals. Callers decide whether a timeout means a lost device.
var ErrTimeout = errors.New("timed out waiting for fence")

// Resource is anything whose lifetime the registry manages
type Resource interface {
	Kind() ResourceKind
	Destroy() error
}

// Texture is an image resource the backend allocated
type Texture interface {
	Resource
	Format() Format
	Extent() Extent
	MipLevels() uint32
}

// Buffer is a linear memory resource the backend allocated
type Buffer interface {
	Resource
	Size() uint64
}

// Fence is a CPU-visible completion signal for submitted work
type Fence interface {
	// Wait blocks until the fence signals or the timeout expires,
	// returning ErrTimeout in the latter case
	Wait(timeout time.Duration) error
	Reset() error
	Signaled() bool
	Destroy()
}

// Semaphore orders work on the GPU timeline. The CPU never inspects it
type Semaphore interface {
	Destroy()
}

// CommandBuffer records work for one frame slot. Recording errors are
// deferred: ops never fail individually, End reports the first one
type CommandBuffer interface {
	Reset() error
	Begin() error
	End() error

	TransitionImage(tex Texture, oldLayout, newLayout ImageLayout)
	BeginRenderPass(name string, colors []Texture, depth Texture)
	EndRenderPass()
	BindPipeline(name string)
	BindResourceTable()
	BindVertexBuffer(buf Buffer)
	BindIndexBuffer(buf Buffer)
	PushConstants(data []byte)
	Draw(vertexCount, instanceCount uint32)
	DrawIndexed(indexCount, instanceCount uint32)

	// ExecuteCommands splices secondary buffers recorded off-thread
	// into this primary buffer
	ExecuteCommands(secondary []CommandBuffer)
}

// Queue accepts recorded command buffers for execution
type Queue interface {
	// Submit enqueues cmd, waiting on wait (may be nil), signalling
	// signal (may be nil) and fence when execution completes
	Submit(cmd CommandBuffer, wait, signal Semaphore, fence Fence) error
	WaitIdle() error
}

// Swapchain hands out presentable images. Absent in headless mode
type Swapchain interface {
	// AcquireNextImage returns the index of the next presentable image.
	// outOfDate means the surface no longer matches and the swapchain
	// must be recreated before rendering
	AcquireNextImage(timeout time.Duration, signal Semaphore) (imageIndex uint32, outOfDate bool, err error)
	// Present queues the image for display after wait signals
	Present(imageIndex uint32, wait Semaphore) (outOfDate bool, err error)
	Recreate(extent Extent) error
	Extent() Extent
	ImageCount() uint32
	ImageFormat() Format
}

// ResourceTable is the backend view of the bindless descriptor array:
// a fixed-capacity indexed table shaders address directly
type ResourceTable interface {
	Capacity() uint32
	Write(index uint32, tex Texture) error
}

// Device is the boundary between the frame engine and a graphics API.
// The Vulkan backend implements it for real hardware; NullDevice
// implements it for headless runs and tests
type Device interface {
	CreateTexture(desc TextureDesc) (Texture, error)
	CreateBuffer(desc BufferDesc) (Buffer, error)
	CreateFence(signaled bool) (Fence, error)
	CreateSemaphore() (Semaphore, error)
	CreateCommandBuffer(primary bool) (CommandBuffer, error)

	GraphicsQueue() Queue
	// Swapchain returns nil when running headless
	Swapchain() Swapchain
	ResourceTable() ResourceTable

	WaitIdle() error
	Destroy() error
}
