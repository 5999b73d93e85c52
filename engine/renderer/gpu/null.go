package gpu

import (
	"fmt"
	"sync"
	"time"

	"github.com/spaghettifunk/helios/engine/core"
)

// ExecutionLog records device operations in submission order. Headless
// runs use it for tracing; tests assert ordering against it
type ExecutionLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *ExecutionLog) append(format string, args ...any) {
	l.mu.Lock()
	l.entries = append(l.entries, fmt.Sprintf(format, args...))
	l.mu.Unlock()
}

// Entries returns a copy of everything logged so far
func (l *ExecutionLog) Entries() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.entries))
	copy(out, l.entries)
	return out
}

// IndexOf returns the position of the first entry equal to s, or -1
func (l *ExecutionLog) IndexOf(s string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.entries {
		if e == s {
			return i
		}
	}
	return -1
}

// NullDevice satisfies Device without touching a GPU. It backs headless
// mode, where frames execute instantly, and tests, where fences are
// signalled by hand through ManualFences
type NullDevice struct {
	// ManualFences disables automatic fence signalling on submit so a
	// test controls exactly when each frame "completes"
	ManualFences bool
	Log          *ExecutionLog

	table     *nullResourceTable
	queue     *nullQueue
	swapchain *NullSwapchain
	fenceSeq  int
}

// NullDeviceOption configures a NullDevice at construction
type NullDeviceOption func(*NullDevice)

// WithManualFences leaves submitted fences unsignalled until the test
// calls Signal on them
func WithManualFences() NullDeviceOption {
	return func(d *NullDevice) { d.ManualFences = true }
}

// WithPresentation attaches a NullSwapchain so swapchain paths run
// even without a surface
func WithPresentation(extent Extent, imageCount uint32) NullDeviceOption {
	return func(d *NullDevice) {
		d.swapchain = &NullSwapchain{
			log:        d.Log,
			extent:     extent,
			imageCount: imageCount,
		}
	}
}

func NewNullDevice(tableCapacity uint32, opts ...NullDeviceOption) *NullDevice {
	d := &NullDevice{
		Log:   &ExecutionLog{},
		table: &nullResourceTable{capacity: tableCapacity},
	}
	d.queue = &nullQueue{device: d}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *NullDevice) CreateTexture(desc TextureDesc) (Texture, error) {
	if desc.Extent.IsZero() {
		return nil, fmt.Errorf("texture %q has zero extent: %w", desc.Name, core.ErrConfiguration)
	}
	return &nullTexture{log: d.Log, desc: desc}, nil
}

func (d *NullDevice) CreateBuffer(desc BufferDesc) (Buffer, error) {
	return &nullBuffer{log: d.Log, desc: desc}, nil
}

func (d *NullDevice) CreateFence(signaled bool) (Fence, error) {
	f := NewManualFence(signaled)
	f.id = d.fenceSeq
	f.log = d.Log
	d.fenceSeq++
	return f, nil
}

func (d *NullDevice) CreateSemaphore() (Semaphore, error) {
	return nullSemaphore{}, nil
}

func (d *NullDevice) CreateCommandBuffer(primary bool) (CommandBuffer, error) {
	return &NullCommandBuffer{log: d.Log, primary: primary}, nil
}

func (d *NullDevice) GraphicsQueue() Queue { return d.queue }

func (d *NullDevice) Swapchain() Swapchain {
	if d.swapchain == nil {
		return nil
	}
	return d.swapchain
}

func (d *NullDevice) ResourceTable() ResourceTable { return d.table }

func (d *NullDevice) WaitIdle() error {
	d.Log.append("device.wait_idle")
	return nil
}

func (d *NullDevice) Destroy() error {
	d.Log.append("device.destroy")
	return nil
}

// ManualFence is a fence whose signal the caller controls. Submitting
// through a NullDevice with automatic fences signals it immediately
type ManualFence struct {
	mu       sync.Mutex
	cond     *sync.Cond
	signaled bool
	id       int
	log      *ExecutionLog
}

func NewManualFence(signaled bool) *ManualFence {
	f := &ManualFence{signaled: signaled}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Signal marks the fence signalled, releasing any waiter
func (f *ManualFence) Signal() {
	f.mu.Lock()
	f.signaled = true
	f.mu.Unlock()
	f.cond.Broadcast()
}

func (f *ManualFence) Wait(timeout time.Duration) error {
	if f.log != nil {
		f.log.append("fence[%d].wait", f.id)
	}
	deadline := time.Now().Add(timeout)
	f.mu.Lock()
	defer f.mu.Unlock()
	for !f.signaled {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrTimeout
		}
		// cond has no timed wait; poke the waiter when time is up
		timer := time.AfterFunc(remaining, f.cond.Broadcast)
		f.cond.Wait()
		timer.Stop()
	}
	return nil
}

func (f *ManualFence) Reset() error {
	f.mu.Lock()
	f.signaled = false
	f.mu.Unlock()
	return nil
}

func (f *ManualFence) Signaled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signaled
}

func (f *ManualFence) Destroy() {}

type nullSemaphore struct{}

func (nullSemaphore) Destroy() {}

type nullTexture struct {
	log       *ExecutionLog
	desc      TextureDesc
	destroyed bool
}

func (t *nullTexture) Kind() ResourceKind { return ResourceKindTexture }
func (t *nullTexture) Format() Format { return t.desc.Format }
func (t *nullTexture) Extent() Extent { return t.desc.Extent }
func (t *nullTexture) MipLevels() uint32 { return t.desc.MipLevels }

func (t *nullTexture) Destroy() error {
	if t.destroyed {
		return fmt.Errorf("texture %q destroyed twice", t.desc.Name)
	}
	t.destroyed = true
	t.log.append("texture[%s].destroy", t.desc.Name)
	return nil
}

type nullBuffer struct {
	log       *ExecutionLog
	desc      BufferDesc
	destroyed bool
}

func (b *nullBuffer) Kind() ResourceKind { return ResourceKindBuffer }
func (b *nullBuffer) Size() uint64 { return b.desc.Size }

func (b *nullBuffer) Destroy() error {
	if b.destroyed {
		return fmt.Errorf("buffer %q destroyed twice", b.desc.Name)
	}
	b.destroyed = true
	b.log.append("buffer[%s].destroy", b.desc.Name)
	return nil
}

type nullResourceTable struct {
	mu       sync.Mutex
	capacity uint32
	writes   map[uint32]Texture
}

func (t *nullResourceTable) Capacity() uint32 { return t.capacity }

func (t *nullResourceTable) Write(index uint32, tex Texture) error {
	if index >= t.capacity {
		return fmt.Errorf("resource table index %d out of range: %w", index, core.ErrResourceExhausted)
	}
	t.mu.Lock()
	if t.writes == nil {
		t.writes = make(map[uint32]Texture)
	}
	t.writes[index] = tex
	t.mu.Unlock()
	return nil
}

// NullCommandBuffer collects recorded ops as strings so tests can
// assert what a feature actually recorded
type NullCommandBuffer struct {
	log     *ExecutionLog
	primary bool
	state   int // 0 initial, 1 recording, 2 executable
	ops     []string
}

func (c *NullCommandBuffer) Ops() []string { return c.ops }

func (c *NullCommandBuffer) Reset() error {
	c.ops = c.ops[:0]
	c.state = 0
	return nil
}

func (c *NullCommandBuffer) Begin() error {
	if c.state == 1 {
		return fmt.Errorf("command buffer already recording")
	}
	c.ops = c.ops[:0]
	c.state = 1
	return nil
}

func (c *NullCommandBuffer) End() error {
	if c.state != 1 {
		return fmt.Errorf("command buffer not recording")
	}
	c.state = 2
	return nil
}

func (c *NullCommandBuffer) record(format string, args ...any) {
	c.ops = append(c.ops, fmt.Sprintf(format, args...))
}

func (c *NullCommandBuffer) TransitionImage(tex Texture, oldLayout, newLayout ImageLayout) {
	name := "?"
	if nt, ok := tex.(*nullTexture); ok {
		name = nt.desc.Name
	}
	c.record("barrier %s %s->%s", name, oldLayout, newLayout)
}

func (c *NullCommandBuffer) BeginRenderPass(name string, colors []Texture, depth Texture) {
	c.record("begin_pass %s", name)
}

func (c *NullCommandBuffer) EndRenderPass() {
	c.record("end_pass")
}

func (c *NullCommandBuffer) BindPipeline(name string) {
	c.record("bind_pipeline %s", name)
}

func (c *NullCommandBuffer) BindResourceTable() {
	c.record("bind_resource_table")
}

func (c *NullCommandBuffer) BindVertexBuffer(buf Buffer) {
	c.record("bind_vertex_buffer")
}

func (c *NullCommandBuffer) BindIndexBuffer(buf Buffer) {
	c.record("bind_index_buffer")
}

func (c *NullCommandBuffer) PushConstants(data []byte) {
	c.record("push_constants %d", len(data))
}

func (c *NullCommandBuffer) Draw(vertexCount, instanceCount uint32) {
	c.record("draw %d %d", vertexCount, instanceCount)
}

func (c *NullCommandBuffer) DrawIndexed(indexCount, instanceCount uint32) {
	c.record("draw_indexed %d %d", indexCount, instanceCount)
}

func (c *NullCommandBuffer) ExecuteCommands(secondary []CommandBuffer) {
	for _, s := range secondary {
		if ns, ok := s.(*NullCommandBuffer); ok {
			c.ops = append(c.ops, ns.ops...)
		}
	}
}

type nullQueue struct {
	device *NullDevice
}

func (q *nullQueue) Submit(cmd CommandBuffer, wait, signal Semaphore, fence Fence) error {
	q.device.Log.append("queue.submit")
	if nc, ok := cmd.(*NullCommandBuffer); ok {
		for _, op := range nc.ops {
			q.device.Log.append("  " + op)
		}
	}
	if fence != nil && !q.device.ManualFences {
		if mf, ok := fence.(*ManualFence); ok {
			mf.Signal()
			q.device.Log.append("fence[%d].signal", mf.id)
		}
	}
	return nil
}

func (q *nullQueue) WaitIdle() error {
	q.device.Log.append("queue.wait_idle")
	return nil
}

// NullSwapchain simulates presentation. Tests script out-of-date
// results through FailAcquires and FailPresents
type NullSwapchain struct {
	log        *ExecutionLog
	extent     Extent
	imageCount uint32
	next       uint32

	// FailAcquires makes the next n acquires report out-of-date
	FailAcquires int
	// FailPresents makes the next n presents report out-of-date
	FailPresents int
	Recreations  int
}

func (s *NullSwapchain) AcquireNextImage(timeout time.Duration, signal Semaphore) (uint32, bool, error) {
	if s.FailAcquires > 0 {
		s.FailAcquires--
		return 0, true, nil
	}
	idx := s.next
	s.next = (s.next + 1) % s.imageCount
	return idx, false, nil
}

func (s *NullSwapchain) Present(imageIndex uint32, wait Semaphore) (bool, error) {
	if s.FailPresents > 0 {
		s.FailPresents--
		return true, nil
	}
	s.log.append("present image=%d", imageIndex)
	return false, nil
}

func (s *NullSwapchain) Recreate(extent Extent) error {
	s.extent = extent
	s.next = 0
	s.Recreations++
	s.log.append("swapchain.recreate %dx%d", extent.Width, extent.Height)
	return nil
}

func (s *NullSwapchain) Extent() Extent { return s.extent }
func (s *NullSwapchain) ImageCount() uint32 { return s.imageCount }
func (s *NullSwapchain) ImageFormat() Format { return FormatB8G8R8A8Unorm }
