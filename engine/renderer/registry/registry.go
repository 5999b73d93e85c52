package registry

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/spaghettifunk/helios/engine/containers"
	"github.com/spaghettifunk/helios/engine/core"
	"github.com/spaghettifunk/helios/engine/renderer/gpu"
)

// Handle identifies a live resource. Handles are monotonic and never
// reused, so a stale handle fails loudly instead of aliasing a newer
// resource
type Handle uint64

// HandleInvalid is the zero handle; no resource ever carries it
const HandleInvalid Handle = 0

type entry struct {
	resource gpu.Resource
	name     string
	uid      uuid.UUID
}

type retirement struct {
	handle        Handle
	resource      gpu.Resource
	name          string
	uid           uuid.UUID
	retireAtFrame uint64
}

// Registry owns every GPU resource lifetime. Releasing a resource does
// not destroy it: the entry moves to a retirement queue tagged with the
// frame that may still reference it, and is only destroyed once that
// frame's fence has signalled.
//
// All methods must be called from the render thread; the registry is
// deliberately unsynchronized
type Registry struct {
	nextID    uint64
	live      map[Handle]*entry
	retired   *containers.RingQueue[retirement]
	destroyed uint64
}

// New creates a registry whose retirement queue holds at most
// pendingCapacity entries. Overflow surfaces as resource exhaustion
func New(pendingCapacity int) *Registry {
	return &Registry{
		nextID:  1,
		live:    make(map[Handle]*entry),
		retired: containers.NewRingQueue[retirement](pendingCapacity),
	}
}

// Register takes ownership of res and returns its handle
func (r *Registry) Register(name string, res gpu.Resource) (Handle, error) {
	if res == nil {
		return HandleInvalid, fmt.Errorf("registering nil resource %q: %w", name, core.ErrInvalidHandle)
	}
	h := Handle(r.nextID)
	r.nextID++
	e := &entry{
		resource: res,
		name:     name,
		uid:      uuid.New(),
	}
	r.live[h] = e
	core.LogDebug("registry: registered %s %q as handle %d (uid %s)", res.Kind(), name, h, e.uid)
	return h, nil
}

// Get resolves a handle to its resource. Released handles fail
func (r *Registry) Get(h Handle) (gpu.Resource, error) {
	e, ok := r.live[h]
	if !ok {
		return nil, fmt.Errorf("handle %d: %w", h, core.ErrInvalidHandle)
	}
	return e.resource, nil
}

// Texture resolves a handle that must refer to a texture
func (r *Registry) Texture(h Handle) (gpu.Texture, error) {
	e, ok := r.live[h]
	if !ok {
		return nil, fmt.Errorf("handle %d: %w", h, core.ErrInvalidHandle)
	}
	tex, ok := e.resource.(gpu.Texture)
	if !ok {
		return nil, fmt.Errorf("handle %d (%q, uid %s) is a %s, not a texture: %w", h, e.name, e.uid, e.resource.Kind(), core.ErrInvalidHandle)
	}
	return tex, nil
}

// Buffer resolves a handle that must refer to a buffer
func (r *Registry) Buffer(h Handle) (gpu.Buffer, error) {
	e, ok := r.live[h]
	if !ok {
		return nil, fmt.Errorf("handle %d: %w", h, core.ErrInvalidHandle)
	}
	buf, ok := e.resource.(gpu.Buffer)
	if !ok {
		return nil, fmt.Errorf("handle %d (%q, uid %s) is a %s, not a buffer: %w", h, e.name, e.uid, e.resource.Kind(), core.ErrInvalidHandle)
	}
	return buf, nil
}

// Release retires the resource behind h. currentFrame tags the entry:
// the GPU may reference the resource until that frame's fence signals,
// so destruction waits for it. The handle is invalid from this point
func (r *Registry) Release(h Handle, currentFrame uint64) error {
	e, ok := r.live[h]
	if !ok {
		return fmt.Errorf("releasing handle %d: %w", h, core.ErrInvalidHandle)
	}
	ret := retirement{
		handle:        h,
		resource:      e.resource,
		name:          e.name,
		uid:           e.uid,
		retireAtFrame: currentFrame,
	}
	if err := r.retired.Enqueue(ret); err != nil {
		return fmt.Errorf("retirement queue full releasing %q (uid %s): %w", e.name, e.uid, core.ErrResourceExhausted)
	}
	delete(r.live, h)
	core.LogDebug("registry: retired %q (handle %d, uid %s) at frame %d", e.name, h, e.uid, currentFrame)
	return nil
}

// Reclaim destroys retired resources whose tagged frame has completed.
// frameComplete reports whether the given frame's fence has signalled.
// Entries retire in FIFO order, so the walk stops at the first entry
// still in flight
func (r *Registry) Reclaim(frameComplete func(frame uint64) bool) (int, error) {
	freed := 0
	for {
		ret, err := r.retired.Peek()
		if err != nil {
			break
		}
		if !frameComplete(ret.retireAtFrame) {
			break
		}
		if _, err := r.retired.Dequeue(); err != nil {
			return freed, err
		}
		if err := ret.resource.Destroy(); err != nil {
			return freed, fmt.Errorf("destroying %q (uid %s): %w", ret.name, ret.uid, err)
		}
		r.destroyed++
		freed++
	}
	return freed, nil
}

// LiveCount reports resources still resolvable through handles
func (r *Registry) LiveCount() int { return len(r.live) }

// PendingCount reports retired resources awaiting their fence
func (r *Registry) PendingCount() int { return r.retired.Len() }

// Shutdown releases and destroys everything. The caller must have
// drained the device first
func (r *Registry) Shutdown() error {
	for {
		ret, err := r.retired.Dequeue()
		if err != nil {
			break
		}
		if err := ret.resource.Destroy(); err != nil {
			return fmt.Errorf("destroying retired %q: %w", ret.name, err)
		}
	}
	for h, e := range r.live {
		if err := e.resource.Destroy(); err != nil {
			return fmt.Errorf("destroying live %q: %w", e.name, err)
		}
		delete(r.live, h)
	}
	return nil
}
