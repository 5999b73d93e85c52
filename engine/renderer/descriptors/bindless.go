package descriptors

import (
	"fmt"

	"github.com/spaghettifunk/helios/engine/core"
	"github.com/spaghettifunk/helios/engine/renderer/gpu"
)

// SlotInvalid marks a material channel with no texture bound
const SlotInvalid uint32 = 0xFFFFFFFF

type slot struct {
	texture gpu.Texture
	live    bool
	// frame number of the last recorded frame that referenced this
	// slot; in-place updates are refused while that frame may still
	// be in flight
	lastRecorded uint64
	everRecorded bool
}

// Manager runs the bindless resource table: a fixed-capacity indexed
// array of textures that shaders address directly. Slot indices are
// stable for a texture's whole lifetime; freed indices are recycled
// through a free list.
//
// Render-thread only, like the rest of the frame engine
type Manager struct {
	table          gpu.ResourceTable
	slots          []slot
	freeList       []uint32
	highWater      uint32
	framesInFlight uint64
}

func NewManager(table gpu.ResourceTable, framesInFlight uint32) (*Manager, error) {
	if table == nil {
		return nil, fmt.Errorf("bindless manager needs a resource table: %w", core.ErrConfiguration)
	}
	if framesInFlight == 0 {
		return nil, fmt.Errorf("frames in flight must be positive: %w", core.ErrConfiguration)
	}
	return &Manager{
		table:          table,
		slots:          make([]slot, table.Capacity()),
		framesInFlight: uint64(framesInFlight),
	}, nil
}

// AllocateSlot binds tex to a free index and returns it. Recycled
// indices are preferred over extending the high-water mark
func (m *Manager) AllocateSlot(tex gpu.Texture) (uint32, error) {
	if tex == nil {
		return SlotInvalid, fmt.Errorf("allocating slot for nil texture: %w", core.ErrInvalidHandle)
	}
	var index uint32
	if n := len(m.freeList); n > 0 {
		index = m.freeList[n-1]
		m.freeList = m.freeList[:n-1]
	} else {
		if m.highWater >= uint32(len(m.slots)) {
			return SlotInvalid, fmt.Errorf("bindless table full (%d slots): %w", len(m.slots), core.ErrResourceExhausted)
		}
		index = m.highWater
		m.highWater++
	}
	if err := m.table.Write(index, tex); err != nil {
		m.freeList = append(m.freeList, index)
		return SlotInvalid, err
	}
	m.slots[index] = slot{texture: tex, live: true}
	return index, nil
}

// FreeSlot returns an index to the free list. The caller is responsible
// for retiring the texture itself through the registry
func (m *Manager) FreeSlot(index uint32) error {
	s, err := m.at(index)
	if err != nil {
		return err
	}
	*s = slot{}
	m.freeList = append(m.freeList, index)
	return nil
}

// Update rebinds a live slot in place. Refused while any in-flight
// frame may still sample the old binding; callers hit with the refusal
// should HotSwap instead
func (m *Manager) Update(index uint32, tex gpu.Texture, currentFrame uint64) error {
	s, err := m.at(index)
	if err != nil {
		return err
	}
	if s.everRecorded && currentFrame-s.lastRecorded < m.framesInFlight {
		return fmt.Errorf("slot %d referenced by frame %d, still in flight at frame %d: %w",
			index, s.lastRecorded, currentFrame, core.ErrResourceExhausted)
	}
	if err := m.table.Write(index, tex); err != nil {
		return err
	}
	s.texture = tex
	return nil
}

// HotSwap binds tex to a fresh index, leaving the old slot untouched
// for frames still in flight. Returns the new index; the caller frees
// the old index once its tagging frame retires
func (m *Manager) HotSwap(oldIndex uint32, tex gpu.Texture) (uint32, error) {
	if _, err := m.at(oldIndex); err != nil {
		return SlotInvalid, err
	}
	newIndex, err := m.AllocateSlot(tex)
	if err != nil {
		return SlotInvalid, err
	}
	core.LogDebug("bindless: hot-swapped slot %d -> %d", oldIndex, newIndex)
	return newIndex, nil
}

// MarkRecorded stamps index as referenced by the frame being recorded
func (m *Manager) MarkRecorded(index uint32, frame uint64) {
	if index >= uint32(len(m.slots)) || !m.slots[index].live {
		return
	}
	m.slots[index].lastRecorded = frame
	m.slots[index].everRecorded = true
}

// Texture returns the binding at index
func (m *Manager) Texture(index uint32) (gpu.Texture, error) {
	s, err := m.at(index)
	if err != nil {
		return nil, err
	}
	return s.texture, nil
}

// LiveCount reports currently bound slots
func (m *Manager) LiveCount() int {
	n := 0
	for i := range m.slots {
		if i >= int(m.highWater) {
			break
		}
		if m.slots[i].live {
			n++
		}
	}
	return n
}

func (m *Manager) at(index uint32) (*slot, error) {
	if index >= uint32(len(m.slots)) {
		return nil, fmt.Errorf("bindless index %d out of range: %w", index, core.ErrInvalidHandle)
	}
	s := &m.slots[index]
	if !s.live {
		return nil, fmt.Errorf("bindless index %d not live: %w", index, core.ErrInvalidHandle)
	}
	return s, nil
}
