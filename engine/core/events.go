package core

import "sync"

// System internal event codes. Applications should use codes beyond 255.
type SystemEventCode int

const (
	// Shuts the application down on the next frame.
	EVENT_CODE_APPLICATION_QUIT SystemEventCode = 0x01

	// Framebuffer resized/resolution changed from the OS.
	// Data is a *SystemEvent carrying the new dimensions.
	EVENT_CODE_RESIZED SystemEventCode = 0x02

	// A render feature failed to record and the frame was dropped.
	// Data is the feature name.
	EVENT_CODE_FRAME_DROPPED SystemEventCode = 0x03

	// The swapchain was recreated (out-of-date or resize).
	EVENT_CODE_SWAPCHAIN_RECREATED SystemEventCode = 0x04

	MAX_EVENT_CODE SystemEventCode = 0xFF
)

type SystemEvent struct {
	WindowWidth  uint32
	WindowHeight uint32
}

type EventContext struct {
	Type SystemEventCode
	Data interface{}
}

type FnOnEvent func(context EventContext)

type eventSystemState struct {
	mu         sync.RWMutex
	registered map[SystemEventCode][]FnOnEvent
	queue      chan EventContext
	done       chan struct{}
}

var onceEvent sync.Once
var eventState *eventSystemState = nil

func EventSystemInitialize() bool {
	onceEvent.Do(func() {
		eventState = &eventSystemState{
			registered: make(map[SystemEventCode][]FnOnEvent),
			queue:      make(chan EventContext, 256),
			done:       make(chan struct{}),
		}
	})
	return eventState != nil
}

func EventSystemShutdown() error {
	close(eventState.done)
	return nil
}

// EventRegister adds a callback for the given code. Callbacks run on the
// event-processing goroutine, never on the firing one.
func EventRegister(code SystemEventCode, onEvent FnOnEvent) {
	eventState.mu.Lock()
	defer eventState.mu.Unlock()
	eventState.registered[code] = append(eventState.registered[code], onEvent)
}

// EventFire queues an event for dispatch. Drops the event if the queue is
// full rather than blocking the frame loop.
func EventFire(context EventContext) bool {
	if eventState == nil {
		return false
	}
	select {
	case eventState.queue <- context:
		return true
	default:
		LogWarn("event queue full, dropping event code %d", context.Type)
		return false
	}
}

// ProcessEvents dispatches queued events until shutdown. Run as a goroutine.
func ProcessEvents() {
	for {
		select {
		case <-eventState.done:
			return
		case ctx := <-eventState.queue:
			eventState.mu.RLock()
			callbacks := eventState.registered[ctx.Type]
			eventState.mu.RUnlock()
			for _, cb := range callbacks {
				cb(ctx)
			}
		}
	}
}
