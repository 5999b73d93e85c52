package core

import (
	"errors"
	"fmt"
)

// Renderer error taxonomy. Every failure escaping a renderer subsystem wraps
// one of these sentinels so callers can branch on errors.Is without caring
// which component produced it.
var (
	// ErrDeviceLost is fatal. No recovery is attempted; the engine shuts down.
	ErrDeviceLost = errors.New("device lost")
	// ErrResourceExhausted is surfaced immediately. The caller may retry after
	// freeing resources; the engine never retries on its own.
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrSwapchainOutOfDate is recovered internally via a single
	// recreate-and-retry cycle. A repeat failure escalates to fatal.
	ErrSwapchainOutOfDate = errors.New("swapchain out of date")
	// ErrConfiguration covers setup-time mistakes such as a cyclic feature
	// dependency. Never produced at steady state.
	ErrConfiguration = errors.New("configuration error")
	// ErrInvalidHandle reports an operation against a handle the registry
	// does not own (already freed, or never registered).
	ErrInvalidHandle = errors.New("invalid resource handle")
)

// FeatureRecordError aborts only the current frame; the engine continues and
// the previously presented image stays on screen.
type FeatureRecordError struct {
	Feature string
	Err     error
}

func (e *FeatureRecordError) Error() string {
	return fmt.Sprintf("frame dropped: feature '%s' failed to record: %v", e.Feature, e.Err)
}

func (e *FeatureRecordError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether the engine must shut down rather than continue
// pumping frames.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var fre *FeatureRecordError
	if errors.As(err, &fre) {
		return false
	}
	return !errors.Is(err, ErrResourceExhausted) && !errors.Is(err, ErrSwapchainOutOfDate)
}
