package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/helios/engine/core"
)

func TestRunIdlesWhileSuspended(t *testing.T) {
	e := &Engine{clock: core.NewClock()}
	e.running.Store(true)
	e.isSuspended.Store(true)

	go func() {
		time.Sleep(5 * time.Millisecond)
		e.running.Store(false)
	}()

	// a suspended loop sleeps between polls instead of spinning, so
	// the stop flag is only noticed after the current interval elapses
	start := time.Now()
	require.NoError(t, e.Run())
	assert.GreaterOrEqual(t, time.Since(start), suspendedPollInterval)
}
