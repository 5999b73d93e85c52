package jobs

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPoolRejectsBadArguments(t *testing.T) {
	_, err := NewPool(0, 8)
	assert.ErrorIs(t, err, ErrNoWorkers)

	_, err = NewPool(2, -1)
	assert.ErrorIs(t, err, ErrNegativeChannelSize)
}

func TestRunAllExecutesEveryTask(t *testing.T) {
	pool, err := NewPool(4, 16)
	require.NoError(t, err)
	defer pool.Shutdown()

	var ran atomic.Int32
	tasks := make([]Task, 10)
	for i := range tasks {
		tasks[i] = Task{
			Name: "count",
			OnStart: func() error {
				ran.Add(1)
				return nil
			},
		}
	}

	require.NoError(t, pool.RunAll(tasks))
	assert.Equal(t, int32(10), ran.Load())
}

func TestRunAllReturnsFirstErrorInTaskOrder(t *testing.T) {
	pool, err := NewPool(2, 8)
	require.NoError(t, err)
	defer pool.Shutdown()

	errA := errors.New("a failed")
	errB := errors.New("b failed")
	tasks := []Task{
		{Name: "ok", OnStart: func() error { return nil }},
		{Name: "a", OnStart: func() error { return errA }},
		{Name: "b", OnStart: func() error { return errB }},
	}

	err = pool.RunAll(tasks)
	require.Error(t, err)
	assert.ErrorIs(t, err, errA)

	var taskErr *TaskError
	require.ErrorAs(t, err, &taskErr)
	assert.Equal(t, "a", taskErr.Task)
}

func TestOnFailureRunsForFailedTasks(t *testing.T) {
	pool, err := NewPool(1, 4)
	require.NoError(t, err)
	defer pool.Shutdown()

	boom := errors.New("boom")
	var observed atomic.Value
	err = pool.RunAll([]Task{{
		Name:      "boom",
		OnStart:   func() error { return boom },
		OnFailure: func(err error) { observed.Store(err) },
	}})
	require.Error(t, err)
	assert.Equal(t, boom, observed.Load())
}
