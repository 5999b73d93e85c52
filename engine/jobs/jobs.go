package jobs

import (
	"fmt"
	"sync"

	"github.com/spaghettifunk/helios/engine/core"
)

// Task is a unit of work dispatched to the pool. Used by the render feature
// pipeline to fan per-feature command recording across workers.
type Task struct {
	Name    string
	OnStart func() error
	// OnFailure runs on the worker goroutine when OnStart errors.
	OnFailure func(err error)
}

type Pool struct {
	numWorkers int
	jobQueue   chan Task
	wg         sync.WaitGroup
}

var ErrNoWorkers = fmt.Errorf("attempting to create worker pool with less than 1 worker")
var ErrNegativeChannelSize = fmt.Errorf("attempting to create worker pool with a negative channel size")

// TaskError attributes a failure to the task that produced it.
type TaskError struct {
	Task string
	Err  error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task '%s': %s", e.Task, e.Err.Error())
}

func (e *TaskError) Unwrap() error { return e.Err }

func NewPool(numWorkers int, channelSize int) (*Pool, error) {
	if numWorkers <= 0 {
		return nil, ErrNoWorkers
	}
	if channelSize < 0 {
		return nil, ErrNegativeChannelSize
	}

	p := &Pool{
		numWorkers: numWorkers,
		jobQueue:   make(chan Task, channelSize),
	}

	p.start()

	return p, nil
}

func (p *Pool) start() {
	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for job := range p.jobQueue {
				if err := job.OnStart(); err != nil {
					core.LogError("job '%s' failed: %s", job.Name, err.Error())
					if job.OnFailure != nil {
						job.OnFailure(err)
					}
				}
			}
		}()
	}
}

// Workers returns the number of worker goroutines.
func (p *Pool) Workers() int {
	return p.numWorkers
}

// Submit queues the provided job for execution. Blocks when the queue is full.
func (p *Pool) Submit(t Task) {
	p.jobQueue <- t
}

// RunAll submits every task and blocks until all of them finished. Returns
// the first error encountered, in task order.
func (p *Pool) RunAll(tasks []Task) error {
	var mu sync.Mutex
	errs := make([]error, len(tasks))
	var wg sync.WaitGroup
	for i, t := range tasks {
		i, t := i, t
		wg.Add(1)
		inner := t.OnStart
		p.Submit(Task{
			Name: t.Name,
			OnStart: func() error {
				defer wg.Done()
				if err := inner(); err != nil {
					mu.Lock()
					errs[i] = err
					mu.Unlock()
					return err
				}
				return nil
			},
			OnFailure: t.OnFailure,
		})
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			return &TaskError{Task: tasks[i].Name, Err: err}
		}
	}
	return nil
}

// Shutdown drains the pool. No tasks may be submitted afterwards.
func (p *Pool) Shutdown() error {
	close(p.jobQueue)
	p.wg.Wait()
	return nil
}
