package lua

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"
)

var (
	// ErrExecutorClosed is returned when attempting to use a closed executor.
	ErrExecutorClosed = errors.New("lua executor is closed")

	// ErrQueueFull is returned by ExecuteAsync when the queue has no room.
	ErrQueueFull = errors.New("lua executor queue full")
)

// job is one operation waiting for the state.
type job struct {
	fn     func(L *lua.LState) error
	result chan error
}

// Executor serializes all operations on a gopher-lua state through a single
// goroutine. Callers on any goroutine submit closures; Run executes them in
// submission order.
//
//	exec := NewExecutor(L, 64)
//	go exec.Run(ctx)
//	defer exec.Close()
//
//	err := exec.Execute(ctx, func(L *lua.LState) error {
//	    return L.DoString(`x = 1`)
//	})
type Executor struct {
	L       *lua.LState
	queue   chan *job
	closed  atomic.Bool
	done    chan struct{}
	stopped chan struct{}

	closeOnce sync.Once
}

// NewExecutor creates an Executor for L with room for queueSize pending jobs.
func NewExecutor(L *lua.LState, queueSize int) *Executor {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Executor{
		L:       L,
		queue:   make(chan *job, queueSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Run processes jobs until ctx is cancelled or Close is called. It must be
// the only goroutine touching the state.
func (e *Executor) Run(ctx context.Context) {
	defer close(e.stopped)
	for {
		select {
		case <-ctx.Done():
			e.drainQueue(ctx.Err())
			return
		case <-e.done:
			e.drainQueue(ErrExecutorClosed)
			return
		case j := <-e.queue:
			j.result <- e.run(j)
			close(j.result)
		}
	}
}

// run executes one job, turning a Go panic into an error.
func (e *Executor) run(j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			switch v := r.(type) {
			case error:
				err = v
			default:
				err = fmt.Errorf("lua panic: %v", v)
			}
		}
	}()
	return j.fn(e.L)
}

func (e *Executor) drainQueue(err error) {
	for {
		select {
		case j := <-e.queue:
			j.result <- err
			close(j.result)
		default:
			return
		}
	}
}

// Execute runs fn on the executor goroutine and waits for it. If ctx ends
// first Execute returns ctx.Err(); the job still runs to completion.
func (e *Executor) Execute(ctx context.Context, fn func(L *lua.LState) error) error {
	if e.closed.Load() {
		return ErrExecutorClosed
	}

	j := &job{fn: fn, result: make(chan error, 1)}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrExecutorClosed
	case e.queue <- j:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err, ok := <-j.result:
		if !ok {
			return ErrExecutorClosed
		}
		return err
	}
}

// ExecuteAsync queues fn without waiting. onDone, if not nil, receives the
// job's error on the executor goroutine's behalf once it has run.
func (e *Executor) ExecuteAsync(fn func(L *lua.LState) error, onDone func(error)) error {
	if e.closed.Load() {
		return ErrExecutorClosed
	}

	j := &job{fn: fn, result: make(chan error, 1)}
	select {
	case <-e.done:
		return ErrExecutorClosed
	case e.queue <- j:
		go func() {
			err := <-j.result
			if onDone != nil {
				onDone(err)
			}
		}()
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops the executor. Queued jobs fail with ErrExecutorClosed; a job
// already running is allowed to finish.
func (e *Executor) Close() {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		close(e.done)
	})
}

// Stopped is closed once Run has returned.
func (e *Executor) Stopped() <-chan struct{} {
	return e.stopped
}

// IsClosed reports whether Close has been called.
func (e *Executor) IsClosed() bool {
	return e.closed.Load()
}
