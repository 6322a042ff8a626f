package lua

import (
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// MinInterval is the shortest delay a plugin timer may use.
const MinInterval = 10 * time.Millisecond

type timerEntry struct {
	timer *time.Timer
	fn    *lua.LFunction
	every time.Duration
}

// timers implements the timer global. Callbacks run on the executor; their
// errors go to fail.
type timers struct {
	exec *Executor
	run  func(L *lua.LState, fn *lua.LFunction) error
	fail func(err error)
	max  int

	mu      sync.Mutex
	nextID  int
	active  map[int]*timerEntry
	stopped bool
}

func newTimers(exec *Executor, max int, run func(*lua.LState, *lua.LFunction) error, fail func(error)) *timers {
	return &timers{
		exec:   exec,
		run:    run,
		fail:   fail,
		max:    max,
		active: make(map[int]*timerEntry),
	}
}

func (ts *timers) install(L *lua.LState) {
	mod := L.NewTable()
	L.SetFuncs(mod, map[string]lua.LGFunction{
		"after":  func(L *lua.LState) int { return ts.schedule(L, false) },
		"every":  func(L *lua.LState) int { return ts.schedule(L, true) },
		"cancel": ts.cancelFn,
	})
	L.SetGlobal("timer", mod)
}

func (ts *timers) schedule(L *lua.LState, repeat bool) int {
	ms := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	d := time.Duration(float64(ms) * float64(time.Millisecond))
	if d < MinInterval {
		d = MinInterval
	}

	ts.mu.Lock()
	if ts.stopped {
		ts.mu.Unlock()
		return raise(L, ErrRuntimeClosed)
	}
	if ts.max > 0 && len(ts.active) >= ts.max {
		ts.mu.Unlock()
		return raise(L, ErrTooManyTimers)
	}
	ts.nextID++
	id := ts.nextID
	e := &timerEntry{fn: fn}
	if repeat {
		e.every = d
	}
	ts.active[id] = e
	e.timer = time.AfterFunc(d, func() { ts.fire(id) })
	ts.mu.Unlock()

	L.Push(lua.LNumber(id))
	return 1
}

func (ts *timers) cancelFn(L *lua.LState) int {
	id := L.CheckInt(1)
	L.Push(lua.LBool(ts.cancel(id)))
	return 1
}

func (ts *timers) cancel(id int) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	e, ok := ts.active[id]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(ts.active, id)
	return true
}

func (ts *timers) fire(id int) {
	ts.mu.Lock()
	e, ok := ts.active[id]
	if !ok || ts.stopped {
		ts.mu.Unlock()
		return
	}
	if e.every == 0 {
		delete(ts.active, id)
	}
	ts.mu.Unlock()

	err := ts.exec.ExecuteAsync(func(L *lua.LState) error {
		if ts.isStopped() {
			return nil
		}
		return ts.run(L, e.fn)
	}, func(err error) {
		if err != nil {
			if err != ErrExecutorClosed {
				ts.fail(err)
			}
			return
		}
		if e.every > 0 {
			ts.mu.Lock()
			if _, ok := ts.active[id]; ok && !ts.stopped {
				e.timer.Reset(e.every)
			}
			ts.mu.Unlock()
		}
	})
	switch err {
	case nil, ErrExecutorClosed:
	case ErrQueueFull:
		ts.mu.Lock()
		if !ts.stopped {
			ts.active[id] = e
			e.timer.Reset(MinInterval)
		}
		ts.mu.Unlock()
	default:
		ts.fail(err)
	}
}

func (ts *timers) isStopped() bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.stopped
}

// stop cancels every timer and refuses new ones.
func (ts *timers) stop() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.stopped = true
	for id, e := range ts.active {
		e.timer.Stop()
		delete(ts.active, id)
	}
}

// count returns the number of scheduled timers.
func (ts *timers) count() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.active)
}
