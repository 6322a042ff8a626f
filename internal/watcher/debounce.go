package watcher

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// debouncer coalesces changes per root. A root's event is delivered once no
// change has been seen for delay.
type debouncer struct {
	delay time.Duration
	out   chan Event

	mu      sync.Mutex
	pending map[string]*pendingEvent
	closed  bool

	delivered atomic.Int64
	dropped   atomic.Int64
}

// pendingEvent tracks a debounced event.
type pendingEvent struct {
	event Event
	paths map[string]bool
	timer *time.Timer
}

func newDebouncer(delay time.Duration, size int) *debouncer {
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	if size <= 0 {
		size = 64
	}
	return &debouncer{
		delay:   delay,
		out:     make(chan Event, size),
		pending: make(map[string]*pendingEvent),
	}
}

// add records a change to path under root and restarts root's timer.
func (d *debouncer) add(root, path string, op Op) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}

	if p, exists := d.pending[root]; exists {
		p.paths[path] = true
		p.event.Op |= op
		p.event.Time = time.Now()
		p.timer.Reset(d.delay)
		return
	}

	p := &pendingEvent{
		event: Event{Root: root, Op: op, Time: time.Now()},
		paths: map[string]bool{path: true},
	}
	p.timer = time.AfterFunc(d.delay, func() {
		d.fire(root)
	})
	d.pending[root] = p
}

// fire delivers root's pending event. The send never blocks: when the
// consumer is behind the event is dropped and counted.
func (d *debouncer) fire(root string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, exists := d.pending[root]
	if !exists || d.closed {
		return
	}
	delete(d.pending, root)

	event := p.event
	event.Paths = make([]string, 0, len(p.paths))
	for path := range p.paths {
		event.Paths = append(event.Paths, path)
	}
	sort.Strings(event.Paths)

	select {
	case d.out <- event:
		d.delivered.Add(1)
	default:
		d.dropped.Add(1)
	}
}

// cancel discards root's pending event.
func (d *debouncer) cancel(root string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if p, exists := d.pending[root]; exists {
		p.timer.Stop()
		delete(d.pending, root)
	}
}

// flush delivers every pending event now.
func (d *debouncer) flush() {
	d.mu.Lock()
	roots := make([]string, 0, len(d.pending))
	for root, p := range d.pending {
		p.timer.Stop()
		roots = append(roots, root)
	}
	d.mu.Unlock()

	for _, root := range roots {
		d.fire(root)
	}
}

func (d *debouncer) pendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// close stops all timers and closes the output channel.
func (d *debouncer) close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	d.closed = true
	for root, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, root)
	}
	close(d.out)
}
