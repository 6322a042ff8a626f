package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/dshills/plugbox/internal/plugin/faults"
)

// DefaultTimeout is the deadline for a call that sets none of its own.
const DefaultTimeout = 10 * time.Second

// Handler answers an incoming request. The returned value is encoded as the
// reply's result; a returned error is encoded with faults.Encode.
type Handler func(ctx context.Context, msg *Message) (any, error)

// EventHandler receives one-way events in arrival order.
type EventHandler func(msg *Message)

// Bridge is one end of a correlation-id based request/response channel.
//
// Every outgoing call gets a fresh id and a pending entry guarded by its own
// timer. A reply, the timer, the caller's context, or termination removes the
// entry, whichever comes first; the other outcomes then find nothing to do.
type Bridge struct {
	codec   *Codec
	closer  io.Closer
	logger  hclog.Logger
	timeout time.Duration
	newID   func() string
	handler Handler
	onEvent EventHandler
	maxSize int

	mu      sync.Mutex
	pending map[string]*pendingCall
	closed  bool
	cause   error

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	startOnce sync.Once
}

type pendingCall struct {
	method string
	ch     chan callResult
	timer  *time.Timer
}

type callResult struct {
	result json.RawMessage
	err    error
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithTimeout sets the default call deadline.
func WithTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l hclog.Logger) Option {
	return func(b *Bridge) {
		b.logger = l
	}
}

// WithHandler sets the handler for incoming requests.
func WithHandler(h Handler) Option {
	return func(b *Bridge) {
		b.handler = h
	}
}

// WithEventHandler sets the handler for incoming events.
func WithEventHandler(h EventHandler) Option {
	return func(b *Bridge) {
		b.onEvent = h
	}
}

// WithIDGenerator replaces the uuid correlation id generator.
func WithIDGenerator(fn func() string) Option {
	return func(b *Bridge) {
		b.newID = fn
	}
}

// WithMaxMessageSize bounds a single message in either direction.
func WithMaxMessageSize(n int) Option {
	return func(b *Bridge) {
		b.maxSize = n
	}
}

// NewBridge creates a Bridge over conn. Call Start to begin reading.
func NewBridge(conn io.ReadWriteCloser, opts ...Option) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		closer:  conn,
		logger:  hclog.NewNullLogger(),
		timeout: DefaultTimeout,
		newID:   uuid.NewString,
		pending: make(map[string]*pendingCall),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.codec = NewCodec(conn, b.maxSize)
	return b
}

// Start launches the read loop. It is safe to call more than once.
func (b *Bridge) Start() {
	b.startOnce.Do(func() {
		go b.readLoop()
	})
}

// Done is closed once the bridge has terminated.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// Err returns why the bridge terminated: nil after a local Close, the read
// error (usually io.EOF) when the peer went away.
func (b *Bridge) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cause
}

// Pending returns the number of calls awaiting a reply.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Call sends a request and waits for its reply using the default timeout.
func (b *Bridge) Call(ctx context.Context, typ Type, method string, args any) (json.RawMessage, error) {
	return b.CallTimeout(ctx, b.timeout, typ, method, args)
}

// CallTimeout sends a request and waits at most timeout for its reply.
func (b *Bridge) CallTimeout(ctx context.Context, timeout time.Duration, typ Type, method string, args any) (json.RawMessage, error) {
	if !typ.IsRequest() {
		return nil, fmt.Errorf("rpc: %q is not a request type", typ)
	}
	rawArgs, err := marshal(args)
	if err != nil {
		return nil, fmt.Errorf("rpc: encode %s args: %w", method, err)
	}
	if timeout <= 0 {
		timeout = b.timeout
	}

	id := b.newID()
	pc := &pendingCall{method: method, ch: make(chan callResult, 1)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", faults.ErrInstanceTerminated, method)
	}
	b.pending[id] = pc
	pc.timer = time.AfterFunc(timeout, func() {
		b.resolve(id, callResult{err: &faults.TimeoutError{Method: method, After: timeout}})
	})
	b.mu.Unlock()

	if err := b.codec.Write(&Message{Type: typ, ID: id, Method: method, Args: rawArgs}); err != nil {
		b.resolve(id, callResult{err: fmt.Errorf("%w: %s: %v", faults.ErrInstanceTerminated, method, err)})
	}

	select {
	case res := <-pc.ch:
		return res.result, res.err
	case <-ctx.Done():
		b.resolve(id, callResult{err: ctx.Err()})
		res := <-pc.ch
		return res.result, res.err
	}
}

// Notify sends a one-way event.
func (b *Bridge) Notify(typ Type, args any, eventErr error) error {
	if typ.IsRequest() {
		return fmt.Errorf("rpc: %q is not an event type", typ)
	}
	rawArgs, err := marshal(args)
	if err != nil {
		return err
	}
	if b.isClosed() {
		return faults.ErrInstanceTerminated
	}
	return b.codec.Write(&Message{Type: typ, Args: rawArgs, Error: faults.Encode(eventErr)})
}

// Close terminates the bridge. Pending calls fail with
// faults.ErrInstanceTerminated.
func (b *Bridge) Close() error {
	b.terminate(nil)
	return nil
}

// resolve completes the pending call id. It reports false if the call was
// already completed.
func (b *Bridge) resolve(id string, res callResult) bool {
	b.mu.Lock()
	pc, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()

	if !ok {
		return false
	}
	pc.timer.Stop()
	pc.ch <- res
	return true
}

func (b *Bridge) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Bridge) terminate(cause error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.cause = cause
	pending := b.pending
	b.pending = make(map[string]*pendingCall)
	b.mu.Unlock()

	b.cancel()
	_ = b.closer.Close()

	for _, pc := range pending {
		pc.timer.Stop()
		pc.ch <- callResult{err: fmt.Errorf("%w: %s", faults.ErrInstanceTerminated, pc.method)}
	}
	if len(pending) > 0 {
		b.logger.Debug("rejected pending calls on termination", "count", len(pending))
	}
	close(b.done)
}

func (b *Bridge) readLoop() {
	for {
		msg, err := b.codec.Read()
		if err != nil {
			if !errors.Is(err, io.EOF) && !b.isClosed() {
				b.logger.Warn("bridge read failed", "error", err)
			}
			b.terminate(err)
			return
		}

		switch {
		case msg.IsResponse():
			if !b.resolve(msg.ID, callResult{result: msg.Result, err: faults.Decode(msg.Error)}) {
				b.logger.Debug("discarding reply for unknown call", "id", msg.ID)
			}
		case msg.Type.IsRequest():
			go b.serve(msg)
		case msg.IsEvent():
			b.dispatchEvent(msg)
		default:
			b.logger.Warn("discarding malformed message", "type", msg.Type)
		}
	}
}

func (b *Bridge) serve(msg *Message) {
	reply := &Message{ID: msg.ID}

	result, err := b.handle(msg)
	if err == nil {
		reply.Result, err = marshal(result)
		if reply.Result == nil && err == nil {
			reply.Result = json.RawMessage("null")
		}
	}
	if err != nil {
		reply.Result = nil
		reply.Error = faults.Encode(err)
	}

	if werr := b.codec.Write(reply); werr != nil && !b.isClosed() {
		b.logger.Warn("failed to send reply", "id", msg.ID, "method", msg.Method, "error", werr)
	}
}

func (b *Bridge) handle(msg *Message) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("request handler panic", "type", msg.Type, "method", msg.Method, "panic", r)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	if b.handler == nil {
		return nil, fmt.Errorf("no handler for %s", msg.Type)
	}
	return b.handler(b.ctx, msg)
}

func (b *Bridge) dispatchEvent(msg *Message) {
	if b.onEvent == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panic", "type", msg.Type, "panic", r)
		}
	}()
	b.onEvent(msg)
}

func marshal(v any) (json.RawMessage, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return val, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}
