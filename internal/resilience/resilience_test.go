package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/plugbox/internal/plugin/faults"
)

var errBackend = errors.New("backend down")

func TestBreakerTrips(t *testing.T) {
	b := NewBreakers(BreakerConfig{
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      time.Minute,
		MinRequests:  3,
		FailureRatio: 0.5,
	}, nil)

	fail := func() (any, error) { return nil, errBackend }
	for i := 0; i < 3; i++ {
		_, err := b.Execute("models", fail)
		assert.ErrorIs(t, err, errBackend)
	}
	assert.Equal(t, gobreaker.StateOpen, b.State("models"))

	called := false
	_, err := b.Execute("models", func() (any, error) { called = true; return nil, nil })
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.False(t, called)

	assert.Equal(t, gobreaker.StateClosed, b.State("memory"), "breakers are independent")
}

func TestBreakerIgnoresAcceptedErrors(t *testing.T) {
	errBadInput := errors.New("bad input")
	cfg := DefaultBreakerConfig()
	cfg.IsSuccessful = func(err error) bool { return errors.Is(err, errBadInput) }
	b := NewBreakers(cfg, nil)

	for i := 0; i < 10; i++ {
		_, err := b.Execute("agents", func() (any, error) { return nil, errBadInput })
		assert.ErrorIs(t, err, errBadInput)
	}
	assert.Equal(t, gobreaker.StateClosed, b.State("agents"))
}

func TestLimiter(t *testing.T) {
	l := NewLimiter(1, 2)

	require.NoError(t, l.Allow("a"))
	require.NoError(t, l.Allow("a"))
	err := l.Allow("a")
	assert.ErrorIs(t, err, faults.ErrRateLimited)

	assert.NoError(t, l.Allow("b"), "keys have separate buckets")
	assert.Equal(t, 2, l.Len())

	l.Forget("a")
	assert.Equal(t, 1, l.Len())
	assert.NoError(t, l.Allow("a"))
}

func TestLimiterDisabled(t *testing.T) {
	l := NewLimiter(0, 0)
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Allow("a"))
	}
	assert.Zero(t, l.Len())
}

type fakeLifecycle struct {
	mu    sync.Mutex
	calls int
	errs  []error
	done  chan struct{}
}

func (f *fakeLifecycle) Restart(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	var err error
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	}
	if err == nil && f.done != nil {
		close(f.done)
		f.done = nil
	}
	return err
}

func (f *fakeLifecycle) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func fastRestart(attempts uint) RestartConfig {
	return RestartConfig{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Window:          time.Minute,
	}
}

func TestRestartRetries(t *testing.T) {
	lc := &fakeLifecycle{errs: []error{errBackend}, done: make(chan struct{})}
	p := NewRestartPolicy(lc, fastRestart(3), nil)
	defer p.Stop()

	require.True(t, p.OnCrash("echo"))
	select {
	case <-lc.done:
	case <-time.After(2 * time.Second):
		t.Fatal("plugin never restarted")
	}
	assert.Equal(t, 2, lc.count())
}

func TestRestartPermanentError(t *testing.T) {
	errGone := errors.New("gone")
	lc := &fakeLifecycle{errs: []error{errGone, errGone, errGone}}
	cfg := fastRestart(3)
	cfg.Retryable = func(err error) bool { return !errors.Is(err, errGone) }
	p := NewRestartPolicy(lc, cfg, nil)

	require.True(t, p.OnCrash("echo"))
	require.Eventually(t, idle(p, "echo"), time.Second, time.Millisecond)
	p.Stop()
	assert.Equal(t, 1, lc.count())
}

func TestRestartGivesUp(t *testing.T) {
	lc := &fakeLifecycle{}
	p := NewRestartPolicy(lc, fastRestart(2), nil)
	defer p.Stop()

	assert.True(t, p.OnCrash("echo"))
	require.Eventually(t, func() bool { return lc.count() == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, idle(p, "echo"), time.Second, time.Millisecond)

	assert.True(t, p.OnCrash("echo"))
	require.Eventually(t, func() bool { return lc.count() == 2 }, time.Second, time.Millisecond)
	require.Eventually(t, idle(p, "echo"), time.Second, time.Millisecond)

	assert.False(t, p.OnCrash("echo"), "third crash inside the window")

	p.Forget("echo")
	assert.True(t, p.OnCrash("echo"))
}

func idle(p *RestartPolicy, id string) func() bool {
	return func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return !p.running[id]
	}
}

func TestRestartAfterStop(t *testing.T) {
	p := NewRestartPolicy(&fakeLifecycle{}, fastRestart(1), nil)
	p.Stop()
	assert.False(t, p.OnCrash("echo"))
}
