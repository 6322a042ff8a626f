package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/hashicorp/go-hclog"
)

// Lifecycle is the part of a plugin host the restart policy drives.
type Lifecycle interface {
	// Restart brings a crashed plugin back up.
	Restart(ctx context.Context, id string) error
}

// RestartConfig bounds automatic restarts.
type RestartConfig struct {
	// MaxAttempts is both the number of tries per crash and the number of
	// crashes tolerated inside Window before the policy gives up.
	MaxAttempts uint

	InitialInterval time.Duration
	MaxInterval     time.Duration

	// Window is how long a crash counts against MaxAttempts.
	Window time.Duration

	// Retryable reports whether a failed restart is worth retrying. Nil
	// retries every error.
	Retryable func(err error) bool
}

// DefaultRestartConfig returns a conservative policy.
func DefaultRestartConfig() RestartConfig {
	return RestartConfig{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		Window:          5 * time.Minute,
	}
}

// RestartPolicy restarts crashed plugins with exponential backoff. It never
// runs two restarts of the same plugin at once.
type RestartPolicy struct {
	lc     Lifecycle
	cfg    RestartConfig
	logger hclog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]bool
	crashes map[string][]time.Time
}

// NewRestartPolicy creates a policy driving lc.
func NewRestartPolicy(lc Lifecycle, cfg RestartConfig, logger hclog.Logger) *RestartPolicy {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RestartPolicy{
		lc:      lc,
		cfg:     cfg,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		running: make(map[string]bool),
		crashes: make(map[string][]time.Time),
	}
}

// OnCrash records a crash of id and schedules a restart unless one is
// already running or the plugin crashed too often. It reports whether a
// restart was scheduled.
func (p *RestartPolicy) OnCrash(id string) bool {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx.Err() != nil {
		return false
	}

	recent := p.crashes[id][:0]
	for _, t := range p.crashes[id] {
		if p.cfg.Window <= 0 || now.Sub(t) < p.cfg.Window {
			recent = append(recent, t)
		}
	}
	recent = append(recent, now)
	p.crashes[id] = recent

	if uint(len(recent)) > p.cfg.MaxAttempts {
		p.logger.Warn("plugin crashed too often; not restarting", "plugin", id, "crashes", len(recent), "window", p.cfg.Window)
		return false
	}
	if p.running[id] {
		return false
	}
	p.running[id] = true

	p.wg.Add(1)
	go p.restart(id)
	return true
}

// Forget clears the crash history of id.
func (p *RestartPolicy) Forget(id string) {
	p.mu.Lock()
	delete(p.crashes, id)
	p.mu.Unlock()
}

// Stop cancels pending restarts and waits for them to return.
func (p *RestartPolicy) Stop() {
	p.cancel()
	p.wg.Wait()
}

func (p *RestartPolicy) restart(id string) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		delete(p.running, id)
		p.mu.Unlock()
	}()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.InitialInterval
	b.MaxInterval = p.cfg.MaxInterval

	wait := time.NewTimer(b.NextBackOff())
	select {
	case <-wait.C:
	case <-p.ctx.Done():
		wait.Stop()
		return
	}

	_, err := backoff.Retry(p.ctx, func() (struct{}, error) {
		err := p.lc.Restart(p.ctx, id)
		if err != nil && p.cfg.Retryable != nil && !p.cfg.Retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(p.cfg.MaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.logger.Debug("plugin restart failed; retrying", "plugin", id, "error", err, "next", next)
		}),
	)
	if err != nil {
		p.logger.Error("plugin restart failed", "plugin", id, "error", err)
		return
	}
	p.logger.Info("plugin restarted", "plugin", id)
}
