package resilience

import (
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/sony/gobreaker"
)

// BreakerConfig tunes every breaker of a Breakers set.
type BreakerConfig struct {
	// MaxRequests allowed through while half-open.
	MaxRequests uint32

	// Interval after which closed-state counts are cleared.
	Interval time.Duration

	// Timeout is how long a breaker stays open.
	Timeout time.Duration

	// MinRequests before the failure ratio is considered.
	MinRequests uint32

	// FailureRatio that trips the breaker.
	FailureRatio float64

	// IsSuccessful classifies an error returned through the breaker. Errors
	// it accepts do not count as failures. Nil counts every error.
	IsSuccessful func(err error) bool
}

// DefaultBreakerConfig returns the settings used for collaborator calls.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:  100,
		Interval:     5 * time.Second,
		Timeout:      3 * time.Second,
		MinRequests:  3,
		FailureRatio: 0.6,
	}
}

// Breakers is a lazily populated set of named circuit breakers.
type Breakers struct {
	cfg    BreakerConfig
	logger hclog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakers creates an empty set.
func NewBreakers(cfg BreakerConfig, logger hclog.Logger) *Breakers {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Breakers{
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Execute runs fn through the breaker called name. An open breaker fails
// with gobreaker.ErrOpenState without calling fn.
func (b *Breakers) Execute(name string, fn func() (any, error)) (any, error) {
	return b.get(name).Execute(fn)
}

// State returns the state of the named breaker. Unknown names are closed.
func (b *Breakers) State(name string) gobreaker.State {
	b.mu.Lock()
	cb, ok := b.breakers[name]
	b.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}

func (b *Breakers) get(name string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.breakers[name]; ok {
		return cb
	}
	cfg := b.cfg
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			return cfg.IsSuccessful != nil && cfg.IsSuccessful(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	b.breakers[name] = cb
	return cb
}
