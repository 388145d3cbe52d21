package engine

import (
	"math"
	"time"

	"github.com/procflow/procflow/events"
	"github.com/procflow/procflow/internal/executor"
)

type Options struct {
	// StatsEnabled emits a per-node execution coverage event for every
	// executed flow node.
	StatsEnabled bool

	// OutboxEnabled routes critical events through the transactional
	// outbox instead of dispatching them directly after commit.
	OutboxEnabled bool

	// DefaultTaskRetries is the retry budget of newly created executable
	// tasks.
	DefaultTaskRetries int

	// RetryDelay computes the backoff before a failed task's next
	// attempt, given the retries it has left. Replace it to plug in a
	// per-deployment policy.
	RetryDelay executor.RetryDelayFunc

	// DefinitionCacheTTL bounds how long cached definitions are served
	// before being reloaded.
	DefinitionCacheTTL time.Duration

	// DefinitionCacheSize caps the number of cached definitions.
	DefinitionCacheSize int

	// Listeners receive critical events. With the outbox disabled they
	// are invoked fire-and-forget after each commit; with it enabled
	// they are only reached through an events.Relay.
	Listeners []events.Listener

	// MaxEventDispatch bounds the concurrent best-effort deliveries.
	MaxEventDispatch int
}

const defaultTaskRetries = 3

var DefaultOptions = Options{
	DefaultTaskRetries:  defaultTaskRetries,
	RetryDelay:          DefaultRetryDelay(10*time.Second, 5*time.Minute, 2),
	DefinitionCacheTTL:  time.Minute,
	DefinitionCacheSize: 128,
	MaxEventDispatch:    8,
}

// DefaultRetryDelay returns a retry policy with exponentially growing
// delays: the fewer retries remain, the longer the wait before the next
// attempt, capped at max.
func DefaultRetryDelay(initial, max time.Duration, multiplier float64) executor.RetryDelayFunc {
	return func(retriesLeft int) time.Duration {
		if retriesLeft < 0 {
			retriesLeft = 0
		}

		// Attempt number grows as the remaining budget shrinks; derive it
		// from the default budget so the first retry waits `initial`.
		attempt := defaultTaskRetries - 1 - retriesLeft
		if attempt < 0 {
			attempt = 0
		}

		d := time.Duration(float64(initial) * math.Pow(multiplier, float64(attempt)))
		if d > max {
			d = max
		}

		return d
	}
}

type Option func(*Options)

func WithStatsEnabled(enabled bool) Option {
	return func(o *Options) {
		o.StatsEnabled = enabled
	}
}

func WithOutboxEnabled(enabled bool) Option {
	return func(o *Options) {
		o.OutboxEnabled = enabled
	}
}

func WithDefaultTaskRetries(retries int) Option {
	return func(o *Options) {
		o.DefaultTaskRetries = retries
	}
}

func WithRetryDelay(f executor.RetryDelayFunc) Option {
	return func(o *Options) {
		o.RetryDelay = f
	}
}

func WithDefinitionCacheTTL(ttl time.Duration) Option {
	return func(o *Options) {
		o.DefinitionCacheTTL = ttl
	}
}

func WithListeners(listeners ...events.Listener) Option {
	return func(o *Options) {
		o.Listeners = append(o.Listeners, listeners...)
	}
}

func WithMaxEventDispatch(n int) Option {
	return func(o *Options) {
		o.MaxEventDispatch = n
	}
}

func ApplyOptions(opts ...Option) *Options {
	options := DefaultOptions

	for _, opt := range opts {
		opt(&options)
	}

	return &options
}
