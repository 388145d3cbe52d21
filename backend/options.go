package backend

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/procflow/procflow/metrics"
)

type Options struct {
	Logger *slog.Logger

	Metrics metrics.Client

	TracerProvider trace.TracerProvider

	// Clock is the time source for due dates, lock leases and outbox
	// lock expiry. Tests substitute a mock clock.
	Clock clock.Clock

	// TaskLockTimeout determines how long an acquired executable task may
	// stay locked. A task not completed within this lease is considered
	// abandoned and reclaimed by the next FindAndLockDueTasks call.
	TaskLockTimeout time.Duration

	// OutboxLockTimeout determines how long a read-locked outbox batch
	// may stay unconfirmed before its events become readable again.
	OutboxLockTimeout time.Duration
}

var DefaultOptions Options = Options{
	TaskLockTimeout:   time.Minute,
	OutboxLockTimeout: time.Minute,

	Logger:         slog.Default(),
	Metrics:        metrics.NewNoopClient(),
	TracerProvider: noop.NewTracerProvider(),
	Clock:          clock.New(),
}

type BackendOption func(*Options)

func WithLogger(logger *slog.Logger) BackendOption {
	return func(o *Options) {
		o.Logger = logger
	}
}

func WithMetrics(client metrics.Client) BackendOption {
	return func(o *Options) {
		o.Metrics = client
	}
}

func WithTracerProvider(tp trace.TracerProvider) BackendOption {
	return func(o *Options) {
		o.TracerProvider = tp
	}
}

func WithClock(c clock.Clock) BackendOption {
	return func(o *Options) {
		o.Clock = c
	}
}

func WithTaskLockTimeout(timeout time.Duration) BackendOption {
	return func(o *Options) {
		o.TaskLockTimeout = timeout
	}
}

func WithOutboxLockTimeout(timeout time.Duration) BackendOption {
	return func(o *Options) {
		o.OutboxLockTimeout = timeout
	}
}

func ApplyOptions(opts ...BackendOption) Options {
	options := DefaultOptions

	for _, opt := range opts {
		opt(&options)
	}

	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	return options
}
