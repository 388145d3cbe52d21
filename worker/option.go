package worker

import "time"

type Options struct {
	// PollingInterval is the sleep between acquisition ticks.
	PollingInterval time.Duration

	// MaxTasks is the maximum number of due tasks claimed per tick.
	MaxTasks int

	// MaxParallelTasks limits how many acquired tasks are resumed
	// concurrently. Zero means no limit.
	MaxParallelTasks int

	// ShutdownTimeout bounds how long Stop waits for the in-flight tick
	// before forcing termination.
	ShutdownTimeout time.Duration
}

var DefaultOptions = Options{
	PollingInterval:  5 * time.Second,
	MaxTasks:         10,
	MaxParallelTasks: 0,
	ShutdownTimeout:  10 * time.Second,
}

type Option func(*Options)

func WithPollingInterval(interval time.Duration) Option {
	return func(o *Options) {
		o.PollingInterval = interval
	}
}

func WithMaxTasks(n int) Option {
	return func(o *Options) {
		o.MaxTasks = n
	}
}

func WithMaxParallelTasks(n int) Option {
	return func(o *Options) {
		o.MaxParallelTasks = n
	}
}

func WithShutdownTimeout(timeout time.Duration) Option {
	return func(o *Options) {
		o.ShutdownTimeout = timeout
	}
}

func ApplyOptions(opts ...Option) *Options {
	options := DefaultOptions

	for _, opt := range opts {
		opt(&options)
	}

	return &options
}
