// Package events delivers critical engine events to listeners, either
// best-effort directly after a commit or via the transactional outbox.
package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/procflow/procflow/core"
)

// Listener receives batches of critical events. Implementations must be
// safe for concurrent calls; the dispatcher gives no ordering guarantee
// across batches.
type Listener interface {
	OnEvents(ctx context.Context, events []*core.Event)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(ctx context.Context, events []*core.Event)

func (f ListenerFunc) OnEvents(ctx context.Context, events []*core.Event) {
	f(ctx, events)
}

// Dispatcher fans event batches out to listeners on a bounded worker
// pool. Dispatch is fire-and-forget: no delivery guarantee, no ordering
// across listeners, no backpressure beyond the pool bound. Callers that
// need at-least-once delivery use the outbox relay instead.
type Dispatcher struct {
	listeners []Listener

	sem    chan struct{}
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher delivering to the given listeners
// with at most maxInFlight concurrent deliveries.
func NewDispatcher(logger *slog.Logger, maxInFlight int, listeners ...Listener) *Dispatcher {
	if maxInFlight <= 0 {
		maxInFlight = 8
	}

	return &Dispatcher{
		listeners: listeners,
		sem:       make(chan struct{}, maxInFlight),
		logger:    logger,
	}
}

// Dispatch delivers one event batch to every listener, each on its own
// pooled goroutine. It returns immediately.
func (d *Dispatcher) Dispatch(events []*core.Event) {
	if len(events) == 0 || len(d.listeners) == 0 {
		return
	}

	for _, l := range d.listeners {
		l := l

		d.sem <- struct{}{}
		d.wg.Add(1)

		go func() {
			defer d.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("event listener panicked", "panic", r)
				}
				<-d.sem
			}()

			l.OnEvents(context.Background(), events)
		}()
	}
}

// Wait blocks until all in-flight deliveries have finished. Intended for
// shutdown and tests.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
