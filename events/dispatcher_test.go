package events

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/procflow/procflow/core"
)

type captureListener struct {
	mu      sync.Mutex
	batches [][]*core.Event
}

func (l *captureListener) OnEvents(ctx context.Context, events []*core.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.batches = append(l.batches, events)
}

func (l *captureListener) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.batches)
}

func TestDispatcher_DeliversToAllListeners(t *testing.T) {
	defer goleak.VerifyNone(t)

	a := &captureListener{}
	b := &captureListener{}

	d := NewDispatcher(slog.Default(), 4, a, b)

	events := []*core.Event{{ID: "e1", Type: core.EventTypeProcessInstanceFinished}}
	d.Dispatch(events)
	d.Wait()

	require.Equal(t, 1, a.count())
	require.Equal(t, 1, b.count())
	require.Equal(t, "e1", a.batches[0][0].ID)
}

func TestDispatcher_EmptyBatchIsNoOp(t *testing.T) {
	a := &captureListener{}
	d := NewDispatcher(slog.Default(), 4, a)

	d.Dispatch(nil)
	d.Wait()

	require.Zero(t, a.count())
}

func TestDispatcher_ListenerPanicDoesNotAffectOthers(t *testing.T) {
	defer goleak.VerifyNone(t)

	panicking := ListenerFunc(func(ctx context.Context, events []*core.Event) {
		panic("listener bug")
	})
	healthy := &captureListener{}

	d := NewDispatcher(slog.Default(), 4, panicking, healthy)

	d.Dispatch([]*core.Event{{ID: "e1"}})
	d.Wait()

	require.Equal(t, 1, healthy.count())
}

func TestDispatcher_BoundsConcurrentDeliveries(t *testing.T) {
	defer goleak.VerifyNone(t)

	var mu sync.Mutex
	inFlight, peak := 0, 0

	slow := ListenerFunc(func(ctx context.Context, events []*core.Event) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()

		mu.Lock()
		inFlight--
		mu.Unlock()
	})

	d := NewDispatcher(slog.Default(), 1, slow, slow, slow)

	for i := 0; i < 5; i++ {
		d.Dispatch([]*core.Event{{ID: "e"}})
	}
	d.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.LessOrEqual(t, peak, 1)
}
