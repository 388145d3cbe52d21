package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/procflow/procflow/core"
)

type fakeSource struct {
	mu sync.Mutex

	pending    []*core.ExecutableTask
	acquireErr error
	processed  []string
	processErr error
}

func (s *fakeSource) Acquire(ctx context.Context) ([]*core.ExecutableTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.acquireErr != nil {
		return nil, s.acquireErr
	}

	tasks := s.pending
	s.pending = nil

	return tasks, nil
}

func (s *fakeSource) Process(ctx context.Context, task *core.ExecutableTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.processed = append(s.processed, task.ID)

	return s.processErr
}

func (s *fakeSource) processedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.processed...)
}

func TestPoller_ProcessesAcquiredTasks(t *testing.T) {
	defer goleak.VerifyNone(t)

	source := &fakeSource{
		pending: []*core.ExecutableTask{{ID: "t1"}, {ID: "t2"}},
	}

	p := NewPoller(source, clock.New(), slog.Default(), &Options{
		PollingInterval:  time.Millisecond,
		MaxParallelTasks: 2,
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Start(ctx))

	require.Eventually(t, func() bool {
		return len(source.processedIDs()) == 2
	}, 5*time.Second, time.Millisecond)

	cancel()
	require.NoError(t, p.WaitForCompletion())

	require.ElementsMatch(t, []string{"t1", "t2"}, source.processedIDs())
}

func TestPoller_AcquireErrorDoesNotStopPolling(t *testing.T) {
	defer goleak.VerifyNone(t)

	source := &fakeSource{acquireErr: errors.New("transient")}

	p := NewPoller(source, clock.New(), slog.Default(), &Options{
		PollingInterval: time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Start(ctx))

	// Let a few failing ticks pass, then recover the source.
	time.Sleep(10 * time.Millisecond)

	source.mu.Lock()
	source.acquireErr = nil
	source.pending = []*core.ExecutableTask{{ID: "t1"}}
	source.mu.Unlock()

	require.Eventually(t, func() bool {
		return len(source.processedIDs()) == 1
	}, 5*time.Second, time.Millisecond)

	cancel()
	require.NoError(t, p.WaitForCompletion())
}

func TestPoller_ProcessErrorIsIsolatedPerTask(t *testing.T) {
	defer goleak.VerifyNone(t)

	source := &fakeSource{
		pending:    []*core.ExecutableTask{{ID: "t1"}, {ID: "t2"}},
		processErr: errors.New("boom"),
	}

	p := NewPoller(source, clock.New(), slog.Default(), &Options{
		PollingInterval: time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Start(ctx))

	require.Eventually(t, func() bool {
		return len(source.processedIDs()) == 2
	}, 5*time.Second, time.Millisecond)

	cancel()
	require.NoError(t, p.WaitForCompletion())
}

func TestPoller_WaitForCompletionDrainsInFlightTasks(t *testing.T) {
	defer goleak.VerifyNone(t)

	started := make(chan struct{})
	release := make(chan struct{})

	source := &blockingSource{started: started, release: release}

	p := NewPoller(source, clock.New(), slog.Default(), &Options{
		PollingInterval: time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Start(ctx))

	<-started
	cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.WaitForCompletion()
	}()

	select {
	case <-done:
		t.Fatal("WaitForCompletion returned before the in-flight task finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("WaitForCompletion did not return")
	}
}

type blockingSource struct {
	mu      sync.Mutex
	handed  bool
	started chan struct{}
	release chan struct{}
}

func (s *blockingSource) Acquire(ctx context.Context) ([]*core.ExecutableTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handed {
		return nil, nil
	}
	s.handed = true

	return []*core.ExecutableTask{{ID: "t1"}}, nil
}

func (s *blockingSource) Process(ctx context.Context, task *core.ExecutableTask) error {
	close(s.started)
	<-s.release

	return nil
}
