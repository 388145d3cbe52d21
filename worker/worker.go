package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/procflow/procflow/backend"
	"github.com/procflow/procflow/core"
	"github.com/procflow/procflow/internal/logkeys"
	"github.com/procflow/procflow/internal/metrickeys"
	internal "github.com/procflow/procflow/internal/worker"
	"github.com/procflow/procflow/metrics"
)

// Engine resumes execution of an acquired task. Implemented by
// engine.Engine; defined here so the acquirer does not depend on the
// facade package.
type Engine interface {
	ExecuteFromTask(ctx context.Context, task *core.ExecutableTask) error
}

type state int

const (
	stateStopped state = iota
	stateRunning
)

var (
	ErrAlreadyRunning = errors.New("task acquirer is already running")
	ErrNotRunning     = errors.New("task acquirer is not running")

	// ErrStopTimeout is returned when the in-flight tick did not finish
	// within the shutdown grace period. The poller is abandoned; locked
	// tasks are reclaimed via the lock lease after restart.
	ErrStopTimeout = errors.New("task acquirer did not stop within the grace period")
)

// Worker is the task acquirer: a background poller that atomically
// claims due executable tasks and resumes their execution through the
// engine. One acquirer runs per engine instance.
type Worker struct {
	repo    backend.Repository
	engine  Engine
	options *Options

	id string

	logger *slog.Logger
	mc     metrics.Client

	mu     sync.Mutex
	state  state
	cancel context.CancelFunc
	done   chan struct{}
}

func New(repo backend.Repository, engine Engine, options *Options) *Worker {
	if options == nil {
		options = &DefaultOptions
	}

	ropts := repo.Options()

	return &Worker{
		repo:    repo,
		engine:  engine,
		options: options,
		id:      fmt.Sprintf("worker-%s", uuid.NewString()),
		logger:  ropts.Logger,
		mc:      ropts.Metrics,
	}
}

// ID returns the worker id tasks are tagged with on acquisition.
func (w *Worker) ID() string {
	return w.id
}

// Start spawns the polling loop. It returns an error when the acquirer
// is already running.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == stateRunning {
		return ErrAlreadyRunning
	}

	pollCtx, cancel := context.WithCancel(ctx)

	poller := internal.NewPoller(w, w.repo.Options().Clock, w.logger, &internal.Options{
		PollingInterval:  w.options.PollingInterval,
		MaxParallelTasks: w.options.MaxParallelTasks,
	})

	if err := poller.Start(pollCtx); err != nil {
		cancel()
		return fmt.Errorf("starting poller: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = poller.WaitForCompletion()
	}()

	w.state = stateRunning
	w.cancel = cancel
	w.done = done

	w.logger.InfoContext(ctx, "task acquirer started", logkeys.WorkerID, w.id)

	return nil
}

// Stop signals the polling loop to shut down and waits up to the
// configured grace period for the in-flight tick to finish. A task
// picked up just before shutdown either completes its segment and
// commits, or is reclaimed through the lock lease after restart.
func (w *Worker) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != stateRunning {
		return ErrNotRunning
	}

	w.cancel()

	timer := w.repo.Options().Clock.Timer(w.options.ShutdownTimeout)
	defer timer.Stop()

	select {
	case <-w.done:
	case <-timer.C:
		w.state = stateStopped
		w.logger.Warn("forcing task acquirer shutdown", logkeys.WorkerID, w.id)
		return ErrStopTimeout
	}

	w.state = stateStopped
	w.logger.Info("task acquirer stopped", logkeys.WorkerID, w.id)

	return nil
}

// Acquire implements the poller's task source: it atomically claims up
// to MaxTasks due tasks, tagged with this worker's id.
func (w *Worker) Acquire(ctx context.Context) ([]*core.ExecutableTask, error) {
	now := w.repo.Options().Clock.Now()

	tasks, err := w.repo.FindAndLockDueTasks(ctx, now, w.options.MaxTasks, w.id)
	if err != nil {
		return nil, fmt.Errorf("finding due tasks: %w", err)
	}

	if len(tasks) > 0 {
		w.mc.Counter(metrickeys.ExecutableTaskAcquired, metrics.Tags{}, float64(len(tasks)))
	}

	return tasks, nil
}

// Process resumes one acquired task through the engine.
func (w *Worker) Process(ctx context.Context, task *core.ExecutableTask) error {
	return w.engine.ExecuteFromTask(ctx, task)
}
