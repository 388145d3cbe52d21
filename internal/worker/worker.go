package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/procflow/procflow/core"
	"github.com/procflow/procflow/internal/logkeys"
)

// TaskSource supplies due tasks and processes them. Acquire must claim
// tasks atomically so that no two pollers resume the same task.
type TaskSource interface {
	Acquire(ctx context.Context) ([]*core.ExecutableTask, error)
	Process(ctx context.Context, task *core.ExecutableTask) error
}

type Options struct {
	PollingInterval time.Duration

	MaxParallelTasks int
}

// Poller repeatedly acquires batches of due tasks and hands them to a
// bounded dispatcher. Errors are isolated per tick and per task; nothing
// terminates the loop except context cancellation.
type Poller struct {
	options *Options

	source TaskSource

	taskQueue chan *core.ExecutableTask

	logger *slog.Logger
	clock  clock.Clock

	pollerWg sync.WaitGroup

	dispatcherDone chan struct{}
}

func NewPoller(source TaskSource, c clock.Clock, logger *slog.Logger, options *Options) *Poller {
	return &Poller{
		source:         source,
		options:        options,
		taskQueue:      make(chan *core.ExecutableTask),
		logger:         logger,
		clock:          c,
		dispatcherDone: make(chan struct{}, 1),
	}
}

func (p *Poller) Start(ctx context.Context) error {
	p.pollerWg.Add(1)

	go p.poll(ctx)
	go p.dispatcher()

	return nil
}

// WaitForCompletion blocks until the poll loop has exited and all
// dispatched tasks have finished.
func (p *Poller) WaitForCompletion() error {
	p.pollerWg.Wait()

	close(p.taskQueue)
	<-p.dispatcherDone

	return nil
}

func (p *Poller) poll(ctx context.Context) {
	defer p.pollerWg.Done()

	ticker := p.clock.Ticker(p.options.PollingInterval)
	defer ticker.Stop()

	for {
		tasks, err := p.source.Acquire(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			p.logger.ErrorContext(ctx, "error acquiring due tasks", "error", err)
		}

		for _, t := range tasks {
			select {
			case p.taskQueue <- t:
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (p *Poller) dispatcher() {
	var sem chan struct{}

	if p.options.MaxParallelTasks > 0 {
		sem = make(chan struct{}, p.options.MaxParallelTasks)
	}

	var wg sync.WaitGroup

	for t := range p.taskQueue {
		// If limited max tasks, wait for a slot to open up
		if sem != nil {
			sem <- struct{}{}
		}

		wg.Add(1)

		t := t
		go func() {
			defer wg.Done()

			// New context so an in-flight task can finish its segment and
			// commit even when the poller's context is already canceled.
			taskCtx := context.Background()

			if err := p.source.Process(taskCtx, t); err != nil {
				p.logger.ErrorContext(taskCtx, "error processing task",
					logkeys.TaskID, t.ID,
					logkeys.InstanceID, t.InstanceID,
					"error", err,
				)
			}

			if sem != nil {
				<-sem
			}
		}()
	}

	wg.Wait()

	p.dispatcherDone <- struct{}{}
}
