package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	goerrors "github.com/go-errors/errors"
	"github.com/google/uuid"

	"github.com/procflow/procflow/backend"
	"github.com/procflow/procflow/core"
	"github.com/procflow/procflow/internal/logkeys"
	"github.com/procflow/procflow/internal/metrickeys"
	"github.com/procflow/procflow/metrics"
)

// IncidentTypeTaskExecution is the incident type for tasks that exhausted
// their retry budget.
const IncidentTypeTaskExecution = "task-execution-failure"

// RetryDelayFunc computes the backoff delay before a task's next attempt,
// given how many retries remain.
type RetryDelayFunc func(retriesLeft int) time.Duration

// FailureHandler decides, for a failed task execution, between
// retry-with-backoff and incident escalation.
type FailureHandler struct {
	repo       backend.Repository
	retryDelay RetryDelayFunc

	logger  *slog.Logger
	metrics metrics.Client
	clock   clock.Clock
}

func NewFailureHandler(repo backend.Repository, retryDelay RetryDelayFunc) *FailureHandler {
	ropts := repo.Options()

	return &FailureHandler{
		repo:       repo,
		retryDelay: retryDelay,
		logger:     ropts.Logger,
		metrics:    ropts.Metrics,
		clock:      ropts.Clock,
	}
}

// HandleFailure decrements the task's retry budget. While retries remain
// the task is reset to pending with a backoff due date, as a direct
// update since no records are created or deleted. Once the budget is
// exhausted the task is marked ERROR and exactly one open incident is
// committed through the unit-of-work path. Incidents are resolved out of
// band; the engine never requeues an errored task.
func (h *FailureHandler) HandleFailure(ctx context.Context, task *core.ExecutableTask, execErr error) error {
	task.Retries--

	if task.Retries > 0 && !permanent(execErr) {
		nextDue := h.clock.Now().Add(h.retryDelay(task.Retries))

		h.logger.WarnContext(ctx, "task execution failed, scheduling retry",
			logkeys.TaskID, task.ID,
			logkeys.InstanceID, task.InstanceID,
			logkeys.RetriesLeft, task.Retries,
			logkeys.DueDate, nextDue,
			"error", execErr,
		)

		h.metrics.Counter(metrickeys.ExecutableTaskRetried, metrics.Tags{}, 1)

		if err := h.repo.UpdateExecutableTaskRetries(ctx, task.ID, task.Retries, nextDue, execErr.Error(), core.TaskStatusPending); err != nil {
			return fmt.Errorf("recording task retry: %w", err)
		}

		return nil
	}

	h.logger.ErrorContext(ctx, "task exhausted retries, creating incident",
		logkeys.TaskID, task.ID,
		logkeys.InstanceID, task.InstanceID,
		"error", execErr,
	)

	if err := h.repo.UpdateExecutableTaskStatus(ctx, task.ID, core.TaskStatusError, execErr.Error()); err != nil {
		return fmt.Errorf("marking task as errored: %w", err)
	}

	incident := &core.Incident{
		ID:           uuid.NewString(),
		Type:         IncidentTypeTaskExecution,
		Message:      execErr.Error(),
		Stack:        stack(execErr),
		DefinitionID: task.DefinitionID,
		InstanceID:   task.InstanceID,
		TaskID:       task.ID,
		CreatedAt:    h.clock.Now(),
		Status:       core.IncidentStatusOpen,
	}

	if err := h.repo.CommitWork(ctx, &core.UnitOfWork{IncidentsToCreate: []*core.Incident{incident}}); err != nil {
		return fmt.Errorf("committing incident: %w", err)
	}

	h.metrics.Counter(metrickeys.IncidentCreated, metrics.Tags{}, 1)

	return nil
}

func stack(err error) string {
	goerr := goerrors.New(err)
	return string(goerr.Stack())
}

// permanent reports whether retrying can never succeed: structural
// definition errors and deliberately unimplemented paths escalate to an
// incident immediately.
func permanent(err error) bool {
	var badDef *core.BadDefinitionError
	var notImpl *core.NotImplementedError

	return errors.As(err, &badDef) || errors.As(err, &notImpl)
}
