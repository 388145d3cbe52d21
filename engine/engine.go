// Package engine is the public facade of the process engine: deploying
// definitions, starting instances, completing external tasks, and
// resuming acquired internal tasks.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/procflow/procflow/backend"
	"github.com/procflow/procflow/core"
	"github.com/procflow/procflow/events"
	"github.com/procflow/procflow/internal/executor"
	"github.com/procflow/procflow/internal/logkeys"
	"github.com/procflow/procflow/internal/metrickeys"
	"github.com/procflow/procflow/internal/navigator"
	"github.com/procflow/procflow/metrics"
	"github.com/procflow/procflow/registry"
)

// StartProcessOptions configure a new process instance.
type StartProcessOptions struct {
	BusinessKey   string
	Variables     map[string]any
	Tenant        string
	BusinessValue string
}

// Engine executes process definitions against a repository. Construct it
// once with a registry holding all delegates and decision rules, then
// share it between request handlers and the task acquirer.
type Engine struct {
	repo    backend.Repository
	options *Options

	flow         *executor.FlowNodeExecutor
	continuation *executor.ContinuationService
	failures     *executor.FailureHandler
	dispatcher   *events.Dispatcher

	definitions *ttlcache.Cache[string, *core.ProcessDefinition]

	logger *slog.Logger
	mc     metrics.Client
	tracer trace.Tracer
	clock  clock.Clock
}

func New(repo backend.Repository, reg *registry.Registry, opts ...Option) *Engine {
	options := ApplyOptions(opts...)
	ropts := repo.Options()

	dispatcher := events.NewDispatcher(ropts.Logger, options.MaxEventDispatch, options.Listeners...)

	nav := navigator.New(reg)
	tasks := executor.NewTaskExecutor(reg)

	definitions := ttlcache.New(
		ttlcache.WithCapacity[string, *core.ProcessDefinition](uint64(options.DefinitionCacheSize)),
		ttlcache.WithTTL[string, *core.ProcessDefinition](options.DefinitionCacheTTL),
	)

	return &Engine{
		repo:    repo,
		options: options,

		flow: executor.NewFlowNodeExecutor(tasks, nav, ropts.Logger),
		continuation: executor.NewContinuationService(repo, dispatcher, executor.ContinuationOptions{
			DefaultTaskRetries: options.DefaultTaskRetries,
			StatsEnabled:       options.StatsEnabled,
			OutboxEnabled:      options.OutboxEnabled,
		}),
		failures:   executor.NewFailureHandler(repo, options.RetryDelay),
		dispatcher: dispatcher,

		definitions: definitions,

		logger: ropts.Logger,
		mc:     ropts.Metrics,
		tracer: ropts.TracerProvider.Tracer(backend.TracerName),
		clock:  ropts.Clock,
	}
}

// Deploy stores a new version of the given definition. Redeploying
// content identical to the latest version of the same key is a no-op
// returning the existing definition; changed content increments the
// version. The stored definition is immutable.
func (e *Engine) Deploy(ctx context.Context, def *core.ProcessDefinition) (*core.ProcessDefinition, error) {
	ctx, span := e.tracer.Start(ctx, "Deploy", trace.WithAttributes(
		attribute.String(logkeys.DefinitionKey, def.Key),
	))
	defer span.End()

	if err := def.Validate(); err != nil {
		return nil, err
	}

	checksum, err := def.ContentChecksum()
	if err != nil {
		return nil, err
	}

	latest, err := e.repo.FindLatestProcessDefinitionByKey(ctx, def.Key)
	if err != nil && !errors.Is(err, backend.ErrDefinitionNotFound) {
		return nil, fmt.Errorf("looking up latest definition: %w", err)
	}

	if latest != nil && latest.Checksum == checksum {
		return latest, nil
	}

	version := 1
	if latest != nil {
		version = latest.Version + 1
	}

	stored := &core.ProcessDefinition{
		ID:          uuid.NewString(),
		Key:         def.Key,
		Name:        def.Name,
		Version:     version,
		Checksum:    checksum,
		Nodes:       def.Nodes,
		StartNodeID: def.StartNodeID,
	}

	if err := e.repo.SaveProcessDefinition(ctx, stored); err != nil {
		return nil, fmt.Errorf("saving definition: %w", err)
	}

	// Redeploy invalidates the cached latest version for this key.
	e.definitions.Delete(keyCacheKey(def.Key))
	e.definitions.Set(idCacheKey(stored.ID), stored, ttlcache.DefaultTTL)

	e.logger.InfoContext(ctx, "deployed process definition",
		logkeys.DefinitionKey, stored.Key,
		logkeys.DefinitionID, stored.ID,
		"version", stored.Version,
	)

	return stored, nil
}

// InvalidateDefinitions drops all cached definitions.
func (e *Engine) InvalidateDefinitions() {
	e.definitions.DeleteAll()
}

// Start creates and runs a new process instance of the latest definition
// deployed under the given key. It executes synchronously until the
// first suspension boundary or completion and returns the committed
// snapshot. A failing delegate fails the start; nothing is persisted
// beyond the instance itself, which is removed again.
func (e *Engine) Start(ctx context.Context, definitionKey string, options StartProcessOptions) (*core.ProcessInstanceSnapshot, error) {
	ctx, span := e.tracer.Start(ctx, "StartProcess", trace.WithAttributes(
		attribute.String(logkeys.DefinitionKey, definitionKey),
		attribute.String(logkeys.BusinessKey, options.BusinessKey),
	))
	defer span.End()

	def, err := e.latestDefinition(ctx, definitionKey)
	if err != nil {
		return nil, err
	}

	start, err := def.StartNode()
	if err != nil {
		return nil, err
	}

	instance := &core.ProcessInstance{
		ID:            uuid.NewString(),
		BusinessKey:   options.BusinessKey,
		State:         core.InstanceStateActive,
		DefinitionID:  def.ID,
		Variables:     maps.Clone(options.Variables),
		StartedAt:     e.clock.Now(),
		Tenant:        options.Tenant,
		BusinessValue: options.BusinessValue,
	}

	if err := e.repo.CreateProcessInstance(ctx, instance); err != nil {
		return nil, fmt.Errorf("creating process instance: %w", err)
	}

	result, err := e.flow.Run(ctx, start, instance, def)
	if err != nil {
		span.RecordError(err)

		// The segment committed nothing; remove the bare instance again.
		if derr := e.repo.DeleteProcessInstanceByID(ctx, instance.ID); derr != nil {
			e.logger.ErrorContext(ctx, "could not remove instance after failed start",
				logkeys.InstanceID, instance.ID, "error", derr)
		}

		return nil, err
	}

	snapshot, err := e.continuation.HandleContinuation(ctx, result)
	if err != nil {
		return nil, err
	}

	e.mc.Counter(metrickeys.ProcessInstanceStarted, metrics.Tags{metrickeys.DefinitionKey: def.Key}, 1)

	e.logger.DebugContext(ctx, "started process instance",
		logkeys.InstanceID, instance.ID,
		logkeys.DefinitionKey, def.Key,
		logkeys.BusinessKey, options.BusinessKey,
	)

	return snapshot, nil
}

// CompleteExternalTask completes a wait state with the given variables
// and resumes execution behind it. Completing a task that no longer
// exists (for example because an interruptive boundary timer fired
// first) fails with backend.ErrExternalTaskNotFound.
func (e *Engine) CompleteExternalTask(ctx context.Context, taskID string, variables map[string]any) (*core.ProcessInstanceSnapshot, error) {
	ctx, span := e.tracer.Start(ctx, "CompleteExternalTask", trace.WithAttributes(
		attribute.String(logkeys.TaskID, taskID),
	))
	defer span.End()

	task, err := e.repo.FindExternalTaskByID(ctx, taskID)
	if err != nil {
		return nil, err
	}

	instance, err := e.repo.FindProcessInstanceByID(ctx, task.InstanceID)
	if err != nil {
		return nil, err
	}

	def, err := e.definitionByID(ctx, instance.DefinitionID)
	if err != nil {
		return nil, err
	}

	node, err := def.Node(task.NodeID)
	if err != nil {
		return nil, err
	}

	for name, value := range variables {
		instance.SetVariable(name, value)
	}

	// The wait state itself is not executed; the segment starts at the
	// node and navigates onward.
	result, err := e.flow.Run(ctx, node, instance, def)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	result.CompletedExternal = task

	snapshot, err := e.continuation.HandleContinuation(ctx, result)
	if err != nil {
		return nil, err
	}

	e.mc.Counter(metrickeys.ExternalTaskCompleted, metrics.Tags{}, 1)

	return snapshot, nil
}

// ExecuteFromTask resumes execution of an acquired executable task. This
// is the task acquirer's entry point back into the engine. Execution
// errors are routed through the failure handler (retry or incident) and
// returned to the caller for logging.
func (e *Engine) ExecuteFromTask(ctx context.Context, task *core.ExecutableTask) error {
	ctx, span := e.tracer.Start(ctx, "ExecuteFromTask", trace.WithAttributes(
		attribute.String(logkeys.TaskID, task.ID),
		attribute.String(logkeys.InstanceID, task.InstanceID),
	))
	defer span.End()

	instance, err := e.repo.FindProcessInstanceByID(ctx, task.InstanceID)
	if err != nil {
		return err
	}

	def, err := e.definitionByID(ctx, instance.DefinitionID)
	if err != nil {
		return err
	}

	node, err := def.Node(task.NodeID)
	if err != nil {
		return err
	}

	result, err := e.flow.Run(ctx, node, instance, def)
	if err != nil {
		span.RecordError(err)

		if herr := e.failures.HandleFailure(ctx, task, err); herr != nil {
			return herr
		}

		return fmt.Errorf("executing task %s: %w", task.ID, err)
	}

	result.CompletedExecutable = task

	if _, err := e.continuation.HandleContinuation(ctx, result); err != nil {
		return err
	}

	e.mc.Counter(metrickeys.SegmentExecuted, metrics.Tags{}, 1)

	return nil
}

// Instance returns the snapshot of an active or completed instance.
func (e *Engine) Instance(ctx context.Context, instanceID string) (*core.ProcessInstanceSnapshot, error) {
	return e.repo.FindProcessInstanceSnapshotByID(ctx, instanceID)
}

// ExternalTasks lists the open external tasks of an instance.
func (e *Engine) ExternalTasks(ctx context.Context, instanceID string) ([]*core.ExternalTask, error) {
	return e.repo.FindExternalTasksByProcessInstanceID(ctx, instanceID)
}

// Incidents lists the incidents recorded for an instance.
func (e *Engine) Incidents(ctx context.Context, instanceID string) ([]*core.Incident, error) {
	return e.repo.FindIncidentsByProcessInstanceID(ctx, instanceID)
}

// Stats returns the repository's point-in-time counts.
func (e *Engine) Stats(ctx context.Context) (*backend.Stats, error) {
	return e.repo.GetStats(ctx)
}

// WaitForInstance waits for the given instance to complete or until the
// timeout expires.
func (e *Engine) WaitForInstance(ctx context.Context, instanceID string, timeout time.Duration) error {
	if timeout == 0 {
		timeout = time.Second * 20
	}

	ctx, span := e.tracer.Start(ctx, "WaitForInstance", trace.WithAttributes(
		attribute.String(logkeys.InstanceID, instanceID),
	))
	defer span.End()

	b := backoff.ExponentialBackOff{
		InitialInterval:     time.Millisecond * 1,
		MaxInterval:         time.Second * 1,
		Multiplier:          1.5,
		RandomizationFactor: 0.5,
		MaxElapsedTime:      timeout,
		Stop:                backoff.Stop,
		Clock:               e.clock,
	}
	b.Reset()

	ticker := backoff.NewTicker(&b)
	defer ticker.Stop()

	for range ticker.C {
		snapshot, err := e.repo.FindProcessInstanceSnapshotByID(ctx, instanceID)
		if err != nil {
			return fmt.Errorf("getting instance state: %w", err)
		}

		if snapshot.Completed() {
			return nil
		}
	}

	return errors.New("process instance did not finish in specified timeout")
}

// WaitForDispatchedEvents blocks until in-flight best-effort event
// deliveries have finished. Intended for shutdown and tests.
func (e *Engine) WaitForDispatchedEvents() {
	e.dispatcher.Wait()
}

func (e *Engine) latestDefinition(ctx context.Context, key string) (*core.ProcessDefinition, error) {
	if item := e.definitions.Get(keyCacheKey(key)); item != nil {
		return item.Value(), nil
	}

	def, err := e.repo.FindLatestProcessDefinitionByKey(ctx, key)
	if err != nil {
		return nil, err
	}

	e.definitions.Set(keyCacheKey(key), def, ttlcache.DefaultTTL)
	e.definitions.Set(idCacheKey(def.ID), def, ttlcache.DefaultTTL)

	return def, nil
}

func (e *Engine) definitionByID(ctx context.Context, id string) (*core.ProcessDefinition, error) {
	if item := e.definitions.Get(idCacheKey(id)); item != nil {
		return item.Value(), nil
	}

	def, err := e.repo.FindProcessDefinitionByID(ctx, id)
	if err != nil {
		return nil, err
	}

	e.definitions.Set(idCacheKey(id), def, ttlcache.DefaultTTL)

	return def, nil
}

func keyCacheKey(key string) string {
	return "key/" + key
}

func idCacheKey(id string) string {
	return "id/" + id
}
