// Package sqlite provides an embedded SQL repository. Instance variables
// and task cross-references are stored as JSON columns; timestamps are
// stored as unix nanoseconds so due-date comparisons stay index-friendly.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/procflow/procflow/backend"
	"github.com/procflow/procflow/core"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

// NewInMemoryRepository creates a repository backed by an in-memory
// sqlite database, useful for tests.
func NewInMemoryRepository(opts ...backend.BackendOption) backend.Repository {
	r, err := newSqliteRepository("file::memory:?mode=memory&cache=shared", opts...)
	if err != nil {
		panic(err)
	}

	r.db.SetMaxOpenConns(1)

	return r
}

// NewSqliteRepository creates a repository backed by a sqlite database
// file at the given path.
func NewSqliteRepository(path string, opts ...backend.BackendOption) (backend.Repository, error) {
	return newSqliteRepository(fmt.Sprintf("file:%v", path), opts...)
}

func newSqliteRepository(dsn string, opts ...backend.BackendOption) (*sqliteRepository, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	return &sqliteRepository{
		db:      db,
		options: backend.ApplyOptions(opts...),
	}, nil
}

type sqliteRepository struct {
	db      *sql.DB
	options backend.Options
}

func (r *sqliteRepository) Options() *backend.Options {
	return &r.options
}

func (r *sqliteRepository) Close() error {
	return r.db.Close()
}

func (r *sqliteRepository) CreateProcessInstance(ctx context.Context, instance *core.ProcessInstance) error {
	variables, err := json.Marshal(instance.Variables)
	if err != nil {
		return fmt.Errorf("marshaling variables: %w", err)
	}

	res, err := r.db.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO instances
			(id, business_key, state, definition_id, variables, started_at, ended_at, tenant, business_value)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		instance.ID, instance.BusinessKey, string(instance.State), instance.DefinitionID,
		string(variables), instance.StartedAt.UnixNano(), nanosOrNil(instance.EndedAt),
		instance.Tenant, instance.BusinessValue,
	)
	if err != nil {
		return fmt.Errorf("inserting process instance: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if rows != 1 {
		return backend.ErrInstanceExists
	}

	return nil
}

func (r *sqliteRepository) FindProcessInstanceByID(ctx context.Context, id string) (*core.ProcessInstance, error) {
	row := r.db.QueryRowContext(
		ctx,
		`SELECT id, business_key, state, definition_id, variables, started_at, ended_at, tenant, business_value
			FROM instances WHERE id = ?`,
		id,
	)

	return scanInstance(row)
}

func (r *sqliteRepository) FindProcessInstanceSnapshotByID(ctx context.Context, id string) (*core.ProcessInstanceSnapshot, error) {
	instance, err := r.FindProcessInstanceByID(ctx, id)
	if err == nil {
		return instance.Snapshot(), nil
	}

	if !errors.Is(err, backend.ErrInstanceNotFound) {
		return nil, err
	}

	row := r.db.QueryRowContext(
		ctx,
		`SELECT id, business_key, state, definition_id, variables, started_at, ended_at, tenant, business_value
			FROM instances_history WHERE id = ?`,
		id,
	)

	historic, err := scanInstance(row)
	if err != nil {
		return nil, err
	}

	return historic.Snapshot(), nil
}

func (r *sqliteRepository) UpdateProcessInstance(ctx context.Context, instance *core.ProcessInstance) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := updateInstance(ctx, tx, instance); err != nil {
		return err
	}

	return tx.Commit()
}

func (r *sqliteRepository) DeleteProcessInstanceByID(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM instances WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting process instance: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if rows != 1 {
		return backend.ErrInstanceNotFound
	}

	return nil
}

func (r *sqliteRepository) SaveProcessDefinition(ctx context.Context, def *core.ProcessDefinition) error {
	content, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshaling definition: %w", err)
	}

	_, err = r.db.ExecContext(
		ctx,
		"INSERT INTO definitions (id, def_key, name, version, checksum, content) VALUES (?, ?, ?, ?, ?, ?)",
		def.ID, def.Key, def.Name, def.Version, def.Checksum, string(content),
	)
	if err != nil {
		return fmt.Errorf("inserting definition: %w", err)
	}

	return nil
}

func (r *sqliteRepository) FindProcessDefinitionByID(ctx context.Context, id string) (*core.ProcessDefinition, error) {
	return scanDefinition(r.db.QueryRowContext(ctx, "SELECT content FROM definitions WHERE id = ?", id))
}

func (r *sqliteRepository) FindLatestProcessDefinitionByKey(ctx context.Context, key string) (*core.ProcessDefinition, error) {
	return scanDefinition(r.db.QueryRowContext(
		ctx,
		"SELECT content FROM definitions WHERE def_key = ? ORDER BY version DESC LIMIT 1",
		key,
	))
}

func (r *sqliteRepository) CreateExecutableTask(ctx context.Context, task *core.ExecutableTask) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertExecutableTask(ctx, tx, task); err != nil {
		return err
	}

	return tx.Commit()
}

func (r *sqliteRepository) CreateExternalTask(ctx context.Context, task *core.ExternalTask) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertExternalTask(ctx, tx, task); err != nil {
		return err
	}

	return tx.Commit()
}

func (r *sqliteRepository) FindExternalTaskByID(ctx context.Context, id string) (*core.ExternalTask, error) {
	row := r.db.QueryRowContext(
		ctx,
		`SELECT id, node_id, name, definition_id, instance_id, status, assignee, topic, boundary_task_ids
			FROM external_tasks WHERE id = ?`,
		id,
	)

	return scanExternalTask(row)
}

func (r *sqliteRepository) FindExternalTasksByProcessInstanceID(ctx context.Context, instanceID string) ([]*core.ExternalTask, error) {
	rows, err := r.db.QueryContext(
		ctx,
		`SELECT id, node_id, name, definition_id, instance_id, status, assignee, topic, boundary_task_ids
			FROM external_tasks WHERE instance_id = ? ORDER BY id`,
		instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying external tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*core.ExternalTask
	for rows.Next() {
		task, err := scanExternalTask(rows)
		if err != nil {
			return nil, err
		}

		tasks = append(tasks, task)
	}

	return tasks, rows.Err()
}

func (r *sqliteRepository) FindAndLockDueTasks(ctx context.Context, now time.Time, limit int, workerID string) ([]*core.ExecutableTask, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// Locked tasks whose lease has expired are reclaimed alongside due
	// pending tasks.
	leaseExpiry := now.Add(-r.options.TaskLockTimeout)

	rows, err := tx.QueryContext(
		ctx,
		`UPDATE executable_tasks
			SET status = ?, executor_id = ?, acquired_at = ?
			WHERE id IN (
				SELECT id FROM executable_tasks
					WHERE (status = ? AND due_date <= ?)
						OR (status = ? AND acquired_at IS NOT NULL AND acquired_at <= ?)
					ORDER BY due_date
					LIMIT ?
			)
			RETURNING id, node_id, name, definition_id, instance_id, due_date, retries, status,
				error_message, executor_id, acquired_at, attached_to_id, attached_to_kind, boundary_task_ids`,
		string(core.TaskStatusLocked), workerID, now.UnixNano(),
		string(core.TaskStatusPending), now.UnixNano(),
		string(core.TaskStatusLocked), leaseExpiry.UnixNano(),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("locking due tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*core.ExecutableTask
	for rows.Next() {
		task, err := scanExecutableTask(rows)
		if err != nil {
			return nil, err
		}

		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return tasks, nil
}

func (r *sqliteRepository) UpdateExecutableTaskRetries(ctx context.Context, id string, retriesLeft int, nextDue time.Time, errorMessage string, status core.TaskStatus) error {
	res, err := r.db.ExecContext(
		ctx,
		`UPDATE executable_tasks
			SET retries = ?, due_date = ?, error_message = ?, status = ?, executor_id = NULL, acquired_at = NULL
			WHERE id = ?`,
		retriesLeft, nextDue.UnixNano(), errorMessage, string(status), id,
	)
	if err != nil {
		return fmt.Errorf("updating task retries: %w", err)
	}

	return oneRowAffected(res, backend.ErrTaskNotFound)
}

func (r *sqliteRepository) UpdateExecutableTaskStatus(ctx context.Context, id string, status core.TaskStatus, errorMessage string) error {
	res, err := r.db.ExecContext(
		ctx,
		"UPDATE executable_tasks SET status = ?, error_message = ? WHERE id = ?",
		string(status), errorMessage, id,
	)
	if err != nil {
		return fmt.Errorf("updating task status: %w", err)
	}

	return oneRowAffected(res, backend.ErrTaskNotFound)
}

func (r *sqliteRepository) FindIncidentsByProcessInstanceID(ctx context.Context, instanceID string) ([]*core.Incident, error) {
	rows, err := r.db.QueryContext(
		ctx,
		`SELECT id, incident_type, message, stack, definition_id, instance_id, task_id, created_at, status
			FROM incidents WHERE instance_id = ? ORDER BY created_at`,
		instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying incidents: %w", err)
	}
	defer rows.Close()

	var incidents []*core.Incident
	for rows.Next() {
		var i core.Incident
		var createdAt int64

		if err := rows.Scan(&i.ID, &i.Type, &i.Message, &i.Stack, &i.DefinitionID, &i.InstanceID, &i.TaskID, &createdAt, &i.Status); err != nil {
			return nil, fmt.Errorf("scanning incident: %w", err)
		}

		i.CreatedAt = time.Unix(0, createdAt)
		incidents = append(incidents, &i)
	}

	return incidents, rows.Err()
}

func (r *sqliteRepository) CommitWork(ctx context.Context, work *core.UnitOfWork) error {
	if work.InstanceToUpdate != nil && work.InstanceToDelete != nil {
		return fmt.Errorf("unit of work updates and deletes an instance")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if work.InstanceToUpdate != nil {
		if err := updateInstance(ctx, tx, work.InstanceToUpdate); err != nil {
			return err
		}
	}

	if work.InstanceToDelete != nil {
		if err := moveInstanceToHistory(ctx, tx, work.InstanceToDelete); err != nil {
			return err
		}
	}

	for _, task := range work.ExecutableTasksToCreate {
		if err := insertExecutableTask(ctx, tx, task); err != nil {
			return err
		}
	}

	for _, task := range work.ExternalTasksToCreate {
		if err := insertExternalTask(ctx, tx, task); err != nil {
			return err
		}
	}

	// A deletion that no longer matches means another segment of this
	// instance committed first; roll the whole unit of work back.
	for _, id := range work.ExecutableTaskIDsToDelete {
		res, err := tx.ExecContext(ctx, "DELETE FROM executable_tasks WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("deleting executable task: %w", err)
		}

		if err := oneRowAffected(res, fmt.Errorf("executable task %s: %w", id, backend.ErrTaskNotFound)); err != nil {
			return err
		}
	}

	for _, id := range work.ExternalTaskIDsToDelete {
		res, err := tx.ExecContext(ctx, "DELETE FROM external_tasks WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("deleting external task: %w", err)
		}

		if err := oneRowAffected(res, fmt.Errorf("external task %s: %w", id, backend.ErrExternalTaskNotFound)); err != nil {
			return err
		}
	}

	for _, incident := range work.IncidentsToCreate {
		_, err := tx.ExecContext(
			ctx,
			`INSERT INTO incidents (id, incident_type, message, stack, definition_id, instance_id, task_id, created_at, status)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			incident.ID, incident.Type, incident.Message, incident.Stack,
			incident.DefinitionID, incident.InstanceID, incident.TaskID,
			incident.CreatedAt.UnixNano(), string(incident.Status),
		)
		if err != nil {
			return fmt.Errorf("inserting incident: %w", err)
		}
	}

	for _, event := range work.CriticalEvents {
		payload, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("marshaling event: %w", err)
		}

		if _, err := tx.ExecContext(
			ctx,
			"INSERT INTO outbox (event_id, event) VALUES (?, ?)",
			event.ID, string(payload),
		); err != nil {
			return fmt.Errorf("inserting outbox event: %w", err)
		}
	}

	return tx.Commit()
}

func (r *sqliteRepository) GetStats(ctx context.Context) (*backend.Stats, error) {
	stats := &backend.Stats{}

	counts := []struct {
		query string
		dest  *int64
		args  []any
	}{
		{"SELECT COUNT(*) FROM instances", &stats.ActiveProcessInstances, nil},
		{"SELECT COUNT(*) FROM executable_tasks WHERE status = ?", &stats.PendingExecutableTasks, []any{string(core.TaskStatusPending)}},
		{"SELECT COUNT(*) FROM external_tasks", &stats.OpenExternalTasks, nil},
		{"SELECT COUNT(*) FROM incidents WHERE status = ?", &stats.OpenIncidents, []any{string(core.IncidentStatusOpen)}},
	}

	for _, c := range counts {
		if err := r.db.QueryRowContext(ctx, c.query, c.args...).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("counting: %w", err)
		}
	}

	return stats, nil
}

func (r *sqliteRepository) ReadAndLockNextOutboxBatch(ctx context.Context, n int) (*core.OutboxBatch, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := r.options.Clock.Now()
	batchID := uuid.NewString()

	rows, err := tx.QueryContext(
		ctx,
		`UPDATE outbox
			SET batch_id = ?, locked_until = ?
			WHERE seq IN (
				SELECT seq FROM outbox
					WHERE locked_until IS NULL OR locked_until <= ?
					ORDER BY seq
					LIMIT ?
			)
			RETURNING event`,
		batchID, now.Add(r.options.OutboxLockTimeout).UnixNano(), now.UnixNano(), n,
	)
	if err != nil {
		return nil, fmt.Errorf("locking outbox batch: %w", err)
	}
	defer rows.Close()

	var batchEvents []*core.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scanning outbox event: %w", err)
		}

		var event core.Event
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			return nil, fmt.Errorf("unmarshaling outbox event: %w", err)
		}

		batchEvents = append(batchEvents, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	if len(batchEvents) == 0 {
		return nil, nil
	}

	return &core.OutboxBatch{ID: batchID, Events: batchEvents}, nil
}

func (r *sqliteRepository) ConfirmOutboxBatch(ctx context.Context, batch *core.OutboxBatch) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM outbox WHERE batch_id = ?", batch.ID)
	if err != nil {
		return fmt.Errorf("confirming outbox batch: %w", err)
	}

	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func updateInstance(ctx context.Context, tx execer, instance *core.ProcessInstance) error {
	variables, err := json.Marshal(instance.Variables)
	if err != nil {
		return fmt.Errorf("marshaling variables: %w", err)
	}

	res, err := tx.ExecContext(
		ctx,
		`UPDATE instances
			SET business_key = ?, state = ?, variables = ?, ended_at = ?, tenant = ?, business_value = ?
			WHERE id = ?`,
		instance.BusinessKey, string(instance.State), string(variables),
		nanosOrNil(instance.EndedAt), instance.Tenant, instance.BusinessValue,
		instance.ID,
	)
	if err != nil {
		return fmt.Errorf("updating process instance: %w", err)
	}

	return oneRowAffected(res, backend.ErrInstanceNotFound)
}

func moveInstanceToHistory(ctx context.Context, tx execer, instance *core.ProcessInstance) error {
	variables, err := json.Marshal(instance.Variables)
	if err != nil {
		return fmt.Errorf("marshaling variables: %w", err)
	}

	res, err := tx.ExecContext(ctx, "DELETE FROM instances WHERE id = ?", instance.ID)
	if err != nil {
		return fmt.Errorf("deleting process instance: %w", err)
	}

	if err := oneRowAffected(res, backend.ErrInstanceNotFound); err != nil {
		return err
	}

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO instances_history
			(id, business_key, state, definition_id, variables, started_at, ended_at, tenant, business_value)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		instance.ID, instance.BusinessKey, string(instance.State), instance.DefinitionID,
		string(variables), instance.StartedAt.UnixNano(), nanosOrNil(instance.EndedAt),
		instance.Tenant, instance.BusinessValue,
	)
	if err != nil {
		return fmt.Errorf("inserting historic instance: %w", err)
	}

	return nil
}

func insertExecutableTask(ctx context.Context, tx execer, task *core.ExecutableTask) error {
	boundaryIDs, err := json.Marshal(task.BoundaryTaskIDs)
	if err != nil {
		return fmt.Errorf("marshaling boundary task ids: %w", err)
	}

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO executable_tasks
			(id, node_id, name, definition_id, instance_id, due_date, retries, status,
				error_message, executor_id, acquired_at, attached_to_id, attached_to_kind, boundary_task_ids)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.NodeID, task.Name, task.DefinitionID, task.InstanceID,
		task.DueDate.UnixNano(), task.Retries, string(task.Status),
		task.ErrorMessage, task.ExecutorID, nanosOrNil(task.AcquiredAt),
		task.AttachedToID, string(task.AttachedToKind), string(boundaryIDs),
	)
	if err != nil {
		return fmt.Errorf("inserting executable task: %w", err)
	}

	return nil
}

func insertExternalTask(ctx context.Context, tx execer, task *core.ExternalTask) error {
	boundaryIDs, err := json.Marshal(task.BoundaryTaskIDs)
	if err != nil {
		return fmt.Errorf("marshaling boundary task ids: %w", err)
	}

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO external_tasks
			(id, node_id, name, definition_id, instance_id, status, assignee, topic, boundary_task_ids)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.NodeID, task.Name, task.DefinitionID, task.InstanceID,
		string(task.Status), task.Assignee, task.Topic, string(boundaryIDs),
	)
	if err != nil {
		return fmt.Errorf("inserting external task: %w", err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*core.ProcessInstance, error) {
	var instance core.ProcessInstance
	var variables string
	var startedAt int64
	var endedAt sql.NullInt64

	err := row.Scan(
		&instance.ID, &instance.BusinessKey, &instance.State, &instance.DefinitionID,
		&variables, &startedAt, &endedAt, &instance.Tenant, &instance.BusinessValue,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, backend.ErrInstanceNotFound
		}

		return nil, fmt.Errorf("scanning process instance: %w", err)
	}

	if err := json.Unmarshal([]byte(variables), &instance.Variables); err != nil {
		return nil, fmt.Errorf("unmarshaling variables: %w", err)
	}

	instance.StartedAt = time.Unix(0, startedAt)
	if endedAt.Valid {
		t := time.Unix(0, endedAt.Int64)
		instance.EndedAt = &t
	}

	return &instance, nil
}

func scanDefinition(row rowScanner) (*core.ProcessDefinition, error) {
	var content string

	if err := row.Scan(&content); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, backend.ErrDefinitionNotFound
		}

		return nil, fmt.Errorf("scanning definition: %w", err)
	}

	var def core.ProcessDefinition
	if err := json.Unmarshal([]byte(content), &def); err != nil {
		return nil, fmt.Errorf("unmarshaling definition: %w", err)
	}

	return &def, nil
}

func scanExecutableTask(row rowScanner) (*core.ExecutableTask, error) {
	var task core.ExecutableTask
	var dueDate int64
	var acquiredAt sql.NullInt64
	var boundaryIDs string

	err := row.Scan(
		&task.ID, &task.NodeID, &task.Name, &task.DefinitionID, &task.InstanceID,
		&dueDate, &task.Retries, &task.Status, &task.ErrorMessage, &task.ExecutorID,
		&acquiredAt, &task.AttachedToID, &task.AttachedToKind, &boundaryIDs,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, backend.ErrTaskNotFound
		}

		return nil, fmt.Errorf("scanning executable task: %w", err)
	}

	task.DueDate = time.Unix(0, dueDate)
	if acquiredAt.Valid {
		t := time.Unix(0, acquiredAt.Int64)
		task.AcquiredAt = &t
	}

	if err := json.Unmarshal([]byte(boundaryIDs), &task.BoundaryTaskIDs); err != nil {
		return nil, fmt.Errorf("unmarshaling boundary task ids: %w", err)
	}

	return &task, nil
}

func scanExternalTask(row rowScanner) (*core.ExternalTask, error) {
	var task core.ExternalTask
	var boundaryIDs string

	err := row.Scan(
		&task.ID, &task.NodeID, &task.Name, &task.DefinitionID, &task.InstanceID,
		&task.Status, &task.Assignee, &task.Topic, &boundaryIDs,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, backend.ErrExternalTaskNotFound
		}

		return nil, fmt.Errorf("scanning external task: %w", err)
	}

	if err := json.Unmarshal([]byte(boundaryIDs), &task.BoundaryTaskIDs); err != nil {
		return nil, fmt.Errorf("unmarshaling boundary task ids: %w", err)
	}

	return &task, nil
}

func oneRowAffected(res sql.Result, notFound error) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if rows != 1 {
		return notFound
	}

	return nil
}

func nanosOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}

	return t.UnixNano()
}
