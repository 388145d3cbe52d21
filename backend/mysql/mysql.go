// Package mysql provides a MySQL-backed repository. The schema is
// managed with embedded golang-migrate migrations applied on open.
// Due-task acquisition uses SELECT ... FOR UPDATE SKIP LOCKED so that
// concurrent workers never claim the same task.
package mysql

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	mysqlmigrate "github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/procflow/procflow/backend"
	"github.com/procflow/procflow/core"

	_ "github.com/go-sql-driver/mysql"
)

//go:embed db/migrations/*.sql
var migrationsFS embed.FS

// NewMysqlRepository creates a repository on the given MySQL database,
// applying pending schema migrations.
func NewMysqlRepository(host string, port int, user, password, database string, opts ...backend.BackendOption) (backend.Repository, error) {
	// clientFoundRows makes affected-row counts report matched rows, so
	// no-op updates are not mistaken for missing rows.
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&interpolateParams=true&clientFoundRows=true", user, password, host, port, database)

	db, err := sql.Open("mysql", dsn+"&multiStatements=true")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := migrateSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &mysqlRepository{
		db:      db,
		options: backend.ApplyOptions(opts...),
	}, nil
}

func migrateSchema(db *sql.DB) error {
	source, err := iofs.New(migrationsFS, "db/migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}

	driver, err := mysqlmigrate.WithInstance(db, &mysqlmigrate.Config{})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "mysql", driver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrating schema: %w", err)
	}

	return nil
}

type mysqlRepository struct {
	db      *sql.DB
	options backend.Options
}

func (r *mysqlRepository) Options() *backend.Options {
	return &r.options
}

func (r *mysqlRepository) Close() error {
	return r.db.Close()
}

func (r *mysqlRepository) CreateProcessInstance(ctx context.Context, instance *core.ProcessInstance) error {
	variables, err := json.Marshal(instance.Variables)
	if err != nil {
		return fmt.Errorf("marshaling variables: %w", err)
	}

	res, err := r.db.ExecContext(
		ctx,
		`INSERT IGNORE INTO instances
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

func (r *mysqlRepository) FindProcessInstanceByID(ctx context.Context, id string) (*core.ProcessInstance, error) {
	row := r.db.QueryRowContext(
		ctx,
		`SELECT id, business_key, state, definition_id, variables, started_at, ended_at, tenant, business_value
			FROM instances WHERE id = ?`,
		id,
	)

	return scanInstance(row)
}

func (r *mysqlRepository) FindProcessInstanceSnapshotByID(ctx context.Context, id string) (*core.ProcessInstanceSnapshot, error) {
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

func (r *mysqlRepository) UpdateProcessInstance(ctx context.Context, instance *core.ProcessInstance) error {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := updateInstance(ctx, tx, instance); err != nil {
		return err
	}

	return tx.Commit()
}

func (r *mysqlRepository) DeleteProcessInstanceByID(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM instances WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting process instance: %w", err)
	}

	return oneRowAffected(res, backend.ErrInstanceNotFound)
}

func (r *mysqlRepository) SaveProcessDefinition(ctx context.Context, def *core.ProcessDefinition) error {
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

func (r *mysqlRepository) FindProcessDefinitionByID(ctx context.Context, id string) (*core.ProcessDefinition, error) {
	return scanDefinition(r.db.QueryRowContext(ctx, "SELECT content FROM definitions WHERE id = ?", id))
}

func (r *mysqlRepository) FindLatestProcessDefinitionByKey(ctx context.Context, key string) (*core.ProcessDefinition, error) {
	return scanDefinition(r.db.QueryRowContext(
		ctx,
		"SELECT content FROM definitions WHERE def_key = ? ORDER BY version DESC LIMIT 1",
		key,
	))
}

func (r *mysqlRepository) CreateExecutableTask(ctx context.Context, task *core.ExecutableTask) error {
	return insertExecutableTask(ctx, r.db, task)
}

func (r *mysqlRepository) CreateExternalTask(ctx context.Context, task *core.ExternalTask) error {
	return insertExternalTask(ctx, r.db, task)
}

func (r *mysqlRepository) FindExternalTaskByID(ctx context.Context, id string) (*core.ExternalTask, error) {
	row := r.db.QueryRowContext(
		ctx,
		`SELECT id, node_id, name, definition_id, instance_id, status, assignee, topic, boundary_task_ids
			FROM external_tasks WHERE id = ?`,
		id,
	)

	return scanExternalTask(row)
}

func (r *mysqlRepository) FindExternalTasksByProcessInstanceID(ctx context.Context, instanceID string) ([]*core.ExternalTask, error) {
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

func (r *mysqlRepository) FindAndLockDueTasks(ctx context.Context, now time.Time, limit int, workerID string) ([]*core.ExecutableTask, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	leaseExpiry := now.Add(-r.options.TaskLockTimeout)

	rows, err := tx.QueryContext(
		ctx,
		`SELECT id, node_id, name, definition_id, instance_id, due_date, retries, status,
				error_message, executor_id, acquired_at, attached_to_id, attached_to_kind, boundary_task_ids
			FROM executable_tasks
			WHERE (status = ? AND due_date <= ?)
				OR (status = ? AND acquired_at IS NOT NULL AND acquired_at <= ?)
			ORDER BY due_date
			LIMIT ?
			FOR UPDATE SKIP LOCKED`,
		string(core.TaskStatusPending), now.UnixNano(),
		string(core.TaskStatusLocked), leaseExpiry.UnixNano(),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("selecting due tasks: %w", err)
	}

	var tasks []*core.ExecutableTask
	for rows.Next() {
		task, err := scanExecutableTask(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}

		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, task := range tasks {
		if _, err := tx.ExecContext(
			ctx,
			"UPDATE executable_tasks SET status = ?, executor_id = ?, acquired_at = ? WHERE id = ?",
			string(core.TaskStatusLocked), workerID, now.UnixNano(), task.ID,
		); err != nil {
			return nil, fmt.Errorf("locking task: %w", err)
		}

		task.Status = core.TaskStatusLocked
		task.ExecutorID = workerID
		acquired := now
		task.AcquiredAt = &acquired
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return tasks, nil
}

func (r *mysqlRepository) UpdateExecutableTaskRetries(ctx context.Context, id string, retriesLeft int, nextDue time.Time, errorMessage string, status core.TaskStatus) error {
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

func (r *mysqlRepository) UpdateExecutableTaskStatus(ctx context.Context, id string, status core.TaskStatus, errorMessage string) error {
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

func (r *mysqlRepository) FindIncidentsByProcessInstanceID(ctx context.Context, instanceID string) ([]*core.Incident, error) {
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

func (r *mysqlRepository) CommitWork(ctx context.Context, work *core.UnitOfWork) error {
	if work.InstanceToUpdate != nil && work.InstanceToDelete != nil {
		return fmt.Errorf("unit of work updates and deletes an instance")
	}

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
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
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO incidents (id, incident_type, message, stack, definition_id, instance_id, task_id, created_at, status)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			incident.ID, incident.Type, incident.Message, incident.Stack,
			incident.DefinitionID, incident.InstanceID, incident.TaskID,
			incident.CreatedAt.UnixNano(), string(incident.Status),
		); err != nil {
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

func (r *mysqlRepository) GetStats(ctx context.Context) (*backend.Stats, error) {
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

func (r *mysqlRepository) ReadAndLockNextOutboxBatch(ctx context.Context, n int) (*core.OutboxBatch, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := r.options.Clock.Now()
	batchID := uuid.NewString()

	rows, err := tx.QueryContext(
		ctx,
		`SELECT seq, event FROM outbox
			WHERE locked_until IS NULL OR locked_until <= ?
			ORDER BY seq
			LIMIT ?
			FOR UPDATE SKIP LOCKED`,
		now.UnixNano(), n,
	)
	if err != nil {
		return nil, fmt.Errorf("selecting outbox events: %w", err)
	}

	var seqs []int64
	var batchEvents []*core.Event
	for rows.Next() {
		var seq int64
		var payload string

		if err := rows.Scan(&seq, &payload); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning outbox event: %w", err)
		}

		var event core.Event
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			rows.Close()
			return nil, fmt.Errorf("unmarshaling outbox event: %w", err)
		}

		seqs = append(seqs, seq)
		batchEvents = append(batchEvents, &event)
	}

	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(batchEvents) == 0 {
		return nil, nil
	}

	lockedUntil := now.Add(r.options.OutboxLockTimeout).UnixNano()
	for _, seq := range seqs {
		if _, err := tx.ExecContext(
			ctx,
			"UPDATE outbox SET batch_id = ?, locked_until = ? WHERE seq = ?",
			batchID, lockedUntil, seq,
		); err != nil {
			return nil, fmt.Errorf("locking outbox event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &core.OutboxBatch{ID: batchID, Events: batchEvents}, nil
}

func (r *mysqlRepository) ConfirmOutboxBatch(ctx context.Context, batch *core.OutboxBatch) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM outbox WHERE batch_id = ?", batch.ID)
	if err != nil {
		return fmt.Errorf("confirming outbox batch: %w", err)
	}

	return nil
}
