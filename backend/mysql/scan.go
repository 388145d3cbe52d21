package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/procflow/procflow/backend"
	"github.com/procflow/procflow/core"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...any) error
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
