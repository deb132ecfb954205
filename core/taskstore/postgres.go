package taskstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store against the logical schema:
//
//	tasks(id, queue, type, payload_blob, priority, deps_blob, state, retry_count,
//	      max_retries, next_retry_at, timeout_ms, created_at, started_at,
//	      completed_at, result_blob, error_blob, correlation_id, parent_workflow_id)
//	workflows(id, mode, definition_blob, state, created_at, completed_at)
//	events(id, type, source, timestamp, correlation_id, payload_blob)
//
// It is the durable backend; CAS uses UPDATE ... WHERE state = $from.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore dials connString with a pool tuned for the engine's
// concurrent admission/transition traffic.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Admit(ctx context.Context, task *Task) error {
	deps, err := json.Marshal(task.Dependencies)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(task.Payload)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tasks (id, queue, type, payload_blob, priority, deps_blob, state,
			retry_count, max_retries, timeout_ms, created_at, correlation_id, parent_workflow_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, task.ID, task.Queue, task.Type, payload, task.Priority, deps, task.State,
		task.RetryCount, task.MaxRetries, task.Timeout.Milliseconds(), task.CreatedAt,
		task.CorrelationID, nullableString(task.ParentWorkflowID))
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *PostgresStore) Transition(ctx context.Context, id string, from, to TaskState, patch func(*Task)) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	current, err := s.getTaskTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if current.State != from {
		return ErrStaleState
	}
	patched := current.Clone()
	patched.State = to
	if patch != nil {
		patch(patched)
	}

	deps, _ := json.Marshal(patched.Dependencies)
	payload, _ := json.Marshal(patched.Payload)
	var resultBlob []byte
	if patched.Result != nil {
		resultBlob, _ = json.Marshal(patched.Result)
	}
	tag, err := tx.Exec(ctx, `
		UPDATE tasks SET state=$1, payload_blob=$2, deps_blob=$3, retry_count=$4,
			next_retry_at=$5, started_at=$6, completed_at=$7, result_blob=$8
		WHERE id=$9 AND state=$10
	`, patched.State, payload, deps, patched.RetryCount, patched.NextRetryAt,
		patched.StartedAt, patched.CompletedAt, resultBlob, id, from)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleState
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) getTaskTx(ctx context.Context, tx pgx.Tx, id string) (*Task, error) {
	row := tx.QueryRow(ctx, `
		SELECT id, queue, type, payload_blob, priority, deps_blob, state, retry_count,
			max_retries, next_retry_at, timeout_ms, created_at, started_at, completed_at,
			result_blob, correlation_id, COALESCE(parent_workflow_id,'')
		FROM tasks WHERE id=$1 FOR UPDATE
	`, id)
	return scanTask(row)
}

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	var payload, deps, result []byte
	var timeoutMs int64
	if err := row.Scan(&t.ID, &t.Queue, &t.Type, &payload, &t.Priority, &deps, &t.State,
		&t.RetryCount, &t.MaxRetries, &t.NextRetryAt, &timeoutMs, &t.CreatedAt, &t.StartedAt,
		&t.CompletedAt, &result, &t.CorrelationID, &t.ParentWorkflowID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.Timeout = time.Duration(timeoutMs) * time.Millisecond
	_ = json.Unmarshal(payload, &t.Payload)
	_ = json.Unmarshal(deps, &t.Dependencies)
	if len(result) > 0 {
		var r Result
		if json.Unmarshal(result, &r) == nil {
			t.Result = &r
		}
	}
	t.EffectivePriority = t.Priority
	return &t, nil
}

func (s *PostgresStore) LoadReady(ctx context.Context, queue Queue, limit int) ([]*Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, queue, type, payload_blob, priority, deps_blob, state, retry_count,
			max_retries, next_retry_at, timeout_ms, created_at, started_at, completed_at,
			result_blob, correlation_id, COALESCE(parent_workflow_id,'')
		FROM tasks WHERE queue=$1 AND state=$2
		ORDER BY priority DESC, created_at ASC
		LIMIT $3
	`, queue, TaskReady, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) LoadDependents(ctx context.Context, id string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, deps_blob FROM tasks`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var taskID string
		var depsBlob []byte
		if err := rows.Scan(&taskID, &depsBlob); err != nil {
			return nil, err
		}
		var deps []string
		_ = json.Unmarshal(depsBlob, &deps)
		for _, d := range deps {
			if d == id {
				out = append(out, taskID)
				break
			}
		}
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, queue, type, payload_blob, priority, deps_blob, state, retry_count,
			max_retries, next_retry_at, timeout_ms, created_at, started_at, completed_at,
			result_blob, correlation_id, COALESCE(parent_workflow_id,'')
		FROM tasks WHERE id=$1
	`, id)
	return scanTask(row)
}

func (s *PostgresStore) RecordResult(ctx context.Context, id string, to TaskState, result *Result) error {
	blob, err := json.Marshal(result)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE tasks SET state=$1, result_blob=$2, completed_at=NOW() WHERE id=$3
	`, to, blob, id)
	return err
}

func (s *PostgresStore) Retain(ctx context.Context, policy RetentionPolicy) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM tasks
		WHERE (state=$1 AND completed_at < NOW() - ($2 || ' milliseconds')::interval)
		   OR (state IN ($3,$4) AND completed_at < NOW() - ($5 || ' milliseconds')::interval)
	`, TaskCompleted, policy.CompletedAfter.Milliseconds(), TaskFailed, TaskCancelled, policy.FailedAfter.Milliseconds())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) ListDueRetries(ctx context.Context, queue Queue, now time.Time, limit int) ([]*Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, queue, type, payload_blob, priority, deps_blob, state, retry_count,
			max_retries, next_retry_at, timeout_ms, created_at, started_at, completed_at,
			result_blob, correlation_id, COALESCE(parent_workflow_id,'')
		FROM tasks WHERE queue=$1 AND state=$2 AND next_retry_at <= $3
		ORDER BY next_retry_at ASC LIMIT $4
	`, queue, TaskPending, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListNonTerminal(ctx context.Context, queue Queue) ([]*Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, queue, type, payload_blob, priority, deps_blob, state, retry_count,
			max_retries, next_retry_at, timeout_ms, created_at, started_at, completed_at,
			result_blob, correlation_id, COALESCE(parent_workflow_id,'')
		FROM tasks WHERE queue=$1 AND state NOT IN ($2,$3,$4,$5)
	`, queue, TaskCompleted, TaskFailed, TaskCancelled, TaskExpired)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AdmitWorkflow(ctx context.Context, wf *Workflow) error {
	blob, err := json.Marshal(wf.Steps)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflows (id, mode, definition_blob, state, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, wf.ID, wf.Mode, blob, wf.State, wf.CreatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (s *PostgresStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	var wf Workflow
	var blob []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, mode, definition_blob, state, created_at, completed_at
		FROM workflows WHERE id=$1
	`, id).Scan(&wf.ID, &wf.Mode, &blob, &wf.State, &wf.CreatedAt, &wf.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(blob, &wf.Steps)
	return &wf, nil
}

func (s *PostgresStore) UpdateWorkflow(ctx context.Context, wf *Workflow) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE workflows SET state=$1, completed_at=$2 WHERE id=$3
	`, wf.State, wf.CompletedAt, wf.ID)
	return err
}

func (s *PostgresStore) ListTasksByParentWorkflow(ctx context.Context, workflowID string) ([]*Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, queue, type, payload_blob, priority, deps_blob, state, retry_count,
			max_retries, next_retry_at, timeout_ms, created_at, started_at, completed_at,
			result_blob, correlation_id, COALESCE(parent_workflow_id,'')
		FROM tasks WHERE parent_workflow_id=$1
	`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListNonTerminalWorkflows(ctx context.Context) ([]*Workflow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, mode, definition_blob, state, created_at, completed_at FROM workflows
		WHERE state NOT IN ($1,$2,$3)
	`, WorkflowCompleted, WorkflowFailed, WorkflowCancelled)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Workflow
	for rows.Next() {
		var wf Workflow
		var blob []byte
		if err := rows.Scan(&wf.ID, &wf.Mode, &blob, &wf.State, &wf.CreatedAt, &wf.CompletedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(blob, &wf.Steps)
		out = append(out, &wf)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendEvent(ctx context.Context, ev *Event) error {
	blob, err := json.Marshal(ev.Payload)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO events (id, type, source, timestamp, correlation_id, payload_blob)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, ev.ID, ev.Type, ev.Source, ev.Timestamp, ev.CorrelationID, blob)
	return err
}

func (s *PostgresStore) ListEventsByCorrelation(ctx context.Context, correlationID string) ([]*Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, type, source, timestamp, correlation_id, payload_blob
		FROM events WHERE correlation_id=$1 ORDER BY timestamp ASC
	`, correlationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Event
	for rows.Next() {
		var ev Event
		var blob []byte
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.Source, &ev.Timestamp, &ev.CorrelationID, &blob); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(blob, &ev.Payload)
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func (s *PostgresStore) IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	var epoch int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO epochs (resource_id, epoch) VALUES ($1, 1)
		ON CONFLICT (resource_id) DO UPDATE SET epoch = epochs.epoch + 1
		RETURNING epoch
	`, resourceID).Scan(&epoch)
	return epoch, err
}

func (s *PostgresStore) GetDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	var epoch int64
	err := s.pool.QueryRow(ctx, `SELECT epoch FROM epochs WHERE resource_id=$1`, resourceID).Scan(&epoch)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return epoch, err
}

func (s *PostgresStore) GetLastFire(ctx context.Context, name string) (time.Time, bool, error) {
	var t time.Time
	err := s.pool.QueryRow(ctx, `SELECT last_fired_at FROM background_ticks WHERE name=$1`, name).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	return t, err == nil, err
}

func (s *PostgresStore) SetLastFire(ctx context.Context, name string, t time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO background_ticks (name, last_fired_at) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET last_fired_at = EXCLUDED.last_fired_at
	`, name, t)
	return err
}

func (s *PostgresStore) QueueStats(ctx context.Context, queue Queue) (QueueStatus, error) {
	status := QueueStatus{Queue: queue, SampledAt: time.Now()}
	rows, err := s.pool.Query(ctx, `
		SELECT state, COUNT(*), MIN(created_at) FILTER (WHERE state=$2)
		FROM tasks WHERE queue=$1 GROUP BY state
	`, queue, TaskReady)
	if err != nil {
		return status, err
	}
	defer rows.Close()
	for rows.Next() {
		var state TaskState
		var count int
		var oldestReady *time.Time
		if err := rows.Scan(&state, &count, &oldestReady); err != nil {
			return status, err
		}
		switch state {
		case TaskPending:
			status.Pending = count
		case TaskReady:
			status.Ready = count
			if oldestReady != nil {
				status.OldestReadyAge = time.Since(*oldestReady)
			}
		case TaskRunning:
			status.Running = count
		case TaskCompleted:
			status.CompletedTotal = uint64(count)
		case TaskFailed:
			status.FailedTotal = uint64(count)
		}
	}
	return status, rows.Err()
}
