// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/article-batch-orchestrator/internal/orchestrator"
	"github.com/JakeFAU/article-batch-orchestrator/internal/store"
)

const uniqueViolation = "23505"

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Ping(context.Context) error
	Close()
}

// TaskStore persists batches, tasks and extraction results in Postgres.
type TaskStore struct {
	pool pool
}

// NewTaskStore creates a Postgres-backed store using the provided config.
func NewTaskStore(ctx context.Context, cfg Config) (*TaskStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &TaskStore{pool: p}, nil
}

// NewTaskStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewTaskStoreWithPool(p pool) (*TaskStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &TaskStore{pool: p}, nil
}

// Ping checks that the database is reachable.
func (s *TaskStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *TaskStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const batchColumns = `id, owner_project, kind, submitted_at, all_tasks_terminal, artifact_stored,
	artifact_location, results_cleaned, artifact_published, needs_attention, attention_reason`

const taskColumns = `batch_id, idx, url, state, correlation_id, result_received, attempts,
	next_attempt_at, requeues, last_error, updated_at`

// CreateBatch inserts the batch and its tasks in one transaction.
func (s *TaskStore) CreateBatch(ctx context.Context, batch orchestrator.Batch) (err error) {
	if strings.TrimSpace(batch.ID) == "" {
		return errors.New("batch id is required")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	_, err = tx.Exec(ctx, `INSERT INTO batches (id, owner_project, kind, submitted_at) VALUES ($1,$2,$3,$4)`,
		batch.ID, batch.OwnerProject, string(batch.Kind), batch.SubmittedAt)
	if err != nil {
		return fmt.Errorf("insert batch %s: %w", batch.ID, translate(err))
	}
	for i, task := range batch.Tasks {
		state := task.State
		if state == "" {
			state = orchestrator.TaskWaiting
		}
		_, err = tx.Exec(ctx, `INSERT INTO url_tasks (batch_id, idx, url, state, updated_at) VALUES ($1,$2,$3,$4,$5)`,
			batch.ID, i, task.URL, string(state), batch.SubmittedAt)
		if err != nil {
			return fmt.Errorf("insert task %d: %w", i, translate(err))
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetBatch fetches a batch and its tasks.
func (s *TaskStore) GetBatch(ctx context.Context, id string) (orchestrator.Batch, error) {
	b, err := scanBatch(s.pool.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return orchestrator.Batch{}, store.ErrNotFound
		}
		return orchestrator.Batch{}, fmt.Errorf("get batch: %w", err)
	}
	if b.Tasks, err = s.loadTasks(ctx, id); err != nil {
		return orchestrator.Batch{}, err
	}
	return b, nil
}

// FindTaskByCorrelation locates the task that carries the correlation id.
func (s *TaskStore) FindTaskByCorrelation(ctx context.Context, correlationID string) (orchestrator.TaskRef, error) {
	ref, err := scanTaskRef(s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM url_tasks WHERE correlation_id = $1`, correlationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return orchestrator.TaskRef{}, store.ErrNotFound
		}
		return orchestrator.TaskRef{}, fmt.Errorf("find task: %w", err)
	}
	return ref, nil
}

// ListWaitingTasks returns waiting tasks whose backoff gate has passed.
func (s *TaskStore) ListWaitingTasks(ctx context.Context, now time.Time, limit int) ([]orchestrator.TaskRef, error) {
	return s.queryTasks(ctx, `SELECT t.batch_id, t.idx, t.url, t.state, t.correlation_id, t.result_received, t.attempts,
	t.next_attempt_at, t.requeues, t.last_error, t.updated_at
FROM url_tasks t JOIN batches b ON b.id = t.batch_id
WHERE t.state = 'waiting' AND (t.next_attempt_at IS NULL OR t.next_attempt_at <= $1)
ORDER BY b.submitted_at, b.id, t.idx
LIMIT $2`, now, limitOrAll(limit))
}

// ListDispatchedTasks returns dispatched tasks, least recently updated first.
func (s *TaskStore) ListDispatchedTasks(ctx context.Context, limit int) ([]orchestrator.TaskRef, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM url_tasks
WHERE state = 'dispatched'
ORDER BY updated_at, batch_id, idx
LIMIT $1`, limitOrAll(limit))
}

// ListRequeueCandidates returns failed tasks eligible for a policy requeue.
func (s *TaskStore) ListRequeueCandidates(
	ctx context.Context,
	failedBefore time.Time,
	maxRequeues int,
	limit int,
) ([]orchestrator.TaskRef, error) {
	return s.queryTasks(ctx, `SELECT t.batch_id, t.idx, t.url, t.state, t.correlation_id, t.result_received, t.attempts,
	t.next_attempt_at, t.requeues, t.last_error, t.updated_at
FROM url_tasks t JOIN batches b ON b.id = t.batch_id
WHERE t.state = 'failed' AND NOT b.all_tasks_terminal AND t.updated_at <= $1 AND t.requeues < $2
ORDER BY b.submitted_at, b.id, t.idx
LIMIT $3`, failedBefore, maxRequeues, limitOrAll(limit))
}

// MarkDispatched moves a waiting task to dispatched.
func (s *TaskStore) MarkDispatched(
	ctx context.Context,
	key orchestrator.TaskKey,
	correlationID string,
	at time.Time,
) (bool, error) {
	if correlationID == "" {
		return false, errors.New("correlation id is required")
	}
	return s.execChanged(ctx, "mark dispatched", `UPDATE url_tasks
SET state = 'dispatched', correlation_id = $3, attempts = 0, next_attempt_at = NULL, last_error = '', updated_at = $4
WHERE batch_id = $1 AND idx = $2 AND state = 'waiting'`, key.BatchID, key.Index, correlationID, at)
}

// RecordSubmitFailure keeps a task waiting and pushes its backoff gate.
func (s *TaskStore) RecordSubmitFailure(
	ctx context.Context,
	key orchestrator.TaskKey,
	attempts int,
	next time.Time,
	reason string,
	at time.Time,
) (bool, error) {
	return s.execChanged(ctx, "record submit failure", `UPDATE url_tasks
SET attempts = $3, next_attempt_at = $4, last_error = $5, updated_at = $6
WHERE batch_id = $1 AND idx = $2 AND state = 'waiting'`, key.BatchID, key.Index, attempts, next, reason, at)
}

// MarkSucceeded moves a dispatched task to succeeded.
func (s *TaskStore) MarkSucceeded(ctx context.Context, correlationID string, at time.Time) (bool, error) {
	return s.execChanged(ctx, "mark succeeded", `UPDATE url_tasks
SET state = 'succeeded', result_received = TRUE, updated_at = $2
WHERE correlation_id = $1 AND state = 'dispatched'`, correlationID, at)
}

// MarkFailed moves a dispatched task to failed.
func (s *TaskStore) MarkFailed(ctx context.Context, correlationID, reason string, at time.Time) (bool, error) {
	return s.execChanged(ctx, "mark failed", `UPDATE url_tasks
SET state = 'failed', last_error = $2, updated_at = $3
WHERE correlation_id = $1 AND state = 'dispatched'`, correlationID, reason, at)
}

const resetTaskSet = `state = 'waiting', correlation_id = NULL, result_received = FALSE, attempts = 0,
	next_attempt_at = NULL, requeues = requeues + 1`

// RequeueTask resets a failed task to waiting while its batch is before the barrier.
func (s *TaskStore) RequeueTask(ctx context.Context, key orchestrator.TaskKey, at time.Time) (bool, error) {
	return s.execChanged(ctx, "requeue task", `UPDATE url_tasks SET `+resetTaskSet+`, updated_at = $3
WHERE batch_id = $1 AND idx = $2 AND state = 'failed'
	AND EXISTS (SELECT 1 FROM batches b WHERE b.id = $1 AND NOT b.all_tasks_terminal)`, key.BatchID, key.Index, at)
}

// ListOpenBatches returns unflagged batches before the barrier, oldest first.
func (s *TaskStore) ListOpenBatches(ctx context.Context, limit int) ([]orchestrator.Batch, error) {
	return s.queryBatches(ctx, `SELECT `+batchColumns+` FROM batches
WHERE NOT all_tasks_terminal AND NOT needs_attention
ORDER BY submitted_at, id
LIMIT $1`, limitOrAll(limit))
}

// MarkAllTasksTerminal sets the barrier flag when every task is terminal.
func (s *TaskStore) MarkAllTasksTerminal(ctx context.Context, batchID string) (bool, error) {
	return s.execChanged(ctx, "mark all tasks terminal", `UPDATE batches SET all_tasks_terminal = TRUE
WHERE id = $1 AND NOT all_tasks_terminal AND NOT needs_attention
	AND EXISTS (SELECT 1 FROM url_tasks WHERE batch_id = $1)
	AND NOT EXISTS (SELECT 1 FROM url_tasks WHERE batch_id = $1 AND state NOT IN ('succeeded', 'failed'))`, batchID)
}

// FlagBatch marks a batch for operator attention.
func (s *TaskStore) FlagBatch(ctx context.Context, batchID, reason string) (bool, error) {
	return s.execChanged(ctx, "flag batch", `UPDATE batches SET needs_attention = TRUE, attention_reason = $2
WHERE id = $1 AND NOT needs_attention AND NOT artifact_stored`, batchID, reason)
}

// RequeueFailedTasks resets every failed task of a batch and clears its flag.
func (s *TaskStore) RequeueFailedTasks(ctx context.Context, batchID string, at time.Time) (n int, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var terminal bool
	err = tx.QueryRow(ctx, `SELECT all_tasks_terminal FROM batches WHERE id = $1 FOR UPDATE`, batchID).Scan(&terminal)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("lock batch: %w", err)
	}
	if terminal {
		return 0, fmt.Errorf("requeue batch %s: %w", batchID, store.ErrConflict)
	}
	tag, err := tx.Exec(ctx, `UPDATE url_tasks SET `+resetTaskSet+`, updated_at = $2
WHERE batch_id = $1 AND state = 'failed'`, batchID, at)
	if err != nil {
		return 0, fmt.Errorf("requeue tasks: %w", err)
	}
	if _, err = tx.Exec(ctx, `UPDATE batches SET needs_attention = FALSE, attention_reason = '' WHERE id = $1`, batchID); err != nil {
		return 0, fmt.Errorf("clear flag: %w", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// NextReadyBatch returns the oldest batch waiting for assembly.
func (s *TaskStore) NextReadyBatch(ctx context.Context) (orchestrator.Batch, bool, error) {
	batches, err := s.queryBatches(ctx, `SELECT `+batchColumns+` FROM batches
WHERE all_tasks_terminal AND NOT artifact_stored AND NOT needs_attention
ORDER BY submitted_at, id
LIMIT 1`)
	if err != nil || len(batches) == 0 {
		return orchestrator.Batch{}, false, err
	}
	return batches[0], true, nil
}

// MarkArtifactStored records the artifact location once.
func (s *TaskStore) MarkArtifactStored(ctx context.Context, batchID, location string) (bool, error) {
	if location == "" {
		return false, errors.New("artifact location is required")
	}
	return s.execChanged(ctx, "mark artifact stored", `UPDATE batches SET artifact_stored = TRUE, artifact_location = $2
WHERE id = $1 AND all_tasks_terminal AND NOT artifact_stored`, batchID, location)
}

// ListUnfinalizedBatches returns stored batches with cleanup or notification pending.
func (s *TaskStore) ListUnfinalizedBatches(ctx context.Context, limit int) ([]orchestrator.Batch, error) {
	return s.queryBatches(ctx, `SELECT `+batchColumns+` FROM batches
WHERE artifact_stored AND (NOT results_cleaned OR NOT artifact_published)
ORDER BY submitted_at, id
LIMIT $1`, limitOrAll(limit))
}

// MarkResultsCleaned records that the batch's results were removed.
func (s *TaskStore) MarkResultsCleaned(ctx context.Context, batchID string) (bool, error) {
	return s.execChanged(ctx, "mark results cleaned", `UPDATE batches SET results_cleaned = TRUE
WHERE id = $1 AND artifact_stored AND NOT results_cleaned`, batchID)
}

// MarkArtifactPublished records that the artifact event was announced.
func (s *TaskStore) MarkArtifactPublished(ctx context.Context, batchID string) (bool, error) {
	return s.execChanged(ctx, "mark artifact published", `UPDATE batches SET artifact_published = TRUE
WHERE id = $1 AND artifact_stored AND NOT artifact_published`, batchID)
}

// UpsertResult inserts or replaces the result for its correlation id.
func (s *TaskStore) UpsertResult(ctx context.Context, result orchestrator.ExtractionResult) error {
	if result.CorrelationID == "" {
		return errors.New("correlation id is required")
	}
	payload, err := json.Marshal(result.ExtractionPayload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO extraction_results (correlation_id, batch_id, task_index, url, payload, received_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (correlation_id) DO UPDATE
SET batch_id = EXCLUDED.batch_id, task_index = EXCLUDED.task_index, url = EXCLUDED.url,
	payload = EXCLUDED.payload, received_at = EXCLUDED.received_at`,
		result.CorrelationID, result.BatchID, result.TaskIndex, result.URL, payload, result.ReceivedAt)
	if err != nil {
		return fmt.Errorf("upsert result: %w", err)
	}
	return nil
}

// ListResults returns the stored results for the given correlation ids.
func (s *TaskStore) ListResults(ctx context.Context, correlationIDs []string) ([]orchestrator.ExtractionResult, error) {
	rows, err := s.pool.Query(ctx, `SELECT correlation_id, batch_id, task_index, url, payload, received_at
FROM extraction_results WHERE correlation_id = ANY($1)`, correlationIDs)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var out []orchestrator.ExtractionResult
	for rows.Next() {
		var (
			r       orchestrator.ExtractionResult
			payload []byte
		)
		if err := rows.Scan(&r.CorrelationID, &r.BatchID, &r.TaskIndex, &r.URL, &payload, &r.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		if err := json.Unmarshal(payload, &r.ExtractionPayload); err != nil {
			return nil, fmt.Errorf("decode result %s: %w", r.CorrelationID, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate results: %w", err)
	}
	return out, nil
}

// DeleteResults removes results and reports how many existed.
func (s *TaskStore) DeleteResults(ctx context.Context, correlationIDs []string) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM extraction_results WHERE correlation_id = ANY($1)`, correlationIDs)
	if err != nil {
		return 0, fmt.Errorf("delete results: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *TaskStore) execChanged(ctx context.Context, op, query string, args ...any) (bool, error) {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, translate(err))
	}
	return tag.RowsAffected() > 0, nil
}

func (s *TaskStore) loadTasks(ctx context.Context, batchID string) ([]orchestrator.UrlTask, error) {
	refs, err := s.queryTasks(ctx, `SELECT `+taskColumns+` FROM url_tasks WHERE batch_id = $1 ORDER BY idx`, batchID)
	if err != nil {
		return nil, err
	}
	tasks := make([]orchestrator.UrlTask, len(refs))
	for i, ref := range refs {
		tasks[i] = ref.Task
	}
	return tasks, nil
}

func (s *TaskStore) queryTasks(ctx context.Context, query string, args ...any) ([]orchestrator.TaskRef, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []orchestrator.TaskRef
	for rows.Next() {
		ref, err := scanTaskRef(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

func (s *TaskStore) queryBatches(ctx context.Context, query string, args ...any) ([]orchestrator.Batch, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	var out []orchestrator.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		out = append(out, b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batches: %w", err)
	}
	for i := range out {
		if out[i].Tasks, err = s.loadTasks(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func scanBatch(row pgx.Row) (orchestrator.Batch, error) {
	var (
		b    orchestrator.Batch
		kind string
	)
	err := row.Scan(&b.ID, &b.OwnerProject, &kind, &b.SubmittedAt, &b.AllTasksTerminal, &b.ArtifactStored,
		&b.ArtifactLocation, &b.ResultsCleaned, &b.ArtifactPublished, &b.NeedsAttention, &b.AttentionReason)
	if err != nil {
		return orchestrator.Batch{}, err
	}
	b.Kind = orchestrator.ArtifactKind(kind)
	b.SubmittedAt = b.SubmittedAt.UTC()
	return b, nil
}

func scanTaskRef(row pgx.Row) (orchestrator.TaskRef, error) {
	var (
		ref         orchestrator.TaskRef
		state       string
		correlation *string
		next        *time.Time
	)
	t := &ref.Task
	err := row.Scan(&ref.BatchID, &t.Index, &t.URL, &state, &correlation, &t.ResultReceived, &t.Attempts,
		&next, &t.Requeues, &t.LastError, &t.UpdatedAt)
	if err != nil {
		return orchestrator.TaskRef{}, err
	}
	t.State = orchestrator.TaskState(state)
	if correlation != nil {
		t.CorrelationID = *correlation
	}
	if next != nil {
		t.NextAttemptAt = next.UTC()
	}
	t.UpdatedAt = t.UpdatedAt.UTC()
	return ref, nil
}

func translate(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", pgErr.ConstraintName, store.ErrAlreadyExists)
	}
	return err
}

// limitOrAll maps a non-positive limit to Postgres' LIMIT ALL.
func limitOrAll(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}
