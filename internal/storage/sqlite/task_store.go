// Package sqlite provides a single-file SQLite TaskStore for local and single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/JakeFAU/article-batch-orchestrator/internal/orchestrator"
	"github.com/JakeFAU/article-batch-orchestrator/internal/store"
)

// TaskStore persists batches, tasks and results in SQLite.
type TaskStore struct {
	db *sql.DB
}

// Open creates the database file if needed and runs migrations.
func Open(dbPath string) (*TaskStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, fmt.Errorf("store.sqlite.path is required")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// modernc.org/sqlite applies each _pragma on every new connection.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &TaskStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *TaskStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *TaskStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Times are stored as unix milliseconds so ordering and comparisons stay numeric.
func (s *TaskStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS batches (
		id TEXT PRIMARY KEY,
		owner_project TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		submitted_at INTEGER NOT NULL,
		all_tasks_terminal INTEGER NOT NULL DEFAULT 0,
		artifact_stored INTEGER NOT NULL DEFAULT 0,
		artifact_location TEXT NOT NULL DEFAULT '',
		results_cleaned INTEGER NOT NULL DEFAULT 0,
		artifact_published INTEGER NOT NULL DEFAULT 0,
		needs_attention INTEGER NOT NULL DEFAULT 0,
		attention_reason TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS url_tasks (
		batch_id TEXT NOT NULL,
		idx INTEGER NOT NULL,
		url TEXT NOT NULL,
		state TEXT NOT NULL,
		correlation_id TEXT UNIQUE,
		result_received INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		next_attempt_at INTEGER,
		requeues INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (batch_id, idx),
		FOREIGN KEY (batch_id) REFERENCES batches(id)
	);

	CREATE TABLE IF NOT EXISTS extraction_results (
		correlation_id TEXT PRIMARY KEY,
		batch_id TEXT NOT NULL,
		task_index INTEGER NOT NULL,
		url TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL,
		received_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_url_tasks_state ON url_tasks(state, next_attempt_at);
	CREATE INDEX IF NOT EXISTS idx_batches_submitted ON batches(submitted_at, id);
	`
	_, err := s.db.Exec(schema)
	return err
}

const batchColumns = `b.id, b.owner_project, b.kind, b.submitted_at, b.all_tasks_terminal, b.artifact_stored,
	b.artifact_location, b.results_cleaned, b.artifact_published, b.needs_attention, b.attention_reason`

const taskColumns = `t.batch_id, t.idx, t.url, t.state, t.correlation_id, t.result_received, t.attempts,
	t.next_attempt_at, t.requeues, t.last_error, t.updated_at`

// CreateBatch inserts the batch and its tasks in one transaction.
func (s *TaskStore) CreateBatch(ctx context.Context, batch orchestrator.Batch) error {
	if strings.TrimSpace(batch.ID) == "" {
		return errors.New("batch id is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `INSERT INTO batches (id, owner_project, kind, submitted_at) VALUES (?, ?, ?, ?)`,
		batch.ID, batch.OwnerProject, string(batch.Kind), millis(batch.SubmittedAt))
	if err != nil {
		return fmt.Errorf("insert batch %s: %w", batch.ID, translate(err))
	}
	for i, task := range batch.Tasks {
		state := task.State
		if state == "" {
			state = orchestrator.TaskWaiting
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO url_tasks (batch_id, idx, url, state, updated_at) VALUES (?, ?, ?, ?, ?)`,
			batch.ID, i, task.URL, string(state), millis(batch.SubmittedAt))
		if err != nil {
			return fmt.Errorf("insert task %d: %w", i, translate(err))
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetBatch fetches a batch and its tasks.
func (s *TaskStore) GetBatch(ctx context.Context, id string) (orchestrator.Batch, error) {
	b, err := scanBatch(s.db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches b WHERE b.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return orchestrator.Batch{}, store.ErrNotFound
	}
	if err != nil {
		return orchestrator.Batch{}, fmt.Errorf("get batch: %w", err)
	}
	if b.Tasks, err = s.loadTasks(ctx, id); err != nil {
		return orchestrator.Batch{}, err
	}
	return b, nil
}

// FindTaskByCorrelation locates the task that carries the correlation id.
func (s *TaskStore) FindTaskByCorrelation(ctx context.Context, correlationID string) (orchestrator.TaskRef, error) {
	ref, err := scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM url_tasks t WHERE t.correlation_id = ?`, correlationID))
	if errors.Is(err, sql.ErrNoRows) {
		return orchestrator.TaskRef{}, store.ErrNotFound
	}
	if err != nil {
		return orchestrator.TaskRef{}, fmt.Errorf("find task: %w", err)
	}
	return ref, nil
}

// ListWaitingTasks returns waiting tasks whose backoff gate has passed.
func (s *TaskStore) ListWaitingTasks(ctx context.Context, now time.Time, limit int) ([]orchestrator.TaskRef, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+`
FROM url_tasks t JOIN batches b ON b.id = t.batch_id
WHERE t.state = 'waiting' AND (t.next_attempt_at IS NULL OR t.next_attempt_at <= ?)
ORDER BY b.submitted_at, b.id, t.idx
LIMIT ?`, millis(now), sqlLimit(limit))
}

// ListDispatchedTasks returns dispatched tasks, least recently updated first.
func (s *TaskStore) ListDispatchedTasks(ctx context.Context, limit int) ([]orchestrator.TaskRef, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM url_tasks t
WHERE t.state = 'dispatched'
ORDER BY t.updated_at, t.batch_id, t.idx
LIMIT ?`, sqlLimit(limit))
}

// ListRequeueCandidates returns failed tasks eligible for a policy requeue.
func (s *TaskStore) ListRequeueCandidates(
	ctx context.Context,
	failedBefore time.Time,
	maxRequeues int,
	limit int,
) ([]orchestrator.TaskRef, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+`
FROM url_tasks t JOIN batches b ON b.id = t.batch_id
WHERE t.state = 'failed' AND b.all_tasks_terminal = 0 AND t.updated_at <= ? AND t.requeues < ?
ORDER BY b.submitted_at, b.id, t.idx
LIMIT ?`, millis(failedBefore), maxRequeues, sqlLimit(limit))
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
SET state = 'dispatched', correlation_id = ?, attempts = 0, next_attempt_at = NULL, last_error = '', updated_at = ?
WHERE batch_id = ? AND idx = ? AND state = 'waiting'`, correlationID, millis(at), key.BatchID, key.Index)
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
SET attempts = ?, next_attempt_at = ?, last_error = ?, updated_at = ?
WHERE batch_id = ? AND idx = ? AND state = 'waiting'`, attempts, nullMillis(next), reason, millis(at), key.BatchID, key.Index)
}

// MarkSucceeded moves a dispatched task to succeeded.
func (s *TaskStore) MarkSucceeded(ctx context.Context, correlationID string, at time.Time) (bool, error) {
	return s.execChanged(ctx, "mark succeeded", `UPDATE url_tasks
SET state = 'succeeded', result_received = 1, updated_at = ?
WHERE correlation_id = ? AND state = 'dispatched'`, millis(at), correlationID)
}

// MarkFailed moves a dispatched task to failed.
func (s *TaskStore) MarkFailed(ctx context.Context, correlationID, reason string, at time.Time) (bool, error) {
	return s.execChanged(ctx, "mark failed", `UPDATE url_tasks
SET state = 'failed', last_error = ?, updated_at = ?
WHERE correlation_id = ? AND state = 'dispatched'`, reason, millis(at), correlationID)
}

const resetTaskSet = `state = 'waiting', correlation_id = NULL, result_received = 0, attempts = 0,
	next_attempt_at = NULL, requeues = requeues + 1`

// RequeueTask resets a failed task to waiting while its batch is before the barrier.
func (s *TaskStore) RequeueTask(ctx context.Context, key orchestrator.TaskKey, at time.Time) (bool, error) {
	return s.execChanged(ctx, "requeue task", `UPDATE url_tasks SET `+resetTaskSet+`, updated_at = ?
WHERE batch_id = ? AND idx = ? AND state = 'failed'
	AND EXISTS (SELECT 1 FROM batches WHERE id = ? AND all_tasks_terminal = 0)`,
		millis(at), key.BatchID, key.Index, key.BatchID)
}

// ListOpenBatches returns unflagged batches before the barrier, oldest first.
func (s *TaskStore) ListOpenBatches(ctx context.Context, limit int) ([]orchestrator.Batch, error) {
	return s.queryBatches(ctx, `SELECT `+batchColumns+` FROM batches b
WHERE b.all_tasks_terminal = 0 AND b.needs_attention = 0
ORDER BY b.submitted_at, b.id
LIMIT ?`, sqlLimit(limit))
}

// MarkAllTasksTerminal sets the barrier flag when every task is terminal.
func (s *TaskStore) MarkAllTasksTerminal(ctx context.Context, batchID string) (bool, error) {
	return s.execChanged(ctx, "mark all tasks terminal", `UPDATE batches SET all_tasks_terminal = 1
WHERE id = ? AND all_tasks_terminal = 0 AND needs_attention = 0
	AND EXISTS (SELECT 1 FROM url_tasks WHERE batch_id = ?)
	AND NOT EXISTS (SELECT 1 FROM url_tasks WHERE batch_id = ? AND state NOT IN ('succeeded', 'failed'))`,
		batchID, batchID, batchID)
}

// FlagBatch marks a batch for operator attention.
func (s *TaskStore) FlagBatch(ctx context.Context, batchID, reason string) (bool, error) {
	return s.execChanged(ctx, "flag batch", `UPDATE batches SET needs_attention = 1, attention_reason = ?
WHERE id = ? AND needs_attention = 0 AND artifact_stored = 0`, reason, batchID)
}

// RequeueFailedTasks resets every failed task of a batch and clears its flag.
func (s *TaskStore) RequeueFailedTasks(ctx context.Context, batchID string, at time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var terminal bool
	err = tx.QueryRowContext(ctx, `SELECT all_tasks_terminal FROM batches WHERE id = ?`, batchID).Scan(&terminal)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read batch: %w", err)
	}
	if terminal {
		return 0, fmt.Errorf("requeue batch %s: %w", batchID, store.ErrConflict)
	}
	res, err := tx.ExecContext(ctx, `UPDATE url_tasks SET `+resetTaskSet+`, updated_at = ?
WHERE batch_id = ? AND state = 'failed'`, millis(at), batchID)
	if err != nil {
		return 0, fmt.Errorf("requeue tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE batches SET needs_attention = 0, attention_reason = '' WHERE id = ?`, batchID); err != nil {
		return 0, fmt.Errorf("clear flag: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return int(n), nil
}

// NextReadyBatch returns the oldest batch waiting for assembly.
func (s *TaskStore) NextReadyBatch(ctx context.Context) (orchestrator.Batch, bool, error) {
	batches, err := s.queryBatches(ctx, `SELECT `+batchColumns+` FROM batches b
WHERE b.all_tasks_terminal = 1 AND b.artifact_stored = 0 AND b.needs_attention = 0
ORDER BY b.submitted_at, b.id
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
	return s.execChanged(ctx, "mark artifact stored", `UPDATE batches SET artifact_stored = 1, artifact_location = ?
WHERE id = ? AND all_tasks_terminal = 1 AND artifact_stored = 0`, location, batchID)
}

// ListUnfinalizedBatches returns stored batches with cleanup or notification pending.
func (s *TaskStore) ListUnfinalizedBatches(ctx context.Context, limit int) ([]orchestrator.Batch, error) {
	return s.queryBatches(ctx, `SELECT `+batchColumns+` FROM batches b
WHERE b.artifact_stored = 1 AND (b.results_cleaned = 0 OR b.artifact_published = 0)
ORDER BY b.submitted_at, b.id
LIMIT ?`, sqlLimit(limit))
}

// MarkResultsCleaned records that the batch's results were removed.
func (s *TaskStore) MarkResultsCleaned(ctx context.Context, batchID string) (bool, error) {
	return s.execChanged(ctx, "mark results cleaned", `UPDATE batches SET results_cleaned = 1
WHERE id = ? AND artifact_stored = 1 AND results_cleaned = 0`, batchID)
}

// MarkArtifactPublished records that the artifact event was announced.
func (s *TaskStore) MarkArtifactPublished(ctx context.Context, batchID string) (bool, error) {
	return s.execChanged(ctx, "mark artifact published", `UPDATE batches SET artifact_published = 1
WHERE id = ? AND artifact_stored = 1 AND artifact_published = 0`, batchID)
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
	_, err = s.db.ExecContext(ctx, `INSERT INTO extraction_results (correlation_id, batch_id, task_index, url, payload, received_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (correlation_id) DO UPDATE
SET batch_id = excluded.batch_id, task_index = excluded.task_index, url = excluded.url,
	payload = excluded.payload, received_at = excluded.received_at`,
		result.CorrelationID, result.BatchID, result.TaskIndex, result.URL, string(payload), millis(result.ReceivedAt))
	if err != nil {
		return fmt.Errorf("upsert result: %w", err)
	}
	return nil
}

// ListResults returns the stored results for the given correlation ids.
func (s *TaskStore) ListResults(ctx context.Context, correlationIDs []string) ([]orchestrator.ExtractionResult, error) {
	if len(correlationIDs) == 0 {
		return nil, nil
	}
	holders, args := inList(correlationIDs)
	rows, err := s.db.QueryContext(ctx, `SELECT correlation_id, batch_id, task_index, url, payload, received_at
FROM extraction_results WHERE correlation_id IN (`+holders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var out []orchestrator.ExtractionResult
	for rows.Next() {
		var (
			r        orchestrator.ExtractionResult
			payload  string
			received int64
		)
		if err := rows.Scan(&r.CorrelationID, &r.BatchID, &r.TaskIndex, &r.URL, &payload, &received); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &r.ExtractionPayload); err != nil {
			return nil, fmt.Errorf("decode result %s: %w", r.CorrelationID, err)
		}
		r.ReceivedAt = fromMillis(received)
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteResults removes results and reports how many existed.
func (s *TaskStore) DeleteResults(ctx context.Context, correlationIDs []string) (int, error) {
	if len(correlationIDs) == 0 {
		return 0, nil
	}
	holders, args := inList(correlationIDs)
	res, err := s.db.ExecContext(ctx, `DELETE FROM extraction_results WHERE correlation_id IN (`+holders+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("delete results: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

func (s *TaskStore) execChanged(ctx context.Context, op, query string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, translate(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: rows affected: %w", op, err)
	}
	return n > 0, nil
}

func (s *TaskStore) loadTasks(ctx context.Context, batchID string) ([]orchestrator.UrlTask, error) {
	refs, err := s.queryTasks(ctx, `SELECT `+taskColumns+` FROM url_tasks t WHERE t.batch_id = ? ORDER BY t.idx`, batchID)
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
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []orchestrator.TaskRef
	for rows.Next() {
		ref, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

// queryBatches drains the batch rows before loading tasks; the pool holds a single connection.
func (s *TaskStore) queryBatches(ctx context.Context, query string, args ...any) ([]orchestrator.Batch, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	var out []orchestrator.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate batches: %w", err)
	}
	_ = rows.Close()
	for i := range out {
		if out[i].Tasks, err = s.loadTasks(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBatch(row scanner) (orchestrator.Batch, error) {
	var (
		b         orchestrator.Batch
		kind      string
		submitted int64
	)
	err := row.Scan(&b.ID, &b.OwnerProject, &kind, &submitted, &b.AllTasksTerminal, &b.ArtifactStored,
		&b.ArtifactLocation, &b.ResultsCleaned, &b.ArtifactPublished, &b.NeedsAttention, &b.AttentionReason)
	if err != nil {
		return orchestrator.Batch{}, err
	}
	b.Kind = orchestrator.ArtifactKind(kind)
	b.SubmittedAt = fromMillis(submitted)
	return b, nil
}

func scanTask(row scanner) (orchestrator.TaskRef, error) {
	var (
		ref         orchestrator.TaskRef
		state       string
		correlation sql.NullString
		next        sql.NullInt64
		updated     int64
	)
	t := &ref.Task
	err := row.Scan(&ref.BatchID, &t.Index, &t.URL, &state, &correlation, &t.ResultReceived, &t.Attempts,
		&next, &t.Requeues, &t.LastError, &updated)
	if err != nil {
		return orchestrator.TaskRef{}, err
	}
	t.State = orchestrator.TaskState(state)
	t.CorrelationID = correlation.String
	if next.Valid {
		t.NextAttemptAt = fromMillis(next.Int64)
	}
	t.UpdatedAt = fromMillis(updated)
	return ref, nil
}

func translate(err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) && (se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY) {
		return fmt.Errorf("%s: %w", se.Error(), store.ErrAlreadyExists)
	}
	return err
}

func inList(ids []string) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(ids)), ","), args
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func nullMillis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// sqlLimit maps a non-positive limit to SQLite's "no limit".
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
