package task

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// sqlStore persists tasks in dbo.tasks. claim_next's row selection and
// tentative update happen inside the same transaction the caller commits
// or rolls back once the Lease Manager call resolves (spec §4.D
// claim-then-lease-then-confirm) — see dispatcher.go for the coordination.
// heartbeat and complete are single atomic statements instead: they only
// ever touch one row by primary key, so the WHERE clause itself is the
// lock (spec §9's clock authority applies here too — every comparison and
// write is expressed against SYSUTCDATETIME(), never a Go-computed time).
type sqlStore struct {
	db  *sql.DB
	ttl time.Duration
}

func newSQLStore(db *sql.DB, ttl time.Duration) (*sqlStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &sqlStore{db: db, ttl: ttl}, nil
}

// schedule inserts a new task row. Task creation sits outside the
// Dispatcher's claim/heartbeat/complete contract in spec §6 — producers
// populate the Task Store directly, the way scenario 1 of spec §8 seeds
// task 1 before any worker polls it.
func (s *sqlStore) schedule(ctx context.Context, data []byte) (*Task, error) {
	row := s.db.QueryRowContext(
		ctx,
		`INSERT INTO dbo.tasks (task_data, scheduled_at)
     OUTPUT inserted.id, inserted.task_data, inserted.task_output, inserted.scheduled_at, inserted.started_at, inserted.last_heartbeat_at, inserted.must_heartbeat_before, inserted.processed_at, inserted.processor
     VALUES (@p1, SYSUTCDATETIME())`,
		data,
	)
	return scanTask(row)
}

// claimTx begins a transaction, locks the lowest-id claimable task row,
// and tentatively marks it started by processor. The caller (Dispatcher)
// is responsible for committing on Lease Manager success or rolling back
// on conflict. Returns (nil, nil, nil) when no claimable task exists.
// The claimability check and the started_at/must_heartbeat_before it
// writes are all computed by SYSUTCDATETIME() in the SQL text, so the
// Task Store and Lease Manager (separate processes) never disagree on
// what "now" was for this row.
func (s *sqlStore) claimTx(ctx context.Context, processor string) (*sql.Tx, *Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}

	row := tx.QueryRowContext(
		ctx,
		`SELECT TOP 1 id, task_data, task_output, scheduled_at, started_at, last_heartbeat_at, must_heartbeat_before, processed_at, processor
     FROM dbo.tasks WITH (UPDLOCK, HOLDLOCK)
     WHERE processed_at IS NULL
       AND (started_at IS NULL OR must_heartbeat_before <= SYSUTCDATETIME())
     ORDER BY id ASC`,
	)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		return nil, nil, nil
	}
	if err != nil {
		_ = tx.Rollback()
		return nil, nil, err
	}

	claimRow := tx.QueryRowContext(
		ctx,
		`UPDATE dbo.tasks
     SET started_at = SYSUTCDATETIME(),
         last_heartbeat_at = SYSUTCDATETIME(),
         must_heartbeat_before = DATEADD(MILLISECOND, @p1, SYSUTCDATETIME()),
         processor = @p2
     OUTPUT inserted.started_at, inserted.last_heartbeat_at, inserted.must_heartbeat_before
     WHERE id = @p3`,
		s.ttl.Milliseconds(), processor, t.ID,
	)
	var startedAt, lastHeartbeatAt, deadline time.Time
	if err := claimRow.Scan(&startedAt, &lastHeartbeatAt, &deadline); err != nil {
		_ = tx.Rollback()
		return nil, nil, err
	}

	startedAt = normalizeDBTime(startedAt)
	lastHeartbeatAt = normalizeDBTime(lastHeartbeatAt)
	deadline = normalizeDBTime(deadline)
	t.StartedAt = &startedAt
	t.LastHeartbeatAt = &lastHeartbeatAt
	t.MustHeartbeatBefore = &deadline
	t.Processor = processor
	return tx, t, nil
}

// heartbeatTx extends the heartbeat deadline for a task still owned by
// processor. It is a single atomic UPDATE guarded by its own WHERE clause
// (grounded on submissionmanager/lease_store.go's renewLease idiom of a
// compare-and-swap UPDATE instead of a locked SELECT-then-UPDATE): a row
// that doesn't exist and a row whose ownership/expiry guard fails both
// surface as zero rows affected, so both map to the single ConflictError
// spec §4.D allows for this operation. The caller (Dispatcher) still owns
// the surrounding transaction so it can roll back if the paired Lease
// Manager renew fails.
func (s *sqlStore) heartbeatTx(ctx context.Context, taskID int64, processor string) (*sql.Tx, *Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}

	row := tx.QueryRowContext(
		ctx,
		`UPDATE dbo.tasks
     SET last_heartbeat_at = SYSUTCDATETIME(),
         must_heartbeat_before = DATEADD(MILLISECOND, @p1, SYSUTCDATETIME())
     OUTPUT inserted.id, inserted.task_data, inserted.task_output, inserted.scheduled_at, inserted.started_at, inserted.last_heartbeat_at, inserted.must_heartbeat_before, inserted.processed_at, inserted.processor
     WHERE id = @p2
       AND processor = @p3
       AND processed_at IS NULL
       AND must_heartbeat_before > SYSUTCDATETIME()`,
		s.ttl.Milliseconds(), taskID, processor,
	)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		return nil, nil, ConflictError{TaskID: taskID, Reason: "processor mismatch, already completed, or lease expired"}
	}
	if err != nil {
		_ = tx.Rollback()
		return nil, nil, err
	}
	return tx, t, nil
}

// completeTx writes the terminal processed_at/task_output fields for a
// task still owned by processor. Same atomic-UPDATE shape as heartbeatTx,
// so a missing row and a failed ownership/expiry/already-completed guard
// both collapse into ConflictError (spec §4.D: complete is Ok | Conflict).
func (s *sqlStore) completeTx(ctx context.Context, taskID int64, processor string, output []byte) (*sql.Tx, *Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}

	row := tx.QueryRowContext(
		ctx,
		`UPDATE dbo.tasks
     SET processed_at = SYSUTCDATETIME(), task_output = @p1
     OUTPUT inserted.id, inserted.task_data, inserted.task_output, inserted.scheduled_at, inserted.started_at, inserted.last_heartbeat_at, inserted.must_heartbeat_before, inserted.processed_at, inserted.processor
     WHERE id = @p2
       AND processor = @p3
       AND processed_at IS NULL
       AND must_heartbeat_before > SYSUTCDATETIME()`,
		output, taskID, processor,
	)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		return nil, nil, ConflictError{TaskID: taskID, Reason: "processor mismatch, already completed, or lease expired"}
	}
	if err != nil {
		_ = tx.Rollback()
		return nil, nil, err
	}
	return tx, t, nil
}

// abandon clears the processor field so the row matches the abandoned
// predicate, keeping started_at for diagnostics (spec 4.D abandon).
func (s *sqlStore) abandon(ctx context.Context, taskID int64, processor string) (*Task, error) {
	row := s.db.QueryRowContext(
		ctx,
		`UPDATE dbo.tasks
     SET must_heartbeat_before = SYSUTCDATETIME()
     OUTPUT inserted.id, inserted.task_data, inserted.task_output, inserted.scheduled_at, inserted.started_at, inserted.last_heartbeat_at, inserted.must_heartbeat_before, inserted.processed_at, inserted.processor
     WHERE id = @p1 AND processor = @p2 AND processed_at IS NULL`,
		taskID, processor,
	)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ConflictError{TaskID: taskID, Reason: "processor mismatch or already completed"}
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *sqlStore) readByID(ctx context.Context, taskID int64) (*Task, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, task_data, task_output, scheduled_at, started_at, last_heartbeat_at, must_heartbeat_before, processed_at, processor
     FROM dbo.tasks WHERE id = @p1`,
		taskID,
	)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFoundError{TaskID: taskID}
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// listByState reads every row along with its derived-state flags computed
// by the storage engine against SYSUTCDATETIME(), so filtering never
// consults the caller's wall clock.
func (s *sqlStore) listByState(ctx context.Context, state State) ([]Task, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, task_data, task_output, scheduled_at, started_at, last_heartbeat_at, must_heartbeat_before, processed_at, processor,
       CASE WHEN processed_at IS NOT NULL THEN 1 ELSE 0 END AS is_completed,
       CASE WHEN processed_at IS NULL AND started_at IS NULL THEN 1 ELSE 0 END AS is_scheduled,
       CASE WHEN processed_at IS NULL AND started_at IS NOT NULL AND must_heartbeat_before <= SYSUTCDATETIME() THEN 1 ELSE 0 END AS is_abandoned
     FROM dbo.tasks ORDER BY id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, isCompleted, isScheduled, isAbandoned, err := scanTaskRowWithState(rows)
		if err != nil {
			return nil, err
		}
		var derived State
		switch {
		case isCompleted:
			derived = StateCompleted
		case isScheduled:
			derived = StateScheduled
		case isAbandoned:
			derived = StateAbandoned
		default:
			derived = StateAssigned
		}
		if state == "" || state == "all" || derived == state {
			out = append(out, *t)
		}
	}
	return out, rows.Err()
}

// rowScanner abstracts *sql.Row and *sql.Rows so scanTask can serve both.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var output sql.RawBytes
	var startedAt, lastHeartbeatAt, mustHeartbeatBefore, processedAt sql.NullTime
	var processor sql.NullString
	if err := row.Scan(&t.ID, &t.Data, &output, &t.ScheduledAt, &startedAt, &lastHeartbeatAt, &mustHeartbeatBefore, &processedAt, &processor); err != nil {
		return nil, err
	}
	applyNullable(&t, output, startedAt, lastHeartbeatAt, mustHeartbeatBefore, processedAt, processor)
	return &t, nil
}

func scanTaskRowWithState(rows *sql.Rows) (*Task, bool, bool, bool, error) {
	var t Task
	var output sql.RawBytes
	var startedAt, lastHeartbeatAt, mustHeartbeatBefore, processedAt sql.NullTime
	var processor sql.NullString
	var isCompleted, isScheduled, isAbandoned int
	if err := rows.Scan(&t.ID, &t.Data, &output, &t.ScheduledAt, &startedAt, &lastHeartbeatAt, &mustHeartbeatBefore, &processedAt, &processor, &isCompleted, &isScheduled, &isAbandoned); err != nil {
		return nil, false, false, false, err
	}
	applyNullable(&t, output, startedAt, lastHeartbeatAt, mustHeartbeatBefore, processedAt, processor)
	return &t, isCompleted != 0, isScheduled != 0, isAbandoned != 0, nil
}

func applyNullable(t *Task, output sql.RawBytes, startedAt, lastHeartbeatAt, mustHeartbeatBefore, processedAt sql.NullTime, processor sql.NullString) {
	if len(output) > 0 {
		t.Output = append([]byte(nil), output...)
	}
	if startedAt.Valid {
		v := normalizeDBTime(startedAt.Time)
		t.StartedAt = &v
	}
	if lastHeartbeatAt.Valid {
		v := normalizeDBTime(lastHeartbeatAt.Time)
		t.LastHeartbeatAt = &v
	}
	if mustHeartbeatBefore.Valid {
		v := normalizeDBTime(mustHeartbeatBefore.Time)
		t.MustHeartbeatBefore = &v
	}
	if processedAt.Valid {
		v := normalizeDBTime(processedAt.Time)
		t.ProcessedAt = &v
	}
	if processor.Valid {
		t.Processor = processor.String
	}
	t.ScheduledAt = normalizeDBTime(t.ScheduledAt)
}

func normalizeDBTime(value time.Time) time.Time {
	return time.Date(
		value.Year(),
		value.Month(),
		value.Day(),
		value.Hour(),
		value.Minute(),
		value.Second(),
		value.Nanosecond(),
		time.UTC,
	)
}
