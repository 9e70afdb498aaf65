// Package persistence implements the durable work item store and quota
// ledger rows on SQLite: tasks, per-day quota usage, the append-only
// task_events trail, and ingest-event dedupe.
//
// Concurrency safety lives here. Every status mutation is a short
// compare-and-set transaction keyed on the current status; a worker that
// loses the race sees zero rows affected and moves on. No transaction is
// ever held open across an external collaborator call.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/showrunner/internal/audit"
	"github.com/basket/showrunner/internal/bus"
	"github.com/basket/showrunner/internal/pipeline"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "sr-v1-2026-07-02-core-schema"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

// Priority orders tasks within the claim pool; lower claims first.
type Priority int

const (
	PriorityHigh   Priority = 1
	PriorityNormal Priority = 2
	PriorityLow    Priority = 3
)

// ParsePriority maps the planning surface's priority names onto the
// internal ordering. Unknown names fall back to normal.
func ParsePriority(s string) Priority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high", "urgent":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// StepProgress is the resumption record for one incomplete step: how many
// sub-units finished and where the partial output lives. It is cleared when
// the step fully completes.
type StepProgress struct {
	Completed int    `json:"completed"`
	Total     int    `json:"total,omitempty"`
	OutputRef string `json:"output_ref,omitempty"`
}

// ProgressMap holds per-step resumption records, keyed by step ID.
type ProgressMap map[pipeline.StepID]StepProgress

// Task is one unit of production work.
type Task struct {
	ID                string            `json:"id"`
	ChannelID         string            `json:"channel_id"`
	PageRef           string            `json:"page_ref,omitempty"`
	Title             string            `json:"title,omitempty"`
	Status            pipeline.Status   `json:"status"`
	Priority          Priority          `json:"priority"`
	Progress          ProgressMap       `json:"step_progress,omitempty"`
	ErrorLog          string            `json:"error_log,omitempty"`
	ReviewStartedAt   *time.Time        `json:"review_started_at,omitempty"`
	ReviewCompletedAt *time.Time        `json:"review_completed_at,omitempty"`
	LeaseOwner        string            `json:"lease_owner,omitempty"`
	LeaseExpiresAt    *time.Time        `json:"lease_expires_at,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// ReviewDuration returns how long the task sat at its last review gate, or
// nil if it has not yet exited a gate.
func (t *Task) ReviewDuration() *time.Duration {
	if t.ReviewStartedAt == nil || t.ReviewCompletedAt == nil {
		return nil
	}
	d := t.ReviewCompletedAt.Sub(*t.ReviewStartedAt)
	if d < 0 {
		d = 0
	}
	return &d
}

// TaskEvent is one row of the append-only transition trail.
type TaskEvent struct {
	EventID   int64           `json:"event_id"`
	TaskID    string          `json:"task_id"`
	EventType string          `json:"event_type"`
	StateFrom pipeline.Status `json:"state_from,omitempty"`
	StateTo   pipeline.Status `json:"state_to"`
	Detail    string          `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Store wraps the SQLite database.
type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".showrunner", "showrunner.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter on top of the driver's
// busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// ±25% jitter.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var version sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations;`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if int(version.Int64) >= schemaVersionLatest {
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL,
			page_ref TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 2,
			step_progress TEXT NOT NULL DEFAULT '{}',
			error_log TEXT NOT NULL DEFAULT '',
			review_started_at DATETIME,
			review_completed_at DATETIME,
			lease_owner TEXT,
			lease_expires_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_claim
			ON tasks(status, priority, created_at);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_page_ref
			ON tasks(page_ref) WHERE page_ref != '';

		CREATE TABLE IF NOT EXISTS quota_usage (
			channel_id TEXT NOT NULL,
			resource TEXT NOT NULL,
			day TEXT NOT NULL,
			units_used INTEGER NOT NULL DEFAULT 0,
			daily_limit INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (channel_id, resource, day)
		);

		CREATE TABLE IF NOT EXISTS task_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			state_from TEXT,
			state_to TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_task_events_task
			ON task_events(task_id, event_id);

		CREATE TABLE IF NOT EXISTS ingest_events (
			event_id TEXT PRIMARY KEY,
			received_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			task_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			actor TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create core schema: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum) VALUES (?, ?)
		ON CONFLICT(version) DO NOTHING;
	`, schemaVersionV1, schemaChecksumV1); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}

	return tx.Commit()
}

// transitionTaskTx applies one status transition inside tx. It returns
// (false, nil) when the task is missing or no longer in an allowed source
// status (the caller lost a race, which is not an error), and
// *pipeline.InvalidTransitionError when the requested edge is outside the
// fixed table.
//
// Entering a gate stamps review_started_at; leaving one stamps
// review_completed_at. A non-nil appendLog is appended to error_log with a
// timestamp in the same transaction.
type taskRef struct {
	ChannelID string
	PageRef   string
	From      pipeline.Status
}

func (s *Store) transitionTaskTx(
	ctx context.Context,
	tx *sql.Tx,
	taskID string,
	allowedFrom []pipeline.Status,
	to pipeline.Status,
	eventType string,
	detail string,
	appendLog *string,
) (bool, taskRef, error) {
	var ref taskRef
	var current pipeline.Status
	if err := tx.QueryRowContext(ctx, `
		SELECT status, channel_id, page_ref FROM tasks WHERE id = ?;
	`, taskID).Scan(&current, &ref.ChannelID, &ref.PageRef); err != nil {
		if err == sql.ErrNoRows {
			return false, ref, nil
		}
		return false, ref, fmt.Errorf("select task for transition: %w", err)
	}
	ref.From = current
	if !slices.Contains(allowedFrom, current) {
		return false, ref, nil
	}
	if !pipeline.CanTransition(current, to) {
		invErr := &pipeline.InvalidTransitionError{TaskID: taskID, From: current, To: to}
		audit.Record(audit.KindInvalidTransition, taskID, invErr.Error(), "")
		return false, ref, invErr
	}

	logLine := ""
	if appendLog != nil && *appendLog != "" {
		logLine = fmt.Sprintf("%s %s\n", time.Now().UTC().Format(time.RFC3339), *appendLog)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?,
			review_started_at = CASE WHEN ? THEN CURRENT_TIMESTAMP ELSE review_started_at END,
			review_completed_at = CASE WHEN ? THEN CURRENT_TIMESTAMP ELSE review_completed_at END,
			error_log = CASE WHEN ? != '' THEN error_log || ? ELSE error_log END,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, to, pipeline.IsGate(to), pipeline.IsGate(current), logLine, logLine, taskID, current)
	if err != nil {
		return false, ref, fmt.Errorf("update task transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, ref, fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return false, ref, nil
	}
	if err := s.appendTaskEventTx(ctx, tx, taskID, current, to, eventType, detail); err != nil {
		return false, ref, err
	}
	return true, ref, nil
}

func (s *Store) appendTaskEventTx(ctx context.Context, tx *sql.Tx, taskID string, from, to pipeline.Status, eventType, detail string) error {
	stateFrom := sql.NullString{}
	if from != "" {
		stateFrom.Valid = true
		stateFrom.String = string(from)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, event_type, state_from, state_to, detail)
		VALUES (?, ?, ?, ?, ?);
	`, taskID, eventType, stateFrom, to, detail); err != nil {
		return fmt.Errorf("append task event: %w", err)
	}
	return nil
}

// publishStateChange emits the mirror/alerting event after a committed
// transition. Best effort: the transition itself has already committed.
func (s *Store) publishStateChange(taskID string, ref taskRef, to pipeline.Status) {
	if s.bus == nil {
		return
	}
	ev := bus.TaskStateChanged{
		TaskID:    taskID,
		ChannelID: ref.ChannelID,
		PageRef:   ref.PageRef,
		OldStatus: string(ref.From),
		NewStatus: string(to),
	}
	s.bus.Publish(bus.TopicTaskStateChanged, ev)
	if to == pipeline.StatusPublished {
		s.bus.Publish(bus.TopicTaskPublished, ev)
	}
}

// ListTaskEvents returns the transition trail for one task, oldest first.
func (s *Store) ListTaskEvents(ctx context.Context, taskID string) ([]TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, event_type, COALESCE(state_from, ''), state_to, detail, created_at
		FROM task_events
		WHERE task_id = ?
		ORDER BY event_id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()

	var out []TaskEvent
	for rows.Next() {
		var ev TaskEvent
		var from string
		if err := rows.Scan(&ev.EventID, &ev.TaskID, &ev.EventType, &from, &ev.StateTo, &ev.Detail, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		ev.StateFrom = pipeline.Status(from)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task event rows: %w", err)
	}
	return out, nil
}

// MarkIngested records an inbound event ID and reports whether it was new.
// A duplicate delivery returns false and must be ignored by the caller.
func (s *Store) MarkIngested(ctx context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, fmt.Errorf("empty ingest event id")
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO ingest_events (event_id) VALUES (?);
	`, eventID)
	if err != nil {
		return false, fmt.Errorf("mark ingested: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark ingested rows affected: %w", err)
	}
	return n == 1, nil
}
