package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/showrunner/internal/pipeline"
)

// CreateTaskParams describes a new work item arriving from the planning
// surface.
type CreateTaskParams struct {
	ChannelID string
	PageRef   string
	Title     string
	Priority  Priority
}

// CreateTask inserts a task in the initial status. A task with the same
// page reference already present is not duplicated; the existing ID is
// returned with ErrAlreadyExists unwrapped to nil for callers that only
// reconcile.
func (s *Store) CreateTask(ctx context.Context, p CreateTaskParams) (string, error) {
	if strings.TrimSpace(p.ChannelID) == "" {
		return "", fmt.Errorf("create task: channel id is required")
	}
	if p.Priority == 0 {
		p.Priority = PriorityNormal
	}

	taskID := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, channel_id, page_ref, title, status, priority)
			VALUES (?, ?, ?, ?, ?, ?);
		`, taskID, p.ChannelID, p.PageRef, p.Title, pipeline.StatusPending, p.Priority); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		if err := s.appendTaskEventTx(ctx, tx, taskID, "", pipeline.StatusPending, "task.created", ""); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	return taskID, nil
}

const taskColumns = `
	id, channel_id, page_ref, title, status, priority, step_progress, error_log,
	review_started_at, review_completed_at,
	COALESCE(lease_owner, ''), lease_expires_at, created_at, updated_at`

func scanTask(scan func(dest ...any) error, t *Task) error {
	var progress string
	var reviewStarted, reviewCompleted, leaseExpires sql.NullTime
	if err := scan(
		&t.ID, &t.ChannelID, &t.PageRef, &t.Title, &t.Status, &t.Priority,
		&progress, &t.ErrorLog,
		&reviewStarted, &reviewCompleted,
		&t.LeaseOwner, &leaseExpires, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return err
	}
	if reviewStarted.Valid {
		v := reviewStarted.Time
		t.ReviewStartedAt = &v
	}
	if reviewCompleted.Valid {
		v := reviewCompleted.Time
		t.ReviewCompletedAt = &v
	}
	if leaseExpires.Valid {
		v := leaseExpires.Time
		t.LeaseExpiresAt = &v
	}
	if progress == "" {
		progress = "{}"
	}
	if err := json.Unmarshal([]byte(progress), &t.Progress); err != nil {
		return fmt.Errorf("decode step progress: %w", err)
	}
	return nil
}

// GetTask fetches one task by ID. Returns sql.ErrNoRows when absent.
func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, taskID)
	var t Task
	if err := scanTask(row.Scan, &t); err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &t, nil
}

// GetTaskByPageRef fetches the task mirroring a planning-surface page.
func (s *Store) GetTaskByPageRef(ctx context.Context, pageRef string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE page_ref = ?;`, pageRef)
	var t Task
	if err := scanTask(row.Scan, &t); err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("get task by page ref: %w", err)
	}
	return &t, nil
}

// ListByStatus returns tasks in any of the given statuses, ordered by
// priority then creation time (the claim pool's base order).
func (s *Store) ListByStatus(ctx context.Context, statuses []pipeline.Status, limit int) ([]Task, error) {
	return s.listByStatusPage(ctx, statuses, limit, 0)
}

func (s *Store) listByStatusPage(ctx context.Context, statuses []pipeline.Status, limit, offset int) ([]Task, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, 0, len(statuses)+2)
	for _, st := range statuses {
		args = append(args, st)
	}
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status IN (`+placeholders+`)
		ORDER BY priority ASC, created_at ASC, id ASC
		LIMIT ? OFFSET ?;
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks by status: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

// ListClaimable returns the claim-pool candidates in base order.
func (s *Store) ListClaimable(ctx context.Context, limit int) ([]Task, error) {
	return s.listByStatusPage(ctx, pipeline.ClaimableStatuses, limit, 0)
}

// ListClaimablePage returns one window of the claim pool. A claim round that
// skipped every candidate in a window walks on to the next one instead of
// giving up, so a long run of ineligible tasks cannot hide eligible work
// behind it.
func (s *Store) ListClaimablePage(ctx context.Context, limit, offset int) ([]Task, error) {
	return s.listByStatusPage(ctx, pipeline.ClaimableStatuses, limit, offset)
}

// Claim atomically moves one task from a claimable status into the step's
// running status and stamps the worker's lease. Exactly one concurrent
// caller wins; losers get (false, nil) and try the next candidate.
func (s *Store) Claim(ctx context.Context, taskID string, from, to pipeline.Status, leaseOwner string, leaseTTL time.Duration) (bool, error) {
	var claimed bool
	err := retryOnBusy(ctx, 5, func() error {
		claimed = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		ok, ref, err := s.transitionTaskTx(ctx, tx, taskID,
			[]pipeline.Status{from}, to,
			"task.claimed", fmt.Sprintf(`{"worker":%q}`, leaseOwner), nil)
		if err != nil {
			return fmt.Errorf("claim transition: %w", err)
		}
		if !ok {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET lease_owner = ?, lease_expires_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, leaseOwner, time.Now().UTC().Add(leaseTTL), taskID, to); err != nil {
			return fmt.Errorf("set claim lease: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}
		claimed = true
		s.publishStateChange(taskID, ref, to)
		return nil
	})
	return claimed, err
}

// Release reverts a claimed task to its pre-claim status untouched: the
// lease is cleared and step progress is preserved. Used when the post-claim
// quota re-check fails and for transient-failure backout; not counted as a
// task failure.
func (s *Store) Release(ctx context.Context, taskID string, from, to pipeline.Status, reason string) (bool, error) {
	return s.finishStepTx(ctx, taskID, from, to, "task.released", fmt.Sprintf(`{"reason":%q}`, reason), nil, "")
}

// FailStep moves a task out of its running status after a permanent step
// failure, appending the failure to error_log and clearing the lease. For
// gated steps the target is the step's error status; cheap steps revert to
// their claimable status for operator attention.
func (s *Store) FailStep(ctx context.Context, taskID string, from, to pipeline.Status, msg string) (bool, error) {
	return s.finishStepTx(ctx, taskID, from, to, "step.failed", "", &msg, "")
}

// CompleteStep advances a task out of its running status on full step
// success: the step's progress entry is consumed (cleared), the lease is
// dropped, and the status moves to the step's done status — a review gate
// for gated steps, stamping review_started_at.
func (s *Store) CompleteStep(ctx context.Context, taskID string, step pipeline.Step, outputRef string) (bool, error) {
	detail := fmt.Sprintf(`{"step":%q,"output_ref":%q}`, step.ID, outputRef)
	return s.finishStepTx(ctx, taskID, step.Running, step.Done, "step.completed", detail, nil, step.ID)
}

// finishStepTx is the shared lease-clearing transition for release, failure,
// and completion. clearProgress, when non-empty, removes that step's
// progress entry in the same transaction.
func (s *Store) finishStepTx(ctx context.Context, taskID string, from, to pipeline.Status, eventType, detail string, appendLog *string, clearProgress pipeline.StepID) (bool, error) {
	var applied bool
	err := retryOnBusy(ctx, 5, func() error {
		applied = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin step finish tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		ok, ref, err := s.transitionTaskTx(ctx, tx, taskID, []pipeline.Status{from}, to, eventType, detail, appendLog)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET lease_owner = NULL, lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, taskID, to); err != nil {
			return fmt.Errorf("clear lease: %w", err)
		}
		if clearProgress != "" {
			if err := s.clearStepProgressTx(ctx, tx, taskID, clearProgress); err != nil {
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit step finish tx: %w", err)
		}
		applied = true
		s.publishStateChange(taskID, ref, to)
		return nil
	})
	return applied, err
}

// ApplyReview applies an approval or rejection decision to a task at a
// review gate. Idempotent: once the task has left the gate the source
// status no longer matches and the call is a no-op returning false.
func (s *Store) ApplyReview(ctx context.Context, taskID string, gate, to pipeline.Status, eventType, reason string) (bool, error) {
	var applied bool
	err := retryOnBusy(ctx, 5, func() error {
		applied = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin review tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var appendLog *string
		if reason != "" {
			appendLog = &reason
		}
		ok, ref, err := s.transitionTaskTx(ctx, tx, taskID, []pipeline.Status{gate}, to, eventType, "", appendLog)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit review tx: %w", err)
		}
		applied = true
		s.publishStateChange(taskID, ref, to)
		return nil
	})
	return applied, err
}

// Requeue moves a task from a step error status back to the claimable
// status that re-runs the failed step (manual retry by an operator).
func (s *Store) Requeue(ctx context.Context, taskID string) (bool, error) {
	t, err := s.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	target, ok := pipeline.RetryStatus(t.Status)
	if !ok {
		return false, nil
	}
	return s.finishStepTx(ctx, taskID, t.Status, target, "task.requeued", "", nil, "")
}

// Cancel moves a task to the terminal cancelled status if its current
// status permits it. Running steps cannot be cancelled mid-flight.
func (s *Store) Cancel(ctx context.Context, taskID, reason string) (bool, error) {
	t, err := s.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if !pipeline.CanTransition(t.Status, pipeline.StatusCancelled) {
		return false, nil
	}
	var appendLog *string
	if reason != "" {
		appendLog = &reason
	}
	var applied bool
	err = retryOnBusy(ctx, 5, func() error {
		applied = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin cancel tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		ok, ref, err := s.transitionTaskTx(ctx, tx, taskID, []pipeline.Status{t.Status}, pipeline.StatusCancelled, "task.cancelled", "", appendLog)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit cancel tx: %w", err)
		}
		applied = true
		s.publishStateChange(taskID, ref, pipeline.StatusCancelled)
		return nil
	})
	return applied, err
}

// SetPriority updates the claim-ordering priority of a task.
func (s *Store) SetPriority(ctx context.Context, taskID string, p Priority) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET priority = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, p, taskID); err != nil {
		return fmt.Errorf("set priority: %w", err)
	}
	return nil
}

// SaveStepProgress records partial progress for an incomplete step so a
// retry resumes at sub-unit Completed+1 instead of redoing finished work.
func (s *Store) SaveStepProgress(ctx context.Context, taskID string, step pipeline.StepID, prog StepProgress) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin progress tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		progress, err := s.readProgressTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if progress == nil {
			progress = ProgressMap{}
		}
		progress[step] = prog
		if err := s.writeProgressTx(ctx, tx, taskID, progress); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// ClearStepProgress removes a step's resumption record.
func (s *Store) ClearStepProgress(ctx context.Context, taskID string, step pipeline.StepID) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin progress tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := s.clearStepProgressTx(ctx, tx, taskID, step); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func (s *Store) clearStepProgressTx(ctx context.Context, tx *sql.Tx, taskID string, step pipeline.StepID) error {
	progress, err := s.readProgressTx(ctx, tx, taskID)
	if err != nil {
		return err
	}
	if _, ok := progress[step]; !ok {
		return nil
	}
	delete(progress, step)
	return s.writeProgressTx(ctx, tx, taskID, progress)
}

func (s *Store) readProgressTx(ctx context.Context, tx *sql.Tx, taskID string) (ProgressMap, error) {
	var raw string
	if err := tx.QueryRowContext(ctx, `SELECT step_progress FROM tasks WHERE id = ?;`, taskID).Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("read step progress: %w", err)
	}
	if raw == "" {
		raw = "{}"
	}
	var progress ProgressMap
	if err := json.Unmarshal([]byte(raw), &progress); err != nil {
		return nil, fmt.Errorf("decode step progress: %w", err)
	}
	return progress, nil
}

func (s *Store) writeProgressTx(ctx context.Context, tx *sql.Tx, taskID string, progress ProgressMap) error {
	raw, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("encode step progress: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET step_progress = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, string(raw), taskID); err != nil {
		return fmt.Errorf("write step progress: %w", err)
	}
	return nil
}

// AppendErrorLog appends a timestamped line to the task's error log.
func (s *Store) AppendErrorLog(ctx context.Context, taskID, msg string) error {
	line := fmt.Sprintf("%s %s\n", time.Now().UTC().Format(time.RFC3339), msg)
	if _, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET error_log = error_log || ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, line, taskID); err != nil {
		return fmt.Errorf("append error log: %w", err)
	}
	return nil
}

// RequeueExpiredLeases reverts tasks whose worker died mid-step back to
// their claimable statuses, preserving step progress so the next claim
// resumes instead of restarting. Returns the number of tasks reclaimed.
func (s *Store) RequeueExpiredLeases(ctx context.Context) (int64, error) {
	running := make([]pipeline.Status, 0, len(pipeline.Steps))
	for _, st := range pipeline.Steps {
		running = append(running, st.Running)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(running)), ",")
	args := make([]any, 0, len(running))
	for _, st := range running {
		args = append(args, st)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status
		FROM tasks
		WHERE status IN (`+placeholders+`)
		  AND lease_expires_at IS NOT NULL
		  AND lease_expires_at <= ?;
	`, append(args, time.Now().UTC())...)
	if err != nil {
		return 0, fmt.Errorf("query expired leases: %w", err)
	}
	type expired struct {
		id     string
		status pipeline.Status
	}
	var found []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.id, &e.status); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan expired lease: %w", err)
		}
		found = append(found, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("expired lease rows: %w", err)
	}

	var reclaimed int64
	for _, e := range found {
		step, ok := pipeline.StepForRunning(e.status)
		if !ok {
			continue
		}
		ok2, err := s.Release(ctx, e.id, e.status, step.Claimable, "lease_expired")
		if err != nil {
			return reclaimed, err
		}
		if ok2 {
			reclaimed++
		}
	}
	return reclaimed, nil
}
