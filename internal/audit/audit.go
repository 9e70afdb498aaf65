// Package audit records review decisions and invariant violations to an
// append-only JSONL file and, when configured, the audit_log table. Both
// writes are best effort: auditing never blocks or fails an orchestration
// path.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/showrunner/internal/shared"
)

// Audit record kinds.
const (
	KindReviewApproved    = "review_approved"
	KindReviewRejected    = "review_rejected"
	KindTaskCancelled     = "task_cancelled"
	KindInvalidTransition = "invalid_transition"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Kind      string `json:"kind"`
	TaskID    string `json:"task_id"`
	Detail    string `json:"detail"`
	Actor     string `json:"actor,omitempty"`
}

var (
	mu             sync.Mutex
	file           *os.File
	db             *sql.DB
	violationCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB configures the database for audit_log table writes.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// ViolationCount returns the number of invalid-transition records since startup.
func ViolationCount() int64 {
	return violationCount.Load()
}

func Record(kind, taskID, detail, actor string) {
	if kind == KindInvalidTransition {
		violationCount.Add(1)
	}

	// Redact secrets before persistence.
	detail = shared.Redact(detail)

	mu.Lock()
	defer mu.Unlock()

	// Write to JSONL file.
	if file != nil {
		ev := entry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Kind:      kind,
			TaskID:    taskID,
			Detail:    detail,
			Actor:     actor,
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	// Write to audit_log table.
	if db != nil {
		_, _ = db.ExecContext(context.Background(), `
			INSERT INTO audit_log (kind, task_id, detail, actor)
			VALUES (?, ?, ?, ?);
		`, kind, taskID, detail, actor)
	}
}
