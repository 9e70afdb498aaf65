// Package syncer reconciles the planning surface with the local task store
// on a cron schedule. Change events are the fast path; the periodic pull
// catches pages whose events were missed so the database stays the source
// of planned work.
package syncer

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/basket/showrunner/internal/notion"
	"github.com/basket/showrunner/internal/persistence"
	"github.com/basket/showrunner/internal/pipeline"
)

// Syncer pulls queued and cancelled pages from the Notion database and
// applies the difference to the store.
type Syncer struct {
	store      *persistence.Store
	client     *notion.Client
	databaseID string
	schedule   cron.Schedule
	logger     *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New parses the 5-field cron expression and builds the syncer.
func New(store *persistence.Store, client *notion.Client, databaseID, scheduleExpr string, logger *slog.Logger) (*Syncer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	schedule, err := cron.ParseStandard(scheduleExpr)
	if err != nil {
		return nil, fmt.Errorf("parse sync schedule %q: %w", scheduleExpr, err)
	}
	return &Syncer{
		store:      store,
		client:     client,
		databaseID: databaseID,
		schedule:   schedule,
		logger:     logger,
	}, nil
}

// NextRunTime returns the next scheduled reconciliation after t.
func (s *Syncer) NextRunTime(t time.Time) time.Time {
	return s.schedule.Next(t)
}

// Start launches the schedule loop.
func (s *Syncer) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			next := s.schedule.Next(time.Now())
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				if err := s.Sync(ctx); err != nil {
					s.logger.Error("reconciliation sync failed", "error", err)
				}
			}
		}
	}()
}

// Stop cancels the loop and waits for an in-flight sync.
func (s *Syncer) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Sync runs one reconciliation round.
func (s *Syncer) Sync(ctx context.Context) error {
	if err := s.pullQueued(ctx); err != nil {
		return err
	}
	return s.pullCancelled(ctx)
}

// pullQueued creates tasks for queued pages that have no local task yet.
func (s *Syncer) pullQueued(ctx context.Context) error {
	pages, err := s.client.QueryByStatus(ctx, s.databaseID, notion.PageStatusQueued)
	if err != nil {
		return fmt.Errorf("query queued pages: %w", err)
	}
	created := 0
	for _, page := range pages {
		if page.Channel == "" {
			s.logger.Warn("queued page missing channel, skipped", "page_ref", page.ID)
			continue
		}
		if _, err := s.store.GetTaskByPageRef(ctx, page.ID); err == nil {
			continue
		} else if err != sql.ErrNoRows {
			return fmt.Errorf("lookup page task: %w", err)
		}
		taskID, err := s.store.CreateTask(ctx, persistence.CreateTaskParams{
			ChannelID: page.Channel,
			PageRef:   page.ID,
			Title:     page.Title,
			Priority:  persistence.ParsePriority(page.Priority),
		})
		if err != nil {
			return fmt.Errorf("create task for page %s: %w", page.ID, err)
		}
		created++
		s.logger.Info("task created from reconciliation",
			"task_id", taskID, "page_ref", page.ID, "channel_id", page.Channel)
	}
	if created > 0 {
		s.logger.Info("reconciliation pulled new work", "created", created)
	}
	return nil
}

// pullCancelled applies planner-side cancellations that never arrived as
// events.
func (s *Syncer) pullCancelled(ctx context.Context) error {
	pages, err := s.client.QueryByStatus(ctx, s.databaseID, notion.PageStatusCancelled)
	if err != nil {
		return fmt.Errorf("query cancelled pages: %w", err)
	}
	for _, page := range pages {
		task, err := s.store.GetTaskByPageRef(ctx, page.ID)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return fmt.Errorf("lookup page task: %w", err)
		}
		if pipeline.IsTerminal(task.Status) {
			continue
		}
		cancelled, err := s.store.Cancel(ctx, task.ID, "cancelled on planning surface")
		if err != nil {
			return err
		}
		if cancelled {
			s.logger.Info("task cancelled from reconciliation", "task_id", task.ID, "page_ref", page.ID)
		}
	}
	return nil
}
