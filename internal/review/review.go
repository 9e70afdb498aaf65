// Package review drives the four mandatory human gates. A controller polls
// the tasks parked at gate statuses, asks the approval source (the planning
// surface) for decisions, and applies them: approval re-admits the task
// into the claim pool, rejection parks it in the step's error status.
package review

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/showrunner/internal/audit"
	"github.com/basket/showrunner/internal/otel"
	"github.com/basket/showrunner/internal/persistence"
	"github.com/basket/showrunner/internal/pipeline"
)

// Decision is one reviewer verdict for a gated task, keyed by the planning
// surface page.
type Decision struct {
	PageRef string
	Approve bool
	Actor   string
	Reason  string
}

// ApprovalSource produces the pending decisions for tasks sitting at gates.
// Tasks without a verdict yet are simply absent from the result.
type ApprovalSource interface {
	Decisions(ctx context.Context, tasks []persistence.Task) ([]Decision, error)
}

// Controller polls gate tasks and applies reviewer decisions. Applying is
// idempotent: the status CAS in the store makes a replayed decision a no-op.
type Controller struct {
	store    *persistence.Store
	source   ApprovalSource
	interval time.Duration
	metrics  *otel.Metrics
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewController(store *persistence.Store, source ApprovalSource, interval time.Duration, metrics *otel.Metrics, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Controller{
		store:    store,
		source:   source,
		interval: interval,
		metrics:  metrics,
		logger:   logger,
	}
}

// Start launches the polling loop.
func (c *Controller) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.Tick(ctx); err != nil {
					c.logger.Error("review poll failed", "error", err)
				}
			}
		}
	}()
}

// Stop cancels the loop and waits for the in-flight tick.
func (c *Controller) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// Tick runs one poll round: fetch gate tasks, collect decisions, apply.
func (c *Controller) Tick(ctx context.Context) error {
	gated, err := c.store.ListByStatus(ctx, pipeline.GateStatuses, 0)
	if err != nil {
		return err
	}
	if len(gated) == 0 {
		return nil
	}

	decisions, err := c.source.Decisions(ctx, gated)
	if err != nil {
		return err
	}
	if len(decisions) == 0 {
		return nil
	}

	byPage := make(map[string]persistence.Task, len(gated))
	for _, t := range gated {
		byPage[t.PageRef] = t
	}
	for _, d := range decisions {
		task, ok := byPage[d.PageRef]
		if !ok {
			continue
		}
		if err := c.apply(ctx, task, d); err != nil {
			c.logger.Error("apply review decision",
				"task_id", task.ID, "page_ref", d.PageRef, "error", err)
		}
	}
	return nil
}

func (c *Controller) apply(ctx context.Context, task persistence.Task, d Decision) error {
	gate := task.Status

	var to pipeline.Status
	var eventType, kind string
	if d.Approve {
		target, ok := pipeline.ApprovedStatus(gate)
		if !ok {
			return nil
		}
		to, eventType, kind = target, "review.approved", audit.KindReviewApproved
	} else {
		target, ok := pipeline.RejectedStatus(gate)
		if !ok {
			return nil
		}
		to, eventType, kind = target, "review.rejected", audit.KindReviewRejected
	}

	applied, err := c.store.ApplyReview(ctx, task.ID, gate, to, eventType, d.Reason)
	if err != nil {
		return err
	}
	if !applied {
		// Already decided by an earlier poll or another instance.
		return nil
	}

	audit.Record(kind, task.ID, string(gate)+" -> "+string(to), d.Actor)
	c.logger.Info("review decision applied",
		"task_id", task.ID,
		"gate", gate,
		"approved", d.Approve,
		"actor", d.Actor,
	)
	c.recordLatency(ctx, task, gate)
	return nil
}

// recordLatency measures gate dwell time from the review_started_at stamp
// written when the task entered the gate.
func (c *Controller) recordLatency(ctx context.Context, task persistence.Task, gate pipeline.Status) {
	if c.metrics == nil || task.ReviewStartedAt == nil {
		return
	}
	secs := time.Since(*task.ReviewStartedAt).Seconds()
	if secs < 0 {
		secs = 0
	}
	c.metrics.ReviewLatency.Record(ctx, secs,
		metric.WithAttributes(attribute.String("gate", string(gate))))
}
