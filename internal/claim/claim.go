// Package claim selects the next task for a worker: priority first, then
// per-channel round robin inside each priority tier, then FIFO, filtered by
// resource quota and per-resource concurrency caps. Winning a task is an
// atomic status flip in the store, so any number of workers can claim from
// the same pool without coordination.
package claim

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/showrunner/internal/persistence"
	"github.com/basket/showrunner/internal/pipeline"
)

// QuotaChecker answers whether a channel may spend projected more units of
// a resource today.
type QuotaChecker interface {
	Check(ctx context.Context, channelID, resource string, projected int64) (bool, error)
}

// WorkerState carries the per-worker claiming state: in-flight slot counts
// for capped resources and the rotation cursor that staggers channel
// selection across successive claims.
type WorkerState struct {
	WorkerID string

	mu       sync.Mutex
	caps     map[string]int
	inflight map[string]int
	rotation int

	// FailureStreak counts consecutive step failures for escalation.
	FailureStreak int
}

func NewWorkerState(workerID string, caps map[string]int) *WorkerState {
	return &WorkerState{
		WorkerID: workerID,
		caps:     caps,
		inflight: make(map[string]int),
	}
}

// HasSlot reports whether the resource has concurrency room. Resources
// without a configured cap are uncapped.
func (w *WorkerState) HasSlot(resource string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	limit, capped := w.caps[resource]
	if !capped {
		return true
	}
	return w.inflight[resource] < limit
}

// Reserve takes a concurrency slot for the resource.
func (w *WorkerState) Reserve(resource string) {
	w.mu.Lock()
	w.inflight[resource]++
	w.mu.Unlock()
}

// Release returns a concurrency slot.
func (w *WorkerState) Release(resource string) {
	w.mu.Lock()
	if w.inflight[resource] > 0 {
		w.inflight[resource]--
	}
	w.mu.Unlock()
}

func (w *WorkerState) nextRotation() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.rotation
	w.rotation++
	return r
}

// Claimer owns the candidate walk. One Claimer is shared by all workers of
// a process; each worker passes its own state.
type Claimer struct {
	store    *persistence.Store
	quota    QuotaChecker
	leaseTTL time.Duration
	batch    int
	logger   *slog.Logger
}

func NewClaimer(store *persistence.Store, quota QuotaChecker, leaseTTL time.Duration, batch int, logger *slog.Logger) *Claimer {
	if logger == nil {
		logger = slog.Default()
	}
	if batch <= 0 {
		batch = 50
	}
	return &Claimer{store: store, quota: quota, leaseTTL: leaseTTL, batch: batch, logger: logger}
}

// Next claims and returns the best eligible task for the worker, or
// (nil, nil) when nothing in the pool passes the quota, slot, and race
// filters. The returned task is already in its running status with the
// worker's lease and a reserved resource slot; the caller must execute it
// and release the slot.
//
// The walk pages through the whole pool: when every candidate in a window
// is skipped, the next window is fetched, so one channel's quota-blocked
// backlog cannot bury another channel's eligible work.
func (c *Claimer) Next(ctx context.Context, w *WorkerState) (*persistence.Task, error) {
	rotation := w.nextRotation()
	for offset := 0; ; offset += c.batch {
		candidates, err := c.store.ListClaimablePage(ctx, c.batch, offset)
		if err != nil {
			return nil, fmt.Errorf("list claimable: %w", err)
		}
		if len(candidates) == 0 {
			return nil, nil
		}
		task, stop, err := c.claimFrom(ctx, w, candidates, rotation)
		if task != nil || stop || err != nil {
			return task, err
		}
		if len(candidates) < c.batch {
			// Last window; the pool is exhausted.
			return nil, nil
		}
	}
}

// claimFrom walks one window of candidates in fair order. stop reports that
// the claim round must end empty-handed rather than page on, which happens
// when a post-claim quota re-check loses.
func (c *Claimer) claimFrom(ctx context.Context, w *WorkerState, candidates []persistence.Task, rotation int) (*persistence.Task, bool, error) {
	for _, cand := range fairOrder(candidates, rotation) {
		step, ok := pipeline.StepForClaimable(cand.Status)
		if !ok {
			continue
		}
		if !w.HasSlot(step.Resource) {
			continue
		}

		projected := ProjectedCost(&cand, step)
		if projected > 0 {
			ok, err := c.quota.Check(ctx, cand.ChannelID, step.Resource, projected)
			if err != nil {
				return nil, false, err
			}
			if !ok {
				continue
			}
		}

		won, err := c.store.Claim(ctx, cand.ID, cand.Status, step.Running, w.WorkerID, c.leaseTTL)
		if err != nil {
			return nil, false, fmt.Errorf("claim %s: %w", cand.ID, err)
		}
		if !won {
			// Another worker got there first.
			continue
		}

		// Re-check after winning: usage may have advanced between the
		// pre-check and the claim. A failed re-check releases the task
		// untouched and ends this claim round empty-handed.
		if projected > 0 {
			ok, err := c.quota.Check(ctx, cand.ChannelID, step.Resource, projected)
			if err != nil || !ok {
				if _, relErr := c.store.Release(ctx, cand.ID, step.Running, cand.Status, "quota_recheck"); relErr != nil {
					c.logger.Error("release after quota re-check failed",
						"task_id", cand.ID, "error", relErr)
				}
				if err != nil {
					return nil, true, err
				}
				c.logger.Debug("quota re-check lost",
					"task_id", cand.ID, "channel_id", cand.ChannelID, "resource", step.Resource)
				return nil, true, nil
			}
		}

		w.Reserve(step.Resource)
		task, err := c.store.GetTask(ctx, cand.ID)
		if err != nil {
			w.Release(step.Resource)
			return nil, false, fmt.Errorf("reload claimed task: %w", err)
		}
		c.logger.Info("task claimed",
			"task_id", task.ID,
			"channel_id", task.ChannelID,
			"step", step.ID,
			"worker_id", w.WorkerID,
		)
		return task, false, nil
	}
	return nil, false, nil
}

// ProjectedCost is the remaining spend for the step: unfinished sub-units
// times the per-unit cost. Saved progress shrinks the projection so a
// partially done task can restart under a tighter remaining budget. The
// result is never negative, whatever the progress record holds.
func ProjectedCost(t *persistence.Task, step pipeline.Step) int64 {
	total := step.EstUnits
	completed := 0
	if p, ok := t.Progress[step.ID]; ok {
		if p.Total > 0 {
			total = p.Total
		}
		completed = p.Completed
	}
	remaining := total - completed
	if remaining < 0 {
		remaining = 0
	}
	return int64(remaining) * step.UnitCost
}

// fairOrder arranges candidates as: priority tiers in ascending order, and
// inside each tier the channels interleaved round-robin starting from the
// rotation offset, each channel's own tasks kept FIFO. The input is already
// sorted by (priority, created_at, id).
func fairOrder(tasks []persistence.Task, rotation int) []persistence.Task {
	out := make([]persistence.Task, 0, len(tasks))
	for lo := 0; lo < len(tasks); {
		hi := lo
		for hi < len(tasks) && tasks[hi].Priority == tasks[lo].Priority {
			hi++
		}
		out = append(out, interleaveChannels(tasks[lo:hi], rotation)...)
		lo = hi
	}
	return out
}

func interleaveChannels(tier []persistence.Task, rotation int) []persistence.Task {
	var channels []string
	queues := make(map[string][]persistence.Task)
	for _, t := range tier {
		if _, seen := queues[t.ChannelID]; !seen {
			channels = append(channels, t.ChannelID)
		}
		queues[t.ChannelID] = append(queues[t.ChannelID], t)
	}
	if len(channels) <= 1 {
		return tier
	}

	start := rotation % len(channels)
	out := make([]persistence.Task, 0, len(tier))
	for len(out) < len(tier) {
		for i := 0; i < len(channels); i++ {
			ch := channels[(start+i)%len(channels)]
			if q := queues[ch]; len(q) > 0 {
				out = append(out, q[0])
				queues[ch] = q[1:]
			}
		}
	}
	return out
}
