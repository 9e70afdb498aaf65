// Package worker runs the claim/execute loop: claim the best eligible task,
// run its step through the registered executor with bounded retries, then
// advance the task by outcome. Review gates halt the pipeline for a human;
// checkpoints roll straight into the next step when budget and slots allow.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/showrunner/internal/bus"
	"github.com/basket/showrunner/internal/claim"
	"github.com/basket/showrunner/internal/otel"
	"github.com/basket/showrunner/internal/persistence"
	"github.com/basket/showrunner/internal/pipeline"
	"github.com/basket/showrunner/internal/quota"
	"github.com/basket/showrunner/internal/shared"
)

// Options tunes one worker runtime.
type Options struct {
	WorkerID        string
	PollInterval    time.Duration
	StepTimeout     time.Duration
	MaxAttempts     int
	StreakThreshold int
	LeaseTTL        time.Duration
}

// Runtime is a single worker loop. Run as many as configured; they share
// the store, ledger, and claimer but keep per-worker slot and streak state.
type Runtime struct {
	opts    Options
	store   *persistence.Store
	claimer *claim.Claimer
	ledger  *quota.Ledger
	execs   ExecutorSet
	bus     *bus.Bus
	metrics *otel.Metrics
	logger  *slog.Logger
	state   *claim.WorkerState
}

func New(opts Options, store *persistence.Store, claimer *claim.Claimer, ledger *quota.Ledger, execs ExecutorSet, eventBus *bus.Bus, metrics *otel.Metrics, state *claim.WorkerState, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	return &Runtime{
		opts:    opts,
		store:   store,
		claimer: claimer,
		ledger:  ledger,
		execs:   execs,
		bus:     eventBus,
		metrics: metrics,
		logger:  logger.With("worker_id", opts.WorkerID),
		state:   state,
	}
}

// persistGrace bounds the writes that record a step's outcome. They run on
// a context detached from process shutdown: cancellation must never lose
// paid sub-units, saved progress, or a lease release.
const persistGrace = 30 * time.Second

func outcomeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), persistGrace)
}

// Run polls for work until the context is cancelled.
func (r *Runtime) Run(ctx context.Context) {
	r.logger.Info("worker started")
	for {
		task, err := r.claimer.Next(ctx, r.state)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			r.logger.Error("claim round failed", "error", err)
		}
		if task != nil {
			r.executeClaimed(ctx, task)
			continue
		}
		if r.metrics != nil {
			r.metrics.ClaimsEmpty.Add(ctx, 1)
		}
		select {
		case <-ctx.Done():
			r.logger.Info("worker stopped")
			return
		case <-time.After(r.opts.PollInterval):
		}
	}
	r.logger.Info("worker stopped")
}

// executeClaimed runs the claimed task's step, then keeps going through any
// checkpoint it can immediately re-claim past. The resource slot reserved
// at claim time is released when the chain ends.
func (r *Runtime) executeClaimed(ctx context.Context, task *persistence.Task) {
	for task != nil {
		step, ok := pipeline.StepForRunning(task.Status)
		if !ok {
			r.logger.Error("claimed task has no running step", "task_id", task.ID, "status", task.Status)
			return
		}
		if r.metrics != nil {
			r.metrics.ClaimsWon.Add(ctx, 1, metric.WithAttributes(attribute.String("step", string(step.ID))))
		}

		next := r.runStep(ctx, task, step)
		r.state.Release(step.Resource)
		task = next
	}
}

// runStep executes one step to its outcome and returns the next claimed
// task when a checkpoint auto-advance succeeds, nil otherwise.
func (r *Runtime) runStep(ctx context.Context, task *persistence.Task, step pipeline.Step) *persistence.Task {
	ctx = shared.WithTaskID(shared.WithChannelID(ctx, task.ChannelID), task.ID)
	logger := r.logger.With("task_id", task.ID, "channel_id", task.ChannelID, "step", string(step.ID))

	exec, ok := r.execs[step.ID]
	if !ok {
		logger.Error("no executor registered")
		relCtx, cancel := outcomeContext(ctx)
		defer cancel()
		_, err := r.store.Release(relCtx, task.ID, step.Running, step.Claimable, "no_executor")
		if err != nil {
			logger.Error("release failed", "error", err)
		}
		return nil
	}

	start := time.Now()
	result, execErr := r.attempt(ctx, task, step, exec, logger)
	if r.metrics != nil {
		r.metrics.StepDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("step", string(step.ID))))
	}

	if execErr == nil {
		r.resetStreak()
		return r.completeStep(ctx, task, step, result, logger)
	}

	r.bumpStreak(ctx, task.ID, execErr)
	if r.metrics != nil {
		kind := "transient"
		if IsPermanent(execErr) {
			kind = "permanent"
		}
		r.metrics.StepFailures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("step", string(step.ID)),
			attribute.String("kind", kind),
		))
	}

	if IsPermanent(execErr) {
		// Gated steps park in their error status for an operator; cheap
		// ungated steps go back to the pool with the failure logged.
		target := step.Claimable
		if step.Gated {
			if errStatus, ok := pipeline.RejectedStatus(step.Done); ok {
				target = errStatus
			}
		}
		logger.Warn("step failed permanently", "error", execErr, "target", target)
		failCtx, cancel := outcomeContext(ctx)
		defer cancel()
		if _, err := r.store.FailStep(failCtx, task.ID, step.Running, target, execErr.Error()); err != nil {
			logger.Error("record step failure", "error", err)
		}
		return nil
	}

	// Transient failure with retries exhausted: return the task untouched
	// so a later claim resumes from the saved progress.
	logger.Warn("step retries exhausted, releasing", "error", execErr)
	relCtx, cancel := outcomeContext(ctx)
	defer cancel()
	if err := r.store.AppendErrorLog(relCtx, task.ID, execErr.Error()); err != nil {
		logger.Error("append error log", "error", err)
	}
	if _, err := r.store.Release(relCtx, task.ID, step.Running, step.Claimable, "retries_exhausted"); err != nil {
		logger.Error("release after exhausted retries", "error", err)
	}
	return nil
}

// attempt drives the bounded retry loop for one step. Partial progress and
// the quota spend for completed sub-units are persisted after every
// attempt, successful or not, so neither a retry nor a crash redoes paid
// work.
func (r *Runtime) attempt(ctx context.Context, task *persistence.Task, step pipeline.Step, exec StepExecutor, logger *slog.Logger) (StepResult, error) {
	prev := task.Progress[step.ID]

	op := func() (StepResult, error) {
		// The attempt is bounded by its own timeout, not by process
		// shutdown: a step in flight runs to its outcome.
		attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.StepTimeout)
		defer cancel()

		result, err := exec.Execute(attemptCtx, task, prev)
		r.persistAttempt(ctx, task, step, prev, result, logger)
		if result.Completed > prev.Completed {
			prev = persistence.StepProgress{
				Completed: result.Completed,
				Total:     result.Total,
				OutputRef: result.OutputRef,
			}
		}
		if err != nil {
			logger.Warn("step attempt failed",
				"completed", result.Completed, "total", result.Total, "error", err)
			if IsPermanent(err) {
				return result, backoff.Permanent(err)
			}
			return result, err
		}
		return result, nil
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(r.opts.MaxAttempts)),
	)
}

// persistAttempt saves forward progress and records the quota spend for the
// sub-units newly completed by this attempt. Runs detached from shutdown so
// paid work lands even when the process is already stopping.
func (r *Runtime) persistAttempt(ctx context.Context, task *persistence.Task, step pipeline.Step, prev persistence.StepProgress, result StepResult, logger *slog.Logger) {
	delta := result.Completed - prev.Completed
	if delta <= 0 {
		return
	}
	ctx, cancel := outcomeContext(ctx)
	defer cancel()
	if err := r.store.SaveStepProgress(ctx, task.ID, step.ID, persistence.StepProgress{
		Completed: result.Completed,
		Total:     result.Total,
		OutputRef: result.OutputRef,
	}); err != nil {
		logger.Error("save step progress", "error", err)
	}
	units := int64(delta) * step.UnitCost
	if _, err := r.ledger.Record(ctx, task.ChannelID, step.Resource, units); err != nil {
		logger.Error("record quota usage", "error", err)
	}
	if r.metrics != nil {
		r.metrics.SubUnitsDone.Add(ctx, int64(delta),
			metric.WithAttributes(attribute.String("step", string(step.ID))))
		r.metrics.QuotaUnits.Add(ctx, units,
			metric.WithAttributes(attribute.String("resource", step.Resource)))
	}
	if r.bus != nil {
		r.bus.Publish(bus.TopicTaskStepDone, bus.TaskStepDone{
			TaskID:   task.ID,
			StepID:   string(step.ID),
			SubUnits: delta,
		})
	}
}

// completeStep advances the task out of its running status and, at a
// checkpoint, tries to roll straight into the next step.
func (r *Runtime) completeStep(ctx context.Context, task *persistence.Task, step pipeline.Step, result StepResult, logger *slog.Logger) *persistence.Task {
	doneCtx, cancel := outcomeContext(ctx)
	defer cancel()
	ok, err := r.store.CompleteStep(doneCtx, task.ID, step, result.OutputRef)
	if err != nil {
		logger.Error("complete step", "error", err)
		return nil
	}
	if !ok {
		logger.Warn("step completion lost status race")
		return nil
	}
	logger.Info("step completed", "next_status", step.Done, "output_ref", result.OutputRef)

	if step.Done == pipeline.StatusPublished && r.metrics != nil {
		r.metrics.TasksPublished.Add(ctx, 1)
	}
	if pipeline.IsGate(step.Done) {
		// A human decides from here; the worker moves on.
		return nil
	}
	if !pipeline.IsCheckpoint(step.Done) {
		return nil
	}
	return r.tryAdvance(ctx, task, step.Done, logger)
}

// tryAdvance claims the step that follows a checkpoint without going back
// through the pool. The same quota and slot rules apply; when either says
// no, the task simply waits at the checkpoint for a regular claim.
func (r *Runtime) tryAdvance(ctx context.Context, task *persistence.Task, checkpoint pipeline.Status, logger *slog.Logger) *persistence.Task {
	if ctx.Err() != nil {
		// Shutdown in progress: no new step starts, the checkpoint holds.
		return nil
	}
	next, ok := pipeline.StepForClaimable(checkpoint)
	if !ok {
		return nil
	}
	if !r.state.HasSlot(next.Resource) {
		return nil
	}

	fresh, err := r.store.GetTask(ctx, task.ID)
	if err != nil {
		logger.Error("reload task for advance", "error", err)
		return nil
	}
	projected := claim.ProjectedCost(fresh, next)
	if projected > 0 {
		allowed, err := r.ledger.Check(ctx, task.ChannelID, next.Resource, projected)
		if err != nil || !allowed {
			if err != nil {
				logger.Error("quota check for advance", "error", err)
			}
			return nil
		}
	}

	won, err := r.store.Claim(ctx, task.ID, checkpoint, next.Running, r.opts.WorkerID, r.opts.LeaseTTL)
	if err != nil {
		logger.Error("claim for advance", "error", err)
		return nil
	}
	if !won {
		return nil
	}
	r.state.Reserve(next.Resource)
	claimed, err := r.store.GetTask(ctx, task.ID)
	if err != nil {
		r.state.Release(next.Resource)
		logger.Error("reload advanced task", "error", err)
		return nil
	}
	logger.Info("auto-advanced past checkpoint", "checkpoint", checkpoint, "step", string(next.ID))
	return claimed
}

func (r *Runtime) resetStreak() {
	r.state.FailureStreak = 0
}

// bumpStreak counts a consecutive failure and escalates once, when the
// streak crosses the configured threshold. A success re-arms the alert.
func (r *Runtime) bumpStreak(ctx context.Context, taskID string, cause error) {
	r.state.FailureStreak++
	if r.opts.StreakThreshold <= 0 || r.state.FailureStreak != r.opts.StreakThreshold {
		return
	}
	r.logger.Error("worker failure streak threshold reached",
		"streak", r.state.FailureStreak, "last_task", taskID, "error", cause)
	if r.metrics != nil {
		r.metrics.FailureStreaks.Add(ctx, 1)
	}
	if r.bus != nil {
		r.bus.Publish(bus.TopicWorkerFailureStreak, bus.WorkerFailureStreak{
			WorkerID: r.opts.WorkerID,
			Streak:   r.state.FailureStreak,
			LastTask: taskID,
			LastErr:  cause.Error(),
		})
	}
}
