package worker

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/showrunner/internal/bus"
	"github.com/basket/showrunner/internal/claim"
	"github.com/basket/showrunner/internal/persistence"
	"github.com/basket/showrunner/internal/pipeline"
	"github.com/basket/showrunner/internal/quota"
)

type fixture struct {
	store   *persistence.Store
	ledger  *quota.Ledger
	claimer *claim.Claimer
	bus     *bus.Bus
	state   *claim.WorkerState
	rt      *Runtime
}

func newFixture(t *testing.T, limits quota.Limits, execs ExecutorSet, opts Options) *fixture {
	t.Helper()
	eventBus := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "showrunner.db"), eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ledger := quota.NewLedger(store, eventBus, limits, nil)
	claimer := claim.NewClaimer(store, ledger, time.Minute, 10, nil)
	state := claim.NewWorkerState(opts.WorkerID, nil)
	rt := New(opts, store, claimer, ledger, execs, eventBus, nil, state, nil)
	return &fixture{store: store, ledger: ledger, claimer: claimer, bus: eventBus, state: state, rt: rt}
}

func defaultOpts() Options {
	return Options{
		WorkerID:        "w1",
		PollInterval:    10 * time.Millisecond,
		StepTimeout:     5 * time.Second,
		MaxAttempts:     2,
		StreakThreshold: 100,
		LeaseTTL:        time.Minute,
	}
}

type funcExec struct {
	fn func(ctx context.Context, task *persistence.Task, progress persistence.StepProgress) (StepResult, error)
}

func (f funcExec) Execute(ctx context.Context, task *persistence.Task, progress persistence.StepProgress) (StepResult, error) {
	return f.fn(ctx, task, progress)
}

func okExec(total int) StepExecutor {
	return funcExec{fn: func(_ context.Context, _ *persistence.Task, _ persistence.StepProgress) (StepResult, error) {
		return StepResult{Completed: total, Total: total, OutputRef: "ref"}, nil
	}}
}

func (f *fixture) createTask(t *testing.T, channel string) string {
	t.Helper()
	id, err := f.store.CreateTask(context.Background(), persistence.CreateTaskParams{
		ChannelID: channel, PageRef: "page-" + channel, Title: "ep",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return id
}

func (f *fixture) claimNext(t *testing.T) *persistence.Task {
	t.Helper()
	task, err := f.claimer.Next(context.Background(), f.state)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if task == nil {
		t.Fatal("nothing claimable")
	}
	return task
}

func (f *fixture) status(t *testing.T, id string) pipeline.Status {
	t.Helper()
	task, err := f.store.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	return task.Status
}

func TestRuntime_SuccessAutoAdvancesToGate(t *testing.T) {
	execs := ExecutorSet{
		pipeline.StepOutline: okExec(1),
		pipeline.StepScript:  okExec(1),
	}
	f := newFixture(t, quota.Limits{}, execs, defaultOpts())
	id := f.createTask(t, "alpha")

	// One claim round runs outline, rolls through the OUTLINED checkpoint,
	// runs script, and halts at the review gate.
	f.rt.executeClaimed(context.Background(), f.claimNext(t))

	if got := f.status(t, id); got != pipeline.StatusScriptReady {
		t.Fatalf("status = %s, want SCRIPT_READY", got)
	}
}

func TestRuntime_CheckpointWaitsWhenQuotaExhausted(t *testing.T) {
	execs := ExecutorSet{
		pipeline.StepOutline: okExec(1),
		pipeline.StepScript:  okExec(1),
	}
	// llm budget of zero blocks the auto-advance into the script step.
	f := newFixture(t, quota.Limits{Defaults: map[string]int64{pipeline.ResourceLLM: 0}}, execs, defaultOpts())
	id := f.createTask(t, "alpha")

	f.rt.executeClaimed(context.Background(), f.claimNext(t))

	if got := f.status(t, id); got != pipeline.StatusOutlined {
		t.Fatalf("status = %s, want OUTLINED (parked at checkpoint)", got)
	}
}

func TestRuntime_ResumesAtNextSubUnit(t *testing.T) {
	var calls []int // resume offsets seen by the executor
	exec := funcExec{fn: func(_ context.Context, _ *persistence.Task, progress persistence.StepProgress) (StepResult, error) {
		calls = append(calls, progress.Completed)
		if progress.Completed < 10 {
			// Ten storyboard images done, then the service hiccuped.
			return StepResult{Completed: 10, Total: 22}, errors.New("image service timeout")
		}
		return StepResult{Completed: 22, Total: 22, OutputRef: "images-v1"}, nil
	}}
	execs := ExecutorSet{
		pipeline.StepOutline: okExec(1),
		pipeline.StepScript:  okExec(1),
		pipeline.StepImages:  exec,
	}
	f := newFixture(t, quota.Limits{Defaults: map[string]int64{pipeline.ResourceImage: 500}}, execs, defaultOpts())
	id := f.createTask(t, "alpha")

	// Outline then script, approve the script gate, then run images.
	f.rt.executeClaimed(context.Background(), f.claimNext(t))
	if _, err := f.store.ApplyReview(context.Background(), id, pipeline.StatusScriptReady, pipeline.StatusScriptApproved, "review.approved", ""); err != nil {
		t.Fatalf("approve: %v", err)
	}
	f.rt.executeClaimed(context.Background(), f.claimNext(t))

	if got := f.status(t, id); got != pipeline.StatusImagesReady {
		t.Fatalf("status = %s, want IMAGES_READY", got)
	}
	if len(calls) != 2 || calls[0] != 0 || calls[1] != 10 {
		t.Fatalf("resume offsets = %v, want [0 10]", calls)
	}

	// Quota was charged exactly once per sub-unit: 22, not 32.
	day := time.Now().UTC().Format("2006-01-02")
	used, err := f.store.QuotaUsage(context.Background(), "alpha", pipeline.ResourceImage, day)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if used != 22 {
		t.Fatalf("image units used = %d, want 22", used)
	}
}

func TestRuntime_PermanentFailureOnGatedStepParksInError(t *testing.T) {
	execs := ExecutorSet{
		pipeline.StepOutline: okExec(1),
		pipeline.StepScript: funcExec{fn: func(_ context.Context, _ *persistence.Task, _ persistence.StepProgress) (StepResult, error) {
			return StepResult{}, Permanent(errors.New("prompt rejected"))
		}},
	}
	f := newFixture(t, quota.Limits{}, execs, defaultOpts())
	id := f.createTask(t, "alpha")

	f.rt.executeClaimed(context.Background(), f.claimNext(t))

	if got := f.status(t, id); got != pipeline.StatusScriptError {
		t.Fatalf("status = %s, want SCRIPT_ERROR", got)
	}
	task, _ := f.store.GetTask(context.Background(), id)
	if !strings.Contains(task.ErrorLog, "prompt rejected") {
		t.Fatalf("error log = %q", task.ErrorLog)
	}
}

func TestRuntime_PermanentFailureOnUngatedStepRevertsToClaimable(t *testing.T) {
	execs := ExecutorSet{
		pipeline.StepOutline: funcExec{fn: func(_ context.Context, _ *persistence.Task, _ persistence.StepProgress) (StepResult, error) {
			return StepResult{}, Permanent(errors.New("title unusable"))
		}},
	}
	f := newFixture(t, quota.Limits{}, execs, defaultOpts())
	id := f.createTask(t, "alpha")

	f.rt.executeClaimed(context.Background(), f.claimNext(t))

	if got := f.status(t, id); got != pipeline.StatusPending {
		t.Fatalf("status = %s, want PENDING", got)
	}
	task, _ := f.store.GetTask(context.Background(), id)
	if !strings.Contains(task.ErrorLog, "title unusable") {
		t.Fatalf("error log = %q", task.ErrorLog)
	}
}

func TestRuntime_TransientExhaustionReleasesWithProgress(t *testing.T) {
	execs := ExecutorSet{
		pipeline.StepOutline: okExec(1),
		pipeline.StepScript:  okExec(1),
		pipeline.StepImages: funcExec{fn: func(_ context.Context, _ *persistence.Task, progress persistence.StepProgress) (StepResult, error) {
			return StepResult{Completed: progress.Completed + 2, Total: 22}, errors.New("service flapping")
		}},
	}
	f := newFixture(t, quota.Limits{}, execs, defaultOpts())
	id := f.createTask(t, "alpha")

	f.rt.executeClaimed(context.Background(), f.claimNext(t))
	if _, err := f.store.ApplyReview(context.Background(), id, pipeline.StatusScriptReady, pipeline.StatusScriptApproved, "review.approved", ""); err != nil {
		t.Fatalf("approve: %v", err)
	}
	f.rt.executeClaimed(context.Background(), f.claimNext(t))

	task, err := f.store.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != pipeline.StatusScriptApproved {
		t.Fatalf("status = %s, want SCRIPT_APPROVED (released)", task.Status)
	}
	// MaxAttempts=2, 2 sub-units per attempt.
	if task.Progress[pipeline.StepImages].Completed != 4 {
		t.Fatalf("progress = %v, want 4 completed", task.Progress)
	}
	if task.LeaseOwner != "" {
		t.Fatalf("lease not cleared: %q", task.LeaseOwner)
	}
}

func TestRuntime_ShutdownPersistsInFlightAttempt(t *testing.T) {
	execs := ExecutorSet{
		pipeline.StepOutline: okExec(1),
		pipeline.StepScript:  okExec(1),
		pipeline.StepImages: funcExec{fn: func(_ context.Context, _ *persistence.Task, _ persistence.StepProgress) (StepResult, error) {
			return StepResult{Completed: 5, Total: 10}, errors.New("image service timeout")
		}},
	}
	f := newFixture(t, quota.Limits{}, execs, defaultOpts())
	id := f.createTask(t, "alpha")

	f.rt.executeClaimed(context.Background(), f.claimNext(t))
	if _, err := f.store.ApplyReview(context.Background(), id, pipeline.StatusScriptReady, pipeline.StatusScriptApproved, "review.approved", ""); err != nil {
		t.Fatalf("approve: %v", err)
	}
	task := f.claimNext(t)

	// Shutdown arrives while the images step is in flight. The attempt
	// still runs to its outcome and everything it paid for is recorded.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.rt.executeClaimed(ctx, task)

	got, err := f.store.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != pipeline.StatusScriptApproved {
		t.Fatalf("status = %s, want SCRIPT_APPROVED (released)", got.Status)
	}
	if got.Progress[pipeline.StepImages].Completed != 5 {
		t.Fatalf("progress = %v, want 5 completed", got.Progress)
	}
	if got.LeaseOwner != "" {
		t.Fatalf("lease not cleared: %q", got.LeaseOwner)
	}
	day := time.Now().UTC().Format("2006-01-02")
	used, err := f.store.QuotaUsage(context.Background(), "alpha", pipeline.ResourceImage, day)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if used != 5 {
		t.Fatalf("image units used = %d, want 5", used)
	}
}

func TestRuntime_ShutdownCompletesStepButHoldsCheckpoint(t *testing.T) {
	execs := ExecutorSet{
		pipeline.StepOutline: okExec(1),
		pipeline.StepScript:  okExec(1),
	}
	f := newFixture(t, quota.Limits{}, execs, defaultOpts())
	id := f.createTask(t, "alpha")
	task := f.claimNext(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.rt.executeClaimed(ctx, task)

	// The outline step in flight completes, but no new step starts during
	// shutdown: the task holds at the checkpoint instead of rolling on.
	if got := f.status(t, id); got != pipeline.StatusOutlined {
		t.Fatalf("status = %s, want OUTLINED", got)
	}
}

func TestRuntime_FailureStreakEscalates(t *testing.T) {
	execs := ExecutorSet{
		pipeline.StepOutline: funcExec{fn: func(_ context.Context, _ *persistence.Task, _ persistence.StepProgress) (StepResult, error) {
			return StepResult{}, Permanent(errors.New("boom"))
		}},
	}
	opts := defaultOpts()
	opts.StreakThreshold = 2
	f := newFixture(t, quota.Limits{}, execs, opts)
	f.createTask(t, "alpha")
	f.createTask(t, "beta")
	f.createTask(t, "gamma")

	sub := f.bus.Subscribe(bus.TopicWorkerFailureStreak)
	defer f.bus.Unsubscribe(sub)

	f.rt.executeClaimed(context.Background(), f.claimNext(t))
	select {
	case ev := <-sub.Ch():
		t.Fatalf("premature escalation %v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	f.rt.executeClaimed(context.Background(), f.claimNext(t))
	select {
	case ev := <-sub.Ch():
		p := ev.Payload.(bus.WorkerFailureStreak)
		if p.Streak != 2 || p.WorkerID != "w1" {
			t.Fatalf("payload = %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for streak event")
	}

	// Failures past the threshold do not re-alert until a success re-arms.
	f.rt.executeClaimed(context.Background(), f.claimNext(t))
	select {
	case ev := <-sub.Ch():
		t.Fatalf("repeated escalation %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
	if f.state.FailureStreak != 3 {
		t.Fatalf("streak = %d, want 3", f.state.FailureStreak)
	}
}

func TestRuntime_SuccessResetsStreak(t *testing.T) {
	fail := true
	execs := ExecutorSet{
		pipeline.StepOutline: funcExec{fn: func(_ context.Context, _ *persistence.Task, _ persistence.StepProgress) (StepResult, error) {
			if fail {
				return StepResult{}, Permanent(errors.New("boom"))
			}
			return StepResult{Completed: 1, Total: 1}, nil
		}},
	}
	opts := defaultOpts()
	opts.StreakThreshold = 2
	f := newFixture(t, quota.Limits{Defaults: map[string]int64{pipeline.ResourceLLM: 0}}, execs, opts)
	f.createTask(t, "alpha")
	f.createTask(t, "beta")

	f.rt.executeClaimed(context.Background(), f.claimNext(t))
	if f.state.FailureStreak != 1 {
		t.Fatalf("streak = %d, want 1", f.state.FailureStreak)
	}
	fail = false
	f.rt.executeClaimed(context.Background(), f.claimNext(t))
	if f.state.FailureStreak != 0 {
		t.Fatalf("streak = %d, want 0 after success", f.state.FailureStreak)
	}
}

func TestRuntime_MissingExecutorReleasesClaim(t *testing.T) {
	f := newFixture(t, quota.Limits{}, ExecutorSet{}, defaultOpts())
	id := f.createTask(t, "alpha")

	f.rt.executeClaimed(context.Background(), f.claimNext(t))

	if got := f.status(t, id); got != pipeline.StatusPending {
		t.Fatalf("status = %s, want PENDING", got)
	}
}
