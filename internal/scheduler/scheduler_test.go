package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"vidforge/internal/config"
	"vidforge/internal/logging"
	"vidforge/internal/providers"
	"vidforge/internal/store"
	"vidforge/internal/testsupport"
)

type sinkRecorder struct {
	mu    sync.Mutex
	tasks []*store.Task
}

func (r *sinkRecorder) TaskSettled(_ context.Context, task *store.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, task)
}

func (r *sinkRecorder) settled() []*store.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*store.Task(nil), r.tasks...)
}

func newTestScheduler(t *testing.T, cfg *config.Config, st *store.Store, provider providers.Provider) (*Scheduler, *sinkRecorder) {
	t.Helper()
	registry := providers.NewRegistry()
	if err := registry.Register(provider); err != nil {
		t.Fatalf("Register: %v", err)
	}
	sink := &sinkRecorder{}
	return NewScheduler(st, registry, cfg, sink, logging.NewNop()), sink
}

// claimScriptTask seeds a project in the scripting stage with one pending
// script task and claims it the way a worker would.
func claimScriptTask(t *testing.T, st *store.Store) *store.Task {
	t.Helper()
	ctx := context.Background()

	project := testsupport.NewProject(t, st, "user-1", testsupport.DefaultSettings())
	project.Status = store.StatusScripting
	if err := st.UpdateProject(ctx, project); err != nil {
		t.Fatalf("UpdateProject: %v", err)
	}
	if _, err := st.CreateTask(ctx, project.ID, store.TaskScriptGeneration, 0); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	task, err := st.ClaimNextTask(ctx, []store.TaskType{store.TaskScriptGeneration}, 1)
	if err != nil {
		t.Fatalf("ClaimNextTask: %v", err)
	}
	if task == nil {
		t.Fatal("no task claimed")
	}
	return task
}

func TestExecuteCompletesTask(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	sched, sink := newTestScheduler(t, cfg, st, providers.NewSynthetic())

	task := claimScriptTask(t, st)
	sched.execute(context.Background(), sched.logger, task)

	stored, err := st.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if stored.Status != store.TaskCompleted {
		t.Fatalf("status = %s, want completed", stored.Status)
	}
	if stored.Progress != 100 {
		t.Fatalf("progress = %.1f, want 100", stored.Progress)
	}
	if stored.Result().Script == nil {
		t.Fatal("script result not persisted")
	}
	settled := sink.settled()
	if len(settled) != 1 || settled[0].Status != store.TaskCompleted {
		t.Fatalf("sink notifications = %v", settled)
	}
}

func TestExecuteRetriesTransientFailure(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithRetryPolicy(3, 1, 8))
	st := testsupport.MustOpenStore(t, cfg)

	provider := providers.NewSynthetic()
	provider.Faults = map[store.TaskType]error{
		store.TaskScriptGeneration: fmt.Errorf("%w: upstream busy", providers.ErrTransient),
	}
	sched, sink := newTestScheduler(t, cfg, st, provider)

	task := claimScriptTask(t, st)
	sched.execute(context.Background(), sched.logger, task)

	stored, err := st.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if stored.Status != store.TaskPending {
		t.Fatalf("status = %s, want pending for retry", stored.Status)
	}
	if !stored.NotBefore.After(time.Now().UTC().Add(-time.Second)) {
		t.Fatalf("NotBefore = %s, want a backoff window", stored.NotBefore)
	}
	if stored.ErrorMessage == "" {
		t.Fatal("retry should record the attempt error")
	}
	if len(sink.settled()) != 0 {
		t.Fatal("retried attempts must not reach the sink")
	}
}

func TestExecuteRetryBudgetAllowsThreeRetries(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithRetryPolicy(3, 0, 0))
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	provider := providers.NewSynthetic()
	provider.Faults = map[store.TaskType]error{
		store.TaskScriptGeneration: fmt.Errorf("%w: upstream busy", providers.ErrTransient),
	}
	sched, sink := newTestScheduler(t, cfg, st, provider)

	task := claimScriptTask(t, st)
	attempts := 0
	for {
		attempts++
		sched.execute(ctx, sched.logger, task)

		stored, err := st.GetTask(ctx, task.ID)
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if stored.Status == store.TaskFailed {
			break
		}
		if stored.Status != store.TaskPending {
			t.Fatalf("attempt %d: status = %s, want pending for retry", attempts, stored.Status)
		}
		if attempts > 10 {
			t.Fatal("task never reached a terminal status")
		}
		task, err = st.ClaimNextTask(ctx, []store.TaskType{store.TaskScriptGeneration}, 1)
		if err != nil || task == nil {
			t.Fatalf("reclaim after attempt %d: %v %#v", attempts, err, task)
		}
	}

	// Three retries on top of the first attempt; the fourth failure is final.
	if attempts != 4 {
		t.Fatalf("terminal after %d attempts, want 4", attempts)
	}
	settled := sink.settled()
	if len(settled) != 1 || settled[0].Status != store.TaskFailed {
		t.Fatalf("sink notifications = %v", settled)
	}
}

func TestExecuteCancelsInsteadOfRetrying(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithRetryPolicy(3, 0, 0))
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	provider := providers.NewSynthetic()
	provider.Faults = map[store.TaskType]error{
		store.TaskScriptGeneration: fmt.Errorf("%w: upstream busy", providers.ErrTransient),
	}
	sched, sink := newTestScheduler(t, cfg, st, provider)

	task := claimScriptTask(t, st)

	// The cancel request lands after the claim; the attempt fails before any
	// heartbeat tick can observe the flag.
	if _, err := st.FlagRunningForCancel(ctx, task.ProjectID); err != nil {
		t.Fatalf("FlagRunningForCancel: %v", err)
	}
	sched.execute(ctx, sched.logger, task)

	stored, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if stored.Status != store.TaskCancelled {
		t.Fatalf("status = %s, want cancelled instead of a retry", stored.Status)
	}
	settled := sink.settled()
	if len(settled) != 1 || settled[0].Status != store.TaskCancelled {
		t.Fatalf("sink notifications = %v", settled)
	}
}

func TestExecuteValidationErrorIsTerminal(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithRetryPolicy(5, 1, 8))
	st := testsupport.MustOpenStore(t, cfg)

	provider := providers.NewSynthetic()
	provider.Faults = map[store.TaskType]error{
		store.TaskScriptGeneration: fmt.Errorf("%w: prompt rejected", providers.ErrValidation),
	}
	sched, _ := newTestScheduler(t, cfg, st, provider)

	task := claimScriptTask(t, st)
	sched.execute(context.Background(), sched.logger, task)

	stored, _ := st.GetTask(context.Background(), task.ID)
	if stored.Status != store.TaskFailed {
		t.Fatalf("status = %s, want failed with retry budget remaining", stored.Status)
	}
}

func TestExecuteHonorsCooperativeCancel(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	provider := providers.NewSynthetic()
	provider.StepDelay = 700 * time.Millisecond
	sched, _ := newTestScheduler(t, cfg, st, provider)

	task := claimScriptTask(t, st)
	if _, err := st.FlagRunningForCancel(context.Background(), task.ProjectID); err != nil {
		t.Fatalf("FlagRunningForCancel: %v", err)
	}

	// The heartbeat ticker observes the flag mid-attempt and cancels the
	// provider context.
	sched.execute(context.Background(), sched.logger, task)

	stored, _ := st.GetTask(context.Background(), task.ID)
	if stored.Status != store.TaskCancelled {
		t.Fatalf("status = %s, want cancelled", stored.Status)
	}
}

func TestExecuteRequeuesOnShutdown(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	provider := providers.NewSynthetic()
	provider.StepDelay = time.Second
	sched, sink := newTestScheduler(t, cfg, st, provider)

	task := claimScriptTask(t, st)
	attempts := task.Attempts

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()
	sched.execute(ctx, sched.logger, task)

	stored, _ := st.GetTask(context.Background(), task.ID)
	if stored.Status != store.TaskPending {
		t.Fatalf("status = %s, want pending after shutdown", stored.Status)
	}
	if stored.Attempts != attempts-1 {
		t.Fatalf("attempts = %d, want %d (interrupted attempt refunded)", stored.Attempts, attempts-1)
	}
	if len(sink.settled()) != 0 {
		t.Fatal("a shutdown requeue is not a settlement")
	}
}

func TestExecuteNoProviderFails(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	registry := providers.NewRegistry()
	sched := NewScheduler(st, registry, cfg, nil, logging.NewNop())

	task := claimScriptTask(t, st)
	sched.execute(context.Background(), sched.logger, task)

	stored, _ := st.GetTask(context.Background(), task.ID)
	if stored.Status != store.TaskFailed {
		t.Fatalf("status = %s, want failed", stored.Status)
	}
}

func TestRetryDelayBounds(t *testing.T) {
	base := 2 * time.Second
	cap := 16 * time.Second

	for attempt := 0; attempt <= 8; attempt++ {
		for i := 0; i < 50; i++ {
			delay := retryDelay(attempt, base, cap)
			if delay < 0 || delay > cap {
				t.Fatalf("attempt %d: delay %s outside [0, %s]", attempt, delay, cap)
			}
		}
	}

	// The jitter window for attempt n is min(base*2^(n-1), cap).
	for i := 0; i < 200; i++ {
		if delay := retryDelay(1, base, cap); delay > base {
			t.Fatalf("first attempt delay %s exceeded its base window %s", delay, base)
		}
	}
}

func TestRetryDelayZeroBase(t *testing.T) {
	if delay := retryDelay(3, 0, 0); delay != 0 {
		t.Fatalf("delay = %s, want 0", delay)
	}
}
