package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"vidforge/internal/config"
	"vidforge/internal/logging"
	"vidforge/internal/providers"
	"vidforge/internal/store"
)

// errCancelRequested is attached as the context cancellation cause when a
// cooperative cancel flag is observed mid-flight.
var errCancelRequested = errors.New("cancellation requested")

// Sink receives tasks after the scheduler has persisted a terminal status.
// Retried attempts never reach the sink; they return to the queue silently.
type Sink interface {
	TaskSettled(ctx context.Context, task *store.Task)
}

// Scheduler owns the capability worker pools. Each pool polls the store for
// the oldest eligible task of its type, executes it through the provider
// registry, and persists the outcome with retry backoff on transient failures.
type Scheduler struct {
	store    *store.Store
	registry *providers.Registry
	cfg      *config.Config
	sink     Sink
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler wires a scheduler. The sink may be nil during tests that only
// exercise dispatch.
func NewScheduler(st *store.Store, registry *providers.Registry, cfg *config.Config, sink Sink, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:    st,
		registry: registry,
		cfg:      cfg,
		sink:     sink,
		logger:   logging.NewComponentLogger(logger, "scheduler"),
	}
}

// Start launches one worker pool per registered task type plus the stale-task
// reclaimer. It returns immediately; Stop blocks until all workers drain.
func (s *Scheduler) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for _, taskType := range s.registry.Capabilities() {
		workers := s.workersFor(taskType)
		for i := 0; i < workers; i++ {
			s.wg.Add(1)
			go func(taskType store.TaskType, slot int) {
				defer s.wg.Done()
				s.runWorker(runCtx, taskType, slot)
			}(taskType, i)
		}
		s.logger.Info("worker pool started",
			logging.String(logging.FieldTaskType, string(taskType)),
			logging.Int("workers", workers),
		)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runReclaimer(runCtx)
	}()
}

// Stop signals every worker and waits for in-flight tasks to finish their
// current attempt.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) runWorker(ctx context.Context, taskType store.TaskType, slot int) {
	logger := s.logger.With(
		logging.String(logging.FieldTaskType, string(taskType)),
		logging.Int("slot", slot),
	)
	pollInterval := time.Duration(s.cfg.Pipeline.QueuePollInterval) * time.Second

	for {
		if ctx.Err() != nil {
			return
		}

		task, err := s.store.ClaimNextTask(ctx, []store.TaskType{taskType}, s.cfg.Pipeline.PerProjectConcurrency)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("claim failed", logging.Error(err))
			if !sleepCtx(ctx, time.Duration(s.cfg.Pipeline.ErrorRetryInterval)*time.Second) {
				return
			}
			continue
		}
		if task == nil {
			if !sleepCtx(ctx, pollInterval) {
				return
			}
			continue
		}

		s.execute(ctx, logger, task)
	}
}

// execute runs one claimed task attempt end to end.
func (s *Scheduler) execute(ctx context.Context, logger *slog.Logger, task *store.Task) {
	logger = logger.With(
		logging.String(logging.FieldTaskID, task.ID),
		logging.String(logging.FieldProjectID, task.ProjectID),
		logging.Int("attempt", task.Attempts),
	)
	logger.Info("task started")

	provider, ok := s.registry.For(task.Type)
	if !ok {
		s.settle(ctx, logger, task, fmt.Errorf("%w: no provider for %s", providers.ErrFatal, task.Type))
		return
	}

	request, err := s.buildRequest(ctx, task)
	if err != nil {
		s.settle(ctx, logger, task, err)
		return
	}

	timeout := s.timeoutFor(task.Type)
	taskCtx, cancelTask := context.WithTimeout(ctx, timeout)
	taskCtx, cancelCause := context.WithCancelCause(taskCtx)

	stopHeartbeat := s.startHeartbeat(taskCtx, task.ID, cancelCause)
	result, genErr := provider.Generate(taskCtx, *request)
	stopHeartbeat()
	cancelCause(nil)
	cancelTask()

	if genErr == nil {
		s.complete(ctx, logger, task, result)
		return
	}

	// Distinguish cooperative cancellation, timeout, and provider failure.
	switch {
	case errors.Is(context.Cause(taskCtx), errCancelRequested):
		s.cancelTask(ctx, logger, task)
	case errors.Is(genErr, context.DeadlineExceeded) || errors.Is(taskCtx.Err(), context.DeadlineExceeded):
		s.settle(ctx, logger, task, fmt.Errorf("%w: attempt exceeded %s", providers.ErrTransient, timeout))
	case ctx.Err() != nil:
		// Daemon shutdown mid-attempt: return the task for another worker.
		s.requeueForShutdown(task, logger)
	default:
		s.settle(ctx, logger, task, genErr)
	}
}

// buildRequest assembles provider inputs from the project record and results
// of completed upstream tasks.
func (s *Scheduler) buildRequest(ctx context.Context, task *store.Task) (*providers.Request, error) {
	project, err := s.store.GetProject(ctx, task.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("%w: load project: %v", providers.ErrTransient, err)
	}
	if project == nil {
		return nil, fmt.Errorf("%w: project %s not found", providers.ErrFatal, task.ProjectID)
	}

	inputs := providers.Inputs{
		Prompt:     project.Prompt,
		Script:     project.Script,
		Storyboard: project.Storyboard,
	}

	tasks, err := s.store.TasksForProject(ctx, task.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("%w: load project tasks: %v", providers.ErrTransient, err)
	}
	for _, prior := range tasks {
		if prior.Status != store.TaskCompleted {
			continue
		}
		result := prior.Result()
		switch {
		case result.Video != nil:
			inputs.VideoKey = result.Video.StorageKey
		case result.Voice != nil:
			inputs.VoiceKey = result.Voice.StorageKey
		case result.Music != nil:
			inputs.MusicKey = result.Music.StorageKey
		case result.Post != nil:
			inputs.PostKey = result.Post.StorageKey
		case result.Render != nil:
			inputs.Render = result.Render
		}
	}

	taskID := task.ID
	return &providers.Request{
		Project: *project,
		Task:    *task,
		Inputs:  inputs,
		Progress: func(percent float64) {
			if err := s.store.UpdateTaskProgress(context.WithoutCancel(ctx), taskID, percent); err != nil {
				s.logger.Warn("progress update failed", logging.String(logging.FieldTaskID, taskID), logging.Error(err))
			}
		},
	}, nil
}

// startHeartbeat stamps liveness and polls the cooperative cancel flag until
// the returned stop function is called.
func (s *Scheduler) startHeartbeat(ctx context.Context, taskID string, cancel context.CancelCauseFunc) func() {
	interval := time.Duration(s.cfg.Pipeline.HeartbeatInterval) * time.Second
	done := make(chan struct{})
	var once sync.Once

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.store.UpdateTaskHeartbeat(ctx, taskID); err != nil && ctx.Err() == nil {
					s.logger.Warn("heartbeat failed", logging.String(logging.FieldTaskID, taskID), logging.Error(err))
				}
				wanted, err := s.store.CancelWanted(ctx, taskID)
				if err == nil && wanted {
					cancel(errCancelRequested)
					return
				}
			}
		}
	}()

	return func() { once.Do(func() { close(done) }) }
}

func (s *Scheduler) complete(ctx context.Context, logger *slog.Logger, task *store.Task, result store.TaskResult) {
	now := time.Now().UTC()
	task.Status = store.TaskCompleted
	task.Progress = 100
	task.FinishedAt = &now
	task.ErrorMessage = ""
	if err := task.SetResult(result); err != nil {
		logger.Error("encode result failed", logging.Error(err))
		s.settle(ctx, logger, task, fmt.Errorf("%w: encode result: %v", providers.ErrFatal, err))
		return
	}
	if err := s.store.UpdateTask(ctx, task); err != nil {
		logger.Error("persist completion failed", logging.Error(err))
		return
	}
	logger.Info("task completed")
	s.notify(ctx, task)
}

// settle handles a failed attempt: transient failures within the retry budget
// go back to pending with a jittered backoff; everything else is terminal.
// Attempts counts the attempt that just failed, so a budget of N allows N
// retries before the N+1th failure is terminal.
func (s *Scheduler) settle(ctx context.Context, logger *slog.Logger, task *store.Task, cause error) {
	retryable := providers.Retryable(cause) && task.Attempts <= s.cfg.Scheduler.RetryMaxAttempts

	if retryable {
		// A cancel request can land between heartbeat polls; requeueing the
		// task then would strand the cancelling project, because parked
		// projects never dispatch and only a settled task re-triggers the
		// orchestrator. The in-memory flag is stale, so ask the store.
		if wanted, err := s.store.CancelWanted(ctx, task.ID); err == nil && wanted {
			task.CancelWanted = true
			s.cancelTask(ctx, logger, task)
			return
		}

		delay := retryDelay(
			task.Attempts,
			time.Duration(s.cfg.Scheduler.RetryBaseSeconds)*time.Second,
			time.Duration(s.cfg.Scheduler.RetryCapSeconds)*time.Second,
		)
		task.Status = store.TaskPending
		task.NotBefore = time.Now().UTC().Add(delay)
		task.ErrorMessage = cause.Error()
		task.StartedAt = nil
		task.LastHeartbeat = nil
		if err := s.store.UpdateTask(ctx, task); err != nil {
			logger.Error("persist retry failed", logging.Error(err))
			return
		}
		logger.Warn("task attempt failed, will retry",
			logging.Error(cause),
			logging.Duration("delay", delay),
		)
		return
	}

	now := time.Now().UTC()
	task.Status = store.TaskFailed
	task.FinishedAt = &now
	task.ErrorMessage = cause.Error()
	if err := s.store.UpdateTask(ctx, task); err != nil {
		logger.Error("persist failure failed", logging.Error(err))
		return
	}
	logger.Error("task failed", logging.Error(cause))
	s.notify(ctx, task)
}

func (s *Scheduler) cancelTask(ctx context.Context, logger *slog.Logger, task *store.Task) {
	now := time.Now().UTC()
	task.Status = store.TaskCancelled
	task.FinishedAt = &now
	if err := s.store.UpdateTask(ctx, task); err != nil && !errors.Is(err, store.ErrTerminalTask) {
		logger.Error("persist cancellation failed", logging.Error(err))
		return
	}
	logger.Info("task cancelled")
	s.notify(ctx, task)
}

// requeueForShutdown returns an interrupted attempt to pending without
// consuming retry budget bookkeeping beyond the attempt already counted.
func (s *Scheduler) requeueForShutdown(task *store.Task, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	task.Status = store.TaskPending
	task.StartedAt = nil
	task.LastHeartbeat = nil
	if task.Attempts > 0 {
		task.Attempts--
	}
	// Re-read the cancel flag so the requeue write cannot clear a cancel
	// request that arrived after this attempt claimed the task.
	if wanted, err := s.store.CancelWanted(ctx, task.ID); err == nil {
		task.CancelWanted = wanted
	}
	if err := s.store.UpdateTask(ctx, task); err != nil {
		logger.Error("requeue on shutdown failed", logging.Error(err))
		return
	}
	logger.Info("task returned to queue for shutdown")
}

func (s *Scheduler) notify(ctx context.Context, task *store.Task) {
	if s.sink == nil {
		return
	}
	s.sink.TaskSettled(context.WithoutCancel(ctx), task)
}

// runReclaimer periodically returns running tasks with expired heartbeats to
// pending so a worker crash cannot strand a project.
func (s *Scheduler) runReclaimer(ctx context.Context) {
	interval := time.Duration(s.cfg.Pipeline.HeartbeatInterval) * time.Second
	timeout := time.Duration(s.cfg.Pipeline.HeartbeatTimeout) * time.Second

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reclaimed, err := s.store.ReclaimStaleRunning(ctx, time.Now().UTC().Add(-timeout))
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Error("stale task reclaim failed", logging.Error(err))
				}
				continue
			}
			if reclaimed > 0 {
				s.logger.Warn("reclaimed stale running tasks", logging.Int64("count", reclaimed))
			}
		}
	}
}

func (s *Scheduler) workersFor(taskType store.TaskType) int {
	sc := s.cfg.Scheduler
	var workers int
	switch taskType {
	case store.TaskScriptGeneration:
		workers = sc.ScriptWorkers
	case store.TaskStoryboardCreation:
		workers = sc.StoryboardWorkers
	case store.TaskVideoGeneration:
		workers = sc.VideoWorkers
	case store.TaskVoiceSynthesis:
		workers = sc.VoiceWorkers
	case store.TaskMusicGeneration:
		workers = sc.MusicWorkers
	case store.TaskPostProcessing:
		workers = sc.PostWorkers
	case store.TaskQualityCheck:
		workers = sc.QualityWorkers
	case store.TaskFinalRender:
		workers = sc.RenderWorkers
	}
	if workers < 1 {
		workers = 1
	}
	return workers
}

func (s *Scheduler) timeoutFor(taskType store.TaskType) time.Duration {
	sc := s.cfg.Scheduler
	var seconds int
	switch taskType {
	case store.TaskScriptGeneration:
		seconds = sc.ScriptTimeout
	case store.TaskStoryboardCreation:
		seconds = sc.StoryboardTimeout
	case store.TaskVideoGeneration:
		seconds = sc.VideoTimeout
	case store.TaskVoiceSynthesis:
		seconds = sc.VoiceTimeout
	case store.TaskMusicGeneration:
		seconds = sc.MusicTimeout
	case store.TaskPostProcessing:
		seconds = sc.PostTimeout
	case store.TaskQualityCheck:
		seconds = sc.QualityTimeout
	case store.TaskFinalRender:
		seconds = sc.FinalRenderTimeout
	}
	if seconds < 1 {
		seconds = 60
	}
	return time.Duration(seconds) * time.Second
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
