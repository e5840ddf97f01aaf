package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"vidforge/internal/credits"
	"vidforge/internal/logging"
	"vidforge/internal/notify"
	"vidforge/internal/store"
)

// taskSpec names one task the stage plan creates. Waves order tasks within a
// stage; equal waves run concurrently.
type taskSpec struct {
	Type store.TaskType
	Wave int
}

// stagePlan returns the tasks a stage runs for the given settings.
func stagePlan(settings store.Settings, stage store.ProjectStatus) []taskSpec {
	switch stage {
	case store.StatusScripting:
		return []taskSpec{{Type: store.TaskScriptGeneration}}
	case store.StatusStoryboarding:
		return []taskSpec{{Type: store.TaskStoryboardCreation}}
	case store.StatusGenerating:
		plan := []taskSpec{{Type: store.TaskVideoGeneration}}
		if settings.VoiceOver {
			plan = append(plan, taskSpec{Type: store.TaskVoiceSynthesis})
		}
		if settings.Music {
			plan = append(plan, taskSpec{Type: store.TaskMusicGeneration})
		}
		return plan
	case store.StatusPostProcessing:
		return []taskSpec{
			{Type: store.TaskPostProcessing, Wave: 0},
			{Type: store.TaskFinalRender, Wave: 1},
		}
	case store.StatusQualityCheck:
		return []taskSpec{{Type: store.TaskQualityCheck}}
	default:
		return nil
	}
}

// nextStage returns the forward successor of a working stage. The
// quality_check outcome is decided by the quality gate, not by this table.
func nextStage(stage store.ProjectStatus) (store.ProjectStatus, bool) {
	switch stage {
	case store.StatusDraft:
		return store.StatusScripting, true
	case store.StatusScripting:
		return store.StatusStoryboarding, true
	case store.StatusStoryboarding:
		return store.StatusGenerating, true
	case store.StatusGenerating:
		return store.StatusPostProcessing, true
	case store.StatusPostProcessing:
		return store.StatusQualityCheck, true
	default:
		return "", false
	}
}

func reservationKey(projectID string, stage store.ProjectStatus, cycle int) string {
	return fmt.Sprintf("%s:%s:%d", projectID, stage, cycle)
}

// TaskSettled reacts to a task reaching a terminal status. Retried attempts
// never arrive here.
func (o *Orchestrator) TaskSettled(ctx context.Context, task *store.Task) {
	lock := o.projectLock(task.ProjectID)
	lock.Lock()
	defer lock.Unlock()

	project, err := o.store.GetProject(ctx, task.ProjectID)
	if err != nil {
		o.logger.Error("load project for settled task failed",
			logging.String(logging.FieldProjectID, task.ProjectID),
			logging.Error(err),
		)
		return
	}
	if project == nil || project.Status.IsTerminal() {
		return
	}

	switch task.Status {
	case store.TaskCompleted:
		o.handleCompleted(ctx, project, task)
	case store.TaskFailed:
		o.publisher.Publish(ctx, notify.Event{
			Type:      notify.EventTaskFailed,
			ProjectID: project.ID,
			UserID:    project.UserID,
			Stage:     string(task.Stage),
			Message:   fmt.Sprintf("%s failed: %s", task.Type, task.ErrorMessage),
		})
		o.failProject(ctx, project, string(task.Stage),
			fmt.Sprintf("%s failed after %d attempts: %s", task.Type, task.Attempts, task.ErrorMessage))
	case store.TaskCancelled:
		o.handleCancelled(ctx, project)
	}
}

func (o *Orchestrator) handleCompleted(ctx context.Context, project *store.Project, task *store.Task) {
	if o.cancelInProgress(project) {
		o.handleCancelled(ctx, project)
		return
	}
	if task.Type == store.TaskQualityCheck {
		o.handleQualityOutcome(ctx, project, task)
		return
	}

	tasks, err := o.store.StageTasks(ctx, project.ID, project.Status)
	if err != nil {
		o.logger.Error("load stage tasks failed",
			logging.String(logging.FieldProjectID, project.ID),
			logging.Error(err),
		)
		return
	}
	for _, t := range tasks {
		if t.Status != store.TaskCompleted {
			return
		}
	}
	if err := o.settleAndAdvance(ctx, project, tasks); err != nil {
		o.logger.Error("stage advancement failed",
			logging.String(logging.FieldProjectID, project.ID),
			logging.String(logging.FieldStage, string(project.Status)),
			logging.Error(err),
		)
	}
}

// settleAndAdvance finalizes the finished stage's reservation at actual cost,
// folds stage outputs into the project record, and starts the next stage.
func (o *Orchestrator) settleAndAdvance(ctx context.Context, project *store.Project, stageTasks []*store.Task) error {
	if err := o.settleStage(ctx, project, project.Status, stageTasks); err != nil {
		return err
	}
	applyStageResults(project, stageTasks)
	if err := o.store.UpdateProject(ctx, project); err != nil {
		return err
	}

	next, ok := nextStage(project.Status)
	if !ok {
		return fmt.Errorf("no successor stage for %s", project.Status)
	}
	return o.startStage(ctx, project, next)
}

// startStage reserves the stage's estimated cost, transitions the project, and
// creates the stage tasks. An insufficient balance parks the project instead
// of failing it; a later top-up resumes from exactly this point.
func (o *Orchestrator) startStage(ctx context.Context, project *store.Project, stage store.ProjectStatus) error {
	estimate := o.estimator.EstimateStage(project.Settings, stage)
	key := reservationKey(project.ID, stage, project.QualityCycle)
	if _, err := o.ledger.Reserve(ctx, project.UserID, project.ID, stage, estimate.Total, key); err != nil {
		if errors.Is(err, credits.ErrInsufficientCredit) {
			return o.park(ctx, project, fmt.Sprintf("insufficient credit for stage %s", stage))
		}
		return err
	}

	if project.Status != stage {
		if !project.Status.CanTransition(stage) {
			return fmt.Errorf("illegal transition %s -> %s", project.Status, stage)
		}
		previous := project.Status
		project.Status = stage
		if err := o.store.UpdateProject(ctx, project); err != nil {
			return err
		}
		o.publisher.Publish(ctx, notify.Event{
			Type:      notify.EventStageChanged,
			ProjectID: project.ID,
			UserID:    project.UserID,
			Stage:     string(stage),
			Message:   fmt.Sprintf("stage %s -> %s", previous, stage),
		})
		o.logger.Info("stage started",
			logging.String(logging.FieldProjectID, project.ID),
			logging.String(logging.FieldStage, string(stage)),
			logging.Int64("reserved", estimate.Total),
		)
	}

	for _, spec := range stagePlan(project.Settings, stage) {
		if _, err := o.store.CreateTask(ctx, project.ID, spec.Type, spec.Wave); err != nil {
			return err
		}
	}
	return nil
}

// handleQualityOutcome interprets a finished quality check: pass completes the
// project, fail re-renders up to the configured cycle budget.
func (o *Orchestrator) handleQualityOutcome(ctx context.Context, project *store.Project, task *store.Task) {
	result := task.Result().Quality
	if result == nil {
		o.failProject(ctx, project, string(store.StatusQualityCheck), "quality check produced no result")
		return
	}

	existing, err := o.store.QualityResultForTask(ctx, task.ID)
	if err != nil {
		o.logger.Error("load quality result failed", logging.Error(err))
		return
	}
	if existing == nil {
		if err := o.store.SaveQualityResult(ctx, project.ID, task.ID, *result); err != nil {
			o.logger.Error("save quality result failed", logging.Error(err))
			return
		}
	}

	stageTasks, err := o.store.StageTasks(ctx, project.ID, store.StatusQualityCheck)
	if err != nil {
		o.logger.Error("load quality stage tasks failed", logging.Error(err))
		return
	}
	if err := o.settleStage(ctx, project, store.StatusQualityCheck, stageTasks); err != nil {
		o.logger.Error("settle quality stage failed", logging.Error(err))
		return
	}

	if result.Passed {
		o.completeProject(ctx, project, result)
		return
	}

	if project.QualityCycle >= o.cfg.Pipeline.MaxQualityCycles {
		o.failProject(ctx, project, string(store.StatusQualityCheck),
			fmt.Sprintf("quality check failed after %d re-render cycles (score %.2f)", project.QualityCycle, result.Score))
		return
	}
	if err := o.retryQualityCycle(ctx, project); err != nil {
		o.logger.Error("quality re-render failed to start",
			logging.String(logging.FieldProjectID, project.ID),
			logging.Error(err),
		)
	}
}

// retryQualityCycle sends a project back to generating for a re-render. The
// repeated stages are fresh work and get fresh reservations, keyed by the new
// cycle number.
func (o *Orchestrator) retryQualityCycle(ctx context.Context, project *store.Project) error {
	cycle := project.QualityCycle + 1
	estimate := o.estimator.EstimateStage(project.Settings, store.StatusGenerating)
	key := reservationKey(project.ID, store.StatusGenerating, cycle)
	if _, err := o.ledger.Reserve(ctx, project.UserID, project.ID, store.StatusGenerating, estimate.Total, key); err != nil {
		if errors.Is(err, credits.ErrInsufficientCredit) {
			return o.park(ctx, project, fmt.Sprintf("insufficient credit for re-render cycle %d", cycle))
		}
		return err
	}

	project.QualityCycle = cycle
	project.Status = store.StatusGenerating
	if err := o.store.UpdateProject(ctx, project); err != nil {
		return err
	}
	for _, spec := range stagePlan(project.Settings, store.StatusGenerating) {
		if _, err := o.store.CreateTask(ctx, project.ID, spec.Type, spec.Wave); err != nil {
			return err
		}
	}

	o.publisher.Publish(ctx, notify.Event{
		Type:      notify.EventStageChanged,
		ProjectID: project.ID,
		UserID:    project.UserID,
		Stage:     string(store.StatusGenerating),
		Message:   fmt.Sprintf("quality check failed, re-render cycle %d", cycle),
		Details:   map[string]any{"quality_cycle": cycle},
	})
	o.logger.Warn("re-render cycle started",
		logging.String(logging.FieldProjectID, project.ID),
		logging.Int("cycle", cycle),
	)
	return nil
}

func (o *Orchestrator) completeProject(ctx context.Context, project *store.Project, result *store.QualityCheckResult) {
	tasks, err := o.store.TasksForProject(ctx, project.ID)
	if err != nil {
		o.logger.Error("load tasks for completion failed", logging.Error(err))
		return
	}
	outputs := composeOutputs(tasks, result)
	encoded, err := json.Marshal(outputs)
	if err != nil {
		o.logger.Error("encode outputs failed", logging.Error(err))
		return
	}

	project.OutputsJSON = string(encoded)
	project.Status = store.StatusCompleted
	if err := o.store.UpdateProject(ctx, project); err != nil {
		o.logger.Error("persist completion failed", logging.Error(err))
		return
	}
	o.publisher.Publish(ctx, notify.Event{
		Type:      notify.EventProjectCompleted,
		ProjectID: project.ID,
		UserID:    project.UserID,
		Stage:     string(store.StatusCompleted),
		Message:   "project completed",
		Details:   map[string]any{"quality_score": result.Score},
	})
	o.logger.Info("project completed",
		logging.String(logging.FieldProjectID, project.ID),
		logging.Float64("quality_score", result.Score),
	)
}

func (o *Orchestrator) failProject(ctx context.Context, project *store.Project, stage, message string) {
	if _, err := o.store.CancelPendingTasks(ctx, project.ID); err != nil {
		o.logger.Error("cancel pending on failure failed", logging.Error(err))
	}
	if _, err := o.store.FlagRunningForCancel(ctx, project.ID); err != nil {
		o.logger.Error("flag running on failure failed", logging.Error(err))
	}
	if err := o.ledger.ReleaseOpenForProject(ctx, project.ID); err != nil {
		o.logger.Error("release reservations on failure failed", logging.Error(err))
	}

	project.SetFailed(stage, message)
	if err := o.store.UpdateProject(ctx, project); err != nil {
		o.logger.Error("persist failure failed", logging.Error(err))
		return
	}
	o.publisher.Publish(ctx, notify.Event{
		Type:      notify.EventProjectFailed,
		ProjectID: project.ID,
		UserID:    project.UserID,
		Stage:     stage,
		Message:   message,
	})
	o.logger.Error("project failed",
		logging.String(logging.FieldProjectID, project.ID),
		logging.String(logging.FieldStage, stage),
		logging.String(logging.FieldErrorHint, message),
	)
}

// cancelInProgress reports whether a user cancellation is waiting on running
// tasks to reach their checkpoints.
func (o *Orchestrator) cancelInProgress(project *store.Project) bool {
	return project.Parked && project.ParkReason == store.CancelledReason
}

// handleCancelled finalizes a cancellation once the last in-flight task has
// settled.
func (o *Orchestrator) handleCancelled(ctx context.Context, project *store.Project) {
	tasks, err := o.store.TasksForProject(ctx, project.ID)
	if err != nil {
		o.logger.Error("load tasks for cancellation failed", logging.Error(err))
		return
	}
	for _, task := range tasks {
		if !task.Status.IsTerminal() {
			return
		}
	}
	if err := o.finalizeCancellation(ctx, project); err != nil {
		o.logger.Error("finalize cancellation failed", logging.Error(err))
	}
}

func (o *Orchestrator) finalizeCancellation(ctx context.Context, project *store.Project) error {
	if err := o.ledger.ReleaseOpenForProject(ctx, project.ID); err != nil {
		return err
	}
	stage := string(project.Status)
	project.SetFailed(stage, store.CancelledReason)
	if err := o.store.UpdateProject(ctx, project); err != nil {
		return err
	}
	o.publisher.Publish(ctx, notify.Event{
		Type:      notify.EventProjectCancelled,
		ProjectID: project.ID,
		UserID:    project.UserID,
		Stage:     stage,
		Message:   "project cancelled",
	})
	o.logger.Info("project cancelled", logging.String(logging.FieldProjectID, project.ID))
	return nil
}

// markCancelling parks a project under the cancellation reason so no further
// tasks dispatch while running work drains.
func (o *Orchestrator) markCancelling(ctx context.Context, project *store.Project) error {
	project.Park(store.CancelledReason)
	return o.store.UpdateProject(ctx, project)
}

func (o *Orchestrator) park(ctx context.Context, project *store.Project, reason string) error {
	project.Park(reason)
	if err := o.store.UpdateProject(ctx, project); err != nil {
		return err
	}
	o.publisher.Publish(ctx, notify.Event{
		Type:      notify.EventProjectParked,
		ProjectID: project.ID,
		UserID:    project.UserID,
		Stage:     string(project.Status),
		Message:   reason,
	})
	o.logger.Warn("project parked",
		logging.String(logging.FieldProjectID, project.ID),
		logging.String(logging.FieldErrorHint, reason),
	)
	return nil
}

// resumeParked unparks a user's credit-parked projects and replays the stalled
// advancement. Projects that still cannot afford their next stage park again.
func (o *Orchestrator) resumeParked(ctx context.Context, userID string) {
	parked, err := o.store.ParkedProjectsForUser(ctx, userID)
	if err != nil {
		o.logger.Error("list parked projects failed", logging.Error(err))
		return
	}
	for _, stale := range parked {
		if stale.ParkReason == store.CancelledReason {
			continue
		}
		lock := o.projectLock(stale.ID)
		lock.Lock()
		project, err := o.store.GetProject(ctx, stale.ID)
		if err != nil || project == nil || !project.Parked || project.Status.IsTerminal() {
			lock.Unlock()
			continue
		}
		project.Unpark()
		if err := o.store.UpdateProject(ctx, project); err != nil {
			o.logger.Error("unpark failed", logging.Error(err))
			lock.Unlock()
			continue
		}
		o.publisher.Publish(ctx, notify.Event{
			Type:      notify.EventProjectResumed,
			ProjectID: project.ID,
			UserID:    project.UserID,
			Stage:     string(project.Status),
			Message:   "project resumed after credit top-up",
		})
		if err := o.advance(ctx, project); err != nil {
			o.logger.Error("resume advancement failed",
				logging.String(logging.FieldProjectID, project.ID),
				logging.Error(err),
			)
		}
		lock.Unlock()
	}
}

// advance replays the advancement a park interrupted. Settlement and
// reservation replays are idempotent, so re-running the step is safe.
func (o *Orchestrator) advance(ctx context.Context, project *store.Project) error {
	switch {
	case project.Status.IsTerminal() || project.Parked:
		return nil
	case project.Status == store.StatusDraft:
		return o.startStage(ctx, project, store.StatusScripting)
	case project.Status == store.StatusQualityCheck:
		tasks, err := o.store.TasksForProject(ctx, project.ID)
		if err != nil {
			return err
		}
		latest := latestTaskOfType(tasks, store.TaskQualityCheck)
		if latest != nil && latest.Status == store.TaskCompleted {
			o.handleQualityOutcome(ctx, project, latest)
		}
		return nil
	default:
		tasks, err := o.store.StageTasks(ctx, project.ID, project.Status)
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			// Reservation succeeded but task creation was interrupted.
			return o.startStage(ctx, project, project.Status)
		}
		for _, task := range tasks {
			if task.Status != store.TaskCompleted {
				return nil
			}
		}
		return o.settleAndAdvance(ctx, project, tasks)
	}
}

// settleStage finalizes the open reservation for a stage at the cost the
// completed tasks actually consumed. Already-settled stages are a no-op.
func (o *Orchestrator) settleStage(ctx context.Context, project *store.Project, stage store.ProjectStatus, tasks []*store.Task) error {
	reservation, err := o.ledger.OpenReservation(ctx, project.ID, stage)
	if err != nil {
		return err
	}
	if reservation == nil {
		return nil
	}
	actual := o.actualStageCost(tasks)
	if err := o.ledger.Settle(ctx, reservation.ID, actual); err != nil && !errors.Is(err, credits.ErrReservationClosed) {
		return err
	}
	return nil
}

// actualStageCost prices a stage from what the completed tasks really
// produced, so settlement refunds over-reservation (a short render) and
// charges overrun (a long one).
func (o *Orchestrator) actualStageCost(tasks []*store.Task) int64 {
	rates := o.cfg.Credits
	latest := make(map[store.TaskType]*store.Task)
	for _, task := range tasks {
		if task.Status == store.TaskCompleted {
			latest[task.Type] = task
		}
	}

	var total int64
	for taskType, task := range latest {
		result := task.Result()
		switch taskType {
		case store.TaskScriptGeneration:
			total += rates.ScriptGeneration
		case store.TaskStoryboardCreation:
			total += rates.StoryboardCreation
		case store.TaskVideoGeneration:
			if result.Video != nil {
				total += rates.VideoPerSecond * ceilSeconds(result.Video.DurationSec)
			}
		case store.TaskVoiceSynthesis:
			if result.Voice != nil {
				total += perMinuteCost(rates.VoicePerMinute, result.Voice.DurationSec)
			}
		case store.TaskMusicGeneration:
			if result.Music != nil {
				total += perMinuteCost(rates.MusicPerMinute, result.Music.DurationSec)
			}
		case store.TaskPostProcessing:
			total += rates.PostProcessingOp
		case store.TaskFinalRender:
			if result.Render != nil {
				total += rates.FinalRenderPerSecond * ceilSeconds(result.Render.DurationSec)
			}
		case store.TaskQualityCheck:
			total += rates.QualityCheckOp
		}
	}
	return total
}

func ceilSeconds(seconds float64) int64 {
	if seconds <= 0 {
		return 0
	}
	return int64(math.Ceil(seconds))
}

func perMinuteCost(ratePerMinute int64, durationSec float64) int64 {
	return (ratePerMinute*ceilSeconds(durationSec) + 59) / 60
}

// applyStageResults folds intermediate artifacts into the project record as
// stages finish.
func applyStageResults(project *store.Project, tasks []*store.Task) {
	for _, task := range tasks {
		if task.Status != store.TaskCompleted {
			continue
		}
		result := task.Result()
		switch {
		case result.Script != nil:
			project.Script = result.Script.Text
		case result.Storyboard != nil:
			project.Storyboard = result.Storyboard.StoryboardJSON
		}
	}
}

// Outputs is the completed-project payload stored on the project record.
type Outputs struct {
	VideoKey     string  `json:"video_key"`
	DurationSec  float64 `json:"duration_sec"`
	Width        int     `json:"width"`
	Height       int     `json:"height"`
	FrameRate    float64 `json:"frame_rate"`
	VoiceKey     string  `json:"voice_key,omitempty"`
	MusicKey     string  `json:"music_key,omitempty"`
	QualityScore float64 `json:"quality_score"`
}

func composeOutputs(tasks []*store.Task, quality *store.QualityCheckResult) Outputs {
	var outputs Outputs
	for _, task := range tasks {
		if task.Status != store.TaskCompleted {
			continue
		}
		result := task.Result()
		switch {
		case result.Render != nil:
			outputs.VideoKey = result.Render.StorageKey
			outputs.DurationSec = result.Render.DurationSec
			outputs.Width = result.Render.Width
			outputs.Height = result.Render.Height
			outputs.FrameRate = result.Render.FrameRate
		case result.Voice != nil:
			outputs.VoiceKey = result.Voice.StorageKey
		case result.Music != nil:
			outputs.MusicKey = result.Music.StorageKey
		}
	}
	if quality != nil {
		outputs.QualityScore = quality.Score
	}
	return outputs
}
