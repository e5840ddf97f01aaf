package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"vidforge/internal/config"
	"vidforge/internal/credits"
	"vidforge/internal/logging"
	"vidforge/internal/notify"
	"vidforge/internal/store"
)

var (
	// ErrProjectNotFound is returned when an operation targets an unknown
	// project id.
	ErrProjectNotFound = errors.New("project not found")

	// ErrProjectFinished is returned when an operation targets a project
	// already in a terminal status.
	ErrProjectFinished = errors.New("project already finished")

	// ErrInvalidRequest is returned when a submission fails validation.
	ErrInvalidRequest = errors.New("invalid request")
)

// maxDurationSec bounds requested video length.
const maxDurationSec = 600

// Orchestrator drives projects through the pipeline: it plans stage tasks,
// meters credits stage by stage, reacts to settled tasks, and owns every
// project status transition.
type Orchestrator struct {
	store     *store.Store
	ledger    *credits.Ledger
	estimator *credits.Estimator
	publisher notify.Publisher
	cfg       *config.Config
	logger    *slog.Logger

	mu       sync.Mutex
	projects map[string]*sync.Mutex
}

// NewOrchestrator wires the pipeline orchestrator.
func NewOrchestrator(
	st *store.Store,
	ledger *credits.Ledger,
	estimator *credits.Estimator,
	publisher notify.Publisher,
	cfg *config.Config,
	logger *slog.Logger,
) *Orchestrator {
	if publisher == nil {
		publisher = notify.NopPublisher{}
	}
	return &Orchestrator{
		store:     st,
		ledger:    ledger,
		estimator: estimator,
		publisher: publisher,
		cfg:       cfg,
		logger:    logging.NewComponentLogger(logger, "orchestrator"),
		projects:  make(map[string]*sync.Mutex),
	}
}

// projectLock serializes lifecycle decisions for one project. Task settlement
// callbacks arrive from concurrent workers.
func (o *Orchestrator) projectLock(projectID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := o.projects[projectID]
	if !ok {
		lock = &sync.Mutex{}
		o.projects[projectID] = lock
	}
	return lock
}

// Submit validates a generation request, checks that the user's balance covers
// the full pipeline estimate, and starts the first stage. The full estimate is
// a gate only; credits are reserved stage by stage as the project advances.
func (o *Orchestrator) Submit(ctx context.Context, userID, prompt string, settings store.Settings) (*store.Project, credits.CostEstimate, error) {
	prompt = strings.TrimSpace(prompt)
	normalizeSettings(&settings)
	if err := validateRequest(userID, prompt, settings); err != nil {
		return nil, credits.CostEstimate{}, err
	}

	estimate := o.estimator.Estimate(settings)
	balance, err := o.ledger.Balance(ctx, userID)
	if err != nil {
		return nil, credits.CostEstimate{}, err
	}
	if balance < estimate.Total {
		return nil, estimate, fmt.Errorf("%w: balance %d, estimated cost %d",
			credits.ErrInsufficientCredit, balance, estimate.Total)
	}

	project, err := o.store.CreateProject(ctx, userID, prompt, settings)
	if err != nil {
		return nil, estimate, err
	}

	lock := o.projectLock(project.ID)
	lock.Lock()
	defer lock.Unlock()

	if err := o.startStage(ctx, project, store.StatusScripting); err != nil {
		return nil, estimate, err
	}

	o.publisher.Publish(ctx, notify.Event{
		Type:      notify.EventProjectSubmitted,
		ProjectID: project.ID,
		UserID:    project.UserID,
		Stage:     string(project.Status),
		Message:   "project submitted",
		Details:   map[string]any{"estimated_cost": estimate.Total},
	})
	o.logger.Info("project submitted",
		logging.String(logging.FieldProjectID, project.ID),
		logging.String(logging.FieldUserID, project.UserID),
		logging.Int64("estimated_cost", estimate.Total),
	)
	return project, estimate, nil
}

// EstimateCost prices a pipeline configuration without committing anything.
func (o *Orchestrator) EstimateCost(settings store.Settings) (credits.CostEstimate, error) {
	normalizeSettings(&settings)
	if settings.DurationSec < 1 || settings.DurationSec > maxDurationSec {
		return credits.CostEstimate{}, fmt.Errorf("%w: duration_sec must be between 1 and %d", ErrInvalidRequest, maxDurationSec)
	}
	return o.estimator.Estimate(settings), nil
}

// Cancel stops a project. Pending tasks cancel immediately; running tasks are
// flagged and cancel at their next checkpoint. The project reaches its
// terminal state once no task remains in flight, and open reservations are
// released in full.
func (o *Orchestrator) Cancel(ctx context.Context, projectID string) error {
	lock := o.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	project, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if project == nil {
		return fmt.Errorf("%s: %w", projectID, ErrProjectNotFound)
	}
	if project.Status.IsTerminal() {
		return fmt.Errorf("%s: %w", projectID, ErrProjectFinished)
	}

	cancelled, err := o.store.CancelPendingTasks(ctx, projectID)
	if err != nil {
		return err
	}
	flagged, err := o.store.FlagRunningForCancel(ctx, projectID)
	if err != nil {
		return err
	}
	o.logger.Info("project cancel requested",
		logging.String(logging.FieldProjectID, projectID),
		logging.Int64("pending_cancelled", cancelled),
		logging.Int64("running_flagged", flagged),
	)

	if flagged == 0 {
		return o.finalizeCancellation(ctx, project)
	}
	// Running tasks drain at their next checkpoint; parking under the
	// cancellation reason keeps new work from dispatching meanwhile.
	return o.markCancelling(ctx, project)
}

// ApplyCreditGrant applies a webhook credit grant and resumes any of the
// user's parked projects the new balance can cover. Replayed events are
// acknowledged without a second credit.
func (o *Orchestrator) ApplyCreditGrant(ctx context.Context, eventID, userID string, amount int64) (bool, int64, error) {
	applied, err := o.ledger.ApplyGrant(ctx, eventID, userID, amount)
	if err != nil {
		return false, 0, err
	}
	balance, err := o.ledger.Balance(ctx, userID)
	if err != nil {
		return applied, 0, err
	}
	if applied {
		o.publisher.Publish(ctx, notify.Event{
			Type:    notify.EventCreditsGranted,
			UserID:  userID,
			Message: "credits granted",
			Details: map[string]any{"amount": amount, "balance": balance},
		})
		o.resumeParked(ctx, userID)
	}
	return applied, balance, nil
}

// Grant credits a user from the operator CLI and resumes parked projects.
func (o *Orchestrator) Grant(ctx context.Context, userID string, amount int64) (int64, error) {
	if err := o.ledger.AdminGrant(ctx, userID, amount); err != nil {
		return 0, err
	}
	balance, err := o.ledger.Balance(ctx, userID)
	if err != nil {
		return 0, err
	}
	o.resumeParked(ctx, userID)
	return balance, nil
}

// Snapshot is the full observable state of one project.
type Snapshot struct {
	Project  *store.Project
	Tasks    []*store.Task
	Estimate credits.CostEstimate
	Quality  *store.QualityCheckResult
}

// Snapshot assembles a project's current state for the API.
func (o *Orchestrator) Snapshot(ctx context.Context, projectID string) (*Snapshot, error) {
	project, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, fmt.Errorf("%s: %w", projectID, ErrProjectNotFound)
	}
	tasks, err := o.store.TasksForProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	snapshot := &Snapshot{
		Project:  project,
		Tasks:    tasks,
		Estimate: o.estimator.Estimate(project.Settings),
	}
	if latest := latestTaskOfType(tasks, store.TaskQualityCheck); latest != nil {
		quality, err := o.store.QualityResultForTask(ctx, latest.ID)
		if err != nil {
			return nil, err
		}
		snapshot.Quality = quality
	}
	return snapshot, nil
}

func validateRequest(userID, prompt string, settings store.Settings) error {
	switch {
	case strings.TrimSpace(userID) == "":
		return fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	case prompt == "":
		return fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	case settings.DurationSec < 1 || settings.DurationSec > maxDurationSec:
		return fmt.Errorf("%w: duration_sec must be between 1 and %d", ErrInvalidRequest, maxDurationSec)
	}
	return nil
}

func normalizeSettings(settings *store.Settings) {
	if settings.Engine == "" {
		settings.Engine = "synthetic"
	}
	if settings.QualityTier == "" {
		settings.QualityTier = "standard"
	}
	if settings.Resolution == "" {
		settings.Resolution = "1920x1080"
	}
	if settings.AspectRatio == "" {
		settings.AspectRatio = "16:9"
	}
}

func latestTaskOfType(tasks []*store.Task, taskType store.TaskType) *store.Task {
	var latest *store.Task
	for _, task := range tasks {
		if task.Type == taskType {
			latest = task
		}
	}
	return latest
}
