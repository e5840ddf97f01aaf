package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"vidforge/internal/config"
	"vidforge/internal/logging"
)

// EventType labels pipeline events pushed to the configured webhook.
type EventType string

const (
	EventProjectSubmitted EventType = "project.submitted"
	EventStageChanged     EventType = "project.stage_changed"
	EventProjectCompleted EventType = "project.completed"
	EventProjectFailed    EventType = "project.failed"
	EventProjectCancelled EventType = "project.cancelled"
	EventProjectParked    EventType = "project.parked"
	EventProjectResumed   EventType = "project.resumed"
	EventTaskFailed       EventType = "task.failed"
	EventCreditsGranted   EventType = "credits.granted"
)

// Event is one observable pipeline occurrence.
type Event struct {
	Type      EventType      `json:"type"`
	ProjectID string         `json:"project_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Stage     string         `json:"stage,omitempty"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Publisher delivers pipeline events. Delivery is best-effort; the pipeline
// never blocks on a slow or failing receiver.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// NewPublisher returns a webhook publisher, or a no-op when no webhook is
// configured.
func NewPublisher(cfg *config.Config, logger *slog.Logger) Publisher {
	if cfg.Notifications.WebhookURL == "" {
		return NopPublisher{}
	}
	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookPublisher{
		url:           cfg.Notifications.WebhookURL,
		client:        &http.Client{Timeout: timeout},
		logger:        logging.NewComponentLogger(logger, "notify"),
		projectEvents: cfg.Notifications.ProjectEvents,
		taskFailures:  cfg.Notifications.TaskFailures,
		creditEvents:  cfg.Notifications.CreditEvents,
	}
}

// WebhookPublisher POSTs events as JSON to a single receiver URL.
type WebhookPublisher struct {
	url           string
	client        *http.Client
	logger        *slog.Logger
	projectEvents bool
	taskFailures  bool
	creditEvents  bool
}

func (p *WebhookPublisher) Publish(ctx context.Context, event Event) {
	if !p.enabled(event.Type) {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	body, err := json.Marshal(event)
	if err != nil {
		p.logger.Warn("encode event failed", logging.Error(err))
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		p.logger.Warn("build event request failed", logging.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Warn("event delivery failed",
			logging.String(logging.FieldEventType, string(event.Type)),
			logging.Error(err),
		)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		p.logger.Warn("event receiver rejected delivery",
			logging.String(logging.FieldEventType, string(event.Type)),
			logging.Error(fmt.Errorf("status %d", resp.StatusCode)),
		)
	}
}

func (p *WebhookPublisher) enabled(eventType EventType) bool {
	switch eventType {
	case EventTaskFailed:
		return p.taskFailures
	case EventCreditsGranted:
		return p.creditEvents
	default:
		return p.projectEvents
	}
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) {}
