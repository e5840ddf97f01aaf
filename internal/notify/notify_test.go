package notify_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"vidforge/internal/logging"
	"vidforge/internal/notify"
	"vidforge/internal/testsupport"
)

type receiver struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *receiver) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if ct := req.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		var event notify.Event
		if err := json.NewDecoder(req.Body).Decode(&event); err != nil {
			t.Errorf("decode event: %v", err)
		}
		r.mu.Lock()
		r.events = append(r.events, event)
		r.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}
}

func (r *receiver) received() []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Event(nil), r.events...)
}

func TestNewPublisherWithoutWebhookIsNop(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	publisher := notify.NewPublisher(cfg, logging.NewNop())
	if _, ok := publisher.(notify.NopPublisher); !ok {
		t.Fatalf("publisher = %T, want NopPublisher", publisher)
	}
}

func TestWebhookPublisherDelivers(t *testing.T) {
	rcv := &receiver{}
	server := httptest.NewServer(rcv.handler(t))
	defer server.Close()

	cfg := testsupport.NewConfig(t)
	cfg.Notifications.WebhookURL = server.URL
	publisher := notify.NewPublisher(cfg, logging.NewNop())

	publisher.Publish(context.Background(), notify.Event{
		Type:      notify.EventProjectCompleted,
		ProjectID: "proj-1",
		UserID:    "user-1",
		Stage:     "completed",
		Message:   "project completed",
	})

	events := rcv.received()
	if len(events) != 1 {
		t.Fatalf("received %d events, want 1", len(events))
	}
	event := events[0]
	if event.Type != notify.EventProjectCompleted || event.ProjectID != "proj-1" {
		t.Fatalf("event = %+v", event)
	}
	if event.Timestamp.IsZero() {
		t.Fatal("publisher should stamp the event")
	}
}

func TestWebhookPublisherGatesByEventClass(t *testing.T) {
	rcv := &receiver{}
	server := httptest.NewServer(rcv.handler(t))
	defer server.Close()

	cfg := testsupport.NewConfig(t)
	cfg.Notifications.WebhookURL = server.URL
	cfg.Notifications.ProjectEvents = true
	cfg.Notifications.TaskFailures = false
	cfg.Notifications.CreditEvents = false
	publisher := notify.NewPublisher(cfg, logging.NewNop())

	ctx := context.Background()
	publisher.Publish(ctx, notify.Event{Type: notify.EventTaskFailed})
	publisher.Publish(ctx, notify.Event{Type: notify.EventCreditsGranted})
	publisher.Publish(ctx, notify.Event{Type: notify.EventProjectParked})

	events := rcv.received()
	if len(events) != 1 || events[0].Type != notify.EventProjectParked {
		t.Fatalf("events = %+v, want only the project event", events)
	}
}

func TestWebhookPublisherSurvivesReceiverFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cfg := testsupport.NewConfig(t)
	cfg.Notifications.WebhookURL = server.URL
	publisher := notify.NewPublisher(cfg, logging.NewNop())

	// Must not panic or block.
	publisher.Publish(context.Background(), notify.Event{Type: notify.EventProjectSubmitted})

	server.Close()
	publisher.Publish(context.Background(), notify.Event{Type: notify.EventProjectSubmitted})
}
