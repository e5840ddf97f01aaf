package apiclient_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"vidforge/internal/api"
	"vidforge/internal/apiclient"
	"vidforge/internal/store"
)

func TestNewNormalizesBareBindAddress(t *testing.T) {
	if _, err := apiclient.New("127.0.0.1:7749", ""); err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := apiclient.New("  ", ""); err == nil {
		t.Fatal("expected error for empty bind")
	}
}

func TestClientSendsBearerToken(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(api.StatusResponse{Running: true})
	}))
	defer server.Close()

	client, err := apiclient.New(server.URL, "secret")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	status, err := client.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !status.Running {
		t.Fatal("status not decoded")
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("authorization header = %q", gotAuth)
	}
}

func TestClientDecodesAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(map[string]string{"error": "insufficient credit"})
	}))
	defer server.Close()

	client, err := apiclient.New(server.URL, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = client.Generate(context.Background(), api.GenerateRequest{UserID: "u", Prompt: "p"})

	var apiErr *apiclient.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusPaymentRequired || apiErr.Message != "insufficient credit" {
		t.Fatalf("api error = %+v", apiErr)
	}
}

func TestClientWrapsConnectionFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	client, err := apiclient.New(server.URL, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	server.Close()

	_, err = client.Status(context.Background())
	if !errors.Is(err, apiclient.ErrDaemonUnavailable) {
		t.Fatalf("expected ErrDaemonUnavailable, got %v", err)
	}
}

func TestEstimateQueryEncoding(t *testing.T) {
	var gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		json.NewEncoder(w).Encode(map[string]any{"total": 100})
	}))
	defer server.Close()

	client, err := apiclient.New(server.URL, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	settings := store.Settings{DurationSec: 45, Resolution: "1280x720", VoiceOver: true}
	estimate, err := client.Estimate(context.Background(), settings)
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	if estimate.Total != 100 {
		t.Fatalf("total = %d", estimate.Total)
	}
	for _, want := range []string{"duration_sec=45", "resolution=1280x720", "voice_over=1"} {
		if !strings.Contains(gotQuery, want) {
			t.Fatalf("query %q missing %q", gotQuery, want)
		}
	}
	if strings.Contains(gotQuery, "music") {
		t.Fatalf("query %q should omit disabled music flag", gotQuery)
	}
}
