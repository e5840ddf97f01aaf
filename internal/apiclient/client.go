package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"vidforge/internal/api"
	"vidforge/internal/credits"
	"vidforge/internal/store"
)

// ErrDaemonUnavailable is returned when the daemon API cannot be reached.
var ErrDaemonUnavailable = errors.New("daemon API unavailable")

// APIError carries a non-2xx response from the daemon.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// Client is a thin HTTP client for the daemon API, used by the CLI.
type Client struct {
	base  *url.URL
	token string
	http  *http.Client
}

// New builds a client for the given bind address. A bare host:port is treated
// as plain HTTP.
func New(bind, token string) (*Client, error) {
	bind = strings.TrimSpace(bind)
	if bind == "" {
		return nil, errors.New("api bind address is empty")
	}
	if !strings.Contains(bind, "://") {
		bind = "http://" + bind
	}
	base, err := url.Parse(bind)
	if err != nil {
		return nil, err
	}
	base.Path = ""
	base.RawQuery = ""

	return &Client{
		base:  base,
		token: token,
		http:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Generate submits a new project.
func (c *Client) Generate(ctx context.Context, req api.GenerateRequest) (*api.GenerateResponse, error) {
	var resp api.GenerateResponse
	if err := c.do(ctx, http.MethodPost, "/api/generate", nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Projects lists projects, optionally filtered by status.
func (c *Client) Projects(ctx context.Context, status string) (*api.ProjectListResponse, error) {
	var query url.Values
	if status != "" {
		query = url.Values{"status": []string{status}}
	}
	var resp api.ProjectListResponse
	if err := c.do(ctx, http.MethodGet, "/api/projects", query, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Project fetches a project's full state.
func (c *Client) Project(ctx context.Context, projectID string) (*api.ProjectResponse, error) {
	var resp api.ProjectResponse
	if err := c.do(ctx, http.MethodGet, "/api/projects/"+url.PathEscape(projectID), nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Cancel requests cancellation of a project.
func (c *Client) Cancel(ctx context.Context, projectID string) error {
	return c.do(ctx, http.MethodPost, "/api/projects/"+url.PathEscape(projectID)+"/cancel", nil, nil, nil)
}

// Estimate prices a pipeline configuration.
func (c *Client) Estimate(ctx context.Context, settings store.Settings) (*credits.CostEstimate, error) {
	values := url.Values{}
	values.Set("duration_sec", strconv.Itoa(settings.DurationSec))
	if settings.Resolution != "" {
		values.Set("resolution", settings.Resolution)
	}
	if settings.QualityTier != "" {
		values.Set("quality_tier", settings.QualityTier)
	}
	if settings.Engine != "" {
		values.Set("engine", settings.Engine)
	}
	if settings.AspectRatio != "" {
		values.Set("aspect_ratio", settings.AspectRatio)
	}
	if settings.VoiceOver {
		values.Set("voice_over", "1")
	}
	if settings.Music {
		values.Set("music", "1")
	}

	var estimate credits.CostEstimate
	if err := c.do(ctx, http.MethodGet, "/api/cost/estimate", values, nil, &estimate); err != nil {
		return nil, err
	}
	return &estimate, nil
}

// Balance fetches a user's credit balance.
func (c *Client) Balance(ctx context.Context, userID string) (*api.BalanceResponse, error) {
	var resp api.BalanceResponse
	if err := c.do(ctx, http.MethodGet, "/api/credits/"+url.PathEscape(userID), nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GrantCredits credits a user through the operator grant endpoint and returns
// the new balance.
func (c *Client) GrantCredits(ctx context.Context, userID string, amount int64) (*api.BalanceResponse, error) {
	var resp api.BalanceResponse
	path := "/api/credits/" + url.PathEscape(userID) + "/grant"
	if err := c.do(ctx, http.MethodPost, path, nil, api.AdminGrantRequest{Amount: amount}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status fetches daemon health.
func (c *Client) Status(ctx context.Context) (*api.StatusResponse, error) {
	var resp api.StatusResponse
	if err := c.do(ctx, http.MethodGet, "/api/status", nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	endpoint := *c.base
	endpoint.Path = path
	if query != nil {
		endpoint.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDaemonUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var payload struct {
			Error string `json:"error"`
		}
		message := resp.Status
		if decodeErr := json.NewDecoder(resp.Body).Decode(&payload); decodeErr == nil && payload.Error != "" {
			message = payload.Error
		}
		return &APIError{Status: resp.StatusCode, Message: message}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
