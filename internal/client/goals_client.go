package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sessionlens/api/internal/apperr"
	"github.com/sessionlens/api/internal/config"
	"github.com/sessionlens/api/internal/model"
)

// GoalsProvider returns a subject's active treatment goals.
type GoalsProvider interface {
	ActiveGoals(ctx context.Context, subjectID string) ([]model.Goal, error)
}

// GoalsClient reads goals from the goals collaborator
type GoalsClient struct {
	httpClient *http.Client
	baseURL    string
}

// NewGoalsClient creates a new goals client
func NewGoalsClient(cfg *config.GoalsConfig) *GoalsClient {
	return &GoalsClient{
		httpClient: &http.Client{Timeout: time.Duration(cfg.Timeout) * time.Second},
		baseURL:    strings.TrimRight(cfg.URL, "/"),
	}
}

// ActiveGoals fetches the subject's goals. An unconfigured client has none.
func (c *GoalsClient) ActiveGoals(ctx context.Context, subjectID string) ([]model.Goal, error) {
	const op = "goals"
	if !c.IsConfigured() {
		return nil, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/subjects/%s/goals", c.baseURL, url.PathEscape(subjectID)), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.FromTransport(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.FromTransport(op, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperr.FromStatus(op, resp.StatusCode, body)
	}

	var out struct {
		Goals []model.Goal `json:"goals"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, apperr.Parsef(op, "decode goals: %v", err)
	}
	return out.Goals, nil
}

// IsConfigured returns true if the client has valid configuration
func (c *GoalsClient) IsConfigured() bool {
	return c.baseURL != ""
}
