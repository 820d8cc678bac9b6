package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sessionlens/api/internal/apperr"
	"github.com/sessionlens/api/internal/config"
)

// Completer produces a structured completion for a prompt.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// CompletionRequest is one structured completion call. The output schema is
// embedded in the system prompt and the API is asked for a JSON object.
type CompletionRequest struct {
	System      string
	User        string
	Schema      json.RawMessage
	Temperature float64
	MaxTokens   int
}

// CompletionClient talks to an OpenAI-compatible chat completion API
type CompletionClient struct {
	httpClient  *http.Client
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	maxTokens   int
}

// ChatMessage represents a message in the chat completion request
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ResponseFormat asks the API for a JSON object response
type ResponseFormat struct {
	Type string `json:"type"`
}

// ChatCompletionRequest represents the request body for chat completion
type ChatCompletionRequest struct {
	Model          string          `json:"model"`
	Messages       []ChatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
}

// ChatCompletionResponse represents the response from chat completion
type ChatCompletionResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// NewCompletionClient creates a new completion API client. Per-call
// deadlines come from the caller's context.
func NewCompletionClient(cfg *config.CompletionConfig) *CompletionClient {
	return &CompletionClient{
		httpClient:  &http.Client{Timeout: 10 * time.Minute},
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}
}

// Complete sends a chat completion request and returns the message content
func (c *CompletionClient) Complete(ctx context.Context, creq CompletionRequest) (string, error) {
	const op = "completion"

	system := creq.System
	if len(creq.Schema) > 0 {
		system += "\n\nRespond with a single JSON object that conforms to this JSON Schema:\n" + string(creq.Schema)
	}
	temperature := c.temperature
	if creq.Temperature > 0 {
		temperature = creq.Temperature
	}
	maxTokens := c.maxTokens
	if creq.MaxTokens > 0 {
		maxTokens = creq.MaxTokens
	}

	reqBody := ChatCompletionRequest{
		Model: c.model,
		Messages: []ChatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: creq.User},
		},
		Temperature:    temperature,
		MaxTokens:      maxTokens,
		ResponseFormat: &ResponseFormat{Type: "json_object"},
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", apperr.FromTransport(op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", apperr.FromTransport(op, err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", apperr.FromStatus(op, resp.StatusCode, respBody)
	}

	var chatResp ChatCompletionResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", apperr.Parsef(op, "malformed response body: %v", err)
	}

	if len(chatResp.Choices) == 0 {
		return "", apperr.Parsef(op, "no choices in response")
	}

	content := strings.TrimSpace(chatResp.Choices[0].Message.Content)
	if content == "" {
		return "", apperr.Parsef(op, "empty completion")
	}
	return content, nil
}

// IsConfigured returns true if the client has valid configuration
func (c *CompletionClient) IsConfigured() bool {
	return c.apiKey != ""
}
