package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"forge/internal/models"
)

// Backend identifies one OpenAI-compatible chat backend
type Backend struct {
	Name    string
	BaseURL string // e.g. http://localhost:8080/v1
	APIKey  string
	Model   string
}

// Client talks to a single OpenAI-compatible backend
type Client struct {
	backend    Backend
	httpClient *http.Client
}

// NewClient builds a client for the given backend. timeout bounds every
// request; pass 0 for the default.
func NewClient(backend Backend, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 300 * time.Second
	}
	return &Client{
		backend:    backend,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Model returns the backend's configured model identifier
func (c *Client) Model() string {
	return c.backend.Model
}

// Name returns the backend's logical name
func (c *Client) Name() string {
	return c.backend.Name
}

// ChatCompletion sends an OpenAI-style chat completion request
func (c *Client) ChatCompletion(ctx context.Context, req *models.ChatCompletionRequest) (*models.ChatCompletionResponse, error) {
	if req.Model == "" {
		req.Model = c.backend.Model
	}

	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.backend.BaseURL+"/chat/completions", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.backend.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.backend.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", c.backend.Name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d: %s", c.backend.Name, resp.StatusCode, truncate(string(body), 500))
	}

	var result models.ChatCompletionResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response from %s: %w", c.backend.Name, err)
	}

	return &result, nil
}

// Complete is a convenience wrapper returning just the first choice's text
func (c *Client) Complete(ctx context.Context, messages []models.ChatMessage) (string, error) {
	resp, err := c.ChatCompletion(ctx, &models.ChatCompletionRequest{Messages: messages})
	if err != nil {
		return "", err
	}
	content := resp.FirstContent()
	if content == "" {
		return "", fmt.Errorf("%s returned an empty completion", c.backend.Name)
	}
	return content, nil
}

// ListModels proxies the backend's model listing verbatim
func (c *Client) ListModels(ctx context.Context) (json.RawMessage, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.backend.BaseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.backend.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.backend.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("model listing from %s failed: %w", c.backend.Name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d: %s", c.backend.Name, resp.StatusCode, truncate(string(body), 500))
	}

	return json.RawMessage(body), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
