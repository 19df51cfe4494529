package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"
)

// Sentinel errors for upstream generation calls.
var (
	// ErrNotRunning is returned when nothing listens at the configured endpoint.
	ErrNotRunning = errors.New("ollama not running")
	// ErrConnectionTimeout is returned when the upstream does not answer in time.
	ErrConnectionTimeout = errors.New("ollama connection timeout")
	// ErrRequestFailed is returned for non-200 responses.
	ErrRequestFailed = errors.New("ollama request failed")
	// ErrConnectionFailed covers remaining transport errors.
	ErrConnectionFailed = errors.New("ollama connection failed")
	// ErrModelNotFound is returned by Ping when the model is not pulled.
	ErrModelNotFound = errors.New("model not available in ollama")
)

const (
	endpointGenerate = "/api/generate"
	endpointTags     = "/api/tags"
	// maxErrorBody bounds how much of a failed response is quoted in errors.
	maxErrorBody = 1024
)

// GenerateRequest is the body of POST /api/generate.
type GenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

// GenerateRecord is one NDJSON line of a streamed /api/generate response.
type GenerateRecord struct {
	Model      string `json:"model,omitempty"`
	CreatedAt  string `json:"created_at,omitempty"`
	Response   string `json:"response"`
	Done       bool   `json:"done"`
	DoneReason string `json:"done_reason,omitempty"`
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// OllamaClient streams completions from an Ollama server.
type OllamaClient struct {
	endpoint   string
	model      string
	httpClient *http.Client
}

// NewOllamaClient builds a client for endpoint. acceptTimeout bounds the wait
// for response headers; the streamed body is governed by the caller's context.
func NewOllamaClient(endpoint, model string, acceptTimeout time.Duration) *OllamaClient {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = acceptTimeout

	return &OllamaClient{
		endpoint:   endpoint,
		model:      model,
		httpClient: &http.Client{Transport: transport},
	}
}

// Model returns the configured model name.
func (c *OllamaClient) Model() string {
	return c.model
}

// Generate posts prompt to /api/generate with streaming enabled and returns
// the raw NDJSON body. The caller must close it.
func (c *OllamaClient) Generate(ctx context.Context, prompt string) (io.ReadCloser, error) {
	body, err := json.Marshal(GenerateRequest{Model: c.model, Prompt: prompt, Stream: true})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+endpointGenerate, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		classified := classifyError(err)
		if errors.Is(classified, ErrNotRunning) {
			return nil, fmt.Errorf("%w at %s (start with: ollama serve)", ErrNotRunning, c.endpoint)
		}
		return nil, classified
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		errBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if readErr != nil {
			return nil, fmt.Errorf("%w: status %d (failed to read error: %v)", ErrRequestFailed, resp.StatusCode, readErr)
		}
		return nil, fmt.Errorf("%w: status %d: %s", ErrRequestFailed, resp.StatusCode, bytes.TrimSpace(errBody))
	}

	return resp.Body, nil
}

// Ping verifies the server is reachable and the model is available.
func (c *OllamaClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+endpointTags, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		classified := classifyError(err)
		if errors.Is(classified, ErrNotRunning) {
			return fmt.Errorf("%w at %s (start with: ollama serve)", ErrNotRunning, c.endpoint)
		}
		return classified
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: unexpected status %d", ErrRequestFailed, resp.StatusCode)
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	for _, m := range tags.Models {
		if m.Name == c.model {
			return nil
		}
	}
	return fmt.Errorf("%w: %s (pull with: ollama pull %s)", ErrModelNotFound, c.model, c.model)
}

// classifyError converts low-level HTTP errors into the sentinel errors above.
// Cancellation is passed through untouched so callers can tell it apart.
func classifyError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrConnectionTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrConnectionTimeout, err)
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return ErrNotRunning
	}

	return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
}
