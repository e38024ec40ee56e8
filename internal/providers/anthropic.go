package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	AnthropicName     = "claude"
	anthropicBaseURL  = "https://api.anthropic.com"
	anthropicVersion  = "2023-06-01"
	anthropicMaxToken = 4096
)

// AnthropicConfig holds settings for the Claude messages API.
type AnthropicConfig struct {
	Name       string
	APIKey     string
	BaseURL    string
	ModelList  []string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

// AnthropicClient implements Client against the Claude messages API.
type AnthropicClient struct {
	name       string
	apiKey     string
	baseURL    string
	models     []string
	client     *http.Client
	maxRetries int
	retryDelay time.Duration
}

// NewAnthropicClient creates a Claude client.
func NewAnthropicClient(cfg AnthropicConfig) *AnthropicClient {
	if cfg.Name == "" {
		cfg.Name = AnthropicName
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = anthropicBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Second
	}

	return &AnthropicClient{
		name:       strings.ToLower(cfg.Name),
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		models:     cfg.ModelList,
		client:     &http.Client{Timeout: cfg.Timeout},
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
	}
}

// Name returns the provider identifier.
func (c *AnthropicClient) Name() string { return c.name }

// Models returns the configured model list.
func (c *AnthropicClient) Models() []string { return c.models }

// Generate runs one messages-API call.
func (c *AnthropicClient) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResult, error) {
	start := time.Now()

	model := req.Model
	if model == "" && len(c.models) > 0 {
		model = c.models[0]
	}
	if model == "" {
		err := fmt.Errorf("no model configured for provider %s", c.name)
		return failure(c.name, ErrKindProvider, err.Error(), time.Since(start)), err
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicMaxToken
	}
	body := anthropicRequest{
		Model:     model,
		MaxTokens: maxTokens,
		System:    req.System,
		Messages:  []anthropicMessage{{Role: "user", Content: req.Prompt}},
	}
	if req.Temperature > 0 {
		body.Temperature = &req.Temperature
	}

	resp, err := c.doRequest(ctx, &body)
	if err != nil {
		return failure(c.name, ErrKindTransport, err.Error(), time.Since(start)),
			fmt.Errorf("%s generate: %w", c.name, err)
	}
	if resp.Error != nil {
		err := fmt.Errorf("%s api error (%s): %s", c.name, resp.Error.Type, resp.Error.Message)
		return failure(c.name, ErrKindProvider, err.Error(), time.Since(start)), err
	}

	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(content.String())
	if text == "" {
		err := fmt.Errorf("%s returned empty content", c.name)
		return failure(c.name, ErrKindEmpty, err.Error(), time.Since(start)), err
	}

	return &GenerateResult{
		Success:       true,
		Content:       text,
		InputTokens:   resp.Usage.InputTokens,
		OutputTokens:  resp.Usage.OutputTokens,
		TotalTokens:   resp.Usage.InputTokens + resp.Usage.OutputTokens,
		Provider:      c.name,
		ModelUsed:     resp.Model,
		ExecutionTime: time.Since(start),
	}, nil
}

// doRequest posts to /v1/messages with bounded retries on transient
// failures.
func (c *AnthropicClient) doRequest(ctx context.Context, body *anthropicRequest) (*anthropicResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-api-key", c.apiKey)
		req.Header.Set("anthropic-version", anthropicVersion)

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			c.sleepWithJitter(ctx, attempt)
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			c.sleepWithJitter(ctx, attempt)
			continue
		}

		if c.shouldRetry(resp.StatusCode) {
			lastErr = fmt.Errorf("anthropic error (status %d): %s", resp.StatusCode, string(respBody))
			c.sleepWithJitter(ctx, attempt)
			continue
		}

		var out anthropicResponse
		if err := json.Unmarshal(respBody, &out); err != nil {
			return nil, fmt.Errorf("unmarshal response (status %d): %w", resp.StatusCode, err)
		}
		if resp.StatusCode != http.StatusOK && out.Error == nil {
			return nil, fmt.Errorf("anthropic error (status %d): %s", resp.StatusCode, string(respBody))
		}
		return &out, nil
	}
	return nil, fmt.Errorf("max retries (%d) exceeded: %w", c.maxRetries, lastErr)
}

func (c *AnthropicClient) shouldRetry(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests:
		return true
	case 529: // Anthropic overloaded
		return true
	default:
		return statusCode >= 500
	}
}

// sleepWithJitter backs off exponentially with jitter, respecting context
// cancellation.
func (c *AnthropicClient) sleepWithJitter(ctx context.Context, attempt int) {
	baseDelay := c.retryDelay * time.Duration(1<<attempt)
	if baseDelay > 10*time.Second {
		baseDelay = 10 * time.Second
	}
	jitter := time.Duration(float64(baseDelay) * (0.8 + 0.5*float64(time.Now().UnixNano()%1000)/1000))

	select {
	case <-ctx.Done():
	case <-time.After(jitter):
	}
}

// Anthropic API types

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature *float64           `json:"temperature,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Verify interface
var _ Client = (*AnthropicClient)(nil)
