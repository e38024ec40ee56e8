package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const openAIDefaultTimeout = 120 * time.Second

// OpenAIConfig holds settings for an OpenAI-compatible chat backend. The
// same client serves openai itself and the compatible APIs (deepseek,
// zhipu, ollama, localai, private proxies) by switching the base URL.
type OpenAIConfig struct {
	// Name is the provider identifier this client is registered under.
	Name    string
	APIKey  string
	BaseURL string
	// ModelList restricts which models the provider serves; the first
	// entry is the default.
	ModelList  []string
	Timeout    time.Duration
	MaxRetries int
	// HTTPClient overrides the transport (tests).
	HTTPClient *http.Client
}

// OpenAIClient implements Client using the official OpenAI SDK.
type OpenAIClient struct {
	name   string
	models []string
	client openai.Client
}

// NewOpenAIClient creates a chat client for an OpenAI-compatible API.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = openAIDefaultTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAIClient{
		name:   strings.ToLower(cfg.Name),
		models: cfg.ModelList,
		client: openai.NewClient(opts...),
	}
}

// Name returns the provider identifier.
func (c *OpenAIClient) Name() string { return c.name }

// Models returns the configured model list.
func (c *OpenAIClient) Models() []string { return c.models }

// Generate runs one chat completion.
func (c *OpenAIClient) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResult, error) {
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

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: messages,
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		kind, msg := classifyOpenAIError(err)
		return failure(c.name, kind, msg, time.Since(start)), fmt.Errorf("%s generate: %w", c.name, err)
	}

	if len(resp.Choices) == 0 {
		err := fmt.Errorf("%s returned no choices", c.name)
		return failure(c.name, ErrKindProtocol, err.Error(), time.Since(start)), err
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		err := fmt.Errorf("%s returned empty content", c.name)
		return failure(c.name, ErrKindEmpty, err.Error(), time.Since(start)), err
	}

	return &GenerateResult{
		Success:       true,
		Content:       content,
		InputTokens:   int(resp.Usage.PromptTokens),
		OutputTokens:  int(resp.Usage.CompletionTokens),
		TotalTokens:   int(resp.Usage.TotalTokens),
		Provider:      c.name,
		ModelUsed:     resp.Model,
		ExecutionTime: time.Since(start),
	}, nil
}

// classifyOpenAIError maps SDK errors onto the failure kinds used for
// throttling.
func classifyOpenAIError(err error) (kind, msg string) {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500 {
			return ErrKindProvider, fmt.Sprintf("api error (status %d): %s", apiErr.StatusCode, apiErr.Message)
		}
		return ErrKindProtocol, fmt.Sprintf("api error (status %d): %s", apiErr.StatusCode, apiErr.Message)
	}
	return ErrKindTransport, err.Error()
}

var _ Client = (*OpenAIClient)(nil)
