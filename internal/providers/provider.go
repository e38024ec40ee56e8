// Package providers abstracts the LLM backends that run extraction
// prompts. A provider is the capability to generate text for a prompt plus
// static metadata (name, model list, rate limit interval). Implementations
// are interchangeable; workers select one by the provider name carried in
// the queue entry, never by concrete type.
package providers

import (
	"context"
	"time"
)

// RulesName is the synthetic provider for deterministic regex extraction.
// It has no client, no credentials and no rate limit; the worker handles
// it without going through Generate.
const RulesName = "rules"

// Error kinds carried in GenerateResult, matching how failures are
// counted: transport never reached the API, protocol got an unusable
// payload, empty got a well-formed payload with no content, provider is an
// explicit upstream error.
const (
	ErrKindTransport = "transport"
	ErrKindProtocol  = "protocol"
	ErrKindEmpty     = "empty"
	ErrKindProvider  = "provider_error"
)

// Client is the generation interface every LLM backend implements.
type Client interface {
	// Generate runs one prompt to completion.
	Generate(ctx context.Context, req *GenerateRequest) (*GenerateResult, error)

	// Name returns the lowercase provider identifier.
	Name() string

	// Models returns the models this provider is configured to serve.
	Models() []string
}

// GenerateRequest is one prompt execution.
type GenerateRequest struct {
	Prompt string
	// System is an optional system message prepended to the prompt.
	System string
	// Model overrides the client default when set.
	Model       string
	Temperature float64
	MaxTokens   int
	// Timeout bounds the call; zero uses the client default.
	Timeout time.Duration
}

// GenerateResult is the outcome of one prompt execution. Err is returned
// alongside so callers can branch on Success and still log the cause.
type GenerateResult struct {
	Success bool
	Content string

	InputTokens  int
	OutputTokens int
	TotalTokens  int

	Provider      string
	ModelUsed     string
	ExecutionTime time.Duration

	ErrorKind    string
	ErrorMessage string
}

func failure(provider, kind, msg string, took time.Duration) *GenerateResult {
	return &GenerateResult{
		Provider:      provider,
		ErrorKind:     kind,
		ErrorMessage:  msg,
		ExecutionTime: took,
	}
}
