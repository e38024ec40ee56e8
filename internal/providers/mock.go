package providers

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

const MockClientName = "mock"

// MockClient is a Client for testing.
type MockClient struct {
	// Configurable behavior
	ClientName   string
	Latency      time.Duration
	ShouldFail   bool
	FailAfter    int // Fail after N requests (0 = never)
	ResponseText string
	ModelList    []string

	// State
	requestCount atomic.Int64
}

// NewMockClient creates a mock client with sensible defaults.
func NewMockClient() *MockClient {
	return &MockClient{
		ClientName:   MockClientName,
		ResponseText: `{"entities": []}`,
		ModelList:    []string{"mock-model"},
	}
}

// Name returns the client identifier.
func (c *MockClient) Name() string {
	if c.ClientName == "" {
		return MockClientName
	}
	return c.ClientName
}

// Models returns the configured model list.
func (c *MockClient) Models() []string { return c.ModelList }

// RequestCount returns how many Generate calls were made.
func (c *MockClient) RequestCount() int64 { return c.requestCount.Load() }

// Generate returns the configured response or failure.
func (c *MockClient) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResult, error) {
	start := time.Now()
	count := c.requestCount.Add(1)

	if c.Latency > 0 {
		select {
		case <-ctx.Done():
			err := ctx.Err()
			return failure(c.Name(), ErrKindTransport, err.Error(), time.Since(start)), err
		case <-time.After(c.Latency):
		}
	}

	if c.ShouldFail || (c.FailAfter > 0 && count > int64(c.FailAfter)) {
		err := fmt.Errorf("mock failure on request %d", count)
		return failure(c.Name(), ErrKindProvider, err.Error(), time.Since(start)), err
	}

	model := req.Model
	if model == "" && len(c.ModelList) > 0 {
		model = c.ModelList[0]
	}
	return &GenerateResult{
		Success:       true,
		Content:       c.ResponseText,
		InputTokens:   len(req.Prompt) / 4,
		OutputTokens:  len(c.ResponseText) / 4,
		TotalTokens:   (len(req.Prompt) + len(c.ResponseText)) / 4,
		Provider:      c.Name(),
		ModelUsed:     model,
		ExecutionTime: time.Since(start),
	}, nil
}

// Verify interface
var _ Client = (*MockClient)(nil)
