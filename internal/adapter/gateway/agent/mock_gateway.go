package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/archmesh/archmesh/internal/application/port/output"
)

// Canned replies keyed by the "stage" entry of the request context
var mockReplies = map[string]string{
	"document_analysis": `{
  "summary": "Mock analysis of the submitted document.",
  "functional_requirements": [{"id": "FR-1", "description": "Users can place orders", "priority": "high"}],
  "non_functional_requirements": [{"category": "performance", "description": "p95 latency under 300ms"}],
  "constraints": [],
  "open_questions": ["Which payment providers are in scope?"]
}`,
	"architecture_design": `{
  "summary": "Mock design: a modular monolith behind an HTTP API.",
  "components": [{"name": "api", "responsibility": "HTTP surface", "technology": "Go"}],
  "data_flows": [{"from": "api", "to": "db", "description": "order writes"}],
  "technology_choices": [{"area": "storage", "choice": "PostgreSQL", "rationale": "relational data"}],
  "risks": ["Mock output, not a real design"]
}`,
}

// MockGateway returns deterministic replies without calling a model.
// It is used for local runs and demos.
type MockGateway struct {
	delay time.Duration

	mu    sync.Mutex
	calls int
}

// NewMockGateway creates a mock gateway that answers after delay
func NewMockGateway(delay time.Duration) *MockGateway {
	return &MockGateway{delay: delay}
}

// Execute implements output.AgentGateway
func (g *MockGateway) Execute(ctx context.Context, req output.AgentRequest) (*output.AgentResponse, error) {
	start := time.Now()
	if g.delay > 0 {
		select {
		case <-time.After(g.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	g.mu.Lock()
	g.calls++
	g.mu.Unlock()

	stage := req.Context["stage"]
	reply, ok := mockReplies[stage]
	if !ok {
		return nil, fmt.Errorf("mock agent has no reply for stage %q", stage)
	}

	return &output.AgentResponse{
		Output:     reply,
		Duration:   time.Since(start),
		TokensUsed: len(req.Prompt)/4 + len(reply)/4,
		AgentType:  "mock",
		Model:      "mock",
		Metadata:   map[string]string{"stage": stage},
	}, nil
}

// Calls returns the number of answered requests
func (g *MockGateway) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// GetCapability implements output.AgentGateway
func (g *MockGateway) GetCapability() output.AgentCapability {
	return output.AgentCapability{
		SupportsJSONMode: true,
		MaxPromptSize:    1000000,
		ConcurrentTasks:  8,
		AgentType:        "mock",
	}
}

// HealthCheck always succeeds
func (g *MockGateway) HealthCheck(ctx context.Context) error {
	return nil
}
