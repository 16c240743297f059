package output

import (
	"context"
	"time"
)

// AgentGateway is the interface for LLM execution.
// This abstraction allows different backends (Anthropic, Ollama, OpenAI-compatible, mock)
type AgentGateway interface {
	// Execute runs the model with given request
	Execute(ctx context.Context, req AgentRequest) (*AgentResponse, error)

	// GetCapability returns the agent's capabilities
	GetCapability() AgentCapability

	// HealthCheck verifies if the agent is available
	HealthCheck(ctx context.Context) error
}

// AgentRequest represents a request to an LLM
type AgentRequest struct {
	System      string            // System prompt (optional)
	Prompt      string            // The user prompt
	Timeout     time.Duration     // Execution timeout
	Context     map[string]string // Additional context information, e.g. stage and session
	MaxTokens   int               // Maximum tokens to generate (if applicable)
	Temperature float64           // Temperature for generation (0.0-1.0)
}

// AgentResponse represents the response from an LLM
type AgentResponse struct {
	Output     string            // Generated output
	Duration   time.Duration     // Execution duration
	TokensUsed int               // Number of tokens used (if applicable)
	AgentType  string            // Type of agent that executed (anthropic/ollama/openai/mock)
	Model      string            // Model that produced the output
	Metadata   map[string]string // Additional metadata
}

// AgentCapability describes what an agent can do
type AgentCapability struct {
	SupportsJSONMode bool   // Can be forced to answer with a JSON object
	MaxPromptSize    int    // Maximum prompt size in bytes
	ConcurrentTasks  int    // Number of concurrent calls supported
	AgentType        string // Agent type identifier
}
