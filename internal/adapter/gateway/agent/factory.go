package agent

import (
	"fmt"
	"os"
	"time"

	"github.com/archmesh/archmesh/internal/application/port/output"
)

// Config selects and configures an agent backend
type Config struct {
	Type    string // anthropic, openai, ollama, mock
	Model   string
	BaseURL string
	APIKey  string // falls back to ANTHROPIC_API_KEY / OPENAI_API_KEY
	Timeout time.Duration
}

// NewAgentGateway creates an agent gateway based on the configured type
func NewAgentGateway(cfg Config) (output.AgentGateway, error) {
	switch cfg.Type {
	case "anthropic":
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY environment variable not set for anthropic")
		}
		g := NewAnthropicGateway(apiKey, cfg.BaseURL, cfg.Model)
		if cfg.Timeout > 0 {
			g.httpClient.Timeout = cfg.Timeout
		}
		return g, nil

	case "openai":
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set for openai")
		}
		g := NewOpenAIGateway(apiKey, cfg.BaseURL, cfg.Model)
		if cfg.Timeout > 0 {
			g.httpClient.Timeout = cfg.Timeout
		}
		return g, nil

	case "ollama":
		g := NewOllamaGateway(cfg.BaseURL, cfg.Model)
		if cfg.Timeout > 0 {
			g.httpClient.Timeout = cfg.Timeout
		}
		return g, nil

	case "mock", "":
		return NewMockGateway(0), nil

	default:
		return nil, fmt.Errorf("unknown agent type: %s (supported: %v)", cfg.Type, SupportedAgents())
	}
}

// SupportedAgents returns the agent types NewAgentGateway accepts
func SupportedAgents() []string {
	return []string{"anthropic", "openai", "ollama", "mock"}
}

// GetDefaultAgent returns the default agent type to use
func GetDefaultAgent() string {
	if os.Getenv("ANTHROPIC_API_KEY") != "" {
		return "anthropic"
	}
	return "mock"
}
