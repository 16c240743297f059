package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/archmesh/archmesh/internal/application/port/output"
)

const (
	// DefaultOpenAIURL is the OpenAI API base
	DefaultOpenAIURL = "https://api.openai.com/v1"
	// DefaultOllamaURL is the OpenAI-compatible endpoint of a local Ollama
	DefaultOllamaURL = "http://localhost:11434/v1"

	DefaultOpenAIModel = "gpt-4o-mini"
	DefaultOllamaModel = "llama3.1"
)

// OpenAIGateway implements AgentGateway for any OpenAI-compatible
// chat completions API (OpenAI, Ollama, vLLM, LM Studio).
type OpenAIGateway struct {
	baseURL    string
	apiKey     string
	model      string
	agentType  string
	httpClient *http.Client
}

// NewOpenAIGateway creates a gateway for the OpenAI API
func NewOpenAIGateway(apiKey, baseURL, model string) *OpenAIGateway {
	if baseURL == "" {
		baseURL = DefaultOpenAIURL
	}
	if model == "" {
		model = DefaultOpenAIModel
	}
	return newOpenAICompatible("openai", apiKey, baseURL, model)
}

// NewOllamaGateway creates a gateway for Ollama's OpenAI-compatible endpoint
func NewOllamaGateway(baseURL, model string) *OpenAIGateway {
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	if model == "" {
		model = DefaultOllamaModel
	}
	return newOpenAICompatible("ollama", "", baseURL, model)
}

func newOpenAICompatible(agentType, apiKey, baseURL, model string) *OpenAIGateway {
	return &OpenAIGateway{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		apiKey:    apiKey,
		model:     model,
		agentType: agentType,
		httpClient: &http.Client{
			Timeout: 10 * time.Minute,
		},
	}
}

// Execute sends a chat completion with an optional system message
func (g *OpenAIGateway) Execute(ctx context.Context, req output.AgentRequest) (*output.AgentResponse, error) {
	start := time.Now()
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	messages := make([]chatMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	chatReq := chatRequest{
		Model:       g.model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	resp, err := g.post(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("%s API call failed: %w", g.agentType, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s API returned no choices", g.agentType)
	}

	model := resp.Model
	if model == "" {
		model = g.model
	}
	return &output.AgentResponse{
		Output:     resp.Choices[0].Message.Content,
		Duration:   time.Since(start),
		TokensUsed: resp.Usage.TotalTokens,
		AgentType:  g.agentType,
		Model:      model,
		Metadata: map[string]string{
			"finish_reason": resp.Choices[0].FinishReason,
		},
	}, nil
}

// GetCapability implements output.AgentGateway
func (g *OpenAIGateway) GetCapability() output.AgentCapability {
	capability := output.AgentCapability{
		SupportsJSONMode: true,
		MaxPromptSize:    400000,
		ConcurrentTasks:  4,
		AgentType:        g.agentType,
	}
	if g.agentType == "ollama" {
		// Local models serve one request at a time by default
		capability.ConcurrentTasks = 1
		capability.MaxPromptSize = 100000
	}
	return capability
}

// HealthCheck lists the models served by the endpoint
func (g *OpenAIGateway) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	g.authorize(req)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s unreachable: %w", g.agentType, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s health check: status %d", g.agentType, resp.StatusCode)
	}
	return nil
}

func (g *OpenAIGateway) authorize(req *http.Request) {
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}
}

func (g *OpenAIGateway) post(ctx context.Context, chatReq chatRequest) (*chatResponse, error) {
	body, err := json.Marshal(chatReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	g.authorize(httpReq)

	httpResp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var chatResp chatResponse
	decodeErr := json.Unmarshal(raw, &chatResp)
	if httpResp.StatusCode != http.StatusOK {
		if decodeErr == nil && chatResp.Error != nil && chatResp.Error.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", httpResp.StatusCode, chatResp.Error.Message)
		}
		return nil, fmt.Errorf("API error: status %d", httpResp.StatusCode)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode response: %w", decodeErr)
	}
	return &chatResp, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}
