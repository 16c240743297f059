package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/archmesh/archmesh/internal/application/port/output"
)

const (
	// DefaultAnthropicURL is the Messages API endpoint
	DefaultAnthropicURL = "https://api.anthropic.com/v1/messages"
	// DefaultAnthropicModel is used when no model is configured
	DefaultAnthropicModel = "claude-sonnet-4-5"

	anthropicVersion = "2023-06-01"
	defaultMaxTokens = 4096
)

// AnthropicGateway implements AgentGateway for the Anthropic Messages API
type AnthropicGateway struct {
	apiKey     string
	apiURL     string
	httpClient *http.Client
	model      string
}

// NewAnthropicGateway creates a new Anthropic gateway.
// Empty apiURL and model select the defaults.
func NewAnthropicGateway(apiKey, apiURL, model string) *AnthropicGateway {
	if apiURL == "" {
		apiURL = DefaultAnthropicURL
	}
	if model == "" {
		model = DefaultAnthropicModel
	}
	return &AnthropicGateway{
		apiKey: apiKey,
		apiURL: apiURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Minute,
		},
		model: model,
	}
}

// Execute sends the prompt as a single user message
func (g *AnthropicGateway) Execute(ctx context.Context, req output.AgentRequest) (*output.AgentResponse, error) {
	start := time.Now()
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	claudeReq := ClaudeRequest{
		Model:       g.model,
		MaxTokens:   maxTokens,
		System:      req.System,
		Temperature: req.Temperature,
		Messages: []Message{
			{
				Role:    "user",
				Content: req.Prompt,
			},
		},
	}

	resp, err := g.callAPI(ctx, claudeReq)
	if err != nil {
		return nil, fmt.Errorf("Anthropic API call failed: %w", err)
	}

	// Concatenate text blocks; tool and thinking blocks are ignored
	var text bytes.Buffer
	for _, block := range resp.Content {
		if block.Type == "" || block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	model := resp.Model
	if model == "" {
		model = g.model
	}
	return &output.AgentResponse{
		Output:     text.String(),
		Duration:   time.Since(start),
		TokensUsed: resp.Usage.InputTokens + resp.Usage.OutputTokens,
		AgentType:  "anthropic",
		Model:      model,
		Metadata: map[string]string{
			"stop_reason":   resp.StopReason,
			"input_tokens":  strconv.Itoa(resp.Usage.InputTokens),
			"output_tokens": strconv.Itoa(resp.Usage.OutputTokens),
		},
	}, nil
}

// GetCapability returns the capabilities of the Messages API
func (g *AnthropicGateway) GetCapability() output.AgentCapability {
	return output.AgentCapability{
		SupportsJSONMode: false,
		MaxPromptSize:    800000,
		ConcurrentTasks:  2,
		AgentType:        "anthropic",
	}
}

// HealthCheck sends a minimal request
func (g *AnthropicGateway) HealthCheck(ctx context.Context) error {
	req := ClaudeRequest{
		Model:     g.model,
		MaxTokens: 10,
		Messages: []Message{
			{Role: "user", Content: "ping"},
		},
	}

	_, err := g.callAPI(ctx, req)
	return err
}

func (g *AnthropicGateway) callAPI(ctx context.Context, req ClaudeRequest) (*ClaudeResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", g.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	httpResp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var claudeResp ClaudeResponse
	if err := json.Unmarshal(raw, &claudeResp); err != nil {
		if httpResp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("API error: status %d", httpResp.StatusCode)
		}
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		if claudeResp.Error.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s - %s", httpResp.StatusCode, claudeResp.Error.Type, claudeResp.Error.Message)
		}
		return nil, fmt.Errorf("API error: status %d", httpResp.StatusCode)
	}

	return &claudeResp, nil
}

// Messages API request/response types
type ClaudeRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ClaudeResponse struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Role       string          `json:"role"`
	Content    []ContentBlock  `json:"content"`
	Model      string          `json:"model"`
	StopReason string          `json:"stop_reason"`
	Usage      Usage           `json:"usage"`
	Error      ClaudeErrorResp `json:"error,omitempty"`
}

type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type ClaudeErrorResp struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
