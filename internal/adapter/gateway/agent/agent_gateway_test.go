package agent_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/archmesh/archmesh/internal/adapter/gateway/agent"
	"github.com/archmesh/archmesh/internal/application/port/output"
)

func TestAnthropicGateway_Execute(t *testing.T) {
	var got agent.ClaudeRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("x-api-key = %q, want test-key", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("anthropic-version") == "" {
			t.Error("anthropic-version header missing")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-test",
			"content": [{"type": "text", "text": "{\"summary\":"}, {"type": "text", "text": " \"ok\"}"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 12, "output_tokens": 8}
		}`))
	}))
	defer server.Close()

	gateway := agent.NewAnthropicGateway("test-key", server.URL, "claude-test")
	resp, err := gateway.Execute(context.Background(), output.AgentRequest{
		System:    "be brief",
		Prompt:    "analyse this",
		MaxTokens: 100,
		Timeout:   time.Second,
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if got.System != "be brief" {
		t.Errorf("System = %q, want be brief", got.System)
	}
	if len(got.Messages) != 1 || got.Messages[0].Content != "analyse this" {
		t.Errorf("Messages = %+v", got.Messages)
	}
	if got.MaxTokens != 100 {
		t.Errorf("MaxTokens = %d, want 100", got.MaxTokens)
	}
	if resp.Output != `{"summary": "ok"}` {
		t.Errorf("Output = %q", resp.Output)
	}
	if resp.TokensUsed != 20 {
		t.Errorf("TokensUsed = %d, want 20", resp.TokensUsed)
	}
	if resp.AgentType != "anthropic" || resp.Model != "claude-test" {
		t.Errorf("AgentType/Model = %s/%s", resp.AgentType, resp.Model)
	}
}

func TestAnthropicGateway_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"type": "error", "error": {"type": "rate_limit_error", "message": "slow down"}}`))
	}))
	defer server.Close()

	gateway := agent.NewAnthropicGateway("k", server.URL, "")
	_, err := gateway.Execute(context.Background(), output.AgentRequest{Prompt: "x"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "429") || !strings.Contains(err.Error(), "slow down") {
		t.Errorf("error = %v", err)
	}
}

func TestOpenAIGateway_Execute(t *testing.T) {
	var got map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{
			"model": "gpt-test",
			"choices": [{"message": {"role": "assistant", "content": "hello"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 3, "completion_tokens": 2, "total_tokens": 5}
		}`))
	}))
	defer server.Close()

	// Trailing slash is trimmed
	gateway := agent.NewOpenAIGateway("sk-test", server.URL+"/v1/", "gpt-test")
	resp, err := gateway.Execute(context.Background(), output.AgentRequest{System: "sys", Prompt: "hi"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	messages, _ := got["messages"].([]interface{})
	if len(messages) != 2 {
		t.Fatalf("messages = %v, want system and user", got["messages"])
	}
	if role := messages[0].(map[string]interface{})["role"]; role != "system" {
		t.Errorf("first role = %v, want system", role)
	}
	if resp.Output != "hello" || resp.TokensUsed != 5 {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Metadata["finish_reason"] != "stop" {
		t.Errorf("finish_reason = %q", resp.Metadata["finish_reason"])
	}
}

func TestOpenAIGateway_NoChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices": []}`))
	}))
	defer server.Close()

	gateway := agent.NewOllamaGateway(server.URL, "")
	if _, err := gateway.Execute(context.Background(), output.AgentRequest{Prompt: "hi"}); err == nil {
		t.Fatal("expected error for empty choices")
	}
}

func TestOllamaGateway_HealthCheck(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "" {
			t.Error("ollama must not send an Authorization header")
		}
		_, _ = w.Write([]byte(`{"data": []}`))
	}))
	defer server.Close()

	gateway := agent.NewOllamaGateway(server.URL, "")
	if err := gateway.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
	if c := gateway.GetCapability(); c.AgentType != "ollama" || c.ConcurrentTasks != 1 {
		t.Errorf("capability = %+v", c)
	}

	server.Close()
	if err := gateway.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() should fail once the server is gone")
	}
}

func TestMockGateway(t *testing.T) {
	gateway := agent.NewMockGateway(0)

	for _, stage := range []string{"document_analysis", "architecture_design"} {
		resp, err := gateway.Execute(context.Background(), output.AgentRequest{
			Prompt:  "anything",
			Context: map[string]string{"stage": stage},
		})
		if err != nil {
			t.Fatalf("Execute(%s) error = %v", stage, err)
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal([]byte(resp.Output), &fields); err != nil {
			t.Fatalf("%s reply is not JSON: %v", stage, err)
		}
		if _, ok := fields["summary"]; !ok {
			t.Errorf("%s reply has no summary", stage)
		}
	}

	if _, err := gateway.Execute(context.Background(), output.AgentRequest{Context: map[string]string{"stage": "completed"}}); err == nil {
		t.Error("expected error for a stage without a canned reply")
	}
	if gateway.Calls() != 3 {
		t.Errorf("Calls() = %d, want 3", gateway.Calls())
	}
}

func TestMockGateway_HonoursCancellation(t *testing.T) {
	gateway := agent.NewMockGateway(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := gateway.Execute(ctx, output.AgentRequest{Context: map[string]string{"stage": "document_analysis"}}); err != context.Canceled {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestNewAgentGateway(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")

	tests := []struct {
		cfg      agent.Config
		wantType string
		wantErr  bool
	}{
		{cfg: agent.Config{Type: "mock"}, wantType: "mock"},
		{cfg: agent.Config{}, wantType: "mock"},
		{cfg: agent.Config{Type: "ollama"}, wantType: "ollama"},
		{cfg: agent.Config{Type: "anthropic", APIKey: "k"}, wantType: "anthropic"},
		{cfg: agent.Config{Type: "openai", APIKey: "k"}, wantType: "openai"},
		{cfg: agent.Config{Type: "anthropic"}, wantErr: true},
		{cfg: agent.Config{Type: "openai"}, wantErr: true},
		{cfg: agent.Config{Type: "gemini"}, wantErr: true},
	}

	for _, tt := range tests {
		gateway, err := agent.NewAgentGateway(tt.cfg)
		if tt.wantErr {
			if err == nil {
				t.Errorf("NewAgentGateway(%+v) should fail", tt.cfg)
			}
			continue
		}
		if err != nil {
			t.Errorf("NewAgentGateway(%+v) error = %v", tt.cfg, err)
			continue
		}
		if got := gateway.GetCapability().AgentType; got != tt.wantType {
			t.Errorf("AgentType = %s, want %s", got, tt.wantType)
		}
	}
}

func TestGetDefaultAgent(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	if got := agent.GetDefaultAgent(); got != "mock" {
		t.Errorf("GetDefaultAgent() = %s, want mock", got)
	}
	t.Setenv("ANTHROPIC_API_KEY", "k")
	if got := agent.GetDefaultAgent(); got != "anthropic" {
		t.Errorf("GetDefaultAgent() = %s, want anthropic", got)
	}
}
