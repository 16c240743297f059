package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archmesh/archmesh/internal/application/port/output"
	"github.com/archmesh/archmesh/internal/application/service"
	wf "github.com/archmesh/archmesh/internal/domain/workflow"
)

const analysisReply = "Here is the analysis:\n```json\n" + `{
  "summary": "An online bookshop.",
  "functional_requirements": [{"id": "FR-1", "description": "Customers order books", "priority": "high"}],
  "non_functional_requirements": [],
  "constraints": ["EU hosting"],
  "open_questions": []
}` + "\n```\nLet me know if you need more."

const designReply = `{"summary": "Three services behind a gateway.", "components": [{"name": "orders"}],
"data_flows": [], "technology_choices": [], "risks": ["vendor lock-in"]}`

func scriptedAgent() *fakeAgent {
	return &fakeAgent{reply: func(req output.AgentRequest) (string, error) {
		switch wf.Stage(req.Context["stage"]) {
		case wf.StageDocumentAnalysis:
			return analysisReply, nil
		case wf.StageArchitectureDesign:
			return designReply, nil
		}
		return "", errors.New("unexpected stage")
	}}
}

func newAgentHarness(t *testing.T, agent *fakeAgent) *harness {
	t.Helper()
	prompts, err := DefaultPrompts()
	require.NoError(t, err)

	storage := newFakeStorage()
	reg, err := NewRoutines(agent, storage, service.NewAgentPool(), prompts)
	require.NoError(t, err)

	all := map[wf.Stage]Routine{}
	for _, st := range wf.ExecutableStages() {
		r, ok := reg.Lookup(st)
		require.True(t, ok)
		all[st] = r
	}
	return newHarnessWith(t, storage, all, DefaultOptions())
}

func TestRoutines_FullPipeline(t *testing.T) {
	agent := scriptedAgent()
	h := newAgentHarness(t, agent)
	ctx := context.Background()

	s := h.start(t, "shop")
	require.Equal(t, wf.StageRequirementsReview, s.CurrentStage, "errors: %v", s.StateData.Errors)

	analysis := s.StateData.StageResults[wf.StageDocumentAnalysis]
	assert.Equal(t, "An online bookshop.", analysis.Summary)
	assert.JSONEq(t, `{"summary":"An online bookshop.","functional_requirements":[{"id":"FR-1","description":"Customers order books","priority":"high"}],"non_functional_requirements":[],"constraints":["EU hosting"],"open_questions":[]}`, string(analysis.Data))

	art, err := h.storage.LoadArtifact(ctx, analysis.ArtifactID)
	require.NoError(t, err)
	assert.Equal(t, output.ArtifactTypeRequirements, art.Metadata.Type)
	assert.Equal(t, "document_analysis.json", art.Metadata.Name)
	assert.Contains(t, agent.lastPrompt(), "Customers can order books.")

	s, err = h.ctrl.SubmitFeedback(ctx, s.ID, wf.Feedback{
		Decision:    wf.DecisionApproved,
		Constraints: []string{"Must run on Kubernetes"},
		Preferences: map[string]string{"language": "Go"},
	})
	require.NoError(t, err)
	require.Equal(t, wf.StageArchitectureReview, s.CurrentStage, "errors: %v", s.StateData.Errors)

	prompt := agent.lastPrompt()
	assert.Contains(t, prompt, "Must run on Kubernetes")
	assert.Contains(t, prompt, "- language: Go")
	assert.Contains(t, prompt, "Customers order books", "requirements are passed to the design stage")
	assert.Equal(t, "Three services behind a gateway.", s.StateData.StageResults[wf.StageArchitectureDesign].Summary)
}

func TestRoutines_RejectionFeedbackReachesPrompt(t *testing.T) {
	agent := scriptedAgent()
	h := newAgentHarness(t, agent)
	ctx := context.Background()

	s := h.start(t, "shop")
	_, err := h.ctrl.SubmitFeedback(ctx, s.ID, wf.Feedback{
		Decision: wf.DecisionRejected,
		Comments: "Cover the returns process",
	})
	require.NoError(t, err)

	assert.Contains(t, agent.lastPrompt(), "Cover the returns process")
	assert.Equal(t, wf.StageRequirementsReview, h.get(t, s.ID).CurrentStage)
}

func TestRoutines_MissingKeysFailStage(t *testing.T) {
	agent := &fakeAgent{reply: func(req output.AgentRequest) (string, error) {
		return `{"summary": "partial", "constraints": null}`, nil
	}}
	h := newAgentHarness(t, agent)

	s := h.start(t, "shop")

	assert.Equal(t, wf.StageFailed, s.CurrentStage)
	require.Len(t, s.StateData.Errors, 1)
	assert.Equal(t, "invalid document_analysis reply: missing keys constraints, functional_requirements, non_functional_requirements, open_questions",
		s.StateData.Errors[0].Message)
}

func TestRoutines_AgentErrorFailsStage(t *testing.T) {
	agent := &fakeAgent{reply: func(req output.AgentRequest) (string, error) {
		return "", errors.New("rate limited")
	}}
	h := newAgentHarness(t, agent)

	s := h.start(t, "shop")

	assert.Equal(t, wf.StageFailed, s.CurrentStage)
	require.Len(t, s.StateData.Errors, 1)
	assert.Equal(t, "fake agent call: rate limited", s.StateData.Errors[0].Message)
}

func TestIntakeRoutine(t *testing.T) {
	ctx := context.Background()

	run := func(t *testing.T, name, contentType, content string) (wf.StageOutput, *fakeStorage, error) {
		storage := newFakeStorage()
		meta, err := storage.SaveArtifact(ctx, output.SaveArtifactRequest{
			ProjectID:   "shop",
			Name:        name,
			ContentType: contentType,
			Content:     []byte(content),
		})
		require.NoError(t, err)

		s, err := wf.NewSession("shop", meta.ID, time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
		require.NoError(t, err)
		out, err := NewIntakeRoutine(storage).Run(ctx, StageInput{Session: s})
		return out, storage, err
	}

	t.Run("markdown", func(t *testing.T) {
		out, storage, err := run(t, "req.md", "text/markdown", "# Shop\r\nCustomers can order books.\r\n")
		require.NoError(t, err)

		art, err := storage.LoadArtifact(ctx, out.ArtifactID)
		require.NoError(t, err)
		assert.Equal(t, "# Shop\nCustomers can order books.", string(art.Content))

		var data intakeData
		require.NoError(t, json.Unmarshal(out.Data, &data))
		assert.Equal(t, intakeData{SourceFormat: "text", Characters: 33, Words: 6, Lines: 2}, data)
		assert.Equal(t, "Document accepted (text, 6 words)", out.Summary)
	})

	t.Run("html", func(t *testing.T) {
		page := `<!DOCTYPE html><html><head><title>Bookshop</title></head>
<body><h1>Bookshop</h1><ul><li>Order books</li><li>Track orders</li></ul></body></html>`
		out, storage, err := run(t, "req.html", "", page)
		require.NoError(t, err)

		art, err := storage.LoadArtifact(ctx, out.ArtifactID)
		require.NoError(t, err)
		text := string(art.Content)
		assert.Contains(t, text, "# Bookshop")
		assert.Contains(t, text, "Order books")
		assert.NotContains(t, text, "<li>")

		var data intakeData
		require.NoError(t, json.Unmarshal(out.Data, &data))
		assert.Equal(t, "html", data.SourceFormat)
		assert.Equal(t, "Bookshop", data.Title)
	})

	t.Run("fullwidth text is normalised", func(t *testing.T) {
		out, storage, err := run(t, "req.txt", "text/plain", "ＡＰＩ gateway")
		require.NoError(t, err)
		art, err := storage.LoadArtifact(ctx, out.ArtifactID)
		require.NoError(t, err)
		assert.Equal(t, "API gateway", string(art.Content))
	})

	t.Run("blank", func(t *testing.T) {
		_, _, err := run(t, "req.md", "", " \n\t ")
		assert.EqualError(t, err, "document is empty")
	})

	t.Run("binary", func(t *testing.T) {
		_, _, err := run(t, "req.bin", "", "\xff\xfe\x00")
		assert.Error(t, err)
	})
}

func TestIsHTML(t *testing.T) {
	assert.True(t, isHTML("text/html; charset=utf-8", "", nil))
	assert.True(t, isHTML("", "index.HTM", nil))
	assert.True(t, isHTML("", "upload", []byte("  <!DOCTYPE html><p>x</p>")))
	assert.False(t, isHTML("text/markdown", "req.md", []byte("# <html> in a heading")))
}

func TestReviewerInput(t *testing.T) {
	constraints, prefs := reviewerInput([]wf.FeedbackRecord{
		{Constraints: []string{"EU hosting", "Go"}, Preferences: map[string]string{"db": "postgres"}},
		{Constraints: []string{"Go", "No vendor lock-in"}, Preferences: map[string]string{"db": "sqlite", "ui": "web"}},
	})
	assert.Equal(t, []string{"EU hosting", "Go", "No vendor lock-in"}, constraints)
	assert.Equal(t, map[string]string{"db": "sqlite", "ui": "web"}, prefs)

	constraints, prefs = reviewerInput(nil)
	assert.Empty(t, constraints)
	assert.Nil(t, prefs)
}

func TestNewAgentRoutine_RejectsStagesWithoutPrompt(t *testing.T) {
	prompts, err := DefaultPrompts()
	require.NoError(t, err)

	_, err = NewAgentRoutine(wf.StageStarting, prompts, scriptedAgent(), newFakeStorage(), nil)
	assert.Error(t, err)
	_, err = NewAgentRoutine(wf.StageDocumentAnalysis, prompts, scriptedAgent(), newFakeStorage(), nil)
	assert.NoError(t, err)
}

func TestExtractJSONObject(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		want    string
		wantErr bool
	}{
		{name: "bare", reply: `{"a": 1}`, want: `{"a":1}`},
		{name: "fenced", reply: "```json\n{\"a\": {\"b\": [1, 2]}}\n```", want: `{"a":{"b":[1,2]}}`},
		{name: "chatter after", reply: `Sure! {"a": "}"} hope this helps {"b": 2}`, want: `{"a":"}"}`},
		{name: "no object", reply: "I cannot do that", wantErr: true},
		{name: "truncated", reply: `{"a": [1, 2`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, fields, err := extractJSONObject(tt.reply)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(raw))
			assert.NotEmpty(t, fields)
		})
	}
}

func TestSummaryOf(t *testing.T) {
	_, fields, err := extractJSONObject(`{"summary": "  Short  ", "n": 1}`)
	require.NoError(t, err)
	assert.Equal(t, "Short", summaryOf(fields, "fallback"))

	_, fields, err = extractJSONObject(`{"summary": 42}`)
	require.NoError(t, err)
	assert.Equal(t, "fallback", summaryOf(fields, "fallback"))
}

func TestPrompts(t *testing.T) {
	prompts, err := DefaultPrompts()
	require.NoError(t, err)

	p, ok := prompts.Get(wf.StageArchitectureDesign)
	require.True(t, ok)
	assert.Equal(t, "architecture", p.ArtifactType)
	assert.Contains(t, p.RequiredKeys, "components")

	text, err := p.Render(PromptData{ProjectID: "shop", Requirements: "FR-1"})
	require.NoError(t, err)
	assert.Contains(t, text, "Project: shop")
	assert.NotContains(t, text, "rejected")

	_, ok = prompts.Get(wf.StageStarting)
	assert.False(t, ok)
}

func TestParsePrompts_Invalid(t *testing.T) {
	tests := map[string]string{
		"unknown stage":  "prompts:\n  summarising:\n    template: x\n",
		"gate stage":     "prompts:\n  requirements_review:\n    template: x\n",
		"empty template": "prompts:\n  document_analysis:\n    template: ''\n  architecture_design:\n    template: y\n",
		"missing stage":  "prompts:\n  document_analysis:\n    template: x\n",
		"bad template":   "prompts:\n  document_analysis:\n    template: '{{.Document'\n  architecture_design:\n    template: y\n",
		"not yaml":       "prompts: [",
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePrompts([]byte(data))
			assert.Error(t, err)
		})
	}
}

func TestPromptRender_UnknownField(t *testing.T) {
	catalog, err := ParsePrompts([]byte(strings.Join([]string{
		"prompts:",
		"  document_analysis:",
		"    template: '{{.Nope}}'",
		"  architecture_design:",
		"    template: ok",
	}, "\n")))
	require.NoError(t, err)

	p, _ := catalog.Get(wf.StageDocumentAnalysis)
	_, err = p.Render(PromptData{})
	assert.Error(t, err)

	p, _ = catalog.Get(wf.StageArchitectureDesign)
	assert.Equal(t, "log", p.ArtifactType)
}
