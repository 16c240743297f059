package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"golang.org/x/net/html"
	"golang.org/x/text/unicode/norm"

	"github.com/archmesh/archmesh/internal/application/port/output"
	"github.com/archmesh/archmesh/internal/application/service"
	wf "github.com/archmesh/archmesh/internal/domain/workflow"
)

// NewRoutines builds the registry of the production routines
func NewRoutines(agent output.AgentGateway, storage output.StorageGateway, pool *service.AgentPool, prompts *PromptCatalog) (*Registry, error) {
	analysis, err := NewAgentRoutine(wf.StageDocumentAnalysis, prompts, agent, storage, pool)
	if err != nil {
		return nil, err
	}
	design, err := NewAgentRoutine(wf.StageArchitectureDesign, prompts, agent, storage, pool)
	if err != nil {
		return nil, err
	}

	return NewRegistry(map[wf.Stage]Routine{
		wf.StageStarting:           NewIntakeRoutine(storage),
		wf.StageDocumentAnalysis:   analysis,
		wf.StageArchitectureDesign: design,
	})
}

// IntakeRoutine prepares the submitted document for analysis.
// HTML is converted to Markdown, text is NFKC-normalised and empty documents are rejected.
type IntakeRoutine struct {
	storage   output.StorageGateway
	converter *md.Converter
}

// NewIntakeRoutine creates the routine of the starting stage
func NewIntakeRoutine(storage output.StorageGateway) *IntakeRoutine {
	converter := md.NewConverter("", true, nil)
	converter.Use(plugin.GitHubFlavored())

	return &IntakeRoutine{
		storage:   storage,
		converter: converter,
	}
}

type intakeData struct {
	Title        string `json:"title,omitempty"`
	SourceFormat string `json:"source_format"`
	Characters   int    `json:"characters"`
	Words        int    `json:"words"`
	Lines        int    `json:"lines"`
}

// Run implements Routine
func (r *IntakeRoutine) Run(ctx context.Context, in StageInput) (wf.StageOutput, error) {
	s := in.Session
	doc, err := r.storage.LoadArtifact(ctx, s.DocumentID)
	if err != nil {
		return wf.StageOutput{}, fmt.Errorf("load document %s: %w", s.DocumentID, err)
	}
	if !utf8.Valid(doc.Content) {
		return wf.StageOutput{}, fmt.Errorf("document is not valid UTF-8 text")
	}

	data := intakeData{SourceFormat: "text"}
	text := string(doc.Content)
	if isHTML(doc.Metadata.ContentType, doc.Metadata.Name, doc.Content) {
		data.SourceFormat = "html"
		data.Title = htmlTitle(doc.Content)
		if text, err = r.converter.ConvertString(text); err != nil {
			return wf.StageOutput{}, fmt.Errorf("convert HTML document: %w", err)
		}
	}

	text = strings.TrimSpace(norm.NFKC.String(strings.ReplaceAll(text, "\r\n", "\n")))
	if text == "" {
		return wf.StageOutput{}, fmt.Errorf("document is empty")
	}
	in.ReportProgress(0.5)

	data.Characters = utf8.RuneCountInString(text)
	data.Words = len(strings.Fields(text))
	data.Lines = strings.Count(text, "\n") + 1

	meta, err := r.storage.SaveArtifact(ctx, output.SaveArtifactRequest{
		ProjectID:    s.ProjectID,
		SessionID:    s.ID,
		ArtifactType: output.ArtifactTypeDocument,
		Name:         "document.md",
		Content:      []byte(text),
		ContentType:  "text/markdown",
		Metadata:     map[string]string{"source_artifact": s.DocumentID},
	})
	if err != nil {
		return wf.StageOutput{}, fmt.Errorf("store normalised document: %w", err)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return wf.StageOutput{}, err
	}
	return wf.StageOutput{
		Summary:    fmt.Sprintf("Document accepted (%s, %d words)", data.SourceFormat, data.Words),
		ArtifactID: meta.ID,
		Data:       raw,
	}, nil
}

func isHTML(contentType, name string, content []byte) bool {
	if strings.HasPrefix(strings.ToLower(contentType), "text/html") {
		return true
	}
	switch strings.ToLower(path.Ext(name)) {
	case ".html", ".htm":
		return true
	}
	head := strings.ToLower(strings.TrimSpace(string(content[:min(len(content), 256)])))
	return strings.HasPrefix(head, "<!doctype html") || strings.HasPrefix(head, "<html")
}

func htmlTitle(content []byte) string {
	doc, err := html.Parse(bytes.NewReader(content))
	if err != nil {
		return ""
	}

	var title string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if title != "" {
			return
		}
		if n.Type == html.ElementNode && n.Data == "title" && n.FirstChild != nil {
			title = strings.TrimSpace(n.FirstChild.Data)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return title
}

// AgentRoutine renders a stage prompt, calls the LLM and validates its JSON reply
type AgentRoutine struct {
	stage   wf.Stage
	prompt  *Prompt
	agent   output.AgentGateway
	storage output.StorageGateway
	pool    *service.AgentPool
}

// NewAgentRoutine creates the routine of an LLM-backed stage
func NewAgentRoutine(stage wf.Stage, prompts *PromptCatalog, agent output.AgentGateway, storage output.StorageGateway, pool *service.AgentPool) (*AgentRoutine, error) {
	prompt, ok := prompts.Get(stage)
	if !ok {
		return nil, fmt.Errorf("no prompt for stage %s", stage)
	}
	if _, ok := stage.Next(); !ok {
		return nil, fmt.Errorf("stage %s has no review gate", stage)
	}

	return &AgentRoutine{
		stage:   stage,
		prompt:  prompt,
		agent:   agent,
		storage: storage,
		pool:    pool,
	}, nil
}

// Run implements Routine
func (r *AgentRoutine) Run(ctx context.Context, in StageInput) (wf.StageOutput, error) {
	s := in.Session

	data, err := r.promptData(ctx, s)
	if err != nil {
		return wf.StageOutput{}, err
	}
	prompt, err := r.prompt.Render(data)
	if err != nil {
		return wf.StageOutput{}, err
	}
	in.ReportProgress(0.1)

	agentType := r.agent.GetCapability().AgentType
	if r.pool != nil {
		if err := r.pool.Acquire(ctx, agentType); err != nil {
			return wf.StageOutput{}, err
		}
		defer r.pool.Release(agentType)
	}

	req := output.AgentRequest{
		System:      r.prompt.System,
		Prompt:      prompt,
		MaxTokens:   r.prompt.MaxTokens,
		Temperature: r.prompt.Temperature,
		Context: map[string]string{
			"stage":      string(r.stage),
			"session_id": s.ID,
			"project_id": s.ProjectID,
		},
	}
	if deadline, ok := ctx.Deadline(); ok {
		req.Timeout = time.Until(deadline)
	}

	resp, err := r.agent.Execute(ctx, req)
	if err != nil {
		return wf.StageOutput{}, fmt.Errorf("%s agent call: %w", agentType, err)
	}
	in.ReportProgress(0.7)

	raw, fields, err := extractJSONObject(resp.Output)
	if err != nil {
		return wf.StageOutput{}, fmt.Errorf("invalid %s reply: %w", r.stage, err)
	}
	if missing := missingKeys(fields, r.prompt.RequiredKeys); len(missing) > 0 {
		return wf.StageOutput{}, fmt.Errorf("invalid %s reply: missing keys %s", r.stage, strings.Join(missing, ", "))
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return wf.StageOutput{}, err
	}
	meta, err := r.storage.SaveArtifact(ctx, output.SaveArtifactRequest{
		ProjectID:    s.ProjectID,
		SessionID:    s.ID,
		ArtifactType: output.ArtifactType(r.prompt.ArtifactType),
		Name:         string(r.stage) + ".json",
		Content:      pretty.Bytes(),
		ContentType:  "application/json",
		Metadata: map[string]string{
			"stage": string(r.stage),
			"agent": resp.AgentType,
			"model": resp.Model,
		},
	})
	if err != nil {
		return wf.StageOutput{}, fmt.Errorf("store %s artifact: %w", r.stage, err)
	}
	in.ReportProgress(1)

	return wf.StageOutput{
		Summary:    summaryOf(fields, fmt.Sprintf("%s completed", r.stage)),
		ArtifactID: meta.ID,
		Data:       raw,
	}, nil
}

func (r *AgentRoutine) promptData(ctx context.Context, s *wf.Session) (PromptData, error) {
	data := PromptData{
		ProjectID: s.ProjectID,
		SessionID: s.ID,
	}

	docID := s.DocumentID
	if intake, ok := s.StateData.StageResults[wf.StageStarting]; ok && intake.ArtifactID != "" {
		docID = intake.ArtifactID
	}
	doc, err := r.storage.LoadArtifact(ctx, docID)
	if err != nil {
		return data, fmt.Errorf("load document %s: %w", docID, err)
	}
	data.Document = string(doc.Content)

	if r.stage == wf.StageArchitectureDesign {
		analysis, ok := s.StateData.StageResults[wf.StageDocumentAnalysis]
		if !ok {
			return data, fmt.Errorf("no approved requirements for session %s", s.ID)
		}
		data.Requirements, err = r.requirementsText(ctx, analysis)
		if err != nil {
			return data, err
		}
	}

	gate, _ := r.stage.Next()
	if fb, ok := s.LatestFeedback(gate); ok && fb.Decision == wf.DecisionRejected {
		data.Feedback = fb.Comments
		if data.Feedback == "" {
			data.Feedback = "The reviewer rejected the previous result without comments."
		}
	}
	data.Constraints, data.Preferences = reviewerInput(s.StateData.Feedback)

	return data, nil
}

func (r *AgentRoutine) requirementsText(ctx context.Context, analysis wf.StageOutput) (string, error) {
	if len(analysis.Data) > 0 {
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, analysis.Data, "", "  "); err == nil {
			return pretty.String(), nil
		}
	}
	art, err := r.storage.LoadArtifact(ctx, analysis.ArtifactID)
	if err != nil {
		return "", fmt.Errorf("load requirements %s: %w", analysis.ArtifactID, err)
	}
	return string(art.Content), nil
}

// reviewerInput merges the constraints and preferences of every feedback entry.
// Later preferences override earlier ones.
func reviewerInput(history []wf.FeedbackRecord) ([]string, map[string]string) {
	var constraints []string
	seen := make(map[string]bool)
	var prefs map[string]string

	for _, fb := range history {
		for _, c := range fb.Constraints {
			if !seen[c] {
				seen[c] = true
				constraints = append(constraints, c)
			}
		}
		for k, v := range fb.Preferences {
			if prefs == nil {
				prefs = make(map[string]string)
			}
			prefs[k] = v
		}
	}
	return constraints, prefs
}
