package presenter

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/archmesh/archmesh/internal/application/dto"
	"github.com/archmesh/archmesh/internal/application/port/output"
	wf "github.com/archmesh/archmesh/internal/domain/workflow"
)

// CLISessionPresenter renders sessions for a terminal.
// Colors are dropped automatically when the writer is not a TTY.
type CLISessionPresenter struct {
	output io.Writer

	title   lipgloss.Style
	label   lipgloss.Style
	done    lipgloss.Style
	current lipgloss.Style
	gate    lipgloss.Style
	failed  lipgloss.Style
	muted   lipgloss.Style
}

// NewCLISessionPresenter creates a new CLI session presenter
func NewCLISessionPresenter(w io.Writer) output.SessionPresenter {
	r := lipgloss.NewRenderer(w)
	return &CLISessionPresenter{
		output:  w,
		title:   r.NewStyle().Bold(true),
		label:   r.NewStyle().Foreground(lipgloss.Color("#A0AEC0")).Width(14),
		done:    r.NewStyle().Foreground(lipgloss.Color("#4CAF50")),
		current: r.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true),
		gate:    r.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true),
		failed:  r.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true),
		muted:   r.NewStyle().Foreground(lipgloss.Color("#999999")),
	}
}

// PresentSuccess presents a successful result
func (p *CLISessionPresenter) PresentSuccess(message string, data interface{}) error {
	fmt.Fprintf(p.output, "%s %s\n", p.done.Render("✓"), message)

	switch v := data.(type) {
	case nil:
	case *dto.SessionStatus:
		fmt.Fprintln(p.output)
		return p.PresentStatus(v)
	case []*dto.SessionStatus:
		fmt.Fprintln(p.output)
		return p.PresentSessions(v)
	default:
		fmt.Fprintf(p.output, "%+v\n", data)
	}
	return nil
}

// PresentError presents an error
func (p *CLISessionPresenter) PresentError(err error) error {
	msg := err.Error()
	var wfErr wf.Error
	if errors.As(err, &wfErr) {
		msg = wfErr.Message
		if reason, ok := wfErr.Details["reason"]; ok {
			msg = fmt.Sprintf("%s: %v", msg, reason)
		}
	}
	fmt.Fprintf(p.output, "%s %s\n", p.failed.Render("✗ Error:"), msg)
	return err
}

// PresentProgress presents progress information
func (p *CLISessionPresenter) PresentProgress(message string, progress int, total int) error {
	if total <= 0 {
		total = 1
	}
	if progress > total {
		progress = total
	}
	percentage := float64(progress) / float64(total) * 100
	bar := strings.Repeat("█", progress) + strings.Repeat("░", total-progress)
	fmt.Fprintf(p.output, "\r%s [%s] %.1f%%", message, bar, percentage)
	return nil
}

// PresentStatus prints one session with its stage checklist
func (p *CLISessionPresenter) PresentStatus(s *dto.SessionStatus) error {
	w := p.output
	fmt.Fprintln(w, p.title.Render("Session "+s.SessionID))
	p.field("Project", s.ProjectID)
	p.field("Stage", p.stageLabel(s))
	if s.StageProgress > 0 && s.StageProgress < 1 {
		p.field("Progress", fmt.Sprintf("%.0f%%", s.StageProgress*100))
	}
	p.field("Started", s.StartedAt.Format(time.RFC3339))
	p.field("Last activity", s.LastActivityAt.Format(time.RFC3339))
	if s.CompletedAt != nil {
		p.field("Completed", s.CompletedAt.Format(time.RFC3339))
	}

	fmt.Fprintln(w)
	completed := make(map[string]bool, len(s.CompletedStages))
	for _, st := range s.CompletedStages {
		completed[st] = true
	}
	summaries := make(map[string]dto.StageSummary, len(s.Stages))
	for _, st := range s.Stages {
		summaries[st.Stage] = st
	}
	for _, st := range wf.HappyPath() {
		name := string(st)
		switch {
		case completed[name]:
			line := p.done.Render("✓ " + name)
			if sum, ok := summaries[name]; ok && sum.Summary != "" {
				line += p.muted.Render("  " + sum.Summary)
			}
			fmt.Fprintln(w, line)
		case name == s.CurrentStage && st == wf.StageCompleted:
			fmt.Fprintln(w, p.done.Render("✓ "+name))
		case name == s.CurrentStage && st.IsGate():
			fmt.Fprintln(w, p.gate.Render("? "+name+"  awaiting feedback"))
		case name == s.CurrentStage:
			fmt.Fprintln(w, p.current.Render("▶ "+name))
		default:
			fmt.Fprintln(w, p.muted.Render("· "+name))
		}
	}

	if len(s.PendingTasks) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, p.title.Render("Pending"))
		for _, task := range s.PendingTasks {
			fmt.Fprintf(w, "  - %s\n", task)
		}
	}
	if len(s.Errors) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, p.failed.Render("Errors"))
		for _, e := range s.Errors {
			fmt.Fprintf(w, "  - [%s] %s\n", e.Stage, e.Message)
		}
	}
	return nil
}

// PresentSessions prints one line per session
func (p *CLISessionPresenter) PresentSessions(sessions []*dto.SessionStatus) error {
	if len(sessions) == 0 {
		fmt.Fprintln(p.output, p.muted.Render("No sessions"))
		return nil
	}
	for _, s := range sessions {
		active := " "
		if s.IsActive {
			active = "*"
		}
		fmt.Fprintf(p.output, "%s %-30s %s  %s\n",
			active, s.SessionID, p.stageLabel(s), p.muted.Render(s.StartedAt.Format(time.RFC3339)))
	}
	return nil
}

func (p *CLISessionPresenter) field(name, value string) {
	fmt.Fprintf(p.output, "%s%s\n", p.label.Render(name+":"), value)
}

func (p *CLISessionPresenter) stageLabel(s *dto.SessionStatus) string {
	switch {
	case s.CurrentStage == string(wf.StageFailed):
		return p.failed.Render(s.CurrentStage)
	case s.CurrentStage == string(wf.StageCompleted):
		return p.done.Render(s.CurrentStage)
	case s.AwaitingFeedback:
		return p.gate.Render(s.CurrentStage)
	default:
		return p.current.Render(s.CurrentStage)
	}
}
