package cli

import (
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/archmesh/archmesh/internal/application/dto"
	"github.com/archmesh/archmesh/internal/application/port/output"
	"github.com/archmesh/archmesh/internal/application/workflow"
	wf "github.com/archmesh/archmesh/internal/domain/workflow"
	"github.com/archmesh/archmesh/internal/infrastructure/di"
)

// SessionController handles workflow session CLI commands
type SessionController struct {
	root *RootBuilder
}

// NewSessionController creates a new session controller
func NewSessionController(root *RootBuilder) *SessionController {
	return &SessionController{root: root}
}

// run opens a container, hands it to fn and presents any error fn returns
func (c *SessionController) run(cmd *cobra.Command, fn func(*di.Container, output.SessionPresenter) error) error {
	container, err := c.root.container(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer container.Close()

	p := container.GetPresenter()
	if err := fn(container, p); err != nil {
		if perr := p.PresentError(err); perr != nil {
			return perr
		}
		return reportedError{err}
	}
	return nil
}

// presentSession shows the status of a session snapshot
func presentSession(container *di.Container, p output.SessionPresenter, cmd *cobra.Command, session *wf.Session) error {
	status, err := container.GetReporter().Status(cmd.Context(), session.ID)
	if err != nil {
		return err
	}
	return p.PresentStatus(status)
}

// StartCommand creates 'start' command
func (c *SessionController) StartCommand() *cobra.Command {
	var (
		filename    string
		contentType string
	)

	cmd := &cobra.Command{
		Use:   "start [project] [document]",
		Short: "Start a workflow session from a requirements document",
		Long: `Stores the document and starts a session for the project.
The session runs until it waits for review at requirements_review.
Use "-" as document to read it from stdin.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, name, err := c.readDocument(args[1])
			if err != nil {
				return err
			}
			if filename != "" {
				name = filename
			}
			if contentType == "" {
				contentType = detectContentType(name)
			}

			return c.run(cmd, func(container *di.Container, p output.SessionPresenter) error {
				session, err := container.GetController().Start(cmd.Context(), workflow.StartRequest{
					ProjectID:   args[0],
					Filename:    name,
					ContentType: contentType,
					Content:     content,
				})
				if err != nil {
					return err
				}
				return presentSession(container, p, cmd, session)
			})
		},
	}

	cmd.Flags().StringVar(&filename, "filename", "", "Document name to record (default: the file's base name)")
	cmd.Flags().StringVar(&contentType, "content-type", "", "Document MIME type (default: from the extension)")

	return cmd
}

func (c *SessionController) readDocument(path string) ([]byte, string, error) {
	if path == "-" {
		data, err := io.ReadAll(c.root.stdin)
		if err != nil {
			return nil, "", fmt.Errorf("read stdin: %w", err)
		}
		return data, "stdin.md", nil
	}
	data, err := afero.ReadFile(c.root.fs, path)
	if err != nil {
		return nil, "", fmt.Errorf("read document: %w", err)
	}
	return data, filepath.Base(path), nil
}

func detectContentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".md", ".markdown":
		return "text/markdown"
	case ".txt":
		return "text/plain"
	}
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "text/plain"
}

// StatusCommand creates 'status' command
func (c *SessionController) StatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status [session-id]",
		Short: "Show the status of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(container *di.Container, p output.SessionPresenter) error {
				status, err := container.GetReporter().Status(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return p.PresentStatus(status)
			})
		},
	}
}

// FeedbackCommand creates 'feedback' command
func (c *SessionController) FeedbackCommand() *cobra.Command {
	var (
		comments    string
		constraints []string
		preferences map[string]string
	)

	cmd := &cobra.Command{
		Use:   "feedback [session-id] [approved|rejected|needs_info]",
		Short: "Submit a review decision for a session waiting at a gate",
		Long: `Records the decision at the session's current review gate.
approved moves past the gate, rejected regenerates the reviewed artifact,
needs_info keeps the session paused and records a pending task.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(container *di.Container, p output.SessionPresenter) error {
				in := dto.FeedbackInput{
					Decision:    args[1],
					Comments:    comments,
					Constraints: constraints,
					Preferences: preferences,
				}
				decision, err := wf.ParseDecision(in.Decision)
				if err != nil {
					return err
				}

				session, err := container.GetController().SubmitFeedback(cmd.Context(), args[0], wf.Feedback{
					Decision:    decision,
					Comments:    in.Comments,
					Constraints: in.Constraints,
					Preferences: in.Preferences,
				})
				if err != nil {
					return err
				}
				return presentSession(container, p, cmd, session)
			})
		},
	}

	cmd.Flags().StringVarP(&comments, "comment", "m", "", "Review comments")
	cmd.Flags().StringArrayVar(&constraints, "constraint", nil, "Constraint for the next stage (repeatable)")
	cmd.Flags().StringToStringVar(&preferences, "preference", nil, "Preference as key=value (repeatable)")

	return cmd
}

// ListCommand creates 'list' command
func (c *SessionController) ListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list [project]",
		Short: "List the sessions of a project, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(container *di.Container, p output.SessionPresenter) error {
				statuses, err := container.GetReporter().List(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return p.PresentSessions(statuses)
			})
		},
	}
}

// RestartCommand creates 'restart' command
func (c *SessionController) RestartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "restart [project]",
		Short: "Start a new session on the document of the project's latest session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(container *di.Container, p output.SessionPresenter) error {
				session, err := container.GetController().Restart(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return presentSession(container, p, cmd, session)
			})
		},
	}
}
