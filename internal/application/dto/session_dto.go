package dto

import "time"

// StartWorkflowInput represents a document submission that starts a session
type StartWorkflowInput struct {
	ProjectID   string `json:"project_id" validate:"required"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Content     string `json:"content" validate:"required"`
}

// FeedbackInput represents a human decision at a review gate
type FeedbackInput struct {
	Decision    string            `json:"decision" validate:"required"` // approved, rejected, needs_info
	Comments    string            `json:"comments,omitempty"`
	Constraints []string          `json:"constraints,omitempty"`
	Preferences map[string]string `json:"preferences,omitempty"`
}

// SessionStatus is the read-only projection of a workflow session
type SessionStatus struct {
	SessionID        string          `json:"session_id"`
	ProjectID        string          `json:"project_id"`
	DocumentID       string          `json:"document_id,omitempty"`
	CurrentStage     string          `json:"current_stage"`
	IsActive         bool            `json:"is_active"`
	AwaitingFeedback bool            `json:"awaiting_feedback"`
	StageProgress    float64         `json:"stage_progress"`
	CompletedStages  []string        `json:"completed_stages"`
	PendingTasks     []string        `json:"pending_tasks"`
	Errors           []StageErrorDTO `json:"errors"`
	Stages           []StageSummary  `json:"stages"`
	StartedAt        time.Time       `json:"started_at"`
	LastActivityAt   time.Time       `json:"last_activity_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	Version          int64           `json:"version"`
}

// StageErrorDTO is one recorded stage failure
type StageErrorDTO struct {
	Stage     string    `json:"stage"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// StageSummary is the output summary of a finished stage
type StageSummary struct {
	Stage       string    `json:"stage"`
	Summary     string    `json:"summary"`
	ArtifactID  string    `json:"artifact_id,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}
