package output

import (
	"context"
	"errors"
	"time"
)

// ErrArtifactNotFound is wrapped by gateways when an artifact id is unknown
var ErrArtifactNotFound = errors.New("artifact not found")

// StorageGateway is the interface for artifact storage.
// Supports both local filesystem and cloud storage (S3)
type StorageGateway interface {
	// SaveArtifact persists an artifact to storage
	SaveArtifact(ctx context.Context, req SaveArtifactRequest) (*ArtifactMetadata, error)

	// LoadArtifact retrieves an artifact from storage
	LoadArtifact(ctx context.Context, artifactID string) (*Artifact, error)

	// ListArtifacts lists artifacts of a project
	ListArtifacts(ctx context.Context, projectID string) ([]*ArtifactMetadata, error)
}

// SaveArtifactRequest represents a request to save an artifact
type SaveArtifactRequest struct {
	ProjectID    string            // Owning project
	SessionID    string            // Producing session (empty for uploaded documents)
	ArtifactType ArtifactType      // Type of artifact
	Name         string            // Original or logical file name (optional)
	Content      []byte            // Artifact content
	Metadata     map[string]string // Additional metadata
	ContentType  string            // MIME type (optional)
}

// ArtifactType represents the type of artifact
type ArtifactType string

const (
	ArtifactTypeDocument     ArtifactType = "document"     // Submitted requirements documents
	ArtifactTypeRequirements ArtifactType = "requirements" // document_analysis output
	ArtifactTypeArchitecture ArtifactType = "architecture" // architecture_design output
	ArtifactTypeLog          ArtifactType = "log"          // Raw LLM replies
)

// Artifact represents a stored artifact
type Artifact struct {
	ID       string           // Unique artifact ID
	Content  []byte           // Artifact content
	Metadata ArtifactMetadata // Artifact metadata
}

// ArtifactMetadata contains information about an artifact
type ArtifactMetadata struct {
	ID          string            `json:"id"`
	ProjectID   string            `json:"project_id"`
	SessionID   string            `json:"session_id,omitempty"`
	Type        ArtifactType      `json:"type"`
	Name        string            `json:"name,omitempty"`
	StoragePath string            `json:"storage_path"` // e.g. s3://bucket/key
	ContentType string            `json:"content_type,omitempty"`
	Size        int64             `json:"size"`
	UploadedAt  time.Time         `json:"uploaded_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}
