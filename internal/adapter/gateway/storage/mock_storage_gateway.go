package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/archmesh/archmesh/internal/application/port/output"
)

// MockStorageGateway keeps artifacts in memory.
// It backs the "memory" storage setting and tests.
type MockStorageGateway struct {
	mu        sync.RWMutex
	artifacts map[string]*output.Artifact
	nextID    int
}

// NewMockStorageGateway creates a new in-memory storage gateway
func NewMockStorageGateway() *MockStorageGateway {
	return &MockStorageGateway{
		artifacts: make(map[string]*output.Artifact),
		nextID:    1,
	}
}

// SaveArtifact implements output.StorageGateway
func (g *MockStorageGateway) SaveArtifact(ctx context.Context, req output.SaveArtifactRequest) (*output.ArtifactMetadata, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	artifactID := fmt.Sprintf("mock-artifact-%d", g.nextID)
	g.nextID++

	content := append([]byte(nil), req.Content...)
	artifact := &output.Artifact{
		ID:      artifactID,
		Content: content,
		Metadata: output.ArtifactMetadata{
			ID:          artifactID,
			ProjectID:   req.ProjectID,
			SessionID:   req.SessionID,
			Type:        req.ArtifactType,
			Name:        req.Name,
			StoragePath: "mock://artifacts/" + artifactID,
			ContentType: req.ContentType,
			Size:        int64(len(content)),
			UploadedAt:  time.Now().UTC(),
			Metadata:    copyStrings(req.Metadata),
		},
	}
	g.artifacts[artifactID] = artifact

	metadata := artifact.Metadata
	return &metadata, nil
}

// LoadArtifact implements output.StorageGateway and returns a copy
func (g *MockStorageGateway) LoadArtifact(ctx context.Context, artifactID string) (*output.Artifact, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	artifact, exists := g.artifacts[artifactID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", output.ErrArtifactNotFound, artifactID)
	}

	copied := *artifact
	copied.Content = append([]byte(nil), artifact.Content...)
	copied.Metadata.Metadata = copyStrings(artifact.Metadata.Metadata)
	return &copied, nil
}

// ListArtifacts implements output.StorageGateway, in save order
func (g *MockStorageGateway) ListArtifacts(ctx context.Context, projectID string) ([]*output.ArtifactMetadata, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	metadata := []*output.ArtifactMetadata{}
	for _, artifact := range g.artifacts {
		if artifact.Metadata.ProjectID == projectID {
			md := artifact.Metadata
			metadata = append(metadata, &md)
		}
	}
	sort.Slice(metadata, func(i, j int) bool {
		return idNumber(metadata[i].ID) < idNumber(metadata[j].ID)
	})
	return metadata, nil
}

// GetArtifactCount returns the number of stored artifacts
func (g *MockStorageGateway) GetArtifactCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.artifacts)
}

func idNumber(id string) int {
	var n int
	fmt.Sscanf(id, "mock-artifact-%d", &n)
	return n
}

func copyStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
