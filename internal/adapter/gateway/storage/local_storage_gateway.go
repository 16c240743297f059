package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/afero"

	"github.com/archmesh/archmesh/internal/application/port/output"
	"github.com/archmesh/archmesh/internal/infra/persistence/file"
	"github.com/archmesh/archmesh/internal/pkg/slug"
)

// LocalStorageGateway implements StorageGateway on an afero filesystem.
// Directory structure: <baseDir>/artifacts/<project-slug>/<artifactID>/
//   - content: actual artifact content
//   - metadata.json: artifact metadata
type LocalStorageGateway struct {
	fs      afero.Fs
	baseDir string
	now     func() time.Time
}

// NewLocalStorageGateway creates a storage gateway rooted at baseDir on the OS filesystem
func NewLocalStorageGateway(baseDir string) (*LocalStorageGateway, error) {
	return NewLocalStorageGatewayWithFs(afero.NewOsFs(), baseDir)
}

// NewLocalStorageGatewayWithFs creates a storage gateway on any afero filesystem
func NewLocalStorageGatewayWithFs(fsys afero.Fs, baseDir string) (*LocalStorageGateway, error) {
	if err := fsys.MkdirAll(filepath.Join(baseDir, "artifacts"), 0o755); err != nil {
		return nil, fmt.Errorf("create artifacts directory: %w", err)
	}
	return &LocalStorageGateway{
		fs:      fsys,
		baseDir: baseDir,
		now:     time.Now,
	}, nil
}

// SaveArtifact writes content then metadata, each atomically
func (g *LocalStorageGateway) SaveArtifact(ctx context.Context, req output.SaveArtifactRequest) (*output.ArtifactMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	uploadedAt := g.now().UTC()
	artifactID := generateArtifactID(req.Content, uploadedAt)
	artifactDir := g.artifactDir(req.ProjectID, artifactID)

	contentPath := filepath.Join(artifactDir, "content")
	if err := file.WriteFileAtomic(g.fs, contentPath, req.Content, 0o644); err != nil {
		return nil, fmt.Errorf("write artifact content: %w", err)
	}

	metadata := output.ArtifactMetadata{
		ID:          artifactID,
		ProjectID:   req.ProjectID,
		SessionID:   req.SessionID,
		Type:        req.ArtifactType,
		Name:        req.Name,
		StoragePath: contentPath,
		ContentType: req.ContentType,
		Size:        int64(len(req.Content)),
		UploadedAt:  uploadedAt,
		Metadata:    req.Metadata,
	}

	metadataJSON, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	if err := file.WriteFileAtomic(g.fs, filepath.Join(artifactDir, "metadata.json"), metadataJSON, 0o644); err != nil {
		return nil, fmt.Errorf("write metadata: %w", err)
	}

	return &metadata, nil
}

// LoadArtifact searches every project directory for the artifact
func (g *LocalStorageGateway) LoadArtifact(ctx context.Context, artifactID string) (*output.Artifact, error) {
	if artifactID == "" || artifactID != filepath.Base(artifactID) {
		return nil, fmt.Errorf("%w: %q", output.ErrArtifactNotFound, artifactID)
	}

	projects, err := afero.ReadDir(g.fs, filepath.Join(g.baseDir, "artifacts"))
	if err != nil {
		return nil, fmt.Errorf("read artifacts directory: %w", err)
	}

	for _, project := range projects {
		if !project.IsDir() {
			continue
		}
		dir := filepath.Join(g.baseDir, "artifacts", project.Name(), artifactID)
		if ok, _ := afero.DirExists(g.fs, dir); !ok {
			continue
		}

		metadata, err := g.readMetadata(dir)
		if err != nil {
			return nil, err
		}
		content, err := afero.ReadFile(g.fs, filepath.Join(dir, "content"))
		if err != nil {
			return nil, fmt.Errorf("read content: %w", err)
		}
		return &output.Artifact{
			ID:       artifactID,
			Content:  content,
			Metadata: *metadata,
		}, nil
	}

	return nil, fmt.Errorf("%w: %s", output.ErrArtifactNotFound, artifactID)
}

// ListArtifacts lists a project's artifacts, oldest first
func (g *LocalStorageGateway) ListArtifacts(ctx context.Context, projectID string) ([]*output.ArtifactMetadata, error) {
	projectDir := filepath.Join(g.baseDir, "artifacts", slug.Unique(projectID))

	entries, err := afero.ReadDir(g.fs, projectDir)
	if errors.Is(err, fs.ErrNotExist) {
		return []*output.ArtifactMetadata{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read project artifacts directory: %w", err)
	}

	metadataList := []*output.ArtifactMetadata{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		metadata, err := g.readMetadata(filepath.Join(projectDir, entry.Name()))
		if err != nil {
			// Skip artifacts with missing or invalid metadata
			continue
		}
		metadataList = append(metadataList, metadata)
	}

	sort.SliceStable(metadataList, func(i, j int) bool {
		return metadataList[i].UploadedAt.Before(metadataList[j].UploadedAt)
	})
	return metadataList, nil
}

// DeleteArtifact removes an artifact directory
func (g *LocalStorageGateway) DeleteArtifact(ctx context.Context, projectID, artifactID string) error {
	if err := g.fs.RemoveAll(g.artifactDir(projectID, artifactID)); err != nil {
		return fmt.Errorf("delete artifact directory: %w", err)
	}
	return nil
}

func (g *LocalStorageGateway) artifactDir(projectID, artifactID string) string {
	return filepath.Join(g.baseDir, "artifacts", slug.Unique(projectID), artifactID)
}

func (g *LocalStorageGateway) readMetadata(dir string) (*output.ArtifactMetadata, error) {
	data, err := afero.ReadFile(g.fs, filepath.Join(dir, "metadata.json"))
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	var metadata output.ArtifactMetadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return &metadata, nil
}

// generateArtifactID combines a content hash prefix with a time-ordered ULID
func generateArtifactID(content []byte, at time.Time) string {
	hash := sha256.Sum256(content)
	id := ulid.MustNew(ulid.Timestamp(at), ulid.DefaultEntropy())
	return fmt.Sprintf("%s-%s", hex.EncodeToString(hash[:4]), id.String())
}
