package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/archmesh/archmesh/internal/application/port/output"
	"github.com/archmesh/archmesh/internal/pkg/slug"
)

// S3StorageGateway implements StorageGateway using S3 or an S3-compatible store.
// Bucket structure: s3://<bucket>/<prefix>/artifacts/<project-slug>/<artifactID>/
//   - content: actual artifact content
//   - metadata.json: artifact metadata
type S3StorageGateway struct {
	client     S3API
	bucketName string
	prefix     string
	now        func() time.Time
}

// S3Config holds S3 storage gateway configuration
type S3Config struct {
	BucketName string // S3 bucket name
	Prefix     string // Optional key prefix
	Region     string // AWS region (optional, uses default if empty)
	Endpoint   string // Optional endpoint for S3-compatible stores such as MinIO
}

// NewS3StorageGateway creates a new S3-based storage gateway from the default AWS config chain
func NewS3StorageGateway(ctx context.Context, cfg S3Config) (*S3StorageGateway, error) {
	if cfg.BucketName == "" {
		return nil, fmt.Errorf("S3 bucket name is required")
	}

	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	if cfg.Region != "" {
		awsCfg.Region = cfg.Region
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return NewS3StorageGatewayWithClient(client, cfg.BucketName, cfg.Prefix), nil
}

// NewS3StorageGatewayWithClient creates a new S3-based storage gateway with custom S3 client
func NewS3StorageGatewayWithClient(client S3API, bucketName, prefix string) *S3StorageGateway {
	return &S3StorageGateway{
		client:     client,
		bucketName: bucketName,
		prefix:     strings.Trim(prefix, "/"),
		now:        time.Now,
	}
}

// SaveArtifact uploads the content object, then the metadata object
func (g *S3StorageGateway) SaveArtifact(ctx context.Context, req output.SaveArtifactRequest) (*output.ArtifactMetadata, error) {
	uploadedAt := g.now().UTC()
	artifactID := generateArtifactID(req.Content, uploadedAt)
	contentKey := g.buildKey("artifacts", slug.Unique(req.ProjectID), artifactID, "content")

	s3Metadata := map[string]string{
		"artifact-id":   artifactID,
		"artifact-type": string(req.ArtifactType),
		"session-id":    req.SessionID,
		"uploaded-at":   uploadedAt.Format(time.RFC3339),
	}
	for k, v := range req.Metadata {
		s3Metadata[k] = v
	}

	contentType := req.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := g.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(g.bucketName),
		Key:         aws.String(contentKey),
		Body:        bytes.NewReader(req.Content),
		ContentType: aws.String(contentType),
		Metadata:    s3Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("upload to S3: %w", err)
	}

	metadata := output.ArtifactMetadata{
		ID:          artifactID,
		ProjectID:   req.ProjectID,
		SessionID:   req.SessionID,
		Type:        req.ArtifactType,
		Name:        req.Name,
		StoragePath: fmt.Sprintf("s3://%s/%s", g.bucketName, contentKey),
		ContentType: req.ContentType,
		Size:        int64(len(req.Content)),
		UploadedAt:  uploadedAt,
		Metadata:    req.Metadata,
	}

	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = g.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(g.bucketName),
		Key:         aws.String(metadataKeyFor(contentKey)),
		Body:        bytes.NewReader(metadataJSON),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return nil, fmt.Errorf("upload metadata to S3: %w", err)
	}

	return &metadata, nil
}

// LoadArtifact finds the artifact's metadata object under any project, then downloads both objects
func (g *S3StorageGateway) LoadArtifact(ctx context.Context, artifactID string) (*output.Artifact, error) {
	if artifactID == "" || strings.Contains(artifactID, "/") {
		return nil, fmt.Errorf("%w: %q", output.ErrArtifactNotFound, artifactID)
	}

	suffix := "/" + artifactID + "/metadata.json"
	var metadataKey string
	err := g.eachKey(ctx, g.buildKey("artifacts")+"/", func(key string) bool {
		if strings.HasSuffix(key, suffix) {
			metadataKey = key
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if metadataKey == "" {
		return nil, fmt.Errorf("%w: %s", output.ErrArtifactNotFound, artifactID)
	}

	metadataJSON, err := g.download(ctx, metadataKey)
	if err != nil {
		return nil, fmt.Errorf("download metadata from S3: %w", err)
	}
	var metadata output.ArtifactMetadata
	if err := json.Unmarshal(metadataJSON, &metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}

	contentKey := strings.TrimSuffix(metadataKey, "metadata.json") + "content"
	content, err := g.download(ctx, contentKey)
	if err != nil {
		return nil, fmt.Errorf("download content from S3: %w", err)
	}

	return &output.Artifact{
		ID:       artifactID,
		Content:  content,
		Metadata: metadata,
	}, nil
}

// ListArtifacts lists a project's artifacts, oldest first
func (g *S3StorageGateway) ListArtifacts(ctx context.Context, projectID string) ([]*output.ArtifactMetadata, error) {
	var keys []string
	err := g.eachKey(ctx, g.buildKey("artifacts", slug.Unique(projectID))+"/", func(key string) bool {
		if strings.HasSuffix(key, "/metadata.json") {
			keys = append(keys, key)
		}
		return true
	})
	if err != nil {
		return nil, err
	}

	metadataList := []*output.ArtifactMetadata{}
	for _, key := range keys {
		data, err := g.download(ctx, key)
		if err != nil {
			// Skip artifacts with download errors
			continue
		}
		var metadata output.ArtifactMetadata
		if err := json.Unmarshal(data, &metadata); err != nil {
			continue
		}
		metadataList = append(metadataList, &metadata)
	}

	sort.SliceStable(metadataList, func(i, j int) bool {
		return metadataList[i].UploadedAt.Before(metadataList[j].UploadedAt)
	})
	return metadataList, nil
}

// DeleteArtifact removes both objects of an artifact
func (g *S3StorageGateway) DeleteArtifact(ctx context.Context, projectID, artifactID string) error {
	contentKey := g.buildKey("artifacts", slug.Unique(projectID), artifactID, "content")
	for _, key := range []string{contentKey, metadataKeyFor(contentKey)} {
		_, err := g.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(g.bucketName),
			Key:    aws.String(key),
		})
		if err != nil {
			return fmt.Errorf("delete %s from S3: %w", key, err)
		}
	}
	return nil
}

// eachKey pages through keys under prefix until fn returns false
func (g *S3StorageGateway) eachKey(ctx context.Context, prefix string, fn func(key string) bool) error {
	paginator := s3.NewListObjectsV2Paginator(g.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(g.bucketName),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("list S3 objects: %w", err)
		}
		for _, obj := range page.Contents {
			if !fn(aws.ToString(obj.Key)) {
				return nil
			}
		}
	}
	return nil
}

func (g *S3StorageGateway) download(ctx context.Context, key string) ([]byte, error) {
	obj, err := g.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(g.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, fmt.Errorf("%w: %s", output.ErrArtifactNotFound, key)
		}
		return nil, err
	}
	defer obj.Body.Close()
	return io.ReadAll(obj.Body)
}

// buildKey builds an S3 key with the configured prefix
func (g *S3StorageGateway) buildKey(parts ...string) string {
	if g.prefix != "" {
		parts = append([]string{g.prefix}, parts...)
	}
	return path.Join(parts...)
}

func metadataKeyFor(contentKey string) string {
	return strings.TrimSuffix(contentKey, "content") + "metadata.json"
}
