package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archmesh/archmesh/internal/application/port/output"
)

// runGatewayContract checks behaviour every StorageGateway shares
func runGatewayContract(t *testing.T, newGateway func(t *testing.T) output.StorageGateway) {
	ctx := context.Background()

	t.Run("save and load", func(t *testing.T) {
		g := newGateway(t)
		content := []byte("# Bookshop\nUsers buy books.")

		meta, err := g.SaveArtifact(ctx, output.SaveArtifactRequest{
			ProjectID:    "shop",
			ArtifactType: output.ArtifactTypeDocument,
			Name:         "requirements.md",
			Content:      content,
			ContentType:  "text/markdown",
			Metadata:     map[string]string{"words": "4"},
		})
		require.NoError(t, err)
		assert.NotEmpty(t, meta.ID)
		assert.Equal(t, "shop", meta.ProjectID)
		assert.Equal(t, output.ArtifactTypeDocument, meta.Type)
		assert.Equal(t, int64(len(content)), meta.Size)
		assert.False(t, meta.UploadedAt.IsZero())

		art, err := g.LoadArtifact(ctx, meta.ID)
		require.NoError(t, err)
		assert.Equal(t, meta.ID, art.ID)
		assert.Equal(t, content, art.Content)
		assert.Equal(t, "requirements.md", art.Metadata.Name)
		assert.Equal(t, "4", art.Metadata.Metadata["words"])
	})

	t.Run("unknown id", func(t *testing.T) {
		g := newGateway(t)
		_, err := g.LoadArtifact(ctx, "missing")
		assert.True(t, errors.Is(err, output.ErrArtifactNotFound), "got %v", err)

		_, err = g.LoadArtifact(ctx, "../escape")
		assert.True(t, errors.Is(err, output.ErrArtifactNotFound), "got %v", err)
	})

	t.Run("list is per project and ordered", func(t *testing.T) {
		g := newGateway(t)

		var ids []string
		for _, body := range []string{"one", "two", "three"} {
			meta, err := g.SaveArtifact(ctx, output.SaveArtifactRequest{
				ProjectID:    "shop",
				SessionID:    "WS-1",
				ArtifactType: output.ArtifactTypeLog,
				Content:      []byte(body),
			})
			require.NoError(t, err)
			ids = append(ids, meta.ID)
		}
		_, err := g.SaveArtifact(ctx, output.SaveArtifactRequest{
			ProjectID:    "shop two",
			ArtifactType: output.ArtifactTypeLog,
			Content:      []byte("other"),
		})
		require.NoError(t, err)

		list, err := g.ListArtifacts(ctx, "shop")
		require.NoError(t, err)
		require.Len(t, list, 3)
		for i, meta := range list {
			assert.Equal(t, ids[i], meta.ID)
			assert.Equal(t, "WS-1", meta.SessionID)
		}

		empty, err := g.ListArtifacts(ctx, "nobody")
		require.NoError(t, err)
		assert.NotNil(t, empty)
		assert.Empty(t, empty)
	})
}
