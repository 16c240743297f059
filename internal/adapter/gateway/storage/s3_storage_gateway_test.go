package storage

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archmesh/archmesh/internal/application/port/output"
)

func newTickingS3(client *MockS3Client, prefix string) *S3StorageGateway {
	g := NewS3StorageGatewayWithClient(client, "test-bucket", prefix)
	clock := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	g.now = func() time.Time {
		clock = clock.Add(time.Millisecond)
		return clock
	}
	return g
}

func TestS3StorageGateway_Contract(t *testing.T) {
	runGatewayContract(t, func(t *testing.T) output.StorageGateway {
		return newTickingS3(NewMockS3Client(), "archmesh/test")
	})
}

func TestS3StorageGateway_Keys(t *testing.T) {
	client := NewMockS3Client()
	g := newTickingS3(client, "/archmesh/prod/")

	meta, err := g.SaveArtifact(context.Background(), output.SaveArtifactRequest{
		ProjectID:    "shop",
		ArtifactType: output.ArtifactTypeArchitecture,
		Content:      []byte("{}"),
	})
	require.NoError(t, err)

	keys := client.Keys()
	require.Len(t, keys, 2)
	for _, key := range keys {
		assert.True(t, strings.HasPrefix(key, "archmesh/prod/artifacts/shop-"), key)
		assert.Contains(t, key, "/"+meta.ID+"/")
	}
	assert.Equal(t, "s3://test-bucket/"+keys[0], meta.StoragePath)
	assert.True(t, strings.HasSuffix(keys[0], "/content"))
	assert.True(t, strings.HasSuffix(keys[1], "/metadata.json"))
}

func TestS3StorageGateway_PagedListing(t *testing.T) {
	client := NewMockS3Client()
	client.PageSize = 2
	g := newTickingS3(client, "")
	ctx := context.Background()

	var last string
	for i := 0; i < 5; i++ {
		meta, err := g.SaveArtifact(ctx, output.SaveArtifactRequest{ProjectID: "shop", Content: []byte{byte(i)}})
		require.NoError(t, err)
		last = meta.ID
	}

	list, err := g.ListArtifacts(ctx, "shop")
	require.NoError(t, err)
	assert.Len(t, list, 5)
	assert.Equal(t, 5, client.Lists)

	art, err := g.LoadArtifact(ctx, last)
	require.NoError(t, err)
	assert.Equal(t, []byte{4}, art.Content)
}

func TestS3StorageGateway_DeleteArtifact(t *testing.T) {
	client := NewMockS3Client()
	g := newTickingS3(client, "")
	ctx := context.Background()

	meta, err := g.SaveArtifact(ctx, output.SaveArtifactRequest{ProjectID: "shop", Content: []byte("x")})
	require.NoError(t, err)
	require.NoError(t, g.DeleteArtifact(ctx, "shop", meta.ID))
	assert.Equal(t, 0, client.GetObjectCount())
}

func TestS3StorageGateway_RequiresBucket(t *testing.T) {
	_, err := NewS3StorageGateway(context.Background(), S3Config{})
	assert.Error(t, err)
}

func TestMockStorageGateway_Contract(t *testing.T) {
	runGatewayContract(t, func(t *testing.T) output.StorageGateway {
		return NewMockStorageGateway()
	})
}

func TestMockStorageGateway_ReturnsCopies(t *testing.T) {
	g := NewMockStorageGateway()
	ctx := context.Background()

	meta, err := g.SaveArtifact(ctx, output.SaveArtifactRequest{ProjectID: "shop", Content: []byte("abc")})
	require.NoError(t, err)

	art, err := g.LoadArtifact(ctx, meta.ID)
	require.NoError(t, err)
	art.Content[0] = 'X'

	again, err := g.LoadArtifact(ctx, meta.ID)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(again.Content))
	assert.Equal(t, 1, g.GetArtifactCount())
}
