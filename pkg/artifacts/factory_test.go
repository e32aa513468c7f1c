package artifacts

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStoreFromEnv_Default(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("ARTIFACT_STORAGE_TYPE", "")
	t.Setenv("DATA_DIR", tmpDir)

	store, err := NewStoreFromEnv(context.Background())
	require.NoError(t, err)

	fs, ok := store.(*FileStore)
	require.True(t, ok, "expected *FileStore, got %T", store)
	assert.Equal(t, filepath.Join(tmpDir, "artifacts"), fs.baseDir)
}

func TestNewStoreFromEnv_Memory(t *testing.T) {
	t.Setenv("ARTIFACT_STORAGE_TYPE", "memory")

	store, err := NewStoreFromEnv(context.Background())
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)
}

func TestNewStoreFromEnv_S3MissingBucket(t *testing.T) {
	t.Setenv("ARTIFACT_STORAGE_TYPE", "s3")
	t.Setenv("ARTIFACT_S3_BUCKET", "")

	_, err := NewStoreFromEnv(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ARTIFACT_S3_BUCKET is required")
}

func TestNewStoreFromEnv_GCSMissingBucket(t *testing.T) {
	t.Setenv("ARTIFACT_STORAGE_TYPE", "gcs")
	t.Setenv("ARTIFACT_GCS_BUCKET", "")

	_, err := NewStoreFromEnv(context.Background())
	assert.Error(t, err)
}

func TestNewStoreFromEnv_Unsupported(t *testing.T) {
	t.Setenv("ARTIFACT_STORAGE_TYPE", "ftp")

	_, err := NewStoreFromEnv(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported artifact storage type")
}

func TestConfigFromEnv_RegionFallback(t *testing.T) {
	t.Setenv("ARTIFACT_S3_REGION", "")
	t.Setenv("AWS_REGION", "eu-west-1")
	assert.Equal(t, "eu-west-1", ConfigFromEnv().S3.Region)
}
