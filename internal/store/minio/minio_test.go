package minio

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/graphstage/internal/store"
)

// TestKey tests how object names map to keys.
func TestKey(t *testing.T) {
	s := New(nil, "bucket", "models/")
	assert.Equal(t, "models/m.gstg", s.key("m.gstg"))
	assert.Equal(t, "m.gstg", New(nil, "bucket", "").key("m.gstg"))
}

// TestStoreIntegration requires a MinIO server on localhost:9000 with the
// default credentials and is skipped otherwise.
func TestStoreIntegration(t *testing.T) {
	client, err := Dial("localhost:9000", "minioadmin", "minioadmin", false)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.ListBuckets(ctx); err != nil {
		t.Skipf("MinIO not available: %v", err)
	}

	const bucket = "graphstage-test"
	exists, err := client.BucketExists(ctx, bucket)
	require.NoError(t, err)
	if !exists {
		require.NoError(t, client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}))
	}

	s := store.NewCompressed(New(client, bucket, "it"), 0)
	require.NoError(t, s.Put(ctx, "m.gstg", strings.NewReader("container"), 9))

	rc, err := s.Get(ctx, "m.gstg")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "container", string(data))

	names, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Contains(t, names, "m.gstg")

	require.NoError(t, s.Delete(ctx, "m.gstg"))
	_, err = s.Get(ctx, "m.gstg")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
