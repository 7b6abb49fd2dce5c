package content

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/acelab/ace/internal/acerr"
	"github.com/acelab/ace/internal/storage"
)

func TestStoreAndRetrieve(t *testing.T) {
	ctx := context.Background()
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	payload := []byte("file content here")
	expected := sha256.Sum256(payload)

	sha, err := store.StoreContent(ctx, bytes.NewReader(payload), &storage.ContentMeta{Name: "sample.txt"})
	require.NoError(t, err)
	require.Equal(t, hex.EncodeToString(expected[:]), sha)

	data, err := store.GetContentBytes(ctx, sha)
	require.NoError(t, err)
	require.Equal(t, payload, data)

	meta, err := store.GetContentMeta(ctx, sha)
	require.NoError(t, err)
	require.Equal(t, "sample.txt", meta.Name)
	require.Equal(t, int64(len(payload)), meta.Size)
	require.Equal(t, sha, meta.SHA256)
}

func TestMissingContent(t *testing.T) {
	ctx := context.Background()
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.GetContentBytes(ctx, "abcdef0123456789abcdef0123456789abcdef0123456789abcdef0123456789")
	require.Error(t, err)
	require.Equal(t, acerr.CodeUnknownFile, acerr.CodeOf(err))
}

func TestRootReferences(t *testing.T) {
	ctx := context.Background()
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	sha, err := store.StoreContent(ctx, bytes.NewReader([]byte("data")), nil)
	require.NoError(t, err)

	require.NoError(t, store.TrackContentRoot(ctx, sha, "root-1"))
	require.NoError(t, store.TrackContentRoot(ctx, sha, "root-2"))
	require.NoError(t, store.TrackContentRoot(ctx, sha, "root-1")) // idempotent

	meta, err := store.GetContentMeta(ctx, sha)
	require.NoError(t, err)
	require.Equal(t, []string{"root-1", "root-2"}, meta.Roots)
}

func TestDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	sha, err := store.StoreContent(ctx, bytes.NewReader([]byte("data")), nil)
	require.NoError(t, err)

	deleted, err := store.DeleteContent(ctx, sha)
	require.NoError(t, err)
	require.True(t, deleted)

	deleted, err = store.DeleteContent(ctx, sha)
	require.NoError(t, err)
	require.False(t, deleted)
}

func TestExpiredContent(t *testing.T) {
	ctx := context.Background()
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	past := time.Now().Add(-time.Hour)
	sha, err := store.StoreContent(ctx, bytes.NewReader([]byte("old")), &storage.ContentMeta{
		Name:           "old.bin",
		ExpirationDate: &past,
	})
	require.NoError(t, err)

	future := time.Now().Add(time.Hour)
	_, err = store.StoreContent(ctx, bytes.NewReader([]byte("fresh")), &storage.ContentMeta{
		Name:           "fresh.bin",
		ExpirationDate: &future,
	})
	require.NoError(t, err)

	expired, err := store.ExpiredContent(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, sha, expired[0].SHA256)
}
