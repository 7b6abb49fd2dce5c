package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/acelab/ace/internal/events"
	"github.com/acelab/ace/internal/storage"
)

// StoreContent stores the stream in the content-addressed store and returns
// its sha256.
func (c *Core) StoreContent(ctx context.Context, content io.Reader, meta *storage.ContentMeta) (string, error) {
	if c.content == nil {
		return "", fmt.Errorf("no content store configured")
	}
	sha, err := c.content.StoreContent(ctx, content, meta)
	if err != nil {
		return "", err
	}
	c.bus.FireEvent(ctx, events.EventStorageNew, sha)
	return sha, nil
}

// GetContentBytes returns the stored content.
func (c *Core) GetContentBytes(ctx context.Context, sha string) ([]byte, error) {
	return c.content.GetContentBytes(ctx, sha)
}

// OpenContent opens the stored content for streaming reads.
func (c *Core) OpenContent(ctx context.Context, sha string) (io.ReadCloser, error) {
	return c.content.OpenContent(ctx, sha)
}

// GetContentMeta returns the metadata of the stored content, or nil.
func (c *Core) GetContentMeta(ctx context.Context, sha string) (*storage.ContentMeta, error) {
	return c.content.GetContentMeta(ctx, sha)
}

// DeleteContent removes the blob and its metadata; idempotent.
func (c *Core) DeleteContent(ctx context.Context, sha string) (bool, error) {
	deleted, err := c.content.DeleteContent(ctx, sha)
	if err != nil {
		return false, err
	}
	if deleted {
		c.bus.FireEvent(ctx, events.EventStorageDeleted, sha)
	}
	return deleted, nil
}

// TrackContentRoot records that the root references the blob.
func (c *Core) TrackContentRoot(ctx context.Context, sha, rootUUID string) error {
	return c.content.TrackContentRoot(ctx, sha, rootUUID)
}

// HasValidRootReference reports whether at least one root referencing the
// content still exists.
func (c *Core) HasValidRootReference(ctx context.Context, meta *storage.ContentMeta) (bool, error) {
	for _, rootUUID := range meta.Roots {
		exists, err := c.roots.RootExists(ctx, rootUUID)
		if err != nil {
			return false, err
		}
		if exists {
			return true, nil
		}
	}
	return false, nil
}

// DeleteExpiredContent deletes expired content whose referencing roots are
// all gone.
func (c *Core) DeleteExpiredContent(ctx context.Context) (int, error) {
	if c.content == nil {
		return 0, nil
	}

	expired, err := c.content.ExpiredContent(ctx)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, meta := range expired {
		valid, err := c.HasValidRootReference(ctx, meta)
		if err != nil {
			return deleted, err
		}
		if valid {
			continue
		}
		if _, err := c.DeleteContent(ctx, meta.SHA256); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// SaveFile stores the file at path and returns its sha256.
func (c *Core) SaveFile(ctx context.Context, path string, meta *storage.ContentMeta) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	if meta == nil {
		meta = &storage.ContentMeta{}
	}
	if meta.Name == "" {
		meta.Name = filepath.Base(path)
	}
	return c.StoreContent(ctx, file, meta)
}

// LoadFile writes the stored content to path and returns its metadata.
func (c *Core) LoadFile(ctx context.Context, sha, path string) (*storage.ContentMeta, error) {
	reader, err := c.content.OpenContent(ctx, sha)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	if _, err := io.Copy(file, reader); err != nil {
		return nil, err
	}
	return c.content.GetContentMeta(ctx, sha)
}
