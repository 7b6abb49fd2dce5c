// Package content implements the sha256-addressed blob store on the local
// filesystem. Each blob lives under the storage root sharded by hash
// prefix, with a JSON sidecar holding its metadata and root references.
package content

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/acelab/ace/internal/acerr"
	"github.com/acelab/ace/internal/storage"
)

const metaSuffix = ".meta.json"

// Store is a filesystem-backed storage.ContentStore.
type Store struct {
	root string
	mu   sync.Mutex // serializes sidecar read-modify-write
}

var _ storage.ContentStore = (*Store)(nil)

// NewStore creates the store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &Store{root: dir}, nil
}

func (s *Store) contentPath(sha string) string {
	return filepath.Join(s.root, sha[:2], sha)
}

func (s *Store) metaPath(sha string) string {
	return s.contentPath(sha) + metaSuffix
}

func (s *Store) StoreContent(_ context.Context, content io.Reader, meta *storage.ContentMeta) (string, error) {
	tmp, err := os.CreateTemp(s.root, "incoming-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), content)
	if err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	sha := strings.ToLower(hex.EncodeToString(hasher.Sum(nil)))
	target := s.contentPath(sha)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return "", err
	}

	if meta == nil {
		meta = &storage.ContentMeta{}
	}
	meta.SHA256 = sha
	meta.Size = size
	meta.Location = target
	meta.InsertDate = time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeMeta(meta); err != nil {
		return "", err
	}
	return sha, nil
}

func (s *Store) GetContentBytes(ctx context.Context, sha string) ([]byte, error) {
	reader, err := s.OpenContent(ctx, sha)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

func (s *Store) OpenContent(_ context.Context, sha string) (io.ReadCloser, error) {
	file, err := os.Open(s.contentPath(sha))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, acerr.UnknownFile(sha)
		}
		return nil, err
	}
	return file, nil
}

func (s *Store) GetContentMeta(_ context.Context, sha string) (*storage.ContentMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readMeta(sha)
}

func (s *Store) DeleteContent(_ context.Context, sha string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := false
	if err := os.Remove(s.contentPath(sha)); err == nil {
		deleted = true
	} else if !os.IsNotExist(err) {
		return false, err
	}
	if err := os.Remove(s.metaPath(sha)); err != nil && !os.IsNotExist(err) {
		return deleted, err
	}
	return deleted, nil
}

func (s *Store) TrackContentRoot(_ context.Context, sha, rootUUID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.readMeta(sha)
	if err != nil {
		return err
	}
	if meta == nil {
		return acerr.UnknownFile(sha)
	}
	for _, existing := range meta.Roots {
		if existing == rootUUID {
			return nil
		}
	}
	meta.Roots = append(meta.Roots, rootUUID)
	return s.writeMeta(meta)
}

func (s *Store) ExpiredContent(_ context.Context) ([]*storage.ContentMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var result []*storage.ContentMeta

	err := filepath.Walk(s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || !strings.HasSuffix(path, metaSuffix) {
			return err
		}
		meta, err := readMetaFile(path)
		if err != nil {
			return err
		}
		if meta.ExpirationDate != nil && now.After(*meta.ExpirationDate) {
			result = append(result, meta)
		}
		return nil
	})
	return result, err
}

func (s *Store) readMeta(sha string) (*storage.ContentMeta, error) {
	meta, err := readMetaFile(s.metaPath(sha))
	if os.IsNotExist(err) {
		return nil, nil
	}
	return meta, err
}

func readMetaFile(path string) (*storage.ContentMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var meta storage.ContentMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (s *Store) writeMeta(meta *storage.ContentMeta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.metaPath(meta.SHA256), data, 0o644)
}
