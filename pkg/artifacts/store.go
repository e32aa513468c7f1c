// Package artifacts persists document blobs (drafts, signature images,
// signed copies) behind a small key/URL interface with filesystem, S3 and
// GCS backends.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNotFound is returned by Get for a missing object.
var ErrNotFound = errors.New("artifact not found")

// Store is blob storage addressed by key on write and by URL on read.
type Store interface {
	// Put writes data under key, replacing any previous object, and returns its URL.
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	// Get reads the object at url.
	Get(ctx context.Context, url string) ([]byte, error)
	// Exists reports whether the object at url is present.
	Exists(ctx context.Context, url string) (bool, error)
	// Delete removes the object at url. Missing objects are not an error.
	Delete(ctx context.Context, url string) error
}

// CleanKey validates a relative object key.
func CleanKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("empty artifact key")
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", fmt.Errorf("invalid artifact key: %q", key)
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("invalid artifact key: %q", key)
	}
	return cleaned, nil
}

// splitURL parses scheme://host/key and checks the scheme.
func splitURL(raw, scheme string) (host, key string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("invalid artifact url %q: %w", raw, err)
	}
	if u.Scheme != scheme {
		return "", "", fmt.Errorf("artifact url %q: expected scheme %s", raw, scheme)
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}

// FileStore is a filesystem-backed implementation of Store.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates a store rooted at baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve artifact dir: %w", err)
	}
	//nolint:gosec // G301: 0755 is intentional for shared artifact directory
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure artifact dir: %w", err)
	}
	return &FileStore{baseDir: abs}, nil
}

func (s *FileStore) urlFor(key string) string {
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(filepath.Join(s.baseDir, key))}).String()
}

func (s *FileStore) pathFor(raw string) (string, error) {
	_, p, err := splitURL(raw, "file")
	if err != nil {
		return "", err
	}
	full := filepath.Clean(filepath.FromSlash("/" + p))
	if !strings.HasPrefix(full, s.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("artifact url %q is outside the store", raw)
	}
	return full, nil
}

func (s *FileStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	key, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	full := filepath.Join(s.baseDir, filepath.FromSlash(key))
	//nolint:gosec // G301: 0755 is intentional for shared artifact directory
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return "", fmt.Errorf("failed to ensure artifact dir: %w", err)
	}

	// Write to temp, then rename
	tmp, err := os.CreateTemp(filepath.Dir(full), ".put-*")
	if err != nil {
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to commit blob: %w", err)
	}
	return s.urlFor(key), nil
}

func (s *FileStore) Get(ctx context.Context, raw string) ([]byte, error) {
	full, err := s.pathFor(raw)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := os.Open(full) //nolint:gosec // path confined to baseDir
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, raw)
		}
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close() //nolint:errcheck // best-effort close

	b, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	return b, nil
}

func (s *FileStore) Exists(ctx context.Context, raw string) (bool, error) {
	full, err := s.pathFor(raw)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err = os.Stat(full)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat artifact: %w", err)
}

func (s *FileStore) Delete(ctx context.Context, raw string) error {
	full, err := s.pathFor(raw)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}
	return nil
}
