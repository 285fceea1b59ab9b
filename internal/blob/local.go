package blob

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// LocalStorage writes payloads to a directory on disk. Each object gets a
// random name so uploads can never collide or traverse outside the root.
type LocalStorage struct {
	root string
}

// NewLocalStorage prepares the storage directory.
func NewLocalStorage(root string) (*LocalStorage, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("local storage root required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root %s: %w", root, err)
	}
	return &LocalStorage{root: root}, nil
}

// Save writes the payload under a generated key. The original filename only
// survives as an extension hint.
func (s *LocalStorage) Save(_ context.Context, name, contentType string, data []byte) (Object, error) {
	key := uuid.NewString()
	if ext := sanitizeExtension(name); ext != "" {
		key += ext
	}
	path := filepath.Join(s.root, key)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return Object{}, fmt.Errorf("write object %s: %w", key, err)
	}
	return Object{
		Key:         key,
		Name:        name,
		ContentType: contentType,
		Size:        int64(len(data)),
	}, nil
}

// Open returns a reader over the stored payload.
func (s *LocalStorage) Open(_ context.Context, key string) (io.ReadCloser, error) {
	path, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open object %s: %w", key, err)
	}
	return file, nil
}

// Remove deletes the stored payload. Removing an absent object is not an
// error.
func (s *LocalStorage) Remove(_ context.Context, key string) error {
	path, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove object %s: %w", key, err)
	}
	return nil
}

// PurgeStale deletes payloads last modified before cutoff. Redeems remove
// their payload inline; this sweeps the leftovers from expired links and
// failed removals.
func (s *LocalStorage) PurgeStale(cutoff time.Time) error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("scan storage root: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(s.root, entry.Name())); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove stale object %s: %w", entry.Name(), err)
			}
		}
	}
	return nil
}

func (s *LocalStorage) resolve(key string) (string, error) {
	if key == "" || key != filepath.Base(key) {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(s.root, key), nil
}

func sanitizeExtension(name string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(name)))
	if ext == "" || ext == "." || len(ext) > 16 {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}
