package storage

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ourtextscores/scorecore/internal/models"
)

// FileStore keeps blobs under root/bucket/key on the local filesystem.
type FileStore struct {
	root   string
	bucket string
}

// NewFileStore creates the bucket directory if needed.
func NewFileStore(root, bucket string) (*FileStore, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if err := os.MkdirAll(filepath.Join(root, bucket), 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &FileStore{root: root, bucket: bucket}, nil
}

func (s *FileStore) path(bucket, key string) string {
	return filepath.Join(s.root, bucket, filepath.FromSlash(key))
}

// Put writes data through a temporary file and renames it into place, so
// readers never see a partial object.
func (s *FileStore) Put(ctx context.Context, key string, data []byte, contentType string) (*models.StorageLocator, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, storageErr("put %s canceled", err, key)
	}

	filePath := s.path(s.bucket, key)
	if existing, err := os.ReadFile(filePath); err == nil && bytes.Equal(existing, data) {
		info, statErr := os.Stat(filePath)
		if statErr == nil {
			return locator(s.bucket, key, data, contentType, info.ModTime()), nil
		}
	}

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, storageErr("failed to create storage directory for %s", err, key)
	}
	tmp, err := os.CreateTemp(dir, ".put-*")
	if err != nil {
		return nil, storageErr("failed to create temp file for %s", err, key)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return nil, storageErr("failed to write %s", err, key)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return nil, storageErr("failed to sync %s", err, key)
	}
	if err := tmp.Close(); err != nil {
		return nil, storageErr("failed to close %s", err, key)
	}
	if err := os.Rename(tmp.Name(), filePath); err != nil {
		return nil, storageErr("failed to move %s into storage", err, key)
	}

	info, err := os.Stat(filePath)
	if err != nil {
		return nil, storageErr("failed to stat %s", err, key)
	}
	return locator(s.bucket, key, data, contentType, info.ModTime()), nil
}

// Get reads a stored blob.
func (s *FileStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if bucket == "" {
		bucket = s.bucket
	}
	if err := validateKey(bucket); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(bucket, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, notFound(bucket, key)
		}
		return nil, storageErr("failed to read %s/%s", err, bucket, key)
	}
	return data, nil
}
