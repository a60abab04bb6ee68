// Package storage implements the Storage Gateway: blob put and get with
// content checksums, backed by a local directory, an S3-compatible bucket
// or memory.
package storage

import (
	"context"
	"encoding/hex"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/ourtextscores/scorecore/internal/config"
	apperrors "github.com/ourtextscores/scorecore/internal/errors"
	"github.com/ourtextscores/scorecore/internal/models"
)

// Gateway stores and retrieves blobs.
type Gateway interface {
	// Put writes data under key and returns its locator. Writing identical
	// content to an existing key succeeds without rewriting it.
	Put(ctx context.Context, key string, data []byte, contentType string) (*models.StorageLocator, error)
	// Get reads the blob at bucket/key. A missing blob is NOT_FOUND.
	Get(ctx context.Context, bucket, key string) ([]byte, error)
}

// New builds the gateway selected by cfg.
func New(cfg config.StorageConfig) (Gateway, error) {
	switch cfg.Backend {
	case "fs":
		fs, err := NewFileStore(cfg.Root, cfg.Bucket)
		if err != nil {
			return nil, err
		}
		return fs, nil
	case "s3":
		client, err := NewS3Client(&S3Config{
			Endpoint:       cfg.S3.Endpoint,
			BucketName:     cfg.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			Region:         cfg.S3.Region,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	case "memory":
		return NewMemoryStore(cfg.Bucket), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// Checksum returns the hex BLAKE3-256 digest of data.
func Checksum(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ContentKey builds a content-addressed key: namespace/{hash[0:2]}/{hash}{ext}.
// Identical content under one namespace always maps to one key.
func ContentKey(namespace string, data []byte, ext string) string {
	sum := Checksum(data)
	return path.Join(namespace, sum[:2], sum+ext)
}

// validateKey rejects keys that could escape the bucket.
func validateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") {
		return apperrors.Validation("invalid storage key %q", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return apperrors.Validation("invalid storage key %q", key)
		}
	}
	return nil
}

func locator(bucket, key string, data []byte, contentType string, modified time.Time) *models.StorageLocator {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return &models.StorageLocator{
		Bucket:         bucket,
		ObjectKey:      key,
		SizeBytes:      int64(len(data)),
		Checksum:       Checksum(data),
		ContentType:    contentType,
		LastModifiedAt: modified.UTC(),
	}
}

func storageErr(format string, err error, args ...interface{}) error {
	return apperrors.Wrap(apperrors.ErrStorage, fmt.Sprintf(format, args...), err)
}

func notFound(bucket, key string) error {
	return apperrors.NotFound("object %s/%s not found", bucket, key)
}
