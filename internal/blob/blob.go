// Package blob stores submitted images until a worker has classified them.
package blob

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/timamz/SmartScale/internal/config"
)

var ErrNotFound = errors.New("blob not found")

// Store is the image storage interface.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

// ImageKey is the storage key for a job's image, e.g. images/<job_id>.jpg.
func ImageKey(jobID uuid.UUID, ext string) string {
	return "images/" + jobID.String() + ext
}

// Open returns the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.BlobConfig) (Store, error) {
	switch cfg.Driver {
	case "fs":
		return NewFSStore(cfg.LocalPath)
	case "s3":
		return NewS3Store(ctx, cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Bucket, cfg.S3UseSSL)
	default:
		return nil, fmt.Errorf("unsupported blob driver %q: must be one of fs, s3", cfg.Driver)
	}
}
