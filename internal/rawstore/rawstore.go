package rawstore

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Store persists verbatim ingest payloads. Objects are written once and
// never mutated.
type Store interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
}

type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseTLS    bool
	Bucket    string
}

// MinIO writes raw payloads to any S3 compatible object store.
type MinIO struct {
	mc     *minio.Client
	bucket string
}

func NewMinIO(opts Options) (*MinIO, error) {
	mc, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseTLS,
	})
	if err != nil {
		return nil, err
	}
	return &MinIO{mc: mc, bucket: opts.Bucket}, nil
}

func (c *MinIO) EnsureBucket(ctx context.Context) error {
	exists, err := c.mc.BucketExists(ctx, c.bucket)
	if err != nil {
		return err
	}
	if !exists {
		return c.mc.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{})
	}
	return nil
}

func (c *MinIO) Put(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := c.mc.PutObject(ctx, c.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	return err
}

// NewKey derives a fresh object key from the ingest time. Keys are unique per
// call so a resubmitted payload never overwrites an earlier object.
func NewKey(prefix string, ingestedAt time.Time) string {
	if prefix == "" {
		prefix = "raw"
	}
	t := ingestedAt.UTC()
	return fmt.Sprintf("%s/year=%04d/month=%02d/day=%02d/%s-%s.json",
		prefix, t.Year(), t.Month(), t.Day(), t.Format("20060102T150405.000000000Z"), uuid.NewString())
}
