//go:build gcp

package siem

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/storage"

	"github.com/Mindburn-Labs/arbiter/pkg/audit"
	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
)

// GCSArchive writes each batch as one JSONL object in a GCS bucket.
type GCSArchive struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSArchive uses application default credentials.
func NewGCSArchive(ctx context.Context, cfg Config) (audit.Sink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("siem: gcs archive needs a bucket")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSArchive{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (a *GCSArchive) Name() string { return "gcs:" + a.bucket }

func (a *GCSArchive) Send(ctx context.Context, batch []contracts.ForwardPayload) error {
	data, err := encodeBatch(batch)
	if err != nil {
		return err
	}
	w := a.client.Bucket(a.bucket).Object(objectKey(a.prefix, time.Now(), batch)).NewWriter(ctx)
	w.ContentType = "application/x-ndjson"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs close failed: %w", err)
	}
	return nil
}
