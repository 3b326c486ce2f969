package siem

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
)

// encodeBatch renders a batch as JSON lines.
func encodeBatch(batch []contracts.ForwardPayload) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, p := range batch {
		if err := enc.Encode(p); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// objectKey partitions archives by day; the first event id keeps keys unique.
func objectKey(prefix string, now time.Time, batch []contracts.ForwardPayload) string {
	first := "empty"
	if len(batch) > 0 {
		first = batch[0].EventID
	}
	return fmt.Sprintf("%s%s/%s-%d.jsonl", prefix, now.UTC().Format("2006/01/02"), first, len(batch))
}

type s3PutAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archive writes each batch as one JSONL object.
type S3Archive struct {
	client s3PutAPI
	bucket string
	prefix string
	now    func() time.Time
}

// NewS3Archive loads the default AWS credential chain.
func NewS3Archive(ctx context.Context, cfg Config) (*S3Archive, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("siem: s3 archive needs a bucket")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO/LocalStack
		}
	})
	return newS3Archive(client, cfg), nil
}

func newS3Archive(client s3PutAPI, cfg Config) *S3Archive {
	return &S3Archive{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix, now: time.Now}
}

func (a *S3Archive) Name() string { return "s3:" + a.bucket }

func (a *S3Archive) Send(ctx context.Context, batch []contracts.ForwardPayload) error {
	data, err := encodeBatch(batch)
	if err != nil {
		return err
	}
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(objectKey(a.prefix, a.now(), batch)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("s3 put failed: %w", err)
	}
	return nil
}
