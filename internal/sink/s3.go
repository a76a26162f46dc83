package sink

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/gyaneshwarpardhi/linkreach/internal/batcher"
)

// ObjectPutter is the subset of *s3.Client the sink needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 writes batches and backup archives to an S3-compatible bucket.
type S3 struct {
	client ObjectPutter
	bucket string
	prefix string
}

// NewS3 creates an S3 sink. If endpoint is non-empty, path-style addressing
// is enabled (for MinIO and similar).
func NewS3(ctx context.Context, bucket, prefix, region, endpoint string) (*S3, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var s3opts []func(*s3.Options)
	if endpoint != "" {
		s3opts = append(s3opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}
	return NewS3WithClient(s3.NewFromConfig(cfg, s3opts...), bucket, prefix), nil
}

func NewS3WithClient(client ObjectPutter, bucket, prefix string) *S3 {
	return &S3{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3) Name() string { return "s3" }

// BatchKey is the object key for one sub-batch:
// <prefix>/batches/YYYY/MM/DD/<id>-<part>.json[.gz|.zst].
func (s *S3) BatchKey(b batcher.Batch) string {
	name := fmt.Sprintf("%s-%d.json", b.ID, b.Part)
	switch b.Encoding {
	case batcher.EncodingGzip:
		name += ".gz"
	case batcher.EncodingZstd:
		name += ".zst"
	}
	return path.Join(s.prefix, "batches", b.CreatedAt.UTC().Format("2006/01/02"), name)
}

func (s *S3) Deliver(ctx context.Context, b batcher.Batch) error {
	return s.put(ctx, s.BatchKey(b), b.Payload, contentType(b.Encoding))
}

// Archive stores body under key, relative to the sink prefix.
func (s *S3) Archive(ctx context.Context, key string, body []byte) error {
	return s.put(ctx, path.Join(s.prefix, key), body, "application/json")
}

func (s *S3) put(ctx context.Context, key string, body []byte, ct string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(ct),
	})
	if err != nil {
		return fmt.Errorf("s3 put object %s: %w", key, err)
	}
	return nil
}
