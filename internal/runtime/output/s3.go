package output

import (
	"bytes"
	"context"
	"errors"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3API is the subset of the S3 client the sink calls.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// NewS3Client allows overriding the S3 client for testing.
var NewS3Client = func(cfg aws.Config) S3API {
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		// Custom endpoints such as LocalStack only serve path-style buckets.
		o.UsePathStyle = cfg.BaseEndpoint != nil
	})
}

// S3Sink writes one object per result. Keys derive from the idempotency key,
// so a repeated send overwrites the same object.
type S3Sink struct {
	client S3API
	bucket string
	prefix string
}

func NewS3Sink(client S3API, bucket, prefix string) (*S3Sink, error) {
	if client == nil {
		return nil, errors.New("s3 sink: client is required")
	}
	if bucket == "" {
		return nil, errors.New("s3 sink: bucket is required")
	}
	return &S3Sink{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

func (s *S3Sink) Name() string { return ModeS3 }

// ObjectKey returns prefix/symbol/strategy/<idempotency key>.json.
func (s *S3Sink) ObjectKey(env Envelope) string {
	return path.Join(s.prefix, env.Result.Symbol, env.Result.Strategy, env.IdempotencyKey+".json")
}

func (s *S3Sink) Send(ctx context.Context, env Envelope) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.ObjectKey(env)),
		Body:        bytes.NewReader(env.Payload),
		ContentType: aws.String("application/json"),
		Metadata:    s3Metadata(env),
	})
	return err
}

func s3Metadata(env Envelope) map[string]string {
	md := make(map[string]string, len(env.Metadata))
	for k, v := range env.Metadata {
		// S3 user metadata keys travel as x-amz-meta-* headers.
		md[strings.ReplaceAll(k, "_", "-")] = v
	}
	return md
}

func (s *S3Sink) Close() error { return nil }
