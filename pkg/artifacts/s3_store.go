package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Store keeps deliverables in an S3 bucket under
// <prefix><runSessionId>.zip.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string // optional key prefix (e.g. "deliverables/")
}

// S3StoreConfig holds configuration for S3Store.
type S3StoreConfig struct {
	Bucket   string
	Region   string
	Endpoint string // optional custom endpoint (for MinIO, LocalStack, etc.)
	Prefix   string
}

// NewS3Store creates an S3-backed deliverable store.
func NewS3Store(ctx context.Context, cfg S3StoreConfig) (*S3Store, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	clientOpts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // required for MinIO/LocalStack
		}
	}

	return &S3Store{
		client: s3.NewFromConfig(awsCfg, clientOpts),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (s *S3Store) keyFor(runSessionID string) string {
	return s.prefix + runSessionID + ".zip"
}

// Put uploads the archive. Uploads with identical content are harmless
// rewrites of the same key.
func (s *S3Store) Put(ctx context.Context, runSessionID string, data []byte) (Ref, error) {
	if err := checkRunSessionID(runSessionID); err != nil {
		return Ref{}, err
	}
	key := s.keyFor(runSessionID)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/zip"),
	})
	if err != nil {
		return Ref{}, fmt.Errorf("s3 put failed: %w", err)
	}

	return Ref{Key: key, SHA256: hashOf(data), SizeBytes: len(data)}, nil
}

func (s *S3Store) Get(ctx context.Context, runSessionID string) ([]byte, error) {
	if err := checkRunSessionID(runSessionID); err != nil {
		return nil, err
	}
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.keyFor(runSessionID)),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get failed for %s: %w", runSessionID, err)
	}
	defer func() { _ = result.Body.Close() }()

	//nolint:wrapcheck // caller provides context
	return io.ReadAll(result.Body)
}

func (s *S3Store) Exists(ctx context.Context, runSessionID string) (bool, error) {
	if err := checkRunSessionID(runSessionID); err != nil {
		return false, err
	}
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.keyFor(runSessionID)),
	})
	if err != nil {
		return false, nil
	}
	return true, nil
}

func (s *S3Store) Delete(ctx context.Context, runSessionID string) error {
	if err := checkRunSessionID(runSessionID); err != nil {
		return err
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.keyFor(runSessionID)),
	})
	if err != nil {
		return fmt.Errorf("s3 delete failed for %s: %w", runSessionID, err)
	}
	return nil
}
