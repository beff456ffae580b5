package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// StoreType selects the deliverable storage backend.
type StoreType string

const (
	StoreTypeFS StoreType = "fs"
	StoreTypeS3 StoreType = "s3"
)

// NewStoreFromEnv creates a deliverable store based on environment variables.
//
// Environment variables:
//   - DELIVERABLE_STORAGE_TYPE: "fs" (default) or "s3"
//   - DATA_DIR: base directory for the filesystem store (default: "data")
//
// For S3:
//   - AWS_REGION or DELIVERABLE_S3_REGION
//   - DELIVERABLE_S3_BUCKET (required)
//   - DELIVERABLE_S3_ENDPOINT (optional, for MinIO/LocalStack)
//   - DELIVERABLE_S3_PREFIX (optional)
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	storeType := StoreType(os.Getenv("DELIVERABLE_STORAGE_TYPE"))
	if storeType == "" {
		storeType = StoreTypeFS
	}

	switch storeType {
	case StoreTypeFS:
		return newFileStoreFromEnv()
	case StoreTypeS3:
		return newS3StoreFromEnv(ctx)
	default:
		return nil, fmt.Errorf("unsupported deliverable storage type: %s", storeType)
	}
}

func newFileStoreFromEnv() (Store, error) {
	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = "data"
	}
	return NewFileStore(filepath.Join(dataDir, "deliverables"))
}

func newS3StoreFromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("DELIVERABLE_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("DELIVERABLE_S3_BUCKET is required for S3 storage")
	}

	region := os.Getenv("DELIVERABLE_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}

	return NewS3Store(ctx, S3StoreConfig{
		Bucket:   bucket,
		Region:   region,
		Endpoint: os.Getenv("DELIVERABLE_S3_ENDPOINT"),
		Prefix:   os.Getenv("DELIVERABLE_S3_PREFIX"),
	})
}
