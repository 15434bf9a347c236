package evidence

import (
	"context"
	"fmt"
	"os"

	"github.com/Quillon-Labs/orderdesk/pkg/config"
)

// StoreType represents the type of evidence storage backend.
type StoreType string

const (
	StoreTypeFS  StoreType = "fs"
	StoreTypeS3  StoreType = "s3"
	StoreTypeGCS StoreType = "gcs"
)

// NewStoreFromConfig creates an evidence store from runtime configuration.
//
// For fs, BLOB_ENDPOINT is the base directory (default "data/evidence").
// For s3, BLOB_ENDPOINT optionally overrides the endpoint for MinIO or
// LocalStack; the region comes from AWS_REGION. The bucket names come from
// BLOB_INCOMING_BUCKET and BLOB_AUDIT_BUCKET in both cases.
func NewStoreFromConfig(ctx context.Context, cfg *config.Config) (Store, error) {
	switch StoreType(cfg.BlobStoreType) {
	case StoreTypeFS, "":
		baseDir := cfg.BlobEndpoint
		if baseDir == "" {
			baseDir = "data/evidence"
		}
		return NewFileStore(baseDir, cfg.BlobIncomingBucket, cfg.BlobAuditBucket)
	case StoreTypeS3:
		region := os.Getenv("AWS_REGION")
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3StoreConfig{
			Region:         region,
			Endpoint:       cfg.BlobEndpoint,
			IncomingBucket: cfg.BlobIncomingBucket,
			AuditBucket:    cfg.BlobAuditBucket,
		})
	case StoreTypeGCS:
		return newGCSStoreFromConfig(ctx, cfg)
	default:
		return nil, fmt.Errorf("evidence: unsupported storage type %q", cfg.BlobStoreType)
	}
}
