package archive

import (
	"context"

	"github.com/agenr/agenr/pkg/config"
	"github.com/agenr/agenr/pkg/faults"
)

// NewFromConfig selects the archive backend from configuration:
// "fs" (default), "s3", or "gcs" (requires the gcp build tag).
func NewFromConfig(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.ArchiveStorageType {
	case "", "fs":
		return NewFileStore(cfg.ArchiveDir)
	case "s3":
		if cfg.ArchiveS3Bucket == "" {
			return nil, faults.Invalid("AGENR_ARCHIVE_S3_BUCKET is required for s3 archive storage")
		}
		region := cfg.ArchiveS3Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3Config{
			Bucket:   cfg.ArchiveS3Bucket,
			Region:   region,
			Endpoint: cfg.ArchiveS3Endpoint,
		})
	case "gcs":
		return newGCSFromConfig(ctx, cfg)
	default:
		return nil, faults.Invalid("unsupported archive storage type %q", cfg.ArchiveStorageType)
	}
}
