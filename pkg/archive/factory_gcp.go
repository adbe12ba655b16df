//go:build gcp

package archive

import (
	"context"

	"github.com/agenr/agenr/pkg/config"
	"github.com/agenr/agenr/pkg/faults"
)

func newGCSFromConfig(ctx context.Context, cfg *config.Config) (Store, error) {
	if cfg.ArchiveGCSBucket == "" {
		return nil, faults.Invalid("AGENR_ARCHIVE_GCS_BUCKET is required for gcs archive storage")
	}
	return NewGCSStore(ctx, GCSConfig{Bucket: cfg.ArchiveGCSBucket})
}
