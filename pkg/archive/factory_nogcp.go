//go:build !gcp

package archive

import (
	"context"

	"github.com/agenr/agenr/pkg/config"
	"github.com/agenr/agenr/pkg/faults"
)

func newGCSFromConfig(_ context.Context, _ *config.Config) (Store, error) {
	return nil, faults.Invalid("gcs archive storage is not enabled in this build (use -tags gcp)")
}
