//go:build gcp

package evidence

import (
	"context"

	"github.com/Quillon-Labs/orderdesk/pkg/config"
)

func newGCSStoreFromConfig(ctx context.Context, cfg *config.Config) (Store, error) {
	return NewGCSStore(ctx, GCSStoreConfig{
		IncomingBucket: cfg.BlobIncomingBucket,
		AuditBucket:    cfg.BlobAuditBucket,
	})
}
