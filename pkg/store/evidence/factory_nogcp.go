//go:build !gcp

package evidence

import (
	"context"
	"fmt"

	"github.com/Quillon-Labs/orderdesk/pkg/config"
)

func newGCSStoreFromConfig(ctx context.Context, cfg *config.Config) (Store, error) {
	return nil, fmt.Errorf("evidence: GCS storage is not enabled in this build (use -tags gcp)")
}
