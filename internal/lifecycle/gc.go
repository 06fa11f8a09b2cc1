package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gftdcojp/hpcds/internal/lease"
	"github.com/gftdcojp/hpcds/internal/meta"
	"github.com/gftdcojp/hpcds/internal/types"
	"go.uber.org/zap"
)

// CollectOrphans removes journal records whose endpoint no longer answers.
// This happens when a server is stopped or restarted outside this client.
func CollectOrphans(ctx context.Context, journal meta.Store, mgr *lease.Manager, dataset string, logger *zap.Logger) (int, error) {
	recs, err := journal.ListLeases(ctx, dataset)
	if err != nil {
		return 0, err
	}

	collected := 0
	for _, rec := range recs {
		if !rec.Expired(mgr.Now()) {
			ok, unbounded := reachable(ctx, mgr, &rec, logger)
			if ok {
				if unbounded && rec.Bounded() {
					// The server outlives the requested timeout; keep the
					// record until the endpoint goes away.
					rec.ExpiresAt = time.Time{}
					if err := journal.RecordLease(ctx, rec); err != nil {
						logger.Warn("failed to update lease record",
							zap.String("key", rec.Key), zap.Error(err))
					}
				}
				continue
			}
		}
		if err := journal.DeleteLease(ctx, dataset, rec.Key); err != nil {
			logger.Error("failed to delete orphaned lease",
				zap.String("key", rec.Key), zap.Error(err))
			continue
		}
		collected++
	}

	return collected, nil
}

// reachable probes the endpoint of rec. It also reports whether the server
// runs without a time limit.
func reachable(ctx context.Context, mgr *lease.Manager, rec *meta.LeaseRecord, logger *zap.Logger) (ok, unbounded bool) {
	version, err := types.ParseVersion(rec.Version)
	if err != nil {
		logger.Warn("unreadable lease record", zap.String("key", rec.Key), zap.Error(err))
		return false, false
	}
	access, err := types.ParseAccessMode(rec.Access)
	if err != nil {
		logger.Warn("unreadable lease record", zap.String("key", rec.Key), zap.Error(err))
		return false, false
	}
	key := lease.Key{
		Resolution: types.Point3D{X: rec.Resolution[0], Y: rec.Resolution[1], Z: rec.Resolution[2]},
		Version:    version,
		Access:     access,
	}

	info, err := mgr.Info(ctx, lease.Restore(rec.BaseURL, rec.Endpoint, key, rec.Timeout, rec.ExpiresAt))
	if err == nil {
		return true, info.Unbounded()
	}

	var se *types.StatusError
	if errors.Is(err, types.ErrNetworkFailure) || (errors.As(err, &se) && se.Status == http.StatusNotFound) {
		logger.Warn("orphaned lease found, cleaning up",
			zap.String("key", rec.Key), zap.String("endpoint", rec.Endpoint), zap.Error(err))
		return false, false
	}
	// Other failures leave the record alone.
	logger.Warn("error probing lease endpoint", zap.String("key", rec.Key), zap.Error(err))
	return true, false
}
