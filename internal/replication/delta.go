package replication

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/driftsync/pkg/logger"
	"github.com/ajitpratap0/driftsync/pkg/metrics"
	"github.com/ajitpratap0/driftsync/pkg/store"
	"github.com/ajitpratap0/driftsync/pkg/syncerrors"
)

// DeltaResult reports the outcome of a delta sync. Every key of the change
// set appears in exactly one of the three lists.
type DeltaResult struct {
	AppliedKeys []string `json:"applied_keys"`
	FailedKeys  []string `json:"failed_keys"`
	// SkippedKeys vanished from the source before they could be fetched
	SkippedKeys []string `json:"skipped_keys,omitempty"`
}

// Delta fetches each key of cs from the source and upserts it into the
// target, up to the configured number of keys at a time. A failure on one
// key never stops the others. If any key failed the result is returned
// together with a partial_batch error listing the failed keys.
func (r *Replicator) Delta(ctx context.Context, cs ChangeSet) (DeltaResult, error) {
	ctx = context.WithValue(ctx, logger.StrategyKey, metrics.StrategyDelta)
	var (
		mu       sync.Mutex
		res      DeltaResult
		failures = make(map[string]error)
	)

	g := new(errgroup.Group)
	g.SetLimit(r.workers)

	for key := range cs {
		key := key
		g.Go(func() error {
			err := r.applyKey(ctx, key)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				res.AppliedKeys = append(res.AppliedKeys, key)
			case syncerrors.IsType(err, syncerrors.ErrorTypeRecordNotFound):
				res.SkippedKeys = append(res.SkippedKeys, key)
			default:
				res.FailedKeys = append(res.FailedKeys, key)
				failures[key] = err
			}
			// per-key failures are collected, never returned to the group
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(res.AppliedKeys)
	sort.Strings(res.FailedKeys)
	sort.Strings(res.SkippedKeys)

	log := logger.WithContext(ctx, r.logger)
	if len(res.SkippedKeys) > 0 {
		log.Info("skipped keys no longer in source", zap.Strings("keys", res.SkippedKeys))
	}
	if len(failures) > 0 {
		metrics.DeltaFailures.Add(float64(len(failures)))
		log.Warn("delta sync partially failed",
			zap.Int("applied", len(res.AppliedKeys)),
			zap.Strings("failed_keys", res.FailedKeys))
		return res, syncerrors.PartialBatch(failures, cs.Len())
	}

	log.Debug("delta sync completed", zap.Int("applied", len(res.AppliedKeys)))
	return res, nil
}

func (r *Replicator) applyKey(ctx context.Context, key string) error {
	rec, err := store.Get(ctx, r.source, key)
	if err != nil {
		return err
	}
	return r.apply(ctx, metrics.StrategyDelta, rec)
}
