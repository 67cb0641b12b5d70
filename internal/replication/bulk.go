package replication

import (
	"context"

	"go.uber.org/zap"

	"github.com/ajitpratap0/driftsync/pkg/logger"
	"github.com/ajitpratap0/driftsync/pkg/metrics"
	"github.com/ajitpratap0/driftsync/pkg/models"
)

// Bulk copies the entire source into the target in one pass and returns the
// number of records written. The whole source is loaded into memory, so it
// is meant for small datasets and initial seeding.
//
// The pass is not atomic: on failure the target keeps every record written
// so far and the returned error reports the count through Applied. Re-running
// is safe.
func (r *Replicator) Bulk(ctx context.Context) (int, error) {
	r.sink.Reset()
	ctx = context.WithValue(ctx, logger.StrategyKey, metrics.StrategyBulk)
	log := logger.WithContext(ctx, r.logger)

	records, err := r.source.Find(ctx, nil, models.FindOptions{})
	if err != nil {
		return 0, aborted(err, metrics.StrategyBulk, 0)
	}

	applied := 0
	for _, rec := range records {
		if err := r.apply(ctx, metrics.StrategyBulk, rec); err != nil {
			log.Error("bulk sync aborted",
				zap.String("key", rec.Key),
				zap.Int("applied", applied),
				zap.Int("total", len(records)),
				zap.Error(err))
			return applied, aborted(err, metrics.StrategyBulk, applied)
		}
		applied++
	}

	log.Info("bulk sync completed", zap.Int("applied", applied))
	return applied, nil
}
