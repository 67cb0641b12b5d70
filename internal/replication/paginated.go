package replication

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ajitpratap0/driftsync/pkg/logger"
	"github.com/ajitpratap0/driftsync/pkg/metrics"
	"github.com/ajitpratap0/driftsync/pkg/models"
	"github.com/ajitpratap0/driftsync/pkg/syncerrors"
)

// Cursor tracks paginated sync progress. A cursor is finished once
// PagesCompleted reaches TotalExpected; passing a finished or zero cursor to
// Paginated starts a new run.
type Cursor struct {
	PageSize       int `json:"page_size"`
	PagesCompleted int `json:"pages_completed"`
	TotalExpected  int `json:"total_expected"`
}

// NewCursor returns a fresh cursor for pageSize.
func NewCursor(pageSize int) Cursor {
	return Cursor{PageSize: pageSize}
}

// Done reports whether every expected page has been completed.
func (c Cursor) Done() bool {
	return c.PagesCompleted >= c.TotalExpected
}

// resumable reports whether c describes an unfinished run.
func (c Cursor) resumable() bool {
	return c.TotalExpected > 0 && !c.Done()
}

func (c Cursor) String() string {
	return fmt.Sprintf("page %d/%d (size %d)", c.PagesCompleted, c.TotalExpected, c.PageSize)
}

// TotalPages returns ceil(n / pageSize).
func TotalPages(n int64, pageSize int) int {
	if n <= 0 || pageSize <= 0 {
		return 0
	}
	return int((n + int64(pageSize) - 1) / int64(pageSize))
}

// Paginated copies the source into the target one page at a time. A fresh
// run samples the source count once and performs exactly
// ceil(count / PageSize) pages; records added to the source after that are
// left for the next run. Passing back the cursor returned by an aborted run
// resumes at its first incomplete page.
//
// It returns the cursor reached and the number of records written during
// this invocation.
func (r *Replicator) Paginated(ctx context.Context, cursor Cursor) (Cursor, int, error) {
	r.sink.Reset()

	if cursor.PageSize <= 0 {
		return cursor, 0, syncerrors.Newf(syncerrors.ErrorTypeValidation, "page size must be positive, got %d", cursor.PageSize)
	}

	ctx = context.WithValue(ctx, logger.StrategyKey, metrics.StrategyPaginated)
	log := logger.WithContext(ctx, r.logger).With(zap.Int("page_size", cursor.PageSize))

	if cursor.resumable() {
		log.Info("resuming paginated sync", zap.Stringer("cursor", cursor))
	} else {
		n, err := r.source.Count(ctx, nil)
		if err != nil {
			return cursor, 0, aborted(err, metrics.StrategyPaginated, 0)
		}
		cursor = Cursor{PageSize: cursor.PageSize, TotalExpected: TotalPages(n, cursor.PageSize)}
		log.Info("starting paginated sync", zap.Int64("records", n), zap.Int("pages", cursor.TotalExpected))
	}

	applied := 0
	for !cursor.Done() {
		if err := ctx.Err(); err != nil {
			return cursor, applied, aborted(err, metrics.StrategyPaginated, applied)
		}

		page, err := r.source.Find(ctx, nil, models.FindOptions{
			Limit: cursor.PageSize,
			Skip:  cursor.PagesCompleted * cursor.PageSize,
		})
		if err != nil {
			return cursor, applied, aborted(err, metrics.StrategyPaginated, applied).
				WithDetail("page", cursor.PagesCompleted)
		}

		for _, rec := range page {
			if err := r.apply(ctx, metrics.StrategyPaginated, rec); err != nil {
				log.Error("paginated sync aborted",
					zap.String("key", rec.Key),
					zap.Stringer("cursor", cursor),
					zap.Int("applied", applied),
					zap.Error(err))
				return cursor, applied, aborted(err, metrics.StrategyPaginated, applied).
					WithDetail("page", cursor.PagesCompleted)
			}
			applied++
		}

		cursor.PagesCompleted++
		log.Debug("page completed", zap.Stringer("cursor", cursor), zap.Int("records", len(page)))
	}

	log.Info("paginated sync completed", zap.Int("pages", cursor.PagesCompleted), zap.Int("applied", applied))
	return cursor, applied, nil
}
