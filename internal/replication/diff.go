package replication

import (
	"context"
	"sort"
	"time"

	"github.com/ajitpratap0/driftsync/pkg/models"
	"github.com/ajitpratap0/driftsync/pkg/store"
)

// DefaultScanPageSize is the page size used when scanning a store for drift.
const DefaultScanPageSize = 500

// ChangeSet is the set of keys found stale during one reconciliation tick.
type ChangeSet map[string]struct{}

// NewChangeSet builds a change set from keys.
func NewChangeSet(keys ...string) ChangeSet {
	cs := make(ChangeSet, len(keys))
	for _, k := range keys {
		cs[k] = struct{}{}
	}
	return cs
}

// Add flags key.
func (cs ChangeSet) Add(key string) { cs[key] = struct{}{} }

// Contains reports whether key is flagged.
func (cs ChangeSet) Contains(key string) bool {
	_, ok := cs[key]
	return ok
}

// Len returns the number of flagged keys.
func (cs ChangeSet) Len() int { return len(cs) }

// Keys returns the flagged keys in sorted order.
func (cs ChangeSet) Keys() []string {
	keys := make([]string, 0, len(cs))
	for k := range cs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// scan visits every record of s, pageSize records per find.
func scan(ctx context.Context, s store.Store, pageSize int, visit func(*models.Record)) error {
	if pageSize <= 0 {
		pageSize = DefaultScanPageSize
	}
	for skip := 0; ; skip += pageSize {
		page, err := s.Find(ctx, nil, models.FindOptions{Limit: pageSize, Skip: skip})
		if err != nil {
			return err
		}
		for _, rec := range page {
			visit(rec)
		}
		if len(page) < pageSize {
			return nil
		}
	}
}

// Diff compares source against target by key and returns every key that
// is missing from target or whose source UpdatedAt is strictly later than
// the target's watermark. A replicated copy's watermark is the source stamp
// it was copied from, so a source write that lands while the copy is in
// flight still shows up as drift. Keys only present in target are ignored.
// Store ordering and lengths play no part in the comparison.
func Diff(ctx context.Context, source, target store.Store, pageSize int) (ChangeSet, error) {
	targetStamps := make(map[string]time.Time)
	if err := scan(ctx, target, pageSize, func(rec *models.Record) {
		targetStamps[rec.Key] = rec.Watermark()
	}); err != nil {
		return nil, err
	}

	changes := make(ChangeSet)
	if err := scan(ctx, source, pageSize, func(rec *models.Record) {
		stamp, ok := targetStamps[rec.Key]
		if !ok || rec.UpdatedAt.After(stamp) {
			changes.Add(rec.Key)
		}
	}); err != nil {
		return nil, err
	}
	return changes, nil
}
