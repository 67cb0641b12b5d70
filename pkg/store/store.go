// Package store defines the record store contract shared by the source and
// target of a replication, together with the pieces every backend relies
// on: a monotonic clock, a backend registry and decorators for retries and
// tracing.
//
// # Contract
//
// Backends must guarantee that:
//   - keys are unique (Insert fails with a duplicate_key error on collision)
//   - Upsert never fails on an existing key and is idempotent
//   - Find returns records in a stable insertion order for a given store
//   - Update is a no-op, not an error, when nothing matches
//   - UpdatedAt strictly increases on every successful write, using the
//     Clock handed to the backend so that stamps are comparable across stores
//
// Backends register themselves by driver name from an init function:
//
//	func init() {
//	    store.MustRegister("memory", func(_ context.Context, _ config.StoreConfig, clock store.Clock) (store.Store, error) {
//	        return New(clock), nil
//	    })
//	}
package store

import (
	"context"

	"github.com/ajitpratap0/driftsync/pkg/models"
)

// Store is the record store interface implemented identically by the
// replication source and target.
type Store interface {
	// Insert stores a new record, assigning CreatedAt/UpdatedAt when absent.
	// It fails with a duplicate_key error if the key already exists.
	Insert(ctx context.Context, record *models.Record) (*models.Record, error)

	// Upsert inserts the record if key is absent, otherwise replaces its
	// payload and bumps UpdatedAt.
	Upsert(ctx context.Context, key string, record *models.Record) (*models.Record, error)

	// Find returns matching records in insertion order, bounded by opts.
	Find(ctx context.Context, filter models.Filter, opts models.FindOptions) ([]*models.Record, error)

	// Update patches matching records and bumps their UpdatedAt.
	Update(ctx context.Context, filter models.Filter, patch models.Patch) (models.UpdateResult, error)

	// Count returns the number of matching records.
	Count(ctx context.Context, filter models.Filter) (int64, error)

	// Close releases backend resources.
	Close(ctx context.Context) error
}

// Get fetches a single record by key. It returns a record_not_found error
// when the key does not exist.
func Get(ctx context.Context, s Store, key string) (*models.Record, error) {
	recs, err := s.Find(ctx, models.ByKey(key), models.FindOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound(key)
	}
	return recs[0], nil
}
