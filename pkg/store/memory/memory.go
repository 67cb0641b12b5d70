// Package memory provides an in-process record store. It is the default
// backend and the reference implementation of the store contract.
package memory

import (
	"context"
	"sync"

	"github.com/ajitpratap0/driftsync/pkg/config"
	"github.com/ajitpratap0/driftsync/pkg/models"
	"github.com/ajitpratap0/driftsync/pkg/store"
	"github.com/ajitpratap0/driftsync/pkg/syncerrors"
)

// Driver is the registry name of this backend.
const Driver = "memory"

func init() {
	store.MustRegister(Driver, func(_ context.Context, _ config.StoreConfig, clock store.Clock) (store.Store, error) {
		return New(clock), nil
	})
}

// Store keeps records in a key index plus an insertion-ordered slice.
type Store struct {
	mu     sync.RWMutex
	clock  store.Clock
	byKey  map[string]*models.Record
	order  []string
	closed bool
}

// New creates an empty store stamping writes with clock.
func New(clock store.Clock) *Store {
	if clock == nil {
		clock = store.NewClock(store.DefaultClockResolution)
	}
	return &Store{
		clock: clock,
		byKey: make(map[string]*models.Record),
	}
}

func (s *Store) checkOpen() error {
	if s.closed {
		return syncerrors.New(syncerrors.ErrorTypeStoreUnavailable, "memory store is closed")
	}
	return nil
}

// Insert implements store.Store.
func (s *Store) Insert(ctx context.Context, record *models.Record) (*models.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if record == nil || record.Key == "" {
		return nil, syncerrors.New(syncerrors.ErrorTypeValidation, "record key is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if _, exists := s.byKey[record.Key]; exists {
		return nil, store.ErrDuplicateKey(record.Key)
	}

	rec := record.Clone()
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = s.clock.Now()
	} else {
		rec.UpdatedAt = rec.UpdatedAt.UTC()
		s.clock.Observe(rec.UpdatedAt)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.UpdatedAt
	}

	s.byKey[rec.Key] = rec
	s.order = append(s.order, rec.Key)
	return rec.Clone(), nil
}

// Upsert implements store.Store.
func (s *Store) Upsert(ctx context.Context, key string, record *models.Record) (*models.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if key == "" || record == nil {
		return nil, syncerrors.New(syncerrors.ErrorTypeValidation, "upsert requires a key and a record")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	rec := record.Clone()
	rec.Key = key
	rec.UpdatedAt = now

	if existing, ok := s.byKey[key]; ok {
		rec.CreatedAt = existing.CreatedAt
	} else {
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		s.order = append(s.order, key)
	}
	s.byKey[key] = rec
	return rec.Clone(), nil
}

// Find implements store.Store.
func (s *Store) Find(ctx context.Context, filter models.Filter, opts models.FindOptions) ([]*models.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	if key, ok := filter.Key(); ok && len(filter) == 1 {
		rec, exists := s.byKey[key]
		if !exists || opts.Skip > 0 {
			return []*models.Record{}, nil
		}
		return []*models.Record{rec.Clone()}, nil
	}

	out := make([]*models.Record, 0)
	skipped := 0
	for _, key := range s.order {
		rec := s.byKey[key]
		if !filter.Matches(rec) {
			continue
		}
		if skipped < opts.Skip {
			skipped++
			continue
		}
		out = append(out, rec.Clone())
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

// Update implements store.Store.
func (s *Store) Update(ctx context.Context, filter models.Filter, patch models.Patch) (models.UpdateResult, error) {
	var res models.UpdateResult
	if err := ctx.Err(); err != nil {
		return res, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return res, err
	}

	for _, key := range s.order {
		rec := s.byKey[key]
		if !filter.Matches(rec) {
			continue
		}
		res.Matched++
		next := rec.Clone()
		if patch.Apply(next) {
			next.UpdatedAt = s.clock.Now()
			s.byKey[key] = next
			res.Modified++
		}
	}
	return res, nil
}

// Count implements store.Store.
func (s *Store) Count(ctx context.Context, filter models.Filter) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	if len(filter) == 0 {
		return int64(len(s.order)), nil
	}
	var n int64
	for _, key := range s.order {
		if filter.Matches(s.byKey[key]) {
			n++
		}
	}
	return n, nil
}

// Close implements store.Store. Operations on a closed store fail.
func (s *Store) Close(context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}
