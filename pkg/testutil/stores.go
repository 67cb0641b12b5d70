package testutil

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ajitpratap0/driftsync/pkg/models"
	"github.com/ajitpratap0/driftsync/pkg/store"
)

// SlowStore delays every Upsert and tracks how many are in flight.
type SlowStore struct {
	store.Store
	Delay time.Duration

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

// Upsert implements store.Store.
func (s *SlowStore) Upsert(ctx context.Context, key string, rec *models.Record) (*models.Record, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		cur := s.maxInFlight.Load()
		if n <= cur || s.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	time.Sleep(s.Delay)
	return s.Store.Upsert(ctx, key, rec)
}

// InFlight returns the number of upserts currently running.
func (s *SlowStore) InFlight() int32 { return s.inFlight.Load() }

// MaxInFlight returns the highest number of concurrent upserts observed.
func (s *SlowStore) MaxInFlight() int32 { return s.maxInFlight.Load() }

// FaultyStore fails selected operations with configured errors.
type FaultyStore struct {
	store.Store

	mu         sync.Mutex
	upsertErrs map[string]error
	findErrs   map[string]error
	failUpsert int
	calls      map[string]int
}

// NewFaultyStore wraps s.
func NewFaultyStore(s store.Store) *FaultyStore {
	return &FaultyStore{
		Store:      s,
		upsertErrs: make(map[string]error),
		findErrs:   make(map[string]error),
		calls:      make(map[string]int),
	}
}

// FailUpsertKey makes every upsert of key fail with err.
func (f *FaultyStore) FailUpsertKey(key string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertErrs[key] = err
}

// FailFindKey makes every find pinned to key fail with err.
func (f *FaultyStore) FailFindKey(key string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.findErrs[key] = err
}

// FailUpsertAfter lets n upserts succeed, then fails the next ones with the
// error registered for the empty key.
func (f *FaultyStore) FailUpsertAfter(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failUpsert = n
	f.upsertErrs[""] = err
}

// Heal removes every configured failure.
func (f *FaultyStore) Heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertErrs = make(map[string]error)
	f.findErrs = make(map[string]error)
	f.failUpsert = 0
}

// Calls returns how many times op was invoked.
func (f *FaultyStore) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Upsert implements store.Store.
func (f *FaultyStore) Upsert(ctx context.Context, key string, rec *models.Record) (*models.Record, error) {
	f.mu.Lock()
	f.calls["upsert"]++
	err, ok := f.upsertErrs[key]
	if !ok {
		if after, set := f.upsertErrs[""]; set {
			if f.failUpsert > 0 {
				f.failUpsert--
			} else {
				err, ok = after, true
			}
		}
	}
	f.mu.Unlock()

	if ok {
		return nil, err
	}
	return f.Store.Upsert(ctx, key, rec)
}

// Find implements store.Store.
func (f *FaultyStore) Find(ctx context.Context, filter models.Filter, opts models.FindOptions) ([]*models.Record, error) {
	f.mu.Lock()
	f.calls["find"]++
	var (
		err error
		ok  bool
	)
	if key, pinned := filter.Key(); pinned {
		err, ok = f.findErrs[key]
	}
	if !ok {
		err, ok = f.findErrs[""]
	}
	f.mu.Unlock()

	if ok {
		return nil, err
	}
	return f.Store.Find(ctx, filter, opts)
}
