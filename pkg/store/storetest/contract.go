// Package storetest holds the behavioural contract every record store
// backend must satisfy. Backend packages run it from their own tests.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/driftsync/pkg/models"
	"github.com/ajitpratap0/driftsync/pkg/store"
	"github.com/ajitpratap0/driftsync/pkg/syncerrors"
)

// Factory returns a fresh, empty store bound to clock.
type Factory func(t *testing.T, clock store.Clock) store.Store

// RunContract runs the full contract against stores built by newStore.
func RunContract(t *testing.T, newStore Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"InsertAssignsTimestamps", testInsertAssignsTimestamps},
		{"InsertDuplicateKey", testInsertDuplicateKey},
		{"InsertKeepsProvidedUpdatedAt", testInsertKeepsProvidedUpdatedAt},
		{"UpsertInsertsThenReplaces", testUpsertInsertsThenReplaces},
		{"UpsertIdempotent", testUpsertIdempotent},
		{"UpsertStoresSourceWatermark", testUpsertStoresSourceWatermark},
		{"FindInsertionOrderAndPaging", testFindInsertionOrderAndPaging},
		{"FindByKeyAndField", testFindByKeyAndField},
		{"FindNoMatch", testFindNoMatch},
		{"UpdateBumpsUpdatedAt", testUpdateBumpsUpdatedAt},
		{"UpdateNoMatch", testUpdateNoMatch},
		{"Count", testCount},
		{"ConcurrentUpserts", testConcurrentUpserts},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t, store.NewClock(store.DefaultClockResolution))
			t.Cleanup(func() { _ = s.Close(context.Background()) })
			tt.fn(t, s)
		})
	}
}

func account(key, owner string, amount int) *models.Record {
	return models.NewRecord(key, map[string]interface{}{"owner": owner, "amount": amount})
}

func testInsertAssignsTimestamps(t *testing.T, s store.Store) {
	ctx := context.Background()

	got, err := s.Insert(ctx, account("Acme", "alice", 10))
	require.NoError(t, err)
	assert.Equal(t, "Acme", got.Key)
	assert.False(t, got.CreatedAt.IsZero())
	assert.False(t, got.UpdatedAt.IsZero())
	assert.Equal(t, "alice", got.Fields["owner"])

	stored, err := store.Get(ctx, s, "Acme")
	require.NoError(t, err)
	assert.True(t, stored.UpdatedAt.Equal(got.UpdatedAt))
	assert.True(t, stored.PayloadEqual(got))
}

func testInsertDuplicateKey(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.Insert(ctx, account("Acme", "alice", 10))
	require.NoError(t, err)

	_, err = s.Insert(ctx, account("Acme", "bob", 20))
	require.Error(t, err)
	assert.True(t, syncerrors.IsType(err, syncerrors.ErrorTypeDuplicateKey))

	n, err := s.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func testInsertKeepsProvidedUpdatedAt(t *testing.T, s store.Store) {
	ctx := context.Background()
	stamp := time.Now().Add(time.Hour).UTC().Truncate(time.Millisecond)

	rec := account("Acme", "alice", 10)
	rec.UpdatedAt = stamp
	got, err := s.Insert(ctx, rec)
	require.NoError(t, err)
	assert.True(t, got.UpdatedAt.Equal(stamp))

	// later writes stamp past the observed value
	next, err := s.Upsert(ctx, "Acme", account("Acme", "bob", 10))
	require.NoError(t, err)
	assert.True(t, next.UpdatedAt.After(stamp))
}

func testUpsertInsertsThenReplaces(t *testing.T, s store.Store) {
	ctx := context.Background()

	first, err := s.Upsert(ctx, "Acme", account("Acme", "alice", 10))
	require.NoError(t, err)

	second, err := s.Upsert(ctx, "Acme", account("Acme", "bob", 20))
	require.NoError(t, err)
	assert.True(t, second.UpdatedAt.After(first.UpdatedAt))
	assert.True(t, second.CreatedAt.Equal(first.CreatedAt))

	stored, err := store.Get(ctx, s, "Acme")
	require.NoError(t, err)
	assert.Equal(t, "bob", stored.Fields["owner"])
	assert.True(t, models.ValueEqual(20, stored.Fields["amount"]))
}

func testUpsertIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.Upsert(ctx, "Acme", account("Acme", "alice", 10))
		require.NoError(t, err)
	}

	recs, err := s.Find(ctx, nil, models.FindOptions{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].PayloadEqual(account("Acme", "alice", 10)))
}

func testUpsertStoresSourceWatermark(t *testing.T, s store.Store) {
	ctx := context.Background()
	watermark := time.Date(2026, 3, 1, 12, 0, 0, 123_000_000, time.UTC)

	copied := account("Acme", "alice", 10)
	copied.SourceUpdatedAt = watermark
	_, err := s.Upsert(ctx, "Acme", copied)
	require.NoError(t, err)

	stored, err := store.Get(ctx, s, "Acme")
	require.NoError(t, err)
	assert.True(t, stored.SourceUpdatedAt.Equal(watermark), "got %s", stored.SourceUpdatedAt)
	assert.True(t, stored.Watermark().Equal(watermark))

	// a local patch keeps the watermark of the copy
	_, err = s.Update(ctx, models.ByKey("Acme"), models.Patch{"owner": "bob"})
	require.NoError(t, err)
	stored, err = store.Get(ctx, s, "Acme")
	require.NoError(t, err)
	assert.True(t, stored.SourceUpdatedAt.Equal(watermark))

	// an ordinary upsert replaces the copy and drops the watermark
	_, err = s.Upsert(ctx, "Acme", account("Acme", "carol", 30))
	require.NoError(t, err)
	stored, err = store.Get(ctx, s, "Acme")
	require.NoError(t, err)
	assert.True(t, stored.SourceUpdatedAt.IsZero())
	assert.True(t, stored.Watermark().Equal(stored.UpdatedAt))
}

func testFindInsertionOrderAndPaging(t *testing.T, s store.Store) {
	ctx := context.Background()

	keys := []string{"k3", "k1", "k4", "k0", "k2"}
	for i, k := range keys {
		_, err := s.Insert(ctx, account(k, "o", i))
		require.NoError(t, err)
	}

	all, err := s.Find(ctx, nil, models.FindOptions{})
	require.NoError(t, err)
	require.Len(t, all, len(keys))
	for i, r := range all {
		assert.Equal(t, keys[i], r.Key)
	}

	page, err := s.Find(ctx, models.Filter{}, models.FindOptions{Limit: 2, Skip: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "k4", page[0].Key)
	assert.Equal(t, "k0", page[1].Key)

	tail, err := s.Find(ctx, nil, models.FindOptions{Limit: 2, Skip: 4})
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, "k2", tail[0].Key)

	past, err := s.Find(ctx, nil, models.FindOptions{Limit: 2, Skip: 10})
	require.NoError(t, err)
	assert.Empty(t, past)
}

func testFindByKeyAndField(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.Insert(ctx, account("Acme", "alice", 10))
	require.NoError(t, err)
	_, err = s.Insert(ctx, account("Globex", "bob", 20))
	require.NoError(t, err)
	_, err = s.Insert(ctx, account("Initech", "alice", 30))
	require.NoError(t, err)

	byKey, err := s.Find(ctx, models.ByKey("Globex"), models.FindOptions{})
	require.NoError(t, err)
	require.Len(t, byKey, 1)
	assert.Equal(t, "bob", byKey[0].Fields["owner"])

	byOwner, err := s.Find(ctx, models.Filter{"owner": "alice"}, models.FindOptions{})
	require.NoError(t, err)
	require.Len(t, byOwner, 2)
	assert.Equal(t, "Acme", byOwner[0].Key)
	assert.Equal(t, "Initech", byOwner[1].Key)
}

func testFindNoMatch(t *testing.T, s store.Store) {
	ctx := context.Background()

	recs, err := s.Find(ctx, models.ByKey("missing"), models.FindOptions{})
	require.NoError(t, err)
	assert.Empty(t, recs)

	_, err = store.Get(ctx, s, "missing")
	assert.True(t, syncerrors.IsType(err, syncerrors.ErrorTypeRecordNotFound))
}

func testUpdateBumpsUpdatedAt(t *testing.T, s store.Store) {
	ctx := context.Background()

	before, err := s.Insert(ctx, account("Acme", "alice", 10))
	require.NoError(t, err)
	_, err = s.Insert(ctx, account("Globex", "bob", 20))
	require.NoError(t, err)

	res, err := s.Update(ctx, models.ByKey("Acme"), models.Patch{"owner": "carol"})
	require.NoError(t, err)
	assert.Equal(t, models.UpdateResult{Matched: 1, Modified: 1}, res)

	after, err := store.Get(ctx, s, "Acme")
	require.NoError(t, err)
	assert.Equal(t, "carol", after.Fields["owner"])
	assert.True(t, models.ValueEqual(10, after.Fields["amount"]))
	assert.True(t, after.UpdatedAt.After(before.UpdatedAt))

	untouched, err := store.Get(ctx, s, "Globex")
	require.NoError(t, err)
	assert.Equal(t, "bob", untouched.Fields["owner"])
}

func testUpdateNoMatch(t *testing.T, s store.Store) {
	ctx := context.Background()

	res, err := s.Update(ctx, models.ByKey("missing"), models.Patch{"owner": "carol"})
	require.NoError(t, err)
	assert.Equal(t, models.UpdateResult{}, res)
}

func testCount(t *testing.T, s store.Store) {
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		owner := "alice"
		if i%2 == 1 {
			owner = "bob"
		}
		_, err := s.Insert(ctx, account(fmt.Sprintf("acct-%02d", i), owner, i))
		require.NoError(t, err)
	}

	n, err := s.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)

	n, err = s.Count(ctx, models.Filter{"owner": "bob"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func testConcurrentUpserts(t *testing.T, s store.Store) {
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				key := fmt.Sprintf("acct-%02d", i)
				_, err := s.Upsert(ctx, key, account(key, fmt.Sprintf("writer-%d", w), i))
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	n, err := s.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)
}
