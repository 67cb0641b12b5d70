// Package testutil provides testing utilities for driftsync
package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/driftsync/pkg/models"
	"github.com/ajitpratap0/driftsync/pkg/store"
)

// TestLogger creates a test logger that writes to the test output.
// The logger is automatically cleaned up when the test completes.
func TestLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t)
}

// TestContext creates a test context with a 30-second timeout.
// The caller must call the returned cancel function to avoid leaks.
func TestContext(_ *testing.T) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// AssertEventually asserts that a condition becomes true within the specified timeout.
// It checks the condition every 10ms until it succeeds or the timeout expires.
func AssertEventually(t *testing.T, condition func() bool, timeout time.Duration, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

// Account builds a bank-account style record.
func Account(key, owner string, amount int) *models.Record {
	return models.NewRecord(key, map[string]interface{}{
		"owner":  owner,
		"amount": amount,
	})
}

// SeedAccounts inserts n account records keyed acct-0000.. into s and
// returns the keys in insertion order.
func SeedAccounts(t *testing.T, s store.Store, n int) []string {
	t.Helper()

	keys := make([]string, 0, n)
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("acct-%04d", i)
		_, err := s.Insert(context.Background(), Account(key, fmt.Sprintf("owner-%d", i%7), i*10))
		require.NoError(t, err)
		keys = append(keys, key)
	}
	return keys
}

// RequireSameRecords fails unless every record of source exists in target
// with an equal payload.
func RequireSameRecords(t *testing.T, source, target store.Store) {
	t.Helper()
	ctx := context.Background()

	recs, err := source.Find(ctx, nil, models.FindOptions{})
	require.NoError(t, err)
	for _, want := range recs {
		got, err := store.Get(ctx, target, want.Key)
		require.NoError(t, err, "key %s missing from target", want.Key)
		require.True(t, want.PayloadEqual(got), "key %s differs: source %v target %v", want.Key, want, got)
	}
}
