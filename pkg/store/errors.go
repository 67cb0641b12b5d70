package store

import (
	"github.com/ajitpratap0/driftsync/pkg/syncerrors"
)

// ErrDuplicateKey builds the error returned by Insert on a key collision.
func ErrDuplicateKey(key string) error {
	return syncerrors.New(syncerrors.ErrorTypeDuplicateKey, "record key already exists").
		WithDetail("key", key)
}

// ErrNotFound builds the error returned when a key is absent.
func ErrNotFound(key string) error {
	return syncerrors.New(syncerrors.ErrorTypeRecordNotFound, "record not found").
		WithDetail("key", key)
}

// Unavailable wraps a backend I/O failure as a retryable error.
func Unavailable(err error, op string) error {
	if err == nil {
		return nil
	}
	return syncerrors.Wrap(err, syncerrors.ErrorTypeStoreUnavailable, op+" failed").
		WithDetail("operation", op)
}
