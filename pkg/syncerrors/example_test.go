package syncerrors_test

import (
	"errors"
	"fmt"
	"io"

	"github.com/ajitpratap0/driftsync/pkg/syncerrors"
)

// Example demonstrates basic error creation with context.
func Example() {
	err := syncerrors.New(syncerrors.ErrorTypeDuplicateKey, "record already exists").
		WithDetail("key", "Acme")

	fmt.Println(err.Error())

	// Output:
	// duplicate_key: record already exists
}

// ExampleWrap shows how a transient driver failure is classified.
func ExampleWrap() {
	err := syncerrors.Wrap(io.ErrUnexpectedEOF, syncerrors.ErrorTypeStoreUnavailable, "find failed").
		WithDetail("collection", "accounts")

	fmt.Println(syncerrors.IsRetryable(err))
	fmt.Println(errors.Is(err, io.ErrUnexpectedEOF))

	// Output:
	// true
	// true
}

// ExamplePartialBatch shows how a delta batch reports its failed keys.
func ExamplePartialBatch() {
	err := syncerrors.PartialBatch(map[string]error{
		"Zeta": io.EOF,
		"Acme": io.EOF,
	}, 10)

	fmt.Println(err.Message)
	fmt.Println(syncerrors.FailedKeys(err))

	// Output:
	// 2 of 10 keys failed
	// [Acme Zeta]
}
