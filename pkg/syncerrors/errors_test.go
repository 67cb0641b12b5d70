package syncerrors

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsType_WalksChain(t *testing.T) {
	inner := New(ErrorTypeRecordNotFound, "missing").WithDetail("key", "Acme")
	outer := Wrap(inner, ErrorTypeInternal, "apply failed")
	wrapped := fmt.Errorf("tick: %w", outer)

	assert.True(t, IsType(wrapped, ErrorTypeInternal))
	assert.True(t, IsType(wrapped, ErrorTypeRecordNotFound))
	assert.False(t, IsType(wrapped, ErrorTypeDuplicateKey))
	assert.False(t, IsType(io.EOF, ErrorTypeInternal))
	assert.False(t, IsType(nil, ErrorTypeInternal))
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, ErrorTypeInternal, "nothing"))

	inner := New(ErrorTypeStoreUnavailable, "down")
	outer := Wrap(inner, ErrorTypeInternal, "outer")
	require.NotNil(t, outer)
	assert.Equal(t, inner.Stack, outer.Stack)
	assert.True(t, errors.Is(outer, inner))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"store unavailable", New(ErrorTypeStoreUnavailable, "timeout"), true},
		{"wrapped store unavailable", fmt.Errorf("x: %w", New(ErrorTypeStoreUnavailable, "timeout")), true},
		{"duplicate key", New(ErrorTypeDuplicateKey, "dup"), false},
		{"not found", New(ErrorTypeRecordNotFound, "gone"), false},
		{"plain error", io.EOF, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestPartialBatch(t *testing.T) {
	cause := errors.New("boom")
	err := PartialBatch(map[string]error{"b": cause, "a": cause}, 5)

	assert.Equal(t, ErrorTypePartialBatch, err.Type)
	assert.Equal(t, []string{"a", "b"}, FailedKeys(err))
	assert.True(t, errors.Is(err, cause))
	assert.Nil(t, FailedKeys(New(ErrorTypeInternal, "x")))
}

func TestTypeOf(t *testing.T) {
	assert.Equal(t, ErrorTypeDuplicateKey, TypeOf(fmt.Errorf("x: %w", New(ErrorTypeDuplicateKey, "dup"))))
	assert.Equal(t, ErrorTypeInternal, TypeOf(io.EOF))
}
