// Package syncerrors provides structured error handling for driftsync with
// typed categories, key-value context and captured stack traces.
//
// # Overview
//
// Every failure that crosses a package boundary is an *Error carrying:
//   - Type: the category used by retry and propagation decisions
//   - Message: a human-readable description
//   - Cause: the wrapped underlying error
//   - Details: key-value context (record key, applied count, ...)
//   - Stack: call stack at creation time
//
// # Basic Usage
//
//	if err := coll.FindOne(ctx, filter).Err(); err != nil {
//	    return syncerrors.Wrap(err, syncerrors.ErrorTypeStoreUnavailable, "find failed").
//	        WithDetail("collection", name)
//	}
//
// # Replication Taxonomy
//
//   - ErrorTypeStoreUnavailable: transient I/O failure, retried at the store call site
//   - ErrorTypeRecordNotFound: a changed key vanished from the source before it was fetched
//   - ErrorTypeDuplicateKey: insert collided with an existing key
//   - ErrorTypePartialBatch: some keys of a delta batch failed, see FailedKeys
//   - ErrorTypeSchedulerOverlap: two reconciliation ticks were active at once (programming error)
package syncerrors

import (
	"errors"
	"fmt"
	"runtime"
	"sort"
)

// ErrorType represents the category of an error.
type ErrorType string

const (
	// ErrorTypeInternal represents internal system errors
	ErrorTypeInternal ErrorType = "internal"
	// ErrorTypeValidation represents invalid arguments
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeConfig represents configuration errors
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeData represents encoding/decoding errors on stored records
	ErrorTypeData ErrorType = "data"
	// ErrorTypeStoreUnavailable represents transient store I/O failures
	ErrorTypeStoreUnavailable ErrorType = "store_unavailable"
	// ErrorTypeRecordNotFound represents a key missing from a store
	ErrorTypeRecordNotFound ErrorType = "record_not_found"
	// ErrorTypeDuplicateKey represents an insert on an existing key
	ErrorTypeDuplicateKey ErrorType = "duplicate_key"
	// ErrorTypePartialBatch represents a delta batch where some keys failed
	ErrorTypePartialBatch ErrorType = "partial_batch"
	// ErrorTypeSchedulerOverlap represents two active reconciliation ticks
	ErrorTypeSchedulerOverlap ErrorType = "scheduler_overlap"
)

// Error represents a structured error with context.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]interface{}
	Stack   []StackFrame
}

// StackFrame represents a single frame in the call stack.
type StackFrame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a key-value detail to the error. Calls can be chained.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Detail returns a previously attached detail.
func (e *Error) Detail(key string) (interface{}, bool) {
	v, ok := e.Details[key]
	return v, ok
}

// New creates a new error with the given type and message, capturing the
// call stack at the point of creation.
func New(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Newf is New with a format string.
func Newf(errType ErrorType, format string, args ...interface{}) *Error {
	return &Error{
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(2),
	}
}

// Wrap wraps an existing error with additional context. If the error is
// already an *Error its stack is preserved. Returns nil for a nil error.
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}

	var existingErr *Error
	if errors.As(err, &existingErr) {
		return &Error{
			Type:    errType,
			Message: message,
			Cause:   err,
			Stack:   existingErr.Stack,
		}
	}

	return &Error{
		Type:    errType,
		Message: message,
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// IsRetryable reports whether the outermost typed error in the chain is a
// transient store failure.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == ErrorTypeStoreUnavailable
}

// IsType reports whether any typed error in the chain has the given type.
func IsType(err error, errType ErrorType) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Type == errType {
			return true
		}
		err = e.Cause
	}
	return false
}

// TypeOf returns the type of the outermost typed error in the chain, or
// ErrorTypeInternal for untyped errors.
func TypeOf(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ErrorTypeInternal
}

// PartialBatch builds a partial batch failure listing every failed key with
// its cause. The returned error reports the failed keys through FailedKeys.
func PartialBatch(failures map[string]error, attempted int) *Error {
	keys := make([]string, 0, len(failures))
	for k := range failures {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	e := Newf(ErrorTypePartialBatch, "%d of %d keys failed", len(keys), attempted)
	e.WithDetail("failed_keys", keys)
	e.WithDetail("failures", failures)
	if len(keys) > 0 {
		e.Cause = failures[keys[0]]
	}
	return e
}

// FailedKeys returns the failed keys carried by a partial batch failure.
func FailedKeys(err error) []string {
	var e *Error
	if !errors.As(err, &e) || e.Type != ErrorTypePartialBatch {
		return nil
	}
	keys, _ := e.Details["failed_keys"].([]string)
	return keys
}

func captureStack(skip int) []StackFrame {
	const maxFrames = 32
	frames := make([]StackFrame, 0, maxFrames)

	for i := skip; i < maxFrames+skip; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}

		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}

		frames = append(frames, StackFrame{
			Function: fn.Name(),
			File:     file,
			Line:     line,
		})
	}

	return frames
}
