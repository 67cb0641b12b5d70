// Package models provides the data model replicated by driftsync: the Record
// and the query shapes (Filter, FindOptions, Patch) understood by every
// record store.
package models

import (
	"fmt"
	"reflect"
	"time"
)

// KeyField is the filter field that addresses a record's unique key.
const KeyField = "key"

// Record is a keyed document. Key is unique within a store and UpdatedAt
// strictly increases on every mutation of the record within that store.
type Record struct {
	// Key is the unique business identifier (e.g. account name)
	Key string `json:"key" bson:"key"`

	// Fields holds the payload (owner, amount, ...)
	Fields map[string]interface{} `json:"fields" bson:"fields"`

	// CreatedAt is assigned on first insert
	CreatedAt time.Time `json:"created_at" bson:"created_at"`

	// UpdatedAt is bumped on every write
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`

	// SourceUpdatedAt is the source UpdatedAt a replicated copy was taken
	// from. Stores persist it as given; it is zero for records not written
	// by replication.
	SourceUpdatedAt time.Time `json:"source_updated_at,omitempty" bson:"source_updated_at,omitempty"`
}

// NewRecord creates a record with the given key and payload.
func NewRecord(key string, fields map[string]interface{}) *Record {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	return &Record{Key: key, Fields: fields}
}

// Get returns a payload field.
func (r *Record) Get(field string) (interface{}, bool) {
	v, ok := r.Fields[field]
	return v, ok
}

// Clone returns a copy that shares no payload map with r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.Fields = make(map[string]interface{}, len(r.Fields))
	for k, v := range r.Fields {
		out.Fields[k] = v
	}
	return &out
}

// Watermark returns the source version this record is known to reflect:
// SourceUpdatedAt for replicated copies, UpdatedAt otherwise.
func (r *Record) Watermark() time.Time {
	if !r.SourceUpdatedAt.IsZero() {
		return r.SourceUpdatedAt
	}
	return r.UpdatedAt
}

// PayloadEqual reports whether both records carry the same key and payload.
// Numeric values compare by value so that stores which decode numbers into
// different Go types still compare equal.
func (r *Record) PayloadEqual(other *Record) bool {
	if r == nil || other == nil {
		return r == other
	}
	if r.Key != other.Key || len(r.Fields) != len(other.Fields) {
		return false
	}
	for k, v := range r.Fields {
		ov, ok := other.Fields[k]
		if !ok || !ValueEqual(v, ov) {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer.
func (r *Record) String() string {
	return fmt.Sprintf("Record{key=%s updated_at=%s fields=%v}", r.Key, r.UpdatedAt.Format(time.RFC3339Nano), r.Fields)
}

// Filter selects records by equality. The KeyField entry matches the record
// key; any other entry matches a payload field. An empty filter matches all.
type Filter map[string]interface{}

// ByKey returns a filter addressing a single key.
func ByKey(key string) Filter {
	return Filter{KeyField: key}
}

// Key returns the key the filter pins, if any.
func (f Filter) Key() (string, bool) {
	v, ok := f[KeyField]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Matches reports whether the record satisfies every filter entry.
func (f Filter) Matches(r *Record) bool {
	for field, want := range f {
		if field == KeyField {
			if s, ok := want.(string); !ok || s != r.Key {
				return false
			}
			continue
		}
		got, ok := r.Fields[field]
		if !ok || !ValueEqual(got, want) {
			return false
		}
	}
	return true
}

// FindOptions bounds a find. A zero Limit means no limit.
type FindOptions struct {
	Limit int
	Skip  int
}

// Patch sets payload fields on matching records.
type Patch map[string]interface{}

// Apply writes the patch into the record's payload and reports whether any
// field changed.
func (p Patch) Apply(r *Record) bool {
	if r.Fields == nil {
		r.Fields = make(map[string]interface{}, len(p))
	}
	changed := false
	for k, v := range p {
		if old, ok := r.Fields[k]; ok && ValueEqual(old, v) {
			continue
		}
		r.Fields[k] = v
		changed = true
	}
	return changed
}

// UpdateResult reports the outcome of an update.
type UpdateResult struct {
	Matched  int64
	Modified int64
}

// ValueEqual compares two payload values, treating all numeric kinds as
// comparable numbers.
func ValueEqual(a, b interface{}) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
