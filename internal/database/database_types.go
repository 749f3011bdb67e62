// Package database defines the key/value Session Store contract the broker
// keeps all shared state in, and its Redis, MongoDB and in-memory backends.
package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrUnknownDriver   = errors.New("unknown storage driver")
	ErrWrongType       = errors.New("operation against a key holding the wrong kind of value")
	ErrStoreClosed     = errors.New("store is closed")
	ErrKeyEmpty        = errors.New("key is empty")
	ErrUnavailable     = errors.New("storage backend unavailable")
	errRecordUnmarshal = errors.New("stored record is not a JSON object")
)

// Record is one stored map value. Backends persist it as a JSON object, so
// numbers read back as float64; use DecodeRecord to get typed values.
type Record map[string]any

// Store is the key/value contract. Two container kinds exist under a name:
// a set of member ids (KeyInsert/Members) and a map of records
// (Insert/Update/Get/Find/Value). Delete, Exists, Count and Truncate work on
// either kind. Every call is a single-key operation; callers must not assume
// atomicity across two calls.
type Store interface {
	// KeyInsert adds member to the set.
	KeyInsert(ctx context.Context, set, member string) error
	// Members lists the set in no particular order.
	Members(ctx context.Context, set string) ([]string, error)
	// Insert stores value under key, replacing any previous value. It reports
	// whether the key was new.
	Insert(ctx context.Context, table, key string, value Record) (bool, error)
	// Update merges value into the stored record, creating it when absent.
	// It reports whether a record already existed.
	Update(ctx context.Context, table, key string, value Record) (bool, error)
	// Get returns every record of the map keyed by its key.
	Get(ctx context.Context, table string) (map[string]Record, error)
	Find(ctx context.Context, table, key string) (Record, bool, error)
	Value(ctx context.Context, table, key, field string) (any, bool, error)
	Delete(ctx context.Context, table, key string) error
	Exists(ctx context.Context, table, key string) (bool, error)
	Count(ctx context.Context, table string) (int, error)
	// Truncate drops the whole map or set.
	Truncate(ctx context.Context, table string) error
	Close(ctx context.Context) error
}

// EncodeRecord converts a tagged struct into a Record.
func EncodeRecord(v any) (Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return unmarshalRecord(data)
}

// DecodeRecord fills the tagged struct v from r.
func DecodeRecord(r Record, v any) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	return nil
}

func marshalRecord(r Record) ([]byte, error) {
	if r == nil {
		r = Record{}
	}
	return json.Marshal(r)
}

func unmarshalRecord(data []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", errRecordUnmarshal, err)
	}
	if r == nil {
		r = Record{}
	}
	return r, nil
}

// merge overlays patch onto base, returning a new record.
func merge(base, patch Record) Record {
	merged := make(Record, len(base)+len(patch))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}
	return merged
}

func valueOf(r Record, field string) (any, bool) {
	if r == nil {
		return nil, false
	}
	v, ok := r[field]
	return v, ok
}
