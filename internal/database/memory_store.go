package database

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps everything in process memory. It serves tests and
// single-process deployments where sessions need not survive a restart.
type MemoryStore struct {
	mu     sync.RWMutex
	maps   map[string]map[string][]byte
	sets   map[string]map[string]struct{}
	closed bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		maps: make(map[string]map[string][]byte),
		sets: make(map[string]map[string]struct{}),
	}
}

func (ms *MemoryStore) check(table string) error {
	if ms.closed {
		return ErrStoreClosed
	}
	if table == "" {
		return ErrKeyEmpty
	}
	return nil
}

func (ms *MemoryStore) KeyInsert(_ context.Context, set, member string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if err := ms.check(set); err != nil {
		return err
	}
	if _, ok := ms.maps[set]; ok {
		return fmt.Errorf("%w: %s is a map", ErrWrongType, set)
	}
	members, ok := ms.sets[set]
	if !ok {
		members = make(map[string]struct{})
		ms.sets[set] = members
	}
	members[member] = struct{}{}
	return nil
}

func (ms *MemoryStore) Members(_ context.Context, set string) ([]string, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	if err := ms.check(set); err != nil {
		return nil, err
	}
	if _, ok := ms.maps[set]; ok {
		return nil, fmt.Errorf("%w: %s is a map", ErrWrongType, set)
	}
	result := make([]string, 0, len(ms.sets[set]))
	for member := range ms.sets[set] {
		result = append(result, member)
	}
	return result, nil
}

func (ms *MemoryStore) table(name string, create bool) (map[string][]byte, error) {
	if _, ok := ms.sets[name]; ok {
		return nil, fmt.Errorf("%w: %s is a set", ErrWrongType, name)
	}
	t, ok := ms.maps[name]
	if !ok && create {
		t = make(map[string][]byte)
		ms.maps[name] = t
	}
	return t, nil
}

func (ms *MemoryStore) Insert(_ context.Context, table, key string, value Record) (bool, error) {
	data, err := marshalRecord(value)
	if err != nil {
		return false, err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if err := ms.check(table); err != nil {
		return false, err
	}
	t, err := ms.table(table, true)
	if err != nil {
		return false, err
	}
	_, existed := t[key]
	t[key] = data
	return !existed, nil
}

func (ms *MemoryStore) Update(_ context.Context, table, key string, value Record) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if err := ms.check(table); err != nil {
		return false, err
	}
	t, err := ms.table(table, true)
	if err != nil {
		return false, err
	}
	base := Record{}
	old, existed := t[key]
	if existed {
		if base, err = unmarshalRecord(old); err != nil {
			return false, err
		}
	}
	data, err := marshalRecord(merge(base, value))
	if err != nil {
		return false, err
	}
	t[key] = data
	return existed, nil
}

func (ms *MemoryStore) Get(_ context.Context, table string) (map[string]Record, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	if err := ms.check(table); err != nil {
		return nil, err
	}
	t, err := ms.table(table, false)
	if err != nil {
		return nil, err
	}
	result := make(map[string]Record, len(t))
	for key, data := range t {
		r, err := unmarshalRecord(data)
		if err != nil {
			return nil, err
		}
		result[key] = r
	}
	return result, nil
}

func (ms *MemoryStore) Find(_ context.Context, table, key string) (Record, bool, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	if err := ms.check(table); err != nil {
		return nil, false, err
	}
	t, err := ms.table(table, false)
	if err != nil {
		return nil, false, err
	}
	data, ok := t[key]
	if !ok {
		return nil, false, nil
	}
	r, err := unmarshalRecord(data)
	if err != nil {
		return nil, false, err
	}
	return r, true, nil
}

func (ms *MemoryStore) Value(ctx context.Context, table, key, field string) (any, bool, error) {
	r, ok, err := ms.Find(ctx, table, key)
	if err != nil || !ok {
		return nil, false, err
	}
	v, ok := valueOf(r, field)
	return v, ok, nil
}

func (ms *MemoryStore) Delete(_ context.Context, table, key string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if err := ms.check(table); err != nil {
		return err
	}
	if t, ok := ms.maps[table]; ok {
		delete(t, key)
		if len(t) == 0 {
			delete(ms.maps, table)
		}
		return nil
	}
	if s, ok := ms.sets[table]; ok {
		delete(s, key)
		if len(s) == 0 {
			delete(ms.sets, table)
		}
	}
	return nil
}

func (ms *MemoryStore) Exists(_ context.Context, table, key string) (bool, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	if err := ms.check(table); err != nil {
		return false, err
	}
	if t, ok := ms.maps[table]; ok {
		_, exists := t[key]
		return exists, nil
	}
	_, exists := ms.sets[table][key]
	return exists, nil
}

func (ms *MemoryStore) Count(_ context.Context, table string) (int, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	if err := ms.check(table); err != nil {
		return 0, err
	}
	if t, ok := ms.maps[table]; ok {
		return len(t), nil
	}
	return len(ms.sets[table]), nil
}

func (ms *MemoryStore) Truncate(_ context.Context, table string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if err := ms.check(table); err != nil {
		return err
	}
	delete(ms.maps, table)
	delete(ms.sets, table)
	return nil
}

func (ms *MemoryStore) Close(_ context.Context) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.closed = true
	return nil
}
