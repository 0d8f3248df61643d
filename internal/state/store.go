// Package state provides the process-lifetime key/value store shared by
// otherwise unrelated goroutines. Every operation serializes on one mutex, so
// counters can be bumped from any goroutine without external locking.
package state

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
)

var (
	// ErrKeyNotFound is returned by Get when the key is absent.
	ErrKeyNotFound = errors.New("key not found")
	// ErrNotCounter is returned by Incr/Decr when the stored value is not an integer.
	ErrNotCounter = errors.New("value is not a counter")
)

// Store is an async-safe mapping from string keys to values.
type Store struct {
	mu     sync.Mutex
	values map[string]any
}

// New creates an empty Store.
func New() *Store {
	return &Store{values: make(map[string]any)}
}

// Set stores value under key.
func (s *Store) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Get returns the value stored under key.
func (s *Store) Get(key string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	if !ok {
		return nil, fmt.Errorf("get %q: %w", key, ErrKeyNotFound)
	}
	return v, nil
}

// GetOr returns the value stored under key, or def when absent.
func (s *Store) GetOr(key string, def any) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.values[key]; ok {
		return v
	}
	return def
}

// Delete removes key. Deleting an absent key is a no-op.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
}

// Incr adds n to the counter under key and returns the new value. An absent
// key counts as 0.
func (s *Store) Incr(key string, n int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.counter(key)
	if err != nil {
		return 0, err
	}
	cur += n
	s.values[key] = cur
	return cur, nil
}

// Decr subtracts n from the counter under key and returns the new value.
func (s *Store) Decr(key string, n int64) (int64, error) {
	return s.Incr(key, -n)
}

// Counter reads the counter under key, treating an absent key as 0.
func (s *Store) Counter(key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counter(key)
}

// Counters reads several counters under one lock acquisition, so the values
// are mutually consistent.
func (s *Store) Counters(keys ...string) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, len(keys))
	for i, key := range keys {
		n, err := s.counter(key)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

// Update applies fn to the current value of key under the store lock. fn
// receives the value and whether it was present; it returns the new value and
// whether to keep it (false deletes the key). The stored result is returned.
func (s *Store) Update(key string, fn func(old any, ok bool) (any, bool)) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.values[key]
	next, keep := fn(old, ok)
	if !keep {
		delete(s.values, key)
		return nil
	}
	s.values[key] = next
	return next
}

// Keys returns a sorted snapshot of the stored keys.
func (s *Store) Keys() []string {
	s.mu.Lock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	s.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// Range calls fn for each key/value pair of a snapshot, in key order, until
// fn returns false. fn may call back into the Store.
func (s *Store) Range(fn func(key string, value any) bool) {
	s.mu.Lock()
	snapshot := make(map[string]any, len(s.values))
	for k, v := range s.values {
		snapshot[k] = v
	}
	s.mu.Unlock()

	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !fn(k, snapshot[k]) {
			return
		}
	}
}

// counter must be called with s.mu held.
func (s *Store) counter(key string) (int64, error) {
	v, ok := s.values[key]
	if !ok {
		return 0, nil
	}
	n, ok := AsInt64(v)
	if !ok {
		return 0, fmt.Errorf("counter %q holds %T: %w", key, v, ErrNotCounter)
	}
	return n, nil
}

// AsInt64 converts the integer kinds a caller may have Set into int64.
// Unsigned values above math.MaxInt64 are rejected.
func AsInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int16:
		return int64(n), true
	case int8:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint:
		if uint64(n) > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	default:
		return 0, false
	}
}
