package rules

import (
	"fmt"
	"math"
	"sort"

	"github.com/liamcoop/rulestage/record"
)

// TransientStore is key/value state shared by every row one engine instance processes.
// It lives as long as the stage instance and is never persisted. Implementations are
// accessed from a single call path at a time and need no locking.
type TransientStore interface {
	// Get returns the value stored under key.
	Get(key string) (record.Value, bool)

	// Set stores a value under key.
	Set(key string, v record.Value)

	// Delete removes key.
	Delete(key string)

	// Increment adds delta to the numeric value under key (missing counts as 0)
	// and returns the new value.
	Increment(key string, delta record.Value) (record.Value, error)

	// Keys lists the stored keys in sorted order.
	Keys() []string

	// Snapshot returns the store contents as plain Go values.
	Snapshot() map[string]any

	// Reset clears every entry.
	Reset()
}

// InMemoryTransientStore implements TransientStore using a map.
// It is intentionally not synchronized: one engine instance evaluates one row at a time.
type InMemoryTransientStore struct {
	values map[string]record.Value
}

// NewInMemoryTransientStore creates an empty store.
func NewInMemoryTransientStore() *InMemoryTransientStore {
	return &InMemoryTransientStore{
		values: make(map[string]record.Value),
	}
}

func (s *InMemoryTransientStore) Get(key string) (record.Value, bool) {
	v, ok := s.values[key]
	return v, ok
}

func (s *InMemoryTransientStore) Set(key string, v record.Value) {
	if v == nil {
		v = record.Null{}
	}
	s.values[key] = v
}

func (s *InMemoryTransientStore) Delete(key string) {
	delete(s.values, key)
}

// Increment keeps integers integral; any float operand makes the result a float.
func (s *InMemoryTransientStore) Increment(key string, delta record.Value) (record.Value, error) {
	current, ok := s.values[key]
	if !ok || record.IsNull(current) {
		current = record.Int(0)
	}

	var next record.Value
	switch cur := current.(type) {
	case record.Int:
		switch d := delta.(type) {
		case record.Int:
			if (d > 0 && cur > math.MaxInt64-d) || (d < 0 && cur < math.MinInt64-d) {
				return nil, fmt.Errorf("increment of %q overflows int64", key)
			}
			next = cur + d
		case record.Float:
			next = record.Float(float64(cur) + float64(d))
		default:
			return nil, fmt.Errorf("cannot increment %q by non-numeric %s", key, kindName(delta))
		}
	case record.Float:
		switch d := delta.(type) {
		case record.Int:
			next = cur + record.Float(float64(d))
		case record.Float:
			next = cur + d
		default:
			return nil, fmt.Errorf("cannot increment %q by non-numeric %s", key, kindName(delta))
		}
	default:
		return nil, fmt.Errorf("cannot increment non-numeric %s stored under %q", kindName(current), key)
	}

	s.values[key] = next
	return next, nil
}

func (s *InMemoryTransientStore) Keys() []string {
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *InMemoryTransientStore) Snapshot() map[string]any {
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = record.ToNative(v)
	}
	return out
}

func (s *InMemoryTransientStore) Reset() {
	s.values = make(map[string]record.Value)
}

func kindName(v record.Value) string {
	if v == nil {
		return record.KindNull.String()
	}
	return v.Kind().String()
}
