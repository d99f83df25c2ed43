// Package shard provides a string-keyed map split across independently locked
// shards, so writers on unrelated keys never contend.
package shard

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const DefaultShards = 32

type bucket[V any] struct {
	mu sync.RWMutex
	m  map[string]V
}

type Map[V any] struct {
	buckets []*bucket[V]
}

func New[V any](n int) *Map[V] {
	if n <= 0 {
		n = DefaultShards
	}
	m := &Map[V]{buckets: make([]*bucket[V], n)}
	for i := range m.buckets {
		m.buckets[i] = &bucket[V]{m: make(map[string]V)}
	}
	return m
}

func (m *Map[V]) bucketFor(key string) *bucket[V] {
	return m.buckets[xxhash.Sum64String(key)%uint64(len(m.buckets))]
}

func (m *Map[V]) Get(key string) (V, bool) {
	b := m.bucketFor(key)
	b.mu.RLock()
	v, ok := b.m[key]
	b.mu.RUnlock()
	return v, ok
}

func (m *Map[V]) Set(key string, v V) {
	b := m.bucketFor(key)
	b.mu.Lock()
	b.m[key] = v
	b.mu.Unlock()
}

// GetOrCreate returns the value stored under key, creating it with mk if absent.
func (m *Map[V]) GetOrCreate(key string, mk func() V) V {
	b := m.bucketFor(key)
	b.mu.RLock()
	v, ok := b.m[key]
	b.mu.RUnlock()
	if ok {
		return v
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if v, ok := b.m[key]; ok {
		return v
	}
	v = mk()
	b.m[key] = v
	return v
}

// Update runs fn with the shard write-locked. fn receives the current value
// (if any) and returns the value to store; keep=false deletes the key.
func (m *Map[V]) Update(key string, fn func(cur V, ok bool) (next V, keep bool)) {
	b := m.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, ok := b.m[key]
	next, keep := fn(cur, ok)
	if keep {
		b.m[key] = next
	} else if ok {
		delete(b.m, key)
	}
}

func (m *Map[V]) Delete(key string) {
	b := m.bucketFor(key)
	b.mu.Lock()
	delete(b.m, key)
	b.mu.Unlock()
}

// Range calls fn for every entry until it returns false. Each shard is
// read-locked only while it is being visited; fn must not call back into m.
func (m *Map[V]) Range(fn func(key string, v V) bool) {
	for _, b := range m.buckets {
		b.mu.RLock()
		for k, v := range b.m {
			if !fn(k, v) {
				b.mu.RUnlock()
				return
			}
		}
		b.mu.RUnlock()
	}
}

// Values returns a snapshot of all values.
func (m *Map[V]) Values() []V {
	var out []V
	m.Range(func(_ string, v V) bool {
		out = append(out, v)
		return true
	})
	return out
}

func (m *Map[V]) Len() int {
	n := 0
	for _, b := range m.buckets {
		b.mu.RLock()
		n += len(b.m)
		b.mu.RUnlock()
	}
	return n
}
