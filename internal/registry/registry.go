// Package registry provides a concurrency-safe keyed store with per-key
// locking. Values never leave the registry directly: readers get copies made
// by the clone function given to New.
package registry

import (
	"cmp"
	"errors"
	"hash/fnv"
	"slices"
	"sync"
)

const shardCount = 32

// ErrNotFound is returned by Update for unknown keys.
var ErrNotFound = errors.New("registry: key not found")

type entry[T any] struct {
	mu    sync.Mutex
	value T
	gone  bool
}

type shard[T any] struct {
	mu      sync.RWMutex
	entries map[string]*entry[T]
}

// Registry maps string keys to values of type T.
type Registry[T any] struct {
	shards [shardCount]*shard[T]
	clone  func(T) T
	seqMu  sync.Mutex
	seq    map[string]uint64
	next   uint64
}

// New creates an empty registry. clone must return a copy that shares no
// mutable state with its argument.
func New[T any](clone func(T) T) *Registry[T] {
	r := &Registry[T]{
		clone: clone,
		seq:   make(map[string]uint64),
	}
	for i := range r.shards {
		r.shards[i] = &shard[T]{entries: make(map[string]*entry[T])}
	}
	return r
}

func (r *Registry[T]) shardFor(key string) *shard[T] {
	h := fnv.New32a()
	h.Write([]byte(key))
	return r.shards[h.Sum32()%shardCount]
}

func (r *Registry[T]) lookup(key string) *entry[T] {
	s := r.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[key]
}

// Get returns a copy of the value stored under key.
func (r *Registry[T]) Get(key string) (T, bool) {
	var zero T
	e := r.lookup(key)
	if e == nil {
		return zero, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return zero, false
	}
	return r.clone(e.value), true
}

// Put stores a copy of value, replacing any previous value.
func (r *Registry[T]) Put(key string, value T) {
	r.store(key, value, true)
}

// PutIfAbsent stores a copy of value unless the key exists. It reports
// whether the value was stored.
func (r *Registry[T]) PutIfAbsent(key string, value T) bool {
	return r.store(key, value, false)
}

func (r *Registry[T]) store(key string, value T, replace bool) bool {
	s := r.shardFor(key)
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.entries[key] = &entry[T]{value: r.clone(value)}
		r.recordSeq(key)
		s.mu.Unlock()
		return true
	}
	s.mu.Unlock()
	if !replace {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.value = r.clone(value)
	return true
}

func (r *Registry[T]) recordSeq(key string) {
	r.seqMu.Lock()
	defer r.seqMu.Unlock()
	if _, ok := r.seq[key]; !ok {
		r.next++
		r.seq[key] = r.next
	}
}

// Update runs fn with exclusive access to the value stored under key and
// returns a copy of the value fn left behind. fn must not call back into the
// registry for the same key.
func (r *Registry[T]) Update(key string, fn func(T) error) (T, error) {
	var zero T
	e := r.lookup(key)
	if e == nil {
		return zero, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return zero, ErrNotFound
	}
	if err := fn(e.value); err != nil {
		return r.clone(e.value), err
	}
	return r.clone(e.value), nil
}

// Delete removes key and reports whether it existed.
func (r *Registry[T]) Delete(key string) bool {
	s := r.shardFor(key)
	s.mu.Lock()
	e, ok := s.entries[key]
	if ok {
		delete(s.entries, key)
		r.seqMu.Lock()
		delete(r.seq, key)
		r.seqMu.Unlock()
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	e.gone = true
	e.mu.Unlock()
	return true
}

// Len returns the number of stored keys.
func (r *Registry[T]) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

// Snapshot returns copies of every value in insertion order. Each value is
// read under its own lock, so no copy is ever torn.
func (r *Registry[T]) Snapshot() []T {
	type keyed struct {
		seq uint64
		e   *entry[T]
	}
	r.seqMu.Lock()
	seqs := make(map[string]uint64, len(r.seq))
	for k, v := range r.seq {
		seqs[k] = v
	}
	r.seqMu.Unlock()

	var all []keyed
	for _, s := range r.shards {
		s.mu.RLock()
		for k, e := range s.entries {
			all = append(all, keyed{seq: seqs[k], e: e})
		}
		s.mu.RUnlock()
	}
	slices.SortFunc(all, func(a, b keyed) int { return cmp.Compare(a.seq, b.seq) })

	out := make([]T, 0, len(all))
	for _, k := range all {
		k.e.mu.Lock()
		if !k.e.gone {
			out = append(out, r.clone(k.e.value))
		}
		k.e.mu.Unlock()
	}
	return out
}

// Range calls fn with a copy of every value in insertion order until fn
// returns false.
func (r *Registry[T]) Range(fn func(T) bool) {
	for _, v := range r.Snapshot() {
		if !fn(v) {
			return
		}
	}
}
