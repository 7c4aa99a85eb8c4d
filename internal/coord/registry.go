package coord

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/meshkv/meshkv/internal/metrics"
	"github.com/meshkv/meshkv/pkg/proto"
)

const registryShards = 256

// Registry is the concurrent table enforcing the one-in-flight-
// transaction-per-record invariant. Shard locks are held only for map
// operations, never across a network wait; each shard guards an
// unrelated slice of the key space so distinct records do not contend.
type Registry struct {
	shards [registryShards]registryShard
	m      *metrics.NodeMetrics
}

type registryShard struct {
	mu      sync.Mutex
	entries map[proto.RequestKey]*RequestEntry
}

func NewRegistry(m *metrics.NodeMetrics) *Registry {
	r := &Registry{m: m}
	for i := range r.shards {
		r.shards[i].entries = make(map[proto.RequestKey]*RequestEntry)
	}
	return r
}

func (r *Registry) shardFor(key proto.RequestKey) *registryShard {
	packed := key.Packed()
	h := fnv.New32a()
	_, _ = h.Write(packed[:])
	return &r.shards[h.Sum32()&(registryShards-1)]
}

// Insert claims the key's slot for the entry. A second concurrent
// transaction for the same key gets ErrInProgress and must not touch
// storage for that record. On success the table holds its own
// reference until Remove.
func (r *Registry) Insert(key proto.RequestKey, e *RequestEntry) error {
	s := r.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[key]; ok {
		return ErrInProgress
	}
	e.Ref()
	s.entries[key] = e
	r.m.InFlight.Inc()
	return nil
}

// Lookup returns a referenced handle for the key's live entry, or nil.
// The caller must Release the handle.
func (r *Registry) Lookup(key proto.RequestKey) *RequestEntry {
	s := r.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	e.Ref()
	return e
}

// Remove deletes the key's slot only while it still holds this exact
// entry, so a stale reference can never evict a newer transaction that
// reused the slot. Reports whether the entry was removed.
func (r *Registry) Remove(key proto.RequestKey, e *RequestEntry) bool {
	s := r.shardFor(key)
	s.mu.Lock()
	cur, ok := s.entries[key]
	if !ok || cur != e {
		s.mu.Unlock()
		return false
	}
	delete(s.entries, key)
	s.mu.Unlock()

	r.m.InFlight.Dec()
	e.Release() // table reference
	return true
}

// Count returns the number of live entries.
func (r *Registry) Count() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

// Dump snapshots every live entry for introspection.
func (r *Registry) Dump() []EntrySnapshot {
	now := time.Now()
	var out []EntrySnapshot
	for _, e := range r.collect() {
		out = append(out, e.snapshot(now))
		e.Release()
	}
	return out
}

// Sweep runs fn over every live entry, one shard at a time, without
// holding any shard lock during fn. Entries are referenced for the
// duration of their visit.
func (r *Registry) Sweep(fn func(*RequestEntry)) {
	for _, e := range r.collect() {
		fn(e)
		e.Release()
	}
}

// collect gathers referenced handles for all live entries shard by
// shard. Callers own one Release per handle.
func (r *Registry) collect() []*RequestEntry {
	var out []*RequestEntry
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		for _, e := range s.entries {
			e.Ref()
			out = append(out, e)
		}
		s.mu.Unlock()
	}
	return out
}
