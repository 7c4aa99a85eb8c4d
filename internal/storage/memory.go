package storage

import (
	"bytes"
	"fmt"

	"github.com/zhangyunhao116/skipmap"

	"github.com/meshkv/meshkv/internal/record"
	"github.com/meshkv/meshkv/pkg/proto"
)

// Memory is the in-memory storage engine: one concurrent skip-list map
// per namespace, keyed by record digest.
type Memory struct {
	namespaces []*skipmap.FuncMap[[]byte, *record.Record]
}

// NewMemory creates an in-memory engine for the given namespace count.
func NewMemory(namespaces int) *Memory {
	m := &Memory{namespaces: make([]*skipmap.FuncMap[[]byte, *record.Record], namespaces)}
	for i := range m.namespaces {
		m.namespaces[i] = skipmap.NewFunc[[]byte, *record.Record](func(a, b []byte) bool {
			return bytes.Compare(a, b) < 0
		})
	}
	return m
}

func (m *Memory) ns(ix uint32) (*skipmap.FuncMap[[]byte, *record.Record], bool) {
	if int(ix) >= len(m.namespaces) {
		return nil, false
	}
	return m.namespaces[ix], true
}

// Read returns a copy of the current record version.
func (m *Memory) Read(key proto.RequestKey) (*record.Record, bool) {
	ns, ok := m.ns(key.NsIx)
	if !ok {
		return nil, false
	}
	r, ok := ns.Load(key.Digest[:])
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// Write stores a private copy of the record.
func (m *Memory) Write(key proto.RequestKey, r *record.Record) error {
	ns, ok := m.ns(key.NsIx)
	if !ok {
		return fmt.Errorf("namespace index %d out of range", key.NsIx)
	}
	if r == nil {
		return fmt.Errorf("nil record for key %s", key)
	}
	ns.Store(append([]byte(nil), key.Digest[:]...), r.Clone())
	return nil
}

// Expunge physically removes a record.
func (m *Memory) Expunge(key proto.RequestKey) bool {
	ns, ok := m.ns(key.NsIx)
	if !ok {
		return false
	}
	return ns.Delete(key.Digest[:])
}

// Count returns the number of records in a namespace.
func (m *Memory) Count(nsIx uint32) int {
	ns, ok := m.ns(nsIx)
	if !ok {
		return 0
	}
	return ns.Len()
}

// Close releases engine resources. The in-memory engine has none.
func (m *Memory) Close() error {
	return nil
}
