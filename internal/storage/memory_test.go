package storage

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshkv/meshkv/internal/record"
	"github.com/meshkv/meshkv/pkg/proto"
)

func testKey(ns uint32, k string) proto.RequestKey {
	return proto.RequestKey{NsIx: ns, Digest: proto.ComputeDigest("set", k)}
}

func testRecord(key proto.RequestKey, gen uint16, val string) *record.Record {
	return &record.Record{
		Digest: key.Digest,
		Meta:   record.Metadata{Generation: gen, LastUpdateTime: uint64(gen) * 100},
		Bins:   []proto.Bin{{Name: "v", Value: []byte(val)}},
	}
}

func TestMemoryReadWrite(t *testing.T) {
	m := NewMemory(2)
	defer m.Close()

	key := testKey(0, "a")

	_, ok := m.Read(key)
	assert.False(t, ok)

	require.NoError(t, m.Write(key, testRecord(key, 1, "one")))

	got, ok := m.Read(key)
	require.True(t, ok)
	assert.Equal(t, uint16(1), got.Meta.Generation)
	assert.Equal(t, []byte("one"), got.Bins[0].Value)

	// Overwrite replaces the whole version.
	require.NoError(t, m.Write(key, testRecord(key, 2, "two")))
	got, ok = m.Read(key)
	require.True(t, ok)
	assert.Equal(t, uint16(2), got.Meta.Generation)

	assert.Equal(t, 1, m.Count(0))
	assert.Equal(t, 0, m.Count(1))
}

func TestMemoryNamespaceIsolation(t *testing.T) {
	m := NewMemory(2)
	defer m.Close()

	k0 := testKey(0, "a")
	k1 := proto.RequestKey{NsIx: 1, Digest: k0.Digest}

	require.NoError(t, m.Write(k0, testRecord(k0, 1, "zero")))

	_, ok := m.Read(k1)
	assert.False(t, ok, "same digest in another namespace is a different record")
}

func TestMemoryCopies(t *testing.T) {
	m := NewMemory(1)
	defer m.Close()

	key := testKey(0, "a")
	r := testRecord(key, 1, "orig")
	require.NoError(t, m.Write(key, r))

	// Mutating what we wrote must not reach the store.
	r.Bins[0].Value[0] = 'X'
	got, _ := m.Read(key)
	assert.Equal(t, []byte("orig"), got.Bins[0].Value)

	// Mutating what we read must not reach the store either.
	got.Bins[0].Value[0] = 'Y'
	again, _ := m.Read(key)
	assert.Equal(t, []byte("orig"), again.Bins[0].Value)
}

func TestMemoryExpunge(t *testing.T) {
	m := NewMemory(1)
	defer m.Close()

	key := testKey(0, "a")
	require.NoError(t, m.Write(key, testRecord(key, 1, "x")))

	assert.True(t, m.Expunge(key))
	assert.False(t, m.Expunge(key))

	_, ok := m.Read(key)
	assert.False(t, ok)
	assert.Equal(t, 0, m.Count(0))
}

func TestMemoryRejectsBadInput(t *testing.T) {
	m := NewMemory(1)
	defer m.Close()

	badNs := testKey(5, "a")
	assert.Error(t, m.Write(badNs, testRecord(badNs, 1, "x")))
	assert.Error(t, m.Write(testKey(0, "a"), nil))

	_, ok := m.Read(badNs)
	assert.False(t, ok)
	assert.False(t, m.Expunge(badNs))
	assert.Equal(t, 0, m.Count(5))
}

func TestMemoryConcurrentDistinctKeys(t *testing.T) {
	m := NewMemory(1)
	defer m.Close()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := testKey(0, fmt.Sprintf("key-%d", n))
			for g := uint16(1); g <= 50; g++ {
				if err := m.Write(key, testRecord(key, g, "v")); err != nil {
					t.Error(err)
					return
				}
				got, ok := m.Read(key)
				if !ok || got.Meta.Generation != g {
					t.Errorf("key %d: read generation %d, want %d", n, got.Meta.Generation, g)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 16, m.Count(0))
}
