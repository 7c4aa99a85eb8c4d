package coord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshkv/meshkv/internal/cluster"
	"github.com/meshkv/meshkv/internal/config"
	"github.com/meshkv/meshkv/internal/fabric"
	"github.com/meshkv/meshkv/internal/metrics"
	"github.com/meshkv/meshkv/internal/record"
	"github.com/meshkv/meshkv/internal/storage"
	"github.com/meshkv/meshkv/pkg/proto"
)

// Namespace wire indexes, fixed by testClusterConfig's namespace order.
const (
	nsUsers  = "users"  // ix 0: commit-all, last-update-time, expunging deletes
	nsLedger = "ledger" // ix 1: commit-all, generation, durable deletes
	nsCache  = "cache"  // ix 2: commit-master, last-update-time, 1h max TTL
)

type testNode struct {
	id    cluster.NodeID
	cfg   *config.NodeConfig
	view  *cluster.Static
	store *storage.Memory
	fab   *fabric.InProc
	coord *Coordinator
}

// testCluster is a whole meshkv cluster in one process, wired over an
// in-process fabric so tests can cut links and watch the protocol cope.
type testCluster struct {
	t     *testing.T
	net   *fabric.Network
	order []*testNode
	nodes map[cluster.NodeID]*testNode
}

func testClusterConfig(id uint64, roster []config.NodeEntry) *config.NodeConfig {
	cfg := &config.NodeConfig{
		NodeID:    id,
		AuthToken: "test-token",
		Nodes:     roster,
		Namespaces: []config.NamespaceConfig{
			{Name: nsUsers},
			{Name: nsLedger, ConflictResolution: "generation", DurableDeletes: true},
			{Name: nsCache, CommitLevel: "master", MaxTTL: "1h"},
		},
		Transaction: config.TransactionConfig{
			RetransmitInterval: "25ms",
			RetransmitBudget:   40,
			RestartBudget:      2,
			TotalTimeout:       "3s",
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

// shortBudgets reconfigures the protocol for tests that drive
// transactions into exhaustion, so failure takes tens of milliseconds
// instead of seconds.
func shortBudgets(cfg *config.NodeConfig) {
	cfg.Transaction.RetransmitInterval = "10ms"
	cfg.Transaction.RetransmitBudget = 2
	cfg.Transaction.RestartBudget = 1
	cfg.Transaction.TotalTimeout = "250ms"
}

func newTestCluster(t *testing.T, size int, tweaks ...func(*config.NodeConfig)) *testCluster {
	t.Helper()

	roster := make([]config.NodeEntry, size)
	for i := range roster {
		roster[i] = config.NodeEntry{ID: uint64(i + 1), Fabric: fmt.Sprintf("127.0.0.1:%d", 4001+i)}
	}

	tc := &testCluster{
		t:     t,
		net:   fabric.NewNetwork(),
		nodes: make(map[cluster.NodeID]*testNode, size),
	}
	m := metrics.InitNodeMetrics(nil, "test")
	for i := 0; i < size; i++ {
		cfg := testClusterConfig(uint64(i+1), roster)
		for _, tweak := range tweaks {
			tweak(cfg)
		}
		view, err := cluster.NewStatic(cfg.NodeID, cfg.Nodes)
		require.NoError(t, err)

		n := &testNode{
			id:    cluster.NodeID(cfg.NodeID),
			cfg:   cfg,
			view:  view,
			store: storage.NewMemory(len(cfg.Namespaces)),
			fab:   tc.net.Join(cluster.NodeID(cfg.NodeID)),
		}
		n.coord = NewCoordinator(cfg, view, n.store, storage.NoIndex{}, n.fab, m)
		n.coord.Start()
		tc.order = append(tc.order, n)
		tc.nodes[n.id] = n
	}

	t.Cleanup(func() {
		for _, n := range tc.order {
			n.coord.Stop()
			_ = n.fab.Close()
		}
	})
	return tc
}

func partitionOf(set, key string) uint32 {
	return cluster.PartitionID(proto.ComputeDigest(set, key))
}

// master returns the node coordinating writes for the key.
func (tc *testCluster) master(set, key string) *testNode {
	return tc.nodes[tc.order[0].view.MasterOf(partitionOf(set, key))]
}

// replica returns the second member of the key's RF-2 replica set.
func (tc *testCluster) replica(set, key string) *testNode {
	reps := tc.order[0].view.Replicas(partitionOf(set, key), 2)
	return tc.nodes[reps[1]]
}

// keyForMaster finds a key whose partition the given node masters, so a
// test can aim its transactions at a chosen coordinator.
func (tc *testCluster) keyForMaster(set string, master uint64) string {
	tc.t.Helper()
	for i := 0; i < 1<<16; i++ {
		key := fmt.Sprintf("pin-%d", i)
		if tc.master(set, key).id == cluster.NodeID(master) {
			return key
		}
	}
	tc.t.Fatalf("no key found mastered by node %d", master)
	return ""
}

func binsOf(pairs ...string) []proto.Bin {
	out := make([]proto.Bin, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, proto.Bin{Name: pairs[i], Value: []byte(pairs[i+1])})
	}
	return out
}

func binValue(rec *record.Record, name string) string {
	for _, b := range rec.Bins {
		if b.Name == name {
			return string(b.Value)
		}
	}
	return ""
}

func seedRecord(t *testing.T, n *testNode, nsIx uint32, set, key string,
	meta record.Metadata, bins []proto.Bin) proto.RequestKey {

	t.Helper()
	rk := proto.RequestKey{NsIx: nsIx, Digest: proto.ComputeDigest(set, key)}
	require.NoError(t, n.store.Write(rk, &record.Record{Digest: rk.Digest, Meta: meta, Bins: bins}))
	return rk
}

func startWrite(t *testing.T, c *Coordinator, ns, set, key string,
	bins []proto.Bin, opts WriteOptions) <-chan Result {

	t.Helper()
	ch := make(chan Result, 1)
	require.NoError(t, c.Write(context.Background(), ns, set, key, bins, opts,
		func(r Result) { ch <- r }))
	return ch
}

func await(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("transaction never completed")
		return Result{}
	}
}

func doWrite(t *testing.T, c *Coordinator, ns, set, key string,
	bins []proto.Bin, opts WriteOptions) Result {

	t.Helper()
	return await(t, startWrite(t, c, ns, set, key, bins, opts))
}

func doRead(t *testing.T, c *Coordinator, ns, set, key string) Result {
	t.Helper()
	ch := make(chan Result, 1)
	require.NoError(t, c.Read(context.Background(), ns, set, key,
		func(r Result) { ch <- r }))
	return await(t, ch)
}

func doDelete(t *testing.T, c *Coordinator, ns, set, key string, opts WriteOptions) Result {
	t.Helper()
	ch := make(chan Result, 1)
	require.NoError(t, c.Delete(context.Background(), ns, set, key, opts,
		func(r Result) { ch <- r }))
	return await(t, ch)
}

// waitDrained waits until no node holds a live registry entry.
func waitDrained(t *testing.T, tc *testCluster) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, n := range tc.order {
		n := n
		require.NoError(t, waitFor(ctx, 5*time.Millisecond, func() bool {
			return n.coord.Registry().Count() == 0
		}), "registry never drained on node %s", n.id)
	}
}

func TestWriteReadDeleteRoundTrip(t *testing.T) {
	tc := newTestCluster(t, 3)
	const set, key = "accounts", "alice"
	m := tc.master(set, key)
	r := tc.replica(set, key)
	rk := proto.RequestKey{NsIx: 0, Digest: proto.ComputeDigest(set, key)}

	res := doWrite(t, m.coord, nsUsers, set, key, binsOf("balance", "100"), WriteOptions{})
	require.NoError(t, res.Err)
	assert.Equal(t, uint16(1), res.Generation)
	assert.NotZero(t, res.LastUpdateTime)

	// Commit-all answered, so the replica already holds the version.
	rrec, ok := r.store.Read(rk)
	require.True(t, ok, "replica missing the committed version")
	assert.Equal(t, uint16(1), rrec.Meta.Generation)
	assert.Equal(t, "100", binValue(rrec, "balance"))

	got := doRead(t, m.coord, nsUsers, set, key)
	require.NoError(t, got.Err)
	assert.Equal(t, uint16(1), got.Generation)
	assert.Equal(t, "100", binValue(got.Record, "balance"))

	res2 := doWrite(t, m.coord, nsUsers, set, key, binsOf("balance", "250"), WriteOptions{})
	require.NoError(t, res2.Err)
	assert.Equal(t, uint16(2), res2.Generation)
	assert.Greater(t, res2.LastUpdateTime, res.LastUpdateTime)

	del := doDelete(t, m.coord, nsUsers, set, key, WriteOptions{})
	require.NoError(t, del.Err)

	got = doRead(t, m.coord, nsUsers, set, key)
	assert.True(t, errors.Is(got.Err, ErrNotFound))

	// The expunge replicated: neither copy survives.
	_, ok = m.store.Read(rk)
	assert.False(t, ok)
	_, ok = r.store.Read(rk)
	assert.False(t, ok)

	// The confirm round released the replica's unreplicated marks.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, waitFor(ctx, 5*time.Millisecond, func() bool {
		return r.coord.UnreplicatedCount() == 0
	}))
	waitDrained(t, tc)
}

func TestWriteValidation(t *testing.T) {
	tc := newTestCluster(t, 3)
	const set, key = "accounts", "bob"
	m := tc.master(set, key)
	noop := func(Result) {}

	big := make([]byte, 2<<20)
	tests := []struct {
		name string
		call func() error
		want error
	}{
		{"unknown namespace", func() error {
			return m.coord.Write(context.Background(), "nope", set, key, binsOf("a", "1"), WriteOptions{}, noop)
		}, ErrForbidden},
		{"empty set", func() error {
			return m.coord.Write(context.Background(), nsUsers, "", key, binsOf("a", "1"), WriteOptions{}, noop)
		}, ErrForbidden},
		{"empty key", func() error {
			return m.coord.Write(context.Background(), nsUsers, set, "", binsOf("a", "1"), WriteOptions{}, noop)
		}, ErrForbidden},
		{"no bins", func() error {
			return m.coord.Write(context.Background(), nsUsers, set, key, nil, WriteOptions{}, noop)
		}, ErrForbidden},
		{"oversized record", func() error {
			return m.coord.Write(context.Background(), nsUsers, set, key, []proto.Bin{{Name: "blob", Value: big}}, WriteOptions{}, noop)
		}, ErrForbidden},
		{"ttl above namespace max", func() error {
			return m.coord.Write(context.Background(), nsCache, set, key, binsOf("a", "1"), WriteOptions{TTL: 7200}, noop)
		}, ErrForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}

	// Writes must land on the partition master.
	other := tc.order[0]
	if other.id == m.id {
		other = tc.order[1]
	}
	err := other.coord.Write(context.Background(), nsUsers, set, key, binsOf("a", "1"), WriteOptions{}, noop)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotMaster))
	assert.Contains(t, err.Error(), m.id.String())
}

// TestOneTransactionPerRecord holds a commit-all write open by cutting
// the ack path and verifies the registry admits no second mutation for
// the record until the first retires.
func TestOneTransactionPerRecord(t *testing.T) {
	tc := newTestCluster(t, 3)
	const set, key = "accounts", "carol"
	m := tc.master(set, key)
	r := tc.replica(set, key)

	tc.net.Drop(r.id, m.id, true)
	ch := startWrite(t, m.coord, nsUsers, set, key, binsOf("v", "first"), WriteOptions{})

	assert.Equal(t, 1, m.coord.Registry().Count())

	err := m.coord.Write(context.Background(), nsUsers, set, key, binsOf("v", "second"), WriteOptions{}, func(Result) {})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInProgress))

	err = m.coord.Delete(context.Background(), nsUsers, set, key, WriteOptions{}, func(Result) {})
	assert.True(t, errors.Is(err, ErrInProgress))

	// Reads do not queue behind replication: the master answers from
	// its applied local copy.
	got := doRead(t, m.coord, nsUsers, set, key)
	require.NoError(t, got.Err)
	assert.Equal(t, "first", binValue(got.Record, "v"))

	// Heal the link; a retransmit completes the first write.
	tc.net.Drop(r.id, m.id, false)
	res := await(t, ch)
	require.NoError(t, res.Err)
	assert.Equal(t, uint16(1), res.Generation)

	res = doWrite(t, m.coord, nsUsers, set, key, binsOf("v", "second"), WriteOptions{})
	require.NoError(t, res.Err)
	assert.Equal(t, uint16(2), res.Generation)
	waitDrained(t, tc)
}

// TestDupResolutionAdoptsRemoteWinner marks a partition as having a
// duplicate holder with a newer version and verifies a read resolves,
// repairs the local copy, and answers from the winner.
func TestDupResolutionAdoptsRemoteWinner(t *testing.T) {
	tc := newTestCluster(t, 3)
	set := "profiles"
	key := tc.keyForMaster(set, 1)
	m, holder := tc.nodes[1], tc.nodes[3]

	rk := seedRecord(t, m, 0, set, key,
		record.Metadata{Generation: 1, LastUpdateTime: 1000}, binsOf("from", "master"))
	seedRecord(t, holder, 0, set, key,
		record.Metadata{Generation: 5, LastUpdateTime: 5000}, binsOf("from", "holder"))

	m.view.MarkDuplicates(partitionOf(set, key), []cluster.NodeID{holder.id})

	got := doRead(t, m.coord, nsUsers, set, key)
	require.NoError(t, got.Err)
	assert.Equal(t, uint16(5), got.Generation)
	assert.Equal(t, uint64(5000), got.LastUpdateTime)
	assert.Equal(t, "holder", binValue(got.Record, "from"))

	// Read repair replaced the stale local copy.
	local, ok := m.store.Read(rk)
	require.True(t, ok)
	assert.Equal(t, uint16(5), local.Meta.Generation)
	assert.Equal(t, "holder", binValue(local, "from"))
}

// TestDupResolutionTieBreak seeds two copies with identical metadata
// and verifies the lower node ID's copy is chosen deterministically.
func TestDupResolutionTieBreak(t *testing.T) {
	tc := newTestCluster(t, 3)
	set := "profiles"
	key := tc.keyForMaster(set, 2)
	m, holder := tc.nodes[2], tc.nodes[1]

	meta := record.Metadata{Generation: 3, LastUpdateTime: 2000}
	rk := seedRecord(t, m, 0, set, key, meta, binsOf("from", "master"))
	seedRecord(t, holder, 0, set, key, meta, binsOf("from", "holder"))

	m.view.MarkDuplicates(partitionOf(set, key), []cluster.NodeID{holder.id})

	got := doRead(t, m.coord, nsUsers, set, key)
	require.NoError(t, got.Err)
	assert.Equal(t, uint16(3), got.Generation)
	assert.Equal(t, "holder", binValue(got.Record, "from"), "node 1 outranks node 2 on ties")

	// Metadata-equal copies are not repaired; neither supersedes the
	// other.
	local, ok := m.store.Read(rk)
	require.True(t, ok)
	assert.Equal(t, "master", binValue(local, "from"))
}

// TestConflictResolutionPolicies runs the same two candidate versions
// through a last-update-time namespace and a generation namespace and
// verifies they pick opposite winners.
func TestConflictResolutionPolicies(t *testing.T) {
	tc := newTestCluster(t, 3)
	set := "books"
	key := tc.keyForMaster(set, 1)
	m, holder := tc.nodes[1], tc.nodes[3]

	// Master: higher generation. Holder: newer last-update time.
	for _, nsIx := range []uint32{0, 1} {
		seedRecord(t, m, nsIx, set, key,
			record.Metadata{Generation: 5, LastUpdateTime: 1000}, binsOf("from", "master"))
		seedRecord(t, holder, nsIx, set, key,
			record.Metadata{Generation: 4, LastUpdateTime: 2000}, binsOf("from", "holder"))
	}
	m.view.MarkDuplicates(partitionOf(set, key), []cluster.NodeID{holder.id})

	got := doRead(t, m.coord, nsUsers, set, key)
	require.NoError(t, got.Err)
	assert.Equal(t, "holder", binValue(got.Record, "from"))
	assert.Equal(t, uint16(4), got.Generation)

	got = doRead(t, m.coord, nsLedger, set, key)
	require.NoError(t, got.Err)
	assert.Equal(t, "master", binValue(got.Record, "from"))
	assert.Equal(t, uint16(5), got.Generation)
}

// TestDupResolutionMajority cuts one of three duplicate holders off and
// verifies a majority of answers still settles the round.
func TestDupResolutionMajority(t *testing.T) {
	tc := newTestCluster(t, 4, shortBudgets)
	set := "profiles"
	key := tc.keyForMaster(set, 1)
	m := tc.nodes[1]

	seedRecord(t, tc.nodes[2], 0, set, key,
		record.Metadata{Generation: 7, LastUpdateTime: 9000}, binsOf("from", "holder2"))

	m.view.MarkDuplicates(partitionOf(set, key),
		[]cluster.NodeID{2, 3, 4})
	tc.net.Isolate(4, true)

	got := doRead(t, m.coord, nsUsers, set, key)
	require.NoError(t, got.Err)
	assert.Equal(t, uint16(7), got.Generation)
	assert.Equal(t, "holder2", binValue(got.Record, "from"))
	waitDrained(t, tc)
}

// TestDupResolutionRestartExhaustion isolates every duplicate holder;
// the transaction restarts under fresh TIDs until the budget runs out
// and then times out.
func TestDupResolutionRestartExhaustion(t *testing.T) {
	tc := newTestCluster(t, 4, shortBudgets)
	set := "profiles"
	key := tc.keyForMaster(set, 1)
	m := tc.nodes[1]

	m.view.MarkDuplicates(partitionOf(set, key),
		[]cluster.NodeID{2, 3, 4})
	for _, id := range []cluster.NodeID{2, 3, 4} {
		tc.net.Isolate(id, true)
	}

	got := doRead(t, m.coord, nsUsers, set, key)
	require.Error(t, got.Err)
	assert.True(t, errors.Is(got.Err, ErrTimeout), "got %v", got.Err)
	waitDrained(t, tc)
}

// TestReplicaWriteIdempotence drives the replica-side apply directly: a
// retransmitted TID and a content-equal version must both be
// acknowledged without touching the stored copy.
func TestReplicaWriteIdempotence(t *testing.T) {
	tc := newTestCluster(t, 2)
	set := "profiles"
	key := tc.keyForMaster(set, 1)
	replica := tc.nodes[2]
	rk := proto.RequestKey{NsIx: 0, Digest: proto.ComputeDigest(set, key)}

	msg := replWriteMsg(t, rk, 42, 1, 3, 5000, binsOf("v", "shipped"), 0)
	require.NoError(t, replica.coord.handleReplWrite(1, msg))

	rec, ok := replica.store.Read(rk)
	require.True(t, ok)
	assert.Equal(t, "shipped", binValue(rec, "v"))

	// Plant a marker so a second apply would be visible.
	seedRecord(t, replica, 0, set, key,
		record.Metadata{Generation: 3, LastUpdateTime: 5000}, binsOf("v", "marker"))

	// Same TID again: deduplicated outright.
	require.NoError(t, replica.coord.handleReplWrite(1, msg))
	rec, _ = replica.store.Read(rk)
	assert.Equal(t, "marker", binValue(rec, "v"))

	// Fresh TID, same version: not newer, so not applied.
	same := replWriteMsg(t, rk, 43, 1, 3, 5000, binsOf("v", "shipped"), 0)
	require.NoError(t, replica.coord.handleReplWrite(1, same))
	rec, _ = replica.store.Read(rk)
	assert.Equal(t, "marker", binValue(rec, "v"))

	// Fresh TID, newer version: applied.
	newer := replWriteMsg(t, rk, 44, 1, 4, 6000, binsOf("v", "newer"), 0)
	require.NoError(t, replica.coord.handleReplWrite(1, newer))
	rec, _ = replica.store.Read(rk)
	assert.Equal(t, "newer", binValue(rec, "v"))
	assert.Equal(t, uint16(4), rec.Meta.Generation)
}

// TestReplicaWriteRegimeCheck verifies a replica refuses versions
// stamped with an older partition regime than its own, without caching
// the TID, so the same transaction can succeed after the master catches
// up.
func TestReplicaWriteRegimeCheck(t *testing.T) {
	tc := newTestCluster(t, 2)
	set := "profiles"
	key := tc.keyForMaster(set, 1)
	replica := tc.nodes[2]
	rk := proto.RequestKey{NsIx: 0, Digest: proto.ComputeDigest(set, key)}
	pid := partitionOf(set, key)

	replica.view.ClearDuplicates(pid) // regime 1 -> 2

	stale := replWriteMsg(t, rk, 50, 1, 1, 1000, binsOf("v", "stale"), 0)
	require.NoError(t, replica.coord.handleReplWrite(1, stale))
	_, ok := replica.store.Read(rk)
	assert.False(t, ok, "stale-regime version must not be applied")

	current := replWriteMsg(t, rk, 50, 2, 1, 1000, binsOf("v", "current"), 0)
	require.NoError(t, replica.coord.handleReplWrite(1, current))
	rec, ok := replica.store.Read(rk)
	require.True(t, ok)
	assert.Equal(t, "current", binValue(rec, "v"))
}

// TestUnreplicatedMarks walks a replica through the commit-all
// bookkeeping: an unreplicated version is tracked until exactly its
// TID is confirmed.
func TestUnreplicatedMarks(t *testing.T) {
	tc := newTestCluster(t, 2)
	set := "profiles"
	key := tc.keyForMaster(set, 1)
	replica := tc.nodes[2]
	rk := proto.RequestKey{NsIx: 0, Digest: proto.ComputeDigest(set, key)}

	msg := replWriteMsg(t, rk, 60, 1, 1, 1000, binsOf("v", "1"), proto.InfoUnreplicated)
	require.NoError(t, replica.coord.handleReplWrite(1, msg))
	assert.Equal(t, 1, replica.coord.UnreplicatedCount())

	// A confirm for a different transaction does not release the mark.
	require.NoError(t, replica.coord.handleReplConfirm(1, replConfirmMsg(rk, 61)))
	assert.Equal(t, 1, replica.coord.UnreplicatedCount())

	require.NoError(t, replica.coord.handleReplConfirm(1, replConfirmMsg(rk, 60)))
	assert.Equal(t, 0, replica.coord.UnreplicatedCount())
}

func replWriteMsg(t *testing.T, rk proto.RequestKey, tid, regime uint32,
	gen uint16, lut uint64, bins []proto.Bin, info uint32) *proto.Message {

	t.Helper()
	payload, err := (&proto.RecordPayload{Bins: bins}).Marshal()
	require.NoError(t, err)

	msg := proto.NewMessage(proto.OpReplWrite)
	msg.SetUint32(proto.FieldNsIx, rk.NsIx)
	msg.SetDigest(rk.Digest)
	msg.SetUint32(proto.FieldTID, tid)
	msg.SetUint32(proto.FieldRegime, regime)
	msg.SetUint32(proto.FieldGeneration, uint32(gen))
	msg.SetUint64(proto.FieldLastUpdateTime, lut)
	msg.SetBytes(proto.FieldRecord, payload)
	if info != 0 {
		msg.SetUint32(proto.FieldInfo, info)
	}
	return msg
}

func replConfirmMsg(rk proto.RequestKey, tid uint32) *proto.Message {
	msg := proto.NewMessage(proto.OpReplConfirm)
	msg.SetUint32(proto.FieldNsIx, rk.NsIx)
	msg.SetDigest(rk.Digest)
	msg.SetUint32(proto.FieldTID, tid)
	msg.SetUint32(proto.FieldInfo, proto.InfoNoReplAck)
	return msg
}

// TestCommitAllTimeoutKeepsLocalApply cuts the replica off entirely: a
// commit-all write must report the missed guarantee but keep the master
// apply, carrying the applied version's metadata in the timeout.
func TestCommitAllTimeoutKeepsLocalApply(t *testing.T) {
	tc := newTestCluster(t, 2, shortBudgets)
	set := "accounts"
	key := tc.keyForMaster(set, 1)
	m, r := tc.nodes[1], tc.nodes[2]
	rk := proto.RequestKey{NsIx: 0, Digest: proto.ComputeDigest(set, key)}

	tc.net.Drop(m.id, r.id, true)

	res := doWrite(t, m.coord, nsUsers, set, key, binsOf("v", "kept"), WriteOptions{})
	require.Error(t, res.Err)
	assert.True(t, errors.Is(res.Err, ErrTimeout), "got %v", res.Err)
	assert.Equal(t, uint16(1), res.Generation, "timeout must still report the applied version")

	rec, ok := m.store.Read(rk)
	require.True(t, ok, "local apply must survive the replication timeout")
	assert.Equal(t, "kept", binValue(rec, "v"))

	_, ok = r.store.Read(rk)
	assert.False(t, ok)
	waitDrained(t, tc)
}

// TestCommitMasterAnswersEarly verifies the commit-master level answers
// before any replica ack and retires the entry in the background.
func TestCommitMasterAnswersEarly(t *testing.T) {
	tc := newTestCluster(t, 2, shortBudgets)
	set := "sessions"
	key := tc.keyForMaster(set, 1)
	m, r := tc.nodes[1], tc.nodes[2]

	tc.net.Drop(m.id, r.id, true)
	tc.net.Drop(r.id, m.id, true)

	res := doWrite(t, m.coord, nsCache, set, key, binsOf("v", "fast"), WriteOptions{})
	require.NoError(t, res.Err, "commit-master must not wait for replicas")
	assert.Equal(t, uint16(1), res.Generation)

	// The entry keeps retrying in the background, then retires silently.
	waitDrained(t, tc)
	rk := proto.RequestKey{NsIx: 2, Digest: proto.ComputeDigest(set, key)}
	_, ok := r.store.Read(rk)
	assert.False(t, ok)
}

// TestCommitLevelOverride checks the per-request override in both
// directions against the namespace default.
func TestCommitLevelOverride(t *testing.T) {
	tc := newTestCluster(t, 2, shortBudgets)
	m := tc.nodes[1]
	commitAll, commitMaster := true, false

	// Commit-all namespace downgraded per request: answers despite a
	// dead replica.
	set := "accounts"
	key := tc.keyForMaster(set, 1)
	tc.net.Isolate(2, true)
	res := doWrite(t, m.coord, nsUsers, set, key, binsOf("v", "1"),
		WriteOptions{CommitAll: &commitMaster})
	require.NoError(t, res.Err)
	tc.net.Isolate(2, false)

	// Commit-master namespace upgraded per request: the replica holds
	// the version by the time the client hears back.
	res = doWrite(t, m.coord, nsCache, set, key, binsOf("v", "2"),
		WriteOptions{CommitAll: &commitAll})
	require.NoError(t, res.Err)

	rk := proto.RequestKey{NsIx: 2, Digest: proto.ComputeDigest(set, key)}
	rec, ok := tc.replica(set, key).store.Read(rk)
	require.True(t, ok)
	assert.Equal(t, "2", binValue(rec, "v"))
	waitDrained(t, tc)
}

// TestRegimeRestartDuringReplication bumps the replica's partition
// regime so it rejects the master's writes; the transaction restarts,
// exhausts its budget, and times out, then succeeds once the master's
// regime catches up.
func TestRegimeRestartDuringReplication(t *testing.T) {
	tc := newTestCluster(t, 2, shortBudgets)
	set := "accounts"
	key := tc.keyForMaster(set, 1)
	m, r := tc.nodes[1], tc.nodes[2]
	rk := proto.RequestKey{NsIx: 0, Digest: proto.ComputeDigest(set, key)}
	pid := partitionOf(set, key)

	r.view.ClearDuplicates(pid) // replica regime ahead of master's

	res := doWrite(t, m.coord, nsUsers, set, key, binsOf("v", "blocked"), WriteOptions{})
	require.Error(t, res.Err)
	assert.True(t, errors.Is(res.Err, ErrTimeout), "got %v", res.Err)

	// Each restart re-applied on top of the previous local apply.
	rec, ok := m.store.Read(rk)
	require.True(t, ok)
	assert.Equal(t, uint16(2), rec.Meta.Generation)

	m.view.ClearDuplicates(pid) // catch up

	res = doWrite(t, m.coord, nsUsers, set, key, binsOf("v", "through"), WriteOptions{})
	require.NoError(t, res.Err)
	assert.Equal(t, uint16(3), res.Generation)

	rrec, ok := r.store.Read(rk)
	require.True(t, ok)
	assert.Equal(t, "through", binValue(rrec, "v"))
	waitDrained(t, tc)
}

func TestGenerationChecks(t *testing.T) {
	tc := newTestCluster(t, 3)
	const set, key = "accounts", "dave"
	m := tc.master(set, key)

	res := doWrite(t, m.coord, nsUsers, set, key, binsOf("v", "1"), WriteOptions{})
	require.NoError(t, res.Err)
	require.Equal(t, uint16(1), res.Generation)

	res = doWrite(t, m.coord, nsUsers, set, key, binsOf("v", "2"),
		WriteOptions{GenPolicy: record.GenEqual, ExpectGeneration: 1})
	require.NoError(t, res.Err)
	assert.Equal(t, uint16(2), res.Generation)

	// Stale expectation: rejected, current generation reported.
	res = doWrite(t, m.coord, nsUsers, set, key, binsOf("v", "lost"),
		WriteOptions{GenPolicy: record.GenEqual, ExpectGeneration: 1})
	require.Error(t, res.Err)
	assert.True(t, errors.Is(res.Err, ErrGeneration))
	assert.Equal(t, uint16(2), res.Generation)

	res = doWrite(t, m.coord, nsUsers, set, key, binsOf("v", "3"),
		WriteOptions{GenPolicy: record.GenGreater, ExpectGeneration: 5})
	require.NoError(t, res.Err)
	assert.Equal(t, uint16(3), res.Generation)

	res = doWrite(t, m.coord, nsUsers, set, key, binsOf("v", "lost"),
		WriteOptions{GenPolicy: record.GenGreater, ExpectGeneration: 3})
	require.Error(t, res.Err)
	assert.True(t, errors.Is(res.Err, ErrGeneration))
}

func TestDurableDeleteLifecycle(t *testing.T) {
	tc := newTestCluster(t, 3)
	const set, key = "entries", "erin"
	m := tc.master(set, key)
	r := tc.replica(set, key)
	rk := proto.RequestKey{NsIx: 1, Digest: proto.ComputeDigest(set, key)}

	res := doWrite(t, m.coord, nsLedger, set, key, binsOf("amount", "40"), WriteOptions{})
	require.NoError(t, res.Err)

	del := doDelete(t, m.coord, nsLedger, set, key, WriteOptions{})
	require.NoError(t, del.Err)
	assert.Equal(t, uint16(2), del.Generation)

	// Reads see the tombstone as a distinct condition, not absence.
	got := doRead(t, m.coord, nsLedger, set, key)
	assert.True(t, errors.Is(got.Err, ErrTombstone))
	assert.Equal(t, uint16(2), got.Generation)

	// The tombstone is a real stored version with no bins, on both
	// copies.
	for _, n := range []*testNode{m, r} {
		rec, ok := n.store.Read(rk)
		require.True(t, ok, "node %s", n.id)
		assert.True(t, rec.Meta.Tombstone())
		assert.Empty(t, rec.Bins)
	}

	// Deleting a tombstone reports not-found.
	del = doDelete(t, m.coord, nsLedger, set, key, WriteOptions{})
	assert.True(t, errors.Is(del.Err, ErrNotFound))

	// A newer write supersedes the tombstone.
	res = doWrite(t, m.coord, nsLedger, set, key, binsOf("amount", "75"), WriteOptions{})
	require.NoError(t, res.Err)
	assert.Equal(t, uint16(3), res.Generation)
	got = doRead(t, m.coord, nsLedger, set, key)
	require.NoError(t, got.Err)
	assert.Equal(t, "75", binValue(got.Record, "amount"))
}

// TestCenotaph durable-deletes a record this master has never seen; the
// tombstone must still be written so older copies cannot resurrect it.
func TestCenotaph(t *testing.T) {
	tc := newTestCluster(t, 3)
	const set, key = "entries", "void"
	m := tc.master(set, key)
	rk := proto.RequestKey{NsIx: 1, Digest: proto.ComputeDigest(set, key)}

	del := doDelete(t, m.coord, nsLedger, set, key, WriteOptions{})
	require.NoError(t, del.Err)
	assert.Equal(t, uint16(1), del.Generation)

	rec, ok := m.store.Read(rk)
	require.True(t, ok)
	assert.True(t, rec.Meta.Flags.Has(record.FlagTombstone|record.FlagCenotaph))

	// Plain deletes of unseen records stay errors.
	del = doDelete(t, m.coord, nsUsers, set, key, WriteOptions{})
	assert.True(t, errors.Is(del.Err, ErrNotFound))
}

func TestExpiredRecords(t *testing.T) {
	tc := newTestCluster(t, 3)
	const set, key = "accounts", "felix"
	m := tc.master(set, key)

	past := uint32(time.Now().Add(-10 * time.Second).Unix())
	seedRecord(t, m, 0, set, key,
		record.Metadata{Generation: 5, LastUpdateTime: 1000, VoidTime: past}, binsOf("v", "old"))

	// Expired records read as absent.
	got := doRead(t, m.coord, nsUsers, set, key)
	assert.True(t, errors.Is(got.Err, ErrNotFound))

	// A write over an expired record starts a fresh version history.
	res := doWrite(t, m.coord, nsUsers, set, key, binsOf("v", "new"), WriteOptions{})
	require.NoError(t, res.Err)
	assert.Equal(t, uint16(1), res.Generation)

	got = doRead(t, m.coord, nsUsers, set, key)
	require.NoError(t, got.Err)
	assert.Equal(t, "new", binValue(got.Record, "v"))
}

func TestTTLHandling(t *testing.T) {
	tc := newTestCluster(t, 3)
	const set, key = "sessions", "gina"
	m := tc.master(set, key)

	before := uint32(time.Now().Unix())
	res := doWrite(t, m.coord, nsCache, set, key, binsOf("v", "1"), WriteOptions{TTL: 60})
	require.NoError(t, res.Err)
	assert.GreaterOrEqual(t, res.VoidTime, before+59)
	assert.LessOrEqual(t, res.VoidTime, before+62)
	first := res.VoidTime

	// Commit-master answers while the entry still occupies the
	// registry slot; wait it out between updates to the same record.
	waitDrained(t, tc)

	// TTLDontUpdate keeps the current void time across an update.
	res = doWrite(t, m.coord, nsCache, set, key, binsOf("v", "2"),
		WriteOptions{TTL: record.TTLDontUpdate})
	require.NoError(t, res.Err)
	assert.Equal(t, first, res.VoidTime)
	waitDrained(t, tc)

	// TTLNeverExpire clears it.
	res = doWrite(t, m.coord, nsCache, set, key, binsOf("v", "3"),
		WriteOptions{TTL: record.TTLNeverExpire})
	require.NoError(t, res.Err)
	assert.Zero(t, res.VoidTime)
	waitDrained(t, tc)
}

func TestReplicaPing(t *testing.T) {
	tc := newTestCluster(t, 3)
	const set, key = "accounts", "henry"
	m := tc.master(set, key)
	r := tc.replica(set, key)

	statuses, err := m.coord.PingReplicas(context.Background(), nsUsers, set, key)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, uint64(r.id), statuses[0].Node)
	assert.True(t, statuses[0].OK)
	assert.Equal(t, uint32(1), statuses[0].Regime)
}

func TestReplicaPingNoReply(t *testing.T) {
	tc := newTestCluster(t, 3, shortBudgets)
	const set, key = "accounts", "iris"
	m := tc.master(set, key)
	r := tc.replica(set, key)

	tc.net.Isolate(r.id, true)
	statuses, err := m.coord.PingReplicas(context.Background(), nsUsers, set, key)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.False(t, statuses[0].OK)
	assert.Equal(t, "no reply", statuses[0].Err)
}

// TestConcurrentDistinctKeys runs a burst of writes against unrelated
// records; none may interfere, and every record ends up on exactly its
// two replicas.
func TestConcurrentDistinctKeys(t *testing.T) {
	tc := newTestCluster(t, 3)
	const set = "bulk"
	const n = 40

	var wg sync.WaitGroup
	results := make([]Result, n)
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%d", i)
		c := tc.master(set, key).coord
		wg.Add(1)
		go func(i int, key string) {
			defer wg.Done()
			ch := make(chan Result, 1)
			if err := c.Write(context.Background(), nsUsers, set, key,
				binsOf("i", key), WriteOptions{}, func(r Result) { ch <- r }); err != nil {
				results[i] = Result{Err: err}
				return
			}
			results[i] = <-ch
		}(i, key)
	}
	wg.Wait()

	for i, res := range results {
		require.NoError(t, res.Err, "write %d", i)
		assert.Equal(t, uint16(1), res.Generation, "write %d", i)
	}

	total := 0
	for _, node := range tc.order {
		total += node.store.Count(0)
	}
	assert.Equal(t, 2*n, total, "each record lives on master and replica")
	waitDrained(t, tc)
}

// TestStopAbortsInFlight shuts a coordinator down while a write is
// stuck on a dead replica and verifies the caller is answered.
func TestStopAbortsInFlight(t *testing.T) {
	tc := newTestCluster(t, 2)
	set := "accounts"
	key := tc.keyForMaster(set, 1)
	m := tc.nodes[1]

	tc.net.Isolate(2, true)
	ch := startWrite(t, m.coord, nsUsers, set, key, binsOf("v", "1"), WriteOptions{})

	m.coord.Stop()

	res := await(t, ch)
	require.Error(t, res.Err)
	assert.True(t, errors.Is(res.Err, context.Canceled), "got %v", res.Err)
	assert.Equal(t, 0, m.coord.Registry().Count())
}
