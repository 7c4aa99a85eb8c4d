// Package coord implements the transaction coordination core of a
// meshkv node: the request registry that admits one in-flight
// transaction per record, the duplicate-resolution and replica-write
// protocols that keep copies consistent, and the replica-side handlers
// those protocols talk to.
//
// A transaction never blocks a goroutine on the network. Protocol
// steps send messages and park the registry entry; matching replies
// and sweeper deadline events resume it. All transitions for one entry
// are serialized by the entry's mutex and only produce side effects
// (sends, the completion callback, retirement) after the mutex is
// released.
package coord

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ReneKroon/ttlcache"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/meshkv/meshkv/internal/cluster"
	"github.com/meshkv/meshkv/internal/config"
	"github.com/meshkv/meshkv/internal/fabric"
	"github.com/meshkv/meshkv/internal/metrics"
	"github.com/meshkv/meshkv/internal/record"
	"github.com/meshkv/meshkv/internal/storage"
	"github.com/meshkv/meshkv/pkg/bytesize"
	"github.com/meshkv/meshkv/pkg/proto"
)

// Coordinator drives transactions on records this node masters and
// answers protocol messages for records it replicates.
type Coordinator struct {
	cfg    *config.NodeConfig
	view   cluster.View
	store  storage.Engine
	sindex storage.SecondaryIndex
	fab    fabric.Fabric
	reg    *Registry
	m      *metrics.NodeMetrics
	logger zerolog.Logger

	retransmitEvery  time.Duration
	retransmitBudget int
	restartBudget    int
	deadline         time.Duration

	tids atomic.Uint32

	// Replica-side state: recently applied transaction IDs for
	// retransmit idempotence, and records awaiting a replication
	// confirm.
	recentTIDs   *ttlcache.Cache
	unreplMu     sync.Mutex
	unreplicated map[proto.RequestKey]uint32

	// In-flight replica pings by transaction ID.
	pingMu sync.Mutex
	pings  map[uint32]chan pingAck

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewCoordinator wires the coordination core to its collaborators and
// registers itself as the fabric's message handler. The caller owns
// the storage engine and fabric lifecycles.
func NewCoordinator(cfg *config.NodeConfig, view cluster.View, store storage.Engine,
	sindex storage.SecondaryIndex, fab fabric.Fabric, m *metrics.NodeMetrics) *Coordinator {

	recent := ttlcache.NewCache()
	recent.SetTTL(4 * cfg.Transaction.Deadline())

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:              cfg,
		view:             view,
		store:            store,
		sindex:           sindex,
		fab:              fab,
		reg:              NewRegistry(m),
		m:                m,
		logger:           log.With().Str("component", "coord").Logger(),
		retransmitEvery:  cfg.Transaction.RetransmitEvery(),
		retransmitBudget: cfg.Transaction.RetransmitBudget,
		restartBudget:    cfg.Transaction.RestartBudget,
		deadline:         cfg.Transaction.Deadline(),
		recentTIDs:       recent,
		unreplicated:     make(map[proto.RequestKey]uint32),
		pings:            make(map[uint32]chan pingAck),
		ctx:              ctx,
		cancel:           cancel,
	}

	fab.RegisterHandler(c.handleMessage)
	return c
}

// Start launches the retransmit sweeper.
func (c *Coordinator) Start() {
	c.wg.Add(1)
	go c.runSweeper()
	c.logger.Info().Msg("coordinator started")
}

// Stop aborts every in-flight transaction and waits for background
// work to finish. Entries reach a terminal state; none leak. Safe to
// call more than once.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(c.stop)
}

func (c *Coordinator) stop() {
	c.cancel()
	c.wg.Wait()

	c.reg.Sweep(func(e *RequestEntry) {
		a := actions{}
		e.mu.Lock()
		if !e.finalized {
			e.finalizeLocked(&a, StateAborted, Result{Err: context.Canceled})
		}
		e.mu.Unlock()
		c.execute(e, &a)
	})

	c.recentTIDs.Close()
	c.logger.Info().Msg("coordinator stopped")
}

// Registry exposes the request registry for introspection.
func (c *Coordinator) Registry() *Registry {
	return c.reg
}

// UnreplicatedCount returns how many replica records still await a
// replication confirm.
func (c *Coordinator) UnreplicatedCount() int {
	c.unreplMu.Lock()
	defer c.unreplMu.Unlock()
	return len(c.unreplicated)
}

func (c *Coordinator) nextTID() uint32 {
	return c.tids.Add(1)
}

// WriteOptions carry per-request policy for writes and deletes.
type WriteOptions struct {
	// GenPolicy gates the write on ExpectGeneration.
	GenPolicy        record.GenPolicy
	ExpectGeneration uint16

	// TTL is the client TTL in seconds; the record.TTL* values have
	// reserved meanings.
	TTL uint32

	// CommitAll overrides the namespace commit level when non-nil.
	CommitAll *bool
}

// prep resolves and validates the target of a client operation.
func (c *Coordinator) prep(nsName, set, key string, needMaster bool) (*config.NamespaceConfig, proto.RequestKey, uint32, error) {
	ns, nsIx, ok := c.cfg.Namespace(nsName)
	if !ok {
		return nil, proto.RequestKey{}, 0, fmt.Errorf("%w: unknown namespace %q", ErrForbidden, nsName)
	}
	if set == "" || key == "" {
		return nil, proto.RequestKey{}, 0, fmt.Errorf("%w: set and key must be non-empty", ErrForbidden)
	}

	digest := proto.ComputeDigest(set, key)
	rk := proto.RequestKey{NsIx: nsIx, Digest: digest}
	pid := cluster.PartitionID(digest)

	if needMaster {
		if master := c.view.MasterOf(pid); master != c.view.Self() {
			return nil, proto.RequestKey{}, 0, fmt.Errorf("%w; master is node %s", ErrNotMaster, master)
		}
	}
	return ns, rk, pid, nil
}

// Write coordinates a full-record write. Errors detected before the
// transaction owns the record's registry slot are returned; everything
// after is delivered exactly once through done.
func (c *Coordinator) Write(ctx context.Context, nsName, set, key string, bins []proto.Bin,
	opts WriteOptions, done func(Result)) error {

	if len(bins) == 0 {
		return fmt.Errorf("%w: write requires at least one bin", ErrForbidden)
	}
	ns, rk, pid, err := c.prep(nsName, set, key, true)
	if err != nil {
		return err
	}
	if err := checkTTL(ns, opts.TTL); err != nil {
		return err
	}
	if size := payloadSize(bins); size > int(ns.MaxRecordSize) {
		return fmt.Errorf("%w: record size %s exceeds namespace maximum %s",
			ErrForbidden, bytesize.Size(size), ns.MaxRecordSize)
	}

	e := c.newEntry(ClientWrite, rk, pid, ns, opts, done)
	e.bins = bins
	return c.begin(e)
}

// Delete coordinates a record delete. With durable deletes enabled on
// the namespace it writes a tombstone; otherwise the record is
// expunged and the drop replicated.
func (c *Coordinator) Delete(ctx context.Context, nsName, set, key string,
	opts WriteOptions, done func(Result)) error {

	ns, rk, pid, err := c.prep(nsName, set, key, true)
	if err != nil {
		return err
	}

	e := c.newEntry(ClientDelete, rk, pid, ns, opts, done)
	if ns.DurableDeletes {
		e.flags |= record.FlagTombstone
	} else {
		e.expunge = true
	}
	return c.begin(e)
}

// Read answers from local storage when the partition has no
// duplicates; otherwise it runs duplicate resolution first and repairs
// the local copy if a remote version wins.
func (c *Coordinator) Read(ctx context.Context, nsName, set, key string, done func(Result)) error {
	ns, rk, pid, err := c.prep(nsName, set, key, true)
	if err != nil {
		return err
	}

	if len(c.view.Duplicates(pid)) == 0 {
		res := c.localRead(rk, time.Now())
		c.m.TransactionsTotal.WithLabelValues(ns.Name, ClientRead.String(), resultOf(res.Err).String()).Inc()
		done(res)
		return nil
	}

	e := c.newEntry(ClientRead, rk, pid, ns, WriteOptions{}, done)
	return c.begin(e)
}

// localRead is the no-coordination read path.
func (c *Coordinator) localRead(rk proto.RequestKey, now time.Time) Result {
	rec, ok := c.store.Read(rk)
	if !ok {
		return Result{Err: ErrNotFound}
	}
	switch {
	case rec.Meta.Tombstone():
		return Result{Err: ErrTombstone, Generation: rec.Meta.Generation}
	case rec.Meta.Expired(now):
		return Result{Err: ErrNotFound}
	}
	return Result{
		Record:         rec,
		Generation:     rec.Meta.Generation,
		LastUpdateTime: rec.Meta.LastUpdateTime,
		VoidTime:       rec.Meta.VoidTime,
	}
}

// payloadSize is the wire size of a record payload carrying bins.
func payloadSize(bins []proto.Bin) int {
	size := 8 // void time, flags, bin count
	for _, b := range bins {
		size += 1 + len(b.Name) + 4 + len(b.Value)
	}
	return size
}

// checkTTL validates a client TTL against the namespace ceiling.
func checkTTL(ns *config.NamespaceConfig, ttl uint32) error {
	switch ttl {
	case record.TTLNamespaceDefault, record.TTLNeverExpire, record.TTLDontUpdate:
		return nil
	}
	if _, max := ns.TTL(); max > 0 && time.Duration(ttl)*time.Second > max {
		return fmt.Errorf("%w: ttl %ds exceeds namespace maximum %s", ErrForbidden, ttl, max)
	}
	return nil
}

func (c *Coordinator) newEntry(op ClientOp, rk proto.RequestKey, pid uint32,
	ns *config.NamespaceConfig, opts WriteOptions, done func(Result)) *RequestEntry {

	now := time.Now()
	commitAll := ns.CommitAll()
	if opts.CommitAll != nil {
		commitAll = *opts.CommitAll
	}

	e := &RequestEntry{
		Key:          rk,
		op:           op,
		tid:          c.nextTID(),
		ns:           ns,
		pid:          pid,
		regime:       c.view.Regime(pid),
		expectGen:    opts.ExpectGeneration,
		genPolicy:    opts.GenPolicy,
		ttl:          opts.TTL,
		commitAll:    commitAll,
		restartsLeft: c.restartBudget,
		deadline:     now.Add(c.deadline),
		created:      now,
		done:         done,
	}
	e.refs.Store(1) // creator handle
	return e
}

// begin claims the registry slot and drives the entry out of
// StateInit. The creator handle is released before returning; the
// table and any reply handlers keep the entry alive after that.
func (c *Coordinator) begin(e *RequestEntry) error {
	if err := c.reg.Insert(e.Key, e); err != nil {
		e.Release()
		return err
	}

	a := actions{}
	now := time.Now()
	e.mu.Lock()
	c.advanceFromInitLocked(e, &a, now)
	e.mu.Unlock()
	c.execute(e, &a)
	e.Release()
	return nil
}

// advanceFromInitLocked decides whether the transaction needs
// duplicate resolution or can resolve against the local copy alone.
func (c *Coordinator) advanceFromInitLocked(e *RequestEntry, a *actions, now time.Time) {
	if dups := c.view.Duplicates(e.pid); len(dups) > 0 {
		c.startDupResLocked(e, a, dups, now)
		return
	}

	c.seedLocalCandidateLocked(e)
	e.state = StateResolved
	c.applyResolvedLocked(e, a, now)
}

// seedLocalCandidateLocked enters this node's copy (or its absence)
// into the candidate set.
func (c *Coordinator) seedLocalCandidateLocked(e *RequestEntry) {
	if cur, ok := c.store.Read(e.Key); ok {
		e.offerCandidateLocked(c.view.Self(), cur.Meta, cur)
	} else {
		e.offerCandidateLocked(c.view.Self(), record.Metadata{}, nil)
	}
}

// applyResolvedLocked runs once a winning version is fixed.
func (c *Coordinator) applyResolvedLocked(e *RequestEntry, a *actions, now time.Time) {
	if e.op == ClientRead {
		c.finishReadLocked(e, a, now)
		return
	}
	c.applyWriteLocked(e, a, now)
}

// finishReadLocked answers the read from the winning version,
// repairing the local copy first when a remote version won.
func (c *Coordinator) finishReadLocked(e *RequestEntry, a *actions, now time.Time) {
	meta, winner := e.best, e.bestRec

	switch {
	case !meta.Exists() || winner == nil:
		e.finalizeLocked(a, StateDone, Result{Err: ErrNotFound})
		return
	case meta.Tombstone():
		e.finalizeLocked(a, StateDone, Result{Err: ErrTombstone, Generation: meta.Generation})
		return
	case meta.Expired(now):
		e.finalizeLocked(a, StateDone, Result{Err: ErrNotFound})
		return
	}

	if e.bestNode != c.view.Self() {
		cur, ok := c.store.Read(e.Key)
		if !ok || record.ShouldReplace(cur.Meta, meta, e.ns.Resolution()) {
			var oldBins []proto.Bin
			if ok {
				oldBins = cur.Bins
			}
			if err := c.store.Write(e.Key, winner); err != nil {
				c.logger.Warn().Err(err).Str("key", e.Key.String()).
					Msg("read repair failed; answering from winner anyway")
			} else {
				c.sindex.RemoveBins(e.Key, oldBins)
				c.sindex.InsertBins(e.Key, winner.Bins)
			}
		}
	}

	e.finalizeLocked(a, StateDone, Result{
		Record:         winner,
		Generation:     meta.Generation,
		LastUpdateTime: meta.LastUpdateTime,
		VoidTime:       meta.VoidTime,
	})
}

// applyWriteLocked applies the mutation locally under a metadata stash
// and hands the new version to the replica-write step.
func (c *Coordinator) applyWriteLocked(e *RequestEntry, a *actions, now time.Time) {
	base := e.best
	if base.Expired(now) {
		base = record.Metadata{} // expired records are gone for write purposes
	}

	if !record.CheckGeneration(base, e.expectGen, e.genPolicy) {
		e.finalizeLocked(a, StateDone, Result{Err: ErrGeneration, Generation: base.Generation})
		return
	}

	if e.op == ClientDelete {
		if !base.Exists() || base.Tombstone() {
			if e.expunge || base.Tombstone() {
				e.finalizeLocked(a, StateDone, Result{Err: ErrNotFound})
				return
			}
			// Durable delete of an unseen record: the tombstone becomes
			// a cenotaph so older copies cannot resurrect it.
			e.flags |= record.FlagCenotaph
		}
	}

	work, oldBins := c.workingCopy(e)

	// The new version continues from the resolved winner, which may be
	// a remote copy ahead of the local one.
	snap := work.StashMetadata()
	gen := record.NextGeneration(base.Generation)
	lut := uint64(now.UnixMilli())
	if lut <= base.LastUpdateTime {
		lut = base.LastUpdateTime + 1 // never move backwards under clock skew
	}
	def, _ := e.ns.TTL()
	vt := record.NextVoidTime(e.ttl, base.VoidTime, def, now)

	work.Meta = record.Metadata{
		VoidTime:       vt,
		LastUpdateTime: lut,
		Generation:     gen,
		Flags:          e.flags,
	}
	work.Bins = e.bins

	c.sindex.RemoveBins(e.Key, oldBins)
	if e.expunge {
		c.store.Expunge(e.Key)
	} else {
		if err := c.store.Write(e.Key, work); err != nil {
			work.UnwindMetadata(snap)
			c.sindex.InsertBins(e.Key, oldBins)
			e.finalizeLocked(a, StateDone, Result{Err: fmt.Errorf("%w: %v", ErrStorage, err)})
			return
		}
		c.sindex.InsertBins(e.Key, work.Bins)
	}

	e.applied = work
	c.startReplWriteLocked(e, a, now)
}

// workingCopy picks the record object the mutation advances: the local
// copy when one exists, otherwise a fresh record.
func (c *Coordinator) workingCopy(e *RequestEntry) (*record.Record, []proto.Bin) {
	work, ok := c.store.Read(e.Key)
	var oldBins []proto.Bin
	if ok {
		oldBins = work.Bins
	} else {
		work = &record.Record{Digest: e.Key.Digest}
	}
	return work, oldBins
}

// execute performs the side effects a transition produced, strictly
// after the entry lock is released. Entry fields read here are fixed
// at creation.
func (c *Coordinator) execute(e *RequestEntry, a *actions) {
	for _, s := range a.sends {
		if err := c.fab.Send(c.ctx, s.to, s.msg); err != nil {
			c.logger.Debug().Err(err).Stringer("node", s.to).Msg("fabric send failed")
		}
	}
	if a.retire {
		c.reg.Remove(e.Key, e)
	}
	if a.respond != nil {
		c.m.TransactionsTotal.WithLabelValues(e.ns.Name, e.op.String(), resultOf(a.respond.Err).String()).Inc()
		if e.done != nil {
			e.done(*a.respond)
		}
	}
}

// handleMessage is the fabric dispatch point. It runs on a fabric read
// goroutine; handlers must stay non-blocking.
func (c *Coordinator) handleMessage(from cluster.NodeID, msg *proto.Message) error {
	op, ok := msg.Op()
	if !ok {
		return fmt.Errorf("%w: message without op", ErrProtocol)
	}

	switch op {
	case proto.OpDupReq:
		return c.handleDupReq(from, msg)
	case proto.OpDupAck:
		return c.handleDupAck(from, msg)
	case proto.OpReplWrite:
		return c.handleReplWrite(from, msg)
	case proto.OpWriteAck:
		return c.handleWriteAck(from, msg)
	case proto.OpReplConfirm:
		return c.handleReplConfirm(from, msg)
	case proto.OpReplPing:
		return c.handleReplPing(from, msg)
	case proto.OpReplPingAck:
		return c.handleReplPingAck(from, msg)
	default:
		return fmt.Errorf("%w: unexpected op %s from node %s", ErrProtocol, op, from)
	}
}

// msgTarget extracts the request key a protocol message addresses.
func msgTarget(msg *proto.Message) (proto.RequestKey, error) {
	rk, ok := msg.Key()
	if !ok {
		return proto.RequestKey{}, fmt.Errorf("%w: message without namespace index or digest", ErrProtocol)
	}
	return rk, nil
}

// PingStatus is one replica's answer to a liveness probe.
type PingStatus struct {
	Node   uint64 `json:"node"`
	OK     bool   `json:"ok"`
	Regime uint32 `json:"regime,omitempty"`
	Err    string `json:"error,omitempty"`
}

type pingAck struct {
	regime uint32
	rc     proto.ResultCode
}

// PingReplicas probes the replicas of a record's partition and reports
// their regimes. Pings bypass the registry so they never contend with
// a live transaction on the same key.
func (c *Coordinator) PingReplicas(ctx context.Context, nsName, set, key string) ([]PingStatus, error) {
	ns, rk, pid, err := c.prep(nsName, set, key, false)
	if err != nil {
		return nil, err
	}

	var peers []cluster.NodeID
	for _, n := range c.view.Replicas(pid, ns.ReplicationFactor) {
		if n != c.view.Self() {
			peers = append(peers, n)
		}
	}
	if len(peers) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.deadline)
	defer cancel()

	regime := c.view.Regime(pid)
	tids := make([]uint32, len(peers))
	chans := make([]chan pingAck, len(peers))
	for i, peer := range peers {
		tids[i] = c.nextTID()
		chans[i] = make(chan pingAck, 1)

		c.pingMu.Lock()
		c.pings[tids[i]] = chans[i]
		c.pingMu.Unlock()

		msg := proto.NewMessage(proto.OpReplPing)
		msg.SetUint32(proto.FieldNsIx, rk.NsIx)
		msg.SetDigest(rk.Digest)
		msg.SetUint32(proto.FieldTID, tids[i])
		msg.SetUint32(proto.FieldRegime, regime)
		if err := c.fab.Send(ctx, peer, msg); err != nil {
			c.logger.Debug().Err(err).Stringer("node", peer).Msg("replica ping send failed")
		}
	}
	defer func() {
		c.pingMu.Lock()
		for _, tid := range tids {
			delete(c.pings, tid)
		}
		c.pingMu.Unlock()
	}()

	out := make([]PingStatus, len(peers))
	for i, peer := range peers {
		st := PingStatus{Node: uint64(peer)}
		select {
		case ack := <-chans[i]:
			st.Regime = ack.regime
			if ack.rc == proto.ResultOK {
				st.OK = true
			} else {
				st.Err = ack.rc.String()
			}
		case <-ctx.Done():
			st.Err = "no reply"
		}
		out[i] = st
	}
	return out, nil
}

// handleReplPingAck routes a ping reply to its waiting prober.
func (c *Coordinator) handleReplPingAck(from cluster.NodeID, msg *proto.Message) error {
	tid, ok := msg.Uint32(proto.FieldTID)
	if !ok {
		return fmt.Errorf("%w: ping ack without tid", ErrProtocol)
	}

	c.pingMu.Lock()
	ch := c.pings[tid]
	c.pingMu.Unlock()
	if ch == nil {
		c.m.StaleReplies.Inc()
		return nil
	}

	ack := pingAck{rc: proto.ResultUnknown}
	if rc, ok := msg.Uint32(proto.FieldResult); ok {
		ack.rc = proto.ResultCode(rc)
	}
	if reg, ok := msg.Uint32(proto.FieldRegime); ok {
		ack.regime = reg
	}

	select {
	case ch <- ack:
	default: // duplicate reply
	}
	return nil
}
