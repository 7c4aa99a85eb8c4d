package coord

import (
	"fmt"
	"time"

	"github.com/meshkv/meshkv/internal/cluster"
	"github.com/meshkv/meshkv/internal/record"
	"github.com/meshkv/meshkv/pkg/proto"
)

// Replica-side protocol handlers. These answer masters coordinating
// transactions elsewhere in the cluster; none of them touch the
// request registry.

// replicaTIDKey identifies one master's transaction in the re-apply
// dedup cache.
func replicaTIDKey(from cluster.NodeID, tid uint32) string {
	return fmt.Sprintf("%d:%d", from, tid)
}

// handleDupReq answers a duplicate-resolution request with this node's
// version of the record. Tombstones are reported like live records so
// they can win conflict resolution; expired records are reported as
// absent.
func (c *Coordinator) handleDupReq(from cluster.NodeID, msg *proto.Message) error {
	rk, err := msgTarget(msg)
	if err != nil {
		return err
	}
	tid, ok := msg.Uint32(proto.FieldTID)
	if !ok {
		return fmt.Errorf("%w: dup req without tid", ErrProtocol)
	}
	if _, ok := c.cfg.NamespaceByIx(rk.NsIx); !ok {
		return fmt.Errorf("%w: dup req for unknown namespace index %d", ErrProtocol, rk.NsIx)
	}

	reply := proto.NewMessage(proto.OpDupAck)
	reply.SetUint32(proto.FieldNsIx, rk.NsIx)
	reply.SetDigest(rk.Digest)
	reply.SetUint32(proto.FieldTID, tid)

	rec, ok := c.store.Read(rk)
	if !ok || rec.Meta.Expired(time.Now()) {
		reply.SetUint32(proto.FieldResult, uint32(proto.ResultNotFound))
		return c.fab.Send(c.ctx, from, reply)
	}

	payload, err := rec.Payload().Marshal()
	if err != nil {
		return fmt.Errorf("marshaling dup ack payload: %w", err)
	}
	reply.SetUint32(proto.FieldResult, uint32(proto.ResultOK))
	reply.SetUint32(proto.FieldGeneration, uint32(rec.Meta.Generation))
	reply.SetUint64(proto.FieldLastUpdateTime, rec.Meta.LastUpdateTime)
	reply.SetBytes(proto.FieldRecord, payload)
	return c.fab.Send(c.ctx, from, reply)
}

// handleReplWrite applies a version shipped by a master. The apply is
// idempotent two ways: a retransmitted TID is acknowledged without
// re-applying, and a version no newer than the local copy is
// acknowledged without touching it.
func (c *Coordinator) handleReplWrite(from cluster.NodeID, msg *proto.Message) error {
	rk, err := msgTarget(msg)
	if err != nil {
		return err
	}
	tid, ok := msg.Uint32(proto.FieldTID)
	if !ok {
		return fmt.Errorf("%w: repl write without tid", ErrProtocol)
	}
	ns, ok := c.cfg.NamespaceByIx(rk.NsIx)
	if !ok {
		return fmt.Errorf("%w: repl write for unknown namespace index %d", ErrProtocol, rk.NsIx)
	}

	ack := func(rc proto.ResultCode) error {
		reply := proto.NewMessage(proto.OpWriteAck)
		reply.SetUint32(proto.FieldNsIx, rk.NsIx)
		reply.SetDigest(rk.Digest)
		reply.SetUint32(proto.FieldTID, tid)
		reply.SetUint32(proto.FieldResult, uint32(rc))
		return c.fab.Send(c.ctx, from, reply)
	}

	// A master on an older regime may be replicating a version that
	// lost a partition handoff it has not seen yet.
	if msgRegime, ok := msg.Uint32(proto.FieldRegime); ok {
		if local := c.view.Regime(cluster.PartitionID(rk.Digest)); msgRegime < local {
			c.logger.Debug().Str("key", rk.String()).Stringer("node", from).
				Uint32("msg_regime", msgRegime).Uint32("local_regime", local).
				Msg("rejecting replica write from stale regime")
			return ack(proto.ResultRegime)
		}
	}

	ck := replicaTIDKey(from, tid)
	if _, seen := c.recentTIDs.Get(ck); seen {
		c.m.ReplicaReapplies.Inc()
		return ack(proto.ResultOK)
	}

	gen, ok := msg.Uint32(proto.FieldGeneration)
	if !ok {
		return fmt.Errorf("%w: repl write without generation", ErrProtocol)
	}
	lut, ok := msg.Uint64(proto.FieldLastUpdateTime)
	if !ok {
		return fmt.Errorf("%w: repl write without last-update time", ErrProtocol)
	}
	raw, ok := msg.Bytes(proto.FieldRecord)
	if !ok {
		return fmt.Errorf("%w: repl write without record payload", ErrProtocol)
	}
	rp, err := proto.UnmarshalRecordPayload(raw)
	if err != nil {
		return fmt.Errorf("%w: repl write payload: %v", ErrProtocol, err)
	}
	incoming := record.FromPayload(rk.Digest, uint16(gen), lut, rp)

	cur, exists := c.store.Read(rk)
	if exists && !record.ShouldReplace(cur.Meta, incoming.Meta, ns.Resolution()) {
		// Local copy is the same version or newer; treat like a
		// duplicate delivery.
		c.recentTIDs.Set(ck, struct{}{})
		c.m.ReplicaReapplies.Inc()
		return ack(proto.ResultOK)
	}

	var oldBins []proto.Bin
	if exists {
		oldBins = cur.Bins
	}

	if len(incoming.Bins) == 0 && !incoming.Meta.Tombstone() {
		// A binless, untombstoned version is a replicated expunge.
		c.sindex.RemoveBins(rk, oldBins)
		c.store.Expunge(rk)
	} else {
		if err := c.store.Write(rk, incoming); err != nil {
			c.logger.Error().Err(err).Str("key", rk.String()).Msg("replica write failed")
			return ack(proto.ResultStorage)
		}
		c.sindex.RemoveBins(rk, oldBins)
		c.sindex.InsertBins(rk, incoming.Bins)
	}

	if info, ok := msg.Uint32(proto.FieldInfo); ok && info&proto.InfoUnreplicated != 0 {
		c.unreplMu.Lock()
		c.unreplicated[rk] = tid
		c.unreplMu.Unlock()
	}

	c.recentTIDs.Set(ck, struct{}{})
	c.m.ReplicaWrites.Inc()
	return ack(proto.ResultOK)
}

// handleReplConfirm clears the unreplicated mark left by a commit-all
// write. Confirms carry InfoNoReplAck and are never acknowledged.
func (c *Coordinator) handleReplConfirm(from cluster.NodeID, msg *proto.Message) error {
	rk, err := msgTarget(msg)
	if err != nil {
		return err
	}
	tid, ok := msg.Uint32(proto.FieldTID)
	if !ok {
		return fmt.Errorf("%w: repl confirm without tid", ErrProtocol)
	}

	c.unreplMu.Lock()
	if c.unreplicated[rk] == tid {
		delete(c.unreplicated, rk)
	}
	c.unreplMu.Unlock()
	return nil
}

// handleReplPing answers a liveness probe with this node's regime for
// the record's partition.
func (c *Coordinator) handleReplPing(from cluster.NodeID, msg *proto.Message) error {
	rk, err := msgTarget(msg)
	if err != nil {
		return err
	}
	tid, ok := msg.Uint32(proto.FieldTID)
	if !ok {
		return fmt.Errorf("%w: repl ping without tid", ErrProtocol)
	}

	reply := proto.NewMessage(proto.OpReplPingAck)
	reply.SetUint32(proto.FieldNsIx, rk.NsIx)
	reply.SetDigest(rk.Digest)
	reply.SetUint32(proto.FieldTID, tid)
	reply.SetUint32(proto.FieldResult, uint32(proto.ResultOK))
	reply.SetUint32(proto.FieldRegime, c.view.Regime(cluster.PartitionID(rk.Digest)))
	return c.fab.Send(c.ctx, from, reply)
}
