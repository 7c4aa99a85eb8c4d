package coord

import (
	"fmt"
	"time"

	"github.com/meshkv/meshkv/internal/cluster"
	"github.com/meshkv/meshkv/pkg/proto"
)

// Replica writes. After the master applies a mutation locally, the new
// version fans out to the partition's replicas. Under commit-all the
// client answer waits for every replica ack and a confirm round
// releases the replicas' unreplicated marks; under commit-master the
// client is answered immediately and the fan-out finishes in the
// background.

// startReplWriteLocked fans the applied version out to the replicas.
// With no replicas configured the transaction completes on the spot.
func (c *Coordinator) startReplWriteLocked(e *RequestEntry, a *actions, now time.Time) {
	var peers []cluster.NodeID
	for _, n := range c.view.Replicas(e.pid, e.ns.ReplicationFactor) {
		if n != c.view.Self() {
			peers = append(peers, n)
		}
	}

	res := Result{
		Generation:     e.applied.Meta.Generation,
		LastUpdateTime: e.applied.Meta.LastUpdateTime,
		VoidTime:       e.applied.Meta.VoidTime,
	}

	if len(peers) == 0 {
		e.finalizeLocked(a, StateDone, res)
		return
	}

	e.state = StateReplWrite
	e.beginStepLocked(peers, now, c.retransmitEvery)

	msg, err := c.buildReplWrite(e)
	if err != nil {
		e.finalizeLocked(a, StateDone, Result{Err: fmt.Errorf("%w: %v", ErrProtocol, err)})
		return
	}
	for i := range e.dests {
		a.send(e.dests[i].node, msg)
	}

	if !e.commitAll {
		// Commit-master: the client is answered now; the entry stays
		// behind to finish the fan-out.
		e.respondLocked(a, res)
	}
}

func (c *Coordinator) buildReplWrite(e *RequestEntry) (*proto.Message, error) {
	payload, err := e.applied.Payload().Marshal()
	if err != nil {
		return nil, err
	}

	msg := proto.NewMessage(proto.OpReplWrite)
	msg.SetUint32(proto.FieldNsIx, e.Key.NsIx)
	msg.SetDigest(e.Key.Digest)
	msg.SetUint32(proto.FieldTID, e.tid)
	msg.SetUint32(proto.FieldRegime, e.regime)
	msg.SetUint32(proto.FieldGeneration, uint32(e.applied.Meta.Generation))
	msg.SetUint64(proto.FieldLastUpdateTime, e.applied.Meta.LastUpdateTime)
	msg.SetBytes(proto.FieldRecord, payload)
	if e.commitAll {
		msg.SetUint32(proto.FieldInfo, proto.InfoUnreplicated)
	}
	return msg, nil
}

// handleWriteAck records one replica's acknowledgement and completes
// the transaction once every replica has confirmed.
func (c *Coordinator) handleWriteAck(from cluster.NodeID, msg *proto.Message) error {
	rk, err := msgTarget(msg)
	if err != nil {
		return err
	}
	tid, ok := msg.Uint32(proto.FieldTID)
	if !ok {
		return fmt.Errorf("%w: write ack without tid", ErrProtocol)
	}
	rcRaw, ok := msg.Uint32(proto.FieldResult)
	if !ok {
		return fmt.Errorf("%w: write ack without result", ErrProtocol)
	}
	rc := proto.ResultCode(rcRaw)

	e := c.reg.Lookup(rk)
	if e == nil {
		c.m.StaleReplies.Inc()
		return nil
	}
	defer e.Release()

	a := actions{}
	now := time.Now()

	e.mu.Lock()
	dest := e.destLocked(from)
	if e.state != StateReplWrite || e.tid != tid || dest == nil || dest.complete {
		e.mu.Unlock()
		c.m.StaleReplies.Inc()
		return nil
	}

	switch rc {
	case proto.ResultOK:
		dest.complete = true
		if e.allCompleteLocked() {
			c.closeReplWriteLocked(e, &a)
		}
	case proto.ResultRegime:
		// The replica is on a newer partition regime than this
		// transaction. The applied version may no longer be the
		// freshest, so re-resolve from the top.
		c.logger.Debug().Str("key", e.Key.String()).Stringer("node", from).
			Msg("replica rejected write for stale regime")
		c.restartReplWriteLocked(e, &a, now)
	default:
		// Transient replica-side failure. Leave the destination open
		// so the retransmit path keeps trying until its budget runs
		// out.
		c.logger.Warn().Str("key", e.Key.String()).Stringer("node", from).
			Str("result", rc.String()).Msg("replica write rejected")
	}
	e.mu.Unlock()

	c.execute(e, &a)
	return nil
}

// closeReplWriteLocked finishes a fully acknowledged replica write.
// Under commit-all the replicas are released from their unreplicated
// marks with a confirm round and the client is answered.
func (c *Coordinator) closeReplWriteLocked(e *RequestEntry, a *actions) {
	if e.commitAll {
		for i := range e.dests {
			a.send(e.dests[i].node, c.buildReplConfirm(e))
			c.m.ReplConfirms.Inc()
		}
	}
	e.finalizeLocked(a, StateDone, Result{
		Generation:     e.applied.Meta.Generation,
		LastUpdateTime: e.applied.Meta.LastUpdateTime,
		VoidTime:       e.applied.Meta.VoidTime,
	})
}

func (c *Coordinator) buildReplConfirm(e *RequestEntry) *proto.Message {
	msg := proto.NewMessage(proto.OpReplConfirm)
	msg.SetUint32(proto.FieldNsIx, e.Key.NsIx)
	msg.SetDigest(e.Key.Digest)
	msg.SetUint32(proto.FieldTID, e.tid)
	msg.SetUint32(proto.FieldInfo, proto.InfoNoReplAck)
	return msg
}

// restartReplWriteLocked restarts the transaction after a regime
// rejection. The local apply stands; re-resolution orders it against
// whatever the new regime's duplicates hold.
func (c *Coordinator) restartReplWriteLocked(e *RequestEntry, a *actions, now time.Time) {
	if e.restartsLeft <= 0 {
		e.finalizeLocked(a, StateTimedOut, Result{Err: fmt.Errorf("%w: regime moved during replication", ErrTimeout)})
		return
	}
	e.restartsLeft--
	e.tid = c.nextTID()
	e.regime = c.view.Regime(e.pid)
	e.applied = nil
	c.m.TransactionRestarts.Inc()

	e.state = StateInit
	c.advanceFromInitLocked(e, a, now)
}
