package coord

import (
	"fmt"
	"time"

	"github.com/meshkv/meshkv/internal/cluster"
	"github.com/meshkv/meshkv/internal/record"
	"github.com/meshkv/meshkv/pkg/proto"
)

// Duplicate resolution. While a partition has duplicate holders, every
// transaction on it first asks each holder for its version of the
// record. The winner is fixed by the namespace conflict policy; ties
// on metadata go to the lowest node ID so every master picks the same
// version.

// startDupResLocked opens (or reopens) the duplicate-resolution step.
// The local copy is seeded as a candidate before any reply arrives.
func (c *Coordinator) startDupResLocked(e *RequestEntry, a *actions, dups []cluster.NodeID, now time.Time) {
	e.state = StateDupRes
	e.best = record.Metadata{}
	e.bestNode = 0
	e.bestRec = nil
	e.sawTie = false
	e.beginStepLocked(dups, now, c.retransmitEvery)

	c.seedLocalCandidateLocked(e)
	c.m.DupResRounds.Inc()

	msg := c.buildDupReq(e)
	for i := range e.dests {
		a.send(e.dests[i].node, msg)
	}
}

func (c *Coordinator) buildDupReq(e *RequestEntry) *proto.Message {
	msg := proto.NewMessage(proto.OpDupReq)
	msg.SetUint32(proto.FieldNsIx, e.Key.NsIx)
	msg.SetDigest(e.Key.Digest)
	msg.SetUint32(proto.FieldTID, e.tid)
	msg.SetUint32(proto.FieldRegime, e.regime)
	return msg
}

// handleDupAck folds one duplicate holder's answer into the candidate
// set and closes the step once every holder has answered.
func (c *Coordinator) handleDupAck(from cluster.NodeID, msg *proto.Message) error {
	rk, err := msgTarget(msg)
	if err != nil {
		return err
	}
	tid, ok := msg.Uint32(proto.FieldTID)
	if !ok {
		return fmt.Errorf("%w: dup ack without tid", ErrProtocol)
	}

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
	if e.state != StateDupRes || e.tid != tid || dest == nil || dest.complete {
		e.mu.Unlock()
		c.m.StaleReplies.Inc()
		return nil
	}

	meta, rec, perr := dupCandidate(rk, msg)
	if perr != nil {
		// Leave the destination open; retransmits may still get a
		// well-formed answer out of it.
		e.mu.Unlock()
		return perr
	}
	dest.complete = true
	e.offerCandidateLocked(from, meta, rec)

	if e.allCompleteLocked() {
		c.closeDupResLocked(e, &a, now)
	}
	e.mu.Unlock()

	c.execute(e, &a)
	return nil
}

// dupCandidate decodes the version a dup ack carries. A not-found
// answer is a real candidate with zero metadata.
func dupCandidate(rk proto.RequestKey, msg *proto.Message) (record.Metadata, *record.Record, error) {
	rcRaw, ok := msg.Uint32(proto.FieldResult)
	if !ok {
		return record.Metadata{}, nil, fmt.Errorf("%w: dup ack without result", ErrProtocol)
	}
	switch proto.ResultCode(rcRaw) {
	case proto.ResultNotFound:
		return record.Metadata{}, nil, nil
	case proto.ResultOK:
	default:
		return record.Metadata{}, nil, fmt.Errorf("%w: dup ack result %s", ErrProtocol, proto.ResultCode(rcRaw))
	}

	gen, ok := msg.Uint32(proto.FieldGeneration)
	if !ok {
		return record.Metadata{}, nil, fmt.Errorf("%w: dup ack without generation", ErrProtocol)
	}
	lut, ok := msg.Uint64(proto.FieldLastUpdateTime)
	if !ok {
		return record.Metadata{}, nil, fmt.Errorf("%w: dup ack without last-update time", ErrProtocol)
	}
	raw, ok := msg.Bytes(proto.FieldRecord)
	if !ok {
		return record.Metadata{}, nil, fmt.Errorf("%w: dup ack without record payload", ErrProtocol)
	}
	rp, err := proto.UnmarshalRecordPayload(raw)
	if err != nil {
		return record.Metadata{}, nil, fmt.Errorf("%w: dup ack payload: %v", ErrProtocol, err)
	}

	rec := record.FromPayload(rk.Digest, uint16(gen), lut, rp)
	return rec.Meta, rec, nil
}

// closeDupResLocked fixes the winner from the answers gathered so far
// and moves the transaction on.
func (c *Coordinator) closeDupResLocked(e *RequestEntry, a *actions, now time.Time) {
	if e.sawTie {
		e.state = StateTie
		c.logger.Debug().Str("key", e.Key.String()).Stringer("winner", e.bestNode).
			Msg("duplicate versions tied on metadata; lowest node wins")
	}
	e.state = StateResolved
	c.applyResolvedLocked(e, a, now)
}

// dupResSettledLocked handles a round in which some holders never
// answered. A majority of answers is enough to decide; short of that
// the whole transaction restarts under a fresh TID, until the restart
// budget runs out.
func (c *Coordinator) dupResSettledLocked(e *RequestEntry, a *actions, now time.Time) {
	if e.completeCountLocked() > len(e.dests)/2 {
		c.closeDupResLocked(e, a, now)
		return
	}

	if e.restartsLeft <= 0 {
		e.finalizeLocked(a, StateTimedOut, Result{Err: ErrTimeout})
		return
	}
	e.restartsLeft--
	e.tid = c.nextTID()
	c.m.TransactionRestarts.Inc()
	c.logger.Debug().Str("key", e.Key.String()).Uint32("tid", e.tid).
		Int("restarts_left", e.restartsLeft).Msg("duplicate resolution inconclusive; restarting")

	e.state = StateInit
	c.advanceFromInitLocked(e, a, now)
}
