package coord

import (
	"time"

	"github.com/meshkv/meshkv/pkg/proto"
)

// The sweeper is the only clock the protocol has. It walks the
// registry on a short period, resends messages destinations have not
// acknowledged, fails destinations whose resend budget is spent, and
// times out entries that outlive their deadline.

func (c *Coordinator) runSweeper() {
	defer c.wg.Done()

	period := c.retransmitEvery / 4
	if period < 5*time.Millisecond {
		period = 5 * time.Millisecond
	}
	t := time.NewTicker(period)
	defer t.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-t.C:
			c.sweepOnce(time.Now())
		}
	}
}

func (c *Coordinator) sweepOnce(now time.Time) {
	c.reg.Sweep(func(e *RequestEntry) {
		a := actions{}
		e.mu.Lock()
		c.sweepEntryLocked(e, &a, now)
		e.mu.Unlock()
		c.execute(e, &a)
	})
}

func (c *Coordinator) sweepEntryLocked(e *RequestEntry, a *actions, now time.Time) {
	if e.finalized || e.state.Terminal() {
		return
	}

	if now.After(e.deadline) {
		c.logger.Debug().Str("key", e.Key.String()).Stringer("state", e.state).
			Msg("transaction deadline exceeded")
		e.finalizeLocked(a, StateTimedOut, Result{Err: ErrTimeout})
		return
	}

	if now.Before(e.retransmitAt) {
		return
	}
	e.retransmitAt = now.Add(c.retransmitEvery)

	msg, label := c.stepMessage(e)
	if msg == nil {
		return
	}

	for i := range e.dests {
		d := &e.dests[i]
		if d.complete || d.failed {
			continue
		}
		if d.resends < c.retransmitBudget {
			d.resends++
			a.send(d.node, msg)
			c.m.Retransmits.WithLabelValues(label).Inc()
		} else {
			d.failed = true
		}
	}

	if !e.settledLocked() || e.allCompleteLocked() {
		return
	}

	// Every destination is either done or out of budget, and at least
	// one never answered.
	switch e.state {
	case StateDupRes:
		c.dupResSettledLocked(e, a, now)
	case StateReplWrite:
		c.replWriteSettledLocked(e, a)
	}
}

// stepMessage rebuilds the outstanding message for the entry's current
// step.
func (c *Coordinator) stepMessage(e *RequestEntry) (*proto.Message, string) {
	switch e.state {
	case StateDupRes:
		return c.buildDupReq(e), "dup-res"
	case StateReplWrite:
		msg, err := c.buildReplWrite(e)
		if err != nil {
			c.logger.Error().Err(err).Str("key", e.Key.String()).
				Msg("rebuilding replica write for retransmit")
			return nil, ""
		}
		return msg, "repl-write"
	default:
		return nil, ""
	}
}

// replWriteSettledLocked times out a replica write some replica never
// acknowledged. The local apply stands either way; under commit-all
// the client learns the replication guarantee was not met, under
// commit-master the answer already went out and the entry just
// retires.
func (c *Coordinator) replWriteSettledLocked(e *RequestEntry, a *actions) {
	c.logger.Warn().Str("key", e.Key.String()).
		Int("acked", e.completeCountLocked()).Int("replicas", len(e.dests)).
		Msg("replica write unacknowledged after retransmit budget")
	e.finalizeLocked(a, StateTimedOut, Result{
		Err:            ErrTimeout,
		Generation:     e.applied.Meta.Generation,
		LastUpdateTime: e.applied.Meta.LastUpdateTime,
		VoidTime:       e.applied.Meta.VoidTime,
	})
}
