package coord

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meshkv/meshkv/internal/cluster"
	"github.com/meshkv/meshkv/internal/config"
	"github.com/meshkv/meshkv/internal/record"
	"github.com/meshkv/meshkv/pkg/proto"
)

// State is a transaction's position in the coordination protocol.
type State uint8

const (
	StateInit      State = iota // entry created, destinations not yet determined
	StateDupRes                 // duplicate-resolution replies outstanding
	StateTie                    // candidates tied; deterministic tie-break applies
	StateResolved               // winning version fixed
	StateReplWrite              // replica acks outstanding
	StateDone                   // result delivered
	StateTimedOut               // budgets exhausted
	StateAborted                // cancelled by origin or shutdown
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateDupRes:
		return "dup-resolution"
	case StateTie:
		return "tie"
	case StateResolved:
		return "resolved"
	case StateReplWrite:
		return "replica-write"
	case StateDone:
		return "done"
	case StateTimedOut:
		return "timed-out"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	switch s {
	case StateDone, StateTimedOut, StateAborted:
		return true
	}
	return false
}

// ClientOp is the client-visible operation a transaction performs.
type ClientOp uint8

const (
	ClientRead ClientOp = iota
	ClientWrite
	ClientDelete
)

func (o ClientOp) String() string {
	switch o {
	case ClientRead:
		return "read"
	case ClientWrite:
		return "write"
	case ClientDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Result is delivered exactly once per transaction through the
// completion callback.
type Result struct {
	Err            error
	Generation     uint16
	LastUpdateTime uint64
	VoidTime       uint32

	// Record carries the resolved record on successful reads.
	Record *record.Record
}

// destination tracks one remote participant in the current protocol
// step.
type destination struct {
	node     cluster.NodeID
	complete bool
	failed   bool // retransmit budget exhausted
	resends  int
}

// outboundMsg is a fabric send queued by a state transition.
type outboundMsg struct {
	to  cluster.NodeID
	msg *proto.Message
}

// actions is the side-effect set a transition produces. Transitions
// run under the entry lock and only mutate state; the caller executes
// the actions after unlocking so callbacks and sends never run locked.
type actions struct {
	respond *Result
	sends   []outboundMsg
	retire  bool
}

func (a *actions) send(to cluster.NodeID, msg *proto.Message) {
	a.sends = append(a.sends, outboundMsg{to: to, msg: msg})
}

// RequestEntry is the per-transaction coordination state. At most one
// live entry exists per RequestKey; the registry enforces that and is
// the only cross-goroutine synchronization point. All transitions are
// serialized by mu.
type RequestEntry struct {
	Key proto.RequestKey

	mu    sync.Mutex
	state State
	op    ClientOp
	tid   uint32

	ns     *config.NamespaceConfig
	pid    uint32
	regime uint32

	// Write inputs, fixed at creation.
	bins      []proto.Bin
	flags     record.Flags
	expunge   bool // non-durable delete removes the record outright
	expectGen uint16
	genPolicy record.GenPolicy
	ttl       uint32
	commitAll bool

	// Current-step accounting.
	dests []destination

	// Duplicate-resolution candidates.
	best     record.Metadata
	bestNode cluster.NodeID
	bestRec  *record.Record
	sawTie   bool

	// Locally applied record being pushed to replicas.
	applied *record.Record

	restartsLeft int
	retransmitAt time.Time
	deadline     time.Time
	created      time.Time

	refs      atomic.Int32
	destroyed atomic.Bool

	done      func(Result)
	responded bool // completion callback already fired
	finalized bool // terminal state reached
}

// Ref takes a reference. Only callers that already hold a reference
// (or the registry's table reference via a shard lock) may call it.
func (e *RequestEntry) Ref() {
	if e.refs.Add(1) <= 1 {
		log.Fatal().Str("key", e.Key.String()).Msg("request entry resurrected after free")
	}
}

// Release drops a reference. The entry is dead once the count reaches
// zero; reaching zero twice or going negative means a double-free and
// the process must not continue.
func (e *RequestEntry) Release() {
	n := e.refs.Add(-1)
	if n < 0 {
		log.Fatal().Str("key", e.Key.String()).Msg("request entry reference count below zero")
	}
	if n == 0 {
		if e.destroyed.Swap(true) {
			log.Fatal().Str("key", e.Key.String()).Msg("request entry destroyed twice")
		}
	}
}

// respondLocked fires the completion callback through the returned
// actions. Safe to call more than once; only the first response wins.
func (e *RequestEntry) respondLocked(a *actions, res Result) {
	if e.responded {
		return
	}
	e.responded = true
	a.respond = &res
}

// finalizeLocked moves the entry to a terminal state, responds if the
// caller hasn't already, and marks the entry for retirement. A second
// finalize is a lifecycle bug severe enough to stop the process.
func (e *RequestEntry) finalizeLocked(a *actions, state State, res Result) {
	if e.finalized {
		log.Fatal().Str("key", e.Key.String()).Str("state", e.state.String()).
			Msg("request entry finalized twice")
	}
	e.finalized = true
	e.state = state
	e.respondLocked(a, res)
	a.retire = true
}

// beginStepLocked points the entry at a new destination set and arms
// the retransmit timer.
func (e *RequestEntry) beginStepLocked(nodes []cluster.NodeID, now time.Time, interval time.Duration) {
	e.dests = e.dests[:0]
	for _, n := range nodes {
		e.dests = append(e.dests, destination{node: n})
	}
	e.retransmitAt = now.Add(interval)
}

func (e *RequestEntry) destLocked(node cluster.NodeID) *destination {
	for i := range e.dests {
		if e.dests[i].node == node {
			return &e.dests[i]
		}
	}
	return nil
}

func (e *RequestEntry) completeCountLocked() int {
	n := 0
	for i := range e.dests {
		if e.dests[i].complete {
			n++
		}
	}
	return n
}

// settledLocked reports whether every destination has either answered
// or burned its retransmit budget.
func (e *RequestEntry) settledLocked() bool {
	for i := range e.dests {
		if !e.dests[i].complete && !e.dests[i].failed {
			return false
		}
	}
	return true
}

func (e *RequestEntry) allCompleteLocked() bool {
	for i := range e.dests {
		if !e.dests[i].complete {
			return false
		}
	}
	return true
}

// offerCandidateLocked folds one duplicate-resolution candidate into
// the running winner. Ties adopt the lower node ID so every node
// converges on the same version without another round trip.
func (e *RequestEntry) offerCandidateLocked(node cluster.NodeID, meta record.Metadata, rec *record.Record) {
	if e.bestNode == 0 {
		e.best, e.bestNode, e.bestRec = meta, node, rec
		return
	}
	switch record.CompareWith(meta, e.best, e.ns.Resolution()) {
	case record.OrderNewer:
		e.best, e.bestNode, e.bestRec = meta, node, rec
	case record.OrderEqual:
		e.sawTie = true
		if node < e.bestNode {
			e.best, e.bestNode, e.bestRec = meta, node, rec
		}
	}
}

// DestSnapshot is one destination's status in a registry dump.
type DestSnapshot struct {
	Node     uint64 `json:"node"`
	Complete bool   `json:"complete"`
	Failed   bool   `json:"failed,omitempty"`
	Resends  int    `json:"resends,omitempty"`
}

// EntrySnapshot is a point-in-time view of a live entry for
// introspection; it is never a handle.
type EntrySnapshot struct {
	Key          string         `json:"key"`
	Namespace    string         `json:"namespace"`
	Op           string         `json:"op"`
	State        string         `json:"state"`
	TID          uint32         `json:"tid"`
	AgeMs        int64          `json:"age_ms"`
	Refs         int32          `json:"refs"`
	Destinations []DestSnapshot `json:"destinations,omitempty"`
}

func (e *RequestEntry) snapshot(now time.Time) EntrySnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := EntrySnapshot{
		Key:       e.Key.String(),
		Namespace: e.ns.Name,
		Op:        e.op.String(),
		State:     e.state.String(),
		TID:       e.tid,
		AgeMs:     now.Sub(e.created).Milliseconds(),
		Refs:      e.refs.Load(),
	}
	for i := range e.dests {
		d := e.dests[i]
		snap.Destinations = append(snap.Destinations, DestSnapshot{
			Node:     uint64(d.node),
			Complete: d.complete,
			Failed:   d.failed,
			Resends:  d.resends,
		})
	}
	return snap
}
