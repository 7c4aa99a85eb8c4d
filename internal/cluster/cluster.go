// Package cluster tracks the node roster and partition map a meshkv
// node coordinates against. The roster is static configuration; what
// changes at runtime is each partition's regime and its set of
// duplicate-holding nodes.
package cluster

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/meshkv/meshkv/internal/config"
	"github.com/meshkv/meshkv/pkg/proto"
)

// NumPartitions is the fixed partition count. Partition placement is a
// pure function of the record digest, so every node derives the same
// map from the same roster.
const NumPartitions = 4096

// NodeID identifies a cluster node. The lowest ID wins deterministic
// tie-breaks.
type NodeID uint64

func (n NodeID) String() string {
	return strconv.FormatUint(uint64(n), 10)
}

// PartitionID derives a record's partition from the leading digest
// bytes.
func PartitionID(d proto.Digest) uint32 {
	return uint32(binary.LittleEndian.Uint16(d[0:2])) & (NumPartitions - 1)
}

// View is the cluster state the coordination layer consumes.
type View interface {
	// Self returns this node's ID.
	Self() NodeID
	// Nodes returns the full roster in ascending ID order.
	Nodes() []NodeID
	// Replicas returns a partition's replica set in preference order,
	// master first. The slice has min(rf, roster size) entries.
	Replicas(pid uint32, rf int) []NodeID
	// MasterOf returns the partition's master.
	MasterOf(pid uint32) NodeID
	// Duplicates returns the nodes that may hold unreconciled copies of
	// the partition's records, excluding self. Empty means reads and
	// writes can trust the local copy.
	Duplicates(pid uint32) []NodeID
	// Regime returns the partition's current regime. Messages stamped
	// with an older regime are stale.
	Regime(pid uint32) uint32
	// Address returns the fabric address for a node.
	Address(node NodeID) (string, bool)
}

// Static is a View over a fixed roster.
type Static struct {
	self   NodeID
	roster []NodeID
	addrs  map[NodeID]string

	mu         sync.RWMutex
	regimes    [NumPartitions]uint32
	duplicates map[uint32][]NodeID
}

// NewStatic builds a cluster view from the configured roster. The
// roster must contain self and have unique IDs; config validation
// guarantees both.
func NewStatic(self uint64, entries []config.NodeEntry) (*Static, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("empty roster")
	}

	s := &Static{
		self:       NodeID(self),
		roster:     make([]NodeID, 0, len(entries)),
		addrs:      make(map[NodeID]string, len(entries)),
		duplicates: make(map[uint32][]NodeID),
	}
	for _, e := range entries {
		id := NodeID(e.ID)
		if _, dup := s.addrs[id]; dup {
			return nil, fmt.Errorf("duplicate node id %d", e.ID)
		}
		s.roster = append(s.roster, id)
		s.addrs[id] = e.Fabric
	}
	sort.Slice(s.roster, func(i, j int) bool { return s.roster[i] < s.roster[j] })

	if _, ok := s.addrs[s.self]; !ok {
		return nil, fmt.Errorf("node %d is not in the roster", self)
	}

	for pid := range s.regimes {
		s.regimes[pid] = 1
	}
	return s, nil
}

// Self returns this node's ID.
func (s *Static) Self() NodeID {
	return s.self
}

// Nodes returns the roster in ascending ID order.
func (s *Static) Nodes() []NodeID {
	out := make([]NodeID, len(s.roster))
	copy(out, s.roster)
	return out
}

// Address returns the fabric address for a node.
func (s *Static) Address(node NodeID) (string, bool) {
	addr, ok := s.addrs[node]
	return addr, ok
}

// Replicas returns the partition's replica set, master first. Placement
// rotates the sorted roster by partition ID, which spreads masters
// evenly and is identical on every node.
func (s *Static) Replicas(pid uint32, rf int) []NodeID {
	n := len(s.roster)
	if rf > n {
		rf = n
	}
	if rf < 1 {
		rf = 1
	}
	out := make([]NodeID, rf)
	start := int(pid) % n
	for i := 0; i < rf; i++ {
		out[i] = s.roster[(start+i)%n]
	}
	return out
}

// MasterOf returns the partition's master.
func (s *Static) MasterOf(pid uint32) NodeID {
	return s.roster[int(pid)%len(s.roster)]
}

// Duplicates returns the partition's duplicate-holding nodes, excluding
// self.
func (s *Static) Duplicates(pid uint32) []NodeID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dups := s.duplicates[pid]
	if len(dups) == 0 {
		return nil
	}
	out := make([]NodeID, 0, len(dups))
	for _, id := range dups {
		if id != s.self {
			out = append(out, id)
		}
	}
	return out
}

// Regime returns the partition's current regime.
func (s *Static) Regime(pid uint32) uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.regimes[pid]
}

// MarkDuplicates records that the given nodes may hold unreconciled
// copies of the partition and advances its regime. In-flight messages
// stamped with the old regime become stale.
func (s *Static) MarkDuplicates(pid uint32, nodes []NodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.duplicates[pid] = append([]NodeID(nil), nodes...)
	s.regimes[pid]++
	log.Debug().
		Uint32("partition", pid).
		Uint32("regime", s.regimes[pid]).
		Int("duplicates", len(nodes)).
		Msg("partition marked for duplicate resolution")
}

// ClearDuplicates marks the partition reconciled and advances its
// regime.
func (s *Static) ClearDuplicates(pid uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.duplicates, pid)
	s.regimes[pid]++
}
