// Package record defines the record model shared by the coordination
// and storage layers: index metadata, flags, TTL handling, and the
// conflict-ordering rules every node in a cluster must agree on.
package record

import (
	"time"

	"github.com/meshkv/meshkv/pkg/proto"
)

// Flags are the boolean metadata bits carried on a record's index
// entry. They travel on the wire inside the record payload, so assigned
// bits must never be renumbered.
type Flags uint16

const (
	// FlagTombstone marks a durably deleted record. Tombstones have no
	// bins, answer reads as not-found, and compete in conflict
	// resolution like live records.
	FlagTombstone Flags = 1 << 0
	// FlagCenotaph marks a tombstone that may cover unseen older copies.
	FlagCenotaph Flags = 1 << 1
	// FlagXDRWrite marks a record last written by cross-datacenter
	// shipping.
	FlagXDRWrite Flags = 1 << 2
	// FlagXDRTombstone marks a tombstone created by cross-datacenter
	// shipping.
	FlagXDRTombstone Flags = 1 << 3
	// FlagXDRBinCemetery marks a record carrying only deleted-bin
	// markers.
	FlagXDRBinCemetery Flags = 1 << 4
)

// Has reports whether all bits in mask are set.
func (f Flags) Has(mask Flags) bool {
	return f&mask == mask
}

// Metadata is a record's index metadata. It orders record versions
// across nodes and is snapshotted before risky mutations so a failed
// write can be rolled back exactly.
type Metadata struct {
	VoidTime       uint32 // expiry, seconds since epoch; 0 = never
	LastUpdateTime uint64 // ms since epoch
	Generation     uint16
	Flags          Flags
}

// Exists reports whether the metadata describes a record that has ever
// been written. Generation 0 is reserved for "no record".
func (m Metadata) Exists() bool {
	return m.Generation != 0
}

// Tombstone reports whether the record is a durable-delete marker.
func (m Metadata) Tombstone() bool {
	return m.Flags.Has(FlagTombstone)
}

// Expired reports whether the record's void time has passed.
func (m Metadata) Expired(now time.Time) bool {
	return m.VoidTime != 0 && uint32(now.Unix()) > m.VoidTime
}

// Live reports whether the record is readable: it exists, is not a
// tombstone, and has not expired.
func (m Metadata) Live(now time.Time) bool {
	return m.Exists() && !m.Tombstone() && !m.Expired(now)
}

// Record is a stored record: its digest, index metadata, and bins.
type Record struct {
	Digest proto.Digest
	Meta   Metadata
	Bins   []proto.Bin
}

// StashMetadata snapshots the index metadata before a mutation.
func (r *Record) StashMetadata() Metadata {
	return Metadata{
		VoidTime:       r.Meta.VoidTime,
		LastUpdateTime: r.Meta.LastUpdateTime,
		Generation:     r.Meta.Generation,
		Flags:          r.Meta.Flags,
	}
}

// UnwindMetadata restores a snapshot taken by StashMetadata, verbatim.
// Callers rely on the single-writer guarantee for the record: nothing
// else may have touched it between stash and unwind.
func (r *Record) UnwindMetadata(snap Metadata) {
	r.Meta.VoidTime = snap.VoidTime
	r.Meta.LastUpdateTime = snap.LastUpdateTime
	r.Meta.Generation = snap.Generation
	r.Meta.Flags = snap.Flags
}

// Clone deep-copies the record.
func (r *Record) Clone() *Record {
	c := &Record{Digest: r.Digest, Meta: r.Meta}
	if r.Bins != nil {
		c.Bins = make([]proto.Bin, len(r.Bins))
		for i, b := range r.Bins {
			nb := proto.Bin{Name: b.Name}
			if b.Value != nil {
				nb.Value = make([]byte, len(b.Value))
				copy(nb.Value, b.Value)
			}
			c.Bins[i] = nb
		}
	}
	return c
}

// Payload converts the record's content to its wire form. Generation
// and last-update time travel as message fields, not in the payload.
func (r *Record) Payload() *proto.RecordPayload {
	return &proto.RecordPayload{
		VoidTime: r.Meta.VoidTime,
		Flags:    uint16(r.Meta.Flags),
		Bins:     r.Bins,
	}
}

// FromPayload assembles a record from wire parts.
func FromPayload(digest proto.Digest, generation uint16, lastUpdate uint64, rp *proto.RecordPayload) *Record {
	return &Record{
		Digest: digest,
		Meta: Metadata{
			VoidTime:       rp.VoidTime,
			LastUpdateTime: lastUpdate,
			Generation:     generation,
			Flags:          Flags(rp.Flags),
		},
		Bins: rp.Bins,
	}
}

// Client TTL values with reserved meanings.
const (
	// TTLNamespaceDefault applies the namespace's configured default.
	TTLNamespaceDefault uint32 = 0
	// TTLNeverExpire clears the record's void time.
	TTLNeverExpire uint32 = 0xFFFFFFFF
	// TTLDontUpdate keeps the record's current void time.
	TTLDontUpdate uint32 = 0xFFFFFFFE
)

// NextVoidTime resolves a client TTL against the namespace default and
// the record's previous void time.
func NextVoidTime(ttl uint32, prev uint32, nsDefault time.Duration, now time.Time) uint32 {
	switch ttl {
	case TTLNamespaceDefault:
		if nsDefault <= 0 {
			return 0
		}
		return uint32(now.Add(nsDefault).Unix())
	case TTLNeverExpire:
		return 0
	case TTLDontUpdate:
		return prev
	default:
		return uint32(now.Unix()) + ttl
	}
}

// NextGeneration advances a generation counter. Wrap skips 0, which is
// reserved for "no record".
func NextGeneration(g uint16) uint16 {
	g++
	if g == 0 {
		g = 1
	}
	return g
}
