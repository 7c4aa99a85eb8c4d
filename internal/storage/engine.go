// Package storage defines the record storage boundary consumed by the
// coordination layer, and the in-memory engine a meshkv node runs on.
package storage

import (
	"github.com/meshkv/meshkv/internal/record"
	"github.com/meshkv/meshkv/pkg/proto"
)

// Engine stores records keyed by namespace index and digest. The
// coordination layer guarantees a single writer per key; an engine only
// has to keep independent keys safe to access concurrently.
//
// Read and Write exchange private copies: an engine never hands out
// storage it retains, and never retains storage a caller handed in.
type Engine interface {
	// Read returns the current version of a record, or false if the
	// key has never been written (or was expunged).
	Read(key proto.RequestKey) (*record.Record, bool)

	// Write commits a new version of a record, replacing any current
	// one.
	Write(key proto.RequestKey, r *record.Record) error

	// Expunge physically removes a record. Durable deletes do not use
	// this; they Write a tombstone.
	Expunge(key proto.RequestKey) bool

	// Count returns the number of records in a namespace, tombstones
	// included.
	Count(nsIx uint32) int

	// Close releases engine resources.
	Close() error
}
