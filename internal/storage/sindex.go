package storage

import "github.com/meshkv/meshkv/pkg/proto"

// SecondaryIndex is notified as record bins appear and disappear. The
// coordination layer calls it inside the metadata stash window, so a
// failed write unwinds both the index metadata and these notifications'
// preconditions together.
type SecondaryIndex interface {
	InsertBins(key proto.RequestKey, bins []proto.Bin)
	RemoveBins(key proto.RequestKey, bins []proto.Bin)
}

// NoIndex is the secondary index used when none is configured.
type NoIndex struct{}

// InsertBins implements SecondaryIndex.
func (NoIndex) InsertBins(proto.RequestKey, []proto.Bin) {}

// RemoveBins implements SecondaryIndex.
func (NoIndex) RemoveBins(proto.RequestKey, []proto.Bin) {}
