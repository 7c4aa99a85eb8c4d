package proto

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

const (
	// DigestSize is the size of a record digest in bytes.
	DigestSize = 20
	// PackedKeySize is the size of a packed request key: a 4-byte
	// namespace index followed by the digest.
	PackedKeySize = 4 + DigestSize
)

// Digest is the fixed-size hash that identifies a record within a
// namespace. Partition placement is derived from its leading bits.
type Digest [DigestSize]byte

// ComputeDigest derives a record digest from its set and user key.
func ComputeDigest(set, key string) Digest {
	h, err := blake2b.New(DigestSize, nil)
	if err != nil {
		// Only reachable with an invalid size or key, both fixed here.
		panic(fmt.Sprintf("blake2b init: %v", err))
	}
	h.Write([]byte(set))
	h.Write([]byte{0})
	h.Write([]byte(key))

	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

// String returns the full hex form of the digest.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Short returns an abbreviated hex form for log lines.
func (d Digest) Short() string {
	return hex.EncodeToString(d[:6])
}

// RequestKey identifies the record a transaction operates on. A
// coordinator admits at most one in-flight transaction per key.
type RequestKey struct {
	NsIx   uint32
	Digest Digest
}

// Packed returns the canonical 24-byte big-endian form used for
// hashing, equality, and the wire.
func (k RequestKey) Packed() [PackedKeySize]byte {
	var p [PackedKeySize]byte
	binary.BigEndian.PutUint32(p[0:4], k.NsIx)
	copy(p[4:], k.Digest[:])
	return p
}

// UnpackKey parses a packed request key.
func UnpackKey(p []byte) (RequestKey, error) {
	if len(p) != PackedKeySize {
		return RequestKey{}, fmt.Errorf("packed key length %d, want %d", len(p), PackedKeySize)
	}
	var k RequestKey
	k.NsIx = binary.BigEndian.Uint32(p[0:4])
	copy(k.Digest[:], p[4:])
	return k, nil
}

// String renders the key for log lines.
func (k RequestKey) String() string {
	return fmt.Sprintf("%d:%s", k.NsIx, k.Digest.Short())
}
