// Package proto defines the node-to-node wire contract for meshkv
// transaction coordination: field ordinals, operation codes, info bit
// flags, result codes, and the message codec.
//
// The ordinal and op-code values are a durable network contract shared
// by every node in a cluster. Mixed-version clusters depend on them, so
// the enumerations are append-only: retired values stay reserved and are
// never reused for new meanings.
package proto

import "fmt"

// FieldID is the wire ordinal of a message field.
type FieldID uint8

// Field ordinals. Gaps are retired fields that must never be reassigned.
const (
	FieldOp             FieldID = 0  // operation code (uint32)
	FieldResult         FieldID = 1  // result code (uint32)
	FieldNamespace      FieldID = 2  // namespace name (string)
	FieldNsIx           FieldID = 3  // namespace index (uint32)
	FieldGeneration     FieldID = 4  // record generation (uint32)
	FieldDigest         FieldID = 5  // 20-byte record digest
	FieldRecord         FieldID = 6  // record payload (void time + bins)
	fieldUnused7        FieldID = 7  // retired
	fieldUnused8        FieldID = 8  // retired
	fieldUnused9        FieldID = 9  // retired
	FieldTID            FieldID = 10 // transaction ID (uint32)
	fieldUnused11       FieldID = 11 // retired
	FieldInfo           FieldID = 12 // info bit flags (uint32)
	fieldUnused13       FieldID = 13 // retired
	fieldUnused14       FieldID = 14 // retired
	fieldUnused15       FieldID = 15 // retired
	FieldLastUpdateTime FieldID = 16 // record last-update time, ms since epoch (uint64)
	fieldUnused17       FieldID = 17 // retired
	fieldUnused18       FieldID = 18 // retired
	FieldRegime         FieldID = 19 // partition regime (uint32)

	// NumFields is one past the highest assigned ordinal.
	NumFields = 20
)

// OpCode identifies the coordination operation a message carries.
type OpCode uint32

// Operation codes. Value 1 is retired and must not be reused.
const (
	OpWriteAck    OpCode = 2 // acknowledges a replica write
	OpDupReq      OpCode = 3 // duplicate-resolution request
	OpDupAck      OpCode = 4 // duplicate-resolution response
	OpReplConfirm OpCode = 5 // replication-confirm notification
	OpReplPing    OpCode = 6 // replica liveness probe
	OpReplPingAck OpCode = 7 // replica liveness response
	OpReplWrite   OpCode = 8 // replica write
)

// String returns the symbolic name of the op code.
func (op OpCode) String() string {
	switch op {
	case OpWriteAck:
		return "write-ack"
	case OpDupReq:
		return "dup-req"
	case OpDupAck:
		return "dup-ack"
	case OpReplConfirm:
		return "repl-confirm"
	case OpReplPing:
		return "repl-ping"
	case OpReplPingAck:
		return "repl-ping-ack"
	case OpReplWrite:
		return "repl-write"
	default:
		return fmt.Sprintf("op(%d)", uint32(op))
	}
}

// Info bit flags carried in FieldInfo. All unassigned bits are reserved
// and must be transmitted as zero.
const (
	// InfoNoReplAck tells a replica not to acknowledge the write.
	InfoNoReplAck uint32 = 0x0002
	// InfoUnreplicated marks a replica write whose transaction has not
	// yet been fully acknowledged cluster-wide.
	InfoUnreplicated uint32 = 0x0200
)

// ResultCode is the wire encoding of a transaction outcome, carried in
// FieldResult on acknowledgement messages.
type ResultCode uint32

// Result codes.
const (
	ResultOK         ResultCode = 0
	ResultUnknown    ResultCode = 1
	ResultNotFound   ResultCode = 2
	ResultGeneration ResultCode = 3
	ResultTimeout    ResultCode = 4
	ResultForbidden  ResultCode = 5
	ResultTombstone  ResultCode = 6
	ResultStorage    ResultCode = 7
	ResultRegime     ResultCode = 8
)

// String returns the symbolic name of the result code.
func (rc ResultCode) String() string {
	switch rc {
	case ResultOK:
		return "ok"
	case ResultUnknown:
		return "unknown"
	case ResultNotFound:
		return "not-found"
	case ResultGeneration:
		return "generation"
	case ResultTimeout:
		return "timeout"
	case ResultForbidden:
		return "forbidden"
	case ResultTombstone:
		return "tombstone"
	case ResultStorage:
		return "storage"
	case ResultRegime:
		return "regime"
	default:
		return fmt.Sprintf("result(%d)", uint32(rc))
	}
}
