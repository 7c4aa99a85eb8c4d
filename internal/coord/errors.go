package coord

import (
	"errors"

	"github.com/meshkv/meshkv/pkg/proto"
)

// Transaction outcomes. Individually slow or malformed replies are
// absorbed by retransmission; only budget exhaustion surfaces as
// ErrTimeout.
var (
	// ErrTimeout is returned when a protocol step exhausts its
	// retransmit and restart budgets, or the total deadline passes.
	ErrTimeout = errors.New("transaction timed out")

	// ErrGeneration is returned when a generation-gated write does not
	// match the record's current generation.
	ErrGeneration = errors.New("generation mismatch")

	// ErrNotFound is returned when the record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrTombstone is returned when the record is a durable-delete
	// tombstone.
	ErrTombstone = errors.New("record is deleted")

	// ErrProtocol marks a malformed or unexpected message. It is never
	// surfaced for a single bad reply; the reply is discarded and
	// counts as no response.
	ErrProtocol = errors.New("protocol mismatch")

	// ErrStorage is returned when the storage engine rejects a
	// mutation. The metadata stash is unwound before it surfaces.
	ErrStorage = errors.New("storage failure")

	// ErrInProgress is returned when another transaction already owns
	// the record's registry slot.
	ErrInProgress = errors.New("transaction in progress for this record")

	// ErrForbidden is returned when namespace policy rejects the
	// operation.
	ErrForbidden = errors.New("operation forbidden by namespace policy")

	// ErrNotMaster is returned when this node does not own the record's
	// partition. Clients should retry against the reported master.
	ErrNotMaster = errors.New("not the master for this record")

	// ErrRegime is returned when a message carries an out-of-date
	// partition regime.
	ErrRegime = errors.New("stale partition regime")
)

// resultOf maps a transaction error to its wire result code.
func resultOf(err error) proto.ResultCode {
	switch {
	case err == nil:
		return proto.ResultOK
	case errors.Is(err, ErrTimeout):
		return proto.ResultTimeout
	case errors.Is(err, ErrGeneration):
		return proto.ResultGeneration
	case errors.Is(err, ErrNotFound):
		return proto.ResultNotFound
	case errors.Is(err, ErrTombstone):
		return proto.ResultTombstone
	case errors.Is(err, ErrStorage):
		return proto.ResultStorage
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrNotMaster), errors.Is(err, ErrInProgress):
		return proto.ResultForbidden
	case errors.Is(err, ErrRegime):
		return proto.ResultRegime
	default:
		return proto.ResultUnknown
	}
}

// errorOf maps a wire result code back to the matching sentinel, nil
// for ResultOK.
func errorOf(rc proto.ResultCode) error {
	switch rc {
	case proto.ResultOK:
		return nil
	case proto.ResultTimeout:
		return ErrTimeout
	case proto.ResultGeneration:
		return ErrGeneration
	case proto.ResultNotFound:
		return ErrNotFound
	case proto.ResultTombstone:
		return ErrTombstone
	case proto.ResultStorage:
		return ErrStorage
	case proto.ResultForbidden:
		return ErrForbidden
	case proto.ResultRegime:
		return ErrRegime
	default:
		return ErrProtocol
	}
}
