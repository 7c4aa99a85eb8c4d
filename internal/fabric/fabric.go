// Package fabric carries coordination messages between meshkv nodes.
//
// The fabric is deliberately lossy: Send enqueues a message for
// best-effort delivery and never waits for the peer. Reliability lives
// a layer up, in the coordinator's retransmit machinery, so a dropped
// frame costs a resend rather than a stuck transaction.
package fabric

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/meshkv/meshkv/internal/cluster"
	"github.com/meshkv/meshkv/pkg/proto"
)

var (
	// ErrClosed is returned by operations on a closed fabric.
	ErrClosed = errors.New("fabric is closed")

	// ErrNoRoute is returned when the target node has no known address.
	ErrNoRoute = errors.New("no route to node")

	// ErrSendQueueFull is returned when a peer's send queue is full,
	// typically because the link is down or the peer is drowning.
	ErrSendQueueFull = errors.New("fabric send queue full")
)

// Handler receives inbound coordination messages. It runs on the
// link's read goroutine and must not block; returned errors are logged
// and the link stays up.
type Handler func(from cluster.NodeID, msg *proto.Message) error

// Fabric sends coordination messages to other cluster nodes.
type Fabric interface {
	// Send queues a message for delivery to a node. It returns once the
	// message is accepted for sending; delivery is not acknowledged.
	Send(ctx context.Context, to cluster.NodeID, msg *proto.Message) error

	// RegisterHandler sets the callback for inbound messages.
	RegisterHandler(h Handler)

	// Close tears down all links and stops background goroutines.
	Close() error
}

// Frame tags. Each websocket message is one frame: a single tag byte
// followed by the (possibly compressed) encoded message.
const (
	frameRaw  byte = 0x00
	frameZstd byte = 0x01
)

// zstd coders are stateless between uses and expensive to build, so
// they are pooled for the life of the process.
var (
	encoderPool = sync.Pool{
		New: func() interface{} {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
			return enc
		},
	}
	decoderPool = sync.Pool{
		New: func() interface{} {
			dec, _ := zstd.NewReader(nil)
			return dec
		},
	}
)

// encodeFrame wraps an encoded message for the wire, compressing it
// when it meets the threshold. A threshold of 0 disables compression.
func encodeFrame(data []byte, threshold int) []byte {
	if threshold > 0 && len(data) >= threshold {
		enc := encoderPool.Get().(*zstd.Encoder)
		defer encoderPool.Put(enc)

		return enc.EncodeAll(data, []byte{frameZstd})
	}

	frame := make([]byte, 1+len(data))
	frame[0] = frameRaw
	copy(frame[1:], data)
	return frame
}

// decodeFrame unwraps a received frame back to the encoded message.
func decodeFrame(frame []byte) ([]byte, error) {
	if len(frame) < 1 {
		return nil, fmt.Errorf("empty fabric frame")
	}

	switch frame[0] {
	case frameRaw:
		return frame[1:], nil
	case frameZstd:
		dec := decoderPool.Get().(*zstd.Decoder)
		defer decoderPool.Put(dec)

		data, err := dec.DecodeAll(frame[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("decompress fabric frame: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unknown fabric frame tag 0x%02x", frame[0])
	}
}
