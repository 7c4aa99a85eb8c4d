package fabric

import (
	"context"
	"fmt"
	"sync"

	"github.com/meshkv/meshkv/internal/cluster"
	"github.com/meshkv/meshkv/pkg/proto"
)

// Network is an in-process fabric for tests. Every node that joins
// gets its own InProc endpoint; messages still round-trip through the
// wire encoding so codec bugs surface, but delivery is a channel send
// instead of a socket. Drop rules simulate lossy links.
type Network struct {
	mu    sync.RWMutex
	nodes map[cluster.NodeID]*InProc
	drops map[[2]cluster.NodeID]bool
}

// NewNetwork creates an empty in-process network.
func NewNetwork() *Network {
	return &Network{
		nodes: make(map[cluster.NodeID]*InProc),
		drops: make(map[[2]cluster.NodeID]bool),
	}
}

// Join adds a node to the network and returns its fabric endpoint.
// Joining an ID twice replaces the earlier endpoint.
func (n *Network) Join(id cluster.NodeID) *InProc {
	p := &InProc{
		net:   n,
		id:    id,
		inbox: make(chan inFrame, sendQueueSize),
		done:  make(chan struct{}),
	}
	go p.pump()

	n.mu.Lock()
	n.nodes[id] = p
	n.mu.Unlock()
	return p
}

// Drop sets whether frames from one node to another are silently
// discarded, the way a dead link discards them.
func (n *Network) Drop(from, to cluster.NodeID, drop bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if drop {
		n.drops[[2]cluster.NodeID{from, to}] = true
	} else {
		delete(n.drops, [2]cluster.NodeID{from, to})
	}
}

// Isolate drops all traffic to and from a node in both directions, or
// restores it.
func (n *Network) Isolate(id cluster.NodeID, isolated bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for other := range n.nodes {
		if other == id {
			continue
		}
		if isolated {
			n.drops[[2]cluster.NodeID{id, other}] = true
			n.drops[[2]cluster.NodeID{other, id}] = true
		} else {
			delete(n.drops, [2]cluster.NodeID{id, other})
			delete(n.drops, [2]cluster.NodeID{other, id})
		}
	}
}

func (n *Network) route(from, to cluster.NodeID) (*InProc, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.drops[[2]cluster.NodeID{from, to}] {
		return nil, true
	}
	p, ok := n.nodes[to]
	return p, ok
}

type inFrame struct {
	from cluster.NodeID
	data []byte
}

// InProc is one node's endpoint on an in-process Network. Inbound
// messages are dispatched from a single pump goroutine, so each node
// sees its messages in a deterministic order.
type InProc struct {
	net *Network
	id  cluster.NodeID

	inbox chan inFrame
	done  chan struct{}

	mu      sync.RWMutex
	handler Handler
	closed  bool
}

// RegisterHandler sets the callback for inbound messages.
func (p *InProc) RegisterHandler(h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
}

// Send encodes the message and delivers it to the target's inbox.
// Dropped routes succeed silently; the loss is the point.
func (p *InProc) Send(ctx context.Context, to cluster.NodeID, msg *proto.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	data, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("encode fabric message: %w", err)
	}

	tgt, ok := p.net.route(p.id, to)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoRoute, to)
	}
	if tgt == nil {
		return nil // dropped
	}

	select {
	case tgt.inbox <- inFrame{from: p.id, data: data}:
		return nil
	case <-tgt.done:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close stops the pump. The endpoint stays routable so concurrent
// senders fail soft rather than panic.
func (p *InProc) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	close(p.done)
	return nil
}

func (p *InProc) pump() {
	for {
		select {
		case <-p.done:
			return
		case f := <-p.inbox:
			msg, err := proto.Unmarshal(f.data)
			if err != nil {
				continue
			}
			p.mu.RLock()
			h := p.handler
			p.mu.RUnlock()
			if h != nil {
				_ = h(f.from, msg)
			}
		}
	}
}

var (
	_ Fabric = (*WS)(nil)
	_ Fabric = (*InProc)(nil)
)
