// Package transport moves mutex protocol envelopes between peers.
//
// The protocol core depends only on the interfaces in this file: named
// connections that can be opened or reused, per-instance inbound handler
// registration, and connection-loss reporting. Wire encoding is an
// implementation concern; the core never sees it.
package transport

import "github.com/pixperk/peerlock/pkg/types"

// Conn is one outbound connection to a peer's well-known endpoint.
// Connections are owned by the transport and may be shared by several mutex
// instances, so instances must not close them.
type Conn interface {
	// Send queues env for in-order delivery to the peer.
	Send(env *types.Envelope) error

	// Target is the "<host>:<port>" name the connection was opened with.
	Target() string
}

// Handler receives the inbound envelopes routed to one mutex instance.
type Handler func(env *types.Envelope)

// LostFunc is told when contact with a peer is lost. Loss events are
// synthesized locally by the transport; nothing travels on the wire.
type LostFunc func(peer types.Identity)

type Transport interface {
	// Connect opens, or reuses, the connection to addr and reports the
	// identity the peer presents as.
	Connect(addr string) (Conn, types.Identity, error)

	// Register installs the inbound and peer-lost handlers for one mutex
	// instance. Registrations are instance-owned and made at construction
	// time; there is no process-wide handler table.
	Register(instance string, h Handler, lost LostFunc)

	// Deregister removes the handlers for instance. Messages arriving for
	// an unregistered instance are dropped.
	Deregister(instance string)

	// Drain dispatches every inbound message and loss event currently
	// queued for instance, preserving per-connection receive order, and
	// returns without blocking. All protocol progress happens inside it.
	Drain(instance string)

	// Local is the identity peers see this node as; it is the local half
	// of every tiebreak comparison.
	Local() types.Identity

	Close() error
}
