package types

import "fmt"

// MsgKind discriminates protocol messages on the wire.
type MsgKind uint8

const (
	// MsgHello opens a transport stream and announces the dialer's
	// identity. It is consumed by the transport and never reaches a
	// mutex instance.
	MsgHello MsgKind = iota + 1

	// MsgRequest asks the receiver to grant the lock to the sender.
	MsgRequest

	// MsgRelease tells the receiver the sender gave the lock back.
	MsgRelease

	// MsgGrant answers a request positively. Carries the requester echo.
	MsgGrant

	// MsgDeny answers a request negatively. Carries the requester echo.
	MsgDeny
)

func (k MsgKind) String() string {
	switch k {
	case MsgHello:
		return "hello"
	case MsgRequest:
		return "request"
	case MsgRelease:
		return "release"
	case MsgGrant:
		return "grant"
	case MsgDeny:
		return "deny"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Envelope is the unit the transport moves between peers. Request and
// Release carry nothing beyond the sender identity; Grant and Deny echo the
// identity of the requester they answer, so concurrent requests stay
// distinguishable at the receiving side.
type Envelope struct {
	Instance string // mutex name, routes to the owning instance
	Kind     MsgKind
	FromAddr uint32
	FromPort uint32
	ReqAddr  uint32 // grant/deny only: requester being answered
	ReqPort  uint32
}

// From is the identity of the sending instance.
func (e *Envelope) From() Identity {
	return Identity{Address: e.FromAddr, Port: e.FromPort}
}

// Requester is the identity echoed by a grant or deny.
func (e *Envelope) Requester() Identity {
	return Identity{Address: e.ReqAddr, Port: e.ReqPort}
}
