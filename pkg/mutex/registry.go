package mutex

import (
	"github.com/pixperk/peerlock/pkg/transport"
	"github.com/pixperk/peerlock/pkg/types"
)

// peer is one registry entry. granted is meaningful only while the local
// state is Requesting; it exists so a peer shutting down mid-request can be
// told apart from one we are still waiting on.
type peer struct {
	id      types.Identity
	conn    transport.Conn
	granted bool
}

// registry is the ordered set of peers this instance coordinates with. Its
// size is the quorum target for grant counting.
type registry struct {
	peers []*peer
}

func (r *registry) add(id types.Identity, conn transport.Conn) error {
	if r.find(id) != nil {
		return types.ErrDuplicatePeer
	}
	r.peers = append(r.peers, &peer{id: id, conn: conn})
	return nil
}

func (r *registry) find(id types.Identity) *peer {
	for _, p := range r.peers {
		if p.id == id {
			return p
		}
	}
	return nil
}

// remove drops the peer with the given identity and returns it, or nil if
// it was never registered.
func (r *registry) remove(id types.Identity) *peer {
	for i, p := range r.peers {
		if p.id == id {
			r.peers = append(r.peers[:i], r.peers[i+1:]...)
			return p
		}
	}
	return nil
}

func (r *registry) count() int {
	return len(r.peers)
}

// resetGrants clears every grant flag at the start of a request cycle.
func (r *registry) resetGrants() {
	for _, p := range r.peers {
		p.granted = false
	}
}

func (r *registry) all() []*peer {
	return r.peers
}
