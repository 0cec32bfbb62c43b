package mutex

import (
	"fmt"

	"github.com/pixperk/peerlock/pkg/types"
)

// State is the authoritative local view of the named lock. Exactly one
// variant is active at any instant, and each variant carries only the
// fields that mean anything in it, so a counter or holder from a previous
// state can never be read by mistake.
type State interface {
	state()
	String() string
}

// Available: nobody holds the lock and no local request is outstanding.
type Available struct{}

// Requesting: a local request is outstanding. Grants counts the peers that
// have answered positively so far; the lock is won when every registered
// peer has.
type Requesting struct {
	Grants int
}

// HeldLocally: this instance owns the lock until Release.
type HeldLocally struct{}

// HeldRemotely: a peer owns the lock.
type HeldRemotely struct {
	Holder types.Identity
}

func (Available) state()    {}
func (Requesting) state()   {}
func (HeldLocally) state()  {}
func (HeldRemotely) state() {}

func (Available) String() string { return "available" }

func (s Requesting) String() string { return fmt.Sprintf("requesting(%d)", s.Grants) }

func (HeldLocally) String() string { return "held-locally" }

func (s HeldRemotely) String() string { return fmt.Sprintf("held-remotely(%s)", s.Holder) }
