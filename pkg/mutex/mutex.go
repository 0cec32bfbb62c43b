// Package mutex provides distributed mutual exclusion between every
// instance sharing a name for which AddPeer has been called.
//
// The protocol is leaderless: a request is sent to every registered peer
// and the lock is won only when all of them grant it. Simultaneous requests
// are resolved by a deterministic tiebreak over peer identities, so every
// peer reaches the same verdict from purely local information regardless of
// message order across connections. Outcomes are reported exclusively
// through the granted, denied and released callbacks; Request returns
// before any reply arrives. Pump must be called frequently.
//
// Known limitations, inherited deliberately from the protocol's design:
// waiters are not served in any fair order; a network partition can produce
// a split-brain double grant; peers that do not execute the same set of
// AddPeer calls implicitly partition the namespace; an instance started
// while another peer holds the lock believes it is available until its
// first request is denied. Traffic is O(peers squared) per request cycle.
package mutex

import (
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/peerlock/pkg/metrics"
	"github.com/pixperk/peerlock/pkg/transport"
	"github.com/pixperk/peerlock/pkg/types"
)

// Mutex is one participant in a named distributed lock. All methods must be
// called from a single goroutine; the protocol is single-threaded by
// construction and takes no internal lock, because mutual exclusion is a
// property of the message protocol, not of shared memory.
type Mutex struct {
	name   string
	self   types.Identity
	tr     transport.Transport
	state  State
	peers  registry
	cbs    dispatcher
	logger hclog.Logger
	closed bool
}

type Option func(*Mutex)

func WithLogger(l hclog.Logger) Option {
	return func(m *Mutex) { m.logger = l }
}

// New attaches a mutex instance named name to tr. The transport may be
// shared by several instances; inbound routing is by name, so every
// cooperating peer must use the same name. Handler registrations are made
// here, at construction, and belong to the instance.
func New(name string, tr transport.Transport, opts ...Option) *Mutex {
	m := &Mutex{
		name:   name,
		self:   tr.Local(),
		tr:     tr,
		state:  Available{},
		logger: hclog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	m.logger = m.logger.Named("mutex").With("name", name, "self", m.self)
	m.cbs.logger = m.logger

	tr.Register(name, m.handle, m.handlePeerLost)
	return m
}

// Name returns the lock name shared by all cooperating peers.
func (m *Mutex) Name() string { return m.name }

// Self returns the identity this instance tiebreaks with.
func (m *Mutex) Self() types.Identity { return m.self }

func (m *Mutex) NumPeers() int { return m.peers.count() }

// IsAvailable is true from a release (ours or a peer's) until a request is
// issued or the lock is granted away. All three accessors are false while a
// local request is in flight.
func (m *Mutex) IsAvailable() bool {
	_, ok := m.state.(Available)
	return ok
}

// IsHeldLocally is true from the granted callbacks until Release.
func (m *Mutex) IsHeldLocally() bool {
	_, ok := m.state.(HeldLocally)
	return ok
}

// IsHeldRemotely is true from granting the lock to a peer until that peer
// releases it.
func (m *Mutex) IsHeldRemotely() bool {
	_, ok := m.state.(HeldRemotely)
	return ok
}

// Holder returns the remote owner while the lock is held remotely.
func (m *Mutex) Holder() (types.Identity, bool) {
	st, ok := m.state.(HeldRemotely)
	return st.Holder, ok
}

// AddGrantedCallback registers fn to run when our request is granted.
func (m *Mutex) AddGrantedCallback(userdata any, fn CallbackFunc) {
	m.cbs.addGranted(userdata, fn)
}

// AddDeniedCallback registers fn to run when our request is denied.
func (m *Mutex) AddDeniedCallback(userdata any, fn CallbackFunc) {
	m.cbs.addDenied(userdata, fn)
}

// AddReleasedCallback registers fn to run when any peer releases the mutex,
// this instance included.
func (m *Mutex) AddReleasedCallback(userdata any, fn CallbackFunc) {
	m.cbs.addReleased(userdata, fn)
}

// AddPeer registers the instance at addr ("<host>:<port>") as a
// coordination peer. It must be called while the lock is available: a peer
// added mid-cycle would be invisible to the in-flight request on both
// sides and corrupt the grant count, so the call is rejected instead.
func (m *Mutex) AddPeer(addr string) error {
	if _, ok := m.state.(Available); !ok {
		return fmt.Errorf("add peer %s while %s: %w", addr, m.state, types.ErrNotAvailable)
	}

	conn, id, err := m.tr.Connect(addr)
	if err != nil {
		return fmt.Errorf("add peer %s: %w", addr, err)
	}
	if err := m.peers.add(id, conn); err != nil {
		return fmt.Errorf("add peer %s: %w", addr, err)
	}

	metrics.Peers.WithLabelValues(m.name).Set(float64(m.peers.count()))
	m.logger.Debug("peer added", "peer", id)
	return nil
}

// Request asks every peer for the lock and returns as soon as the request
// messages are sent; the outcome arrives later through the granted or
// denied callbacks. Calling Request while the lock is not available issues
// nothing: the denied callbacks fire synchronously instead. With no peers
// registered there is nobody to wait on and the lock is granted on the
// spot. The returned error reports transport failures only.
func (m *Mutex) Request() error {
	if _, ok := m.state.(Available); !ok {
		m.logger.Debug("request while not available", "state", m.state)
		metrics.RequestsTotal.WithLabelValues(m.name, "rejected").Inc()
		m.cbs.triggerDenied()
		return nil
	}

	if m.peers.count() == 0 {
		m.setState(HeldLocally{})
		metrics.RequestsTotal.WithLabelValues(m.name, "granted").Inc()
		m.cbs.triggerGranted()
		return nil
	}

	m.peers.resetGrants()
	m.setState(Requesting{})

	var firstErr error
	for _, p := range m.peers.all() {
		if err := p.conn.Send(m.envelope(types.MsgRequest, types.Identity{})); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Release gives the lock back: a release message goes to every peer, the
// released callbacks fire locally, and the lock becomes available. It does
// nothing unless the lock is held locally; in particular it cannot withdraw
// a request already in flight.
func (m *Mutex) Release() error {
	if _, ok := m.state.(HeldLocally); !ok {
		return nil
	}

	var firstErr error
	for _, p := range m.peers.all() {
		if err := p.conn.Send(m.envelope(types.MsgRelease, types.Identity{})); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	m.setState(Available{})
	metrics.ReleasesTotal.WithLabelValues(m.name).Inc()
	m.cbs.triggerReleased()
	return firstErr
}

// Pump drains and dispatches every inbound message and peer-loss event
// currently queued for this instance, in per-connection receive order. All
// protocol progress happens inside it; call it frequently.
func (m *Mutex) Pump() {
	m.tr.Drain(m.name)
}

// Close releases the lock if it is held locally and detaches the instance
// from its transport. The implicit release runs on every exit path of the
// instance's life, so a holder can never disappear without freeing the
// lock first. Connections stay open; they belong to the transport.
func (m *Mutex) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true

	var err error
	if _, ok := m.state.(HeldLocally); ok {
		err = m.Release()
	}
	m.tr.Deregister(m.name)
	return err
}

// handle dispatches one inbound envelope to its transition function.
func (m *Mutex) handle(env *types.Envelope) {
	metrics.MessagesTotal.WithLabelValues(m.name, env.Kind.String()).Inc()

	switch env.Kind {
	case types.MsgRequest:
		m.onRequest(env.From())
	case types.MsgRelease:
		m.onRelease(env.From())
	case types.MsgGrant:
		m.onGrant(env.From(), env.Requester())
	case types.MsgDeny:
		m.onDeny(env.From(), env.Requester())
	default:
		m.logger.Warn("dropping message of unknown kind", "kind", env.Kind, "from", env.From())
	}
}

// onRequest applies the tiebreak rule and answers with a grant or a deny.
// Available means grant and track the new holder; holding (either side)
// means deny. The interesting case is a collision: both sides requested
// before either heard back. The lower identity wins, and because the
// comparison is a total order shared by everyone, both peers settle it the
// same way without another message.
func (m *Mutex) onRequest(from types.Identity) {
	// Replies travel on our own dialed connection to the requester, so a
	// request from a peer that was never added here cannot be answered.
	// Matching AddPeer calls at every site are the operator's contract.
	p := m.peers.find(from)
	if p == nil {
		m.logger.Warn("request from unknown peer, dropping", "from", from)
		return
	}

	switch m.state.(type) {
	case Available:
		m.setState(HeldRemotely{Holder: from})
		m.reply(p, types.MsgGrant)

	case HeldLocally, HeldRemotely:
		m.reply(p, types.MsgDeny)

	case Requesting:
		if from.Less(m.self) {
			// They win. Our own request is dead from this moment: the
			// winner has already denied it on their side, so the denial
			// is surfaced here rather than when that deny arrives.
			m.setState(HeldRemotely{Holder: from})
			m.reply(p, types.MsgGrant)
			metrics.RequestsTotal.WithLabelValues(m.name, "denied").Inc()
			m.cbs.triggerDenied()
		} else {
			m.reply(p, types.MsgDeny)
		}
	}
}

// onGrant counts one grant toward the quorum. Grants that answer somebody
// else's request, arrive outside a request cycle, come from unknown peers,
// or repeat a grant already counted are all ignored.
func (m *Mutex) onGrant(from, requester types.Identity) {
	st, ok := m.state.(Requesting)
	if !ok || requester != m.self {
		m.logger.Debug("ignoring grant", "from", from, "requester", requester, "state", m.state)
		return
	}

	p := m.peers.find(from)
	if p == nil || p.granted {
		return
	}
	p.granted = true
	st.Grants++

	if st.Grants >= m.peers.count() {
		m.setState(HeldLocally{})
		metrics.RequestsTotal.WithLabelValues(m.name, "granted").Inc()
		m.cbs.triggerGranted()
		return
	}
	m.state = st
}

// onDeny aborts the request cycle. One deny is enough, whatever the grant
// count; grants still in flight for this cycle will find the state no
// longer Requesting and be ignored.
func (m *Mutex) onDeny(from, requester types.Identity) {
	if _, ok := m.state.(Requesting); !ok || requester != m.self {
		m.logger.Debug("ignoring deny", "from", from, "requester", requester, "state", m.state)
		return
	}

	m.setState(Available{})
	metrics.RequestsTotal.WithLabelValues(m.name, "denied").Inc()
	m.cbs.triggerDenied()
}

// onRelease frees the lock when the tracked holder gives it back. A release
// from anyone else is ignored: the sender was not actually holding it.
func (m *Mutex) onRelease(from types.Identity) {
	st, ok := m.state.(HeldRemotely)
	if !ok || st.Holder != from {
		return
	}

	m.setState(Available{})
	m.cbs.triggerReleased()
}

// handlePeerLost reacts to the transport reporting a dropped peer. During a
// request the per-peer grant flag decides what happens: a peer that never
// answered is treated as an implicit deny and aborts the cycle, while a
// peer that had already granted leaves together with its grant, shrinking
// the quorum target and the count in step so every remaining peer must
// still answer. Losing the peer we granted the lock to frees it
// optimistically; if the holder was merely partitioned this is the
// documented split-brain gap, not a safety guarantee.
func (m *Mutex) handlePeerLost(id types.Identity) {
	p := m.peers.remove(id)
	if p == nil {
		return
	}

	metrics.PeerLossesTotal.WithLabelValues(m.name).Inc()
	metrics.Peers.WithLabelValues(m.name).Set(float64(m.peers.count()))
	m.logger.Warn("lost peer", "peer", id, "state", m.state)

	switch st := m.state.(type) {
	case Requesting:
		if p.granted {
			st.Grants--
			m.state = st
			return
		}
		m.setState(Available{})
		metrics.RequestsTotal.WithLabelValues(m.name, "denied").Inc()
		m.cbs.triggerDenied()

	case HeldRemotely:
		if st.Holder == id {
			m.setState(Available{})
		}
	}
}

// reply answers p's request with a grant or deny echoing p's identity.
func (m *Mutex) reply(p *peer, kind types.MsgKind) {
	metrics.RepliesTotal.WithLabelValues(m.name, kind.String()).Inc()
	if err := p.conn.Send(m.envelope(kind, p.id)); err != nil {
		m.logger.Error("reply failed", "to", p.id, "kind", kind, "error", err)
	}
}

func (m *Mutex) envelope(kind types.MsgKind, requester types.Identity) *types.Envelope {
	return &types.Envelope{
		Instance: m.name,
		Kind:     kind,
		FromAddr: m.self.Address,
		FromPort: m.self.Port,
		ReqAddr:  requester.Address,
		ReqPort:  requester.Port,
	}
}

func (m *Mutex) setState(next State) {
	m.logger.Debug("state transition", "from", m.state, "to", next)
	m.state = next

	held := 0.0
	if _, ok := next.(HeldLocally); ok {
		held = 1.0
	}
	metrics.Held.WithLabelValues(m.name).Set(held)
}
