package transport

import (
	"fmt"
	"sync"

	"github.com/pixperk/peerlock/pkg/types"
)

// Fabric wires in-memory transports together by identity. It exists for
// tests: delivery is synchronous enqueue, dispatch only happens on Drain,
// and Disconnect synthesizes peer loss, so scenarios can script exact
// message orders.
type Fabric struct {
	mu    sync.Mutex
	nodes map[types.Identity]*Inmem
}

func NewFabric() *Fabric {
	return &Fabric{nodes: make(map[types.Identity]*Inmem)}
}

// Node attaches a new transport listening as addr ("<host>:<port>").
func (f *Fabric) Node(addr string) (*Inmem, error) {
	id, err := types.ParseIdentity(addr)
	if err != nil {
		return nil, err
	}

	t := &Inmem{
		fabric:    f,
		local:     id,
		instances: make(map[string]registration),
		pending:   make(map[string][]event),
		conns:     make(map[string]*inmemConn),
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nodes[id]; ok {
		return nil, fmt.Errorf("fabric node %s: %w", id, types.ErrDuplicatePeer)
	}
	f.nodes[id] = t
	return t, nil
}

// Disconnect removes the node with the given identity and reports it lost
// to every remaining node, after anything it already sent.
func (f *Fabric) Disconnect(id types.Identity) {
	f.mu.Lock()
	delete(f.nodes, id)
	remaining := make([]*Inmem, 0, len(f.nodes))
	for _, n := range f.nodes {
		remaining = append(remaining, n)
	}
	f.mu.Unlock()

	for _, n := range remaining {
		n.reportLost(id)
	}
}

func (f *Fabric) lookup(id types.Identity) *Inmem {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nodes[id]
}

// Inmem is the Transport implementation Fabric hands out.
type Inmem struct {
	fabric *Fabric
	local  types.Identity

	mu        sync.Mutex
	instances map[string]registration
	pending   map[string][]event
	conns     map[string]*inmemConn
	detached  bool
}

func (t *Inmem) Local() types.Identity {
	return t.local
}

func (t *Inmem) Connect(addr string) (Conn, types.Identity, error) {
	id, err := types.ParseIdentity(addr)
	if err != nil {
		return nil, types.Identity{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.detached {
		return nil, types.Identity{}, types.ErrTransportClosed
	}
	if c, ok := t.conns[addr]; ok {
		return c, id, nil
	}
	c := &inmemConn{t: t, target: addr, peer: id}
	t.conns[addr] = c
	return c, id, nil
}

func (t *Inmem) Register(instance string, h Handler, lost LostFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.instances[instance] = registration{h: h, lost: lost}
}

func (t *Inmem) Deregister(instance string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.instances, instance)
	delete(t.pending, instance)
}

func (t *Inmem) Drain(instance string) {
	t.mu.Lock()
	reg, ok := t.instances[instance]
	events := t.pending[instance]
	t.pending[instance] = nil
	t.mu.Unlock()

	if !ok {
		return
	}
	for _, ev := range events {
		if ev.env != nil {
			reg.h(ev.env)
		} else {
			reg.lost(ev.lost)
		}
	}
}

func (t *Inmem) Close() error {
	t.mu.Lock()
	if t.detached {
		t.mu.Unlock()
		return nil
	}
	t.detached = true
	t.mu.Unlock()

	t.fabric.Disconnect(t.local)
	return nil
}

// Inject queues an arbitrary envelope, as if it had arrived off the wire.
func (t *Inmem) Inject(env *types.Envelope) {
	t.enqueue(env)
}

// Pending reports how many events are queued for instance.
func (t *Inmem) Pending(instance string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending[instance])
}

func (t *Inmem) enqueue(env *types.Envelope) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.instances[env.Instance]; !ok {
		return
	}
	t.pending[env.Instance] = append(t.pending[env.Instance], event{env: env})
}

func (t *Inmem) reportLost(peer types.Identity) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.detached {
		return
	}
	for instance := range t.instances {
		t.pending[instance] = append(t.pending[instance], event{lost: peer})
	}
}

type inmemConn struct {
	t      *Inmem
	target string
	peer   types.Identity
}

func (c *inmemConn) Send(env *types.Envelope) error {
	node := c.t.fabric.lookup(c.peer)
	if node == nil {
		return fmt.Errorf("send %s to %s: %w", env.Kind, c.target, types.ErrUnknownPeer)
	}
	node.enqueue(env)
	return nil
}

func (c *inmemConn) Target() string {
	return c.target
}
