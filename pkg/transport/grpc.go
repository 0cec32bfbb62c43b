package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/peerlock/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const channelMethod = "/peerlock.v1.PeerTransport/Channel"

// The service descriptor is maintained by hand: the only method is a single
// bidirectional stream of msgpack-framed envelopes, so there is nothing for
// protoc to generate.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: "peerlock.v1.PeerTransport",
	HandlerType: (*peerTransportServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Channel",
			Handler:       channelHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "peerlock/v1/transport.proto",
}

type peerTransportServer interface {
	Channel(stream grpc.ServerStream) error
}

func channelHandler(srv any, stream grpc.ServerStream) error {
	return srv.(peerTransportServer).Channel(stream)
}

// event is one queued unit of inbound work: either an envelope or a
// synthesized peer loss.
type event struct {
	env  *types.Envelope
	lost types.Identity
}

type registration struct {
	h    Handler
	lost LostFunc
}

// GRPC implements Transport with one dialed bidirectional stream per peer.
// The first frame on every stream is a hello announcing the dialer's
// identity; after that, frames flow dialer-to-listener only. Replies to a
// peer therefore go out on our own dialed connection to that peer, and
// everything we receive arrives on our listening side.
//
// Inbound frames are queued per instance in receive order and handed out by
// Drain, which keeps the protocol core single-threaded.
type GRPC struct {
	local  types.Identity
	logger hclog.Logger
	server *grpc.Server
	lis    net.Listener

	mu        sync.Mutex
	conns     map[string]*grpcConn
	instances map[string]registration
	pending   map[string][]event
	closed    bool
}

type GRPCConfig struct {
	// BindAddr is the well-known "<host>:<port>" peers dial. It must name
	// a concrete interface: the resolved address becomes this node's
	// identity, and identity is the tiebreak key.
	BindAddr string
	Logger   hclog.Logger
}

// NewGRPC binds BindAddr and starts serving peer streams.
func NewGRPC(cfg GRPCConfig) (*GRPC, error) {
	local, err := types.ParseIdentity(cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("bind address: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = hclog.Default()
	}

	lis, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.BindAddr, err)
	}

	t := &GRPC{
		local:     local,
		logger:    logger.Named("transport").With("local", local),
		server:    grpc.NewServer(),
		lis:       lis,
		conns:     make(map[string]*grpcConn),
		instances: make(map[string]registration),
		pending:   make(map[string][]event),
	}
	t.server.RegisterService(&serviceDesc, t)

	go func() {
		if err := t.server.Serve(lis); err != nil {
			t.logger.Debug("server stopped", "error", err)
		}
	}()

	return t, nil
}

func (t *GRPC) Local() types.Identity {
	return t.local
}

// Channel serves one inbound peer stream until it breaks.
func (t *GRPC) Channel(stream grpc.ServerStream) error {
	var hello types.Envelope
	if err := stream.RecvMsg(&hello); err != nil {
		return err
	}
	if hello.Kind != types.MsgHello {
		t.logger.Warn("stream opened without hello; closing", "kind", hello.Kind)
		return fmt.Errorf("expected hello, got %s", hello.Kind)
	}

	peer := hello.From()
	t.logger.Debug("peer stream open", "peer", peer)

	for {
		env := new(types.Envelope)
		if err := stream.RecvMsg(env); err != nil {
			if err != io.EOF {
				t.logger.Warn("peer stream broken", "peer", peer, "error", err)
			}
			t.reportLost(peer)
			return nil
		}
		t.enqueue(env)
	}
}

// enqueue routes one inbound envelope to its instance queue. Envelopes for
// instances nobody registered are dropped; liveness over halting.
func (t *GRPC) enqueue(env *types.Envelope) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.instances[env.Instance]; !ok {
		t.logger.Warn("dropping message for unknown instance",
			"instance", env.Instance, "kind", env.Kind, "from", env.From())
		return
	}
	t.pending[env.Instance] = append(t.pending[env.Instance], event{env: env})
}

// reportLost queues a loss event for every registered instance. A peer pair
// is watched from both ends, so the same loss may be reported twice; the
// protocol layer treats removal as idempotent.
func (t *GRPC) reportLost(peer types.Identity) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	for instance := range t.instances {
		t.pending[instance] = append(t.pending[instance], event{lost: peer})
	}
}

func (t *GRPC) Register(instance string, h Handler, lost LostFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.instances[instance] = registration{h: h, lost: lost}
}

func (t *GRPC) Deregister(instance string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.instances, instance)
	delete(t.pending, instance)
}

func (t *GRPC) Drain(instance string) {
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

// Connect dials addr, or reuses the connection a previous Connect opened.
func (t *GRPC) Connect(addr string) (Conn, types.Identity, error) {
	id, err := types.ParseIdentity(addr)
	if err != nil {
		return nil, types.Identity{}, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, types.Identity{}, types.ErrTransportClosed
	}
	if c, ok := t.conns[addr]; ok {
		t.mu.Unlock()
		return c, id, nil
	}
	t.mu.Unlock()

	cc, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	if err != nil {
		return nil, types.Identity{}, fmt.Errorf("dial %s: %w", addr, err)
	}

	stream, err := cc.NewStream(context.Background(), &serviceDesc.Streams[0], channelMethod)
	if err != nil {
		cc.Close()
		return nil, types.Identity{}, fmt.Errorf("open stream to %s: %w", addr, err)
	}

	hello := &types.Envelope{
		Kind:     types.MsgHello,
		FromAddr: t.local.Address,
		FromPort: t.local.Port,
	}
	if err := stream.SendMsg(hello); err != nil {
		cc.Close()
		return nil, types.Identity{}, fmt.Errorf("hello to %s: %w", addr, err)
	}

	conn := &grpcConn{t: t, target: addr, peer: id, cc: cc, stream: stream}

	t.mu.Lock()
	t.conns[addr] = conn
	t.mu.Unlock()

	go conn.watch()

	t.logger.Debug("connected to peer", "peer", id, "target", addr)
	return conn, id, nil
}

// dropConn forgets a dialed connection so a later Connect can redial.
func (t *GRPC) dropConn(c *grpcConn) {
	t.mu.Lock()
	if t.conns[c.target] == c {
		delete(t.conns, c.target)
	}
	t.mu.Unlock()
}

func (t *GRPC) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conns := make([]*grpcConn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.conns = make(map[string]*grpcConn)
	t.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	t.server.Stop()
	return nil
}

// grpcConn is the dialed half of a peer pair.
type grpcConn struct {
	t      *GRPC
	target string
	peer   types.Identity
	cc     *grpc.ClientConn
	stream grpc.ClientStream

	mu     sync.Mutex
	closed bool
}

func (c *grpcConn) Send(env *types.Envelope) error {
	if err := c.stream.SendMsg(env); err != nil {
		c.t.logger.Warn("send failed", "peer", c.peer, "kind", env.Kind, "error", err)
		c.t.dropConn(c)
		c.t.reportLost(c.peer)
		return fmt.Errorf("send %s to %s: %w", env.Kind, c.target, err)
	}
	return nil
}

func (c *grpcConn) Target() string {
	return c.target
}

// watch notices the stream dying. The listener never sends frames back on a
// dialed stream, so any RecvMsg return means the connection is gone.
func (c *grpcConn) watch() {
	var discard types.Envelope
	err := c.stream.RecvMsg(&discard)

	c.mu.Lock()
	deliberate := c.closed
	c.mu.Unlock()

	c.t.dropConn(c)
	if !deliberate {
		c.t.logger.Warn("connection to peer lost", "peer", c.peer, "error", err)
		c.t.reportLost(c.peer)
	}
}

func (c *grpcConn) close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	_ = c.stream.CloseSend()
	_ = c.cc.Close()
}
