package transport

import (
	"testing"

	"github.com/pixperk/peerlock/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func request(instance string, from types.Identity) *types.Envelope {
	return &types.Envelope{
		Instance: instance,
		Kind:     types.MsgRequest,
		FromAddr: from.Address,
		FromPort: from.Port,
	}
}

// TestInmemDeliveryOrder tests that Drain hands out messages in receive order
func TestInmemDeliveryOrder(t *testing.T) {
	fabric := NewFabric()

	a, err := fabric.Node("10.0.0.1:1")
	require.NoError(t, err)
	b, err := fabric.Node("10.0.0.2:1")
	require.NoError(t, err)

	var got []types.MsgKind
	b.Register("m", func(env *types.Envelope) {
		got = append(got, env.Kind)
	}, func(types.Identity) {})

	conn, id, err := a.Connect("10.0.0.2:1")
	require.NoError(t, err)
	assert.Equal(t, b.Local(), id)

	require.NoError(t, conn.Send(&types.Envelope{Instance: "m", Kind: types.MsgRequest}))
	require.NoError(t, conn.Send(&types.Envelope{Instance: "m", Kind: types.MsgRelease}))

	// nothing dispatches until the owner drains
	assert.Empty(t, got)
	assert.Equal(t, 2, b.Pending("m"))

	b.Drain("m")
	assert.Equal(t, []types.MsgKind{types.MsgRequest, types.MsgRelease}, got)
	assert.Equal(t, 0, b.Pending("m"))
}

// TestInmemConnectReuse tests that Connect hands back the same connection
func TestInmemConnectReuse(t *testing.T) {
	fabric := NewFabric()

	a, err := fabric.Node("10.0.0.1:1")
	require.NoError(t, err)
	_, err = fabric.Node("10.0.0.2:1")
	require.NoError(t, err)

	c1, _, err := a.Connect("10.0.0.2:1")
	require.NoError(t, err)
	c2, _, err := a.Connect("10.0.0.2:1")
	require.NoError(t, err)
	assert.Same(t, c1, c2)
}

// TestInmemDisconnect tests loss reporting and send failure after disconnect
func TestInmemDisconnect(t *testing.T) {
	fabric := NewFabric()

	a, err := fabric.Node("10.0.0.1:1")
	require.NoError(t, err)
	b, err := fabric.Node("10.0.0.2:1")
	require.NoError(t, err)

	var lost []types.Identity
	a.Register("m", func(*types.Envelope) {}, func(peer types.Identity) {
		lost = append(lost, peer)
	})

	conn, _, err := a.Connect("10.0.0.2:1")
	require.NoError(t, err)

	fabric.Disconnect(b.Local())

	a.Drain("m")
	require.Len(t, lost, 1)
	assert.Equal(t, b.Local(), lost[0])

	err = conn.Send(request("m", a.Local()))
	assert.ErrorIs(t, err, types.ErrUnknownPeer)
}

// TestInmemLossAfterQueuedMessages tests that a loss event never overtakes
// messages the peer sent before dying
func TestInmemLossAfterQueuedMessages(t *testing.T) {
	fabric := NewFabric()

	a, err := fabric.Node("10.0.0.1:1")
	require.NoError(t, err)
	b, err := fabric.Node("10.0.0.2:1")
	require.NoError(t, err)

	var order []string
	a.Register("m", func(env *types.Envelope) {
		order = append(order, "msg:"+env.Kind.String())
	}, func(types.Identity) {
		order = append(order, "lost")
	})

	conn, _, err := b.Connect("10.0.0.1:1")
	require.NoError(t, err)
	require.NoError(t, conn.Send(request("m", b.Local())))

	fabric.Disconnect(b.Local())

	a.Drain("m")
	assert.Equal(t, []string{"msg:request", "lost"}, order)
}

// TestInmemUnknownInstanceDropped tests that unrouteable envelopes vanish
func TestInmemUnknownInstanceDropped(t *testing.T) {
	fabric := NewFabric()

	a, err := fabric.Node("10.0.0.1:1")
	require.NoError(t, err)
	b, err := fabric.Node("10.0.0.2:1")
	require.NoError(t, err)

	conn, _, err := a.Connect("10.0.0.2:1")
	require.NoError(t, err)
	require.NoError(t, conn.Send(request("nobody-registered-this", a.Local())))

	assert.Equal(t, 0, b.Pending("nobody-registered-this"))
}
