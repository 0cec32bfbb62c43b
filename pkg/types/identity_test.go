package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestIdentityCompare tests the total order used for tiebreaking
func TestIdentityCompare(t *testing.T) {
	cases := []struct {
		name string
		a, b Identity
		want int
	}{
		{"lower address wins", Identity{10, 99}, Identity{20, 1}, -1},
		{"higher address loses", Identity{20, 1}, Identity{10, 99}, 1},
		{"same address lower port wins", Identity{10, 1}, Identity{10, 2}, -1},
		{"same address higher port loses", Identity{10, 2}, Identity{10, 1}, 1},
		{"equal", Identity{10, 1}, Identity{10, 1}, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.a.Compare(tc.b))
			assert.Equal(t, tc.want < 0, tc.a.Less(tc.b))
			// the order must be symmetric or the tiebreak deadlocks
			assert.Equal(t, -tc.want, tc.b.Compare(tc.a))
		})
	}
}

// TestParseIdentity tests host:port resolution into the wire identity
func TestParseIdentity(t *testing.T) {
	id, err := ParseIdentity("127.0.0.1:7000")
	require.NoError(t, err)

	// 127.0.0.1 big-endian
	assert.Equal(t, uint32(0x7f000001), id.Address)
	assert.Equal(t, uint32(7000), id.Port)
	assert.Equal(t, "127.0.0.1:7000", id.String())
}

func TestParseIdentityRejectsBadInput(t *testing.T) {
	_, err := ParseIdentity("no-port-here")
	assert.Error(t, err)

	_, err = ParseIdentity("127.0.0.1:notaport")
	assert.Error(t, err)

	_, err = ParseIdentity("::1:x:7000")
	assert.Error(t, err)
}

// TestEnvelopeIdentities tests the sender and requester-echo accessors
func TestEnvelopeIdentities(t *testing.T) {
	env := &Envelope{
		Instance: "render-farm",
		Kind:     MsgGrant,
		FromAddr: 20, FromPort: 2,
		ReqAddr: 10, ReqPort: 1,
	}

	assert.Equal(t, Identity{Address: 20, Port: 2}, env.From())
	assert.Equal(t, Identity{Address: 10, Port: 1}, env.Requester())
}
