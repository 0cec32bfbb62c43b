package types

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
)

// Identity names one mutex instance on the network: the IPv4 address and
// well-known port it receives on. It doubles as the tiebreak key, so the
// ordering defined by Compare must come out identical at every peer.
type Identity struct {
	Address uint32
	Port    uint32
}

// Compare orders identities by address, then port. Returns -1, 0 or 1.
func (i Identity) Compare(other Identity) int {
	switch {
	case i.Address < other.Address:
		return -1
	case i.Address > other.Address:
		return 1
	case i.Port < other.Port:
		return -1
	case i.Port > other.Port:
		return 1
	default:
		return 0
	}
}

// Less reports whether i orders before other. The lower identity wins ties.
func (i Identity) Less(other Identity) bool {
	return i.Compare(other) < 0
}

func (i Identity) String() string {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, i.Address)
	return net.JoinHostPort(ip.String(), strconv.FormatUint(uint64(i.Port), 10))
}

// ParseIdentity resolves a peer name of the form "<host>:<port>" into an
// Identity. Hosts that resolve to more than one address use the first IPv4
// result; IPv6-only hosts are rejected because the tiebreak key is 32 bits.
func ParseIdentity(addr string) (Identity, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return Identity{}, fmt.Errorf("invalid peer address %q: %w", addr, err)
	}

	port, err := strconv.ParseUint(portStr, 10, 32)
	if err != nil {
		return Identity{}, fmt.Errorf("invalid port in peer address %q: %w", addr, err)
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return Identity{}, fmt.Errorf("resolve peer address %q: %w", addr, err)
	}

	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			return Identity{
				Address: binary.BigEndian.Uint32(v4),
				Port:    uint32(port),
			}, nil
		}
	}

	return Identity{}, fmt.Errorf("peer address %q: %w", addr, ErrNoIPv4Address)
}
