package types

import "errors"

var (
	// Mutex errors
	ErrNotAvailable  = errors.New("mutex is not available")
	ErrDuplicatePeer = errors.New("peer is already registered")

	// Identity errors
	ErrNoIPv4Address = errors.New("no IPv4 address for host")

	// Transport errors
	ErrTransportClosed = errors.New("transport is closed")
	ErrUnknownPeer     = errors.New("no such peer")
)
