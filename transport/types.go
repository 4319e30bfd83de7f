package transport

import (
	"net"
)

// PacketHandler processes a raw inbound datagram. The slice is owned by
// the handler.
type PacketHandler func(data []byte, addr net.Addr)

// Transport sends and receives raw datagrams for the DHT. Implementations
// must be safe for concurrent use.
type Transport interface {
	// Send sends a raw datagram to the specified address.
	Send(data []byte, addr net.Addr) error

	// Close shuts down the transport.
	Close() error

	// LocalAddr returns the local address the transport is listening on.
	LocalAddr() net.Addr

	// SetPacketHandler registers the receiver of inbound datagrams.
	SetPacketHandler(handler PacketHandler)
}
