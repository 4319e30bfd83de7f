package transport

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/opd-ai/dhtcore/enode"
	"github.com/opd-ai/dhtcore/limits"
)

// ErrMalformedPacket is returned for datagrams that cannot be framed.
var ErrMalformedPacket = errors.New("malformed packet")

// PacketType identifies the kind of a DHT datagram.
type PacketType byte

const (
	// PacketHandshakeInitiation carries the first Noise IK message.
	PacketHandshakeInitiation PacketType = iota + 1
	// PacketHandshakeResponse carries the second Noise IK message.
	PacketHandshakeResponse
	// PacketMessage carries an encrypted protocol message.
	PacketMessage
)

func (t PacketType) String() string {
	switch t {
	case PacketHandshakeInitiation:
		return "handshake-initiation"
	case PacketHandshakeResponse:
		return "handshake-response"
	case PacketMessage:
		return "message"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// Packet is a framed DHT datagram.
//
// Format: [type:1][sender id:32] followed by the handshake body, or for
// messages [counter:8][ciphertext]. The header of a message packet, counter
// included, is the AEAD associated data.
type Packet struct {
	Type    PacketType
	Sender  enode.ID
	Counter uint64
	Body    []byte
}

// Header returns the packet header bytes as they appear on the wire.
func (p *Packet) Header() []byte {
	size := limits.PacketHeaderSize
	if p.Type == PacketMessage {
		size = limits.MessageHeaderSize
	}
	buf := make([]byte, size, size+len(p.Body))
	buf[0] = byte(p.Type)
	copy(buf[1:limits.PacketHeaderSize], p.Sender[:])
	if p.Type == PacketMessage {
		binary.BigEndian.PutUint64(buf[limits.PacketHeaderSize:], p.Counter)
	}
	return buf
}

// Serialize converts a packet to a byte slice for transmission.
func (p *Packet) Serialize() ([]byte, error) {
	if !validType(p.Type) {
		return nil, fmt.Errorf("%w: unknown packet type %d", ErrMalformedPacket, p.Type)
	}
	if len(p.Body) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedPacket)
	}

	data := append(p.Header(), p.Body...)
	if err := limits.ValidatePacket(data); err != nil {
		return nil, err
	}
	return data, nil
}

// ParsePacket frames a received datagram. The body aliases data.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) > limits.MaxPacketSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrMalformedPacket, len(data), limits.MaxPacketSize)
	}
	if len(data) < limits.PacketHeaderSize+1 {
		return nil, fmt.Errorf("%w: too short", ErrMalformedPacket)
	}

	p := &Packet{Type: PacketType(data[0])}
	if !validType(p.Type) {
		return nil, fmt.Errorf("%w: unknown packet type %d", ErrMalformedPacket, data[0])
	}
	copy(p.Sender[:], data[1:limits.PacketHeaderSize])
	body := data[limits.PacketHeaderSize:]

	if p.Type == PacketMessage {
		if len(body) < limits.CounterSize+limits.EncryptionOverhead {
			return nil, fmt.Errorf("%w: message too short", ErrMalformedPacket)
		}
		p.Counter = binary.BigEndian.Uint64(body)
		body = body[limits.CounterSize:]
	}

	p.Body = body
	return p, nil
}

func validType(t PacketType) bool {
	return t >= PacketHandshakeInitiation && t <= PacketMessage
}
