// Package limits provides centralized size limits for DHT packets.
// This ensures consistent validation across different components of the system.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxPacketSize is the largest datagram the node sends or accepts.
	// It fits the IPv6 minimum MTU so packets are never fragmented.
	MaxPacketSize = 1280

	// PacketHeaderSize is type(1) + sender ID(32), present on every packet.
	PacketHeaderSize = 1 + 32

	// CounterSize is the explicit nonce carried by session messages.
	CounterSize = 8

	// MessageHeaderSize is the header of an encrypted session message and
	// the associated data its AEAD tag covers.
	MessageHeaderSize = PacketHeaderSize + CounterSize

	// EncryptionOverhead is the Poly1305 tag added by ChaCha20-Poly1305.
	EncryptionOverhead = 16

	// MaxMessagePlaintext is the largest encoded protocol message that fits
	// in a single encrypted packet.
	MaxMessagePlaintext = MaxPacketSize - MessageHeaderSize - EncryptionOverhead

	// InitiationOverhead is the Noise IK first message overhead:
	// ephemeral key, encrypted static key and payload tag.
	InitiationOverhead = 32 + 32 + EncryptionOverhead + EncryptionOverhead

	// ResponseOverhead is the Noise IK second message overhead.
	ResponseOverhead = 32 + EncryptionOverhead

	// MaxInitiationPayload is the handshake payload budget of an initiation.
	MaxInitiationPayload = MaxPacketSize - PacketHeaderSize - InitiationOverhead

	// MaxResponsePayload is the handshake payload budget of a response.
	MaxResponsePayload = MaxPacketSize - PacketHeaderSize - ResponseOverhead

	// MaxRecordsPerMessage bounds how many node records one NODES or
	// CONTENT message carries.
	MaxRecordsPerMessage = 4

	// MaxContentChunk is the payload carried by one CONTENT message. It
	// leaves room for the message header and the chunk counters.
	MaxContentChunk = 1024

	// MaxContentSize bounds a reassembled content value.
	MaxContentSize = 256 * MaxContentChunk
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")
)

// ValidateMessageSize validates a message against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidatePacket checks a raw datagram against MaxPacketSize.
func ValidatePacket(packet []byte) error {
	return ValidateMessageSize(packet, MaxPacketSize)
}

// ValidatePlaintextMessage checks an encoded protocol message against
// MaxMessagePlaintext.
func ValidatePlaintextMessage(message []byte) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > MaxMessagePlaintext {
		return fmt.Errorf("%w: plaintext size %d exceeds limit %d", ErrMessageTooLarge, len(message), MaxMessagePlaintext)
	}
	return nil
}

// ValidateContent checks a content value against MaxContentSize.
func ValidateContent(content []byte) error {
	if len(content) > MaxContentSize {
		return fmt.Errorf("%w: content size %d exceeds limit %d", ErrMessageTooLarge, len(content), MaxContentSize)
	}
	return nil
}
