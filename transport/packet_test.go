package transport

import (
	"bytes"
	"testing"

	"github.com/opd-ai/dhtcore/enode"
	"github.com/opd-ai/dhtcore/limits"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketSerializeParse(t *testing.T) {
	sender := enode.RandomID()
	tests := []struct {
		name   string
		packet *Packet
	}{
		{"initiation", &Packet{Type: PacketHandshakeInitiation, Sender: sender, Body: []byte{1, 2, 3}}},
		{"response", &Packet{Type: PacketHandshakeResponse, Sender: sender, Body: []byte{4}}},
		{"message", &Packet{Type: PacketMessage, Sender: sender, Counter: 42, Body: bytes.Repeat([]byte{7}, 20)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.packet.Serialize()
			require.NoError(t, err)
			assert.Equal(t, byte(tt.packet.Type), data[0])

			parsed, err := ParsePacket(data)
			require.NoError(t, err)
			assert.Equal(t, tt.packet.Type, parsed.Type)
			assert.Equal(t, tt.packet.Sender, parsed.Sender)
			assert.Equal(t, tt.packet.Counter, parsed.Counter)
			assert.Equal(t, tt.packet.Body, parsed.Body)
		})
	}
}

func TestPacketHeaderIsPrefix(t *testing.T) {
	p := &Packet{Type: PacketMessage, Sender: enode.RandomID(), Counter: 9, Body: bytes.Repeat([]byte{1}, 16)}
	data, err := p.Serialize()
	require.NoError(t, err)

	header := p.Header()
	assert.Len(t, header, limits.MessageHeaderSize)
	assert.Equal(t, header, data[:len(header)])

	hs := &Packet{Type: PacketHandshakeInitiation, Sender: p.Sender}
	assert.Len(t, hs.Header(), limits.PacketHeaderSize)
}

func TestParsePacketMalformed(t *testing.T) {
	valid := make([]byte, limits.MessageHeaderSize+limits.EncryptionOverhead)
	valid[0] = byte(PacketMessage)

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"header only", make([]byte, limits.PacketHeaderSize)},
		{"unknown type", append([]byte{9}, make([]byte, 40)...)},
		{"zero type", make([]byte, 40)},
		{"message without tag", valid[:limits.MessageHeaderSize+3]},
		{"oversized", append([]byte{byte(PacketHandshakeInitiation)}, make([]byte, limits.MaxPacketSize)...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePacket(tt.data)
			assert.ErrorIs(t, err, ErrMalformedPacket)
		})
	}

	_, err := ParsePacket(valid)
	assert.NoError(t, err)
}

func TestSerializeRejectsBadPackets(t *testing.T) {
	_, err := (&Packet{Type: 0, Body: []byte{1}}).Serialize()
	assert.ErrorIs(t, err, ErrMalformedPacket)

	_, err = (&Packet{Type: PacketHandshakeInitiation}).Serialize()
	assert.ErrorIs(t, err, ErrMalformedPacket)

	_, err = (&Packet{Type: PacketHandshakeInitiation, Body: make([]byte, limits.MaxPacketSize)}).Serialize()
	assert.ErrorIs(t, err, limits.ErrMessageTooLarge)
}

func TestPacketTypeString(t *testing.T) {
	assert.Equal(t, "message", PacketMessage.String())
	assert.Equal(t, "unknown(7)", PacketType(7).String())
}
