package protocol

import (
	"bytes"
	"net"
	"testing"

	"github.com/opd-ai/dhtcore/crypto"
	"github.com/opd-ai/dhtcore/enode"
	"github.com/opd-ai/dhtcore/limits"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecords(t *testing.T, n int) []*enode.Record {
	t.Helper()
	records := make([]*enode.Record, 0, n)
	for i := 0; i < n; i++ {
		id, err := crypto.GenerateIdentity()
		require.NoError(t, err)
		rec, err := enode.NewRecord(id, &net.UDPAddr{IP: net.IPv4(10, 0, 0, byte(i+1)), Port: 30303}, uint64(i))
		require.NoError(t, err)
		records = append(records, rec)
	}
	return records
}

func TestEncodeDecodeVariants(t *testing.T) {
	records := testRecords(t, 4)
	target := enode.RandomID()

	messages := []Message{
		&Ping{Header{ID: 1}},
		&Pong{Header: Header{ID: 2}, ENRSeq: 99},
		&FindNode{Header: Header{ID: 3}, Target: target},
		&Nodes{Header: Header{ID: 4}, Total: 2, Records: records},
		&Nodes{Header: Header{ID: 5}, Total: 1},
		&FindContent{Header: Header{ID: 6}, ContentID: target},
		&Content{Header: Header{ID: 7}, Total: 3, Index: 2, Payload: []byte("chunk")},
		&Content{Header: Header{ID: 8}, Total: 1, Closer: records[:2]},
		&Advertise{Header: Header{ID: 9}, ContentID: target},
		&Ack{Header{ID: 10}},
		&Locate{Header: Header{ID: 11}, ContentID: target},
		&Providers{Header: Header{ID: 12}, Total: 1, Records: records[:3]},
	}

	for _, m := range messages {
		t.Run(m.Type().String(), func(t *testing.T) {
			data, err := Encode(m)
			require.NoError(t, err)

			decoded, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, m.Type(), decoded.Type())
			assert.Equal(t, m.RequestID(), decoded.RequestID())

			switch want := m.(type) {
			case *Nodes:
				got := decoded.(*Nodes)
				assert.Equal(t, want.Total, got.Total)
				require.Len(t, got.Records, len(want.Records))
				for i := range want.Records {
					assert.True(t, want.Records[i].Equal(got.Records[i]))
				}
			case *Providers:
				got := decoded.(*Providers)
				assert.Equal(t, want.Total, got.Total)
				require.Len(t, got.Records, len(want.Records))
				for i := range want.Records {
					assert.True(t, want.Records[i].Equal(got.Records[i]))
				}
			case *Content:
				got := decoded.(*Content)
				assert.Equal(t, want.Total, got.Total)
				assert.Equal(t, want.Index, got.Index)
				assert.Equal(t, want.Payload, got.Payload)
				assert.Len(t, got.Closer, len(want.Closer))
			default:
				assert.Equal(t, m, decoded)
			}
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	ping, err := Encode(&Ping{Header{ID: 1}})
	require.NoError(t, err)
	nodes, err := Encode(&Nodes{Header: Header{ID: 1}, Total: 1, Records: testRecords(t, 1)})
	require.NoError(t, err)

	tooMany := append([]byte(nil), nodes[:headerSize+1]...)
	tooMany = append(tooMany, byte(limits.MaxRecordsPerMessage+1))

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short header", ping[:5]},
		{"unknown type", append([]byte{0x7f}, ping[1:]...)},
		{"trailing bytes", append(append([]byte(nil), ping...), 0)},
		{"short pong", append([]byte{byte(TypePong)}, ping[1:]...)},
		{"short findnode", append(append([]byte{byte(TypeFindNode)}, ping[1:]...), 1, 2, 3)},
		{"truncated record", nodes[:len(nodes)-1]},
		{"too many records", tooMany},
		{"zero total nodes", append([]byte{byte(TypeNodes)}, append(ping[1:], 0, 0)...)},
		{"content index out of range", mustRaw(t, TypeContent, []byte{0, 1, 0, 1, 0, 0, 0})},
		{"content zero total", mustRaw(t, TypeContent, []byte{0, 0, 0, 0, 0, 0, 0})},
		{"content truncated payload", mustRaw(t, TypeContent, []byte{0, 1, 0, 0, 0, 9, 1})},
		{"short advertise", mustRaw(t, TypeAdvertise, []byte{1, 2, 3})},
		{"short locate", mustRaw(t, TypeLocate, nil)},
		{"zero total providers", mustRaw(t, TypeProviders, []byte{0, 0})},
		{"providers missing count", mustRaw(t, TypeProviders, []byte{1})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Decode(tt.data)
			assert.ErrorIs(t, err, ErrMalformedMessage)
			assert.Nil(t, m)
		})
	}
}

func mustRaw(t *testing.T, typ MessageType, body []byte) []byte {
	t.Helper()
	buf := []byte{byte(typ), 0, 0, 0, 0, 0, 0, 0, 1}
	return append(buf, body...)
}

func TestEncodeRejectsInvalid(t *testing.T) {
	_, err := Encode(&Nodes{Total: 0})
	assert.ErrorIs(t, err, ErrMalformedMessage)

	_, err = Encode(&Nodes{Total: 1, Records: testRecords(t, limits.MaxRecordsPerMessage+1)})
	assert.ErrorIs(t, err, ErrMalformedMessage)

	_, err = Encode(&Content{Total: 1, Payload: []byte("x"), Closer: testRecords(t, 1)})
	assert.ErrorIs(t, err, ErrMalformedMessage)

	_, err = Encode(&Content{Total: 1, Payload: bytes.Repeat([]byte{1}, limits.MaxContentChunk+1)})
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestMessageTypeHelpers(t *testing.T) {
	assert.True(t, TypePong.IsResponse())
	assert.True(t, TypeNodes.IsResponse())
	assert.False(t, TypeFindContent.IsResponse())
	assert.Equal(t, TypeContent, TypeFindContent.ResponseType())
	assert.Equal(t, TypeNodes, TypeFindNode.ResponseType())
	assert.Equal(t, MessageType(0), TypePong.ResponseType())
	assert.Equal(t, TypeAck, TypeAdvertise.ResponseType())
	assert.Equal(t, TypeProviders, TypeLocate.ResponseType())
	assert.True(t, TypeAck.IsResponse())
	assert.True(t, TypeProviders.IsResponse())
	assert.False(t, TypeLocate.IsResponse())
	assert.Equal(t, "PROVIDERS", TypeProviders.String())

	assert.Equal(t, 3, PartCount(&Nodes{Total: 3}))
	assert.Equal(t, 1, PartCount(&Pong{}))
	assert.Equal(t, 2, PartCount(&Providers{Total: 2}))
}

func TestLargestMessagesFitInPacket(t *testing.T) {
	records := testRecords(t, limits.MaxRecordsPerMessage)
	for i, r := range records {
		// Widest encoding uses IPv6 addresses.
		r.IP = net.ParseIP("2001:db8::" + string(rune('1'+i)))
	}
	data, err := Encode(&Nodes{Total: 255, Records: records})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(data), limits.MaxMessagePlaintext)

	data, err = Encode(&Content{Total: 65535, Index: 65534, Payload: make([]byte, limits.MaxContentChunk)})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(data), limits.MaxMessagePlaintext)
}
