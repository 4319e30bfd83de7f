package dht

import (
	"net"
	"testing"

	"github.com/opd-ai/dhtcore/enode"
	"github.com/opd-ai/dhtcore/limits"
	"github.com/opd-ai/dhtcore/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func udpAddr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

type mapStore map[enode.ID][]byte

func (m mapStore) LookupLocalContent(id enode.ID) ([]byte, bool) {
	v, ok := m[id]
	return v, ok
}

func newHandlerFixture(t *testing.T, store ContentStore, peers int) (*Handler, *RoutingTable, *enode.Record) {
	t.Helper()
	self := signedRecord(t, 1)
	table := NewRoutingTable(self.ID, TableConfig{BucketSize: 16})
	for i := 0; i < peers; i++ {
		table.Observe(signedRecord(t, 100+i))
	}
	return NewHandler(table, store, func() *enode.Record { return self }), table, self
}

func TestFindNodeChunksClosest(t *testing.T) {
	h, table, _ := newHandlerFixture(t, nil, 10)
	target := enode.RandomID()

	out := h.HandleRequest(signedRecord(t, 9), &protocol.FindNode{Target: target})
	require.Len(t, out, 3)

	var got []*enode.Record
	for _, m := range out {
		nodes := m.(*protocol.Nodes)
		assert.Equal(t, uint8(3), nodes.Total)
		assert.LessOrEqual(t, len(nodes.Records), limits.MaxRecordsPerMessage)
		got = append(got, nodes.Records...)
	}
	assert.Equal(t, table.Closest(target, 16), got)
}

func TestFindNodeEmptyTable(t *testing.T) {
	h, _, _ := newHandlerFixture(t, nil, 0)
	out := h.HandleRequest(signedRecord(t, 9), &protocol.FindNode{Target: enode.RandomID()})
	require.Len(t, out, 1)
	assert.Empty(t, out[0].(*protocol.Nodes).Records)
}

func TestFindContentServesLocal(t *testing.T) {
	key := enode.ContentID([]byte("key"))
	value := make([]byte, limits.MaxContentChunk+10)
	for i := range value {
		value[i] = byte(i)
	}
	h, _, _ := newHandlerFixture(t, mapStore{key: value}, 3)

	out := h.HandleRequest(signedRecord(t, 9), &protocol.FindContent{ContentID: key})
	require.Len(t, out, 2)

	parts := []*protocol.Content{out[0].(*protocol.Content), out[1].(*protocol.Content)}
	joined, err := protocol.JoinContent(parts)
	require.NoError(t, err)
	assert.Equal(t, value, joined)
}

func TestFindContentMissReturnsCloser(t *testing.T) {
	h, table, _ := newHandlerFixture(t, mapStore{}, 10)
	key := enode.ContentID([]byte("missing"))

	out := h.HandleRequest(signedRecord(t, 9), &protocol.FindContent{ContentID: key})
	require.Len(t, out, 1)
	c := out[0].(*protocol.Content)
	assert.False(t, c.HasPayload())
	assert.Equal(t, uint16(1), c.Total)
	assert.Equal(t, table.Closest(key, limits.MaxRecordsPerMessage), c.Closer)
}

func TestUnsupportedRequest(t *testing.T) {
	h, _, _ := newHandlerFixture(t, nil, 0)
	assert.Nil(t, h.HandleRequest(signedRecord(t, 9), &protocol.Pong{}))
}
