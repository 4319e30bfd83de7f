package dht

import (
	"net"
	"testing"
	"time"

	"github.com/opd-ai/dhtcore/crypto"
	"github.com/opd-ai/dhtcore/enode"
	"github.com/opd-ai/dhtcore/session"
	"github.com/opd-ai/dhtcore/simnet"
	"github.com/opd-ai/dhtcore/transport"
	"github.com/stretchr/testify/require"
)

// testNode wires a full node stack over a simulated network.
type testNode struct {
	rec        *enode.Record
	ep         *simnet.Endpoint
	sessions   *session.Manager
	table      *RoutingTable
	dispatcher *Dispatcher
	handler    *Handler
	lookup     *Lookuper
	store      mapStore
}

func newTestNode(t *testing.T, network *simnet.Network, k int) *testNode {
	t.Helper()
	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	ep := network.NewEndpoint()
	rec, err := enode.NewRecord(id, ep.LocalAddr().(*net.UDPAddr), 1)
	require.NoError(t, err)

	n := &testNode{rec: rec, ep: ep, store: mapStore{}}
	n.table = NewRoutingTable(rec.ID, TableConfig{BucketSize: k})
	n.sessions, err = session.NewManager(session.Config{
		Identity:         id,
		LocalRecord:      func() *enode.Record { return rec },
		Transport:        ep,
		HandshakeTimeout: 200 * time.Millisecond,
		HandshakeRetries: 1,
	}, session.Hooks{
		OnMessage: func(from *enode.Record, _ net.Addr, pt []byte) {
			n.table.Observe(from)
			_ = n.dispatcher.HandleMessage(from, pt)
		},
	})
	require.NoError(t, err)
	n.dispatcher = NewDispatcher(DispatcherConfig{
		Sender:  n.sessions,
		Timeout: 200 * time.Millisecond,
		Retries: 1,
		OnTimeout: func(peer enode.ID) {
			n.table.RecordFailure(peer)
			n.sessions.Drop(peer)
		},
	})
	n.handler = NewHandler(n.table, n.store, func() *enode.Record { return rec })
	n.dispatcher.SetHandler(n.handler)
	n.lookup = NewLookuper(n.table, n.dispatcher, LookupConfig{
		Alpha:          3,
		K:              k,
		Timeout:        10 * time.Second,
		LocalProviders: n.handler.LocalProviders,
	})

	ep.SetPacketHandler(func(data []byte, addr net.Addr) {
		pkt, err := transport.ParsePacket(data)
		if err != nil {
			return
		}
		_ = n.sessions.HandlePacket(pkt, addr)
	})

	t.Cleanup(func() {
		n.dispatcher.Close()
		n.sessions.Close()
		n.ep.Close()
	})
	return n
}

// newTestNetwork creates size nodes whose tables have observed every other
// node, which gives each a well-formed Kademlia table.
func newTestNetwork(t *testing.T, size, k int) (*simnet.Network, []*testNode) {
	t.Helper()
	network := simnet.NewNetwork()
	nodes := make([]*testNode, size)
	for i := range nodes {
		nodes[i] = newTestNode(t, network, k)
	}
	for _, a := range nodes {
		for _, b := range nodes {
			a.table.Observe(b.rec)
		}
	}
	return network, nodes
}

// trueClosest returns the ids of the n nodes closest to target, skipping
// exclude.
func trueClosest(nodes []*testNode, target enode.ID, n int, exclude enode.ID) []enode.ID {
	var ids []enode.ID
	for _, node := range nodes {
		if node.rec.ID != exclude {
			ids = append(ids, node.rec.ID)
		}
	}
	enode.SortByDistance(target, ids)
	if len(ids) > n {
		ids = ids[:n]
	}
	return ids
}
