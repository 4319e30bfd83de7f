package dht

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/dhtcore/enode"
	"github.com/opd-ai/dhtcore/simnet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupNoBootstrapNodes(t *testing.T) {
	network := simnet.NewNetwork()
	n := newTestNode(t, network, 8)

	_, err := n.lookup.LookupNodes(context.Background(), enode.RandomID())
	assert.ErrorIs(t, err, ErrNoBootstrapNodes)
}

func TestLookupNodesConverges(t *testing.T) {
	network := simnet.NewNetwork()
	const k = 8
	nodes := make([]*testNode, 40)
	for i := range nodes {
		nodes[i] = newTestNode(t, network, k)
	}
	for _, a := range nodes[1:] {
		for _, b := range nodes[1:] {
			a.table.Observe(b.rec)
		}
	}
	// The searching node only knows one peer.
	start := nodes[0]
	start.table.Observe(nodes[1].rec)

	target := enode.RandomID()
	res, err := start.lookup.LookupNodes(context.Background(), target)
	require.NoError(t, err)

	want := trueClosest(nodes, target, k, start.rec.ID)
	require.NotEmpty(t, res.Closest)
	assert.Equal(t, want[0], res.Closest[0].ID, "closest node is found")
	assert.Len(t, res.Closest, k)
	for i := 1; i < len(res.Closest); i++ {
		assert.True(t, enode.Closer(target, res.Closest[i-1].ID, res.Closest[i].ID))
	}
	assert.Greater(t, res.Rounds, 0)
	assert.NotEqual(t, uuid.Nil, res.ID)

	// Responders were observed along the way.
	assert.Greater(t, start.table.Len(), 1)
}

func TestLookupContentFindsValue(t *testing.T) {
	const k = 8
	_, nodes := newTestNetwork(t, 30, k)
	key := enode.ContentID([]byte("greeting"))
	value := make([]byte, 3000)
	for i := range value {
		value[i] = byte(i * 7)
	}

	holders := trueClosest(nodes, key, 2, enode.ID{})
	for _, n := range nodes {
		for _, h := range holders {
			if n.rec.ID == h {
				n.store[key] = value
			}
		}
	}

	var searcher *testNode
	for _, n := range nodes {
		if n.store[key] == nil {
			searcher = n
			break
		}
	}
	require.NotNil(t, searcher)

	res, err := searcher.lookup.LookupContent(context.Background(), key)
	require.NoError(t, err)
	require.True(t, res.Found)
	assert.Equal(t, value, res.Content)
	assert.Contains(t, holders, res.ContentFrom.ID)
}

func TestLookupContentMiss(t *testing.T) {
	_, nodes := newTestNetwork(t, 12, 8)
	res, err := nodes[0].lookup.LookupContent(context.Background(), enode.ContentID([]byte("nope")))
	require.NoError(t, err)
	assert.False(t, res.Found)
	assert.Nil(t, res.Content)
	assert.NotEmpty(t, res.Closest)
}

func TestLookupTimeoutReturnsPartial(t *testing.T) {
	network := simnet.NewNetwork()
	n := newTestNode(t, network, 8)
	n.lookup = NewLookuper(n.table, n.dispatcher, LookupConfig{Timeout: 50 * time.Millisecond})

	// A peer that never answers keeps the first round waiting.
	silent := newTestNode(t, network, 8)
	network.SetFilter(func(_, to net.Addr, _ []byte) bool {
		return to.String() == silent.ep.LocalAddr().String()
	})
	n.table.Observe(silent.rec)

	_, err := n.lookup.LookupNodes(context.Background(), enode.RandomID())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLookupTimedOut)

	var lerr *LookupError
	require.True(t, errors.As(err, &lerr))
	require.NotNil(t, lerr.Partial)
	assert.Equal(t, 1, lerr.Partial.Queried)
}

func TestLookupCancelled(t *testing.T) {
	network := simnet.NewNetwork()
	n := newTestNode(t, network, 8)
	silent := newTestNode(t, network, 8)
	network.SetFilter(func(_, to net.Addr, _ []byte) bool {
		return to.String() == silent.ep.LocalAddr().String()
	})
	n.table.Observe(silent.rec)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err := n.lookup.LookupNodes(ctx, enode.RandomID())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLookupMaxRounds(t *testing.T) {
	_, nodes := newTestNetwork(t, 20, 4)
	n := nodes[0]
	n.lookup = NewLookuper(n.table, n.dispatcher, LookupConfig{K: 4, MaxRounds: 1})

	// Forget everything but the farthest peer so one round cannot converge.
	target := enode.RandomID()
	for n.table.Len() > 0 {
		for _, node := range n.table.Nodes() {
			n.table.Remove(node.ID())
		}
	}
	far := trueClosest(nodes, target, 20, n.rec.ID)
	n.table.Observe(nodeByID(nodes, far[len(far)-1]).rec)

	_, err := n.lookup.LookupNodes(context.Background(), target)
	assert.ErrorIs(t, err, ErrLookupTimedOut)
}

func nodeByID(nodes []*testNode, id enode.ID) *testNode {
	for _, n := range nodes {
		if n.rec.ID == id {
			return n
		}
	}
	return nil
}

func TestUnresponsivePeerRecordedAsFailure(t *testing.T) {
	network := simnet.NewNetwork()
	n := newTestNode(t, network, 8)
	live := newTestNode(t, network, 8)
	dead := newTestNode(t, network, 8)
	dead.ep.Close()

	n.table.Observe(live.rec)
	n.table.Observe(dead.rec)

	res, err := n.lookup.LookupNodes(context.Background(), enode.RandomID())
	require.NoError(t, err)
	for _, r := range res.Closest {
		assert.NotEqual(t, dead.rec.ID, r.ID)
	}

	node, ok := n.table.Get(dead.rec.ID)
	require.True(t, ok)
	assert.Equal(t, 1, node.Failures)
}

func TestLookupFeedsReturnedRecordsToTable(t *testing.T) {
	network := simnet.NewNetwork()
	const k = 8
	nodes := make([]*testNode, 20)
	for i := range nodes {
		nodes[i] = newTestNode(t, network, k)
	}
	for _, a := range nodes[1:] {
		for _, b := range nodes[1:] {
			a.table.Observe(b.rec)
		}
	}
	start := nodes[0]
	start.table.Observe(nodes[1].rec)
	start.lookup = NewLookuper(start.table, start.dispatcher, LookupConfig{K: k, MaxRounds: 1})

	// One round only: everything beyond the first peer comes from its
	// answer, not from the peers answering themselves.
	_, err := start.lookup.LookupNodes(context.Background(), enode.RandomID())
	assert.ErrorIs(t, err, ErrLookupTimedOut)
	assert.GreaterOrEqual(t, start.table.Len(), k)
}

func TestLookupObserveHook(t *testing.T) {
	_, nodes := newTestNetwork(t, 12, 8)
	n := nodes[0]

	var (
		mu   sync.Mutex
		seen = map[enode.ID]bool{}
	)
	n.lookup = NewLookuper(n.table, n.dispatcher, LookupConfig{
		Observe: func(rec *enode.Record) {
			mu.Lock()
			seen[rec.ID] = true
			mu.Unlock()
		},
	})

	_, err := n.lookup.LookupNodes(context.Background(), enode.RandomID())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.NotEmpty(t, seen)
	assert.False(t, seen[n.rec.ID], "own record is never observed")
	for id := range seen {
		assert.NotNil(t, nodeByID(nodes, id))
	}
}

func TestContentLookupStopsAtFirstHit(t *testing.T) {
	network := simnet.NewNetwork()
	searcher := newTestNode(t, network, 8)
	holder := newTestNode(t, network, 8)
	silent := newTestNode(t, network, 8)
	network.SetFilter(func(_, to net.Addr, _ []byte) bool {
		return to.String() == silent.ep.LocalAddr().String()
	})

	key := enode.ContentID([]byte("quick"))
	holder.store[key] = []byte("value")
	searcher.table.Observe(holder.rec)
	searcher.table.Observe(silent.rec)

	res, err := searcher.lookup.LookupContent(context.Background(), key)
	require.NoError(t, err)
	require.True(t, res.Found)
	assert.Equal(t, []byte("value"), res.Content)
	assert.Equal(t, holder.rec.ID, res.ContentFrom.ID)
	assert.Equal(t, 2, res.Queried)
	// The silent peer would hold the round for a full request timeout.
	assert.Less(t, res.Elapsed, 150*time.Millisecond)
}
