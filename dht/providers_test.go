package dht

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opd-ai/dhtcore/clock"
	"github.com/opd-ai/dhtcore/enode"
	"github.com/opd-ai/dhtcore/protocol"
	"github.com/opd-ai/dhtcore/simnet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProviderSetAddAndExpire(t *testing.T) {
	clk := clock.NewMock()
	set := NewProviderSet(ProviderConfig{TTL: time.Minute, Clock: clk})
	key := enode.ContentID([]byte("file"))
	a, b := signedRecord(t, 1), signedRecord(t, 2)

	assert.True(t, set.Add(key, a))
	assert.False(t, set.Add(key, a), "re-advertising renews the entry")
	assert.True(t, set.Add(key, b))
	assert.Len(t, set.Providers(key), 2)
	assert.Equal(t, 1, set.Len())

	// Renewing a keeps it alive past b's expiry.
	clk.Advance(40 * time.Second)
	set.Add(key, a)
	clk.Advance(30 * time.Second)
	providers := set.Providers(key)
	require.Len(t, providers, 1)
	assert.Equal(t, a.ID, providers[0].ID)

	clk.Advance(time.Minute)
	assert.Empty(t, set.Providers(key))
	assert.Equal(t, 0, set.Len())
}

func TestProviderSetBounds(t *testing.T) {
	clk := clock.NewMock()
	set := NewProviderSet(ProviderConfig{TTL: time.Hour, MaxPerKey: 2, MaxKeys: 2, Clock: clk})
	key := enode.ContentID([]byte("popular"))

	first, second, third := signedRecord(t, 1), signedRecord(t, 2), signedRecord(t, 3)
	set.Add(key, first)
	clk.Advance(time.Second)
	set.Add(key, second)
	clk.Advance(time.Second)
	set.Add(key, third)

	var ids []enode.ID
	for _, rec := range set.Providers(key) {
		ids = append(ids, rec.ID)
	}
	assert.Equal(t, []enode.ID{third.ID, second.ID}, ids, "oldest advertisement is dropped")

	other1 := enode.ContentID([]byte("other-1"))
	other2 := enode.ContentID([]byte("other-2"))
	clk.Advance(time.Second)
	set.Add(other1, first)
	clk.Advance(time.Second)
	set.Add(other2, first)
	assert.Equal(t, 2, set.Len())
	assert.Empty(t, set.Providers(key), "least recently advertised key is evicted")
	assert.NotEmpty(t, set.Providers(other2))
}

func TestHandlerAdvertiseAndLocate(t *testing.T) {
	key := enode.ContentID([]byte("advertised"))
	h, _, _ := newHandlerFixture(t, nil, 0)
	provider := signedRecord(t, 50)

	out := h.HandleRequest(provider, &protocol.Advertise{ContentID: key})
	require.Len(t, out, 1)
	assert.IsType(t, &protocol.Ack{}, out[0])

	out = h.HandleRequest(signedRecord(t, 51), &protocol.Locate{ContentID: key})
	require.Len(t, out, 1)
	p := out[0].(*protocol.Providers)
	assert.Equal(t, uint8(1), p.Total)
	require.Len(t, p.Records, 1)
	assert.Equal(t, provider.ID, p.Records[0].ID)

	out = h.HandleRequest(provider, &protocol.Locate{ContentID: enode.ContentID([]byte("unknown"))})
	require.Len(t, out, 1)
	assert.Empty(t, out[0].(*protocol.Providers).Records)
}

func TestHandlerLocateIncludesLocalContent(t *testing.T) {
	key := enode.ContentID([]byte("held"))
	h, _, self := newHandlerFixture(t, mapStore{key: []byte("data")}, 0)

	providers := h.LocalProviders(key)
	require.Len(t, providers, 1)
	assert.Equal(t, self.ID, providers[0].ID)
}

func TestAnnounceAndLocateProviders(t *testing.T) {
	const k = 8
	_, nodes := newTestNetwork(t, 24, k)
	key := enode.ContentID([]byte("shared file"))
	provider, searcher := nodes[0], nodes[len(nodes)-1]

	ann, err := provider.lookup.Announce(context.Background(), key)
	require.NoError(t, err)
	assert.NotEmpty(t, ann.Acked)
	assert.LessOrEqual(t, len(ann.Acked), k)
	assert.Equal(t, key, ann.ContentID)

	stored := 0
	for _, n := range nodes {
		if len(n.handler.Providers().Providers(key)) > 0 {
			stored++
		}
	}
	assert.Equal(t, len(ann.Acked), stored)

	res, err := searcher.lookup.LocateProviders(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, KindProviders, res.Kind)
	require.True(t, res.Found)
	require.Len(t, res.Providers, 1)
	assert.Equal(t, provider.rec.ID, res.Providers[0].ID)
	assert.Nil(t, res.Content)
}

func TestLocateProvidersNone(t *testing.T) {
	_, nodes := newTestNetwork(t, 10, 8)

	res, err := nodes[0].lookup.LocateProviders(context.Background(), enode.ContentID([]byte("nobody")))
	require.NoError(t, err)
	assert.False(t, res.Found)
	assert.Empty(t, res.Providers)
	assert.NotEmpty(t, res.Closest)
}

func TestAnnounceWithoutPeers(t *testing.T) {
	n := newTestNode(t, simnet.NewNetwork(), 8)

	_, err := n.lookup.Announce(context.Background(), enode.ContentID([]byte("x")))
	var lerr *LookupError
	require.True(t, errors.As(err, &lerr))
	assert.ErrorIs(t, err, ErrNoBootstrapNodes)
}
