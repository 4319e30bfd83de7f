package simnet

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type inbox struct {
	mu   sync.Mutex
	msgs []string
	from []net.Addr
}

func (b *inbox) handler(data []byte, addr net.Addr) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, string(data))
	b.from = append(b.from, addr)
}

func (b *inbox) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.msgs)
}

func TestEndpointDeliveryInOrder(t *testing.T) {
	n := NewNetwork()
	a, b := n.NewEndpoint(), n.NewEndpoint()
	defer a.Close()
	defer b.Close()
	assert.NotEqual(t, a.LocalAddr().String(), b.LocalAddr().String())

	var in inbox
	b.SetPacketHandler(in.handler)

	for _, m := range []string{"1", "2", "3"} {
		require.NoError(t, a.Send([]byte(m), b.LocalAddr()))
	}

	require.Eventually(t, func() bool { return in.count() == 3 }, time.Second, 5*time.Millisecond)
	in.mu.Lock()
	defer in.mu.Unlock()
	assert.Equal(t, []string{"1", "2", "3"}, in.msgs)
	assert.Equal(t, a.LocalAddr().String(), in.from[0].String())
}

func TestDropRateAndFilter(t *testing.T) {
	n := NewNetwork()
	n.RecordDeliveries(true)
	a, b := n.NewEndpoint(), n.NewEndpoint()
	defer a.Close()
	defer b.Close()

	var in inbox
	b.SetPacketHandler(in.handler)

	n.SetDropRate(1)
	require.NoError(t, a.Send([]byte("lost"), b.LocalAddr()))
	n.SetDropRate(0)

	n.SetFilter(func(from, to net.Addr, data []byte) bool { return string(data) == "filtered" })
	require.NoError(t, a.Send([]byte("filtered"), b.LocalAddr()))
	require.NoError(t, a.Send([]byte("kept"), b.LocalAddr()))

	require.Eventually(t, func() bool { return in.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, in.count())

	log := n.Deliveries()
	require.Len(t, log, 3)
	assert.True(t, log[0].Dropped)
	assert.True(t, log[1].Dropped)
	assert.False(t, log[2].Dropped)
}

func TestUnknownDestinationAndClose(t *testing.T) {
	n := NewNetwork()
	a, b := n.NewEndpoint(), n.NewEndpoint()

	unknown := &net.UDPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 1}
	assert.NoError(t, a.Send([]byte("x"), unknown), "unknown destinations are silently lost")

	require.NoError(t, b.Close())
	_, ok := n.Endpoint(b.LocalAddr())
	assert.False(t, ok)
	assert.NoError(t, a.Send([]byte("x"), b.LocalAddr()))
	assert.ErrorIs(t, b.Send([]byte("x"), a.LocalAddr()), net.ErrClosed)
	assert.NoError(t, b.Close(), "close is idempotent")
	assert.Error(t, a.Send([]byte("x"), nil))
}
