package simnet

import (
	"fmt"
	"math/rand"
	"net"
	"sync"

	"github.com/opd-ai/dhtcore/limits"
	"github.com/opd-ai/dhtcore/transport"
	"github.com/sirupsen/logrus"
)

// queueSize bounds each endpoint's inbound queue; overflow is dropped like
// a full socket buffer.
const queueSize = 1024

// Filter decides whether a datagram from -> to is dropped.
type Filter func(from, to net.Addr, data []byte) bool

// DeliveryRecord represents a datagram delivery event for test verification.
type DeliveryRecord struct {
	From    string
	To      string
	Size    int
	Dropped bool
}

// Network is a simulated UDP network.
type Network struct {
	mu         sync.Mutex
	endpoints  map[string]*Endpoint
	dropRate   float64
	filter     Filter
	rng        *rand.Rand
	nextHost   int
	deliveries []DeliveryRecord
	record     bool
}

// NewNetwork creates an empty simulated network.
func NewNetwork() *Network {
	return &Network{
		endpoints: make(map[string]*Endpoint),
		rng:       rand.New(rand.NewSource(1)),
	}
}

// SetDropRate sets the probability in [0, 1] that any datagram is lost.
func (n *Network) SetDropRate(rate float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropRate = rate
}

// SetFilter installs a drop filter; nil removes it.
func (n *Network) SetFilter(f Filter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.filter = f
}

// RecordDeliveries turns delivery logging on or off.
func (n *Network) RecordDeliveries(on bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.record = on
}

// Deliveries returns a copy of the delivery log.
func (n *Network) Deliveries() []DeliveryRecord {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]DeliveryRecord(nil), n.deliveries...)
}

// NewEndpoint attaches a new endpoint with a unique address.
func (n *Network) NewEndpoint() *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.nextHost++
	addr := &net.UDPAddr{
		IP:   net.IPv4(10, byte(n.nextHost>>16), byte(n.nextHost>>8), byte(n.nextHost)),
		Port: 30303,
	}
	ep := &Endpoint{
		network: n,
		addr:    addr,
		queue:   make(chan packet, queueSize),
		done:    make(chan struct{}),
	}
	n.endpoints[addr.String()] = ep
	go ep.run()
	return ep
}

// Endpoint returns the attached endpoint for addr, if any.
func (n *Network) Endpoint(addr net.Addr) (*Endpoint, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ep, ok := n.endpoints[addr.String()]
	return ep, ok
}

func (n *Network) deliver(from *Endpoint, data []byte, to net.Addr) {
	n.mu.Lock()
	dst, ok := n.endpoints[to.String()]
	drop := !ok
	if !drop && n.dropRate > 0 && n.rng.Float64() < n.dropRate {
		drop = true
	}
	if !drop && n.filter != nil && n.filter(from.addr, to, data) {
		drop = true
	}
	if n.record {
		n.deliveries = append(n.deliveries, DeliveryRecord{
			From:    from.addr.String(),
			To:      to.String(),
			Size:    len(data),
			Dropped: drop,
		})
	}
	n.mu.Unlock()

	if drop {
		return
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case dst.queue <- packet{data: buf, from: from.addr}:
	case <-dst.done:
	default:
		logrus.WithFields(logrus.Fields{
			"function": "deliver",
			"to":       to.String(),
		}).Debug("Simulated receive queue full, dropping datagram")
	}
}

func (n *Network) detach(ep *Endpoint) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.endpoints, ep.addr.String())
}

type packet struct {
	data []byte
	from net.Addr
}

// Endpoint is one simulated UDP socket. It implements transport.Transport.
type Endpoint struct {
	network *Network
	addr    *net.UDPAddr

	mu      sync.RWMutex
	handler transport.PacketHandler

	queue     chan packet
	done      chan struct{}
	closeOnce sync.Once
}

var _ transport.Transport = (*Endpoint)(nil)

// Send transmits data to addr through the simulated network.
func (e *Endpoint) Send(data []byte, addr net.Addr) error {
	select {
	case <-e.done:
		return net.ErrClosed
	default:
	}
	if err := limits.ValidatePacket(data); err != nil {
		return err
	}
	if addr == nil {
		return fmt.Errorf("simnet: nil destination")
	}
	e.network.deliver(e, data, addr)
	return nil
}

// SetPacketHandler registers the receiver of inbound datagrams.
func (e *Endpoint) SetPacketHandler(handler transport.PacketHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = handler
}

// LocalAddr returns the endpoint's simulated address.
func (e *Endpoint) LocalAddr() net.Addr {
	return e.addr
}

// Close detaches the endpoint. Datagrams sent to it afterwards are lost.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		e.network.detach(e)
		close(e.done)
	})
	return nil
}

func (e *Endpoint) run() {
	for {
		select {
		case p := <-e.queue:
			e.mu.RLock()
			handler := e.handler
			e.mu.RUnlock()
			if handler != nil {
				handler(p.data, p.from)
			}
		case <-e.done:
			return
		}
	}
}
