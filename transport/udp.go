package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/opd-ai/dhtcore/limits"
	"github.com/sirupsen/logrus"
)

// readTimeout bounds each blocking read so Close is noticed promptly.
const readTimeout = 100 * time.Millisecond

// UDPTransport implements Transport over a UDP socket.
type UDPTransport struct {
	conn    net.PacketConn
	handler PacketHandler
	mu      sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewUDPTransport creates a new UDP transport listener.
func NewUDPTransport(listenAddr string) (*UDPTransport, error) {
	conn, err := net.ListenPacket("udp", listenAddr)
	if err != nil {
		return nil, err
	}
	return NewPacketConnTransport(conn), nil
}

// NewPacketConnTransport wraps an existing packet connection.
func NewPacketConnTransport(conn net.PacketConn) *UDPTransport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &UDPTransport{
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go t.processPackets()

	logrus.WithFields(logrus.Fields{
		"function": "NewPacketConnTransport",
		"addr":     conn.LocalAddr().String(),
	}).Info("UDP transport listening")
	return t
}

// SetPacketHandler registers the receiver of inbound datagrams.
func (t *UDPTransport) SetPacketHandler(handler PacketHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

// Send writes data to addr.
func (t *UDPTransport) Send(data []byte, addr net.Addr) error {
	if err := limits.ValidatePacket(data); err != nil {
		return err
	}
	_, err := t.conn.WriteTo(data, addr)
	return err
}

// Close shuts down the transport and waits for the read loop to exit.
func (t *UDPTransport) Close() error {
	t.cancel()
	err := t.conn.Close()
	<-t.done
	return err
}

// LocalAddr returns the local address the transport is listening on.
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// processPackets handles incoming packets until the transport is closed.
// Packets are delivered in arrival order on this goroutine.
func (t *UDPTransport) processPackets() {
	defer close(t.done)
	// One spare byte detects datagrams larger than the protocol allows.
	buffer := make([]byte, limits.MaxPacketSize+1)

	for {
		select {
		case <-t.ctx.Done():
			return
		default:
			t.processIncomingPacket(buffer)
		}
	}
}

// processIncomingPacket reads and dispatches a single incoming packet.
func (t *UDPTransport) processIncomingPacket(buffer []byte) {
	_ = t.conn.SetReadDeadline(time.Now().Add(readTimeout))

	n, addr, err := t.conn.ReadFrom(buffer)
	if err != nil {
		t.handleReadError(err)
		return
	}
	if n > limits.MaxPacketSize {
		logrus.WithFields(logrus.Fields{
			"function": "processIncomingPacket",
			"from":     addr.String(),
		}).Debug("Dropping oversized datagram")
		return
	}

	t.mu.RLock()
	handler := t.handler
	t.mu.RUnlock()
	if handler == nil {
		return
	}

	data := make([]byte, n)
	copy(data, buffer[:n])
	handler(data, addr)
}

// handleReadError logs read errors other than deadline expiry and shutdown.
func (t *UDPTransport) handleReadError(err error) {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return
	}
	if t.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "handleReadError",
		"error":    err.Error(),
	}).Warn("UDP read failed")
}
