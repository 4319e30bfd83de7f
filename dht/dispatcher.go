package dht

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/dhtcore/clock"
	"github.com/opd-ai/dhtcore/enode"
	"github.com/opd-ai/dhtcore/metrics"
	"github.com/opd-ai/dhtcore/protocol"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultRequestTimeout is the wait for a response before re-sending.
	DefaultRequestTimeout = 500 * time.Millisecond
	// DefaultRequestRetries is the number of re-sends after the first.
	DefaultRequestRetries = 2
)

var (
	// ErrRequestTimedOut is returned when a request exhausts its retries.
	ErrRequestTimedOut = errors.New("request timed out")
	// ErrDispatcherClosed is returned for requests after Close.
	ErrDispatcherClosed = errors.New("dispatcher closed")
)

// Sender delivers encoded messages to peers.
type Sender interface {
	Send(peer *enode.Record, plaintext []byte) error
}

// RequestHandler answers inbound requests. The returned messages are sent
// back with the request's id.
type RequestHandler interface {
	HandleRequest(from *enode.Record, req protocol.Message) []protocol.Message
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Sender  Sender
	Handler RequestHandler
	Clock   clock.Clock
	Metrics *metrics.Metrics
	Timeout time.Duration
	Retries int
	// OnTimeout is called after a request to peer exhausts its retries.
	OnTimeout func(peer enode.ID)
	Logger    *logrus.Logger
}

// Call is an outstanding request.
type Call struct {
	ID   uint64
	Peer *enode.Record
	Type protocol.MessageType

	done      chan struct{}
	responses []protocol.Message
	err       error
}

// Done is closed when the call completes.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until every response part has arrived, the request times
// out, or ctx ends. Abandoning a call through ctx leaves the request
// pending so a late answer is still processed.
func (c *Call) Wait(ctx context.Context) ([]protocol.Message, error) {
	select {
	case <-c.done:
		return c.responses, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Call) finish(responses []protocol.Message, err error) {
	c.responses = responses
	c.err = err
	close(c.done)
}

type pendingRequest struct {
	call     *Call
	data     []byte
	issued   time.Time
	attempts int
	timer    clock.Timer

	parts []protocol.Message
	total int
	seen  map[uint16]bool
}

// add collects one response part. It reports false for duplicates and
// parts that disagree on the part count.
func (p *pendingRequest) add(msg protocol.Message) bool {
	total := protocol.PartCount(msg)
	if total < 1 {
		total = 1
	}
	if p.total == 0 {
		p.total = total
	} else if total != p.total {
		return false
	}
	if c, ok := msg.(*protocol.Content); ok {
		if p.seen == nil {
			p.seen = make(map[uint16]bool)
		}
		if p.seen[c.Index] {
			return false
		}
		p.seen[c.Index] = true
	}
	p.parts = append(p.parts, msg)
	return true
}

func (p *pendingRequest) complete() bool {
	return p.total > 0 && len(p.parts) >= p.total
}

// Dispatcher correlates requests with responses and routes inbound
// requests to a handler.
type Dispatcher struct {
	cfg    DispatcherConfig
	clock  clock.Clock
	logger *logrus.Entry

	mu      sync.Mutex
	pending map[uint64]*pendingRequest
	closed  bool
}

// NewDispatcher creates a dispatcher sending through cfg.Sender.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRequestTimeout
	}
	if cfg.Retries < 0 {
		cfg.Retries = DefaultRequestRetries
	}
	return &Dispatcher{
		cfg:     cfg,
		clock:   clock.OrReal(cfg.Clock),
		logger:  loggerOr(cfg.Logger).WithField("component", "dispatcher"),
		pending: make(map[uint64]*pendingRequest),
	}
}

// SetHandler installs the handler for inbound requests.
func (d *Dispatcher) SetHandler(h RequestHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg.Handler = h
}

// Request assigns msg a fresh request id, sends it to peer and returns the
// pending call.
func (d *Dispatcher) Request(ctx context.Context, peer *enode.Record, msg protocol.Message) (*Call, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if msg.Type().IsResponse() {
		return nil, errors.New("dispatcher: cannot request with a response message")
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrDispatcherClosed
	}
	id := d.newRequestID()
	msg.SetRequestID(id)
	data, err := protocol.Encode(msg)
	if err != nil {
		d.mu.Unlock()
		return nil, err
	}

	call := &Call{ID: id, Peer: peer.Copy(), Type: msg.Type(), done: make(chan struct{})}
	p := &pendingRequest{call: call, data: data, issued: d.clock.Now(), attempts: 1}
	d.pending[id] = p
	p.timer = d.clock.AfterFunc(d.cfg.Timeout, func() { d.onTimeout(id, p) })
	d.mu.Unlock()

	d.logger.WithFields(logrus.Fields{
		"function":   "Request",
		"peer":       peer.ID.TerminalString(),
		"type":       msg.Type().String(),
		"request_id": id,
	}).Debug("Sending request")

	if err := d.cfg.Sender.Send(peer, data); err != nil {
		d.mu.Lock()
		if d.pending[id] == p {
			delete(d.pending, id)
			p.timer.Stop()
		}
		d.mu.Unlock()
		return nil, err
	}
	return call, nil
}

// newRequestID returns an unused non-zero id. Caller holds d.mu.
func (d *Dispatcher) newRequestID() uint64 {
	var b [8]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			panic("dispatcher: crypto/rand failed: " + err.Error())
		}
		id := binary.BigEndian.Uint64(b[:])
		if _, taken := d.pending[id]; id != 0 && !taken {
			return id
		}
	}
}

func (d *Dispatcher) onTimeout(id uint64, p *pendingRequest) {
	d.mu.Lock()
	if d.closed || d.pending[id] != p {
		d.mu.Unlock()
		return
	}

	call := p.call
	if p.attempts <= d.cfg.Retries {
		p.attempts++
		p.timer = d.clock.AfterFunc(d.cfg.Timeout, func() { d.onTimeout(id, p) })
		attempt := p.attempts
		d.mu.Unlock()

		d.logger.WithFields(logrus.Fields{
			"function":   "onTimeout",
			"peer":       call.Peer.ID.TerminalString(),
			"request_id": id,
			"attempt":    attempt,
		}).Debug("Retrying request")
		d.cfg.Metrics.RequestRetried()
		if err := d.cfg.Sender.Send(call.Peer, p.data); err != nil {
			d.logger.WithFields(logrus.Fields{
				"function":   "onTimeout",
				"request_id": id,
				"error":      err.Error(),
			}).Warn("Failed to re-send request")
		}
		return
	}

	delete(d.pending, id)
	d.mu.Unlock()

	d.logger.WithFields(logrus.Fields{
		"function":   "onTimeout",
		"peer":       call.Peer.ID.TerminalString(),
		"type":       call.Type.String(),
		"request_id": id,
	}).Debug("Request timed out")
	d.cfg.Metrics.RequestCompleted(call.Type.String(), "timeout", d.clock.Since(p.issued))

	// OnTimeout runs before waiters are released.
	if d.cfg.OnTimeout != nil {
		d.cfg.OnTimeout(call.Peer.ID)
	}
	call.finish(nil, ErrRequestTimedOut)
}

// HandleMessage processes an authenticated plaintext from a peer.
func (d *Dispatcher) HandleMessage(from *enode.Record, plaintext []byte) error {
	msg, err := protocol.Decode(plaintext)
	if err != nil {
		d.logger.WithFields(logrus.Fields{
			"function": "HandleMessage",
			"peer":     from.ID.TerminalString(),
			"error":    err.Error(),
		}).Warn("Dropping malformed message")
		d.cfg.Metrics.PacketDropped("malformed_message")
		return err
	}

	if msg.Type().IsResponse() {
		d.resolve(from, msg)
		return nil
	}

	d.mu.Lock()
	handler := d.cfg.Handler
	d.mu.Unlock()
	if handler == nil {
		return nil
	}

	for _, resp := range handler.HandleRequest(from, msg) {
		resp.SetRequestID(msg.RequestID())
		data, err := protocol.Encode(resp)
		if err != nil {
			d.logger.WithFields(logrus.Fields{
				"function": "HandleMessage",
				"type":     resp.Type().String(),
				"error":    err.Error(),
			}).Error("Failed to encode response")
			return err
		}
		if err := d.cfg.Sender.Send(from, data); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) resolve(from *enode.Record, msg protocol.Message) {
	id := msg.RequestID()

	d.mu.Lock()
	p, ok := d.pending[id]
	if !ok || p.call.Peer.ID != from.ID || msg.Type() != p.call.Type.ResponseType() {
		d.mu.Unlock()
		d.logger.WithFields(logrus.Fields{
			"function":   "resolve",
			"peer":       from.ID.TerminalString(),
			"type":       msg.Type().String(),
			"request_id": id,
		}).Debug("Dropping unsolicited response")
		d.cfg.Metrics.PacketDropped("unsolicited_response")
		return
	}
	if !p.add(msg) || !p.complete() {
		d.mu.Unlock()
		return
	}
	delete(d.pending, id)
	p.timer.Stop()
	d.mu.Unlock()

	d.cfg.Metrics.RequestCompleted(p.call.Type.String(), "ok", d.clock.Since(p.issued))
	p.call.finish(p.parts, nil)
}

// Pending returns the number of outstanding requests.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Close fails every outstanding request with ErrDispatcherClosed.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	pending := d.pending
	d.pending = make(map[uint64]*pendingRequest)
	d.mu.Unlock()

	for _, p := range pending {
		p.timer.Stop()
		p.call.finish(nil, ErrDispatcherClosed)
	}
}

// Ping sends a PING to peer and waits for the PONG.
func (d *Dispatcher) Ping(ctx context.Context, peer *enode.Record) (*protocol.Pong, error) {
	call, err := d.Request(ctx, peer, &protocol.Ping{})
	if err != nil {
		return nil, err
	}
	responses, err := call.Wait(ctx)
	if err != nil {
		return nil, err
	}
	pong, ok := responses[0].(*protocol.Pong)
	if !ok {
		return nil, fmt.Errorf("%w: expected PONG, got %s", protocol.ErrMalformedMessage, responses[0].Type())
	}
	return pong, nil
}

// Advertise announces the local node to peer as a provider of id.
func (d *Dispatcher) Advertise(ctx context.Context, peer *enode.Record, id enode.ID) error {
	call, err := d.Request(ctx, peer, &protocol.Advertise{ContentID: id})
	if err != nil {
		return err
	}
	responses, err := call.Wait(ctx)
	if err != nil {
		return err
	}
	if _, ok := responses[0].(*protocol.Ack); !ok {
		return fmt.Errorf("%w: expected ACK, got %s", protocol.ErrMalformedMessage, responses[0].Type())
	}
	return nil
}

// Locate asks peer for the providers it knows for id.
func (d *Dispatcher) Locate(ctx context.Context, peer *enode.Record, id enode.ID) ([]*enode.Record, error) {
	call, err := d.Request(ctx, peer, &protocol.Locate{ContentID: id})
	if err != nil {
		return nil, err
	}
	responses, err := call.Wait(ctx)
	if err != nil {
		return nil, err
	}
	var records []*enode.Record
	for _, msg := range responses {
		p, ok := msg.(*protocol.Providers)
		if !ok {
			return nil, fmt.Errorf("%w: expected PROVIDERS, got %s", protocol.ErrMalformedMessage, msg.Type())
		}
		records = append(records, p.Records...)
	}
	return records, nil
}
