package dhtcore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"sync"

	"github.com/opd-ai/dhtcore/clock"
	"github.com/opd-ai/dhtcore/crypto"
	"github.com/opd-ai/dhtcore/dht"
	"github.com/opd-ai/dhtcore/enode"
	"github.com/opd-ai/dhtcore/metrics"
	"github.com/opd-ai/dhtcore/protocol"
	"github.com/opd-ai/dhtcore/session"
	"github.com/opd-ai/dhtcore/transport"
	"github.com/sirupsen/logrus"
)

// identityFile is the key file name inside Options.DataDir.
const identityFile = "identity.key"

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.New("client closed")

// PeerDiscoveredCallback is called when a peer is added to the routing table.
type PeerDiscoveredCallback func(peer *enode.Record)

// ContentFoundCallback is called when a content lookup finds a value.
type ContentFoundCallback func(id enode.ID, content []byte, from *enode.Record)

// LookupCompletedCallback is called after every successful lookup.
type LookupCompletedCallback func(result *dht.LookupResult)

// LookupFailedCallback is called when a lookup ends with an error.
type LookupFailedCallback func(target enode.ID, err error)

// Client is one DHT node: a routing table, an encrypted session layer and
// the request machinery on top of a datagram transport.
type Client struct {
	options   *Options
	identity  *crypto.Identity
	clock     clock.Clock
	transport transport.Transport
	ownsConn  bool
	metrics   *metrics.Metrics

	recordMu sync.RWMutex
	record   *enode.Record

	sessions   *session.Manager
	table      *dht.RoutingTable
	dispatcher *dht.Dispatcher
	handler    *dht.Handler
	lookup     *dht.Lookuper
	maintainer *dht.Maintainer
	bootstrap  *dht.BootstrapManager

	callbackMu              sync.RWMutex
	peerDiscoveredCallback  PeerDiscoveredCallback
	contentFoundCallback    ContentFoundCallback
	lookupCompletedCallback LookupCompletedCallback
	lookupFailedCallback    LookupFailedCallback

	closeOnce sync.Once
	closed    chan struct{}
	log       *logrus.Logger
	logger    *logrus.Entry
}

// New creates a client and starts table maintenance. It does not contact
// the network until Bootstrap or a lookup is called.
func New(options *Options) (*Client, error) {
	if options == nil {
		options = NewOptions()
	}
	if err := options.Validate(); err != nil {
		return nil, err
	}
	log, err := newLogger(options)
	if err != nil {
		return nil, err
	}

	identity, err := loadIdentity(options, log)
	if err != nil {
		return nil, err
	}

	c := &Client{
		options:   options,
		identity:  identity,
		log:       log,
		clock:     clock.OrReal(options.Clock),
		transport: options.Transport,
		closed:    make(chan struct{}),
	}
	if c.transport == nil {
		udp, err := transport.NewUDPTransport(options.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("listen %s: %w", options.ListenAddr, err)
		}
		c.transport = udp
		c.ownsConn = true
	}

	if err := c.initRecord(); err != nil {
		c.closeTransport()
		return nil, err
	}
	self := c.record.ID
	c.logger = c.log.WithFields(logrus.Fields{
		"component": "client",
		"node":      self.TerminalString(),
	})
	if options.EnableMetrics {
		c.metrics = metrics.NewMetrics(self.TerminalString())
	}

	if err := c.initComponents(); err != nil {
		c.closeTransport()
		return nil, err
	}
	for _, rec := range options.BootstrapNodes {
		if err := c.bootstrap.AddNode(rec); err != nil {
			c.Close()
			return nil, err
		}
	}

	c.transport.SetPacketHandler(c.receive)
	c.maintainer.Start()

	c.logger.WithFields(logrus.Fields{
		"function": "New",
		"address":  c.record.UDPAddr().String(),
		"record":   c.record.String(),
	}).Info("DHT client started")
	return c, nil
}

// newLogger returns options.Logger, or a private copy of it when LogLevel
// asks for a different level. The shared logger's level is left alone.
func newLogger(options *Options) (*logrus.Logger, error) {
	base := options.Logger
	if base == nil {
		base = logrus.StandardLogger()
	}
	if options.LogLevel == "" {
		return base, nil
	}
	level, err := logrus.ParseLevel(options.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	if level == base.GetLevel() {
		return base, nil
	}
	return &logrus.Logger{
		Out:          base.Out,
		Hooks:        base.Hooks,
		Formatter:    base.Formatter,
		ReportCaller: base.ReportCaller,
		Level:        level,
		ExitFunc:     base.ExitFunc,
	}, nil
}

func loadIdentity(options *Options, log *logrus.Logger) (*crypto.Identity, error) {
	if options.Identity != nil {
		return options.Identity, nil
	}
	if options.DataDir == "" {
		return crypto.GenerateIdentity()
	}
	id, created, err := crypto.LoadOrCreateIdentity(filepath.Join(options.DataDir, identityFile), nil)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	if created {
		log.WithFields(logrus.Fields{
			"function": "loadIdentity",
			"data_dir": options.DataDir,
		}).Info("Generated new node identity")
	}
	return id, nil
}

// initRecord signs the local record. Its sequence number is the start time
// so a restarted node supersedes its previous record.
func (c *Client) initRecord() error {
	var addr *net.UDPAddr
	if c.options.AdvertiseAddr != "" {
		resolved, err := net.ResolveUDPAddr("udp", c.options.AdvertiseAddr)
		if err != nil {
			return err
		}
		addr = resolved
	} else {
		local, ok := c.transport.LocalAddr().(*net.UDPAddr)
		if !ok {
			return fmt.Errorf("transport address %v is not a UDP address", c.transport.LocalAddr())
		}
		addr = local
	}
	if addr.IP.IsUnspecified() {
		c.log.WithFields(logrus.Fields{
			"function": "initRecord",
			"address":  addr.String(),
		}).Warn("Advertising an unspecified address, set AdvertiseAddr")
	}

	rec, err := enode.NewRecord(c.identity, addr, uint64(c.clock.Now().Unix()))
	if err != nil {
		return err
	}
	c.record = rec
	return nil
}

func (c *Client) initComponents() error {
	o := c.options
	tokens, err := crypto.NewTokenStore(crypto.TokenStoreConfig{DataDir: o.DataDir, Clock: c.clock, Logger: c.log})
	if err != nil {
		return fmt.Errorf("token store: %w", err)
	}

	c.table = dht.NewRoutingTable(c.record.ID, dht.TableConfig{
		BucketSize: o.BucketSize,
		Clock:      c.clock,
		Metrics:    c.metrics,
		Logger:     c.log,
	})
	c.sessions, err = session.NewManager(session.Config{
		Identity:         c.identity,
		LocalRecord:      c.Self,
		Transport:        c.transport,
		Tokens:           tokens,
		Clock:            c.clock,
		Metrics:          c.metrics,
		Logger:           c.log,
		HandshakeTimeout: o.HandshakeTimeout,
		HandshakeRetries: o.HandshakeRetries,
		IdleTimeout:      o.IdleTimeout,
	}, session.Hooks{
		OnMessage:     c.onMessage,
		OnEstablished: c.onEstablished,
		OnFailure:     c.onSessionFailure,
	})
	if err != nil {
		tokens.Close()
		return err
	}
	c.dispatcher = dht.NewDispatcher(dht.DispatcherConfig{
		Sender:    c.sessions,
		Clock:     c.clock,
		Metrics:   c.metrics,
		Timeout:   o.RequestTimeout,
		Retries:   o.RequestRetries,
		OnTimeout: c.onRequestTimeout,
		Logger:    c.log,
	})
	c.handler = dht.NewHandler(c.table, o.ContentStore, c.Self)
	c.dispatcher.SetHandler(c.handler)
	c.lookup = dht.NewLookuper(c.table, c.dispatcher, dht.LookupConfig{
		Alpha:     o.Alpha,
		K:         o.BucketSize,
		MaxRounds: o.MaxRounds,
		Timeout:   o.LookupTimeout,
		Clock:     c.clock,
		Metrics:   c.metrics,
		Observe:   c.observe,

		LocalProviders: c.handler.LocalProviders,
	})

	maintenance := dht.DefaultMaintenanceConfig()
	maintenance.RefreshInterval = o.RefreshInterval
	maintenance.RevalidateInterval = o.RevalidateInterval
	c.maintainer = dht.NewMaintainer(c.table, c.dispatcher, c.lookup, maintenance, c.clock)
	c.bootstrap = dht.NewBootstrapManager(c.table, c.dispatcher, c.lookup, c.clock)
	return nil
}

// receive is the transport's packet handler.
func (c *Client) receive(data []byte, addr net.Addr) {
	if err := c.HandlePacket(addr, data); err != nil {
		c.logger.WithFields(logrus.Fields{
			"function": "receive",
			"from":     addr.String(),
			"error":    err.Error(),
		}).Debug("Dropped inbound packet")
	}
}

// HandlePacket processes one raw datagram received from addr. Clients
// created with their own transport are fed automatically; this is the entry
// point for callers that own the socket.
func (c *Client) HandlePacket(addr net.Addr, raw []byte) error {
	if c.isClosed() {
		return ErrClosed
	}
	pkt, err := transport.ParsePacket(raw)
	if err != nil {
		c.metrics.PacketDropped("malformed_packet")
		return err
	}
	c.metrics.PacketReceived(pkt.Type.String())

	if err := c.sessions.HandlePacket(pkt, addr); err != nil {
		switch {
		case errors.Is(err, session.ErrReplayRejected):
			c.metrics.PacketDropped("replay")
		case errors.Is(err, session.ErrAuthenticationFailed):
			c.metrics.PacketDropped("auth_failed")
		default:
			c.metrics.PacketDropped("session")
		}
		return err
	}
	return nil
}

func (c *Client) onMessage(from *enode.Record, addr net.Addr, plaintext []byte) {
	c.observe(from)
	if err := c.dispatcher.HandleMessage(from, plaintext); err != nil {
		c.logger.WithFields(logrus.Fields{
			"function": "onMessage",
			"peer":     from.ID.TerminalString(),
			"error":    err.Error(),
		}).Debug("Message not handled")
	}
}

func (c *Client) onEstablished(peer *enode.Record, addr net.Addr) {
	c.logger.WithFields(logrus.Fields{
		"function": "onEstablished",
		"peer":     peer.ID.TerminalString(),
		"address":  addr.String(),
	}).Debug("Session established")
}

func (c *Client) onSessionFailure(peer enode.ID, err error) {
	c.logger.WithFields(logrus.Fields{
		"function": "onSessionFailure",
		"peer":     peer.TerminalString(),
		"error":    err.Error(),
	}).Warn("Session discarded")
}

func (c *Client) onRequestTimeout(peer enode.ID) {
	if c.table.RecordFailure(peer) {
		c.logger.WithFields(logrus.Fields{
			"function": "onRequestTimeout",
			"peer":     peer.TerminalString(),
		}).Info("Evicted unresponsive peer")
	}
	c.sessions.Drop(peer)
}

// observe feeds an authenticated sender into the routing table.
func (c *Client) observe(rec *enode.Record) {
	res := c.table.Observe(rec)
	if res.Challenge != nil {
		c.maintainer.Challenge(res.Challenge)
	}
	if res.Status != dht.ObserveAdded {
		return
	}
	c.callbackMu.RLock()
	cb := c.peerDiscoveredCallback
	c.callbackMu.RUnlock()
	if cb != nil {
		cb(rec)
	}
}

// AddBootstrapNode registers a seed record for Bootstrap.
func (c *Client) AddBootstrapNode(rec *enode.Record) error {
	return c.bootstrap.AddNode(rec)
}

// Bootstrap bonds with the seed nodes and looks up the local ID.
func (c *Client) Bootstrap(ctx context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.bootstrap.Bootstrap(ctx)
}

// IsBootstrapped reports whether a Bootstrap call has succeeded.
func (c *Client) IsBootstrapped() bool {
	return c.bootstrap.IsBootstrapped()
}

// LookupNodes finds the nodes closest to target.
func (c *Client) LookupNodes(ctx context.Context, target enode.ID) (*dht.LookupResult, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	res, err := c.lookup.LookupNodes(ctx, target)
	c.lookupDone(target, res, err)
	return res, err
}

// LookupContent searches the network for the content stored under id.
func (c *Client) LookupContent(ctx context.Context, id enode.ID) (*dht.LookupResult, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	res, err := c.lookup.LookupContent(ctx, id)
	c.lookupDone(id, res, err)
	return res, err
}

// Announce advertises this node as a provider of id to the nodes closest
// to it. Advertisements expire, so long-lived providers announce again
// periodically.
func (c *Client) Announce(ctx context.Context, id enode.ID) (*dht.AnnounceResult, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	return c.lookup.Announce(ctx, id)
}

// LocateProviders finds the nodes that announced id. The result's
// Providers field lists them.
func (c *Client) LocateProviders(ctx context.Context, id enode.ID) (*dht.LookupResult, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	res, err := c.lookup.LocateProviders(ctx, id)
	c.lookupDone(id, res, err)
	return res, err
}

// Providers returns the advertisements this node stores for others.
func (c *Client) Providers() *dht.ProviderSet {
	return c.handler.Providers()
}

func (c *Client) lookupDone(target enode.ID, res *dht.LookupResult, err error) {
	c.callbackMu.RLock()
	completed := c.lookupCompletedCallback
	failed := c.lookupFailedCallback
	found := c.contentFoundCallback
	c.callbackMu.RUnlock()

	if err != nil {
		if failed != nil {
			failed(target, err)
		}
		return
	}
	if res.Kind == dht.KindContent && res.Found && found != nil {
		found(res.Target, res.Content, res.ContentFrom)
	}
	if completed != nil {
		completed(res)
	}
}

// Ping sends a liveness check to peer.
func (c *Client) Ping(ctx context.Context, peer *enode.Record) (*protocol.Pong, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	return c.dispatcher.Ping(ctx, peer)
}

// OnPeerDiscovered sets the callback for peers added to the routing table.
func (c *Client) OnPeerDiscovered(callback PeerDiscoveredCallback) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.peerDiscoveredCallback = callback
}

// OnContentFound sets the callback for successful content lookups.
func (c *Client) OnContentFound(callback ContentFoundCallback) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.contentFoundCallback = callback
}

// OnLookupCompleted sets the callback for finished lookups.
func (c *Client) OnLookupCompleted(callback LookupCompletedCallback) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.lookupCompletedCallback = callback
}

// OnLookupFailed sets the callback for failed lookups.
func (c *Client) OnLookupFailed(callback LookupFailedCallback) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.lookupFailedCallback = callback
}

// Self returns the local signed record.
func (c *Client) Self() *enode.Record {
	c.recordMu.RLock()
	defer c.recordMu.RUnlock()
	return c.record
}

// ID returns the local node ID.
func (c *Client) ID() enode.ID {
	return c.Self().ID
}

// Table returns the routing table.
func (c *Client) Table() *dht.RoutingTable {
	return c.table
}

// Stats summarises the routing table.
func (c *Client) Stats() dht.TableStats {
	return c.table.Stats()
}

// Sessions returns the number of live sessions.
func (c *Client) Sessions() int {
	return c.sessions.Len()
}

// Metrics returns the client's collectors, or nil when metrics are off.
func (c *Client) Metrics() *metrics.Metrics {
	return c.metrics
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Close stops maintenance, fails pending requests and drops all sessions.
// An injected transport is left open.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.maintainer.Stop()
		c.dispatcher.Close()
		err = c.sessions.Close()
		if cerr := c.closeTransport(); err == nil {
			err = cerr
		}
		c.logger.WithField("function", "Close").Info("DHT client stopped")
	})
	return err
}

func (c *Client) closeTransport() error {
	if !c.ownsConn {
		return nil
	}
	return c.transport.Close()
}
