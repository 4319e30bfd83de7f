package session

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/opd-ai/dhtcore/clock"
	"github.com/opd-ai/dhtcore/crypto"
	"github.com/opd-ai/dhtcore/enode"
	"github.com/opd-ai/dhtcore/limits"
	"github.com/opd-ai/dhtcore/metrics"
	"github.com/opd-ai/dhtcore/noise"
	"github.com/opd-ai/dhtcore/transport"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultHandshakeTimeout is how long an initiator waits for a response.
	DefaultHandshakeTimeout = time.Second
	// DefaultHandshakeRetries is the number of re-initiations after the first.
	DefaultHandshakeRetries = 2
	// DefaultIdleTimeout expires sessions without traffic.
	DefaultIdleTimeout = 5 * time.Minute
	// DefaultSweepInterval is how often idle sessions are looked for.
	DefaultSweepInterval = 10 * time.Second
	// DefaultMaxBuffered bounds plaintexts queued behind a handshake.
	DefaultMaxBuffered = 32
)

// initiationPrefix is token(32) | timestamp(8).
const initiationPrefix = crypto.TokenSize + 8

// Config configures a Manager.
type Config struct {
	Identity *crypto.Identity
	// LocalRecord returns the node's current signed record.
	LocalRecord func() *enode.Record
	Transport   transport.Transport
	Tokens      *crypto.TokenStore
	Clock       clock.Clock
	Metrics     *metrics.Metrics
	// Logger defaults to the standard logrus logger.
	Logger *logrus.Logger

	HandshakeTimeout time.Duration
	HandshakeRetries int
	IdleTimeout      time.Duration
	SweepInterval    time.Duration
	MaxBuffered      int
}

// Hooks deliver session events. They are called without locks held.
type Hooks struct {
	// OnMessage receives every authenticated plaintext.
	OnMessage func(from *enode.Record, addr net.Addr, plaintext []byte)
	// OnEstablished is called when a handshake completes on either side.
	OnEstablished func(peer *enode.Record, addr net.Addr)
	// OnFailure is called when a session is discarded after a failure.
	OnFailure func(peer enode.ID, err error)
}

// Manager owns the sessions of one node, keyed by peer ID.
type Manager struct {
	cfg    Config
	hooks  Hooks
	self   enode.ID
	clock  clock.Clock
	logger *logrus.Entry

	mu         sync.Mutex
	sessions   map[enode.ID]*session
	sweepTimer clock.Timer
	closed     bool
}

// NewManager creates a session manager and schedules its idle sweep.
func NewManager(cfg Config, hooks Hooks) (*Manager, error) {
	if cfg.Identity == nil || cfg.LocalRecord == nil || cfg.Transport == nil {
		return nil, errors.New("session: identity, local record and transport are required")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.HandshakeRetries < 0 {
		cfg.HandshakeRetries = DefaultHandshakeRetries
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.MaxBuffered <= 0 {
		cfg.MaxBuffered = DefaultMaxBuffered
	}
	cfg.Clock = clock.OrReal(cfg.Clock)
	if cfg.Tokens == nil {
		tokens, err := crypto.NewTokenStore(crypto.TokenStoreConfig{Clock: cfg.Clock, Logger: cfg.Logger})
		if err != nil {
			return nil, err
		}
		cfg.Tokens = tokens
	}

	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	self := enode.IDFromSigningKey(cfg.Identity.SigningKey())
	m := &Manager{
		cfg:      cfg,
		hooks:    hooks,
		self:     self,
		clock:    cfg.Clock,
		sessions: make(map[enode.ID]*session),
		logger:   cfg.Logger.WithField("self", self.TerminalString()),
	}
	m.mu.Lock()
	m.scheduleSweep()
	m.mu.Unlock()
	return m, nil
}

// Self returns the local node ID.
func (m *Manager) Self() enode.ID {
	return m.self
}

// Send encrypts plaintext for peer, starting a handshake first if needed.
// Messages sent while a handshake is in flight are buffered and flushed
// once keys are available.
func (m *Manager) Send(peer *enode.Record, plaintext []byte) error {
	if err := limits.ValidatePlaintextMessage(plaintext); err != nil {
		return err
	}
	if peer.ID == m.self {
		return errors.New("session: cannot send to self")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	s, ok := m.sessions[peer.ID]
	if !ok {
		now := m.clock.Now()
		s = &session{
			peer:       peer.ID,
			record:     peer.Copy(),
			addr:       peer.UDPAddr(),
			createdAt:  now,
			lastActive: now,
		}
		m.sessions[peer.ID] = s
		m.cfg.Metrics.SetSessions(len(m.sessions))
	}
	s.mu.Lock()
	m.mu.Unlock()
	defer s.mu.Unlock()

	switch s.state {
	case HandshakeRespondedPending, Established:
		return m.sendEncrypted(s, plaintext)
	case HandshakeInitiated:
		if len(s.buffered) >= m.cfg.MaxBuffered {
			return ErrBufferFull
		}
		s.buffered = append(s.buffered, plaintext)
		return nil
	default:
		s.piggyback = plaintext
		return m.initiate(s)
	}
}

// initiate sends a fresh handshake initiation. Caller holds s.mu.
func (m *Manager) initiate(s *session) error {
	hs, err := noise.NewIKHandshake(m.cfg.Identity.Static(), s.record.StaticKey[:], noise.Initiator)
	if err != nil {
		return fmt.Errorf("failed to create handshake: %w", err)
	}

	payload := make([]byte, crypto.TokenSize, limits.MaxInitiationPayload)
	if _, err := rand.Read(payload); err != nil {
		return fmt.Errorf("failed to generate handshake token: %w", err)
	}
	payload = binary.BigEndian.AppendUint64(payload, uint64(m.clock.Now().Unix()))
	payload = m.cfg.LocalRecord().AppendTo(payload)

	if s.piggyback != nil {
		if len(payload)+len(s.piggyback) <= limits.MaxInitiationPayload {
			payload = append(payload, s.piggyback...)
		} else {
			s.buffered = append([][]byte{s.piggyback}, s.buffered...)
			s.piggyback = nil
		}
	}

	message, err := hs.WriteInitiation(payload)
	if err != nil {
		return err
	}
	packet := &transport.Packet{Type: transport.PacketHandshakeInitiation, Sender: m.self, Body: message}
	data, err := packet.Serialize()
	if err != nil {
		return err
	}

	s.stopTimer()
	s.state = HandshakeInitiated
	s.handshakes = append(s.handshakes, hs)
	s.attempts++
	gen := s.attempts
	s.timer = m.clock.AfterFunc(m.cfg.HandshakeTimeout, func() {
		m.onHandshakeTimeout(s, gen)
	})

	m.logger.WithFields(logrus.Fields{
		"function": "initiate",
		"peer":     s.peer.TerminalString(),
		"addr":     s.addr.String(),
		"attempt":  s.attempts,
	}).Debug("Sending handshake initiation")

	m.cfg.Metrics.Handshake("initiator", "initiated")
	m.sendRaw(data, s.addr, transport.PacketHandshakeInitiation)
	return nil
}

func (m *Manager) onHandshakeTimeout(s *session, gen int) {
	m.mu.Lock()
	s.mu.Lock()
	if m.closed || m.sessions[s.peer] != s || s.state != HandshakeInitiated || s.attempts != gen {
		s.mu.Unlock()
		m.mu.Unlock()
		return
	}

	if s.attempts <= m.cfg.HandshakeRetries {
		m.mu.Unlock()
		m.cfg.Metrics.Handshake("initiator", "retry")
		if err := m.initiate(s); err != nil {
			m.logger.WithFields(logrus.Fields{
				"function": "onHandshakeTimeout",
				"peer":     s.peer.TerminalString(),
				"error":    err.Error(),
			}).Warn("Handshake retry failed")
		}
		s.mu.Unlock()
		return
	}

	dropped := len(s.pending())
	s.state = Failed
	s.timer = nil
	s.handshakes = nil
	s.buffered = nil
	s.piggyback = nil
	delete(m.sessions, s.peer)
	m.cfg.Metrics.SetSessions(len(m.sessions))
	s.mu.Unlock()
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"function": "onHandshakeTimeout",
		"peer":     s.peer.TerminalString(),
		"attempts": gen,
		"dropped":  dropped,
	}).Info("Handshake failed after retries")
	m.cfg.Metrics.Handshake("initiator", "timeout")

	if m.hooks.OnFailure != nil {
		m.hooks.OnFailure(s.peer, ErrHandshakeTimeout)
	}
}

// HandlePacket processes a framed packet received from addr.
func (m *Manager) HandlePacket(p *transport.Packet, addr net.Addr) error {
	if p.Sender == m.self {
		return fmt.Errorf("%w: packet claims local id", ErrAuthenticationFailed)
	}
	switch p.Type {
	case transport.PacketHandshakeInitiation:
		return m.handleInitiation(p, addr)
	case transport.PacketHandshakeResponse:
		return m.handleResponse(p, addr)
	case transport.PacketMessage:
		return m.handleMessage(p, addr)
	default:
		return transport.ErrMalformedPacket
	}
}

func (m *Manager) handleInitiation(p *transport.Packet, addr net.Addr) error {
	hs, err := noise.NewIKHandshake(m.cfg.Identity.Static(), nil, noise.Responder)
	if err != nil {
		return err
	}
	payload, err := hs.ReadInitiation(p.Body)
	if err != nil {
		m.cfg.Metrics.Handshake("responder", "auth_failed")
		return fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}

	token, timestamp, rec, piggyback, err := parseInitiation(payload)
	if err == nil {
		err = m.checkRecord(rec, p.Sender, hs)
	}
	if err != nil {
		m.cfg.Metrics.Handshake("responder", "auth_failed")
		return err
	}
	if err := m.cfg.Tokens.CheckAndStore(token, timestamp); err != nil {
		m.cfg.Metrics.Handshake("responder", "replay")
		return fmt.Errorf("%w: %v", ErrReplayRejected, err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	var carried [][]byte
	if existing, ok := m.sessions[p.Sender]; ok {
		existing.mu.Lock()
		if existing.state == HandshakeInitiated {
			// Simultaneous initiation: the lower ID keeps its own.
			if bytes.Compare(m.self[:], p.Sender[:]) < 0 {
				existing.mu.Unlock()
				m.mu.Unlock()
				m.logger.WithFields(logrus.Fields{
					"function": "handleInitiation",
					"peer":     p.Sender.TerminalString(),
				}).Debug("Simultaneous initiation, keeping own handshake")
				return nil
			}
			carried = existing.pending()
		}
		existing.stopTimer()
		existing.state = Expired
		existing.handshakes = nil
		existing.buffered = nil
		existing.piggyback = nil
		existing.mu.Unlock()
	}

	response, err := hs.WriteResponse(m.cfg.LocalRecord().Encode())
	if err != nil {
		m.mu.Unlock()
		return err
	}
	keys, err := hs.Keys()
	if err != nil {
		m.mu.Unlock()
		return err
	}
	packet := &transport.Packet{Type: transport.PacketHandshakeResponse, Sender: m.self, Body: response}
	data, err := packet.Serialize()
	if err != nil {
		m.mu.Unlock()
		return err
	}

	now := m.clock.Now()
	s := &session{
		peer:       p.Sender,
		record:     rec,
		addr:       addr,
		state:      HandshakeRespondedPending,
		keys:       keys,
		createdAt:  now,
		lastActive: now,
	}
	m.sessions[p.Sender] = s
	m.cfg.Metrics.SetSessions(len(m.sessions))
	s.mu.Lock()
	m.mu.Unlock()

	m.sendRaw(data, addr, transport.PacketHandshakeResponse)
	for _, pt := range carried {
		if err := m.sendEncrypted(s, pt); err != nil {
			m.logger.WithFields(logrus.Fields{
				"function": "handleInitiation",
				"peer":     p.Sender.TerminalString(),
				"error":    err.Error(),
			}).Debug("Failed to flush carried message")
		}
	}
	s.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"function":  "handleInitiation",
		"peer":      p.Sender.TerminalString(),
		"addr":      addr.String(),
		"piggyback": len(piggyback),
	}).Debug("Responded to handshake")
	m.cfg.Metrics.Handshake("responder", "completed")

	if m.hooks.OnEstablished != nil {
		m.hooks.OnEstablished(rec.Copy(), addr)
	}
	if len(piggyback) > 0 && m.hooks.OnMessage != nil {
		m.hooks.OnMessage(rec.Copy(), addr, piggyback)
	}
	return nil
}

func (m *Manager) handleResponse(p *transport.Packet, addr net.Addr) error {
	m.mu.Lock()
	s, ok := m.sessions[p.Sender]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: unexpected handshake response", ErrNoSession)
	}
	s.mu.Lock()
	m.mu.Unlock()

	if len(s.handshakes) == 0 || (s.state != HandshakeInitiated && s.state != Established) {
		s.mu.Unlock()
		return fmt.Errorf("%w: no handshake in flight", ErrNoSession)
	}

	// Try the newest attempt first; a response to an older attempt may
	// still arrive after a retry was sent.
	var (
		payload []byte
		err     error
		idx     = -1
	)
	for i := len(s.handshakes) - 1; i >= 0; i-- {
		if payload, err = s.handshakes[i].ReadResponse(p.Body); err == nil {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		m.cfg.Metrics.Handshake("initiator", "auth_failed")
		return fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	hs := s.handshakes[idx]

	rec, rest, err := enode.ReadRecord(payload)
	if err == nil && len(rest) != 0 {
		err = fmt.Errorf("%w: trailing bytes", enode.ErrInvalidRecord)
	}
	if err == nil {
		err = m.checkRecord(rec, p.Sender, hs)
	}
	if err != nil {
		s.mu.Unlock()
		m.cfg.Metrics.Handshake("initiator", "auth_failed")
		return err
	}

	keys, err := hs.Keys()
	if err != nil {
		s.mu.Unlock()
		return err
	}

	s.stopTimer()
	s.keys = keys
	s.sendCounter = 0
	s.recv = crypto.CounterWindow{}
	s.state = Established
	s.handshakes = s.handshakes[idx+1:]
	if len(s.handshakes) == 0 {
		s.handshakes = nil
	}
	s.addr = addr
	s.lastActive = m.clock.Now()
	if rec.Seq > s.record.Seq {
		s.record = rec
	}

	// The piggybacked message was delivered with the initiation.
	s.piggyback = nil
	pending := s.buffered
	s.buffered = nil
	for _, pt := range pending {
		if err := m.sendEncrypted(s, pt); err != nil {
			m.logger.WithFields(logrus.Fields{
				"function": "handleResponse",
				"peer":     s.peer.TerminalString(),
				"error":    err.Error(),
			}).Debug("Failed to flush buffered message")
		}
	}
	peer := s.record.Copy()
	s.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"function": "handleResponse",
		"peer":     p.Sender.TerminalString(),
		"flushed":  len(pending),
	}).Debug("Session established")
	m.cfg.Metrics.Handshake("initiator", "completed")

	if m.hooks.OnEstablished != nil {
		m.hooks.OnEstablished(peer, addr)
	}
	return nil
}

func (m *Manager) handleMessage(p *transport.Packet, addr net.Addr) error {
	m.mu.Lock()
	s, ok := m.sessions[p.Sender]
	if !ok {
		m.mu.Unlock()
		return ErrNoSession
	}
	s.mu.Lock()
	m.mu.Unlock()

	if !s.state.usable() {
		s.mu.Unlock()
		return ErrNoSession
	}
	if err := s.recv.Check(p.Counter); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: counter %d", ErrReplayRejected, p.Counter)
	}

	plaintext, err := s.keys.Recv.Decrypt(nil, p.Counter, p.Header(), p.Body)
	if err != nil {
		s.state = Failed
		s.mu.Unlock()
		m.remove(s)
		m.logger.WithFields(logrus.Fields{
			"function": "handleMessage",
			"peer":     p.Sender.TerminalString(),
		}).Warn("Message failed authentication, discarding session")
		if m.hooks.OnFailure != nil {
			m.hooks.OnFailure(p.Sender, ErrAuthenticationFailed)
		}
		return ErrAuthenticationFailed
	}
	if err := s.recv.Commit(p.Counter); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: counter %d", ErrReplayRejected, p.Counter)
	}

	s.lastActive = m.clock.Now()
	s.addr = addr
	if s.state == HandshakeRespondedPending {
		s.state = Established
	}
	peer := s.record.Copy()
	s.mu.Unlock()

	if m.hooks.OnMessage != nil {
		m.hooks.OnMessage(peer, addr, plaintext)
	}
	return nil
}

// sendEncrypted seals plaintext under the next send counter. Caller holds s.mu.
func (m *Manager) sendEncrypted(s *session, plaintext []byte) error {
	packet := &transport.Packet{Type: transport.PacketMessage, Sender: m.self, Counter: s.sendCounter}
	s.sendCounter++
	packet.Body = s.keys.Send.Encrypt(nil, packet.Counter, packet.Header(), plaintext)

	data, err := packet.Serialize()
	if err != nil {
		return err
	}
	s.lastActive = m.clock.Now()
	return m.sendRaw(data, s.addr, transport.PacketMessage)
}

func (m *Manager) sendRaw(data []byte, addr net.Addr, t transport.PacketType) error {
	if err := m.cfg.Transport.Send(data, addr); err != nil {
		m.logger.WithFields(logrus.Fields{
			"function": "sendRaw",
			"addr":     addr.String(),
			"type":     t.String(),
			"error":    err.Error(),
		}).Warn("Failed to send packet")
		return err
	}
	m.cfg.Metrics.PacketSent(t.String())
	return nil
}

// checkRecord verifies the identity binding of a record received during a
// handshake.
func (m *Manager) checkRecord(rec *enode.Record, sender enode.ID, hs *noise.IKHandshake) error {
	if err := rec.Verify(); err != nil {
		return fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	if rec.ID != sender {
		return fmt.Errorf("%w: record id does not match sender", ErrAuthenticationFailed)
	}
	static, err := hs.PeerStatic()
	if err != nil || static != rec.StaticKey {
		return fmt.Errorf("%w: record static key does not match handshake", ErrAuthenticationFailed)
	}
	return nil
}

func parseInitiation(payload []byte) (token [crypto.TokenSize]byte, timestamp uint64, rec *enode.Record, rest []byte, err error) {
	if len(payload) < initiationPrefix {
		err = fmt.Errorf("%w: short initiation payload", ErrAuthenticationFailed)
		return
	}
	copy(token[:], payload)
	timestamp = binary.BigEndian.Uint64(payload[crypto.TokenSize:])
	rec, rest, err = enode.ReadRecord(payload[initiationPrefix:])
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	return
}

// Drop discards the session with peer without reporting a failure.
func (m *Manager) Drop(peer enode.ID) {
	m.mu.Lock()
	s, ok := m.sessions[peer]
	if ok {
		delete(m.sessions, peer)
		m.cfg.Metrics.SetSessions(len(m.sessions))
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	s.stopTimer()
	s.state = Expired
	s.handshakes = nil
	s.mu.Unlock()
}

func (m *Manager) remove(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.peer] == s {
		delete(m.sessions, s.peer)
		m.cfg.Metrics.SetSessions(len(m.sessions))
	}
}

// Info returns a snapshot of the session with peer.
func (m *Manager) Info(peer enode.ID) (Info, bool) {
	m.mu.Lock()
	s, ok := m.sessions[peer]
	m.mu.Unlock()
	if !ok {
		return Info{Peer: peer, State: NoSession}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info(), true
}

// State returns the session state with peer.
func (m *Manager) State(peer enode.ID) State {
	info, _ := m.Info(peer)
	return info.State
}

// Len returns the number of tracked sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep expires idle sessions and prunes old handshake tokens.
func (m *Manager) Sweep() {
	now := m.clock.Now()
	var expired []enode.ID

	m.mu.Lock()
	for id, s := range m.sessions {
		s.mu.Lock()
		if s.state.usable() && now.Sub(s.lastActive) > m.cfg.IdleTimeout {
			s.state = Expired
			delete(m.sessions, id)
			expired = append(expired, id)
		}
		s.mu.Unlock()
	}
	m.cfg.Metrics.SetSessions(len(m.sessions))
	m.mu.Unlock()

	m.cfg.Tokens.Prune()
	if len(expired) > 0 {
		m.logger.WithFields(logrus.Fields{
			"function": "Sweep",
			"expired":  len(expired),
		}).Debug("Expired idle sessions")
	}
}

// scheduleSweep arms the next sweep. Caller holds m.mu.
func (m *Manager) scheduleSweep() {
	m.sweepTimer = m.clock.AfterFunc(m.cfg.SweepInterval, func() {
		m.Sweep()
		m.mu.Lock()
		defer m.mu.Unlock()
		if !m.closed {
			m.scheduleSweep()
		}
	})
}

// Close stops all timers and forgets every session.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	if m.sweepTimer != nil {
		m.sweepTimer.Stop()
	}
	sessions := m.sessions
	m.sessions = make(map[enode.ID]*session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		s.stopTimer()
		s.state = Expired
		s.mu.Unlock()
	}
	return m.cfg.Tokens.Close()
}
