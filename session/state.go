package session

import (
	"net"
	"sync"
	"time"

	"github.com/opd-ai/dhtcore/clock"
	"github.com/opd-ai/dhtcore/crypto"
	"github.com/opd-ai/dhtcore/enode"
	"github.com/opd-ai/dhtcore/noise"
)

// State is the lifecycle position of a session.
type State int

const (
	NoSession State = iota
	HandshakeInitiated
	// HandshakeRespondedPending means the responder has sent its response
	// and holds usable keys, but has not yet seen an authenticated message
	// from the initiator.
	HandshakeRespondedPending
	Established
	Expired
	Failed
)

func (s State) String() string {
	switch s {
	case NoSession:
		return "no-session"
	case HandshakeInitiated:
		return "handshake-initiated"
	case HandshakeRespondedPending:
		return "handshake-responded-pending"
	case Established:
		return "established"
	case Expired:
		return "expired"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// usable reports whether messages can be encrypted in this state.
func (s State) usable() bool {
	return s == HandshakeRespondedPending || s == Established
}

// session is the per-peer state. All fields are guarded by mu.
type session struct {
	mu sync.Mutex

	peer   enode.ID
	record *enode.Record
	addr   net.Addr
	state  State

	// initiator side: one handshake per attempt, oldest first
	handshakes []*noise.IKHandshake
	attempts   int
	timer      clock.Timer
	piggyback  []byte
	buffered   [][]byte

	keys        *noise.SessionKeys
	sendCounter uint64
	recv        crypto.CounterWindow

	createdAt  time.Time
	lastActive time.Time
}

// Info is a read-only snapshot of a session.
type Info struct {
	Peer       enode.ID
	Record     *enode.Record
	Addr       net.Addr
	State      State
	Attempts   int
	Buffered   int
	CreatedAt  time.Time
	LastActive time.Time
}

func (s *session) info() Info {
	var rec *enode.Record
	if s.record != nil {
		rec = s.record.Copy()
	}
	buffered := len(s.buffered)
	if s.piggyback != nil {
		buffered++
	}
	return Info{
		Peer:       s.peer,
		Record:     rec,
		Addr:       s.addr,
		State:      s.state,
		Attempts:   s.attempts,
		Buffered:   buffered,
		CreatedAt:  s.createdAt,
		LastActive: s.lastActive,
	}
}

func (s *session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// pending returns every plaintext still waiting for keys, piggyback first.
func (s *session) pending() [][]byte {
	var out [][]byte
	if s.piggyback != nil {
		out = append(out, s.piggyback)
	}
	return append(out, s.buffered...)
}
