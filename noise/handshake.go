package noise

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/flynn/noise"
	"github.com/opd-ai/dhtcore/crypto"
)

var (
	// ErrHandshakeNotComplete indicates handshake is still in progress
	ErrHandshakeNotComplete = errors.New("handshake not complete")
	// ErrInvalidMessage indicates received message is invalid for current state
	ErrInvalidMessage = errors.New("invalid message for current handshake state")
	// ErrHandshakeComplete indicates handshake is already complete
	ErrHandshakeComplete = errors.New("handshake already complete")
	// ErrWrongRole indicates a step was called on the wrong side of the handshake
	ErrWrongRole = errors.New("handshake step not valid for this role")
)

// Prologue binds every handshake to this protocol version.
var Prologue = []byte("dhtcore/noise-ik/v1")

// Overhead of each handshake message on top of its payload.
const (
	InitiationOverhead = 32 + 32 + 16 + 16 // e, encrypted s, payload tag
	ResponseOverhead   = 32 + 16           // e, payload tag
)

// HandshakeRole defines whether we're initiating or responding to handshake
type HandshakeRole uint8

const (
	// Initiator starts the handshake (knows peer's static key)
	Initiator HandshakeRole = iota
	// Responder responds to handshake initiation
	Responder
)

func (r HandshakeRole) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

// IKHandshake runs one Noise_IK_25519_ChaChaPoly_SHA256 exchange.
//
// The initiator calls WriteInitiation then ReadResponse. The responder calls
// ReadInitiation then WriteResponse; the split lets the caller validate the
// initiation payload (freshness, identity binding) before committing to a
// response.
//
// The static private key stays with the handshake state until the exchange
// completes and is wiped then.
type IKHandshake struct {
	role     HandshakeRole
	config   noise.Config
	state    *noise.HandshakeState
	keys     *SessionKeys
	written  bool
	read     bool
	complete bool

	// Initiator only: enough to replay the first message after a failed
	// response read.
	initPayload []byte
	initiation  []byte
	ephemeral   []byte
}

// SessionKeys are the directional transport keys produced by a completed
// handshake. Nonces are managed by the caller.
type SessionKeys struct {
	Send noise.Cipher
	Recv noise.Cipher
}

// NewIKHandshake creates a new IK pattern handshake. peerStatic is the
// responder's static public key and is required for the initiator only.
func NewIKHandshake(static *crypto.KeyPair, peerStatic []byte, role HandshakeRole) (*IKHandshake, error) {
	if static == nil {
		return nil, errors.New("static key pair required")
	}
	if role == Initiator && len(peerStatic) != 32 {
		return nil, fmt.Errorf("initiator requires peer public key (32 bytes), got %d", len(peerStatic))
	}

	staticKey := noise.DHKey{
		Private: append([]byte(nil), static.Private[:]...),
		Public:  append([]byte(nil), static.Public[:]...),
	}

	config := noise.Config{
		CipherSuite:   noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256),
		Random:        rand.Reader,
		Pattern:       noise.HandshakeIK,
		Initiator:     role == Initiator,
		Prologue:      Prologue,
		StaticKeypair: staticKey,
	}
	if role == Initiator {
		config.PeerStatic = append([]byte(nil), peerStatic...)
	}

	state, err := noise.NewHandshakeState(config)
	if err != nil {
		crypto.ZeroBytes(staticKey.Private)
		return nil, fmt.Errorf("failed to create handshake state: %w", err)
	}

	return &IKHandshake{role: role, config: config, state: state}, nil
}

// Role returns the side this handshake plays.
func (ik *IKHandshake) Role() HandshakeRole {
	return ik.role
}

// WriteInitiation produces the first message (-> e, es, s, ss) carrying payload.
func (ik *IKHandshake) WriteInitiation(payload []byte) ([]byte, error) {
	if ik.role != Initiator {
		return nil, ErrWrongRole
	}
	if ik.written {
		return nil, ErrInvalidMessage
	}

	message, _, _, err := ik.state.WriteMessage(nil, payload)
	if err != nil {
		return nil, fmt.Errorf("initiator write failed: %w", err)
	}
	ik.written = true
	ik.initPayload = append([]byte(nil), payload...)
	ik.initiation = append([]byte(nil), message...)
	ik.ephemeral = append([]byte(nil), ik.state.LocalEphemeral().Private...)
	return message, nil
}

// rewind rebuilds the initiator state as it was right after
// WriteInitiation. flynn/noise leaves the state half-mixed when a read
// fails after absorbing the remote ephemeral key.
func (ik *IKHandshake) rewind() error {
	config := ik.config
	config.Random = bytes.NewReader(ik.ephemeral)
	state, err := noise.NewHandshakeState(config)
	if err != nil {
		return err
	}
	message, _, _, err := state.WriteMessage(nil, ik.initPayload)
	if err != nil {
		return err
	}
	if !bytes.Equal(message, ik.initiation) {
		return ErrInvalidMessage
	}
	ik.state = state
	return nil
}

// finish wipes key material the completed handshake no longer needs.
func (ik *IKHandshake) finish() {
	ik.complete = true
	crypto.ZeroBytes(ik.config.StaticKeypair.Private)
	crypto.ZeroBytes(ik.ephemeral)
	ik.ephemeral = nil
	ik.initPayload = nil
}

// ReadResponse consumes the responder's message (<- e, ee, se) and
// completes the handshake, returning the response payload.
func (ik *IKHandshake) ReadResponse(message []byte) ([]byte, error) {
	if ik.complete {
		return nil, ErrHandshakeComplete
	}
	if ik.role != Initiator {
		return nil, ErrWrongRole
	}
	if !ik.written {
		return nil, ErrInvalidMessage
	}

	payload, cs1, cs2, err := ik.state.ReadMessage(nil, message)
	if err != nil {
		if rerr := ik.rewind(); rerr != nil {
			return nil, fmt.Errorf("initiator rewind failed: %w", rerr)
		}
		return nil, fmt.Errorf("initiator read response failed: %w", err)
	}
	if cs1 == nil || cs2 == nil {
		return nil, ErrInvalidMessage
	}

	// cs1 always protects initiator -> responder traffic.
	ik.keys = &SessionKeys{Send: cs1.Cipher(), Recv: cs2.Cipher()}
	ik.finish()
	return payload, nil
}

// ReadInitiation consumes the initiator's first message and returns its
// payload. The initiator's static key is available from PeerStatic afterwards.
func (ik *IKHandshake) ReadInitiation(message []byte) ([]byte, error) {
	if ik.role != Responder {
		return nil, ErrWrongRole
	}
	if ik.read {
		return nil, ErrInvalidMessage
	}

	payload, _, _, err := ik.state.ReadMessage(nil, message)
	if err != nil {
		return nil, fmt.Errorf("responder read failed: %w", err)
	}
	ik.read = true
	return payload, nil
}

// WriteResponse produces the responder's message and completes the handshake.
func (ik *IKHandshake) WriteResponse(payload []byte) ([]byte, error) {
	if ik.complete {
		return nil, ErrHandshakeComplete
	}
	if ik.role != Responder {
		return nil, ErrWrongRole
	}
	if !ik.read {
		return nil, ErrInvalidMessage
	}

	message, cs1, cs2, err := ik.state.WriteMessage(nil, payload)
	if err != nil {
		return nil, fmt.Errorf("responder write failed: %w", err)
	}
	if cs1 == nil || cs2 == nil {
		return nil, ErrInvalidMessage
	}

	ik.keys = &SessionKeys{Send: cs2.Cipher(), Recv: cs1.Cipher()}
	ik.finish()
	return message, nil
}

// IsComplete returns true if handshake is finished and keys are available.
func (ik *IKHandshake) IsComplete() bool {
	return ik.complete
}

// Keys returns the transport keys of a completed handshake.
func (ik *IKHandshake) Keys() (*SessionKeys, error) {
	if !ik.complete {
		return nil, ErrHandshakeNotComplete
	}
	return ik.keys, nil
}

// PeerStatic returns the remote static public key. The initiator knows it
// from the start; the responder learns it from ReadInitiation.
func (ik *IKHandshake) PeerStatic() ([32]byte, error) {
	var key [32]byte
	remote := ik.state.PeerStatic()
	if len(remote) != 32 {
		return key, ErrHandshakeNotComplete
	}
	copy(key[:], remote)
	return key, nil
}
