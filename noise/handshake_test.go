package noise

import (
	"testing"

	"github.com/opd-ai/dhtcore/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newKeyPair(t *testing.T) *crypto.KeyPair {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return kp
}

func completeHandshake(t *testing.T) (*IKHandshake, *IKHandshake, *crypto.KeyPair, *crypto.KeyPair) {
	t.Helper()
	initKeys, respKeys := newKeyPair(t), newKeyPair(t)

	initiator, err := NewIKHandshake(initKeys, respKeys.Public[:], Initiator)
	require.NoError(t, err)
	responder, err := NewIKHandshake(respKeys, nil, Responder)
	require.NoError(t, err)

	msg1, err := initiator.WriteInitiation([]byte("hello"))
	require.NoError(t, err)
	assert.Len(t, msg1, len("hello")+InitiationOverhead)

	payload, err := responder.ReadInitiation(msg1)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), payload)

	msg2, err := responder.WriteResponse([]byte("world"))
	require.NoError(t, err)
	assert.Len(t, msg2, len("world")+ResponseOverhead)

	payload, err = initiator.ReadResponse(msg2)
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), payload)

	return initiator, responder, initKeys, respKeys
}

func TestNewIKHandshakeValidation(t *testing.T) {
	kp := newKeyPair(t)

	_, err := NewIKHandshake(nil, kp.Public[:], Initiator)
	assert.Error(t, err)

	_, err = NewIKHandshake(kp, make([]byte, 16), Initiator)
	assert.Error(t, err, "initiator needs a 32 byte peer key")

	_, err = NewIKHandshake(kp, nil, Initiator)
	assert.Error(t, err)

	responder, err := NewIKHandshake(kp, nil, Responder)
	require.NoError(t, err)
	assert.Equal(t, Responder, responder.Role())
	assert.False(t, responder.IsComplete())
}

func TestIKHandshakeFlow(t *testing.T) {
	initiator, responder, initKeys, respKeys := completeHandshake(t)

	assert.True(t, initiator.IsComplete())
	assert.True(t, responder.IsComplete())

	peer, err := responder.PeerStatic()
	require.NoError(t, err)
	assert.Equal(t, initKeys.Public, peer, "responder learns the initiator's static key")

	peer, err = initiator.PeerStatic()
	require.NoError(t, err)
	assert.Equal(t, respKeys.Public, peer)
}

func TestSessionKeysInteroperate(t *testing.T) {
	initiator, responder, _, _ := completeHandshake(t)

	ik, err := initiator.Keys()
	require.NoError(t, err)
	rk, err := responder.Keys()
	require.NoError(t, err)

	ad := []byte("header")
	ct := ik.Send.Encrypt(nil, 7, ad, []byte("ping"))
	pt, err := rk.Recv.Decrypt(nil, 7, ad, ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), pt)

	ct = rk.Send.Encrypt(nil, 0, ad, []byte("pong"))
	pt, err = ik.Recv.Decrypt(nil, 0, ad, ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("pong"), pt)

	// Wrong nonce, wrong associated data and wrong direction all fail.
	_, err = ik.Recv.Decrypt(nil, 1, ad, ct)
	assert.Error(t, err)
	_, err = ik.Recv.Decrypt(nil, 0, []byte("other"), ct)
	assert.Error(t, err)
	_, err = rk.Recv.Decrypt(nil, 0, ad, ct)
	assert.Error(t, err)
}

func TestResponderRejectsWrongStaticKey(t *testing.T) {
	initKeys, respKeys, otherKeys := newKeyPair(t), newKeyPair(t), newKeyPair(t)

	initiator, err := NewIKHandshake(initKeys, otherKeys.Public[:], Initiator)
	require.NoError(t, err)
	responder, err := NewIKHandshake(respKeys, nil, Responder)
	require.NoError(t, err)

	msg1, err := initiator.WriteInitiation(nil)
	require.NoError(t, err)

	_, err = responder.ReadInitiation(msg1)
	assert.Error(t, err, "initiation encrypted to another key must not authenticate")
	assert.False(t, responder.IsComplete())
}

func TestTamperedMessagesRejected(t *testing.T) {
	initKeys, respKeys := newKeyPair(t), newKeyPair(t)

	initiator, err := NewIKHandshake(initKeys, respKeys.Public[:], Initiator)
	require.NoError(t, err)
	responder, err := NewIKHandshake(respKeys, nil, Responder)
	require.NoError(t, err)

	msg1, err := initiator.WriteInitiation([]byte("payload"))
	require.NoError(t, err)
	tampered := append([]byte(nil), msg1...)
	tampered[len(tampered)-1] ^= 0x01
	_, err = responder.ReadInitiation(tampered)
	assert.Error(t, err)

	fresh, err := NewIKHandshake(respKeys, nil, Responder)
	require.NoError(t, err)
	_, err = fresh.ReadInitiation(msg1)
	require.NoError(t, err)
	msg2, err := fresh.WriteResponse(nil)
	require.NoError(t, err)
	msg2[0] ^= 0x01
	_, err = initiator.ReadResponse(msg2)
	assert.Error(t, err)
	assert.False(t, initiator.IsComplete())
}

func TestHandshakeStepOrdering(t *testing.T) {
	initKeys, respKeys := newKeyPair(t), newKeyPair(t)
	initiator, err := NewIKHandshake(initKeys, respKeys.Public[:], Initiator)
	require.NoError(t, err)
	responder, err := NewIKHandshake(respKeys, nil, Responder)
	require.NoError(t, err)

	_, err = initiator.ReadInitiation(nil)
	assert.ErrorIs(t, err, ErrWrongRole)
	_, err = responder.WriteInitiation(nil)
	assert.ErrorIs(t, err, ErrWrongRole)
	_, err = initiator.ReadResponse([]byte{1})
	assert.ErrorIs(t, err, ErrInvalidMessage, "response before initiation")
	_, err = responder.WriteResponse(nil)
	assert.ErrorIs(t, err, ErrInvalidMessage, "response before reading initiation")

	_, err = initiator.Keys()
	assert.ErrorIs(t, err, ErrHandshakeNotComplete)
	_, err = responder.PeerStatic()
	assert.ErrorIs(t, err, ErrHandshakeNotComplete)

	_, err = initiator.WriteInitiation(nil)
	require.NoError(t, err)
	_, err = initiator.WriteInitiation(nil)
	assert.ErrorIs(t, err, ErrInvalidMessage, "initiation is written once")
}

func TestHandshakeCompleteErrors(t *testing.T) {
	initiator, responder, _, _ := completeHandshake(t)

	_, err := initiator.ReadResponse([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrHandshakeComplete)
	_, err = responder.WriteResponse(nil)
	assert.ErrorIs(t, err, ErrHandshakeComplete)
}

func TestFreshEphemeralPerHandshake(t *testing.T) {
	initKeys, respKeys := newKeyPair(t), newKeyPair(t)

	a, err := NewIKHandshake(initKeys, respKeys.Public[:], Initiator)
	require.NoError(t, err)
	b, err := NewIKHandshake(initKeys, respKeys.Public[:], Initiator)
	require.NoError(t, err)

	m1, err := a.WriteInitiation(nil)
	require.NoError(t, err)
	m2, err := b.WriteInitiation(nil)
	require.NoError(t, err)
	assert.NotEqual(t, m1[:32], m2[:32], "each attempt uses a new ephemeral key")
}

func TestStaticKeySurvivesHandshake(t *testing.T) {
	initKeys, respKeys := newKeyPair(t), newKeyPair(t)
	initPriv, respPriv := initKeys.Private, respKeys.Private

	initiator, err := NewIKHandshake(initKeys, respKeys.Public[:], Initiator)
	require.NoError(t, err)
	responder, err := NewIKHandshake(respKeys, nil, Responder)
	require.NoError(t, err)

	msg1, err := initiator.WriteInitiation([]byte("hello"))
	require.NoError(t, err)
	_, err = responder.ReadInitiation(msg1)
	require.NoError(t, err, "es and ss agree while the handshake is live")
	msg2, err := responder.WriteResponse(nil)
	require.NoError(t, err)
	_, err = initiator.ReadResponse(msg2)
	require.NoError(t, err)

	assert.Equal(t, initPriv, initKeys.Private, "caller key pair is never touched")
	assert.Equal(t, respPriv, respKeys.Private)

	// The handshake's own copies are wiped once it completes.
	assert.Equal(t, make([]byte, 32), initiator.config.StaticKeypair.Private)
	assert.Equal(t, make([]byte, 32), responder.config.StaticKeypair.Private)
	assert.Nil(t, initiator.ephemeral)
}

func TestInitiatorRecoversFromForgedResponse(t *testing.T) {
	initKeys, respKeys := newKeyPair(t), newKeyPair(t)

	initiator, err := NewIKHandshake(initKeys, respKeys.Public[:], Initiator)
	require.NoError(t, err)
	responder, err := NewIKHandshake(respKeys, nil, Responder)
	require.NoError(t, err)

	msg1, err := initiator.WriteInitiation([]byte("hello"))
	require.NoError(t, err)
	_, err = responder.ReadInitiation(msg1)
	require.NoError(t, err)
	msg2, err := responder.WriteResponse([]byte("world"))
	require.NoError(t, err)

	// A low order ephemeral key fails inside the ee step, after the key has
	// been mixed into the transcript.
	lowOrder := make([]byte, ResponseOverhead)
	_, err = initiator.ReadResponse(lowOrder)
	require.Error(t, err)

	garbage := append([]byte(nil), msg2...)
	garbage[len(garbage)-1] ^= 0xff
	_, err = initiator.ReadResponse(garbage)
	require.Error(t, err)
	assert.False(t, initiator.IsComplete())

	payload, err := initiator.ReadResponse(msg2)
	require.NoError(t, err, "the genuine response still completes the handshake")
	assert.Equal(t, []byte("world"), payload)

	ik, err := initiator.Keys()
	require.NoError(t, err)
	rk, err := responder.Keys()
	require.NoError(t, err)
	ct := ik.Send.Encrypt(nil, 0, nil, []byte("ping"))
	pt, err := rk.Recv.Decrypt(nil, 0, nil, ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), pt)
}
