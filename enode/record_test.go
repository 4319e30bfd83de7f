package enode

import (
	"net"
	"testing"

	"github.com/opd-ai/dhtcore/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRecord(t *testing.T, ip string, port int) (*crypto.Identity, *Record) {
	t.Helper()
	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	rec, err := NewRecord(id, &net.UDPAddr{IP: net.ParseIP(ip), Port: port}, 1)
	require.NoError(t, err)
	return id, rec
}

func TestNewRecordVerifies(t *testing.T) {
	id, rec := newTestRecord(t, "10.0.0.1", 30303)

	require.NoError(t, rec.Verify())
	assert.Equal(t, IDFromSigningKey(id.SigningKey()), rec.ID)
	assert.Equal(t, id.Static().Public, rec.StaticKey)
	assert.Equal(t, "10.0.0.1:30303", rec.UDPAddr().String())
}

func TestRecordTamperDetected(t *testing.T) {
	_, rec := newTestRecord(t, "10.0.0.1", 30303)

	tampered := rec.Copy()
	tampered.Port = 1
	assert.ErrorIs(t, tampered.Verify(), ErrInvalidSig)

	tampered = rec.Copy()
	tampered.ID[0] ^= 0xff
	assert.ErrorIs(t, tampered.Verify(), ErrInvalidRecordID)

	tampered = rec.Copy()
	tampered.StaticKey[0] ^= 0xff
	assert.ErrorIs(t, tampered.Verify(), ErrInvalidSig)
}

func TestRecordTextRoundTrip(t *testing.T) {
	for _, ip := range []string{"192.168.1.9", "2001:db8::1"} {
		_, rec := newTestRecord(t, ip, 9000)

		text := rec.String()
		assert.Contains(t, text, "enr:")

		parsed, err := ParseRecord(text)
		require.NoError(t, err)
		assert.True(t, rec.Equal(parsed), "round trip of %s", ip)
	}
}

func TestReadRecordSequence(t *testing.T) {
	_, a := newTestRecord(t, "10.0.0.1", 1)
	_, b := newTestRecord(t, "2001:db8::2", 2)

	buf := a.AppendTo(nil)
	buf = b.AppendTo(buf)

	first, rest, err := ReadRecord(buf)
	require.NoError(t, err)
	second, rest, err := ReadRecord(rest)
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.True(t, a.Equal(first))
	assert.True(t, b.Equal(second))
}

func TestParseRecordErrors(t *testing.T) {
	_, rec := newTestRecord(t, "10.0.0.1", 1)
	enc := rec.Encode()

	tests := []struct {
		name  string
		input string
	}{
		{"no prefix", "abc"},
		{"bad base64", "enr:!!!"},
		{"truncated", "enr:AAAA"},
		{"trailing", rec.String() + "AA"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRecord(tt.input)
			assert.ErrorIs(t, err, ErrInvalidRecord)
		})
	}

	enc[IDLength] = 5
	_, _, err := ReadRecord(enc)
	assert.ErrorIs(t, err, ErrInvalidRecord)
}

func TestRecordResign(t *testing.T) {
	id, rec := newTestRecord(t, "10.0.0.1", 1)
	other, _ := newTestRecord(t, "10.0.0.2", 1)

	rec.Seq++
	assert.Error(t, rec.Verify())
	require.NoError(t, rec.Sign(id))
	assert.NoError(t, rec.Verify())

	assert.ErrorIs(t, rec.Sign(other), ErrInvalidRecord)
}
