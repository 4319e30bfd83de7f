package limits

import (
	"bytes"
	"testing"

	"github.com/opd-ai/dhtcore/noise"
	"github.com/stretchr/testify/assert"
	"golang.org/x/crypto/chacha20poly1305"
)

func TestEncryptionOverheadMatchesChaChaPoly(t *testing.T) {
	assert.Equal(t, chacha20poly1305.Overhead, EncryptionOverhead)
}

func TestHandshakeOverheadMatchesNoise(t *testing.T) {
	assert.Equal(t, noise.InitiationOverhead, InitiationOverhead)
	assert.Equal(t, noise.ResponseOverhead, ResponseOverhead)
}

func TestDerivedLimits(t *testing.T) {
	assert.Equal(t, 1223, MaxMessagePlaintext)
	assert.Equal(t, 1151, MaxInitiationPayload)
	assert.Equal(t, 1199, MaxResponsePayload)
	assert.Less(t, MaxContentChunk, MaxMessagePlaintext)
}

func TestValidateMessageSize(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		max     int
		wantErr error
	}{
		{"empty", 0, 10, ErrMessageEmpty},
		{"at limit", 10, 10, nil},
		{"over limit", 11, 10, ErrMessageTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMessageSize(bytes.Repeat([]byte{1}, tt.size), tt.max)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestValidatePacketAndPlaintext(t *testing.T) {
	assert.NoError(t, ValidatePacket(make([]byte, MaxPacketSize)))
	assert.ErrorIs(t, ValidatePacket(make([]byte, MaxPacketSize+1)), ErrMessageTooLarge)

	assert.NoError(t, ValidatePlaintextMessage(make([]byte, MaxMessagePlaintext)))
	assert.ErrorIs(t, ValidatePlaintextMessage(make([]byte, MaxMessagePlaintext+1)), ErrMessageTooLarge)
	assert.ErrorIs(t, ValidatePlaintextMessage(nil), ErrMessageEmpty)

	assert.NoError(t, ValidateContent(nil))
	assert.ErrorIs(t, ValidateContent(make([]byte, MaxContentSize+1)), ErrMessageTooLarge)
}
