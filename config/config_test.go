package config

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opd-ai/dhtcore"
	"github.com/opd-ai/dhtcore/crypto"
	"github.com/opd-ai/dhtcore/enode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultMatchesOptions(t *testing.T) {
	o, err := Default().Options()
	require.NoError(t, err)

	want := dhtcore.NewOptions()
	assert.Equal(t, want.ListenAddr, o.ListenAddr)
	assert.Equal(t, want.BucketSize, o.BucketSize)
	assert.Equal(t, want.Alpha, o.Alpha)
	assert.Equal(t, want.RequestTimeout, o.RequestTimeout)
	assert.Equal(t, want.HandshakeRetries, o.HandshakeRetries)
	assert.Equal(t, want.RevalidateInterval, o.RevalidateInterval)
	assert.Nil(t, o.Identity)
}

func TestLoadOverridesDefaults(t *testing.T) {
	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	seedID, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	seed, err := enode.NewRecord(seedID, &net.UDPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 30303}, 7)
	require.NoError(t, err)

	path := writeFile(t, `
node:
  secret_key: `+id.SecretHex()+`
  listen: 127.0.0.1:4000
  advertise_addr: 192.0.2.9:4000
dht:
  bucket_size: 20
  request_timeout: 750ms
  request_retries: 0
session:
  idle_timeout: 2m
bootstrap:
  - `+seed.String()+`
logging:
  level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.DHT.BucketSize)
	assert.Equal(t, 3, cfg.DHT.Alpha, "missing keys keep defaults")

	o, err := cfg.Options()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:4000", o.ListenAddr)
	assert.Equal(t, "192.0.2.9:4000", o.AdvertiseAddr)
	assert.Equal(t, 750*time.Millisecond, o.RequestTimeout)
	assert.Equal(t, 0, o.RequestRetries)
	assert.Equal(t, 2*time.Minute, o.IdleTimeout)
	assert.Equal(t, time.Second, o.HandshakeTimeout)
	assert.Equal(t, "debug", o.LogLevel)
	require.NotNil(t, o.Identity)
	assert.Equal(t, id.SigningKey(), o.Identity.SigningKey())
	require.Len(t, o.BootstrapNodes, 1)
	assert.True(t, seed.Equal(o.BootstrapNodes[0]))
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "dht: [unbalanced"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "dht:\n  request_timeout: soon\n"))
	assert.Error(t, err)
}

func TestOptionsErrors(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*File)
	}{
		{"bad secret", func(f *File) { f.Node.SecretKey = "xyz" }},
		{"bad bootstrap", func(f *File) { f.Bootstrap = []string{"enr:@@"} }},
		{"invalid alpha", func(f *File) { f.DHT.Alpha = 100 }},
		{"bad log level", func(f *File) { f.Logging.Level = "chatty" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := Default()
			tt.modify(f)
			_, err := f.Options()
			assert.Error(t, err)
		})
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("DHT_LISTEN", "127.0.0.1:5000")
	t.Setenv("DHT_LOG_LEVEL", "warn")

	cfg, err := Load(writeFile(t, "node:\n  listen: 127.0.0.1:4000\n"))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:5000", cfg.Node.Listen)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestSaveLoad(t *testing.T) {
	f := Default()
	f.Node.SecretKey = "aa"
	f.DHT.RequestTimeout = 1500 * time.Millisecond
	f.Bootstrap = []string{"enr:abc"}

	path := filepath.Join(t.TempDir(), "out.yaml")
	require.NoError(t, f.Save(path))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, f, loaded)
}
