package dhtcore

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/opd-ai/dhtcore/clock"
	"github.com/opd-ai/dhtcore/crypto"
	"github.com/opd-ai/dhtcore/dht"
	"github.com/opd-ai/dhtcore/enode"
	"github.com/opd-ai/dhtcore/transport"
	"github.com/sirupsen/logrus"
)

// DefaultListenAddr is the UDP address a client binds when no transport is
// supplied.
const DefaultListenAddr = "0.0.0.0:30303"

// ErrInvalidOptions is wrapped by every error returned from Validate.
var ErrInvalidOptions = errors.New("invalid options")

// Options contains configuration options for creating a Client.
type Options struct {
	// Identity is the node key. A fresh one is generated (or loaded from
	// DataDir) when nil.
	Identity *crypto.Identity
	// DataDir enables persistence of the identity and handshake tokens.
	DataDir string

	// ListenAddr is bound when Transport is nil.
	ListenAddr string
	// AdvertiseAddr is the address put in the local record. Defaults to
	// the transport's local address.
	AdvertiseAddr string
	// Transport replaces the UDP socket, e.g. with a simulated network.
	Transport transport.Transport

	Clock          clock.Clock
	ContentStore   dht.ContentStore
	BootstrapNodes []*enode.Record

	BucketSize int
	Alpha      int

	RequestTimeout     time.Duration
	RequestRetries     int
	HandshakeTimeout   time.Duration
	HandshakeRetries   int
	IdleTimeout        time.Duration
	RefreshInterval    time.Duration
	RevalidateInterval time.Duration
	LookupTimeout      time.Duration
	MaxRounds          int

	EnableMetrics bool
	// Logger receives the client's log output. Defaults to the standard
	// logrus logger.
	Logger *logrus.Logger
	// LogLevel, when set, applies to this client's logging only.
	LogLevel string
}

// NewOptions creates a new default Options.
func NewOptions() *Options {
	return &Options{
		ListenAddr:         DefaultListenAddr,
		BucketSize:         dht.DefaultBucketSize,
		Alpha:              dht.DefaultAlpha,
		RequestTimeout:     dht.DefaultRequestTimeout,
		RequestRetries:     dht.DefaultRequestRetries,
		HandshakeTimeout:   time.Second,
		HandshakeRetries:   2,
		IdleTimeout:        5 * time.Minute,
		RefreshInterval:    time.Minute,
		RevalidateInterval: 10 * time.Second,
		LookupTimeout:      dht.DefaultLookupTimeout,
		MaxRounds:          dht.DefaultMaxRounds,
		EnableMetrics:      true,
	}
}

// Validate reports the first inconsistent setting.
func (o *Options) Validate() error {
	switch {
	case o.BucketSize <= 0:
		return invalid("bucket size must be positive, got %d", o.BucketSize)
	case o.Alpha <= 0 || o.Alpha > o.BucketSize:
		return invalid("alpha must be in [1, %d], got %d", o.BucketSize, o.Alpha)
	case o.RequestTimeout <= 0:
		return invalid("request timeout must be positive")
	case o.RequestRetries < 0:
		return invalid("request retries must not be negative")
	case o.HandshakeTimeout <= 0:
		return invalid("handshake timeout must be positive")
	case o.HandshakeRetries < 0:
		return invalid("handshake retries must not be negative")
	case o.IdleTimeout <= 0:
		return invalid("idle timeout must be positive")
	case o.RefreshInterval <= 0 || o.RevalidateInterval <= 0:
		return invalid("maintenance intervals must be positive")
	case o.LookupTimeout <= 0:
		return invalid("lookup timeout must be positive")
	case o.MaxRounds <= 0:
		return invalid("max rounds must be positive")
	case o.Transport == nil && o.ListenAddr == "":
		return invalid("listen address required without a transport")
	}

	if o.AdvertiseAddr != "" {
		if _, err := net.ResolveUDPAddr("udp", o.AdvertiseAddr); err != nil {
			return invalid("advertise address %q: %v", o.AdvertiseAddr, err)
		}
	}
	if o.LogLevel != "" {
		if _, err := logrus.ParseLevel(o.LogLevel); err != nil {
			return invalid("%v", err)
		}
	}
	for i, rec := range o.BootstrapNodes {
		if rec == nil {
			return invalid("bootstrap node %d is nil", i)
		}
		if err := rec.Verify(); err != nil {
			return invalid("bootstrap node %s: %v", rec.ID.TerminalString(), err)
		}
	}
	return nil
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidOptions, fmt.Sprintf(format, args...))
}
