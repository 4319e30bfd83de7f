package crypto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/opd-ai/dhtcore/clock"
	"github.com/sirupsen/logrus"
)

// TokenSize is the size of a handshake freshness token.
const TokenSize = 32

// DefaultTokenLifetime bounds how long a used token is remembered. It must
// cover the accepted handshake timestamp skew in both directions.
const DefaultTokenLifetime = 6 * time.Minute

// ErrStaleTimestamp is returned for handshake timestamps outside the
// accepted window.
var ErrStaleTimestamp = errors.New("handshake timestamp outside freshness window")

// TokenStore remembers handshake freshness tokens so a captured initiation
// cannot be replayed while its timestamp is still considered fresh.
//
// Tokens are kept in memory with an expiry. When a data directory is given
// the store is written there on Close and reloaded by the next instance, so
// protection survives restarts:
//
//	ts, err := crypto.NewTokenStore(crypto.TokenStoreConfig{DataDir: "/var/lib/dht"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer ts.Close()
//
//	if err := ts.CheckAndStore(token, timestamp); err != nil {
//	    // replay or stale handshake, reject
//	}
type TokenStore struct {
	mu       sync.Mutex
	tokens   map[[TokenSize]byte]time.Time // token -> expiry
	lifetime time.Duration
	saveFile string
	clock    clock.Clock
	logger   *logrus.Entry
}

// TokenStoreConfig configures a TokenStore.
type TokenStoreConfig struct {
	// DataDir enables persistence when non-empty.
	DataDir string
	// Lifetime defaults to DefaultTokenLifetime.
	Lifetime time.Duration
	Clock    clock.Clock
	// Logger defaults to the standard logrus logger.
	Logger *logrus.Logger
}

// ErrTokenReused is returned when a freshness token was already accepted.
var ErrTokenReused = errors.New("handshake token already used")

// NewTokenStore creates a token store, loading previously persisted tokens
// when cfg.DataDir is set.
func NewTokenStore(cfg TokenStoreConfig) (*TokenStore, error) {
	ts := &TokenStore{
		tokens:   make(map[[TokenSize]byte]time.Time),
		lifetime: cfg.Lifetime,
		clock:    clock.OrReal(cfg.Clock),
		logger:   loggerOr(cfg.Logger).WithField("component", "token_store"),
	}
	if ts.lifetime <= 0 {
		ts.lifetime = DefaultTokenLifetime
	}

	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		ts.saveFile = filepath.Join(cfg.DataDir, "handshake_tokens.dat")
		if err := ts.load(); err != nil {
			ts.logger.WithError(err).Warn("Could not load token store, starting fresh")
		}
	}

	return ts, nil
}

// CheckTimestamp verifies that a handshake timestamp lies within half the
// token lifetime of the local clock.
func (ts *TokenStore) CheckTimestamp(timestamp uint64) error {
	sec, err := safeUint64ToInt64(timestamp)
	if err != nil {
		return ErrStaleTimestamp
	}
	skew := ts.clock.Now().Sub(time.Unix(sec, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > ts.lifetime/2 {
		return ErrStaleTimestamp
	}
	return nil
}

// CheckAndStore records token if it has not been seen. It returns
// ErrTokenReused for replays and ErrStaleTimestamp when timestamp is
// outside the freshness window.
func (ts *TokenStore) CheckAndStore(token [TokenSize]byte, timestamp uint64) error {
	if err := ts.CheckTimestamp(timestamp); err != nil {
		return err
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	now := ts.clock.Now()
	if expiry, exists := ts.tokens[token]; exists && expiry.After(now) {
		ts.logger.WithFields(logrus.Fields{
			"function":  "CheckAndStore",
			"token":     fmt.Sprintf("%x", token[:8]),
			"timestamp": timestamp,
		}).Warn("Replay detected: handshake token already used")
		return ErrTokenReused
	}

	ts.tokens[token] = now.Add(ts.lifetime)
	return nil
}

// Prune removes expired tokens and returns how many were dropped.
func (ts *TokenStore) Prune() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	now := ts.clock.Now()
	removed := 0
	for token, expiry := range ts.tokens {
		if !expiry.After(now) {
			delete(ts.tokens, token)
			removed++
		}
	}

	if removed > 0 {
		ts.logger.WithFields(logrus.Fields{
			"function":  "Prune",
			"removed":   removed,
			"remaining": len(ts.tokens),
		}).Debug("Pruned expired handshake tokens")
	}
	return removed
}

// Size returns the number of remembered tokens.
func (ts *TokenStore) Size() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.tokens)
}

// Close persists the store if a data directory was configured.
func (ts *TokenStore) Close() error {
	if ts.saveFile == "" {
		return nil
	}
	return ts.save()
}

// File layout: count(8) followed by count records of token(32) | expiry unix(8).
func (ts *TokenStore) load() error {
	data, err := os.ReadFile(ts.saveFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read token store: %w", err)
	}
	if len(data) < 8 {
		return errors.New("corrupted token store: file too small")
	}

	count := binary.BigEndian.Uint64(data[0:8])
	offset := 8
	now := ts.clock.Now()
	loaded := 0

	for i := uint64(0); i < count && offset+TokenSize+8 <= len(data); i++ {
		var token [TokenSize]byte
		copy(token[:], data[offset:offset+TokenSize])
		raw := binary.BigEndian.Uint64(data[offset+TokenSize : offset+TokenSize+8])
		offset += TokenSize + 8

		unix, err := safeUint64ToInt64(raw)
		if err != nil {
			continue
		}
		expiry := time.Unix(unix, 0)
		if expiry.After(now) {
			ts.tokens[token] = expiry
			loaded++
		}
	}

	ts.logger.WithFields(logrus.Fields{
		"function":      "load",
		"total_in_file": count,
		"loaded":        loaded,
	}).Info("Token store loaded")
	return nil
}

func (ts *TokenStore) save() error {
	ts.mu.Lock()
	buf := make([]byte, 8, 8+len(ts.tokens)*(TokenSize+8))
	written := uint64(0)
	for token, expiry := range ts.tokens {
		unix, err := safeInt64ToUint64(expiry.Unix())
		if err != nil {
			continue
		}
		buf = append(buf, token[:]...)
		buf = binary.BigEndian.AppendUint64(buf, unix)
		written++
	}
	ts.mu.Unlock()
	binary.BigEndian.PutUint64(buf[0:8], written)

	tmpFile := ts.saveFile + ".tmp"
	if err := os.WriteFile(tmpFile, buf, 0o600); err != nil {
		return fmt.Errorf("failed to write temporary token store: %w", err)
	}
	if err := os.Rename(tmpFile, ts.saveFile); err != nil {
		return fmt.Errorf("failed to rename token store: %w", err)
	}
	return nil
}

// CounterWindow enforces strictly increasing message counters for one
// direction of a session. Check does not mutate state; Commit must only be
// called once the packet carrying the counter has authenticated.
type CounterWindow struct {
	mu       sync.Mutex
	last     uint64
	accepted bool
}

// ErrCounterReplayed is returned for counters at or below the last accepted one.
var ErrCounterReplayed = errors.New("message counter not greater than last accepted")

// Check reports whether counter would be accepted.
func (w *CounterWindow) Check(counter uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.accepted && counter <= w.last {
		return ErrCounterReplayed
	}
	return nil
}

// Commit records counter as accepted. It fails if a concurrent Commit
// already advanced the window past it.
func (w *CounterWindow) Commit(counter uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.accepted && counter <= w.last {
		return ErrCounterReplayed
	}
	w.last = counter
	w.accepted = true
	return nil
}

// Last returns the last accepted counter and whether any was accepted.
func (w *CounterWindow) Last() (uint64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last, w.accepted
}

func loggerOr(l *logrus.Logger) *logrus.Logger {
	if l == nil {
		return logrus.StandardLogger()
	}
	return l
}
