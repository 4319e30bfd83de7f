package session

import "errors"

var (
	// ErrAuthenticationFailed is returned when a handshake or message fails
	// cryptographic or identity checks.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrReplayRejected is returned for reused handshake tokens, stale
	// handshake timestamps and non-increasing message counters.
	ErrReplayRejected = errors.New("replay rejected")
	// ErrHandshakeTimeout is reported when a handshake exhausts its retries.
	ErrHandshakeTimeout = errors.New("handshake timed out")
	// ErrNoSession is returned for messages from peers without a usable session.
	ErrNoSession = errors.New("no session for peer")
	// ErrBufferFull is returned when too many messages wait for a handshake.
	ErrBufferFull = errors.New("session send buffer full")
	// ErrClosed is returned after the manager has been closed.
	ErrClosed = errors.New("session manager closed")
)
