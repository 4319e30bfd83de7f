// Package session manages encrypted per-peer sessions.
//
// A session is established with a Noise IK handshake. The initiator sends
// a fresh random token, a timestamp and its signed node record inside the
// first handshake message, optionally followed by one application message.
// The responder rejects reused tokens and stale timestamps before it
// answers with its own record. Messages after the handshake are sealed
// with ChaCha20-Poly1305 under a strictly increasing per-direction counter
// that doubles as the AEAD nonce.
//
// Example:
//
//	mgr, err := session.NewManager(session.Config{
//	    Identity:    id,
//	    LocalRecord: func() *enode.Record { return self },
//	    Transport:   udp,
//	}, session.Hooks{
//	    OnMessage: func(from *enode.Record, addr net.Addr, pt []byte) { ... },
//	})
//	err = mgr.Send(peer, plaintext)
package session
