// Package crypto holds the key material and replay bookkeeping used by the
// DHT session layer.
//
// A node is identified by a single 32-byte secret. The secret is used
// directly as the Curve25519 static key of the Noise handshake and as the
// seed of the Ed25519 key that signs the node's record:
//
//	id, err := crypto.GenerateIdentity()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	sig, _ := id.Sign(body)
//	ok, _ := crypto.Verify(body, sig, id.SigningKey())
//
// # Replay Protection
//
// [TokenStore] remembers handshake freshness tokens for their lifetime and
// optionally persists them across restarts. [CounterWindow] enforces the
// strictly increasing per-direction counters carried by session packets.
//
// # Secure Memory
//
// [SecureWipe] and [ZeroBytes] erase secrets once they are no longer needed.
package crypto
