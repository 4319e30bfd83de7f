// Package noise wraps the flynn/noise IK handshake used to establish DHT
// sessions.
//
// The suite is Noise_IK_25519_ChaChaPoly_SHA256. The initiator already knows
// the responder's static key from its node record; the responder learns the
// initiator's static key from the first message. Both messages carry a
// payload that the session layer uses for freshness tokens and node records.
//
// Message flow:
//
//	Initiator                         Responder
//	WriteInitiation(payload)  ---->   ReadInitiation()
//	                                  (caller validates payload)
//	ReadResponse()            <----   WriteResponse(payload)
//
// After completion [IKHandshake.Keys] returns raw ChaCha20-Poly1305 ciphers.
// Transport messages use explicit nonces so that datagrams may arrive out of
// order or be lost without desynchronising the two sides.
package noise
