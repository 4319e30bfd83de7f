// Package enode defines node identities, the XOR distance metric and the
// signed node records exchanged by the DHT.
//
// An [ID] is the SHA-256 hash of a node's Ed25519 signing key. Content is
// addressed in the same 256-bit space through [ContentID]. A [Record] binds
// an ID to an endpoint and to the Curve25519 key used by the handshake, and
// carries a sequence number so newer records supersede older ones.
package enode
