// Package limits provides centralized packet and message size constants and
// validation functions for the DHT wire protocol.
//
// # Size Hierarchy
//
//   - MaxPacketSize (1280 bytes): every datagram, handshake or message.
//   - MaxMessagePlaintext: an encoded protocol message after subtracting
//     the 41 byte session header and the 16 byte AEAD tag.
//   - MaxInitiationPayload / MaxResponsePayload: what the Noise IK messages
//     can carry once their key material and tags are accounted for.
//   - MaxContentSize: the largest content value reassembled from chunks of
//     MaxContentChunk bytes.
package limits
