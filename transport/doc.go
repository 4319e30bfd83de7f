// Package transport frames DHT datagrams and moves them over UDP.
//
// Every datagram starts with a one byte [PacketType] and the 32 byte node ID
// of the sender. Handshake packets carry a Noise message after the header;
// message packets carry an explicit 8 byte counter followed by the AEAD
// ciphertext:
//
//	[type:1][sender:32][noise handshake message]
//	[type:1][sender:32][counter:8][ciphertext+tag]
//
// The [Transport] interface only moves raw bytes. Framing, decryption and
// dispatch happen in the layers above, which lets tests substitute an
// in-memory network for [UDPTransport].
package transport
