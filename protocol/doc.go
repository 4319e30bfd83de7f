// Package protocol defines the DHT request and response messages and their
// binary encoding.
//
// Every message starts with a one byte type and a 64-bit request id:
//
//	[type:1][request id:8][body]
//
// Requests are PING, FINDNODE and FINDCONTENT. Their answers (PONG, NODES
// and CONTENT) echo the request id. NODES and CONTENT answers may span
// several messages; each part states how many parts make up the answer.
// [Decode] returns exactly one variant or [ErrMalformedMessage].
package protocol
