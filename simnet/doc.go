// Package simnet provides an in-memory datagram network for multi-node tests.
//
// Endpoints implement transport.Transport. Delivery is asynchronous and
// preserves per-endpoint ordering; datagrams may be dropped at a configured
// rate or by a filter to exercise timeout and retry paths.
package simnet
