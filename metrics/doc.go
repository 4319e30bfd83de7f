// Package metrics exposes per-node Prometheus collectors for packets,
// sessions, requests, lookups and the routing table, plus a small HTTP
// server for scraping them.
package metrics
