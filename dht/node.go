package dht

import (
	"net"
	"time"

	"github.com/opd-ai/dhtcore/enode"
)

// NodeStatus represents the liveness status of a node.
type NodeStatus uint8

const (
	StatusUnknown NodeStatus = iota
	StatusBad
	StatusGood
)

func (s NodeStatus) String() string {
	switch s {
	case StatusGood:
		return "good"
	case StatusBad:
		return "bad"
	default:
		return "unknown"
	}
}

// PingStats tracks ping statistics for a node.
type PingStats struct {
	LastPingSent     time.Time
	LastPingReceived time.Time
	PingCount        uint32
	SuccessCount     uint32
	FailureCount     uint32
}

// Node is a routing table entry: a peer record plus liveness bookkeeping.
type Node struct {
	Record    *enode.Record
	AddedAt   time.Time
	LastSeen  time.Time
	Status    NodeStatus
	Failures  int
	PingStats PingStats
}

// NewNode creates a node entry for rec first seen at now.
func NewNode(rec *enode.Record, now time.Time) *Node {
	return &Node{
		Record:   rec,
		AddedAt:  now,
		LastSeen: now,
		Status:   StatusUnknown,
	}
}

// ID returns the node identifier.
func (n *Node) ID() enode.ID {
	return n.Record.ID
}

// Addr returns the node's UDP endpoint.
func (n *Node) Addr() net.Addr {
	return n.Record.UDPAddr()
}

// IsActive checks if the node has been seen within timeout of now.
func (n *Node) IsActive(now time.Time, timeout time.Duration) bool {
	return now.Sub(n.LastSeen) < timeout
}

// Update marks the node as seen at now with the given status.
func (n *Node) Update(now time.Time, status NodeStatus) {
	n.LastSeen = now
	n.Status = status
}

// RecordPingSent marks that a ping was sent to this node.
func (n *Node) RecordPingSent(now time.Time) {
	n.PingStats.LastPingSent = now
	n.PingStats.PingCount++
}

// RecordPingResponse records the outcome of a ping.
func (n *Node) RecordPingResponse(now time.Time, success bool) {
	if success {
		n.PingStats.LastPingReceived = now
		n.PingStats.SuccessCount++
		n.Failures = 0
		n.Update(now, StatusGood)
		return
	}
	n.PingStats.FailureCount++
	n.Failures++
	if n.PingStats.FailureCount > n.PingStats.SuccessCount {
		n.Status = StatusBad
	}
}

// GetReliability returns a reliability score for this node (0.0-1.0).
func (n *Node) GetReliability() float64 {
	if n.PingStats.PingCount == 0 {
		return 0.0
	}
	return float64(n.PingStats.SuccessCount) / float64(n.PingStats.PingCount)
}

func (n *Node) copy() *Node {
	c := *n
	c.Record = n.Record.Copy()
	return &c
}
