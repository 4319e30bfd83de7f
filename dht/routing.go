package dht

import (
	"container/heap"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/opd-ai/dhtcore/clock"
	"github.com/opd-ai/dhtcore/enode"
	"github.com/opd-ai/dhtcore/metrics"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultBucketSize is k, the number of live entries per bucket.
	DefaultBucketSize = 16
	// DefaultMaxFailures evicts entries after this many consecutive
	// request failures.
	DefaultMaxFailures = 3
)

// ObserveStatus describes what Observe did with a record.
type ObserveStatus int

const (
	// ObserveIgnored means the record was the local node or nil.
	ObserveIgnored ObserveStatus = iota
	// ObserveAdded means the record was inserted into a bucket.
	ObserveAdded
	// ObserveUpdated means a known entry was refreshed.
	ObserveUpdated
	// ObserveCached means the bucket was full and the record went to the
	// replacement cache.
	ObserveCached
)

func (s ObserveStatus) String() string {
	switch s {
	case ObserveAdded:
		return "added"
	case ObserveUpdated:
		return "updated"
	case ObserveCached:
		return "cached"
	default:
		return "ignored"
	}
}

// ObserveResult is returned by Observe.
type ObserveResult struct {
	Status ObserveStatus
	// Challenge is set when Status is ObserveCached: the least recently
	// seen entry of the full bucket. The caller pings it and calls Remove
	// on failure or Touch on success.
	Challenge *enode.Record
}

// KBucket holds up to k entries ordered least recently seen first, plus a
// bounded cache of replacements ordered oldest first.
type KBucket struct {
	nodes        []*Node
	replacements []*Node
	lastLookup   time.Time
}

func (kb *KBucket) indexOf(id enode.ID) int {
	for i, n := range kb.nodes {
		if n.Record.ID == id {
			return i
		}
	}
	return -1
}

func (kb *KBucket) replacementIndex(id enode.ID) int {
	for i, n := range kb.replacements {
		if n.Record.ID == id {
			return i
		}
	}
	return -1
}

// moveToTail marks entry i as most recently seen.
func (kb *KBucket) moveToTail(i int) {
	n := kb.nodes[i]
	kb.nodes = append(kb.nodes[:i], kb.nodes[i+1:]...)
	kb.nodes = append(kb.nodes, n)
}

func (kb *KBucket) removeReplacement(id enode.ID) bool {
	if i := kb.replacementIndex(id); i >= 0 {
		kb.replacements = append(kb.replacements[:i], kb.replacements[i+1:]...)
		return true
	}
	return false
}

func (kb *KBucket) addReplacement(rec *enode.Record, now time.Time, max int) {
	if i := kb.replacementIndex(rec.ID); i >= 0 {
		n := kb.replacements[i]
		if rec.Seq >= n.Record.Seq {
			n.Record = rec.Copy()
		}
		n.LastSeen = now
		kb.replacements = append(kb.replacements[:i], kb.replacements[i+1:]...)
		kb.replacements = append(kb.replacements, n)
		return
	}
	kb.replacements = append(kb.replacements, NewNode(rec.Copy(), now))
	if len(kb.replacements) > max {
		kb.replacements = kb.replacements[len(kb.replacements)-max:]
	}
}

// TableConfig configures a RoutingTable.
type TableConfig struct {
	// BucketSize is k. Defaults to DefaultBucketSize.
	BucketSize int
	// ReplacementSize bounds each replacement cache. Defaults to BucketSize.
	ReplacementSize int
	// MaxFailures defaults to DefaultMaxFailures.
	MaxFailures int
	Clock       clock.Clock
	Metrics     *metrics.Metrics
	// Logger is shared by the components built on this table. Defaults to
	// the standard logrus logger.
	Logger *logrus.Logger
}

// TableStats summarises the routing table.
type TableStats struct {
	Nodes        int
	Replacements int
	FullBuckets  int
	// Depth is the number of buckets, which grows as the bucket holding
	// the local ID splits.
	Depth int
}

// RoutingTable organises peers by XOR distance from the local ID.
//
// Bucket i holds entries whose ID shares exactly i leading bits with the
// local ID, except the last bucket, which holds everything at least as
// close. Only that last bucket is split when it overflows.
type RoutingTable struct {
	mu      sync.RWMutex
	self    enode.ID
	buckets []*KBucket
	cfg     TableConfig
	clock   clock.Clock
	logger  *logrus.Entry
}

// NewRoutingTable creates an empty routing table for self.
func NewRoutingTable(self enode.ID, cfg TableConfig) *RoutingTable {
	if cfg.BucketSize <= 0 {
		cfg.BucketSize = DefaultBucketSize
	}
	if cfg.ReplacementSize <= 0 {
		cfg.ReplacementSize = cfg.BucketSize
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	c := clock.OrReal(cfg.Clock)
	return &RoutingTable{
		self:    self,
		buckets: []*KBucket{{lastLookup: c.Now()}},
		cfg:     cfg,
		clock:   c,
		logger:  loggerOr(cfg.Logger).WithField("self", self.TerminalString()),
	}
}

func loggerOr(l *logrus.Logger) *logrus.Logger {
	if l == nil {
		return logrus.StandardLogger()
	}
	return l
}

func (rt *RoutingTable) baseLogger() *logrus.Logger {
	return rt.logger.Logger
}

// Self returns the local ID.
func (rt *RoutingTable) Self() enode.ID {
	return rt.self
}

// BucketSize returns k.
func (rt *RoutingTable) BucketSize() int {
	return rt.cfg.BucketSize
}

// bucketIndex returns the bucket for id. Caller holds rt.mu.
func (rt *RoutingTable) bucketIndex(id enode.ID) int {
	cpl := enode.CommonPrefixLen(rt.self, id)
	if last := len(rt.buckets) - 1; cpl > last {
		return last
	}
	return cpl
}

// Observe records that rec was seen alive.
func (rt *RoutingTable) Observe(rec *enode.Record) ObserveResult {
	if rec == nil || rec.ID == rt.self {
		return ObserveResult{Status: ObserveIgnored}
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	defer rt.updateMetrics()

	now := rt.clock.Now()
	for {
		idx := rt.bucketIndex(rec.ID)
		b := rt.buckets[idx]

		if i := b.indexOf(rec.ID); i >= 0 {
			n := b.nodes[i]
			// A lower sequence number only refreshes liveness.
			if rec.Seq >= n.Record.Seq {
				n.Record = rec.Copy()
			}
			n.Failures = 0
			n.Update(now, StatusGood)
			b.moveToTail(i)
			return ObserveResult{Status: ObserveUpdated}
		}

		if len(b.nodes) < rt.cfg.BucketSize {
			b.removeReplacement(rec.ID)
			n := NewNode(rec.Copy(), now)
			n.Status = StatusGood
			b.nodes = append(b.nodes, n)
			rt.logger.WithFields(logrus.Fields{
				"function": "Observe",
				"peer":     rec.ID.TerminalString(),
				"bucket":   idx,
			}).Debug("Added node to routing table")
			return ObserveResult{Status: ObserveAdded}
		}

		if idx == len(rt.buckets)-1 && len(rt.buckets) < enode.IDBits {
			rt.split()
			continue
		}

		b.addReplacement(rec, now, rt.cfg.ReplacementSize)
		return ObserveResult{
			Status:    ObserveCached,
			Challenge: b.nodes[0].Record.Copy(),
		}
	}
}

// split divides the deepest bucket by the next bit. Caller holds rt.mu.
func (rt *RoutingTable) split() {
	depth := len(rt.buckets) - 1
	old := rt.buckets[depth]
	near := &KBucket{lastLookup: old.lastLookup}
	far := &KBucket{lastLookup: old.lastLookup}

	for _, n := range old.nodes {
		if enode.CommonPrefixLen(rt.self, n.Record.ID) > depth {
			near.nodes = append(near.nodes, n)
		} else {
			far.nodes = append(far.nodes, n)
		}
	}
	for _, n := range old.replacements {
		if enode.CommonPrefixLen(rt.self, n.Record.ID) > depth {
			near.replacements = append(near.replacements, n)
		} else {
			far.replacements = append(far.replacements, n)
		}
	}

	rt.buckets[depth] = far
	rt.buckets = append(rt.buckets, near)

	rt.logger.WithFields(logrus.Fields{
		"function": "split",
		"depth":    len(rt.buckets),
		"far":      len(far.nodes),
		"near":     len(near.nodes),
	}).Debug("Split deepest bucket")
}

// Remove evicts id and promotes the newest replacement of its bucket.
// It reports whether id was a live entry.
func (rt *RoutingTable) Remove(id enode.ID) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	defer rt.updateMetrics()
	return rt.removeLocked(id)
}

func (rt *RoutingTable) removeLocked(id enode.ID) bool {
	b := rt.buckets[rt.bucketIndex(id)]
	i := b.indexOf(id)
	if i < 0 {
		b.removeReplacement(id)
		return false
	}
	b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)

	fields := logrus.Fields{
		"function": "Remove",
		"peer":     id.TerminalString(),
	}
	if last := len(b.replacements) - 1; last >= 0 {
		promoted := b.replacements[last]
		b.replacements = b.replacements[:last]
		b.nodes = append(b.nodes, promoted)
		fields["promoted"] = promoted.Record.ID.TerminalString()
	}
	rt.logger.WithFields(fields).Debug("Removed node from routing table")
	rt.cfg.Metrics.Evicted()
	return true
}

// Touch marks a live entry as just seen. It reports whether id is known.
func (rt *RoutingTable) Touch(id enode.ID) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	b := rt.buckets[rt.bucketIndex(id)]
	i := b.indexOf(id)
	if i < 0 {
		return false
	}
	n := b.nodes[i]
	n.Failures = 0
	n.Update(rt.clock.Now(), StatusGood)
	b.moveToTail(i)
	return true
}

// RecordPong records a successful liveness ping to id and moves it to the
// tail of its bucket.
func (rt *RoutingTable) RecordPong(id enode.ID) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	b := rt.buckets[rt.bucketIndex(id)]
	i := b.indexOf(id)
	if i < 0 {
		return false
	}
	b.nodes[i].RecordPingResponse(rt.clock.Now(), true)
	b.moveToTail(i)
	return true
}

// RecordPing notes that a liveness ping was sent to id.
func (rt *RoutingTable) RecordPing(id enode.ID) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	b := rt.buckets[rt.bucketIndex(id)]
	if i := b.indexOf(id); i >= 0 {
		b.nodes[i].RecordPingSent(rt.clock.Now())
	}
}

// RecordFailure counts a failed request to id and evicts the entry once it
// reaches MaxFailures consecutive failures.
func (rt *RoutingTable) RecordFailure(id enode.ID) (evicted bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	defer rt.updateMetrics()

	b := rt.buckets[rt.bucketIndex(id)]
	i := b.indexOf(id)
	if i < 0 {
		return false
	}
	n := b.nodes[i]
	n.RecordPingResponse(rt.clock.Now(), false)
	if n.Failures < rt.cfg.MaxFailures {
		return false
	}
	return rt.removeLocked(id)
}

// Get returns a copy of the entry for id.
func (rt *RoutingTable) Get(id enode.ID) (*Node, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	b := rt.buckets[rt.bucketIndex(id)]
	if i := b.indexOf(id); i >= 0 {
		return b.nodes[i].copy(), true
	}
	return nil, false
}

// recordHeap is a max-heap on distance to target, used to keep the n
// closest records without sorting the whole table.
type recordHeap struct {
	records []*enode.Record
	target  enode.ID
}

func (h *recordHeap) Len() int { return len(h.records) }

func (h *recordHeap) Less(i, j int) bool {
	return enode.DistCmp(h.target, h.records[i].ID, h.records[j].ID) > 0
}

func (h *recordHeap) Swap(i, j int) {
	h.records[i], h.records[j] = h.records[j], h.records[i]
}

func (h *recordHeap) Push(x interface{}) {
	h.records = append(h.records, x.(*enode.Record))
}

func (h *recordHeap) Pop() interface{} {
	old := h.records
	n := len(old)
	item := old[n-1]
	h.records = old[:n-1]
	return item
}

// Closest returns up to count records ordered by ascending distance to
// target.
func (rt *RoutingTable) Closest(target enode.ID, count int) []*enode.Record {
	if count <= 0 {
		return []*enode.Record{}
	}

	rt.mu.RLock()
	h := &recordHeap{records: make([]*enode.Record, 0, count), target: target}
	for _, b := range rt.buckets {
		for _, n := range b.nodes {
			if h.Len() < count {
				heap.Push(h, n.Record)
			} else if enode.Closer(target, n.Record.ID, h.records[0].ID) {
				heap.Pop(h)
				heap.Push(h, n.Record)
			}
		}
	}
	rt.mu.RUnlock()

	// Popping a max-heap yields farthest first.
	result := make([]*enode.Record, h.Len())
	for i := len(result) - 1; i >= 0; i-- {
		result[i] = heap.Pop(h).(*enode.Record).Copy()
	}
	return result
}

// Nodes returns a copy of every live entry.
func (rt *RoutingTable) Nodes() []*Node {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	var all []*Node
	for _, b := range rt.buckets {
		for _, n := range b.nodes {
			all = append(all, n.copy())
		}
	}
	return all
}

// Len returns the number of live entries.
func (rt *RoutingTable) Len() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	total := 0
	for _, b := range rt.buckets {
		total += len(b.nodes)
	}
	return total
}

// Buckets returns the current number of buckets.
func (rt *RoutingTable) Buckets() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.buckets)
}

// MarkLookup records that a lookup for target ran, refreshing the bucket
// it falls in.
func (rt *RoutingTable) MarkLookup(target enode.ID) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.buckets[rt.bucketIndex(target)].lastLookup = rt.clock.Now()
}

// StaleBuckets returns the indices of buckets not looked up within
// interval.
func (rt *RoutingTable) StaleBuckets(interval time.Duration) []int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	now := rt.clock.Now()
	var stale []int
	for i, b := range rt.buckets {
		if now.Sub(b.lastLookup) >= interval {
			stale = append(stale, i)
		}
	}
	return stale
}

// RandomIDInBucket returns a random ID that falls into bucket i.
func (rt *RoutingTable) RandomIDInBucket(i int) enode.ID {
	rt.mu.RLock()
	last := len(rt.buckets) - 1
	rt.mu.RUnlock()

	if i >= last {
		for {
			id := enode.RandomIDWithPrefix(rt.self, i)
			if id != rt.self {
				return id
			}
		}
	}
	id := enode.RandomIDWithPrefix(rt.self, i+1)
	id[i/8] ^= 0x80 >> (i % 8)
	return id
}

// RevalidationCandidate returns the least recently seen entry of a random
// non-empty bucket.
func (rt *RoutingTable) RevalidationCandidate() (*enode.Record, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	var candidates []*KBucket
	for _, b := range rt.buckets {
		if len(b.nodes) > 0 {
			candidates = append(candidates, b)
		}
	}
	if len(candidates) == 0 {
		return nil, false
	}
	b := candidates[rand.IntN(len(candidates))]
	return b.nodes[0].Record.Copy(), true
}

// Stats returns a snapshot of the table's shape.
func (rt *RoutingTable) Stats() TableStats {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.statsLocked()
}

func (rt *RoutingTable) statsLocked() TableStats {
	s := TableStats{Depth: len(rt.buckets)}
	for _, b := range rt.buckets {
		s.Nodes += len(b.nodes)
		s.Replacements += len(b.replacements)
		if len(b.nodes) >= rt.cfg.BucketSize {
			s.FullBuckets++
		}
	}
	return s
}

// updateMetrics publishes the table gauges. Caller holds rt.mu.
func (rt *RoutingTable) updateMetrics() {
	if rt.cfg.Metrics == nil {
		return
	}
	s := rt.statsLocked()
	rt.cfg.Metrics.SetRoutingTable(s.Nodes, s.Replacements, s.Depth)
}
