package dht

import (
	"context"
	"sync"
	"time"

	"github.com/opd-ai/dhtcore/clock"
	"github.com/opd-ai/dhtcore/enode"
	"github.com/sirupsen/logrus"
)

// MaintenanceConfig holds configuration for DHT maintenance.
type MaintenanceConfig struct {
	// How often stale buckets are refreshed with a random lookup
	RefreshInterval time.Duration
	// How often one least-recently-seen entry is pinged
	RevalidateInterval time.Duration
	// Bound on a single maintenance ping or lookup
	TaskTimeout time.Duration
}

// DefaultMaintenanceConfig returns sensible defaults for DHT maintenance.
func DefaultMaintenanceConfig() *MaintenanceConfig {
	return &MaintenanceConfig{
		RefreshInterval:    time.Minute,
		RevalidateInterval: 10 * time.Second,
		TaskTimeout:        30 * time.Second,
	}
}

// Maintainer keeps the routing table healthy: it refreshes buckets that
// have not been looked up recently, revalidates old entries and settles
// challenges raised by full buckets.
type Maintainer struct {
	table      *RoutingTable
	dispatcher *Dispatcher
	lookup     *Lookuper
	config     *MaintenanceConfig
	clock      clock.Clock
	logger     *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	isRunning   bool
	timers      []clock.Timer
	challenging map[enode.ID]bool
}

// NewMaintainer creates a maintenance manager. A nil config uses the
// defaults.
func NewMaintainer(table *RoutingTable, dispatcher *Dispatcher, lookup *Lookuper,
	config *MaintenanceConfig, clk clock.Clock,
) *Maintainer {
	if config == nil {
		config = DefaultMaintenanceConfig()
	}
	if config.TaskTimeout <= 0 {
		config.TaskTimeout = DefaultMaintenanceConfig().TaskTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Maintainer{
		table:       table,
		dispatcher:  dispatcher,
		lookup:      lookup,
		config:      config,
		clock:       clock.OrReal(clk),
		logger:      table.baseLogger().WithField("component", "maintainer"),
		ctx:         ctx,
		cancel:      cancel,
		challenging: make(map[enode.ID]bool),
	}
}

// Start arms the periodic refresh and revalidation.
func (m *Maintainer) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.isRunning || m.ctx.Err() != nil {
		return
	}
	m.isRunning = true
	m.timers = make([]clock.Timer, 2)
	m.schedule(0, m.config.RefreshInterval, m.refresh)
	m.schedule(1, m.config.RevalidateInterval, m.revalidate)
}

// schedule arms slot to run task every interval. Caller holds m.mu.
func (m *Maintainer) schedule(slot int, interval time.Duration, task func()) {
	if interval <= 0 {
		return
	}
	m.timers[slot] = m.clock.AfterFunc(interval, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if !m.isRunning {
			return
		}
		m.spawn(task)
		m.schedule(slot, interval, task)
	})
}

// spawn runs task on its own goroutine. Caller holds m.mu.
func (m *Maintainer) spawn(task func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		task()
	}()
}

// Stop halts all maintenance tasks and waits for running ones.
func (m *Maintainer) Stop() {
	m.mu.Lock()
	m.isRunning = false
	for _, t := range m.timers {
		if t != nil {
			t.Stop()
		}
	}
	m.timers = nil
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()
}

// refresh runs a random lookup in every bucket not looked up within the
// refresh interval.
func (m *Maintainer) refresh() {
	if m.table.Len() == 0 {
		return
	}
	for _, i := range m.table.StaleBuckets(m.config.RefreshInterval) {
		if m.ctx.Err() != nil {
			return
		}
		target := m.table.RandomIDInBucket(i)
		ctx, cancel := context.WithTimeout(m.ctx, m.config.TaskTimeout)
		_, err := m.lookup.LookupNodes(ctx, target)
		cancel()
		if err != nil {
			m.logger.WithFields(logrus.Fields{
				"function": "refresh",
				"bucket":   i,
				"error":    err.Error(),
			}).Debug("Bucket refresh lookup failed")
		}
	}
}

// revalidate pings the least recently seen entry of a random bucket.
// Failures are counted by the dispatcher's timeout hook.
func (m *Maintainer) revalidate() {
	rec, ok := m.table.RevalidationCandidate()
	if !ok {
		return
	}
	m.table.RecordPing(rec.ID)

	ctx, cancel := context.WithTimeout(m.ctx, m.config.TaskTimeout)
	defer cancel()
	pong, err := m.dispatcher.Ping(ctx, rec)
	if err != nil {
		m.logger.WithFields(logrus.Fields{
			"function": "revalidate",
			"peer":     rec.ID.TerminalString(),
			"error":    err.Error(),
		}).Debug("Revalidation ping failed")
		return
	}
	m.table.RecordPong(rec.ID)
	if pong.ENRSeq > rec.Seq {
		m.logger.WithFields(logrus.Fields{
			"function": "revalidate",
			"peer":     rec.ID.TerminalString(),
			"seq":      pong.ENRSeq,
		}).Debug("Peer advertises a newer record")
	}
}

// Challenge pings the least recently seen entry of a full bucket. If it
// does not answer it is removed and a replacement promoted.
func (m *Maintainer) Challenge(rec *enode.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx.Err() != nil || m.challenging[rec.ID] {
		return
	}
	m.challenging[rec.ID] = true
	m.spawn(func() { m.challenge(rec) })
}

func (m *Maintainer) challenge(rec *enode.Record) {
	defer func() {
		m.mu.Lock()
		delete(m.challenging, rec.ID)
		m.mu.Unlock()
	}()

	m.table.RecordPing(rec.ID)
	ctx, cancel := context.WithTimeout(m.ctx, m.config.TaskTimeout)
	defer cancel()
	if _, err := m.dispatcher.Ping(ctx, rec); err != nil {
		if m.ctx.Err() != nil {
			return
		}
		m.logger.WithFields(logrus.Fields{
			"function": "challenge",
			"peer":     rec.ID.TerminalString(),
			"error":    err.Error(),
		}).Debug("Challenged node did not answer, evicting")
		m.table.Remove(rec.ID)
		return
	}
	m.table.RecordPong(rec.ID)
}
