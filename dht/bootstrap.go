package dht

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/dhtcore/clock"
	"github.com/opd-ai/dhtcore/enode"
	"github.com/sirupsen/logrus"
)

// BootstrapError represents specific bootstrap failure types
type BootstrapError struct {
	Type  string
	Node  string
	Cause error
}

func (e *BootstrapError) Error() string {
	return fmt.Sprintf("bootstrap %s failed for %s: %v", e.Type, e.Node, e.Cause)
}

func (e *BootstrapError) Unwrap() error {
	return e.Cause
}

// BootstrapResult represents the result of bonding with one seed
type BootstrapResult struct {
	Seed  *enode.Record
	Error *BootstrapError
}

// BootstrapNode is a seed the node bonds with when joining the network.
type BootstrapNode struct {
	Record   *enode.Record
	LastUsed time.Time
	Success  bool
}

// BootstrapManager handles the process of joining the network: it pings
// every seed to establish sessions and then looks up the local ID.
type BootstrapManager struct {
	nodes        []*BootstrapNode
	table        *RoutingTable
	dispatcher   *Dispatcher
	lookup       *Lookuper
	clock        clock.Clock
	logger       *logrus.Entry
	bootstrapped bool
	mu           sync.RWMutex
}

// NewBootstrapManager creates a new bootstrap manager.
func NewBootstrapManager(table *RoutingTable, dispatcher *Dispatcher, lookup *Lookuper, clk clock.Clock) *BootstrapManager {
	return &BootstrapManager{
		nodes:      make([]*BootstrapNode, 0),
		table:      table,
		dispatcher: dispatcher,
		lookup:     lookup,
		clock:      clock.OrReal(clk),
		logger:     table.baseLogger().WithField("component", "bootstrap"),
	}
}

// AddNode adds a seed record after checking its signature.
func (bm *BootstrapManager) AddNode(rec *enode.Record) error {
	if err := rec.Verify(); err != nil {
		bm.logger.WithFields(logrus.Fields{
			"function": "AddNode",
			"node":     rec.ID.TerminalString(),
			"error":    err.Error(),
		}).Error("Seed record validation failed")
		return err
	}
	if rec.ID == bm.table.Self() {
		return errors.New("cannot bootstrap from own record")
	}

	bm.mu.Lock()
	defer bm.mu.Unlock()
	for _, n := range bm.nodes {
		if n.Record.ID == rec.ID {
			if rec.Seq > n.Record.Seq {
				n.Record = rec.Copy()
			}
			return nil
		}
	}
	bm.nodes = append(bm.nodes, &BootstrapNode{Record: rec.Copy()})

	bm.logger.WithFields(logrus.Fields{
		"function": "AddNode",
		"node":     rec.ID.TerminalString(),
		"address":  rec.UDPAddr().String(),
	}).Info("Added bootstrap node")
	return nil
}

// AddNodeString parses an "enr:" record and adds it as a seed.
func (bm *BootstrapManager) AddNodeString(s string) error {
	rec, err := enode.ParseRecord(s)
	if err != nil {
		return fmt.Errorf("invalid bootstrap record: %w", err)
	}
	return bm.AddNode(rec)
}

// Bootstrap bonds with every seed and then runs a lookup for the local ID
// to populate the routing table.
func (bm *BootstrapManager) Bootstrap(ctx context.Context) error {
	nodes := bm.GetNodes()
	bm.logger.WithFields(logrus.Fields{
		"function":    "Bootstrap",
		"nodes_count": len(nodes),
	}).Info("Starting bootstrap process")

	if len(nodes) == 0 {
		return ErrNoBootstrapNodes
	}

	resultChan := make(chan *BootstrapResult, len(nodes))
	bm.launchBootstrapWorkers(ctx, nodes, resultChan)

	successful, lastError, err := bm.processBootstrapResults(ctx, resultChan)
	if err != nil {
		return err
	}
	if successful == 0 {
		bm.logger.WithFields(logrus.Fields{
			"function": "Bootstrap",
			"error":    lastError.Error(),
		}).Error("No bootstrap node answered")
		return lastError
	}

	_, err = bm.lookup.LookupNodes(ctx, bm.table.Self())
	if err != nil && bm.table.Len() == 0 {
		return &BootstrapError{Type: "self lookup", Node: bm.table.Self().TerminalString(), Cause: err}
	}

	bm.mu.Lock()
	bm.bootstrapped = true
	bm.mu.Unlock()

	bm.logger.WithFields(logrus.Fields{
		"function":   "Bootstrap",
		"successful": successful,
		"table_size": bm.table.Len(),
	}).Info("Bootstrap process completed successfully")
	return nil
}

// launchBootstrapWorkers pings each seed on its own goroutine.
func (bm *BootstrapManager) launchBootstrapWorkers(ctx context.Context, nodes []*BootstrapNode, resultChan chan<- *BootstrapResult) {
	var wg sync.WaitGroup
	for _, node := range nodes {
		wg.Add(1)
		go bm.connectToBootstrapNode(ctx, &wg, node.Record, resultChan)
	}

	go func() {
		wg.Wait()
		close(resultChan)
	}()
}

func (bm *BootstrapManager) connectToBootstrapNode(ctx context.Context, wg *sync.WaitGroup, rec *enode.Record, resultChan chan<- *BootstrapResult) {
	defer wg.Done()

	if _, err := bm.dispatcher.Ping(ctx, rec); err != nil {
		resultChan <- &BootstrapResult{
			Seed: rec,
			Error: &BootstrapError{
				Type:  "bond",
				Node:  rec.UDPAddr().String(),
				Cause: err,
			},
		}
		return
	}

	bm.markNodeUsed(rec.ID, true)
	resultChan <- &BootstrapResult{Seed: rec}
}

func (bm *BootstrapManager) markNodeUsed(id enode.ID, success bool) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	for _, n := range bm.nodes {
		if n.Record.ID == id {
			n.LastUsed = bm.clock.Now()
			n.Success = success
			break
		}
	}
}

// processBootstrapResults counts answering seeds.
func (bm *BootstrapManager) processBootstrapResults(ctx context.Context, resultChan <-chan *BootstrapResult) (int, *BootstrapError, error) {
	successful := 0
	var lastError *BootstrapError

	for {
		select {
		case result, ok := <-resultChan:
			if !ok {
				return successful, lastError, nil
			}
			if result.Error != nil {
				bm.markNodeUsed(result.Seed.ID, false)
				lastError = result.Error
			} else {
				successful++
			}
		case <-ctx.Done():
			return successful, lastError, ctx.Err()
		}
	}
}

// IsBootstrapped returns true if the node is successfully bootstrapped.
func (bm *BootstrapManager) IsBootstrapped() bool {
	bm.mu.RLock()
	defer bm.mu.RUnlock()
	return bm.bootstrapped
}

// GetNodes returns the list of bootstrap nodes.
func (bm *BootstrapManager) GetNodes() []*BootstrapNode {
	bm.mu.RLock()
	defer bm.mu.RUnlock()

	nodes := make([]*BootstrapNode, len(bm.nodes))
	for i, n := range bm.nodes {
		c := *n
		nodes[i] = &c
	}
	return nodes
}

// ClearNodes removes all bootstrap nodes.
func (bm *BootstrapManager) ClearNodes() {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	bm.nodes = make([]*BootstrapNode, 0)
}
