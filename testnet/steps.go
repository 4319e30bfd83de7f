package testnet

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/opd-ai/dhtcore"
	"github.com/opd-ai/dhtcore/enode"
	"github.com/opd-ai/dhtcore/simnet"
)

// simNode is one client on the simulated network with its own content.
type simNode struct {
	client   *dhtcore.Client
	endpoint *simnet.Endpoint
	store    *memoryStore
}

func (n *simNode) close() {
	n.client.Close()
	n.endpoint.Close()
}

// memoryStore is a ContentStore backed by a map.
type memoryStore struct {
	mu     sync.RWMutex
	values map[enode.ID][]byte
}

func newMemoryStore() *memoryStore {
	return &memoryStore{values: make(map[enode.ID][]byte)}
}

func (s *memoryStore) Put(id enode.ID, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[id] = value
}

func (s *memoryStore) LookupLocalContent(id enode.ID) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[id]
	return v, ok
}

func (to *TestOrchestrator) startNodes(_ context.Context, step *TestStepResult) error {
	to.network = simnet.NewNetwork()
	to.network.SetDropRate(to.config.DropRate)

	for i := 0; i < to.config.Nodes; i++ {
		ep := to.network.NewEndpoint()
		store := newMemoryStore()
		opts := dhtcore.NewOptions()
		opts.Transport = ep
		opts.ContentStore = store
		opts.BucketSize = to.config.BucketSize
		opts.LookupTimeout = to.config.LookupTimeout
		opts.RequestTimeout = to.config.RequestTimeout
		opts.HandshakeTimeout = to.config.RequestTimeout
		opts.EnableMetrics = false

		client, err := dhtcore.New(opts)
		if err != nil {
			ep.Close()
			return fmt.Errorf("start node %d: %w", i, err)
		}
		to.nodes = append(to.nodes, &simNode{client: client, endpoint: ep, store: store})
	}
	step.Metrics["nodes"] = len(to.nodes)
	return nil
}

// bootstrapNodes joins every node through the first one. Nodes join one
// after another so later nodes find a populated network.
func (to *TestOrchestrator) bootstrapNodes(ctx context.Context, step *TestStepResult) error {
	seed := to.nodes[0].client.Self()
	failed := 0
	for _, n := range to.nodes[1:] {
		if err := n.client.AddBootstrapNode(seed); err != nil {
			return err
		}
		bctx, cancel := context.WithTimeout(ctx, to.config.BootstrapTimeout)
		err := n.client.Bootstrap(bctx)
		cancel()
		if err != nil {
			failed++
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	total := 0
	for _, n := range to.nodes {
		total += n.client.Stats().Nodes
	}
	step.Metrics["failed"] = failed
	step.Metrics["avg_table_size"] = float64(total) / float64(len(to.nodes))

	joined := len(to.nodes) - 1
	if ratio := float64(joined-failed) / float64(joined); ratio < to.config.MinAccuracy {
		return fmt.Errorf("%d of %d nodes failed to bootstrap", failed, joined)
	}
	return nil
}

// runNodeLookups looks up existing node IDs from random nodes. A lookup is
// accurate when the target is the first result.
func (to *TestOrchestrator) runNodeLookups(ctx context.Context, step *TestStepResult) error {
	if to.config.Lookups == 0 {
		return nil
	}
	accurate, rounds := 0, 0
	for i := 0; i < to.config.Lookups; i++ {
		from := to.nodes[to.rng.Intn(len(to.nodes))]
		target := to.nodes[to.rng.Intn(len(to.nodes))].client.ID()
		res, err := from.client.LookupNodes(ctx, target)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			continue
		}
		rounds += res.Rounds
		// Looking up oneself never returns oneself.
		if target == from.client.ID() || (len(res.Closest) > 0 && res.Closest[0].ID == target) {
			accurate++
		}
	}

	accuracy := float64(accurate) / float64(to.config.Lookups)
	step.Metrics["accuracy"] = accuracy
	step.Metrics["avg_rounds"] = float64(rounds) / float64(to.config.Lookups)
	if accuracy < to.config.MinAccuracy {
		return fmt.Errorf("node lookup accuracy %.2f below %.2f", accuracy, to.config.MinAccuracy)
	}
	return nil
}

// runContentLookups stores values on the nodes closest to their IDs and
// finds them from random nodes.
func (to *TestOrchestrator) runContentLookups(ctx context.Context, step *TestStepResult) error {
	if to.config.ContentItems == 0 {
		return nil
	}
	found := 0
	for i := 0; i < to.config.ContentItems; i++ {
		key := fmt.Sprintf("item-%d", i)
		id := enode.ContentID([]byte(key))
		value := make([]byte, 512+to.rng.Intn(4096))
		to.rng.Read(value)
		for _, holder := range to.closestNodes(id, 3) {
			holder.store.Put(id, value)
		}

		from := to.nodes[to.rng.Intn(len(to.nodes))]
		res, err := from.client.LookupContent(ctx, id)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil && res.Found && string(res.Content) == string(value) {
			found++
		}
	}

	ratio := float64(found) / float64(to.config.ContentItems)
	step.Metrics["found"] = ratio
	if ratio < to.config.MinAccuracy {
		return fmt.Errorf("content found for %.2f of lookups, below %.2f", ratio, to.config.MinAccuracy)
	}
	return nil
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
