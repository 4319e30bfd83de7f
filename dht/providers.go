package dht

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/dhtcore/clock"
	"github.com/opd-ai/dhtcore/enode"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultProviderTTL is how long an advertisement is served.
	DefaultProviderTTL = time.Hour
	// DefaultMaxProviders bounds the providers kept per content ID.
	DefaultMaxProviders = 16
	// DefaultMaxProviderKeys bounds the content IDs tracked.
	DefaultMaxProviderKeys = 4096
)

// ErrNotAnnounced is returned when no node acknowledged an announcement.
var ErrNotAnnounced = errors.New("no node accepted the announcement")

// ProviderConfig configures a ProviderSet.
type ProviderConfig struct {
	TTL       time.Duration
	MaxPerKey int
	MaxKeys   int
	Clock     clock.Clock
}

type providerEntry struct {
	rec     *enode.Record
	expires time.Time
}

// ProviderSet remembers which nodes advertised which content. Entries
// expire after the configured TTL unless re-advertised.
type ProviderSet struct {
	mu      sync.Mutex
	cfg     ProviderConfig
	clock   clock.Clock
	entries map[enode.ID][]*providerEntry
}

// NewProviderSet creates an empty provider set.
func NewProviderSet(cfg ProviderConfig) *ProviderSet {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultProviderTTL
	}
	if cfg.MaxPerKey <= 0 {
		cfg.MaxPerKey = DefaultMaxProviders
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = DefaultMaxProviderKeys
	}
	return &ProviderSet{
		cfg:     cfg,
		clock:   clock.OrReal(cfg.Clock),
		entries: make(map[enode.ID][]*providerEntry),
	}
}

// Add records rec as a provider of content and reports whether it was not
// already known. A known provider has its expiry renewed and its record
// replaced by a newer sequence number.
func (p *ProviderSet) Add(content enode.ID, rec *enode.Record) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	expires := now.Add(p.cfg.TTL)
	list := p.liveLocked(content, now)
	for _, e := range list {
		if e.rec.ID == rec.ID {
			e.expires = expires
			if rec.Seq > e.rec.Seq {
				e.rec = rec
			}
			return false
		}
	}

	if len(list) == 0 && len(p.entries) >= p.cfg.MaxKeys {
		p.expireLocked(now)
		if len(p.entries) >= p.cfg.MaxKeys {
			p.evictKeyLocked()
		}
	}
	if len(list) >= p.cfg.MaxPerKey {
		// Drop the entry closest to expiry.
		sort.Slice(list, func(i, j int) bool { return list[i].expires.After(list[j].expires) })
		list = list[:p.cfg.MaxPerKey-1]
	}
	p.entries[content] = append(list, &providerEntry{rec: rec, expires: expires})
	return true
}

// Providers returns the live providers of content, most recently
// advertised first.
func (p *ProviderSet) Providers(content enode.ID) []*enode.Record {
	p.mu.Lock()
	defer p.mu.Unlock()

	list := p.liveLocked(content, p.clock.Now())
	sorted := make([]*providerEntry, len(list))
	copy(sorted, list)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].expires.After(sorted[j].expires) })

	out := make([]*enode.Record, len(sorted))
	for i, e := range sorted {
		out[i] = e.rec
	}
	return out
}

// Len returns the number of content IDs with at least one provider.
func (p *ProviderSet) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expireLocked(p.clock.Now())
	return len(p.entries)
}

// liveLocked prunes expired providers of content and returns the rest.
func (p *ProviderSet) liveLocked(content enode.ID, now time.Time) []*providerEntry {
	list := p.entries[content]
	live := list[:0]
	for _, e := range list {
		if now.Before(e.expires) {
			live = append(live, e)
		}
	}
	if len(live) == 0 {
		delete(p.entries, content)
		return nil
	}
	p.entries[content] = live
	return live
}

func (p *ProviderSet) expireLocked(now time.Time) {
	for content := range p.entries {
		p.liveLocked(content, now)
	}
}

// evictKeyLocked drops the content ID whose newest advertisement is the
// oldest.
func (p *ProviderSet) evictKeyLocked() {
	var (
		victim enode.ID
		oldest time.Time
		found  bool
	)
	for content, list := range p.entries {
		newest := list[0].expires
		for _, e := range list[1:] {
			if e.expires.After(newest) {
				newest = e.expires
			}
		}
		if !found || newest.Before(oldest) {
			victim, oldest, found = content, newest, true
		}
	}
	if found {
		delete(p.entries, victim)
	}
}

// AnnounceResult is the outcome of Announce.
type AnnounceResult struct {
	ID        uuid.UUID
	ContentID enode.ID
	// Acked holds the nodes that stored the advertisement.
	Acked   []*enode.Record
	Elapsed time.Duration
}

// Announce advertises the local node as a provider of id to the k nodes
// closest to it.
func (l *Lookuper) Announce(ctx context.Context, id enode.ID) (*AnnounceResult, error) {
	start := l.clock.Now()
	res, err := l.run(ctx, KindNodes, id)
	if err != nil {
		return nil, err
	}

	var (
		mu    sync.Mutex
		acked []*enode.Record
	)
	l.fanOut(ctx, res.Closest, func(ctx context.Context, peer *enode.Record) {
		if err := l.dispatcher.Advertise(ctx, peer, id); err != nil {
			l.logger.WithFields(logrus.Fields{
				"function": "Announce",
				"peer":     peer.ID.TerminalString(),
				"error":    err.Error(),
			}).Debug("Advertisement not acknowledged")
			return
		}
		mu.Lock()
		acked = append(acked, peer)
		mu.Unlock()
	})

	out := &AnnounceResult{ID: res.ID, ContentID: id, Acked: acked, Elapsed: l.clock.Since(start)}
	l.logger.WithFields(logrus.Fields{
		"function": "Announce",
		"content":  id.TerminalString(),
		"acked":    len(acked),
		"asked":    len(res.Closest),
	}).Debug("Announcement finished")
	if len(acked) == 0 {
		return out, ErrNotAnnounced
	}
	return out, nil
}

// LocateProviders finds the nodes advertising id. It looks up the nodes
// closest to id and asks each of them for the providers it stores.
func (l *Lookuper) LocateProviders(ctx context.Context, id enode.ID) (*LookupResult, error) {
	start := l.clock.Now()
	res, err := l.run(ctx, KindProviders, id)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	seen := make(map[enode.ID]*enode.Record)
	collect := func(records []*enode.Record) {
		mu.Lock()
		defer mu.Unlock()
		for _, rec := range records {
			if rec.ID == l.table.Self() {
				continue
			}
			if old, ok := seen[rec.ID]; ok && old.Seq >= rec.Seq {
				continue
			}
			seen[rec.ID] = rec
		}
	}
	if l.cfg.LocalProviders != nil {
		collect(l.cfg.LocalProviders(id))
	}

	l.fanOut(ctx, res.Closest, func(ctx context.Context, peer *enode.Record) {
		records, err := l.dispatcher.Locate(ctx, peer, id)
		if err != nil {
			return
		}
		var valid []*enode.Record
		for _, rec := range records {
			if err := rec.Verify(); err != nil {
				continue
			}
			valid = append(valid, rec)
		}
		collect(valid)
	})

	for _, rec := range seen {
		res.Providers = append(res.Providers, rec)
		l.cfg.Observe(rec)
	}
	sort.Slice(res.Providers, func(i, j int) bool {
		return enode.Closer(id, res.Providers[i].ID, res.Providers[j].ID)
	})
	res.Found = len(res.Providers) > 0
	res.Elapsed = l.clock.Since(start)
	return res, nil
}

// fanOut runs fn against peers with at most Alpha calls in flight.
func (l *Lookuper) fanOut(ctx context.Context, peers []*enode.Record, fn func(context.Context, *enode.Record)) {
	sem := make(chan struct{}, l.cfg.Alpha)
	var wg sync.WaitGroup
	for _, peer := range peers {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return
		}
		wg.Add(1)
		go func(peer *enode.Record) {
			defer wg.Done()
			defer func() { <-sem }()
			fn(ctx, peer)
		}(peer)
	}
	wg.Wait()
}
