package dht

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/dhtcore/clock"
	"github.com/opd-ai/dhtcore/enode"
	"github.com/opd-ai/dhtcore/metrics"
	"github.com/opd-ai/dhtcore/protocol"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultAlpha is the lookup concurrency.
	DefaultAlpha = 3
	// DefaultMaxRounds bounds the rounds of one lookup.
	DefaultMaxRounds = 16
	// DefaultLookupTimeout bounds the duration of one lookup.
	DefaultLookupTimeout = 10 * time.Second
)

var (
	// ErrNoBootstrapNodes is returned when a lookup has nobody to ask.
	ErrNoBootstrapNodes = errors.New("no known nodes to start from")
	// ErrLookupTimedOut is returned when a lookup hits its round or time
	// limit before converging.
	ErrLookupTimedOut = errors.New("lookup timed out")
)

// LookupKind distinguishes node and content lookups.
type LookupKind int

const (
	KindNodes LookupKind = iota
	KindContent
	KindProviders
)

func (k LookupKind) String() string {
	switch k {
	case KindContent:
		return "content"
	case KindProviders:
		return "providers"
	default:
		return "nodes"
	}
}

// LookupResult is the outcome of a lookup. On failure it carries the best
// effort state reached so far.
type LookupResult struct {
	ID     uuid.UUID
	Kind   LookupKind
	Target enode.ID
	// Closest holds up to k records that answered, nearest first.
	Closest []*enode.Record
	// Content is set when a content lookup found its value.
	Content     []byte
	Found       bool
	ContentFrom *enode.Record
	// Providers is set by provider lookups, nearest to the target first.
	Providers []*enode.Record
	Rounds    int
	Queried   int
	Elapsed   time.Duration
}

// LookupError reports a failed lookup together with its partial result.
type LookupError struct {
	ID      uuid.UUID
	Target  enode.ID
	Err     error
	Partial *LookupResult
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("lookup %s for %s: %v", e.ID, e.Target.TerminalString(), e.Err)
}

func (e *LookupError) Unwrap() error {
	return e.Err
}

// LookupConfig configures a Lookuper.
type LookupConfig struct {
	Alpha     int
	K         int
	MaxRounds int
	Timeout   time.Duration
	Clock     clock.Clock
	Metrics   *metrics.Metrics
	// Observe receives every verified record a peer returns. Defaults to
	// the routing table's Observe.
	Observe func(*enode.Record)
	// LocalProviders returns the providers the local node stores for a
	// content ID. Provider lookups start from it.
	LocalProviders func(enode.ID) []*enode.Record
}

// Lookuper runs iterative lookups over a routing table and dispatcher.
type Lookuper struct {
	table      *RoutingTable
	dispatcher *Dispatcher
	cfg        LookupConfig
	clock      clock.Clock
	logger     *logrus.Entry
}

// NewLookuper creates a lookup engine.
func NewLookuper(table *RoutingTable, dispatcher *Dispatcher, cfg LookupConfig) *Lookuper {
	if cfg.Alpha <= 0 {
		cfg.Alpha = DefaultAlpha
	}
	if cfg.K <= 0 {
		cfg.K = table.BucketSize()
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultMaxRounds
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultLookupTimeout
	}
	if cfg.Observe == nil {
		cfg.Observe = func(rec *enode.Record) { table.Observe(rec) }
	}
	return &Lookuper{
		table:      table,
		dispatcher: dispatcher,
		cfg:        cfg,
		clock:      clock.OrReal(cfg.Clock),
		logger:     table.baseLogger().WithField("component", "lookup"),
	}
}

// LookupNodes finds the k nodes closest to target.
func (l *Lookuper) LookupNodes(ctx context.Context, target enode.ID) (*LookupResult, error) {
	return l.run(ctx, KindNodes, target)
}

// LookupContent searches for the content stored under id. A lookup that
// converges without finding it returns a result with Found unset and no
// error.
func (l *Lookuper) LookupContent(ctx context.Context, id enode.ID) (*LookupResult, error) {
	return l.run(ctx, KindContent, id)
}

type queryResult struct {
	from    *enode.Record
	records []*enode.Record
	content []byte
	found   bool
	err     error
}

func (l *Lookuper) run(ctx context.Context, kind LookupKind, target enode.ID) (*LookupResult, error) {
	start := l.clock.Now()
	result := &LookupResult{ID: uuid.New(), Kind: kind, Target: target}
	logger := l.logger.WithFields(logrus.Fields{
		"lookup": result.ID.String(),
		"kind":   kind.String(),
		"target": target.TerminalString(),
	})

	seeds := l.table.Closest(target, l.cfg.K)
	if len(seeds) == 0 {
		l.cfg.Metrics.LookupCompleted(kind.String(), "no_nodes", 0, 0)
		return nil, &LookupError{ID: result.ID, Target: target, Err: ErrNoBootstrapNodes}
	}
	l.table.MarkLookup(target)

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	timer := l.clock.AfterFunc(l.cfg.Timeout, func() { cancel(ErrLookupTimedOut) })
	defer timer.Stop()

	sl := newShortlist(target, l.cfg.K)
	sl.add(seeds...)

	var failure error
	width := l.cfg.Alpha
	for !result.Found {
		batch := sl.nextBatch(width)
		if len(batch) == 0 {
			break
		}
		if result.Rounds >= l.cfg.MaxRounds {
			failure = ErrLookupTimedOut
			break
		}
		result.Rounds++
		best := sl.best()

		results := make(chan queryResult, len(batch))
		for _, rec := range batch {
			result.Queried++
			go func(rec *enode.Record) {
				results <- l.query(ctx, kind, target, rec)
			}(rec)
		}

		for i := 0; i < len(batch); i++ {
			var r queryResult
			select {
			case r = <-results:
			case <-ctx.Done():
			}
			if ctx.Err() != nil {
				failure = context.Cause(ctx)
				break
			}
			l.merge(sl, result, r)
			if result.Found {
				// Stragglers are abandoned; their answers still reach the
				// table through the session layer.
				cancel(nil)
				break
			}
		}
		if failure != nil || result.Found {
			break
		}

		// Without progress, widen the next round to every unqueried entry
		// of the top k.
		if sl.best() == best {
			width = l.cfg.K
		} else {
			width = l.cfg.Alpha
		}

		logger.WithFields(logrus.Fields{
			"function": "run",
			"round":    result.Rounds,
			"queried":  result.Queried,
		}).Debug("Lookup round complete")
	}

	result.Closest = sl.responded(l.cfg.K)
	result.Elapsed = l.clock.Since(start)

	if failure != nil {
		outcome := "timeout"
		if !errors.Is(failure, ErrLookupTimedOut) {
			outcome = "cancelled"
		}
		l.cfg.Metrics.LookupCompleted(kind.String(), outcome, result.Rounds, result.Elapsed)
		logger.WithFields(logrus.Fields{
			"function": "run",
			"rounds":   result.Rounds,
			"error":    failure.Error(),
		}).Info("Lookup ended early")
		return nil, &LookupError{ID: result.ID, Target: target, Err: failure, Partial: result}
	}

	outcome := "converged"
	if result.Found {
		outcome = "found"
	}
	l.cfg.Metrics.LookupCompleted(kind.String(), outcome, result.Rounds, result.Elapsed)
	logger.WithFields(logrus.Fields{
		"function": "run",
		"rounds":   result.Rounds,
		"closest":  len(result.Closest),
		"found":    result.Found,
	}).Debug("Lookup finished")
	return result, nil
}

func (l *Lookuper) query(ctx context.Context, kind LookupKind, target enode.ID, peer *enode.Record) queryResult {
	var req protocol.Message = &protocol.FindNode{Target: target}
	if kind == KindContent {
		req = &protocol.FindContent{ContentID: target}
	}
	call, err := l.dispatcher.Request(ctx, peer, req)
	if err != nil {
		return queryResult{from: peer, err: err}
	}
	responses, err := call.Wait(ctx)
	if err != nil {
		return queryResult{from: peer, err: err}
	}

	r := queryResult{from: peer}
	var chunks []*protocol.Content
	for _, msg := range responses {
		switch m := msg.(type) {
		case *protocol.Nodes:
			r.records = append(r.records, m.Records...)
		case *protocol.Content:
			if m.HasPayload() {
				chunks = append(chunks, m)
			}
			r.records = append(r.records, m.Closer...)
		}
	}
	if len(chunks) > 0 {
		content, err := protocol.JoinContent(chunks)
		if err != nil {
			return queryResult{from: peer, err: err}
		}
		r.content = content
		r.found = true
	}
	return r
}

// merge folds one query result into the shortlist.
func (l *Lookuper) merge(sl *shortlist, result *LookupResult, r queryResult) {
	if r.err != nil {
		sl.markFailed(r.from.ID)
		return
	}
	sl.markResponded(r.from.ID)

	for _, rec := range r.records {
		if rec.ID == l.table.Self() {
			continue
		}
		if err := rec.Verify(); err != nil {
			l.logger.WithFields(logrus.Fields{
				"function": "merge",
				"from":     r.from.ID.TerminalString(),
				"record":   rec.ID.TerminalString(),
			}).Warn("Ignoring record with invalid signature")
			continue
		}
		sl.add(rec)
		l.cfg.Observe(rec)
	}

	if r.found && !result.Found {
		result.Found = true
		result.Content = r.content
		result.ContentFrom = r.from
	}
}

type lookupEntry struct {
	rec       *enode.Record
	queried   bool
	responded bool
	failed    bool
}

// shortlist is the candidate set of one lookup, ordered by distance and
// deduplicated by ID. It is owned by the lookup goroutine.
type shortlist struct {
	target  enode.ID
	k       int
	entries []*lookupEntry
	index   map[enode.ID]*lookupEntry
}

func newShortlist(target enode.ID, k int) *shortlist {
	return &shortlist{target: target, k: k, index: make(map[enode.ID]*lookupEntry)}
}

func (s *shortlist) add(records ...*enode.Record) {
	for _, rec := range records {
		if e, ok := s.index[rec.ID]; ok {
			if rec.Seq > e.rec.Seq {
				e.rec = rec
			}
			continue
		}
		e := &lookupEntry{rec: rec}
		s.index[rec.ID] = e
		i := sort.Search(len(s.entries), func(i int) bool {
			return enode.Closer(s.target, rec.ID, s.entries[i].rec.ID)
		})
		s.entries = append(s.entries, nil)
		copy(s.entries[i+1:], s.entries[i:])
		s.entries[i] = e
	}
}

// nextBatch marks and returns up to n unqueried entries among the k
// closest live ones.
func (s *shortlist) nextBatch(n int) []*enode.Record {
	var batch []*enode.Record
	considered := 0
	for _, e := range s.entries {
		if e.failed {
			continue
		}
		if considered >= s.k || len(batch) >= n {
			break
		}
		considered++
		if !e.queried {
			e.queried = true
			batch = append(batch, e.rec)
		}
	}
	return batch
}

// best returns the closest live entry.
func (s *shortlist) best() enode.ID {
	for _, e := range s.entries {
		if !e.failed {
			return e.rec.ID
		}
	}
	return enode.ID{}
}

func (s *shortlist) markResponded(id enode.ID) {
	if e, ok := s.index[id]; ok {
		e.responded = true
	}
}

func (s *shortlist) markFailed(id enode.ID) {
	if e, ok := s.index[id]; ok {
		e.failed = true
	}
}

func (s *shortlist) responded(n int) []*enode.Record {
	var out []*enode.Record
	for _, e := range s.entries {
		if len(out) >= n {
			break
		}
		if e.responded {
			out = append(out, e.rec)
		}
	}
	return out
}
