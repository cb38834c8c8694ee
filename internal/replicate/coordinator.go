package replicate

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"weft/internal/cob"
	cobstorage "weft/internal/cob/storage"
	"weft/internal/object"

	werr "weft/internal/errors"
)

// Options tunes replication behavior.
type Options struct {
	// FanOut bounds the number of peers synced concurrently.
	FanOut int
	// FetchRetries is the number of attempts per object fetch.
	FetchRetries int
	// RetryBackoff is the base delay between fetch attempts; attempt n
	// waits n times this long.
	RetryBackoff time.Duration
	// PendingHorizon is how long an operation may wait for missing
	// parents before it is dropped.
	PendingHorizon time.Duration
}

func (o Options) withDefaults() Options {
	if o.FanOut == 0 {
		o.FanOut = 4
	}
	if o.FetchRetries == 0 {
		o.FetchRetries = 3
	}
	if o.RetryBackoff == 0 {
		o.RetryBackoff = 100 * time.Millisecond
	}
	if o.PendingHorizon == 0 {
		o.PendingHorizon = 24 * time.Hour
	}
	return o
}

// SyncReport summarizes one sync pass against one peer.
type SyncReport struct {
	ID       string // session identifier
	Peer     string
	Root     object.Hash
	Accepted int // operations newly merged into the graph
	Rejected int // operations that failed verification, permanently
	Pending  int // operations still buffered on missing parents
	Known    int // total merged operations after the pass
	NoOp     bool
	Duration time.Duration
	Err      error
}

// Coordinator merges remote operation logs into local state. Insertion is
// serialized per collaborative object; syncs of different objects and
// against different peers proceed concurrently up to the fan-out bound.
type Coordinator struct {
	objects *object.Store
	index   *cobstorage.Store
	opts    Options
	logger  *zap.Logger

	mu       sync.Mutex
	cobLocks map[object.Hash]*sync.Mutex
	graphs   map[object.Hash]*cob.Graph
	states   map[object.Hash]*cob.Patch

	recomputes int // materialization passes, for observability
}

func NewCoordinator(objects *object.Store, index *cobstorage.Store, opts Options, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		objects:  objects,
		index:    index,
		opts:     opts.withDefaults(),
		logger:   logger,
		cobLocks: make(map[object.Hash]*sync.Mutex),
		graphs:   make(map[object.Hash]*cob.Graph),
		states:   make(map[object.Hash]*cob.Patch),
	}
}

func (c *Coordinator) lockFor(root object.Hash) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cobLocks[root] == nil {
		c.cobLocks[root] = &sync.Mutex{}
	}
	return c.cobLocks[root]
}

// Sync pulls the delta for one collaborative object from one peer.
// Verification failures reject individual operations without aborting the
// rest; only storage failure aborts the cycle. Re-syncing a peer that
// offers nothing new is a no-op.
func (c *Coordinator) Sync(ctx context.Context, peer Peer, root object.Hash) (*SyncReport, error) {
	start := time.Now()
	report := &SyncReport{
		ID:   uuid.New().String(),
		Peer: peer.ID(),
		Root: root,
	}
	log := c.logger.With(zap.String("peer", peer.ID()), zap.String("cob", root.Short()))

	remote, err := peer.KnownHashes(ctx, root)
	if err != nil {
		report.Err = err
		report.Duration = time.Since(start)
		return report, err
	}

	local, err := c.index.Known(root)
	if err != nil {
		report.Duration = time.Since(start)
		return report, fmt.Errorf("reading local index: %w", err)
	}
	localSet := make(map[object.Hash]struct{}, len(local))
	for _, h := range local {
		localSet[h] = struct{}{}
	}

	delta := make([]object.Hash, 0)
	for h := range remote {
		if _, ok := localSet[h]; !ok {
			delta = append(delta, h)
		}
	}
	sort.Slice(delta, func(i, j int) bool { return delta[i] < delta[j] })

	if len(delta) == 0 {
		report.NoOp = true
		report.Known = len(local)
		report.Duration = time.Since(start)
		return report, nil
	}

	// Fetch and verify the delta. Failed verification discards the
	// operation; it never appears in the graph no matter how often it is
	// redelivered.
	type fetched struct {
		id object.Hash
		op *cob.Operation
	}
	verified := make([]fetched, 0, len(delta))
	var fetchErr error

	for _, h := range delta {
		if err := ctx.Err(); err != nil {
			fetchErr = err
			break
		}

		data, err := c.fetchWithRetry(ctx, peer, h)
		if err != nil {
			fetchErr = err
			break
		}

		op, err := cob.DecodeOperation(data)
		if err != nil {
			report.Rejected++
			log.Warn("discarding malformed envelope", zap.String("op", h.Short()), zap.Error(err))
			continue
		}
		if err := op.Verify(); err != nil {
			report.Rejected++
			log.Warn("discarding unverifiable operation", zap.String("op", h.Short()), zap.Error(err))
			continue
		}

		// Content addressing makes this write idempotent; concurrent
		// writers of the same bytes collapse to one object.
		stored, err := c.objects.Put(data)
		if err != nil {
			report.Duration = time.Since(start)
			return report, werr.Storage("persisting fetched operation", err)
		}
		// The advertised hash must be the content address of the served
		// bytes. Merging under a peer-chosen id would leave the index
		// pointing at an object the store does not hold, and the id feeds
		// the deterministic ordering.
		if stored != h {
			report.Rejected++
			log.Warn("discarding operation advertised under wrong hash",
				zap.String("advertised", h.Short()),
				zap.String("actual", stored.Short()),
			)
			continue
		}
		verified = append(verified, fetched{id: h, op: op})
	}

	// Merge what was fully fetched and verified. Partial fetches are
	// safe: merges are monotonic and idempotent, so there is nothing to
	// roll back.
	lock := c.lockFor(root)
	lock.Lock()
	defer lock.Unlock()

	g, err := c.loadGraphLocked(root)
	if err != nil {
		report.Duration = time.Since(start)
		return report, err
	}

	before := g.Len()
	for _, f := range verified {
		if err := g.Insert(f.id, f.op); err != nil {
			if werr.IsKind(err, werr.KindDanglingParent) {
				continue // buffered, resolves when parents arrive
			}
			report.Rejected++
			log.Warn("discarding operation", zap.String("op", f.id.Short()), zap.Error(err))
		}
	}
	g.ExpirePending(time.Now())

	report.Accepted = g.Len() - before
	report.Pending = g.PendingCount()
	report.Known = g.Len()

	if report.Accepted > 0 {
		typ := ""
		if rootOp, ok := g.RootOp(); ok {
			typ = rootOp.Type
		}
		if err := c.index.AddOps(root, typ, g.Known()); err != nil {
			report.Duration = time.Since(start)
			return report, werr.Storage("updating cob index", err)
		}

		// One recompute per batch; materialization is a pure function of
		// the operation set, so batching cannot change the result.
		state, err := cob.Materialize(g)
		if err != nil {
			report.Duration = time.Since(start)
			return report, fmt.Errorf("materializing %s: %w", root.Short(), err)
		}
		c.mu.Lock()
		c.states[root] = state
		c.recomputes++
		c.mu.Unlock()
	}

	report.Err = fetchErr
	report.Duration = time.Since(start)
	log.Info("sync complete",
		zap.Int("accepted", report.Accepted),
		zap.Int("rejected", report.Rejected),
		zap.Int("pending", report.Pending),
	)
	if fetchErr != nil {
		return report, fetchErr
	}
	return report, nil
}

// SyncAll syncs one collaborative object against every peer, bounded by
// the configured fan-out. A failing peer is reported and does not affect
// the others. Reports are returned in peer order.
func (c *Coordinator) SyncAll(ctx context.Context, peers []Peer, root object.Hash) []*SyncReport {
	reports := make([]*SyncReport, len(peers))
	sem := make(chan struct{}, c.opts.FanOut)
	var wg sync.WaitGroup

	for i, peer := range peers {
		wg.Add(1)
		go func(i int, peer Peer) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			report, err := c.Sync(ctx, peer, root)
			if err != nil {
				report.Err = err
			}
			reports[i] = report
		}(i, peer)
	}
	wg.Wait()
	return reports
}

// State returns the materialized state for root, computing it on demand.
func (c *Coordinator) State(root object.Hash) (*cob.Patch, error) {
	c.mu.Lock()
	if state, ok := c.states[root]; ok {
		c.mu.Unlock()
		return state, nil
	}
	c.mu.Unlock()
	return c.Refresh(root)
}

// Refresh reloads the graph for root from the index and store, replacing
// any cached copy, and recomputes the materialized state. Used when
// objects arrive out of band, e.g. written by another process.
func (c *Coordinator) Refresh(root object.Hash) (*cob.Patch, error) {
	lock := c.lockFor(root)
	lock.Lock()
	defer lock.Unlock()

	c.mu.Lock()
	delete(c.graphs, root)
	c.mu.Unlock()

	g, err := c.loadGraphLocked(root)
	if err != nil {
		return nil, err
	}
	state, err := cob.Materialize(g)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.states[root] = state
	c.recomputes++
	c.mu.Unlock()
	return state, nil
}

// Heads returns the current graph heads for root.
func (c *Coordinator) Heads(root object.Hash) ([]object.Hash, error) {
	lock := c.lockFor(root)
	lock.Lock()
	defer lock.Unlock()

	g, err := c.loadGraphLocked(root)
	if err != nil {
		return nil, err
	}
	return g.Heads(), nil
}

// Recomputes reports how many materialization passes have run.
func (c *Coordinator) Recomputes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recomputes
}

// loadGraphLocked returns the cached graph for root, reconstructing it
// from the index on first use. The cache keeps the pending-parent arena
// alive across sync passes so buffered operations resolve on later
// arrivals. Caller holds the per-object lock.
func (c *Coordinator) loadGraphLocked(root object.Hash) (*cob.Graph, error) {
	c.mu.Lock()
	g, ok := c.graphs[root]
	c.mu.Unlock()
	if ok {
		return g, nil
	}

	known, err := c.index.Known(root)
	if err != nil {
		return nil, fmt.Errorf("reading local index: %w", err)
	}
	g, err = cob.LoadGraph(c.objects, root, known, c.opts.PendingHorizon)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.graphs[root] = g
	c.mu.Unlock()
	return g, nil
}

// Apply merges a locally appended operation, updates the index, and
// re-materializes. Used by the authoring path after Log.Append.
func (c *Coordinator) Apply(root, id object.Hash, op *cob.Operation) (*cob.Patch, error) {
	lock := c.lockFor(root)
	lock.Lock()
	defer lock.Unlock()

	g, err := c.loadGraphLocked(root)
	if err != nil {
		return nil, err
	}
	if err := g.Insert(id, op); err != nil {
		return nil, err
	}

	typ := ""
	if rootOp, ok := g.RootOp(); ok {
		typ = rootOp.Type
	}
	if err := c.index.AddOps(root, typ, g.Known()); err != nil {
		return nil, werr.Storage("updating cob index", err)
	}

	state, err := cob.Materialize(g)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.states[root] = state
	c.recomputes++
	c.mu.Unlock()
	return state, nil
}

func (c *Coordinator) fetchWithRetry(ctx context.Context, peer Peer, h object.Hash) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= c.opts.FetchRetries; attempt++ {
		data, err := peer.Fetch(ctx, h)
		if err == nil {
			return data, nil
		}
		lastErr = err

		if attempt < c.opts.FetchRetries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * c.opts.RetryBackoff):
			}
		}
	}
	return nil, werr.Transport(fmt.Sprintf("fetching %s from %s after %d attempts", h.Short(), peer.ID(), c.opts.FetchRetries), lastErr)
}
