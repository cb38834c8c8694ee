package cob

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"weft/internal/object"

	werr "weft/internal/errors"
)

// Graph is the causal history of one collaborative object: a DAG over
// verified operations, edges given by explicit parent references. Wall
// clock time plays no part in it.
//
// Insertion is serialized per graph. Operations whose parents are not yet
// known are buffered in a pending arena keyed by the missing hash and
// admitted once every parent has arrived; resolution runs as an iterative
// work queue so adversarial parent chains cannot grow the stack.
type Graph struct {
	mu       sync.Mutex
	root     object.Hash
	nodes    map[object.Hash]*Operation
	children map[object.Hash]map[object.Hash]struct{}
	pending  map[object.Hash]map[object.Hash]*pendingOp // missing parent -> waiting ops
	waiting  map[object.Hash]*pendingOp                 // op id -> pending entry
	horizon  time.Duration
}

type pendingOp struct {
	id       object.Hash
	op       *Operation
	missing  map[object.Hash]struct{}
	buffered time.Time
}

// NewGraph creates an empty graph for the object rooted at root. Pending
// operations older than horizon are dropped by ExpirePending.
func NewGraph(root object.Hash, horizon time.Duration) *Graph {
	return &Graph{
		root:     root,
		nodes:    make(map[object.Hash]*Operation),
		children: make(map[object.Hash]map[object.Hash]struct{}),
		pending:  make(map[object.Hash]map[object.Hash]*pendingOp),
		waiting:  make(map[object.Hash]*pendingOp),
		horizon:  horizon,
	}
}

// Root returns the object's root operation hash.
func (g *Graph) Root() object.Hash {
	return g.root
}

// Insert adds a verified operation to the graph. Inserting a known
// operation is a no-op. If any parent is unknown the operation is buffered
// and a DanglingParent error is returned; the caller treats it as
// non-fatal and the operation is admitted automatically once its parents
// arrive, recursively unblocking anything waiting on it.
func (g *Graph) Insert(id object.Hash, op *Operation) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[id]; ok {
		return nil
	}
	if _, ok := g.waiting[id]; ok {
		return werr.DanglingParent(fmt.Sprintf("operation %s already buffered", id.Short()))
	}

	if len(op.Parents) == 0 {
		if id != g.root {
			return werr.Verification(fmt.Sprintf("operation %s claims to be a root of %s", id.Short(), g.root.Short()), nil)
		}
	} else if op.Root != g.root {
		return werr.Verification(fmt.Sprintf("operation %s belongs to %s", id.Short(), op.Root.Short()), nil)
	}

	missing := make(map[object.Hash]struct{})
	for _, p := range op.Parents {
		if _, ok := g.nodes[p]; !ok {
			missing[p] = struct{}{}
		}
	}

	if len(missing) > 0 {
		pend := &pendingOp{id: id, op: op, missing: missing, buffered: time.Now()}
		for p := range missing {
			if g.pending[p] == nil {
				g.pending[p] = make(map[object.Hash]*pendingOp)
			}
			g.pending[p][id] = pend
		}
		g.waiting[id] = pend
		return werr.DanglingParent(fmt.Sprintf("operation %s waits on %d parents", id.Short(), len(missing)))
	}

	g.admit(id, op)
	return nil
}

// admit links a fully-resolved operation into the graph and drains the
// pending arena iteratively. Caller holds the lock.
func (g *Graph) admit(id object.Hash, op *Operation) {
	queue := []object.Hash{}

	add := func(id object.Hash, op *Operation) {
		g.nodes[id] = op
		for _, p := range op.Parents {
			if g.children[p] == nil {
				g.children[p] = make(map[object.Hash]struct{})
			}
			g.children[p][id] = struct{}{}
		}
		queue = append(queue, id)
	}
	add(id, op)

	for len(queue) > 0 {
		resolved := queue[0]
		queue = queue[1:]

		waiters := g.pending[resolved]
		if waiters == nil {
			continue
		}
		delete(g.pending, resolved)

		for wid, pend := range waiters {
			delete(pend.missing, resolved)
			if len(pend.missing) == 0 {
				delete(g.waiting, wid)
				add(wid, pend.op)
			}
		}
	}
}

// RootOp returns the root operation, if it has been merged.
func (g *Graph) RootOp() (*Operation, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	op, ok := g.nodes[g.root]
	return op, ok
}

// Contains reports whether the operation is merged into the graph.
func (g *Graph) Contains(id object.Hash) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.nodes[id]
	return ok
}

// Len returns the number of merged operations.
func (g *Graph) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.nodes)
}

// PendingCount returns the number of buffered operations still waiting on
// missing parents.
func (g *Graph) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.waiting)
}

// Known returns the sorted hashes of all merged operations.
func (g *Graph) Known() []object.Hash {
	g.mu.Lock()
	defer g.mu.Unlock()

	ids := make([]object.Hash, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Heads returns the sorted hashes of operations no other operation cites
// as a parent. Multiple heads are normal: they are concurrent edits that
// have not yet observed each other.
func (g *Graph) Heads() []object.Hash {
	g.mu.Lock()
	defer g.mu.Unlock()

	heads := make([]object.Hash, 0, 2)
	for id := range g.nodes {
		if len(g.children[id]) == 0 {
			heads = append(heads, id)
		}
	}
	sort.Slice(heads, func(i, j int) bool { return heads[i] < heads[j] })
	return heads
}

// Ordered returns the operations in the graph's deterministic traversal
// order: topological, with concurrent operations tie-broken by ascending
// operation hash. The order is a pure function of the operation set, so
// every replica holding the same set computes the same sequence.
func (g *Graph) Ordered() []OrderedOp {
	g.mu.Lock()
	defer g.mu.Unlock()

	indegree := make(map[object.Hash]int, len(g.nodes))
	for id, op := range g.nodes {
		n := 0
		for _, p := range op.Parents {
			if _, ok := g.nodes[p]; ok {
				n++
			}
		}
		indegree[id] = n
	}

	ready := make([]object.Hash, 0, len(g.nodes))
	for id, n := range indegree {
		if n == 0 {
			ready = append(ready, id)
		}
	}

	order := make([]OrderedOp, 0, len(g.nodes))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })
		next := ready[0]
		ready = ready[1:]

		order = append(order, OrderedOp{ID: next, Op: g.nodes[next]})
		for child := range g.children[next] {
			indegree[child]--
			if indegree[child] == 0 {
				ready = append(ready, child)
			}
		}
	}
	return order
}

// OrderedOp pairs an operation with its identity for traversal.
type OrderedOp struct {
	ID object.Hash
	Op *Operation
}

// ExpirePending drops buffered operations older than the horizon whose
// parents never arrived. Returns the number dropped.
func (g *Graph) ExpirePending(now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.horizon <= 0 {
		return 0
	}

	dropped := 0
	for id, pend := range g.waiting {
		if now.Sub(pend.buffered) < g.horizon {
			continue
		}
		delete(g.waiting, id)
		for p := range pend.missing {
			delete(g.pending[p], id)
			if len(g.pending[p]) == 0 {
				delete(g.pending, p)
			}
		}
		dropped++
	}
	return dropped
}
