package cob

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"weft/internal/identity"
	"weft/internal/object"
)

// Outbound receives freshly appended operations for announcement to peers.
type Outbound interface {
	Enqueue(root, op object.Hash) error
}

// Log is the local author's append-only operation log. Each author owns
// their own log; concurrent writers never share a log entry.
type Log struct {
	store    *object.Store
	identity *identity.Identity
	outbound Outbound
	logger   *zap.Logger
}

// NewLog creates a log writing as the given identity. outbound may be nil.
func NewLog(store *object.Store, id *identity.Identity, outbound Outbound, logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{store: store, identity: id, outbound: outbound, logger: logger}
}

// Author returns the log's author identifier.
func (l *Log) Author() string {
	return l.identity.DID
}

// Append constructs, signs, content-addresses, and persists a new
// operation, then enqueues it for outbound replication. It fails with a
// signing error when the local key is unavailable, writing no state.
func (l *Log) Append(root object.Hash, parents []object.Hash, payload Payload) (*Operation, object.Hash, error) {
	op := NewOperation(root, parents, payload)
	if err := op.Sign(l.identity); err != nil {
		return nil, object.ZeroHash, err
	}

	data, err := op.Encode()
	if err != nil {
		return nil, object.ZeroHash, fmt.Errorf("encoding operation: %w", err)
	}

	id, err := l.store.Put(data)
	if err != nil {
		return nil, object.ZeroHash, fmt.Errorf("storing operation: %w", err)
	}

	if l.outbound != nil {
		announceRoot := root
		if announceRoot == object.ZeroHash {
			announceRoot = id // the root operation announces itself
		}
		if err := l.outbound.Enqueue(announceRoot, id); err != nil {
			return nil, object.ZeroHash, fmt.Errorf("enqueueing for replication: %w", err)
		}
	}

	l.logger.Debug("appended operation",
		zap.String("op", id.Short()),
		zap.String("kind", string(payload.Kind)),
		zap.String("author", l.identity.DID),
	)
	return op, id, nil
}

// LoadGraph reconstructs the causal history graph for root from the known
// operation set. The known set of a fully-merged object is causally
// closed, so inserting in any order resolves through the pending buffer.
func LoadGraph(store *object.Store, root object.Hash, known []object.Hash, horizon time.Duration) (*Graph, error) {
	g := NewGraph(root, horizon)
	for _, id := range known {
		data, err := store.Get(id)
		if err != nil {
			return nil, fmt.Errorf("loading operation %s: %w", id.Short(), err)
		}
		op, err := DecodeOperation(data)
		if err != nil {
			return nil, fmt.Errorf("decoding operation %s: %w", id.Short(), err)
		}
		if err := g.Insert(id, op); err != nil {
			// Dangling inserts resolve as the rest of the set arrives.
			continue
		}
	}
	return g, nil
}
