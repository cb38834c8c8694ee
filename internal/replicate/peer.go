// Package replicate drives convergence across peers: it fetches remote
// operation logs, verifies them, merges them into the local causal
// history, and re-materializes state once per batch.
package replicate

import (
	"context"
	"fmt"

	cobstorage "weft/internal/cob/storage"
	"weft/internal/object"

	werr "weft/internal/errors"
)

// Peer is a remote source of operations. Transport-level discovery and
// connection establishment live outside this package; anything that can
// list its known hashes and serve objects can act as a peer.
type Peer interface {
	ID() string
	// Roots lists the collaborative objects the peer knows about.
	Roots(ctx context.Context) ([]object.Hash, error)
	// KnownHashes lists the peer's known operations for one object.
	KnownHashes(ctx context.Context, root object.Hash) (map[object.Hash]struct{}, error)
	// Fetch retrieves one object by hash.
	Fetch(ctx context.Context, h object.Hash) ([]byte, error)
}

// StorePeer serves another node's object store in-process. Used for
// same-host replication and tests.
type StorePeer struct {
	id      string
	objects *object.Store
	index   *cobstorage.Store
}

func NewStorePeer(id string, objects *object.Store, index *cobstorage.Store) *StorePeer {
	return &StorePeer{id: id, objects: objects, index: index}
}

func (p *StorePeer) ID() string {
	return p.id
}

func (p *StorePeer) Roots(ctx context.Context) ([]object.Hash, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	indices, err := p.index.List()
	if err != nil {
		return nil, werr.Transport(fmt.Sprintf("listing roots on %s", p.id), err)
	}
	roots := make([]object.Hash, 0, len(indices))
	for _, idx := range indices {
		roots = append(roots, object.Hash(idx.ID))
	}
	return roots, nil
}

func (p *StorePeer) KnownHashes(ctx context.Context, root object.Hash) (map[object.Hash]struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	known, err := p.index.Known(root)
	if err != nil {
		return nil, werr.Transport(fmt.Sprintf("listing known hashes on %s", p.id), err)
	}
	set := make(map[object.Hash]struct{}, len(known))
	for _, h := range known {
		set[h] = struct{}{}
	}
	return set, nil
}

func (p *StorePeer) Fetch(ctx context.Context, h object.Hash) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := p.objects.Get(h)
	if err != nil {
		return nil, werr.Transport(fmt.Sprintf("fetching %s from %s", h.Short(), p.id), err)
	}
	return data, nil
}
