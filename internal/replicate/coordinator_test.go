package replicate

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weft/internal/cob"
	cobstorage "weft/internal/cob/storage"
	"weft/internal/identity"
	"weft/internal/object"

	werr "weft/internal/errors"
)

func setupCoordinator(t *testing.T, opts Options) (*Coordinator, *object.Store, *cobstorage.Store, func()) {
	dir, err := os.MkdirTemp("", "replicate-test")
	require.NoError(t, err)

	dbOpts := badger.DefaultOptions(dir).WithInMemory(true)
	dbOpts.Logger = nil // Disable logging for tests
	dbOpts.Dir = ""
	dbOpts.ValueDir = ""

	db, err := badger.Open(dbOpts)
	require.NoError(t, err)

	objects, err := object.New(db, object.Options{Root: dir})
	require.NoError(t, err)

	index := cobstorage.NewStore(db)
	coordinator := NewCoordinator(objects, index, opts, nil)

	cleanup := func() {
		db.Close()
		os.RemoveAll(dir)
	}
	return coordinator, objects, index, cleanup
}

// testPeer serves canned envelopes and can inject fetch failures.
type testPeer struct {
	id    string
	known map[object.Hash][]object.Hash
	data  map[object.Hash][]byte
	fail  map[object.Hash]int // remaining failures per object
}

func newTestPeer(id string) *testPeer {
	return &testPeer{
		id:    id,
		known: make(map[object.Hash][]object.Hash),
		data:  make(map[object.Hash][]byte),
		fail:  make(map[object.Hash]int),
	}
}

func (p *testPeer) offer(root, id object.Hash, data []byte) {
	p.known[root] = append(p.known[root], id)
	p.data[id] = data
}

func (p *testPeer) ID() string { return p.id }

func (p *testPeer) Roots(ctx context.Context) ([]object.Hash, error) {
	roots := make([]object.Hash, 0, len(p.known))
	for root := range p.known {
		roots = append(roots, root)
	}
	return roots, nil
}

func (p *testPeer) KnownHashes(ctx context.Context, root object.Hash) (map[object.Hash]struct{}, error) {
	set := make(map[object.Hash]struct{})
	for _, id := range p.known[root] {
		set[id] = struct{}{}
	}
	return set, nil
}

func (p *testPeer) Fetch(ctx context.Context, h object.Hash) ([]byte, error) {
	if p.fail[h] > 0 {
		p.fail[h]--
		return nil, werr.Transport("injected fetch failure", nil)
	}
	data, ok := p.data[h]
	if !ok {
		return nil, werr.Transport("object not held", nil)
	}
	return data, nil
}

// opBundle is a signed operation with its envelope and identity.
type opBundle struct {
	op   *cob.Operation
	id   object.Hash
	data []byte
}

func makeOp(t *testing.T, author *identity.Identity, root object.Hash, parents []object.Hash, payload cob.Payload) opBundle {
	t.Helper()
	op := cob.NewOperation(root, parents, payload)
	require.NoError(t, op.Sign(author))
	data, err := op.Encode()
	require.NoError(t, err)
	id, err := op.ID()
	require.NoError(t, err)
	return opBundle{op: op, id: id, data: data}
}

func TestSync(t *testing.T) {
	author, err := identity.Generate()
	require.NoError(t, err)

	root := makeOp(t, author, object.ZeroHash, nil, cob.Payload{Kind: cob.KindInit, Title: "Remote patch"})
	comment := makeOp(t, author, root.id, []object.Hash{root.id}, cob.Payload{Kind: cob.KindComment, Body: "hello"})
	merge := makeOp(t, author, root.id, []object.Hash{comment.id}, cob.Payload{Kind: cob.KindMerge})

	t.Run("FullSyncAndNoOpResync", func(t *testing.T) {
		coordinator, _, index, cleanup := setupCoordinator(t, Options{})
		defer cleanup()

		peer := newTestPeer("peer-1")
		peer.offer(root.id, root.id, root.data)
		peer.offer(root.id, comment.id, comment.data)
		peer.offer(root.id, merge.id, merge.data)

		report, err := coordinator.Sync(context.Background(), peer, root.id)
		require.NoError(t, err)
		assert.Equal(t, 3, report.Accepted)
		assert.Equal(t, 0, report.Rejected)
		assert.Equal(t, 0, report.Pending)
		assert.Equal(t, 3, report.Known)
		assert.False(t, report.NoOp)

		state, err := coordinator.State(root.id)
		require.NoError(t, err)
		assert.Equal(t, "Remote patch", state.Title)
		assert.Equal(t, cob.StatusMerged, state.Status)
		assert.Len(t, state.Comments, 1)

		known, err := index.Known(root.id)
		require.NoError(t, err)
		assert.Len(t, known, 3)

		// The peer has nothing new; re-sync is a no-op and state is not
		// recomputed.
		recomputes := coordinator.Recomputes()
		report, err = coordinator.Sync(context.Background(), peer, root.id)
		require.NoError(t, err)
		assert.True(t, report.NoOp)
		assert.Equal(t, recomputes, coordinator.Recomputes())
	})

	t.Run("TamperedOperationRejectedWithoutAborting", func(t *testing.T) {
		coordinator, _, _, cleanup := setupCoordinator(t, Options{})
		defer cleanup()

		forged := makeOp(t, author, root.id, []object.Hash{root.id}, cob.Payload{Kind: cob.KindComment, Body: "genuine"})
		forged.op.Payload.Body = "forged"
		forgedData, err := forged.op.Encode()
		require.NoError(t, err)
		forgedID, err := object.ComputeHash(forgedData)
		require.NoError(t, err)

		peer := newTestPeer("peer-1")
		peer.offer(root.id, root.id, root.data)
		peer.offer(root.id, forgedID, forgedData)

		report, err := coordinator.Sync(context.Background(), peer, root.id)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Accepted)
		assert.Equal(t, 1, report.Rejected)

		state, err := coordinator.State(root.id)
		require.NoError(t, err)
		assert.Empty(t, state.Comments)

		// Redelivery rejects it again; it never enters the graph.
		report, err = coordinator.Sync(context.Background(), peer, root.id)
		require.NoError(t, err)
		assert.Equal(t, 0, report.Accepted)
		assert.Equal(t, 1, report.Rejected)
	})

	t.Run("WrongContentAddressRejected", func(t *testing.T) {
		coordinator, _, index, cleanup := setupCoordinator(t, Options{})
		defer cleanup()

		// A genuine signed envelope advertised under some other object's
		// hash. The signature verifies; the address does not.
		bogus, err := object.ComputeHash([]byte("not the comment bytes"))
		require.NoError(t, err)

		peer := newTestPeer("peer-1")
		peer.offer(root.id, root.id, root.data)
		peer.offer(root.id, bogus, comment.data)

		report, err := coordinator.Sync(context.Background(), peer, root.id)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Accepted)
		assert.Equal(t, 1, report.Rejected)

		// The fabricated id never reaches the index, so a cold reload
		// from the store still materializes.
		known, err := index.Known(root.id)
		require.NoError(t, err)
		assert.NotContains(t, known, bogus)

		state, err := coordinator.Refresh(root.id)
		require.NoError(t, err)
		assert.Equal(t, "Remote patch", state.Title)
		assert.Empty(t, state.Comments)
	})

	t.Run("IndexFailureStillStampsDuration", func(t *testing.T) {
		coordinator, _, _, cleanup := setupCoordinator(t, Options{})
		cleanup() // closed database makes the local index read fail

		peer := newTestPeer("peer-1")
		peer.offer(root.id, root.id, root.data)

		report, err := coordinator.Sync(context.Background(), peer, root.id)
		require.Error(t, err)
		assert.NotZero(t, report.Duration)
	})

	t.Run("DanglingParentsResolveAcrossPeers", func(t *testing.T) {
		coordinator, _, _, cleanup := setupCoordinator(t, Options{})
		defer cleanup()

		// The first peer holds everything but the root.
		partial := newTestPeer("partial")
		partial.offer(root.id, comment.id, comment.data)
		partial.offer(root.id, merge.id, merge.data)

		report, err := coordinator.Sync(context.Background(), partial, root.id)
		require.NoError(t, err)
		assert.Equal(t, 0, report.Accepted)
		assert.Equal(t, 2, report.Pending)

		// The second peer supplies the root and the buffered chain admits.
		complete := newTestPeer("complete")
		complete.offer(root.id, root.id, root.data)

		report, err = coordinator.Sync(context.Background(), complete, root.id)
		require.NoError(t, err)
		assert.Equal(t, 3, report.Accepted)
		assert.Equal(t, 0, report.Pending)

		state, err := coordinator.State(root.id)
		require.NoError(t, err)
		assert.Equal(t, cob.StatusMerged, state.Status)
	})

	t.Run("FetchRetriesThenSucceeds", func(t *testing.T) {
		coordinator, _, _, cleanup := setupCoordinator(t, Options{
			FetchRetries: 3,
			RetryBackoff: time.Millisecond,
		})
		defer cleanup()

		peer := newTestPeer("flaky")
		peer.offer(root.id, root.id, root.data)
		peer.fail[root.id] = 2

		report, err := coordinator.Sync(context.Background(), peer, root.id)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Accepted)
	})

	t.Run("FetchExhaustionSurfacesTransportError", func(t *testing.T) {
		coordinator, _, _, cleanup := setupCoordinator(t, Options{
			FetchRetries: 2,
			RetryBackoff: time.Millisecond,
		})
		defer cleanup()

		peer := newTestPeer("down")
		peer.offer(root.id, root.id, root.data)
		peer.fail[root.id] = 10

		report, err := coordinator.Sync(context.Background(), peer, root.id)
		require.Error(t, err)
		assert.True(t, werr.IsKind(err, werr.KindTransport))
		assert.Error(t, report.Err)
		assert.Equal(t, 0, report.Accepted)
	})

	t.Run("SyncAllIsolatesFailingPeers", func(t *testing.T) {
		coordinator, _, _, cleanup := setupCoordinator(t, Options{
			FanOut:       2,
			FetchRetries: 1,
			RetryBackoff: time.Millisecond,
		})
		defer cleanup()

		down := newTestPeer("down")
		down.offer(root.id, root.id, root.data)
		down.fail[root.id] = 10

		up := newTestPeer("up")
		up.offer(root.id, root.id, root.data)
		up.offer(root.id, comment.id, comment.data)

		reports := coordinator.SyncAll(context.Background(), []Peer{down, up}, root.id)
		require.Len(t, reports, 2)
		assert.Equal(t, "down", reports[0].Peer)
		assert.Error(t, reports[0].Err)
		assert.Equal(t, "up", reports[1].Peer)
		assert.NoError(t, reports[1].Err)

		state, err := coordinator.State(root.id)
		require.NoError(t, err)
		assert.Equal(t, "Remote patch", state.Title)
	})

	t.Run("CancelledContextStopsFetching", func(t *testing.T) {
		coordinator, _, _, cleanup := setupCoordinator(t, Options{})
		defer cleanup()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		peer := newTestPeer("peer")
		peer.offer(root.id, root.id, root.data)

		_, err := coordinator.Sync(ctx, peer, root.id)
		assert.True(t, errors.Is(err, context.Canceled))
	})
}

func TestApply(t *testing.T) {
	author, err := identity.Generate()
	require.NoError(t, err)

	coordinator, objects, _, cleanup := setupCoordinator(t, Options{})
	defer cleanup()

	root := makeOp(t, author, object.ZeroHash, nil, cob.Payload{Kind: cob.KindInit, Title: "Local patch"})
	_, err = objects.Put(root.data)
	require.NoError(t, err)

	state, err := coordinator.Apply(root.id, root.id, root.op)
	require.NoError(t, err)
	assert.Equal(t, "Local patch", state.Title)

	heads, err := coordinator.Heads(root.id)
	require.NoError(t, err)
	assert.Equal(t, []object.Hash{root.id}, heads)

	comment := makeOp(t, author, root.id, heads, cob.Payload{Kind: cob.KindComment, Body: "note"})
	_, err = objects.Put(comment.data)
	require.NoError(t, err)

	state, err = coordinator.Apply(root.id, comment.id, comment.op)
	require.NoError(t, err)
	assert.Len(t, state.Comments, 1)

	heads, err = coordinator.Heads(root.id)
	require.NoError(t, err)
	assert.Equal(t, []object.Hash{comment.id}, heads)
}

func TestStorePeer(t *testing.T) {
	author, err := identity.Generate()
	require.NoError(t, err)

	_, objects, index, cleanup := setupCoordinator(t, Options{})
	defer cleanup()

	root := makeOp(t, author, object.ZeroHash, nil, cob.Payload{Kind: cob.KindInit, Title: "Served patch"})
	id, err := objects.Put(root.data)
	require.NoError(t, err)
	require.NoError(t, index.AddOps(root.id, cob.TypePatch, []object.Hash{id}))

	peer := NewStorePeer("local", objects, index)
	assert.Equal(t, "local", peer.ID())

	roots, err := peer.Roots(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []object.Hash{root.id}, roots)

	known, err := peer.KnownHashes(context.Background(), root.id)
	require.NoError(t, err)
	assert.Contains(t, known, root.id)

	data, err := peer.Fetch(context.Background(), root.id)
	require.NoError(t, err)
	assert.Equal(t, root.data, data)

	_, err = peer.Fetch(context.Background(), object.Hash("missing"))
	require.Error(t, err)
	assert.True(t, werr.IsKind(err, werr.KindTransport))
}
