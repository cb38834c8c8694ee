package history

import (
	"os"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weft/internal/cob"
	"weft/internal/object"

	werr "weft/internal/errors"
)

func setupTestStore(t *testing.T) (*object.Store, func()) {
	dir, err := os.MkdirTemp("", "history-test")
	require.NoError(t, err)

	opts := badger.DefaultOptions(dir).WithInMemory(true)
	opts.Logger = nil // Disable logging for tests
	opts.Dir = ""
	opts.ValueDir = ""

	db, err := badger.Open(opts)
	require.NoError(t, err)

	store, err := object.New(db, object.Options{Root: dir})
	require.NoError(t, err)

	cleanup := func() {
		db.Close()
		os.RemoveAll(dir)
	}
	return store, cleanup
}

// writeCommit stores one commit on top of the given parents.
func writeCommit(t *testing.T, store *object.Store, message string, parents ...object.Hash) object.Hash {
	t.Helper()
	tree, err := object.ComputeHash([]byte("tree for " + message))
	require.NoError(t, err)

	h, err := WriteCommit(store, &Commit{
		Tree:      tree,
		Parents:   parents,
		Author:    "alice",
		Message:   message,
		Timestamp: time.Now().Unix(),
	})
	require.NoError(t, err)
	return h
}

func TestCompare(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	comparator := NewComparator(store)

	// main:    c0 -- c1 -- c2
	// feature:        \-- f1 -- f2 -- f3
	c0 := writeCommit(t, store, "initial")
	c1 := writeCommit(t, store, "second", c0)
	c2 := writeCommit(t, store, "third", c1)
	f1 := writeCommit(t, store, "feature start", c1)
	f2 := writeCommit(t, store, "feature work", f1)
	f3 := writeCommit(t, store, "feature done", f2)

	t.Run("Identical", func(t *testing.T) {
		cmp, err := comparator.Compare(c2, c2)
		require.NoError(t, err)
		assert.Equal(t, RelationIdentical, cmp.Relation)
		assert.Zero(t, cmp.Ahead)
		assert.Zero(t, cmp.Behind)
	})

	t.Run("FastForwardAhead", func(t *testing.T) {
		cmp, err := comparator.Compare(f3, c1)
		require.NoError(t, err)
		assert.Equal(t, RelationFastForwardAhead, cmp.Relation)
		assert.Equal(t, 3, cmp.Ahead)
		assert.Equal(t, 0, cmp.Behind)
	})

	t.Run("FastForwardBehind", func(t *testing.T) {
		cmp, err := comparator.Compare(c1, f3)
		require.NoError(t, err)
		assert.Equal(t, RelationFastForwardBehind, cmp.Relation)
		assert.Equal(t, 0, cmp.Ahead)
		assert.Equal(t, 3, cmp.Behind)
	})

	t.Run("Diverged", func(t *testing.T) {
		cmp, err := comparator.Compare(f3, c2)
		require.NoError(t, err)
		assert.Equal(t, RelationDiverged, cmp.Relation)
		assert.Equal(t, 3, cmp.Ahead)
		assert.Equal(t, 1, cmp.Behind)
	})

	t.Run("MissingCommit", func(t *testing.T) {
		absent, err := object.ComputeHash([]byte("never fetched"))
		require.NoError(t, err)

		_, err = comparator.Compare(absent, c2)
		require.Error(t, err)
		assert.True(t, werr.IsKind(err, werr.KindMissingCommit))

		// A missing ancestor, not just a missing tip, is also surfaced.
		orphan := writeCommit(t, store, "orphan", absent)
		_, err = comparator.Compare(orphan, c2)
		assert.True(t, werr.IsKind(err, werr.KindMissingCommit))
	})
}

func TestAnnotate(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	comparator := NewComparator(store)

	c0 := writeCommit(t, store, "initial")
	c1 := writeCommit(t, store, "second", c0)
	f1 := writeCommit(t, store, "feature", c0)

	t.Run("FillsMergeability", func(t *testing.T) {
		p := &cob.Patch{
			Base:      c1,
			Revisions: []cob.Revision{{Number: 1, Head: f1}},
		}
		require.NoError(t, comparator.Annotate(p))
		require.NotNil(t, p.Mergeable)
		assert.False(t, p.Mergeable.Indeterminate)
		assert.Equal(t, string(RelationDiverged), p.Mergeable.Relation)
		assert.Equal(t, 1, p.Mergeable.Ahead)
		assert.Equal(t, 1, p.Mergeable.Behind)
	})

	t.Run("MissingCommitMarksIndeterminate", func(t *testing.T) {
		absent, err := object.ComputeHash([]byte("unreplicated"))
		require.NoError(t, err)

		p := &cob.Patch{
			Base:      c1,
			Revisions: []cob.Revision{{Number: 1, Head: absent}},
		}
		err = comparator.Annotate(p)
		require.Error(t, err)
		assert.True(t, werr.IsKind(err, werr.KindMissingCommit))
		require.NotNil(t, p.Mergeable)
		assert.True(t, p.Mergeable.Indeterminate)
	})

	t.Run("NoHeadIsIndeterminate", func(t *testing.T) {
		p := &cob.Patch{Base: c1}
		require.NoError(t, comparator.Annotate(p))
		require.NotNil(t, p.Mergeable)
		assert.True(t, p.Mergeable.Indeterminate)
	})
}
