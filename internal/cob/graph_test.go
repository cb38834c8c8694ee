package cob

import (
	"math/rand"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	werr "weft/internal/errors"
	"weft/internal/identity"
	"weft/internal/object"
)

// buildChain makes root <- a <- b as one author would append them.
func buildChain(t *testing.T, author *identity.Identity) (ops map[object.Hash]*Operation, root, a, b object.Hash) {
	t.Helper()
	ops = make(map[object.Hash]*Operation)

	rootOp, root := signedOp(t, author, object.ZeroHash, nil, Payload{Kind: KindInit, Title: "chain"})
	aOp, a := signedOp(t, author, root, []object.Hash{root}, Payload{Kind: KindComment, Body: "first"})
	bOp, b := signedOp(t, author, root, []object.Hash{a}, Payload{Kind: KindComment, Body: "second"})

	ops[root], ops[a], ops[b] = rootOp, aOp, bOp
	return ops, root, a, b
}

func TestGraph(t *testing.T) {
	author := testAuthor(t)

	t.Run("InsertInOrder", func(t *testing.T) {
		ops, root, a, b := buildChain(t, author)

		g := NewGraph(root, time.Hour)
		require.NoError(t, g.Insert(root, ops[root]))
		require.NoError(t, g.Insert(a, ops[a]))
		require.NoError(t, g.Insert(b, ops[b]))

		assert.Equal(t, 3, g.Len())
		assert.Equal(t, 0, g.PendingCount())
		assert.Equal(t, []object.Hash{b}, g.Heads())
	})

	t.Run("InsertIsIdempotent", func(t *testing.T) {
		ops, root, a, _ := buildChain(t, author)

		g := NewGraph(root, time.Hour)
		require.NoError(t, g.Insert(root, ops[root]))
		require.NoError(t, g.Insert(a, ops[a]))
		require.NoError(t, g.Insert(a, ops[a]))
		assert.Equal(t, 2, g.Len())
	})

	t.Run("DanglingParentBuffersUntilResolved", func(t *testing.T) {
		ops, root, a, b := buildChain(t, author)

		g := NewGraph(root, time.Hour)

		// Children arrive before anything they depend on.
		err := g.Insert(b, ops[b])
		assert.True(t, werr.IsKind(err, werr.KindDanglingParent))
		err = g.Insert(a, ops[a])
		assert.True(t, werr.IsKind(err, werr.KindDanglingParent))

		assert.Equal(t, 0, g.Len())
		assert.Equal(t, 2, g.PendingCount())
		assert.False(t, g.Contains(b))

		// The root arrives and the whole buffered chain resolves.
		require.NoError(t, g.Insert(root, ops[root]))
		assert.Equal(t, 3, g.Len())
		assert.Equal(t, 0, g.PendingCount())
		assert.True(t, g.Contains(b))
	})

	t.Run("RejectsForeignRootClaim", func(t *testing.T) {
		_, root, _, _ := buildChain(t, author)
		imposterOp, imposter := signedOp(t, author, object.ZeroHash, nil, Payload{Kind: KindInit, Title: "other object"})

		g := NewGraph(root, time.Hour)
		err := g.Insert(imposter, imposterOp)
		assert.True(t, werr.IsKind(err, werr.KindVerification))
	})

	t.Run("RejectsWrongRootReference", func(t *testing.T) {
		ops, root, _, _ := buildChain(t, author)
		_, otherRoot := signedOp(t, author, object.ZeroHash, nil, Payload{Kind: KindInit, Title: "other"})
		strayOp, stray := signedOp(t, author, otherRoot, []object.Hash{otherRoot}, Payload{Kind: KindComment, Body: "stray"})

		g := NewGraph(root, time.Hour)
		require.NoError(t, g.Insert(root, ops[root]))
		err := g.Insert(stray, strayOp)
		assert.True(t, werr.IsKind(err, werr.KindVerification))
	})

	t.Run("ConcurrentHeads", func(t *testing.T) {
		rootOp, root := signedOp(t, author, object.ZeroHash, nil, Payload{Kind: KindInit, Title: "forked"})
		leftOp, left := signedOp(t, author, root, []object.Hash{root}, Payload{Kind: KindComment, Body: "left"})
		rightOp, right := signedOp(t, author, root, []object.Hash{root}, Payload{Kind: KindComment, Body: "right"})

		g := NewGraph(root, time.Hour)
		require.NoError(t, g.Insert(root, rootOp))
		require.NoError(t, g.Insert(left, leftOp))
		require.NoError(t, g.Insert(right, rightOp))

		heads := g.Heads()
		assert.Len(t, heads, 2)
		assert.Contains(t, heads, left)
		assert.Contains(t, heads, right)

		// A merge citing both heads collapses them.
		mergeOp, merge := signedOp(t, author, root, []object.Hash{left, right}, Payload{Kind: KindComment, Body: "merge"})
		require.NoError(t, g.Insert(merge, mergeOp))
		assert.Equal(t, []object.Hash{merge}, g.Heads())
	})

	t.Run("OrderedStartsAtRootAndRespectsCausality", func(t *testing.T) {
		ops, root, a, b := buildChain(t, author)

		g := NewGraph(root, time.Hour)
		for id, op := range ops {
			_ = g.Insert(id, op)
		}
		require.NoError(t, g.Insert(root, ops[root]))

		order := g.Ordered()
		require.Len(t, order, 3)
		assert.Equal(t, root, order[0].ID)
		assert.Equal(t, a, order[1].ID)
		assert.Equal(t, b, order[2].ID)
	})

	t.Run("ExpirePendingDropsStaleBuffers", func(t *testing.T) {
		ops, root, _, b := buildChain(t, author)

		g := NewGraph(root, time.Minute)
		err := g.Insert(b, ops[b]) // waits on a, which never arrives
		assert.True(t, werr.IsKind(err, werr.KindDanglingParent))
		assert.Equal(t, 1, g.PendingCount())

		assert.Equal(t, 0, g.ExpirePending(time.Now()))
		assert.Equal(t, 1, g.ExpirePending(time.Now().Add(2*time.Minute)))
		assert.Equal(t, 0, g.PendingCount())
	})
}

// TestOrderedConvergence checks that the traversal order is a pure
// function of the operation set: any insertion order of any operation
// set yields the same sequence.
func TestOrderedConvergence(t *testing.T) {
	author := testAuthor(t)

	// A diamond with an extra concurrent branch and a comment chain.
	rootOp, root := signedOp(t, author, object.ZeroHash, nil, Payload{Kind: KindInit, Title: "converge"})
	type entry struct {
		id object.Hash
		op *Operation
	}
	all := []entry{{root, rootOp}}
	addOp := func(parents []object.Hash, payload Payload) object.Hash {
		op, id := signedOp(t, author, root, parents, payload)
		all = append(all, entry{id, op})
		return id
	}

	left := addOp([]object.Hash{root}, Payload{Kind: KindEdit, Title: "left title"})
	right := addOp([]object.Hash{root}, Payload{Kind: KindComment, Body: "right"})
	merge := addOp([]object.Hash{left, right}, Payload{Kind: KindComment, Body: "join"})
	c1 := addOp([]object.Hash{merge}, Payload{Kind: KindComment, Body: "one"})
	addOp([]object.Hash{c1}, Payload{Kind: KindRevision, Head: left})
	addOp([]object.Hash{merge}, Payload{Kind: KindComment, Body: "aside"})

	reference := func() []object.Hash {
		g := NewGraph(root, time.Hour)
		for _, e := range all {
			_ = g.Insert(e.id, e.op)
		}
		order := g.Ordered()
		ids := make([]object.Hash, len(order))
		for i, o := range order {
			ids[i] = o.ID
		}
		return ids
	}()

	properties := gopter.NewProperties(nil)
	properties.Property("any insertion order converges", prop.ForAll(
		func(seed int64) bool {
			shuffled := append([]entry{}, all...)
			rng := rand.New(rand.NewSource(seed))
			rng.Shuffle(len(shuffled), func(i, j int) {
				shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
			})

			g := NewGraph(root, time.Hour)
			for _, e := range shuffled {
				_ = g.Insert(e.id, e.op) // dangling inserts buffer and resolve
			}
			if g.Len() != len(all) || g.PendingCount() != 0 {
				return false
			}

			order := g.Ordered()
			if len(order) != len(reference) {
				return false
			}
			for i, o := range order {
				if o.ID != reference[i] {
					return false
				}
			}
			return true
		},
		gen.Int64(),
	))
	properties.TestingRun(t)
}
