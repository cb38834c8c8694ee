package history

import (
	"errors"
	"fmt"

	"weft/internal/cob"
	"weft/internal/object"

	werr "weft/internal/errors"
)

// Relation classifies how two branch tips relate.
type Relation string

const (
	RelationIdentical         Relation = "identical"
	RelationFastForwardAhead  Relation = "fast-forward-ahead"
	RelationFastForwardBehind Relation = "fast-forward-behind"
	RelationDiverged          Relation = "diverged"
)

// Comparison is the result of comparing two commit references.
type Comparison struct {
	Ahead    int // commits reachable from the first tip but not the second
	Behind   int // commits reachable from the second tip but not the first
	Relation Relation
}

// Comparator computes ahead/behind counts by ancestry traversal over
// stored commits.
type Comparator struct {
	store *object.Store
}

func NewComparator(store *object.Store) *Comparator {
	return &Comparator{store: store}
}

// Compare walks the ancestry of both tips and counts the commits unique
// to each side. A commit that cannot be fetched surfaces a missing-commit
// error; it is never silently treated as zero distance.
func (c *Comparator) Compare(a, b object.Hash) (Comparison, error) {
	if a == b {
		return Comparison{Relation: RelationIdentical}, nil
	}

	ancA, err := c.ancestors(a)
	if err != nil {
		return Comparison{}, err
	}
	ancB, err := c.ancestors(b)
	if err != nil {
		return Comparison{}, err
	}

	cmp := Comparison{}
	for h := range ancA {
		if _, ok := ancB[h]; !ok {
			cmp.Ahead++
		}
	}
	for h := range ancB {
		if _, ok := ancA[h]; !ok {
			cmp.Behind++
		}
	}

	switch {
	case cmp.Ahead == 0 && cmp.Behind == 0:
		cmp.Relation = RelationIdentical
	case cmp.Behind == 0:
		cmp.Relation = RelationFastForwardAhead
	case cmp.Ahead == 0:
		cmp.Relation = RelationFastForwardBehind
	default:
		cmp.Relation = RelationDiverged
	}
	return cmp, nil
}

// ancestors returns the set of commits reachable from tip, inclusive.
func (c *Comparator) ancestors(tip object.Hash) (map[object.Hash]struct{}, error) {
	seen := make(map[object.Hash]struct{})
	queue := []object.Hash{tip}

	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		if _, ok := seen[h]; ok {
			continue
		}

		commit, err := ReadCommit(c.store, h)
		if err != nil {
			if errors.Is(err, object.ErrNotFound) {
				return nil, werr.MissingCommit(fmt.Sprintf("commit %s not in store", h.Short()), err)
			}
			return nil, fmt.Errorf("reading commit %s: %w", h.Short(), err)
		}

		seen[h] = struct{}{}
		queue = append(queue, commit.Parents...)
	}
	return seen, nil
}

// Annotate fills in the patch's mergeability from the comparison of its
// latest revision head against its base. A missing commit marks the
// patch indeterminate and surfaces the error to the caller.
func (c *Comparator) Annotate(p *cob.Patch) error {
	head := p.LatestHead()
	if head == object.ZeroHash || p.Base == object.ZeroHash {
		p.Mergeable = &cob.Mergeability{Indeterminate: true}
		return nil
	}

	cmp, err := c.Compare(head, p.Base)
	if err != nil {
		p.Mergeable = &cob.Mergeability{Indeterminate: true}
		if werr.IsKind(err, werr.KindMissingCommit) {
			return err
		}
		return fmt.Errorf("comparing %s to %s: %w", head.Short(), p.Base.Short(), err)
	}

	p.Mergeable = &cob.Mergeability{
		Ahead:    cmp.Ahead,
		Behind:   cmp.Behind,
		Relation: string(cmp.Relation),
	}
	return nil
}
