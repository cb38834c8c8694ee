package cob

import (
	"fmt"

	"weft/internal/object"
)

// Status is the lifecycle state of a patch.
type Status string

const (
	// StatusProposed is the initial state.
	StatusProposed Status = "proposed"
	// StatusUpdated means at least one revision followed the proposal.
	StatusUpdated Status = "updated"
	// StatusMerged is terminal.
	StatusMerged Status = "merged"
	// StatusArchived is terminal except for an explicit reopen.
	StatusArchived Status = "archived"
)

// Revision is one proposed head of a patch.
type Revision struct {
	ID        object.Hash // operation that introduced it
	Number    int
	Author    string
	Head      object.Hash
	Timestamp int64
}

// Comment is one discussion entry.
type Comment struct {
	ID        object.Hash
	Author    string
	Body      string
	ReplyTo   object.Hash
	Timestamp int64
}

// Mergeability annotates a patch with its commit-graph relation to the
// target branch. Filled in by the commit comparator; Indeterminate is set
// when a referenced commit could not be fetched.
type Mergeability struct {
	Ahead         int
	Behind        int
	Relation      string
	Indeterminate bool
}

// Patch is the materialized state of a patch object: a pure function of
// the root identity and the graph's deterministic operation order. Two
// replicas holding the same operation set always materialize identical
// state, regardless of arrival order.
type Patch struct {
	ID          object.Hash
	Title       string
	Description string
	Author      string
	Status      Status
	Base        object.Hash
	Revisions   []Revision
	Comments    []Comment
	Heads       []object.Hash
	Ops         int

	Mergeable *Mergeability
}

// LatestHead returns the head commit of the newest revision.
func (p *Patch) LatestHead() object.Hash {
	if len(p.Revisions) == 0 {
		return object.ZeroHash
	}
	return p.Revisions[len(p.Revisions)-1].Head
}

func (s Status) terminal() bool {
	return s == StatusMerged || s == StatusArchived
}

// Materialize folds the graph into patch state. Conflicting concurrent
// field edits resolve last-writer-wins over the deterministic traversal
// order; status transitions are monotonic except for the explicit reopen
// transition out of Archived. Operations that attempt an undefined
// transition stay in history but do not change status.
func Materialize(g *Graph) (*Patch, error) {
	order := g.Ordered()
	if len(order) == 0 {
		return nil, fmt.Errorf("empty graph for %s", g.Root().Short())
	}

	rootOp := order[0]
	if rootOp.ID != g.Root() || rootOp.Op.Payload.Kind != KindInit {
		return nil, fmt.Errorf("graph for %s does not start at its root", g.Root().Short())
	}

	p := &Patch{
		ID:     g.Root(),
		Author: rootOp.Op.Author,
		Status: StatusProposed,
		Heads:  g.Heads(),
		Ops:    len(order),
	}

	for _, entry := range order {
		op := entry.Op
		switch op.Payload.Kind {
		case KindInit:
			p.Title = op.Payload.Title
			p.Description = op.Payload.Description
			p.Base = op.Payload.Base
			p.Revisions = append(p.Revisions, Revision{
				ID:        entry.ID,
				Number:    1,
				Author:    op.Author,
				Head:      op.Payload.Head,
				Timestamp: op.Timestamp,
			})

		case KindEdit:
			// Later writers win; the traversal order is total.
			if op.Payload.Title != "" {
				p.Title = op.Payload.Title
			}
			if op.Payload.Description != "" {
				p.Description = op.Payload.Description
			}

		case KindRevision:
			p.Revisions = append(p.Revisions, Revision{
				ID:        entry.ID,
				Number:    len(p.Revisions) + 1,
				Author:    op.Author,
				Head:      op.Payload.Head,
				Timestamp: op.Timestamp,
			})
			if !p.Status.terminal() {
				p.Status = StatusUpdated
			}

		case KindComment:
			p.Comments = append(p.Comments, Comment{
				ID:        entry.ID,
				Author:    op.Author,
				Body:      op.Payload.Body,
				ReplyTo:   op.Payload.ReplyTo,
				Timestamp: op.Timestamp,
			})

		case KindMerge:
			if !p.Status.terminal() {
				p.Status = StatusMerged
			}

		case KindArchive:
			if !p.Status.terminal() {
				p.Status = StatusArchived
			}

		case KindReopen:
			if p.Status == StatusArchived {
				p.Status = StatusProposed
			}
		}
	}

	return p, nil
}
