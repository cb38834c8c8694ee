// internal/cob/storage/store.go
package storage

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"weft/internal/cob"
	"weft/internal/object"
	"weft/internal/storage"
)

// Index is the per-object record of known operation hashes. It is a cache
// over the object store, rebuildable by scanning envelopes; the store is
// the source of truth.
type Index struct {
	ID        string    `json:"id"` // root operation hash
	Type      string    `json:"type"`
	Known     []string  `json:"known"` // sorted operation hashes
	UpdatedAt time.Time `json:"updated_at"`
}

// indexEntity wraps Index to implement storage.Entity
type indexEntity struct {
	*Index
}

func (e *indexEntity) GetID() string {
	return e.ID
}

type Store struct {
	store *storage.BadgerStore
	db    *badger.DB
}

func NewStore(db *badger.DB) *Store {
	return &Store{
		store: storage.NewBadgerStore(db, "cob"),
		db:    db,
	}
}

// Get returns the index entry for root, or an empty entry if none exists.
func (s *Store) Get(root object.Hash) (*Index, error) {
	var entity indexEntity
	entity.Index = &Index{}

	if err := s.store.Get(string(root), &entity); err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, badger.ErrKeyNotFound) {
			return &Index{ID: string(root)}, nil
		}
		return nil, fmt.Errorf("getting cob index: %w", err)
	}
	return entity.Index, nil
}

// Known returns the known operation hashes for root.
func (s *Store) Known(root object.Hash) ([]object.Hash, error) {
	idx, err := s.Get(root)
	if err != nil {
		return nil, err
	}
	known := make([]object.Hash, len(idx.Known))
	for i, h := range idx.Known {
		known[i] = object.Hash(h)
	}
	return known, nil
}

// AddOps merges the given operation hashes into the index entry for root.
func (s *Store) AddOps(root object.Hash, typ string, ids []object.Hash) error {
	idx, err := s.Get(root)
	if err != nil {
		return err
	}

	present := make(map[string]bool, len(idx.Known))
	for _, h := range idx.Known {
		present[h] = true
	}
	for _, id := range ids {
		if !present[string(id)] {
			idx.Known = append(idx.Known, string(id))
			present[string(id)] = true
		}
	}
	sort.Strings(idx.Known)

	if typ != "" {
		idx.Type = typ
	}
	idx.UpdatedAt = time.Now()

	if err := s.store.Upsert(&indexEntity{Index: idx}); err != nil {
		return fmt.Errorf("updating cob index: %w", err)
	}
	return nil
}

// List returns all index entries.
func (s *Store) List() ([]*Index, error) {
	var entities []indexEntity
	if err := s.store.List(&entities); err != nil {
		return nil, fmt.Errorf("listing cob indices: %w", err)
	}

	indices := make([]*Index, len(entities))
	for i, entity := range entities {
		indices[i] = entity.Index
	}
	return indices, nil
}

// Rebuild drops the index and reconstructs it by scanning every envelope
// in the object store, grouping operations by their root reference.
// Returns the number of operations indexed.
func (s *Store) Rebuild(objects *object.Store) (int, error) {
	byRoot := make(map[object.Hash][]object.Hash)
	types := make(map[object.Hash]string)

	err := objects.Walk(func(id object.Hash, data []byte) error {
		op, err := cob.DecodeOperation(data)
		if err != nil {
			return nil // not an operation envelope
		}
		root := op.Root
		if root == object.ZeroHash {
			root = id
			types[root] = op.Type
		}
		byRoot[root] = append(byRoot[root], id)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scanning object store: %w", err)
	}

	count := 0
	for root, ids := range byRoot {
		idx := &Index{ID: string(root), Type: types[root], UpdatedAt: time.Now()}
		for _, id := range ids {
			idx.Known = append(idx.Known, string(id))
		}
		sort.Strings(idx.Known)
		if err := s.store.Upsert(&indexEntity{Index: idx}); err != nil {
			return count, fmt.Errorf("writing cob index: %w", err)
		}
		count += len(ids)
	}
	return count, nil
}

// Enqueue records a freshly appended operation for outbound announcement.
// Implements cob.Outbound.
func (s *Store) Enqueue(root, op object.Hash) error {
	return s.db.Update(func(txn *badger.Txn) error {
		key := []byte(fmt.Sprintf("outbound:%s:%s", root, op))
		return txn.Set(key, nil)
	})
}

// PendingAnnouncements returns queued operations grouped by root.
func (s *Store) PendingAnnouncements() (map[object.Hash][]object.Hash, error) {
	out := make(map[object.Hash][]object.Hash)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("outbound:")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			parts := strings.SplitN(strings.TrimPrefix(key, "outbound:"), ":", 2)
			if len(parts) != 2 {
				continue
			}
			root, op := object.Hash(parts[0]), object.Hash(parts[1])
			out[root] = append(out[root], op)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing announcements: %w", err)
	}
	return out, nil
}

// ClearAnnouncements drops queued announcements for root.
func (s *Store) ClearAnnouncements(root object.Hash) error {
	return s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(fmt.Sprintf("outbound:%s:", root))
		it := txn.NewIterator(opts)

		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}
