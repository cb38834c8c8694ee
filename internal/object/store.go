package object

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"

	werr "weft/internal/errors"
)

var (
	ErrNotFound    = errors.New("object not found")
	ErrInvalidHash = errors.New("invalid object hash")
)

// ObjectMeta stores metadata about a stored object.
type ObjectMeta struct {
	Hash       Hash      `json:"hash"`
	Size       int64     `json:"size"`
	Compressed bool      `json:"compressed"`
	CreatedAt  time.Time `json:"created_at"`
	AccessedAt time.Time `json:"accessed_at"`
}

// Store is the content-addressed object store. Objects are immutable and
// keyed by the hash of their bytes, so concurrent writes of the same
// content are naturally deduplicated.
type Store struct {
	root          string     // root directory for object files
	db            *badger.DB // metadata database
	cache         *lru.Cache[Hash, []byte]
	compressAfter time.Duration
	readonly      bool
	enc           *zstd.Encoder
	dec           *zstd.Decoder
}

// Options configures Store behavior.
type Options struct {
	Root          string        // root directory path
	CacheSize     int           // number of objects to cache
	CompressAfter time.Duration // when to compress cold objects
	ReadOnly      bool          // skip metadata writes on reads
}

// New creates a new Store instance.
func New(db *badger.DB, opts Options) (*Store, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("root directory is required")
	}

	if err := os.MkdirAll(opts.Root, 0755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}

	if opts.CacheSize == 0 {
		opts.CacheSize = 1024
	}
	cache, err := lru.New[Hash, []byte](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating cache: %w", err)
	}

	if opts.CompressAfter == 0 {
		opts.CompressAfter = 30 * 24 * time.Hour // 30 days
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &Store{
		root:          opts.Root,
		db:            db,
		cache:         cache,
		compressAfter: opts.CompressAfter,
		readonly:      opts.ReadOnly,
		enc:           enc,
		dec:           dec,
	}, nil
}

// Root returns the directory holding the object files.
func (s *Store) Root() string {
	return s.root
}

// Put saves content and returns its hash. Writing already-present content
// is a no-op.
func (s *Store) Put(content []byte) (Hash, error) {
	if content == nil {
		content = []byte{}
	}

	hash, err := ComputeHash(content)
	if err != nil {
		return ZeroHash, fmt.Errorf("hashing content: %w", err)
	}

	exists, err := s.Has(hash)
	if err != nil {
		return ZeroHash, fmt.Errorf("checking existence: %w", err)
	}
	if exists {
		return hash, nil
	}

	path := s.objectPath(hash)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return ZeroHash, werr.Storage("creating object directory", err)
	}

	if err := os.WriteFile(path, content, 0644); err != nil {
		return ZeroHash, werr.Storage("writing object file", err)
	}

	meta := ObjectMeta{
		Hash:       hash,
		Size:       int64(len(content)),
		Compressed: false,
		CreatedAt:  time.Now(),
		AccessedAt: time.Now(),
	}
	if err := s.storeMeta(meta); err != nil {
		os.Remove(path)
		return ZeroHash, werr.Storage("storing object metadata", err)
	}

	s.cache.Add(hash, content)
	return hash, nil
}

// Get retrieves content by hash.
func (s *Store) Get(hash Hash) ([]byte, error) {
	if !hash.Valid() {
		return nil, ErrInvalidHash
	}

	if content, ok := s.cache.Get(hash); ok {
		return content, nil
	}

	meta, err := s.getMeta(hash)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// The object may have been written by another process that
			// never updated this metadata database.
			return s.getUnindexed(hash)
		}
		return nil, fmt.Errorf("getting object metadata: %w", err)
	}

	content, err := os.ReadFile(s.objectPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading object: %w", err)
	}

	if meta.Compressed {
		content, err = s.dec.DecodeAll(content, nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing object: %w", err)
		}
	}

	check, err := ComputeHash(content)
	if err != nil {
		return nil, fmt.Errorf("hashing content: %w", err)
	}
	if check != hash {
		return nil, fmt.Errorf("object hash mismatch for %s", hash.Short())
	}

	s.cache.Add(hash, content)
	if !s.readonly {
		meta.AccessedAt = time.Now()
		if err := s.storeMeta(meta); err != nil {
			return nil, fmt.Errorf("updating object metadata: %w", err)
		}
	}

	return content, nil
}

// getUnindexed reads an object file that has no metadata entry, verifying
// its hash and backfilling the metadata.
func (s *Store) getUnindexed(hash Hash) ([]byte, error) {
	content, err := os.ReadFile(s.objectPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading object: %w", err)
	}

	check, err := ComputeHash(content)
	if err != nil {
		return nil, fmt.Errorf("hashing content: %w", err)
	}
	if check != hash {
		return nil, fmt.Errorf("object hash mismatch for %s", hash.Short())
	}

	if !s.readonly {
		meta := ObjectMeta{
			Hash:       hash,
			Size:       int64(len(content)),
			CreatedAt:  time.Now(),
			AccessedAt: time.Now(),
		}
		if err := s.storeMeta(meta); err != nil {
			return nil, fmt.Errorf("backfilling object metadata: %w", err)
		}
	}

	s.cache.Add(hash, content)
	return content, nil
}

// Has checks if an object exists.
func (s *Store) Has(hash Hash) (bool, error) {
	if !hash.Valid() {
		return false, ErrInvalidHash
	}

	if s.cache.Contains(hash) {
		return true, nil
	}

	_, err := s.getMeta(hash)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return false, err
	}

	_, err = os.Stat(s.objectPath(hash))
	return err == nil, nil
}

// Walk calls fn for every stored object. Used to rebuild derived indices,
// which are caches over the store, not sources of truth.
func (s *Store) Walk(fn func(Hash, []byte) error) error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("reading object root: %w", err)
	}
	for _, prefix := range entries {
		if !prefix.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(s.root, prefix.Name()))
		if err != nil {
			return fmt.Errorf("reading object directory: %w", err)
		}
		for _, f := range files {
			hash := Hash(prefix.Name() + f.Name())
			if !hash.Valid() {
				continue
			}
			content, err := s.Get(hash)
			if err != nil {
				return fmt.Errorf("reading object %s: %w", hash.Short(), err)
			}
			if err := fn(hash, content); err != nil {
				return err
			}
		}
	}
	return nil
}

// CompressCold compresses objects whose last access is older than the
// configured threshold. Returns the number of objects compressed.
func (s *Store) CompressCold() (int, error) {
	cutoff := time.Now().Add(-s.compressAfter)
	compressed := 0

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("object:")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var meta ObjectMeta
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &meta)
			})
			if err != nil {
				return err
			}
			if meta.Compressed || meta.AccessedAt.After(cutoff) {
				continue
			}
			if err := s.compressObject(meta); err != nil {
				return err
			}
			compressed++
		}
		return nil
	})
	if err != nil {
		return compressed, fmt.Errorf("compressing cold objects: %w", err)
	}
	return compressed, nil
}

func (s *Store) compressObject(meta ObjectMeta) error {
	path := s.objectPath(meta.Hash)
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading object: %w", err)
	}

	packed := s.enc.EncodeAll(content, nil)
	if len(packed) >= len(content) {
		return nil // not worth it
	}

	if err := os.WriteFile(path, packed, 0644); err != nil {
		return werr.Storage("writing compressed object", err)
	}

	meta.Compressed = true
	s.cache.Remove(meta.Hash)
	return s.storeMeta(meta)
}

func (s *Store) objectPath(hash Hash) string {
	h := string(hash)
	return filepath.Join(s.root, h[:2], h[2:])
}

func (s *Store) storeMeta(meta ObjectMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		key := []byte(fmt.Sprintf("object:%s", meta.Hash))
		return txn.Set(key, data)
	})
}

func (s *Store) getMeta(hash Hash) (ObjectMeta, error) {
	var meta ObjectMeta

	err := s.db.View(func(txn *badger.Txn) error {
		key := []byte(fmt.Sprintf("object:%s", hash))
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &meta)
		})
	})

	return meta, err
}
