// internal/node/node.go
package node

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"weft/internal/cob"
	cobstorage "weft/internal/cob/storage"
	"weft/internal/config"
	"weft/internal/history"
	"weft/internal/identity"
	"weft/internal/logging"
	"weft/internal/object"
	"weft/internal/replicate"

	werr "weft/internal/errors"
)

// Node wires together one repository's storage, identity, and
// replication machinery.
type Node struct {
	Root        string
	DB          *badger.DB
	Objects     *object.Store
	Index       *cobstorage.Store
	Identity    *identity.Identity
	Log         *cob.Log
	Coordinator *replicate.Coordinator
	Comparator  *history.Comparator
	Logger      *zap.Logger
	Config      *config.Config
}

const stateDir = ".weft"

// Initialize creates the repository layout under root.
func Initialize(root string) error {
	weftDir := filepath.Join(root, stateDir)
	if err := os.MkdirAll(weftDir, 0755); err != nil {
		return fmt.Errorf("creating %s directory: %w", stateDir, err)
	}

	dirs := []string{
		filepath.Join(weftDir, "db"),
		filepath.Join(weftDir, "objects"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	return nil
}

// New opens (initializing if needed) the repository at path. A nil
// logger gets one built from the configured log level.
func New(path string, logger *zap.Logger) (*Node, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("getting absolute path for root %s: %w", path, err)
	}

	if err := Initialize(absPath); err != nil {
		return nil, fmt.Errorf("initializing directories: %w", err)
	}

	weftDir := filepath.Join(absPath, stateDir)

	cfg, err := config.Load(filepath.Join(weftDir, "config.json"))
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		cfg = config.Default()
	}

	if logger == nil {
		l, err := logging.NewLogger(cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("initializing logger: %w", err)
		}
		logger = l.Logger
	}

	opts := badger.DefaultOptions(filepath.Join(weftDir, "db"))
	opts.Logger = nil // Disable logging noise

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	objects, err := object.New(db, object.Options{
		Root:      filepath.Join(weftDir, "objects"),
		CacheSize: 1024,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing object store: %w", err)
	}

	id, err := identity.LoadOrCreate(filepath.Join(weftDir, "identity.json"))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("loading identity: %w", err)
	}

	index := cobstorage.NewStore(db)

	horizon, err := cfg.PendingHorizonDuration()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("parsing pending horizon: %w", err)
	}

	coordinator := replicate.NewCoordinator(objects, index, replicate.Options{
		FanOut:         cfg.Replication.FanOut,
		FetchRetries:   cfg.Replication.FetchRetries,
		RetryBackoff:   time.Duration(cfg.Replication.RetryBackoffMS) * time.Millisecond,
		PendingHorizon: horizon,
	}, logger)

	return &Node{
		Root:        absPath,
		DB:          db,
		Objects:     objects,
		Index:       index,
		Identity:    id,
		Log:         cob.NewLog(objects, id, index, logger),
		Coordinator: coordinator,
		Comparator:  history.NewComparator(objects),
		Logger:      logger,
		Config:      cfg,
	}, nil
}

// OpenPatch creates a new patch object and returns its materialized state
// and root hash.
func (n *Node) OpenPatch(title, description string, base, head object.Hash) (*cob.Patch, object.Hash, error) {
	op, id, err := n.Log.Append(object.ZeroHash, nil, cob.Payload{
		Kind:        cob.KindInit,
		Title:       title,
		Description: description,
		Base:        base,
		Head:        head,
	})
	if err != nil {
		return nil, object.ZeroHash, err
	}

	state, err := n.Coordinator.Apply(id, id, op)
	if err != nil {
		return nil, object.ZeroHash, err
	}
	return state, id, nil
}

// appendTo signs and merges one operation on top of the current heads.
func (n *Node) appendTo(root object.Hash, payload cob.Payload) (*cob.Patch, error) {
	heads, err := n.Coordinator.Heads(root)
	if err != nil {
		return nil, err
	}
	if len(heads) == 0 {
		return nil, fmt.Errorf("unknown patch %s", root.Short())
	}

	op, id, err := n.Log.Append(root, heads, payload)
	if err != nil {
		return nil, err
	}
	return n.Coordinator.Apply(root, id, op)
}

// EditPatch updates title and/or description. Empty fields keep their
// current value.
func (n *Node) EditPatch(root object.Hash, title, description string) (*cob.Patch, error) {
	return n.appendTo(root, cob.Payload{Kind: cob.KindEdit, Title: title, Description: description})
}

// CommentPatch adds a discussion comment, optionally replying to another
// operation.
func (n *Node) CommentPatch(root object.Hash, body string, replyTo object.Hash) (*cob.Patch, error) {
	return n.appendTo(root, cob.Payload{Kind: cob.KindComment, Body: body, ReplyTo: replyTo})
}

// RevisePatch proposes a new head commit.
func (n *Node) RevisePatch(root, head object.Hash) (*cob.Patch, error) {
	return n.appendTo(root, cob.Payload{Kind: cob.KindRevision, Head: head})
}

// MergePatch marks the patch merged. Terminal.
func (n *Node) MergePatch(root object.Hash) (*cob.Patch, error) {
	return n.appendTo(root, cob.Payload{Kind: cob.KindMerge})
}

// ArchivePatch marks the patch archived. Terminal except for reopen.
func (n *Node) ArchivePatch(root object.Hash) (*cob.Patch, error) {
	return n.appendTo(root, cob.Payload{Kind: cob.KindArchive})
}

// ReopenPatch reopens an archived patch.
func (n *Node) ReopenPatch(root object.Hash) (*cob.Patch, error) {
	return n.appendTo(root, cob.Payload{Kind: cob.KindReopen})
}

// ShowPatch returns materialized state annotated with commit-graph
// mergeability. A missing commit leaves the annotation indeterminate
// rather than guessing.
func (n *Node) ShowPatch(root object.Hash) (*cob.Patch, error) {
	state, err := n.Coordinator.State(root)
	if err != nil {
		return nil, err
	}
	if err := n.Comparator.Annotate(state); err != nil {
		if !werr.IsKind(err, werr.KindMissingCommit) {
			return nil, err
		}
		n.Logger.Warn("patch mergeability indeterminate",
			zap.String("cob", root.Short()), zap.Error(err))
	}
	return state, nil
}

// ListPatches returns the materialized state of every known patch.
func (n *Node) ListPatches() ([]*cob.Patch, error) {
	indices, err := n.Index.List()
	if err != nil {
		return nil, err
	}

	patches := make([]*cob.Patch, 0, len(indices))
	for _, idx := range indices {
		if idx.Type != cob.TypePatch {
			continue
		}
		state, err := n.Coordinator.State(object.Hash(idx.ID))
		if err != nil {
			n.Logger.Warn("skipping unmaterializable patch",
				zap.String("cob", object.Hash(idx.ID).Short()), zap.Error(err))
			continue
		}
		patches = append(patches, state)
	}
	return patches, nil
}

// Sync replicates every known collaborative object from the given peers.
func (n *Node) Sync(ctx context.Context, peers []replicate.Peer) ([]*replicate.SyncReport, error) {
	roots := make(map[object.Hash]struct{})

	indices, err := n.Index.List()
	if err != nil {
		return nil, err
	}
	for _, idx := range indices {
		roots[object.Hash(idx.ID)] = struct{}{}
	}

	// Roots we have never seen are discovered from the peers themselves.
	for _, peer := range peers {
		remote, err := peer.Roots(ctx)
		if err != nil {
			continue // the per-root sync below reports unreachable peers
		}
		for _, h := range remote {
			roots[h] = struct{}{}
		}
	}

	var reports []*replicate.SyncReport
	for root := range roots {
		reports = append(reports, n.Coordinator.SyncAll(ctx, peers, root)...)
	}
	return reports, nil
}

// OpenPeer opens another repository on disk as an in-process peer.
func OpenPeer(path string) (*replicate.StorePeer, func() error, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, nil, fmt.Errorf("getting absolute path for peer %s: %w", path, err)
	}
	weftDir := filepath.Join(absPath, stateDir)

	opts := badger.DefaultOptions(filepath.Join(weftDir, "db"))
	opts.Logger = nil
	opts.ReadOnly = true

	db, err := badger.Open(opts)
	if err != nil {
		return nil, nil, fmt.Errorf("opening peer database: %w", err)
	}

	objects, err := object.New(db, object.Options{
		Root:     filepath.Join(weftDir, "objects"),
		ReadOnly: true,
	})
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("opening peer object store: %w", err)
	}

	peer := replicate.NewStorePeer(absPath, objects, cobstorage.NewStore(db))
	return peer, db.Close, nil
}

// Close ensures proper cleanup of resources.
func (n *Node) Close() error {
	if n == nil {
		return nil
	}
	if n.DB != nil {
		if err := n.DB.Close(); err != nil {
			return fmt.Errorf("closing database: %w", err)
		}
	}
	return nil
}
