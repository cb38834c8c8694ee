// internal/watch/watcher.go
package watch

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"weft/internal/cob"
	cobstorage "weft/internal/cob/storage"
	"weft/internal/object"
)

// Watcher observes the object directory for envelopes written by other
// processes, indexes any new operations, and notifies the caller so
// materialized state can be refreshed. The index stays a cache: anything
// the watcher misses is recovered by a full rebuild.
type Watcher struct {
	watcher  *fsnotify.Watcher
	objects  *object.Store
	index    *cobstorage.Store
	onChange func(root object.Hash)
	logger   *zap.Logger

	mu     sync.Mutex
	closed bool
}

// New starts watching the store's object directory. onChange fires once
// per newly indexed operation, with the root it belongs to.
func New(objects *object.Store, index *cobstorage.Store, onChange func(root object.Hash), logger *zap.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	w := &Watcher{
		watcher:  fsw,
		objects:  objects,
		index:    index,
		onChange: onChange,
		logger:   logger,
	}

	// Objects live two levels deep; watch the root and every existing
	// fan-out directory, adding new ones as they appear.
	if err := fsw.Add(objects.Root()); err != nil {
		fsw.Close()
		return nil, err
	}
	entries, err := os.ReadDir(objects.Root())
	if err != nil {
		fsw.Close()
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() {
			if err := fsw.Add(filepath.Join(objects.Root(), e.Name())); err != nil {
				fsw.Close()
				return nil, err
			}
		}
	}

	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&fsnotify.Create == 0 {
		return
	}

	info, err := os.Stat(event.Name)
	if err != nil {
		return
	}

	if info.IsDir() {
		if err := w.watcher.Add(event.Name); err != nil {
			w.logger.Error("adding fan-out directory to watcher", zap.Error(err))
		}
		return
	}

	rel, err := filepath.Rel(w.objects.Root(), event.Name)
	if err != nil {
		return
	}
	dir, file := filepath.Split(rel)
	hash := object.Hash(filepath.Clean(dir) + file)
	if !hash.Valid() {
		return
	}

	data, err := w.objects.Get(hash)
	if err != nil {
		w.logger.Warn("reading watched object", zap.String("object", hash.Short()), zap.Error(err))
		return
	}

	op, err := cob.DecodeOperation(data)
	if err != nil {
		return // a commit or tree, not an operation
	}
	if err := op.Verify(); err != nil {
		w.logger.Warn("ignoring unverifiable operation", zap.String("op", hash.Short()), zap.Error(err))
		return
	}

	root := op.Root
	if root == object.ZeroHash {
		root = hash
	}
	if err := w.index.AddOps(root, op.Type, []object.Hash{hash}); err != nil {
		w.logger.Error("indexing watched operation", zap.Error(err))
		return
	}

	w.logger.Debug("indexed out-of-band operation",
		zap.String("op", hash.Short()), zap.String("cob", root.Short()))
	if w.onChange != nil {
		w.onChange(root)
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.watcher.Close()
}
