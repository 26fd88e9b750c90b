package database

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/xerrors"

	"cdr.dev/slog"

	"github.com/coder/code-mirror/marketplace"
	"github.com/coder/code-mirror/storage"
)

// Asset identifies one addressable extension file.
type Asset struct {
	Publisher      string
	Extension      string
	Version        string
	TargetPlatform string
	Type           marketplace.AssetType
}

// Snapshot is one immutable view of everything on disk.  Queries run
// against a snapshot; the synchronizer swapping files underneath never
// affects a request in flight.
type Snapshot struct {
	records    []*storage.ExtensionRecord
	byIdentity map[string]*storage.ExtensionRecord
	// recommended backs the fallback result for queries that match nothing.
	recommended []*storage.ExtensionRecord
	loadedAt    time.Time
}

// MemDB serves gallery queries from an in-memory snapshot of the artifact
// tree.  The file system is the database; MemDB is its index.
type MemDB struct {
	store  *storage.Store
	logger slog.Logger
	snap   atomic.Pointer[Snapshot]
}

// Open builds the initial snapshot.  An empty tree is not an error; the
// gallery just has nothing to serve yet.
func Open(ctx context.Context, store *storage.Store, logger slog.Logger) (*MemDB, error) {
	db := &MemDB{store: store, logger: logger}
	if err := db.Reload(ctx); err != nil {
		return nil, err
	}
	return db, nil
}

func (db *MemDB) snapshot() *Snapshot {
	return db.snap.Load()
}

// Reload rebuilds the snapshot from disk and swaps it in atomically.
// Versions kept by retention but no longer in an extension's current record
// are merged back in so older clients can still resolve them.
func (db *MemDB) Reload(ctx context.Context) error {
	snap := &Snapshot{
		byIdentity: map[string]*storage.ExtensionRecord{},
		loadedAt:   time.Now(),
	}
	err := db.store.WalkExtensions(ctx, func(rec *storage.ExtensionRecord) error {
		db.mergeRetained(ctx, rec)
		marketplace.SortVersions(rec.Versions)
		snap.records = append(snap.records, rec)
		snap.byIdentity[strings.ToLower(rec.Identity)] = rec
		if rec.Recommended {
			snap.recommended = append(snap.recommended, rec)
		}
		return nil
	})
	if err != nil {
		return xerrors.Errorf("walk extensions: %w", err)
	}
	db.snap.Store(snap)
	db.logger.Info(ctx, "snapshot loaded",
		slog.F("extensions", len(snap.records)),
		slog.F("recommended", len(snap.recommended)))
	return nil
}

// mergeRetained folds version records that survive on disk but are absent
// from latest.json into the record's version list.
func (db *MemDB) mergeRetained(ctx context.Context, rec *storage.ExtensionRecord) {
	dirs, err := db.store.VersionDirs(rec.Identity)
	if err != nil {
		return
	}
	present := map[string]struct{}{}
	for _, ver := range rec.Versions {
		present[ver.Version] = struct{}{}
	}
	for _, name := range dirs {
		if _, ok := present[name]; ok {
			continue
		}
		old, err := db.store.LoadExtensionVersion(ctx, rec.Identity, name)
		if err != nil {
			db.logger.Debug(ctx, "version directory without readable record",
				slog.F("extension", rec.Identity), slog.F("version", name), slog.Error(err))
			continue
		}
		rec.Versions = append(rec.Versions, old.Versions...)
	}
}

// Watch reloads the snapshot whenever the synchronizer signals the end of a
// pass.  A ticker backs the watcher up in case the signal is missed, for
// example when the artifact tree lives on a network mount.  Blocks until
// the context is cancelled.
func (db *MemDB) Watch(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return xerrors.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// The signal file is replaced by rename, so watch its directory and
	// filter events rather than watching the file itself.
	signal := db.store.UpdatedPath()
	if err := watcher.Add(filepath.Dir(signal)); err != nil {
		return xerrors.Errorf("watch %q: %w", filepath.Dir(signal), err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-watcher.Events:
			if event.Name != signal {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			db.logger.Debug(ctx, "update signal received", slog.F("event", event.Op.String()))
			if err := db.Reload(ctx); err != nil {
				db.logger.Error(ctx, "snapshot reload failed", slog.Error(err))
			}
		case err := <-watcher.Errors:
			db.logger.Warn(ctx, "watcher error", slog.Error(err))
		case <-ticker.C:
			if !db.staleSince(signal) {
				continue
			}
			if err := db.Reload(ctx); err != nil {
				db.logger.Error(ctx, "snapshot reload failed", slog.Error(err))
			}
		}
	}
}

// staleSince reports whether the signal file is newer than the snapshot.
func (db *MemDB) staleSince(signal string) bool {
	fi, err := os.Stat(signal)
	if err != nil {
		return false
	}
	snap := db.snapshot()
	return snap == nil || fi.ModTime().After(snap.loadedAt)
}

// AssetPath resolves an asset request to an absolute file path, or
// os.ErrNotExist when the extension, version, or file is not mirrored.
func (db *MemDB) AssetPath(ctx context.Context, asset *Asset) (string, error) {
	snap := db.snapshot()
	identity := asset.Publisher + "." + asset.Extension
	rec, ok := snap.byIdentity[strings.ToLower(identity)]
	if !ok {
		return "", os.ErrNotExist
	}
	for _, ver := range rec.Versions {
		if !strings.EqualFold(ver.Version, asset.Version) {
			continue
		}
		if asset.TargetPlatform != "" && !strings.EqualFold(ver.TargetPlatform, asset.TargetPlatform) {
			continue
		}
		relpath := storage.AssetPath(rec.Identity, ver.Version, ver.TargetPlatform, asset.Type)
		if !db.store.Has(relpath, storage.Expect{}) {
			continue
		}
		return db.store.Path(relpath)
	}
	return "", os.ErrNotExist
}
