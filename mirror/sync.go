package mirror

import (
	"context"
	"sort"
	"strings"
	"time"

	"golang.org/x/xerrors"

	"cdr.dev/slog"

	"github.com/coder/code-mirror/marketplace"
	"github.com/coder/code-mirror/storage"
	"github.com/coder/code-mirror/upstream"
)

// Syncer drives one or more mirror passes: resolve what should exist,
// download what is missing, publish records for what arrived, and clean up
// what no longer belongs.
type Syncer struct {
	Store  *storage.Store
	Client *upstream.Client
	Logger slog.Logger

	// PoolWidth caps concurrent downloads.
	PoolWidth int
	// KeepVersions bounds version directories retained per extension.
	// Versions referenced by the published record always survive.  Zero
	// keeps everything.
	KeepVersions int
	// KeepBuilds bounds commit directories retained per release track.
	// Zero keeps everything.
	KeepBuilds int
}

// Summary reports what one pass did.
type Summary struct {
	Binaries   int
	Extensions int
	Downloaded int
	Failed     int
	Purged     int
	Bytes      int64
	Duration   time.Duration
}

// Run executes a single pass.  Individual download failures are tolerated;
// affected versions are simply not published.  Only an unreachable upstream
// or an unwritable store is fatal.
func (s *Syncer) Run(ctx context.Context, mode Mode) (*Summary, error) {
	start := time.Now()
	summary := &Summary{}

	resolver := &Resolver{Client: s.Client, Store: s.Store, Logger: s.Logger}
	plan, err := resolver.Resolve(ctx, mode)
	if err != nil {
		syncPasses.WithLabelValues("failed").Inc()
		return nil, err
	}
	s.Logger.Info(ctx, "pass resolved",
		slog.F("binaries", len(plan.Binaries)),
		slog.F("extensions", len(plan.Extensions)),
		slog.F("downloads", plan.Downloads()))

	pool := &Pool{Client: s.Client, Store: s.Store, Logger: s.Logger, Width: s.PoolWidth}

	if err := s.syncBinaries(ctx, pool, plan, summary); err != nil {
		syncPasses.WithLabelValues("failed").Inc()
		return nil, err
	}
	published, err := s.syncExtensions(ctx, pool, plan, summary)
	if err != nil {
		syncPasses.WithLabelValues("failed").Inc()
		return nil, err
	}
	if err := s.chaseExtensionPacks(ctx, resolver, pool, mode, published, summary); err != nil {
		syncPasses.WithLabelValues("failed").Inc()
		return nil, err
	}

	s.retainExtensions(ctx, published, plan.Retain)
	s.retainBinaries(ctx, plan)
	s.purgeMalicious(ctx, plan, summary)

	if err := s.rebuildIndexes(ctx); err != nil {
		syncPasses.WithLabelValues("failed").Inc()
		return nil, err
	}
	if err := s.Store.SignalUpdated(ctx); err != nil {
		syncPasses.WithLabelValues("failed").Inc()
		return nil, xerrors.Errorf("signal update: %w", err)
	}

	summary.Duration = time.Since(start)
	syncPasses.WithLabelValues("ok").Inc()
	s.Logger.Info(ctx, "pass complete",
		slog.F("binaries", summary.Binaries),
		slog.F("extensions", summary.Extensions),
		slog.F("downloaded", summary.Downloaded),
		slog.F("failed", summary.Failed),
		slog.F("purged", summary.Purged),
		slog.F("bytes", summary.Bytes),
		slog.F("duration", summary.Duration))
	return summary, nil
}

// RunLoop repeats passes until the context is cancelled.  A failed pass is
// logged and retried on the next tick; passes never overlap.
func (s *Syncer) RunLoop(ctx context.Context, mode Mode, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Hour
	}
	for {
		if _, err := s.Run(ctx, mode); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.Logger.Error(ctx, "sync pass failed", slog.Error(err))
		}
		s.Logger.Info(ctx, "sleeping until next pass", slog.F("interval", interval))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (s *Syncer) syncBinaries(ctx context.Context, pool *Pool, plan *Plan, summary *Summary) error {
	items := []WorkItem{}
	for _, bp := range plan.Binaries {
		if bp.Item != nil {
			items = append(items, *bp.Item)
		}
	}
	result := pool.Fetch(ctx, items)
	summary.Downloaded += int(result.Progress.Done.Load())
	summary.Failed += int(result.Progress.Failed.Load())
	summary.Bytes += result.Progress.Bytes.Load()

	for _, bp := range plan.Binaries {
		// A release is published only once its payload is on disk.
		if bp.Item != nil && result.Failed(bp.Item.Dest) {
			continue
		}
		if err := s.Store.SaveRelease(ctx, bp.Release); err != nil {
			return xerrors.Errorf("publish release %s/%s: %w", bp.Release.Quality, bp.Release.Platform, err)
		}
		summary.Binaries++
	}
	return nil
}

func (s *Syncer) syncExtensions(ctx context.Context, pool *Pool, plan *Plan, summary *Summary) (map[string]*storage.ExtensionRecord, error) {
	items := []WorkItem{}
	for _, ep := range plan.Extensions {
		items = append(items, ep.Items...)
	}
	result := pool.Fetch(ctx, items)
	summary.Downloaded += int(result.Progress.Done.Load())
	summary.Failed += int(result.Progress.Failed.Load())
	summary.Bytes += result.Progress.Bytes.Load()

	published := map[string]*storage.ExtensionRecord{}
	for _, ep := range plan.Extensions {
		rec, err := s.publishExtension(ctx, ep, result)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			published[strings.ToLower(rec.Identity)] = rec
			summary.Extensions++
		}
	}
	return published, nil
}

// publishExtension writes the record for a planned extension, dropping any
// version build whose assets did not all arrive.  Returns nil when nothing
// publishable remains.
func (s *Syncer) publishExtension(ctx context.Context, ep *ExtensionPlan, result *Result) (*storage.ExtensionRecord, error) {
	failed := map[string]struct{}{}
	for _, item := range ep.Items {
		if result.Failed(item.Dest) {
			failed[item.Version+"/"+item.TargetPlatform] = struct{}{}
		}
	}
	kept := []marketplace.ExtVersion{}
	for _, ver := range ep.Record.Versions {
		if _, bad := failed[ver.Version+"/"+ver.TargetPlatform]; bad {
			s.Logger.Warn(ctx, "dropping incomplete version",
				slog.F("extension", ep.Record.Identity),
				slog.F("version", ver.Version),
				slog.F("targetPlatform", ver.TargetPlatform))
			continue
		}
		kept = append(kept, ver)
	}
	if len(kept) == 0 {
		s.Logger.Warn(ctx, "no complete version; not publishing", slog.F("extension", ep.Record.Identity))
		return nil, nil
	}
	rec := *ep.Record
	rec.Versions = marketplace.KeepNewest(kept, s.KeepVersions)
	s.recordObserved(&rec, result)
	if err := s.Store.SaveExtension(ctx, &rec); err != nil {
		return nil, xerrors.Errorf("publish %s: %w", rec.Identity, err)
	}
	return &rec, nil
}

// recordObserved stamps freshly downloaded assets with the size and hash the
// pool committed, so the next pass can verify the copies on disk.  Assets
// satisfied by the probe keep the values already carried on the record.
func (s *Syncer) recordObserved(rec *storage.ExtensionRecord, result *Result) {
	for vi := range rec.Versions {
		ver := &rec.Versions[vi]
		for fi := range ver.Files {
			file := &ver.Files[fi]
			dest := storage.AssetPath(rec.Identity, ver.Version, ver.TargetPlatform, file.Type)
			if obs, ok := result.Observed[dest]; ok {
				file.Size = obs.Size
				file.SHA256 = obs.SHA256
			}
		}
	}
}

// chaseExtensionPacks walks the manifests of freshly published extensions
// and mirrors the pack members they declare.  One level only; packs of
// packs pull the rest in on the next pass.
func (s *Syncer) chaseExtensionPacks(ctx context.Context, resolver *Resolver, pool *Pool, mode Mode, published map[string]*storage.ExtensionRecord, summary *Summary) error {
	wanted := []string{}
	seen := map[string]struct{}{}
	for key := range published {
		seen[key] = struct{}{}
	}
	for _, rec := range published {
		for _, id := range s.packMembers(ctx, rec) {
			key := strings.ToLower(id)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			wanted = append(wanted, id)
		}
	}
	if len(wanted) == 0 {
		return nil
	}
	sort.Strings(wanted)
	s.Logger.Info(ctx, "mirroring extension pack members", slog.F("count", len(wanted)))

	plans := []*ExtensionPlan{}
	items := []WorkItem{}
	for _, id := range wanted {
		ext, err := s.Client.ExtensionByName(ctx, id, mode.IncludePreRelease)
		if err != nil || ext == nil {
			s.Logger.Warn(ctx, "pack member not resolvable", slog.F("extension", id), slog.Error(err))
			continue
		}
		ep := resolver.planExtension(ctx, ext, false)
		plans = append(plans, ep)
		items = append(items, ep.Items...)
	}

	result := pool.Fetch(ctx, items)
	summary.Downloaded += int(result.Progress.Done.Load())
	summary.Failed += int(result.Progress.Failed.Load())
	summary.Bytes += result.Progress.Bytes.Load()

	for _, ep := range plans {
		rec, err := s.publishExtension(ctx, ep, result)
		if err != nil {
			return err
		}
		if rec != nil {
			published[strings.ToLower(rec.Identity)] = rec
			summary.Extensions++
		}
	}
	return nil
}

// packMembers reads the downloaded manifest of the newest version and
// returns the identifiers of its extensionPack, if any.
func (s *Syncer) packMembers(ctx context.Context, rec *storage.ExtensionRecord) []string {
	if len(rec.Versions) == 0 {
		return nil
	}
	ver := rec.Versions[0]
	relpath := storage.AssetPath(rec.Identity, ver.Version, ver.TargetPlatform, marketplace.ManifestAssetType)
	var manifest struct {
		ExtensionPack []string `json:"extensionPack"`
	}
	if err := s.Store.ReadJSON(relpath, &manifest); err != nil {
		s.Logger.Debug(ctx, "no readable manifest", slog.F("extension", rec.Identity), slog.Error(err))
		return nil
	}
	return manifest.ExtensionPack
}

// retainExtensions removes version directories that neither the published
// record references nor the retention bound covers.
func (s *Syncer) retainExtensions(ctx context.Context, published map[string]*storage.ExtensionRecord, retain map[string]struct{}) {
	if s.KeepVersions <= 0 {
		return
	}
	for _, rec := range published {
		if _, pinned := retain[strings.ToLower(rec.Identity)]; pinned {
			continue
		}
		dirs, err := s.Store.VersionDirs(rec.Identity)
		if err != nil {
			continue
		}
		referenced := map[string]struct{}{}
		for _, ver := range rec.Versions {
			referenced[ver.Version] = struct{}{}
		}
		sortVersionNames(dirs)
		for i, name := range dirs {
			if _, ok := referenced[name]; ok {
				continue
			}
			if i < s.KeepVersions {
				continue
			}
			s.Logger.Info(ctx, "removing old version",
				slog.F("extension", rec.Identity), slog.F("version", name))
			if err := s.Store.RemoveExtensionVersion(rec.Identity, name); err != nil {
				s.Logger.Warn(ctx, "remove old version failed",
					slog.F("extension", rec.Identity), slog.F("version", name), slog.Error(err))
			}
		}
	}
}

// retainBinaries removes commit directories beyond the retention bound,
// newest releases first.  The latest commit always survives.
func (s *Syncer) retainBinaries(ctx context.Context, plan *Plan) {
	if s.KeepBuilds <= 0 {
		return
	}
	for _, bp := range plan.Binaries {
		quality, platform := bp.Release.Quality, bp.Release.Platform
		commits, err := s.Store.CommitDirs(quality, platform)
		if err != nil {
			continue
		}
		stamped := make([]*marketplace.Release, 0, len(commits))
		for _, commit := range commits {
			rel, err := s.Store.ReleaseByCommit(ctx, quality, platform, commit)
			if err != nil {
				continue
			}
			stamped = append(stamped, rel)
		}
		sort.Slice(stamped, func(i, j int) bool {
			return stamped[i].Newer(stamped[j])
		})
		for i, rel := range stamped {
			if i < s.KeepBuilds || rel.Commit() == bp.Release.Commit() {
				continue
			}
			s.Logger.Info(ctx, "removing old build",
				slog.F("quality", quality), slog.F("platform", platform), slog.F("commit", rel.Commit()))
			dir := storage.ReleaseDir(quality, platform)
			if err := s.Store.Remove(dir + "/" + rel.Commit()); err != nil {
				s.Logger.Warn(ctx, "remove old build failed", slog.Error(err))
				continue
			}
			_ = s.Store.Remove(dir + "/" + rel.Commit() + ".json")
		}
	}
}

// purgeMalicious deletes deny-listed extensions and persists the refreshed
// list for the gallery and future passes.
func (s *Syncer) purgeMalicious(ctx context.Context, plan *Plan, summary *Summary) {
	for _, id := range plan.Purge {
		if !s.Store.Has(storage.ExtensionDir(id)+"/latest.json", storage.Expect{}) {
			continue
		}
		s.Logger.Warn(ctx, "removing malicious extension", slog.F("extension", id))
		if err := s.Store.RemoveExtension(id); err != nil {
			s.Logger.Warn(ctx, "remove malicious extension failed",
				slog.F("extension", id), slog.Error(err))
			continue
		}
		summary.Purged++
	}
	if len(plan.MaliciousRaw) > 0 {
		if err := s.Store.SaveMalicious(ctx, plan.MaliciousRaw); err != nil {
			s.Logger.Warn(ctx, "persist malicious list failed", slog.Error(err))
		}
	}
}

// rebuildIndexes rewrites the flat extension index and the recommended list
// from what is actually on disk.
func (s *Syncer) rebuildIndexes(ctx context.Context) error {
	recs := []*storage.ExtensionRecord{}
	recommended := []string{}
	err := s.Store.WalkExtensions(ctx, func(rec *storage.ExtensionRecord) error {
		recs = append(recs, rec)
		if rec.Recommended {
			recommended = append(recommended, rec.Identity)
		}
		return nil
	})
	if err != nil {
		return xerrors.Errorf("walk extensions: %w", err)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Identity < recs[j].Identity })
	sort.Strings(recommended)
	if err := s.Store.WriteExtensionsIndex(ctx, recs); err != nil {
		return xerrors.Errorf("write extension index: %w", err)
	}
	if err := s.Store.WriteRecommendedIndex(ctx, recommended); err != nil {
		return xerrors.Errorf("write recommended index: %w", err)
	}
	return nil
}

// sortVersionNames orders version directory names newest first, using the
// same ordering as the version lists in records.
func sortVersionNames(names []string) {
	versions := make([]marketplace.ExtVersion, len(names))
	for i, name := range names {
		versions[i] = marketplace.ExtVersion{Version: name}
	}
	marketplace.SortVersions(versions)
	for i, v := range versions {
		names[i] = v.Version
	}
}
