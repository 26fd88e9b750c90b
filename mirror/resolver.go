package mirror

import (
	"context"
	"encoding/json"
	"path"
	"strings"

	"golang.org/x/xerrors"

	"cdr.dev/slog"

	"github.com/coder/code-mirror/marketplace"
	"github.com/coder/code-mirror/storage"
	"github.com/coder/code-mirror/upstream"
)

// Mode selects what a sync pass covers.
type Mode struct {
	// Binaries syncs editor builds for the enabled platforms/qualities.
	Binaries bool
	// Extensions downloads assets for the selected extension set.
	Extensions bool
	// All enumerates the entire marketplace.
	All bool
	// Recommended unions the upstream recommendation groups, the operator
	// allow list, and the top-N marketplace slice.
	Recommended bool
	// Specified restricts to the operator allow list.
	Specified bool
	// Name looks up a single extension by exact identifier.
	Name string
	// Search adds free-text search results to the set.
	Search string
	// Malicious refreshes the deny list from upstream.
	Malicious bool

	IncludePreRelease bool
	// TotalRecommended caps the top-N marketplace slice.
	TotalRecommended int
	// Qualities and Platforms narrow the binary matrix.  Empty means every
	// track the matrix produces.
	Qualities []string
	Platforms []string
}

// WorkKind distinguishes binary payloads from extension assets.
type WorkKind int

const (
	KindBinary WorkKind = iota
	KindAsset
)

// WorkItem is one resolved unit of download: identity, source, destination,
// and verification metadata.
type WorkItem struct {
	Kind           WorkKind
	Identity       string
	Version        string
	TargetPlatform string
	AssetType      marketplace.AssetType
	URL            string
	Dest           string
	Size           int64
	SHA256         string
}

// BinaryPlan pairs an upstream release with the download needed to satisfy
// it.  Item is nil when the store already holds the payload.
type BinaryPlan struct {
	Release *marketplace.Release
	Item    *WorkItem
}

// ExtensionPlan pairs the record to publish with the asset downloads still
// missing from the store.
type ExtensionPlan struct {
	Record *storage.ExtensionRecord
	Items  []WorkItem
}

// Plan is the resolver output: the work set, the identities that must
// survive retention, and the identities to purge.
type Plan struct {
	Binaries   []*BinaryPlan
	Extensions []*ExtensionPlan
	Retain     map[string]struct{}
	Purge      []string
	// MaliciousRaw is the upstream deny list payload to mirror, if fetched.
	MaliciousRaw json.RawMessage
}

// Downloads counts the work items across the plan.
func (p *Plan) Downloads() int {
	n := 0
	for _, b := range p.Binaries {
		if b.Item != nil {
			n++
		}
	}
	for _, e := range p.Extensions {
		n += len(e.Items)
	}
	return n
}

// Resolver computes the set of artifacts that should exist, diffed against
// what the store already satisfies.
type Resolver struct {
	Client *upstream.Client
	Store  *storage.Store
	Logger slog.Logger
}

// Resolve walks the upstream catalogs selected by mode and produces the
// work, retain, and purge sets.  Per-item upstream failures are logged and
// skipped; only a total catalog failure is an error.
func (r *Resolver) Resolve(ctx context.Context, mode Mode) (*Plan, error) {
	plan := &Plan{Retain: map[string]struct{}{}}

	if mode.Binaries {
		if err := r.resolveBinaries(ctx, mode, plan); err != nil {
			return nil, err
		}
	}

	if mode.Extensions || mode.Name != "" || mode.Search != "" {
		if err := r.resolveExtensions(ctx, mode, plan); err != nil {
			return nil, err
		}
	}

	return plan, nil
}

func (r *Resolver) resolveBinaries(ctx context.Context, mode Mode, plan *Plan) error {
	qualities := mode.Qualities
	if len(qualities) == 0 {
		qualities = []string{"stable"}
	}
	platforms := mode.Platforms
	if len(platforms) == 0 {
		platforms = PlatformMatrix()
	}

	failures := 0
	attempts := 0
	for _, quality := range qualities {
		for _, platform := range platforms {
			attempts++
			rel, err := r.Client.ReleaseManifest(ctx, platform, quality)
			if err != nil {
				r.Logger.Warn(ctx, "release manifest unavailable",
					slog.F("platform", platform), slog.F("quality", quality), slog.Error(err))
				failures++
				continue
			}
			if rel == nil {
				r.Logger.Debug(ctx, "no release listed",
					slog.F("platform", platform), slog.F("quality", quality))
				continue
			}
			// Some old releases still reference the retired CDN and can no
			// longer be fetched.
			if strings.HasPrefix(rel.URL, "https://az764295.vo.msecnd.net") {
				r.Logger.Info(ctx, "skipping release on retired CDN",
					slog.F("platform", platform), slog.F("quality", quality), slog.F("version", rel.Name))
				continue
			}

			rel.Filename = path.Base(rel.URL)
			dest := storage.BinaryPath(quality, platform, rel.Commit(), rel.Filename)
			bp := &BinaryPlan{Release: rel}
			if !r.Store.Has(dest, storage.Expect{SHA256: rel.SHA256Hash}) {
				bp.Item = &WorkItem{
					Kind:     KindBinary,
					Identity: platform + "/" + quality,
					Version:  rel.Commit(),
					URL:      rel.URL,
					Dest:     dest,
					SHA256:   rel.SHA256Hash,
				}
			}
			plan.Binaries = append(plan.Binaries, bp)
		}
	}
	if attempts > 0 && failures == attempts {
		return xerrors.New("no release manifest could be fetched; upstream unreachable")
	}
	return nil
}

func (r *Resolver) resolveExtensions(ctx context.Context, mode Mode, plan *Plan) error {
	candidates := map[string]*marketplace.Extension{}
	order := []string{}
	recommendedSet := map[string]struct{}{}
	add := func(ext *marketplace.Extension, recommended bool) {
		if ext == nil {
			return
		}
		key := strings.ToLower(ext.Identity())
		if recommended {
			recommendedSet[key] = struct{}{}
		}
		if _, ok := candidates[key]; ok {
			return
		}
		candidates[key] = ext
		order = append(order, key)
	}

	sources := 0
	failures := 0

	if mode.Specified || mode.Recommended {
		sources++
		ids, err := r.Store.ReadSpecified(ctx)
		if err != nil {
			return xerrors.Errorf("read allow list: %w", err)
		}
		for _, id := range ids {
			ext, err := r.Client.ExtensionByName(ctx, id, mode.IncludePreRelease)
			if err != nil {
				r.Logger.Warn(ctx, "allow-listed extension lookup failed", slog.F("extension", id), slog.Error(err))
				continue
			}
			if ext == nil {
				r.Logger.Debug(ctx, "allow-listed extension not found upstream; likely removed", slog.F("extension", id))
				continue
			}
			r.Logger.Info(ctx, "mirroring allow-listed extension", slog.F("extension", id))
			add(ext, false)
			plan.Retain[strings.ToLower(ext.Identity())] = struct{}{}
		}
	}

	if mode.Recommended {
		sources++
		top, err := r.Client.TopByInstalls(ctx, mode.TotalRecommended)
		if err != nil {
			r.Logger.Warn(ctx, "top extension query failed", slog.Error(err))
			failures++
		}
		for _, ext := range top {
			add(r.releaseCandidate(ctx, ext, mode.IncludePreRelease), true)
		}

		ids, err := r.Client.Recommendations(ctx)
		if err != nil {
			r.Logger.Warn(ctx, "recommendation list unavailable", slog.Error(err))
			failures++
		}
		for _, id := range ids {
			if _, ok := candidates[strings.ToLower(id)]; ok {
				recommendedSet[strings.ToLower(id)] = struct{}{}
				continue
			}
			ext, err := r.Client.ExtensionByName(ctx, id, mode.IncludePreRelease)
			if err != nil || ext == nil {
				// Stale recommendations reference extensions that no longer
				// exist upstream; soft failure.
				r.Logger.Debug(ctx, "recommended extension not resolvable", slog.F("extension", id), slog.Error(err))
				continue
			}
			add(ext, true)
		}
	}

	if mode.All {
		sources++
		all, err := r.Client.SearchByText(ctx, "*")
		if err != nil {
			return xerrors.Errorf("enumerate marketplace: %w", err)
		}
		for _, ext := range all {
			add(r.releaseCandidate(ctx, ext, mode.IncludePreRelease), false)
		}
	}

	if mode.Search != "" {
		sources++
		found, err := r.Client.SearchByText(ctx, mode.Search)
		if err != nil {
			return xerrors.Errorf("search %q: %w", mode.Search, err)
		}
		r.Logger.Info(ctx, "search results", slog.F("query", mode.Search), slog.F("count", len(found)))
		for _, ext := range found {
			add(r.releaseCandidate(ctx, ext, mode.IncludePreRelease), false)
		}
	}

	if mode.Name != "" {
		sources++
		ext, err := r.Client.ExtensionByName(ctx, mode.Name, mode.IncludePreRelease)
		if err != nil {
			return xerrors.Errorf("look up %q: %w", mode.Name, err)
		}
		if ext == nil {
			r.Logger.Warn(ctx, "extension not found upstream", slog.F("extension", mode.Name))
		}
		add(ext, false)
	}

	if sources > 0 && failures >= sources && len(candidates) == 0 {
		return xerrors.New("no extension catalog could be fetched; upstream unreachable")
	}

	// The deny list suppresses future downloads and schedules removal.
	if mode.Malicious {
		ids, raw, err := r.Client.Malicious(ctx)
		if err != nil {
			r.Logger.Warn(ctx, "malicious list unavailable", slog.Error(err))
		} else {
			plan.MaliciousRaw = raw
			for _, id := range ids {
				key := strings.ToLower(id)
				if _, ok := candidates[key]; ok {
					r.Logger.Warn(ctx, "suppressing malicious extension", slog.F("extension", id))
					delete(candidates, key)
				}
				plan.Purge = append(plan.Purge, id)
			}
		}
	} else if ids, err := r.Store.ReadMalicious(ctx); err == nil {
		for _, id := range ids {
			delete(candidates, strings.ToLower(id))
			plan.Purge = append(plan.Purge, id)
		}
	}

	for _, key := range order {
		ext, ok := candidates[key]
		if !ok {
			continue
		}
		_, recommended := recommendedSet[key]
		plan.Extensions = append(plan.Extensions, r.planExtension(ctx, ext, recommended))
	}
	return nil
}

// releaseCandidate swaps a pre-release-only result for its newest release
// version when pre-releases are not wanted.
func (r *Resolver) releaseCandidate(ctx context.Context, ext *marketplace.Extension, includePreRelease bool) *marketplace.Extension {
	if ext == nil || includePreRelease {
		return ext
	}
	release := marketplace.LatestReleaseVersions(ext.Versions)
	if len(release) > 0 {
		ext.Versions = release
		return ext
	}
	if ext.ID == "" {
		return nil
	}
	full, err := r.Client.ExtensionByID(ctx, ext.ID)
	if err != nil || full == nil {
		r.Logger.Debug(ctx, "no release version found", slog.F("extension", ext.Identity()))
		return nil
	}
	full.Versions = marketplace.LatestReleaseVersions(full.Versions)
	if len(full.Versions) == 0 {
		return nil
	}
	return full
}

// planExtension assembles the record to publish and subtracts assets the
// store already holds.  Assets committed on an earlier pass are probed with
// the size and hash recorded back then, so a corrupted copy is treated as
// missing and fetched again.
func (r *Resolver) planExtension(ctx context.Context, ext *marketplace.Extension, recommended bool) *ExtensionPlan {
	identity := ext.Identity()
	rec := &storage.ExtensionRecord{
		Extension:   *ext,
		Identity:    identity,
		Recommended: recommended,
	}
	marketplace.SortVersions(rec.Versions)
	prior := r.priorExpectations(ctx, identity)

	plan := &ExtensionPlan{Record: rec}
	for vi := range rec.Versions {
		ver := &rec.Versions[vi]
		for fi := range ver.Files {
			file := &ver.Files[fi]
			if file.Source == "" {
				continue
			}
			dest := storage.AssetPath(identity, ver.Version, ver.TargetPlatform, file.Type)
			if expect, ok := prior[dest]; ok {
				file.Size = expect.Size
				file.SHA256 = expect.SHA256
			}
			if r.Store.Has(dest, storage.Expect{Size: file.Size, SHA256: file.SHA256}) {
				continue
			}
			plan.Items = append(plan.Items, WorkItem{
				Kind:           KindAsset,
				Identity:       identity,
				Version:        ver.Version,
				TargetPlatform: ver.TargetPlatform,
				AssetType:      file.Type,
				URL:            file.Source,
				Dest:           dest,
				Size:           file.Size,
				SHA256:         file.SHA256,
			})
		}
	}
	return plan
}

// priorExpectations maps asset destinations to the size and hash recorded
// when the asset was first committed.  Empty when the extension was never
// published.
func (r *Resolver) priorExpectations(ctx context.Context, identity string) map[string]storage.Expect {
	rec, err := r.Store.LoadExtension(ctx, identity)
	if err != nil {
		return nil
	}
	out := map[string]storage.Expect{}
	for _, ver := range rec.Versions {
		for _, file := range ver.Files {
			if file.Size == 0 && file.SHA256 == "" {
				continue
			}
			dest := storage.AssetPath(rec.Identity, ver.Version, ver.TargetPlatform, file.Type)
			out[dest] = storage.Expect{Size: file.Size, SHA256: file.SHA256}
		}
	}
	return out
}
