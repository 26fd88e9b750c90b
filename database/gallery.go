package database

import (
	"context"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/coder/code-mirror/marketplace"
	"github.com/coder/code-mirror/storage"
)

// matchedRecord pairs a record with its ranking state for one query.
type matchedRecord struct {
	*storage.ExtensionRecord
	// Lower means more relevant.  Sorted ascending.
	distances []int
}

// GetExtensions filters, sorts, and paginates the current snapshot and
// returns gallery-shaped extensions along with the total match count.
// Records are copied before flag handling mutates them, so the snapshot
// itself stays immutable.
func (db *MemDB) GetExtensions(ctx context.Context, filter marketplace.Filter, flags marketplace.Flag, baseURL url.URL) ([]*marketplace.Extension, int, error) {
	snap := db.snapshot()

	matched := []*matchedRecord{}
	for _, rec := range snap.records {
		if ok, distances := getMatches(rec, filter); ok {
			matched = append(matched, &matchedRecord{ExtensionRecord: rec, distances: distances})
		}
	}

	// A query that matches nothing falls back to the recommended set, so a
	// fresh editor install still gets a useful browse page.  Only broad
	// queries fall back; an explicit lookup must stay empty.
	if len(matched) == 0 && broadQuery(filter) {
		for _, rec := range snap.recommended {
			matched = append(matched, &matchedRecord{ExtensionRecord: rec})
		}
	}

	total := len(matched)
	sortMatches(matched, filter)
	matched = paginate(matched, filter)

	exts := make([]*marketplace.Extension, 0, len(matched))
	for _, m := range matched {
		exts = append(exts, db.render(m.ExtensionRecord, flags, baseURL))
	}
	return exts, total, nil
}

// broadQuery reports whether the filter carries no criteria beyond the
// target, flag exclusions, and an empty search.
func broadQuery(filter marketplace.Filter) bool {
	for _, c := range filter.Criteria {
		switch c.Type {
		case marketplace.Target, marketplace.ExcludeWithFlags:
		case marketplace.SearchText:
			if strings.TrimSpace(c.Value) != "" {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func getMatches(rec *storage.ExtensionRecord, filter marketplace.Filter) (bool, []int) {
	var (
		triedFilter = false
		hasTarget   = false
		distances   = []int{}
	)
	match := func(matches bool) {
		triedFilter = true
		if matches {
			distances = append(distances, 0)
		}
	}
	for _, c := range filter.Criteria {
		switch c.Type {
		case marketplace.Tag:
			match(containsFold(rec.Tags, c.Value))
		case marketplace.ExtensionID:
			match(strings.EqualFold(rec.ID, c.Value))
		case marketplace.Category:
			match(containsFold(rec.Categories, c.Value))
		case marketplace.ExtensionName:
			// The value is the fully qualified `publisher.name`.
			match(strings.EqualFold(rec.Identity, c.Value))
		case marketplace.Target:
			// The target is an AND, so a mismatch aborts early.  A match only
			// counts once another criterion also matched.
			if c.Value != marketplace.VSCodeTarget {
				return false, nil
			}
			hasTarget = true
		case marketplace.Featured:
			match(marketplace.HasFlag(rec.Flags, "featured"))
		case marketplace.ExcludeWithFlags:
			// The only exclusion the editor sends is Unpublished.
			if excluded, err := strconv.Atoi(c.Value); err == nil {
				if marketplace.Flag(excluded)&marketplace.Unpublished != 0 &&
					marketplace.HasFlag(rec.Flags, "unpublished") {
					return false, nil
				}
			}
		case marketplace.SearchText:
			triedFilter = true
			// Search each token of the input individually.  Publisher lookup
			// comes in as SearchText via `publisher:"name"`.
			tokens := strings.FieldsFunc(c.Value, func(r rune) bool {
				return r == ' ' || r == ',' || r == '.'
			})
			searchTokens := []string{}
			for _, token := range tokens {
				parts := strings.SplitN(token, ":", 2)
				if len(parts) == 2 && parts[0] == "publisher" {
					match(strings.EqualFold(rec.Publisher.PublisherName, strings.Trim(parts[1], "\"")))
				} else if token != "" {
					searchTokens = append(searchTokens, token)
				}
			}
			candidates := []string{rec.Name, rec.DisplayName, rec.Publisher.PublisherName, rec.ShortDescription}
			candidates = append(candidates, rec.Tags...)
			allMatches := fuzzy.Ranks{}
			for _, token := range searchTokens {
				matches := fuzzy.RankFindFold(token, candidates)
				if len(matches) == 0 {
					// One unmatched token invalidates the whole search.
					allMatches = fuzzy.Ranks{}
					break
				}
				allMatches = append(allMatches, matches...)
			}
			for _, m := range allMatches {
				distances = append(distances, m.Distance)
			}
		}
	}
	if !triedFilter && hasTarget {
		return true, nil
	}
	sort.Ints(distances)
	return len(distances) > 0, distances
}

func sortMatches(matches []*matchedRecord, filter marketplace.Filter) {
	sort.Slice(matches, func(i, j int) bool {
		less := false
		a := matches[i]
		b := matches[j]
	outer:
		switch filter.SortBy {
		case marketplace.LastUpdatedDate:
			less = a.LastUpdated.After(b.LastUpdated)
		case marketplace.PublishedDate:
			less = a.PublishedDate.After(b.PublishedDate)
		case marketplace.AverageRating:
			less = a.AverageRating() > b.AverageRating()
		case marketplace.WeightedRating:
			less = a.WeightedRating() > b.WeightedRating()
		case marketplace.InstallCount:
			less = a.InstallCount() > b.InstallCount()
		case marketplace.Title:
			less = displayName(a) < displayName(b)
		case marketplace.PublisherName:
			if a.Publisher.PublisherName < b.Publisher.PublisherName {
				less = true
			} else if a.Publisher.PublisherName == b.Publisher.PublisherName {
				less = a.Name < b.Name
			}
		default: // NoneOrRelevance
			// Closest match wins; ties fall through to the next closest, then
			// to install count, then to name.
			blen := len(b.distances)
			for k := range a.distances {
				if k >= blen {
					less = true
					break outer
				} else if a.distances[k] < b.distances[k] {
					less = true
					break outer
				} else if a.distances[k] > b.distances[k] {
					break outer
				}
			}
			if len(a.distances) < blen {
				break outer
			}
			if a.InstallCount() != b.InstallCount() {
				less = a.InstallCount() > b.InstallCount()
				break outer
			}
			less = a.Name < b.Name
		}
		if filter.SortOrder == marketplace.Ascending {
			return !less
		}
		return less
	})
}

func displayName(m *matchedRecord) string {
	if m.DisplayName != "" {
		return m.DisplayName
	}
	return m.Name
}

func paginate(matches []*matchedRecord, filter marketplace.Filter) []*matchedRecord {
	page := filter.PageNumber
	if page <= 0 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 50
	}
	start := (page - 1) * size
	length := len(matches)
	if start > length {
		start = length
	}
	end := start + size
	if end > length {
		end = length
	}
	return matches[start:end]
}

// render produces the gallery-shaped copy of a record with the sub-objects
// the flag bitset asks for, rewriting asset sources to this mirror.
func (db *MemDB) render(rec *storage.ExtensionRecord, flags marketplace.Flag, baseURL url.URL) *marketplace.Extension {
	ext := rec.Extension
	ext.Versions = nil

	// Files, properties, and asset URIs hang off versions, so any of those
	// bits implies versions too.
	if flags&(marketplace.IncludeVersions|
		marketplace.IncludeFiles|
		marketplace.IncludeVersionProperties|
		marketplace.IncludeLatestVersionOnly|
		marketplace.IncludeAssetURI) != 0 {
		ext.Versions = db.renderVersions(rec, flags, baseURL)
	}

	// Categories and tags are kept on the record for filtering, so strip
	// them here when not requested.
	if flags&marketplace.IncludeCategoryAndTags == 0 {
		ext.Categories = []string{}
		ext.Tags = []string{}
	}
	if flags&marketplace.IncludeStatistics == 0 {
		ext.Statistics = nil
	}
	return &ext
}

func (db *MemDB) renderVersions(rec *storage.ExtensionRecord, flags marketplace.Flag, baseURL url.URL) []marketplace.ExtVersion {
	source := rec.Versions
	if flags&marketplace.IncludeLatestVersionOnly != 0 && len(source) > 0 {
		// All builds of the newest version string, one entry per target
		// platform.
		newest := source[0].Version
		trimmed := []marketplace.ExtVersion{}
		for _, ver := range source {
			if ver.Version == newest {
				trimmed = append(trimmed, ver)
			}
		}
		source = trimmed
	}

	versions := make([]marketplace.ExtVersion, 0, len(source))
	for _, ver := range source {
		out := marketplace.ExtVersion{
			Version:        ver.Version,
			TargetPlatform: ver.TargetPlatform,
			Flags:          ver.Flags,
			LastUpdated:    ver.LastUpdated,
		}
		if flags&marketplace.IncludeFiles != 0 {
			for _, file := range ver.Files {
				out.Files = append(out.Files, marketplace.ExtFile{
					Type:   file.Type,
					Source: fileURL(baseURL, storage.AssetPath(rec.Identity, ver.Version, ver.TargetPlatform, file.Type)),
				})
			}
		}
		if flags&marketplace.IncludeVersionProperties != 0 {
			out.Properties = ver.Properties
			if out.Properties == nil {
				out.Properties = []marketplace.ExtProperty{}
			}
		}
		if flags&marketplace.IncludeAssetURI != 0 {
			out.AssetURI = assetURL(baseURL, rec, ver)
			out.FallbackAssetURI = out.AssetURI
		}
		versions = append(versions, out)
	}
	return versions
}

// fileURL addresses one stored file through the raw file mount.
func fileURL(baseURL url.URL, relpath string) string {
	return (&url.URL{
		Scheme: baseURL.Scheme,
		Host:   baseURL.Host,
		Path:   path.Join(baseURL.Path, "files", relpath),
	}).String()
}

// assetURL addresses a version through the asset endpoint, which resolves
// asset types by name the way the upstream CDN does.
func assetURL(baseURL url.URL, rec *storage.ExtensionRecord, ver marketplace.ExtVersion) string {
	u := url.URL{
		Scheme: baseURL.Scheme,
		Host:   baseURL.Host,
		Path: path.Join(
			baseURL.Path,
			"assets",
			rec.Publisher.PublisherName,
			rec.Name,
			ver.Version),
	}
	if ver.TargetPlatform != "" {
		u.RawQuery = url.Values{"targetPlatform": {ver.TargetPlatform}}.Encode()
	}
	return u.String()
}

func containsFold(a []string, b string) bool {
	for _, astr := range a {
		if strings.EqualFold(astr, b) {
			return true
		}
	}
	return false
}
