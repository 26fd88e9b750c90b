package marketplace

import (
	"sort"

	"github.com/Masterminds/semver/v3"
)

// SortVersions orders versions newest first: semver descending, then upload
// timestamp descending.  Versions that do not parse as semver sort after
// those that do, by timestamp.
func SortVersions(versions []ExtVersion) {
	sort.SliceStable(versions, func(i, j int) bool {
		a, aerr := semver.NewVersion(versions[i].Version)
		b, berr := semver.NewVersion(versions[j].Version)
		switch {
		case aerr == nil && berr == nil:
			if c := a.Compare(b); c != 0 {
				return c > 0
			}
		case aerr == nil:
			return true
		case berr == nil:
			return false
		}
		return versions[i].LastUpdated.After(versions[j].LastUpdated)
	})
}

// LatestReleaseVersions returns the entries for the newest non-pre-release
// version.  There can be several when the version ships per-platform builds;
// all builds of the winning version string are returned.
func LatestReleaseVersions(versions []ExtVersion) []ExtVersion {
	release := make([]ExtVersion, 0, len(versions))
	for _, v := range versions {
		if !v.IsPreRelease() {
			release = append(release, v)
		}
	}
	if len(release) == 0 {
		return nil
	}

	SortVersions(release)
	latest := release[0].Version
	keep := []ExtVersion{}
	for _, v := range release {
		if v.Version == latest {
			keep = append(keep, v)
		}
	}
	return keep
}

// KeepNewest trims a sorted-newest-first version list to the newest n
// distinct version strings, keeping all target platform builds of each.
func KeepNewest(versions []ExtVersion, n int) []ExtVersion {
	if n <= 0 {
		return versions
	}
	distinct := 0
	last := ""
	keep := []ExtVersion{}
	for _, v := range versions {
		if v.Version != last {
			distinct++
			last = v.Version
		}
		if distinct > n {
			break
		}
		keep = append(keep, v)
	}
	return keep
}

// EngineCompatible reports whether an engine constraint from the extension
// manifest (for example "^1.57.0") admits the given editor version.  Unknown
// or wildcard constraints are treated as compatible.
func EngineCompatible(constraint, version string) bool {
	if constraint == "" || constraint == "*" {
		return true
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return true
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return true
	}
	return c.Check(v)
}
