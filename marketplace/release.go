package marketplace

import "golang.org/x/mod/semver"

// Qualities are the release tracks the mirror understands.
var Qualities = []string{"stable", "insider", "exploration"}

// Release is the response shape of the editor's update endpoint for one
// (platform, quality) build, as returned by upstream and as persisted in
// the artifact store.  Version carries the commit id; Name carries the
// human-readable version string.
type Release struct {
	URL                string `json:"url"`
	Name               string `json:"name"`
	Version            string `json:"version"`
	ProductVersion     string `json:"productVersion,omitempty"`
	Hash               string `json:"hash,omitempty"`
	Timestamp          int64  `json:"timestamp,omitempty"`
	SHA256Hash         string `json:"sha256hash,omitempty"`
	SupportsFastUpdate bool   `json:"supportsFastUpdate,omitempty"`

	// Mirror-added fields, not part of the upstream shape.
	Platform string `json:"platform,omitempty"`
	Quality  string `json:"quality,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// Commit returns the upstream-assigned identifier of the build.
func (r *Release) Commit() string {
	return r.Version
}

// Newer reports whether r is a more recent build than other.  Names carry
// the product version ("1.100.0"); when they do not settle it, the upload
// timestamp does.
func (r *Release) Newer(other *Release) bool {
	if c := semver.Compare("v"+r.Name, "v"+other.Name); c != 0 {
		return c > 0
	}
	return r.Timestamp > other.Timestamp
}
