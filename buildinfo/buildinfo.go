package buildinfo

// tag is stamped by release builds via -ldflags.
var tag string

// Version returns the stamped release tag, or "unknown" for untagged builds.
func Version() string {
	if tag == "" {
		return "unknown"
	}
	return tag
}
