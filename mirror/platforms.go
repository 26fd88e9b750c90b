package mirror

import "strings"

// The build matrix upstream actually publishes.  Not every combination
// exists; the exclusion rules below mirror what the update endpoint serves.
var (
	platformFamilies = []string{
		"win32",
		"linux",
		"linux-deb",
		"linux-rpm",
		"darwin",
		"darwin-universal",
		"linux-snap",
		"server-linux",
		"server-linux-legacy",
		"server-linux-alpine",
		"cli-alpine",
	}
	architectures = []string{"", "x64", "arm64", "armhf"}
	buildTypes    = []string{"", "archive", "user", "web"}
)

// PlatformMatrix produces every platform identity the mirror can sync, of
// the form family[-arch][-buildtype], e.g. "win32-x64-archive" or
// "linux-x64".
func PlatformMatrix() []string {
	identities := []string{}
	for _, family := range platformFamilies {
		for _, arch := range architectures {
			for _, build := range buildTypes {
				if skipBuild(family, arch, build) {
					continue
				}
				identity := family
				if arch != "" {
					identity += "-" + arch
				}
				if build != "" {
					identity += "-" + build
				}
				identities = append(identities, identity)
			}
		}
	}
	return identities
}

func skipBuild(family, arch, build string) bool {
	switch {
	// Windows has no armhf builds and no web build.
	case family == "win32":
		return arch == "armhf" || build == "web"
	// Mac ships a single binary per family.
	case strings.HasPrefix(family, "darwin"):
		return arch != "" || build != ""
	// The alpine server build carries neither arch nor build type.
	case family == "server-linux-alpine":
		return arch != "" || build != ""
	case family == "cli-alpine":
		return arch == "" || arch == "armhf" || build != ""
	// Remaining Linux families require an arch and carry no build type.
	default:
		return arch == "" || build != ""
	}
}

// ValidPlatform reports whether an identity is producible by the matrix.
func ValidPlatform(identity string) bool {
	for _, known := range PlatformMatrix() {
		if known == identity {
			return true
		}
	}
	return false
}
