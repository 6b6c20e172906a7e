// Package version derives the binary's version from build metadata.
package version

import (
	"runtime/debug"
	"strings"
)

// Version may be set at build time via -ldflags "-X .../version.Version=...".
var Version = "dev"

// Effective returns the best available version string: the injected build
// version, the module version for `go install module@vX.Y.Z` builds, or a
// VCS-derived dev version.
func Effective() string {
	if Version != "" && Version != "dev" {
		return Version
	}

	info, ok := debug.ReadBuildInfo()
	if !ok || info == nil {
		return Version
	}

	if info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}

	var rev, modified string
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			modified = s.Value
		}
	}
	if rev != "" {
		short := rev
		if len(short) > 12 {
			short = short[:12]
		}
		parts := []string{"devel", short}
		if modified == "true" {
			parts = append(parts, "dirty")
		}
		return strings.Join(parts, "+")
	}
	return Version
}
