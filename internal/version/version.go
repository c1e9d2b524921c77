// Package version carries the build identity stamped in by the linker:
//
//	go build -ldflags "-X github.com/Eshwarpawanpeddi/Jetbot-os/internal/version.version=0.2.0 \
//	  -X github.com/Eshwarpawanpeddi/Jetbot-os/internal/version.commit=$(git rev-parse --short HEAD)"
package version

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	version = "dev"
	commit  = ""
)

// String returns the build version for the current binary.
func String() string {
	return version
}

// Commit returns the short commit hash, empty for unstamped builds.
func Commit() string {
	return commit
}

// Full renders version and commit for --version output.
func Full() string {
	if commit == "" {
		return FormatVersion(version)
	}
	return fmt.Sprintf("%s (%s)", FormatVersion(version), commit)
}

// ForTesting overrides the version string and returns a cleanup function
// that restores the original value. Must not be called concurrently.
func ForTesting(v string) func() {
	original := version
	version = v
	return func() { version = original }
}

// describeSuffix matches the "-N-gHASH" tail git describe appends.
var describeSuffix = regexp.MustCompile(`-\d+-g[0-9a-f]+$`)

func normalize(v string) string {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	return describeSuffix.ReplaceAllString(v, "")
}

// FormatVersion adds a "v" prefix to release versions. "dev" and the empty
// string pass through.
func FormatVersion(v string) string {
	if v == "" || v == "dev" || strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}

// CheckVersionMismatch returns a warning when the CLI and jetbotd were built
// from different releases. Development and unstamped builds never warn.
func CheckVersionMismatch(daemonVersion string) string {
	local := version
	for _, v := range []string{local, daemonVersion} {
		if v == "" || v == "dev" || v == "0.0.0" {
			return ""
		}
	}
	if normalize(local) == normalize(daemonVersion) {
		return ""
	}
	return fmt.Sprintf(
		"warning: jetbot %s connected to jetbotd %s; restart the daemon or reinstall to match",
		FormatVersion(local), FormatVersion(daemonVersion),
	)
}
