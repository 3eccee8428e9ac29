// Package version provides build-time version information for genwatch.
// Variables are injected at build time via ldflags.
package version

import (
	"fmt"
	"runtime"
	"strings"

	"golang.org/x/mod/semver"
)

// Build-time variables injected via ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Info returns a formatted version string suitable for --version output.
func Info() string {
	return fmt.Sprintf("genwatch %s (commit: %s, built: %s, go: %s)",
		Version, GitCommit, BuildDate, runtime.Version())
}

// Short returns just the version string (e.g., "0.1.0" or "dev").
func Short() string {
	return Version
}

// Canonical returns v in canonical semver form with a leading "v", or ""
// when v is not a semantic version. The "v" prefix is optional on input.
func Canonical(v string) string {
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return semver.Canonical(v)
}

// Valid reports whether v is a semantic version, with or without "v".
func Valid(v string) bool {
	return Canonical(v) != ""
}

// IsRelease reports whether the running build is a tagged release rather
// than a dev or prerelease build.
func IsRelease() bool {
	c := Canonical(Version)
	return c != "" && semver.Prerelease(c) == ""
}

// Map returns version info as a map for JSON serialization.
func Map() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"build_date": BuildDate,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
	}
}
