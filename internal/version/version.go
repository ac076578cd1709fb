// Package version provides build-time version information for chansync.
// These variables are set at build time via -ldflags.
package version

import (
	"fmt"
	"runtime"
)

// Build-time variables set via ldflags
var (
	// Version is the semantic version (e.g., "v0.5.1") or branch name if not a tagged build
	Version = "dev"

	// GitCommit is the short git commit SHA
	GitCommit = "unknown"

	// BuildDate is the build timestamp
	BuildDate = "unknown"
)

// String returns a human-readable version string.
func String() string {
	return fmt.Sprintf("%s (%s)", Version, GitCommit)
}

// Full returns the full version string with all details.
func Full() string {
	return fmt.Sprintf("%s (%s) built %s with %s", Version, GitCommit, BuildDate, runtime.Version())
}
