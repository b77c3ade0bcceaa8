// Package version carries build metadata, stamped via -ldflags.
package version

import "fmt"

var (
	// Version is the release version.
	Version = "0.1.0"

	// GitCommit is the git commit hash of the build.
	GitCommit = "unknown"

	// BuildTime is the UTC build timestamp.
	BuildTime = "unknown"
)

// String formats the full build identity on one line.
func String() string {
	return fmt.Sprintf("orchard-mapper %s (commit %s, built %s)", Version, GitCommit, BuildTime)
}
