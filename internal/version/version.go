// Package version holds build metadata, set at link time with
// -ldflags "-X github.com/banshee-data/sdrcontrol/internal/version.Version=...".
package version

import "fmt"

var (
	// Version is the release tag, or "dev" for local builds.
	Version = "dev"
	// GitSHA is the commit the binary was built from.
	GitSHA = "unknown"
	// BuildTime is the build timestamp.
	BuildTime = "unknown"
)

// String formats the build metadata on one line.
func String() string {
	return fmt.Sprintf("sdrcontrol %s (%s, built %s)", Version, GitSHA, BuildTime)
}
