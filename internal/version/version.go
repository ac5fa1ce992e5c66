// Package version carries build metadata set with -ldflags "-X".
package version

import "fmt"

var (
	// Version is the release tag.
	Version = "dev"
	// GitSHA is the commit the binary was built from.
	GitSHA = "unknown"
	// BuildTime is the build timestamp.
	BuildTime = "unknown"
)

// String formats the metadata for -version output and startup logs.
func String() string {
	return fmt.Sprintf("ultralight %s (%s, built %s)", Version, GitSHA, BuildTime)
}
