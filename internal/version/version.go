// Package version carries build metadata set with -ldflags.
package version

import "fmt"

var (
	// Version is the release tag of the noise binary.
	Version = "dev"
	// GitSHA is the commit the binary was built from.
	GitSHA = "unknown"
	// BuildTime is the build timestamp.
	BuildTime = "unknown"
)

// String formats the build metadata for -version output and logs.
func String() string {
	return fmt.Sprintf("noise %s (%s, built %s)", Version, GitSHA, BuildTime)
}
