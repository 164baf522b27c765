// Package version holds build-time version metadata, overridden via
// -ldflags "-X github.com/daino/tenantcore/internal/version.Version=...".
package version

var (
	// Version is the semantic version of this build.
	Version = "dev"
	// Commit is the VCS commit hash of this build.
	Commit = "unknown"
)
