// Package version holds build-time version information.
// Values are injected at build time via -ldflags.
package version

var (
	// Version is the semantic version of the agentdock build.
	Version = "dev"
	// GitCommit is the short git commit hash.
	GitCommit = "unknown"
	// BuildTime is the RFC3339 build timestamp.
	BuildTime = "unknown"
)
