package version

import "fmt"

var (
	// Version is the semantic version of the binary. Overridden at build time.
	Version = "dev"
	// Commit is the git commit hash. Overridden at build time.
	Commit = "unknown"
	// BuildDate is the build timestamp. Overridden at build time.
	BuildDate = "unknown"
)

// UserAgent is sent by adapters and health probes unless a source overrides it.
func UserAgent() string {
	return fmt.Sprintf("drawfeed/%s", Version)
}
