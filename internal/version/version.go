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

// UserAgent identifies payrelay in outbound HTTP requests.
func UserAgent() string {
	return fmt.Sprintf("payrelay/%s (%s)", Version, Commit)
}
