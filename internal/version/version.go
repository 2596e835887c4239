package version

import "fmt"

// Build-time variables injected via ldflags.
var (
	Release   = "dev"
	GitCommit = "unknown"
	GOOS      = "unknown"
	GOARCH    = "unknown"
)

// Short returns just the release name, used as the default user agent suffix.
func Short() string {
	return Release
}

// Full returns the version string in the format "release (commit)".
func Full() string {
	return fmt.Sprintf("%s (commit: %s)", Release, GitCommit)
}

// FullWithPlatform returns the version string with platform information.
func FullWithPlatform() string {
	return fmt.Sprintf("requestlog %s (commit: %s, %s/%s)", Release, GitCommit, GOOS, GOARCH)
}

// UserAgent returns the User-Agent header value for outbound HTTP exports.
func UserAgent() string {
	return "requestlog/" + Short()
}
