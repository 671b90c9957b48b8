package common

import (
	"fmt"
	"runtime"

	"github.com/ternarybob/banner"
)

// Set with -ldflags "-X github.com/ternarybob/taskpulse/internal/common.Version=..."
var (
	Version   = "dev"
	Build     = "unknown"
	GitCommit = "unknown"
)

// GetVersion returns the release version
func GetVersion() string {
	return Version
}

// GetFullVersion returns the version with build, commit and Go runtime
func GetFullVersion() string {
	return fmt.Sprintf("%s (build: %s, commit: %s, %s)", Version, Build, GitCommit, runtime.Version())
}

// PrintBanner displays the startup banner
func PrintBanner(version string) {
	banner.PrintSimple("TaskPulse", version)
}
