// Package buildinfo carries the version stamp shared by labpilotd,
// labpilot-agent, and the labpilot CLI.
package buildinfo

import "fmt"

// Overridden at release build time via -ldflags; a bare go build
// reports a dev stamp.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String renders the stamp for -version output and startup logs.
func String() string {
	return fmt.Sprintf("version=%s commit=%s date=%s", Version, Commit, Date)
}
