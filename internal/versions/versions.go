// Package versions provides build version information.
package versions

import (
	"fmt"
	"runtime"
	"time"
)

// Version information set by build using -ldflags.
var (
	// Version is the current version of the service.
	Version = "dev"
	// Commit is the git commit hash of the build.
	Commit = "unknown"
	// BuildDate is the date the binary was built.
	BuildDate = "unknown"
)

// VersionInfo represents the version information of the service.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// GetVersionInfo returns the version information of the build.
func GetVersionInfo() VersionInfo {
	if BuildDate != "unknown" {
		if t, err := time.Parse(time.RFC3339, BuildDate); err == nil {
			BuildDate = t.Format("2006-01-02 15:04:05 MST")
		}
	}

	return VersionInfo{
		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}
