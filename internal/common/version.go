package common

import (
	"fmt"
	"runtime"
)

// Stamped at link time:
//
//	go build -ldflags "-X github.com/weppcloud/weppcloud/internal/common.Version=v1.2.0 ..."
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// GetVersion returns the release version.
func GetVersion() string {
	return Version
}

// GetFullVersion returns the version with commit, build date and Go runtime.
func GetFullVersion() string {
	return fmt.Sprintf("%s (commit %s, built %s, %s %s/%s)",
		Version, GitCommit, BuildDate, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// UserAgent identifies outbound requests to raster and climate services.
func UserAgent() string {
	return "weppcloud/" + Version
}
