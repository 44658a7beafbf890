package version

import (
	"fmt"
	"runtime"
)

var (
	// Version is the current application version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// Info is the build information reported by the CLI and /api/version.
type Info struct {
	Version   string `json:"version"`
	GitSHA    string `json:"git_sha"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
}

func Get() Info {
	return Info{Version: Version, GitSHA: GitSHA, BuildTime: BuildTime, GoVersion: runtime.Version()}
}

func (i Info) String() string {
	return fmt.Sprintf("cpicp %s (%s, built %s, %s)", i.Version, i.GitSHA, i.BuildTime, i.GoVersion)
}
