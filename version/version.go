// Package version carries build information injected with -ldflags, e.g.
//
//	go build -ldflags "-X moonrakerapi/version.Version=1.2.0 -X moonrakerapi/version.GitCommit=$(git rev-parse HEAD)"
package version

import "fmt"

var (
	Version   = "dev"
	GitCommit = "unknown"
	GitURL    = ""
	BuildDate = "unknown"
)

func String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, GitCommit, BuildDate)
}
