// Package version holds build-time version information, injected via
// -ldflags at release build time.
package version

import "fmt"

var (
	Version   = "0.1.0-dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
	GoVersion = "unknown"
)

// SetInfo overrides the defaults with build-injected values. Empty values
// are ignored.
func SetInfo(v, bt, gc, gv string) {
	if v != "" {
		Version = v
	}
	if bt != "" {
		BuildTime = bt
	}
	if gc != "" {
		GitCommit = gc
	}
	if gv != "" {
		GoVersion = gv
	}
}

// Short returns the version string alone.
func Short() string {
	return Version
}

// Full returns a multi-line description of the build.
func Full() string {
	return fmt.Sprintf("pulsecron %s\nbuild time: %s\ngit commit: %s\ngo version: %s",
		Version, BuildTime, GitCommit, GoVersion)
}
