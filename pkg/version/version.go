// Package version reports the build identity of the running fleetd binary.
package version

import (
	"runtime/debug"
	"sync"
)

// AppName is used in version strings and log lines.
const AppName = "fleetd"

// commitOverride may be injected with -ldflags for builds where no VCS
// metadata is embedded, such as container builds from a source tarball.
var commitOverride string

// Commit returns the short hash of the commit this binary was built from.
// Resolution order: ldflags override, then the vcs.revision build setting,
// then "dev" for builds nothing identifies (go test, source tarballs).
var Commit = sync.OnceValue(func() string {
	if commitOverride != "" {
		return short(commitOverride)
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				return short(s.Value)
			}
		}
	}
	return "dev"
})

func short(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// Full returns the "name/commit" identity string, e.g. "fleetd/1a2b3c4d".
func Full() string {
	return AppName + "/" + Commit()
}
