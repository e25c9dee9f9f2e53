// Package version resolves the build identity reported in health
// responses, startup logs, and the MCP client handshake.
package version

import "runtime/debug"

// AppName identifies the application in protocol handshakes.
const AppName = "parley"

// commit is set via -ldflags for builds where .git is unavailable
// (container images). Empty means: read VCS metadata instead.
var commit string

// GitCommit is the short commit hash, or "dev" when neither an ldflags
// override nor VCS build info is available (go test, tarball builds).
var GitCommit = resolve()

func resolve() string {
	if commit != "" {
		return short(commit)
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				return short(s.Value)
			}
		}
	}
	return "dev"
}

func short(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}
