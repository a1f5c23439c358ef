package main

import (
	"runtime/debug"

	"github.com/marcus/memo/cmd"
)

// Version is set with -ldflags "-X main.Version=v1.2.3" for releases.
var Version = "dev"

// effectiveVersion prefers an injected version, then the module version
// recorded by go install, then devel+<revision>[+dirty] from VCS stamping.
func effectiveVersion(v string) string {
	if v != "" && v != "dev" {
		return v
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return v
	}
	if mv := info.Main.Version; mv != "" && mv != "(devel)" {
		return mv
	}

	vcs := make(map[string]string, len(info.Settings))
	for _, s := range info.Settings {
		vcs[s.Key] = s.Value
	}
	rev := vcs["vcs.revision"]
	if rev == "" {
		return v
	}
	version := "devel+" + rev[:min(len(rev), 12)]
	if vcs["vcs.modified"] == "true" {
		version += "+dirty"
	}
	return version
}

func main() {
	cmd.SetVersion(effectiveVersion(Version))
	cmd.Execute()
}
