package version

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/opentalon/conductor/pkg/agentwire"
)

// Set at link time with -ldflags "-X .../version.Version=...".
var (
	Version = "dev"
	Commit  = ""
	Date    = ""
)

// Info describes the running binary. AgentProtocol is the handshake
// version remote socket agents must speak.
type Info struct {
	Version       string `json:"version"`
	Commit        string `json:"commit"`
	Date          string `json:"date"`
	GoVersion     string `json:"go_version"`
	AgentProtocol int    `json:"agent_protocol"`
}

// Get falls back to the VCS stamp the Go toolchain embeds when the link
// time variables were not set.
func Get() Info {
	info := Info{
		Version:       Version,
		Commit:        Commit,
		Date:          Date,
		GoVersion:     runtime.Version(),
		AgentProtocol: agentwire.HandshakeVersion,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		applyBuildSettings(&info, bi.Settings)
	}
	if info.Commit == "" {
		info.Commit = "unknown"
	}
	if info.Date == "" {
		info.Date = "unknown"
	}
	return info
}

func applyBuildSettings(info *Info, settings []debug.BuildSetting) {
	dirty, fromVCS := false, false
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "" {
				info.Commit = s.Value
				fromVCS = true
				if len(info.Commit) > 12 {
					info.Commit = info.Commit[:12]
				}
			}
		case "vcs.time":
			if info.Date == "" {
				info.Date = s.Value
			}
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if dirty && fromVCS {
		info.Commit += "-dirty"
	}
}

func (i Info) String() string {
	return fmt.Sprintf("conductor %s (commit %s, built %s, %s, agent protocol v%d)",
		i.Version, i.Commit, i.Date, i.GoVersion, i.AgentProtocol)
}
