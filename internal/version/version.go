// Package version reports the build stamped into the binary with
// -ldflags "-X veda/internal/version.Version=…".
package version

import "fmt"

var (
	Version   = "dev"
	GitCommit = ""
	Built     = ""
)

type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit,omitempty"`
	Built     string `json:"built,omitempty"`
}

func Get() Info {
	return Info{Version: Version, GitCommit: GitCommit, Built: Built}
}

// Release reports whether the binary was stamped with a version.
func (i Info) Release() bool {
	return i.Version != "" && i.Version != "dev"
}

func (i Info) String() string {
	if !i.Release() {
		return "veda dev"
	}
	s := "veda version " + i.Version
	if i.GitCommit != "" {
		s += fmt.Sprintf(" (%s)", i.GitCommit)
	}
	if i.Built != "" {
		s += " built " + i.Built
	}
	return s
}
