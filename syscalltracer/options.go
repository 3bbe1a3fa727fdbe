package syscalltracer

import (
	"os"

	"github.com/chains-project/depleash/procstate"
	"github.com/chains-project/depleash/stackanalyzer"
)

// DefaultMaxPathLen bounds every path read out of a tracee.
const DefaultMaxPathLen = 4096

// Options configures a Session. The zero value traces without stack
// attribution, inspecting processes through /proc.
type Options struct {
	// Unwinder enables attribution of opens to the library that issued
	// them. When nil every open is attributed to the process binary.
	Unwinder stackanalyzer.Unwinder
	// Images decodes libraries for attribution. Defaults to an objdump
	// backed cache.
	Images stackanalyzer.ImageSource
	// Openers replaces the default list of file-opening entry points.
	Openers []string
	// Inspector reads process identity and mappings. Defaults to /proc.
	Inspector procstate.Inspector

	MaxPathLen int

	Dir    string
	Env    []string
	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File
}

func (o Options) maxPathLen() int {
	if o.MaxPathLen > 0 {
		return o.MaxPathLen
	}
	return DefaultMaxPathLen
}

// State is the lifecycle stage of a Session.
type State int

const (
	Spawning State = iota
	Attached
	Dispatching
	TerminatedSuccess
	TerminatedFailure
)

func (s State) String() string {
	switch s {
	case Spawning:
		return "spawning"
	case Attached:
		return "attached"
	case Dispatching:
		return "dispatching"
	case TerminatedSuccess:
		return "terminated-success"
	case TerminatedFailure:
		return "terminated-failure"
	}
	return "unknown"
}

// Result is what a session observed. On failure the maps hold whatever was
// collected before the error and must not be treated as complete.
type Result struct {
	Success      bool                       `json:"success" yaml:"success"`
	Dependencies procstate.DependencySet    `json:"dependencies" yaml:"dependencies"`
	Files        procstate.FileAccessLog    `json:"-" yaml:"-"`
	Snapshots    procstate.Snapshots        `json:"snapshots" yaml:"snapshots"`
	Processes    []procstate.ProcessSummary `json:"processes" yaml:"processes"`
}
